package main

import (
	"context"
	"fmt"
	"log/slog"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/lai/logistics/geofence/config"
	"github.com/lai/logistics/geofence/db"
	"github.com/lai/logistics/geofence/service"
)

func openPool(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("database connection failed: %w", err)
	}
	return pool, nil
}

func newUpdateStore(ctx context.Context, cfg *config.Config, queries *db.Queries) (service.UpdateStore, error) {
	switch cfg.HistoryBackend {
	case config.BackendDynamoDB:
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to load AWS config: %w", err)
		}
		slog.Info("using dynamodb update history", "table", cfg.DynamoDBUpdatesTable)
		return service.NewDynamoUpdateStore(dynamodb.NewFromConfig(awsCfg), cfg.DynamoDBUpdatesTable)
	default:
		return service.NewPostgresUpdateStore(queries), nil
	}
}

// newFenceStore wraps the Postgres fence store in the redis cache when REDIS_ADDR is
// set. The returned close func is never nil.
func newFenceStore(ctx context.Context, cfg *config.Config, queries *db.Queries) (service.FenceStore, *service.CachedFenceStore, func(), error) {
	pg := service.NewPostgresFenceStore(queries)
	if cfg.RedisAddr == "" {
		return pg, nil, func() {}, nil
	}

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, nil, nil, fmt.Errorf("redis connection failed: %w", err)
	}
	slog.Info("fence cache enabled", "redis_addr", cfg.RedisAddr, "ttl", cfg.FenceCacheTTL)
	cached := service.NewCachedFenceStore(pg, rdb, cfg.FenceCacheTTL)
	return cached, cached, func() { rdb.Close() }, nil
}

func newNotifier(cfg *config.Config, queries *db.Queries) service.Notifier {
	if cfg.SMTPHost == "" {
		slog.Warn("SMTP_HOST not set, notifications are only logged")
		return service.LogNotifier{}
	}
	var log service.NotificationLog
	if queries != nil {
		log = service.NewPostgresNotificationLog(queries)
	}
	return service.NewMailNotifier(service.SMTPConfig{
		Host:     cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		User:     cfg.SMTPUser,
		Password: cfg.SMTPPassword,
		From:     cfg.SMTPFrom,
	}, log)
}
