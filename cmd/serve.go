package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/lai/logistics/geofence/config"
	"github.com/lai/logistics/geofence/db"
	"github.com/lai/logistics/geofence/service"
)

func newServeCmd(cfgFn func() *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Consume track points and evaluate geofences",
		RunE: func(c *cobra.Command, args []string) error {
			return serve(cfgFn())
		},
	}
}

func serve(cfg *config.Config) error {
	// Context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := openPool(ctx, cfg)
	if err != nil {
		return err
	}
	defer pool.Close()
	queries := db.New(pool)

	updates, err := newUpdateStore(ctx, cfg, queries)
	if err != nil {
		return err
	}
	fences, _, closeCache, err := newFenceStore(ctx, cfg, queries)
	if err != nil {
		return err
	}
	defer closeCache()

	// WebSocket hub, plus the Kafka event topic when Kafka is on
	hub := service.NewHub()
	publishers := service.Publishers{hub}
	if cfg.KafkaEnabled() {
		producer := service.NewEventProducer(cfg.Brokers(), cfg.NotifyTopic)
		defer producer.Close()
		publishers = append(publishers, producer)
	}

	engine := service.NewEngine(fences, updates, newNotifier(cfg, queries),
		service.WithPublisher(publishers))
	ingestor := service.NewIngestor(engine, cfg.EvalConcurrency)

	// POST /track goes through Kafka when it is configured, straight to the
	// ingestor otherwise.
	var sink service.PointSink = ingestor
	var kafkaConsumer *service.KafkaConsumer
	if cfg.KafkaEnabled() {
		pointProducer := service.NewPointProducer(cfg.Brokers(), cfg.KafkaTopic)
		defer pointProducer.Close()
		sink = pointProducer

		kafkaConsumer = service.NewKafkaConsumer(service.KafkaConsumerConfig{
			Brokers:      cfg.Brokers(),
			Topic:        cfg.KafkaTopic,
			GroupID:      cfg.KafkaGroup,
			BatchSize:    cfg.BatchSize,
			BatchTimeout: cfg.BatchTimeout,
		}, func(ctx context.Context, points []service.TrackPoint) error {
			if err := ingestor.HandleBatch(ctx, points); err != nil {
				return err
			}
			slog.Info("evaluated batch", "count", len(points))
			return nil
		})
		go kafkaConsumer.Run(ctx)
	} else {
		slog.Warn("KAFKA_BROKERS not set, /track evaluates in-process")
	}

	var mqttSource *service.MQTTSource
	if cfg.MQTTBroker != "" {
		mqttSource = service.NewMQTTSource(service.MQTTConfig{
			Broker:   cfg.MQTTBroker,
			ClientID: cfg.MQTTClientID,
			Topic:    cfg.MQTTTopic,
		}, ingestor.HandleBatch)
		if err := mqttSource.Start(); err != nil {
			return err
		}
	}

	// HTTP server
	mux := http.NewServeMux()
	mux.HandleFunc("/health", service.HealthHandler(pool))
	mux.Handle("/track", service.NewHandler(sink))
	mux.HandleFunc("/api/events/", hub.ServeWS)

	srv := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	// Graceful shutdown
	done := make(chan struct{})
	go func() {
		sigint := make(chan os.Signal, 1)
		signal.Notify(sigint, os.Interrupt, syscall.SIGTERM)
		<-sigint

		slog.Info("shutting down...")
		cancel()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()

		srv.Shutdown(shutdownCtx)
		if kafkaConsumer != nil {
			kafkaConsumer.Close()
		}
		if mqttSource != nil {
			mqttSource.Close()
		}
		hub.CloseAll()
		close(done)
	}()

	slog.Info("geofence service listening",
		"addr", cfg.ListenAddr,
		"history_backend", cfg.HistoryBackend,
		"kafka", cfg.KafkaEnabled(),
		"mqtt", cfg.MQTTBroker != "",
	)
	if err := srv.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}

	<-done
	slog.Info("shutdown complete")
	return nil
}
