package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/lai/logistics/geofence/db"
	"github.com/paulmach/orb/geojson"
)

const pgUniqueViolation = "23505"

// PostgresFenceStore reads fences from the geofences / geofence_assets tables.
type PostgresFenceStore struct {
	queries *db.Queries
}

func NewPostgresFenceStore(queries *db.Queries) *PostgresFenceStore {
	return &PostgresFenceStore{queries: queries}
}

func (s *PostgresFenceStore) GetByAssetID(ctx context.Context, assetID string) ([]GeoFence, error) {
	rows, err := s.queries.GetGeofencesByAsset(ctx, assetID)
	if err != nil {
		return nil, fmt.Errorf("query geofences: %w", err)
	}
	fences := make([]GeoFence, 0, len(rows))
	for _, r := range rows {
		f, err := fenceFromRow(r)
		if err != nil {
			return nil, fmt.Errorf("geofence %d: %w", r.ID, err)
		}
		fences = append(fences, f)
	}
	return fences, nil
}

func fenceFromRow(r db.Geofence) (GeoFence, error) {
	ft, err := ParseFenceType(r.FenceType)
	if err != nil {
		return GeoFence{}, err
	}
	geom, err := geojson.UnmarshalGeometry(r.Geometry)
	if err != nil {
		return GeoFence{}, fmt.Errorf("decode geometry: %w", err)
	}
	return GeoFence{
		ID:           r.ID,
		Name:         r.Name,
		FenceType:    ft,
		Cooldown:     int(r.CooldownMinutes),
		Emails:       r.Emails,
		Geometry:     geom,
		RadiusMeters: r.RadiusM.Float64,
		AssetIDs:     r.AssetIds,
	}, nil
}

// PostgresUpdateStore keeps the update history in geofence_updates. The unique
// (geofence_id, asset_id, version) constraint turns a lost race into
// ErrVersionConflict. Records are stamped with the application clock, the same
// clock the engine checks cooldowns against.
type PostgresUpdateStore struct {
	queries *db.Queries
	now     func() time.Time
}

func NewPostgresUpdateStore(queries *db.Queries) *PostgresUpdateStore {
	return &PostgresUpdateStore{queries: queries, now: time.Now}
}

// WithClock makes the store stamp records with now instead of the wall clock.
func (s *PostgresUpdateStore) WithClock(now func() time.Time) *PostgresUpdateStore {
	s.now = now
	return s
}

func (s *PostgresUpdateStore) Latest(ctx context.Context, assetID string) (map[int64]Update, error) {
	rows, err := s.queries.GetLatestUpdates(ctx, assetID)
	if err != nil {
		return nil, fmt.Errorf("query latest updates: %w", err)
	}
	out := make(map[int64]Update, len(rows))
	for _, r := range rows {
		out[r.GeofenceID] = updateFromRow(r)
	}
	return out, nil
}

func (s *PostgresUpdateStore) Append(ctx context.Context, prev *Update, next Update) (Update, error) {
	rec := nextVersion(prev, next, s.now())
	row, err := s.queries.InsertUpdate(ctx, db.InsertUpdateParams{
		GeofenceID: rec.GeoFenceID,
		AssetID:    rec.AssetID,
		Status:     string(rec.Status),
		Version:    rec.Version,
		UpdatedAt:  pgtype.Timestamptz{Time: rec.UpdatedAt, Valid: true},
	})
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return Update{}, ErrVersionConflict
		}
		return Update{}, fmt.Errorf("insert update: %w", err)
	}
	return updateFromRow(row), nil
}

func updateFromRow(r db.GeofenceUpdate) Update {
	return Update{
		GeoFenceID: r.GeofenceID,
		AssetID:    r.AssetID,
		Status:     NotificationStatus(r.Status),
		Version:    r.Version,
		UpdatedAt:  r.UpdatedAt.Time.UTC(),
	}
}

// PostgresNotificationLog writes sent notifications to notification_log.
type PostgresNotificationLog struct {
	queries *db.Queries
}

func NewPostgresNotificationLog(queries *db.Queries) *PostgresNotificationLog {
	return &PostgresNotificationLog{queries: queries}
}

func (l *PostgresNotificationLog) RecordNotification(ctx context.Context, rec NotificationRecord) error {
	return l.queries.RecordNotification(ctx, db.RecordNotificationParams{
		Recipient: rec.Recipient,
		Subject:   rec.Subject,
		SentAt:    pgtype.Timestamptz{Time: rec.SentAt, Valid: true},
	})
}
