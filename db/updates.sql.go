package db

import (
	"context"

	"github.com/jackc/pgx/v5/pgtype"
)

const getLatestUpdates = `-- name: GetLatestUpdates :many
SELECT DISTINCT ON (geofence_id) id, geofence_id, asset_id, status, version, updated_at
FROM geofence_updates
WHERE asset_id = $1
ORDER BY geofence_id, version DESC
`

func (q *Queries) GetLatestUpdates(ctx context.Context, assetID string) ([]GeofenceUpdate, error) {
	rows, err := q.db.Query(ctx, getLatestUpdates, assetID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []GeofenceUpdate
	for rows.Next() {
		var i GeofenceUpdate
		if err := rows.Scan(
			&i.ID,
			&i.GeofenceID,
			&i.AssetID,
			&i.Status,
			&i.Version,
			&i.UpdatedAt,
		); err != nil {
			return nil, err
		}
		items = append(items, i)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

const insertUpdate = `-- name: InsertUpdate :one
INSERT INTO geofence_updates (geofence_id, asset_id, status, version, updated_at)
VALUES ($1, $2, $3, $4, $5)
RETURNING id, geofence_id, asset_id, status, version, updated_at
`

type InsertUpdateParams struct {
	GeofenceID int64              `json:"geofence_id"`
	AssetID    string             `json:"asset_id"`
	Status     string             `json:"status"`
	Version    int64              `json:"version"`
	UpdatedAt  pgtype.Timestamptz `json:"updated_at"`
}

func (q *Queries) InsertUpdate(ctx context.Context, arg InsertUpdateParams) (GeofenceUpdate, error) {
	row := q.db.QueryRow(ctx, insertUpdate,
		arg.GeofenceID,
		arg.AssetID,
		arg.Status,
		arg.Version,
		arg.UpdatedAt,
	)
	var i GeofenceUpdate
	err := row.Scan(
		&i.ID,
		&i.GeofenceID,
		&i.AssetID,
		&i.Status,
		&i.Version,
		&i.UpdatedAt,
	)
	return i, err
}
