package db

import (
	"context"

	"github.com/jackc/pgx/v5/pgtype"
)

const getGeofencesByAsset = `-- name: GetGeofencesByAsset :many
SELECT g.id, g.name, g.fence_type, g.cooldown_minutes, g.emails, g.geometry, g.radius_m,
       ARRAY(SELECT ga2.asset_id FROM geofence_assets ga2 WHERE ga2.geofence_id = g.id ORDER BY ga2.asset_id)::text[] AS asset_ids
FROM geofences g
JOIN geofence_assets ga ON ga.geofence_id = g.id
WHERE ga.asset_id = $1
ORDER BY g.id
`

func (q *Queries) GetGeofencesByAsset(ctx context.Context, assetID string) ([]Geofence, error) {
	rows, err := q.db.Query(ctx, getGeofencesByAsset, assetID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []Geofence
	for rows.Next() {
		var i Geofence
		if err := rows.Scan(
			&i.ID,
			&i.Name,
			&i.FenceType,
			&i.CooldownMinutes,
			&i.Emails,
			&i.Geometry,
			&i.RadiusM,
			&i.AssetIds,
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

const upsertGeofence = `-- name: UpsertGeofence :one
INSERT INTO geofences (name, fence_type, cooldown_minutes, emails, geometry, radius_m)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (name) DO UPDATE
SET fence_type = EXCLUDED.fence_type,
    cooldown_minutes = EXCLUDED.cooldown_minutes,
    emails = EXCLUDED.emails,
    geometry = EXCLUDED.geometry,
    radius_m = EXCLUDED.radius_m
RETURNING id
`

type UpsertGeofenceParams struct {
	Name            string        `json:"name"`
	FenceType       string        `json:"fence_type"`
	CooldownMinutes int32         `json:"cooldown_minutes"`
	Emails          []string      `json:"emails"`
	Geometry        []byte        `json:"geometry"`
	RadiusM         pgtype.Float8 `json:"radius_m"`
}

func (q *Queries) UpsertGeofence(ctx context.Context, arg UpsertGeofenceParams) (int64, error) {
	row := q.db.QueryRow(ctx, upsertGeofence,
		arg.Name,
		arg.FenceType,
		arg.CooldownMinutes,
		arg.Emails,
		arg.Geometry,
		arg.RadiusM,
	)
	var id int64
	err := row.Scan(&id)
	return id, err
}

const deleteGeofenceAssets = `-- name: DeleteGeofenceAssets :many
DELETE FROM geofence_assets WHERE geofence_id = $1
RETURNING asset_id
`

func (q *Queries) DeleteGeofenceAssets(ctx context.Context, geofenceID int64) ([]string, error) {
	rows, err := q.db.Query(ctx, deleteGeofenceAssets, geofenceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []string
	for rows.Next() {
		var assetID string
		if err := rows.Scan(&assetID); err != nil {
			return nil, err
		}
		items = append(items, assetID)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}
