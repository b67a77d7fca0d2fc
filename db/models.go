package db

import (
	"github.com/jackc/pgx/v5/pgtype"
)

type Geofence struct {
	ID              int64         `json:"id"`
	Name            string        `json:"name"`
	FenceType       string        `json:"fence_type"`
	CooldownMinutes int32         `json:"cooldown_minutes"`
	Emails          []string      `json:"emails"`
	Geometry        []byte        `json:"geometry"`
	RadiusM         pgtype.Float8 `json:"radius_m"`
	AssetIds        []string      `json:"asset_ids"`
}

type GeofenceAsset struct {
	GeofenceID int64  `json:"geofence_id"`
	AssetID    string `json:"asset_id"`
}

type GeofenceUpdate struct {
	ID         int64              `json:"id"`
	GeofenceID int64              `json:"geofence_id"`
	AssetID    string             `json:"asset_id"`
	Status     string             `json:"status"`
	Version    int64              `json:"version"`
	UpdatedAt  pgtype.Timestamptz `json:"updated_at"`
}

type NotificationLog struct {
	ID        int64              `json:"id"`
	Recipient string             `json:"recipient"`
	Subject   string             `json:"subject"`
	SentAt    pgtype.Timestamptz `json:"sent_at"`
}
