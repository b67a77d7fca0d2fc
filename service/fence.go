package service

import (
	"fmt"
	"time"

	"github.com/paulmach/orb/geojson"
)

// FenceType decides whether a fence fires while an asset is inside or outside it.
type FenceType string

const (
	FenceInbound  FenceType = "inbound"
	FenceOutbound FenceType = "outbound"
)

// ParseFenceType accepts the stored/imported spelling of a fence type.
func ParseFenceType(s string) (FenceType, error) {
	switch FenceType(s) {
	case FenceInbound, FenceOutbound:
		return FenceType(s), nil
	case "":
		return FenceInbound, nil
	}
	return "", fmt.Errorf("unknown fence type %q", s)
}

func (t FenceType) String() string {
	switch t {
	case FenceOutbound:
		return "Outbound"
	default:
		return "Inbound"
	}
}

// GeoFence is a named region watched for a set of assets.
// Geometry is a GeoJSON Point (with RadiusMeters), Polygon or MultiPolygon.
type GeoFence struct {
	ID           int64             `json:"id"`
	Name         string            `json:"name"`
	FenceType    FenceType         `json:"fence_type"`
	Cooldown     int               `json:"cooldown"` // minutes
	Emails       []string          `json:"emails"`
	Geometry     *geojson.Geometry `json:"geometry"`
	RadiusMeters float64           `json:"radius_m,omitempty"`
	AssetIDs     []string          `json:"asset_ids"`
}

// CooldownDuration returns the fence cooldown as a duration.
func (f GeoFence) CooldownDuration() time.Duration {
	return time.Duration(f.Cooldown) * time.Minute
}

// NotificationStatus is the recorded trigger state of a (fence, asset) pair.
type NotificationStatus string

const (
	NotTriggered NotificationStatus = "not_triggered"
	Triggered    NotificationStatus = "triggered"
)

func statusOf(triggered bool) NotificationStatus {
	if triggered {
		return Triggered
	}
	return NotTriggered
}

// Update is one entry of the append-only status history of a (fence, asset) pair.
// Version is 1 for the first record of a pair and grows by one per record.
type Update struct {
	GeoFenceID int64              `json:"geofence_id"`
	AssetID    string             `json:"asset_id"`
	Status     NotificationStatus `json:"status"`
	Version    int64              `json:"version"`
	UpdatedAt  time.Time          `json:"updated_at"`
}

// Point is a single location to test against fences.
type Point struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}
