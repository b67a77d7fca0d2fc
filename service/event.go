package service

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

const (
	EventEnter = "enter"
	EventExit  = "exit"
)

// GeofenceEvent is published for every persisted status transition.
type GeofenceEvent struct {
	EventID      string    `json:"event_id"`
	AssetID      string    `json:"asset_id"`
	GeofenceID   int64     `json:"geofence_id"`
	GeofenceName string    `json:"geofence_name"`
	FenceType    FenceType `json:"fence_type"`
	EventType    string    `json:"event_type"` // "enter" or "exit"
	Timestamp    time.Time `json:"timestamp"`
}

func newGeofenceEvent(f GeoFence, rec Update) GeofenceEvent {
	eventType := EventExit
	if rec.Status == Triggered {
		eventType = EventEnter
	}
	return GeofenceEvent{
		EventID:      uuid.NewString(),
		AssetID:      rec.AssetID,
		GeofenceID:   f.ID,
		GeofenceName: f.Name,
		FenceType:    f.FenceType,
		EventType:    eventType,
		Timestamp:    rec.UpdatedAt,
	}
}

// EventPublisher receives geofence events. Failures are logged by the engine.
type EventPublisher interface {
	Publish(ctx context.Context, evt GeofenceEvent) error
}

// Publishers fans an event out to several publishers.
type Publishers []EventPublisher

func (ps Publishers) Publish(ctx context.Context, evt GeofenceEvent) error {
	var errs []error
	for _, p := range ps {
		if err := p.Publish(ctx, evt); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
