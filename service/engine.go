package service

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Engine evaluates point batches against an asset's fences and records trigger
// transitions.
type Engine struct {
	fences    FenceStore
	updates   UpdateStore
	notifier  Notifier
	publisher EventPublisher
	trigger   TriggerFunc
	now       func() time.Time
	locks     *KeyLock
}

// EngineOption customizes an Engine.
type EngineOption func(*Engine)

// WithPublisher hands every persisted transition to p.
func WithPublisher(p EventPublisher) EngineOption {
	return func(e *Engine) { e.publisher = p }
}

// WithTrigger replaces the geometric predicate.
func WithTrigger(fn TriggerFunc) EngineOption {
	return func(e *Engine) { e.trigger = fn }
}

// WithClock replaces time.Now as the evaluation clock.
func WithClock(now func() time.Time) EngineOption {
	return func(e *Engine) { e.now = now }
}

func NewEngine(fences FenceStore, updates UpdateStore, notifier Notifier, opts ...EngineOption) *Engine {
	e := &Engine{
		fences:   fences,
		updates:  updates,
		notifier: notifier,
		trigger:  IsTriggered,
		now:      time.Now,
		locks:    NewKeyLock(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Evaluate runs one batch of points for an asset and returns the IDs of the fences
// that newly became Triggered, in fence order.
//
// A read failure returns a *StoreReadError and no IDs. Per-fence write and notify
// failures are returned together as an *EvaluationError next to the triggered IDs.
func (e *Engine) Evaluate(ctx context.Context, assetID string, points []Point) ([]int64, error) {
	unlock := e.locks.Lock(assetID)
	defer unlock()

	fences, err := e.fences.GetByAssetID(ctx, assetID)
	if err != nil {
		return nil, &StoreReadError{Op: "get fences", AssetID: assetID, Err: err}
	}
	if len(fences) == 0 {
		return []int64{}, nil
	}

	latest, err := e.updates.Latest(ctx, assetID)
	if err != nil {
		return nil, &StoreReadError{Op: "get latest updates", AssetID: assetID, Err: err}
	}

	triggered := make([]int64, 0, len(fences))
	evalErr := &EvaluationError{}

	for _, f := range fences {
		if err := ctx.Err(); err != nil {
			return triggered, errors.Join(err, evalErrOrNil(evalErr))
		}

		var prior *Update
		if u, ok := latest[f.ID]; ok {
			prior = &u
		}

		now := e.now()
		cooling := inCooldown(prior, f, now)
		var next NotificationStatus
		if !cooling {
			next = statusOf(anyTriggered(e.trigger, points, f))
		}
		act := decide(prior, cooling, next)
		if act == ActionSkip {
			continue
		}

		rec, err := e.updates.Append(ctx, prior, Update{
			GeoFenceID: f.ID,
			AssetID:    assetID,
			Status:     next,
		})
		if errors.Is(err, ErrVersionConflict) {
			slog.Info("geofence update superseded",
				"asset_id", assetID,
				"geofence_id", f.ID,
			)
			continue
		}
		if err != nil {
			werr := &StoreWriteError{GeoFenceID: f.ID, AssetID: assetID, Err: err}
			slog.Error("append geofence update failed",
				"asset_id", assetID,
				"geofence_id", f.ID,
				"error", err,
			)
			evalErr.Write = append(evalErr.Write, werr)
			continue
		}

		e.publish(ctx, f, rec)

		if act != ActionRecordAndNotify {
			slog.Info("geofence exit",
				"asset_id", assetID,
				"geofence", f.Name,
			)
			continue
		}

		slog.Info("geofence enter",
			"asset_id", assetID,
			"geofence", f.Name,
			"recipients", len(f.Emails),
		)
		evalErr.Notify = append(evalErr.Notify, e.notifyAll(ctx, f, assetID, now)...)
		triggered = append(triggered, f.ID)
	}

	return triggered, evalErrOrNil(evalErr)
}

func evalErrOrNil(e *EvaluationError) error {
	if e.empty() {
		return nil
	}
	return e
}

// notifyAll sends one notification per recipient concurrently and returns every
// failure.
func (e *Engine) notifyAll(ctx context.Context, f GeoFence, assetID string, at time.Time) []*NotifyError {
	if e.notifier == nil || len(f.Emails) == 0 {
		return nil
	}
	subject, plainBody, htmlBody := triggerMessage(f, assetID, at)

	var (
		mu   sync.Mutex
		errs []*NotifyError
	)
	// Every recipient is attempted; failures are collected, not returned.
	g := new(errgroup.Group)
	for _, recipient := range f.Emails {
		g.Go(func() error {
			if err := e.notifier.Notify(ctx, recipient, subject, plainBody, htmlBody); err != nil {
				slog.Error("notification failed",
					"asset_id", assetID,
					"geofence_id", f.ID,
					"recipient", recipient,
					"error", err,
				)
				mu.Lock()
				errs = append(errs, &NotifyError{GeoFenceID: f.ID, Recipient: recipient, Err: err})
				mu.Unlock()
			}
			return nil
		})
	}
	g.Wait()
	return errs
}

func (e *Engine) publish(ctx context.Context, f GeoFence, rec Update) {
	if e.publisher == nil {
		return
	}
	if err := e.publisher.Publish(ctx, newGeofenceEvent(f, rec)); err != nil {
		slog.Error("publish geofence event failed",
			"asset_id", rec.AssetID,
			"geofence_id", f.ID,
			"error", err,
		)
	}
}
