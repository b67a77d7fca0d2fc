package service

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"
)

// AssetEvaluator is implemented by *Engine.
type AssetEvaluator interface {
	Evaluate(ctx context.Context, assetID string, points []Point) ([]int64, error)
}

// Ingestor splits mixed track point batches per asset and evaluates the assets in
// parallel, at most concurrency at a time.
type Ingestor struct {
	eval        AssetEvaluator
	concurrency int
}

func NewIngestor(eval AssetEvaluator, concurrency int) *Ingestor {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Ingestor{eval: eval, concurrency: concurrency}
}

// HandleBatch evaluates every asset in points. Only whole-asset failures (fence or
// history reads) are returned; per-fence failures are logged.
func (in *Ingestor) HandleBatch(ctx context.Context, points []TrackPoint) error {
	order, byAsset := GroupByAsset(points)

	var (
		mu   sync.Mutex
		errs []error
	)
	g := new(errgroup.Group)
	g.SetLimit(in.concurrency)

	for _, assetID := range order {
		pts := byAsset[assetID]
		g.Go(func() error {
			triggered, err := in.eval.Evaluate(ctx, assetID, pts)

			var readErr *StoreReadError
			switch {
			case errors.As(err, &readErr):
				slog.Error("evaluate asset failed", "asset_id", assetID, "error", err)
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
				return nil
			case err != nil:
				slog.Warn("evaluate asset finished with errors", "asset_id", assetID, "error", err)
			}

			if len(triggered) > 0 {
				slog.Info("geofences triggered",
					"asset_id", assetID,
					"geofence_ids", triggered,
					"points", len(pts),
				)
			}
			return nil
		})
	}
	g.Wait()

	return errors.Join(errs...)
}

// Write lets the ingestor stand in for a point producer.
func (in *Ingestor) Write(ctx context.Context, points []TrackPoint) error {
	return in.HandleBatch(ctx, points)
}
