package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/paulmach/orb/geojson"
	"github.com/spf13/cobra"

	"github.com/lai/logistics/geofence/config"
	"github.com/lai/logistics/geofence/db"
	"github.com/lai/logistics/geofence/service"
)

func newEvaluateCmd(cfgFn func() *config.Config) *cobra.Command {
	var (
		assetID    string
		pointsFile string
		fencesFile string
		memory     bool
	)

	cmd := &cobra.Command{
		Use:   "evaluate",
		Short: "Evaluate one batch of points for an asset and print the triggered fence IDs",
		RunE: func(c *cobra.Command, args []string) error {
			points, err := readPoints(pointsFile)
			if err != nil {
				return err
			}

			ctx := c.Context()
			cfg := cfgFn()

			var (
				fences  service.FenceStore
				updates service.UpdateStore
				queries *db.Queries
			)
			if fencesFile == "" || !memory {
				pool, err := openPool(ctx, cfg)
				if err != nil {
					return err
				}
				defer pool.Close()
				queries = db.New(pool)
			}

			if fencesFile != "" {
				fences, err = readFences(fencesFile)
				if err != nil {
					return err
				}
			} else {
				fences = service.NewPostgresFenceStore(queries)
			}

			if memory {
				updates = service.NewMemoryUpdateStore()
			} else {
				updates, err = newUpdateStore(ctx, cfg, queries)
				if err != nil {
					return err
				}
			}

			engine := service.NewEngine(fences, updates, newNotifier(cfg, queries))
			triggered, evalErr := engine.Evaluate(ctx, assetID, points)

			var readErr *service.StoreReadError
			if errors.As(evalErr, &readErr) {
				return evalErr
			}
			if err := json.NewEncoder(c.OutOrStdout()).Encode(triggered); err != nil {
				return err
			}
			return evalErr
		},
	}

	cmd.Flags().StringVar(&assetID, "asset", "", "Asset ID")
	cmd.Flags().StringVar(&pointsFile, "points", "", "JSON file with an array of {lat, lon} points")
	cmd.Flags().StringVar(&fencesFile, "fences", "", "GeoJSON FeatureCollection to use instead of the fence tables")
	cmd.Flags().BoolVar(&memory, "memory", false, "Keep update history in memory (nothing is persisted)")
	cmd.MarkFlagRequired("asset")
	cmd.MarkFlagRequired("points")
	return cmd
}

func readPoints(path string) ([]service.Point, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var points []service.Point
	if err := json.Unmarshal(data, &points); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return points, nil
}

func readFeatureCollection(path string) (*geojson.FeatureCollection, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	fc, err := geojson.UnmarshalFeatureCollection(data)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return fc, nil
}

// readFences loads a FeatureCollection into a memory store. Fences are numbered in
// file order starting at 1.
func readFences(path string) (*service.MemoryFenceStore, error) {
	fc, err := readFeatureCollection(path)
	if err != nil {
		return nil, err
	}
	store := service.NewMemoryFenceStore()
	for i, feat := range fc.Features {
		f, err := service.FenceFromFeature(feat)
		if err != nil {
			return nil, fmt.Errorf("feature %d: %w", i, err)
		}
		f.ID = int64(i + 1)
		store.Put(f)
	}
	return store, nil
}
