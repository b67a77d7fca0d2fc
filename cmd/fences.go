package main

import (
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/lai/logistics/geofence/config"
	"github.com/lai/logistics/geofence/db"
	"github.com/lai/logistics/geofence/service"
)

func newFencesCmd(cfgFn func() *config.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "fences",
		Short: "Manage geofences",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "import <file.geojson>",
		Short: "Upsert fences from a GeoJSON FeatureCollection",
		Args:  cobra.ExactArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			ctx := c.Context()
			cfg := cfgFn()

			fc, err := readFeatureCollection(args[0])
			if err != nil {
				return err
			}

			pool, err := openPool(ctx, cfg)
			if err != nil {
				return err
			}
			defer pool.Close()
			queries := db.New(pool)

			res, err := service.ImportFences(ctx, pool, queries, fc)
			if err != nil {
				return err
			}
			slog.Info("fences imported", "count", res.Fences, "assets", len(res.Assets), "file", args[0])

			_, cache, closeCache, err := newFenceStore(ctx, cfg, queries)
			if err != nil {
				slog.Warn("fence cache not invalidated", "error", err)
				return nil
			}
			defer closeCache()
			if cache != nil {
				if err := cache.Invalidate(ctx, res.Assets...); err != nil {
					slog.Warn("fence cache not invalidated", "error", err)
				}
			}
			return nil
		},
	})
	return cmd
}

func newMigrateCmd(cfgFn func() *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create the geofence tables",
		RunE: func(c *cobra.Command, args []string) error {
			ctx := c.Context()
			pool, err := openPool(ctx, cfgFn())
			if err != nil {
				return err
			}
			defer pool.Close()

			if err := db.New(pool).Migrate(ctx); err != nil {
				return err
			}
			slog.Info("schema applied")
			return nil
		},
	}
}
