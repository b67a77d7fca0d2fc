package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/lai/logistics/geofence/db"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
)

// TxBeginner is satisfied by *pgxpool.Pool.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// FenceFromFeature reads a fence definition from a GeoJSON feature. Recognized
// properties: name, fence_type, cooldown, emails, radius_m, assets.
func FenceFromFeature(f *geojson.Feature) (GeoFence, error) {
	if f == nil || f.Geometry == nil {
		return GeoFence{}, errors.New("feature has no geometry")
	}
	name, _ := f.Properties["name"].(string)
	if name == "" {
		return GeoFence{}, errors.New("name required")
	}

	typ, _ := f.Properties["fence_type"].(string)
	ft, err := ParseFenceType(typ)
	if err != nil {
		return GeoFence{}, err
	}

	cooldown, err := intProperty(f.Properties, "cooldown")
	if err != nil {
		return GeoFence{}, err
	}
	if cooldown < 0 {
		return GeoFence{}, errors.New("cooldown cannot be negative")
	}

	fence := GeoFence{
		Name:      name,
		FenceType: ft,
		Cooldown:  cooldown,
		Emails:    stringsProperty(f.Properties, "emails"),
		Geometry:  geojson.NewGeometry(f.Geometry),
		AssetIDs:  stringsProperty(f.Properties, "assets"),
	}

	switch f.Geometry.(type) {
	case orb.Point:
		r, _ := f.Properties["radius_m"].(float64)
		if r <= 0 {
			return GeoFence{}, errors.New("circular fence needs a positive radius_m")
		}
		fence.RadiusMeters = r
	case orb.Polygon, orb.MultiPolygon:
	default:
		return GeoFence{}, fmt.Errorf("unsupported geometry %s", f.Geometry.GeoJSONType())
	}
	return fence, nil
}

func intProperty(p geojson.Properties, key string) (int, error) {
	switch v := p[key].(type) {
	case nil:
		return 0, nil
	case float64:
		return int(v), nil
	case int:
		return v, nil
	}
	return 0, fmt.Errorf("%s must be a number", key)
}

func stringsProperty(p geojson.Properties, key string) []string {
	raw, _ := p[key].([]interface{})
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok && s != "" {
			out = append(out, s)
		}
	}
	return out
}

// ImportResult reports what an import changed. Assets holds every asset whose fence
// set may differ: the ones linked by the file and the ones whose links were removed.
type ImportResult struct {
	Fences int
	Assets []string
}

// ImportFences upserts every feature of fc as a fence (matched by name) and replaces
// its asset links, all in one transaction.
func ImportFences(ctx context.Context, pool TxBeginner, queries *db.Queries, fc *geojson.FeatureCollection) (ImportResult, error) {
	fences := make([]GeoFence, 0, len(fc.Features))
	for i, feat := range fc.Features {
		f, err := FenceFromFeature(feat)
		if err != nil {
			return ImportResult{}, fmt.Errorf("feature %d: %w", i, err)
		}
		fences = append(fences, f)
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		return ImportResult{}, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)
	q := queries.WithTx(tx)

	var touched assetSet
	for _, f := range fences {
		geom, err := f.Geometry.MarshalJSON()
		if err != nil {
			return ImportResult{}, fmt.Errorf("encode geometry of %s: %w", f.Name, err)
		}
		id, err := q.UpsertGeofence(ctx, db.UpsertGeofenceParams{
			Name:            f.Name,
			FenceType:       string(f.FenceType),
			CooldownMinutes: int32(f.Cooldown),
			Emails:          f.Emails,
			Geometry:        geom,
			RadiusM:         pgtype.Float8{Float64: f.RadiusMeters, Valid: f.RadiusMeters > 0},
		})
		if err != nil {
			return ImportResult{}, fmt.Errorf("upsert %s: %w", f.Name, err)
		}
		removed, err := q.DeleteGeofenceAssets(ctx, id)
		if err != nil {
			return ImportResult{}, fmt.Errorf("clear assets of %s: %w", f.Name, err)
		}
		touched.add(removed...)
		touched.add(f.AssetIDs...)

		links := make([]db.GeofenceAsset, len(f.AssetIDs))
		for i, a := range f.AssetIDs {
			links[i] = db.GeofenceAsset{GeofenceID: id, AssetID: a}
		}
		if _, err := q.BulkInsertGeofenceAssets(ctx, links); err != nil {
			return ImportResult{}, fmt.Errorf("link assets of %s: %w", f.Name, err)
		}
		slog.Info("imported geofence",
			"geofence_id", id,
			"name", f.Name,
			"assets", len(links),
			"unlinked", len(removed),
		)
	}

	if err := tx.Commit(ctx); err != nil {
		return ImportResult{}, fmt.Errorf("commit: %w", err)
	}
	return ImportResult{Fences: len(fences), Assets: touched.list}, nil
}

// assetSet keeps distinct asset IDs in first-seen order.
type assetSet struct {
	seen map[string]bool
	list []string
}

func (s *assetSet) add(ids ...string) {
	if s.seen == nil {
		s.seen = make(map[string]bool)
	}
	for _, id := range ids {
		if id != "" && !s.seen[id] {
			s.seen[id] = true
			s.list = append(s.list, id)
		}
	}
}
