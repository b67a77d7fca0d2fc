//go:build integration

package service

import (
	"context"
	"errors"
	"fmt"
	"os"
	"slices"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/lai/logistics/geofence/db"
	"github.com/paulmach/orb/geojson"
)

// Required environment variables for integration tests:
//
//	DATABASE_URL - Postgres connection string; the schema is created if missing
//
// Run with: go test -v -tags=integration ./service/...

func getEnvOrSkip(t *testing.T, key string) string {
	t.Helper()
	val := os.Getenv(key)
	if val == "" {
		t.Skipf("skipping: %s not set", key)
	}
	return val
}

func setupPostgres(t *testing.T) (*pgxpool.Pool, *db.Queries) {
	t.Helper()
	ctx := context.Background()

	pool, err := pgxpool.New(ctx, getEnvOrSkip(t, "DATABASE_URL"))
	if err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	t.Cleanup(pool.Close)

	queries := db.New(pool)
	if err := queries.Migrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return pool, queries
}

func importTestFence(t *testing.T, pool *pgxpool.Pool, queries *db.Queries, assetID string) int64 {
	t.Helper()
	ctx := context.Background()

	name := fmt.Sprintf("it-depot-%d", time.Now().UnixNano())
	fc, err := geojson.UnmarshalFeatureCollection([]byte(fmt.Sprintf(`{
	  "type": "FeatureCollection",
	  "features": [{
	    "type": "Feature",
	    "geometry": {"type": "Point", "coordinates": [121.5654, 25.0330]},
	    "properties": {"name": %q, "cooldown": 10, "emails": ["ops@example.com"],
	                   "radius_m": 500, "assets": [%q]}
	  }]
	}`, name, assetID)))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := ImportFences(ctx, pool, queries, fc); err != nil {
		t.Fatalf("import: %v", err)
	}

	fences, err := NewPostgresFenceStore(queries).GetByAssetID(ctx, assetID)
	if err != nil || len(fences) != 1 {
		t.Fatalf("got fences %v, %v", fences, err)
	}
	return fences[0].ID
}

func TestIntegration_PostgresEngine(t *testing.T) {
	pool, queries := setupPostgres(t)
	ctx := context.Background()
	assetID := fmt.Sprintf("it-asset-%d", time.Now().UnixNano())
	fenceID := importTestFence(t, pool, queries, assetID)

	notifier := &mockNotifier{}
	engine := NewEngine(NewPostgresFenceStore(queries), NewPostgresUpdateStore(queries), notifier)

	got, err := engine.Evaluate(ctx, assetID, []Point{{Lat: 25.0330, Lon: 121.5654}})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if !slices.Equal(got, []int64{fenceID}) {
		t.Fatalf("got %v, want [%d]", got, fenceID)
	}

	// Still cooling down: nothing recorded.
	got, err = engine.Evaluate(ctx, assetID, []Point{{Lat: 26, Lon: 121.5654}})
	if err != nil || len(got) != 0 {
		t.Fatalf("got %v, %v; want [] while cooling down", got, err)
	}
	if notifier.count() != 1 {
		t.Errorf("got %d notifications, want 1", notifier.count())
	}
}

func TestIntegration_PostgresUpdateStoreConflict(t *testing.T) {
	pool, queries := setupPostgres(t)
	ctx := context.Background()
	assetID := fmt.Sprintf("it-asset-%d", time.Now().UnixNano())
	fenceID := importTestFence(t, pool, queries, assetID)

	s := NewPostgresUpdateStore(queries)
	first, err := s.Append(ctx, nil, Update{GeoFenceID: fenceID, AssetID: assetID, Status: Triggered})
	if err != nil {
		t.Fatalf("first append: %v", err)
	}
	if _, err := s.Append(ctx, nil, Update{GeoFenceID: fenceID, AssetID: assetID, Status: Triggered}); !errors.Is(err, ErrVersionConflict) {
		t.Errorf("got %v, want ErrVersionConflict", err)
	}

	second, err := s.Append(ctx, &first, Update{GeoFenceID: fenceID, AssetID: assetID, Status: NotTriggered})
	if err != nil {
		t.Fatalf("second append: %v", err)
	}
	if second.Version != 2 || !second.UpdatedAt.After(first.UpdatedAt) {
		t.Errorf("got %+v after %+v", second, first)
	}

	latest, err := s.Latest(ctx, assetID)
	if err != nil {
		t.Fatal(err)
	}
	if latest[fenceID].Version != 2 || latest[fenceID].Status != NotTriggered {
		t.Errorf("latest: got %+v", latest[fenceID])
	}
}

func TestIntegration_ReimportReportsUnlinkedAssets(t *testing.T) {
	pool, queries := setupPostgres(t)
	ctx := context.Background()
	suffix := time.Now().UnixNano()
	name := fmt.Sprintf("it-yard-%d", suffix)
	oldAsset, newAsset := fmt.Sprintf("it-old-%d", suffix), fmt.Sprintf("it-new-%d", suffix)

	importWith := func(assetID string) ImportResult {
		t.Helper()
		fc, err := geojson.UnmarshalFeatureCollection([]byte(fmt.Sprintf(`{
		  "type": "FeatureCollection",
		  "features": [{
		    "type": "Feature",
		    "geometry": {"type": "Polygon", "coordinates": [[[121,25],[122,25],[122,26],[121,26],[121,25]]]},
		    "properties": {"name": %q, "assets": [%q]}
		  }]
		}`, name, assetID)))
		if err != nil {
			t.Fatal(err)
		}
		res, err := ImportFences(ctx, pool, queries, fc)
		if err != nil {
			t.Fatalf("import: %v", err)
		}
		return res
	}

	importWith(oldAsset)
	res := importWith(newAsset)

	if res.Fences != 1 {
		t.Errorf("got %d fences, want 1", res.Fences)
	}
	if !slices.Contains(res.Assets, oldAsset) || !slices.Contains(res.Assets, newAsset) {
		t.Errorf("got assets %v, want both %s and %s", res.Assets, oldAsset, newAsset)
	}

	fences, err := NewPostgresFenceStore(queries).GetByAssetID(ctx, oldAsset)
	if err != nil || len(fences) != 0 {
		t.Errorf("unlinked asset still has fences %v, %v", fences, err)
	}
}
