package db

import (
	"context"

	"github.com/jackc/pgx/v5"
)

// Fence-to-asset links are replaced wholesale on import, so COPY beats one INSERT per asset.
func (q *Queries) BulkInsertGeofenceAssets(ctx context.Context, links []GeofenceAsset) (int64, error) {
	return q.db.CopyFrom(
		ctx,
		pgx.Identifier{"geofence_assets"},
		[]string{"geofence_id", "asset_id"},
		pgx.CopyFromSlice(len(links), func(i int) ([]any, error) {
			l := links[i]
			return []any{l.GeofenceID, l.AssetID}, nil
		}),
	)
}
