package db

import (
	"context"
	_ "embed"
)

//go:embed schema.sql
var Schema string

// Migrate creates the tables if they do not exist yet.
func (q *Queries) Migrate(ctx context.Context) error {
	_, err := q.db.Exec(ctx, Schema)
	return err
}
