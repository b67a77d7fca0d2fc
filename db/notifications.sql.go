package db

import (
	"context"

	"github.com/jackc/pgx/v5/pgtype"
)

const recordNotification = `-- name: RecordNotification :exec
INSERT INTO notification_log (recipient, subject, sent_at) VALUES ($1, $2, $3)
`

type RecordNotificationParams struct {
	Recipient string             `json:"recipient"`
	Subject   string             `json:"subject"`
	SentAt    pgtype.Timestamptz `json:"sent_at"`
}

func (q *Queries) RecordNotification(ctx context.Context, arg RecordNotificationParams) error {
	_, err := q.db.Exec(ctx, recordNotification, arg.Recipient, arg.Subject, arg.SentAt)
	return err
}
