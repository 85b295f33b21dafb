package repos

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// NotificationRecord is one broadcast as it was handed to subscribers.
type NotificationRecord struct {
	ReceivedAt    time.Time
	Kind          string
	CorrelationID string
	OccurredAt    string
	Origin        string
	Attempted     int
	Failed        int
	Payload       []byte
}

type NotificationLog struct {
	pool *pgxpool.Pool
}

func NewNotificationLog(pool *pgxpool.Pool) *NotificationLog {
	return &NotificationLog{pool: pool}
}

func (r *NotificationLog) Write(ctx context.Context, records []NotificationRecord) error {
	if len(records) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, rec := range records {
		if rec.ReceivedAt.IsZero() {
			rec.ReceivedAt = time.Now().UTC()
		}
		batch.Queue(`
			INSERT INTO notification_log (
				received_at, kind, correlation_id, occurred_at, origin,
				attempted, failed, payload
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		`,
			rec.ReceivedAt,
			rec.Kind,
			nullIfEmpty(rec.CorrelationID),
			rec.OccurredAt,
			rec.Origin,
			rec.Attempted,
			rec.Failed,
			rec.Payload,
		)
	}

	br := r.pool.SendBatch(ctx, batch)
	defer br.Close()

	for range records {
		if _, err := br.Exec(); err != nil {
			return err
		}
	}
	return nil
}

func nullIfEmpty(v string) any {
	if v == "" {
		return nil
	}
	return v
}
