// Package recorder keeps an audit trail of broadcasts off the ingest path: it
// queues results in memory and writes them in batches to Postgres and InfluxDB.
package recorder

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"library-notifications/notifier/internal/fanout"
	"library-notifications/notifier/internal/repos"
	"library-notifications/shared/logx"
	"library-notifications/shared/metricsx"
)

const measurement = "notifications"

type Store interface {
	Write(ctx context.Context, records []repos.NotificationRecord) error
}

type PointWriter interface {
	WritePoint(ctx context.Context, measurement string, tags map[string]string, fields map[string]any, ts time.Time) error
}

type Options struct {
	QueueSize     int
	BatchSize     int
	FlushInterval time.Duration
	WriteTimeout  time.Duration
}

// Recorder is a fanout.Observer. Observe never blocks; when the queue is full
// the record is dropped and counted.
type Recorder struct {
	store  Store
	points PointWriter
	logger logx.Logger
	opts   Options
	queue  chan repos.NotificationRecord
}

// New accepts a nil store or point writer; a Recorder with neither does nothing.
func New(store Store, points PointWriter, logger logx.Logger, opts Options) *Recorder {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 1024
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 100
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = time.Second
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 5 * time.Second
	}
	return &Recorder{
		store:  store,
		points: points,
		logger: logger,
		opts:   opts,
		queue:  make(chan repos.NotificationRecord, opts.QueueSize),
	}
}

func (r *Recorder) Observe(_ context.Context, res fanout.Result) {
	payload, err := json.Marshal(res.Notification)
	if err != nil {
		return
	}
	rec := repos.NotificationRecord{
		Kind:      res.Notification.Type,
		Origin:    string(res.Origin),
		Attempted: res.Attempted,
		Failed:    res.Failed,
		Payload:   payload,
	}
	rec.ReceivedAt, _ = time.Parse(time.RFC3339Nano, res.Notification.Timestamp)
	if v, ok := res.Notification.Data["correlation_id"].(string); ok {
		rec.CorrelationID = v
	}
	if v, ok := res.Notification.Data["occurred_at"].(string); ok {
		rec.OccurredAt = v
	}
	select {
	case r.queue <- rec:
	default:
		metricsx.IncNotificationLogDropped()
	}
}

// Run drains the queue until ctx ends, then flushes what is left.
func (r *Recorder) Run(ctx context.Context) {
	ticker := time.NewTicker(r.opts.FlushInterval)
	defer ticker.Stop()

	batch := make([]repos.NotificationRecord, 0, r.opts.BatchSize)
	flush := func(ctx context.Context) {
		if len(batch) == 0 {
			return
		}
		r.write(ctx, batch)
		batch = batch[:0]
	}

	for {
		select {
		case <-ctx.Done():
			for {
				select {
				case rec := <-r.queue:
					batch = append(batch, rec)
				default:
					flush(context.WithoutCancel(ctx))
					return
				}
			}
		case rec := <-r.queue:
			batch = append(batch, rec)
			if len(batch) >= r.opts.BatchSize {
				flush(ctx)
			}
		case <-ticker.C:
			flush(ctx)
		}
	}
}

func (r *Recorder) write(ctx context.Context, batch []repos.NotificationRecord) {
	ctx, cancel := context.WithTimeout(ctx, r.opts.WriteTimeout)
	defer cancel()

	if r.store != nil {
		if err := r.store.Write(ctx, batch); err != nil {
			r.logger.Error(ctx, "notification_log_write_failed", "failed to write notification log",
				slog.String("error_code", "INTERNAL_ERROR"),
				slog.String("error", err.Error()),
				slog.Int("records", len(batch)),
			)
		}
	}
	if r.points == nil {
		return
	}
	for _, rec := range batch {
		err := r.points.WritePoint(ctx, measurement,
			map[string]string{"kind": rec.Kind, "origin": rec.Origin},
			map[string]any{"attempted": rec.Attempted, "failed": rec.Failed},
			rec.ReceivedAt,
		)
		if err != nil {
			metricsx.IncInfluxWriteFailure()
			r.logger.Warn(ctx, "influx_write_failed", "failed to write notification point",
				slog.String("error_code", "INTERNAL_ERROR"),
				slog.String("error", err.Error()),
			)
			return
		}
	}
}
