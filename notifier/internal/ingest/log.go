package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"library-notifications/shared/events"
	"library-notifications/shared/logx"
	"library-notifications/shared/metricsx"
)

const LogAdapterName = "log"

// Reader is the subset of *kafka.Reader the adapter uses.
type Reader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Stats() kafka.ReaderStats
	Close() error
}

// LogAdapter consumes one topic as a member of a consumer group. A nil reader
// factory disables it.
type LogAdapter struct {
	topic       string
	group       string
	newReader   func() (Reader, error)
	check       func(ctx context.Context) error
	pipeline    *Pipeline
	logger      logx.Logger
	reconnector *Reconnector
}

func NewLogAdapter(topic string, group string, newReader func() (Reader, error), pipeline *Pipeline, rc *Reconnector, logger logx.Logger) *LogAdapter {
	return &LogAdapter{
		topic:       topic,
		group:       group,
		newReader:   newReader,
		pipeline:    pipeline,
		logger:      logger.With(slog.String("adapter", LogAdapterName)),
		reconnector: rc,
	}
}

// WithBrokerCheck sets a reachability check that must pass before the adapter
// reports subscribed. A group reader retries inside FetchMessage without surfacing errors.
func (a *LogAdapter) WithBrokerCheck(check func(ctx context.Context) error) *LogAdapter {
	a.check = check
	return a
}

func (a *LogAdapter) Enabled() bool { return a.newReader != nil }

func (a *LogAdapter) State() State { return a.reconnector.State() }

// Run blocks until ctx ends. On return the reader has been closed, which leaves
// the consumer group.
func (a *LogAdapter) Run(ctx context.Context) {
	if !a.Enabled() {
		a.reconnector.Disable()
		a.logger.Info(ctx, "adapter_disabled", "no log brokers configured, log adapter disabled")
		return
	}
	a.reconnector.Run(ctx, a.session)
}

func (a *LogAdapter) session(ctx context.Context, subscribed func()) error {
	reader, err := a.newReader()
	if err != nil {
		return fmt.Errorf("reader: %w", err)
	}
	defer func() {
		if cerr := reader.Close(); cerr != nil {
			a.logger.Warn(context.Background(), "kafka_close_failed", "failed to leave consumer group",
				slog.String("error_code", "INTERNAL_ERROR"),
				slog.String("error", cerr.Error()),
			)
		}
	}()
	if a.check != nil {
		if err := a.check(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("brokers: %w", err)
		}
	}
	subscribed()

	for {
		msg, err := reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return nil
			}
			return fmt.Errorf("fetch: %w", err)
		}
		a.handleMessage(ctx, msg)
		if err := reader.CommitMessages(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			a.logger.Error(ctx, "kafka_commit_failed", "failed to commit message",
				slog.String("error_code", "INTERNAL_ERROR"),
				slog.String("error", err.Error()),
				slog.Int("partition", msg.Partition),
				slog.Int64("offset", msg.Offset),
			)
		}
		stats := reader.Stats()
		metricsx.SetKafkaLag(a.topic, a.group, stats.Lag)
	}
}

func (a *LogAdapter) handleMessage(ctx context.Context, msg kafka.Message) Outcome {
	spanCtx, span := otel.Tracer("mqx").Start(ctx, "kafka.consume")
	span.SetAttributes(
		attribute.String("messaging.system", "kafka"),
		attribute.String("messaging.destination", msg.Topic),
		attribute.Int("messaging.kafka.partition", msg.Partition),
	)
	defer span.End()
	return a.pipeline.Handle(spanCtx, events.OriginLog, msg.Value, string(msg.Key))
}
