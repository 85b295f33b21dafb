// Package ingest consumes the broker and log transports and feeds every message
// through normalize → dedup → broadcast.
package ingest

import (
	"context"
	"log/slog"

	"library-notifications/notifier/internal/dedup"
	"library-notifications/notifier/internal/fanout"
	"library-notifications/notifier/internal/normalize"
	"library-notifications/shared/events"
	"library-notifications/shared/logx"
	"library-notifications/shared/metricsx"
)

type Outcome string

const (
	OutcomeBroadcast Outcome = "broadcast"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeMalformed Outcome = "malformed"
)

type Broadcaster interface {
	Broadcast(ctx context.Context, ev events.CanonicalEvent) fanout.Result
}

// Pipeline is shared by both adapters and safe for concurrent use; the dedup
// gate and the registry own their locking.
type Pipeline struct {
	gate        dedup.Gate
	broadcaster Broadcaster
	logger      logx.Logger
}

func NewPipeline(gate dedup.Gate, broadcaster Broadcaster, logger logx.Logger) *Pipeline {
	return &Pipeline{gate: gate, broadcaster: broadcaster, logger: logger}
}

// Handle processes one raw message. Every outcome, including malformed, means
// the caller should acknowledge or commit the message.
func (p *Pipeline) Handle(ctx context.Context, origin events.Origin, body []byte, fallbackKind string) Outcome {
	ev, err := normalize.Normalize(origin, body, fallbackKind)
	if err != nil {
		metricsx.IncIngested(string(origin), string(OutcomeMalformed))
		p.logger.Warn(ctx, "event_malformed", "dropping malformed event",
			slog.String("error_code", "INVALID_ARGUMENT"),
			slog.String("error", err.Error()),
			slog.String("origin", string(origin)),
			slog.Int("bytes", len(body)),
		)
		return OutcomeMalformed
	}
	if !p.gate.ShouldProcess(ctx, ev) {
		metricsx.IncIngested(string(origin), string(OutcomeDuplicate))
		p.logger.Debug(ctx, "event_duplicate", "duplicate event suppressed",
			slog.String("kind", ev.Kind),
			slog.String("correlation_id", ev.CorrelationID),
			slog.String("origin", string(origin)),
		)
		return OutcomeDuplicate
	}
	metricsx.IncIngested(string(origin), string(OutcomeBroadcast))
	p.broadcaster.Broadcast(ctx, ev)
	return OutcomeBroadcast
}
