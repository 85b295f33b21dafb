package fanout

import (
	"context"
	"log/slog"
	"time"

	"library-notifications/shared/events"
	"library-notifications/shared/logx"
	"library-notifications/shared/metricsx"
)

// Result summarizes one broadcast.
type Result struct {
	Notification events.Notification
	Origin       events.Origin
	Attempted    int
	Failed       int
}

// Observer sees every completed broadcast. It runs on the ingest goroutine and
// must return quickly.
type Observer interface {
	Observe(ctx context.Context, res Result)
}

type Broadcaster struct {
	registry  *Registry
	logger    logx.Logger
	now       func() time.Time
	observers []Observer
}

func NewBroadcaster(registry *Registry, logger logx.Logger, observers ...Observer) *Broadcaster {
	return &Broadcaster{registry: registry, logger: logger, now: time.Now, observers: observers}
}

// Broadcast serializes ev once and makes one delivery attempt per subscriber
// registered at call time. Subscribers that fail are removed and closed after
// the pass.
func (b *Broadcaster) Broadcast(ctx context.Context, ev events.CanonicalEvent) Result {
	start := time.Now()
	n := events.NewNotification(ev, b.now())
	res := Result{Notification: n, Origin: ev.Origin}

	frames, err := Encode(n)
	if err != nil {
		b.logger.Error(ctx, "broadcast_encode_failed", "notification could not be encoded",
			slog.String("error_code", "INTERNAL_ERROR"),
			slog.String("error", err.Error()),
			slog.String("kind", ev.Kind),
		)
		return res
	}

	subs := b.registry.Snapshot()
	res.Attempted = len(subs)
	var failed []Subscriber
	for _, s := range subs {
		ok := s.Deliver(frames)
		metricsx.IncDelivery(string(s.Transport()), ok)
		if !ok {
			failed = append(failed, s)
		}
	}
	for _, s := range failed {
		b.registry.Unregister(s)
		s.Close()
		b.logger.Info(ctx, "subscriber_dropped", "subscriber removed after failed delivery",
			slog.String("subscriber_id", s.ID()),
			slog.String("transport", string(s.Transport())),
		)
	}
	res.Failed = len(failed)
	metricsx.ObserveBroadcast(time.Since(start))

	b.logger.Debug(ctx, "broadcast", "event broadcast",
		slog.String("kind", ev.Kind),
		slog.String("correlation_id", ev.CorrelationID),
		slog.String("origin", string(ev.Origin)),
		slog.Int("attempted", res.Attempted),
		slog.Int("failed", res.Failed),
	)
	for _, o := range b.observers {
		o.Observe(ctx, res)
	}
	return res
}
