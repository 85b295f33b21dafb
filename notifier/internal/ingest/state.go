package ingest

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"library-notifications/shared/logx"
	"library-notifications/shared/metricsx"
)

type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateSubscribed
	StateDisabled
)

var stateTransitions = map[State]map[State]bool{
	StateDisconnected: {StateConnecting: true, StateDisabled: true},
	StateConnecting:   {StateSubscribed: true, StateDisconnected: true},
	StateSubscribed:   {StateDisconnected: true},
}

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateSubscribed:
		return "subscribed"
	case StateDisabled:
		return "disabled"
	default:
		return "unknown"
	}
}

func CanTransition(from State, to State) bool {
	if from == to {
		return true
	}
	return stateTransitions[from][to]
}

// Session runs one connection until it fails or ctx ends. It calls subscribed
// once the transport is delivering. A nil return after ctx ends is a clean stop.
type Session func(ctx context.Context, subscribed func()) error

// Reconnector drives a Session through Disconnected → Connecting → Subscribed and
// back, sleeping a fixed backoff after every failure. It never gives up.
type Reconnector struct {
	name    string
	backoff time.Duration
	logger  logx.Logger
	state   atomic.Int32
	sleep   func(ctx context.Context, d time.Duration) bool
}

func NewReconnector(name string, backoff time.Duration, logger logx.Logger) *Reconnector {
	if backoff <= 0 {
		backoff = 5 * time.Second
	}
	return &Reconnector{name: name, backoff: backoff, logger: logger, sleep: sleepCtx}
}

func (r *Reconnector) State() State {
	return State(r.state.Load())
}

func (r *Reconnector) set(to State) {
	from := r.State()
	if !CanTransition(from, to) {
		r.logger.Warn(context.Background(), "adapter_state_invalid", "unexpected adapter state transition",
			slog.String("adapter", r.name),
			slog.String("from", from.String()),
			slog.String("to", to.String()),
		)
	}
	r.state.Store(int32(to))
	metricsx.SetAdapterState(r.name, int(to))
}

// Disable marks an adapter that is configured off.
func (r *Reconnector) Disable() {
	r.set(StateDisabled)
}

// Run blocks until ctx ends.
func (r *Reconnector) Run(ctx context.Context, session Session) {
	for attempt := 0; ctx.Err() == nil; attempt++ {
		if attempt > 0 {
			metricsx.IncAdapterReconnect(r.name)
		}
		r.set(StateConnecting)
		err := session(ctx, func() {
			r.set(StateSubscribed)
			r.logger.Info(ctx, "adapter_subscribed", "ingest adapter subscribed", slog.String("adapter", r.name))
		})
		r.set(StateDisconnected)
		if ctx.Err() != nil {
			return
		}
		attrs := []slog.Attr{
			slog.String("adapter", r.name),
			slog.String("error_code", "FAILED_PRECONDITION"),
			slog.Int64("retry_in_ms", r.backoff.Milliseconds()),
		}
		if err != nil {
			attrs = append(attrs, slog.String("error", err.Error()))
		}
		r.logger.Warn(ctx, "adapter_disconnected", "ingest adapter disconnected, retrying", attrs...)
		if !r.sleep(ctx, r.backoff) {
			return
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
