package stream

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"library-notifications/notifier/internal/fanout"
	"library-notifications/notifier/internal/middleware"
	"library-notifications/shared/authx"
)

// ServeSSE streams notifications as text/event-stream. The bearer token is
// verified before any stream bytes are written.
func (h *Handler) ServeSSE(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id, err := h.verifier.Verify(ctx, authx.BearerToken(r))
	if err != nil {
		h.logger.Info(ctx, "sse_rejected", "sse subscriber rejected",
			slog.String("error_code", "UNAUTHENTICATED"),
			slog.Bool("missing", errors.Is(err, authx.ErrMissingToken)),
		)
		middleware.WriteAuthError(w, r, err)
		return
	}

	rc := http.NewResponseController(w)
	hdr := w.Header()
	hdr.Set("Content-Type", "text/event-stream")
	hdr.Set("Cache-Control", "no-cache")
	hdr.Set("Connection", "keep-alive")
	hdr.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	sub := fanout.NewStreamSubscriber(h.opts.Buffer)
	h.registry.Register(sub)
	defer func() {
		h.registry.Unregister(sub)
		sub.Close()
		_ = rc.SetWriteDeadline(time.Time{})
	}()
	logger := h.logger.With(
		slog.String("subscriber_id", sub.ID()),
		slog.String("transport", string(sub.Transport())),
		slog.String("subject", id.Subject),
	)
	logger.Info(ctx, "subscriber_connected", "sse subscriber connected")

	write := func(chunk []byte) bool {
		if err := rc.SetWriteDeadline(time.Now().Add(h.opts.WriteTimeout)); err != nil && !errors.Is(err, http.ErrNotSupported) {
			return false
		}
		if _, err := w.Write(chunk); err != nil {
			logger.Debug(ctx, "sse_write_failed", "sse write failed", slog.String("error", err.Error()))
			return false
		}
		if err := rc.Flush(); err != nil {
			logger.Debug(ctx, "sse_flush_failed", "sse flush failed", slog.String("error", err.Error()))
			return false
		}
		return true
	}

	if write(fanout.StreamBlock("connected", h.connectedPayload(sub, id.Subject))) {
		h.pumpSSE(ctx, sub, write)
	}
	logger.Info(context.WithoutCancel(ctx), "subscriber_disconnected", "sse subscriber disconnected")
}

func (h *Handler) pumpSSE(ctx context.Context, sub *fanout.StreamSubscriber, write func([]byte) bool) {
	ticker := time.NewTicker(h.opts.KeepAlive)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-sub.Done():
			return
		case frame := <-sub.Outbox():
			if !write(frame) {
				return
			}
		case <-ticker.C:
			if !write(fanout.KeepAliveComment) {
				return
			}
		}
	}
}

