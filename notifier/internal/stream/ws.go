package stream

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"library-notifications/notifier/internal/fanout"
	"library-notifications/shared/authx"
	"library-notifications/shared/logx"
)

const maxInboundMessage = 512

// ServeWS upgrades first and verifies the token second, so a rejected client
// learns why through the close code instead of a bare HTTP error.
func (h *Handler) ServeWS(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	token := r.URL.Query().Get("token")

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn(ctx, "ws_upgrade_failed", "websocket upgrade failed",
			slog.String("error_code", "INVALID_ARGUMENT"),
			slog.String("error", err.Error()),
		)
		return
	}
	defer conn.Close()

	id, err := h.verifier.Verify(ctx, token)
	if err != nil {
		code, reason := CloseInvalidToken, "invalid token"
		if errors.Is(err, authx.ErrMissingToken) {
			code, reason = CloseMissingToken, "missing token"
		}
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(h.opts.WriteTimeout))
		h.logger.Info(ctx, "ws_rejected", "websocket subscriber rejected",
			slog.String("error_code", "UNAUTHENTICATED"),
			slog.Int("close_code", code),
		)
		return
	}

	sub := fanout.NewPushSubscriber(h.opts.Buffer)
	h.registry.Register(sub)
	defer func() {
		h.registry.Unregister(sub)
		sub.Close()
	}()
	logger := h.logger.With(
		slog.String("subscriber_id", sub.ID()),
		slog.String("transport", string(sub.Transport())),
		slog.String("subject", id.Subject),
	)
	logger.Info(ctx, "subscriber_connected", "websocket subscriber connected")

	go h.readPump(conn, sub)
	h.writePump(ctx, conn, sub, logger, h.connectedPayload(sub, id.Subject))
	logger.Info(ctx, "subscriber_disconnected", "websocket subscriber disconnected")
}

// readPump only exists to notice the client going away and to process pongs.
func (h *Handler) readPump(conn *websocket.Conn, sub *fanout.PushSubscriber) {
	defer sub.Close()
	pongWait := 2 * h.opts.KeepAlive
	conn.SetReadLimit(maxInboundMessage)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Handler) writePump(ctx context.Context, conn *websocket.Conn, sub *fanout.PushSubscriber, logger logx.Logger, hello []byte) {
	ticker := time.NewTicker(h.opts.KeepAlive)
	defer ticker.Stop()

	write := func(messageType int, payload []byte) bool {
		_ = conn.SetWriteDeadline(time.Now().Add(h.opts.WriteTimeout))
		if err := conn.WriteMessage(messageType, payload); err != nil {
			logger.Debug(ctx, "ws_write_failed", "websocket write failed", slog.String("error", err.Error()))
			return false
		}
		return true
	}

	if !write(websocket.TextMessage, hello) {
		return
	}
	goingAway := func() {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, ""),
			time.Now().Add(h.opts.WriteTimeout))
	}
	for {
		select {
		case <-ctx.Done():
			goingAway()
			return
		case <-sub.Done():
			goingAway()
			return
		case frame := <-sub.Outbox():
			if !write(websocket.TextMessage, frame) {
				return
			}
		case <-ticker.C:
			if !write(websocket.PingMessage, nil) {
				return
			}
		}
	}
}
