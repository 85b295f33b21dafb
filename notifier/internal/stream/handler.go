// Package stream serves the two subscriber entry points: a WebSocket push
// connection and a Server-Sent Events response.
package stream

import (
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"

	"library-notifications/notifier/internal/fanout"
	"library-notifications/shared/authx"
	"library-notifications/shared/logx"
)

// Close codes sent to push clients rejected at connect time.
const (
	CloseMissingToken = 4001
	CloseInvalidToken = 4003
)

type Options struct {
	KeepAlive      time.Duration
	WriteTimeout   time.Duration
	Buffer         int
	AllowedOrigins []string
}

type Handler struct {
	registry *fanout.Registry
	verifier authx.Verifier
	logger   logx.Logger
	opts     Options
	upgrader websocket.Upgrader
	now      func() time.Time
}

func NewHandler(registry *fanout.Registry, verifier authx.Verifier, logger logx.Logger, opts Options) *Handler {
	if opts.KeepAlive <= 0 {
		opts.KeepAlive = 25 * time.Second
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 10 * time.Second
	}
	if opts.Buffer <= 0 {
		opts.Buffer = 64
	}
	h := &Handler{
		registry: registry,
		verifier: verifier,
		logger:   logger,
		opts:     opts,
		now:      time.Now,
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin:     originChecker(opts.AllowedOrigins),
	}
	return h
}

type connectedData struct {
	SubscriberID string `json:"subscriber_id"`
	Subject      string `json:"subject"`
	Transport    string `json:"transport"`
}

type connectedMessage struct {
	Type      string        `json:"type"`
	Data      connectedData `json:"data"`
	Timestamp string        `json:"timestamp"`
}

func (h *Handler) connectedPayload(sub fanout.Subscriber, subject string) []byte {
	b, _ := json.Marshal(connectedMessage{
		Type: "connected",
		Data: connectedData{
			SubscriberID: sub.ID(),
			Subject:      subject,
			Transport:    string(sub.Transport()),
		},
		Timestamp: h.now().UTC().Format(time.RFC3339Nano),
	})
	return b
}
