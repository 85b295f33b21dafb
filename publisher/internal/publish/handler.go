// Package publish accepts domain events over HTTP and hands them to both the topic
// broker and the partitioned log so either ingest path can deliver them.
package publish

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"library-notifications/shared/events"
	"library-notifications/shared/httpx"
	"library-notifications/shared/logx"
	"library-notifications/shared/metricsx"
)

const maxBodyBytes = 1 << 20

// routing keys are capped at 255 bytes by the broker
const kindRule = "required,max=255,printascii,excludesall= *#"

var validate = validator.New()

const (
	TransportBroker = "broker"
	TransportLog    = "log"
)

// BrokerPublisher publishes to the topic exchange with routingKey.
type BrokerPublisher interface {
	Publish(ctx context.Context, routingKey string, body []byte, headers map[string]string) error
}

// LogPublisher appends to a partitioned log topic.
type LogPublisher interface {
	Publish(ctx context.Context, topic string, key []byte, value []byte, headers map[string]string) error
}

type TransportResult struct {
	Published bool   `json:"published"`
	Error     string `json:"error,omitempty"`
}

type Response struct {
	Event         string                     `json:"event"`
	CorrelationID string                     `json:"correlation_id"`
	Timestamp     string                     `json:"timestamp"`
	Transports    map[string]TransportResult `json:"transports"`
}

// Handler serves POST /v1/events. Either publisher may be nil, which reports
// that transport as not configured.
type Handler struct {
	Broker   BrokerPublisher
	Log      LogPublisher
	LogTopic string
	Logger   logx.Logger
	Now      func() time.Time
}

func (h Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, err := decodeEvent(r)
	if err != nil {
		httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", err.Error(), nil)
		return
	}
	now := time.Now
	if h.Now != nil {
		now = h.Now
	}
	kind := body[events.FieldEvent].(string)
	correlationID := fillDefaults(body, now().UTC())

	payload, err := json.Marshal(body)
	if err != nil {
		httpx.WriteError(w, r, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to encode event", nil)
		return
	}
	headers := map[string]string{
		"event":      kind,
		"request_id": httpx.RequestIDFromContext(r.Context()),
	}

	resp := Response{
		Event:         kind,
		CorrelationID: correlationID,
		Timestamp:     body[events.FieldTimestamp].(string),
		Transports:    make(map[string]TransportResult, 2),
	}
	resp.Transports[TransportBroker] = h.record(r.Context(), TransportBroker, func(ctx context.Context) error {
		if h.Broker == nil {
			return errNotConfigured
		}
		return h.Broker.Publish(ctx, kind, payload, headers)
	})
	resp.Transports[TransportLog] = h.record(r.Context(), TransportLog, func(ctx context.Context) error {
		if h.Log == nil {
			return errNotConfigured
		}
		return h.Log.Publish(ctx, h.LogTopic, []byte(kind), payload, headers)
	})

	if !resp.Transports[TransportBroker].Published && !resp.Transports[TransportLog].Published {
		httpx.WriteError(w, r, http.StatusBadGateway, "UNAVAILABLE", "event not published to any transport", map[string]any{"transports": resp.Transports})
		return
	}
	httpx.WriteJSON(w, http.StatusAccepted, resp)
}

var errNotConfigured = errors.New("transport not configured")

func (h Handler) record(ctx context.Context, transport string, publish func(context.Context) error) TransportResult {
	err := publish(ctx)
	if errors.Is(err, errNotConfigured) {
		return TransportResult{Error: err.Error()}
	}
	metricsx.IncPublished(transport, err == nil)
	if err != nil {
		h.Logger.Warn(ctx, "publish_failed", "failed to publish event",
			slog.String("error_code", "UNAVAILABLE"),
			slog.String("transport", transport),
			slog.String("error", err.Error()),
		)
		return TransportResult{Error: err.Error()}
	}
	return TransportResult{Published: true}
}

// decodeEvent reads a JSON object that names its kind in "event". Other fields
// are passed through untouched.
func decodeEvent(r *http.Request) (map[string]any, error) {
	if r.Body == nil {
		return nil, errors.New("request body required")
	}
	defer r.Body.Close()
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.UseNumber()
	var body map[string]any
	if err := dec.Decode(&body); err != nil || body == nil {
		return nil, errors.New("invalid json body")
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, errors.New("invalid json body")
	}
	kind, _ := body[events.FieldEvent].(string)
	kind = strings.TrimSpace(kind)
	if err := validate.Var(kind, kindRule); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 && verrs[0].Tag() == "required" {
			return nil, errors.New("event is required")
		}
		return nil, errors.New("event must be printable ASCII without spaces or wildcards, at most 255 bytes")
	}
	body[events.FieldEvent] = kind
	if ts, ok := body[events.FieldTimestamp]; ok {
		s, isString := ts.(string)
		if !isString {
			return nil, errors.New("timestamp must be an RFC 3339 string")
		}
		if _, err := time.Parse(time.RFC3339Nano, s); err != nil {
			return nil, errors.New("timestamp must be an RFC 3339 string")
		}
	}
	return body, nil
}

// fillDefaults stamps a timestamp and a correlation id when the caller sent none,
// and returns the correlation id in effect.
func fillDefaults(body map[string]any, now time.Time) string {
	if _, ok := body[events.FieldTimestamp]; !ok {
		body[events.FieldTimestamp] = now.Format(time.RFC3339Nano)
	}
	for _, f := range []string{events.FieldCorrelationID, events.FieldBorrowID} {
		switch v := body[f].(type) {
		case string:
			if strings.TrimSpace(v) != "" {
				return v
			}
		case json.Number:
			return v.String()
		}
	}
	id := uuid.NewString()
	body[events.FieldCorrelationID] = id
	return id
}
