package events

import (
	"strings"
	"time"
)

type Origin string

const (
	OriginBroker Origin = "broker"
	OriginLog    Origin = "log"
)

// Well-known kinds. Unknown kinds pass through untouched.
const (
	KindBookBorrowed = "book.borrowed"
	KindBookReturned = "book.returned"
	KindBookCreated  = "book.created"
	KindBookUpdated  = "book.updated"
	KindBookDeleted  = "book.deleted"
)

// Field names of the producer wire shape and of the outbound data object.
const (
	FieldEvent         = "event"
	FieldCorrelationID = "correlation_id"
	FieldOccurredAt    = "occurred_at"
	FieldSource        = "source"
	FieldBorrowID      = "borrow_id"
	FieldTimestamp     = "timestamp"
)

// CanonicalEvent is built once by the normalizer and never mutated afterwards.
// Attributes must be treated as read-only by every consumer.
type CanonicalEvent struct {
	Kind          string
	CorrelationID string
	OccurredAt    string
	Attributes    map[string]any
	Origin        Origin
}

// DedupKey identifies an event across transports. Origin is deliberately absent.
func (e CanonicalEvent) DedupKey() string {
	return strings.Join([]string{e.Kind, e.CorrelationID, e.OccurredAt}, "\x1f")
}

// Notification is the payload both outbound protocols carry.
type Notification struct {
	Type      string         `json:"type"`
	Data      map[string]any `json:"data"`
	Timestamp string         `json:"timestamp"`
}

// NewNotification builds the outbound payload. receivedAt is the time the event
// entered the pipeline, not OccurredAt.
func NewNotification(e CanonicalEvent, receivedAt time.Time) Notification {
	data := make(map[string]any, len(e.Attributes)+4)
	for k, v := range e.Attributes {
		data[k] = v
	}
	data[FieldEvent] = e.Kind
	if e.CorrelationID != "" {
		data[FieldCorrelationID] = e.CorrelationID
	}
	data[FieldOccurredAt] = e.OccurredAt
	data[FieldSource] = string(e.Origin)
	return Notification{
		Type:      e.Kind,
		Data:      data,
		Timestamp: receivedAt.UTC().Format(time.RFC3339Nano),
	}
}
