// Package normalize turns raw transport payloads into events.CanonicalEvent.
package normalize

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"library-notifications/shared/events"
)

var ErrMalformed = errors.New("malformed event")

var (
	kindFields        = []string{"event", "type", "kind"}
	correlationFields = []string{"correlation_id", "correlationId", "borrow_id", "borrowId"}
	occurredFields    = []string{"timestamp", "occurredAt", "occurred_at"}
)

// Normalize parses body as a JSON object. fallbackKind (the routing or message key)
// is used when the body names no kind. The returned event owns its attribute map.
func Normalize(origin events.Origin, body []byte, fallbackKind string) (events.CanonicalEvent, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var raw map[string]any
	if err := dec.Decode(&raw); err != nil {
		return events.CanonicalEvent{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if raw == nil {
		return events.CanonicalEvent{}, fmt.Errorf("%w: not an object", ErrMalformed)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return events.CanonicalEvent{}, fmt.Errorf("%w: trailing data after object", ErrMalformed)
	}

	kind, kindField, _ := firstString(raw, kindFields)
	if kind == "" {
		kind, kindField = strings.TrimSpace(fallbackKind), ""
	}
	if kind == "" {
		return events.CanonicalEvent{}, fmt.Errorf("%w: missing event kind", ErrMalformed)
	}

	correlationID, correlationField, ok := firstString(raw, correlationFields)
	if !ok {
		return events.CanonicalEvent{}, fmt.Errorf("%w: correlation id must be a string or number", ErrMalformed)
	}

	occurredAt, occurredField, err := occurred(raw)
	if err != nil {
		return events.CanonicalEvent{}, err
	}

	// fields consumed into canonical ones are dropped; everything else passes through
	attrs := make(map[string]any, len(raw))
	for k, v := range raw {
		if k != kindField && k != correlationField && k != occurredField {
			attrs[k] = v
		}
	}

	return events.CanonicalEvent{
		Kind:          kind,
		CorrelationID: correlationID,
		OccurredAt:    occurredAt,
		Attributes:    attrs,
		Origin:        origin,
	}, nil
}

// firstString returns the first present field as a string along with its name. ok
// is false only when a present field holds something other than a string or number.
func firstString(raw map[string]any, fields []string) (string, string, bool) {
	for _, f := range fields {
		v, present := raw[f]
		if !present || v == nil {
			continue
		}
		switch t := v.(type) {
		case string:
			if s := strings.TrimSpace(t); s != "" {
				return s, f, true
			}
		case json.Number:
			return t.String(), f, true
		default:
			return "", f, false
		}
	}
	return "", "", true
}

func occurred(raw map[string]any) (string, string, error) {
	for _, f := range occurredFields {
		v, present := raw[f]
		if !present || v == nil {
			continue
		}
		switch t := v.(type) {
		case string:
			s := strings.TrimSpace(t)
			if _, err := time.Parse(time.RFC3339Nano, s); err != nil {
				return "", f, fmt.Errorf("%w: %s is not RFC 3339: %q", ErrMalformed, f, s)
			}
			return s, f, nil
		case json.Number:
			ms, err := strconv.ParseInt(t.String(), 10, 64)
			if err != nil {
				return "", f, fmt.Errorf("%w: %s is not epoch millis", ErrMalformed, f)
			}
			return time.UnixMilli(ms).UTC().Format(time.RFC3339Nano), f, nil
		default:
			return "", f, fmt.Errorf("%w: %s has type %T", ErrMalformed, f, v)
		}
	}
	return "", "", fmt.Errorf("%w: missing timestamp", ErrMalformed)
}
