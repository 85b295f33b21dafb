package normalize

import (
	"errors"
	"testing"

	"library-notifications/shared/events"
)

func TestNormalizeBrokerPayload(t *testing.T) {
	body := []byte(`{"event":"book.borrowed","borrow_id":7,"timestamp":"2025-01-01T00:00:00Z","book_id":"b-1","user_id":3}`)
	ev, err := Normalize(events.OriginBroker, body, "")
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if ev.Kind != "book.borrowed" || ev.CorrelationID != "7" || ev.OccurredAt != "2025-01-01T00:00:00Z" {
		t.Fatalf("unexpected canonical fields: %+v", ev)
	}
	if ev.Origin != events.OriginBroker {
		t.Fatalf("unexpected origin %q", ev.Origin)
	}
	if _, ok := ev.Attributes["borrow_id"]; ok {
		t.Fatalf("expected consumed field to be dropped from attributes: %v", ev.Attributes)
	}
	if ev.Attributes["book_id"] != "b-1" {
		t.Fatalf("expected attributes to pass through, got %v", ev.Attributes)
	}
}

func TestNormalizeFallbackKindAndEpochMillis(t *testing.T) {
	body := []byte(`{"correlationId":"r-9","timestamp":1735689600000}`)
	ev, err := Normalize(events.OriginLog, body, "book.returned")
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if ev.Kind != "book.returned" {
		t.Fatalf("expected fallback kind, got %q", ev.Kind)
	}
	if ev.OccurredAt != "2025-01-01T00:00:00Z" {
		t.Fatalf("unexpected occurredAt %q", ev.OccurredAt)
	}
}

func TestNormalizeSameIdentityAcrossOrigins(t *testing.T) {
	body := []byte(`{"event":"book.borrowed","borrow_id":7,"timestamp":"2025-01-01T00:00:00Z"}`)
	a, _ := Normalize(events.OriginBroker, body, "")
	b, _ := Normalize(events.OriginLog, body, "")
	if a.DedupKey() != b.DedupKey() {
		t.Fatalf("expected equal dedup keys, got %q and %q", a.DedupKey(), b.DedupKey())
	}
}

func TestNormalizeMalformed(t *testing.T) {
	cases := map[string]string{
		"not json":        `{"event":`,
		"array":           `[1,2]`,
		"null":            `null`,
		"no kind":         `{"borrow_id":1,"timestamp":"2025-01-01T00:00:00Z"}`,
		"no timestamp":    `{"event":"book.borrowed","borrow_id":1}`,
		"bad timestamp":   `{"event":"book.borrowed","timestamp":"yesterday"}`,
		"object corr id":  `{"event":"book.borrowed","borrow_id":{"x":1},"timestamp":"2025-01-01T00:00:00Z"}`,
		"bool timestamp":  `{"event":"book.borrowed","timestamp":true}`,
		"float timestamp": `{"event":"book.borrowed","timestamp":1.5}`,
		"trailing brace":  `{"event":"book.borrowed","timestamp":"2025-01-01T00:00:00Z"}}`,
		"trailing bytes":  `{"event":"book.borrowed","timestamp":"2025-01-01T00:00:00Z"}garbage`,
		"two objects":     `{"event":"book.borrowed","timestamp":"2025-01-01T00:00:00Z"} {}`,
	}
	for name, body := range cases {
		if _, err := Normalize(events.OriginBroker, []byte(body), ""); !errors.Is(err, ErrMalformed) {
			t.Fatalf("%s: expected ErrMalformed, got %v", name, err)
		}
	}

	padded := []byte("  {\"event\":\"book.borrowed\",\"timestamp\":\"2025-01-01T00:00:00Z\"}\n\t ")
	if _, err := Normalize(events.OriginBroker, padded, ""); err != nil {
		t.Fatalf("expected surrounding whitespace accepted, got %v", err)
	}
}
