package publish

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"library-notifications/shared/logx"
)

type fakeBroker struct {
	routingKey string
	body       []byte
	err        error
}

func (f *fakeBroker) Publish(_ context.Context, routingKey string, body []byte, _ map[string]string) error {
	f.routingKey, f.body = routingKey, body
	return f.err
}

type fakeLog struct {
	topic string
	key   string
	value []byte
	err   error
}

func (f *fakeLog) Publish(_ context.Context, topic string, key []byte, value []byte, _ map[string]string) error {
	f.topic, f.key, f.value = topic, string(key), value
	return f.err
}

func post(h http.Handler, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/v1/events", strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func fixedNow() time.Time { return time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC) }

func TestPublishesToBothTransports(t *testing.T) {
	broker, log := &fakeBroker{}, &fakeLog{}
	h := Handler{Broker: broker, Log: log, LogTopic: "library-events", Logger: logx.Nop(), Now: fixedNow}

	rec := post(h, `{"event":"book.borrowed","borrow_id":42,"timestamp":"2025-01-01T00:00:00Z","book_id":"b1"}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	if broker.routingKey != "book.borrowed" {
		t.Fatalf("expected routing key book.borrowed, got %q", broker.routingKey)
	}
	if log.topic != "library-events" || log.key != "book.borrowed" {
		t.Fatalf("unexpected log publish: topic=%q key=%q", log.topic, log.key)
	}
	if string(broker.body) != string(log.value) {
		t.Fatalf("expected identical bodies on both transports")
	}

	var sent map[string]any
	if err := json.Unmarshal(broker.body, &sent); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if sent["book_id"] != "b1" || sent["borrow_id"] != float64(42) {
		t.Fatalf("expected pass-through fields, got %v", sent)
	}
	if _, ok := sent["correlation_id"]; ok {
		t.Fatalf("expected no generated correlation id when borrow_id is present")
	}

	var resp Response
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.CorrelationID != "42" || !resp.Transports[TransportBroker].Published || !resp.Transports[TransportLog].Published {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestFillsTimestampAndCorrelation(t *testing.T) {
	broker := &fakeBroker{}
	h := Handler{Broker: broker, Logger: logx.Nop(), Now: fixedNow}

	rec := post(h, `{"event":"book.created"}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", rec.Code)
	}
	var sent map[string]any
	if err := json.Unmarshal(broker.body, &sent); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if sent["timestamp"] != "2025-03-01T12:00:00Z" {
		t.Fatalf("expected default timestamp, got %v", sent["timestamp"])
	}
	if id, _ := sent["correlation_id"].(string); id == "" {
		t.Fatalf("expected generated correlation id")
	}
}

func TestOneTransportFailingIsAccepted(t *testing.T) {
	h := Handler{
		Broker: &fakeBroker{err: errors.New("channel closed")},
		Log:    &fakeLog{},
		Logger: logx.Nop(),
	}
	rec := post(h, `{"event":"book.returned","borrow_id":"7"}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", rec.Code)
	}
	var resp Response
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Transports[TransportBroker].Published || resp.Transports[TransportBroker].Error == "" {
		t.Fatalf("expected broker failure reported, got %+v", resp.Transports)
	}
}

func TestBothTransportsFailing(t *testing.T) {
	h := Handler{
		Broker: &fakeBroker{err: errors.New("down")},
		Log:    &fakeLog{err: errors.New("down")},
		Logger: logx.Nop(),
	}
	rec := post(h, `{"event":"book.returned"}`)
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", rec.Code)
	}
}

func TestRejectsInvalidBodies(t *testing.T) {
	h := Handler{Broker: &fakeBroker{}, Logger: logx.Nop()}
	cases := map[string]string{
		"not json":      `nope`,
		"missing event": `{"borrow_id":"1"}`,
		"blank event":   `{"event":"  "}`,
		"wildcard":      `{"event":"book.*"}`,
		"not a string":  `{"event":7}`,
		"bad timestamp": `{"event":"book.borrowed","timestamp":"yesterday"}`,
		"numeric time":  `{"event":"book.borrowed","timestamp":1700000000000}`,
		"trailing data": `{"event":"book.borrowed"}}`,
	}
	for name, body := range cases {
		if rec := post(h, body); rec.Code != http.StatusBadRequest {
			t.Fatalf("%s: expected 400, got %d", name, rec.Code)
		}
	}
}
