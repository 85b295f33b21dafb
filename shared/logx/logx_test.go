package logx

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

func TestLoggerRenamesKeys(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter(&buf, "notifier", "test", "1.0.0", "info")
	l.With(slog.String("adapter", "broker")).Info(context.Background(), "adapter_subscribed", "subscribed", slog.Int("prefetch", 10))

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("decode log line: %v (%q)", err, buf.String())
	}
	if rec["event"] != "adapter_subscribed" {
		t.Fatalf("expected event key, got %v", rec["event"])
	}
	if rec["msg"] != "subscribed" || rec["adapter"] != "broker" || rec["service"] != "notifier" {
		t.Fatalf("unexpected record: %v", rec)
	}
	if _, ok := rec["ts"]; !ok {
		t.Fatalf("expected ts key, got %v", rec)
	}
	if rec["level"] != "INFO" {
		t.Fatalf("expected level INFO, got %v", rec["level"])
	}
}

func TestLoggerWritesEachKeyOnce(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter(&buf, "notifier", "test", "", "info")
	l.Info(context.Background(), "adapter_subscribed", "ingest adapter subscribed")

	line := buf.String()
	for _, key := range []string{`"event":`, `"msg":`, `"ts":`, `"level":`} {
		if n := strings.Count(line, key); n != 1 {
			t.Fatalf("expected %s exactly once, got %d in %q", key, n, line)
		}
	}
	if !strings.Contains(line, `"event":"adapter_subscribed"`) || !strings.Contains(line, `"msg":"ingest adapter subscribed"`) {
		t.Fatalf("unexpected line: %q", line)
	}
}

func TestLoggerLevelFilter(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter(&buf, "notifier", "test", "", "warn")
	l.Debug(context.Background(), "dedup_duplicate", "duplicate")
	l.Info(context.Background(), "noise", "noise")
	if buf.Len() != 0 {
		t.Fatalf("expected nothing below warn, got %q", buf.String())
	}
	l.Warn(context.Background(), "kept", "kept")
	if buf.Len() == 0 {
		t.Fatalf("expected warn record")
	}
}
