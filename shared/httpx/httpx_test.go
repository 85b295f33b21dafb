package httpx

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"library-notifications/shared/logx"
)

func TestWithTimeoutSkipsStreamRoutes(t *testing.T) {
	slow := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(30 * time.Millisecond)
		w.WriteHeader(http.StatusNoContent)
	})
	h := WithTimeout(5*time.Millisecond, PathSkipper("/events"), slow)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/events", nil))
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected skipped route to run to completion, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/stats", nil))
	if rec.Code != http.StatusGatewayTimeout {
		t.Fatalf("expected 504, got %d", rec.Code)
	}
}

func TestRequestLogPreservesFlusher(t *testing.T) {
	var flushed bool
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f, ok := w.(http.Flusher)
		if !ok {
			t.Errorf("expected wrapped writer to be a Flusher")
			return
		}
		_, _ = w.Write([]byte("data: x\n\n"))
		f.Flush()
		flushed = true
	})
	h := WithRequestLog(logx.Nop(), RequestLogOptions{}, inner)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/events", nil))
	if !flushed || !rec.Flushed {
		t.Fatalf("expected flush to reach the recorder")
	}
}

func TestWriteErrorEnvelope(t *testing.T) {
	h := WithRequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		WriteError(w, r, http.StatusUnauthorized, "UNAUTHORIZED", "missing token", nil)
	}))
	req := httptest.NewRequest(http.MethodGet, "/events", nil)
	req.Header.Set("X-Request-ID", "rid-1")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("unexpected status %d", rec.Code)
	}
	body := rec.Body.String()
	want := `{"error":{"code":"UNAUTHORIZED","message":"missing token","request_id":"rid-1"}}` + "\n"
	if body != want {
		t.Fatalf("unexpected body %q", body)
	}
}

func TestClientIP(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "10.0.0.9:5555"
	if ClientIP(r) != "10.0.0.9" {
		t.Fatalf("unexpected ip %q", ClientIP(r))
	}
	r.Header.Set("X-Forwarded-For", "1.2.3.4, 10.0.0.1")
	if ClientIP(r) != "1.2.3.4" {
		t.Fatalf("unexpected forwarded ip %q", ClientIP(r))
	}
}
