package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"library-notifications/shared/authx"
)

func TestAuthMiddlewareDistinguishesMissingAndInvalid(t *testing.T) {
	v, _ := authx.NewHMACVerifier("secret", 0)
	var subject string
	h := AuthMiddleware{Verifier: v}.Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		subject = authx.SubjectFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	check := func(header string, wantStatus int, wantMsg string) {
		t.Helper()
		req := httptest.NewRequest(http.MethodGet, "/v1/stats", nil)
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if rec.Code != wantStatus {
			t.Fatalf("%q: expected %d, got %d", header, wantStatus, rec.Code)
		}
		if wantMsg == "" {
			return
		}
		var env struct {
			Error struct {
				Message string `json:"message"`
			} `json:"error"`
		}
		if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if env.Error.Message != wantMsg {
			t.Fatalf("%q: expected %q, got %q", header, wantMsg, env.Error.Message)
		}
	}

	check("", http.StatusUnauthorized, MsgMissingToken)
	check("Bearer nope", http.StatusUnauthorized, MsgInvalidToken)

	token, _ := v.Sign("reader-1", time.Minute)
	check("Bearer "+token, http.StatusOK, "")
	if subject != "reader-1" {
		t.Fatalf("expected identity in context, got %q", subject)
	}
}

func TestIPRateLimiterBurstAndRefill(t *testing.T) {
	l := NewIPRateLimiter(1, 2, time.Minute)
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }

	if !l.Allow("a") || !l.Allow("a") {
		t.Fatalf("expected burst of 2 to pass")
	}
	if l.Allow("a") {
		t.Fatalf("expected third request to be limited")
	}
	if !l.Allow("b") {
		t.Fatalf("expected other key to be independent")
	}
	now = now.Add(time.Second)
	if !l.Allow("a") {
		t.Fatalf("expected refill after one second")
	}
}

func TestCORSPreflight(t *testing.T) {
	h := CORSMiddleware{AllowedOrigins: []string{"https://library.example"}, MaxAge: time.Minute}.Wrap(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusTeapot) }),
	)
	req := httptest.NewRequest(http.MethodOptions, "/events", nil).WithContext(context.Background())
	req.Header.Set("Origin", "https://library.example")
	req.Header.Set("Access-Control-Request-Method", "GET")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
	if rec.Header().Get("Access-Control-Allow-Origin") != "https://library.example" || rec.Header().Get("Access-Control-Max-Age") != "60" {
		t.Fatalf("unexpected headers: %v", rec.Header())
	}

	req = httptest.NewRequest(http.MethodGet, "/events", nil)
	req.Header.Set("Origin", "https://evil.example")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Header().Get("Access-Control-Allow-Origin") != "" || rec.Code != http.StatusTeapot {
		t.Fatalf("expected disallowed origin to pass through without allow header")
	}
}
