package middleware

import (
	"net/http"
	"strconv"
	"strings"
	"time"
)

var (
	defaultCORSMethods = []string{"GET", "POST", "OPTIONS"}
	defaultCORSHeaders = []string{"Authorization", "Content-Type", "Cache-Control", "Last-Event-ID", "X-Request-ID"}
)

// CORSMiddleware answers preflight requests and stamps allow headers so browser
// EventSource and fetch clients can reach the stream endpoints. An empty
// AllowedOrigins list allows any origin.
type CORSMiddleware struct {
	AllowedOrigins   []string
	AllowedMethods   []string
	AllowedHeaders   []string
	ExposedHeaders   []string
	AllowCredentials bool
	MaxAge           time.Duration
}

func (m CORSMiddleware) Wrap(next http.Handler) http.Handler {
	methods := strings.Join(orDefault(m.AllowedMethods, defaultCORSMethods), ", ")
	headers := strings.Join(orDefault(m.AllowedHeaders, defaultCORSHeaders), ", ")
	exposed := strings.Join(m.ExposedHeaders, ", ")

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := strings.TrimSpace(r.Header.Get("Origin"))
		if allowed := m.allowOrigin(origin); allowed != "" {
			h := w.Header()
			h.Set("Access-Control-Allow-Origin", allowed)
			h.Add("Vary", "Origin")
			if m.AllowCredentials {
				h.Set("Access-Control-Allow-Credentials", "true")
			}
			if exposed != "" {
				h.Set("Access-Control-Expose-Headers", exposed)
			}
		}

		if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
			w.Header().Set("Access-Control-Allow-Methods", methods)
			w.Header().Set("Access-Control-Allow-Headers", headers)
			if m.MaxAge > 0 {
				w.Header().Set("Access-Control-Max-Age", strconv.Itoa(int(m.MaxAge.Seconds())))
			}
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (m CORSMiddleware) allowOrigin(origin string) string {
	if origin == "" {
		return ""
	}
	wildcard := len(m.AllowedOrigins) == 0
	for _, allowed := range m.AllowedOrigins {
		allowed = strings.TrimSpace(allowed)
		if allowed == "*" {
			wildcard = true
			break
		}
		if strings.EqualFold(allowed, origin) {
			return origin
		}
	}
	if !wildcard {
		return ""
	}
	// credentialed requests may not see "*"
	if m.AllowCredentials {
		return origin
	}
	return "*"
}

func orDefault(v []string, def []string) []string {
	if len(v) > 0 {
		return v
	}
	return def
}
