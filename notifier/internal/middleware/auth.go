package middleware

import (
	"errors"
	"net/http"

	"library-notifications/shared/authx"
	"library-notifications/shared/httpx"
)

const (
	MsgMissingToken = "missing bearer token"
	MsgInvalidToken = "invalid token"
)

// AuthMiddleware admits requests carrying a verified bearer token and stores the
// identity in the request context.
type AuthMiddleware struct {
	Verifier authx.Verifier
	Skip     func(*http.Request) bool
}

func (m AuthMiddleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.Skip != nil && m.Skip(r) {
			next.ServeHTTP(w, r)
			return
		}
		if m.Verifier == nil {
			httpx.WriteError(w, r, http.StatusPreconditionFailed, "FAILED_PRECONDITION", "auth verifier not configured", nil)
			return
		}

		id, err := m.Verifier.Verify(r.Context(), authx.BearerToken(r))
		if err != nil {
			WriteAuthError(w, r, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(authx.WithIdentity(r.Context(), id)))
	})
}

// WriteAuthError answers 401 with a message that tells missing and invalid
// credentials apart.
func WriteAuthError(w http.ResponseWriter, r *http.Request, err error) {
	msg := MsgInvalidToken
	if errors.Is(err, authx.ErrMissingToken) {
		msg = MsgMissingToken
	}
	w.Header().Set("WWW-Authenticate", `Bearer realm="notifications"`)
	httpx.WriteError(w, r, http.StatusUnauthorized, "UNAUTHENTICATED", msg, nil)
}
