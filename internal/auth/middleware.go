// internal/auth/middleware.go
package auth

import (
	"context"
	"errors"
	"net/http"

	"github.com/rs/zerolog/log"

	"bizfolio/internal/apperr"
	"bizfolio/internal/model"
	"bizfolio/internal/session"
)

type contextKey string

const identityKey contextKey = "identity"

// Identity is the authenticated caller of a request.
type Identity struct {
	Account model.Account
	Session model.Session
	// Token is the raw session token from the cookie.
	Token string
}

// ErrorWriter renders err to the client.
type ErrorWriter func(w http.ResponseWriter, r *http.Request, err error)

// Authenticate resolves the session cookie to an Identity. Requests without
// a live session are answered with ErrUnauthenticated and never reach next.
// A renewed session gets its cookie re-issued with the new expiry.
func Authenticate(sessions *session.Manager, cookies Cookies, fail ErrorWriter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := cookies.Read(r)
			if !ok {
				fail(w, r, apperr.ErrUnauthenticated)
				return
			}

			current, err := sessions.Validate(r.Context(), token)
			if err != nil {
				if errors.Is(err, apperr.ErrUnauthenticated) {
					cookies.Clear(w)
				} else {
					log.Error().Err(err).Msg("validate session")
				}
				fail(w, r, err)
				return
			}
			if current.Extended {
				cookies.Set(w, token, current.Session.ExpiresAt)
			}

			id := Identity{Account: current.Account, Session: current.Session, Token: token}
			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
		})
	}
}

// WithIdentity returns a copy of ctx carrying id.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey, id)
}

// FromContext extracts the Identity placed by Authenticate.
func FromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey).(Identity)
	return id, ok
}

// CSRFHash is a csrf.TokenLookup reading the stored digest of the current
// session's CSRF token.
func CSRFHash(r *http.Request) ([]byte, bool) {
	id, ok := FromContext(r.Context())
	if !ok || len(id.Session.CSRFHash) == 0 {
		return nil, false
	}
	return id.Session.CSRFHash, true
}
