// internal/model/session.go
package model

import (
	"time"

	"github.com/google/uuid"
)

// Session rows hold digests of the session and CSRF tokens, never the
// tokens themselves.
type Session struct {
	ID         int64
	ExternalID uuid.UUID
	AccountID  int64
	TokenHash  []byte
	CSRFHash   []byte
	ExpiresAt  time.Time
	CreatedAt  time.Time
}

// Expired reports whether the session is dead at now.
func (s Session) Expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}
