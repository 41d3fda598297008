// Package session issues, validates, slides and revokes login sessions.
//
// A session token is 256 bits from crypto/rand, handed to the client once
// and stored only as a SHA-256 digest. Validation has a single failure
// value, ErrUnauthenticated, whatever the reason.
package session

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"bizfolio/internal/apperr"
	"bizfolio/internal/csrf"
	"bizfolio/internal/ident"
	"bizfolio/internal/metrics"
	"bizfolio/internal/model"
	"bizfolio/internal/storage"
)

const (
	DefaultLifetime      = 30 * 24 * time.Hour
	DefaultRefreshWindow = 15 * 24 * time.Hour

	tokenBytes = 32
)

// ErrUnauthenticated is the only error Validate reports for a bad token.
var ErrUnauthenticated = apperr.ErrUnauthenticated

var tokenEncodedLen = base64.RawURLEncoding.EncodedLen(tokenBytes)

type Config struct {
	// Lifetime is how long a fresh or renewed session lives.
	Lifetime time.Duration
	// RefreshWindow: a session validated with less than this left before
	// expiry is renewed to now+Lifetime.
	RefreshWindow time.Duration
	// Now defaults to time.Now.
	Now func() time.Time
}

type Manager struct {
	sessions storage.Sessions
	accounts storage.Accounts
	lifetime time.Duration
	window   time.Duration
	now      func() time.Time
}

func NewManager(sessions storage.Sessions, accounts storage.Accounts, cfg Config) *Manager {
	if cfg.Lifetime <= 0 {
		cfg.Lifetime = DefaultLifetime
	}
	if cfg.RefreshWindow <= 0 || cfg.RefreshWindow >= cfg.Lifetime {
		cfg.RefreshWindow = cfg.Lifetime / 2
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Manager{
		sessions: sessions,
		accounts: accounts,
		lifetime: cfg.Lifetime,
		window:   cfg.RefreshWindow,
		now:      cfg.Now,
	}
}

// Issued is returned once, at login. Token goes into the session cookie;
// CSRFToken goes into the response body.
type Issued struct {
	Token     string
	CSRFToken string
	Session   model.Session
}

// Current is the outcome of a successful Validate.
type Current struct {
	Account model.Account
	Session model.Session
	// Extended is set when this call renewed the expiry.
	Extended bool
}

// clock truncates to microseconds, the precision PostgreSQL keeps, so the
// expiry read back matches the one written for the conditional update.
func (m *Manager) clock() time.Time {
	return m.now().UTC().Truncate(time.Microsecond)
}

// Issue creates a session for accountID.
func (m *Manager) Issue(ctx context.Context, accountID int64) (Issued, error) {
	var issued Issued
	err := ident.Retry(ident.DefaultAttempts, func() error {
		token, err := newToken()
		if err != nil {
			return err
		}
		csrfToken, csrfHash, err := csrf.NewToken()
		if err != nil {
			return err
		}
		externalID, err := ident.New()
		if err != nil {
			return err
		}

		now := m.clock()
		sess := model.Session{
			ExternalID: externalID,
			AccountID:  accountID,
			TokenHash:  hashToken(token),
			CSRFHash:   csrfHash,
			CreatedAt:  now,
			ExpiresAt:  now.Add(m.lifetime),
		}
		if err := m.sessions.CreateSession(ctx, &sess); err != nil {
			return err
		}
		issued = Issued{Token: token, CSRFToken: csrfToken, Session: sess}
		return nil
	})
	if err != nil {
		return Issued{}, apperr.Internal(fmt.Errorf("issue session: %w", err))
	}
	return issued, nil
}

// Validate resolves token to its account, deleting it if expired and
// sliding its expiry if it is inside the refresh window.
func (m *Manager) Validate(ctx context.Context, token string) (Current, error) {
	if len(token) != tokenEncodedLen {
		metrics.SessionValidations.WithLabelValues("malformed").Inc()
		return Current{}, ErrUnauthenticated
	}
	if _, err := base64.RawURLEncoding.DecodeString(token); err != nil {
		metrics.SessionValidations.WithLabelValues("malformed").Inc()
		return Current{}, ErrUnauthenticated
	}
	digest := hashToken(token)

	sess, err := m.sessions.SessionByTokenHash(ctx, digest)
	if err != nil {
		return Current{}, m.lookupFailure(err)
	}

	now := m.clock()
	if sess.Expired(now) {
		if err := m.sessions.DeleteSession(ctx, sess.ID); err != nil {
			log.Error().Err(err).Int64("session_id", sess.ID).Msg("session: could not delete expired session")
		}
		metrics.SessionValidations.WithLabelValues("expired").Inc()
		return Current{}, ErrUnauthenticated
	}

	extended := false
	if !now.Before(sess.ExpiresAt.Add(-m.window)) {
		next := now.Add(m.lifetime)
		ok, err := m.sessions.ExtendSession(ctx, sess.ID, sess.ExpiresAt, next, now)
		if err != nil {
			return Current{}, apperr.Internal(fmt.Errorf("extend session: %w", err))
		}
		if ok {
			sess.ExpiresAt = next
			extended = true
		} else {
			// Someone else renewed or removed it between our read and write.
			sess, err = m.sessions.SessionByTokenHash(ctx, digest)
			if err != nil {
				return Current{}, m.lookupFailure(err)
			}
			if sess.Expired(now) {
				metrics.SessionValidations.WithLabelValues("expired").Inc()
				return Current{}, ErrUnauthenticated
			}
		}
	}

	account, err := m.accounts.AccountByID(ctx, sess.AccountID)
	if err != nil {
		return Current{}, m.lookupFailure(err)
	}

	if extended {
		metrics.SessionValidations.WithLabelValues("extended").Inc()
	} else {
		metrics.SessionValidations.WithLabelValues("valid").Inc()
	}
	return Current{Account: account, Session: sess, Extended: extended}, nil
}

func (m *Manager) lookupFailure(err error) error {
	if errors.Is(err, storage.ErrNotFound) {
		metrics.SessionValidations.WithLabelValues("unknown").Inc()
		return ErrUnauthenticated
	}
	return apperr.Internal(fmt.Errorf("load session: %w", err))
}

// Revoke deletes the session behind token. Unknown tokens are ignored.
func (m *Manager) Revoke(ctx context.Context, token string) error {
	if token == "" {
		return nil
	}
	if err := m.sessions.DeleteSessionByTokenHash(ctx, hashToken(token)); err != nil {
		return apperr.Internal(fmt.Errorf("revoke session: %w", err))
	}
	return nil
}

// RevokeByID deletes one of accountID's sessions. It reports whether a
// session was removed; ids belonging to other accounts are ignored.
func (m *Manager) RevokeByID(ctx context.Context, accountID int64, externalID uuid.UUID) (bool, error) {
	removed, err := m.sessions.DeleteAccountSession(ctx, accountID, externalID)
	if err != nil {
		return false, apperr.Internal(fmt.Errorf("revoke session: %w", err))
	}
	return removed, nil
}

// RevokeOthers deletes every session of accountID except keepID.
func (m *Manager) RevokeOthers(ctx context.Context, accountID, keepID int64) (int64, error) {
	n, err := m.sessions.DeleteAccountSessionsExcept(ctx, accountID, keepID)
	if err != nil {
		return 0, apperr.Internal(fmt.Errorf("revoke sessions: %w", err))
	}
	return n, nil
}

// List returns accountID's live sessions, oldest first.
func (m *Manager) List(ctx context.Context, accountID int64) ([]model.Session, error) {
	sessions, err := m.sessions.AccountSessions(ctx, accountID, m.clock())
	if err != nil {
		return nil, apperr.Internal(fmt.Errorf("list sessions: %w", err))
	}
	return sessions, nil
}

// Sweep deletes every expired session.
func (m *Manager) Sweep(ctx context.Context) (int64, error) {
	n, err := m.sessions.DeleteExpiredSessions(ctx, m.clock())
	if err != nil {
		return 0, fmt.Errorf("sweep sessions: %w", err)
	}
	metrics.SessionsSwept.Add(float64(n))
	return n, nil
}

func newToken() (string, error) {
	raw := make([]byte, tokenBytes)
	if _, err := io.ReadFull(rand.Reader, raw); err != nil {
		return "", fmt.Errorf("read session token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

func hashToken(token string) []byte {
	sum := sha256.Sum256([]byte(token))
	return sum[:]
}
