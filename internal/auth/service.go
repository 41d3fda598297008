// Package auth registers accounts, logs them in and out, and attaches the
// authenticated identity to incoming requests.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog/log"

	"bizfolio/internal/apperr"
	"bizfolio/internal/ident"
	"bizfolio/internal/messaging"
	"bizfolio/internal/metrics"
	"bizfolio/internal/model"
	"bizfolio/internal/password"
	"bizfolio/internal/ratelimit"
	"bizfolio/internal/session"
	"bizfolio/internal/storage"
)

const (
	MinPasswordLen = 8
	MaxPasswordLen = 256
	maxEmailLen    = 254
)

// ErrInvalidCredentials is the single login failure, whatever went wrong.
var ErrInvalidCredentials = fmt.Errorf("invalid credentials: %w", apperr.ErrUnauthenticated)

type Service struct {
	accounts storage.Accounts
	sessions *session.Manager
	hasher   *password.Hasher
	limiter  ratelimit.Limiter
	events   messaging.Publisher
	now      func() time.Time
}

func NewService(accounts storage.Accounts, sessions *session.Manager, hasher *password.Hasher, limiter ratelimit.Limiter, events messaging.Publisher) *Service {
	if limiter == nil {
		limiter = ratelimit.Nop{}
	}
	if events == nil {
		events = messaging.Nop{}
	}
	return &Service{
		accounts: accounts,
		sessions: sessions,
		hasher:   hasher,
		limiter:  limiter,
		events:   events,
		now:      time.Now,
	}
}

// NormalizeEmail trims and lower-cases raw and checks it is a bare address.
func NormalizeEmail(raw string) (string, error) {
	email := strings.ToLower(strings.TrimSpace(raw))
	if email == "" || len(email) > maxEmailLen {
		return "", apperr.Invalid("email", "must be a valid email address")
	}
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Name != "" || addr.Address != email {
		return "", apperr.Invalid("email", "must be a valid email address")
	}
	return email, nil
}

func checkPassword(field, pw string) error {
	if utf8.RuneCountInString(pw) < MinPasswordLen {
		return apperr.Invalid(field, fmt.Sprintf("must be at least %d characters", MinPasswordLen))
	}
	if len(pw) > MaxPasswordLen {
		return apperr.Invalid(field, fmt.Sprintf("must be at most %d bytes", MaxPasswordLen))
	}
	return nil
}

// Register creates an account. A taken email is a Conflict.
func (s *Service) Register(ctx context.Context, rawEmail, pw string) (model.Account, error) {
	email, err := NormalizeEmail(rawEmail)
	if err != nil {
		return model.Account{}, err
	}
	if err := checkPassword("password", pw); err != nil {
		return model.Account{}, err
	}

	hash, err := s.hasher.Hash(pw)
	if err != nil {
		return model.Account{}, apperr.Internal(err)
	}

	var account model.Account
	err = ident.Retry(ident.DefaultAttempts, func() error {
		id, err := ident.New()
		if err != nil {
			return err
		}
		account = model.Account{ExternalID: id, Email: email, PasswordHash: hash}
		return s.accounts.CreateAccount(ctx, &account)
	})
	if err != nil {
		if errors.Is(err, storage.ErrDuplicate) {
			return model.Account{}, fmt.Errorf("email taken: %w", apperr.ErrConflict)
		}
		return model.Account{}, apperr.Internal(fmt.Errorf("create account: %w", err))
	}

	s.emit(ctx, model.EventAccountRegistered, account, nil)
	return account, nil
}

// Login checks credentials and opens a session. Unknown emails cost the
// same hashing work as a wrong password.
func (s *Service) Login(ctx context.Context, rawEmail, pw string) (model.Account, session.Issued, error) {
	email, err := NormalizeEmail(rawEmail)
	if err != nil {
		s.hasher.VerifyDummy(pw)
		metrics.Logins.WithLabelValues("invalid").Inc()
		return model.Account{}, session.Issued{}, ErrInvalidCredentials
	}

	if s.throttled(ctx, email) {
		metrics.Logins.WithLabelValues("throttled").Inc()
		return model.Account{}, session.Issued{}, apperr.ErrRateLimited
	}

	account, err := s.accounts.AccountByEmail(ctx, email)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			return model.Account{}, session.Issued{}, apperr.Internal(fmt.Errorf("find account: %w", err))
		}
		s.hasher.VerifyDummy(pw)
		metrics.Logins.WithLabelValues("invalid").Inc()
		return model.Account{}, session.Issued{}, ErrInvalidCredentials
	}

	if !s.hasher.Verify(account.PasswordHash, pw) {
		metrics.Logins.WithLabelValues("invalid").Inc()
		s.emit(ctx, model.EventLoginFailed, account, nil)
		return model.Account{}, session.Issued{}, ErrInvalidCredentials
	}

	s.resetThrottle(ctx, email)
	s.upgradeHash(ctx, &account, pw)

	issued, err := s.sessions.Issue(ctx, account.ID)
	if err != nil {
		return model.Account{}, session.Issued{}, err
	}

	metrics.Logins.WithLabelValues("ok").Inc()
	s.emit(ctx, model.EventLoginSucceeded, account, map[string]string{"session": issued.Session.ExternalID.String()})
	return account, issued, nil
}

// throttled records a password attempt for email and reports whether it is
// over budget. A limiter outage fails open.
func (s *Service) throttled(ctx context.Context, email string) bool {
	allowed, err := s.limiter.Allow(ctx, email)
	if err != nil {
		log.Warn().Err(err).Msg("login limiter unavailable")
		return false
	}
	return !allowed
}

func (s *Service) resetThrottle(ctx context.Context, email string) {
	if err := s.limiter.Reset(ctx, email); err != nil {
		log.Warn().Err(err).Msg("reset login limiter")
	}
}

// upgradeHash re-hashes pw when the stored hash uses weaker parameters.
// Failure leaves the old, still valid, hash in place.
func (s *Service) upgradeHash(ctx context.Context, account *model.Account, pw string) {
	if !s.hasher.NeedsRehash(account.PasswordHash) {
		return
	}
	hash, err := s.hasher.Hash(pw)
	if err != nil {
		log.Error().Err(err).Msg("rehash password")
		return
	}
	if err := s.accounts.UpdatePasswordHash(ctx, account.ID, hash); err != nil {
		log.Error().Err(err).Str("account", account.ExternalID.String()).Msg("store upgraded password hash")
		return
	}
	account.PasswordHash = hash
}

// Logout revokes the session behind token.
func (s *Service) Logout(ctx context.Context, id Identity, token string) error {
	if err := s.sessions.Revoke(ctx, token); err != nil {
		return err
	}
	s.emit(ctx, model.EventSessionRevoked, id.Account, map[string]string{"session": id.Session.ExternalID.String()})
	return nil
}

// ChangePassword replaces the caller's password and ends every other
// session of the account.
func (s *Service) ChangePassword(ctx context.Context, id Identity, current, next string) error {
	account, err := s.accounts.AccountByID(ctx, id.Account.ID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return apperr.ErrUnauthenticated
		}
		return apperr.Internal(fmt.Errorf("load account: %w", err))
	}
	// Guesses at the current password share the login budget.
	if s.throttled(ctx, account.Email) {
		return apperr.ErrRateLimited
	}
	if !s.hasher.Verify(account.PasswordHash, current) {
		return apperr.Invalid("current_password", "is incorrect")
	}
	s.resetThrottle(ctx, account.Email)
	if err := checkPassword("new_password", next); err != nil {
		return err
	}

	hash, err := s.hasher.Hash(next)
	if err != nil {
		return apperr.Internal(err)
	}
	if err := s.accounts.UpdatePasswordHash(ctx, account.ID, hash); err != nil {
		return apperr.Internal(fmt.Errorf("update password: %w", err))
	}

	revoked, err := s.sessions.RevokeOthers(ctx, account.ID, id.Session.ID)
	if err != nil {
		return err
	}
	log.Info().Str("account", account.ExternalID.String()).Int64("revoked_sessions", revoked).Msg("password changed")
	s.emit(ctx, model.EventPasswordChanged, account, map[string]string{"revoked_sessions": fmt.Sprint(revoked)})
	return nil
}

func (s *Service) emit(ctx context.Context, kind model.EventKind, account model.Account, attrs map[string]string) {
	messaging.Emit(ctx, s.events, model.AuditEvent{
		Kind:       kind,
		Account:    account.ExternalID,
		Attributes: attrs,
		OccurredAt: s.now().UTC(),
	})
}
