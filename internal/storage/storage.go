// internal/storage/storage.go
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"bizfolio/internal/model"
)

var (
	// ErrNotFound means no row matched.
	ErrNotFound = errors.New("storage: not found")
	// ErrDuplicate is a uniqueness violation on a natural key (email,
	// membership pair). External id and token collisions surface as
	// ident.ErrCollision instead.
	ErrDuplicate = errors.New("storage: duplicate")
)

type Accounts interface {
	CreateAccount(ctx context.Context, a *model.Account) error
	AccountByID(ctx context.Context, id int64) (model.Account, error)
	AccountByEmail(ctx context.Context, email string) (model.Account, error)
	UpdatePasswordHash(ctx context.Context, id int64, hash string) error
}

type Sessions interface {
	CreateSession(ctx context.Context, s *model.Session) error
	SessionByTokenHash(ctx context.Context, tokenHash []byte) (model.Session, error)
	// ExtendSession moves expires_at from prev to next only if the row still
	// carries prev and prev is after now. It reports whether a row changed.
	ExtendSession(ctx context.Context, id int64, prev, next, now time.Time) (bool, error)
	DeleteSession(ctx context.Context, id int64) error
	DeleteSessionByTokenHash(ctx context.Context, tokenHash []byte) error
	DeleteAccountSession(ctx context.Context, accountID int64, externalID uuid.UUID) (bool, error)
	DeleteAccountSessionsExcept(ctx context.Context, accountID, keepID int64) (int64, error)
	AccountSessions(ctx context.Context, accountID int64, now time.Time) ([]model.Session, error)
	DeleteExpiredSessions(ctx context.Context, now time.Time) (int64, error)
}

type Businesses interface {
	// CreateBusinessWithAdmin inserts the business and the creator's admin
	// membership atomically.
	CreateBusinessWithAdmin(ctx context.Context, b *model.Business, adminID int64) error
	BusinessesForAccount(ctx context.Context, accountID int64) ([]model.BusinessRole, error)
}

type Memberships interface {
	// ResolveMembership joins memberships to businesses by the business's
	// external id. ErrNotFound covers both "no such business" and "not a
	// member".
	ResolveMembership(ctx context.Context, accountID int64, businessExternalID uuid.UUID) (model.Business, model.Role, error)
	// AddMembership inserts or fails with ErrDuplicate; it never updates.
	AddMembership(ctx context.Context, m model.Membership) error
	Members(ctx context.Context, businessID int64) ([]model.Member, error)
}

type Portfolios interface {
	CreatePortfolio(ctx context.Context, p *model.Portfolio) error
	Portfolios(ctx context.Context, businessID int64, onlyVisible bool) ([]model.Portfolio, error)
	PortfolioByExternalID(ctx context.Context, businessID int64, externalID uuid.UUID) (model.Portfolio, error)
	SetPortfolioVisibility(ctx context.Context, id int64, v model.Visibility) error
}

type Comments interface {
	CreateComment(ctx context.Context, c *model.Comment) error
	// Comments returns the portfolio's comments oldest first.
	Comments(ctx context.Context, portfolioID int64) ([]model.Comment, error)
}

type AuditLog interface {
	InsertAuditEvent(ctx context.Context, e model.AuditEvent) error
}

// Store is everything the service needs from durable storage.
type Store interface {
	Accounts
	Sessions
	Businesses
	Memberships
	Portfolios
	Comments
	AuditLog
	Ping(ctx context.Context) error
	Close() error
}
