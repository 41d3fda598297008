// Package authz answers what role, if any, an account holds in a business
// and derives what that role may see and change.
package authz

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"bizfolio/internal/apperr"
	"bizfolio/internal/metrics"
	"bizfolio/internal/model"
	"bizfolio/internal/storage"
)

// ErrNoAccess is returned when the account has no membership in the
// business. It matches apperr.ErrNotFound so callers cannot tell it apart
// from a business that does not exist.
var ErrNoAccess = fmt.Errorf("no access: %w", apperr.ErrNotFound)

// Access is a resolved membership.
type Access struct {
	Business model.Business
	Role     model.Role
}

type Resolver struct {
	memberships storage.Memberships
}

func NewResolver(memberships storage.Memberships) *Resolver {
	return &Resolver{memberships: memberships}
}

// Resolve looks up accountID's membership in the business identified by
// businessExternalID.
func (r *Resolver) Resolve(ctx context.Context, accountID int64, businessExternalID uuid.UUID) (Access, error) {
	business, role, err := r.memberships.ResolveMembership(ctx, accountID, businessExternalID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			metrics.AuthzDenials.WithLabelValues("no_membership").Inc()
			return Access{}, ErrNoAccess
		}
		return Access{}, apperr.Internal(fmt.Errorf("resolve membership: %w", err))
	}
	// An unexpected role is treated as no access at all.
	if _, err := model.ParseRole(string(role)); err != nil {
		metrics.AuthzDenials.WithLabelValues("invalid_role").Inc()
		return Access{}, ErrNoAccess
	}
	return Access{Business: business, Role: role}, nil
}

func (a Access) IsAdmin() bool {
	return a.Role == model.RoleAdmin
}

// OnlyVisible reports whether portfolio listings must be filtered to
// visible ones.
func (a Access) OnlyVisible() bool {
	return !a.IsAdmin()
}

// CanSee reports whether p exists as far as this caller is concerned.
func (a Access) CanSee(p model.Portfolio) bool {
	if p.BusinessID != a.Business.ID {
		return false
	}
	return a.IsAdmin() || p.Visibility == model.VisibilityVisible
}

// CanComment: any member who can see the portfolio may comment on it.
func (a Access) CanComment(p model.Portfolio) bool {
	return a.CanSee(p)
}

func (a Access) CanChangeVisibility() bool {
	return a.IsAdmin()
}

func (a Access) CanManageMembers() bool {
	return a.IsAdmin()
}

func (a Access) CanCreatePortfolio() bool {
	return a.IsAdmin()
}

// Require returns apperr.ErrForbidden unless allowed.
func Require(allowed bool, reason string) error {
	if allowed {
		return nil
	}
	metrics.AuthzDenials.WithLabelValues(reason).Inc()
	return apperr.ErrForbidden
}
