// internal/manager/tenant_manager.go
package manager

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"bizfolio/internal/apperr"
	"bizfolio/internal/authz"
	"bizfolio/internal/ident"
	"bizfolio/internal/messaging"
	"bizfolio/internal/metrics"
	"bizfolio/internal/model"
	"bizfolio/internal/ratelimit"
	"bizfolio/internal/storage"
)

const (
	maxNameLen    = 200
	maxCommentLen = 4000
)

// Store is the slice of storage the tenant operations use.
type Store interface {
	storage.Accounts
	storage.Businesses
	storage.Memberships
	storage.Portfolios
	storage.Comments
}

// TenantManager runs every business, membership, portfolio and comment
// operation. Each call names the acting account explicitly.
type TenantManager struct {
	store  Store
	authz  *authz.Resolver
	events messaging.Publisher
	// lookups caps how many AddMember email lookups one account can make
	// per window.
	lookups ratelimit.Limiter
	now     func() time.Time
}

func NewTenantManager(store Store, events messaging.Publisher, lookups ratelimit.Limiter) *TenantManager {
	if events == nil {
		events = messaging.Nop{}
	}
	if lookups == nil {
		lookups = ratelimit.Nop{}
	}
	return &TenantManager{
		store:   store,
		authz:   authz.NewResolver(store),
		events:  events,
		lookups: lookups,
		now:     time.Now,
	}
}

// CreateBusiness creates a business with actor as its admin.
func (tm *TenantManager) CreateBusiness(ctx context.Context, actor model.Account, name string) (model.Business, error) {
	name, err := cleanText("name", name, maxNameLen)
	if err != nil {
		return model.Business{}, err
	}

	var b model.Business
	err = ident.Retry(ident.DefaultAttempts, func() error {
		id, err := ident.New()
		if err != nil {
			return err
		}
		b = model.Business{ExternalID: id, Name: name}
		return tm.store.CreateBusinessWithAdmin(ctx, &b, actor.ID)
	})
	if err != nil {
		return model.Business{}, apperr.Internal(fmt.Errorf("create business: %w", err))
	}

	log.Info().Str("business", b.ExternalID.String()).Str("account", actor.ExternalID.String()).Msg("business created")
	tm.emit(ctx, model.EventBusinessCreated, actor, b.ExternalID, nil)
	return b, nil
}

// ListBusinesses returns every business actor belongs to, with its role.
func (tm *TenantManager) ListBusinesses(ctx context.Context, actor model.Account) ([]model.BusinessRole, error) {
	out, err := tm.store.BusinessesForAccount(ctx, actor.ID)
	if err != nil {
		return nil, apperr.Internal(fmt.Errorf("list businesses: %w", err))
	}
	return out, nil
}

func (tm *TenantManager) GetBusiness(ctx context.Context, actor model.Account, businessID uuid.UUID) (model.BusinessRole, error) {
	access, err := tm.authz.Resolve(ctx, actor.ID, businessID)
	if err != nil {
		return model.BusinessRole{}, err
	}
	return model.BusinessRole{Business: access.Business, Role: access.Role}, nil
}

// AddMember gives the account registered under email a role in the
// business. It never changes an existing membership.
func (tm *TenantManager) AddMember(ctx context.Context, actor model.Account, businessID uuid.UUID, email string, role model.Role) (model.Member, error) {
	access, err := tm.authz.Resolve(ctx, actor.ID, businessID)
	if err != nil {
		return model.Member{}, err
	}
	if err := authz.Require(access.CanManageMembers(), "manage_members"); err != nil {
		return model.Member{}, err
	}
	if _, err := model.ParseRole(string(role)); err != nil {
		return model.Member{}, apperr.Invalid("role", "must be admin or member")
	}

	allowed, err := tm.lookups.Allow(ctx, actor.ExternalID.String())
	if err != nil {
		log.Warn().Err(err).Msg("member lookup limiter unavailable")
	} else if !allowed {
		metrics.AuthzDenials.WithLabelValues("member_lookup_throttled").Inc()
		return model.Member{}, apperr.ErrRateLimited
	}

	target, err := tm.store.AccountByEmail(ctx, strings.ToLower(strings.TrimSpace(email)))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return model.Member{}, apperr.Invalid("email", "no account can be added with this email")
		}
		return model.Member{}, apperr.Internal(fmt.Errorf("find account: %w", err))
	}

	m := model.Membership{AccountID: target.ID, BusinessID: access.Business.ID, Role: role}
	if err := tm.store.AddMembership(ctx, m); err != nil {
		if errors.Is(err, storage.ErrDuplicate) {
			return model.Member{}, fmt.Errorf("membership exists: %w", apperr.ErrConflict)
		}
		return model.Member{}, apperr.Internal(fmt.Errorf("add membership: %w", err))
	}

	tm.emit(ctx, model.EventMemberAdded, actor, businessID, map[string]string{
		"member": target.ExternalID.String(),
		"role":   string(role),
	})
	return model.Member{AccountID: target.ExternalID, Email: target.Email, Role: role, CreatedAt: tm.now().UTC()}, nil
}

// ListMembers is open to every member of the business.
func (tm *TenantManager) ListMembers(ctx context.Context, actor model.Account, businessID uuid.UUID) ([]model.Member, error) {
	access, err := tm.authz.Resolve(ctx, actor.ID, businessID)
	if err != nil {
		return nil, err
	}
	out, err := tm.store.Members(ctx, access.Business.ID)
	if err != nil {
		return nil, apperr.Internal(fmt.Errorf("list members: %w", err))
	}
	return out, nil
}

// CreatePortfolio adds a hidden portfolio to the business.
func (tm *TenantManager) CreatePortfolio(ctx context.Context, actor model.Account, businessID uuid.UUID, title string) (model.Portfolio, error) {
	access, err := tm.authz.Resolve(ctx, actor.ID, businessID)
	if err != nil {
		return model.Portfolio{}, err
	}
	if err := authz.Require(access.CanCreatePortfolio(), "create_portfolio"); err != nil {
		return model.Portfolio{}, err
	}
	title, err = cleanText("title", title, maxNameLen)
	if err != nil {
		return model.Portfolio{}, err
	}

	var p model.Portfolio
	err = ident.Retry(ident.DefaultAttempts, func() error {
		id, err := ident.New()
		if err != nil {
			return err
		}
		p = model.Portfolio{
			ExternalID: id,
			BusinessID: access.Business.ID,
			Title:      title,
			Visibility: model.VisibilityHidden,
		}
		return tm.store.CreatePortfolio(ctx, &p)
	})
	if err != nil {
		return model.Portfolio{}, apperr.Internal(fmt.Errorf("create portfolio: %w", err))
	}

	tm.emit(ctx, model.EventPortfolioCreated, actor, businessID, map[string]string{"portfolio": p.ExternalID.String()})
	return p, nil
}

// ListPortfolios returns what actor's role lets it see.
func (tm *TenantManager) ListPortfolios(ctx context.Context, actor model.Account, businessID uuid.UUID) ([]model.Portfolio, error) {
	access, err := tm.authz.Resolve(ctx, actor.ID, businessID)
	if err != nil {
		return nil, err
	}
	out, err := tm.store.Portfolios(ctx, access.Business.ID, access.OnlyVisible())
	if err != nil {
		return nil, apperr.Internal(fmt.Errorf("list portfolios: %w", err))
	}
	return out, nil
}

func (tm *TenantManager) GetPortfolio(ctx context.Context, actor model.Account, businessID, portfolioID uuid.UUID) (model.Portfolio, error) {
	_, p, err := tm.visiblePortfolio(ctx, actor, businessID, portfolioID)
	return p, err
}

// SetVisibility changes a portfolio's visibility. Admin only.
func (tm *TenantManager) SetVisibility(ctx context.Context, actor model.Account, businessID, portfolioID uuid.UUID, v model.Visibility) (model.Portfolio, error) {
	access, p, err := tm.visiblePortfolio(ctx, actor, businessID, portfolioID)
	if err != nil {
		return model.Portfolio{}, err
	}
	if err := authz.Require(access.CanChangeVisibility(), "change_visibility"); err != nil {
		return model.Portfolio{}, err
	}
	if _, err := model.ParseVisibility(string(v)); err != nil {
		return model.Portfolio{}, apperr.Invalid("visibility", "must be visible or hidden")
	}
	if p.Visibility == v {
		return p, nil
	}

	if err := tm.store.SetPortfolioVisibility(ctx, p.ID, v); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return model.Portfolio{}, apperr.ErrNotFound
		}
		return model.Portfolio{}, apperr.Internal(fmt.Errorf("set visibility: %w", err))
	}
	p.Visibility = v

	tm.emit(ctx, model.EventVisibilityChanged, actor, businessID, map[string]string{
		"portfolio":  p.ExternalID.String(),
		"visibility": string(v),
	})
	return p, nil
}

// AddComment appends a comment to a portfolio actor can see.
func (tm *TenantManager) AddComment(ctx context.Context, actor model.Account, businessID, portfolioID uuid.UUID, body string) (model.Comment, error) {
	access, p, err := tm.visiblePortfolio(ctx, actor, businessID, portfolioID)
	if err != nil {
		return model.Comment{}, err
	}
	if err := authz.Require(access.CanComment(p), "comment"); err != nil {
		return model.Comment{}, err
	}
	body, err = cleanText("body", body, maxCommentLen)
	if err != nil {
		return model.Comment{}, err
	}

	var c model.Comment
	err = ident.Retry(ident.DefaultAttempts, func() error {
		id, err := ident.New()
		if err != nil {
			return err
		}
		c = model.Comment{
			ExternalID:  id,
			PortfolioID: p.ID,
			AuthorID:    actor.ID,
			Body:        body,
		}
		return tm.store.CreateComment(ctx, &c)
	})
	if err != nil {
		return model.Comment{}, apperr.Internal(fmt.Errorf("create comment: %w", err))
	}
	c.AuthorExternalID = actor.ExternalID
	c.AuthorEmail = actor.Email

	tm.emit(ctx, model.EventCommentAdded, actor, businessID, map[string]string{
		"portfolio": p.ExternalID.String(),
		"comment":   c.ExternalID.String(),
	})
	return c, nil
}

// ListComments returns a visible portfolio's comments oldest first.
func (tm *TenantManager) ListComments(ctx context.Context, actor model.Account, businessID, portfolioID uuid.UUID) ([]model.Comment, error) {
	_, p, err := tm.visiblePortfolio(ctx, actor, businessID, portfolioID)
	if err != nil {
		return nil, err
	}
	out, err := tm.store.Comments(ctx, p.ID)
	if err != nil {
		return nil, apperr.Internal(fmt.Errorf("list comments: %w", err))
	}
	return out, nil
}

// visiblePortfolio resolves access and loads the portfolio. A portfolio the
// caller may not see is reported exactly like a missing one.
func (tm *TenantManager) visiblePortfolio(ctx context.Context, actor model.Account, businessID, portfolioID uuid.UUID) (authz.Access, model.Portfolio, error) {
	access, err := tm.authz.Resolve(ctx, actor.ID, businessID)
	if err != nil {
		return authz.Access{}, model.Portfolio{}, err
	}
	p, err := tm.store.PortfolioByExternalID(ctx, access.Business.ID, portfolioID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return authz.Access{}, model.Portfolio{}, authz.ErrNoAccess
		}
		return authz.Access{}, model.Portfolio{}, apperr.Internal(fmt.Errorf("load portfolio: %w", err))
	}
	if !access.CanSee(p) {
		return authz.Access{}, model.Portfolio{}, authz.ErrNoAccess
	}
	return access, p, nil
}

func (tm *TenantManager) emit(ctx context.Context, kind model.EventKind, actor model.Account, business uuid.UUID, attrs map[string]string) {
	messaging.Emit(ctx, tm.events, model.AuditEvent{
		Kind:       kind,
		Account:    actor.ExternalID,
		Business:   business,
		Attributes: attrs,
		OccurredAt: tm.now().UTC(),
	})
}

// cleanText trims s and checks it is non-empty and at most limit runes.
func cleanText(field, s string, limit int) (string, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", apperr.Invalid(field, "must not be empty")
	}
	if !utf8.ValidString(s) {
		return "", apperr.Invalid(field, "must be valid UTF-8")
	}
	if utf8.RuneCountInString(s) > limit {
		return "", apperr.Invalid(field, fmt.Sprintf("must be at most %d characters", limit))
	}
	return s, nil
}
