// internal/storage/memory.go
package storage

import (
	"bytes"
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"bizfolio/internal/ident"
	"bizfolio/internal/model"
)

// Memory is a Store kept in process memory. It enforces the same
// uniqueness and atomicity rules as the PostgreSQL schema and backs
// single-node development setups and tests.
type Memory struct {
	mu sync.Mutex

	nextID      int64
	accounts    map[int64]model.Account
	sessions    map[int64]model.Session
	businesses  map[int64]model.Business
	memberships map[[2]int64]model.Membership
	portfolios  map[int64]model.Portfolio
	comments    map[int64]model.Comment
	audit       []model.AuditEvent
	externalIDs map[uuid.UUID]struct{}
}

var _ Store = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{
		accounts:    make(map[int64]model.Account),
		sessions:    make(map[int64]model.Session),
		businesses:  make(map[int64]model.Business),
		memberships: make(map[[2]int64]model.Membership),
		portfolios:  make(map[int64]model.Portfolio),
		comments:    make(map[int64]model.Comment),
		externalIDs: make(map[uuid.UUID]struct{}),
	}
}

func (m *Memory) Ping(context.Context) error { return nil }
func (m *Memory) Close() error               { return nil }

func (m *Memory) id() int64 {
	m.nextID++
	return m.nextID
}

func (m *Memory) claim(external uuid.UUID) error {
	if _, taken := m.externalIDs[external]; taken {
		return ident.ErrCollision
	}
	m.externalIDs[external] = struct{}{}
	return nil
}

func (m *Memory) CreateAccount(_ context.Context, a *model.Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.accounts {
		if existing.Email == a.Email {
			return ErrDuplicate
		}
	}
	if err := m.claim(a.ExternalID); err != nil {
		return err
	}
	a.ID = m.id()
	a.CreatedAt = time.Now().UTC()
	m.accounts[a.ID] = *a
	return nil
}

func (m *Memory) AccountByID(_ context.Context, id int64) (model.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.accounts[id]
	if !ok {
		return model.Account{}, ErrNotFound
	}
	return a, nil
}

func (m *Memory) AccountByEmail(_ context.Context, email string) (model.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, a := range m.accounts {
		if a.Email == email {
			return a, nil
		}
	}
	return model.Account{}, ErrNotFound
}

func (m *Memory) UpdatePasswordHash(_ context.Context, id int64, hash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.accounts[id]
	if !ok {
		return ErrNotFound
	}
	a.PasswordHash = hash
	m.accounts[id] = a
	return nil
}

func (m *Memory) CreateSession(_ context.Context, s *model.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.accounts[s.AccountID]; !ok {
		return ErrNotFound
	}
	for _, existing := range m.sessions {
		if bytes.Equal(existing.TokenHash, s.TokenHash) {
			return ident.ErrCollision
		}
	}
	if err := m.claim(s.ExternalID); err != nil {
		return err
	}
	s.ID = m.id()
	m.sessions[s.ID] = *s
	return nil
}

func (m *Memory) SessionByTokenHash(_ context.Context, tokenHash []byte) (model.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, s := range m.sessions {
		if bytes.Equal(s.TokenHash, tokenHash) {
			return s, nil
		}
	}
	return model.Session{}, ErrNotFound
}

func (m *Memory) ExtendSession(_ context.Context, id int64, prev, next, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok || !s.ExpiresAt.Equal(prev) || !s.ExpiresAt.After(now) {
		return false, nil
	}
	s.ExpiresAt = next
	m.sessions[id] = s
	return true, nil
}

func (m *Memory) DeleteSession(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.sessions, id)
	return nil
}

func (m *Memory) DeleteSessionByTokenHash(_ context.Context, tokenHash []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, s := range m.sessions {
		if bytes.Equal(s.TokenHash, tokenHash) {
			delete(m.sessions, id)
		}
	}
	return nil
}

func (m *Memory) DeleteAccountSession(_ context.Context, accountID int64, externalID uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, s := range m.sessions {
		if s.AccountID == accountID && s.ExternalID == externalID {
			delete(m.sessions, id)
			return true, nil
		}
	}
	return false, nil
}

func (m *Memory) DeleteAccountSessionsExcept(_ context.Context, accountID, keepID int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for id, s := range m.sessions {
		if s.AccountID == accountID && id != keepID {
			delete(m.sessions, id)
			n++
		}
	}
	return n, nil
}

func (m *Memory) AccountSessions(_ context.Context, accountID int64, now time.Time) ([]model.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []model.Session
	for _, s := range m.sessions {
		if s.AccountID == accountID && s.ExpiresAt.After(now) {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *Memory) DeleteExpiredSessions(_ context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for id, s := range m.sessions {
		if !s.ExpiresAt.After(now) {
			delete(m.sessions, id)
			n++
		}
	}
	return n, nil
}

func (m *Memory) CreateBusinessWithAdmin(_ context.Context, b *model.Business, adminID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Check everything before writing anything so a failure leaves no rows.
	if _, ok := m.accounts[adminID]; !ok {
		return ErrNotFound
	}
	if _, taken := m.externalIDs[b.ExternalID]; taken {
		return ident.ErrCollision
	}

	m.externalIDs[b.ExternalID] = struct{}{}
	b.ID = m.id()
	b.CreatedAt = time.Now().UTC()
	m.businesses[b.ID] = *b
	m.memberships[[2]int64{adminID, b.ID}] = model.Membership{
		AccountID:  adminID,
		BusinessID: b.ID,
		Role:       model.RoleAdmin,
		CreatedAt:  b.CreatedAt,
	}
	return nil
}

func (m *Memory) BusinessesForAccount(_ context.Context, accountID int64) ([]model.BusinessRole, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []model.BusinessRole
	for key, ms := range m.memberships {
		if key[0] != accountID {
			continue
		}
		out = append(out, model.BusinessRole{Business: m.businesses[key[1]], Role: ms.Role})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Business.Name != out[j].Business.Name {
			return out[i].Business.Name < out[j].Business.Name
		}
		return out[i].Business.ID < out[j].Business.ID
	})
	return out, nil
}

func (m *Memory) ResolveMembership(_ context.Context, accountID int64, businessExternalID uuid.UUID) (model.Business, model.Role, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, b := range m.businesses {
		if b.ExternalID != businessExternalID {
			continue
		}
		ms, ok := m.memberships[[2]int64{accountID, b.ID}]
		if !ok {
			return model.Business{}, "", ErrNotFound
		}
		return b, ms.Role, nil
	}
	return model.Business{}, "", ErrNotFound
}

func (m *Memory) AddMembership(_ context.Context, ms model.Membership) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.accounts[ms.AccountID]; !ok {
		return ErrNotFound
	}
	if _, ok := m.businesses[ms.BusinessID]; !ok {
		return ErrNotFound
	}
	key := [2]int64{ms.AccountID, ms.BusinessID}
	if _, exists := m.memberships[key]; exists {
		return ErrDuplicate
	}
	ms.CreatedAt = time.Now().UTC()
	m.memberships[key] = ms
	return nil
}

func (m *Memory) Members(_ context.Context, businessID int64) ([]model.Member, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	type row struct {
		accountID int64
		member    model.Member
	}
	var rows []row
	for key, ms := range m.memberships {
		if key[1] != businessID {
			continue
		}
		a := m.accounts[key[0]]
		rows = append(rows, row{a.ID, model.Member{AccountID: a.ExternalID, Email: a.Email, Role: ms.Role, CreatedAt: ms.CreatedAt}})
	}
	sort.Slice(rows, func(i, j int) bool {
		if !rows[i].member.CreatedAt.Equal(rows[j].member.CreatedAt) {
			return rows[i].member.CreatedAt.Before(rows[j].member.CreatedAt)
		}
		return rows[i].accountID < rows[j].accountID
	})
	out := make([]model.Member, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.member)
	}
	return out, nil
}

func (m *Memory) CreatePortfolio(_ context.Context, p *model.Portfolio) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.businesses[p.BusinessID]; !ok {
		return ErrNotFound
	}
	if err := m.claim(p.ExternalID); err != nil {
		return err
	}
	p.ID = m.id()
	p.CreatedAt = time.Now().UTC()
	m.portfolios[p.ID] = *p
	return nil
}

func (m *Memory) Portfolios(_ context.Context, businessID int64, onlyVisible bool) ([]model.Portfolio, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []model.Portfolio
	for _, p := range m.portfolios {
		if p.BusinessID != businessID {
			continue
		}
		if onlyVisible && p.Visibility != model.VisibilityVisible {
			continue
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) PortfolioByExternalID(_ context.Context, businessID int64, externalID uuid.UUID) (model.Portfolio, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, p := range m.portfolios {
		if p.BusinessID == businessID && p.ExternalID == externalID {
			return p, nil
		}
	}
	return model.Portfolio{}, ErrNotFound
}

func (m *Memory) SetPortfolioVisibility(_ context.Context, id int64, v model.Visibility) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.portfolios[id]
	if !ok {
		return ErrNotFound
	}
	p.Visibility = v
	m.portfolios[id] = p
	return nil
}

func (m *Memory) CreateComment(_ context.Context, c *model.Comment) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.portfolios[c.PortfolioID]; !ok {
		return ErrNotFound
	}
	if _, ok := m.accounts[c.AuthorID]; !ok {
		return ErrNotFound
	}
	if err := m.claim(c.ExternalID); err != nil {
		return err
	}
	c.ID = m.id()
	c.CreatedAt = time.Now().UTC()
	stored := *c
	stored.AuthorEmail, stored.AuthorExternalID = "", uuid.Nil
	m.comments[c.ID] = stored
	return nil
}

func (m *Memory) Comments(_ context.Context, portfolioID int64) ([]model.Comment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []model.Comment
	for _, c := range m.comments {
		if c.PortfolioID != portfolioID {
			continue
		}
		author := m.accounts[c.AuthorID]
		c.AuthorExternalID = author.ExternalID
		c.AuthorEmail = author.Email
		out = append(out, c)
	}
	// ids are handed out in insertion order, which breaks created_at ties
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *Memory) InsertAuditEvent(_ context.Context, e model.AuditEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.audit = append(m.audit, e)
	return nil
}

// AuditEvents returns a copy of every stored audit event.
func (m *Memory) AuditEvents() []model.AuditEvent {
	m.mu.Lock()
	defer m.mu.Unlock()

	return append([]model.AuditEvent(nil), m.audit...)
}
