package manager

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bizfolio/internal/apperr"
	"bizfolio/internal/authz"
	"bizfolio/internal/messaging"
	"bizfolio/internal/model"
	"bizfolio/internal/ratelimit"
	"bizfolio/internal/storage"
)

type fixture struct {
	ctx   context.Context
	store *storage.Memory
	tm    *TenantManager
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := storage.NewMemory()
	return &fixture{
		ctx:   context.Background(),
		store: store,
		tm:    NewTenantManager(store, messaging.StorePublisher{Log: store}, nil),
	}
}

func (f *fixture) account(t *testing.T, email string) model.Account {
	t.Helper()
	a := model.Account{ExternalID: uuid.New(), Email: email, PasswordHash: "x"}
	require.NoError(t, f.store.CreateAccount(f.ctx, &a))
	return a
}

func kindOf(err error) apperr.Kind { return apperr.KindOf(err) }

// A creates X and R; member B cannot see R until A makes it visible, then
// B comments after A.
func TestVisibilityAndCommentScenario(t *testing.T) {
	f := newFixture(t)
	a := f.account(t, "a@example.com")
	b := f.account(t, "b@example.com")

	x, err := f.tm.CreateBusiness(f.ctx, a, "  Acme  ")
	require.NoError(t, err)
	assert.Equal(t, "Acme", x.Name)

	br, err := f.tm.GetBusiness(f.ctx, a, x.ExternalID)
	require.NoError(t, err)
	assert.Equal(t, model.RoleAdmin, br.Role)

	r, err := f.tm.CreatePortfolio(f.ctx, a, x.ExternalID, "Spring line")
	require.NoError(t, err)
	assert.Equal(t, model.VisibilityHidden, r.Visibility)

	_, err = f.tm.AddMember(f.ctx, a, x.ExternalID, "B@Example.com ", model.RoleMember)
	require.NoError(t, err)

	list, err := f.tm.ListPortfolios(f.ctx, b, x.ExternalID)
	require.NoError(t, err)
	assert.Empty(t, list)

	_, err = f.tm.GetPortfolio(f.ctx, b, x.ExternalID, r.ExternalID)
	assert.Equal(t, apperr.KindNotFound, kindOf(err))
	_, err = f.tm.AddComment(f.ctx, b, x.ExternalID, r.ExternalID, "hi")
	assert.Equal(t, apperr.KindNotFound, kindOf(err))

	early, err := f.tm.AddComment(f.ctx, a, x.ExternalID, r.ExternalID, "first")
	require.NoError(t, err)

	updated, err := f.tm.SetVisibility(f.ctx, a, x.ExternalID, r.ExternalID, model.VisibilityVisible)
	require.NoError(t, err)
	assert.Equal(t, model.VisibilityVisible, updated.Visibility)

	list, err = f.tm.ListPortfolios(f.ctx, b, x.ExternalID)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, r.ExternalID, list[0].ExternalID)

	mine, err := f.tm.AddComment(f.ctx, b, x.ExternalID, r.ExternalID, "second")
	require.NoError(t, err)
	assert.Equal(t, b.ExternalID, mine.AuthorExternalID)

	late, err := f.tm.AddComment(f.ctx, a, x.ExternalID, r.ExternalID, "third")
	require.NoError(t, err)

	comments, err := f.tm.ListComments(f.ctx, b, x.ExternalID, r.ExternalID)
	require.NoError(t, err)
	require.Len(t, comments, 3)
	assert.Equal(t, early.ExternalID, comments[0].ExternalID)
	assert.Equal(t, mine.ExternalID, comments[1].ExternalID)
	assert.Equal(t, late.ExternalID, comments[2].ExternalID)
	assert.Equal(t, "b@example.com", comments[1].AuthorEmail)
}

func TestDuplicateMembershipKeepsRole(t *testing.T) {
	f := newFixture(t)
	a := f.account(t, "a@example.com")
	f.account(t, "b@example.com")

	x, err := f.tm.CreateBusiness(f.ctx, a, "Acme")
	require.NoError(t, err)

	_, err = f.tm.AddMember(f.ctx, a, x.ExternalID, "b@example.com", model.RoleMember)
	require.NoError(t, err)

	_, err = f.tm.AddMember(f.ctx, a, x.ExternalID, "b@example.com", model.RoleAdmin)
	assert.Equal(t, apperr.KindConflict, kindOf(err))

	members, err := f.tm.ListMembers(f.ctx, a, x.ExternalID)
	require.NoError(t, err)
	require.Len(t, members, 2)
	roles := map[string]model.Role{}
	for _, m := range members {
		roles[m.Email] = m.Role
	}
	assert.Equal(t, model.RoleAdmin, roles["a@example.com"])
	assert.Equal(t, model.RoleMember, roles["b@example.com"])
}

func TestOutsiderSeesNothing(t *testing.T) {
	f := newFixture(t)
	a := f.account(t, "a@example.com")
	outsider := f.account(t, "o@example.com")

	x, err := f.tm.CreateBusiness(f.ctx, a, "Acme")
	require.NoError(t, err)
	r, err := f.tm.CreatePortfolio(f.ctx, a, x.ExternalID, "R")
	require.NoError(t, err)
	_, err = f.tm.SetVisibility(f.ctx, a, x.ExternalID, r.ExternalID, model.VisibilityVisible)
	require.NoError(t, err)

	missing := uuid.New()
	calls := map[string]func(uuid.UUID) error{
		"get": func(id uuid.UUID) error {
			_, err := f.tm.GetBusiness(f.ctx, outsider, id)
			return err
		},
		"members": func(id uuid.UUID) error {
			_, err := f.tm.ListMembers(f.ctx, outsider, id)
			return err
		},
		"list": func(id uuid.UUID) error {
			_, err := f.tm.ListPortfolios(f.ctx, outsider, id)
			return err
		},
		"create": func(id uuid.UUID) error {
			_, err := f.tm.CreatePortfolio(f.ctx, outsider, id, "t")
			return err
		},
		"add": func(id uuid.UUID) error {
			_, err := f.tm.AddMember(f.ctx, outsider, id, "a@example.com", model.RoleMember)
			return err
		},
		"portfolio": func(id uuid.UUID) error {
			_, err := f.tm.GetPortfolio(f.ctx, outsider, id, r.ExternalID)
			return err
		},
		"comment": func(id uuid.UUID) error {
			_, err := f.tm.AddComment(f.ctx, outsider, id, r.ExternalID, "x")
			return err
		},
	}
	for name, call := range calls {
		t.Run(name, func(t *testing.T) {
			errReal := call(x.ExternalID)
			errMissing := call(missing)
			require.Error(t, errReal)
			assert.Equal(t, errMissing, errReal)
			assert.True(t, errors.Is(errReal, authz.ErrNoAccess))
		})
	}
}

func TestMemberCannotAdminister(t *testing.T) {
	f := newFixture(t)
	a := f.account(t, "a@example.com")
	b := f.account(t, "b@example.com")
	f.account(t, "c@example.com")

	x, err := f.tm.CreateBusiness(f.ctx, a, "Acme")
	require.NoError(t, err)
	_, err = f.tm.AddMember(f.ctx, a, x.ExternalID, "b@example.com", model.RoleMember)
	require.NoError(t, err)
	r, err := f.tm.CreatePortfolio(f.ctx, a, x.ExternalID, "R")
	require.NoError(t, err)

	_, err = f.tm.AddMember(f.ctx, b, x.ExternalID, "c@example.com", model.RoleMember)
	assert.Equal(t, apperr.KindForbidden, kindOf(err))

	_, err = f.tm.CreatePortfolio(f.ctx, b, x.ExternalID, "mine")
	assert.Equal(t, apperr.KindForbidden, kindOf(err))

	// hidden: the member cannot learn that it exists
	_, err = f.tm.SetVisibility(f.ctx, b, x.ExternalID, r.ExternalID, model.VisibilityVisible)
	assert.Equal(t, apperr.KindNotFound, kindOf(err))

	_, err = f.tm.SetVisibility(f.ctx, a, x.ExternalID, r.ExternalID, model.VisibilityVisible)
	require.NoError(t, err)

	_, err = f.tm.SetVisibility(f.ctx, b, x.ExternalID, r.ExternalID, model.VisibilityHidden)
	assert.Equal(t, apperr.KindForbidden, kindOf(err))

	p, err := f.tm.GetPortfolio(f.ctx, a, x.ExternalID, r.ExternalID)
	require.NoError(t, err)
	assert.Equal(t, model.VisibilityVisible, p.Visibility)
}

func TestAdminSeesHiddenPortfolios(t *testing.T) {
	f := newFixture(t)
	a := f.account(t, "a@example.com")
	x, err := f.tm.CreateBusiness(f.ctx, a, "Acme")
	require.NoError(t, err)

	for _, title := range []string{"one", "two"} {
		_, err := f.tm.CreatePortfolio(f.ctx, a, x.ExternalID, title)
		require.NoError(t, err)
	}
	list, err := f.tm.ListPortfolios(f.ctx, a, x.ExternalID)
	require.NoError(t, err)
	assert.Len(t, list, 2)
}

func TestPortfolioFromAnotherBusinessIsNotFound(t *testing.T) {
	f := newFixture(t)
	a := f.account(t, "a@example.com")
	x, err := f.tm.CreateBusiness(f.ctx, a, "X")
	require.NoError(t, err)
	y, err := f.tm.CreateBusiness(f.ctx, a, "Y")
	require.NoError(t, err)
	r, err := f.tm.CreatePortfolio(f.ctx, a, y.ExternalID, "in Y")
	require.NoError(t, err)

	_, err = f.tm.GetPortfolio(f.ctx, a, x.ExternalID, r.ExternalID)
	assert.Equal(t, apperr.KindNotFound, kindOf(err))
}

func TestAddMemberValidation(t *testing.T) {
	f := newFixture(t)
	a := f.account(t, "a@example.com")
	f.account(t, "b@example.com")
	x, err := f.tm.CreateBusiness(f.ctx, a, "Acme")
	require.NoError(t, err)

	_, err = f.tm.AddMember(f.ctx, a, x.ExternalID, "nobody@example.com", model.RoleMember)
	var fe *apperr.FieldError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, "email", fe.Field)

	_, err = f.tm.AddMember(f.ctx, a, x.ExternalID, "b@example.com", model.Role("owner"))
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, "role", fe.Field)
}

func TestAddMemberLookupsAreThrottled(t *testing.T) {
	f := newFixture(t)
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	f.tm = NewTenantManager(f.store, nil, ratelimit.NewRedis(client, ratelimit.Config{MaxAttempts: 2, Window: time.Minute}))

	a := f.account(t, "a@example.com")
	f.account(t, "b@example.com")
	c := f.account(t, "c@example.com")
	x, err := f.tm.CreateBusiness(f.ctx, a, "Acme")
	require.NoError(t, err)
	y, err := f.tm.CreateBusiness(f.ctx, c, "Other")
	require.NoError(t, err)

	for _, email := range []string{"guess1@example.com", "guess2@example.com"} {
		_, err = f.tm.AddMember(f.ctx, a, x.ExternalID, email, model.RoleMember)
		assert.Equal(t, apperr.KindInvalidInput, kindOf(err))
	}

	_, err = f.tm.AddMember(f.ctx, a, x.ExternalID, "b@example.com", model.RoleMember)
	assert.True(t, errors.Is(err, apperr.ErrRateLimited))
	members, err := f.tm.ListMembers(f.ctx, a, x.ExternalID)
	require.NoError(t, err)
	assert.Len(t, members, 1, "a throttled call must not add the member")

	// budgets are per acting account
	_, err = f.tm.AddMember(f.ctx, c, y.ExternalID, "b@example.com", model.RoleMember)
	require.NoError(t, err)

	mr.FastForward(time.Minute + time.Second)
	_, err = f.tm.AddMember(f.ctx, a, x.ExternalID, "b@example.com", model.RoleMember)
	require.NoError(t, err)
}

func TestInputValidation(t *testing.T) {
	f := newFixture(t)
	a := f.account(t, "a@example.com")

	_, err := f.tm.CreateBusiness(f.ctx, a, "   ")
	assert.Equal(t, apperr.KindInvalidInput, kindOf(err))
	_, err = f.tm.CreateBusiness(f.ctx, a, strings.Repeat("n", maxNameLen+1))
	assert.Equal(t, apperr.KindInvalidInput, kindOf(err))

	x, err := f.tm.CreateBusiness(f.ctx, a, strings.Repeat("é", maxNameLen))
	require.NoError(t, err)
	r, err := f.tm.CreatePortfolio(f.ctx, a, x.ExternalID, "R")
	require.NoError(t, err)

	_, err = f.tm.AddComment(f.ctx, a, x.ExternalID, r.ExternalID, "")
	assert.Equal(t, apperr.KindInvalidInput, kindOf(err))
	_, err = f.tm.SetVisibility(f.ctx, a, x.ExternalID, r.ExternalID, model.Visibility("public"))
	assert.Equal(t, apperr.KindInvalidInput, kindOf(err))
}

func TestListBusinesses(t *testing.T) {
	f := newFixture(t)
	a := f.account(t, "a@example.com")
	b := f.account(t, "b@example.com")

	x, err := f.tm.CreateBusiness(f.ctx, a, "Beta")
	require.NoError(t, err)
	_, err = f.tm.CreateBusiness(f.ctx, b, "Alpha")
	require.NoError(t, err)
	_, err = f.tm.AddMember(f.ctx, a, x.ExternalID, "b@example.com", model.RoleMember)
	require.NoError(t, err)

	list, err := f.tm.ListBusinesses(f.ctx, b)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "Alpha", list[0].Business.Name)
	assert.Equal(t, model.RoleAdmin, list[0].Role)
	assert.Equal(t, "Beta", list[1].Business.Name)
	assert.Equal(t, model.RoleMember, list[1].Role)
}

func TestMutationsAreAudited(t *testing.T) {
	f := newFixture(t)
	a := f.account(t, "a@example.com")
	f.account(t, "b@example.com")

	x, err := f.tm.CreateBusiness(f.ctx, a, "Acme")
	require.NoError(t, err)
	_, err = f.tm.AddMember(f.ctx, a, x.ExternalID, "b@example.com", model.RoleMember)
	require.NoError(t, err)
	r, err := f.tm.CreatePortfolio(f.ctx, a, x.ExternalID, "R")
	require.NoError(t, err)
	_, err = f.tm.SetVisibility(f.ctx, a, x.ExternalID, r.ExternalID, model.VisibilityVisible)
	require.NoError(t, err)
	_, err = f.tm.AddComment(f.ctx, a, x.ExternalID, r.ExternalID, "c")
	require.NoError(t, err)

	var kinds []model.EventKind
	for _, e := range f.store.AuditEvents() {
		kinds = append(kinds, e.Kind)
		assert.Equal(t, a.ExternalID, e.Account)
		assert.Equal(t, x.ExternalID, e.Business)
	}
	assert.Equal(t, []model.EventKind{
		model.EventBusinessCreated,
		model.EventMemberAdded,
		model.EventPortfolioCreated,
		model.EventVisibilityChanged,
		model.EventCommentAdded,
	}, kinds)
}
