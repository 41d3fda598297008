package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bizfolio/internal/csrf"
	"bizfolio/internal/model"
	"bizfolio/internal/storage"
)

const day = 24 * time.Hour

type fixture struct {
	store   *storage.Memory
	manager *Manager
	account model.Account
	now     time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store: storage.NewMemory(),
		now:   time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC),
	}
	f.manager = NewManager(f.store, f.store, Config{
		Lifetime:      30 * day,
		RefreshWindow: 15 * day,
		Now:           func() time.Time { return f.now },
	})
	f.account = model.Account{ExternalID: uuid.New(), Email: "a@example.com", PasswordHash: "x"}
	require.NoError(t, f.store.CreateAccount(context.Background(), &f.account))
	return f
}

func TestIssueAndValidate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	issued, err := f.manager.Issue(ctx, f.account.ID)
	require.NoError(t, err)
	assert.Len(t, issued.Token, 43)
	assert.NotEmpty(t, issued.CSRFToken)
	assert.NotEqual(t, issued.Token, issued.CSRFToken)
	assert.Equal(t, f.now.Add(30*day), issued.Session.ExpiresAt)
	assert.True(t, csrf.Verify(issued.Session.CSRFHash, issued.CSRFToken))

	cur, err := f.manager.Validate(ctx, issued.Token)
	require.NoError(t, err)
	assert.Equal(t, f.account.ID, cur.Account.ID)
	assert.False(t, cur.Extended)
}

func TestTokensAreStoredHashed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	issued, err := f.manager.Issue(ctx, f.account.ID)
	require.NoError(t, err)

	_, err = f.store.SessionByTokenHash(ctx, []byte(issued.Token))
	assert.True(t, errors.Is(err, storage.ErrNotFound))
	assert.NotContains(t, string(issued.Session.TokenHash), issued.Token)
}

func TestSessionsAreIndependentlyRevocable(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.manager.Issue(ctx, f.account.ID)
	require.NoError(t, err)
	second, err := f.manager.Issue(ctx, f.account.ID)
	require.NoError(t, err)
	require.NotEqual(t, first.Token, second.Token)

	require.NoError(t, f.manager.Revoke(ctx, first.Token))

	_, err = f.manager.Validate(ctx, first.Token)
	assert.Equal(t, ErrUnauthenticated, err)
	_, err = f.manager.Validate(ctx, second.Token)
	assert.NoError(t, err)

	// revoking again, or revoking garbage, is not an error
	assert.NoError(t, f.manager.Revoke(ctx, first.Token))
	assert.NoError(t, f.manager.Revoke(ctx, "nope"))
	assert.NoError(t, f.manager.Revoke(ctx, ""))
}

func TestNoExtensionOutsideWindow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	issued, err := f.manager.Issue(ctx, f.account.ID)
	require.NoError(t, err)
	expiry := issued.Session.ExpiresAt

	f.now = expiry.Add(-20 * day)
	cur, err := f.manager.Validate(ctx, issued.Token)
	require.NoError(t, err)
	assert.False(t, cur.Extended)
	assert.Equal(t, expiry, cur.Session.ExpiresAt)
}

func TestExtensionInsideWindow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	issued, err := f.manager.Issue(ctx, f.account.ID)
	require.NoError(t, err)
	expiry := issued.Session.ExpiresAt

	f.now = expiry.Add(-10 * day)
	cur, err := f.manager.Validate(ctx, issued.Token)
	require.NoError(t, err)
	assert.True(t, cur.Extended)
	assert.Equal(t, f.now.Add(30*day), cur.Session.ExpiresAt)

	stored, err := f.store.SessionByTokenHash(ctx, hashToken(issued.Token))
	require.NoError(t, err)
	assert.Equal(t, f.now.Add(30*day), stored.ExpiresAt)
}

func TestExpiredSessionIsNeverResurrected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	issued, err := f.manager.Issue(ctx, f.account.ID)
	require.NoError(t, err)

	f.now = issued.Session.ExpiresAt
	_, err = f.manager.Validate(ctx, issued.Token)
	assert.Equal(t, ErrUnauthenticated, err)

	_, err = f.manager.Validate(ctx, issued.Token)
	assert.Equal(t, ErrUnauthenticated, err)

	_, err = f.store.SessionByTokenHash(ctx, hashToken(issued.Token))
	assert.True(t, errors.Is(err, storage.ErrNotFound), "expired row is deleted")

	// winding the clock back does not bring it back either
	f.now = issued.Session.CreatedAt.Add(day)
	_, err = f.manager.Validate(ctx, issued.Token)
	assert.Equal(t, ErrUnauthenticated, err)
}

func TestValidationFailuresAreUniform(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	unknown, err := newToken()
	require.NoError(t, err)

	for _, token := range []string{"", "short", strings.Repeat("!", 43), unknown} {
		_, err := f.manager.Validate(ctx, token)
		assert.Equal(t, ErrUnauthenticated, err, token)
	}
}

// racingSessions loses the conditional update once, as if another request
// renewed the session between our read and write.
type racingSessions struct {
	*storage.Memory
	once sync.Once
	lost bool
}

func (r *racingSessions) ExtendSession(ctx context.Context, id int64, prev, next, now time.Time) (bool, error) {
	raced := false
	r.once.Do(func() {
		raced = true
		r.lost = true
		_, _ = r.Memory.ExtendSession(ctx, id, prev, next.Add(-time.Minute), now)
	})
	if raced {
		return false, nil
	}
	return r.Memory.ExtendSession(ctx, id, prev, next, now)
}

func TestLostExtensionRaceStillAuthenticates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	racing := &racingSessions{Memory: f.store}
	mgr := NewManager(racing, f.store, Config{Lifetime: 30 * day, RefreshWindow: 15 * day, Now: func() time.Time { return f.now }})

	issued, err := mgr.Issue(ctx, f.account.ID)
	require.NoError(t, err)

	f.now = issued.Session.ExpiresAt.Add(-5 * day)
	cur, err := mgr.Validate(ctx, issued.Token)
	require.NoError(t, err)
	assert.True(t, racing.lost)
	assert.False(t, cur.Extended)
	assert.Equal(t, f.now.Add(30*day-time.Minute), cur.Session.ExpiresAt)
}

func TestLostRaceAgainstRevocation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	issued, err := f.manager.Issue(ctx, f.account.ID)
	require.NoError(t, err)

	revoking := &revokingSessions{Memory: f.store, token: issued.Token}
	mgr := NewManager(revoking, f.store, Config{Lifetime: 30 * day, RefreshWindow: 15 * day, Now: func() time.Time { return f.now }})

	f.now = issued.Session.ExpiresAt.Add(-day)
	_, err = mgr.Validate(ctx, issued.Token)
	assert.Equal(t, ErrUnauthenticated, err)
}

type revokingSessions struct {
	*storage.Memory
	token string
}

func (r *revokingSessions) ExtendSession(ctx context.Context, _ int64, _, _, _ time.Time) (bool, error) {
	_ = r.Memory.DeleteSessionByTokenHash(ctx, hashToken(r.token))
	return false, nil
}

func TestRevokeByIDIsScopedToAccount(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	other := model.Account{ExternalID: uuid.New(), Email: "b@example.com"}
	require.NoError(t, f.store.CreateAccount(ctx, &other))

	mine, err := f.manager.Issue(ctx, f.account.ID)
	require.NoError(t, err)

	removed, err := f.manager.RevokeByID(ctx, other.ID, mine.Session.ExternalID)
	require.NoError(t, err)
	assert.False(t, removed)
	_, err = f.manager.Validate(ctx, mine.Token)
	require.NoError(t, err)

	removed, err = f.manager.RevokeByID(ctx, f.account.ID, mine.Session.ExternalID)
	require.NoError(t, err)
	assert.True(t, removed)
	_, err = f.manager.Validate(ctx, mine.Token)
	assert.Equal(t, ErrUnauthenticated, err)
}

func TestRevokeOthersAndList(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	keep, err := f.manager.Issue(ctx, f.account.ID)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err := f.manager.Issue(ctx, f.account.ID)
		require.NoError(t, err)
	}

	list, err := f.manager.List(ctx, f.account.ID)
	require.NoError(t, err)
	assert.Len(t, list, 4)

	n, err := f.manager.RevokeOthers(ctx, f.account.ID, keep.Session.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	list, err = f.manager.List(ctx, f.account.ID)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, keep.Session.ExternalID, list[0].ExternalID)
}

func TestSweep(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	old, err := f.manager.Issue(ctx, f.account.ID)
	require.NoError(t, err)
	f.now = f.now.Add(20 * day)
	fresh, err := f.manager.Issue(ctx, f.account.ID)
	require.NoError(t, err)

	f.now = old.Session.ExpiresAt.Add(time.Second)
	n, err := f.manager.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = f.manager.Validate(ctx, fresh.Token)
	assert.NoError(t, err)
}
