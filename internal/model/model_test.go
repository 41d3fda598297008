package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRole(t *testing.T) {
	r, err := ParseRole("admin")
	require.NoError(t, err)
	assert.Equal(t, RoleAdmin, r)

	r, err = ParseRole("member")
	require.NoError(t, err)
	assert.Equal(t, RoleMember, r)

	for _, bad := range []string{"", "Admin", "owner", " member"} {
		_, err := ParseRole(bad)
		assert.Error(t, err, bad)
	}
}

func TestParseVisibility(t *testing.T) {
	v, err := ParseVisibility("visible")
	require.NoError(t, err)
	assert.Equal(t, VisibilityVisible, v)

	for _, bad := range []string{"", "public", "HIDDEN"} {
		_, err := ParseVisibility(bad)
		assert.Error(t, err, bad)
	}
}

func TestSessionExpired(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s := Session{ExpiresAt: now}

	assert.True(t, s.Expired(now))
	assert.True(t, s.Expired(now.Add(time.Second)))
	assert.False(t, s.Expired(now.Add(-time.Second)))
}
