package apperr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindOf(t *testing.T) {
	cases := []struct {
		err  error
		kind Kind
	}{
		{ErrUnauthenticated, KindUnauthenticated},
		{fmt.Errorf("resolve: %w", ErrNotFound), KindNotFound},
		{Invalid("email", "is required"), KindInvalidInput},
		{ErrConflict, KindConflict},
		{ErrForbidden, KindForbidden},
		{ErrRateLimited, KindRateLimited},
		{Internal(errors.New("disk on fire")), KindInternal},
		{errors.New("anything else"), KindInternal},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.kind, KindOf(tc.err), tc.err.Error())
	}
}

func TestFieldError(t *testing.T) {
	err := Invalid("title", "must not be empty")

	var fe *FieldError
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, "title", fe.Field)
	assert.True(t, errors.Is(err, ErrInvalidInput))
	assert.False(t, errors.Is(err, ErrConflict))
}

func TestInternalKeepsCause(t *testing.T) {
	cause := errors.New("connection reset")
	err := Internal(cause)

	assert.True(t, errors.Is(err, ErrInternal))
	assert.True(t, errors.Is(err, cause))
	assert.Nil(t, Internal(nil))
}
