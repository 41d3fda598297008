// Package ident generates the external identifiers exposed in URLs and
// tokens. Internal sequential keys never leave the storage layer.
package ident

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// ErrCollision is returned by storage when a freshly generated external id
// or token is already taken. Callers regenerate rather than reuse.
var ErrCollision = errors.New("identifier collision")

// DefaultAttempts bounds how often a colliding id is regenerated.
const DefaultAttempts = 3

// New returns a random UUID read from crypto/rand.
func New() (uuid.UUID, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return uuid.Nil, fmt.Errorf("generate external id: %w", err)
	}
	return id, nil
}

// Parse validates an external id taken from a request.
func Parse(raw string) (uuid.UUID, error) {
	id, err := uuid.Parse(raw)
	if err != nil || id == uuid.Nil {
		return uuid.Nil, fmt.Errorf("malformed external id %q", raw)
	}
	return id, nil
}

// Retry calls fn until it returns something other than ErrCollision or
// attempts are exhausted. fn is expected to generate fresh identifiers on
// every call.
func Retry(attempts int, fn func() error) error {
	if attempts <= 0 {
		attempts = DefaultAttempts
	}
	var err error
	for i := 0; i < attempts; i++ {
		err = fn()
		if !errors.Is(err, ErrCollision) {
			return err
		}
	}
	return fmt.Errorf("gave up after %d attempts: %w", attempts, err)
}
