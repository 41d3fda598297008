// Package ratelimit throttles login attempts per account identifier.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrUnavailable wraps backend failures. Callers decide whether to fail
// open or closed.
var ErrUnavailable = errors.New("ratelimit: backend unavailable")

// Limiter counts attempts per key in fixed windows.
type Limiter interface {
	// Allow records one attempt for key and reports whether it is within
	// the budget for the current window.
	Allow(ctx context.Context, key string) (bool, error)
	// Reset forgets key's attempts.
	Reset(ctx context.Context, key string) error
}

type Config struct {
	MaxAttempts int
	Window      time.Duration
	Prefix      string
}

// Redis is a fixed-window limiter backed by INCR and EXPIRE NX.
type Redis struct {
	client redis.UniversalClient
	cfg    Config
}

func NewRedis(client redis.UniversalClient, cfg Config) *Redis {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 10
	}
	if cfg.Window <= 0 {
		cfg.Window = 15 * time.Minute
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "bizfolio:login:"
	}
	return &Redis{client: client, cfg: cfg}
}

func (l *Redis) Allow(ctx context.Context, key string) (bool, error) {
	k := l.cfg.Prefix + key
	count, err := l.client.Incr(ctx, k).Result()
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	// NX keeps the window fixed while still arming a key whose first
	// EXPIRE was lost; without a TTL the counter would never reset.
	if err := l.client.ExpireNX(ctx, k, l.cfg.Window).Err(); err != nil {
		return false, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return count <= int64(l.cfg.MaxAttempts), nil
}

func (l *Redis) Reset(ctx context.Context, key string) error {
	if err := l.client.Del(ctx, l.cfg.Prefix+key).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// Nop never throttles.
type Nop struct{}

func (Nop) Allow(context.Context, string) (bool, error) { return true, nil }
func (Nop) Reset(context.Context, string) error         { return nil }
