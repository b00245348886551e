// Package ratelimit limits how many runs each actor may start per period.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"
)

// ErrRateLimited is returned when an actor has used up the current period.
var ErrRateLimited = errors.New("rate limit exceeded")

// Config configures the limiter.
type Config struct {
	RunsPerMinute int // 0 = unlimited (Allow always succeeds).
}

// Limiter is a per-actor fixed-window limiter backed by an in-memory store.
// One actor cannot exhaust another's quota.
type Limiter struct {
	limiter *limiter.Limiter // nil = unlimited
}

// NewLimiter creates a limiter. A zero RunsPerMinute disables limiting.
func NewLimiter(cfg Config) *Limiter {
	if cfg.RunsPerMinute <= 0 {
		return &Limiter{}
	}
	rate := limiter.Rate{Period: time.Minute, Limit: int64(cfg.RunsPerMinute)}
	return &Limiter{limiter: limiter.New(memory.NewStore(), rate)}
}

// Allow consumes one run from actor's quota. It returns ErrRateLimited
// once the quota for the current window is spent.
func (l *Limiter) Allow(ctx context.Context, actor string) error {
	if l == nil || l.limiter == nil {
		return nil
	}
	lc, err := l.limiter.Get(ctx, actor)
	if err != nil {
		return fmt.Errorf("checking rate limit: %w", err)
	}
	if lc.Reached {
		return ErrRateLimited
	}
	return nil
}
