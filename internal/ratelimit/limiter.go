// Package ratelimit implements fixed-window rate limiting on the cache pool.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/chatbuddy-io/chatbuddy/internal/cache"
)

// Scope identifies what the counter is keyed on.
type Scope string

const (
	ScopeIP   Scope = "ip"
	ScopeUser Scope = "user"
)

// Limit describes a fixed window allowance.
type Limit struct {
	Max    int
	Window time.Duration
}

// Result is the outcome of a limit check.
type Result struct {
	Allowed bool
	Count   int64
	ResetIn time.Duration
}

// Limiter enforces per-scope fixed-window limits. The Incr/Expire pair on
// the first request of a window races; the worst case is a single-window
// overcount of one, which is accepted rather than fixed with transactions.
type Limiter struct {
	cache  cache.Store
	limits map[Scope]Limit
}

// DefaultLimits returns the standard ip and user allowances.
func DefaultLimits() map[Scope]Limit {
	return map[Scope]Limit{
		ScopeIP:   {Max: 100, Window: time.Minute},
		ScopeUser: {Max: 50, Window: time.Minute},
	}
}

// New creates a limiter with the given per-scope limits (nil for defaults).
func New(c cache.Store, limits map[Scope]Limit) *Limiter {
	if limits == nil {
		limits = DefaultLimits()
	}
	return &Limiter{cache: c, limits: limits}
}

// Check applies the configured limit for the scope.
func (l *Limiter) Check(ctx context.Context, id string, scope Scope) (Result, error) {
	limit, ok := l.limits[scope]
	if !ok {
		return Result{}, fmt.Errorf("unknown rate limit scope: %s", scope)
	}
	return l.CheckLimit(ctx, id, scope, limit.Max, limit.Window)
}

// CheckLimit applies an explicit fixed-window limit.
func (l *Limiter) CheckLimit(ctx context.Context, id string, scope Scope, max int, window time.Duration) (Result, error) {
	key := fmt.Sprintf("%s:%s", scope, id)

	count, found, err := l.cache.GetCounter(ctx, key, cache.NSRateLimit)
	if err != nil {
		return Result{}, fmt.Errorf("rate limit read failed: %w", err)
	}
	if found && count >= int64(max) {
		return Result{Allowed: false, Count: count, ResetIn: window}, nil
	}

	count, err = l.cache.Incr(ctx, key, cache.NSRateLimit, 1)
	if err != nil {
		return Result{}, fmt.Errorf("rate limit incr failed: %w", err)
	}
	if count == 1 {
		if err := l.cache.Expire(ctx, key, cache.NSRateLimit, window); err != nil {
			return Result{}, fmt.Errorf("rate limit expire failed: %w", err)
		}
	}

	return Result{Allowed: true, Count: count, ResetIn: window}, nil
}
