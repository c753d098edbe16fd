package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/chatbuddy-io/chatbuddy/internal/cache"
)

func limiters(t *testing.T) map[string]*Limiter {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	pool := cache.NewPoolWithClient(client, cache.DefaultPoolConfig())
	t.Cleanup(func() { pool.Close() })

	return map[string]*Limiter{
		"redis":  New(pool, nil),
		"memory": New(cache.NewMemoryStore(), nil),
	}
}

func TestWindowAllowance(t *testing.T) {
	ctx := context.Background()
	for name, l := range limiters(t) {
		allowed := 0
		for i := 0; i < 5; i++ {
			res, err := l.CheckLimit(ctx, "u1", ScopeUser, 2, time.Minute)
			if err != nil {
				t.Fatalf("%s: check %d: %v", name, i, err)
			}
			if res.Allowed {
				allowed++
			}
		}
		// The documented Incr/Expire race tolerates max+1.
		if allowed < 2 || allowed > 3 {
			t.Errorf("%s: allowed %d of 5, want 2..3", name, allowed)
		}
	}
}

func TestDeniedResultShape(t *testing.T) {
	ctx := context.Background()
	for name, l := range limiters(t) {
		for i := 0; i < 2; i++ {
			if _, err := l.CheckLimit(ctx, "u2", ScopeUser, 2, time.Minute); err != nil {
				t.Fatal(err)
			}
		}
		res, err := l.CheckLimit(ctx, "u2", ScopeUser, 2, time.Minute)
		if err != nil {
			t.Fatal(err)
		}
		if res.Allowed {
			t.Errorf("%s: third request should be denied", name)
		}
		if res.Count < 2 {
			t.Errorf("%s: denied count = %d, want >= 2", name, res.Count)
		}
		if res.ResetIn != time.Minute {
			t.Errorf("%s: reset_in = %v, want 1m", name, res.ResetIn)
		}
	}
}

func TestScopesAreIndependent(t *testing.T) {
	ctx := context.Background()
	for name, l := range limiters(t) {
		for i := 0; i < 3; i++ {
			l.CheckLimit(ctx, "x", ScopeUser, 2, time.Minute)
		}
		res, err := l.CheckLimit(ctx, "x", ScopeIP, 2, time.Minute)
		if err != nil {
			t.Fatal(err)
		}
		if !res.Allowed {
			t.Errorf("%s: ip scope polluted by user scope", name)
		}
	}
}

func TestWindowResets(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	pool := cache.NewPoolWithClient(client, cache.DefaultPoolConfig())
	defer pool.Close()
	l := New(pool, nil)

	for i := 0; i < 2; i++ {
		l.CheckLimit(ctx, "u3", ScopeUser, 2, time.Minute)
	}
	if res, _ := l.CheckLimit(ctx, "u3", ScopeUser, 2, time.Minute); res.Allowed {
		t.Fatal("expected denial before window reset")
	}

	mr.FastForward(2 * time.Minute)

	res, err := l.CheckLimit(ctx, "u3", ScopeUser, 2, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Allowed || res.Count != 1 {
		t.Errorf("window did not reset: %+v", res)
	}
}

func TestDefaultScopes(t *testing.T) {
	ctx := context.Background()
	for name, l := range limiters(t) {
		res, err := l.Check(ctx, "u1", ScopeUser)
		if err != nil || !res.Allowed {
			t.Errorf("%s: default user check failed: %+v %v", name, res, err)
		}
		if _, err := l.Check(ctx, "u1", Scope("bogus")); err == nil {
			t.Errorf("%s: unknown scope must error", name)
		}
	}
}
