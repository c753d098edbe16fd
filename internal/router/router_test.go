package router

import (
	"context"
	"testing"
	"time"

	"github.com/chatbuddy-io/chatbuddy/internal/agents"
	"github.com/chatbuddy-io/chatbuddy/internal/audit"
	"github.com/chatbuddy-io/chatbuddy/internal/cache"
	"github.com/chatbuddy-io/chatbuddy/internal/intent"
	"github.com/chatbuddy-io/chatbuddy/internal/ratelimit"
	"github.com/chatbuddy-io/chatbuddy/internal/respcache"
	"github.com/chatbuddy-io/chatbuddy/internal/session"
	"github.com/chatbuddy-io/chatbuddy/internal/webshop"
)

// countingHandler wraps a handler and counts invocations.
type countingHandler struct {
	agents.Handler
	calls int
}

func (h *countingHandler) Handle(ctx context.Context, msg agents.Message, deps agents.Deps) agents.Response {
	h.calls++
	return h.Handler.Handle(ctx, msg, deps)
}

type fixture struct {
	router  *Router
	store   *cache.MemoryStore
	backend *audit.MemoryBackend
	auditor *audit.Logger
	product *countingHandler
	mkt     *countingHandler
	shop    *webshop.StubClient
	limits  map[ratelimit.Scope]ratelimit.Limit
}

func newFixture(t *testing.T, opts Options, limits map[ratelimit.Scope]ratelimit.Limit) *fixture {
	t.Helper()
	store := cache.NewMemoryStore()
	backend := audit.NewMemoryBackend()
	auditor := audit.New(backend, 64)
	t.Cleanup(func() { _ = auditor.Close() })

	shop := webshop.NewStubClient()
	shop.SetProducts([]webshop.Product{
		{ID: 1, SKU: "PHN-1", Name: "Pixel 9", CategoryID: 10, Price: 299990, Stock: 12},
	})

	product := &countingHandler{Handler: agents.NewProductHandler()}
	mkt := &countingHandler{Handler: agents.NewMarketingHandler()}
	registry := agents.NewDefaultRegistry()
	registry.Register(product)
	registry.Register(mkt)

	r := New(
		session.NewStore(store),
		ratelimit.New(store, limits),
		intent.New(),
		respcache.New(store),
		registry,
		store,
		shop,
		auditor,
		opts,
	)
	return &fixture{router: r, store: store, backend: backend, auditor: auditor,
		product: product, mkt: mkt, shop: shop, limits: limits}
}

func auditRecords(t *testing.T, f *fixture) []audit.Event {
	t.Helper()
	// Drain the audit buffer.
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		evs := f.backend.Events()
		stable := true
		time.Sleep(10 * time.Millisecond)
		if len(f.backend.Events()) != len(evs) {
			stable = false
		}
		if stable {
			return evs
		}
	}
	return f.backend.Events()
}

func TestRouteProductQuestion(t *testing.T) {
	f := newFixture(t, Options{}, nil)
	resp := f.router.Route(context.Background(), "Milyen telefonok vannak?", "u1", "s1", nil)

	if resp.HandlerKind != agents.KindProduct {
		t.Errorf("wrong handler kind: %s", resp.HandlerKind)
	}
	if resp.Confidence < 0.7 {
		t.Errorf("confidence too low: %f", resp.Confidence)
	}
	if f.product.calls != 1 {
		t.Errorf("product handler should run exactly once, ran %d", f.product.calls)
	}

	// The response must be cached under its fingerprint.
	fp := respcache.Fingerprint(agents.KindProduct, "Milyen telefonok vannak?", "u1", nil)
	exists, err := f.store.Exists(context.Background(), fp, cache.NSAgentResponse)
	if err != nil || !exists {
		t.Errorf("response not cached: exists=%v err=%v", exists, err)
	}

	evs := auditRecords(t, f)
	if len(evs) != 1 {
		t.Fatalf("expected exactly one audit record, got %d", len(evs))
	}
	if evs[0].Subsystem != "router" {
		t.Errorf("wrong audit subsystem: %s", evs[0].Subsystem)
	}
}

func TestRouteOrderIDEntity(t *testing.T) {
	f := newFixture(t, Options{}, nil)
	resp := f.router.Route(context.Background(), "#1234567", "u1", "s1", nil)

	if resp.HandlerKind != agents.KindOrder {
		t.Errorf("order id should route to order handler, got %s", resp.HandlerKind)
	}
	if resp.Metadata["order_id"] != "1234567" {
		t.Errorf("order_id entity not propagated: %+v", resp.Metadata)
	}
}

func TestRouteSecondCallServedFromCache(t *testing.T) {
	f := newFixture(t, Options{}, nil)
	ctx := context.Background()

	first := f.router.Route(ctx, "Van kedvezmény?", "u1", "s1", nil)
	second := f.router.Route(ctx, "Van kedvezmény?", "u1", "s1", nil)

	if first.Text != second.Text || first.HandlerKind != second.HandlerKind {
		t.Errorf("cached response differs: %+v vs %+v", first, second)
	}
	if f.mkt.calls != 1 {
		t.Errorf("second call must not invoke the handler, calls=%d", f.mkt.calls)
	}
	if f.store.Metrics().Hits < 1 {
		t.Errorf("expected cache hits >= 1, got %d", f.store.Metrics().Hits)
	}

	evs := auditRecords(t, f)
	if len(evs) != 2 {
		t.Fatalf("expected two audit records, got %d", len(evs))
	}
	hit, ok := evs[1].Payload["cache_hit"].(bool)
	if !ok || !hit {
		t.Errorf("second audit record should mark cache_hit: %+v", evs[1].Payload)
	}
}

func TestRouteRateLimited(t *testing.T) {
	limits := map[ratelimit.Scope]ratelimit.Limit{
		ratelimit.ScopeUser: {Max: 2, Window: time.Minute},
		ratelimit.ScopeIP:   {Max: 100, Window: time.Minute},
	}
	f := newFixture(t, Options{}, limits)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		// Distinct messages so the response cache cannot answer.
		resp := f.router.Route(ctx, "Milyen telefonok vannak?"+string(rune('a'+i)), "u1", "s1", nil)
		if resp.Confidence == 0 {
			t.Fatalf("call %d unexpectedly refused: %+v", i+1, resp)
		}
	}

	resp := f.router.Route(ctx, "Milyen telefonok vannak most?", "u1", "s1", nil)
	if resp.Confidence != 0 {
		t.Errorf("third call should be refused, got confidence %f", resp.Confidence)
	}
	if resp.Metadata["error_type"] != "rate_limit_exceeded" {
		t.Errorf("wrong refusal metadata: %+v", resp.Metadata)
	}
	if resp.Text != refusalText {
		t.Errorf("refusal must use the canned text, got %q", resp.Text)
	}
	if f.product.calls != 2 {
		t.Errorf("refused turn must not reach a handler, calls=%d", f.product.calls)
	}

	evs := auditRecords(t, f)
	if len(evs) != 3 {
		t.Errorf("every exit path writes one audit record, got %d", len(evs))
	}
}

// slowHandler blocks until its context is cancelled.
type slowHandler struct{}

func (slowHandler) Name() string              { return "slow" }
func (slowHandler) Kind() agents.Kind         { return agents.KindGeneral }
func (slowHandler) SystemPrompt() string      { return "x" }
func (slowHandler) Descriptors() []agents.Descriptor { return nil }
func (slowHandler) Handle(ctx context.Context, _ agents.Message, _ agents.Deps) agents.Response {
	<-ctx.Done()
	return agents.Response{Text: "late", Confidence: 0.9, HandlerKind: agents.KindGeneral}
}

func TestRouteHandlerTimeout(t *testing.T) {
	f := newFixture(t, Options{HandlerTimeout: 50 * time.Millisecond}, nil)
	// Replace the general handler with one that never finishes in time.
	reg := agents.NewDefaultRegistry()
	reg.Register(slowHandler{})
	f.router.registry = reg

	resp := f.router.Route(context.Background(), "Szia!", "u1", "s1", nil)
	if resp.Text != timeoutText {
		t.Errorf("expected canned timeout text, got %q", resp.Text)
	}
	if resp.Confidence != 0 {
		t.Errorf("timeout response must have confidence 0, got %f", resp.Confidence)
	}
	if resp.HandlerKind != agents.KindGeneral {
		t.Errorf("timeout must preserve the classifier's kind, got %s", resp.HandlerKind)
	}
}

func TestRouteSessionCreatedOnFirstContact(t *testing.T) {
	f := newFixture(t, Options{}, nil)
	ctx := context.Background()

	f.router.Route(ctx, "Szia!", "u7", "", nil)

	sessions, err := session.NewStore(f.store).GetUserSessions(ctx, "u7")
	if err != nil {
		t.Fatal(err)
	}
	if len(sessions) != 1 {
		t.Errorf("expected one created session, got %d", len(sessions))
	}
}

func TestRouteCacheFailureFallsThrough(t *testing.T) {
	// A handler failure response (confidence 0) must not be cached.
	f := newFixture(t, Options{}, nil)
	ctx := context.Background()

	f.shop.FailNext("FetchProducts", context.DeadlineExceeded)
	resp := f.router.Route(ctx, "Milyen telefonok kaphatók?", "u1", "s1", nil)
	if resp.Confidence != 0 {
		t.Fatalf("expected degraded response, got %+v", resp)
	}

	fp := respcache.Fingerprint(agents.KindProduct, "Milyen telefonok kaphatók?", "u1", nil)
	exists, _ := f.store.Exists(ctx, fp, cache.NSAgentResponse)
	if exists {
		t.Error("zero-confidence responses must not be cached")
	}

	// Retry succeeds and runs the handler again.
	resp = f.router.Route(ctx, "Milyen telefonok kaphatók?", "u1", "s1", nil)
	if resp.Confidence == 0 {
		t.Errorf("retry should succeed: %+v", resp)
	}
	if f.product.calls != 2 {
		t.Errorf("handler should have run twice, ran %d", f.product.calls)
	}
}
