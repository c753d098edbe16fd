package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/sony/gobreaker"

	"github.com/chatbuddy-io/chatbuddy/internal/bus"
	"github.com/chatbuddy-io/chatbuddy/internal/cache"
	. "github.com/chatbuddy-io/chatbuddy/internal/logging"
	"github.com/chatbuddy-io/chatbuddy/internal/webshop"
)

// SyncExecutors builds the webshop sync executors. Webshop calls go through
// a shared circuit breaker so a flapping shop API cannot hammer every job.
type SyncExecutors struct {
	shop    webshop.Client
	store   cache.Store
	bus     *bus.Bus
	breaker *gobreaker.CircuitBreaker
}

// NewSyncExecutors wires executors against the webshop client.
func NewSyncExecutors(shop webshop.Client, store cache.Store, b *bus.Bus) *SyncExecutors {
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "webshop",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			L_warn("scheduler: webshop breaker state change", "from", from.String(), "to", to.String())
		},
	})
	return &SyncExecutors{shop: shop, store: store, bus: b, breaker: breaker}
}

// RegisterAll binds every sync executor on the scheduler.
func (e *SyncExecutors) RegisterAll(s *Scheduler) {
	s.RegisterExecutor(KindProductSync, e.ProductSync)
	s.RegisterExecutor(KindInventorySync, e.InventorySync)
	s.RegisterExecutor(KindPriceSync, e.PriceSync)
	s.RegisterExecutor(KindOrderSync, e.OrderSync)
	s.RegisterExecutor(KindFullSync, e.FullSync)
}

func (e *SyncExecutors) guard(fn func() (any, error)) (any, error) {
	return e.breaker.Execute(fn)
}

// ProductSync caches the full product catalog and publishes update events.
func (e *SyncExecutors) ProductSync(ctx context.Context) (map[string]any, error) {
	res, err := e.guard(func() (any, error) { return e.shop.FetchProducts(ctx) })
	if err != nil {
		return nil, fmt.Errorf("product sync: %w", err)
	}
	products := res.([]webshop.Product)

	for _, p := range products {
		key := fmt.Sprintf("product:%d", p.ID)
		if err := e.store.Set(ctx, key, p, cache.NSProductInfo, 0); err != nil {
			return nil, fmt.Errorf("product sync: cache %s: %w", key, err)
		}
		e.publish(bus.EventProductUpdated, map[string]any{"product_id": p.ID, "sku": p.SKU})
	}
	return map[string]any{"products": len(products)}, nil
}

// InventorySync caches current stock levels.
func (e *SyncExecutors) InventorySync(ctx context.Context) (map[string]any, error) {
	res, err := e.guard(func() (any, error) { return e.shop.FetchInventory(ctx) })
	if err != nil {
		return nil, fmt.Errorf("inventory sync: %w", err)
	}
	inventory := res.(map[int64]int)

	for id, stock := range inventory {
		key := fmt.Sprintf("stock:%d", id)
		if err := e.store.Set(ctx, key, stock, cache.NSProductInfo, 0); err != nil {
			return nil, fmt.Errorf("inventory sync: cache %s: %w", key, err)
		}
		e.publish(bus.EventInventoryChanged, map[string]any{"product_id": id, "stock": stock})
	}
	return map[string]any{"items": len(inventory)}, nil
}

// PriceSync caches current prices.
func (e *SyncExecutors) PriceSync(ctx context.Context) (map[string]any, error) {
	res, err := e.guard(func() (any, error) { return e.shop.FetchPrices(ctx) })
	if err != nil {
		return nil, fmt.Errorf("price sync: %w", err)
	}
	prices := res.(map[int64]float64)

	for id, price := range prices {
		key := fmt.Sprintf("price:%d", id)
		if err := e.store.Set(ctx, key, price, cache.NSProductInfo, 0); err != nil {
			return nil, fmt.Errorf("price sync: cache %s: %w", key, err)
		}
		e.publish(bus.EventPriceChanged, map[string]any{"product_id": id, "price": price})
	}
	return map[string]any{"items": len(prices)}, nil
}

// OrderSync ingests orders created in the last day.
func (e *SyncExecutors) OrderSync(ctx context.Context) (map[string]any, error) {
	since := time.Now().Add(-24 * time.Hour)
	res, err := e.guard(func() (any, error) { return e.shop.FetchOrders(ctx, since) })
	if err != nil {
		return nil, fmt.Errorf("order sync: %w", err)
	}
	orders := res.([]webshop.Order)

	for _, o := range orders {
		e.publish(bus.EventOrderCreated, map[string]any{
			"order_id": o.ID, "user_id": o.UserID, "status": o.Status,
		})
	}
	return map[string]any{"orders": len(orders)}, nil
}

// FullSync runs the four syncs sequentially and aggregates results. A
// failing component is recorded but does not abort the rest; the composite
// fails only when every component fails.
func (e *SyncExecutors) FullSync(ctx context.Context) (map[string]any, error) {
	components := []struct {
		name string
		fn   Executor
	}{
		{"product", e.ProductSync},
		{"inventory", e.InventorySync},
		{"price", e.PriceSync},
		{"order", e.OrderSync},
	}

	result := make(map[string]any, len(components))
	failures := 0
	for _, c := range components {
		out, err := c.fn(ctx)
		if err != nil {
			failures++
			result[c.name] = map[string]any{"error": err.Error()}
			L_warn("scheduler: full sync component failed", "component", c.name, "error", err)
			continue
		}
		result[c.name] = out
	}

	if failures == len(components) {
		return result, fmt.Errorf("full sync: all %d components failed", failures)
	}
	result["failed_components"] = failures
	return result, nil
}

func (e *SyncExecutors) publish(t bus.EventType, payload map[string]any) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(bus.Event{Type: t, Payload: payload, Source: "sync"})
}
