package webshop

import (
	"context"
	"sync"
	"time"
)

// StubClient is the in-memory webshop used in TESTING mode and in tests.
// All fields can be swapped at runtime; calls count for assertions.
type StubClient struct {
	mu        sync.Mutex
	products  []Product
	inventory map[int64]int
	prices    map[int64]float64
	orders    []Order
	carts     []Cart

	callCounts map[string]int
	failNext   map[string]error
}

// NewStubClient returns an empty stub.
func NewStubClient() *StubClient {
	return &StubClient{
		inventory:  map[int64]int{},
		prices:     map[int64]float64{},
		callCounts: map[string]int{},
		failNext:   map[string]error{},
	}
}

// SetProducts replaces the product list.
func (c *StubClient) SetProducts(ps []Product) {
	c.mu.Lock()
	c.products = ps
	c.mu.Unlock()
}

// SetInventory replaces the stock map.
func (c *StubClient) SetInventory(inv map[int64]int) {
	c.mu.Lock()
	c.inventory = inv
	c.mu.Unlock()
}

// SetPrices replaces the price map.
func (c *StubClient) SetPrices(prices map[int64]float64) {
	c.mu.Lock()
	c.prices = prices
	c.mu.Unlock()
}

// SetCarts replaces the open cart list.
func (c *StubClient) SetCarts(carts []Cart) {
	c.mu.Lock()
	c.carts = carts
	c.mu.Unlock()
}

// SetOrders replaces the order list.
func (c *StubClient) SetOrders(orders []Order) {
	c.mu.Lock()
	c.orders = orders
	c.mu.Unlock()
}

// FailNext makes the named call fail once with err.
func (c *StubClient) FailNext(call string, err error) {
	c.mu.Lock()
	c.failNext[call] = err
	c.mu.Unlock()
}

// Calls returns how many times the named call ran.
func (c *StubClient) Calls(call string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.callCounts[call]
}

func (c *StubClient) enter(call string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.callCounts[call]++
	if err, ok := c.failNext[call]; ok && err != nil {
		delete(c.failNext, call)
		return err
	}
	return nil
}

func (c *StubClient) FetchProducts(_ context.Context) ([]Product, error) {
	if err := c.enter("FetchProducts"); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Product, len(c.products))
	copy(out, c.products)
	return out, nil
}

func (c *StubClient) FetchInventory(_ context.Context) (map[int64]int, error) {
	if err := c.enter("FetchInventory"); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[int64]int, len(c.inventory))
	for k, v := range c.inventory {
		out[k] = v
	}
	return out, nil
}

func (c *StubClient) FetchPrices(_ context.Context) (map[int64]float64, error) {
	if err := c.enter("FetchPrices"); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[int64]float64, len(c.prices))
	for k, v := range c.prices {
		out[k] = v
	}
	return out, nil
}

func (c *StubClient) FetchOrders(_ context.Context, since time.Time) ([]Order, error) {
	if err := c.enter("FetchOrders"); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []Order
	for _, o := range c.orders {
		if o.CreatedAt.After(since) {
			out = append(out, o)
		}
	}
	return out, nil
}

func (c *StubClient) ActiveCarts(_ context.Context) ([]Cart, error) {
	if err := c.enter("ActiveCarts"); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Cart, len(c.carts))
	copy(out, c.carts)
	return out, nil
}

var _ Client = (*StubClient)(nil)
