// Package webshop declares the narrow client surface the core needs from
// the webshop REST API. The real transport lives outside the core; tests
// and TESTING mode use the in-memory stub.
package webshop

import (
	"context"
	"time"
)

// Product is the webshop's product record as the core sees it.
type Product struct {
	ID         int64   `json:"id"`
	SKU        string  `json:"sku"`
	Name       string  `json:"name"`
	CategoryID int64   `json:"category_id"`
	Price      float64 `json:"price"`
	Stock      int     `json:"stock"`
}

// Order is a webshop order summary.
type Order struct {
	ID        int64     `json:"id"`
	UserID    string    `json:"user_id"`
	Status    string    `json:"status"`
	Total     float64   `json:"total"`
	CreatedAt time.Time `json:"created_at"`
}

// Cart is an open shopping cart.
type Cart struct {
	CartID       string     `json:"cart_id"`
	UserID       string     `json:"user_id"`
	TotalValue   float64    `json:"total_value"`
	Items        []CartItem `json:"items"`
	LastActivity time.Time  `json:"last_activity"`
}

// CartItem is one line of a cart.
type CartItem struct {
	ProductID int64   `json:"product_id"`
	Name      string  `json:"name"`
	Quantity  int     `json:"quantity"`
	UnitPrice float64 `json:"unit_price"`
}

// Client is everything the core calls on the webshop.
type Client interface {
	FetchProducts(ctx context.Context) ([]Product, error)
	FetchInventory(ctx context.Context) (map[int64]int, error)
	FetchPrices(ctx context.Context) (map[int64]float64, error)
	FetchOrders(ctx context.Context, since time.Time) ([]Order, error)
	ActiveCarts(ctx context.Context) ([]Cart, error)
}
