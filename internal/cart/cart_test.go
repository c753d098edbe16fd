package cart

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/chatbuddy-io/chatbuddy/internal/cache"
	"github.com/chatbuddy-io/chatbuddy/internal/notify"
	"github.com/chatbuddy-io/chatbuddy/internal/webshop"
)

func fixture(t *testing.T, cfg Settings) (*Coordinator, *webshop.StubClient, *notify.StubSender, *cache.MemoryStore) {
	t.Helper()
	shop := webshop.NewStubClient()
	sender := notify.NewStubSender()
	store := cache.NewMemoryStore()
	c := New(cfg, shop, store, sender, sender, nil)
	t.Cleanup(c.Close)
	return c, shop, sender, store
}

func abandonedCart(id, user string, value float64, idle time.Duration) webshop.Cart {
	return webshop.Cart{
		CartID:       id,
		UserID:       user,
		TotalValue:   value,
		Items:        []webshop.CartItem{{ProductID: 1, Name: "Teszt", Quantity: 1, UnitPrice: value}},
		LastActivity: time.Now().Add(-idle),
	}
}

func TestDetectCreatesRecord(t *testing.T) {
	cfg := DefaultSettings()
	c, shop, _, _ := fixture(t, cfg)
	ctx := context.Background()

	shop.SetCarts([]webshop.Cart{
		abandonedCart("c1", "u1", 9000, time.Hour),       // abandoned
		abandonedCart("c2", "u2", 1000, time.Hour),       // below value threshold
		abandonedCart("c3", "u3", 9000, 5*time.Minute),   // still active
	})

	result, err := c.Detect(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if result["detected"] != 1 {
		t.Errorf("expected 1 detection, got %v", result["detected"])
	}

	record, err := c.Get(ctx, "c1")
	if err != nil || record == nil {
		t.Fatalf("record missing: %v", err)
	}
	if record.UserID != "u1" || record.TotalValue != 9000 || record.EmailSent {
		t.Errorf("record wrong: %+v", record)
	}
	if r, _ := c.Get(ctx, "c2"); r != nil {
		t.Error("low-value cart should not be recorded")
	}
	if r, _ := c.Get(ctx, "c3"); r != nil {
		t.Error("active cart should not be recorded")
	}
}

func TestDetectIdempotent(t *testing.T) {
	c, shop, _, _ := fixture(t, DefaultSettings())
	ctx := context.Background()
	shop.SetCarts([]webshop.Cart{abandonedCart("c1", "u1", 9000, time.Hour)})

	if _, err := c.Detect(ctx); err != nil {
		t.Fatal(err)
	}
	result, err := c.Detect(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if result["detected"] != 0 {
		t.Errorf("second pass must not re-detect, got %v", result["detected"])
	}
}

func TestEmailFollowUpOnce(t *testing.T) {
	c, shop, sender, _ := fixture(t, DefaultSettings())
	ctx := context.Background()
	shop.SetCarts([]webshop.Cart{abandonedCart("c1", "u1", 9000, time.Hour)})
	if _, err := c.Detect(ctx); err != nil {
		t.Fatal(err)
	}

	if err := c.SendEmailFollowUp(ctx, "c1"); err != nil {
		t.Fatal(err)
	}
	// Second dispatch is a no-op success.
	if err := c.SendEmailFollowUp(ctx, "c1"); err != nil {
		t.Fatal(err)
	}

	if got := len(sender.Emails()); got != 1 {
		t.Errorf("email must be sent at most once, got %d", got)
	}
	record, _ := c.Get(ctx, "c1")
	if !record.EmailSent || record.FollowUpCount != 1 {
		t.Errorf("record not updated: %+v", record)
	}
}

func TestSMSRequiresEmailFirst(t *testing.T) {
	c, shop, sender, _ := fixture(t, DefaultSettings())
	ctx := context.Background()
	shop.SetCarts([]webshop.Cart{abandonedCart("c1", "u1", 9000, time.Hour)})
	if _, err := c.Detect(ctx); err != nil {
		t.Fatal(err)
	}

	if err := c.SendSMSFollowUp(ctx, "c1"); err != nil {
		t.Fatal(err)
	}
	if len(sender.SMS()) != 0 {
		t.Error("sms must not go out before the email")
	}

	if err := c.SendEmailFollowUp(ctx, "c1"); err != nil {
		t.Fatal(err)
	}
	if err := c.SendSMSFollowUp(ctx, "c1"); err != nil {
		t.Fatal(err)
	}
	if err := c.SendSMSFollowUp(ctx, "c1"); err != nil {
		t.Fatal(err)
	}

	if got := len(sender.SMS()); got != 1 {
		t.Errorf("sms must be sent at most once, got %d", got)
	}
	record, _ := c.Get(ctx, "c1")
	if record.FollowUpCount != 2 {
		t.Errorf("follow_up_count should be 2, got %d", record.FollowUpCount)
	}
}

func TestRecoveredCartSkipsFollowUps(t *testing.T) {
	c, shop, sender, _ := fixture(t, DefaultSettings())
	ctx := context.Background()
	shop.SetCarts([]webshop.Cart{abandonedCart("c1", "u1", 9000, time.Hour)})
	if _, err := c.Detect(ctx); err != nil {
		t.Fatal(err)
	}
	if err := c.MarkRecovered(ctx, "c1"); err != nil {
		t.Fatal(err)
	}

	if err := c.SendEmailFollowUp(ctx, "c1"); err != nil {
		t.Fatal(err)
	}
	if len(sender.Emails()) != 0 {
		t.Error("recovered cart must not get follow-ups")
	}
}

func TestSendFailureLeavesFlagUnset(t *testing.T) {
	c, shop, sender, _ := fixture(t, DefaultSettings())
	ctx := context.Background()
	shop.SetCarts([]webshop.Cart{abandonedCart("c1", "u1", 9000, time.Hour)})
	if _, err := c.Detect(ctx); err != nil {
		t.Fatal(err)
	}

	sender.Fail(errors.New("smtp down"))
	if err := c.SendEmailFollowUp(ctx, "c1"); err == nil {
		t.Fatal("expected send error")
	}
	record, _ := c.Get(ctx, "c1")
	if record.EmailSent {
		t.Error("failed send must not mark the record")
	}

	// Retry succeeds after the transport recovers.
	sender.Fail(nil)
	if err := c.SendEmailFollowUp(ctx, "c1"); err != nil {
		t.Fatal(err)
	}
	if len(sender.Emails()) != 1 {
		t.Errorf("expected one delivered email, got %d", len(sender.Emails()))
	}
}

func TestTimedFollowUps(t *testing.T) {
	cfg := DefaultSettings()
	cfg.EmailDelay = 20 * time.Millisecond
	cfg.SMSDelay = 50 * time.Millisecond
	c, shop, sender, _ := fixture(t, cfg)

	shop.SetCarts([]webshop.Cart{abandonedCart("c1", "u1", 9000, time.Hour)})
	if _, err := c.Detect(context.Background()); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(sender.Emails()) == 1 && len(sender.SMS()) == 1 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed follow-ups not delivered: emails=%d sms=%d",
		len(sender.Emails()), len(sender.SMS()))
}
