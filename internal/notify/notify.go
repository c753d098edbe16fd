// Package notify declares the outbound email and SMS surfaces used by the
// marketing automation. Transports (SMTP, SMS gateway) live outside the
// core; the recording stubs serve tests and TESTING mode.
package notify

import (
	"context"
	"sync"
)

// EmailSender delivers a templated email to one recipient.
type EmailSender interface {
	SendEmail(ctx context.Context, userID, template string, data map[string]any) error
}

// SMSSender delivers a templated SMS to one recipient.
type SMSSender interface {
	SendSMS(ctx context.Context, userID, template string, data map[string]any) error
}

// Sent is one recorded delivery.
type Sent struct {
	UserID   string
	Template string
	Data     map[string]any
}

// StubSender records deliveries instead of sending them.
type StubSender struct {
	mu     sync.Mutex
	emails []Sent
	sms    []Sent
	err    error
}

// NewStubSender returns an empty recorder.
func NewStubSender() *StubSender { return &StubSender{} }

// Fail makes subsequent sends return err (nil to clear).
func (s *StubSender) Fail(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

func (s *StubSender) SendEmail(_ context.Context, userID, template string, data map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.emails = append(s.emails, Sent{UserID: userID, Template: template, Data: data})
	return nil
}

func (s *StubSender) SendSMS(_ context.Context, userID, template string, data map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.sms = append(s.sms, Sent{UserID: userID, Template: template, Data: data})
	return nil
}

// Emails returns recorded email deliveries.
func (s *StubSender) Emails() []Sent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Sent, len(s.emails))
	copy(out, s.emails)
	return out
}

// SMS returns recorded SMS deliveries.
func (s *StubSender) SMS() []Sent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Sent, len(s.sms))
	copy(out, s.sms)
	return out
}

var (
	_ EmailSender = (*StubSender)(nil)
	_ SMSSender   = (*StubSender)(nil)
)
