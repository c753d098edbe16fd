// Package agents defines the uniform handler contract and the five
// specialized response producers.
package agents

import (
	"context"

	"github.com/chatbuddy-io/chatbuddy/internal/audit"
	"github.com/chatbuddy-io/chatbuddy/internal/cache"
	"github.com/chatbuddy-io/chatbuddy/internal/webshop"
)

// Kind tags a handler variant. Variants are distinguished by this tag, not
// by type identity.
type Kind string

const (
	KindProduct        Kind = "product"
	KindOrder          Kind = "order"
	KindRecommendation Kind = "recommendation"
	KindMarketing      Kind = "marketing"
	KindGeneral        Kind = "general"
)

// Kinds lists every handler kind in precedence order.
func Kinds() []Kind {
	return []Kind{KindMarketing, KindRecommendation, KindOrder, KindProduct, KindGeneral}
}

// Message is one user turn as the handlers see it.
type Message struct {
	Text      string
	UserID    string
	SessionID string
	// Entities extracted by the classifier (order_id, tracking_number, ...).
	Entities map[string]string
	// Context is the caller-provided user context for this turn.
	Context map[string]any
}

// Response is the immutable result of one handler invocation.
type Response struct {
	Text        string         `json:"text"`
	Confidence  float64        `json:"confidence"`
	HandlerKind Kind           `json:"handler_kind"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// SecurityContext carries the caller's identity claims into handlers.
type SecurityContext struct {
	UserID        string
	Authenticated bool
	Roles         []string
}

// Deps is the dependency bundle every handler receives per call.
type Deps struct {
	UserContext map[string]any
	Persistence cache.Store
	Webshop     webshop.Client
	Security    SecurityContext
	Audit       *audit.Logger
}

// Descriptor describes one tool a handler exposes to the LLM layer.
// The router treats these as opaque.
type Descriptor struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema,omitempty"`
}

// Handler is the uniform capability each specialized agent implements.
// Handle must not panic; internal failures become a Response with
// Confidence 0 and metadata["error_type"] set.
type Handler interface {
	Name() string
	Kind() Kind
	SystemPrompt() string
	Descriptors() []Descriptor
	Handle(ctx context.Context, msg Message, deps Deps) Response
}

// ErrorResponse builds the degraded response for a failed handler call.
func ErrorResponse(kind Kind, errorType, text string) Response {
	return Response{
		Text:        text,
		Confidence:  0,
		HandlerKind: kind,
		Metadata:    map[string]any{"error_type": errorType},
	}
}
