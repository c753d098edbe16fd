package agents

import (
	"context"
	"fmt"
	"sync"

	. "github.com/chatbuddy-io/chatbuddy/internal/logging"
)

// Registry maps handler kinds to handlers. Registration happens at startup;
// lookups are concurrent.
type Registry struct {
	mu       sync.RWMutex
	handlers map[Kind]Handler
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[Kind]Handler)}
}

// NewDefaultRegistry registers the five built-in handlers.
func NewDefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(NewProductHandler())
	r.Register(NewOrderHandler())
	r.Register(NewRecommendationHandler())
	r.Register(NewMarketingHandler())
	r.Register(NewGeneralHandler())
	return r
}

// Register adds a handler, replacing any previous one of the same kind.
func (r *Registry) Register(h Handler) {
	r.mu.Lock()
	r.handlers[h.Kind()] = h
	r.mu.Unlock()
	L_debug("agents: handler registered", "kind", string(h.Kind()), "name", h.Name())
}

// Get returns the handler for a kind.
func (r *Registry) Get(kind Kind) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[kind]
	return h, ok
}

// Dispatch invokes the handler for kind with panic recovery. A panicking
// handler yields a zero-confidence response instead of taking the turn down.
func (r *Registry) Dispatch(ctx context.Context, kind Kind, msg Message, deps Deps) (resp Response) {
	h, ok := r.Get(kind)
	if !ok {
		return ErrorResponse(kind, "unknown_handler",
			"Sajnálom, jelenleg nem tudok ebben segíteni.")
	}

	defer func() {
		if rec := recover(); rec != nil {
			L_error("agents: handler panic", "kind", string(kind), "panic", fmt.Sprintf("%v", rec))
			resp = ErrorResponse(kind, "panic",
				"Sajnálom, hiba történt a kérés feldolgozása közben.")
		}
	}()

	resp = h.Handle(ctx, msg, deps)
	// The handler kind is part of the contract; a handler may not reroute.
	resp.HandlerKind = kind
	return resp
}

// Descriptors returns every registered handler's tool descriptors keyed by
// kind, for the external LLM layer.
func (r *Registry) Descriptors() map[Kind][]Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[Kind][]Descriptor, len(r.handlers))
	for kind, h := range r.handlers {
		out[kind] = h.Descriptors()
	}
	return out
}
