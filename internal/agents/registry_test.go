package agents

import (
	"context"
	"testing"

	"github.com/chatbuddy-io/chatbuddy/internal/cache"
	"github.com/chatbuddy-io/chatbuddy/internal/webshop"
)

func testDeps() Deps {
	shop := webshop.NewStubClient()
	shop.SetProducts([]webshop.Product{
		{ID: 1, SKU: "PHN-1", Name: "Pixel 9", CategoryID: 10, Price: 299990, Stock: 12},
		{ID: 2, SKU: "PHN-2", Name: "Galaxy S25", CategoryID: 10, Price: 349990, Stock: 3},
	})
	return Deps{
		UserContext: map[string]any{},
		Persistence: cache.NewMemoryStore(),
		Webshop:     shop,
	}
}

func TestDefaultRegistryHasAllKinds(t *testing.T) {
	r := NewDefaultRegistry()
	for _, kind := range Kinds() {
		h, ok := r.Get(kind)
		if !ok {
			t.Fatalf("missing handler for kind %s", kind)
		}
		if h.Kind() != kind {
			t.Errorf("handler %s reports kind %s", h.Name(), h.Kind())
		}
		if kind != KindGeneral && len(h.Descriptors()) == 0 {
			t.Errorf("handler %s has no tool descriptors", h.Name())
		}
		if h.SystemPrompt() == "" {
			t.Errorf("handler %s has no system prompt", h.Name())
		}
	}
}

func TestDispatchKeepsHandlerKind(t *testing.T) {
	r := NewDefaultRegistry()
	resp := r.Dispatch(context.Background(), KindProduct,
		Message{Text: "Milyen telefonok vannak?", UserID: "u1"}, testDeps())

	if resp.HandlerKind != KindProduct {
		t.Errorf("handler kind changed mid-flight: %s", resp.HandlerKind)
	}
	if resp.Confidence < 0.7 {
		t.Errorf("expected confident product answer, got %f", resp.Confidence)
	}
	if resp.Text == "" {
		t.Error("empty response text")
	}
}

func TestDispatchUnknownKind(t *testing.T) {
	r := NewRegistry()
	resp := r.Dispatch(context.Background(), KindOrder, Message{}, Deps{})
	if resp.Confidence != 0 {
		t.Errorf("unknown handler must yield confidence 0, got %f", resp.Confidence)
	}
	if resp.Metadata["error_type"] != "unknown_handler" {
		t.Errorf("missing error_type: %+v", resp.Metadata)
	}
}

type panickingHandler struct{}

func (panickingHandler) Name() string             { return "boom" }
func (panickingHandler) Kind() Kind               { return KindGeneral }
func (panickingHandler) SystemPrompt() string     { return "" }
func (panickingHandler) Descriptors() []Descriptor { return nil }
func (panickingHandler) Handle(context.Context, Message, Deps) Response {
	panic("kaboom")
}

func TestDispatchRecoversPanic(t *testing.T) {
	r := NewRegistry()
	r.Register(panickingHandler{})

	resp := r.Dispatch(context.Background(), KindGeneral, Message{Text: "hi"}, Deps{})
	if resp.Confidence != 0 {
		t.Errorf("panic must yield confidence 0, got %f", resp.Confidence)
	}
	if resp.Metadata["error_type"] != "panic" {
		t.Errorf("expected panic error_type, got %+v", resp.Metadata)
	}
	if resp.HandlerKind != KindGeneral {
		t.Errorf("handler kind lost after panic: %s", resp.HandlerKind)
	}
}

func TestOrderHandlerUsesEntities(t *testing.T) {
	h := NewOrderHandler()
	resp := h.Handle(context.Background(), Message{
		Text:     "Hol a csomagom? GLS12345678",
		Entities: map[string]string{"tracking_number": "GLS12345678"},
	}, testDeps())

	if resp.Confidence != 0.9 {
		t.Errorf("tracking lookup should be confident, got %f", resp.Confidence)
	}
	if resp.Metadata["tracking_number"] != "GLS12345678" {
		t.Errorf("tracking number not in metadata: %+v", resp.Metadata)
	}
}

func TestHandlersDegradeOnWebshopFailure(t *testing.T) {
	deps := testDeps()
	stub := deps.Webshop.(*webshop.StubClient)
	stub.FailNext("FetchProducts", context.DeadlineExceeded)

	resp := NewProductHandler().Handle(context.Background(),
		Message{Text: "Milyen telefonok vannak?"}, deps)
	if resp.Confidence != 0 {
		t.Errorf("webshop failure must degrade to confidence 0, got %f", resp.Confidence)
	}
	if resp.Metadata["error_type"] != "persistence_unavailable" {
		t.Errorf("wrong error_type: %+v", resp.Metadata)
	}
}
