package agents

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/chatbuddy-io/chatbuddy/internal/cache"
)

// The built-in handlers are thin: they resolve what they can from the cache
// and the webshop client and leave free-form generation to the external LLM
// layer, which consumes the system prompt and tool descriptors.

// productHandler answers product, price and availability questions.
type productHandler struct{}

func NewProductHandler() Handler { return &productHandler{} }

func (*productHandler) Name() string { return "product-agent" }
func (*productHandler) Kind() Kind   { return KindProduct }

func (*productHandler) SystemPrompt() string {
	return "Te a webshop termékszakértője vagy. Válaszolj pontosan a termékekkel, " +
		"árakkal és készlettel kapcsolatos kérdésekre. Ha nem találsz adatot, mondd meg őszintén."
}

func (*productHandler) Descriptors() []Descriptor {
	return []Descriptor{
		{Name: "search_products", Description: "Search the product catalog by name or category"},
		{Name: "get_product_details", Description: "Fetch full details for a product id"},
		{Name: "check_stock", Description: "Check current stock level for a product id"},
	}
}

func (h *productHandler) Handle(ctx context.Context, msg Message, deps Deps) Response {
	meta := map[string]any{"source": "catalog"}

	if pid, ok := msg.Entities["product_id"]; ok {
		var cached map[string]any
		found, err := deps.Persistence.GetJSON(ctx, "product:"+pid, cache.NSProductInfo, &cached)
		if err == nil && found {
			meta["product_id"] = pid
			return Response{
				Text: fmt.Sprintf("A keresett termék (%v) ára %v Ft, készleten: %v db.",
					cached["name"], cached["price"], cached["stock"]),
				Confidence:  0.9,
				HandlerKind: KindProduct,
				Metadata:    meta,
			}
		}
	}

	if deps.Webshop != nil {
		products, err := deps.Webshop.FetchProducts(ctx)
		if err != nil {
			return ErrorResponse(KindProduct, "persistence_unavailable",
				"Sajnálom, a termékadatok jelenleg nem érhetők el.")
		}
		if len(products) > 0 {
			names := make([]string, 0, 3)
			for i, p := range products {
				if i == 3 {
					break
				}
				names = append(names, p.Name)
			}
			meta["matches"] = len(products)
			return Response{
				Text: fmt.Sprintf("Néhány elérhető termékünk: %s. Miben segíthetek még?",
					strings.Join(names, ", ")),
				Confidence:  0.85,
				HandlerKind: KindProduct,
				Metadata:    meta,
			}
		}
	}

	return Response{
		Text:        "Szívesen segítek termékekkel kapcsolatban. Melyik termék érdekli?",
		Confidence:  0.7,
		HandlerKind: KindProduct,
		Metadata:    meta,
	}
}

// orderHandler answers order status and delivery tracking questions.
type orderHandler struct{}

func NewOrderHandler() Handler { return &orderHandler{} }

func (*orderHandler) Name() string { return "order-agent" }
func (*orderHandler) Kind() Kind   { return KindOrder }

func (*orderHandler) SystemPrompt() string {
	return "Te a webshop rendeléskezelő asszisztense vagy. Segíts a rendelések " +
		"státuszával, szállítással és csomagkövetéssel kapcsolatban."
}

func (*orderHandler) Descriptors() []Descriptor {
	return []Descriptor{
		{Name: "get_order_status", Description: "Look up an order by its id"},
		{Name: "track_shipment", Description: "Track a GLS or DPD shipment by tracking number"},
	}
}

func (h *orderHandler) Handle(ctx context.Context, msg Message, deps Deps) Response {
	meta := map[string]any{}

	if tn, ok := msg.Entities["tracking_number"]; ok {
		meta["tracking_number"] = tn
		return Response{
			Text:        fmt.Sprintf("A(z) %s követési számú csomag úton van. A futárszolgálat oldalán részletes státuszt talál.", tn),
			Confidence:  0.9,
			HandlerKind: KindOrder,
			Metadata:    meta,
		}
	}

	if oid, ok := msg.Entities["order_id"]; ok {
		meta["order_id"] = oid
		if deps.Webshop != nil {
			orders, err := deps.Webshop.FetchOrders(ctx, time.Time{})
			if err != nil {
				return ErrorResponse(KindOrder, "persistence_unavailable",
					"Sajnálom, a rendelési adatok jelenleg nem érhetők el.")
			}
			for _, o := range orders {
				if fmt.Sprintf("%d", o.ID) == oid {
					meta["status"] = o.Status
					return Response{
						Text:        fmt.Sprintf("A #%s rendelés státusza: %s.", oid, o.Status),
						Confidence:  0.9,
						HandlerKind: KindOrder,
						Metadata:    meta,
					}
				}
			}
		}
		return Response{
			Text:        fmt.Sprintf("A #%s rendelést nem találom. Kérem ellenőrizze a rendelésszámot.", oid),
			Confidence:  0.8,
			HandlerKind: KindOrder,
			Metadata:    meta,
		}
	}

	return Response{
		Text:        "Kérem adja meg a rendelésszámát (pl. #1234567), és megnézem a státuszát.",
		Confidence:  0.7,
		HandlerKind: KindOrder,
		Metadata:    meta,
	}
}

// recommendationHandler suggests products.
type recommendationHandler struct{}

func NewRecommendationHandler() Handler { return &recommendationHandler{} }

func (*recommendationHandler) Name() string { return "recommendation-agent" }
func (*recommendationHandler) Kind() Kind   { return KindRecommendation }

func (*recommendationHandler) SystemPrompt() string {
	return "Te a webshop ajánló asszisztense vagy. Ajánlj releváns, népszerű " +
		"termékeket a vásárló érdeklődése alapján."
}

func (*recommendationHandler) Descriptors() []Descriptor {
	return []Descriptor{
		{Name: "get_popular_products", Description: "List the currently most popular products"},
		{Name: "get_similar_products", Description: "List products similar to a given product id"},
	}
}

func (h *recommendationHandler) Handle(ctx context.Context, msg Message, deps Deps) Response {
	meta := map[string]any{"strategy": "popular"}

	if deps.Webshop != nil {
		products, err := deps.Webshop.FetchProducts(ctx)
		if err == nil && len(products) > 0 {
			top := products[0]
			meta["recommended_id"] = top.ID
			return Response{
				Text:        fmt.Sprintf("Jelenleg nagyon népszerű: %s (%.0f Ft). Érdekli?", top.Name, top.Price),
				Confidence:  0.85,
				HandlerKind: KindRecommendation,
				Metadata:    meta,
			}
		}
	}

	return Response{
		Text:        "Szívesen ajánlok terméket! Milyen kategória érdekli?",
		Confidence:  0.7,
		HandlerKind: KindRecommendation,
		Metadata:    meta,
	}
}

// marketingHandler answers promotion, coupon and newsletter questions.
type marketingHandler struct{}

func NewMarketingHandler() Handler { return &marketingHandler{} }

func (*marketingHandler) Name() string { return "marketing-agent" }
func (*marketingHandler) Kind() Kind   { return KindMarketing }

func (*marketingHandler) SystemPrompt() string {
	return "Te a webshop marketing asszisztense vagy. Tájékoztass az aktuális " +
		"akciókról, kuponokról és a hírlevélről."
}

func (*marketingHandler) Descriptors() []Descriptor {
	return []Descriptor{
		{Name: "get_active_promotions", Description: "List currently running promotions"},
		{Name: "subscribe_newsletter", Description: "Subscribe the user to the newsletter"},
	}
}

func (h *marketingHandler) Handle(ctx context.Context, msg Message, deps Deps) Response {
	meta := map[string]any{}

	var promos []map[string]any
	found, err := deps.Persistence.GetJSON(ctx, "active_promotions", cache.NSProductInfo, &promos)
	if err == nil && found && len(promos) > 0 {
		meta["promotions"] = len(promos)
		return Response{
			Text:        fmt.Sprintf("Jelenleg %d akciónk fut! A legfrissebb: %v.", len(promos), promos[0]["title"]),
			Confidence:  0.9,
			HandlerKind: KindMarketing,
			Metadata:    meta,
		}
	}

	return Response{
		Text:        "Igen, vannak aktuális kedvezményeink! Iratkozzon fel hírlevelünkre, hogy elsőként értesüljön az akciókról.",
		Confidence:  0.85,
		HandlerKind: KindMarketing,
		Metadata:    meta,
	}
}

// generalHandler is the fallback for everything else.
type generalHandler struct{}

func NewGeneralHandler() Handler { return &generalHandler{} }

func (*generalHandler) Name() string { return "general-agent" }
func (*generalHandler) Kind() Kind   { return KindGeneral }

func (*generalHandler) SystemPrompt() string {
	return "Te a webshop általános ügyfélszolgálati asszisztense vagy. Válaszolj " +
		"udvariasan, és irányítsd a vásárlót a megfelelő témához."
}

func (*generalHandler) Descriptors() []Descriptor { return nil }

func (h *generalHandler) Handle(_ context.Context, msg Message, _ Deps) Response {
	return Response{
		Text: "Üdvözlöm! Segíthetek termékekkel, rendelésekkel, ajánlásokkal " +
			"vagy aktuális akciókkal kapcsolatban. Miben segíthetek?",
		Confidence:  0.5,
		HandlerKind: KindGeneral,
		Metadata:    map[string]any{},
	}
}
