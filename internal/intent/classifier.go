// Package intent classifies a user turn into a handler kind using keyword
// and pattern rules. Classification is deterministic: the same text always
// yields the same decision.
package intent

import (
	"regexp"
	"strings"

	"github.com/chatbuddy-io/chatbuddy/internal/agents"
)

// Decision is the classifier output for one turn.
type Decision struct {
	HandlerKind     agents.Kind       `json:"handler_kind"`
	Confidence      float64           `json:"confidence"`
	MatchedKeywords []string          `json:"matched_keywords,omitempty"`
	Entities        map[string]string `json:"extracted_entities,omitempty"`
}

var (
	orderIDRe   = regexp.MustCompile(`#(\d{6,10})\b`)
	trackingRe  = regexp.MustCompile(`(?i)\b((?:GLS|DPD)\d{8,12})\b`)
	productIDRe = regexp.MustCompile(`\btermék[:#]?\s*(\d{1,9})\b`)
)

// categoryKeywords maps catalog category mentions to canonical slugs,
// checked in order so extraction stays deterministic.
var categoryKeywords = []struct{ keyword, slug string }{
	{"telefon", "phones"},
	{"laptop", "laptops"},
	{"tablet", "tablets"},
	{"televízió", "tvs"},
	{"tv", "tvs"},
}

// Keyword sets per kind, checked in precedence order. Matching is
// case-insensitive substring.
var keywordRules = []struct {
	kind     agents.Kind
	keywords []string
}{
	{agents.KindMarketing, []string{"kedvezmény", "akció", "promóció", "kupon", "newsletter"}},
	{agents.KindRecommendation, []string{"ajánl", "hasonló", "népszerű", "trend"}},
	{agents.KindOrder, []string{"rendelés", "szállítás", "státusz", "tracking", "követés"}},
	{agents.KindProduct, []string{"termék", "telefon", "ár", "készlet", "specifik"}},
}

// Classifier turns message text into a Decision.
type Classifier struct{}

// New returns the rule-based classifier.
func New() *Classifier { return &Classifier{} }

// Classify picks the highest-precedence matching kind. Precedence:
// marketing > recommendation > order > product > general. A strong keyword
// or ID pattern match scores 0.9; the general fallback scores 0.5.
func (c *Classifier) Classify(text string) Decision {
	lower := strings.ToLower(text)
	entities := extractEntities(text)

	for _, rule := range keywordRules {
		var matched []string
		for _, kw := range rule.keywords {
			if strings.Contains(lower, kw) {
				matched = append(matched, kw)
			}
		}
		// ID patterns imply an order question even without a keyword.
		if rule.kind == agents.KindOrder && len(matched) == 0 {
			if _, ok := entities["order_id"]; ok {
				matched = append(matched, "order_id")
			} else if _, ok := entities["tracking_number"]; ok {
				matched = append(matched, "tracking_number")
			}
		}
		if len(matched) > 0 {
			return Decision{
				HandlerKind:     rule.kind,
				Confidence:      0.9,
				MatchedKeywords: matched,
				Entities:        entities,
			}
		}
	}

	return Decision{
		HandlerKind: agents.KindGeneral,
		Confidence:  0.5,
		Entities:    entities,
	}
}

func extractEntities(text string) map[string]string {
	entities := make(map[string]string)
	if m := orderIDRe.FindStringSubmatch(text); m != nil {
		entities["order_id"] = m[1]
	}
	if m := trackingRe.FindStringSubmatch(text); m != nil {
		entities["tracking_number"] = m[1]
	}
	lower := strings.ToLower(text)
	if m := productIDRe.FindStringSubmatch(lower); m != nil {
		entities["product_id"] = m[1]
	}
	for _, c := range categoryKeywords {
		if strings.Contains(lower, c.keyword) {
			entities["category"] = c.slug
			break
		}
	}
	return entities
}
