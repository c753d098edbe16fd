// Package conflict detects and reconciles field-level divergence between
// local and remote product records.
package conflict

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/chatbuddy-io/chatbuddy/internal/webshop"
)

// Type tags a conflict variant.
type Type string

const (
	TypePrice            Type = "price"
	TypeStock            Type = "stock"
	TypeDuplicateProduct Type = "duplicate_product"
	TypeCategoryMismatch Type = "category_mismatch"
	TypeDataIntegrity    Type = "data_integrity"
)

// Strategy names a resolution approach.
type Strategy string

const (
	StrategyKeepRemote   Strategy = "keep_remote"
	StrategyMerge        Strategy = "merge"
	StrategyAutoResolve  Strategy = "auto_resolve"
	StrategyManualReview Strategy = "manual_review"
)

// Conflict is one detected divergence.
type Conflict struct {
	ID         string    `json:"id"`
	Type       Type      `json:"type"`
	ProductID  int64     `json:"product_id"`
	Field      string    `json:"field"`
	Local      any       `json:"local"`
	Remote     any       `json:"remote"`
	Detail     string    `json:"detail,omitempty"`
	DetectedAt time.Time `json:"detected_at"`
}

// ResolutionRecord is the outcome of resolving one conflict.
type ResolutionRecord struct {
	Conflict       Conflict       `json:"conflict"`
	Strategy       Strategy       `json:"strategy"`
	Resolved       bool           `json:"resolved"`
	ResolutionData map[string]any `json:"resolution_data,omitempty"`
	ResolvedAt     time.Time      `json:"resolved_at"`
}

// Stats summarizes the live resolution history.
type Stats struct {
	Total          int            `json:"total"`
	ByType         map[Type]int   `json:"by_type"`
	Resolved       int            `json:"resolved"`
	ResolutionRate float64        `json:"resolution_rate"`
}

// defaultHistoryCap bounds the resolution history ring when no limit is
// configured.
const defaultHistoryCap = 10000

// Detection thresholds.
const (
	priceEpsilonCents = 1
	stockEpsilon      = 5
	minNameLength     = 3
)

// DetectPrice flags a price divergence strictly greater than one cent.
// Prices are compared in integer cents; a raw float64 subtraction would
// report a difference of exactly 0.01 as slightly above 0.01.
func DetectPrice(local, remote webshop.Product) (Conflict, bool) {
	diff := math.Round(local.Price*100) - math.Round(remote.Price*100)
	if math.Abs(diff) <= priceEpsilonCents {
		return Conflict{}, false
	}
	return newConflict(TypePrice, local.ID, "price", local.Price, remote.Price, ""), true
}

// DetectStock flags a stock divergence strictly greater than stockEpsilon.
func DetectStock(local, remote webshop.Product) (Conflict, bool) {
	diff := local.Stock - remote.Stock
	if diff < 0 {
		diff = -diff
	}
	if diff <= stockEpsilon {
		return Conflict{}, false
	}
	return newConflict(TypeStock, local.ID, "stock", local.Stock, remote.Stock, ""), true
}

// DetectDuplicate flags two distinct ids sharing a SKU.
func DetectDuplicate(a, b webshop.Product) (Conflict, bool) {
	if a.SKU == "" || a.SKU != b.SKU || a.ID == b.ID {
		return Conflict{}, false
	}
	return newConflict(TypeDuplicateProduct, a.ID, "sku", a.ID, b.ID,
		fmt.Sprintf("sku %s on ids %d and %d", a.SKU, a.ID, b.ID)), true
}

// DetectCategory flags differing category ids.
func DetectCategory(local, remote webshop.Product) (Conflict, bool) {
	if local.CategoryID == remote.CategoryID {
		return Conflict{}, false
	}
	return newConflict(TypeCategoryMismatch, local.ID, "category_id",
		local.CategoryID, remote.CategoryID, ""), true
}

// DetectIntegrity flags records violating basic validity rules.
func DetectIntegrity(p webshop.Product) (Conflict, bool) {
	var detail string
	switch {
	case p.Price <= 0:
		detail = "non-positive price"
	case p.Stock < 0:
		detail = "negative stock"
	case len([]rune(p.Name)) < minNameLength:
		detail = "name too short"
	default:
		return Conflict{}, false
	}
	return newConflict(TypeDataIntegrity, p.ID, "record", p, nil, detail), true
}

func newConflict(t Type, productID int64, field string, local, remote any, detail string) Conflict {
	return Conflict{
		ID:         uuid.NewString(),
		Type:       t,
		ProductID:  productID,
		Field:      field,
		Local:      local,
		Remote:     remote,
		Detail:     detail,
		DetectedAt: time.Now(),
	}
}

// Resolver applies per-type strategies and keeps a bounded history.
type Resolver struct {
	mu         sync.Mutex
	strategies map[Type]Strategy
	history    []ResolutionRecord
	historyCap int
}

// NewResolver returns a resolver with the default strategies. historyCap
// bounds the resolution history ring (defaultHistoryCap when <= 0).
func NewResolver(historyCap int) *Resolver {
	if historyCap <= 0 {
		historyCap = defaultHistoryCap
	}
	return &Resolver{
		historyCap: historyCap,
		strategies: map[Type]Strategy{
			TypePrice:            StrategyKeepRemote,
			TypeStock:            StrategyMerge,
			TypeDuplicateProduct: StrategyAutoResolve,
			TypeCategoryMismatch: StrategyKeepRemote,
			TypeDataIntegrity:    StrategyManualReview,
		},
	}
}

// SetStrategy overrides the strategy for a conflict type.
func (r *Resolver) SetStrategy(t Type, s Strategy) {
	r.mu.Lock()
	r.strategies[t] = s
	r.mu.Unlock()
}

// Resolve applies the configured strategy and appends the outcome to the
// history ring. manual_review conflicts are recorded unresolved.
func (r *Resolver) Resolve(c Conflict) ResolutionRecord {
	r.mu.Lock()
	strategy := r.strategies[c.Type]
	r.mu.Unlock()

	rec := ResolutionRecord{
		Conflict:   c,
		Strategy:   strategy,
		ResolvedAt: time.Now(),
	}

	switch strategy {
	case StrategyKeepRemote:
		rec.Resolved = true
		rec.ResolutionData = map[string]any{c.Field: c.Remote}
	case StrategyMerge:
		rec.Resolved = true
		rec.ResolutionData = map[string]any{c.Field: mergeMax(c.Local, c.Remote)}
	case StrategyAutoResolve:
		rec.Resolved = true
		rec.ResolutionData = map[string]any{"keep_id": maxInt64(c.Local, c.Remote)}
	default:
		// manual_review or unknown: flag for a human.
		rec.Resolved = false
	}

	r.mu.Lock()
	r.history = append(r.history, rec)
	if len(r.history) > r.historyCap {
		r.history = r.history[len(r.history)-r.historyCap:]
	}
	r.mu.Unlock()
	return rec
}

// Stats derives counters from the live history ring only.
func (r *Resolver) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := Stats{ByType: make(map[Type]int)}
	for _, rec := range r.history {
		s.Total++
		s.ByType[rec.Conflict.Type]++
		if rec.Resolved {
			s.Resolved++
		}
	}
	if s.Total > 0 {
		s.ResolutionRate = float64(s.Resolved) / float64(s.Total)
	}
	return s
}

// History returns a copy of the resolution history, oldest first.
func (r *Resolver) History() []ResolutionRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]ResolutionRecord, len(r.history))
	copy(out, r.history)
	return out
}

func mergeMax(a, b any) any {
	af, aok := asFloat(a)
	bf, bok := asFloat(b)
	if aok && bok {
		if af >= bf {
			return a
		}
		return b
	}
	return b
}

func maxInt64(a, b any) int64 {
	af, _ := asFloat(a)
	bf, _ := asFloat(b)
	if af >= bf {
		return int64(af)
	}
	return int64(bf)
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	case float32:
		return float64(n), true
	}
	return 0, false
}
