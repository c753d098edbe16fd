package conflict

import (
	"time"

	"github.com/chatbuddy-io/chatbuddy/internal/bus"
	. "github.com/chatbuddy-io/chatbuddy/internal/logging"
	"github.com/chatbuddy-io/chatbuddy/internal/webshop"
)

// DefaultAlertThreshold triggers an alert when one scan detects this many
// conflicts or more.
const DefaultAlertThreshold = 5

// ScanResult summarizes one monitor pass.
type ScanResult struct {
	Detected    []Conflict         `json:"detected"`
	Resolutions []ResolutionRecord `json:"resolutions"`
	Alerted     bool               `json:"alerted"`
	ScannedAt   time.Time          `json:"scanned_at"`
}

// Monitor compares local and remote product lists, runs every detector and
// auto-resolves what the strategies allow.
type Monitor struct {
	resolver  *Resolver
	bus       *bus.Bus
	threshold int
}

// NewMonitor wires a monitor to a resolver and an optional event bus.
func NewMonitor(resolver *Resolver, b *bus.Bus, threshold int) *Monitor {
	if threshold <= 0 {
		threshold = DefaultAlertThreshold
	}
	return &Monitor{resolver: resolver, bus: b, threshold: threshold}
}

// Scan pairs local and remote records by id, runs all detectors and resolves
// each finding. An alert event is raised when the number of detected
// conflicts reaches the threshold.
func (m *Monitor) Scan(local, remote []webshop.Product) ScanResult {
	res := ScanResult{ScannedAt: time.Now()}

	remoteByID := make(map[int64]webshop.Product, len(remote))
	for _, p := range remote {
		remoteByID[p.ID] = p
	}

	localIDs := make(map[int64]bool, len(local))
	for _, lp := range local {
		localIDs[lp.ID] = true
		rp, ok := remoteByID[lp.ID]
		if ok {
			if c, hit := DetectPrice(lp, rp); hit {
				res.Detected = append(res.Detected, c)
			}
			if c, hit := DetectStock(lp, rp); hit {
				res.Detected = append(res.Detected, c)
			}
			if c, hit := DetectCategory(lp, rp); hit {
				res.Detected = append(res.Detected, c)
			}
		}
		if c, hit := DetectIntegrity(lp); hit {
			res.Detected = append(res.Detected, c)
		}
	}

	// Records only the remote side knows about still get integrity checks.
	for _, rp := range remote {
		if localIDs[rp.ID] {
			continue
		}
		if c, hit := DetectIntegrity(rp); hit {
			res.Detected = append(res.Detected, c)
		}
	}

	// Duplicate SKUs within the remote set.
	bySKU := make(map[string]webshop.Product)
	for _, p := range remote {
		if prev, seen := bySKU[p.SKU]; seen {
			if c, hit := DetectDuplicate(prev, p); hit {
				res.Detected = append(res.Detected, c)
			}
			continue
		}
		bySKU[p.SKU] = p
	}

	for _, c := range res.Detected {
		rec := m.resolver.Resolve(c)
		res.Resolutions = append(res.Resolutions, rec)
		m.publish(bus.EventConflictDetected, map[string]any{
			"conflict_id": c.ID,
			"type":        string(c.Type),
			"product_id":  c.ProductID,
			"resolved":    rec.Resolved,
			"strategy":    string(rec.Strategy),
		})
	}

	if len(res.Detected) >= m.threshold {
		res.Alerted = true
		L_warn("conflict: alert threshold reached", "detected", len(res.Detected), "threshold", m.threshold)
		m.publish(bus.EventConflictAlert, map[string]any{
			"detected":  len(res.Detected),
			"threshold": m.threshold,
		})
	}

	return res
}

// Stats exposes the resolver's aggregate counters.
func (m *Monitor) Stats() Stats { return m.resolver.Stats() }

func (m *Monitor) publish(t bus.EventType, payload map[string]any) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(bus.Event{Type: t, Payload: payload, Source: "conflict_monitor"})
}
