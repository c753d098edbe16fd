package cache

import (
	"sync"
	"time"
)

// emaAlpha is the smoothing factor for the response time average.
const emaAlpha = 0.1

// metrics tracks cache performance counters behind a single mutex.
type metrics struct {
	mu               sync.Mutex
	hits             int64
	misses           int64
	sets             int64
	deletes          int64
	errors           int64
	compressionSaves int64
	bytesSaved       int64
	avgResponseMs    float64
}

// MetricsSnapshot is a point-in-time copy of the cache counters.
type MetricsSnapshot struct {
	Hits             int64   `json:"hits"`
	Misses           int64   `json:"misses"`
	Sets             int64   `json:"sets"`
	Deletes          int64   `json:"deletes"`
	Errors           int64   `json:"errors"`
	CompressionSaves int64   `json:"compression_saves"`
	BytesSaved       int64   `json:"bytes_saved"`
	AvgResponseMs    float64 `json:"avg_response_ms"`
	HitRate          float64 `json:"hit_rate"`
}

func (m *metrics) recordHit()    { m.mu.Lock(); m.hits++; m.mu.Unlock() }
func (m *metrics) recordMiss()   { m.mu.Lock(); m.misses++; m.mu.Unlock() }
func (m *metrics) recordSet()    { m.mu.Lock(); m.sets++; m.mu.Unlock() }
func (m *metrics) recordDelete() { m.mu.Lock(); m.deletes++; m.mu.Unlock() }
func (m *metrics) recordError()  { m.mu.Lock(); m.errors++; m.mu.Unlock() }

func (m *metrics) recordCompression(saved int) {
	m.mu.Lock()
	m.compressionSaves++
	m.bytesSaved += int64(saved)
	m.mu.Unlock()
}

// recordLatency folds an operation duration into the EMA.
func (m *metrics) recordLatency(d time.Duration) {
	ms := float64(d) / float64(time.Millisecond)
	m.mu.Lock()
	if m.avgResponseMs == 0 {
		m.avgResponseMs = ms
	} else {
		m.avgResponseMs = emaAlpha*ms + (1-emaAlpha)*m.avgResponseMs
	}
	m.mu.Unlock()
}

func (m *metrics) snapshot() MetricsSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap := MetricsSnapshot{
		Hits:             m.hits,
		Misses:           m.misses,
		Sets:             m.sets,
		Deletes:          m.deletes,
		Errors:           m.errors,
		CompressionSaves: m.compressionSaves,
		BytesSaved:       m.bytesSaved,
		AvgResponseMs:    m.avgResponseMs,
	}
	if total := snap.Hits + snap.Misses; total > 0 {
		snap.HitRate = float64(snap.Hits) / float64(total)
	}
	return snap
}
