package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// MemoryStore is an in-process Store used when TESTING is enabled.
// It runs values through the same codec as the Redis pool, so compression
// accounting and round-trip behavior stay meaningful in tests.
type MemoryStore struct {
	minBytes int
	metrics  metrics

	mu      sync.Mutex
	entries map[string]*memoryEntry
}

type memoryEntry struct {
	payload   []byte
	meta      Metadata
	counter   int64
	isCounter bool
	expiresAt time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		minBytes: DefaultCompressionMinBytes,
		entries:  make(map[string]*memoryEntry),
	}
}

func (s *MemoryStore) Set(_ context.Context, key string, value any, ns Namespace, ttl time.Duration) error {
	start := time.Now()
	defer s.metrics.recordLatency(time.Since(start))

	payload, meta, err := encode(value, s.minBytes)
	if err != nil {
		return err
	}
	if ttl <= 0 {
		ttl = DefaultTTL(ns)
	}

	s.mu.Lock()
	s.entries[FormatKey(key, ns)] = &memoryEntry{
		payload:   payload,
		meta:      meta,
		expiresAt: time.Now().Add(ttl),
	}
	s.mu.Unlock()

	s.metrics.recordSet()
	if meta.Compressed {
		s.metrics.recordCompression(meta.SizeOriginal - meta.SizeStored)
	}
	return nil
}

// lookup returns the live entry for a formatted key, expiring lazily.
func (s *MemoryStore) lookup(formatted string) (*memoryEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[formatted]
	if !ok {
		return nil, false
	}
	if time.Now().After(e.expiresAt) {
		delete(s.entries, formatted)
		return nil, false
	}
	return e, true
}

func (s *MemoryStore) Get(_ context.Context, key string, ns Namespace) (any, bool, error) {
	start := time.Now()
	defer s.metrics.recordLatency(time.Since(start))

	e, ok := s.lookup(FormatKey(key, ns))
	if !ok {
		s.metrics.recordMiss()
		return nil, false, nil
	}
	if e.isCounter {
		s.metrics.recordHit()
		return e.counter, true, nil
	}
	value, err := decode(e.payload, e.meta)
	if err != nil {
		s.metrics.recordError()
		return nil, false, err
	}
	s.metrics.recordHit()
	return value, true, nil
}

func (s *MemoryStore) GetJSON(_ context.Context, key string, ns Namespace, dest any) (bool, error) {
	e, ok := s.lookup(FormatKey(key, ns))
	if !ok {
		s.metrics.recordMiss()
		return false, nil
	}
	if e.isCounter {
		return false, fmt.Errorf("key holds a counter, not a document")
	}
	if err := decodeInto(e.payload, e.meta, dest); err != nil {
		s.metrics.recordError()
		return false, err
	}
	s.metrics.recordHit()
	return true, nil
}

func (s *MemoryStore) Delete(_ context.Context, key string, ns Namespace) error {
	s.mu.Lock()
	delete(s.entries, FormatKey(key, ns))
	s.mu.Unlock()
	s.metrics.recordDelete()
	return nil
}

func (s *MemoryStore) Exists(_ context.Context, key string, ns Namespace) (bool, error) {
	_, ok := s.lookup(FormatKey(key, ns))
	return ok, nil
}

func (s *MemoryStore) Expire(_ context.Context, key string, ns Namespace, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[FormatKey(key, ns)]; ok {
		e.expiresAt = time.Now().Add(ttl)
	}
	return nil
}

func (s *MemoryStore) Incr(_ context.Context, key string, ns Namespace, amount int64) (int64, error) {
	formatted := FormatKey(key, ns)

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[formatted]
	if ok && time.Now().After(e.expiresAt) {
		delete(s.entries, formatted)
		ok = false
	}
	if !ok {
		// Counters created by Incr live until explicitly expired,
		// matching Redis INCR on a fresh key.
		e = &memoryEntry{isCounter: true, expiresAt: time.Now().Add(DefaultTTL(ns))}
		s.entries[formatted] = e
	}
	if !e.isCounter {
		// Allow incrementing a JSON-stored integer, like Redis INCRBY
		// on a numeric string.
		var n int64
		raw := e.payload
		if e.meta.Compressed {
			var err error
			raw, err = gunzipBytes(e.payload)
			if err != nil {
				return 0, fmt.Errorf("value is not an integer")
			}
		}
		if err := json.Unmarshal(raw, &n); err != nil {
			return 0, fmt.Errorf("value is not an integer: %w", err)
		}
		e.counter = n
		e.isCounter = true
		e.payload = nil
	}

	e.counter += amount
	return e.counter, nil
}

func (s *MemoryStore) GetCounter(_ context.Context, key string, ns Namespace) (int64, bool, error) {
	e, ok := s.lookup(FormatKey(key, ns))
	if !ok || !e.isCounter {
		return 0, false, nil
	}
	return e.counter, true, nil
}

func (s *MemoryStore) Metrics() MetricsSnapshot {
	return s.metrics.snapshot()
}

func (s *MemoryStore) Healthy() bool { return true }

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	s.entries = make(map[string]*memoryEntry)
	s.mu.Unlock()
	return nil
}

// Len returns the number of live entries (test helper).
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

var _ Store = (*MemoryStore)(nil)
var _ Store = (*Pool)(nil)
