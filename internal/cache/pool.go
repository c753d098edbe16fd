package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	. "github.com/chatbuddy-io/chatbuddy/internal/logging"
)

// PoolConfig configures the Redis-backed cache pool.
type PoolConfig struct {
	URL                 string
	MaxConnections      int
	HealthCheckInterval time.Duration
	RetryOnTimeout      bool
	CompressionMinBytes int
}

// DefaultPoolConfig returns the standard pool settings.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		URL:                 "redis://localhost:6379/0",
		MaxConnections:      20,
		HealthCheckInterval: 30 * time.Second,
		RetryOnTimeout:      true,
		CompressionMinBytes: DefaultCompressionMinBytes,
	}
}

// Pool is the single shared cache pool. All namespaces go through one
// go-redis client; payload and sidecar metadata are written pipelined so
// they share a TTL.
type Pool struct {
	client   *redis.Client
	minBytes int
	metrics  metrics

	mu      sync.Mutex
	healthy bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewPool connects to Redis and starts the health check loop.
func NewPool(cfg PoolConfig) (*Pool, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	if cfg.MaxConnections > 0 {
		opts.PoolSize = cfg.MaxConnections
	}
	if cfg.RetryOnTimeout {
		opts.MaxRetries = 3
	}

	client := redis.NewClient(opts)
	p := newPoolWithClient(client, cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	p.setHealthy(true)

	// Best effort: ask the store for LRU eviction. Not all deployments
	// allow CONFIG, so a failure is only logged.
	if err := client.ConfigSet(ctx, "maxmemory-policy", "allkeys-lru").Err(); err != nil {
		L_debug("cache: could not set eviction policy", "error", err)
	}

	interval := cfg.HealthCheckInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	go p.healthLoop(interval)

	L_info("cache: pool ready", "poolSize", opts.PoolSize)
	return p, nil
}

// NewPoolWithClient wraps an existing client (used by tests against
// miniredis). The health loop is not started.
func NewPoolWithClient(client *redis.Client, cfg PoolConfig) *Pool {
	p := newPoolWithClient(client, cfg)
	p.setHealthy(true)
	return p
}

func newPoolWithClient(client *redis.Client, cfg PoolConfig) *Pool {
	minBytes := cfg.CompressionMinBytes
	if minBytes == 0 {
		minBytes = DefaultCompressionMinBytes
	}
	return &Pool{
		client:   client,
		minBytes: minBytes,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Set writes a value and its metadata sidecar under the namespace TTL.
func (p *Pool) Set(ctx context.Context, key string, value any, ns Namespace, ttl time.Duration) error {
	start := time.Now()
	defer p.metrics.recordLatency(time.Since(start))

	payload, meta, err := encode(value, p.minBytes)
	if err != nil {
		return err
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("failed to serialize metadata: %w", err)
	}

	if ttl <= 0 {
		ttl = DefaultTTL(ns)
	}

	k := FormatKey(key, ns)
	pipe := p.client.Pipeline()
	pipe.Set(ctx, k, payload, ttl)
	pipe.Set(ctx, metaKey(k), metaJSON, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		p.metrics.recordError()
		return fmt.Errorf("cache set failed: %w", err)
	}

	p.metrics.recordSet()
	if meta.Compressed {
		p.metrics.recordCompression(meta.SizeOriginal - meta.SizeStored)
	}
	return nil
}

// Get reads payload and metadata pipelined and decodes the value.
// A miss returns (nil, false, nil).
func (p *Pool) Get(ctx context.Context, key string, ns Namespace) (any, bool, error) {
	payload, meta, ok, err := p.fetch(ctx, key, ns)
	if err != nil || !ok {
		return nil, false, err
	}
	value, err := decode(payload, meta)
	if err != nil {
		p.metrics.recordError()
		return nil, false, err
	}
	return value, true, nil
}

// GetJSON reads the payload into dest. Returns false on miss.
func (p *Pool) GetJSON(ctx context.Context, key string, ns Namespace, dest any) (bool, error) {
	payload, meta, ok, err := p.fetch(ctx, key, ns)
	if err != nil || !ok {
		return false, err
	}
	if err := decodeInto(payload, meta, dest); err != nil {
		p.metrics.recordError()
		return false, err
	}
	return true, nil
}

func (p *Pool) fetch(ctx context.Context, key string, ns Namespace) ([]byte, Metadata, bool, error) {
	start := time.Now()
	defer p.metrics.recordLatency(time.Since(start))

	k := FormatKey(key, ns)
	pipe := p.client.Pipeline()
	payloadCmd := pipe.Get(ctx, k)
	metaCmd := pipe.Get(ctx, metaKey(k))
	_, err := pipe.Exec(ctx)
	if err == redis.Nil {
		p.metrics.recordMiss()
		return nil, Metadata{}, false, nil
	}
	if err != nil {
		p.metrics.recordError()
		return nil, Metadata{}, false, fmt.Errorf("cache get failed: %w", err)
	}

	var meta Metadata
	if err := json.Unmarshal([]byte(metaCmd.Val()), &meta); err != nil {
		p.metrics.recordError()
		return nil, Metadata{}, false, fmt.Errorf("corrupt cache metadata: %w", err)
	}

	p.metrics.recordHit()
	return []byte(payloadCmd.Val()), meta, true, nil
}

// Delete removes the payload and its sidecar.
func (p *Pool) Delete(ctx context.Context, key string, ns Namespace) error {
	k := FormatKey(key, ns)
	if err := p.client.Del(ctx, k, metaKey(k)).Err(); err != nil {
		p.metrics.recordError()
		return fmt.Errorf("cache delete failed: %w", err)
	}
	p.metrics.recordDelete()
	return nil
}

// Exists reports whether the key is present.
func (p *Pool) Exists(ctx context.Context, key string, ns Namespace) (bool, error) {
	n, err := p.client.Exists(ctx, FormatKey(key, ns)).Result()
	if err != nil {
		p.metrics.recordError()
		return false, fmt.Errorf("cache exists failed: %w", err)
	}
	return n > 0, nil
}

// Expire resets the TTL on the payload and its sidecar.
func (p *Pool) Expire(ctx context.Context, key string, ns Namespace, ttl time.Duration) error {
	k := FormatKey(key, ns)
	pipe := p.client.Pipeline()
	pipe.Expire(ctx, k, ttl)
	pipe.Expire(ctx, metaKey(k), ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		p.metrics.recordError()
		return fmt.Errorf("cache expire failed: %w", err)
	}
	return nil
}

// Incr adds amount to an integer counter and returns the new value.
// Counters have no sidecar; they are plain Redis integers.
func (p *Pool) Incr(ctx context.Context, key string, ns Namespace, amount int64) (int64, error) {
	n, err := p.client.IncrBy(ctx, FormatKey(key, ns), amount).Result()
	if err != nil {
		p.metrics.recordError()
		return 0, fmt.Errorf("cache incr failed: %w", err)
	}
	return n, nil
}

// GetCounter reads a plain integer counter.
func (p *Pool) GetCounter(ctx context.Context, key string, ns Namespace) (int64, bool, error) {
	n, err := p.client.Get(ctx, FormatKey(key, ns)).Int64()
	if err == redis.Nil {
		return 0, false, nil
	}
	if err != nil {
		p.metrics.recordError()
		return 0, false, fmt.Errorf("cache counter get failed: %w", err)
	}
	return n, true, nil
}

// Metrics returns a snapshot of the pool counters.
func (p *Pool) Metrics() MetricsSnapshot {
	return p.metrics.snapshot()
}

// Healthy reports the last health check result.
func (p *Pool) Healthy() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.healthy
}

func (p *Pool) setHealthy(v bool) {
	p.mu.Lock()
	p.healthy = v
	p.mu.Unlock()
}

func (p *Pool) healthLoop(interval time.Duration) {
	defer close(p.doneCh)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			err := p.client.Ping(ctx).Err()
			cancel()
			if err != nil {
				if p.Healthy() {
					L_warn("cache: health check failed", "error", err)
				}
				p.setHealthy(false)
			} else {
				if !p.Healthy() {
					L_info("cache: connection recovered")
				}
				p.setHealthy(true)
			}
		}
	}
}

// Close stops the health loop and closes the client.
func (p *Pool) Close() error {
	select {
	case <-p.stopCh:
	default:
		close(p.stopCh)
	}
	return p.client.Close()
}
