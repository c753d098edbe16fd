package cache

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestPool(t *testing.T) (*Pool, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	pool := NewPoolWithClient(client, DefaultPoolConfig())
	t.Cleanup(func() { pool.Close() })
	return pool, mr
}

// stores under test; every case runs against Redis and the memory stub.
func stores(t *testing.T) map[string]Store {
	pool, _ := newTestPool(t)
	return map[string]Store{
		"redis":  pool,
		"memory": NewMemoryStore(),
	}
}

func TestRoundTripJSON(t *testing.T) {
	ctx := context.Background()

	values := map[string]any{
		"string": "szia",
		"number": float64(42),
		"map":    map[string]any{"name": "Pixel 9", "price": float64(299990)},
		"slice":  []any{"a", "b", float64(3)},
	}

	for name, store := range stores(t) {
		for vn, v := range values {
			if err := store.Set(ctx, "k-"+vn, v, NSProductInfo, 0); err != nil {
				t.Fatalf("%s: set %s: %v", name, vn, err)
			}
			got, ok, err := store.Get(ctx, "k-"+vn, NSProductInfo)
			if err != nil {
				t.Fatalf("%s: get %s: %v", name, vn, err)
			}
			if !ok {
				t.Fatalf("%s: get %s: unexpected miss", name, vn)
			}
			if !jsonEqual(got, v) {
				t.Errorf("%s: %s round trip mismatch: got %#v want %#v", name, vn, got, v)
			}
		}
	}
}

func jsonEqual(a, b any) bool {
	am, _ := marshal(a)
	bm, _ := marshal(b)
	return bytes.Equal(am, bm)
}

func marshal(v any) ([]byte, error) {
	payload, _, err := encode(v, 0)
	return payload, err
}

func TestGetMissIsNotError(t *testing.T) {
	ctx := context.Background()
	for name, store := range stores(t) {
		_, ok, err := store.Get(ctx, "nope", NSSession)
		if err != nil {
			t.Fatalf("%s: miss returned error: %v", name, err)
		}
		if ok {
			t.Fatalf("%s: expected miss", name)
		}
		if m := store.Metrics(); m.Misses == 0 {
			t.Errorf("%s: miss not counted", name)
		}
	}
}

func TestCompressionThreshold(t *testing.T) {
	ctx := context.Background()

	// JSON string adds two quote bytes, so build raw sizes directly.
	below := []byte(strings.Repeat("a", 1023))
	above := []byte(strings.Repeat("a", 4096))

	for name, store := range stores(t) {
		if err := store.Set(ctx, "below", below, NSProductInfo, 0); err != nil {
			t.Fatalf("%s: set below: %v", name, err)
		}
		if err := store.Set(ctx, "above", above, NSProductInfo, 0); err != nil {
			t.Fatalf("%s: set above: %v", name, err)
		}

		m := store.Metrics()
		if m.CompressionSaves != 1 {
			t.Errorf("%s: expected exactly one compression save, got %d", name, m.CompressionSaves)
		}
		if m.BytesSaved <= 0 {
			t.Errorf("%s: expected positive bytes saved, got %d", name, m.BytesSaved)
		}

		// Compressed payload must decompress back bit-equivalent.
		got, ok, err := store.Get(ctx, "above", NSProductInfo)
		if err != nil || !ok {
			t.Fatalf("%s: get above: ok=%v err=%v", name, ok, err)
		}
		raw, isBytes := got.([]byte)
		if !isBytes || !bytes.Equal(raw, above) {
			t.Errorf("%s: compressed round trip mismatch", name)
		}
	}
}

func TestIncompressibleStaysRaw(t *testing.T) {
	// Metadata of an already-compressed payload must not claim compression.
	noisy, err := gzipBytes([]byte(strings.Repeat("abcdefgh", 512)))
	if err != nil {
		t.Fatal(err)
	}
	payload, meta, err := encode(noisy, DefaultCompressionMinBytes)
	if err != nil {
		t.Fatal(err)
	}
	if meta.Compressed {
		t.Error("incompressible payload flagged as compressed")
	}
	if meta.SizeStored != len(payload) || meta.SizeStored != meta.SizeOriginal {
		t.Errorf("size accounting wrong: stored=%d original=%d len=%d",
			meta.SizeStored, meta.SizeOriginal, len(payload))
	}
}

func TestCompressedMetaInvariant(t *testing.T) {
	payload := []byte(strings.Repeat("x", 2048))
	_, meta, err := encode(payload, DefaultCompressionMinBytes)
	if err != nil {
		t.Fatal(err)
	}
	if !meta.Compressed {
		t.Fatal("expected compression for repetitive 2KB payload")
	}
	if meta.SizeStored >= meta.SizeOriginal {
		t.Errorf("compressed entry must shrink: stored=%d original=%d", meta.SizeStored, meta.SizeOriginal)
	}
}

func TestDeleteAndExists(t *testing.T) {
	ctx := context.Background()
	for name, store := range stores(t) {
		if err := store.Set(ctx, "k", "v", NSSession, 0); err != nil {
			t.Fatalf("%s: set: %v", name, err)
		}
		ok, err := store.Exists(ctx, "k", NSSession)
		if err != nil || !ok {
			t.Fatalf("%s: exists after set: ok=%v err=%v", name, ok, err)
		}
		if err := store.Delete(ctx, "k", NSSession); err != nil {
			t.Fatalf("%s: delete: %v", name, err)
		}
		ok, err = store.Exists(ctx, "k", NSSession)
		if err != nil || ok {
			t.Fatalf("%s: exists after delete: ok=%v err=%v", name, ok, err)
		}
	}
}

func TestIncrAndExpire(t *testing.T) {
	ctx := context.Background()
	for name, store := range stores(t) {
		n, err := store.Incr(ctx, "counter", NSRateLimit, 1)
		if err != nil || n != 1 {
			t.Fatalf("%s: first incr: n=%d err=%v", name, n, err)
		}
		n, err = store.Incr(ctx, "counter", NSRateLimit, 2)
		if err != nil || n != 3 {
			t.Fatalf("%s: second incr: n=%d err=%v", name, n, err)
		}
		if err := store.Expire(ctx, "counter", NSRateLimit, time.Minute); err != nil {
			t.Fatalf("%s: expire: %v", name, err)
		}
	}
}

func TestTTLExpiry(t *testing.T) {
	ctx := context.Background()
	pool, mr := newTestPool(t)

	if err := pool.Set(ctx, "k", "v", NSSearchResult, time.Minute); err != nil {
		t.Fatal(err)
	}
	mr.FastForward(2 * time.Minute)

	_, ok, err := pool.Get(ctx, "k", NSSearchResult)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Error("entry survived past TTL")
	}
}

func TestNamespaceIsolation(t *testing.T) {
	ctx := context.Background()
	for name, store := range stores(t) {
		if err := store.Set(ctx, "same-key", "session-value", NSSession, 0); err != nil {
			t.Fatal(err)
		}
		_, ok, err := store.Get(ctx, "same-key", NSProductInfo)
		if err != nil {
			t.Fatal(err)
		}
		if ok {
			t.Errorf("%s: key leaked across namespaces", name)
		}
	}
}

func TestGetJSONTyped(t *testing.T) {
	ctx := context.Background()
	type product struct {
		Name  string  `json:"name"`
		Price float64 `json:"price"`
	}
	for name, store := range stores(t) {
		want := product{Name: "Pixel 9", Price: 299990}
		if err := store.Set(ctx, "p1", want, NSProductInfo, 0); err != nil {
			t.Fatal(err)
		}
		var got product
		ok, err := store.GetJSON(ctx, "p1", NSProductInfo, &got)
		if err != nil || !ok {
			t.Fatalf("%s: getjson: ok=%v err=%v", name, ok, err)
		}
		if got != want {
			t.Errorf("%s: got %+v want %+v", name, got, want)
		}
	}
}

func TestKeyScheme(t *testing.T) {
	k := FormatKey("user-42", NSSession)
	if !strings.HasPrefix(k, "chatbuddy:v1:session:") {
		t.Errorf("unexpected key format: %s", k)
	}
	// md5 hex digest is 32 chars
	parts := strings.Split(k, ":")
	if len(parts[len(parts)-1]) != 32 {
		t.Errorf("expected md5 hex suffix, got %s", parts[len(parts)-1])
	}
}
