// Package respcache memoizes agent responses, product info, search results
// and embeddings on top of the shared cache. Agent responses additionally
// sit behind a small in-process LRU so repeated turns skip the network.
package respcache

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"sort"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/chatbuddy-io/chatbuddy/internal/agents"
	"github.com/chatbuddy-io/chatbuddy/internal/cache"
	. "github.com/chatbuddy-io/chatbuddy/internal/logging"
)

// l1Size bounds the in-process agent response cache.
const l1Size = 1024

// Cache wraps the shared store with namespace-specific helpers.
type Cache struct {
	store cache.Store
	l1    *lru.Cache[string, agents.Response]
}

// New builds a response cache over store.
func New(store cache.Store) *Cache {
	l1, err := lru.New[string, agents.Response](l1Size)
	if err != nil {
		// Only reachable with a non-positive size constant.
		L_fatal("respcache: lru init failed", "error", err)
	}
	return &Cache{store: store, l1: l1}
}

// Fingerprint derives a stable identity for a turn. Two turns with the same
// handler kind, normalized text, user and relevant context subset share a
// fingerprint and therefore a cached response.
func Fingerprint(kind agents.Kind, message, userID string, ctx map[string]any) string {
	var b strings.Builder
	b.WriteString(string(kind))
	b.WriteByte('|')
	b.WriteString(normalize(message))
	b.WriteByte('|')
	b.WriteString(userID)

	if len(ctx) > 0 {
		keys := make([]string, 0, len(ctx))
		for k := range ctx {
			// Only context keys that influence the answer participate.
			if k == "language" || k == "category" || k == "segment" {
				keys = append(keys, k)
			}
		}
		sort.Strings(keys)
		for _, k := range keys {
			v, _ := json.Marshal(ctx[k])
			b.WriteByte('|')
			b.WriteString(k)
			b.WriteByte('=')
			b.Write(v)
		}
	}

	sum := md5.Sum([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

func normalize(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

// CacheAgentResponse stores a response under its fingerprint.
func (c *Cache) CacheAgentResponse(ctx context.Context, fingerprint string, resp agents.Response) error {
	c.l1.Add(fingerprint, resp)
	return c.store.Set(ctx, fingerprint, resp, cache.NSAgentResponse, 0)
}

// GetCachedAgentResponse looks up a response by fingerprint. The L1 is
// consulted first; a shared-store hit repopulates it.
func (c *Cache) GetCachedAgentResponse(ctx context.Context, fingerprint string) (agents.Response, bool) {
	if resp, ok := c.l1.Get(fingerprint); ok {
		return resp, true
	}
	var resp agents.Response
	found, err := c.store.GetJSON(ctx, fingerprint, cache.NSAgentResponse, &resp)
	if err != nil || !found {
		return agents.Response{}, false
	}
	c.l1.Add(fingerprint, resp)
	return resp, true
}

// InvalidateAgentResponse drops a fingerprint from both tiers.
func (c *Cache) InvalidateAgentResponse(ctx context.Context, fingerprint string) error {
	c.l1.Remove(fingerprint)
	return c.store.Delete(ctx, fingerprint, cache.NSAgentResponse)
}

// CacheProductInfo stores product data under its id.
func (c *Cache) CacheProductInfo(ctx context.Context, productID string, info any) error {
	return c.store.Set(ctx, "product:"+productID, info, cache.NSProductInfo, 0)
}

// GetProductInfo loads product data into dest.
func (c *Cache) GetProductInfo(ctx context.Context, productID string, dest any) (bool, error) {
	return c.store.GetJSON(ctx, "product:"+productID, cache.NSProductInfo, dest)
}

// CacheSearchResult stores a search result page under its normalized query.
func (c *Cache) CacheSearchResult(ctx context.Context, query string, results any) error {
	return c.store.Set(ctx, "search:"+normalize(query), results, cache.NSSearchResult, 0)
}

// GetSearchResult loads a cached search result page.
func (c *Cache) GetSearchResult(ctx context.Context, query string, dest any) (bool, error) {
	return c.store.GetJSON(ctx, "search:"+normalize(query), cache.NSSearchResult, dest)
}

// CacheEmbedding stores an embedding vector for a text.
func (c *Cache) CacheEmbedding(ctx context.Context, text string, vector []float64) error {
	return c.store.Set(ctx, "emb:"+normalize(text), vector, cache.NSEmbedding, 0)
}

// GetEmbedding loads a cached embedding vector.
func (c *Cache) GetEmbedding(ctx context.Context, text string) ([]float64, bool, error) {
	var vec []float64
	found, err := c.store.GetJSON(ctx, "emb:"+normalize(text), cache.NSEmbedding, &vec)
	if err != nil || !found {
		return nil, false, err
	}
	return vec, true, nil
}
