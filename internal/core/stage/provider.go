package stage

import (
	"container/list"
	"context"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/kirillkom/document-analysis-engine/internal/core/domain"
	"github.com/kirillkom/document-analysis-engine/internal/core/ports"
)

// CacheKey identifies one provider-backed stage output.
type CacheKey struct {
	DocumentID string
	Stage      string
	Workflow   string
	Digest     string
}

func (k CacheKey) String() string {
	return k.DocumentID + "|" + k.Stage + "|" + k.Workflow + "|" + k.Digest
}

// Completer is the provider view strategies depend on.
type Completer interface {
	Complete(ctx context.Context, key CacheKey, prompt string, cfg domain.CompletionConfig) (string, error)
}

// ProviderCache memoizes provider completions per key so re-runs over the
// same text read back the same output. Concurrent misses for one key share a
// single provider call. Errors are never cached.
type ProviderCache struct {
	provider ports.AIProvider
	capacity int

	mu      sync.Mutex
	entries map[CacheKey]*list.Element
	order   *list.List

	group singleflight.Group
}

type cacheEntry struct {
	key   CacheKey
	value string
}

func NewProviderCache(provider ports.AIProvider, capacity int) *ProviderCache {
	if capacity <= 0 {
		capacity = 512
	}
	return &ProviderCache{
		provider: provider,
		capacity: capacity,
		entries:  make(map[CacheKey]*list.Element, capacity),
		order:    list.New(),
	}
}

func (c *ProviderCache) Complete(ctx context.Context, key CacheKey, prompt string, cfg domain.CompletionConfig) (string, error) {
	if v, ok := c.get(key); ok {
		return v, nil
	}
	v, err, _ := c.group.Do(key.String(), func() (any, error) {
		if v, ok := c.get(key); ok {
			return v, nil
		}
		out, err := c.provider.Complete(ctx, prompt, cfg)
		if err != nil {
			return "", err
		}
		c.put(key, out)
		return out, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// Len reports the number of cached entries.
func (c *ProviderCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

func (c *ProviderCache) get(key CacheKey) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.entries[key]
	if !ok {
		return "", false
	}
	c.order.MoveToFront(el)
	return el.Value.(*cacheEntry).value, true
}

func (c *ProviderCache) put(key CacheKey, value string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.entries[key]; ok {
		el.Value.(*cacheEntry).value = value
		c.order.MoveToFront(el)
		return
	}
	c.entries[key] = c.order.PushFront(&cacheEntry{key: key, value: value})
	for c.order.Len() > c.capacity {
		oldest := c.order.Back()
		c.order.Remove(oldest)
		delete(c.entries, oldest.Value.(*cacheEntry).key)
	}
}
