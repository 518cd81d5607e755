package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

type cacheEntry struct {
	value    any
	storedAt time.Time
}

// ResultCache is an LRU of successful tool results with a freshness window.
type ResultCache struct {
	entries *lru.Cache[string, cacheEntry]
	ttl     time.Duration
	now     func() time.Time
}

func NewResultCache(size int, ttl time.Duration) (*ResultCache, error) {
	if size <= 0 {
		size = 256
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	entries, err := lru.New[string, cacheEntry](size)
	if err != nil {
		return nil, fmt.Errorf("tool cache: %w", err)
	}
	return &ResultCache{entries: entries, ttl: ttl, now: time.Now}, nil
}

func (c *ResultCache) Len() int { return c.entries.Len() }

// cacheKey relies on encoding/json writing map keys in sorted order.
func cacheKey(tool string, params map[string]any) (string, bool) {
	data, err := json.Marshal(params)
	if err != nil {
		return "", false
	}
	return tool + "|" + string(data), true
}

// Cached wraps a read-only definition so repeated calls with equal params are served
// from c. Errors are never cached. Definitions that are not ReadOnly are returned as is.
func Cached(def Definition, c *ResultCache) Definition {
	if c == nil || !def.ReadOnly || def.Invoke == nil {
		return def
	}
	invoke := def.Invoke
	def.Invoke = func(ctx context.Context, params map[string]any) (any, error) {
		key, ok := cacheKey(def.Name, params)
		if !ok {
			return invoke(ctx, params)
		}
		if entry, hit := c.entries.Get(key); hit {
			if c.now().Sub(entry.storedAt) < c.ttl {
				return entry.value, nil
			}
			c.entries.Remove(key)
		}
		value, err := invoke(ctx, params)
		if err != nil {
			return nil, err
		}
		c.entries.Add(key, cacheEntry{value: value, storedAt: c.now()})
		return value, nil
	}
	return def
}
