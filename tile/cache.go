package tile

import (
	"strings"
	"sync"
	"time"

	"github.com/karlseguin/ccache/v3"
)

// SampleCache stores decoded 2D planes by key. Implementations must be safe
// for concurrent use.
type SampleCache interface {
	Get(key string) ([]float32, bool)
	Set(key string, data []float32)
	// DeletePrefix drops every entry whose key starts with prefix and
	// returns how many were dropped.
	DeletePrefix(prefix string) int
	Len() int
}

// MapCache is an unbounded SampleCache.
type MapCache struct {
	mu    sync.RWMutex
	items map[string][]float32
}

func NewMapCache() *MapCache {
	return &MapCache{items: make(map[string][]float32)}
}

func (c *MapCache) Get(key string) ([]float32, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.items[key]
	return v, ok
}

func (c *MapCache) Set(key string, data []float32) {
	c.mu.Lock()
	c.items[key] = data
	c.mu.Unlock()
}

func (c *MapCache) DeletePrefix(prefix string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for k := range c.items {
		if strings.HasPrefix(k, prefix) {
			delete(c.items, k)
			n++
		}
	}
	return n
}

func (c *MapCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

// DefaultTTL is how long a plane stays in an LRUCache.
const DefaultTTL = 10 * time.Minute

// LRUCache is a SampleCache bounded to a number of planes, shared by every
// tile of a layer.
type LRUCache struct {
	cache *ccache.Cache[[]float32]
	ttl   time.Duration
}

func NewLRUCache(maxSize int64, itemsToPrune uint32) *LRUCache {
	return &LRUCache{
		cache: ccache.New(ccache.Configure[[]float32]().MaxSize(maxSize).ItemsToPrune(itemsToPrune)),
		ttl:   DefaultTTL,
	}
}

func (c *LRUCache) Get(key string) ([]float32, bool) {
	item := c.cache.Get(key)
	if item == nil || item.Expired() {
		return nil, false
	}
	return item.Value(), true
}

func (c *LRUCache) Set(key string, data []float32) {
	c.cache.Set(key, data, c.ttl)
}

func (c *LRUCache) DeletePrefix(prefix string) int {
	return c.cache.DeletePrefix(prefix)
}

func (c *LRUCache) Len() int {
	return c.cache.ItemCount()
}

// Stop ends the background worker of the cache.
func (c *LRUCache) Stop() {
	c.cache.Stop()
}

var (
	_ SampleCache = (*MapCache)(nil)
	_ SampleCache = (*LRUCache)(nil)
)
