package cache

import (
	"sync"
	"time"
)

type CacheItem struct {
	Value      interface{}
	Expiration int64
}

// MemoryCache is a TTL cache on top of sync.Map
type MemoryCache struct {
	items  sync.Map
	now    func() time.Time
	stopCh chan struct{}
	once   sync.Once
}

// NewMemoryCache creates a cache whose expired items are swept every interval.
// A zero interval disables the sweeper; expired items are still hidden by Get.
func NewMemoryCache(sweep time.Duration) *MemoryCache {
	c := &MemoryCache{
		now:    time.Now,
		stopCh: make(chan struct{}),
	}
	if sweep > 0 {
		go c.cleanupExpired(sweep)
	}
	return c
}

// Set stores a value. A zero ttl never expires.
func (c *MemoryCache) Set(key string, value interface{}, ttl time.Duration) {
	var expiration int64
	if ttl > 0 {
		expiration = c.now().Add(ttl).UnixNano()
	}
	c.items.Store(key, &CacheItem{
		Value:      value,
		Expiration: expiration,
	})
}

func (c *MemoryCache) Get(key string) (interface{}, bool) {
	item, exists := c.items.Load(key)
	if !exists {
		return nil, false
	}

	cacheItem := item.(*CacheItem)
	if c.expired(cacheItem) {
		c.items.Delete(key)
		return nil, false
	}
	return cacheItem.Value, true
}

// GetString is Get for string values
func (c *MemoryCache) GetString(key string) (string, bool) {
	v, ok := c.Get(key)
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

func (c *MemoryCache) Delete(key string) {
	c.items.Delete(key)
}

// Len counts live items
func (c *MemoryCache) Len() int {
	n := 0
	c.items.Range(func(_, value interface{}) bool {
		if !c.expired(value.(*CacheItem)) {
			n++
		}
		return true
	})
	return n
}

// Stop ends the sweeper
func (c *MemoryCache) Stop() {
	c.once.Do(func() { close(c.stopCh) })
}

func (c *MemoryCache) expired(item *CacheItem) bool {
	return item.Expiration > 0 && c.now().UnixNano() > item.Expiration
}

func (c *MemoryCache) cleanupExpired(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.items.Range(func(key, value interface{}) bool {
				if c.expired(value.(*CacheItem)) {
					c.items.Delete(key)
				}
				return true
			})
		case <-c.stopCh:
			return
		}
	}
}
