package blob

import (
	"bytes"
	"container/list"
	"context"
	"sync"
	"time"
)

// Entry is a cached file body. Key comes from CacheKey, never from the bare
// source id.
type Entry struct {
	Key         string    `json:"key"`
	Content     []byte    `json:"content"`
	ContentType string    `json:"content_type"`
	FileName    string    `json:"file_name"`
	Owner       string    `json:"owner"`
	StoredAt    time.Time `json:"stored_at"`
}

// Cache keeps file bodies between loads. Add never replaces an existing
// entry; Remove with a non-empty owner only drops entries that owner created.
type Cache interface {
	Get(ctx context.Context, key string) (*Entry, bool)
	Add(ctx context.Context, entry *Entry) bool
	Remove(ctx context.Context, key, owner string) bool
}

type memoryItem struct {
	entry     *Entry
	expiresAt time.Time
}

// MemoryCache is a byte-bounded LRU cache.
type MemoryCache struct {
	mu       sync.Mutex
	maxBytes int64
	ttl      time.Duration
	used     int64
	order    *list.List // front is most recently used
	items    map[string]*list.Element
	now      func() time.Time
}

var _ Cache = (*MemoryCache)(nil)

// NewMemoryCache builds a cache holding at most maxBytes of content.
// Entries older than ttl are treated as missing; zero ttl keeps them until evicted.
func NewMemoryCache(maxBytes int64, ttl time.Duration) *MemoryCache {
	return &MemoryCache{
		maxBytes: maxBytes,
		ttl:      ttl,
		order:    list.New(),
		items:    make(map[string]*list.Element),
		now:      time.Now,
	}
}

// Get returns a copy of the cached entry so the caller owns its bytes.
func (c *MemoryCache) Get(_ context.Context, key string) (*Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	elem, ok := c.items[key]
	if !ok {
		return nil, false
	}
	item := elem.Value.(*memoryItem)
	if !item.expiresAt.IsZero() && c.now().After(item.expiresAt) {
		c.removeLocked(elem)
		return nil, false
	}
	c.order.MoveToFront(elem)
	cp := *item.entry
	cp.Content = bytes.Clone(item.entry.Content)
	return &cp, true
}

// Add stores entry unless the source id is already cached or the entry
// alone exceeds the cache size.
func (c *MemoryCache) Add(_ context.Context, entry *Entry) bool {
	if entry == nil || entry.Key == "" {
		return false
	}
	size := int64(len(entry.Content))
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.maxBytes > 0 && size > c.maxBytes {
		return false
	}
	if elem, ok := c.items[entry.Key]; ok {
		item := elem.Value.(*memoryItem)
		if item.expiresAt.IsZero() || !c.now().After(item.expiresAt) {
			return false
		}
		c.removeLocked(elem)
	}
	cp := *entry
	cp.Content = bytes.Clone(entry.Content)
	if cp.StoredAt.IsZero() {
		cp.StoredAt = c.now()
	}
	item := &memoryItem{entry: &cp}
	if c.ttl > 0 {
		item.expiresAt = cp.StoredAt.Add(c.ttl)
	}
	c.items[cp.Key] = c.order.PushFront(item)
	c.used += size
	for c.maxBytes > 0 && c.used > c.maxBytes {
		oldest := c.order.Back()
		if oldest == nil {
			break
		}
		c.removeLocked(oldest)
	}
	return true
}

// Remove drops a cached entry. A non-empty owner must match the entry's owner.
func (c *MemoryCache) Remove(_ context.Context, key, owner string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	elem, ok := c.items[key]
	if !ok {
		return false
	}
	if owner != "" && elem.Value.(*memoryItem).entry.Owner != owner {
		return false
	}
	c.removeLocked(elem)
	return true
}

// Len reports how many entries are cached.
func (c *MemoryCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// UsedBytes reports the cached content size.
func (c *MemoryCache) UsedBytes() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.used
}

func (c *MemoryCache) removeLocked(elem *list.Element) {
	item := elem.Value.(*memoryItem)
	c.order.Remove(elem)
	delete(c.items, item.entry.Key)
	c.used -= int64(len(item.entry.Content))
}
