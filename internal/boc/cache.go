// Package boc is a content addressed, size bounded cache for serialized
// ledger objects (bags of cells).
package boc

import (
	"container/list"
	"context"
	"encoding/base64"
	"encoding/hex"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/blake2b"

	"github.com/austindbirch/tonharbor/internal/clienterr"
	"github.com/austindbirch/tonharbor/internal/logging"
	"github.com/austindbirch/tonharbor/internal/metrics"
)

// Store is optional persistent storage behind the cache. Load returns
// (nil, nil) when the key is absent.
type Store interface {
	Load(ctx context.Context, key string) ([]byte, error)
	Store(ctx context.Context, key string, data []byte) error
}

type entry struct {
	key      string
	data     []byte
	pinned   bool
	accessed time.Time
	elem     *list.Element // position in the LRU list, nil when pinned
}

type Stats struct {
	Entries       int   `json:"entries"`
	Pinned        int   `json:"pinned"`
	Bytes         int64 `json:"bytes"`
	PinnedBytes   int64 `json:"pinned_bytes"`
	CapacityBytes int64 `json:"capacity_bytes"`
}

// Cache keeps total size within capacity by evicting unpinned entries in
// least recently accessed order.
type Cache struct {
	capacity int64
	store    Store
	log      *logging.Logger
	now      func() time.Time

	mu          sync.Mutex
	entries     map[string]*entry
	lru         *list.List // front is most recently accessed, unpinned only
	size        int64
	pinnedBytes int64
}

type Option func(*Cache)

// WithStore adds write-through/read-through persistence
func WithStore(s Store) Option {
	return func(c *Cache) { c.store = s }
}

func WithLogger(l *logging.Logger) Option {
	return func(c *Cache) { c.log = l }
}

func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

func New(capacity int64, opts ...Option) (*Cache, error) {
	if capacity <= 0 {
		return nil, clienterr.New(clienterr.KindInvalidConfig, "boc cache capacity must be positive, got %d", capacity)
	}
	c := &Cache{
		capacity: capacity,
		log:      logging.Default(),
		now:      time.Now,
		entries:  make(map[string]*entry),
		lru:      list.New(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Key returns the content hash used as the cache key
func Key(data []byte) string {
	sum := blake2b.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// RefPrefix marks a string as a cache reference instead of inline base64
const RefPrefix = "*"

// Ref formats a key as a cache reference
func Ref(key string) string {
	return RefPrefix + key
}

// Resolve returns the payload named by s, which is either a cache reference
// or base64 encoded content.
func (c *Cache) Resolve(ctx context.Context, s string) ([]byte, error) {
	if key, ok := strings.CutPrefix(s, RefPrefix); ok {
		return c.Get(ctx, key)
	}
	data, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, clienterr.Wrap(clienterr.KindInvalidBocCacheInsert, err, "boc is neither a cache reference nor base64")
	}
	return data, nil
}

// Put inserts data and returns its key. Re-inserting identical content
// refreshes the existing entry, and pinning it again pins it. A payload that
// cannot fit without evicting pinned data is rejected and nothing is evicted.
func (c *Cache) Put(ctx context.Context, data []byte, pinned bool) (string, error) {
	return c.put(ctx, data, pinned, c.store != nil)
}

func (c *Cache) put(ctx context.Context, data []byte, pinned, writeThrough bool) (string, error) {
	key := Key(data)
	size := int64(len(data))

	c.mu.Lock()
	if e, ok := c.entries[key]; ok {
		c.touch(e)
		if pinned && !e.pinned {
			c.pin(e)
		}
		c.mu.Unlock()
		metrics.RecordCacheEvent("refresh")
		return key, nil
	}

	if size > c.capacity {
		c.mu.Unlock()
		metrics.RecordCacheEvent("rejected")
		return "", clienterr.New(clienterr.KindInvalidBocCacheInsert,
			"payload of %d bytes exceeds cache capacity of %d bytes", size, c.capacity)
	}
	// only unpinned bytes can be reclaimed
	if c.pinnedBytes+size > c.capacity {
		c.mu.Unlock()
		metrics.RecordCacheEvent("rejected")
		return "", clienterr.New(clienterr.KindInvalidBocCacheInsert,
			"pinned entries hold %d of %d bytes, no room for %d bytes", c.pinnedBytes, c.capacity, size)
	}

	evicted := 0
	for c.size+size > c.capacity && c.evictOldest() {
		evicted++
	}

	stored := make([]byte, len(data))
	copy(stored, data)
	e := &entry{key: key, data: stored, accessed: c.now()}
	c.entries[key] = e
	c.size += size
	if pinned {
		e.pinned = true
		c.pinnedBytes += size
	} else {
		e.elem = c.lru.PushFront(e)
	}
	total := c.size
	c.mu.Unlock()

	for i := 0; i < evicted; i++ {
		metrics.RecordCacheEvent("eviction")
	}
	metrics.SetCacheBytes(total)

	if writeThrough {
		if err := c.store.Store(ctx, key, data); err != nil {
			// the in-memory entry is still valid
			c.log.WithContext(ctx).WithField("boc_key", key).WithError(err).Warn("boc store write failed")
		}
	}
	return key, nil
}

// Get returns a copy of the payload for key. On a memory miss the backing
// store is consulted and a hit there is re-admitted unpinned.
func (c *Cache) Get(ctx context.Context, key string) ([]byte, error) {
	c.mu.Lock()
	if e, ok := c.entries[key]; ok {
		c.touch(e)
		out := make([]byte, len(e.data))
		copy(out, e.data)
		c.mu.Unlock()
		metrics.RecordCacheEvent("hit")
		return out, nil
	}
	c.mu.Unlock()
	metrics.RecordCacheEvent("miss")

	if c.store != nil {
		data, err := c.store.Load(ctx, key)
		if err != nil {
			c.log.WithContext(ctx).WithField("boc_key", key).WithError(err).Warn("boc store read failed")
		} else if data != nil && Key(data) == key {
			// a payload too large to re-admit is still a valid answer
			_, _ = c.put(ctx, data, false, false)
			return data, nil
		}
	}
	return nil, clienterr.New(clienterr.KindNotFound, "boc %s not in cache", key)
}

// Unpin makes an entry eligible for eviction again
func (c *Cache) Unpin(key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return clienterr.New(clienterr.KindNotFound, "boc %s not in cache", key)
	}
	if !e.pinned {
		return nil
	}
	e.pinned = false
	c.pinnedBytes -= int64(len(e.data))
	e.elem = c.lru.PushFront(e)
	return nil
}

func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	pinned := 0
	for _, e := range c.entries {
		if e.pinned {
			pinned++
		}
	}
	return Stats{
		Entries:       len(c.entries),
		Pinned:        pinned,
		Bytes:         c.size,
		PinnedBytes:   c.pinnedBytes,
		CapacityBytes: c.capacity,
	}
}

func (c *Cache) touch(e *entry) {
	e.accessed = c.now()
	if e.elem != nil {
		c.lru.MoveToFront(e.elem)
	}
}

func (c *Cache) pin(e *entry) {
	e.pinned = true
	c.pinnedBytes += int64(len(e.data))
	if e.elem != nil {
		c.lru.Remove(e.elem)
		e.elem = nil
	}
}

// evictOldest drops the least recently accessed unpinned entry
func (c *Cache) evictOldest() bool {
	back := c.lru.Back()
	if back == nil {
		return false
	}
	e := c.lru.Remove(back).(*entry)
	delete(c.entries, e.key)
	c.size -= int64(len(e.data))
	return true
}
