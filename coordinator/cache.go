package coordinator

import (
	"errors"
	"sync"
	"time"

	"pkt.systems/maintd/api"
)

// ErrCacheClosed is returned by Set after Close.
var ErrCacheClosed = errors.New("coordinator: cache closed")

// Entry is one write to the device cache.
type Entry struct {
	State api.State
	// Origin identifies the writer so it can skip its own echo.
	Origin string
	// ConfirmBy is set on an optimistic write whose remote confirmation is
	// still outstanding. Observers sharing the cache do not let a poll
	// overwrite the entry before this deadline.
	ConfirmBy time.Time
}

// Unconfirmed reports whether the entry is an optimistic write awaiting
// confirmation at now.
func (e Entry) Unconfirmed(now time.Time) bool {
	return !e.ConfirmBy.IsZero() && now.Before(e.ConfirmBy)
}

// Cache is the device-local replica of the maintenance state. Set stores the
// entry and broadcasts an Event before returning; no other Set can run
// between the two.
type Cache interface {
	Get() (Entry, bool)
	Set(entry Entry) error
	Subscribe(fn func(Event)) (unsubscribe func())
	Close() error
}

// CacheOption customises NewMemoryCache.
type CacheOption func(*MemoryCache)

// WithChannel publishes cache events on ch instead of a private Hub.
func WithChannel(ch Channel) CacheOption {
	return func(c *MemoryCache) {
		if ch != nil {
			c.ch = ch
		}
	}
}

// MemoryCache is a process-local Cache. Every coordinator created with the
// same MemoryCache observes the same slot.
type MemoryCache struct {
	ch Channel

	pubMu  sync.Mutex
	mu     sync.RWMutex
	entry  Entry
	ok     bool
	closed bool
}

// NewMemoryCache returns an empty cache.
func NewMemoryCache(opts ...CacheOption) *MemoryCache {
	c := &MemoryCache{ch: NewHub()}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// Get returns the cached entry, if any.
func (c *MemoryCache) Get() (Entry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.entry, c.ok
}

// Set stores entry and publishes the change to subscribers.
func (c *MemoryCache) Set(entry Entry) error {
	c.pubMu.Lock()
	defer c.pubMu.Unlock()
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrCacheClosed
	}
	prev, had := c.entry.State, c.ok
	c.entry, c.ok = entry, true
	c.mu.Unlock()
	c.ch.Publish(Event{Entry: entry, Previous: prev, HasPrevious: had})
	return nil
}

// Subscribe registers fn for every Set.
func (c *MemoryCache) Subscribe(fn func(Event)) func() {
	return c.ch.Subscribe(fn)
}

// Close rejects further writes. Reads keep returning the last value.
func (c *MemoryCache) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}
