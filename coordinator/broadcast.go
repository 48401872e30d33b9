package coordinator

import (
	"sort"
	"sync"

	"pkt.systems/maintd/api"
)

// Event announces a cache write to every observer sharing the cache.
type Event struct {
	Entry
	// Previous is the state that was replaced, valid when HasPrevious is set.
	Previous    api.State
	HasPrevious bool
}

// Channel fans events out to subscribers. Caches publish on a Hub unless
// given another Channel through WithChannel or FileCacheOptions.Channel.
type Channel interface {
	Publish(Event)
	Subscribe(fn func(Event)) (unsubscribe func())
}

// Hub is an in-process Channel. Publish delivers to every subscriber, in
// subscription order, before it returns. Subscribers must not publish on the
// same hub from inside their callback.
type Hub struct {
	mu   sync.RWMutex
	subs map[uint64]func(Event)
	next uint64
}

// NewHub returns an empty hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[uint64]func(Event))}
}

// Publish delivers ev synchronously.
func (h *Hub) Publish(ev Event) {
	for _, fn := range h.snapshot() {
		fn(ev)
	}
}

// Subscribe registers fn and returns a function removing it. The returned
// function is safe to call more than once.
func (h *Hub) Subscribe(fn func(Event)) func() {
	if fn == nil {
		return func() {}
	}
	h.mu.Lock()
	h.next++
	id := h.next
	h.subs[id] = fn
	h.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			h.mu.Unlock()
		})
	}
}

// Len returns the number of subscribers.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

func (h *Hub) snapshot() []func(Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	ids := make([]uint64, 0, len(h.subs))
	for id := range h.subs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	fns := make([]func(Event), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, h.subs[id])
	}
	return fns
}
