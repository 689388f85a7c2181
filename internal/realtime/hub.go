// Package realtime fans record changes out to in-process subscribers and
// tracks the connection leases that keep doctors online.
package realtime

import (
	"strings"
	"sync"
)

// Hub is an in-process publish/subscribe switch keyed by record path, such as
// "doctors/{id}" or "sessions/{id}/chat". Subscribers run synchronously on the
// publishing goroutine, outside the hub lock, in subscription order.
type Hub struct {
	mu     sync.RWMutex
	next   uint64
	exact  map[string][]subscription
	prefix map[string][]subscription
}

type subscription struct {
	id uint64
	fn func(key string, payload any)
}

// NewHub constructs an empty hub.
func NewHub() *Hub {
	return &Hub{
		exact:  make(map[string][]subscription),
		prefix: make(map[string][]subscription),
	}
}

// Publish delivers payload to subscribers of key and of every parent path of key.
func (h *Hub) Publish(key string, payload any) {
	if h == nil {
		return
	}

	h.mu.RLock()
	targets := append([]subscription(nil), h.exact[key]...)
	for path := key; path != ""; path = parent(path) {
		targets = append(targets, h.prefix[path]...)
	}
	h.mu.RUnlock()

	for _, sub := range targets {
		sub.fn(key, payload)
	}
}

// Subscribe registers fn for publications on exactly key.
func (h *Hub) Subscribe(key string, fn func(payload any)) func() {
	return h.add(h.exact, key, func(_ string, payload any) { fn(payload) })
}

// SubscribeTree registers fn for publications on path and on any key below it,
// so "sessions/s-1" also receives "sessions/s-1/chat".
func (h *Hub) SubscribeTree(path string, fn func(key string, payload any)) func() {
	return h.add(h.prefix, strings.TrimSuffix(path, "/"), fn)
}

// Subscribers reports how many callbacks are registered, for diagnostics.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	total := 0
	for _, subs := range h.exact {
		total += len(subs)
	}
	for _, subs := range h.prefix {
		total += len(subs)
	}
	return total
}

func (h *Hub) add(index map[string][]subscription, key string, fn func(string, any)) func() {
	h.mu.Lock()
	h.next++
	id := h.next
	index[key] = append(index[key], subscription{id: id, fn: fn})
	h.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			subs := index[key]
			for i, sub := range subs {
				if sub.id == id {
					index[key] = append(subs[:i:i], subs[i+1:]...)
					break
				}
			}
			if len(index[key]) == 0 {
				delete(index, key)
			}
		})
	}
}

func parent(path string) string {
	idx := strings.LastIndexByte(path, '/')
	if idx <= 0 {
		return ""
	}
	return path[:idx]
}
