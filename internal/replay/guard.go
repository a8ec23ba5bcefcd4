// ABOUTME: Thread-safe TTL registry of recently completed call identifiers.
// ABOUTME: Ensures a replayed request can never produce a second response.

package replay

import (
	"container/list"
	"sync"
	"time"
)

// entry stores the completion timestamp and list element for a remembered key.
type entry struct {
	completedAt time.Time
	element     *list.Element
}

// Guard remembers correlation keys of recently completed calls for a bounded
// window. The dispatcher consults it before accepting a request so that a
// request yields at most one response even if the client retransmits it.
// Insertion order is kept in a doubly-linked list for O(1) eviction.
type Guard struct {
	mu         sync.RWMutex
	completed  map[string]*entry
	order      *list.List // keys in completion order, oldest at front
	window     time.Duration
	maxEntries int
	done       chan struct{}
	closed     bool
}

// New creates a replay guard remembering keys for the given window, holding at
// most maxEntries. A background goroutine reclaims expired entries.
func New(window time.Duration, maxEntries int) *Guard {
	g := &Guard{
		completed:  make(map[string]*entry),
		order:      list.New(),
		window:     window,
		maxEntries: maxEntries,
		done:       make(chan struct{}),
	}
	go g.reap()
	return g
}

// Seen reports whether key completed within the window.
func (g *Guard) Seen(key string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()

	e, ok := g.completed[key]
	if !ok {
		return false
	}
	return time.Since(e.completedAt) < g.window
}

// Remember records that key's call completed. If the guard is at capacity the
// oldest entry is evicted.
func (g *Guard) Remember(key string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.rememberLocked(key)
}

// rememberLocked must be called with mu held.
func (g *Guard) rememberLocked(key string) {
	now := time.Now()

	if e, exists := g.completed[key]; exists {
		e.completedAt = now
		g.order.MoveToBack(e.element)
		return
	}

	if len(g.completed) >= g.maxEntries {
		g.evictOldest()
	}

	elem := g.order.PushBack(key)
	g.completed[key] = &entry{completedAt: now, element: elem}
}

// evictOldest removes the oldest entry. Must be called with mu held.
func (g *Guard) evictOldest() {
	front := g.order.Front()
	if front == nil {
		return
	}
	key, _ := front.Value.(string)
	g.order.Remove(front)
	delete(g.completed, key)
}

// Len returns the number of remembered keys, expired ones included until the
// next reap pass.
func (g *Guard) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.completed)
}

// reap periodically drops entries older than the window.
func (g *Guard) reap() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			g.reapOnce()
		case <-g.done:
			return
		}
	}
}

func (g *Guard) reapOnce() {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := time.Now()
	for key, e := range g.completed {
		if now.Sub(e.completedAt) > g.window {
			g.order.Remove(e.element)
			delete(g.completed, key)
		}
	}
}

// Close stops the background reaper. Safe to call multiple times.
func (g *Guard) Close() {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.closed {
		close(g.done)
		g.closed = true
	}
}
