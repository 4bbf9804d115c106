package pricecache

import (
	"context"
	"sync"
	"time"
)

// call is one shared lookup. done is closed once val and err are set.
type call[V any] struct {
	done chan struct{}
	val  V
	err  error
}

// group memoizes lookups by key. Concurrent requests for a key that is still
// in flight wait on the same call. Failed calls are dropped so the next
// request starts over.
type group[K comparable, V any] struct {
	mu      sync.Mutex
	entries map[K]*call[V]
}

// do returns the result for key, starting fetch if nothing is cached or in
// flight. fetch runs detached from ctx, bounded by timeout, so one impatient
// caller cannot fail the lookup for the others. shared reports whether the
// result came from an existing entry.
func (g *group[K, V]) do(ctx context.Context, key K, timeout time.Duration, fetch func(context.Context) (V, error)) (val V, shared bool, err error) {
	g.mu.Lock()
	if g.entries == nil {
		g.entries = make(map[K]*call[V])
	}
	c, ok := g.entries[key]
	if !ok {
		c = &call[V]{done: make(chan struct{})}
		g.entries[key] = c
		go g.run(ctx, key, c, timeout, fetch)
	}
	g.mu.Unlock()

	select {
	case <-c.done:
		return c.val, ok, c.err
	case <-ctx.Done():
		var zero V
		return zero, ok, ctx.Err()
	}
}

func (g *group[K, V]) run(parent context.Context, key K, c *call[V], timeout time.Duration, fetch func(context.Context) (V, error)) {
	ctx := context.WithoutCancel(parent)
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	c.val, c.err = fetch(ctx)
	if c.err != nil {
		g.mu.Lock()
		// Clear may have replaced the entry already.
		if g.entries[key] == c {
			delete(g.entries, key)
		}
		g.mu.Unlock()
	}
	close(c.done)
}

// forget drops every entry. Lookups already in flight still complete for
// their waiters but are no longer shared with new callers.
func (g *group[K, V]) forget() {
	g.mu.Lock()
	g.entries = nil
	g.mu.Unlock()
}

func (g *group[K, V]) len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.entries)
}
