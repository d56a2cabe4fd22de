// Package infra holds small concurrency primitives shared across the
// runtime.
package infra

import "sync"

// Group suppresses duplicate units of work keyed by K. Concurrent
// callers of Do with the same key block on a single execution and all
// receive its result. The zero value is ready to use.
type Group[K comparable, V any] struct {
	mu    sync.Mutex
	calls map[K]*call[V]
}

type call[V any] struct {
	wg     sync.WaitGroup
	val    V
	err    error
	shared bool
}

// Do executes fn, ensuring only one execution is in flight for key at
// a time. Duplicate callers wait for the original and receive the same
// value and error. The third return reports whether the result was
// shared with another caller.
func (g *Group[K, V]) Do(key K, fn func() (V, error)) (V, error, bool) {
	g.mu.Lock()
	if g.calls == nil {
		g.calls = make(map[K]*call[V])
	}
	if c, ok := g.calls[key]; ok {
		c.shared = true
		g.mu.Unlock()
		c.wg.Wait()
		return c.val, c.err, true
	}

	c := new(call[V])
	c.wg.Add(1)
	g.calls[key] = c
	g.mu.Unlock()

	c.val, c.err = fn()

	g.mu.Lock()
	delete(g.calls, key)
	g.mu.Unlock()
	c.wg.Done()

	return c.val, c.err, c.shared
}

// Forget drops any in-flight record for key so the next Do executes fn
// again instead of waiting on an earlier call.
func (g *Group[K, V]) Forget(key K) {
	g.mu.Lock()
	delete(g.calls, key)
	g.mu.Unlock()
}
