// Package debounce batches bursts of items into a single delayed
// flush. Items are grouped by a caller-supplied key; each new item for
// a key restarts that key's timer, so a flush fires only after the key
// has been quiet for the configured delay.
package debounce

import (
	"sync"
	"time"
)

const defaultDelay = 250 * time.Millisecond

// Debouncer collects items of type T and flushes them in batches once
// a key goes quiet. Safe for concurrent use.
type Debouncer[T any] struct {
	delay    time.Duration
	buildKey func(*T) string
	onFlush  func([]*T) error
	onError  func(error, []*T)

	mu      sync.Mutex
	pending map[string]*batch[T]
	stopped bool
}

type batch[T any] struct {
	items []*T
	timer *time.Timer
}

// Option configures a Debouncer.
type Option[T any] func(*Debouncer[T])

// WithDelay sets the quiet period before a batch flushes.
func WithDelay[T any](d time.Duration) Option[T] {
	return func(db *Debouncer[T]) {
		if d > 0 {
			db.delay = d
		}
	}
}

// WithBuildKey sets the function that groups items into batches. Items
// with the same key flush together.
func WithBuildKey[T any](fn func(*T) string) Option[T] {
	return func(db *Debouncer[T]) { db.buildKey = fn }
}

// WithOnFlush sets the callback invoked with each flushed batch.
func WithOnFlush[T any](fn func([]*T) error) Option[T] {
	return func(db *Debouncer[T]) { db.onFlush = fn }
}

// WithOnError sets the callback invoked when a flush returns an error.
func WithOnError[T any](fn func(error, []*T)) Option[T] {
	return func(db *Debouncer[T]) { db.onError = fn }
}

// New builds a Debouncer from the given options. Without WithBuildKey
// all items share one batch.
func New[T any](opts ...Option[T]) *Debouncer[T] {
	db := &Debouncer[T]{
		delay:    defaultDelay,
		buildKey: func(*T) string { return "" },
		pending:  make(map[string]*batch[T]),
	}
	for _, opt := range opts {
		opt(db)
	}
	return db
}

// Enqueue adds item to its key's batch and restarts the key's timer.
// Items enqueued after Stop are dropped.
func (db *Debouncer[T]) Enqueue(item *T) {
	key := db.buildKey(item)

	db.mu.Lock()
	defer db.mu.Unlock()
	if db.stopped {
		return
	}

	b, ok := db.pending[key]
	if !ok {
		b = &batch[T]{}
		db.pending[key] = b
	}
	b.items = append(b.items, item)

	if b.timer != nil {
		b.timer.Stop()
	}
	b.timer = time.AfterFunc(db.delay, func() { db.flush(key) })
}

func (db *Debouncer[T]) flush(key string) {
	db.mu.Lock()
	b, ok := db.pending[key]
	if ok {
		delete(db.pending, key)
	}
	stopped := db.stopped
	db.mu.Unlock()

	if !ok || stopped || len(b.items) == 0 {
		return
	}
	if db.onFlush == nil {
		return
	}
	if err := db.onFlush(b.items); err != nil && db.onError != nil {
		db.onError(err, b.items)
	}
}

// Stop cancels all pending batches. Their items are dropped without
// flushing, and further Enqueue calls are ignored.
func (db *Debouncer[T]) Stop() {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.stopped = true
	for key, b := range db.pending {
		if b.timer != nil {
			b.timer.Stop()
		}
		delete(db.pending, key)
	}
}
