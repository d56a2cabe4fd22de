package sessions

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/haasonsaas/strand/internal/observability"
	"github.com/haasonsaas/strand/pkg/models"
)

// writeQueueSize bounds the number of pending write requests. Enqueue
// blocks once the queue is full, which throttles producers instead of
// growing memory without limit.
const writeQueueSize = 64

// writeRequest is one unit of work for the writer goroutine. Exactly one
// of entries, setTitle, barrier, or shutdown is set.
type writeRequest struct {
	entries  []models.Entry
	title    string
	setTitle bool
	barrier  chan error
	shutdown bool
}

// entryWriter serializes backend writes for one session on a dedicated
// goroutine. Appends return immediately; flush installs a barrier and
// waits until everything queued before it has been written. The first
// write error is sticky and is reported by every later flush, so a failed
// append is never silently dropped.
//
// The queue channel is never closed. Shutdown travels through the queue
// as a sentinel, so a flush racing a stop can always send safely and is
// released by the done channel if the goroutine exits first.
type entryWriter struct {
	backend   Backend
	sessionID string
	logger    *observability.Logger
	metrics   *observability.Metrics

	queue chan writeRequest
	done  chan struct{}

	mu  sync.Mutex
	err error
}

func newEntryWriter(backend Backend, sessionID string, logger *observability.Logger, metrics *observability.Metrics) *entryWriter {
	if logger != nil {
		logger = logger.WithFields("session_id", sessionID, "backend", backend.Name())
	}
	w := &entryWriter{
		backend:   backend,
		sessionID: sessionID,
		logger:    logger,
		metrics:   metrics,
		queue:     make(chan writeRequest, writeQueueSize),
		done:      make(chan struct{}),
	}
	go w.run()
	return w
}

func (w *entryWriter) run() {
	defer close(w.done)

	for req := range w.queue {
		if req.shutdown {
			req.barrier <- w.lastErr()
			return
		}
		if req.barrier != nil {
			req.barrier <- w.lastErr()
			continue
		}

		// Writes use a background context: a caller abandoning its
		// flush must not cancel data already accepted for persistence.
		start := time.Now()
		var err error
		switch {
		case req.setTitle:
			err = w.backend.SetTitle(context.Background(), w.sessionID, req.title)
		default:
			err = w.backend.AppendEntries(context.Background(), w.sessionID, req.entries)
		}
		status := "ok"
		if err != nil {
			status = "error"
			w.recordErr(err)
			if w.logger != nil {
				w.logger.Error(context.Background(), "session write failed", "error", err)
			}
		}
		if w.metrics != nil {
			w.metrics.RecordStoreWrite(w.backend.Name(), status, time.Since(start).Seconds())
		}
	}
}

func (w *entryWriter) lastErr() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.err
}

func (w *entryWriter) recordErr(err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err == nil {
		w.err = err
	}
}

// enqueue schedules entries for persistence. The slice must not be
// mutated by the caller afterwards. Callers must not enqueue after stop.
func (w *entryWriter) enqueue(entries ...models.Entry) {
	if len(entries) == 0 {
		return
	}
	w.queue <- writeRequest{entries: entries}
}

// enqueueTitle schedules a title update after all previously queued
// entry writes.
func (w *entryWriter) enqueueTitle(title string) {
	w.queue <- writeRequest{title: title, setTitle: true}
}

// flush blocks until every write queued before the call has reached the
// backend, then reports the sticky error state.
func (w *entryWriter) flush(ctx context.Context) error {
	return w.await(ctx, writeRequest{barrier: make(chan error, 1)})
}

// stop drains the queue and terminates the writer goroutine. Safe to call
// more than once.
func (w *entryWriter) stop(ctx context.Context) error {
	return w.await(ctx, writeRequest{barrier: make(chan error, 1), shutdown: true})
}

func (w *entryWriter) await(ctx context.Context, req writeRequest) error {
	select {
	case w.queue <- req:
	case <-w.done:
		return w.wrap(w.lastErr())
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-req.barrier:
		return w.wrap(err)
	case <-w.done:
		// The goroutine exited on a shutdown sentinel queued ahead of
		// this request.
		return w.wrap(w.lastErr())
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *entryWriter) wrap(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("session %s: %w", w.sessionID, err)
}
