package shell

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/haasonsaas/strand/internal/observability"
)

// Status describes where an execution is in its lifecycle.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusKilled    Status = "killed"
)

const (
	// DefaultFinishedTTL is how long finished execution records stay
	// visible before the sweeper drops them.
	DefaultFinishedTTL = 30 * time.Minute

	// MinFinishedTTL and MaxFinishedTTL bound configurable TTLs.
	MinFinishedTTL = 1 * time.Minute
	MaxFinishedTTL = 3 * time.Hour

	// finishedTailChars bounds the output kept on finished records.
	// Full output lives in the session entry, not the registry.
	finishedTailChars = 2000
)

// Execution is a live command tracked by the registry.
type Execution struct {
	ID        string
	Command   string
	PID       int
	StartedAt time.Time

	// abort asks the runner to kill the process group. Safe to call
	// more than once.
	abort func()
}

// Finished is the retained record of an execution that has ended.
type Finished struct {
	ID        string
	Command   string
	PID       int
	StartedAt time.Time
	EndedAt   time.Time
	Status    Status
	ExitCode  int
	Cancelled bool

	// Output is a short tail of the sanitized output.
	Output    string
	Truncated bool
}

// Registry tracks running executions and keeps finished ones around
// for a TTL so they can still be inspected after the turn moved on.
// Running executions are never evicted.
type Registry struct {
	mu       sync.Mutex
	running  map[string]*Execution
	finished map[string]*Finished

	ttl     time.Duration
	logger  *observability.Logger
	nowFunc func() time.Time

	sweepStop chan struct{}
	sweepDone chan struct{}
}

// NewRegistry creates a registry. A zero ttl means DefaultFinishedTTL;
// out-of-range values are clamped.
func NewRegistry(ttl time.Duration, logger *observability.Logger) *Registry {
	if ttl <= 0 {
		ttl = DefaultFinishedTTL
	}
	if ttl < MinFinishedTTL {
		ttl = MinFinishedTTL
	}
	if ttl > MaxFinishedTTL {
		ttl = MaxFinishedTTL
	}
	if logger != nil {
		logger = logger.WithFields("component", "shell_registry")
	}
	return &Registry{
		running:  make(map[string]*Execution),
		finished: make(map[string]*Finished),
		ttl:      ttl,
		logger:   logger,
		nowFunc:  time.Now,
	}
}

// SetNowFunc sets a custom time function for testing.
func (r *Registry) SetNowFunc(fn func() time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nowFunc = fn
}

// Track registers a live execution. A stale finished record under the
// same id is dropped so Get never reports two lifecycles at once.
func (r *Registry) Track(e *Execution) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.finished, e.ID)
	r.running[e.ID] = e
}

// Finish moves an execution from running to finished, deriving its
// status from the result. Unknown ids are ignored; the runner may
// operate without tracking.
func (r *Registry) Finish(id string, res Result) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.running[id]
	if !ok {
		return
	}
	delete(r.running, id)

	status := StatusCompleted
	switch {
	case res.Cancelled:
		status = StatusKilled
	case res.ExitCode != 0:
		status = StatusFailed
	}
	r.finished[id] = &Finished{
		ID:        e.ID,
		Command:   e.Command,
		PID:       e.PID,
		StartedAt: e.StartedAt,
		EndedAt:   r.nowFunc(),
		Status:    status,
		ExitCode:  res.ExitCode,
		Cancelled: res.Cancelled,
		Output:    Tail(res.Output, finishedTailChars),
		Truncated: res.Truncated || len(res.Output) > finishedTailChars,
	}
}

// Abort kills the execution with the given id. It reports whether a
// running execution was found.
func (r *Registry) Abort(id string) bool {
	r.mu.Lock()
	e, ok := r.running[id]
	r.mu.Unlock()
	if !ok {
		return false
	}
	e.abort()
	if r.logger != nil {
		r.logger.Info(context.Background(), "execution aborted", "execution_id", id, "pid", e.PID)
	}
	return true
}

// AbortAll kills every running execution and returns how many were
// signalled. Used on dispose.
func (r *Registry) AbortAll() int {
	r.mu.Lock()
	targets := make([]*Execution, 0, len(r.running))
	for _, e := range r.running {
		targets = append(targets, e)
	}
	r.mu.Unlock()
	for _, e := range targets {
		e.abort()
	}
	return len(targets)
}

// Get returns a snapshot of a running execution.
func (r *Registry) Get(id string) (Execution, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.running[id]; ok {
		return *e, true
	}
	return Execution{}, false
}

// GetFinished returns the retained record of a finished execution.
func (r *Registry) GetFinished(id string) (Finished, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if f, ok := r.finished[id]; ok {
		return *f, true
	}
	return Finished{}, false
}

// Running lists live executions, oldest first.
func (r *Registry) Running() []Execution {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Execution, 0, len(r.running))
	for _, e := range r.running {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

// FinishedExecutions lists retained finished records, newest first.
func (r *Registry) FinishedExecutions() []Finished {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Finished, 0, len(r.finished))
	for _, f := range r.finished {
		out = append(out, *f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EndedAt.After(out[j].EndedAt) })
	return out
}

// StartSweeper begins periodic eviction of expired finished records.
// Calling it twice is a no-op.
func (r *Registry) StartSweeper() {
	r.mu.Lock()
	if r.sweepStop != nil {
		r.mu.Unlock()
		return
	}
	stop := make(chan struct{})
	done := make(chan struct{})
	r.sweepStop = stop
	r.sweepDone = done
	ttl := r.ttl
	r.mu.Unlock()

	interval := ttl / 6
	if interval < 30*time.Second {
		interval = 30 * time.Second
	}
	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				r.Sweep()
			}
		}
	}()
}

// StopSweeper stops the sweeper and waits for it to exit.
func (r *Registry) StopSweeper() {
	r.mu.Lock()
	stop := r.sweepStop
	done := r.sweepDone
	r.sweepStop = nil
	r.sweepDone = nil
	r.mu.Unlock()
	if stop == nil {
		return
	}
	close(stop)
	<-done
}

// Sweep drops finished records older than the TTL and returns how many
// were removed.
func (r *Registry) Sweep() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	cutoff := r.nowFunc().Add(-r.ttl)
	removed := 0
	for id, f := range r.finished {
		if f.EndedAt.Before(cutoff) {
			delete(r.finished, id)
			removed++
		}
	}
	if removed > 0 && r.logger != nil {
		r.logger.Debug(context.Background(), "swept finished executions", "removed", removed, "remaining", len(r.finished))
	}
	return removed
}

// Tail returns at most limit bytes from the end of s, cutting on a
// UTF-8 boundary so the result never starts mid-rune.
func Tail(s string, limit int) string {
	if limit <= 0 || len(s) <= limit {
		return s
	}
	cut := len(s) - limit
	for cut < len(s) && s[cut]&0xc0 == 0x80 {
		cut++
	}
	return s[cut:]
}
