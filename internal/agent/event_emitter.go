package agent

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/strand/internal/observability"
	"github.com/haasonsaas/strand/pkg/models"
)

// Subscriber receives agent events. Handlers run synchronously on the
// emitting goroutine, so a slow handler stalls the turn loop. Handlers
// may subscribe or unsubscribe from within a dispatch.
type Subscriber func(ev models.AgentEvent)

type subscription struct {
	id string
	fn Subscriber
}

// Emitter dispatches agent events to subscribers in registration
// order, stamping each with a monotonic sequence number.
//
// Dispatch iterates over a copy of the subscriber list, so handlers
// can add or remove subscriptions mid-dispatch without invalidating
// the iteration. A subscriber added during dispatch does not receive
// the event being dispatched.
type Emitter struct {
	sequence atomic.Uint64

	mu        sync.Mutex
	sessionID string
	subs      []subscription
}

// NewEmitter creates an emitter that stamps events with sessionID.
func NewEmitter(sessionID string) *Emitter {
	return &Emitter{sessionID: sessionID}
}

// SetSession changes the session ID stamped onto subsequent events.
// Used when the controller switches the active session.
func (e *Emitter) SetSession(sessionID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sessionID = sessionID
}

// Subscribe registers a handler and returns its subscription ID.
func (e *Emitter) Subscribe(fn Subscriber) string {
	if fn == nil {
		return ""
	}
	id := uuid.NewString()
	e.mu.Lock()
	defer e.mu.Unlock()
	e.subs = append(e.subs, subscription{id: id, fn: fn})
	return id
}

// Unsubscribe removes the handler with the given subscription ID.
func (e *Emitter) Unsubscribe(id string) {
	if id == "" {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for i, s := range e.subs {
		if s.id == id {
			e.subs = append(e.subs[:i:i], e.subs[i+1:]...)
			return
		}
	}
}

// SubscriberCount returns the number of registered handlers.
func (e *Emitter) SubscriberCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.subs)
}

// Emit stamps and dispatches an event. Events emitted from a single
// goroutine reach every subscriber in emission order; the turn loop
// funnels all of a run's events through one goroutine to keep the
// stream totally ordered.
func (e *Emitter) Emit(ev models.AgentEvent) {
	ev.Sequence = e.sequence.Add(1)
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}

	e.mu.Lock()
	if ev.SessionID == "" {
		ev.SessionID = e.sessionID
	}
	subs := e.subs
	e.mu.Unlock()

	for _, s := range subs {
		s.fn(ev)
	}
}

// StatsCollector derives run statistics from the event stream and
// forwards them to the metrics registry. Subscribe its OnEvent method
// to an Emitter.
type StatsCollector struct {
	metrics *observability.Metrics

	mu        sync.Mutex
	stats     models.RunStats
	started   time.Time
	msgStart  time.Time
	toolStart map[string]time.Time
	model     models.ModelInfo
}

// NewStatsCollector creates a collector. metrics may be nil, in which
// case only the in-memory snapshot is maintained.
func NewStatsCollector(metrics *observability.Metrics) *StatsCollector {
	return &StatsCollector{
		metrics:   metrics,
		toolStart: make(map[string]time.Time),
	}
}

// SetModel sets the model used for cost attribution.
func (c *StatsCollector) SetModel(model models.ModelInfo) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.model = model
}

// Stats returns a snapshot of the accumulated run statistics.
func (c *StatsCollector) Stats() models.RunStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

// Snapshot is Stats with Duration measured up to now. The run loop
// calls it while building the agent_end payload, before the collector
// itself sees that event.
func (c *StatsCollector) Snapshot() models.RunStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.stats
	if !c.started.IsZero() {
		out.Duration = time.Since(c.started)
	}
	return out
}

// OnEvent folds one event into the running statistics.
func (c *StatsCollector) OnEvent(ev models.AgentEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch ev.Type {
	case models.EventAgentStart:
		c.stats = models.RunStats{}
		c.started = ev.Time
		c.toolStart = make(map[string]time.Time)
		if c.metrics != nil {
			c.metrics.RunStarted()
		}

	case models.EventTurnStart:
		c.stats.Turns++

	case models.EventMessageStart:
		if _, ok := ev.Message.(models.AssistantMessage); ok {
			c.msgStart = ev.Time
		}

	case models.EventMessageEnd:
		assistant, ok := ev.Message.(models.AssistantMessage)
		if !ok {
			return
		}
		c.stats.Usage.Add(assistant.Usage)
		cost := c.model.CostOf(assistant.Usage)
		c.stats.Cost += cost
		if c.metrics != nil {
			status := "ok"
			switch assistant.StopReason {
			case models.StopError:
				status = "error"
			case models.StopAborted:
				status = "aborted"
			}
			elapsed := time.Duration(0)
			if !c.msgStart.IsZero() {
				elapsed = ev.Time.Sub(c.msgStart)
			}
			c.metrics.RecordLLMRequest(assistant.Provider, assistant.Model, status, elapsed.Seconds(),
				assistant.Usage.Input, assistant.Usage.Output, assistant.Usage.CacheRead, assistant.Usage.CacheWrite)
			if cost > 0 {
				c.metrics.RecordLLMCost(assistant.Provider, assistant.Model, cost)
			}
		}

	case models.EventToolCallStart:
		c.stats.ToolCalls++
		if ev.Tool != nil {
			c.toolStart[ev.Tool.CallID] = ev.Time
		}

	case models.EventToolCallEnd:
		if ev.Tool == nil {
			return
		}
		start, seen := c.toolStart[ev.Tool.CallID]
		delete(c.toolStart, ev.Tool.CallID)
		if c.metrics == nil || ev.Tool.Result == nil {
			return
		}
		status := "ok"
		if ev.Tool.Result.IsError {
			status = "error"
		}
		elapsed := time.Duration(0)
		if seen {
			elapsed = ev.Time.Sub(start)
		}
		c.metrics.RecordToolExecution(ev.Tool.Name, status, elapsed.Seconds())

	case models.EventAgentEnd:
		if !c.started.IsZero() {
			c.stats.Duration = ev.Time.Sub(c.started)
		}
		if c.metrics != nil {
			c.metrics.RunEnded()
		}
	}
}
