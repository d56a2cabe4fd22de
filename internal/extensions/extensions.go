// Package extensions is the event bus between the session core and
// installed extensions. The controller publishes lifecycle events
// synchronously; handlers run in priority order and may observe, veto a
// cancellable operation, attach a precomputed compaction, or rewrite
// the outgoing model context.
package extensions

import (
	"time"
)

// Type identifies a lifecycle event published on the bus.
type Type string

const (
	// Run lifecycle
	AgentStart Type = "agent_start"
	AgentEnd   Type = "agent_end"
	TurnStart  Type = "turn_start"
	TurnEnd    Type = "turn_end"

	// Session lifecycle. The before_* variants fire while the operation
	// can still be stopped.
	SessionStart         Type = "session_start"
	SessionShutdown      Type = "session_shutdown"
	SessionBeforeSwitch  Type = "session_before_switch"
	SessionSwitch        Type = "session_switch"
	SessionBeforeBranch  Type = "session_before_branch"
	SessionBranch        Type = "session_branch"
	SessionBeforeTree    Type = "session_before_tree"
	SessionTree          Type = "session_tree"
	SessionBeforeCompact Type = "session_before_compact"
	SessionCompact       Type = "session_compact"

	// Steering
	TTSRTriggered Type = "ttsr_triggered"
)

// Cancellable reports whether handlers may veto the operation behind
// this event type.
func (t Type) Cancellable() bool {
	switch t {
	case SessionBeforeSwitch, SessionBeforeBranch, SessionBeforeTree, SessionBeforeCompact:
		return true
	}
	return false
}

// AllTypes returns every event type the bus publishes, in lifecycle
// order. Callers that mirror events elsewhere (metrics, logging)
// register one handler per type.
func AllTypes() []Type {
	return []Type{
		SessionStart,
		AgentStart, TurnStart, TurnEnd, AgentEnd,
		SessionBeforeSwitch, SessionSwitch,
		SessionBeforeBranch, SessionBranch,
		SessionBeforeTree, SessionTree,
		SessionBeforeCompact, SessionCompact,
		TTSRTriggered,
		SessionShutdown,
	}
}

// Event is a single bus publication. Events are in-process values and
// are never serialized; handlers run synchronously on the publishing
// goroutine.
type Event struct {
	Type      Type
	SessionID string
	Time      time.Time

	// Data carries event-specific details such as entry ids, model
	// names, or token counts. Handlers must treat it as read-only.
	Data map[string]any

	// Err is set on events that report a failure, such as agent_end
	// after an error-terminated message.
	Err error

	// Compaction may be set by a session_before_compact handler to
	// replace the compactor's own summarization.
	Compaction *CompactionOverride

	cancelled bool
	reason    string
}

// CompactionOverride is a precomputed compaction supplied by a
// session_before_compact handler. FirstKeptEntryID may be left empty to
// keep the cut point the compactor planned.
type CompactionOverride struct {
	Summary          string
	FirstKeptEntryID string
}

// NewEvent creates an event with its timestamp set.
func NewEvent(t Type) *Event {
	return &Event{
		Type: t,
		Time: time.Now(),
		Data: make(map[string]any),
	}
}

// WithSession sets the session id on the event.
func (e *Event) WithSession(id string) *Event {
	e.SessionID = id
	return e
}

// WithData adds one detail to the event.
func (e *Event) WithData(key string, value any) *Event {
	if e.Data == nil {
		e.Data = make(map[string]any)
	}
	e.Data[key] = value
	return e
}

// WithError sets the error the event reports.
func (e *Event) WithError(err error) *Event {
	e.Err = err
	return e
}

// Cancel vetoes the operation behind the event. Only cancellable event
// types honor it; on all others the call is ignored.
func (e *Event) Cancel(reason string) {
	if !e.Type.Cancellable() {
		return
	}
	e.cancelled = true
	e.reason = reason
}

// Cancelled reports whether a handler vetoed the operation.
func (e *Event) Cancelled() bool { return e.cancelled }

// CancelReason returns the reason passed to Cancel, if any.
func (e *Event) CancelReason() string { return e.reason }
