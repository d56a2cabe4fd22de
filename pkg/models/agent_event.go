package models

import "time"

// AgentEventType identifies one kind of agent lifecycle event.
type AgentEventType string

const (
	// EventAgentStart opens a run: one user prompt through to idle.
	EventAgentStart AgentEventType = "agent_start"
	// EventAgentEnd closes a run and carries every message it produced.
	EventAgentEnd AgentEventType = "agent_end"
	// EventTurnStart opens one assistant turn within a run.
	EventTurnStart AgentEventType = "turn_start"
	// EventTurnEnd closes a turn with its assistant message and tool results.
	EventTurnEnd AgentEventType = "turn_end"
	// EventMessageStart announces a message beginning to stream.
	EventMessageStart AgentEventType = "message_start"
	// EventMessageUpdate carries one streaming delta.
	EventMessageUpdate AgentEventType = "message_update"
	// EventMessageEnd carries the completed message.
	EventMessageEnd AgentEventType = "message_end"
	// EventToolCallStart announces a tool execution beginning.
	EventToolCallStart AgentEventType = "tool_call_start"
	// EventToolCallUpdate carries partial tool output.
	EventToolCallUpdate AgentEventType = "tool_call_update"
	// EventToolCallEnd carries the final tool result.
	EventToolCallEnd AgentEventType = "tool_call_end"
	// EventAutoRetryStart announces a scheduled retry of a failed call.
	EventAutoRetryStart AgentEventType = "auto_retry_start"
	// EventAutoRetryEnd reports the outcome of the retry sequence.
	EventAutoRetryEnd AgentEventType = "auto_retry_end"
	// EventAutoCompactionStart announces automatic history compaction.
	EventAutoCompactionStart AgentEventType = "auto_compaction_start"
	// EventAutoCompactionEnd reports the compaction outcome.
	EventAutoCompactionEnd AgentEventType = "auto_compaction_end"
	// EventRuleTriggered reports a turn-start rule injection.
	EventRuleTriggered AgentEventType = "rule_triggered"
)

// AgentEvent is one event on a session's live stream. Type selects which
// payload pointers are set; unused payloads stay nil so encoded events carry
// only what they mean.
type AgentEvent struct {
	Type      AgentEventType `json:"type"`
	Time      time.Time      `json:"time"`
	Sequence  uint64         `json:"seq"`
	SessionID string         `json:"sessionId,omitempty"`

	// Message is set on message_start, message_end, and turn_end (the
	// turn's assistant message, possibly partial after an abort).
	Message Message `json:"message,omitempty"`
	// Delta is set on message_update.
	Delta *MessageDelta `json:"delta,omitempty"`
	// Tool is set on the tool_call_* events.
	Tool *ToolEventPayload `json:"tool,omitempty"`
	// Turn is set on turn_end.
	Turn *TurnEventPayload `json:"turn,omitempty"`
	// Run is set on agent_end.
	Run *RunEventPayload `json:"run,omitempty"`
	// Retry is set on the auto_retry_* events.
	Retry *RetryEventPayload `json:"retry,omitempty"`
	// Compaction is set on the auto_compaction_* events.
	Compaction *CompactionEventPayload `json:"compaction,omitempty"`
	// Rule is set on rule_triggered.
	Rule *RuleEventPayload `json:"rule,omitempty"`
}

// MessageDeltaKind identifies what part of a streaming message a delta
// extends.
type MessageDeltaKind string

const (
	DeltaText     MessageDeltaKind = "text"
	DeltaThinking MessageDeltaKind = "thinking"
	DeltaToolArgs MessageDeltaKind = "tool_args"
)

// MessageDelta is one incremental piece of a streaming assistant message.
type MessageDelta struct {
	Kind MessageDeltaKind `json:"kind"`
	Text string           `json:"text,omitempty"`
	// ToolCallID is set for tool_args deltas.
	ToolCallID string `json:"toolCallId,omitempty"`
}

// ToolEventPayload describes one tool execution in flight or finished.
type ToolEventPayload struct {
	CallID string `json:"callId"`
	Name   string `json:"name"`
	// Result is set on tool_call_end; Partial on tool_call_update.
	Result  *ToolResultMessage `json:"result,omitempty"`
	Partial *ToolResultMessage `json:"partial,omitempty"`
}

// TurnEventPayload closes one assistant turn.
type TurnEventPayload struct {
	Index       int                 `json:"index"`
	ToolResults []ToolResultMessage `json:"toolResults,omitempty"`
}

// RunEventPayload closes one run with everything it appended.
type RunEventPayload struct {
	Messages []Message `json:"messages"`
	Stats    RunStats  `json:"stats"`
}

// RunStats aggregates usage across one agent run.
type RunStats struct {
	Turns     int           `json:"turns"`
	ToolCalls int           `json:"toolCalls"`
	Usage     Usage         `json:"usage"`
	Cost      float64       `json:"cost"`
	Duration  time.Duration `json:"duration"`
}

// RetryEventPayload describes one step of the retry supervisor.
type RetryEventPayload struct {
	Attempt     int           `json:"attempt"`
	MaxAttempts int           `json:"maxAttempts"`
	Delay       time.Duration `json:"delay,omitempty"`
	ErrorText   string        `json:"error,omitempty"`
	// Success is meaningful on auto_retry_end.
	Success bool `json:"success"`
}

// CompactionEventPayload describes an automatic compaction pass.
type CompactionEventPayload struct {
	Reason string `json:"reason,omitempty"`
	// WillRetry is set on auto_compaction_end when the runtime resumes the
	// interrupted turn after compacting.
	WillRetry    bool   `json:"willRetry,omitempty"`
	Aborted      bool   `json:"aborted,omitempty"`
	TokensBefore int    `json:"tokensBefore,omitempty"`
	TokensAfter  int    `json:"tokensAfter,omitempty"`
	ErrorText    string `json:"error,omitempty"`
}

// RuleEventPayload names the rule whose response matcher fired.
type RuleEventPayload struct {
	Name string `json:"name"`
	Path string `json:"path,omitempty"`
}

// NewAgentEvent stamps a bare event of the given type.
func NewAgentEvent(t AgentEventType) AgentEvent {
	return AgentEvent{Type: t, Time: time.Now().UTC()}
}
