package agent

import (
	"context"
	"encoding/json"

	"github.com/haasonsaas/strand/internal/tools"
	"github.com/haasonsaas/strand/pkg/models"
)

// Provider is the interface LLM backends implement.
//
// Implementations translate between one vendor API and the engine's
// stream protocol while presenting a uniform surface to the turn loop.
// They must be safe for concurrent use; the engine may run streams for
// several sessions at once.
type Provider interface {
	// Name returns the provider name as used in model FQNs,
	// e.g. "anthropic" or "openai".
	Name() string

	// Models returns the provider's model catalog.
	Models() []models.ModelInfo

	// Stream sends one completion request and returns a channel of
	// events. The channel carries exactly one terminal event, either
	// StreamStop or StreamError, and is closed after it. Cancelling
	// ctx ends the stream with a StreamError wrapping ctx.Err().
	//
	// Drivers make a single attempt; retry policy belongs to the
	// caller.
	Stream(ctx context.Context, req Request) (<-chan ProviderEvent, error)
}

// Request carries everything a driver needs for one completion call.
type Request struct {
	// Model is the provider-specific model ID, e.g. "claude-sonnet-4-5".
	// Empty selects the driver's default model.
	Model string

	// System is the system prompt, delivered out of band from Messages.
	System string

	// Messages is the conversation so far, oldest first.
	Messages []models.Message

	// Tools the model may call this turn. Empty disables tool use.
	Tools []tools.Tool

	// ThinkingLevel enables extended reasoning on models that support
	// it. Clamp with models.ClampThinkingLevel before use.
	ThinkingLevel models.ThinkingLevel

	// MaxTokens caps the response length. Zero uses the driver default.
	MaxTokens int
}

// StreamKind discriminates ProviderEvent variants.
type StreamKind string

const (
	// StreamTextDelta carries a fragment of response text.
	StreamTextDelta StreamKind = "text_delta"

	// StreamThinkingDelta carries a fragment of reasoning text.
	StreamThinkingDelta StreamKind = "thinking_delta"

	// StreamToolCallStart announces a tool call with its ID and name.
	StreamToolCallStart StreamKind = "tool_call_start"

	// StreamToolCallDelta carries a fragment of tool argument JSON.
	StreamToolCallDelta StreamKind = "tool_call_delta"

	// StreamToolCallEnd closes a tool call with its complete arguments.
	StreamToolCallEnd StreamKind = "tool_call_end"

	// StreamUsage reports token accounting, at most once per stream.
	StreamUsage StreamKind = "usage"

	// StreamStop terminates a successful stream.
	StreamStop StreamKind = "stop"

	// StreamError terminates a failed stream.
	StreamError StreamKind = "error"
)

// ProviderEvent is one step of a streamed completion. Kind selects
// which fields are meaningful.
type ProviderEvent struct {
	Kind StreamKind

	// Text is the fragment for text and thinking deltas.
	Text string

	// ToolCallID and ToolName identify the call on the tool-call kinds.
	ToolCallID string
	ToolName   string

	// ArgsDelta is a fragment of argument JSON on StreamToolCallDelta.
	ArgsDelta string

	// Args is the complete argument JSON on StreamToolCallEnd. This is
	// authoritative; accumulated deltas may be used for live display
	// but Args is what tools execute against.
	Args json.RawMessage

	// Usage is the token accounting on StreamUsage.
	Usage models.Usage

	// StopReason reports why the model stopped on StreamStop.
	StopReason models.StopReason

	// Err is the failure on StreamError.
	Err error
}
