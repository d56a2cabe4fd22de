package models

import "encoding/json"

// Role identifies who produced a message.
type Role string

const (
	RoleUser       Role = "user"
	RoleAssistant  Role = "assistant"
	RoleToolResult Role = "toolResult"
)

// StopReason records why an assistant turn ended.
type StopReason string

const (
	// StopEndTurn means the model finished a normal response.
	StopEndTurn StopReason = "end_turn"
	// StopToolUse means the model requested tool execution.
	StopToolUse StopReason = "tool_use"
	// StopAborted means the user or runtime cancelled the stream.
	StopAborted StopReason = "aborted"
	// StopError means the provider call failed.
	StopError StopReason = "error"
	// StopLength means the model hit its output token limit.
	StopLength StopReason = "length"
)

// Terminal reports whether the reason ends the agent loop rather than
// continuing into tool execution.
func (r StopReason) Terminal() bool {
	return r != StopToolUse
}

// Usage is token accounting for one provider call. Cost is in USD.
type Usage struct {
	Input      int     `json:"input,omitempty"`
	Output     int     `json:"output,omitempty"`
	CacheRead  int     `json:"cacheRead,omitempty"`
	CacheWrite int     `json:"cacheWrite,omitempty"`
	Cost       float64 `json:"cost,omitempty"`
}

// Add accumulates other into u.
func (u *Usage) Add(other Usage) {
	u.Input += other.Input
	u.Output += other.Output
	u.CacheRead += other.CacheRead
	u.CacheWrite += other.CacheWrite
	u.Cost += other.Cost
}

// ContextTokens is the total context footprint reported by the provider for
// the call: prompt tokens from every source plus the generated output.
func (u Usage) ContextTokens() int {
	return u.Input + u.CacheRead + u.CacheWrite + u.Output
}

// IsZero reports whether no usage was recorded.
func (u Usage) IsZero() bool {
	return u == Usage{}
}

// Message is one element of the conversation transcript sent to a model.
// Concrete types: UserMessage, AssistantMessage, ToolResultMessage.
type Message interface {
	GetRole() Role
}

// UserMessage is human input: text, optionally with images.
type UserMessage struct {
	Content Blocks `json:"content"`
}

func (UserMessage) GetRole() Role { return RoleUser }

// AssistantMessage is one model response, including partial responses kept
// after an abort or provider error.
type AssistantMessage struct {
	Content      Blocks     `json:"content"`
	StopReason   StopReason `json:"stopReason,omitempty"`
	ErrorMessage string     `json:"errorMessage,omitempty"`
	Usage        Usage      `json:"usage"`
	Model        string     `json:"model,omitempty"`
	Provider     string     `json:"provider,omitempty"`
}

func (AssistantMessage) GetRole() Role { return RoleAssistant }

// ToolResultMessage is the outcome of one tool call. Content is what the
// model sees; Details carries structured data for UIs and extensions and is
// never sent to the model. Usage is populated by tools that ran nested
// provider calls.
type ToolResultMessage struct {
	ToolCallID string          `json:"toolCallId"`
	ToolName   string          `json:"toolName"`
	Content    Blocks          `json:"content"`
	Details    json.RawMessage `json:"details,omitempty"`
	IsError    bool            `json:"isError,omitempty"`
	Usage      *Usage          `json:"usage,omitempty"`
}

func (ToolResultMessage) GetRole() Role { return RoleToolResult }

// ErrorToolResult builds a failed result carrying a plain-text explanation.
func ErrorToolResult(callID, toolName, text string) ToolResultMessage {
	return ToolResultMessage{
		ToolCallID: callID,
		ToolName:   toolName,
		Content:    TextBlocks(text),
		IsError:    true,
	}
}
