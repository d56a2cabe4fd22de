package compaction

import (
	"testing"

	"github.com/haasonsaas/strand/pkg/models"
)

func TestIsOverflowErrorPatterns(t *testing.T) {
	tests := []struct {
		name string
		text string
		want bool
	}{
		{"anthropic", "prompt is too long: 210342 tokens > 200000 maximum", true},
		{"anthropic 413", "Request too large for claude-sonnet-4-5", true},
		{"openai", "Your input exceeds the context window of this model.", true},
		{"openai gateway", "This model's maximum context length is 128000 tokens. Please reduce the length of the messages.", true},
		{"snake case", "context_length_exceeded", true},
		{"generic tokens", "error: too many tokens in request", true},
		{"overloaded is not overflow", "Overloaded", false},
		{"rate limit is not overflow", "429 rate_limit_error: try again later", false},
		{"server error is not overflow", "internal server error", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := models.AssistantMessage{
				StopReason:   models.StopError,
				ErrorMessage: tt.text,
			}
			if got := IsOverflow(msg, 0); got != tt.want {
				t.Errorf("IsOverflow(%q) = %v, want %v", tt.text, got, tt.want)
			}
		})
	}
}

func TestIsOverflowIgnoresTextOnSuccess(t *testing.T) {
	// Overflow wording inside normal assistant output must not trigger.
	msg := models.AssistantMessage{
		Content:    models.TextBlocks("the error was: prompt is too long"),
		StopReason: models.StopEndTurn,
		Usage:      models.Usage{Input: 1000, Output: 50},
	}
	if IsOverflow(msg, 200000) {
		t.Error("IsOverflow() = true for a clean message")
	}
}

func TestIsOverflowSilent(t *testing.T) {
	tests := []struct {
		name   string
		msg    models.AssistantMessage
		window int
		want   bool
	}{
		{
			"input past window",
			models.AssistantMessage{StopReason: models.StopEndTurn, Usage: models.Usage{Input: 210000}},
			200000,
			true,
		},
		{
			"cache read counts toward input",
			models.AssistantMessage{StopReason: models.StopToolUse, Usage: models.Usage{Input: 150000, CacheRead: 60000}},
			200000,
			true,
		},
		{
			"exactly at window",
			models.AssistantMessage{StopReason: models.StopEndTurn, Usage: models.Usage{Input: 200000}},
			200000,
			false,
		},
		{
			"window unknown skips the check",
			models.AssistantMessage{StopReason: models.StopEndTurn, Usage: models.Usage{Input: 210000}},
			0,
			false,
		},
		{
			"errors only match by pattern",
			models.AssistantMessage{StopReason: models.StopError, ErrorMessage: "boom", Usage: models.Usage{Input: 210000}},
			200000,
			false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsOverflow(tt.msg, tt.window); got != tt.want {
				t.Errorf("IsOverflow() = %v, want %v", got, tt.want)
			}
		})
	}
}
