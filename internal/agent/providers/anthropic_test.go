package providers

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/anthropics/anthropic-sdk-go"

	"github.com/haasonsaas/strand/internal/agent"
	"github.com/haasonsaas/strand/internal/tools"
	"github.com/haasonsaas/strand/pkg/models"
)

// mockTool implements tools.Tool for testing.
type mockTool struct {
	name        string
	description string
	schema      json.RawMessage
}

func (m *mockTool) Name() string {
	return m.name
}

func (m *mockTool) Description() string {
	return m.description
}

func (m *mockTool) Schema() json.RawMessage {
	return m.schema
}

func (m *mockTool) Execute(ctx context.Context, callID string, params json.RawMessage, onUpdate tools.UpdateFunc) (models.ToolResultMessage, error) {
	return models.ToolResultMessage{
		ToolCallID: callID,
		ToolName:   m.name,
		Content:    models.TextBlocks("test result"),
	}, nil
}

// bogusMessage is a models.Message the converters do not know about.
type bogusMessage struct{}

func (bogusMessage) GetRole() models.Role { return models.Role("bogus") }

func TestNewAnthropicProvider(t *testing.T) {
	tests := []struct {
		name        string
		config      AnthropicConfig
		expectError bool
	}{
		{
			name: "valid config",
			config: AnthropicConfig{
				APIKey:       "test-key",
				DefaultModel: "claude-sonnet-4-5",
			},
			expectError: false,
		},
		{
			name:        "missing API key",
			config:      AnthropicConfig{},
			expectError: true,
		},
		{
			name: "defaults applied",
			config: AnthropicConfig{
				APIKey: "test-key",
			},
			expectError: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			provider, err := NewAnthropicProvider(tt.config)

			if tt.expectError {
				if err == nil {
					t.Fatal("expected error but got nil")
				}
				if !errors.Is(err, ErrNoAPIKey) {
					t.Errorf("error = %v, want ErrNoAPIKey", err)
				}
				return
			}

			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if provider.Name() != "anthropic" {
				t.Errorf("Name() = %q, want anthropic", provider.Name())
			}
			if provider.defaultModel == "" {
				t.Error("defaultModel should have a default value")
			}
		})
	}
}

func TestAnthropicModels(t *testing.T) {
	provider, err := NewAnthropicProvider(AnthropicConfig{APIKey: "test-key"})
	if err != nil {
		t.Fatalf("failed to create provider: %v", err)
	}

	list := provider.Models()
	if len(list) == 0 {
		t.Fatal("expected a non-empty model catalog")
	}
	for _, m := range list {
		if m.Provider != "anthropic" {
			t.Errorf("model %s: Provider = %q, want anthropic", m.ID, m.Provider)
		}
		if m.ContextWindow <= 0 {
			t.Errorf("model %s: ContextWindow = %d, want > 0", m.ID, m.ContextWindow)
		}
	}

	// The default model must exist in the catalog.
	found := false
	for _, m := range list {
		if m.ID == defaultAnthropicModel {
			found = true
		}
	}
	if !found {
		t.Errorf("default model %q not in catalog", defaultAnthropicModel)
	}

	// Callers may mutate the returned slice without corrupting the catalog.
	list[0].ID = "mutated"
	if provider.Models()[0].ID == "mutated" {
		t.Error("Models() should return a copy")
	}
}

func TestConvertAnthropicMessages(t *testing.T) {
	tests := []struct {
		name     string
		messages []models.Message
		wantErr  bool
		validate func(t *testing.T, result []anthropic.MessageParam)
	}{
		{
			name: "simple user message",
			messages: []models.Message{
				models.UserMessage{Content: models.TextBlocks("Hello!")},
			},
			validate: func(t *testing.T, result []anthropic.MessageParam) {
				if len(result) != 1 {
					t.Fatalf("expected 1 message, got %d", len(result))
				}
				if result[0].Role != anthropic.MessageParamRoleUser {
					t.Errorf("role = %v, want user", result[0].Role)
				}
				if len(result[0].Content) != 1 || result[0].Content[0].OfText == nil {
					t.Fatal("expected one text block")
				}
				if result[0].Content[0].OfText.Text != "Hello!" {
					t.Errorf("text = %q, want Hello!", result[0].Content[0].OfText.Text)
				}
			},
		},
		{
			name: "alternating roles",
			messages: []models.Message{
				models.UserMessage{Content: models.TextBlocks("Hi")},
				models.AssistantMessage{Content: models.TextBlocks("Hello")},
				models.UserMessage{Content: models.TextBlocks("Bye")},
			},
			validate: func(t *testing.T, result []anthropic.MessageParam) {
				if len(result) != 3 {
					t.Fatalf("expected 3 messages, got %d", len(result))
				}
				wantRoles := []anthropic.MessageParamRole{
					anthropic.MessageParamRoleUser,
					anthropic.MessageParamRoleAssistant,
					anthropic.MessageParamRoleUser,
				}
				for i, want := range wantRoles {
					if result[i].Role != want {
						t.Errorf("message %d: role = %v, want %v", i, result[i].Role, want)
					}
				}
			},
		},
		{
			name: "tool result merges with following user message",
			messages: []models.Message{
				models.UserMessage{Content: models.TextBlocks("What's the weather?")},
				models.AssistantMessage{Content: models.Blocks{
					models.TextBlock{Text: "Checking."},
					models.ToolCallBlock{ID: "call_1", Name: "get_weather", Arguments: json.RawMessage(`{"city":"London"}`)},
				}},
				models.ToolResultMessage{
					ToolCallID: "call_1",
					ToolName:   "get_weather",
					Content:    models.TextBlocks("Sunny, 22C"),
				},
				models.UserMessage{Content: models.TextBlocks("Thanks")},
			},
			validate: func(t *testing.T, result []anthropic.MessageParam) {
				// Tool result and the user message after it share the
				// user role, so they collapse into one API message.
				if len(result) != 3 {
					t.Fatalf("expected 3 messages, got %d", len(result))
				}
				assistant := result[1]
				if assistant.Role != anthropic.MessageParamRoleAssistant {
					t.Errorf("message 1: role = %v, want assistant", assistant.Role)
				}
				if len(assistant.Content) != 2 {
					t.Fatalf("assistant: expected 2 blocks, got %d", len(assistant.Content))
				}
				toolUse := assistant.Content[1].OfToolUse
				if toolUse == nil {
					t.Fatal("assistant block 1: expected tool_use")
				}
				if toolUse.ID != "call_1" || toolUse.Name != "get_weather" {
					t.Errorf("tool_use = %s/%s, want call_1/get_weather", toolUse.ID, toolUse.Name)
				}
				merged := result[2]
				if merged.Role != anthropic.MessageParamRoleUser {
					t.Errorf("message 2: role = %v, want user", merged.Role)
				}
				if len(merged.Content) != 2 {
					t.Fatalf("merged: expected 2 blocks, got %d", len(merged.Content))
				}
				if merged.Content[0].OfToolResult == nil {
					t.Error("merged block 0: expected tool_result")
				}
				if merged.Content[1].OfText == nil {
					t.Error("merged block 1: expected text")
				}
			},
		},
		{
			name: "thinking blocks are dropped on replay",
			messages: []models.Message{
				models.UserMessage{Content: models.TextBlocks("Hi")},
				models.AssistantMessage{Content: models.Blocks{
					models.ThinkingBlock{Thinking: "hmm"},
					models.TextBlock{Text: "Hello"},
				}},
			},
			validate: func(t *testing.T, result []anthropic.MessageParam) {
				if len(result) != 2 {
					t.Fatalf("expected 2 messages, got %d", len(result))
				}
				if len(result[1].Content) != 1 || result[1].Content[0].OfText == nil {
					t.Fatal("expected thinking stripped, one text block left")
				}
			},
		},
		{
			name: "assistant with only thinking is skipped",
			messages: []models.Message{
				models.UserMessage{Content: models.TextBlocks("Hi")},
				models.AssistantMessage{Content: models.Blocks{
					models.ThinkingBlock{Thinking: "hmm"},
				}},
			},
			validate: func(t *testing.T, result []anthropic.MessageParam) {
				if len(result) != 1 {
					t.Fatalf("expected 1 message, got %d", len(result))
				}
			},
		},
		{
			name: "consecutive user messages are merged",
			messages: []models.Message{
				models.UserMessage{Content: models.TextBlocks("first")},
				models.UserMessage{Content: models.TextBlocks("second")},
			},
			validate: func(t *testing.T, result []anthropic.MessageParam) {
				if len(result) != 1 {
					t.Fatalf("expected 1 message, got %d", len(result))
				}
				if len(result[0].Content) != 2 {
					t.Errorf("expected 2 blocks, got %d", len(result[0].Content))
				}
			},
		},
		{
			name: "user message with image",
			messages: []models.Message{
				models.UserMessage{Content: models.Blocks{
					models.TextBlock{Text: "What is this?"},
					models.ImageBlock{MimeType: "image/png", Data: "aGVsbG8="},
				}},
			},
			validate: func(t *testing.T, result []anthropic.MessageParam) {
				if len(result) != 1 {
					t.Fatalf("expected 1 message, got %d", len(result))
				}
				if len(result[0].Content) != 2 {
					t.Fatalf("expected 2 blocks, got %d", len(result[0].Content))
				}
				if result[0].Content[1].OfImage == nil {
					t.Error("block 1: expected image")
				}
			},
		},
		{
			name:     "unsupported message type",
			messages: []models.Message{bogusMessage{}},
			wantErr:  true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := convertAnthropicMessages(tt.messages)

			if tt.wantErr {
				if err == nil {
					t.Error("expected error but got nil")
				}
				return
			}

			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if tt.validate != nil {
				tt.validate(t, result)
			}
		})
	}
}

func TestBuildAnthropicParams(t *testing.T) {
	baseReq := agent.Request{
		System:   "You are helpful.",
		Messages: []models.Message{models.UserMessage{Content: models.TextBlocks("Hi")}},
	}

	t.Run("defaults", func(t *testing.T) {
		params, err := buildAnthropicParams("claude-sonnet-4-5", baseReq)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if string(params.Model) != "claude-sonnet-4-5" {
			t.Errorf("model = %q, want claude-sonnet-4-5", params.Model)
		}
		if params.MaxTokens != defaultAnthropicMaxTokens {
			t.Errorf("max tokens = %d, want %d", params.MaxTokens, defaultAnthropicMaxTokens)
		}
		if len(params.System) != 1 || params.System[0].Text != "You are helpful." {
			t.Error("system prompt not set")
		}
		if params.Thinking.OfEnabled != nil {
			t.Error("thinking should be off by default")
		}
	})

	t.Run("explicit max tokens", func(t *testing.T) {
		req := baseReq
		req.MaxTokens = 2000
		params, err := buildAnthropicParams("claude-sonnet-4-5", req)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if params.MaxTokens != 2000 {
			t.Errorf("max tokens = %d, want 2000", params.MaxTokens)
		}
	})

	t.Run("thinking budget raises max tokens", func(t *testing.T) {
		req := baseReq
		req.MaxTokens = 8192
		req.ThinkingLevel = models.ThinkingHigh
		params, err := buildAnthropicParams("claude-sonnet-4-5", req)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if params.Thinking.OfEnabled == nil {
			t.Fatal("thinking should be enabled")
		}
		if got := params.Thinking.OfEnabled.BudgetTokens; got != 16384 {
			t.Errorf("budget = %d, want 16384", got)
		}
		// max_tokens must exceed the budget, so it gets bumped.
		if params.MaxTokens != 16384+defaultAnthropicMaxTokens {
			t.Errorf("max tokens = %d, want %d", params.MaxTokens, 16384+defaultAnthropicMaxTokens)
		}
	})

	t.Run("large max tokens not lowered by thinking", func(t *testing.T) {
		req := baseReq
		req.MaxTokens = 50000
		req.ThinkingLevel = models.ThinkingHigh
		params, err := buildAnthropicParams("claude-sonnet-4-5", req)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if params.MaxTokens != 50000 {
			t.Errorf("max tokens = %d, want 50000", params.MaxTokens)
		}
	})

	t.Run("tools included", func(t *testing.T) {
		req := baseReq
		req.Tools = []tools.Tool{
			&mockTool{
				name:        "get_weather",
				description: "Get current weather",
				schema:      json.RawMessage(`{"type":"object","properties":{"city":{"type":"string"}}}`),
			},
		}
		params, err := buildAnthropicParams("claude-sonnet-4-5", req)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(params.Tools) != 1 {
			t.Fatalf("expected 1 tool, got %d", len(params.Tools))
		}
		if params.Tools[0].OfTool == nil || params.Tools[0].OfTool.Name != "get_weather" {
			t.Error("tool param missing or misnamed")
		}
	})
}

func TestConvertAnthropicTools(t *testing.T) {
	tests := []struct {
		name    string
		tools   []tools.Tool
		wantErr bool
	}{
		{
			name: "valid tool",
			tools: []tools.Tool{
				&mockTool{
					name:        "get_weather",
					description: "Get current weather",
					schema:      json.RawMessage(`{"type":"object","properties":{"city":{"type":"string"}}}`),
				},
			},
		},
		{
			name: "multiple tools",
			tools: []tools.Tool{
				&mockTool{name: "a", description: "A", schema: json.RawMessage(`{"type":"object"}`)},
				&mockTool{name: "b", description: "B", schema: json.RawMessage(`{"type":"object"}`)},
			},
		},
		{
			name: "invalid schema JSON",
			tools: []tools.Tool{
				&mockTool{name: "bad", description: "Bad", schema: json.RawMessage(`invalid`)},
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := convertAnthropicTools(tt.tools)

			if tt.wantErr {
				if err == nil {
					t.Error("expected error but got nil")
				}
				return
			}

			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if len(result) != len(tt.tools) {
				t.Errorf("expected %d tools, got %d", len(tt.tools), len(result))
			}
		})
	}
}

func TestMapAnthropicStop(t *testing.T) {
	tests := []struct {
		reason   string
		expected models.StopReason
	}{
		{"end_turn", models.StopEndTurn},
		{"stop_sequence", models.StopEndTurn},
		{"tool_use", models.StopToolUse},
		{"max_tokens", models.StopLength},
		{"something_else", models.StopEndTurn},
	}

	for _, tt := range tests {
		t.Run(tt.reason, func(t *testing.T) {
			if got := mapAnthropicStop(tt.reason); got != tt.expected {
				t.Errorf("mapAnthropicStop(%q) = %v, want %v", tt.reason, got, tt.expected)
			}
		})
	}
}

func TestWrapAnthropicError(t *testing.T) {
	t.Run("nil", func(t *testing.T) {
		if wrapAnthropicError(nil, "claude-sonnet-4-5") != nil {
			t.Error("nil should stay nil")
		}
	})

	t.Run("api error", func(t *testing.T) {
		apiErr := &anthropic.Error{
			StatusCode: 429,
			RequestID:  "req_123",
		}
		wrapped := wrapAnthropicError(apiErr, "claude-sonnet-4-5")
		providerErr, ok := GetProviderError(wrapped)
		if !ok {
			t.Fatalf("expected ProviderError, got %T", wrapped)
		}
		if providerErr.Status != 429 {
			t.Errorf("status = %d, want 429", providerErr.Status)
		}
		if providerErr.Reason != ReasonRateLimit {
			t.Errorf("reason = %v, want rate_limit", providerErr.Reason)
		}
		if providerErr.RequestID != "req_123" {
			t.Errorf("request ID = %q, want req_123", providerErr.RequestID)
		}
		if providerErr.Message != "anthropic request failed" {
			t.Errorf("message = %q, want fallback message", providerErr.Message)
		}
	})

	t.Run("already wrapped", func(t *testing.T) {
		original := NewProviderError("anthropic", "claude-sonnet-4-5", errors.New("boom"))
		if got := wrapAnthropicError(original, "claude-sonnet-4-5"); got != original {
			t.Error("ProviderError should pass through unchanged")
		}
	})

	t.Run("plain error is classified", func(t *testing.T) {
		wrapped := wrapAnthropicError(errors.New("dial tcp: connection refused"), "claude-sonnet-4-5")
		providerErr, ok := GetProviderError(wrapped)
		if !ok {
			t.Fatalf("expected ProviderError, got %T", wrapped)
		}
		if providerErr.Provider != "anthropic" {
			t.Errorf("provider = %q, want anthropic", providerErr.Provider)
		}
		if providerErr.Reason != ReasonConnection {
			t.Errorf("reason = %v, want connection", providerErr.Reason)
		}
	})
}
