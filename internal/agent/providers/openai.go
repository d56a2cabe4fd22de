package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/haasonsaas/strand/internal/agent"
	"github.com/haasonsaas/strand/internal/observability"
	"github.com/haasonsaas/strand/internal/tools"
	"github.com/haasonsaas/strand/pkg/models"
)

const defaultOpenAIModel = "gpt-5.1"

// openaiModels is the static catalog served by Models. Prices are USD
// per million tokens.
var openaiModels = []models.ModelInfo{
	{
		Provider:        "openai",
		ID:              "gpt-5.1",
		Name:            "GPT-5.1",
		ContextWindow:   400000,
		MaxOutputTokens: 128000,
		Reasoning:       true,
		InputPrice:      1.25,
		OutputPrice:     10,
		CacheReadPrice:  0.125,
	},
	{
		Provider:        "openai",
		ID:              "gpt-5",
		Name:            "GPT-5",
		ContextWindow:   400000,
		MaxOutputTokens: 128000,
		Reasoning:       true,
		InputPrice:      1.25,
		OutputPrice:     10,
		CacheReadPrice:  0.125,
	},
	{
		Provider:        "openai",
		ID:              "gpt-5-mini",
		Name:            "GPT-5 Mini",
		ContextWindow:   400000,
		MaxOutputTokens: 128000,
		Reasoning:       true,
		InputPrice:      0.25,
		OutputPrice:     2,
		CacheReadPrice:  0.025,
	},
	{
		Provider:        "openai",
		ID:              "gpt-4o",
		Name:            "GPT-4o",
		ContextWindow:   128000,
		MaxOutputTokens: 16384,
		InputPrice:      2.5,
		OutputPrice:     10,
		CacheReadPrice:  1.25,
	},
	{
		Provider:        "openai",
		ID:              "gpt-4o-mini",
		Name:            "GPT-4o Mini",
		ContextWindow:   128000,
		MaxOutputTokens: 16384,
		InputPrice:      0.15,
		OutputPrice:     0.6,
		CacheReadPrice:  0.075,
	},
}

// OpenAIProvider implements agent.Provider against the OpenAI chat
// completions API.
//
// Unlike the Anthropic API, the system prompt travels inside the
// messages array, tool call arguments stream incrementally by index and
// must be accumulated, and each tool result is its own message.
type OpenAIProvider struct {
	client       *openai.Client
	defaultModel string
	logger       *observability.Logger
}

// OpenAIConfig configures an OpenAIProvider.
type OpenAIConfig struct {
	// APIKey authenticates requests. Required.
	APIKey string

	// BaseURL overrides the API endpoint, e.g. for a proxy or an
	// OpenAI-compatible server. Optional.
	BaseURL string

	// DefaultModel is used when a request does not name a model.
	DefaultModel string

	Logger *observability.Logger
}

// NewOpenAIProvider creates a provider backed by go-openai.
func NewOpenAIProvider(cfg OpenAIConfig) (*OpenAIProvider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("openai: %w", ErrNoAPIKey)
	}

	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}

	model := cfg.DefaultModel
	if model == "" {
		model = defaultOpenAIModel
	}

	logger := cfg.Logger
	if logger != nil {
		logger = logger.WithFields("component", "provider", "provider", "openai")
	}

	return &OpenAIProvider{
		client:       openai.NewClientWithConfig(clientCfg),
		defaultModel: model,
		logger:       logger,
	}, nil
}

// Name returns "openai".
func (p *OpenAIProvider) Name() string {
	return "openai"
}

// Models returns the static OpenAI catalog.
func (p *OpenAIProvider) Models() []models.ModelInfo {
	out := make([]models.ModelInfo, len(openaiModels))
	copy(out, openaiModels)
	return out
}

// Stream sends one completion request and translates the chat
// completion stream into the engine's stream protocol.
func (p *OpenAIProvider) Stream(ctx context.Context, req agent.Request) (<-chan agent.ProviderEvent, error) {
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}

	chatReq := openai.ChatCompletionRequest{
		Model:         model,
		Messages:      convertOpenAIMessages(req.System, req.Messages),
		Stream:        true,
		StreamOptions: &openai.StreamOptions{IncludeUsage: true},
	}

	if effort := reasoningEffort(req.ThinkingLevel); effort != "" {
		chatReq.ReasoningEffort = effort
		if req.MaxTokens > 0 {
			// Reasoning models reject max_tokens.
			chatReq.MaxCompletionTokens = req.MaxTokens
		}
	} else if req.MaxTokens > 0 {
		chatReq.MaxTokens = req.MaxTokens
	}

	if len(req.Tools) > 0 {
		chatReq.Tools = convertOpenAITools(req.Tools)
	}

	if p.logger != nil {
		p.logger.Debug(ctx, "starting stream",
			"model", model,
			"messages", len(req.Messages),
			"tools", len(req.Tools))
	}

	stream, err := p.client.CreateChatCompletionStream(ctx, chatReq)
	if err != nil {
		return nil, wrapOpenAIError(err, model)
	}

	events := make(chan agent.ProviderEvent)
	go p.processStream(ctx, stream, events, model)

	return events, nil
}

// pendingCall accumulates one tool call across stream chunks. The ID
// and name arrive in the first chunk for the call's index; argument
// JSON arrives in fragments after that.
type pendingCall struct {
	id      string
	name    string
	started bool
	args    strings.Builder
}

// processStream consumes the chat completion stream and emits engine
// events.
func (p *OpenAIProvider) processStream(ctx context.Context, stream *openai.ChatCompletionStream, events chan<- agent.ProviderEvent, model string) {
	defer close(events)
	defer stream.Close()

	calls := make(map[int]*pendingCall)
	var usage models.Usage
	haveUsage := false
	stopReason := models.StopEndTurn

	// Flush completed calls in index order so multi-tool turns replay
	// deterministically.
	flushCalls := func() {
		indexes := make([]int, 0, len(calls))
		for idx := range calls {
			indexes = append(indexes, idx)
		}
		sort.Ints(indexes)

		for _, idx := range indexes {
			call := calls[idx]
			if call.id == "" || call.name == "" {
				continue
			}
			args := call.args.String()
			if args == "" {
				args = "{}"
			}
			events <- agent.ProviderEvent{
				Kind:       agent.StreamToolCallEnd,
				ToolCallID: call.id,
				ToolName:   call.name,
				Args:       json.RawMessage(args),
			}
		}
		calls = make(map[int]*pendingCall)
	}

	for {
		response, err := stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				flushCalls()
				if haveUsage {
					events <- agent.ProviderEvent{Kind: agent.StreamUsage, Usage: usage}
				}
				events <- agent.ProviderEvent{Kind: agent.StreamStop, StopReason: stopReason}
				return
			}
			if ctx.Err() != nil {
				err = ctx.Err()
			}
			events <- agent.ProviderEvent{Kind: agent.StreamError, Err: wrapOpenAIError(err, model)}
			return
		}

		// Usage arrives in a trailing chunk with no choices when
		// StreamOptions.IncludeUsage is set.
		if response.Usage != nil {
			usage.Input = response.Usage.PromptTokens
			usage.Output = response.Usage.CompletionTokens
			if details := response.Usage.PromptTokensDetails; details != nil {
				// prompt_tokens includes the cached share; keep Input
				// as the uncached remainder.
				usage.CacheRead = details.CachedTokens
				usage.Input -= details.CachedTokens
			}
			haveUsage = true
		}

		if len(response.Choices) == 0 {
			continue
		}
		choice := response.Choices[0]

		if choice.Delta.Content != "" {
			events <- agent.ProviderEvent{Kind: agent.StreamTextDelta, Text: choice.Delta.Content}
		}

		for _, tc := range choice.Delta.ToolCalls {
			index := 0
			if tc.Index != nil {
				index = *tc.Index
			}

			call := calls[index]
			if call == nil {
				call = &pendingCall{}
				calls[index] = call
			}
			if tc.ID != "" {
				call.id = tc.ID
			}
			if tc.Function.Name != "" {
				call.name = tc.Function.Name
			}
			if !call.started && call.id != "" && call.name != "" {
				call.started = true
				events <- agent.ProviderEvent{
					Kind:       agent.StreamToolCallStart,
					ToolCallID: call.id,
					ToolName:   call.name,
				}
			}
			if tc.Function.Arguments != "" {
				call.args.WriteString(tc.Function.Arguments)
				events <- agent.ProviderEvent{
					Kind:       agent.StreamToolCallDelta,
					ToolCallID: call.id,
					ToolName:   call.name,
					ArgsDelta:  tc.Function.Arguments,
				}
			}
		}

		switch choice.FinishReason {
		case openai.FinishReasonToolCalls:
			flushCalls()
			stopReason = models.StopToolUse
		case openai.FinishReasonStop:
			stopReason = models.StopEndTurn
		case openai.FinishReasonLength:
			stopReason = models.StopLength
		case openai.FinishReasonContentFilter:
			stopReason = models.StopEndTurn
		}
	}
}

// reasoningEffort maps a thinking level onto the API's effort scale.
// Chat completions have no xhigh effort, so it degrades to high.
func reasoningEffort(level models.ThinkingLevel) string {
	switch level {
	case models.ThinkingMinimal:
		return "minimal"
	case models.ThinkingLow:
		return "low"
	case models.ThinkingMedium:
		return "medium"
	case models.ThinkingHigh, models.ThinkingXHigh:
		return "high"
	default:
		return ""
	}
}

// convertOpenAIMessages converts conversation history to API shape.
// The system prompt is injected as the leading message. Assistant
// messages that convert to neither text nor tool calls are dropped.
func convertOpenAIMessages(system string, history []models.Message) []openai.ChatCompletionMessage {
	result := make([]openai.ChatCompletionMessage, 0, len(history)+1)

	if system != "" {
		result = append(result, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: system,
		})
	}

	for _, msg := range history {
		switch m := msg.(type) {
		case models.UserMessage:
			result = append(result, convertOpenAIUser(m))

		case models.AssistantMessage:
			oaiMsg := openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleAssistant,
				Content: m.Content.Text(),
			}
			for _, call := range m.Content.ToolCalls() {
				oaiMsg.ToolCalls = append(oaiMsg.ToolCalls, openai.ToolCall{
					ID:   call.ID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      call.Name,
						Arguments: string(call.Arguments),
					},
				})
			}
			if oaiMsg.Content == "" && len(oaiMsg.ToolCalls) == 0 {
				continue
			}
			result = append(result, oaiMsg)

		case models.ToolResultMessage:
			result = append(result, openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				Content:    m.Content.Text(),
				ToolCallID: m.ToolCallID,
			})
		}
	}

	return result
}

// convertOpenAIUser converts a user message, switching to the
// multi-content form when images are present.
func convertOpenAIUser(m models.UserMessage) openai.ChatCompletionMessage {
	hasImage := false
	for _, block := range m.Content {
		if _, ok := block.(models.ImageBlock); ok {
			hasImage = true
			break
		}
	}

	if !hasImage {
		return openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleUser,
			Content: m.Content.Text(),
		}
	}

	parts := make([]openai.ChatMessagePart, 0, len(m.Content))
	for _, block := range m.Content {
		switch b := block.(type) {
		case models.TextBlock:
			if b.Text != "" {
				parts = append(parts, openai.ChatMessagePart{
					Type: openai.ChatMessagePartTypeText,
					Text: b.Text,
				})
			}
		case models.ImageBlock:
			parts = append(parts, openai.ChatMessagePart{
				Type: openai.ChatMessagePartTypeImageURL,
				ImageURL: &openai.ChatMessageImageURL{
					URL:    fmt.Sprintf("data:%s;base64,%s", b.MimeType, b.Data),
					Detail: openai.ImageURLDetailAuto,
				},
			})
		}
	}

	return openai.ChatCompletionMessage{
		Role:         openai.ChatMessageRoleUser,
		MultiContent: parts,
	}
}

// convertOpenAITools converts tool definitions to function declarations.
// A schema that fails to parse degrades to an empty object schema so
// one bad tool does not take down the rest.
func convertOpenAITools(list []tools.Tool) []openai.Tool {
	result := make([]openai.Tool, len(list))
	for i, tool := range list {
		var schema map[string]any
		if err := json.Unmarshal(tool.Schema(), &schema); err != nil || schema == nil {
			schema = map[string]any{
				"type":       "object",
				"properties": map[string]any{},
			}
		}

		result[i] = openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        tool.Name(),
				Description: tool.Description(),
				Parameters:  schema,
			},
		}
	}
	return result
}

// wrapOpenAIError converts SDK errors into classified ProviderErrors.
func wrapOpenAIError(err error, model string) error {
	if err == nil {
		return nil
	}
	if IsProviderError(err) {
		return err
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		providerErr := &ProviderError{
			Provider: "openai",
			Model:    model,
			Cause:    err,
			Reason:   ReasonUnknown,
		}
		providerErr = providerErr.WithStatus(apiErr.HTTPStatusCode)

		message := apiErr.Message
		if message == "" {
			message = "openai request failed"
		}
		providerErr = providerErr.WithMessage(message)

		if code, ok := apiErr.Code.(string); ok && code != "" {
			providerErr = providerErr.WithCode(code)
		} else if apiErr.Type != "" {
			providerErr = providerErr.WithCode(apiErr.Type)
		}
		return providerErr
	}

	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		providerErr := &ProviderError{
			Provider: "openai",
			Model:    model,
			Cause:    err,
			Reason:   ReasonUnknown,
		}
		providerErr = providerErr.WithStatus(reqErr.HTTPStatusCode)
		providerErr = providerErr.WithMessage(reqErr.Error())
		return providerErr
	}

	return NewProviderError("openai", model, err)
}
