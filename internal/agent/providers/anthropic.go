package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/haasonsaas/strand/internal/agent"
	"github.com/haasonsaas/strand/internal/observability"
	"github.com/haasonsaas/strand/internal/tools"
	"github.com/haasonsaas/strand/pkg/models"
)

const (
	defaultAnthropicModel     = "claude-sonnet-4-5"
	defaultAnthropicMaxTokens = 8192
)

// anthropicModels is the static catalog served by Models. Prices are
// USD per million tokens.
var anthropicModels = []models.ModelInfo{
	{
		Provider:        "anthropic",
		ID:              "claude-opus-4-6",
		Name:            "Claude Opus 4.6",
		ContextWindow:   200000,
		MaxOutputTokens: 64000,
		Reasoning:       true,
		XHigh:           true,
		InputPrice:      5,
		OutputPrice:     25,
		CacheReadPrice:  0.5,
		CacheWritePrice: 6.25,
	},
	{
		Provider:        "anthropic",
		ID:              "claude-sonnet-4-5",
		Name:            "Claude Sonnet 4.5",
		ContextWindow:   200000,
		MaxOutputTokens: 64000,
		Reasoning:       true,
		InputPrice:      3,
		OutputPrice:     15,
		CacheReadPrice:  0.3,
		CacheWritePrice: 3.75,
	},
	{
		Provider:        "anthropic",
		ID:              "claude-haiku-4-5",
		Name:            "Claude Haiku 4.5",
		ContextWindow:   200000,
		MaxOutputTokens: 64000,
		Reasoning:       true,
		InputPrice:      1,
		OutputPrice:     5,
		CacheReadPrice:  0.1,
		CacheWritePrice: 1.25,
	},
}

// AnthropicProvider implements agent.Provider against the Anthropic
// Messages API, using the official SDK's SSE streaming.
type AnthropicProvider struct {
	client       anthropic.Client
	defaultModel string
	logger       *observability.Logger
}

// AnthropicConfig configures an AnthropicProvider.
type AnthropicConfig struct {
	// APIKey authenticates requests. Required.
	APIKey string

	// BaseURL overrides the API endpoint, e.g. for a proxy. Optional.
	BaseURL string

	// DefaultModel is used when a request does not name a model.
	DefaultModel string

	Logger *observability.Logger
}

// NewAnthropicProvider creates a provider backed by anthropic-sdk-go.
func NewAnthropicProvider(cfg AnthropicConfig) (*AnthropicProvider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("anthropic: %w", ErrNoAPIKey)
	}

	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	model := cfg.DefaultModel
	if model == "" {
		model = defaultAnthropicModel
	}

	logger := cfg.Logger
	if logger != nil {
		logger = logger.WithFields("component", "provider", "provider", "anthropic")
	}

	return &AnthropicProvider{
		client:       anthropic.NewClient(opts...),
		defaultModel: model,
		logger:       logger,
	}, nil
}

// Name returns "anthropic".
func (p *AnthropicProvider) Name() string {
	return "anthropic"
}

// Models returns the static Anthropic catalog.
func (p *AnthropicProvider) Models() []models.ModelInfo {
	out := make([]models.ModelInfo, len(anthropicModels))
	copy(out, anthropicModels)
	return out
}

// Stream sends one completion request and translates the SDK's SSE
// events into the engine's stream protocol.
func (p *AnthropicProvider) Stream(ctx context.Context, req agent.Request) (<-chan agent.ProviderEvent, error) {
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}

	params, err := buildAnthropicParams(model, req)
	if err != nil {
		return nil, err
	}

	if p.logger != nil {
		p.logger.Debug(ctx, "starting stream",
			"model", model,
			"messages", len(req.Messages),
			"tools", len(req.Tools))
	}

	stream := p.client.Messages.NewStreaming(ctx, params)

	events := make(chan agent.ProviderEvent)
	go p.processStream(ctx, stream, events, model)

	return events, nil
}

// buildAnthropicParams assembles the SDK request for one completion.
func buildAnthropicParams(model string, req agent.Request) (anthropic.MessageNewParams, error) {
	messages, err := convertAnthropicMessages(req.Messages)
	if err != nil {
		return anthropic.MessageNewParams{}, fmt.Errorf("anthropic: convert messages: %w", err)
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultAnthropicMaxTokens
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		Messages:  messages,
		MaxTokens: int64(maxTokens),
	}

	if req.System != "" {
		params.System = []anthropic.TextBlockParam{
			{
				Type: "text",
				Text: req.System,
			},
		}
	}

	if len(req.Tools) > 0 {
		toolParams, err := convertAnthropicTools(req.Tools)
		if err != nil {
			return anthropic.MessageNewParams{}, fmt.Errorf("anthropic: convert tools: %w", err)
		}
		params.Tools = toolParams
	}

	if budget := req.ThinkingLevel.TokenBudget(); budget > 0 {
		// The API requires max_tokens to exceed the thinking budget.
		if int64(budget) >= params.MaxTokens {
			params.MaxTokens = int64(budget + defaultAnthropicMaxTokens)
		}
		params.Thinking = anthropic.ThinkingConfigParamOfEnabled(int64(budget))
	}

	return params, nil
}

// maxEmptyStreamEvents is the number of consecutive empty events after
// which a stream is treated as malformed and terminated.
const maxEmptyStreamEvents = 300

// processStream consumes the SSE stream and emits engine events.
//
// Tool calls arrive in three phases: content_block_start carries the ID
// and name, input_json_delta events carry argument fragments, and
// content_block_stop closes the call with the accumulated arguments.
func (p *AnthropicProvider) processStream(ctx context.Context, stream *ssestream.Stream[anthropic.MessageStreamEventUnion], events chan<- agent.ProviderEvent, model string) {
	defer close(events)

	var (
		usage      models.Usage
		stopReason models.StopReason
		toolID     string
		toolName   string
		toolArgs   strings.Builder
		inTool     bool
	)
	emptyEvents := 0

	fail := func(err error) {
		events <- agent.ProviderEvent{Kind: agent.StreamError, Err: wrapAnthropicError(err, model)}
	}
	finish := func() {
		events <- agent.ProviderEvent{Kind: agent.StreamUsage, Usage: usage}
		if stopReason == "" {
			stopReason = models.StopEndTurn
		}
		events <- agent.ProviderEvent{Kind: agent.StreamStop, StopReason: stopReason}
	}

	for stream.Next() {
		event := stream.Current()
		processed := false

		switch event.Type {
		case "message_start":
			start := event.AsMessageStart()
			usage.Input = int(start.Message.Usage.InputTokens)
			usage.CacheRead = int(start.Message.Usage.CacheReadInputTokens)
			usage.CacheWrite = int(start.Message.Usage.CacheCreationInputTokens)
			processed = true

		case "content_block_start":
			blockStart := event.AsContentBlockStart()
			if blockStart.ContentBlock.Type == "tool_use" {
				toolUse := blockStart.ContentBlock.AsToolUse()
				toolID = toolUse.ID
				toolName = toolUse.Name
				toolArgs.Reset()
				inTool = true
				events <- agent.ProviderEvent{
					Kind:       agent.StreamToolCallStart,
					ToolCallID: toolID,
					ToolName:   toolName,
				}
			}
			processed = true

		case "content_block_delta":
			delta := event.AsContentBlockDelta().Delta
			switch delta.Type {
			case "text_delta":
				if delta.Text != "" {
					events <- agent.ProviderEvent{Kind: agent.StreamTextDelta, Text: delta.Text}
					processed = true
				}
			case "thinking_delta":
				if delta.Thinking != "" {
					events <- agent.ProviderEvent{Kind: agent.StreamThinkingDelta, Text: delta.Thinking}
					processed = true
				}
			case "input_json_delta":
				if delta.PartialJSON != "" {
					toolArgs.WriteString(delta.PartialJSON)
					events <- agent.ProviderEvent{
						Kind:       agent.StreamToolCallDelta,
						ToolCallID: toolID,
						ToolName:   toolName,
						ArgsDelta:  delta.PartialJSON,
					}
					processed = true
				}
			}

		case "content_block_stop":
			if inTool {
				args := toolArgs.String()
				if args == "" {
					args = "{}"
				}
				events <- agent.ProviderEvent{
					Kind:       agent.StreamToolCallEnd,
					ToolCallID: toolID,
					ToolName:   toolName,
					Args:       json.RawMessage(args),
				}
				inTool = false
			}
			processed = true

		case "message_delta":
			messageDelta := event.AsMessageDelta()
			usage.Output = int(messageDelta.Usage.OutputTokens)
			if reason := string(messageDelta.Delta.StopReason); reason != "" {
				stopReason = mapAnthropicStop(reason)
			}
			processed = true

		case "message_stop":
			finish()
			return

		case "error":
			fail(errors.New("anthropic: stream error event"))
			return
		}

		// Malformed stream protection: a flood of empty events would
		// otherwise spin here forever.
		if processed {
			emptyEvents = 0
		} else {
			emptyEvents++
			if emptyEvents >= maxEmptyStreamEvents {
				fail(fmt.Errorf("malformed stream: %d consecutive empty events", emptyEvents))
				return
			}
		}
	}

	if err := stream.Err(); err != nil {
		if ctx.Err() != nil {
			err = ctx.Err()
		}
		fail(err)
		return
	}

	// Stream ended without message_stop; close out with what we have.
	finish()
}

// mapAnthropicStop translates the API's stop reason.
func mapAnthropicStop(reason string) models.StopReason {
	switch reason {
	case "end_turn", "stop_sequence":
		return models.StopEndTurn
	case "tool_use":
		return models.StopToolUse
	case "max_tokens":
		return models.StopLength
	default:
		return models.StopEndTurn
	}
}

// convertAnthropicMessages converts conversation history to API shape.
//
// The API requires strict user/assistant alternation, so consecutive
// messages that map to the same wire role are merged into one message;
// tool results travel as user-role blocks. Thinking blocks are dropped
// on replay, and messages left with no blocks are skipped entirely.
func convertAnthropicMessages(history []models.Message) ([]anthropic.MessageParam, error) {
	var (
		result  []anthropic.MessageParam
		role    anthropic.MessageParamRole
		pending []anthropic.ContentBlockParamUnion
	)

	flush := func() {
		if len(pending) == 0 {
			return
		}
		result = append(result, anthropic.MessageParam{Role: role, Content: pending})
		pending = nil
	}

	add := func(r anthropic.MessageParamRole, blocks []anthropic.ContentBlockParamUnion) {
		if len(blocks) == 0 {
			return
		}
		if r != role {
			flush()
			role = r
		}
		pending = append(pending, blocks...)
	}

	for _, msg := range history {
		switch m := msg.(type) {
		case models.UserMessage:
			add(anthropic.MessageParamRoleUser, anthropicUserBlocks(m.Content))

		case models.AssistantMessage:
			add(anthropic.MessageParamRoleAssistant, anthropicAssistantBlocks(m.Content))

		case models.ToolResultMessage:
			add(anthropic.MessageParamRoleUser, []anthropic.ContentBlockParamUnion{
				anthropic.NewToolResultBlock(m.ToolCallID, m.Content.Text(), m.IsError),
			})

		default:
			return nil, fmt.Errorf("unsupported message type %T", msg)
		}
	}
	flush()

	return result, nil
}

func anthropicUserBlocks(content models.Blocks) []anthropic.ContentBlockParamUnion {
	var blocks []anthropic.ContentBlockParamUnion
	for _, block := range content {
		switch b := block.(type) {
		case models.TextBlock:
			if b.Text != "" {
				blocks = append(blocks, anthropic.NewTextBlock(b.Text))
			}
		case models.ImageBlock:
			blocks = append(blocks, anthropic.NewImageBlockBase64(b.MimeType, b.Data))
		}
	}
	return blocks
}

func anthropicAssistantBlocks(content models.Blocks) []anthropic.ContentBlockParamUnion {
	var blocks []anthropic.ContentBlockParamUnion
	for _, block := range content {
		switch b := block.(type) {
		case models.TextBlock:
			if b.Text != "" {
				blocks = append(blocks, anthropic.NewTextBlock(b.Text))
			}
		case models.ToolCallBlock:
			input := map[string]any{}
			if len(b.Arguments) > 0 {
				if err := json.Unmarshal(b.Arguments, &input); err != nil {
					input = map[string]any{}
				}
			}
			blocks = append(blocks, anthropic.NewToolUseBlock(b.ID, input, b.Name))
		}
	}
	return blocks
}

// convertAnthropicTools converts tool definitions to API shape.
func convertAnthropicTools(list []tools.Tool) ([]anthropic.ToolUnionParam, error) {
	result := make([]anthropic.ToolUnionParam, 0, len(list))
	for _, tool := range list {
		var schema anthropic.ToolInputSchemaParam
		if err := json.Unmarshal(tool.Schema(), &schema); err != nil {
			return nil, fmt.Errorf("tool %s: invalid schema: %w", tool.Name(), err)
		}

		param := anthropic.ToolUnionParamOfTool(schema, tool.Name())
		if param.OfTool != nil && tool.Description() != "" {
			param.OfTool.Description = anthropic.String(tool.Description())
		}
		result = append(result, param)
	}
	return result, nil
}

type anthropicErrorPayload struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
	RequestID string `json:"request_id"`
}

// wrapAnthropicError converts SDK errors into classified ProviderErrors.
func wrapAnthropicError(err error, model string) error {
	if err == nil {
		return nil
	}
	if IsProviderError(err) {
		return err
	}

	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		providerErr := &ProviderError{
			Provider: "anthropic",
			Model:    model,
			Cause:    err,
			Reason:   ReasonUnknown,
		}
		providerErr = providerErr.WithStatus(apiErr.StatusCode)

		message := ""
		code := ""
		requestID := apiErr.RequestID

		if raw := apiErr.RawJSON(); raw != "" {
			var payload anthropicErrorPayload
			if json.Unmarshal([]byte(raw), &payload) == nil {
				message = payload.Error.Message
				code = payload.Error.Type
				if payload.RequestID != "" {
					requestID = payload.RequestID
				}
			}
		}

		if message == "" {
			message = "anthropic request failed"
		}
		providerErr = providerErr.WithMessage(message)
		if code != "" {
			providerErr = providerErr.WithCode(code)
		}
		if requestID != "" {
			providerErr = providerErr.WithRequestID(requestID)
		}
		return providerErr
	}

	return NewProviderError("anthropic", model, err)
}
