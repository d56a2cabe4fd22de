package compaction

import (
	"github.com/haasonsaas/strand/internal/sessions"
	"github.com/haasonsaas/strand/pkg/models"
)

const (
	// CharsPerToken is the character-to-token ratio used when no exact
	// usage is available.
	CharsPerToken = 4

	// imageChars is the flat character charge for an image block.
	imageChars = 4 * 1200
)

// EstimateEntryTokens estimates the model-visible token footprint of one
// log entry. Entries that carry no message cost nothing.
func EstimateEntryTokens(e models.Entry) int {
	m, ok := sessions.EntryMessage(e)
	if !ok {
		return 0
	}
	return EstimateMessageTokens(m)
}

// EstimateMessageTokens estimates tokens for one message at roughly
// CharsPerToken characters per token. Every message costs at least one.
func EstimateMessageTokens(m models.Message) int {
	chars := 0
	switch msg := m.(type) {
	case models.UserMessage:
		chars = blockChars(msg.Content)
	case models.AssistantMessage:
		chars = blockChars(msg.Content)
	case models.ToolResultMessage:
		chars = blockChars(msg.Content)
	}
	tokens := chars / CharsPerToken
	if tokens < 1 {
		tokens = 1
	}
	return tokens
}

func blockChars(content models.Blocks) int {
	chars := 0
	for _, b := range content {
		switch block := b.(type) {
		case models.TextBlock:
			chars += len(block.Text)
		case models.ThinkingBlock:
			chars += len(block.Thinking)
		case models.ToolCallBlock:
			chars += len(block.Name) + len(block.Arguments)
		case models.ImageBlock:
			chars += imageChars
		case models.UnknownBlock:
			chars += len(block.Raw)
		}
	}
	return chars
}

// ContextTokens estimates the token footprint of a model-visible entry
// window. The usage reported on the most recent clean assistant message
// anchors the count exactly; only entries after it are approximated. A
// window with no usable usage is approximated entirely.
func ContextTokens(entries []models.Entry) int {
	anchor := -1
	total := 0
	for i := len(entries) - 1; i >= 0; i-- {
		a, ok := entries[i].(*models.AssistantMessageEntry)
		if !ok {
			continue
		}
		msg := a.Message
		if msg.StopReason == models.StopError || msg.StopReason == models.StopAborted {
			continue
		}
		if t := msg.Usage.ContextTokens(); t > 0 {
			anchor = i
			total = t
			break
		}
	}
	for i := anchor + 1; i < len(entries); i++ {
		total += EstimateEntryTokens(entries[i])
	}
	return total
}
