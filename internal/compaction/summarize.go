package compaction

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/haasonsaas/strand/internal/observability"
	"github.com/haasonsaas/strand/internal/sessions"
	"github.com/haasonsaas/strand/pkg/models"
)

const (
	// SummaryMaxTokens caps the summarization response.
	SummaryMaxTokens = 4096

	// BranchSummaryMaxTokens caps a branch digest response.
	BranchSummaryMaxTokens = 512

	// DefaultChunkTokens bounds how much serialized conversation goes
	// into one summarization request. Longer prefixes are folded in
	// chunk by chunk, each request updating the previous chunk's result.
	DefaultChunkTokens = 40000

	// DefaultSummaryFallback stands in when there is nothing to summarize.
	DefaultSummaryFallback = "No prior history."

	// toolResultExcerptLimit truncates tool output fed to the summarizer.
	toolResultExcerptLimit = 2000
)

const summarySystemPrompt = `You are an expert at summarizing technical conversations.
Produce compact, structured summaries that let another model pick up the work without losing state.
Record facts, decisions, and current state, not the conversational flow.`

const summaryPrompt = `The messages above are a conversation to summarize. Write a structured context checkpoint for the model that continues this work.

Use this EXACT format:

## Goal
[What the user is trying to accomplish. May be several items.]

## Constraints & Preferences
- [Constraints or preferences the user stated, or "(none)"]

## Progress
### Done
- [x] [Completed work]

### In Progress
- [ ] [Current work]

### Blocked
- [Blockers, or "(none)"]

## Key Decisions
- **[Decision]**: [Why]

## Next Steps
1. [What should happen next, in order]

## Critical Context
- [Exact file paths, identifiers, error messages, and data needed to continue, or "(none)"]

Keep every section short. Preserve exact identifiers, file paths, and error messages.`

const updateSummaryPrompt = `The messages above are NEW conversation messages to fold into the existing summary inside the <previous-summary> tags.

Update the summary with the new information:
- PRESERVE existing information unless the new messages contradict it
- ADD new progress, decisions, and context
- MOVE In Progress items to Done when the new messages complete them
- REWRITE Next Steps to reflect what was accomplished

<previous-summary>
%s
</previous-summary>

Answer in the same EXACT format as the previous summary (Goal / Constraints & Preferences / Progress / Key Decisions / Next Steps / Critical Context).
Keep every section short. Preserve exact identifiers, file paths, and error messages.`

const branchSummarySystemPrompt = `You summarize abandoned conversation branches in a single short paragraph.`

// CompletionRequest is one blocking summarization call.
type CompletionRequest struct {
	System    string
	Prompt    string
	MaxTokens int
}

// Completer runs one LLM completion and returns the response text. The
// agent layer adapts a streaming provider into this, with reasoning off.
type Completer interface {
	Complete(ctx context.Context, req CompletionRequest) (string, error)
}

// CompleterFunc adapts a plain function to Completer.
type CompleterFunc func(ctx context.Context, req CompletionRequest) (string, error)

func (f CompleterFunc) Complete(ctx context.Context, req CompletionRequest) (string, error) {
	return f(ctx, req)
}

// Summarizer folds conversation prefixes into structured summaries.
type Summarizer struct {
	completer   Completer
	logger      *observability.Logger
	chunkTokens int
}

// NewSummarizer returns a summarizer speaking through completer.
func NewSummarizer(completer Completer, logger *observability.Logger) *Summarizer {
	if logger != nil {
		logger = logger.WithFields("component", "compaction")
	}
	return &Summarizer{
		completer:   completer,
		logger:      logger,
		chunkTokens: DefaultChunkTokens,
	}
}

// SetChunkTokens overrides the per-request input budget. Values <= 0 are
// ignored.
func (s *Summarizer) SetChunkTokens(n int) {
	if n > 0 {
		s.chunkTokens = n
	}
}

// Summarize folds entries into a structured markdown summary. A non-empty
// prevSummary is extended rather than replaced, and instructions ride
// along to the model verbatim.
//
// Entries that outgrow the per-request budget are folded in chunks, each
// request updating the summary produced by the one before, so the result
// stays chronological without a separate merge pass.
func (s *Summarizer) Summarize(ctx context.Context, entries []models.Entry, prevSummary, instructions string) (string, error) {
	if s.completer == nil {
		return "", errors.New("no summarizer model configured")
	}

	visible := make([]models.Entry, 0, len(entries))
	for _, e := range entries {
		if _, ok := sessions.EntryMessage(e); ok {
			visible = append(visible, e)
		}
	}
	chunks := chunkEntries(visible, s.chunkTokens)
	if len(chunks) == 0 {
		if prevSummary != "" {
			return prevSummary, nil
		}
		return DefaultSummaryFallback, nil
	}
	if s.logger != nil && len(chunks) > 1 {
		s.logger.Debug(ctx, "summarizing in chunks", "entries", len(visible), "chunks", len(chunks))
	}

	summary := prevSummary
	for i, chunk := range chunks {
		out, err := s.summarizeChunk(ctx, chunk, summary, instructions)
		if err != nil {
			if len(chunks) > 1 {
				return "", fmt.Errorf("summarize chunk %d/%d: %w", i+1, len(chunks), err)
			}
			return "", err
		}
		summary = strings.TrimSpace(out)
	}
	return summary, nil
}

func (s *Summarizer) summarizeChunk(ctx context.Context, entries []models.Entry, prevSummary, instructions string) (string, error) {
	conversation := serializeEntries(entries)

	var prompt string
	if prevSummary != "" {
		prompt = fmt.Sprintf("<conversation>\n%s\n</conversation>\n\n%s",
			conversation, fmt.Sprintf(updateSummaryPrompt, prevSummary))
	} else {
		prompt = fmt.Sprintf("<conversation>\n%s\n</conversation>\n\n%s",
			conversation, summaryPrompt)
	}
	if instructions != "" {
		prompt += "\n\nAdditional instructions from the user:\n" + instructions
	}

	out, err := s.completer.Complete(ctx, CompletionRequest{
		System:    summarySystemPrompt,
		Prompt:    prompt,
		MaxTokens: SummaryMaxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("summarization request: %w", err)
	}
	if strings.TrimSpace(out) == "" {
		return "", errors.New("summarization returned no text")
	}
	return out, nil
}

// SummarizeBranch digests the entries of an abandoned branch into one
// paragraph for display on its replacement. Returns "" when the branch
// holds no conversation.
func (s *Summarizer) SummarizeBranch(ctx context.Context, entries []models.Entry) (string, error) {
	if s.completer == nil {
		return "", errors.New("no summarizer model configured")
	}
	conversation := serializeEntries(entries)
	if strings.TrimSpace(conversation) == "" {
		return "", nil
	}

	prompt := fmt.Sprintf("<discarded-branch>\n%s\n</discarded-branch>\n\n"+
		"The conversation above is a branch the user moved away from. "+
		"Write one paragraph (at most 200 words) covering what was tried, "+
		"what worked, what did not, and why it was left behind. "+
		"The paragraph is shown as context on the new branch.", conversation)

	out, err := s.completer.Complete(ctx, CompletionRequest{
		System:    branchSummarySystemPrompt,
		Prompt:    prompt,
		MaxTokens: BranchSummaryMaxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("branch summary request: %w", err)
	}
	return strings.TrimSpace(out), nil
}

// chunkEntries splits entries into runs whose estimated tokens stay under
// maxTokens. An entry too large to share a chunk gets one of its own.
func chunkEntries(entries []models.Entry, maxTokens int) [][]models.Entry {
	if len(entries) == 0 {
		return nil
	}
	if maxTokens <= 0 {
		return [][]models.Entry{entries}
	}

	var chunks [][]models.Entry
	var current []models.Entry
	currentTokens := 0

	for _, e := range entries {
		tokens := EstimateEntryTokens(e)
		if tokens > maxTokens {
			if len(current) > 0 {
				chunks = append(chunks, current)
				current = nil
				currentTokens = 0
			}
			chunks = append(chunks, []models.Entry{e})
			continue
		}
		if currentTokens+tokens > maxTokens && len(current) > 0 {
			chunks = append(chunks, current)
			current = nil
			currentTokens = 0
		}
		current = append(current, e)
		currentTokens += tokens
	}
	if len(current) > 0 {
		chunks = append(chunks, current)
	}
	return chunks
}

// serializeEntries renders entries as labeled plain text for the
// summarization request.
func serializeEntries(entries []models.Entry) string {
	var sb strings.Builder
	for _, e := range entries {
		m, ok := sessions.EntryMessage(e)
		if !ok {
			continue
		}
		switch msg := m.(type) {
		case models.UserMessage:
			sb.WriteString("[USER]\n")
			writeBlocks(&sb, msg.Content, 0)
		case models.AssistantMessage:
			sb.WriteString("[ASSISTANT]\n")
			writeBlocks(&sb, msg.Content, 0)
		case models.ToolResultMessage:
			fmt.Fprintf(&sb, "[TOOL RESULT: %s]\n", msg.ToolName)
			writeBlocks(&sb, msg.Content, toolResultExcerptLimit)
		}
		sb.WriteByte('\n')
	}
	return sb.String()
}

func writeBlocks(sb *strings.Builder, content models.Blocks, textLimit int) {
	for _, b := range content {
		switch block := b.(type) {
		case models.TextBlock:
			text := block.Text
			if textLimit > 0 && len(text) > textLimit {
				text = text[:textLimit-3] + "..."
			}
			sb.WriteString(text)
			sb.WriteByte('\n')
		case models.ThinkingBlock:
			sb.WriteString("<thinking>\n")
			sb.WriteString(block.Thinking)
			sb.WriteString("\n</thinking>\n")
		case models.ToolCallBlock:
			fmt.Fprintf(sb, "[TOOL CALL: %s]\n", block.Name)
		}
	}
}
