package sessions

import (
	"fmt"

	"github.com/haasonsaas/strand/pkg/models"
)

// ModelRef names a model without loading its full catalog record.
type ModelRef struct {
	Provider string `json:"provider"`
	ID       string `json:"id"`
}

// IsZero reports whether the reference is unset.
func (r ModelRef) IsZero() bool {
	return r.Provider == "" && r.ID == ""
}

// Context is the conversation state reconstructed from the active branch:
// the messages to send to the model plus the settings that were live at
// the leaf.
type Context struct {
	Messages      []models.Message
	Model         ModelRef
	ThinkingLevel models.ThinkingLevel
	Title         string
}

// compactionNote prefixes the synthetic message that replaces compacted
// history. The wording is part of the log contract: prompts built from
// the same branch must be byte-identical across processes.
const compactionNote = "The earlier conversation was summarized to free context space. Summary:\n\n"

// BuildContext replays the active branch into model-ready messages.
//
// When the branch contains a compaction, everything before its first kept
// entry collapses into one synthetic user message carrying the summary,
// and replay resumes from the first kept entry. Entries that are not part
// of the model conversation (model and thinking changes, branch
// summaries, hidden custom messages, excluded shell records) are skipped
// but still contribute their side effects: the model and thinking level
// reported are the last ones set anywhere on the branch.
func (s *Session) BuildContext() Context {
	s.mu.Lock()
	defer s.mu.Unlock()

	branch := s.pathToLocked(s.leafID)

	ctx := Context{
		ThinkingLevel: models.ThinkingOff,
		Title:         s.titleLocked(),
	}

	index := make(map[string]int, len(branch))
	for i, e := range branch {
		index[e.EntryID()] = i
	}

	// The last compaction whose first kept entry is at or before it on
	// the branch wins. A compaction whose cut point left the branch
	// (the leaf moved above it) no longer applies.
	start := 0
	for i, e := range branch {
		c, ok := e.(*models.CompactionEntry)
		if !ok {
			continue
		}
		j, ok := index[c.FirstKeptEntryID]
		if !ok || j > i {
			continue
		}
		ctx.Messages = []models.Message{models.UserMessage{
			Content: models.TextBlocks(compactionNote + c.Summary),
		}}
		start = j
	}

	for i, e := range branch {
		switch entry := e.(type) {
		case *models.ModelChangeEntry:
			ctx.Model = ModelRef{Provider: entry.Provider, ID: entry.ModelID}
		case *models.ThinkingLevelChangeEntry:
			ctx.ThinkingLevel = entry.Level
		}
		if i < start {
			continue
		}
		if m, ok := EntryMessage(e); ok {
			ctx.Messages = append(ctx.Messages, m)
		}
	}
	return ctx
}

// EntryMessage converts a log entry into its model-visible message, if it
// has one. Token estimation and summarization use the same projection as
// BuildContext so they count exactly what the model sees.
func EntryMessage(e models.Entry) (models.Message, bool) {
	switch entry := e.(type) {
	case *models.UserMessageEntry:
		return entry.Message, true
	case *models.AssistantMessageEntry:
		// Error-terminated responses stay in the log for history but
		// never re-enter the model context: retries and overflow
		// recovery resume without them.
		if entry.Message.StopReason == models.StopError {
			return nil, false
		}
		return entry.Message, true
	case *models.ToolResultEntry:
		return entry.Result, true
	case *models.FileMentionEntry:
		return models.UserMessage{
			Content: models.TextBlocks(fmt.Sprintf("Contents of %s:\n\n```\n%s\n```", entry.Path, entry.Content)),
		}, true
	case *models.BashExecutionEntry:
		if entry.ExcludeFromContext {
			return nil, false
		}
		return models.UserMessage{
			Content: models.TextBlocks(formatBashRecord(entry)),
		}, true
	case *models.CustomMessageEntry:
		if !entry.Display {
			return nil, false
		}
		return models.UserMessage{Content: entry.Content}, true
	default:
		// Compactions, branch summaries, setting changes, and unknown
		// records carry no conversation text.
		return nil, false
	}
}

func formatBashRecord(e *models.BashExecutionEntry) string {
	status := fmt.Sprintf("exit %d", e.ExitCode)
	if e.Cancelled {
		status = "cancelled"
	}
	out := e.Output
	if out == "" {
		out = "(no output)"
	}
	return fmt.Sprintf("Ran `%s` (%s):\n\n```\n%s\n```", e.Command, status, out)
}
