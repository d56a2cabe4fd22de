package models

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// EntryType identifies the kind of a session log entry.
type EntryType string

const (
	EntryTypeUserMessage         EntryType = "user-message"
	EntryTypeAssistantMessage    EntryType = "assistant-message"
	EntryTypeToolResult          EntryType = "tool-result"
	EntryTypeFileMention         EntryType = "file-mention"
	EntryTypeBashExecution       EntryType = "bash-execution"
	EntryTypeCustomMessage       EntryType = "custom-message"
	EntryTypeCompaction          EntryType = "compaction"
	EntryTypeBranchSummary       EntryType = "branch-summary"
	EntryTypeModelChange         EntryType = "model-change"
	EntryTypeThinkingLevelChange EntryType = "thinking-level-change"
)

// Entry is one record in a session's append-only entry tree. Every entry
// names its parent, so the log forms a tree and any entry id identifies a
// full conversation path back to the root.
//
// Concrete types: UserMessageEntry, AssistantMessageEntry, ToolResultEntry,
// FileMentionEntry, BashExecutionEntry, CustomMessageEntry, CompactionEntry,
// BranchSummaryEntry, ModelChangeEntry, ThinkingLevelChangeEntry. Entries of
// unrecognized types survive as UnknownEntry.
type Entry interface {
	EntryID() string
	ParentEntryID() string
	Kind() EntryType
	EntryTime() time.Time

	base() *EntryBase
}

// EntryBase carries the fields common to every entry. Embed it as the first
// field of a concrete entry type.
type EntryBase struct {
	Type      EntryType `json:"type"`
	ID        string    `json:"id"`
	ParentID  string    `json:"parentId,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

func (b *EntryBase) EntryID() string       { return b.ID }
func (b *EntryBase) ParentEntryID() string { return b.ParentID }
func (b *EntryBase) Kind() EntryType       { return b.Type }
func (b *EntryBase) EntryTime() time.Time  { return b.Timestamp }
func (b *EntryBase) base() *EntryBase      { return b }

// StampEntry assigns identity and position to an entry at append time.
// Timestamps are stored as UTC. The type tag comes from the entry's
// Kind, so callers never set it by hand.
func StampEntry(e Entry, id, parentID string, ts time.Time) {
	b := e.base()
	b.Type = e.Kind()
	b.ID = id
	b.ParentID = parentID
	b.Timestamp = ts.UTC()
}

// NewEntryID returns a short random hex id, unique within a session.
func NewEntryID() string {
	buf := make([]byte, 4)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand failure means the platform is broken; fall back to time.
		return fmt.Sprintf("%08x", time.Now().UnixNano()&0xffffffff)
	}
	return hex.EncodeToString(buf)
}

// UserMessageEntry records human input.
type UserMessageEntry struct {
	EntryBase
	Message UserMessage `json:"message"`
}

// AssistantMessageEntry records one model response, partial or complete.
type AssistantMessageEntry struct {
	EntryBase
	Message AssistantMessage `json:"message"`
}

// ToolResultEntry records the outcome of one tool call.
type ToolResultEntry struct {
	EntryBase
	Result ToolResultMessage `json:"result"`
}

// FileMentionEntry records file content attached to the conversation when
// the user referenced a path. It reaches the model as part of the context.
type FileMentionEntry struct {
	EntryBase
	Path    string `json:"path"`
	Content string `json:"content"`
}

// BashExecutionEntry records a user-initiated shell command and its output.
// ExcludeFromContext keeps the record visible in the log while omitting it
// from what the model sees.
type BashExecutionEntry struct {
	EntryBase
	Command            string `json:"command"`
	Output             string `json:"output"`
	ExitCode           int    `json:"exitCode"`
	Cancelled          bool   `json:"cancelled,omitempty"`
	Truncated          bool   `json:"truncated,omitempty"`
	FullOutputPath     string `json:"fullOutputPath,omitempty"`
	ExcludeFromContext bool   `json:"excludeFromContext,omitempty"`
}

// CustomMessageEntry is an extension-authored message. Display controls
// both UI rendering and model visibility: hidden custom messages stay in
// the log but are skipped when the conversation is replayed for the model.
type CustomMessageEntry struct {
	EntryBase
	CustomType string          `json:"customType"`
	Content    Blocks          `json:"content"`
	Display    bool            `json:"display"`
	Details    json.RawMessage `json:"details,omitempty"`
}

// CompactionEntry summarizes everything before FirstKeptEntryID. Context
// building replays the summary plus the entries from FirstKeptEntryID
// onward instead of the full history. FromExtension marks summaries
// supplied by an extension hook rather than the built-in summarizer.
type CompactionEntry struct {
	EntryBase
	Summary          string          `json:"summary"`
	FirstKeptEntryID string          `json:"firstKeptEntryId"`
	TokensBefore     int             `json:"tokensBefore"`
	Details          json.RawMessage `json:"details,omitempty"`
	FromExtension    bool            `json:"fromExtension,omitempty"`
}

// BranchSummaryEntry records a digest of an abandoned sibling branch so a
// new branch can carry its essence without its tokens.
type BranchSummaryEntry struct {
	EntryBase
	FromLeafID    string          `json:"fromLeafId"`
	Summary       string          `json:"summary"`
	Details       json.RawMessage `json:"details,omitempty"`
	FromExtension bool            `json:"fromExtension,omitempty"`
}

// ModelChangeEntry marks a mid-session model switch. Later context builds
// report the model active at the leaf.
type ModelChangeEntry struct {
	EntryBase
	Provider string `json:"provider"`
	ModelID  string `json:"modelId"`
}

// ThinkingLevelChangeEntry marks a mid-session reasoning effort switch.
type ThinkingLevelChangeEntry struct {
	EntryBase
	Level ThinkingLevel `json:"level"`
}

// UnknownEntry preserves a record of an unrecognized type verbatim so logs
// written by newer versions survive a read/write cycle.
type UnknownEntry struct {
	EntryBase
	Raw json.RawMessage `json:"-"`
}

func (e *UnknownEntry) MarshalJSON() ([]byte, error) {
	return append(json.RawMessage(nil), e.Raw...), nil
}

// Each concrete entry reports its own kind; the embedded EntryBase
// accessor covers only UnknownEntry, whose kind is whatever the record
// carried. StampEntry copies the kind into the serialized type tag.
func (*UserMessageEntry) Kind() EntryType         { return EntryTypeUserMessage }
func (*AssistantMessageEntry) Kind() EntryType    { return EntryTypeAssistantMessage }
func (*ToolResultEntry) Kind() EntryType          { return EntryTypeToolResult }
func (*FileMentionEntry) Kind() EntryType         { return EntryTypeFileMention }
func (*BashExecutionEntry) Kind() EntryType       { return EntryTypeBashExecution }
func (*CustomMessageEntry) Kind() EntryType       { return EntryTypeCustomMessage }
func (*CompactionEntry) Kind() EntryType          { return EntryTypeCompaction }
func (*BranchSummaryEntry) Kind() EntryType       { return EntryTypeBranchSummary }
func (*ModelChangeEntry) Kind() EntryType         { return EntryTypeModelChange }
func (*ThinkingLevelChangeEntry) Kind() EntryType { return EntryTypeThinkingLevelChange }

// MarshalEntry encodes an entry as a single JSON object with a type tag.
func MarshalEntry(e Entry) ([]byte, error) {
	return json.Marshal(e)
}

// UnmarshalEntry decodes one entry record. Unrecognized types decode to
// *UnknownEntry rather than failing, keeping old readers forward-compatible.
func UnmarshalEntry(data []byte) (Entry, error) {
	var probe EntryBase
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, fmt.Errorf("decode entry: %w", err)
	}
	var e Entry
	switch probe.Type {
	case EntryTypeUserMessage:
		e = &UserMessageEntry{}
	case EntryTypeAssistantMessage:
		e = &AssistantMessageEntry{}
	case EntryTypeToolResult:
		e = &ToolResultEntry{}
	case EntryTypeFileMention:
		e = &FileMentionEntry{}
	case EntryTypeBashExecution:
		e = &BashExecutionEntry{}
	case EntryTypeCustomMessage:
		e = &CustomMessageEntry{}
	case EntryTypeCompaction:
		e = &CompactionEntry{}
	case EntryTypeBranchSummary:
		e = &BranchSummaryEntry{}
	case EntryTypeModelChange:
		e = &ModelChangeEntry{}
	case EntryTypeThinkingLevelChange:
		e = &ThinkingLevelChangeEntry{}
	default:
		return &UnknownEntry{
			EntryBase: probe,
			Raw:       append(json.RawMessage(nil), data...),
		}, nil
	}
	if err := json.Unmarshal(data, e); err != nil {
		return nil, fmt.Errorf("decode %s entry: %w", probe.Type, err)
	}
	return e, nil
}
