package sessions

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/strand/internal/observability"
	"github.com/haasonsaas/strand/pkg/models"
)

// Options configures a session log.
type Options struct {
	// CWD is the working directory recorded in new session headers.
	CWD string

	// Title seeds the header title. When empty, Title() falls back to
	// the first user message.
	Title string

	Logger  *observability.Logger
	Metrics *observability.Metrics

	// NowFunc is the clock used to stamp entries. Defaults to time.Now.
	NowFunc func() time.Time
}

// Session is a live handle on one append-only entry log. Entries form a
// tree: each entry points at its parent, and a movable leaf pointer marks
// the active path. Appending places the new entry as a child of the
// current leaf and moves the leaf to it; moving the leaf to an older
// entry forks the conversation while keeping every sibling on disk.
//
// All methods are safe for concurrent use. Appended entries are owned by
// the session and must not be mutated afterwards.
type Session struct {
	mu      sync.Mutex
	header  Header
	backend Backend
	writer  *entryWriter
	logger  *observability.Logger
	metrics *observability.Metrics
	nowFunc func() time.Time

	entries []models.Entry
	byID    map[string]int
	leafID  string
	closed  bool
}

// NewSession creates a session in the backend and returns a handle on it.
func NewSession(ctx context.Context, backend Backend, opts Options) (*Session, error) {
	now := opts.NowFunc
	if now == nil {
		now = time.Now
	}
	header := Header{
		ID:        uuid.NewString(),
		CWD:       opts.CWD,
		Title:     opts.Title,
		CreatedAt: now().UTC(),
		Version:   CurrentLogVersion,
	}
	if err := backend.CreateSession(ctx, header); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	return attach(backend, header, nil, opts), nil
}

// OpenSession loads an existing session. The leaf starts at the last
// entry in append order, which is the newest point of the most recently
// written branch.
func OpenSession(ctx context.Context, backend Backend, id string, opts Options) (*Session, error) {
	header, entries, err := backend.LoadSession(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("open session %s: %w", id, err)
	}
	return attach(backend, header, entries, opts), nil
}

func attach(backend Backend, header Header, entries []models.Entry, opts Options) *Session {
	now := opts.NowFunc
	if now == nil {
		now = time.Now
	}
	s := &Session{
		header:  header,
		backend: backend,
		writer:  newEntryWriter(backend, header.ID, opts.Logger, opts.Metrics),
		logger:  opts.Logger,
		metrics: opts.Metrics,
		nowFunc: now,
		entries: entries,
		byID:    make(map[string]int, len(entries)),
	}
	for i, e := range entries {
		s.byID[e.EntryID()] = i
	}
	if len(entries) > 0 {
		s.leafID = entries[len(entries)-1].EntryID()
	}
	return s
}

// ID returns the session identifier.
func (s *Session) ID() string {
	return s.header.ID
}

// CWD returns the working directory the session was started in.
func (s *Session) CWD() string {
	return s.header.CWD
}

// Header returns a copy of the session header.
func (s *Session) Header() Header {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.header
}

// Title returns the explicit session title, or the first line of the
// first user message when none was set.
func (s *Session) Title() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.titleLocked()
}

func (s *Session) titleLocked() string {
	if s.header.Title != "" {
		return s.header.Title
	}
	for _, e := range s.entries {
		um, ok := e.(*models.UserMessageEntry)
		if !ok {
			continue
		}
		return deriveTitle(um.Message.Content.Text())
	}
	return ""
}

// deriveTitle trims a message down to a one-line session title.
func deriveTitle(text string) string {
	for i, r := range text {
		if r == '\n' {
			text = text[:i]
			break
		}
	}
	const maxTitle = 80
	if len(text) > maxTitle {
		return text[:maxTitle-3] + "..."
	}
	return text
}

// SetTitle sets an explicit title and persists it.
func (s *Session) SetTitle(title string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}
	s.header.Title = title
	s.writer.enqueueTitle(title)
	return nil
}

// Append stamps the entry with a fresh ID, parents it to the current
// leaf, advances the leaf, and schedules the write. The assigned ID is
// returned. The entry becomes visible to reads immediately; durability is
// guaranteed only after Flush.
func (s *Session) Append(e models.Entry) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appendLocked(e)
}

func (s *Session) appendLocked(e models.Entry) (string, error) {
	if s.closed {
		return "", ErrSessionClosed
	}
	id := models.NewEntryID()
	for _, taken := s.byID[id]; taken; _, taken = s.byID[id] {
		id = models.NewEntryID()
	}
	models.StampEntry(e, id, s.leafID, s.nowFunc())

	s.entries = append(s.entries, e)
	s.byID[id] = len(s.entries) - 1
	s.leafID = id
	s.writer.enqueue(e)

	if s.metrics != nil {
		s.metrics.RecordEntryAppended(string(e.Kind()))
	}
	return id, nil
}

// AppendCompaction records a summary of everything before
// firstKeptEntryID. The referenced entry must exist.
func (s *Session) AppendCompaction(summary, firstKeptEntryID string, tokensBefore int, details json.RawMessage, fromExtension bool) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[firstKeptEntryID]; !ok {
		return "", fmt.Errorf("first kept entry %s: %w", firstKeptEntryID, ErrEntryNotFound)
	}
	return s.appendLocked(&models.CompactionEntry{
		Summary:          summary,
		FirstKeptEntryID: firstKeptEntryID,
		TokensBefore:     tokensBefore,
		Details:          details,
		FromExtension:    fromExtension,
	})
}

// AppendCustomMessage records an extension-authored message. Hidden
// messages (display false) stay out of the model context.
func (s *Session) AppendCustomMessage(customType string, content models.Blocks, display bool, details json.RawMessage) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appendLocked(&models.CustomMessageEntry{
		CustomType: customType,
		Content:    content,
		Display:    display,
		Details:    details,
	})
}

// Branch moves the leaf to an existing entry. Descendants of the old
// position stay in the log as an abandoned sibling branch; the next
// append forks from the new leaf.
func (s *Session) Branch(parentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}
	if _, ok := s.byID[parentID]; !ok {
		return fmt.Errorf("branch target %s: %w", parentID, ErrEntryNotFound)
	}
	s.leafID = parentID
	return nil
}

// BranchWithSummary moves the leaf to targetLeafID and appends a digest
// of the branch being abandoned. Returns the summary entry's ID.
func (s *Session) BranchWithSummary(targetLeafID, summary string, details json.RawMessage, fromExtension bool) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", ErrSessionClosed
	}
	if _, ok := s.byID[targetLeafID]; !ok {
		return "", fmt.Errorf("branch target %s: %w", targetLeafID, ErrEntryNotFound)
	}
	fromLeaf := s.leafID
	s.leafID = targetLeafID
	return s.appendLocked(&models.BranchSummaryEntry{
		FromLeafID:    fromLeaf,
		Summary:       summary,
		Details:       details,
		FromExtension: fromExtension,
	})
}

// ResetLeaf moves the leaf before the root. The next append starts a new
// top-level branch with no parent.
func (s *Session) ResetLeaf() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.leafID = ""
}

// LeafID returns the current leaf entry ID, or "" when the leaf is
// before the root.
func (s *Session) LeafID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.leafID
}

// GetEntry returns the entry with the given ID.
func (s *Session) GetEntry(id string) (models.Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i, ok := s.byID[id]
	if !ok {
		return nil, false
	}
	return s.entries[i], true
}

// GetBranch returns the active path from the root to the current leaf.
func (s *Session) GetBranch() []models.Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pathToLocked(s.leafID)
}

// BranchPath returns the path from the root to the given entry. Returns
// ErrEntryNotFound for unknown IDs.
func (s *Session) BranchPath(id string) ([]models.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[id]; !ok {
		return nil, fmt.Errorf("entry %s: %w", id, ErrEntryNotFound)
	}
	return s.pathToLocked(id), nil
}

func (s *Session) pathToLocked(id string) []models.Entry {
	if id == "" {
		return nil
	}
	var reversed []models.Entry
	for cur := id; cur != ""; {
		i, ok := s.byID[cur]
		if !ok {
			break
		}
		e := s.entries[i]
		reversed = append(reversed, e)
		cur = e.ParentEntryID()
	}
	path := make([]models.Entry, len(reversed))
	for i, e := range reversed {
		path[len(reversed)-1-i] = e
	}
	return path
}

// Entries returns every entry in append order, including abandoned
// branches.
func (s *Session) Entries() []models.Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Entry, len(s.entries))
	copy(out, s.entries)
	return out
}

// EntryCount returns the number of entries in the log.
func (s *Session) EntryCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Children returns the direct children of an entry in append order. An
// empty parentID selects the root entries.
func (s *Session) Children(parentID string) []models.Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Entry
	for _, e := range s.entries {
		if e.ParentEntryID() == parentID {
			out = append(out, e)
		}
	}
	return out
}

// Stats summarizes a session's size and spend.
type Stats struct {
	Entries   int
	Messages  int
	ToolCalls int
	Usage     models.Usage
}

// Stats aggregates counts and token usage over the whole log.
func (s *Session) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	var st Stats
	st.Entries = len(s.entries)
	for _, e := range s.entries {
		switch entry := e.(type) {
		case *models.UserMessageEntry:
			st.Messages++
		case *models.AssistantMessageEntry:
			st.Messages++
			st.ToolCalls += len(entry.Message.Content.ToolCalls())
			st.Usage.Add(entry.Message.Usage)
		}
	}
	return st
}

// Flush blocks until every appended entry has reached the backend.
func (s *Session) Flush(ctx context.Context) error {
	return s.writer.flush(ctx)
}

// Close flushes pending writes and releases the session handle. The
// backend stays open; it is owned by the caller.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	return s.writer.stop(ctx)
}
