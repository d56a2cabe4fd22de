package sessions

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/haasonsaas/strand/pkg/models"
)

// MemoryBackend keeps sessions in process memory. It backs tests and
// explicit no-persistence runs; everything is lost at exit.
type MemoryBackend struct {
	mu      sync.RWMutex
	headers map[string]Header
	entries map[string][]models.Entry
	updated map[string]time.Time
}

// NewMemoryBackend creates an empty in-memory session store.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		headers: map[string]Header{},
		entries: map[string][]models.Entry{},
		updated: map[string]time.Time{},
	}
}

// Name implements Backend.
func (m *MemoryBackend) Name() string { return "memory" }

// CreateSession implements Backend.
func (m *MemoryBackend) CreateSession(ctx context.Context, header Header) error {
	if header.ID == "" {
		return fmt.Errorf("session ID is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.headers[header.ID]; ok {
		return fmt.Errorf("session %s: %w", header.ID, ErrSessionExists)
	}
	m.headers[header.ID] = header
	m.entries[header.ID] = nil
	m.updated[header.ID] = header.CreatedAt
	return nil
}

// LoadSession implements Backend. Entries are cloned through their wire
// encoding so callers never share mutable state with the store.
func (m *MemoryBackend) LoadSession(ctx context.Context, id string) (Header, []models.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	header, ok := m.headers[id]
	if !ok {
		return Header{}, nil, fmt.Errorf("session %s: %w", id, ErrSessionNotFound)
	}
	stored := m.entries[id]
	out := make([]models.Entry, 0, len(stored))
	for _, e := range stored {
		clone, err := cloneEntry(e)
		if err != nil {
			return Header{}, nil, fmt.Errorf("session %s: %w", id, err)
		}
		out = append(out, clone)
	}
	return header, out, nil
}

// AppendEntries implements Backend.
func (m *MemoryBackend) AppendEntries(ctx context.Context, sessionID string, entries []models.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.headers[sessionID]; !ok {
		return fmt.Errorf("session %s: %w", sessionID, ErrSessionNotFound)
	}
	for _, e := range entries {
		clone, err := cloneEntry(e)
		if err != nil {
			return fmt.Errorf("session %s: %w", sessionID, err)
		}
		m.entries[sessionID] = append(m.entries[sessionID], clone)
		if ts := e.EntryTime(); !ts.IsZero() {
			m.updated[sessionID] = ts
		}
	}
	return nil
}

// SetTitle implements Backend.
func (m *MemoryBackend) SetTitle(ctx context.Context, sessionID string, title string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	header, ok := m.headers[sessionID]
	if !ok {
		return fmt.Errorf("session %s: %w", sessionID, ErrSessionNotFound)
	}
	header.Title = title
	m.headers[sessionID] = header
	return nil
}

// ListSessions implements Backend.
func (m *MemoryBackend) ListSessions(ctx context.Context, opts ListOptions) ([]Info, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var infos []Info
	for id, header := range m.headers {
		if opts.CWD != "" && header.CWD != opts.CWD {
			continue
		}
		infos = append(infos, Info{
			ID:         id,
			CWD:        header.CWD,
			Title:      header.Title,
			CreatedAt:  header.CreatedAt,
			UpdatedAt:  m.updated[id],
			EntryCount: len(m.entries[id]),
		})
	}
	sort.Slice(infos, func(i, j int) bool {
		if infos[i].UpdatedAt.Equal(infos[j].UpdatedAt) {
			return infos[i].ID < infos[j].ID
		}
		return infos[i].UpdatedAt.After(infos[j].UpdatedAt)
	})
	return paginate(infos, opts), nil
}

// DeleteSession implements Backend.
func (m *MemoryBackend) DeleteSession(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.headers[id]; !ok {
		return fmt.Errorf("session %s: %w", id, ErrSessionNotFound)
	}
	delete(m.headers, id)
	delete(m.entries, id)
	delete(m.updated, id)
	return nil
}

// Close implements Backend.
func (m *MemoryBackend) Close() error { return nil }

// cloneEntry deep-copies an entry by round-tripping its wire form.
func cloneEntry(e models.Entry) (models.Entry, error) {
	data, err := models.MarshalEntry(e)
	if err != nil {
		return nil, fmt.Errorf("clone entry %s: %w", e.EntryID(), err)
	}
	clone, err := models.UnmarshalEntry(data)
	if err != nil {
		return nil, fmt.Errorf("clone entry %s: %w", e.EntryID(), err)
	}
	return clone, nil
}
