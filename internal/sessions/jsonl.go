package sessions

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/haasonsaas/strand/pkg/models"
)

// Record type tags that share the entry stream in a session file. Entry
// records carry their own type tags; these two are file-level.
const (
	headerRecordType = "session"
	titleRecordType  = "session-title"
)

type headerRecord struct {
	Type      string    `json:"type"`
	ID        string    `json:"id"`
	CWD       string    `json:"cwd"`
	Title     string    `json:"title,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Version   int       `json:"version"`
}

type titleRecord struct {
	Type      string    `json:"type"`
	Title     string    `json:"title"`
	Timestamp time.Time `json:"timestamp"`
}

// JSONLBackend stores each session as one append-only file of JSON lines
// under a root directory. The first line is the session header; the rest
// are entries in append order, with occasional title records mixed in.
// Readers ignore record types they do not recognize, so files written by
// newer versions stay loadable.
type JSONLBackend struct {
	dir string

	// mu serializes writes across sessions. Appends are small and
	// short-lived, so one lock is enough.
	mu sync.Mutex
}

// NewJSONLBackend creates the root directory if needed and returns a
// file-backed store.
func NewJSONLBackend(dir string) (*JSONLBackend, error) {
	if dir == "" {
		return nil, errors.New("session directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create session directory: %w", err)
	}
	return &JSONLBackend{dir: dir}, nil
}

// Name implements Backend.
func (b *JSONLBackend) Name() string { return "jsonl" }

// Dir returns the root directory holding session files.
func (b *JSONLBackend) Dir() string { return b.dir }

// SessionPath returns the file path for a session ID without checking
// existence.
func (b *JSONLBackend) SessionPath(id string) string {
	return filepath.Join(b.dir, id+".jsonl")
}

func validSessionID(id string) error {
	if id == "" {
		return errors.New("session ID is required")
	}
	if strings.ContainsAny(id, "/\\") || id == "." || id == ".." {
		return fmt.Errorf("invalid session ID %q", id)
	}
	return nil
}

// CreateSession implements Backend.
func (b *JSONLBackend) CreateSession(ctx context.Context, header Header) error {
	if err := validSessionID(header.ID); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	path := b.SessionPath(header.ID)
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return fmt.Errorf("session %s: %w", header.ID, ErrSessionExists)
		}
		return fmt.Errorf("create session file: %w", err)
	}
	defer f.Close()

	line, err := json.Marshal(headerRecord{
		Type:      headerRecordType,
		ID:        header.ID,
		CWD:       header.CWD,
		Title:     header.Title,
		Timestamp: header.CreatedAt,
		Version:   header.Version,
	})
	if err != nil {
		return fmt.Errorf("marshal session header: %w", err)
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("write session header: %w", err)
	}
	return nil
}

// LoadSession implements Backend.
func (b *JSONLBackend) LoadSession(ctx context.Context, id string) (Header, []models.Entry, error) {
	if err := validSessionID(id); err != nil {
		return Header{}, nil, err
	}
	data, err := os.ReadFile(b.SessionPath(id))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Header{}, nil, fmt.Errorf("session %s: %w", id, ErrSessionNotFound)
		}
		return Header{}, nil, fmt.Errorf("read session file: %w", err)
	}
	header, entries, err := parseSessionFile(data)
	if err != nil {
		return Header{}, nil, fmt.Errorf("session %s: %w", id, err)
	}
	return header, entries, nil
}

// parseSessionFile decodes a session file. The final line may be torn by
// a crash mid-write and is skipped when unparseable; garbage anywhere
// else is corruption.
func parseSessionFile(data []byte) (Header, []models.Entry, error) {
	lines := bytes.Split(data, []byte("\n"))
	// Trailing newline produces one empty trailing element.
	for len(lines) > 0 && len(bytes.TrimSpace(lines[len(lines)-1])) == 0 {
		lines = lines[:len(lines)-1]
	}
	if len(lines) == 0 {
		return Header{}, nil, ErrCorruptLog
	}

	var hr headerRecord
	if err := json.Unmarshal(lines[0], &hr); err != nil || hr.Type != headerRecordType || hr.ID == "" {
		return Header{}, nil, fmt.Errorf("%w: bad header line", ErrCorruptLog)
	}
	header := Header{
		ID:        hr.ID,
		CWD:       hr.CWD,
		Title:     hr.Title,
		CreatedAt: hr.Timestamp,
		Version:   hr.Version,
	}

	var entries []models.Entry
	for i, line := range lines[1:] {
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		var probe struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(line, &probe); err != nil {
			if i == len(lines)-2 {
				break
			}
			return Header{}, nil, fmt.Errorf("%w: line %d: %v", ErrCorruptLog, i+2, err)
		}
		if probe.Type == titleRecordType {
			var tr titleRecord
			if err := json.Unmarshal(line, &tr); err == nil {
				header.Title = tr.Title
			}
			continue
		}
		entry, err := models.UnmarshalEntry(line)
		if err != nil {
			if i == len(lines)-2 {
				break
			}
			return Header{}, nil, fmt.Errorf("%w: line %d: %v", ErrCorruptLog, i+2, err)
		}
		entries = append(entries, entry)
	}
	return header, entries, nil
}

// AppendEntries implements Backend.
func (b *JSONLBackend) AppendEntries(ctx context.Context, sessionID string, entries []models.Entry) error {
	if len(entries) == 0 {
		return nil
	}
	var buf bytes.Buffer
	for _, e := range entries {
		line, err := models.MarshalEntry(e)
		if err != nil {
			return fmt.Errorf("marshal entry %s: %w", e.EntryID(), err)
		}
		buf.Write(line)
		buf.WriteByte('\n')
	}
	return b.appendRaw(sessionID, buf.Bytes())
}

// SetTitle implements Backend.
func (b *JSONLBackend) SetTitle(ctx context.Context, sessionID string, title string) error {
	line, err := json.Marshal(titleRecord{
		Type:      titleRecordType,
		Title:     title,
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("marshal title record: %w", err)
	}
	return b.appendRaw(sessionID, append(line, '\n'))
}

func (b *JSONLBackend) appendRaw(sessionID string, data []byte) error {
	if err := validSessionID(sessionID); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	f, err := os.OpenFile(b.SessionPath(sessionID), os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("session %s: %w", sessionID, ErrSessionNotFound)
		}
		return fmt.Errorf("open session file: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("append to session file: %w", err)
	}
	return nil
}

// ListSessions implements Backend.
func (b *JSONLBackend) ListSessions(ctx context.Context, opts ListOptions) ([]Info, error) {
	dirEntries, err := os.ReadDir(b.dir)
	if err != nil {
		return nil, fmt.Errorf("read session directory: %w", err)
	}

	var infos []Info
	for _, de := range dirEntries {
		if de.IsDir() || !strings.HasSuffix(de.Name(), ".jsonl") {
			continue
		}
		info, err := b.scanInfo(filepath.Join(b.dir, de.Name()))
		if err != nil {
			// Unreadable files are skipped rather than failing the
			// whole listing.
			continue
		}
		if opts.CWD != "" && info.CWD != opts.CWD {
			continue
		}
		infos = append(infos, info)
	}

	sort.Slice(infos, func(i, j int) bool {
		return infos[i].UpdatedAt.After(infos[j].UpdatedAt)
	})
	return paginate(infos, opts), nil
}

func paginate(infos []Info, opts ListOptions) []Info {
	start := opts.Offset
	if start < 0 {
		start = 0
	}
	if start >= len(infos) {
		return []Info{}
	}
	end := len(infos)
	if opts.Limit > 0 && start+opts.Limit < end {
		end = start + opts.Limit
	}
	return infos[start:end]
}

// scanInfo reads just enough of each line to build a listing row.
func (b *JSONLBackend) scanInfo(path string) (Info, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Info{}, err
	}
	lines := bytes.Split(data, []byte("\n"))
	if len(lines) == 0 {
		return Info{}, io.ErrUnexpectedEOF
	}

	var hr headerRecord
	if err := json.Unmarshal(lines[0], &hr); err != nil || hr.Type != headerRecordType {
		return Info{}, fmt.Errorf("bad header in %s", filepath.Base(path))
	}
	info := Info{
		ID:        hr.ID,
		CWD:       hr.CWD,
		Title:     hr.Title,
		CreatedAt: hr.Timestamp,
		UpdatedAt: hr.Timestamp,
		Path:      path,
	}

	var firstUserText string
	for _, line := range lines[1:] {
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		var probe struct {
			Type      string    `json:"type"`
			Title     string    `json:"title"`
			Timestamp time.Time `json:"timestamp"`
			Message   struct {
				Content json.RawMessage `json:"content"`
			} `json:"message"`
		}
		if err := json.Unmarshal(line, &probe); err != nil {
			continue
		}
		switch probe.Type {
		case titleRecordType:
			info.Title = probe.Title
		case string(models.EntryTypeUserMessage):
			info.EntryCount++
			if firstUserText == "" && probe.Message.Content != nil {
				var blocks models.Blocks
				if err := json.Unmarshal(probe.Message.Content, &blocks); err == nil {
					firstUserText = blocks.Text()
				}
			}
		default:
			info.EntryCount++
		}
		if !probe.Timestamp.IsZero() {
			info.UpdatedAt = probe.Timestamp
		}
	}
	if info.Title == "" && firstUserText != "" {
		info.Title = deriveTitle(firstUserText)
	}
	return info, nil
}

// DeleteSession implements Backend.
func (b *JSONLBackend) DeleteSession(ctx context.Context, id string) error {
	if err := validSessionID(id); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := os.Remove(b.SessionPath(id)); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("session %s: %w", id, ErrSessionNotFound)
		}
		return fmt.Errorf("delete session file: %w", err)
	}
	return nil
}

// Close implements Backend. File handles are opened per write, so there
// is nothing to release.
func (b *JSONLBackend) Close() error { return nil }
