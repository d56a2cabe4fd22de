package sessions

import (
	"context"
	"time"

	"github.com/haasonsaas/strand/pkg/models"
)

// Header identifies a session and the environment it was started in. It is
// the first record of a session file and the sessions row in SQL backends.
type Header struct {
	ID        string    `json:"id"`
	CWD       string    `json:"cwd"`
	Title     string    `json:"title,omitempty"`
	CreatedAt time.Time `json:"timestamp"`
	Version   int       `json:"version"`
}

// CurrentLogVersion is written into new session headers.
const CurrentLogVersion = 1

// Info is a summary row for session listings. UpdatedAt is the timestamp
// of the newest entry, or CreatedAt for an empty session.
type Info struct {
	ID         string    `json:"id"`
	CWD        string    `json:"cwd"`
	Title      string    `json:"title,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
	EntryCount int       `json:"entryCount"`
	Path       string    `json:"path,omitempty"`
}

// ListOptions configures session listing.
type ListOptions struct {
	// CWD filters to sessions started in the given directory. Empty
	// matches all.
	CWD    string
	Limit  int
	Offset int
}

// Backend persists session headers and entry records. Entries are
// append-only; backends never mutate or reorder what was written. All
// implementations must be safe for concurrent use.
type Backend interface {
	// Name identifies the backend in logs and metrics, e.g. "jsonl".
	Name() string

	// CreateSession persists a new session header. Returns
	// ErrSessionExists if the ID is taken.
	CreateSession(ctx context.Context, header Header) error

	// LoadSession returns the header and all entries in append order.
	// Returns ErrSessionNotFound for unknown IDs. Records of
	// unrecognized types are preserved as models.UnknownEntry.
	LoadSession(ctx context.Context, id string) (Header, []models.Entry, error)

	// AppendEntries persists entries at the end of the session log.
	AppendEntries(ctx context.Context, sessionID string, entries []models.Entry) error

	// SetTitle updates the session title.
	SetTitle(ctx context.Context, sessionID string, title string) error

	// ListSessions returns summaries sorted by UpdatedAt descending.
	ListSessions(ctx context.Context, opts ListOptions) ([]Info, error)

	// DeleteSession removes a session and its entries.
	DeleteSession(ctx context.Context, id string) error

	// Close releases backend resources. In-flight writes must complete
	// or fail before Close returns.
	Close() error
}
