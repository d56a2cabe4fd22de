package sessions

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/haasonsaas/strand/pkg/models"
	_ "modernc.org/sqlite"
)

// SQLiteBackend stores sessions in a single SQLite database file. It
// suits machines where many small session files are unwanted, and keeps
// listing cheap once logs grow large.
type SQLiteBackend struct {
	db *sql.DB

	stmtCreateSession *sql.Stmt
	stmtGetSession    *sql.Stmt
	stmtSetTitle      *sql.Stmt
	stmtDeleteSession *sql.Stmt
	stmtGetEntries    *sql.Stmt
	stmtAppendEntry   *sql.Stmt
	stmtNextSeq       *sql.Stmt
}

// sqliteTimeFormat is RFC 3339 with fixed-width nanoseconds. Timestamps
// are TEXT columns, and the fixed width keeps lexical comparison (used by
// MAX in listings) identical to chronological order.
const sqliteTimeFormat = "2006-01-02T15:04:05.000000000Z07:00"

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS sessions (
	id         TEXT PRIMARY KEY,
	cwd        TEXT NOT NULL,
	title      TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL,
	version    INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS entries (
	session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
	seq        INTEGER NOT NULL,
	entry_id   TEXT NOT NULL,
	entry_type TEXT NOT NULL,
	created_at TEXT NOT NULL,
	data       TEXT NOT NULL,
	PRIMARY KEY (session_id, seq)
);

CREATE INDEX IF NOT EXISTS idx_entries_session ON entries(session_id);
`

// NewSQLiteBackend opens or creates the database at path and ensures the
// schema exists.
func NewSQLiteBackend(path string) (*SQLiteBackend, error) {
	if path == "" {
		return nil, errors.New("database path is required")
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite allows one writer; a single connection avoids lock
	// contention errors under concurrent appends.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	store := &SQLiteBackend{db: db}
	if err := store.prepareStatements(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to prepare statements: %w", err)
	}
	return store, nil
}

func (s *SQLiteBackend) prepareStatements() error {
	var err error

	s.stmtCreateSession, err = s.db.Prepare(`
		INSERT INTO sessions (id, cwd, title, created_at, version)
		VALUES (?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("prepare create session: %w", err)
	}

	s.stmtGetSession, err = s.db.Prepare(`
		SELECT id, cwd, title, created_at, version
		FROM sessions WHERE id = ?
	`)
	if err != nil {
		return fmt.Errorf("prepare get session: %w", err)
	}

	s.stmtSetTitle, err = s.db.Prepare(`
		UPDATE sessions SET title = ? WHERE id = ?
	`)
	if err != nil {
		return fmt.Errorf("prepare set title: %w", err)
	}

	s.stmtDeleteSession, err = s.db.Prepare(`
		DELETE FROM sessions WHERE id = ?
	`)
	if err != nil {
		return fmt.Errorf("prepare delete session: %w", err)
	}

	s.stmtGetEntries, err = s.db.Prepare(`
		SELECT data FROM entries WHERE session_id = ? ORDER BY seq
	`)
	if err != nil {
		return fmt.Errorf("prepare get entries: %w", err)
	}

	s.stmtAppendEntry, err = s.db.Prepare(`
		INSERT INTO entries (session_id, seq, entry_id, entry_type, created_at, data)
		VALUES (?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("prepare append entry: %w", err)
	}

	s.stmtNextSeq, err = s.db.Prepare(`
		SELECT COALESCE(MAX(seq), 0) + 1 FROM entries WHERE session_id = ?
	`)
	if err != nil {
		return fmt.Errorf("prepare next seq: %w", err)
	}

	return nil
}

// Name implements Backend.
func (s *SQLiteBackend) Name() string { return "sqlite" }

// DB exposes the underlying handle for maintenance commands.
func (s *SQLiteBackend) DB() *sql.DB { return s.db }

// CreateSession implements Backend.
func (s *SQLiteBackend) CreateSession(ctx context.Context, header Header) error {
	if header.ID == "" {
		return errors.New("session ID is required")
	}
	var existing string
	err := s.stmtGetSession.QueryRowContext(ctx, header.ID).Scan(
		&existing, new(string), new(string), new(string), new(int),
	)
	if err == nil {
		return fmt.Errorf("session %s: %w", header.ID, ErrSessionExists)
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("failed to check session: %w", err)
	}

	_, err = s.stmtCreateSession.ExecContext(ctx,
		header.ID,
		header.CWD,
		header.Title,
		header.CreatedAt.UTC().Format(sqliteTimeFormat),
		header.Version,
	)
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	return nil
}

// LoadSession implements Backend.
func (s *SQLiteBackend) LoadSession(ctx context.Context, id string) (Header, []models.Entry, error) {
	header, err := s.getHeader(ctx, id)
	if err != nil {
		return Header{}, nil, err
	}

	rows, err := s.stmtGetEntries.QueryContext(ctx, id)
	if err != nil {
		return Header{}, nil, fmt.Errorf("failed to load entries: %w", err)
	}
	defer rows.Close()

	var entries []models.Entry
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return Header{}, nil, fmt.Errorf("failed to scan entry: %w", err)
		}
		entry, err := models.UnmarshalEntry(data)
		if err != nil {
			return Header{}, nil, fmt.Errorf("session %s: %w: %v", id, ErrCorruptLog, err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return Header{}, nil, fmt.Errorf("error iterating entries: %w", err)
	}
	return header, entries, nil
}

func (s *SQLiteBackend) getHeader(ctx context.Context, id string) (Header, error) {
	var header Header
	var createdAt string
	err := s.stmtGetSession.QueryRowContext(ctx, id).Scan(
		&header.ID,
		&header.CWD,
		&header.Title,
		&createdAt,
		&header.Version,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return Header{}, fmt.Errorf("session %s: %w", id, ErrSessionNotFound)
	}
	if err != nil {
		return Header{}, fmt.Errorf("failed to get session: %w", err)
	}
	if ts, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
		header.CreatedAt = ts
	}
	return header, nil
}

// AppendEntries implements Backend. All entries land in one transaction
// so a crash never leaves a partial batch.
func (s *SQLiteBackend) AppendEntries(ctx context.Context, sessionID string, entries []models.Entry) error {
	if len(entries) == 0 {
		return nil
	}
	if _, err := s.getHeader(ctx, sessionID); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	var seq int64
	if err := tx.StmtContext(ctx, s.stmtNextSeq).QueryRowContext(ctx, sessionID).Scan(&seq); err != nil {
		return fmt.Errorf("failed to get next seq: %w", err)
	}

	appendStmt := tx.StmtContext(ctx, s.stmtAppendEntry)
	for _, e := range entries {
		data, err := models.MarshalEntry(e)
		if err != nil {
			return fmt.Errorf("failed to marshal entry %s: %w", e.EntryID(), err)
		}
		_, err = appendStmt.ExecContext(ctx,
			sessionID,
			seq,
			e.EntryID(),
			string(e.Kind()),
			e.EntryTime().UTC().Format(sqliteTimeFormat),
			string(data),
		)
		if err != nil {
			return fmt.Errorf("failed to append entry: %w", err)
		}
		seq++
	}
	return tx.Commit()
}

// SetTitle implements Backend.
func (s *SQLiteBackend) SetTitle(ctx context.Context, sessionID string, title string) error {
	result, err := s.stmtSetTitle.ExecContext(ctx, title, sessionID)
	if err != nil {
		return fmt.Errorf("failed to set title: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("session %s: %w", sessionID, ErrSessionNotFound)
	}
	return nil
}

// ListSessions implements Backend.
func (s *SQLiteBackend) ListSessions(ctx context.Context, opts ListOptions) ([]Info, error) {
	query := `
		SELECT s.id, s.cwd, s.title, s.created_at,
		       COALESCE(MAX(e.created_at), s.created_at) AS updated_at,
		       COUNT(e.seq) AS entry_count
		FROM sessions s
		LEFT JOIN entries e ON e.session_id = s.id
	`
	args := []any{}
	if opts.CWD != "" {
		query += " WHERE s.cwd = ?"
		args = append(args, opts.CWD)
	}
	query += " GROUP BY s.id ORDER BY updated_at DESC"
	if opts.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, opts.Limit)
	}
	if opts.Offset > 0 {
		query += " OFFSET ?"
		args = append(args, opts.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var infos []Info
	for rows.Next() {
		var info Info
		var createdAt, updatedAt string
		if err := rows.Scan(&info.ID, &info.CWD, &info.Title, &createdAt, &updatedAt, &info.EntryCount); err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		if ts, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
			info.CreatedAt = ts
		}
		if ts, err := time.Parse(time.RFC3339Nano, updatedAt); err == nil {
			info.UpdatedAt = ts
		}
		infos = append(infos, info)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating sessions: %w", err)
	}
	return infos, nil
}

// DeleteSession implements Backend.
func (s *SQLiteBackend) DeleteSession(ctx context.Context, id string) error {
	result, err := s.stmtDeleteSession.ExecContext(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("session %s: %w", id, ErrSessionNotFound)
	}
	return nil
}

// Close implements Backend.
func (s *SQLiteBackend) Close() error {
	var errs []error

	for _, stmt := range []*sql.Stmt{
		s.stmtCreateSession,
		s.stmtGetSession,
		s.stmtSetTitle,
		s.stmtDeleteSession,
		s.stmtGetEntries,
		s.stmtAppendEntry,
		s.stmtNextSeq,
	} {
		if stmt != nil {
			if err := stmt.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}

	if err := s.db.Close(); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return fmt.Errorf("errors closing store: %v", errs)
	}
	return nil
}
