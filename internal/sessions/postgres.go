package sessions

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/haasonsaas/strand/pkg/models"
	_ "github.com/lib/pq"
)

// PostgresBackend stores sessions in PostgreSQL. It serves shared or
// long-lived deployments where session logs outlive any one machine.
type PostgresBackend struct {
	db *sql.DB

	// Prepared statements for performance
	stmtCreateSession *sql.Stmt
	stmtGetSession    *sql.Stmt
	stmtSetTitle      *sql.Stmt
	stmtDeleteSession *sql.Stmt
	stmtGetEntries    *sql.Stmt
	stmtAppendEntry   *sql.Stmt
	stmtNextSeq       *sql.Stmt
}

// PostgresConfig holds configuration for the PostgreSQL connection.
type PostgresConfig struct {
	Host            string
	Port            int
	User            string
	Password        string
	Database        string
	SSLMode         string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	ConnectTimeout  time.Duration
}

// DefaultPostgresConfig returns default configuration.
func DefaultPostgresConfig() *PostgresConfig {
	return &PostgresConfig{
		Host:            "localhost",
		Port:            5432,
		User:            "strand",
		Password:        "",
		Database:        "strand",
		SSLMode:         "disable",
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
		ConnMaxIdleTime: 2 * time.Minute,
		ConnectTimeout:  10 * time.Second,
	}
}

// NewPostgresBackend creates a new PostgreSQL store.
func NewPostgresBackend(config *PostgresConfig) (*PostgresBackend, error) {
	if config == nil {
		config = DefaultPostgresConfig()
	}

	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s connect_timeout=%d",
		config.Host, config.Port, config.User, config.Password,
		config.Database, config.SSLMode, int(config.ConnectTimeout.Seconds()),
	)

	return newPostgresBackendWithDSN(dsn, config)
}

// NewPostgresBackendFromDSN creates a new PostgreSQL store using a raw DSN/URL.
func NewPostgresBackendFromDSN(dsn string, config *PostgresConfig) (*PostgresBackend, error) {
	if dsn == "" {
		return nil, fmt.Errorf("dsn is required")
	}
	if config == nil {
		config = DefaultPostgresConfig()
	}

	return newPostgresBackendWithDSN(dsn, config)
}

func newPostgresBackendWithDSN(dsn string, config *PostgresConfig) (*PostgresBackend, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), config.ConnectTimeout)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	store := &PostgresBackend{db: db}

	if err := store.prepareStatements(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to prepare statements: %w", err)
	}

	return store, nil
}

// prepareStatements prepares all SQL statements for reuse.
func (s *PostgresBackend) prepareStatements() error {
	var err error

	s.stmtCreateSession, err = s.db.Prepare(`
		INSERT INTO sessions (id, cwd, title, created_at, version)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO NOTHING
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare create session: %w", err)
	}

	s.stmtGetSession, err = s.db.Prepare(`
		SELECT id, cwd, title, created_at, version
		FROM sessions WHERE id = $1
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare get session: %w", err)
	}

	s.stmtSetTitle, err = s.db.Prepare(`
		UPDATE sessions SET title = $1 WHERE id = $2
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare set title: %w", err)
	}

	s.stmtDeleteSession, err = s.db.Prepare(`
		DELETE FROM sessions WHERE id = $1
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare delete session: %w", err)
	}

	s.stmtGetEntries, err = s.db.Prepare(`
		SELECT data FROM entries WHERE session_id = $1 ORDER BY seq
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare get entries: %w", err)
	}

	s.stmtAppendEntry, err = s.db.Prepare(`
		INSERT INTO entries (session_id, seq, entry_id, entry_type, created_at, data)
		VALUES ($1, $2, $3, $4, $5, $6)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare append entry: %w", err)
	}

	s.stmtNextSeq, err = s.db.Prepare(`
		SELECT COALESCE(MAX(seq), 0) + 1 FROM entries WHERE session_id = $1
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare next seq: %w", err)
	}

	return nil
}

// Name implements Backend.
func (s *PostgresBackend) Name() string { return "postgres" }

// DB exposes the underlying database connection for migrations and
// maintenance commands.
func (s *PostgresBackend) DB() *sql.DB {
	return s.db
}

// CreateSession implements Backend.
func (s *PostgresBackend) CreateSession(ctx context.Context, header Header) error {
	if header.ID == "" {
		return fmt.Errorf("session ID is required")
	}

	result, err := s.stmtCreateSession.ExecContext(ctx,
		header.ID,
		header.CWD,
		header.Title,
		header.CreatedAt,
		header.Version,
	)
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("session %s: %w", header.ID, ErrSessionExists)
	}

	return nil
}

// LoadSession implements Backend.
func (s *PostgresBackend) LoadSession(ctx context.Context, id string) (Header, []models.Entry, error) {
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

func (s *PostgresBackend) getHeader(ctx context.Context, id string) (Header, error) {
	var header Header
	err := s.stmtGetSession.QueryRowContext(ctx, id).Scan(
		&header.ID,
		&header.CWD,
		&header.Title,
		&header.CreatedAt,
		&header.Version,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return Header{}, fmt.Errorf("session %s: %w", id, ErrSessionNotFound)
	}
	if err != nil {
		return Header{}, fmt.Errorf("failed to get session: %w", err)
	}
	return header, nil
}

// AppendEntries implements Backend. The whole batch commits in one
// transaction so a crash never leaves a partial append.
func (s *PostgresBackend) AppendEntries(ctx context.Context, sessionID string, entries []models.Entry) error {
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
		_ = tx.Rollback() //nolint:errcheck // Rollback after commit returns ErrTxDone which is expected
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
			e.EntryTime(),
			data,
		)
		if err != nil {
			return fmt.Errorf("failed to append entry: %w", err)
		}
		seq++
	}

	return tx.Commit()
}

// SetTitle implements Backend.
func (s *PostgresBackend) SetTitle(ctx context.Context, sessionID string, title string) error {
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
func (s *PostgresBackend) ListSessions(ctx context.Context, opts ListOptions) ([]Info, error) {
	query := `
		SELECT s.id, s.cwd, s.title, s.created_at,
		       COALESCE(MAX(e.created_at), s.created_at) AS updated_at,
		       COUNT(e.seq) AS entry_count
		FROM sessions s
		LEFT JOIN entries e ON e.session_id = s.id
	`
	args := []interface{}{}
	argPos := 1

	if opts.CWD != "" {
		query += fmt.Sprintf(" WHERE s.cwd = $%d", argPos)
		args = append(args, opts.CWD)
		argPos++
	}

	query += " GROUP BY s.id ORDER BY updated_at DESC"

	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argPos)
		args = append(args, opts.Limit)
		argPos++
	}

	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argPos)
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
		if err := rows.Scan(
			&info.ID,
			&info.CWD,
			&info.Title,
			&info.CreatedAt,
			&info.UpdatedAt,
			&info.EntryCount,
		); err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		infos = append(infos, info)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating sessions: %w", err)
	}

	return infos, nil
}

// DeleteSession implements Backend.
func (s *PostgresBackend) DeleteSession(ctx context.Context, id string) error {
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

// Close closes the database connection and prepared statements.
func (s *PostgresBackend) Close() error {
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
