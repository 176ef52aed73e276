// Package journal keeps a SQLite history of faults seen by this host:
// caught signals, recovered panics and supervised children that died.
package journal

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/hugo-lorenzo-mato/faultline/internal/core"
)

//go:embed migrations/001_initial_schema.sql
var migrationV1 string

//go:embed migrations/002_add_exit_code.sql
var migrationV2 string

// Entry kinds.
const (
	KindSignal   = "signal"
	KindPanic    = "panic"
	KindChild    = "child"
	KindSelftest = "selftest"
)

// Entry is one journaled fault.
type Entry struct {
	ID          string    `json:"id"`
	OccurredAt  time.Time `json:"occurred_at"`
	Kind        string    `json:"kind"`
	Signal      string    `json:"signal,omitempty"`
	Program     string    `json:"program,omitempty"`
	PID         int       `json:"pid"`
	PanicAction string    `json:"panic_action,omitempty"`
	DumpPath    string    `json:"dump_path,omitempty"`
	Message     string    `json:"message,omitempty"`
	// ExitCode is nil when the action or child status is unknown.
	ExitCode *int `json:"exit_code,omitempty"`
}

// Filter narrows List results. Zero fields match everything.
type Filter struct {
	Kind  string
	Since time.Time
	Limit int
}

// Store is a SQLite-backed fault journal.
type Store struct {
	dbPath string
	db     *sql.DB // Write connection
	readDB *sql.DB // Read-only connection
	mu     sync.RWMutex

	maxRetries    int
	baseRetryWait time.Duration
	now           func() time.Time
}

// Option configures the store.
type Option func(*Store)

// WithRetry sets the busy retry policy.
func WithRetry(maxRetries int, baseWait time.Duration) Option {
	return func(s *Store) {
		s.maxRetries = maxRetries
		s.baseRetryWait = baseWait
	}
}

// WithClock replaces the time source used for new entries.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// Open opens or creates the journal at dbPath and applies migrations.
func Open(dbPath string, opts ...Option) (*Store, error) {
	s := &Store{
		dbPath:        dbPath,
		maxRetries:    5,
		baseRetryWait: 100 * time.Millisecond,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := os.MkdirAll(filepath.Dir(dbPath), 0o750); err != nil {
		return nil, fmt.Errorf("creating journal directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("opening write database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)
	s.db = db

	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	readDB, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&mode=ro&_pragma=busy_timeout(1000)")
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("opening read database: %w", err)
	}
	readDB.SetMaxOpenConns(4)
	readDB.SetMaxIdleConns(2)
	readDB.SetConnMaxLifetime(5 * time.Minute)
	s.readDB = readDB

	return s, nil
}

// Path returns the database file.
func (s *Store) Path() string {
	return s.dbPath
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS journal_schema_migrations (
		version INTEGER PRIMARY KEY,
		applied_at TEXT NOT NULL
	)`)
	if err != nil {
		return fmt.Errorf("creating migrations table: %w", err)
	}

	var currentVersion int
	row := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM journal_schema_migrations")
	if err := row.Scan(&currentVersion); err != nil {
		return fmt.Errorf("checking schema version: %w", err)
	}

	migrations := []string{migrationV1, migrationV2}
	for i, migration := range migrations {
		version := i + 1
		if version <= currentVersion {
			continue
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning migration transaction: %w", err)
		}
		for _, stmt := range splitStatements(migration) {
			if _, err := tx.Exec(stmt); err != nil {
				_ = tx.Rollback()
				return fmt.Errorf("executing migration v%d: %w", version, err)
			}
		}
		if _, err := tx.Exec(
			"INSERT INTO journal_schema_migrations (version, applied_at) VALUES (?, ?)",
			version, time.Now().UTC().Format(time.RFC3339),
		); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("recording migration v%d: %w", version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration v%d: %w", version, err)
		}
	}
	return nil
}

// splitStatements splits a SQL script into statements, dropping comment
// lines.
func splitStatements(script string) []string {
	var statements []string
	for _, stmt := range strings.Split(script, ";") {
		var sqlLines []string
		for _, line := range strings.Split(stmt, "\n") {
			trimmed := strings.TrimSpace(line)
			if trimmed != "" && !strings.HasPrefix(trimmed, "--") {
				sqlLines = append(sqlLines, line)
			}
		}
		if len(sqlLines) > 0 {
			statements = append(statements, strings.Join(sqlLines, "\n"))
		}
	}
	return statements
}

func (s *Store) retryWrite(ctx context.Context, operation string, fn func() error) error {
	var lastErr error
	for attempt := 0; attempt <= s.maxRetries; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		if !isSQLiteBusy(err) {
			return err
		}
		lastErr = err
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.baseRetryWait * time.Duration(1<<attempt)):
		}
	}
	return fmt.Errorf("%s failed after %d retries: %w", operation, s.maxRetries, lastErr)
}

func isSQLiteBusy(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "SQLITE_BUSY") ||
		strings.Contains(msg, "SQLITE_LOCKED")
}

// Record stores e, filling in ID, OccurredAt and PID when unset, and
// returns the stored entry.
func (s *Store) Record(ctx context.Context, e Entry) (Entry, error) {
	if e.Kind == "" {
		return Entry{}, core.ErrConfig("JOURNAL_KIND_REQUIRED", "journal entry kind is required")
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = s.now()
	}
	if e.PID == 0 {
		e.PID = os.Getpid()
	}

	var exitCode sql.NullInt64
	if e.ExitCode != nil {
		exitCode = sql.NullInt64{Int64: int64(*e.ExitCode), Valid: true}
	}

	err := s.retryWrite(ctx, "Record", func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO fault_events (id, occurred_at, kind, signal, program, pid, panic_action, dump_path, message, exit_code)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`,
			e.ID,
			e.OccurredAt.UTC().Format(time.RFC3339Nano),
			e.Kind,
			nullString(e.Signal),
			nullString(e.Program),
			e.PID,
			nullString(e.PanicAction),
			nullString(e.DumpPath),
			nullString(e.Message),
			exitCode,
		)
		return err
	})
	if err != nil {
		return Entry{}, fmt.Errorf("recording fault event: %w", err)
	}
	e.OccurredAt = e.OccurredAt.UTC()
	return e, nil
}

// SetExitCode records the exit status for an existing entry.
func (s *Store) SetExitCode(ctx context.Context, id string, code int) error {
	var affected int64
	err := s.retryWrite(ctx, "SetExitCode", func() error {
		res, err := s.db.ExecContext(ctx, "UPDATE fault_events SET exit_code = ? WHERE id = ?", code, id)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return fmt.Errorf("updating fault event: %w", err)
	}
	if affected == 0 {
		return core.ErrNotFound("fault event", id)
	}
	return nil
}

const selectColumns = `SELECT id, occurred_at, kind, signal, program, pid, panic_action, dump_path, message, exit_code FROM fault_events`

// Get returns the entry with id.
func (s *Store) Get(ctx context.Context, id string) (*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.readDB.QueryRowContext(ctx, selectColumns+" WHERE id = ?", id)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.ErrNotFound("fault event", id)
	}
	if err != nil {
		return nil, err
	}
	return e, nil
}

// List returns entries newest first.
func (s *Store) List(ctx context.Context, f Filter) ([]*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := selectColumns
	var where []string
	var args []any
	if f.Kind != "" {
		where = append(where, "kind = ?")
		args = append(args, f.Kind)
	}
	if !f.Since.IsZero() {
		where = append(where, "occurred_at >= ?")
		args = append(args, f.Since.UTC().Format(time.RFC3339Nano))
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY occurred_at DESC, id"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.readDB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying fault events: %w", err)
	}
	defer rows.Close()

	var entries []*Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Prune deletes all but the newest keep entries and returns how many were
// removed.
func (s *Store) Prune(ctx context.Context, keep int) (int64, error) {
	if keep < 0 {
		keep = 0
	}
	var removed int64
	err := s.retryWrite(ctx, "Prune", func() error {
		res, err := s.db.ExecContext(ctx, `
			DELETE FROM fault_events WHERE id NOT IN (
				SELECT id FROM fault_events ORDER BY occurred_at DESC, id LIMIT ?
			)
		`, keep)
		if err != nil {
			return err
		}
		removed, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("pruning fault events: %w", err)
	}
	return removed, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(row scanner) (*Entry, error) {
	var e Entry
	var occurredAt string
	var signal, program, action, dump, message sql.NullString
	var exitCode sql.NullInt64

	if err := row.Scan(&e.ID, &occurredAt, &e.Kind, &signal, &program, &e.PID, &action, &dump, &message, &exitCode); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scanning fault event: %w", err)
	}
	e.OccurredAt, _ = time.Parse(time.RFC3339Nano, occurredAt)
	e.Signal = signal.String
	e.Program = program.String
	e.PanicAction = action.String
	e.DumpPath = dump.String
	e.Message = message.String
	if exitCode.Valid {
		code := int(exitCode.Int64)
		e.ExitCode = &code
	}
	return &e, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// Close closes both database connections.
func (s *Store) Close() error {
	var errs []error
	if s.readDB != nil {
		if err := s.readDB.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing read connection: %w", err))
		}
	}
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing write connection: %w", err))
		}
	}
	return errors.Join(errs...)
}
