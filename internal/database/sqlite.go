package database

import (
	"context"
	"database/sql"
	"encoding/base64"
	"fmt"
	"strings"

	"tapecat/internal/database/migrations"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// SQLiteEngine is the embedded file-based engine binding.
type SQLiteEngine struct {
	db       *sql.DB
	path     string
	affected int64
}

// NewSQLiteEngine opens a SQLite database at path (":memory:" allowed,
// but dedicated clones of an in-memory database see a separate store;
// use a file path when batch connections are in play).
func NewSQLiteEngine(path string) (*SQLiteEngine, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// One physical connection per Engine: statement order is program
	// order and BEGIN/COMMIT pairs issued through Exec are meaningful.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	return &SQLiteEngine{db: db, path: path}, nil
}

func (s *SQLiteEngine) Name() string { return "sqlite" }

// Path returns the database file path (or ":memory:").
func (s *SQLiteEngine) Path() string { return s.path }

func (s *SQLiteEngine) Exec(ctx context.Context, query string) error {
	res, err := s.db.ExecContext(ctx, query)
	if err != nil {
		s.affected = 0
		return fmt.Errorf("exec: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil {
		s.affected = n
	}
	return nil
}

func (s *SQLiteEngine) Query(ctx context.Context, query string, fn RowFunc) (int64, error) {
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return 0, fmt.Errorf("query: %w", err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return 0, fmt.Errorf("reading columns: %w", err)
	}

	raw := make([]sql.NullString, len(cols))
	dest := make([]any, len(cols))
	for i := range raw {
		dest[i] = &raw[i]
	}

	var count int64
	vals := make([]string, len(cols))
	for rows.Next() {
		if err := rows.Scan(dest...); err != nil {
			return count, fmt.Errorf("scanning row: %w", err)
		}
		for i := range raw {
			vals[i] = raw[i].String // NULL scans as ""
		}
		count++
		stop, err := fn(vals)
		if err != nil {
			return count, err
		}
		if stop {
			break
		}
	}
	if err := rows.Err(); err != nil {
		return count, fmt.Errorf("iterating rows: %w", err)
	}
	return count, nil
}

func (s *SQLiteEngine) InsertReturningID(ctx context.Context, query, table string) (int64, error) {
	// table is unused: SQLite derives the id from the rowid, not a
	// named sequence.
	_ = table
	res, err := s.db.ExecContext(ctx, query)
	if err != nil {
		return 0, fmt.Errorf("insert: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("reading generated id: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil {
		s.affected = n
	}
	return id, nil
}

func (s *SQLiteEngine) AffectedRows() int64 { return s.affected }

// EscapeText doubles embedded quotes. The result is at most 2*len(s)+1
// bytes, the bound callers size buffers against.
func (s *SQLiteEngine) EscapeText(text string) string {
	return strings.ReplaceAll(text, "'", "''")
}

// EscapeBinary encodes opaque payloads as base64 so embedded NULs and
// quote characters survive the literal round trip.
func (s *SQLiteEngine) EscapeBinary(p []byte) string {
	return base64.StdEncoding.EncodeToString(p)
}

func (s *SQLiteEngine) UnescapeBinary(text string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(text)
	if err != nil {
		return nil, fmt.Errorf("decoding binary literal: %w", err)
	}
	return raw, nil
}

func (s *SQLiteEngine) BatchInsertSupported() bool { return true }

// LockExclusive maps the batch pipeline's table-lock window to an
// immediate transaction: SQLite has no LOCK TABLE, but a write
// transaction excludes all other writers, which is the property the
// fill steps need.
func (s *SQLiteEngine) LockExclusive(ctx context.Context) error {
	return s.Exec(ctx, "BEGIN IMMEDIATE")
}

func (s *SQLiteEngine) Unlock(ctx context.Context) error {
	return s.Exec(ctx, "COMMIT")
}

func (s *SQLiteEngine) CheckSchema() error {
	return migrations.CheckDBMigrationStatus(s.db)
}

// Migrate brings the schema to the latest generation. Used by the CLI
// and tests; normal open paths only check.
func (s *SQLiteEngine) Migrate() error {
	return migrations.MigrateUp(s.db)
}

func (s *SQLiteEngine) Clone(ctx context.Context) (Engine, error) {
	_ = ctx
	return NewSQLiteEngine(s.path)
}

func (s *SQLiteEngine) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// BackupTo writes a complete consistent copy of the database at
// destPath using VACUUM INTO. Used by the catalog archive operation.
func (s *SQLiteEngine) BackupTo(destPath string) error {
	if _, err := s.db.Exec("VACUUM INTO ?", destPath); err != nil {
		return fmt.Errorf("backing up database: %w", err)
	}
	return nil
}

// Compile-time check that SQLiteEngine implements Engine.
var _ Engine = (*SQLiteEngine)(nil)
