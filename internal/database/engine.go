package database

import (
	"context"
	"errors"
)

// ErrNotFound is returned by lookups that matched no rows.
var ErrNotFound = errors.New("record not found")

// RowFunc receives one result row as column strings. Returning stop=true
// ends iteration early without error; a non-nil error aborts it.
type RowFunc func(cols []string) (stop bool, err error)

// Engine is one binding to a concrete SQL execution engine. The catalog
// is written entirely against this interface; the legacy system carried
// three bindings, this implementation ships the embedded one.
//
// An Engine instance owns exactly one physical connection: statement
// order is program order and explicit BEGIN/COMMIT pairs are meaningful.
type Engine interface {
	// Name identifies the binding, e.g. "sqlite".
	Name() string

	// Exec runs a statement that returns no rows.
	Exec(ctx context.Context, query string) error

	// Query streams result rows to fn and returns the number of rows
	// visited (including the row fn stopped on).
	Query(ctx context.Context, query string, fn RowFunc) (int64, error)

	// InsertReturningID runs an INSERT and returns the generated id.
	// table is a hint for engines that derive the id from a sequence.
	InsertReturningID(ctx context.Context, query, table string) (int64, error)

	// AffectedRows reports rows changed by the most recent Exec.
	AffectedRows() int64

	// EscapeText makes an arbitrary string safe for embedding in a
	// single-quoted literal. len(result) <= 2*len(s)+1.
	EscapeText(s string) string

	// EscapeBinary encodes arbitrary bytes, embedded NULs included, for
	// embedding in a literal. UnescapeBinary reverses it losslessly.
	EscapeBinary(p []byte) string
	UnescapeBinary(s string) ([]byte, error)

	// BatchInsertSupported reports whether the engine supports the batch
	// attribute pipeline's staging operations.
	BatchInsertSupported() bool

	// LockExclusive opens the short exclusive-writer window used by the
	// batch pipeline's Path/Filename fill steps. Engines without table
	// locks map this to whatever gives writer exclusion.
	LockExclusive(ctx context.Context) error
	Unlock(ctx context.Context) error

	// CheckSchema verifies the stored schema generation matches what
	// this binary expects. Mismatch is fatal and non-retryable.
	CheckSchema() error

	// Clone opens a brand-new physical connection to the same database.
	Clone(ctx context.Context) (Engine, error)

	Close() error
}
