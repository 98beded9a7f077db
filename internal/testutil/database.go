package testutil

import (
	"path/filepath"
	"testing"

	"tapecat/internal/database"
)

// NewTestPool creates a migrated catalog in a temp file and returns a
// pool over it. A file, not :memory:, because dedicated clones of an
// in-memory database would see a separate empty store. The pool is
// closed when the test completes.
func NewTestPool(t *testing.T) *database.Pool {
	t.Helper()

	path := filepath.Join(t.TempDir(), "catalog.db")
	eng, err := database.NewSQLiteEngine(path)
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	if err := eng.Migrate(); err != nil {
		eng.Close()
		t.Fatalf("failed to migrate schema: %v", err)
	}
	if err := eng.Close(); err != nil {
		t.Fatalf("failed to close migration connection: %v", err)
	}

	pool, err := database.Open(database.Options{Driver: "sqlite", Path: path})
	if err != nil {
		t.Fatalf("failed to open pool: %v", err)
	}
	t.Cleanup(func() {
		pool.Close()
	})
	return pool
}
