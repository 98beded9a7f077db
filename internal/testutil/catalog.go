package testutil

import (
	"fmt"
	"sync"
	"testing"

	"tapecat/internal/catalog"
	"tapecat/internal/database"
)

// CaptureSink records catalog diagnostics for assertions. Safe for
// concurrent use.
type CaptureSink struct {
	mu       sync.Mutex
	Fatals   []string
	Warnings []string
	Infos    []string
}

func (s *CaptureSink) Fatalf(format string, args ...any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Fatals = append(s.Fatals, fmt.Sprintf(format, args...))
}

func (s *CaptureSink) Warningf(format string, args ...any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Warnings = append(s.Warnings, fmt.Sprintf(format, args...))
}

func (s *CaptureSink) Infof(format string, args ...any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Infos = append(s.Infos, fmt.Sprintf(format, args...))
}

// NewTestCatalog builds a catalog over a fresh migrated database. The
// capture sink collects its diagnostics.
func NewTestCatalog(t *testing.T) (*catalog.Catalog, *database.Pool, *CaptureSink) {
	t.Helper()

	pool := NewTestPool(t)
	conn, err := pool.Get()
	if err != nil {
		t.Fatalf("failed to get connection: %v", err)
	}
	t.Cleanup(func() {
		pool.Put(conn)
	})

	sink := &CaptureSink{}
	return catalog.New(conn, pool.NewWorker(), sink), pool, sink
}
