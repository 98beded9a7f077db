package vault

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"

	"tapecat/internal/archive"
)

// MemoryVault is an in-memory implementation of the archive vault,
// useful for testing. Safe for concurrent use.
type MemoryVault struct {
	name     string
	archives map[string][]byte // directorID -> archive bytes
	versions map[string]int64  // directorID -> version
	mu       sync.RWMutex
}

// NewMemoryVault creates a new in-memory vault with the given name.
func NewMemoryVault(name string) *MemoryVault {
	return &MemoryVault{
		name:     name,
		archives: make(map[string][]byte),
		versions: make(map[string]int64),
	}
}

// PutArchive stores an archive, overwriting any previous one.
func (m *MemoryVault) PutArchive(ctx context.Context, directorID string, r io.Reader, size int64, version int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("failed to read archive: %w", err)
	}
	if int64(len(data)) != size {
		return fmt.Errorf("size mismatch: expected %d bytes, got %d", size, len(data))
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.archives[directorID] = data
	m.versions[directorID] = version
	return nil
}

// GetArchive retrieves a stored archive.
func (m *MemoryVault) GetArchive(ctx context.Context, directorID string, w io.Writer) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	data, ok := m.archives[directorID]
	if !ok {
		return fmt.Errorf("no archive stored for director %s", directorID)
	}
	if _, err := io.Copy(w, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("failed to write archive: %w", err)
	}
	return nil
}

// ArchiveVersion returns the stored version, 0 if no archive exists.
func (m *MemoryVault) ArchiveVersion(ctx context.Context, directorID string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.versions[directorID], nil
}

// ValidateSetup always succeeds for the in-memory vault.
func (m *MemoryVault) ValidateSetup(ctx context.Context) error {
	return ctx.Err()
}

var _ archive.Vault = (*MemoryVault)(nil)
