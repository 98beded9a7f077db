// Package vault implements archive storage backends: filesystem, S3
// and an in-memory one for tests.
package vault

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"tapecat/internal/archive"
)

// FileSystemVault stores catalog archives as files:
//
//	<root>/
//	  archives/
//	    <directorID>.db.age      (encrypted archive)
//	    <directorID>.version     (version marker)
type FileSystemVault struct {
	name       string
	root       string
	archiveDir string
}

// NewFileSystemVault creates a filesystem vault rooted at the given path.
func NewFileSystemVault(name, root string) (*FileSystemVault, error) {
	archiveDir := filepath.Join(root, "archives")
	if err := os.MkdirAll(archiveDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create archive directory: %w", err)
	}
	return &FileSystemVault{name: name, root: root, archiveDir: archiveDir}, nil
}

// PutArchive stores an archive and its version marker. The archive is
// written atomically; a crash mid-upload leaves the previous archive
// intact.
func (v *FileSystemVault) PutArchive(ctx context.Context, directorID string, r io.Reader, size int64, version int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	destPath := filepath.Join(v.archiveDir, directorID+".db.age")
	if err := v.writeFile(destPath, r, size); err != nil {
		return err
	}
	versionPath := filepath.Join(v.archiveDir, directorID+".version")
	return os.WriteFile(versionPath, []byte(strconv.FormatInt(version, 10)), 0644)
}

// GetArchive retrieves the stored archive and writes it to w.
func (v *FileSystemVault) GetArchive(ctx context.Context, directorID string, w io.Writer) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	srcPath := filepath.Join(v.archiveDir, directorID+".db.age")
	f, err := os.Open(srcPath)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("no archive stored for director %s", directorID)
		}
		return fmt.Errorf("failed to open archive: %w", err)
	}
	defer f.Close()

	if _, err := io.Copy(w, f); err != nil {
		return fmt.Errorf("failed to read archive: %w", err)
	}
	return nil
}

// ArchiveVersion returns the stored version, 0 if no archive exists.
func (v *FileSystemVault) ArchiveVersion(ctx context.Context, directorID string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	versionPath := filepath.Join(v.archiveDir, directorID+".version")
	data, err := os.ReadFile(versionPath)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("reading version file: %w", err)
	}
	version, err := strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parsing version: %w", err)
	}
	return version, nil
}

// ValidateSetup verifies that the vault directories are accessible.
func (v *FileSystemVault) ValidateSetup(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	for _, dir := range []string{v.root, v.archiveDir} {
		info, err := os.Stat(dir)
		if err != nil {
			return fmt.Errorf("vault directory not accessible: %w", err)
		}
		if !info.IsDir() {
			return fmt.Errorf("vault path is not a directory: %s", dir)
		}
	}
	return nil
}

// writeFile writes data from r to the specified path using atomic
// write (temp file + rename).
func (v *FileSystemVault) writeFile(destPath string, r io.Reader, expectedSize int64) error {
	// Temp file in the same directory so the rename stays atomic.
	dir := filepath.Dir(destPath)
	tmpFile, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()

	success := false
	defer func() {
		if !success {
			os.Remove(tmpPath)
		}
	}()

	written, err := io.Copy(tmpFile, r)
	if err != nil {
		tmpFile.Close()
		return fmt.Errorf("failed to write data: %w", err)
	}

	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}

	if written != expectedSize {
		return fmt.Errorf("size mismatch: expected %d bytes, got %d", expectedSize, written)
	}

	if err := os.Rename(tmpPath, destPath); err != nil {
		return fmt.Errorf("failed to rename temp file: %w", err)
	}

	success = true
	return nil
}

var _ archive.Vault = (*FileSystemVault)(nil)
