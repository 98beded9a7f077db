// Package archive snapshots the catalog database to off-host storage.
// A snapshot is a consistent copy of the database file, encrypted and
// uploaded to a vault with a monotonically increasing version, so a
// destroyed director host can rebuild its catalog.
package archive

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
)

// Snapshotter produces a consistent copy of the live catalog database
// file. Satisfied by the SQLite engine's online backup.
type Snapshotter interface {
	BackupTo(destPath string) error
}

// Vault stores encrypted catalog archives. Implementations must treat
// Put as overwrite: only the newest archive per director matters.
type Vault interface {
	// PutArchive stores an archive for a director. size is the number
	// of bytes that will be read from r; version is stored alongside
	// for consistency checks.
	PutArchive(ctx context.Context, directorID string, r io.Reader, size int64, version int64) error

	// GetArchive retrieves the stored archive for a director and writes
	// it to w.
	GetArchive(ctx context.Context, directorID string, w io.Writer) error

	// ArchiveVersion returns the stored archive version for a director,
	// 0 if none has been stored.
	ArchiveVersion(ctx context.Context, directorID string) (int64, error)

	// ValidateSetup verifies that the vault is accessible and properly
	// configured.
	ValidateSetup(ctx context.Context) error
}

// Encryptor protects archives at rest. Encryption uses the public key
// only; decryption requires a passphrase to unlock the private key,
// producing a DecryptionContext for the session.
type Encryptor interface {
	// Setup performs one-time key generation. Called during
	// `tapecat config init`.
	Setup(passphrase string) error

	// Encrypt encrypts data read from r and writes ciphertext to w.
	Encrypt(r io.Reader, w io.Writer) error

	// Unlock decrypts the private key using the passphrase and returns
	// a DecryptionContext valid for the session.
	Unlock(passphrase string) (DecryptionContext, error)

	// IsConfigured returns true if both key files exist.
	IsConfigured() bool
}

// DecryptionContext holds an unlocked private key in memory for the
// duration of a retrieval session. Never written to disk.
type DecryptionContext interface {
	Decrypt(r io.Reader, w io.Writer) error
}

// Service runs catalog archive and retrieval.
type Service struct {
	eng       Snapshotter
	vault     Vault
	encryptor Encryptor
	log       *slog.Logger
}

// NewService wires an archive service over the catalog engine.
func NewService(eng Snapshotter, vault Vault, encryptor Encryptor, log *slog.Logger) *Service {
	return &Service{eng: eng, vault: vault, encryptor: encryptor, log: log}
}

// Archive snapshots the catalog, encrypts it and uploads it under the
// given version. The snapshot uses the engine's online backup, so the
// catalog stays writable throughout. Returns the uploaded size.
func (s *Service) Archive(ctx context.Context, directorID string, version int64) (int64, error) {
	remote, err := s.vault.ArchiveVersion(ctx, directorID)
	if err != nil {
		return 0, fmt.Errorf("checking remote archive version: %w", err)
	}
	if remote >= version {
		return 0, fmt.Errorf("remote archive version %d is not older than %d: refusing to overwrite", remote, version)
	}

	tmp, err := os.CreateTemp("", "tapecat-archive-*.db")
	if err != nil {
		return 0, fmt.Errorf("creating archive snapshot file: %w", err)
	}
	tmpPath := tmp.Name()
	tmp.Close()
	defer os.Remove(tmpPath)

	if err := s.eng.BackupTo(tmpPath); err != nil {
		return 0, fmt.Errorf("snapshotting catalog: %w", err)
	}

	encPath := tmpPath + ".age"
	defer os.Remove(encPath)
	size, err := s.encryptFile(tmpPath, encPath)
	if err != nil {
		return 0, err
	}

	f, err := os.Open(encPath)
	if err != nil {
		return 0, fmt.Errorf("opening encrypted archive: %w", err)
	}
	defer f.Close()

	if err := s.vault.PutArchive(ctx, directorID, f, size, version); err != nil {
		return 0, fmt.Errorf("uploading archive: %w", err)
	}
	s.log.Info("catalog archived", "director", directorID, "version", version, "bytes", size)
	return size, nil
}

// Retrieve downloads the stored archive, decrypts it with the
// passphrase and writes the plain database file to destPath. The
// destination must not exist: retrieval never overwrites a live
// catalog.
func (s *Service) Retrieve(ctx context.Context, directorID, passphrase, destPath string) (int64, error) {
	if _, err := os.Stat(destPath); err == nil {
		return 0, fmt.Errorf("destination %s already exists", destPath)
	}

	dctx, err := s.encryptor.Unlock(passphrase)
	if err != nil {
		return 0, fmt.Errorf("unlocking archive key: %w", err)
	}

	encPath := destPath + ".age"
	encFile, err := os.OpenFile(encPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		return 0, fmt.Errorf("creating download file: %w", err)
	}
	defer os.Remove(encPath)

	if err := s.vault.GetArchive(ctx, directorID, encFile); err != nil {
		encFile.Close()
		return 0, fmt.Errorf("downloading archive: %w", err)
	}
	if err := encFile.Close(); err != nil {
		return 0, fmt.Errorf("finalizing download: %w", err)
	}

	in, err := os.Open(encPath)
	if err != nil {
		return 0, fmt.Errorf("opening downloaded archive: %w", err)
	}
	defer in.Close()

	out, err := os.OpenFile(destPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		return 0, fmt.Errorf("creating catalog file: %w", err)
	}
	if err := dctx.Decrypt(in, out); err != nil {
		out.Close()
		os.Remove(destPath)
		return 0, fmt.Errorf("decrypting archive: %w", err)
	}
	if err := out.Close(); err != nil {
		return 0, fmt.Errorf("finalizing catalog file: %w", err)
	}

	info, err := os.Stat(destPath)
	if err != nil {
		return 0, err
	}
	s.log.Info("catalog retrieved", "director", directorID, "dest", destPath, "bytes", info.Size())
	return info.Size(), nil
}

// RemoteVersion reports the archive version currently in the vault.
func (s *Service) RemoteVersion(ctx context.Context, directorID string) (int64, error) {
	return s.vault.ArchiveVersion(ctx, directorID)
}

func (s *Service) encryptFile(srcPath, destPath string) (int64, error) {
	in, err := os.Open(srcPath)
	if err != nil {
		return 0, fmt.Errorf("opening snapshot: %w", err)
	}
	defer in.Close()

	out, err := os.OpenFile(destPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		return 0, fmt.Errorf("creating encrypted archive: %w", err)
	}
	if err := s.encryptor.Encrypt(in, out); err != nil {
		out.Close()
		return 0, fmt.Errorf("encrypting archive: %w", err)
	}
	if err := out.Close(); err != nil {
		return 0, fmt.Errorf("finalizing encrypted archive: %w", err)
	}

	info, err := os.Stat(destPath)
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}
