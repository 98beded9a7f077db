// Package scan walks a directory tree and turns it into the
// file-attribute records a backup job presents to the catalog. It is
// the local producer for the attribute ingestion paths: each visited
// entry becomes one FileAttributes row with a serialized stat string
// and an optional content digest.
package scan

import (
	"context"
	"crypto/md5"
	"encoding/base64"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"tapecat/internal/catalog"
)

// IgnoreFileName is looked for at the scan root; its patterns extend
// Options.IgnorePatterns.
const IgnoreFileName = ".tcignore"

// Options controls a scan.
type Options struct {
	// Recursive descends into subdirectories. Off, only the root's
	// immediate entries are visited.
	Recursive bool
	// IgnorePatterns are matched against each entry's path relative to
	// the root; matching entries (and matching directories' subtrees)
	// are skipped.
	IgnorePatterns []string
	// ComputeDigests reads every regular file and records its MD5.
	// Expensive; off, the MD5 column stays empty.
	ComputeDigests bool
}

// Result summarizes one scan.
type Result struct {
	Files   int64 // attribute rows emitted
	Bytes   int64 // regular-file bytes seen
	Skipped int64 // entries dropped by ignore rules or unsupported type
}

// Scanner walks one root directory.
type Scanner struct {
	root    string
	opts    Options
	matcher *IgnoreMatcher
}

// New resolves and validates the root and loads its ignore file. The
// root must be a directory; symlinks, devices and other special files
// are rejected at the root and skipped below it.
func New(root string, opts Options) (*Scanner, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolving scan root: %w", err)
	}
	info, err := os.Lstat(absRoot)
	if err != nil {
		return nil, fmt.Errorf("stat scan root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("scan root is not a directory: %s", absRoot)
	}

	filePatterns, err := ParseIgnoreFile(filepath.Join(absRoot, IgnoreFileName))
	if err != nil {
		return nil, err
	}
	patterns := append([]string{IgnoreFileName}, opts.IgnorePatterns...)
	patterns = append(patterns, filePatterns...)

	return &Scanner{
		root:    absRoot,
		opts:    opts,
		matcher: NewIgnoreMatcher(patterns),
	}, nil
}

// Root returns the resolved absolute scan root.
func (s *Scanner) Root() string { return s.root }

// Run walks the tree and calls emit once per recorded entry, in walk
// order with FileIndex assigned from 1. Directories are recorded with
// an empty basename, the way the catalog names them. The first emit
// error aborts the walk.
func (s *Scanner) Run(ctx context.Context, jobID int64, emit func(catalog.FileAttributes) error) (Result, error) {
	var res Result
	var index int64

	record := func(path string, entry fs.DirEntry) error {
		info, err := entry.Info()
		if err != nil {
			return fmt.Errorf("stat %s: %w", path, err)
		}

		attr := catalog.FileAttributes{JobID: jobID}
		if entry.IsDir() {
			attr.Path = path + string(filepath.Separator)
		} else {
			attr.Path = filepath.Dir(path) + string(filepath.Separator)
			attr.Name = filepath.Base(path)
			res.Bytes += info.Size()
			if s.opts.ComputeDigests {
				digest, err := fileDigest(path)
				if err != nil {
					return err
				}
				attr.MD5 = digest
			}
		}
		attr.LStat, err = EncodeStat(info, 0)
		if err != nil {
			return fmt.Errorf("encoding stat for %s: %w", path, err)
		}

		index++
		attr.FileIndex = index
		res.Files++
		return emit(attr)
	}

	err := filepath.WalkDir(s.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if cerr := ctx.Err(); cerr != nil {
			return cerr
		}

		rel, rerr := filepath.Rel(s.root, path)
		if rerr != nil {
			return rerr
		}
		if rel != "." && s.matcher.Match(rel) {
			res.Skipped++
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		if d.IsDir() {
			if err := record(path, d); err != nil {
				return err
			}
			if !s.opts.Recursive && path != s.root {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			res.Skipped++
			return nil
		}
		return record(path, d)
	})
	if err != nil {
		return res, fmt.Errorf("walking %s: %w", s.root, err)
	}
	return res, nil
}

// fileDigest returns the MD5 of the file's contents, encoded the way
// the catalog stores digests.
func fileDigest(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	h := md5.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hashing %s: %w", path, err)
	}
	return base64.RawStdEncoding.EncodeToString(h.Sum(nil)), nil
}
