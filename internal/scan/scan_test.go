package scan

import (
	"context"
	"crypto/md5"
	"encoding/base64"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"tapecat/internal/catalog"
)

func TestBase64Fields(t *testing.T) {
	cases := []struct {
		v    int64
		want string
	}{
		{0, "A"},
		{1, "B"},
		{25, "Z"},
		{63, "/"},
		{64, "BA"},
		{-1, "-B"},
	}
	for _, c := range cases {
		if got := toBase64(c.v); got != c.want {
			t.Errorf("toBase64(%d) = %q, want %q", c.v, got, c.want)
		}
		back, err := fromBase64(c.want)
		if err != nil {
			t.Errorf("fromBase64(%q): %v", c.want, err)
		}
		if back != c.v {
			t.Errorf("fromBase64(%q) = %d, want %d", c.want, back, c.v)
		}
	}

	if _, err := fromBase64(""); err == nil {
		t.Error("empty field accepted")
	}
	if _, err := fromBase64("A!"); err == nil {
		t.Error("bad digit accepted")
	}
}

func TestStatRoundTrip(t *testing.T) {
	now := time.Unix(1735700000, 0)
	in := StatData{
		Dev: 2049, Ino: 917521, Mode: 0o100644, Nlink: 1,
		UID: 1000, GID: 1000, Size: 52891, BlkSize: 4096, Blocks: 104,
		Atime: now, Mtime: now.Add(-time.Hour), Ctime: now.Add(-2 * time.Hour),
	}
	encoded := encodeFields(in)
	if n := len(strings.Fields(encoded)); n != 16 {
		t.Fatalf("encoded %d fields, want 16", n)
	}

	out, err := DecodeStat(encoded)
	if err != nil {
		t.Fatalf("decoding: %v", err)
	}
	if out.Ino != in.Ino || out.Mode != in.Mode || out.Size != in.Size ||
		out.UID != in.UID || !out.Mtime.Equal(in.Mtime) {
		t.Errorf("round trip mismatch: %+v vs %+v", out, in)
	}

	if _, err := DecodeStat("A B C"); err == nil {
		t.Error("short stat string accepted")
	}
	// Trailing fields beyond the sixteenth are tolerated.
	if _, err := DecodeStat(encoded + " Z Z"); err != nil {
		t.Errorf("extended stat string rejected: %v", err)
	}
}

func TestIgnoreMatcher(t *testing.T) {
	m := NewIgnoreMatcher([]string{
		"*.tmp",
		"# a comment",
		"",
		"build/*",
		".git",
	})
	cases := []struct {
		path string
		want bool
	}{
		{"scratch.tmp", true},
		{"sub/deep/scratch.tmp", true}, // basename patterns apply at any depth
		{"scratch.tmp.bak", false},
		{"build/output.o", true},
		{"src/build/output.o", false}, // path patterns anchor at the root
		{".git", true},
		{"notes.txt", false},
	}
	for _, c := range cases {
		if got := m.Match(c.path); got != c.want {
			t.Errorf("Match(%q) = %v, want %v", c.path, got, c.want)
		}
	}
}

func TestParseIgnoreFileMissing(t *testing.T) {
	patterns, err := ParseIgnoreFile(filepath.Join(t.TempDir(), "nope"))
	if err != nil {
		t.Fatalf("missing file reported as error: %v", err)
	}
	if patterns != nil {
		t.Errorf("got %v patterns from a missing file", patterns)
	}
}

func writeTree(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for rel, content := range files {
		path := filepath.Join(root, rel)
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
		if err := os.WriteFile(path, []byte(content), 0644); err != nil {
			t.Fatalf("writing %s: %v", rel, err)
		}
	}
}

func TestScannerRun(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, map[string]string{
		".tcignore": "*.tmp\n",
		"a.txt":     "hello",
		"skip.tmp":  "temporary",
		"sub/b.txt": "world!",
	})

	s, err := New(root, Options{Recursive: true, ComputeDigests: true})
	if err != nil {
		t.Fatalf("creating scanner: %v", err)
	}

	var got []catalog.FileAttributes
	res, err := s.Run(context.Background(), 42, func(a catalog.FileAttributes) error {
		got = append(got, a)
		return nil
	})
	if err != nil {
		t.Fatalf("running scan: %v", err)
	}

	// Walk order: root, a.txt, sub, sub/b.txt. The ignore file and the
	// tmp file are skipped.
	if res.Files != 4 || len(got) != 4 {
		t.Fatalf("emitted %d entries (result %d), want 4", len(got), res.Files)
	}
	if res.Skipped != 2 {
		t.Errorf("skipped %d entries, want 2", res.Skipped)
	}
	if res.Bytes != int64(len("hello")+len("world!")) {
		t.Errorf("byte count %d", res.Bytes)
	}

	for i, a := range got {
		if a.FileIndex != int64(i+1) {
			t.Errorf("entry %d has FileIndex %d", i, a.FileIndex)
		}
		if a.JobID != 42 {
			t.Errorf("entry %d carries job %d", i, a.JobID)
		}
		if !strings.HasSuffix(a.Path, string(filepath.Separator)) {
			t.Errorf("path %q has no trailing separator", a.Path)
		}
		if a.LStat == "" {
			t.Errorf("entry %d has empty stat", i)
		}
	}

	// Directories carry an empty basename.
	if got[0].Name != "" || got[2].Name != "" {
		t.Errorf("directory entries named: %q %q", got[0].Name, got[2].Name)
	}
	if got[1].Name != "a.txt" || got[3].Name != "b.txt" {
		t.Errorf("file entries: %q %q", got[1].Name, got[3].Name)
	}

	sum := md5.Sum([]byte("hello"))
	if want := base64.RawStdEncoding.EncodeToString(sum[:]); got[1].MD5 != want {
		t.Errorf("digest %q, want %q", got[1].MD5, want)
	}

	stat, err := DecodeStat(got[1].LStat)
	if err != nil {
		t.Fatalf("decoding emitted stat: %v", err)
	}
	if stat.Size != int64(len("hello")) {
		t.Errorf("stat size %d, want %d", stat.Size, len("hello"))
	}
}

func TestScannerNonRecursive(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, map[string]string{
		"a.txt":     "hello",
		"sub/b.txt": "world",
	})

	s, err := New(root, Options{})
	if err != nil {
		t.Fatalf("creating scanner: %v", err)
	}
	var names []string
	_, err = s.Run(context.Background(), 1, func(a catalog.FileAttributes) error {
		names = append(names, a.Path+a.Name)
		return nil
	})
	if err != nil {
		t.Fatalf("running scan: %v", err)
	}
	// The subdirectory itself is recorded, its contents are not.
	if len(names) != 3 {
		t.Fatalf("emitted %d entries, want 3: %v", len(names), names)
	}
	for _, n := range names {
		if strings.HasSuffix(n, "b.txt") {
			t.Errorf("descended into subdirectory: %v", names)
		}
	}
}

func TestScannerRejectsFileRoot(t *testing.T) {
	root := t.TempDir()
	path := filepath.Join(root, "plain.txt")
	if err := os.WriteFile(path, []byte("x"), 0644); err != nil {
		t.Fatalf("writing: %v", err)
	}
	if _, err := New(path, Options{}); err == nil {
		t.Error("plain file accepted as scan root")
	}
}

func TestScannerHonorsContext(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, map[string]string{"a.txt": "x"})

	s, err := New(root, Options{Recursive: true})
	if err != nil {
		t.Fatalf("creating scanner: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := s.Run(ctx, 1, func(catalog.FileAttributes) error { return nil }); err == nil {
		t.Error("canceled scan completed")
	}
}
