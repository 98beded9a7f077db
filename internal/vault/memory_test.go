package vault

import (
	"bytes"
	"context"
	"strings"
	"testing"
)

func TestMemoryVault_PutAndGetArchive(t *testing.T) {
	v := NewMemoryVault("test-vault")
	ctx := context.Background()

	tests := []struct {
		name    string
		content string
	}{
		{name: "store and retrieve archive", content: "catalog bytes"},
		{name: "store empty archive", content: ""},
		{name: "store large archive", content: strings.Repeat("x", 10000)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := strings.NewReader(tt.content)
			if err := v.PutArchive(ctx, "dir-1", r, int64(len(tt.content)), 1); err != nil {
				t.Fatalf("PutArchive() error = %v", err)
			}

			var buf bytes.Buffer
			if err := v.GetArchive(ctx, "dir-1", &buf); err != nil {
				t.Fatalf("GetArchive() error = %v", err)
			}
			if got := buf.String(); got != tt.content {
				t.Errorf("GetArchive() = %q, want %q", got, tt.content)
			}
		})
	}
}

func TestMemoryVault_PutArchiveSizeMismatch(t *testing.T) {
	v := NewMemoryVault("test-vault")
	err := v.PutArchive(context.Background(), "dir-1", strings.NewReader("data"), 99, 1)
	if err == nil {
		t.Error("PutArchive() with wrong size should return error")
	}
}

func TestMemoryVault_PutArchiveOverwrites(t *testing.T) {
	v := NewMemoryVault("test-vault")
	ctx := context.Background()

	if err := v.PutArchive(ctx, "dir-1", strings.NewReader("old"), 3, 1); err != nil {
		t.Fatalf("first PutArchive() error = %v", err)
	}
	if err := v.PutArchive(ctx, "dir-1", strings.NewReader("newer"), 5, 2); err != nil {
		t.Fatalf("second PutArchive() error = %v", err)
	}

	var buf bytes.Buffer
	if err := v.GetArchive(ctx, "dir-1", &buf); err != nil {
		t.Fatalf("GetArchive() error = %v", err)
	}
	if buf.String() != "newer" {
		t.Errorf("GetArchive() = %q, want %q", buf.String(), "newer")
	}

	version, err := v.ArchiveVersion(ctx, "dir-1")
	if err != nil {
		t.Fatalf("ArchiveVersion() error = %v", err)
	}
	if version != 2 {
		t.Errorf("ArchiveVersion() = %d, want 2", version)
	}
}

func TestMemoryVault_ArchiveVersionMissing(t *testing.T) {
	v := NewMemoryVault("test-vault")
	version, err := v.ArchiveVersion(context.Background(), "no-such-director")
	if err != nil {
		t.Fatalf("ArchiveVersion() error = %v", err)
	}
	if version != 0 {
		t.Errorf("ArchiveVersion() = %d, want 0 for missing archive", version)
	}
}

func TestMemoryVault_GetArchiveMissing(t *testing.T) {
	v := NewMemoryVault("test-vault")
	var buf bytes.Buffer
	if err := v.GetArchive(context.Background(), "no-such-director", &buf); err == nil {
		t.Error("GetArchive() for missing archive should return error")
	}
}

func TestMemoryVault_ValidateSetup(t *testing.T) {
	v := NewMemoryVault("test-vault")
	if err := v.ValidateSetup(context.Background()); err != nil {
		t.Errorf("ValidateSetup() error = %v", err)
	}
}
