package archive

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"snapshot-renderer/internal/config"
)

func TestNewUnconfiguredReturnsNil(t *testing.T) {
	exp, err := New(context.Background(), config.Config{})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if exp != nil {
		t.Fatal("expected nil exporter without archive config")
	}
}

func TestLocalExportWritesFile(t *testing.T) {
	dir := t.TempDir()
	exp, err := New(context.Background(), config.Config{ArchiveDir: dir})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if exp == nil {
		t.Fatal("expected a local exporter")
	}

	loc, err := exp.Store(context.Background(), "snap-42", []byte("png-bytes"), "png")
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	want := filepath.Join(dir, "screenshots", "snap-42.png")
	if loc != want {
		t.Fatalf("location: got %q want %q", loc, want)
	}
	data, err := os.ReadFile(want)
	if err != nil {
		t.Fatalf("read exported file: %v", err)
	}
	if string(data) != "png-bytes" {
		t.Fatalf("exported content mismatch: %q", data)
	}
}

func TestStoreDefaultsFormat(t *testing.T) {
	dir := t.TempDir()
	exp, err := New(context.Background(), config.Config{ArchiveDir: dir})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	loc, err := exp.Store(context.Background(), "snap-1", []byte("x"), "")
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	if filepath.Ext(loc) != ".png" {
		t.Fatalf("expected png extension, got %q", loc)
	}
}

func TestSanitizeKeyStripsTraversal(t *testing.T) {
	if got := sanitizeKey("../../etc/passwd"); got != "etc/passwd" {
		t.Fatalf("traversal not stripped: %q", got)
	}
	if got := sanitizeKey("./screenshots/a.png"); got != "screenshots/a.png" {
		t.Fatalf("relative prefix not stripped: %q", got)
	}
}
