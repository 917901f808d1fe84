package persist

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestShouldPersistRespectsThreshold(t *testing.T) {
	s := New(t.TempDir()).WithThreshold(10)
	if s.ShouldPersist("short") {
		t.Fatalf("expected short text to not persist")
	}
	if !s.ShouldPersist(strings.Repeat("x", 20)) {
		t.Fatalf("expected long text to persist")
	}
}

func TestShouldPersistDisabledWithoutSessionDir(t *testing.T) {
	s := New("")
	if s.ShouldPersist(strings.Repeat("x", 1_000_000)) {
		t.Fatalf("expected disabled store to never persist")
	}
}

func TestPersistWritesFileAndSummary(t *testing.T) {
	dir := t.TempDir()
	s := New(dir).WithThreshold(5)
	text := strings.Repeat("line\n", 100)

	ref, err := s.Persist("call-1", text)
	if err != nil {
		t.Fatal(err)
	}
	if ref.Path != filepath.Join(dir, "tool-results", "call-1.txt") {
		t.Fatalf("unexpected path: %s", ref.Path)
	}
	data, err := os.ReadFile(ref.Path)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != text {
		t.Fatalf("persisted content mismatch")
	}
	if !strings.Contains(ref.SummaryText, "bytes") {
		t.Fatalf("expected summary to mention byte count, got %q", ref.SummaryText)
	}
	if ref.TotalBytes != len(text) {
		t.Fatalf("expected TotalBytes=%d, got %d", len(text), ref.TotalBytes)
	}
}

func TestPersistErrorsWithoutSessionDir(t *testing.T) {
	s := New("")
	if _, err := s.Persist("call-1", "x"); err == nil {
		t.Fatalf("expected error when no session directory is configured")
	}
}
