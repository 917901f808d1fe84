// Package persist implements result persistence (C6): spilling oversized
// tool output to a per-call file and substituting a short inline summary
// plus a FileReference, so large outputs never bloat the conversation
// history or get re-sent to the model on every subsequent turn.
package persist

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// DefaultThreshold matches spec.md's "size(output.text) > persistence_threshold"
// gate. It is larger than shellexec.MaxOutputBytes (30_000 bytes per stream),
// so each shell output stream is already truncated before this threshold applies.
const DefaultThreshold = 50_000

// SummaryLines is how many leading lines the inline summary keeps.
const SummaryLines = 20

// FileReference is what a spilled ToolOutput carries instead of its full
// text.
type FileReference struct {
	Path        string `json:"path"`
	CallID      string `json:"call_id"`
	TotalBytes  int    `json:"total_bytes"`
	TotalLines  int    `json:"total_lines"`
	SummaryText string `json:"summary_text"`
}

// Store spills oversized tool output under sessionDir/tool-results/.
type Store struct {
	sessionDir string
	threshold  int
}

// New returns a Store rooted at sessionDir. An empty sessionDir disables
// spilling (ShouldPersist reports false and Persist returns an error),
// matching spec.md's "if ... a session directory is configured."
func New(sessionDir string) *Store {
	return &Store{sessionDir: sessionDir, threshold: DefaultThreshold}
}

// WithThreshold overrides DefaultThreshold.
func (s *Store) WithThreshold(n int) *Store {
	s.threshold = n
	return s
}

// Enabled reports whether this store can spill at all.
func (s *Store) Enabled() bool {
	return s.sessionDir != ""
}

// ShouldPersist reports whether text exceeds the configured threshold and a
// session directory is configured.
func (s *Store) ShouldPersist(text string) bool {
	return s.Enabled() && len(text) > s.threshold
}

// Persist writes text atomically to {session_dir}/tool-results/{call_id}.txt
// (temp file in the same directory, then rename) and returns a FileReference
// carrying a short inline summary. Callers apply this only when
// ShouldPersist(text) is true; truncation (the tool-level and model-level
// caps) is a distinct, later step applied to whatever text the caller ends
// up keeping.
func (s *Store) Persist(callID, text string) (*FileReference, error) {
	if !s.Enabled() {
		return nil, fmt.Errorf("persist: no session directory configured")
	}
	dir := filepath.Join(s.sessionDir, "tool-results")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("persist: create tool-results dir: %w", err)
	}

	path := filepath.Join(dir, callID+".txt")
	tmp, err := os.CreateTemp(dir, callID+".*.tmp")
	if err != nil {
		return nil, fmt.Errorf("persist: create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.WriteString(text); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return nil, fmt.Errorf("persist: write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return nil, fmt.Errorf("persist: close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return nil, fmt.Errorf("persist: rename temp file: %w", err)
	}

	return &FileReference{
		Path:        path,
		CallID:      callID,
		TotalBytes:  len(text),
		TotalLines:  strings.Count(text, "\n") + 1,
		SummaryText: summarize(text),
	}, nil
}

// summarize returns the first SummaryLines lines of text plus a byte/line
// count footer.
func summarize(text string) string {
	lines := strings.Split(text, "\n")
	total := len(lines)
	if total > SummaryLines {
		lines = lines[:SummaryLines]
	}
	summary := strings.Join(lines, "\n")
	return fmt.Sprintf("%s\n\n... (%d bytes, %d lines total; full output persisted)", summary, len(text), total)
}
