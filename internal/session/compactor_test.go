package session

import (
	"context"
	"strings"
	"testing"

	"github.com/dcode-agent/dcode/internal/engineerr"
)

type fakeCompactionClient struct {
	texts []string
	errs  []error
	calls int
}

func (f *fakeCompactionClient) RunCompactionPrompt(ctx context.Context, messages []Message) (string, error) {
	i := f.calls
	f.calls++
	if i < len(f.errs) && f.errs[i] != nil {
		return "", f.errs[i]
	}
	if i < len(f.texts) {
		return f.texts[i], nil
	}
	return "final summary", nil
}

func TestCompactNoOpWithoutUserTurnBoundary(t *testing.T) {
	history := []Message{{Role: "system", Content: "you are an agent"}}
	client := &fakeCompactionClient{}
	result, err := Compact(context.Background(), history, client, CompactionOptions{})
	if err != nil {
		t.Fatalf("Compact: %v", err)
	}
	if !result.NoOp {
		t.Fatal("expected no-op compaction without a user turn boundary")
	}
}

func TestCompactProducesSummaryInvariant(t *testing.T) {
	history := []Message{
		{Role: "user", Content: "please build feature X"},
		{Role: "assistant", Content: "working on it"},
	}
	client := &fakeCompactionClient{texts: []string{"we implemented feature X and tests pass"}}

	result, err := Compact(context.Background(), history, client, CompactionOptions{})
	if err != nil {
		t.Fatalf("Compact: %v", err)
	}

	wantSummary := SummaryPrefix + "\n" + "we implemented feature X and tests pass"
	if result.Compaction.Summary != wantSummary {
		t.Fatalf("summary mismatch: got %q want %q", result.Compaction.Summary, wantSummary)
	}

	if err := ValidatePostCompactionInvariants(result.History); err != nil {
		t.Fatalf("post-compaction invariants violated: %v", err)
	}
}

func TestCompactDropsDeveloperMessagesUnlessReinserted(t *testing.T) {
	history := []Message{
		{Role: "developer", Content: "internal instructions"},
		{Role: "user", Content: "do the thing"},
	}
	client := &fakeCompactionClient{texts: []string{"done"}}

	result, err := Compact(context.Background(), history, client, CompactionOptions{})
	if err != nil {
		t.Fatalf("Compact: %v", err)
	}
	for _, msg := range result.History {
		if msg.Role == "developer" {
			t.Fatal("developer message survived compaction without being reinserted as canonical context")
		}
	}
}

func TestCompactSplicesCanonicalContextForMidTurn(t *testing.T) {
	history := []Message{{Role: "user", Content: "continue please"}}
	client := &fakeCompactionClient{texts: []string{"summary text"}}
	canonical := []Message{{Role: "developer", Content: "system prompt reinjected"}}

	result, err := Compact(context.Background(), history, client, CompactionOptions{
		Callsite:         MidTurn,
		CanonicalContext: canonical,
	})
	if err != nil {
		t.Fatalf("Compact: %v", err)
	}

	found := false
	for _, msg := range result.History {
		if msg.Role == "developer" && msg.Content == "system prompt reinjected" {
			found = true
		}
	}
	if !found {
		t.Fatal("expected canonical context to be spliced back in for a MidTurn compaction")
	}
}

func TestCompactRetriesOnContextWindowExceededThenSucceeds(t *testing.T) {
	history := []Message{
		{Role: "user", Content: "first ask"},
		{Role: "assistant", Content: "reply"},
		{Role: "user", Content: "second ask"},
	}
	client := &fakeCompactionClient{
		errs:  []error{engineerr.New(engineerr.ContextWindowExceeded, "too big"), nil},
		texts: []string{"", "trimmed summary"},
	}

	result, err := Compact(context.Background(), history, client, CompactionOptions{})
	if err != nil {
		t.Fatalf("Compact: %v", err)
	}
	if client.calls != 2 {
		t.Fatalf("expected exactly one retry after ContextWindowExceeded, got %d calls", client.calls)
	}
	if !strings.Contains(result.Compaction.Summary, "trimmed summary") {
		t.Fatalf("expected successful summary after retry, got %q", result.Compaction.Summary)
	}
}

func TestSelectUserMessagesWithinBudgetTruncatesOversizedMessage(t *testing.T) {
	bigWords := strings.Repeat("word ", 200)
	snapshot := []Message{{Role: "user", Content: bigWords}}

	selected := selectUserMessagesWithinBudget(snapshot, 16)
	if len(selected) != 1 {
		t.Fatalf("expected exactly one truncated message, got %d", len(selected))
	}
	if !strings.Contains(selected[0].Content, TokensTruncatedMarker) {
		t.Fatalf("expected truncated message to carry the tokens-truncated marker, got %q", selected[0].Content)
	}
	if selected[0].Content == bigWords {
		t.Fatal("expected truncated content to differ from the original message")
	}
}

func TestManagerRecordAndRemoveFirstItem(t *testing.T) {
	m := NewManager(nil)
	m.RecordItems(Message{Role: "user", Content: "a"}, Message{Role: "assistant", Content: "b"})
	if len(m.RawItems()) != 2 {
		t.Fatalf("expected 2 items, got %d", len(m.RawItems()))
	}
	if !m.RemoveFirstItem() {
		t.Fatal("expected RemoveFirstItem to succeed on non-empty history")
	}
	items := m.RawItems()
	if len(items) != 1 || items[0].Content != "b" {
		t.Fatalf("unexpected items after RemoveFirstItem: %+v", items)
	}
}
