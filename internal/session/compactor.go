package session

import (
	"context"
	"fmt"
	"sync"

	"github.com/dcode-agent/dcode/internal/engineerr"
)

// SummaryPrefix tags the single synthetic user message that carries a
// compaction's summary text, distinguishing it from ordinary user turns so
// a later compaction never re-summarizes an already-compacted message.
const SummaryPrefix = "SUMMARY_PREFIX"

// TokensTruncatedMarker is appended to any user message whose selection
// during compaction had to be truncated to fit the token budget.
const TokensTruncatedMarker = "...[tokens truncated]..."

// DefaultCompactionTokenBudget bounds the total size (in estimated tokens)
// of prior user messages carried forward by a compaction.
const DefaultCompactionTokenBudget = 20000

// Manager owns an ordered list of conversation items (Messages) and the
// truncation/compaction policy over them, per the spec's Context Manager.
// All mutation is serialized behind a mutex; readers snapshot via Clone.
type Manager struct {
	mu    sync.Mutex
	items []Message
}

// NewManager wraps an existing item list (e.g. a restored session's
// Messages) in a Manager.
func NewManager(items []Message) *Manager {
	m := &Manager{}
	m.items = append(m.items, items...)
	return m
}

// RecordItems appends items to the managed history.
func (m *Manager) RecordItems(items ...Message) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items = append(m.items, items...)
}

// RemoveFirstItem drops the oldest item, reporting false if the history is
// empty.
func (m *Manager) RemoveFirstItem() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.items) == 0 {
		return false
	}
	m.items = m.items[1:]
	return true
}

// RawItems returns a copy of the managed items; later changes to the Manager
// do not show through it. Each Message's Parts slice is shared, not copied.
func (m *Manager) RawItems() []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Message(nil), m.items...)
}

// Clone returns an independent copy of the managed history.
func (m *Manager) Clone() *Manager {
	return NewManager(m.RawItems())
}

// Replace atomically swaps the managed history for newItems, as the final
// step of a compaction.
func (m *Manager) Replace(newItems []Message) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items = append([]Message(nil), newItems...)
}

// ForPrompt projects the managed history into the subset of items
// appropriate for a given set of supported modalities, dropping image
// parts when images are unsupported.
func (m *Manager) ForPrompt(supportsImages bool) []Message {
	items := m.RawItems()
	if supportsImages {
		return items
	}
	out := make([]Message, len(items))
	for i, msg := range items {
		parts := make([]Part, 0, len(msg.Parts))
		for _, p := range msg.Parts {
			if p.Type == "image" {
				continue
			}
			parts = append(parts, p)
		}
		msg.Parts = parts
		out[i] = msg
	}
	return out
}

// IsUserTurnBoundary reports whether item is a genuine user turn (not a
// synthetic summary message) that a compaction can anchor on.
func IsUserTurnBoundary(item Message) bool {
	return item.Role == "user" && !item.IsSummary
}

// CompactionCallsite identifies which of the four triggers (§4.8) invoked
// a compaction; it controls whether canonical context is re-spliced and
// whether incoming items are protected from summarization.
type CompactionCallsite int

const (
	Manual CompactionCallsite = iota
	PreTurn
	PreSampling
	MidTurn
)

// CompactionModelClient is the external model client a compaction runs its
// summarization turn through. It is intentionally narrow: the engine has
// no opinion on prompt authoring or wire protocol (out of scope per the
// spec's Non-goals) beyond needing one assistant completion back.
type CompactionModelClient interface {
	RunCompactionPrompt(ctx context.Context, messages []Message) (assistantText string, err error)
}

// CompactionOptions parameterizes one compaction run.
type CompactionOptions struct {
	Callsite            CompactionCallsite
	IncomingItems       []Message // protected tail: not eligible for trimming or summarization
	CanonicalContext    []Message // system/developer items reinserted for MidTurn/PreSampling
	ModelSwitchItem     *Message  // stripped from the compaction request, reattached at the tail
	TokenBudget         int       // default DefaultCompactionTokenBudget
	MaxContextRetries   int       // bound on ContextWindowExceeded retry-by-trimming
	MaxTransportRetries int       // bound on other-transport-error retry-with-backoff
	Abort               <-chan struct{}
}

func (o CompactionOptions) tokenBudget() int {
	if o.TokenBudget > 0 {
		return o.TokenBudget
	}
	return DefaultCompactionTokenBudget
}

func (o CompactionOptions) maxContextRetries() int {
	if o.MaxContextRetries > 0 {
		return o.MaxContextRetries
	}
	return 5
}

func (o CompactionOptions) maxTransportRetries() int {
	if o.MaxTransportRetries > 0 {
		return o.MaxTransportRetries
	}
	return 3
}

// Compacted is the rollout record persisted after a successful compaction.
type Compacted struct {
	Summary            string
	ReplacementHistory []Message
}

// CompactionResult is what Compact returns: the new history, the rollout
// record to persist, and a human-facing warning.
type CompactionResult struct {
	History    []Message
	Compaction Compacted
	Warning    string
	NoOp       bool
}

// Compact runs the ten-step compaction algorithm in §4.8 against history,
// driving the summarization turn through client.
func Compact(ctx context.Context, history []Message, client CompactionModelClient, opts CompactionOptions) (CompactionResult, error) {
	// Step 1: snapshot; strip a trailing model-switch item from the
	// payload sent to the summarizer (it is not in-distribution for it).
	snapshot := append([]Message(nil), history...)
	if sw := opts.ModelSwitchItem; sw != nil && len(snapshot) > 0 {
		if last := snapshot[len(snapshot)-1]; last.Role == sw.Role && last.Content == sw.Content {
			snapshot = snapshot[:len(snapshot)-1]
		}
	}

	// Step 2: require at least one real user-turn boundary, else no-op.
	hasBoundary := false
	for _, item := range snapshot {
		if IsUserTurnBoundary(item) {
			hasBoundary = true
			break
		}
	}
	if !hasBoundary {
		return CompactionResult{History: history, NoOp: true}, nil
	}

	// Step 3: produce the compaction prompt and drain the response,
	// retrying on ContextWindowExceeded (trim oldest, preserving the
	// protected tail) and on other transport errors (exponential backoff).
	protectedTail := len(opts.IncomingItems) + 1 // +1 for the compaction prompt message itself
	assistantText, err := runCompactionWithRetry(ctx, snapshot, opts.IncomingItems, client, protectedTail, opts)
	if err != nil {
		return CompactionResult{}, err
	}

	// Step 4.
	summaryText := SummaryPrefix + "\n" + assistantText

	// Step 5: select prior user messages (excluding prior summaries),
	// token-bounded, greedy from the tail.
	selected := selectUserMessagesWithinBudget(snapshot, opts.tokenBudget())

	// Step 6: replacement history = selected (oldest-to-newest) + summary.
	replacement := make([]Message, 0, len(selected)+2)
	replacement = append(replacement, selected...)
	replacement = append(replacement, Message{Role: "user", Content: summaryText, IsSummary: true})

	// Step 7: drop developer messages and non-user-content "user"
	// messages (session prefixes / environment context); keep compaction
	// records and user shell-command records.
	replacement = postProcessReplacement(replacement)

	// Step 8: for MidTurn/PreSampling, splice canonical context
	// immediately before the last user anchor.
	if opts.Callsite == MidTurn || opts.Callsite == PreSampling {
		replacement = spliceCanonicalContext(replacement, opts.CanonicalContext)
	}

	// Step 9: reattach the stripped model-switch item at the tail.
	if opts.ModelSwitchItem != nil {
		replacement = append(replacement, *opts.ModelSwitchItem)
	}

	// Step 10: prepend the Compaction record; replace history atomically.
	final := make([]Message, 0, len(replacement)+1)
	final = append(final, Message{Role: "system", IsCompactionRecord: true, Content: summaryText})
	final = append(final, replacement...)

	return CompactionResult{
		History:    final,
		Compaction: Compacted{Summary: summaryText, ReplacementHistory: replacement},
		Warning:    "Context was compacted; consider starting a fresh thread if behavior seems off.",
	}, nil
}

func runCompactionWithRetry(ctx context.Context, snapshot, incoming []Message, client CompactionModelClient, protectedTail int, opts CompactionOptions) (string, error) {
	messages := BuildCompactionMessages(snapshot, nil)
	contextRetries := 0
	transportRetries := 0

	for {
		text, err := client.RunCompactionPrompt(ctx, messages)
		if err == nil {
			return text, nil
		}

		if engineerr.KindOf(err) == engineerr.ContextWindowExceeded {
			contextRetries++
			if contextRetries > opts.maxContextRetries() {
				return "", engineerr.Wrap(engineerr.ContextWindowExceeded, err, "compaction request still too large after trimming to the protected tail")
			}
			trimmed, ok := removeFirstItemRespectingTail(messages, protectedTail)
			if !ok {
				return "", engineerr.Wrap(engineerr.ContextWindowExceeded, err, "cannot trim below the protected tail")
			}
			messages = trimmed
			continue
		}

		transportRetries++
		if transportRetries > opts.maxTransportRetries() {
			return "", engineerr.Wrap(engineerr.Internal, err, "compaction request failed after %d retries", transportRetries-1)
		}
		delay := ComputeRetryDelay(transportRetries, nil)
		if err := SleepWithAbort(delay, opts.Abort); err != nil {
			return "", engineerr.Wrap(engineerr.Internal, err, "compaction retry aborted")
		}
	}
}

// removeFirstItemRespectingTail drops the oldest item in items, unless
// doing so would cut into the protected tail (the last tailLen items).
func removeFirstItemRespectingTail(items []Message, tailLen int) ([]Message, bool) {
	if len(items)-1 < tailLen {
		return items, false
	}
	return items[1:], true
}

// selectUserMessagesWithinBudget walks snapshot from the tail backwards,
// collecting non-summary user messages until tokenBudget is exhausted. If
// a single message alone exceeds the remaining budget, a single truncated
// copy carrying TokensTruncatedMarker is inserted instead of being
// skipped, and selection stops there.
func selectUserMessagesWithinBudget(snapshot []Message, tokenBudget int) []Message {
	var picked []Message
	remaining := tokenBudget

	for i := len(snapshot) - 1; i >= 0; i-- {
		msg := snapshot[i]
		if msg.Role != "user" || msg.IsSummary {
			continue
		}
		cost := estimateTokens(msg.Content)
		if cost <= remaining {
			picked = append(picked, msg)
			remaining -= cost
			continue
		}
		if remaining > 0 {
			truncated := msg
			truncated.Content = truncateToTokenBudget(msg.Content, remaining) + "\n" + TokensTruncatedMarker
			picked = append(picked, truncated)
		}
		break
	}

	// picked was collected tail-to-head; reverse to oldest-to-newest.
	for i, j := 0, len(picked)-1; i < j; i, j = i+1, j-1 {
		picked[i], picked[j] = picked[j], picked[i]
	}
	return picked
}

// truncateToTokenBudget keeps roughly budget tokens' worth of text
// (estimateTokens' inverse: ~4 chars/token), cutting from the tail so the
// retained text is the start of the message.
func truncateToTokenBudget(text string, budget int) string {
	maxChars := budget * 4
	if maxChars <= 0 {
		return ""
	}
	if len(text) <= maxChars {
		return text
	}
	return text[:maxChars]
}

// postProcessReplacement drops developer messages and synthetic
// environment-context "user" messages, keeping compaction records and
// shell-command records per step 7.
func postProcessReplacement(messages []Message) []Message {
	out := make([]Message, 0, len(messages))
	for _, msg := range messages {
		if msg.Role == "developer" {
			continue
		}
		if msg.Role == "user" && msg.IsEnvironmentContext && !msg.IsShellCommandRecord && !msg.IsCompactionRecord {
			continue
		}
		out = append(out, msg)
	}
	return out
}

// spliceCanonicalContext inserts ctx immediately before the last user
// anchor in messages: the last real user message if one exists, else the
// last summary user message.
func spliceCanonicalContext(messages []Message, canonical []Message) []Message {
	if len(canonical) == 0 {
		return messages
	}
	anchor := -1
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == "user" && !messages[i].IsSummary {
			anchor = i
			break
		}
	}
	if anchor == -1 {
		for i := len(messages) - 1; i >= 0; i-- {
			if messages[i].Role == "user" && messages[i].IsSummary {
				anchor = i
				break
			}
		}
	}
	if anchor == -1 {
		return append(append([]Message(nil), canonical...), messages...)
	}

	out := make([]Message, 0, len(messages)+len(canonical))
	out = append(out, messages[:anchor]...)
	out = append(out, canonical...)
	out = append(out, messages[anchor:]...)
	return out
}

// ValidatePostCompactionInvariants checks the four post-compaction
// invariants listed in §4.8, returning a descriptive error on the first
// violation found. Intended for tests and defensive assertions, not the
// hot path.
func ValidatePostCompactionInvariants(history []Message) error {
	compactionRecords := 0
	summaryUsers := 0
	for _, msg := range history {
		if msg.IsCompactionRecord {
			compactionRecords++
		}
		if msg.Role == "user" && msg.IsSummary {
			summaryUsers++
		}
		if msg.Role == "developer" {
			return fmt.Errorf("developer message survived compaction unreinserted: %q", msg.Content)
		}
	}
	if compactionRecords == 0 {
		return fmt.Errorf("no Compaction item present after compaction")
	}
	if summaryUsers != 1 {
		return fmt.Errorf("expected exactly one summary user message, found %d", summaryUsers)
	}

	pendingToolCalls := map[string]bool{}
	for _, msg := range history {
		for _, p := range msg.Parts {
			switch p.Type {
			case "tool_use":
				pendingToolCalls[p.ToolID] = true
			case "tool_result":
				delete(pendingToolCalls, p.ToolID)
			}
		}
	}
	if len(pendingToolCalls) > 0 {
		ids := make([]string, 0, len(pendingToolCalls))
		for id := range pendingToolCalls {
			ids = append(ids, id)
		}
		return fmt.Errorf("tool call(s) %v survived compaction without matching results", ids)
	}
	return nil
}
