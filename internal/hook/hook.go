// Package hook implements the hook registry (C4): an ordered set of
// lifecycle hooks for the PreToolUse, PostToolUse, and PostToolUseFailure
// events, each returning an outcome the streaming tool executor (C7) folds
// into the call's dispatch.
package hook

import (
	"context"
	"fmt"
	"sync"
)

// Event identifies which lifecycle point a hook ran at.
type Event string

const (
	PreToolUse          Event = "pre_tool_use"
	PostToolUse         Event = "post_tool_use"
	PostToolUseFailure  Event = "post_tool_use_failure"
)

// OutcomeKind is the tag of a hook's Outcome.
type OutcomeKind int

const (
	Continue OutcomeKind = iota
	ContinueWithContext
	Reject
	ModifyInput
	Async
)

// Outcome is a single hook's verdict for one event.
type Outcome struct {
	Kind OutcomeKind

	// Reason is set for Reject.
	Reason string
	// AddedContext is set for ContinueWithContext: text appended to the
	// tool's context without altering its input.
	AddedContext string
	// NewInput is set for ModifyInput.
	NewInput map[string]interface{}
	// TaskID/HookName are set for Async; the eventual result is surfaced
	// out-of-band via the AsyncTracker, never inline.
	TaskID   string
	HookName string
}

// Context is what a hook receives: the tool call it is reacting to, plus
// whatever result/error is relevant for post-events.
type Context struct {
	Event     Event
	ToolName  string
	CallID    string
	Input     map[string]interface{}
	SessionID string

	// Result/Err are populated for PostToolUse/PostToolUseFailure only.
	Result interface{}
	Err    error
}

// Hook is a single lifecycle hook. Name is used in HookExecuted events and
// in async-result labeling.
type Hook struct {
	Name    string
	Events  map[Event]bool
	Execute func(ctx context.Context, hctx Context) (Outcome, error)
}

// AppliesTo reports whether h should run for the given event.
func (h *Hook) AppliesTo(e Event) bool {
	if len(h.Events) == 0 {
		return true
	}
	return h.Events[e]
}

// AsyncResult is the eventual outcome of an Async hook, surfaced later via
// Drain rather than inline with the tool call that spawned it.
type AsyncResult struct {
	TaskID   string
	HookName string
	CallID   string
	Message  string
	Err      error
}

// AsyncTracker holds results of in-flight Async hook outcomes until a later
// system-reminder-style delivery point drains them.
type AsyncTracker struct {
	mu      sync.Mutex
	pending map[string]struct{}
	done    []AsyncResult
}

func NewAsyncTracker() *AsyncTracker {
	return &AsyncTracker{pending: make(map[string]struct{})}
}

// Track registers taskID as outstanding.
func (t *AsyncTracker) Track(taskID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pending[taskID] = struct{}{}
}

// Complete records the result for a previously tracked task id.
func (t *AsyncTracker) Complete(res AsyncResult) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.pending, res.TaskID)
	t.done = append(t.done, res)
}

// Drain returns and clears all completed async results, for the driver to
// fold into the next system reminder.
func (t *AsyncTracker) Drain() []AsyncResult {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := t.done
	t.done = nil
	return out
}

// Registry runs hooks in declaration order for a given event and folds
// their outcomes per §4.4.
type Registry struct {
	mu    sync.RWMutex
	hooks []*Hook
	async *AsyncTracker
}

// NewRegistry returns an empty registry backed by its own AsyncTracker.
func NewRegistry() *Registry {
	return &Registry{async: NewAsyncTracker()}
}

// AsyncTracker exposes the registry's tracker so the driver can Drain it.
func (r *Registry) AsyncTracker() *AsyncTracker { return r.async }

// Add appends h to the declaration-ordered hook list.
func (r *Registry) Add(h *Hook) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hooks = append(r.hooks, h)
}

// RunResult is the folded effect of running every applicable hook for one
// event.
type RunResult struct {
	// Rejected is true if any hook returned Reject.
	Rejected     bool
	RejectReason string
	// Input is the (possibly modified) input after all ModifyInput hooks
	// have been applied in order; only meaningful for PreToolUse.
	Input map[string]interface{}
	// AddedContext accumulates every ContinueWithContext hook's text.
	AddedContext []string
	Executed     []string
}

// Run executes every hook that applies to hctx.Event in declaration order
// and folds their outcomes. Pre-hooks complete before the caller proceeds;
// rejection is fail-closed (the first Reject stops further hook execution
// for PreToolUse, since the call is already aborted). Post-event rejections
// are logged (returned in RunResult) but never alter the result.
func (r *Registry) Run(ctx context.Context, hctx Context) (RunResult, error) {
	r.mu.RLock()
	hooks := make([]*Hook, len(r.hooks))
	copy(hooks, r.hooks)
	r.mu.RUnlock()

	res := RunResult{Input: hctx.Input}
	for _, h := range hooks {
		if !h.AppliesTo(hctx.Event) {
			continue
		}
		hctx.Input = res.Input
		outcome, err := h.Execute(ctx, hctx)
		if err != nil {
			return res, fmt.Errorf("hook %q failed: %w", h.Name, err)
		}
		res.Executed = append(res.Executed, h.Name)

		switch outcome.Kind {
		case Continue:
			// no-op
		case ContinueWithContext:
			res.AddedContext = append(res.AddedContext, outcome.AddedContext)
		case Reject:
			res.Rejected = true
			res.RejectReason = outcome.Reason
			if hctx.Event == PreToolUse {
				return res, nil
			}
		case ModifyInput:
			if hctx.Event == PreToolUse && outcome.NewInput != nil {
				res.Input = outcome.NewInput
			}
		case Async:
			r.async.Track(outcome.TaskID)
		}
	}
	return res, nil
}
