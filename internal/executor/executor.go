// Package executor implements the streaming tool executor (C7): the
// scheduling core that receives ToolCalls in stream order, runs
// concurrency-safe tools immediately up to a cap, queues unsafe calls for
// sequential draining, and folds the permission pipeline (C1/C2), hook
// registry (C4), and result persistence (C6) into each call's dispatch.
package executor

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"sync"

	"github.com/google/uuid"

	"github.com/dcode-agent/dcode/internal/engineerr"
	"github.com/dcode-agent/dcode/internal/hook"
	"github.com/dcode-agent/dcode/internal/permission"
	"github.com/dcode-agent/dcode/internal/persist"
	"github.com/dcode-agent/dcode/internal/tool"
)

// MaxConcurrencyEnv overrides DefaultMaxConcurrency.
const MaxConcurrencyEnv = "COCODE_MAX_TOOL_USE_CONCURRENCY"

// DefaultMaxConcurrency is the concurrency cap M for Safe tools.
const DefaultMaxConcurrency = 10

// MaxConcurrency reads MaxConcurrencyEnv, falling back to DefaultMaxConcurrency.
func MaxConcurrency() int {
	if v := os.Getenv(MaxConcurrencyEnv); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return DefaultMaxConcurrency
}

// ToolCall is one scheduled invocation.
type ToolCall struct {
	CallID string
	Name   string
	Input  map[string]interface{}
}

// ToolExecutionResult is what drain() and execute_pending_unsafe() produce.
type ToolExecutionResult struct {
	CallID  string
	Name    string
	Result  *tool.ToolResult
	Err     error
	Aborted bool
}

// EventKind tags a lifecycle event.
type EventKind string

const (
	ToolUseQueued       EventKind = "tool_use_queued"
	ToolUseStarted      EventKind = "tool_use_started"
	ToolUseCompleted    EventKind = "tool_use_completed"
	ToolExecutionAbortedEvt EventKind = "tool_execution_aborted"
	HookExecuted        EventKind = "hook_executed"
)

// Event is emitted throughout a call's life; the driver subscribes via
// Scheduler.OnEvent.
type Event struct {
	Kind    EventKind
	CallID  string
	Name    string
	Input   map[string]interface{}
	Output  *tool.ToolResult
	IsError bool
	Reason  string
	HookName string
}

// Requester is the external permission-requester collaborator (§4.1 step 5
// of §4.7's dispatch): it prompts a human/UI for a NeedsApproval decision.
// Nil means no requester is configured.
type Requester interface {
	RequestApproval(ctx context.Context, req permission.ApprovalRequest) (permission.ApprovalDecision, error)
}

// PendingToolCall is a queued-but-not-yet-started call, tracked for
// unsafe/overflow draining.
type PendingToolCall struct {
	Call ToolCall
}

type activeHandle struct {
	cancel context.CancelFunc
	done   chan ToolExecutionResult
}

// Scheduler is the C7 scheduling core for one session/turn.
type Scheduler struct {
	Registry      *tool.Registry
	Rules         *permission.RuleSet
	RuleList      []permission.Rule
	Hooks         *hook.Registry
	Persist       *persist.Store
	Requester     Requester
	AllowedTools  map[string]bool // nil/empty = no filter
	ModelCapChars int             // model-level truncation cap; 0 = unbounded

	NewToolContext func(callID string) *tool.ToolContext

	maxConcurrency int
	onEvent        func(Event)

	mu            sync.Mutex
	active        map[string]*activeHandle
	pendingUnsafe []PendingToolCall
	completed     []ToolExecutionResult
	aborted       bool
}

// NewScheduler returns a Scheduler with M read from the environment.
func NewScheduler() *Scheduler {
	return &Scheduler{
		active:         make(map[string]*activeHandle),
		maxConcurrency: MaxConcurrency(),
	}
}

// OnEvent installs the event sink. Not safe to change concurrently with
// scheduling.
func (s *Scheduler) OnEvent(fn func(Event)) { s.onEvent = fn }

func (s *Scheduler) emit(e Event) {
	if s.onEvent != nil {
		s.onEvent(e)
	}
}

// OnToolComplete implements §4.7's on_tool_complete(call).
func (s *Scheduler) OnToolComplete(ctx context.Context, call ToolCall) {
	if call.CallID == "" {
		call.CallID = uuid.NewString()
	}

	if len(s.AllowedTools) > 0 && !s.AllowedTools[call.Name] {
		s.mu.Lock()
		s.completed = append(s.completed, ToolExecutionResult{
			CallID: call.CallID,
			Name:   call.Name,
			Result: &tool.ToolResult{Output: fmt.Sprintf("Unknown tool: %s", call.Name), IsError: true},
			Err:    engineerr.New(engineerr.NotFound, "tool %q is not in the allowed set", call.Name),
		})
		s.mu.Unlock()
		return
	}

	s.emit(Event{Kind: ToolUseQueued, CallID: call.CallID, Name: call.Name, Input: call.Input})

	t, ok := s.Registry.Get(call.Name)
	if !ok {
		s.mu.Lock()
		s.pendingUnsafe = append(s.pendingUnsafe, PendingToolCall{Call: call})
		s.mu.Unlock()
		return
	}

	s.mu.Lock()
	canStartNow := t.ConcurrencySafety == tool.Safe && len(s.active) < s.maxConcurrency
	if canStartNow {
		// reserved below by start()
	} else {
		s.pendingUnsafe = append(s.pendingUnsafe, PendingToolCall{Call: call})
	}
	s.mu.Unlock()

	if canStartNow {
		s.start(ctx, call)
	}
}

// start implements §4.7's start(call): spawn a goroutine that runs the
// pre-hook gate then executeToolInner. The per-call context is cancellable
// but adds no timeout; a call is bounded only by a deadline already on ctx.
func (s *Scheduler) start(ctx context.Context, call ToolCall) {
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan ToolExecutionResult, 1)

	s.mu.Lock()
	s.active[call.CallID] = &activeHandle{cancel: cancel, done: done}
	s.mu.Unlock()

	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- ToolExecutionResult{
					CallID: call.CallID,
					Name:   call.Name,
					Result: &tool.ToolResult{Output: fmt.Sprintf("internal error: %v", r), IsError: true},
					Err:    engineerr.New(engineerr.Internal, "tool %q panicked: %v", call.Name, r),
				}
			}
		}()

		preRes, err := s.Hooks.Run(runCtx, hook.Context{Event: hook.PreToolUse, ToolName: call.Name, CallID: call.CallID, Input: call.Input})
		if err != nil {
			done <- ToolExecutionResult{CallID: call.CallID, Name: call.Name, Err: engineerr.Wrap(engineerr.Internal, err, "pre-hook failed")}
			return
		}
		for _, hn := range preRes.Executed {
			s.emit(Event{Kind: HookExecuted, CallID: call.CallID, Name: call.Name, HookName: hn})
		}
		if preRes.Rejected {
			done <- ToolExecutionResult{
				CallID: call.CallID, Name: call.Name,
				Result: &tool.ToolResult{Output: fmt.Sprintf("Rejected by hook: %s", preRes.RejectReason), IsError: true},
				Err:    engineerr.New(engineerr.HookRejected, "%s", preRes.RejectReason),
			}
			return
		}
		call.Input = preRes.Input

		s.emit(Event{Kind: ToolUseStarted, CallID: call.CallID, Name: call.Name, Input: call.Input})

		tc := s.toolContext(call.CallID)
		result, execErr := s.executeToolInner(runCtx, call, tc)

		s.runPostHooks(runCtx, call, result, execErr)

		done <- ToolExecutionResult{CallID: call.CallID, Name: call.Name, Result: result, Err: execErr}
	}()
}

func (s *Scheduler) toolContext(callID string) *tool.ToolContext {
	if s.NewToolContext != nil {
		return s.NewToolContext(callID)
	}
	return &tool.ToolContext{}
}

func (s *Scheduler) runPostHooks(ctx context.Context, call ToolCall, result *tool.ToolResult, execErr error) {
	event := hook.PostToolUse
	if execErr != nil || (result != nil && result.IsError) {
		event = hook.PostToolUseFailure
	}
	postRes, err := s.Hooks.Run(ctx, hook.Context{
		Event: event, ToolName: call.Name, CallID: call.CallID, Input: call.Input,
		Result: result, Err: execErr,
	})
	if err != nil {
		return
	}
	for _, hn := range postRes.Executed {
		s.emit(Event{Kind: HookExecuted, CallID: call.CallID, Name: call.Name, HookName: hn})
	}
}

// executeToolInner implements §4.7's "Execution inner", the nine-step
// permission-and-dispatch pipeline shared by the concurrent and sequential
// paths.
func (s *Scheduler) executeToolInner(ctx context.Context, call ToolCall, tc *tool.ToolContext) (*tool.ToolResult, error) {
	t, ok := s.Registry.Get(call.Name)
	if !ok {
		return &tool.ToolResult{Output: fmt.Sprintf("Unknown tool: %s", call.Name), IsError: true},
			engineerr.New(engineerr.NotFound, "tool %q not found", call.Name)
	}

	if t.FeatureGate != "" && !tc.FeatureEnabled(t.FeatureGate) {
		return &tool.ToolResult{Output: fmt.Sprintf("Tool %q is not enabled", call.Name), IsError: true},
			engineerr.New(engineerr.NotFound, "tool %q is feature-gated off", call.Name)
	}

	if err := t.RunValidate(call.Input); err != nil {
		return &tool.ToolResult{Output: fmt.Sprintf("Invalid input: %v", err), IsError: true},
			engineerr.Wrap(engineerr.InvalidInput, err, "validating %q", call.Name)
	}

	toolCheck := t.RunCheckPermission(ctx, tc, call.Input)
	permResult := s.evaluatePermission(call, t, tc, toolCheck)

	switch permResult.Decision {
	case permission.Denied:
		return &tool.ToolResult{Output: fmt.Sprintf("Permission denied: %s", permResult.Reason), IsError: true},
			engineerr.New(engineerr.PermissionDenied, "%s", permResult.Reason)
	case permission.NeedsApproval:
		approved, err := s.resolveApproval(ctx, call, tc, permResult)
		if err != nil {
			return &tool.ToolResult{Output: err.Error(), IsError: true}, err
		}
		if !approved {
			return &tool.ToolResult{Output: "Permission denied by user", IsError: true},
				engineerr.New(engineerr.PermissionDenied, "user denied approval for %q", call.Name)
		}
	case permission.Allowed, permission.Passthrough:
		// proceed
	}

	result, err := t.Execute(ctx, tc, call.Input)
	if err != nil {
		return result, err
	}
	if result == nil {
		result = &tool.ToolResult{}
	}

	if !result.IsError {
		result = t.RunPostProcess(ctx, tc, result)
	}

	s.applyPersistence(call.CallID, result)
	s.truncate(t, result)

	t.RunCleanup(ctx, tc)

	return result, nil
}

func (s *Scheduler) evaluatePermission(call ToolCall, t *tool.ToolDef, tc *tool.ToolContext, toolCheck permission.Result) permission.Result {
	mode := tc.Mode
	if mode == "" {
		mode = permission.ModeDefault
	}
	filePath := permission.ExtractFilePath(call.Input)
	command := permission.ExtractCommand(call.Input)
	isShellTool := call.Name == "bash"

	return permission.NewEvaluator(s.Rules).Evaluate(permission.PipelineInput{
		ToolName:          call.Name,
		IsReadOnly:        t.IsReadOnly,
		ExtractedFilePath: filePath,
		ExtractedCommand:  command,
		ProposedPrefix:    permission.ProposedPrefixPattern(isShellTool, command),
		Mode:              mode,
		Rules:             s.RuleList,
		ToolCheck:         toolCheck,
		PlanAllowedTools:  permission.DefaultPlanAllowedTools(),
		ModeEditTools:     permission.DefaultModeEditTools(),
	})
}

// resolveApproval implements the NeedsApproval branch of §4.7 step 5: check
// the approval store, else round-trip through the Requester.
func (s *Scheduler) resolveApproval(ctx context.Context, call ToolCall, tc *tool.ToolContext, permResult permission.Result) (bool, error) {
	req := permResult.Request
	if req == nil {
		return false, engineerr.New(engineerr.Internal, "NeedsApproval result missing request for %q", call.Name)
	}

	if tc.ApprovalStore != nil && tc.ApprovalStore.IsApproved(call.Name, req.Description) {
		return true, nil
	}

	if s.Requester == nil {
		return false, engineerr.Sentinel(engineerr.PermissionDenied)
	}

	req.RequestID = call.CallID
	decision, err := s.Requester.RequestApproval(ctx, *req)
	if err != nil {
		return false, engineerr.Wrap(engineerr.Internal, err, "requesting approval for %q", call.Name)
	}

	switch decision.Kind {
	case permission.ApprovalApproved:
		if tc.ApprovalStore != nil {
			tc.ApprovalStore.Approve(call.Name, req.Description)
		}
		return true, nil
	case permission.ApprovalApprovedWithPrefix:
		if tc.ApprovalStore != nil {
			tc.ApprovalStore.Approve(call.Name, decision.PrefixPattern)
			if err := tc.ApprovalStore.Persist(call.Name, decision.PrefixPattern); err != nil {
				return true, nil // persistence failure doesn't undo the in-session approval
			}
		}
		return true, nil
	default:
		return false, nil
	}
}

func (s *Scheduler) applyPersistence(callID string, result *tool.ToolResult) {
	if s.Persist == nil || result.IsError {
		return
	}
	if !s.Persist.ShouldPersist(result.Output) {
		return
	}
	ref, err := s.Persist.Persist(callID, result.Output)
	if err != nil {
		return
	}
	result.Output = ref.SummaryText
}

// truncate applies §4.7 step 8: min(tool cap, model cap) in a single pass.
func (s *Scheduler) truncate(t *tool.ToolDef, result *tool.ToolResult) {
	limit := t.EffectiveMaxResultSizeChars()
	if s.ModelCapChars > 0 && s.ModelCapChars < limit {
		limit = s.ModelCapChars
	}
	if limit <= 0 || len(result.Output) <= limit {
		return
	}
	result.Output = result.Output[:limit] + "\n\n... (output truncated)"
	result.Truncated = true
}

// ExecutePendingUnsafe implements §4.7's execute_pending_unsafe(): drain the
// queue sequentially after the stream ends.
func (s *Scheduler) ExecutePendingUnsafe(ctx context.Context) {
	for {
		s.mu.Lock()
		if s.aborted || len(s.pendingUnsafe) == 0 {
			s.mu.Unlock()
			return
		}
		next := s.pendingUnsafe[0]
		s.pendingUnsafe = s.pendingUnsafe[1:]
		s.mu.Unlock()

		call := next.Call
		if len(s.AllowedTools) > 0 && !s.AllowedTools[call.Name] {
			s.mu.Lock()
			s.completed = append(s.completed, ToolExecutionResult{
				CallID: call.CallID, Name: call.Name,
				Result: &tool.ToolResult{Output: fmt.Sprintf("Unknown tool: %s", call.Name), IsError: true},
				Err:    engineerr.New(engineerr.NotFound, "tool %q is not in the allowed set", call.Name),
			})
			s.mu.Unlock()
			continue
		}

		tc := s.toolContext(call.CallID)
		preRes, err := s.Hooks.Run(ctx, hook.Context{Event: hook.PreToolUse, ToolName: call.Name, CallID: call.CallID, Input: call.Input})
		if err != nil {
			s.pushCompleted(ToolExecutionResult{CallID: call.CallID, Name: call.Name, Err: err})
			continue
		}
		if preRes.Rejected {
			s.pushCompleted(ToolExecutionResult{
				CallID: call.CallID, Name: call.Name,
				Result: &tool.ToolResult{Output: fmt.Sprintf("Rejected by hook: %s", preRes.RejectReason), IsError: true},
				Err:    engineerr.New(engineerr.HookRejected, "%s", preRes.RejectReason),
			})
			continue
		}
		call.Input = preRes.Input

		s.emit(Event{Kind: ToolUseStarted, CallID: call.CallID, Name: call.Name, Input: call.Input})
		result, execErr := s.executeToolInner(ctx, call, tc)
		s.runPostHooks(ctx, call, result, execErr)
		s.emit(Event{Kind: ToolUseCompleted, CallID: call.CallID, Name: call.Name, Output: result, IsError: execErr != nil})
		s.pushCompleted(ToolExecutionResult{CallID: call.CallID, Name: call.Name, Result: result, Err: execErr})
	}
}

func (s *Scheduler) pushCompleted(r ToolExecutionResult) {
	s.mu.Lock()
	s.completed = append(s.completed, r)
	s.mu.Unlock()
}

// Drain implements §4.7's drain(): await every active handle, then return
// and clear the consolidated completed list (including anything
// ExecutePendingUnsafe already appended).
func (s *Scheduler) Drain() []ToolExecutionResult {
	s.mu.Lock()
	handles := make(map[string]*activeHandle, len(s.active))
	for id, h := range s.active {
		handles[id] = h
	}
	s.mu.Unlock()

	for id, h := range handles {
		res := <-h.done
		s.emit(Event{Kind: ToolUseCompleted, CallID: res.CallID, Name: res.Name, Output: res.Result, IsError: res.Err != nil})
		s.mu.Lock()
		delete(s.active, id)
		s.completed = append(s.completed, res)
		s.mu.Unlock()
	}

	s.mu.Lock()
	out := s.completed
	s.completed = nil
	s.mu.Unlock()
	return out
}

// Abort implements §4.7's abort(call_id, reason): cancel one active call.
func (s *Scheduler) Abort(callID, reason string) {
	s.mu.Lock()
	h, ok := s.active[callID]
	s.mu.Unlock()
	if !ok {
		return
	}
	h.cancel()
	s.emit(Event{Kind: ToolExecutionAbortedEvt, CallID: callID, Reason: reason})
}

// AbortAll implements §4.7's abort_all(reason): cancel every active call and
// clear the pending queue.
func (s *Scheduler) AbortAll(reason string) {
	s.mu.Lock()
	s.aborted = true
	ids := make([]string, 0, len(s.active))
	for id := range s.active {
		ids = append(ids, id)
	}
	s.pendingUnsafe = nil
	s.mu.Unlock()

	for _, id := range ids {
		s.Abort(id, reason)
	}
	s.emit(Event{Kind: ToolExecutionAbortedEvt, Reason: reason})
}
