package executor

import (
	"context"
	"testing"
	"time"

	"github.com/dcode-agent/dcode/internal/hook"
	"github.com/dcode-agent/dcode/internal/permission"
	"github.com/dcode-agent/dcode/internal/tool"
)

func newTestScheduler(t *testing.T, reg *tool.Registry) *Scheduler {
	t.Helper()
	s := NewScheduler()
	s.Registry = reg
	s.Rules = permission.NewRuleSet()
	s.Hooks = hook.NewRegistry()
	s.NewToolContext = func(callID string) *tool.ToolContext {
		return &tool.ToolContext{Mode: permission.ModeBypass}
	}
	return s
}

func echoTool() *tool.ToolDef {
	return &tool.ToolDef{
		Name:              "echo",
		ConcurrencySafety: tool.Safe,
		IsReadOnly:        true,
		Execute: func(ctx context.Context, tc *tool.ToolContext, input map[string]interface{}) (*tool.ToolResult, error) {
			msg, _ := input["msg"].(string)
			return &tool.ToolResult{Output: msg}, nil
		},
	}
}

func TestSafeToolRunsImmediatelyAndDrains(t *testing.T) {
	reg := tool.NewRegistry()
	reg.Register(echoTool())
	s := newTestScheduler(t, reg)

	s.OnToolComplete(context.Background(), ToolCall{CallID: "1", Name: "echo", Input: map[string]interface{}{"msg": "hi"}})
	results := s.Drain()

	if len(results) != 1 || results[0].Result.Output != "hi" {
		t.Fatalf("unexpected results: %+v", results)
	}
}

func TestUnsafeToolQueuesUntilExecutePendingUnsafe(t *testing.T) {
	reg := tool.NewRegistry()
	reg.Register(&tool.ToolDef{
		Name:              "unsafe_echo",
		ConcurrencySafety: tool.Unsafe,
		Execute: func(ctx context.Context, tc *tool.ToolContext, input map[string]interface{}) (*tool.ToolResult, error) {
			return &tool.ToolResult{Output: "done"}, nil
		},
	})
	s := newTestScheduler(t, reg)

	s.OnToolComplete(context.Background(), ToolCall{CallID: "1", Name: "unsafe_echo"})
	if drained := s.Drain(); len(drained) != 0 {
		t.Fatalf("expected nothing drained before unsafe queue runs, got %+v", drained)
	}

	s.ExecutePendingUnsafe(context.Background())
	results := s.Drain()
	if len(results) != 1 || results[0].Result.Output != "done" {
		t.Fatalf("unexpected results: %+v", results)
	}
}

func TestUnknownToolFailsNotFound(t *testing.T) {
	reg := tool.NewRegistry()
	s := newTestScheduler(t, reg)
	s.OnToolComplete(context.Background(), ToolCall{CallID: "1", Name: "ghost"})
	s.ExecutePendingUnsafe(context.Background())
	results := s.Drain()
	if len(results) != 1 || results[0].Err == nil {
		t.Fatalf("expected NotFound failure, got %+v", results)
	}
}

func TestAllowedToolsFilterBlocksDisallowedCall(t *testing.T) {
	reg := tool.NewRegistry()
	reg.Register(echoTool())
	s := newTestScheduler(t, reg)
	s.AllowedTools = map[string]bool{"other": true}

	s.OnToolComplete(context.Background(), ToolCall{CallID: "1", Name: "echo"})
	results := s.Drain()
	if len(results) != 1 || results[0].Err == nil {
		t.Fatalf("expected filtered call to fail, got %+v", results)
	}
}

func TestPreHookRejectionStopsExecution(t *testing.T) {
	reg := tool.NewRegistry()
	ran := false
	reg.Register(&tool.ToolDef{
		Name:              "guarded",
		ConcurrencySafety: tool.Safe,
		Execute: func(ctx context.Context, tc *tool.ToolContext, input map[string]interface{}) (*tool.ToolResult, error) {
			ran = true
			return &tool.ToolResult{Output: "should not run"}, nil
		},
	})
	s := newTestScheduler(t, reg)
	s.Hooks.Add(&hook.Hook{
		Name: "blocker",
		Execute: func(ctx context.Context, hctx hook.Context) (hook.Outcome, error) {
			return hook.Outcome{Kind: hook.Reject, Reason: "blocked"}, nil
		},
	})

	s.OnToolComplete(context.Background(), ToolCall{CallID: "1", Name: "guarded"})
	results := s.Drain()
	if ran {
		t.Fatalf("expected tool not to run after pre-hook rejection")
	}
	if len(results) != 1 || results[0].Err == nil {
		t.Fatalf("expected rejection failure, got %+v", results)
	}
}

func TestDeniedPermissionFailsClosed(t *testing.T) {
	reg := tool.NewRegistry()
	reg.Register(echoTool())
	s := newTestScheduler(t, reg)
	s.NewToolContext = func(callID string) *tool.ToolContext {
		return &tool.ToolContext{Mode: permission.ModeDefault}
	}
	s.RuleList = []permission.Rule{{
		Action:  permission.RuleDeny,
		Matcher: permission.Matcher{ToolName: "echo"},
	}}

	s.OnToolComplete(context.Background(), ToolCall{CallID: "1", Name: "echo"})
	results := s.Drain()
	if len(results) != 1 || results[0].Err == nil {
		t.Fatalf("expected permission denial, got %+v", results)
	}
}

func TestTruncationAppliesMinOfCaps(t *testing.T) {
	reg := tool.NewRegistry()
	reg.Register(&tool.ToolDef{
		Name:              "big",
		ConcurrencySafety: tool.Safe,
		Execute: func(ctx context.Context, tc *tool.ToolContext, input map[string]interface{}) (*tool.ToolResult, error) {
			return &tool.ToolResult{Output: "0123456789"}, nil
		},
	})
	s := newTestScheduler(t, reg)
	s.ModelCapChars = 4

	s.OnToolComplete(context.Background(), ToolCall{CallID: "1", Name: "big"})
	results := s.Drain()
	if len(results) != 1 || !results[0].Result.Truncated {
		t.Fatalf("expected truncated result, got %+v", results)
	}
}

func TestAbortAllCancelsActiveAndClearsPending(t *testing.T) {
	reg := tool.NewRegistry()
	reg.Register(&tool.ToolDef{
		Name:              "slow",
		ConcurrencySafety: tool.Safe,
		Execute: func(ctx context.Context, tc *tool.ToolContext, input map[string]interface{}) (*tool.ToolResult, error) {
			select {
			case <-time.After(2 * time.Second):
				return &tool.ToolResult{Output: "too slow"}, nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		},
	})
	s := newTestScheduler(t, reg)

	s.OnToolComplete(context.Background(), ToolCall{CallID: "1", Name: "slow"})
	s.AbortAll("test abort")
	results := s.Drain()
	if len(results) != 1 || results[0].Err == nil {
		t.Fatalf("expected aborted call to surface an error, got %+v", results)
	}
}
