package hook

import (
	"context"
	"testing"
)

func TestPreHookRejectStopsExecution(t *testing.T) {
	r := NewRegistry()
	ran := []string{}
	r.Add(&Hook{Name: "first", Execute: func(ctx context.Context, hctx Context) (Outcome, error) {
		ran = append(ran, "first")
		return Outcome{Kind: Reject, Reason: "nope"}, nil
	}})
	r.Add(&Hook{Name: "second", Execute: func(ctx context.Context, hctx Context) (Outcome, error) {
		ran = append(ran, "second")
		return Outcome{Kind: Continue}, nil
	}})

	res, err := r.Run(context.Background(), Context{Event: PreToolUse, ToolName: "write"})
	if err != nil {
		t.Fatal(err)
	}
	if !res.Rejected || res.RejectReason != "nope" {
		t.Fatalf("expected rejection, got %+v", res)
	}
	if len(ran) != 1 {
		t.Fatalf("expected only the rejecting hook to run, got %v", ran)
	}
}

func TestPreHookModifyInput(t *testing.T) {
	r := NewRegistry()
	r.Add(&Hook{Name: "rewrite", Execute: func(ctx context.Context, hctx Context) (Outcome, error) {
		return Outcome{Kind: ModifyInput, NewInput: map[string]interface{}{"path": "rewritten"}}, nil
	}})
	res, err := r.Run(context.Background(), Context{
		Event: PreToolUse,
		Input: map[string]interface{}{"path": "original"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.Input["path"] != "rewritten" {
		t.Fatalf("expected modified input, got %v", res.Input)
	}
}

func TestPostHookRejectDoesNotAbort(t *testing.T) {
	r := NewRegistry()
	r.Add(&Hook{Name: "audit", Execute: func(ctx context.Context, hctx Context) (Outcome, error) {
		return Outcome{Kind: Reject, Reason: "logged only"}, nil
	}})
	res, err := r.Run(context.Background(), Context{Event: PostToolUse})
	if err != nil {
		t.Fatal(err)
	}
	if !res.Rejected {
		t.Fatalf("expected Rejected flag set for visibility even though post-hooks fail open")
	}
}

func TestAsyncOutcomeTracked(t *testing.T) {
	r := NewRegistry()
	r.Add(&Hook{Name: "bg", Execute: func(ctx context.Context, hctx Context) (Outcome, error) {
		return Outcome{Kind: Async, TaskID: "t1", HookName: "bg"}, nil
	}})
	if _, err := r.Run(context.Background(), Context{Event: PreToolUse}); err != nil {
		t.Fatal(err)
	}
	r.AsyncTracker().Complete(AsyncResult{TaskID: "t1", HookName: "bg", Message: "done"})
	results := r.AsyncTracker().Drain()
	if len(results) != 1 || results[0].Message != "done" {
		t.Fatalf("expected drained async result, got %+v", results)
	}
	if more := r.AsyncTracker().Drain(); len(more) != 0 {
		t.Fatalf("expected drain to clear, got %+v", more)
	}
}
