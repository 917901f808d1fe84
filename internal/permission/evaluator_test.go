package permission

import "testing"

func TestPipelineDenyBeforeAllow(t *testing.T) {
	e := NewEvaluator(nil)
	in := PipelineInput{
		ToolName: "write",
		Rules: []Rule{
			{Action: RuleDeny, Matcher: Matcher{ToolName: "write"}, Reason: "no writes"},
			{Action: RuleAllow, Matcher: Matcher{ToolName: "write"}},
		},
	}
	res := e.Evaluate(in)
	if res.Decision != Denied {
		t.Fatalf("want Denied, got %v", res.Decision)
	}
}

func TestPipelineDefaultReadOnlyAllowed(t *testing.T) {
	e := NewEvaluator(nil)
	res := e.Evaluate(PipelineInput{ToolName: "read", IsReadOnly: true})
	if res.Decision != Allowed {
		t.Fatalf("want Allowed, got %v", res.Decision)
	}
}

func TestPipelineDefaultWriteAsks(t *testing.T) {
	e := NewEvaluator(nil)
	res := e.Evaluate(PipelineInput{ToolName: "write", IsReadOnly: false})
	if res.Decision != NeedsApproval {
		t.Fatalf("want NeedsApproval, got %v", res.Decision)
	}
}

func TestBypassModeAlwaysAllows(t *testing.T) {
	e := NewEvaluator(nil)
	in := PipelineInput{
		ToolName: "write",
		Mode:     ModeBypass,
		Rules:    []Rule{{Action: RuleDeny, Matcher: Matcher{ToolName: "write"}}},
	}
	if res := e.Evaluate(in); res.Decision != Allowed {
		t.Fatalf("want Allowed under Bypass, got %v", res.Decision)
	}
}

func TestDontAskModeConvertsNeedsApprovalToDenied(t *testing.T) {
	e := NewEvaluator(nil)
	in := PipelineInput{ToolName: "write", Mode: ModeDontAsk}
	res := e.Evaluate(in)
	if res.Decision != Denied {
		t.Fatalf("want Denied, got %v", res.Decision)
	}
}

func TestAcceptEditsAllowsEditTool(t *testing.T) {
	e := NewEvaluator(nil)
	in := PipelineInput{ToolName: "edit", Mode: ModeAcceptEdits}
	res := e.Evaluate(in)
	if res.Decision != Allowed {
		t.Fatalf("want Allowed, got %v", res.Decision)
	}
}

func TestPlanModeDeniesWrites(t *testing.T) {
	e := NewEvaluator(nil)
	in := PipelineInput{ToolName: "write", Mode: ModePlan, IsReadOnly: false}
	res := e.Evaluate(in)
	if res.Decision != Denied || res.Reason == "" {
		t.Fatalf("want Denied with reason, got %v %q", res.Decision, res.Reason)
	}
}

func TestPlanModeAllowsReadOnly(t *testing.T) {
	e := NewEvaluator(nil)
	in := PipelineInput{ToolName: "read", Mode: ModePlan, IsReadOnly: true}
	res := e.Evaluate(in)
	if res.Decision != Allowed {
		t.Fatalf("want Allowed, got %v", res.Decision)
	}
}

func TestApprovalStorePrefixMatch(t *testing.T) {
	s := NewApprovalStore(nil)
	s.Approve("bash", "git *")
	if !s.IsApproved("bash", "git status") {
		t.Fatalf("expected git status to match prefix pattern")
	}
	if s.IsApproved("bash", "rm -rf /") {
		t.Fatalf("unexpected match for unrelated command")
	}
}

func TestApprovalStoreExactMatch(t *testing.T) {
	s := NewApprovalStore(nil)
	s.Approve("webfetch", "https://example.com/page")
	if !s.IsApproved("webfetch", "https://example.com/page") {
		t.Fatalf("expected exact match")
	}
	if s.IsApproved("webfetch", "https://example.com/other") {
		t.Fatalf("unexpected match for a different URL")
	}
}

func TestExtractCommandArrayForm(t *testing.T) {
	cmd := ExtractCommand(map[string]interface{}{"command": []interface{}{"git", "push", "origin", "main"}})
	if cmd != "git push origin main" {
		t.Fatalf("got %q", cmd)
	}
}

func TestProposedPrefixPattern(t *testing.T) {
	if got := ProposedPrefixPattern(true, "git push origin main"); got != "git *" {
		t.Fatalf("got %q", got)
	}
	if got := ProposedPrefixPattern(false, "git push"); got != "" {
		t.Fatalf("want empty for non-shell tool, got %q", got)
	}
}
