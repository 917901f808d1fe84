// Package permission implements the permission evaluator (C1) and the
// session-scoped approval store (C2) of the agent execution engine: a pure,
// deterministic five-stage pipeline (deny/ask/tool/allow/default) layered
// with a permission-mode overlay, plus the cache of previously granted
// approvals that lets the pipeline skip re-prompting for patterns the user
// has already accepted.
package permission

import (
	"fmt"
	"strings"
)

// Mode is the session-wide overlay that can coerce pipeline outcomes.
type Mode string

const (
	ModeDefault     Mode = "default"
	ModeAcceptEdits Mode = "accept_edits"
	ModePlan        Mode = "plan"
	ModeDontAsk     Mode = "dont_ask"
	ModeBypass      Mode = "bypass"
)

// RuleAction is what a matched Rule produces.
type RuleAction string

const (
	RuleAllow RuleAction = "allow"
	RuleAsk   RuleAction = "ask"
	RuleDeny  RuleAction = "deny"
)

// RuleSource records provenance for audit and precedence display.
type RuleSource string

const (
	SourceUser    RuleSource = "user"
	SourceProject RuleSource = "project"
	SourceSession RuleSource = "session"
)

// Matcher is the left-hand side of a Rule: any non-empty field must match
// for the rule to apply; empty fields are wildcards.
type Matcher struct {
	ToolName      string
	PathGlob      string
	CommandPrefix string
}

// Rule is a single entry in the deny/ask/allow rule lists.
type Rule struct {
	Action  RuleAction
	Matcher Matcher
	Source  RuleSource
	Reason  string
}

// Decision is the outcome of evaluating the permission pipeline.
type Decision int

const (
	// Passthrough means "no opinion, defer to the next pipeline stage." It
	// is never returned as the pipeline's final decision; Evaluate resolves
	// it to Allowed or NeedsApproval before returning.
	Passthrough Decision = iota
	Allowed
	Denied
	NeedsApproval
)

func (d Decision) String() string {
	switch d {
	case Allowed:
		return "allowed"
	case Denied:
		return "denied"
	case NeedsApproval:
		return "needs_approval"
	default:
		return "passthrough"
	}
}

// ApprovalRequest describes a pending approval, surfaced to the external
// permission-requester collaborator.
type ApprovalRequest struct {
	RequestID             string
	ToolName              string
	Description           string
	Risks                 []string
	AllowRemember         bool
	ProposedPrefixPattern string
}

// ApprovalDecisionKind is the requester's reply.
type ApprovalDecisionKind int

const (
	ApprovalDenied ApprovalDecisionKind = iota
	ApprovalApproved
	ApprovalApprovedWithPrefix
)

// ApprovalDecision is the full reply: a kind plus, for
// ApprovalApprovedWithPrefix, the pattern to remember.
type ApprovalDecision struct {
	Kind          ApprovalDecisionKind
	PrefixPattern string
}

// Result is what Evaluate returns: a Decision plus context for Denied and
// NeedsApproval.
type Result struct {
	Decision Decision
	Reason   string
	Request  *ApprovalRequest
}

func Allow() Result { return Result{Decision: Allowed} }

func Deny(reason string) Result { return Result{Decision: Denied, Reason: reason} }

func Ask(req ApprovalRequest) Result {
	return Result{Decision: NeedsApproval, Request: &req}
}

// PipelineInput is everything Evaluate needs to run the five-stage pipeline
// plus the mode overlay for one tool call.
type PipelineInput struct {
	ToolName           string
	IsReadOnly         bool
	ExtractedFilePath  string
	ExtractedCommand   string
	ProposedPrefix     string
	Mode               Mode
	Rules              []Rule
	// ToolCheck is the result of the tool's own check_permission stage
	// (stage 3). Tools without an opinion pass permission.Passthrough.
	ToolCheck Result
	// PlanAllowedTools is the set of tool names permitted to execute under
	// ModePlan even though they are not read-only (plan-control tools).
	PlanAllowedTools map[string]bool
	// ModeEditTools is the set of tool names ModeAcceptEdits auto-approves.
	ModeEditTools map[string]bool
}

// DefaultModeEditTools is the spec's {Edit, Write, NotebookEdit, ApplyPatch}.
func DefaultModeEditTools() map[string]bool {
	return map[string]bool{
		"edit": true, "write": true, "notebookedit": true, "apply_patch": true,
	}
}

// DefaultPlanAllowedTools is the plan-control tool set: the tools that change
// plan-mode state itself, plus question. Read-only tools are not listed here.
func DefaultPlanAllowedTools() map[string]bool {
	return map[string]bool{
		"plan_enter": true, "plan_exit": true, "question": true,
	}
}

var (
	ErrPermissionDenied = fmt.Errorf("permission denied")
	ErrNoRequester       = fmt.Errorf("approval required but no permission requester is configured")
)

// matches reports whether m matches the given call attributes. Empty matcher
// fields are wildcards.
func (m Matcher) matches(toolName, filePath, command string, rs *RuleSet) bool {
	if m.ToolName != "" && !strings.EqualFold(m.ToolName, toolName) {
		return false
	}
	if m.PathGlob != "" {
		if filePath == "" || !rs.matchPathGlob(m.PathGlob, filePath) {
			return false
		}
	}
	if m.CommandPrefix != "" {
		if command == "" || !strings.HasPrefix(strings.TrimSpace(command), m.CommandPrefix) {
			return false
		}
	}
	return true
}
