package permission

import "fmt"

// Evaluator runs the five-stage permission pipeline (§4.1) followed by the
// mode overlay. It is pure and side-effect free: given the same
// PipelineInput it always returns the same Result.
type Evaluator struct {
	rules *RuleSet
}

// NewEvaluator constructs an Evaluator backed by rs for compiled-glob
// caching.
func NewEvaluator(rs *RuleSet) *Evaluator {
	if rs == nil {
		rs = NewRuleSet()
	}
	return &Evaluator{rules: rs}
}

// Evaluate runs the pipeline stages in order, then applies in.Mode as an
// overlay on the pipeline's result, and never returns Passthrough.
func (e *Evaluator) Evaluate(in PipelineInput) Result {
	res := e.pipeline(in)
	return e.applyMode(in, res)
}

func (e *Evaluator) pipeline(in PipelineInput) Result {
	// Stage 1: Deny rules.
	for _, r := range in.Rules {
		if r.Action != RuleDeny {
			continue
		}
		if r.Matcher.matches(in.ToolName, in.ExtractedFilePath, in.ExtractedCommand, e.rules) {
			return Deny(r.Reason)
		}
	}

	// Stage 2: Ask rules.
	for _, r := range in.Rules {
		if r.Action != RuleAsk {
			continue
		}
		if r.Matcher.matches(in.ToolName, in.ExtractedFilePath, in.ExtractedCommand, e.rules) {
			return Ask(e.defaultRequest(in, r.Reason))
		}
	}

	// Stage 3: tool-specific check_permission.
	if in.ToolCheck.Decision != Passthrough {
		return in.ToolCheck
	}

	// Stage 4: Allow rules.
	for _, r := range in.Rules {
		if r.Action != RuleAllow {
			continue
		}
		if r.Matcher.matches(in.ToolName, in.ExtractedFilePath, in.ExtractedCommand, e.rules) {
			return Allow()
		}
	}

	// Stage 5: default.
	if in.ExtractedFilePath != "" && IsSensitiveFile(in.ExtractedFilePath) {
		return Ask(e.defaultRequest(in, fmt.Sprintf("%q looks like a credential file", in.ExtractedFilePath)))
	}
	if in.IsReadOnly {
		return Allow()
	}
	return Ask(e.defaultRequest(in, ""))
}

func (e *Evaluator) defaultRequest(in PipelineInput, reason string) ApprovalRequest {
	desc := in.ToolName
	if in.ExtractedCommand != "" {
		desc = in.ExtractedCommand
	} else if in.ExtractedFilePath != "" {
		desc = fmt.Sprintf("%s %s", in.ToolName, in.ExtractedFilePath)
	}
	req := ApprovalRequest{
		ToolName:              in.ToolName,
		Description:           desc,
		AllowRemember:         in.ProposedPrefix != "",
		ProposedPrefixPattern: in.ProposedPrefix,
	}
	if reason != "" {
		req.Risks = []string{reason}
	}
	return req
}

// applyMode implements §4.1's mode overlay, run after the five-stage
// pipeline produces its raw decision.
func (e *Evaluator) applyMode(in PipelineInput, res Result) Result {
	switch in.Mode {
	case ModeBypass:
		return Allow()

	case ModeDontAsk:
		if res.Decision == NeedsApproval {
			return Deny(fmt.Sprintf("DontAsk mode: permission prompt suppressed for %q: %s", in.ToolName, describeRequest(res.Request)))
		}
		return res

	case ModeAcceptEdits:
		if res.Decision == NeedsApproval {
			tools := in.ModeEditTools
			if tools == nil {
				tools = DefaultModeEditTools()
			}
			if tools[normalizeToolName(in.ToolName)] {
				return Allow()
			}
		}
		return res

	case ModePlan:
		allowed := in.PlanAllowedTools
		if allowed == nil {
			allowed = DefaultPlanAllowedTools()
		}
		if in.IsReadOnly || allowed[normalizeToolName(in.ToolName)] {
			return Allow()
		}
		if res.Decision == NeedsApproval || res.Decision == Allowed {
			return Deny("Plan mode: only read-only tools allowed")
		}
		return res

	default: // ModeDefault
		return res
	}
}

func normalizeToolName(name string) string {
	out := make([]rune, 0, len(name))
	for _, r := range name {
		if r >= 'A' && r <= 'Z' {
			r = r - 'A' + 'a'
		}
		out = append(out, r)
	}
	return string(out)
}

func describeRequest(req *ApprovalRequest) string {
	if req == nil {
		return ""
	}
	return req.Description
}

// ExtractFilePath implements §4.1.1: the "file_path" string argument, if
// present, else the "path" string argument.
func ExtractFilePath(input map[string]interface{}) string {
	if v, ok := input["file_path"].(string); ok {
		return v
	}
	if v, ok := input["path"].(string); ok {
		return v
	}
	return ""
}

// ExtractCommand implements §4.1.1 for shell-shaped tools: the "command"
// string, or a whitespace-join of the array form.
func ExtractCommand(input map[string]interface{}) string {
	if v, ok := input["command"].(string); ok {
		return v
	}
	if arr, ok := input["command"].([]interface{}); ok {
		parts := make([]string, 0, len(arr))
		for _, v := range arr {
			if s, ok := v.(string); ok {
				parts = append(parts, s)
			}
		}
		out := ""
		for i, p := range parts {
			if i > 0 {
				out += " "
			}
			out += p
		}
		return out
	}
	return ""
}

// ProposedPrefixPattern implements §4.1.1: for a shell tool,
// "<first-whitespace-token> *"; otherwise none.
func ProposedPrefixPattern(isShellTool bool, command string) string {
	if !isShellTool || command == "" {
		return ""
	}
	first := command
	for i, r := range command {
		if r == ' ' || r == '\t' {
			first = command[:i]
			break
		}
	}
	if first == "" {
		return ""
	}
	return first + " *"
}
