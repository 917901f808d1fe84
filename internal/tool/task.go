package tool

import (
	"context"
	"fmt"
)

// TaskTool spawns a subtask/subagent for parallel work. Isolation follows
// the original's parent_selections model: a forked shell executor (fresh
// background-task registry, non-tracking CWD) and its own tool registry are
// the only isolation the core provides; the actual turn is driven by
// tc.SubagentRunner, and the tool returns an error result when it is nil.
func TaskTool() *ToolDef {
	return &ToolDef{
		Name:              "task",
		Description:       "Spawn a subtask as a separate agent session for parallel work.",
		ConcurrencySafety: Unsafe,
		IsReadOnly:        false,
		Parameters: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"prompt": map[string]interface{}{
					"type":        "string",
					"description": "Detailed instructions for the subtask agent",
				},
				"agent": map[string]interface{}{
					"type":        "string",
					"description": "Agent type to use: 'explorer' (fast read-only), 'researcher' (general purpose). Default: explorer",
					"enum":        []string{"explorer", "researcher"},
				},
			},
			"required": []string{"prompt"},
		},
		Execute: func(ctx context.Context, tc *ToolContext, input map[string]interface{}) (*ToolResult, error) {
			prompt, _ := input["prompt"].(string)
			if prompt == "" {
				return &ToolResult{Output: "Error: prompt is required", IsError: true}, nil
			}

			agentType := "explorer"
			if v, ok := input["agent"].(string); ok && v != "" {
				agentType = v
			}

			if tc.SubagentRunner == nil {
				return &ToolResult{
					Output:  fmt.Sprintf("Error: no subagent runner configured; cannot spawn %q task", agentType),
					IsError: true,
				}, nil
			}

			subShell := tc.Shell
			if subShell != nil {
				subShell = subShell.ForkForSubagent()
			}
			subRegistry := NewRegistry()
			for _, t := range GetRegistry().GetAll() {
				if agentType == "explorer" && !t.IsReadOnly {
					continue
				}
				subRegistry.Register(t)
			}

			return tc.SubagentRunner(ctx, SubagentRequest{
				AgentType: agentType,
				Prompt:    prompt,
				Shell:     subShell,
				Registry:  subRegistry,
			})
		},
	}
}
