package tool

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/dcode-agent/dcode/internal/permission"
	"github.com/dcode-agent/dcode/internal/shellexec"
)

// BashTool executes shell commands through the session's shared shell
// executor (C5), which tracks CWD across calls via a marker-based probe.
func BashTool() *ToolDef {
	return &ToolDef{
		Name:              "bash",
		Description:       "Execute a shell command in the project directory. Default timeout: 120s.",
		ConcurrencySafety: Unsafe,
		IsReadOnly:        false,
		Parameters: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"command": map[string]interface{}{
					"type":        "string",
					"description": "The shell command to execute",
				},
				"timeout": map[string]interface{}{
					"type":        "integer",
					"description": "Timeout in seconds (default: 120)",
				},
				"description": map[string]interface{}{
					"type":        "string",
					"description": "Brief description of what the command does",
				},
			},
			"required": []string{"command"},
		},
		CheckPermission: func(ctx context.Context, tc *ToolContext, input map[string]interface{}) permission.Result {
			command, _ := input["command"].(string)
			if permission.IsSafeCommand(command) {
				return permission.Allow()
			}
			return permission.Result{Decision: permission.Passthrough}
		},
		Execute: func(ctx context.Context, tc *ToolContext, input map[string]interface{}) (*ToolResult, error) {
			command, _ := input["command"].(string)
			if command == "" {
				return &ToolResult{Output: "Error: command is required", IsError: true}, nil
			}

			timeoutSecs := 120
			if v, ok := input["timeout"].(float64); ok && v > 0 {
				timeoutSecs = int(v)
			}
			timeout := time.Duration(timeoutSecs) * time.Second

			exec := tc.Shell
			if exec == nil {
				exec = shellexec.New(tc.WorkDir)
			}

			res, err := exec.ExecuteWithCWDTracking(ctx, command, timeout)
			if err != nil {
				return &ToolResult{Output: fmt.Sprintf("Error running command: %v", err), IsError: true}, nil
			}

			if res.TimedOut {
				return &ToolResult{
					Output:  fmt.Sprintf("Command timed out after %d seconds.", timeoutSecs),
					IsError: true,
				}, nil
			}

			combined := res.Stdout
			if res.Stderr != "" {
				combined += "\n" + res.Stderr
			}
			if strings.TrimSpace(combined) == "" {
				combined = "(no output)"
			}

			if res.ExitCode != 0 {
				return &ToolResult{
					Output:  fmt.Sprintf("Command failed (exit code %d):\n%s", res.ExitCode, combined),
					IsError: true,
				}, nil
			}

			return &ToolResult{Output: combined}, nil
		},
	}
}
