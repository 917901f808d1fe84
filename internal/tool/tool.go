package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/dcode-agent/dcode/internal/engineerr"
	"github.com/dcode-agent/dcode/internal/permission"
	"github.com/dcode-agent/dcode/internal/shellexec"
)

// ConcurrencySafety declares whether a tool may run concurrently with other
// in-flight tool calls (Safe) or must be serialized in session-global FIFO
// order (Unsafe). The zero value is Unsafe: a tool that forgets to declare
// itself safe is scheduled conservatively rather than racing.
type ConcurrencySafety int

const (
	Unsafe ConcurrencySafety = iota
	Safe
)

// DefaultMaxResultSizeChars is applied when a ToolDef leaves
// MaxResultSizeChars at zero.
const DefaultMaxResultSizeChars = 100_000

// DiffData holds before/after content for rendering side-by-side diffs
type DiffData struct {
	OldContent string `json:"old_content"`
	NewContent string `json:"new_content"`
	FilePath   string `json:"file_path,omitempty"`
	Language   string `json:"language,omitempty"`
	IsFragment bool   `json:"is_fragment,omitempty"` // true for edit (partial), false for write (full file)
}

// ToolResult represents the result of a tool execution
type ToolResult struct {
	Output       string           `json:"output"`
	IsError      bool             `json:"is_error"`
	Title        string           `json:"title,omitempty"`          // Optional title for tool output display
	Attachments  []FileAttachment `json:"attachments,omitempty"`    // File attachments (images, PDFs)
	DiffData     *DiffData        `json:"diff_data,omitempty"`      // Single diff (edit, write)
	DiffDataList []*DiffData      `json:"diff_data_list,omitempty"` // Multiple diffs (multiedit, patch)
	Truncated    bool             `json:"truncated,omitempty"`      // set by the single-pass truncation step
}

// FileAttachment represents a base64-encoded file attachment
type FileAttachment struct {
	ID        string `json:"id"`
	SessionID string `json:"session_id,omitempty"`
	MessageID string `json:"message_id,omitempty"`
	Type      string `json:"type"` // "file"
	MIME      string `json:"mime"` // e.g. "image/png", "application/pdf"
	URL       string `json:"url"`  // data URL: "data:<mime>;base64,<data>"
	Filename  string `json:"filename,omitempty"`
}

// QuestionAskFn matches question.go's existing interactive-question wiring.
// Kept as-is; the driver (out of scope) supplies it.

// ToolContext provides context for tool execution. The executor (C7) gets a
// fresh one per call from Scheduler.NewToolContext, so FeatureFlags, Mode and
// the shared stores hold whatever that callback sets; see internal/executor.
type ToolContext struct {
	SessionID     string
	MessageID     string
	WorkDir       string
	Abort         context.Context
	OnQuestion    QuestionAskFn
	Mode          permission.Mode
	ApprovalStore *permission.ApprovalStore
	FeatureFlags  map[string]bool
	RequesterID   string
	// Shell is the session's shared C5 executor (CWD tracking, snapshot
	// sourcing, background spawn); the bash and task tools use it instead
	// of spawning os/exec directly.
	Shell *shellexec.Executor
	// SubagentRunner drives the task tool's actual subagent turn (model
	// loop, tool registry, forked shell). Nothing in this repository sets
	// it; while it is nil the task tool returns an error result. When set,
	// the task tool defers entirely to this callback.
	SubagentRunner func(ctx context.Context, req SubagentRequest) (*ToolResult, error)
}

// SubagentRequest is what the task tool hands to the executor's
// SubagentRunner: everything needed to run an isolated subagent turn.
type SubagentRequest struct {
	AgentType string
	Prompt    string
	Shell     *shellexec.Executor
	Registry  *Registry
}

// FeatureEnabled reports whether tc carries a feature gate as enabled;
// tools with no FeatureGate set are never checked.
func (tc *ToolContext) FeatureEnabled(gate string) bool {
	if tc == nil || tc.FeatureFlags == nil {
		return false
	}
	return tc.FeatureFlags[gate]
}

// ToolDef defines a tool's full capability set (§3) and its lifecycle:
// Validate -> CheckPermission -> Execute -> PostProcess -> Cleanup. Only
// Execute is required; the rest default to the identity behavior described
// on each field.
type ToolDef struct {
	Name        string
	Description string
	Parameters  map[string]interface{}

	// ConcurrencySafety controls scheduling in C7: Safe tools run
	// immediately up to the concurrency cap, Unsafe tools are queued FIFO.
	ConcurrencySafety ConcurrencySafety
	// IsReadOnly feeds the permission pipeline's default stage (§4.1 step
	// 5) and Plan mode's tool filter (§4.1's mode overlay).
	IsReadOnly bool
	// FeatureGate, if non-empty, must be enabled in the ToolContext's
	// FeatureFlags or the call fails NotFound before validation.
	FeatureGate string
	// MaxResultSizeChars caps this tool's output before C7 combines it
	// with the model-level cap via min() in a single truncation pass. Zero
	// means DefaultMaxResultSizeChars.
	MaxResultSizeChars int

	// Validate checks input beyond JSON-schema structural validation
	// (which the registry already performs against Parameters). Nil means
	// always valid.
	Validate func(input map[string]interface{}) error

	// CheckPermission is the tool-specific pipeline stage (§4.1 step 3).
	// Nil means permission.Passthrough (defer to the rule-based stages).
	CheckPermission func(ctx context.Context, tc *ToolContext, input map[string]interface{}) permission.Result

	// Execute performs the tool's effect.
	Execute func(ctx context.Context, tc *ToolContext, input map[string]interface{}) (*ToolResult, error)

	// PostProcess runs only on a successful Execute, before truncation.
	// Nil means identity.
	PostProcess func(ctx context.Context, tc *ToolContext, result *ToolResult) *ToolResult

	// Cleanup always runs last, regardless of outcome. Nil means no-op.
	Cleanup func(ctx context.Context, tc *ToolContext)
}

// EffectiveMaxResultSizeChars returns t.MaxResultSizeChars or the default.
func (t *ToolDef) EffectiveMaxResultSizeChars() int {
	if t.MaxResultSizeChars > 0 {
		return t.MaxResultSizeChars
	}
	return DefaultMaxResultSizeChars
}

// schemaCache holds one compiled JSON Schema per tool name, built lazily
// from ToolDef.Parameters on first validation. Compilation failures (a
// malformed Parameters document) are treated as "no structural schema" —
// the tool-specific Validate hook still runs.
var (
	schemaCacheMu sync.Mutex
	schemaCache   = map[string]*jsonschema.Schema{}
)

func (t *ToolDef) compiledSchema() *jsonschema.Schema {
	schemaCacheMu.Lock()
	defer schemaCacheMu.Unlock()
	if s, ok := schemaCache[t.Name]; ok {
		return s
	}
	raw, err := json.Marshal(t.Parameters)
	if err != nil {
		schemaCache[t.Name] = nil
		return nil
	}
	compiler := jsonschema.NewCompiler()
	resource := t.Name + ".schema.json"
	if err := compiler.AddResource(resource, strings.NewReader(string(raw))); err != nil {
		schemaCache[t.Name] = nil
		return nil
	}
	s, err := compiler.Compile(resource)
	if err != nil {
		schemaCache[t.Name] = nil
		return nil
	}
	schemaCache[t.Name] = s
	return s
}

// RunValidate structurally validates input against t.Parameters (the JSON
// Schema the model was given) before applying t.Validate, the tool's
// semantic checks beyond what a schema can express (file existence,
// mutually exclusive fields, and the like).
func (t *ToolDef) RunValidate(input map[string]interface{}) error {
	if schema := t.compiledSchema(); schema != nil {
		if err := schema.Validate(input); err != nil {
			return engineerr.Wrap(engineerr.InvalidInput, err, "%s: input does not match schema", t.Name)
		}
	}
	if t.Validate == nil {
		return nil
	}
	return t.Validate(input)
}

// RunCheckPermission applies t.CheckPermission, defaulting to Passthrough.
func (t *ToolDef) RunCheckPermission(ctx context.Context, tc *ToolContext, input map[string]interface{}) permission.Result {
	if t.CheckPermission == nil {
		return permission.Result{Decision: permission.Passthrough}
	}
	return t.CheckPermission(ctx, tc, input)
}

// RunPostProcess applies t.PostProcess, defaulting to identity.
func (t *ToolDef) RunPostProcess(ctx context.Context, tc *ToolContext, result *ToolResult) *ToolResult {
	if t.PostProcess == nil {
		return result
	}
	return t.PostProcess(ctx, tc, result)
}

// RunCleanup applies t.Cleanup, defaulting to no-op.
func (t *ToolDef) RunCleanup(ctx context.Context, tc *ToolContext) {
	if t.Cleanup != nil {
		t.Cleanup(ctx, tc)
	}
}

// Registry manages all available tools (C3). The allowlist set by
// SetAllowedToolNames filters lookups only; Register still adds tools.
type Registry struct {
	mu      sync.RWMutex
	tools   map[string]*ToolDef
	allowed map[string]bool // nil/empty = no filter
}

var (
	globalRegistry *Registry
	once           sync.Once
)

// GetRegistry returns the global tool registry
func GetRegistry() *Registry {
	once.Do(func() {
		globalRegistry = &Registry{
			tools: make(map[string]*ToolDef),
		}
		registerBuiltinTools(globalRegistry)
	})
	return globalRegistry
}

// NewRegistry creates an independent registry (used by subagent forking,
// where the tool set may differ from the parent's).
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]*ToolDef)}
}

// Register adds a tool to the registry
func (r *Registry) Register(tool *ToolDef) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[tool.Name] = tool
}

// Get retrieves a tool by name, applying the allowlist filter if one is
// set. A tool absent from a non-empty allowlist is reported as not found,
// matching §4.3's "defense in depth against hallucinated calls."
func (r *Registry) Get(name string) (*ToolDef, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.allowed) > 0 && !r.allowed[name] {
		return nil, false
	}
	t, ok := r.tools[name]
	return t, ok
}

// GetUnfiltered bypasses the allowlist; used by the registry's own listing
// operations and by tests.
func (r *Registry) GetUnfiltered(name string) (*ToolDef, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// SetAllowedToolNames installs the positive filter described in §4.3. An
// empty set clears the filter (all registered tools are reachable).
func (r *Registry) SetAllowedToolNames(names []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(names) == 0 {
		r.allowed = nil
		return
	}
	r.allowed = make(map[string]bool, len(names))
	for _, n := range names {
		r.allowed[n] = true
	}
}

// IsAllowed reports whether name passes the current allowlist filter.
func (r *Registry) IsAllowed(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.allowed) == 0 {
		return true
	}
	return r.allowed[name]
}

// List returns all registered tool names
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	return names
}

// GetAll returns all registered tools
func (r *Registry) GetAll() map[string]*ToolDef {
	r.mu.RLock()
	defer r.mu.RUnlock()
	result := make(map[string]*ToolDef, len(r.tools))
	for k, v := range r.tools {
		result[k] = v
	}
	return result
}

// GetFiltered returns tools filtered by allowed names (empty = all)
func (r *Registry) GetFiltered(allowed []string) map[string]*ToolDef {
	if len(allowed) == 0 {
		return r.GetAll()
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	result := make(map[string]*ToolDef)
	for _, name := range allowed {
		if t, ok := r.tools[name]; ok {
			result[name] = t
		}
	}
	return result
}

// Execute runs a tool by name with the given input directly, bypassing the
// permission pipeline and scheduler. Used only by callers that have already
// cleared permission (e.g. the batch tool re-entering the registry for
// sub-calls it has itself gated). The streaming executor (C7) is the
// normal entry point and implements the full lifecycle in §4.7.
func (r *Registry) Execute(ctx context.Context, tc *ToolContext, name string, input map[string]interface{}) (*ToolResult, error) {
	t, ok := r.Get(name)
	if !ok {
		return &ToolResult{
			Output:  fmt.Sprintf("Unknown tool: %s. Available tools: %v", name, r.List()),
			IsError: true,
		}, nil
	}
	return t.Execute(ctx, tc, input)
}

// ToProviderTools converts registry tools to provider-compatible tool definitions
func (r *Registry) ToProviderTools(allowed []string) []ProviderTool {
	tools := r.GetFiltered(allowed)
	result := make([]ProviderTool, 0, len(tools))
	for _, t := range tools {
		result = append(result, ProviderTool{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: t.Parameters,
		})
	}
	return result
}

// ProviderTool is a simplified tool definition for LLM providers
type ProviderTool struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	InputSchema map[string]interface{} `json:"input_schema"`
}

// inferLanguage returns a language identifier based on file extension
func inferLanguage(path string) string {
	ext := strings.ToLower(filepath.Ext(path))
	langs := map[string]string{
		".go":    "go",
		".js":    "javascript",
		".ts":    "typescript",
		".tsx":   "tsx",
		".jsx":   "jsx",
		".py":    "python",
		".rb":    "ruby",
		".rs":    "rust",
		".java":  "java",
		".c":     "c",
		".cpp":   "cpp",
		".h":     "c",
		".hpp":   "cpp",
		".cs":    "csharp",
		".swift": "swift",
		".kt":    "kotlin",
		".lua":   "lua",
		".sh":    "bash",
		".bash":  "bash",
		".zsh":   "zsh",
		".fish":  "fish",
		".yaml":  "yaml",
		".yml":   "yaml",
		".json":  "json",
		".toml":  "toml",
		".xml":   "xml",
		".html":  "html",
		".css":   "css",
		".scss":  "scss",
		".sql":   "sql",
		".md":    "markdown",
		".proto": "protobuf",
		".tf":    "hcl",
		".vim":   "vim",
		".el":    "elisp",
		".ex":    "elixir",
		".exs":   "elixir",
		".zig":   "zig",
		".v":     "v",
		".dart":  "dart",
		".r":     "r",
		".R":     "r",
		".php":   "php",
		".pl":    "perl",
	}
	if lang, ok := langs[ext]; ok {
		return lang
	}
	return ""
}

// registerBuiltinTools registers all built-in tools
func registerBuiltinTools(r *Registry) {
	// Core file operations
	r.Register(ReadTool())
	r.Register(WriteTool())
	r.Register(EditTool())
	r.Register(MultiEditTool())
	r.Register(PatchTool())
	r.Register(ApplyPatchTool())

	// Shell and search
	r.Register(BashTool())
	r.Register(GlobTool())
	r.Register(GrepTool())
	r.Register(LsTool())
	r.Register(CodeSearchTool())

	// Web and external
	r.Register(WebFetchTool())
	r.Register(WebSearchTool())

	// Task management
	r.Register(TodoReadTool())
	r.Register(TodoWriteTool())
	r.Register(TaskTool())

	// Interactive
	r.Register(QuestionTool())

	// Skills
	r.Register(SkillTool())

	// Batch operations
	r.Register(BatchTool())

	// Plan mode
	r.Register(PlanEnterTool())
	r.Register(PlanExitTool())

	// Development tools
	r.Register(GitTool())
	r.Register(LSPTool())
	r.Register(DockerTool())
	r.Register(ImageTool())
}
