package tool

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	golsp "github.com/sourcegraph/go-lsp"

	"github.com/dcode-agent/dcode/internal/lsp"
)

// LSPTool provides Language Server Protocol operations for code intelligence.
// gopls gets a fast CLI path (no wire protocol needed); every other
// configured server goes through internal/lsp's Pool/Client, which owns
// the FileTracker, LRU cap, symbol cache, and capability gating (C10).
func LSPTool() *ToolDef {
	return &ToolDef{
		Name:              "LSP",
		Description:       "Query language servers for definitions, references, hover info, symbols, and diagnostics.",
		ConcurrencySafety: Safe,
		IsReadOnly:        true,
		FeatureGate:       "lsp",
		Parameters: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"operation": map[string]interface{}{
					"type":        "string",
					"description": "LSP operation to perform",
					"enum": []string{
						"definition",
						"references",
						"hover",
						"symbols",
						"workspace_symbols",
						"diagnostics",
						"format",
						"rename",
						"server_info",
					},
				},
				"file":     map[string]interface{}{"type": "string", "description": "File path for the operation"},
				"line":     map[string]interface{}{"type": "number", "description": "Line number (1-indexed) for position-based operations"},
				"column":   map[string]interface{}{"type": "number", "description": "Column number (1-indexed) for position-based operations"},
				"query":    map[string]interface{}{"type": "string", "description": "Search query for workspace symbols"},
				"new_name": map[string]interface{}{"type": "string", "description": "New name for rename operation"},
			},
			"required": []string{"operation"},
		},
		Execute: executeLSP,
	}
}

// ─── Language server detection ───────────────────────────────────────────────

type lspServerDef struct {
	binary string
	args   []string
}

func detectLSPServerForFile(file string) *lspServerDef {
	ext := strings.ToLower(filepath.Ext(file))
	candidates := map[string]*lspServerDef{
		".go":   {binary: "gopls"},
		".ts":   {binary: "typescript-language-server", args: []string{"--stdio"}},
		".tsx":  {binary: "typescript-language-server", args: []string{"--stdio"}},
		".js":   {binary: "typescript-language-server", args: []string{"--stdio"}},
		".jsx":  {binary: "typescript-language-server", args: []string{"--stdio"}},
		".py":   {binary: "pylsp"},
		".rs":   {binary: "rust-analyzer"},
		".c":    {binary: "clangd"},
		".cpp":  {binary: "clangd"},
		".cc":   {binary: "clangd"},
		".h":    {binary: "clangd"},
		".hpp":  {binary: "clangd"},
		".java": {binary: "jdtls"},
		".rb":   {binary: "solargraph", args: []string{"stdio"}},
		".php":  {binary: "phpactor", args: []string{"language-server"}},
		".lua":  {binary: "lua-language-server"},
	}
	def, ok := candidates[ext]
	if !ok || !isCommandAvailable(def.binary) {
		return nil
	}
	return def
}

// lspPools holds one internal/lsp.Pool per workdir, so repeated tool calls
// within a session reuse the same spawned servers (and their FileTracker
// caches) instead of redialing per call.
var (
	lspPoolsMu sync.Mutex
	lspPools   = map[string]*lsp.Pool{}
)

func poolFor(workDir string) *lsp.Pool {
	lspPoolsMu.Lock()
	defer lspPoolsMu.Unlock()
	if p, ok := lspPools[workDir]; ok {
		return p
	}
	p := lsp.NewPool(func(language string) (lsp.Transport, error) {
		// language is the server binary (see languageOf); find its
		// definition through an extension that maps to it.
		var srv *lspServerDef
		for _, ext := range []string{"go", "ts", "py", "rs", "c", "java", "rb", "php", "lua"} {
			if d := detectLSPServerForFile("x." + ext); d != nil && d.binary == language {
				srv = d
				break
			}
		}
		if srv == nil {
			return nil, fmt.Errorf("no language server available for %s", language)
		}
		return dialStdioServer(srv, workDir)
	})
	lspPools[workDir] = p
	return p
}

func executeLSP(ctx context.Context, tc *ToolContext, input map[string]interface{}) (*ToolResult, error) {
	operation, ok := input["operation"].(string)
	if !ok {
		return &ToolResult{Output: "operation parameter is required", IsError: true}, nil
	}
	if operation == "server_info" {
		return getServerInfo(tc.WorkDir)
	}

	file, _ := input["file"].(string)
	if file == "" && operation != "workspace_symbols" {
		return &ToolResult{Output: "file parameter is required for this operation", IsError: true}, nil
	}
	if file != "" && !filepath.IsAbs(file) {
		file = filepath.Join(tc.WorkDir, file)
	}

	srv := detectLSPServerForFile(file)
	if srv == nil && file != "" {
		return &ToolResult{
			Output:  fmt.Sprintf("no language server found for file %s.\nRun 'LSP {\"operation\":\"server_info\"}' to see installation instructions.", file),
			IsError: true,
		}, nil
	}

	line, _ := input["line"].(float64)
	col, _ := input["column"].(float64)

	switch operation {
	case "definition":
		if srv.binary == "gopls" {
			if line == 0 || col == 0 {
				return &ToolResult{Output: "line and column are required for definition", IsError: true}, nil
			}
			return goplsRun(ctx, tc.WorkDir, "definition", fmt.Sprintf("%s:%d:%d", file, int(line), int(col)))
		}
		return withClient(ctx, tc, srv, file, func(c *lsp.Client, line, col float64) (*ToolResult, error) {
			locs, err := c.Definition(ctx, file, position(line, col))
			return locationResult(locs, err)
		}, input)
	case "references":
		if srv.binary == "gopls" {
			if line == 0 || col == 0 {
				return &ToolResult{Output: "line and column are required for references", IsError: true}, nil
			}
			return goplsRun(ctx, tc.WorkDir, "references", fmt.Sprintf("%s:%d:%d", file, int(line), int(col)))
		}
		return withClient(ctx, tc, srv, file, func(c *lsp.Client, line, col float64) (*ToolResult, error) {
			locs, err := c.References(ctx, file, position(line, col), true)
			return locationResult(locs, err)
		}, input)
	case "hover":
		if srv.binary == "gopls" {
			if line == 0 || col == 0 {
				return &ToolResult{Output: "line and column are required for hover", IsError: true}, nil
			}
			return goplsRun(ctx, tc.WorkDir, "hover", fmt.Sprintf("%s:%d:%d", file, int(line), int(col)))
		}
		return withClient(ctx, tc, srv, file, func(c *lsp.Client, line, col float64) (*ToolResult, error) {
			hover, err := c.Hover(ctx, file, position(line, col))
			if err != nil {
				return &ToolResult{Output: err.Error(), IsError: true}, nil
			}
			out, _ := json.MarshalIndent(hover, "", "  ")
			return &ToolResult{Output: string(out)}, nil
		}, input)
	case "symbols":
		return executeSymbols(ctx, tc, srv, file)
	case "workspace_symbols":
		return executeWorkspaceSymbols(ctx, tc, input)
	case "diagnostics":
		return executeDiagnostics(ctx, tc, srv, file)
	case "format":
		return executeFormat(ctx, tc, srv, file)
	case "rename":
		return executeRename(ctx, tc, srv, file, input)
	default:
		return &ToolResult{Output: fmt.Sprintf("unknown LSP operation: %s", operation), IsError: true}, nil
	}
}

// ─── gopls CLI helpers (fast, no wire protocol needed) ───────────────────────

func goplsRun(ctx context.Context, workDir string, args ...string) (*ToolResult, error) {
	cmd := exec.CommandContext(ctx, "gopls", args...)
	cmd.Dir = workDir
	out, err := cmd.CombinedOutput()
	output := strings.TrimSpace(string(out))
	if err != nil && output == "" {
		return &ToolResult{Output: fmt.Sprintf("gopls error: %v", err), IsError: true}, nil
	}
	return &ToolResult{Output: output}, nil
}

func position(line, col float64) golsp.Position {
	return golsp.Position{Line: int(line) - 1, Character: int(col) - 1}
}

func locationResult(locs []golsp.Location, err error) (*ToolResult, error) {
	if err != nil {
		return &ToolResult{Output: err.Error(), IsError: true}, nil
	}
	out, _ := json.MarshalIndent(locs, "", "  ")
	return &ToolResult{Output: string(out)}, nil
}

// withClient resolves line/column, dials (or reuses) the pool's client for
// srv's language, opens file if needed, and runs fn. gopls goes through the
// CLI fast path for definition/references/hover since it doesn't need the
// wire protocol at all.
func withClient(ctx context.Context, tc *ToolContext, srv *lspServerDef, file string, fn func(c *lsp.Client, line, col float64) (*ToolResult, error), input map[string]interface{}) (*ToolResult, error) {
	line, _ := input["line"].(float64)
	col, _ := input["column"].(float64)
	if line == 0 || col == 0 {
		return &ToolResult{Output: "line and column are required for this operation", IsError: true}, nil
	}

	pool := poolFor(tc.WorkDir)
	client, err := pool.Client(ctx, languageOf(srv), golsp.DocumentURI(fileURI(tc.WorkDir)))
	if err != nil {
		return &ToolResult{Output: err.Error(), IsError: true}, nil
	}
	content, err := os.ReadFile(file)
	if err != nil {
		return &ToolResult{Output: fmt.Sprintf("read file: %v", err), IsError: true}, nil
	}
	_ = client.OpenFile(ctx, file, string(content), inferLanguage(file))
	return fn(client, line, col)
}

func languageOf(srv *lspServerDef) string {
	return srv.binary
}

func executeSymbols(ctx context.Context, tc *ToolContext, srv *lspServerDef, file string) (*ToolResult, error) {
	if srv.binary == "gopls" {
		return goplsRun(ctx, tc.WorkDir, "symbols", file)
	}
	pool := poolFor(tc.WorkDir)
	client, err := pool.Client(ctx, languageOf(srv), golsp.DocumentURI(fileURI(tc.WorkDir)))
	if err != nil {
		return &ToolResult{Output: err.Error(), IsError: true}, nil
	}
	content, err := os.ReadFile(file)
	if err != nil {
		return &ToolResult{Output: fmt.Sprintf("read file: %v", err), IsError: true}, nil
	}
	_ = client.OpenFile(ctx, file, string(content), inferLanguage(file))
	symbols, err := client.DocumentSymbols(ctx, file)
	if err != nil {
		return &ToolResult{Output: err.Error(), IsError: true}, nil
	}
	out, _ := json.MarshalIndent(symbols, "", "  ")
	return &ToolResult{Output: string(out)}, nil
}

func executeWorkspaceSymbols(ctx context.Context, tc *ToolContext, input map[string]interface{}) (*ToolResult, error) {
	query, _ := input["query"].(string)
	if query == "" {
		return &ToolResult{Output: "query parameter is required for workspace_symbols", IsError: true}, nil
	}
	if isCommandAvailable("gopls") {
		return goplsRun(ctx, tc.WorkDir, "workspace_symbol", query)
	}
	return &ToolResult{Output: "no language server available for workspace symbols", IsError: true}, nil
}

func executeDiagnostics(ctx context.Context, tc *ToolContext, srv *lspServerDef, file string) (*ToolResult, error) {
	if srv.binary == "gopls" {
		return goplsRun(ctx, tc.WorkDir, "check", file)
	}
	return &ToolResult{Output: "diagnostics are only available through gopls in this build", IsError: true}, nil
}

func executeFormat(ctx context.Context, tc *ToolContext, srv *lspServerDef, file string) (*ToolResult, error) {
	if srv.binary == "gopls" {
		return goplsRun(ctx, tc.WorkDir, "format", file)
	}
	return &ToolResult{Output: "format is only available through gopls in this build", IsError: true}, nil
}

func executeRename(ctx context.Context, tc *ToolContext, srv *lspServerDef, file string, input map[string]interface{}) (*ToolResult, error) {
	line, _ := input["line"].(float64)
	col, _ := input["column"].(float64)
	newName, _ := input["new_name"].(string)
	if line == 0 || col == 0 || newName == "" {
		return &ToolResult{Output: "line, column, and new_name are required for rename", IsError: true}, nil
	}
	if srv.binary == "gopls" {
		return goplsRun(ctx, tc.WorkDir, "rename", fmt.Sprintf("%s:%d:%d", file, int(line), int(col)), newName)
	}
	return &ToolResult{Output: "rename is only available through gopls in this build", IsError: true}, nil
}

func fileURI(path string) string {
	if !filepath.IsAbs(path) {
		abs, _ := filepath.Abs(path)
		path = abs
	}
	return "file://" + path
}

// ─── stdioTransport: internal/lsp.Transport over a spawned server's stdio ────

type pendingCall struct {
	result interface{}
	done   chan error
}

// stdioTransport implements lsp.Transport by framing JSON-RPC 2.0 messages
// with Content-Length headers over a spawned server's stdin/stdout, the
// same wire format the teacher's original hand-rolled client used.
type stdioTransport struct {
	cmd   *exec.Cmd
	stdin io.WriteCloser

	mu      sync.Mutex
	nextID  int64
	pending map[int]*pendingCall
}

func dialStdioServer(srv *lspServerDef, workDir string) (*stdioTransport, error) {
	cmd := exec.Command(srv.binary, srv.args...)
	cmd.Dir = workDir
	cmd.Env = os.Environ()

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, err
	}

	t := &stdioTransport{cmd: cmd, stdin: stdin, pending: make(map[int]*pendingCall)}
	go t.readLoop(bufio.NewReaderSize(stdout, 1<<20))
	return t, nil
}

type wireMessage struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *int            `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  interface{}     `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func writeWireMessage(w io.Writer, msg wireMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	if _, err := io.WriteString(w, fmt.Sprintf("Content-Length: %d\r\n\r\n", len(data))); err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}

func readWireMessage(r *bufio.Reader) ([]byte, error) {
	contentLen := 0
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return nil, err
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			break
		}
		if strings.HasPrefix(line, "Content-Length: ") {
			contentLen, _ = strconv.Atoi(strings.TrimSpace(strings.TrimPrefix(line, "Content-Length: ")))
		}
	}
	if contentLen == 0 {
		return nil, fmt.Errorf("missing Content-Length")
	}
	buf := make([]byte, contentLen)
	_, err := io.ReadFull(r, buf)
	return buf, err
}

func (t *stdioTransport) readLoop(r *bufio.Reader) {
	for {
		raw, err := readWireMessage(r)
		if err != nil {
			t.failAllPending(err)
			return
		}
		var msg wireMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			continue
		}
		if msg.ID == nil {
			continue // notification from the server (e.g. diagnostics); not consumed here
		}
		t.mu.Lock()
		call, ok := t.pending[*msg.ID]
		if ok {
			delete(t.pending, *msg.ID)
		}
		t.mu.Unlock()
		if !ok {
			continue
		}
		if msg.Error != nil {
			call.done <- rpcError{code: msg.Error.Code, message: msg.Error.Message}
			continue
		}
		if call.result != nil && len(msg.Result) > 0 {
			_ = json.Unmarshal(msg.Result, call.result)
		}
		call.done <- nil
	}
}

func (t *stdioTransport) failAllPending(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, call := range t.pending {
		call.done <- err
		delete(t.pending, id)
	}
}

// rpcError is a JSON-RPC error response; it implements lsp's
// jsonRPCErrorMarker so HealthCheck still counts the server as alive.
type rpcError struct {
	code    int
	message string
}

func (e rpcError) Error() string      { return fmt.Sprintf("LSP error %d: %s", e.code, e.message) }
func (e rpcError) JSONRPCError() bool { return true }

func (t *stdioTransport) Call(ctx context.Context, method string, params, result interface{}) error {
	t.mu.Lock()
	id := int(atomic.AddInt64(&t.nextID, 1))
	call := &pendingCall{result: result, done: make(chan error, 1)}
	t.pending[id] = call
	t.mu.Unlock()

	if err := writeWireMessage(t.stdin, wireMessage{JSONRPC: "2.0", ID: &id, Method: method, Params: params}); err != nil {
		return err
	}
	select {
	case err := <-call.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *stdioTransport) Notify(ctx context.Context, method string, params interface{}) error {
	return writeWireMessage(t.stdin, wireMessage{JSONRPC: "2.0", Method: method, Params: params})
}

func (t *stdioTransport) Close() error {
	t.stdin.Close()
	return t.cmd.Wait()
}

// ─── server_info ─────────────────────────────────────────────────────────────

func getServerInfo(workDir string) (*ToolResult, error) {
	type serverDef struct{ name, install string }
	servers := []serverDef{
		{"gopls", "go install golang.org/x/tools/gopls@latest"},
		{"typescript-language-server", "npm install -g typescript-language-server typescript"},
		{"pylsp", "pip install python-lsp-server"},
		{"rust-analyzer", "rustup component add rust-analyzer"},
		{"clangd", "install clangd from https://clangd.llvm.org/installation"},
		{"jdtls", "install Eclipse JDT LS from https://github.com/eclipse-jdtls/eclipse.jdt.ls"},
		{"solargraph", "gem install solargraph"},
		{"phpactor", "composer global require phpactor/phpactor"},
		{"lua-language-server", "install from https://github.com/LuaLS/lua-language-server"},
	}

	var available, unavailable []string
	for _, srv := range servers {
		if isCommandAvailable(srv.name) {
			out, _ := exec.Command(srv.name, "--version").CombinedOutput()
			ver := strings.TrimSpace(string(out))
			if ver == "" {
				ver = "installed"
			}
			available = append(available, fmt.Sprintf("✓ %s (%s)", srv.name, ver))
		} else {
			unavailable = append(unavailable, fmt.Sprintf("✗ %s  →  %s", srv.name, srv.install))
		}
	}

	result := "# Language Server Status\n\n## Available\n"
	if len(available) == 0 {
		result += "  (none)\n"
	}
	for _, s := range available {
		result += "  " + s + "\n"
	}
	result += "\n## Not Installed\n"
	for _, s := range unavailable {
		result += "  " + s + "\n"
	}
	return &ToolResult{Output: result}, nil
}

func isCommandAvailable(cmd string) bool {
	_, err := exec.LookPath(cmd)
	return err == nil
}
