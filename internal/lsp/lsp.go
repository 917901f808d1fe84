// Package lsp implements the LSP client pool (C10): one Client per
// language, each owning a FileTracker that caches opened documents and
// symbols under an LRU cap. Protocol types come from sourcegraph/go-lsp;
// the wire transport is abstracted behind the Transport interface so the
// pool's policies (LRU eviction, incremental-vs-full sync, symbol-cache
// invalidation, capability gating, health checks) are testable without a
// live language server.
package lsp

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	lsp "github.com/sourcegraph/go-lsp"

	"github.com/dcode-agent/dcode/internal/engineerr"
)

// MaxOpenedFiles bounds the FileTracker's LRU of opened documents.
const MaxOpenedFiles = 64

// MaxIncrementalContentSize is the stored-content size ceiling above which
// updates fall back to a full sync even if the server supports incremental.
const MaxIncrementalContentSize = 256 * 1024

// DefaultHealthCheckTimeout bounds the workspace/symbol probe used by
// Client.HealthCheck.
const DefaultHealthCheckTimeout = 2 * time.Second

// Transport is the JSON-RPC 2.0 round-trip the Client drives. A real
// implementation speaks newline/Content-Length-framed JSON-RPC over a
// spawned language server's stdio; tests supply a fake.
type Transport interface {
	Call(ctx context.Context, method string, params, result interface{}) error
	Notify(ctx context.Context, method string, params interface{}) error
	Close() error
}

// fileEntry is one FileTracker record: the cached content, its version,
// and last access time (for LRU bookkeeping alongside the lru.Cache itself,
// which only orders keys).
type fileEntry struct {
	content    string
	version    int
	lastAccess time.Time
}

type symbolEntry struct {
	symbols    []lsp.SymbolInformation
	version    int
	lastAccess time.Time
}

// FileTracker owns the opened-document and symbol caches for one Client,
// protected by a single read-write lock per the spec's concurrency model.
type FileTracker struct {
	mu      sync.RWMutex
	opened  *lru.Cache[string, *fileEntry]
	symbols *lru.Cache[string, *symbolEntry]
	onEvict func(path string)
}

func newFileTracker(maxOpened int, onEvict func(path string)) *FileTracker {
	ft := &FileTracker{onEvict: onEvict}
	opened, _ := lru.NewWithEvict[string, *fileEntry](maxOpened, func(path string, _ *fileEntry) {
		if ft.onEvict != nil {
			ft.onEvict(path)
		}
	})
	symbols, _ := lru.New[string, *symbolEntry](maxOpened)
	ft.opened = opened
	ft.symbols = symbols
	return ft
}

// Capabilities is the subset of a server's advertised ServerCapabilities
// that the pool's policies gate on.
type Capabilities struct {
	IncrementalSync    bool
	HoverProvider      bool
	DefinitionProvider bool
	ReferencesProvider bool
	SymbolProvider     bool
	WorkspaceSymbol    bool
}

func capabilitiesFrom(sc lsp.ServerCapabilities) Capabilities {
	incremental := false
	if sync := sc.TextDocumentSync; sync != nil && sync.Kind != nil {
		incremental = *sync.Kind == lsp.TDSKIncremental
	}
	return Capabilities{
		IncrementalSync:    incremental,
		HoverProvider:      sc.HoverProvider,
		DefinitionProvider: sc.DefinitionProvider,
		ReferencesProvider: sc.ReferencesProvider,
		SymbolProvider:     sc.DocumentSymbolProvider,
		WorkspaceSymbol:    sc.WorkspaceSymbolProvider,
	}
}

// Client is one language server connection, with its own FileTracker.
type Client struct {
	Language string
	transport Transport
	tracker   *FileTracker
	caps      Capabilities
	capsKnown bool

	mu       sync.Mutex
	shutdown bool
}

// NewClient wires a Client to an already-initialized transport. Initialize
// should be called once before any document operation to populate
// server capabilities for gating.
func NewClient(language string, transport Transport) *Client {
	c := &Client{Language: language, transport: transport}
	c.tracker = newFileTracker(MaxOpenedFiles, c.evictOne)
	return c
}

// Initialize performs the LSP initialize handshake and records the
// server's capabilities for subsequent gating.
func (c *Client) Initialize(ctx context.Context, rootURI lsp.DocumentURI) error {
	var result lsp.InitializeResult
	params := lsp.InitializeParams{RootURI: rootURI}
	if err := c.transport.Call(ctx, "initialize", params, &result); err != nil {
		return engineerr.Wrap(engineerr.Internal, err, "lsp initialize (%s)", c.Language)
	}
	c.caps = capabilitiesFrom(result.Capabilities)
	c.capsKnown = true
	if err := c.transport.Notify(ctx, "initialized", struct{}{}); err != nil {
		return engineerr.Wrap(engineerr.Internal, err, "lsp initialized notification (%s)", c.Language)
	}
	return nil
}

func (c *Client) evictOne(path string) {
	_ = c.transport.Notify(context.Background(), "textDocument/didClose", lsp.DidCloseTextDocumentParams{
		TextDocument: lsp.TextDocumentIdentifier{URI: pathToURI(path)},
	})
}

func pathToURI(path string) lsp.DocumentURI { return lsp.DocumentURI("file://" + path) }

// requireCapability returns OperationNotSupported without issuing a wire
// request when the server never advertised the capability.
func (c *Client) requireCapability(ok bool, op string) error {
	if c.capsKnown && !ok {
		return engineerr.New(engineerr.InvalidInput, "OperationNotSupported: %s not advertised by %s server", op, c.Language)
	}
	return nil
}

// OpenFile registers path as opened with the given content, evicting the
// LRU-oldest opened file if the tracker is already at MaxOpenedFiles.
func (c *Client) OpenFile(ctx context.Context, path, content, languageID string) error {
	c.tracker.mu.Lock()
	c.tracker.opened.Add(path, &fileEntry{content: content, version: 1, lastAccess: time.Now()})
	c.tracker.mu.Unlock()

	return c.transport.Notify(ctx, "textDocument/didOpen", lsp.DidOpenTextDocumentParams{
		TextDocument: lsp.TextDocumentItem{URI: pathToURI(path), LanguageID: languageID, Version: 1, Text: content},
	})
}

// UpdateFile applies newContent to an already-opened path. If the server
// advertises incremental sync and the stored content is within
// MaxIncrementalContentSize, a single incremental range covering the whole
// prior content is sent; otherwise a full-document sync is sent.
func (c *Client) UpdateFile(ctx context.Context, path, newContent string) error {
	c.tracker.mu.Lock()
	entry, ok := c.tracker.opened.Get(path)
	if !ok {
		c.tracker.mu.Unlock()
		return engineerr.New(engineerr.InvalidInput, "UpdateFile: %s is not open", path)
	}
	entry.version++
	oldContent := entry.content
	entry.content = newContent
	entry.lastAccess = time.Now()
	version := entry.version
	c.tracker.mu.Unlock()

	c.invalidateSymbols(path)

	useIncremental := c.caps.IncrementalSync && len(oldContent) <= MaxIncrementalContentSize
	var change lsp.TextDocumentContentChangeEvent
	if useIncremental {
		rng := fullRange(oldContent)
		change = lsp.TextDocumentContentChangeEvent{Range: &rng, RangeLength: len(oldContent), Text: newContent}
	} else {
		change = lsp.TextDocumentContentChangeEvent{Text: newContent}
	}

	return c.transport.Notify(ctx, "textDocument/didChange", lsp.DidChangeTextDocumentParams{
		TextDocument:   lsp.VersionedTextDocumentIdentifier{TextDocumentIdentifier: lsp.TextDocumentIdentifier{URI: pathToURI(path)}, Version: version},
		ContentChanges: []lsp.TextDocumentContentChangeEvent{change},
	})
}

func fullRange(content string) lsp.Range {
	lines := 0
	lastLineLen := 0
	for _, r := range content {
		if r == '\n' {
			lines++
			lastLineLen = 0
		} else {
			lastLineLen++
		}
	}
	return lsp.Range{
		Start: lsp.Position{Line: 0, Character: 0},
		End:   lsp.Position{Line: lines, Character: lastLineLen},
	}
}

// CloseFile evicts path from the tracker immediately and notifies the
// server with a single didClose, independent of LRU pressure.
func (c *Client) CloseFile(ctx context.Context, path string) error {
	c.tracker.mu.Lock()
	wasOpen := c.tracker.opened.Remove(path)
	c.tracker.symbols.Remove(path)
	c.tracker.mu.Unlock()
	if wasOpen {
		// Remove fires the tracker's eviction callback, which already sent didClose.
		return nil
	}
	return c.transport.Notify(ctx, "textDocument/didClose", lsp.DidCloseTextDocumentParams{
		TextDocument: lsp.TextDocumentIdentifier{URI: pathToURI(path)},
	})
}

// DocumentSymbols returns the symbol cache entry for path if its version
// matches the tracker's current version for that file, otherwise issues a
// fresh textDocument/documentSymbol request and caches the result.
func (c *Client) DocumentSymbols(ctx context.Context, path string) ([]lsp.SymbolInformation, error) {
	if err := c.requireCapability(c.caps.SymbolProvider, "textDocument/documentSymbol"); err != nil {
		return nil, err
	}

	c.tracker.mu.RLock()
	fe, openOK := c.tracker.opened.Get(path)
	se, symOK := c.tracker.symbols.Get(path)
	c.tracker.mu.RUnlock()

	if openOK && symOK && se.version == fe.version {
		return se.symbols, nil
	}

	var result []lsp.SymbolInformation
	err := c.transport.Call(ctx, "textDocument/documentSymbol", lsp.DocumentSymbolParams{
		TextDocument: lsp.TextDocumentIdentifier{URI: pathToURI(path)},
	}, &result)
	if err != nil {
		return nil, engineerr.Wrap(engineerr.Internal, err, "textDocument/documentSymbol %s", path)
	}

	version := 0
	if openOK {
		version = fe.version
	}
	c.tracker.mu.Lock()
	c.tracker.symbols.Add(path, &symbolEntry{symbols: result, version: version, lastAccess: time.Now()})
	c.tracker.mu.Unlock()
	return result, nil
}

func (c *Client) invalidateSymbols(path string) {
	c.tracker.mu.Lock()
	c.tracker.symbols.Remove(path)
	c.tracker.mu.Unlock()
}

// Definition resolves a symbol definition at a position, gated on
// DefinitionProvider capability.
func (c *Client) Definition(ctx context.Context, path string, pos lsp.Position) ([]lsp.Location, error) {
	if err := c.requireCapability(c.caps.DefinitionProvider, "textDocument/definition"); err != nil {
		return nil, err
	}
	var result []lsp.Location
	err := c.transport.Call(ctx, "textDocument/definition", lsp.TextDocumentPositionParams{
		TextDocument: lsp.TextDocumentIdentifier{URI: pathToURI(path)}, Position: pos,
	}, &result)
	if err != nil {
		return nil, engineerr.Wrap(engineerr.Internal, err, "textDocument/definition %s", path)
	}
	return result, nil
}

// Hover resolves hover information at a position, gated on HoverProvider.
func (c *Client) Hover(ctx context.Context, path string, pos lsp.Position) (*lsp.Hover, error) {
	if err := c.requireCapability(c.caps.HoverProvider, "textDocument/hover"); err != nil {
		return nil, err
	}
	var result lsp.Hover
	err := c.transport.Call(ctx, "textDocument/hover", lsp.TextDocumentPositionParams{
		TextDocument: lsp.TextDocumentIdentifier{URI: pathToURI(path)}, Position: pos,
	}, &result)
	if err != nil {
		return nil, engineerr.Wrap(engineerr.Internal, err, "textDocument/hover %s", path)
	}
	return &result, nil
}

// References resolves references to the symbol at a position, gated on
// ReferencesProvider.
func (c *Client) References(ctx context.Context, path string, pos lsp.Position, includeDecl bool) ([]lsp.Location, error) {
	if err := c.requireCapability(c.caps.ReferencesProvider, "textDocument/references"); err != nil {
		return nil, err
	}
	var result []lsp.Location
	err := c.transport.Call(ctx, "textDocument/references", lsp.ReferenceParams{
		TextDocumentPositionParams: lsp.TextDocumentPositionParams{
			TextDocument: lsp.TextDocumentIdentifier{URI: pathToURI(path)}, Position: pos,
		},
		Context: lsp.ReferenceContext{IncludeDeclaration: includeDecl},
	}, &result)
	if err != nil {
		return nil, engineerr.Wrap(engineerr.Internal, err, "textDocument/references %s", path)
	}
	return result, nil
}

// HealthCheck issues a bounded-timeout workspace/symbol probe, falling back
// to hover on a capability mismatch; any JSON-RPC error response (as
// opposed to a transport failure) still counts the server as alive.
func (c *Client) HealthCheck(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, DefaultHealthCheckTimeout)
	defer cancel()

	if c.caps.WorkspaceSymbol || !c.capsKnown {
		var result []lsp.SymbolInformation
		err := c.transport.Call(ctx, "workspace/symbol", lsp.WorkspaceSymbolParams{Query: ""}, &result)
		if err == nil || isJSONRPCError(err) {
			return true
		}
	}
	if c.caps.HoverProvider {
		var hover lsp.Hover
		err := c.transport.Call(ctx, "textDocument/hover", lsp.TextDocumentPositionParams{}, &hover)
		return err == nil || isJSONRPCError(err)
	}
	return false
}

type jsonRPCErrorMarker interface {
	JSONRPCError() bool
}

func isJSONRPCError(err error) bool {
	if m, ok := err.(jsonRPCErrorMarker); ok {
		return m.JSONRPCError()
	}
	return false
}

// Shutdown closes every tracked file, requests shutdown, notifies exit,
// and closes the transport, bounded by timeout.
func (c *Client) Shutdown(ctx context.Context, timeout time.Duration) error {
	c.mu.Lock()
	if c.shutdown {
		c.mu.Unlock()
		return nil
	}
	c.shutdown = true
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	c.tracker.mu.RLock()
	var open []string
	for _, k := range c.tracker.opened.Keys() {
		open = append(open, k)
	}
	c.tracker.mu.RUnlock()
	for _, path := range open {
		_ = c.CloseFile(ctx, path)
	}

	var result json.RawMessage
	_ = c.transport.Call(ctx, "shutdown", nil, &result)
	_ = c.transport.Notify(ctx, "exit", nil)
	return c.transport.Close()
}

// Pool owns one Client per language, keyed by language identifier.
type Pool struct {
	mu      sync.Mutex
	clients map[string]*Client
	dial    func(language string) (Transport, error)
}

// NewPool constructs an empty pool; dial lazily creates a language's
// Transport on first use. Once a language's client is initialized it is
// reused; a failed dial or initialize leaves nothing cached, so the next
// call dials again.
func NewPool(dial func(language string) (Transport, error)) *Pool {
	return &Pool{clients: make(map[string]*Client), dial: dial}
}

// Client returns (creating and initializing if needed) the Client for
// language.
func (p *Pool) Client(ctx context.Context, language string, rootURI lsp.DocumentURI) (*Client, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.clients[language]; ok {
		return c, nil
	}
	t, err := p.dial(language)
	if err != nil {
		return nil, engineerr.Wrap(engineerr.Internal, err, "dial lsp server for %s", language)
	}
	c := NewClient(language, t)
	if err := c.Initialize(ctx, rootURI); err != nil {
		return nil, err
	}
	p.clients[language] = c
	return c, nil
}

// ShutdownAll shuts down every live client.
func (p *Pool) ShutdownAll(ctx context.Context, timeout time.Duration) {
	p.mu.Lock()
	clients := make([]*Client, 0, len(p.clients))
	for _, c := range p.clients {
		clients = append(clients, c)
	}
	p.clients = make(map[string]*Client)
	p.mu.Unlock()

	for _, c := range clients {
		_ = c.Shutdown(ctx, timeout)
	}
}
