package lsp

import (
	"context"
	"strings"
	"testing"
	"time"

	lsp "github.com/sourcegraph/go-lsp"
)

type fakeTransport struct {
	calls      []string
	closed     bool
	caps       lsp.ServerCapabilities
	symbolHits int
}

func (f *fakeTransport) Call(ctx context.Context, method string, params, result interface{}) error {
	f.calls = append(f.calls, method)
	switch method {
	case "initialize":
		r := result.(*lsp.InitializeResult)
		r.Capabilities = f.caps
	case "textDocument/documentSymbol":
		f.symbolHits++
		r := result.(*[]lsp.SymbolInformation)
		*r = []lsp.SymbolInformation{{Name: "Foo"}}
	case "workspace/symbol":
		// no-op success counts as alive
	}
	return nil
}

func (f *fakeTransport) Notify(ctx context.Context, method string, params interface{}) error {
	f.calls = append(f.calls, method)
	return nil
}

func (f *fakeTransport) Close() error {
	f.closed = true
	return nil
}

func newTestClient(t *testing.T, caps lsp.ServerCapabilities) (*Client, *fakeTransport) {
	t.Helper()
	tr := &fakeTransport{caps: caps}
	c := NewClient("go", tr)
	if err := c.Initialize(context.Background(), "file:///ws"); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	return c, tr
}

func TestOpenFileTracksContentAndNotifies(t *testing.T) {
	c, tr := newTestClient(t, lsp.ServerCapabilities{DocumentSymbolProvider: true})
	if err := c.OpenFile(context.Background(), "/a.go", "package a", "go"); err != nil {
		t.Fatalf("OpenFile: %v", err)
	}
	found := false
	for _, m := range tr.calls {
		if m == "textDocument/didOpen" {
			found = true
		}
	}
	if !found {
		t.Fatal("expected didOpen notification")
	}
}

func TestSymbolCacheInvalidatedOnVersionBump(t *testing.T) {
	c, tr := newTestClient(t, lsp.ServerCapabilities{DocumentSymbolProvider: true})
	ctx := context.Background()
	c.OpenFile(ctx, "/a.go", "package a", "go")

	if _, err := c.DocumentSymbols(ctx, "/a.go"); err != nil {
		t.Fatalf("DocumentSymbols: %v", err)
	}
	if _, err := c.DocumentSymbols(ctx, "/a.go"); err != nil {
		t.Fatalf("DocumentSymbols (cached): %v", err)
	}
	if tr.symbolHits != 1 {
		t.Fatalf("expected cache hit on second call, got %d wire requests", tr.symbolHits)
	}

	if err := c.UpdateFile(ctx, "/a.go", "package a\nfunc x() {}"); err != nil {
		t.Fatalf("UpdateFile: %v", err)
	}
	if _, err := c.DocumentSymbols(ctx, "/a.go"); err != nil {
		t.Fatalf("DocumentSymbols after update: %v", err)
	}
	if tr.symbolHits != 2 {
		t.Fatalf("expected symbol cache invalidated after version bump, got %d wire requests", tr.symbolHits)
	}
}

func TestCapabilityGatingRejectsUnsupportedOperation(t *testing.T) {
	c, _ := newTestClient(t, lsp.ServerCapabilities{HoverProvider: false})
	_, err := c.Hover(context.Background(), "/a.go", lsp.Position{})
	if err == nil {
		t.Fatal("expected OperationNotSupported error")
	}
	if !strings.Contains(err.Error(), "OperationNotSupported") {
		t.Fatalf("expected OperationNotSupported in error, got %v", err)
	}
}

func TestLRUCapEvictsOldestOpenedFile(t *testing.T) {
	c, tr := newTestClient(t, lsp.ServerCapabilities{})
	ctx := context.Background()

	ft := newFileTracker(2, c.evictOne)
	c.tracker = ft
	c.OpenFile(ctx, "/one.go", "a", "go")
	c.OpenFile(ctx, "/two.go", "b", "go")
	c.OpenFile(ctx, "/three.go", "c", "go")

	evicted := false
	for _, m := range tr.calls {
		if m == "textDocument/didClose" {
			evicted = true
		}
	}
	if !evicted {
		t.Fatal("expected LRU eviction to emit didClose for the oldest opened file")
	}
	if c.tracker.opened.Len() != 2 {
		t.Fatalf("expected tracker capped at 2 opened files, got %d", c.tracker.opened.Len())
	}
}

func TestHealthCheckReportsAliveOnSuccessfulProbe(t *testing.T) {
	c, _ := newTestClient(t, lsp.ServerCapabilities{WorkspaceSymbolProvider: true})
	if !c.HealthCheck(context.Background()) {
		t.Fatal("expected health check to report alive on successful probe")
	}
}

func TestShutdownClosesAllFilesAndTransport(t *testing.T) {
	c, tr := newTestClient(t, lsp.ServerCapabilities{})
	ctx := context.Background()
	c.OpenFile(ctx, "/a.go", "a", "go")
	c.OpenFile(ctx, "/b.go", "b", "go")

	if err := c.Shutdown(ctx, time.Second); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if !tr.closed {
		t.Fatal("expected transport to be closed on shutdown")
	}
	closes := 0
	for _, m := range tr.calls {
		if m == "textDocument/didClose" {
			closes++
		}
	}
	if closes != 2 {
		t.Fatalf("expected 2 didClose notifications, got %d", closes)
	}
}
