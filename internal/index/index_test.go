package index

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func openTestStore(t *testing.T, dim int) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "vector_store.db")
	s, err := Open(context.Background(), path, dim)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStoreChunksAndLoadAllRoundTrip(t *testing.T) {
	s := openTestStore(t, 4)
	ctx := context.Background()
	chunks := []Chunk{
		{ID: "c1", Workspace: "ws", FilePath: "a.go", Content: "package a", ContentHash: "h1", Embedding: []float32{1, 0, 0, 0}},
		{ID: "c2", Workspace: "ws", FilePath: "b.go", Content: "package b", ContentHash: "h2", Embedding: []float32{0, 1, 0, 0}},
	}
	if err := s.StoreChunks(ctx, chunks, nil, time.Unix(100, 0), "src"); err != nil {
		t.Fatalf("StoreChunks: %v", err)
	}

	refs, err := s.LoadAllChunkRefs(ctx)
	if err != nil {
		t.Fatalf("LoadAllChunkRefs: %v", err)
	}
	if len(refs) != 2 {
		t.Fatalf("expected 2 chunks, got %d", len(refs))
	}
	seen := map[string]bool{}
	for _, r := range refs {
		seen[r.ID] = true
	}
	for _, c := range chunks {
		if !seen[c.ID] {
			t.Fatalf("missing chunk %s after round-trip", c.ID)
		}
	}
}

func TestSearchVectorDimensionMismatchFails(t *testing.T) {
	s := openTestStore(t, 4)
	ctx := context.Background()
	if _, err := s.SearchVector(ctx, []float32{1, 2}, 5); err == nil {
		t.Fatal("expected dimension mismatch error")
	}
}

func TestSearchVectorReturnsNearest(t *testing.T) {
	s := openTestStore(t, 2)
	ctx := context.Background()
	chunks := []Chunk{
		{ID: "near", Workspace: "ws", FilePath: "a.go", Content: "a", ContentHash: "h1", Embedding: []float32{1, 0}},
		{ID: "far", Workspace: "ws", FilePath: "b.go", Content: "b", ContentHash: "h2", Embedding: []float32{10, 10}},
	}
	if err := s.StoreChunks(ctx, chunks, nil, time.Unix(1, 0), "src"); err != nil {
		t.Fatalf("StoreChunks: %v", err)
	}
	results, err := s.SearchVector(ctx, []float32{1, 0}, 1)
	if err != nil {
		t.Fatalf("SearchVector: %v", err)
	}
	if len(results) != 1 || results[0].Chunk.ID != "near" {
		t.Fatalf("expected nearest chunk 'near', got %+v", results)
	}
}

func TestDimensionResetPreservesChunksAndEmptiesVectors(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vector_store.db")
	ctx := context.Background()

	s4, err := Open(ctx, path, 4)
	if err != nil {
		t.Fatalf("Open dim=4: %v", err)
	}
	if err := s4.StoreChunks(ctx, []Chunk{{ID: "c1", Workspace: "ws", FilePath: "a.go", Content: "a", ContentHash: "h1", Embedding: []float32{1, 2, 3, 4}}}, nil, time.Unix(1, 0), "src"); err != nil {
		t.Fatalf("StoreChunks: %v", err)
	}
	s4.Close()

	s8, err := Open(ctx, path, 8)
	if err != nil {
		t.Fatalf("Open dim=8: %v", err)
	}
	defer s8.Close()

	refs, err := s8.LoadAllChunkRefs(ctx)
	if err != nil {
		t.Fatalf("LoadAllChunkRefs: %v", err)
	}
	if len(refs) != 1 {
		t.Fatalf("expected chunk metadata to survive dimension reset, got %d rows", len(refs))
	}

	results, err := s8.SearchVector(ctx, make([]float32, 8), 10)
	if err != nil {
		t.Fatalf("SearchVector after reset: %v", err)
	}
	if len(results) != 0 {
		t.Fatalf("expected empty vector search after dimension reset, got %+v", results)
	}
}

func TestDeleteByPathCascadesToVectorTable(t *testing.T) {
	s := openTestStore(t, 2)
	ctx := context.Background()
	if err := s.StoreChunks(ctx, []Chunk{{ID: "c1", Workspace: "ws", FilePath: "a.go", Content: "a", ContentHash: "h1", Embedding: []float32{1, 1}}}, nil, time.Unix(1, 0), "src"); err != nil {
		t.Fatalf("StoreChunks: %v", err)
	}
	if err := s.DeleteByPath(ctx, "ws", "a.go"); err != nil {
		t.Fatalf("DeleteByPath: %v", err)
	}
	meta, err := s.GetFileMetadata(ctx, "ws", "a.go")
	if err != nil {
		t.Fatalf("GetFileMetadata: %v", err)
	}
	if len(meta) != 0 {
		t.Fatalf("expected no metadata after delete, got %+v", meta)
	}
	results, err := s.SearchVector(ctx, []float32{1, 1}, 10)
	if err != nil {
		t.Fatalf("SearchVector: %v", err)
	}
	if len(results) != 0 {
		t.Fatalf("expected vector row deleted, got %+v", results)
	}
}

func TestBM25MetadataRoundTrip(t *testing.T) {
	s := openTestStore(t, 2)
	ctx := context.Background()
	want := BM25Metadata{AvgDL: 42.5, TotalDocs: 7}
	if err := s.SaveBM25Metadata(ctx, want); err != nil {
		t.Fatalf("SaveBM25Metadata: %v", err)
	}
	got, err := s.LoadBM25Metadata(ctx)
	if err != nil {
		t.Fatalf("LoadBM25Metadata: %v", err)
	}
	if got != want {
		t.Fatalf("expected %+v, got %+v", want, got)
	}
}

func TestValidateSQLValueRejectsInjectionAttempts(t *testing.T) {
	bad := []string{"a'; DROP TABLE code_chunks; --", "x\"", "foo -- bar", "/*evil*/", ""}
	for _, v := range bad {
		if err := validateSQLValue(v); err == nil {
			t.Fatalf("expected validateSQLValue to reject %q", v)
		}
	}
	if err := validateSQLValue("plain/path-1_ok.go"); err != nil {
		t.Fatalf("expected plain path to pass, got %v", err)
	}
}

func TestApplyIndexPolicyIsIdempotent(t *testing.T) {
	s := openTestStore(t, 2)
	ctx := context.Background()
	policy := IndexPolicy{ChunkThreshold: 1000, FTSChunkThreshold: 1000}

	changed, err := s.ApplyIndexPolicy(ctx, policy)
	if err != nil || !changed {
		t.Fatalf("expected first apply to report changed=true, got changed=%v err=%v", changed, err)
	}
	changed, err = s.ApplyIndexPolicy(ctx, policy)
	if err != nil || changed {
		t.Fatalf("expected repeat apply with identical policy to be a no-op, got changed=%v err=%v", changed, err)
	}
}
