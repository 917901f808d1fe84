// Package index implements the hybrid retrieval index (C9): a single
// on-disk SQLite store holding a chunks table, a brute-force vector table
// keyed by chunk_id, and an optional BM25 metadata table. modernc.org/sqlite
// is a pure-Go driver (no cgo, no sqlite-vec extension available), so vector
// search is a brute-force in-process scan over the vector table rather than
// an ANN index — acceptable at the chunk counts this index targets and
// exactly what IndexPolicy.needs_index reports on.
package index

import (
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dcode-agent/dcode/internal/engineerr"

	_ "modernc.org/sqlite"
)

// Chunk is a contiguous source-code region with stable identity
// (workspace, filepath, content_hash, range).
type Chunk struct {
	ID          string
	Workspace   string
	FilePath    string
	Content     string
	ContentHash string
	StartLine   int
	EndLine     int
	IndexedAt   int64
	Embedding   []float32
	BM25Vector  map[string]float64
}

// ChunkRef is the catalog-facing projection of a chunk: identity and
// location without the (potentially large) content body.
type ChunkRef struct {
	ID          string
	Workspace   string
	FilePath    string
	ContentHash string
	StartLine   int
	EndLine     int
	IndexedAt   int64
}

// BM25Metadata holds global corpus statistics used for lexical ranking.
type BM25Metadata struct {
	AvgDL     float64
	TotalDocs int
}

// ScoredChunk pairs a chunk reference with a vector distance (ascending:
// smaller is closer).
type ScoredChunk struct {
	Chunk    ChunkRef
	Distance float64
}

// IndexPolicy selects whether a vector index is recommended given the
// current chunk count. The brute-force table this store maintains never
// requires an ANN index to function; the policy exists so callers have a
// stable signal for when a smarter index would help.
type IndexPolicy struct {
	ChunkThreshold    int
	FTSChunkThreshold int
	ForceRebuild      bool
}

func (p IndexPolicy) key() string {
	return fmt.Sprintf("%d:%d:%v", p.ChunkThreshold, p.FTSChunkThreshold, p.ForceRebuild)
}

// Store is the single on-disk hybrid retrieval index described by C9.
// All mutation is serialized behind a single pooled connection: SQLite's
// WAL mode allows concurrent readers, but this store funnels everything
// through one *sql.DB with MaxOpenConns(1) for writes, matching the
// "single pooled SQLite connection" resource note in the spec's
// concurrency model.
type Store struct {
	mu           sync.Mutex
	db           *sql.DB
	dim          int
	lastPolicy   string
	appliedOnce  bool
}

// Open opens (creating if absent) the vector store at path with vector
// dimension dim. If the store already exists with a different dimension,
// the vector table is dropped and recreated (dimension reset); all other
// data is preserved.
func Open(ctx context.Context, path string, dim int) (*Store, error) {
	if dim <= 0 {
		return nil, engineerr.New(engineerr.InvalidInput, "vector dimension must be positive, got %d", dim)
	}
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, engineerr.Wrap(engineerr.Internal, err, "open sqlite store %s", path)
	}
	db.SetMaxOpenConns(1)

	s := &Store{db: db, dim: dim}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	if err := s.resetDimensionIfNeeded(ctx, dim); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

const schemaSQL = `
CREATE TABLE IF NOT EXISTS code_chunks (
	id           TEXT PRIMARY KEY,
	workspace    TEXT NOT NULL,
	source_id    TEXT NOT NULL,
	filepath     TEXT NOT NULL,
	content      TEXT NOT NULL,
	content_hash TEXT NOT NULL,
	start_line   INTEGER NOT NULL,
	end_line     INTEGER NOT NULL,
	indexed_at   INTEGER NOT NULL,
	bm25_vector  TEXT
);
CREATE INDEX IF NOT EXISTS idx_chunks_workspace_path ON code_chunks(workspace, filepath);

CREATE TABLE IF NOT EXISTS vector_schema (
	id  INTEGER PRIMARY KEY CHECK (id = 1),
	dim INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS bm25_metadata (
	id         INTEGER PRIMARY KEY CHECK (id = 1),
	avgdl      REAL NOT NULL DEFAULT 0,
	total_docs INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS index_policy_state (
	id        INTEGER PRIMARY KEY CHECK (id = 1),
	policy_key TEXT NOT NULL
);
`

func (s *Store) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schemaSQL); err != nil {
		return engineerr.Wrap(engineerr.Internal, err, "migrate schema")
	}
	return nil
}

// chunks_vec is created (or recreated) with the store's current dimension
// baked into its name-adjacent metadata row (vector_schema). It is a plain
// table, not a sqlite-vec virtual table, since modernc.org/sqlite carries no
// vector extension; search_vector does the distance math in Go.
func (s *Store) createVectorTable(ctx context.Context, tx *sql.Tx) error {
	_, err := tx.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS chunks_vec (
		chunk_id  TEXT PRIMARY KEY,
		embedding BLOB NOT NULL
	)`)
	return err
}

func (s *Store) resetDimensionIfNeeded(ctx context.Context, dim int) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return engineerr.Wrap(engineerr.Internal, err, "begin dimension check")
	}
	defer tx.Rollback()

	var stored int
	row := tx.QueryRowContext(ctx, `SELECT dim FROM vector_schema WHERE id = 1`)
	switch err := row.Scan(&stored); err {
	case nil:
		if stored != dim {
			if _, err := tx.ExecContext(ctx, `DROP TABLE IF EXISTS chunks_vec`); err != nil {
				return engineerr.Wrap(engineerr.Internal, err, "drop vector table on dimension reset")
			}
			if err := s.createVectorTable(ctx, tx); err != nil {
				return engineerr.Wrap(engineerr.Internal, err, "recreate vector table")
			}
			if _, err := tx.ExecContext(ctx, `UPDATE vector_schema SET dim = ? WHERE id = 1`, dim); err != nil {
				return engineerr.Wrap(engineerr.Internal, err, "update vector_schema")
			}
		} else if err := s.createVectorTable(ctx, tx); err != nil {
			return engineerr.Wrap(engineerr.Internal, err, "ensure vector table")
		}
	case sql.ErrNoRows:
		if err := s.createVectorTable(ctx, tx); err != nil {
			return engineerr.Wrap(engineerr.Internal, err, "create vector table")
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO vector_schema (id, dim) VALUES (1, ?)`, dim); err != nil {
			return engineerr.Wrap(engineerr.Internal, err, "insert vector_schema")
		}
	default:
		return engineerr.Wrap(engineerr.Internal, err, "read vector_schema")
	}
	return tx.Commit()
}

// validateSQLValue whitelists characters permitted in caller-supplied
// strings (workspace, filepath) that end up embedded as SQL literals
// anywhere in this package, even though the normal path always uses
// prepared-statement placeholders. This is defense in depth per the
// spec's SQL-injection-defense design note: reject quotes, comment
// markers, and statement separators outright rather than relying solely
// on parameter binding.
func validateSQLValue(s string) error {
	if s == "" {
		return engineerr.New(engineerr.InvalidInput, "value must not be empty")
	}
	if strings.ContainsAny(s, "'\";") {
		return engineerr.New(engineerr.InvalidInput, "value contains forbidden quote or statement-separator character")
	}
	if strings.Contains(s, "--") || strings.Contains(s, "/*") || strings.Contains(s, "*/") {
		return engineerr.New(engineerr.InvalidInput, "value contains forbidden SQL comment marker")
	}
	for _, r := range s {
		if r < 0x20 {
			return engineerr.New(engineerr.InvalidInput, "value contains forbidden control character")
		}
	}
	return nil
}

func encodeEmbedding(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

func decodeEmbedding(b []byte) []float32 {
	out := make([]float32, len(b)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4 : i*4+4]))
	}
	return out
}

// StoreChunks upserts chunks (and their embeddings/BM25 payloads, if
// present) in a single transaction. When workspace is empty, sourceID
// substitutes for it; when a chunk's IndexedAt is zero, the current wall
// clock is used.
func (s *Store) StoreChunks(ctx context.Context, chunks []Chunk, bm25 *BM25Metadata, now time.Time, sourceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, c := range chunks {
		if err := validateSQLValue(c.Workspace); err != nil && c.Workspace != "" {
			return err
		}
		if err := validateSQLValue(c.FilePath); err != nil {
			return err
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return engineerr.Wrap(engineerr.Internal, err, "begin store_chunks")
	}
	defer tx.Rollback()

	for _, c := range chunks {
		workspace := c.Workspace
		if workspace == "" {
			workspace = sourceID
		}
		indexedAt := c.IndexedAt
		if indexedAt == 0 {
			indexedAt = now.Unix()
		}
		var bm25JSON sql.NullString
		if c.BM25Vector != nil {
			b, err := json.Marshal(c.BM25Vector)
			if err != nil {
				return engineerr.Wrap(engineerr.Internal, err, "marshal bm25 vector for chunk %s", c.ID)
			}
			bm25JSON = sql.NullString{String: string(b), Valid: true}
		}

		_, err := tx.ExecContext(ctx, `
			INSERT INTO code_chunks (id, workspace, source_id, filepath, content, content_hash, start_line, end_line, indexed_at, bm25_vector)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				workspace = excluded.workspace,
				source_id = excluded.source_id,
				filepath = excluded.filepath,
				content = excluded.content,
				content_hash = excluded.content_hash,
				start_line = excluded.start_line,
				end_line = excluded.end_line,
				indexed_at = excluded.indexed_at,
				bm25_vector = excluded.bm25_vector
		`, c.ID, workspace, sourceID, c.FilePath, c.Content, c.ContentHash, c.StartLine, c.EndLine, indexedAt, bm25JSON)
		if err != nil {
			return engineerr.Wrap(engineerr.Internal, err, "upsert chunk %s", c.ID)
		}

		if c.Embedding != nil {
			if len(c.Embedding) != s.dim {
				return engineerr.New(engineerr.EmbeddingDimensionMismatch,
					"chunk %s embedding has dimension %d, store dimension is %d", c.ID, len(c.Embedding), s.dim)
			}
			_, err := tx.ExecContext(ctx, `
				INSERT INTO chunks_vec (chunk_id, embedding) VALUES (?, ?)
				ON CONFLICT(chunk_id) DO UPDATE SET embedding = excluded.embedding
			`, c.ID, encodeEmbedding(c.Embedding))
			if err != nil {
				return engineerr.Wrap(engineerr.Internal, err, "upsert vector for chunk %s", c.ID)
			}
		}
	}

	if bm25 != nil {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO bm25_metadata (id, avgdl, total_docs) VALUES (1, ?, ?)
			ON CONFLICT(id) DO UPDATE SET avgdl = excluded.avgdl, total_docs = excluded.total_docs
		`, bm25.AvgDL, bm25.TotalDocs)
		if err != nil {
			return engineerr.Wrap(engineerr.Internal, err, "save bm25 metadata")
		}
	}

	return tx.Commit()
}

// SearchVector validates |query| == D, then brute-force scans the vector
// table computing Euclidean distance, returning the k nearest chunks in
// ascending distance order. An empty vector table returns an empty slice.
func (s *Store) SearchVector(ctx context.Context, query []float32, k int) ([]ScoredChunk, error) {
	if len(query) != s.dim {
		return nil, engineerr.New(engineerr.EmbeddingDimensionMismatch,
			"query dimension %d does not match store dimension %d", len(query), s.dim)
	}
	if k <= 0 {
		return nil, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.QueryContext(ctx, `SELECT chunk_id, embedding FROM chunks_vec`)
	if err != nil {
		return nil, engineerr.Wrap(engineerr.Internal, err, "scan vector table")
	}
	defer rows.Close()

	type scored struct {
		id   string
		dist float64
	}
	var all []scored
	for rows.Next() {
		var id string
		var blob []byte
		if err := rows.Scan(&id, &blob); err != nil {
			return nil, engineerr.Wrap(engineerr.Internal, err, "read vector row")
		}
		vec := decodeEmbedding(blob)
		var sum float64
		for i := range query {
			d := float64(query[i] - vec[i])
			sum += d * d
		}
		all = append(all, scored{id: id, dist: math.Sqrt(sum)})
	}
	if err := rows.Err(); err != nil {
		return nil, engineerr.Wrap(engineerr.Internal, err, "iterate vector rows")
	}
	if len(all) == 0 {
		return nil, nil
	}

	sort.Slice(all, func(i, j int) bool { return all[i].dist < all[j].dist })
	if len(all) > k {
		all = all[:k]
	}

	out := make([]ScoredChunk, 0, len(all))
	for _, a := range all {
		ref, err := s.loadChunkRefByID(ctx, a.id)
		if err != nil {
			return nil, err
		}
		if ref == nil {
			continue
		}
		out = append(out, ScoredChunk{Chunk: *ref, Distance: a.dist})
	}
	return out, nil
}

// SearchFTS is an interface-compatibility stub: BM25 lexical ranking is the
// outer retrieval layer's responsibility (maintained in memory there), so
// the canonical store always returns an empty result set here.
func (s *Store) SearchFTS(ctx context.Context, query string, k int) ([]ScoredChunk, error) {
	return nil, nil
}

func (s *Store) loadChunkRefByID(ctx context.Context, id string) (*ChunkRef, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, workspace, filepath, content_hash, start_line, end_line, indexed_at
		FROM code_chunks WHERE id = ?`, id)
	var r ChunkRef
	if err := row.Scan(&r.ID, &r.Workspace, &r.FilePath, &r.ContentHash, &r.StartLine, &r.EndLine, &r.IndexedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, engineerr.Wrap(engineerr.Internal, err, "load chunk ref %s", id)
	}
	return &r, nil
}

// GetFileMetadata returns the chunk rows recorded for (workspace, filepath).
func (s *Store) GetFileMetadata(ctx context.Context, workspace, filepath string) ([]ChunkRef, error) {
	if err := validateSQLValue(workspace); err != nil {
		return nil, err
	}
	if err := validateSQLValue(filepath); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, workspace, filepath, content_hash, start_line, end_line, indexed_at
		FROM code_chunks WHERE workspace = ? AND filepath = ?`, workspace, filepath)
	if err != nil {
		return nil, engineerr.Wrap(engineerr.Internal, err, "get_file_metadata")
	}
	defer rows.Close()
	return scanChunkRefs(rows)
}

// GetWorkspaceFiles returns the distinct filepaths recorded for workspace.
func (s *Store) GetWorkspaceFiles(ctx context.Context, workspace string) ([]string, error) {
	if err := validateSQLValue(workspace); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT filepath FROM code_chunks WHERE workspace = ? ORDER BY filepath`, workspace)
	if err != nil {
		return nil, engineerr.Wrap(engineerr.Internal, err, "get_workspace_files")
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var f string
		if err := rows.Scan(&f); err != nil {
			return nil, engineerr.Wrap(engineerr.Internal, err, "scan filepath")
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

func scanChunkRefs(rows *sql.Rows) ([]ChunkRef, error) {
	var out []ChunkRef
	for rows.Next() {
		var r ChunkRef
		if err := rows.Scan(&r.ID, &r.Workspace, &r.FilePath, &r.ContentHash, &r.StartLine, &r.EndLine, &r.IndexedAt); err != nil {
			return nil, engineerr.Wrap(engineerr.Internal, err, "scan chunk ref")
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// LoadAllChunkRefs returns every chunk's catalog projection, used for
// store/load round-trip verification.
func (s *Store) LoadAllChunkRefs(ctx context.Context) ([]ChunkRef, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.QueryContext(ctx, `SELECT id, workspace, filepath, content_hash, start_line, end_line, indexed_at FROM code_chunks ORDER BY id`)
	if err != nil {
		return nil, engineerr.Wrap(engineerr.Internal, err, "load_all_chunk_refs")
	}
	defer rows.Close()
	return scanChunkRefs(rows)
}

// DeleteByPath removes all chunk rows for (workspace, filepath), cascading
// an explicit pre-delete of matching chunk_ids from the vector table, all
// within one transaction.
func (s *Store) DeleteByPath(ctx context.Context, workspace, filepath string) error {
	if err := validateSQLValue(workspace); err != nil {
		return err
	}
	if err := validateSQLValue(filepath); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deleteWhere(ctx, `workspace = ? AND filepath = ?`, workspace, filepath)
}

// DeleteWorkspace removes every chunk belonging to workspace, cascading to
// the vector table the same way DeleteByPath does.
func (s *Store) DeleteWorkspace(ctx context.Context, workspace string) error {
	if err := validateSQLValue(workspace); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deleteWhere(ctx, `workspace = ?`, workspace)
}

func (s *Store) deleteWhere(ctx context.Context, where string, args ...interface{}) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return engineerr.Wrap(engineerr.Internal, err, "begin delete")
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `SELECT id FROM code_chunks WHERE `+where, args...)
	if err != nil {
		return engineerr.Wrap(engineerr.Internal, err, "select ids to delete")
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return engineerr.Wrap(engineerr.Internal, err, "scan id to delete")
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return engineerr.Wrap(engineerr.Internal, err, "iterate ids to delete")
	}

	for _, id := range ids {
		if _, err := tx.ExecContext(ctx, `DELETE FROM chunks_vec WHERE chunk_id = ?`, id); err != nil {
			return engineerr.Wrap(engineerr.Internal, err, "delete vector row %s", id)
		}
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM code_chunks WHERE `+where, args...); err != nil {
		return engineerr.Wrap(engineerr.Internal, err, "delete chunk rows")
	}
	return tx.Commit()
}

// SaveBM25Metadata stores global corpus statistics for lexical ranking.
func (s *Store) SaveBM25Metadata(ctx context.Context, m BM25Metadata) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO bm25_metadata (id, avgdl, total_docs) VALUES (1, ?, ?)
		ON CONFLICT(id) DO UPDATE SET avgdl = excluded.avgdl, total_docs = excluded.total_docs
	`, m.AvgDL, m.TotalDocs)
	if err != nil {
		return engineerr.Wrap(engineerr.Internal, err, "save_bm25_metadata")
	}
	return nil
}

// LoadBM25Metadata returns the stored BM25 metadata, or the zero value if
// none has been saved yet.
func (s *Store) LoadBM25Metadata(ctx context.Context) (BM25Metadata, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var m BM25Metadata
	row := s.db.QueryRowContext(ctx, `SELECT avgdl, total_docs FROM bm25_metadata WHERE id = 1`)
	switch err := row.Scan(&m.AvgDL, &m.TotalDocs); err {
	case nil, sql.ErrNoRows:
		return m, nil
	default:
		return m, engineerr.Wrap(engineerr.Internal, err, "load_bm25_metadata")
	}
}

// NeedsIndex reports whether the current chunk count (or policy.ForceRebuild)
// recommends building a smarter index. The brute-force vector table this
// store maintains never requires one to function; this is advisory only.
func (s *Store) NeedsIndex(ctx context.Context, policy IndexPolicy) (bool, error) {
	if policy.ForceRebuild {
		return true, nil
	}
	s.mu.Lock()
	var count int
	row := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM code_chunks`)
	err := row.Scan(&count)
	s.mu.Unlock()
	if err != nil {
		return false, engineerr.Wrap(engineerr.Internal, err, "needs_index count")
	}
	return count >= policy.ChunkThreshold, nil
}

// ApplyIndexPolicy records the policy as applied. Idempotent: calling it
// again with an unchanged policy is a no-op (reported via the returned
// bool, true meaning this call actually changed state).
func (s *Store) ApplyIndexPolicy(ctx context.Context, policy IndexPolicy) (changed bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := policy.key()
	if s.appliedOnce && s.lastPolicy == key {
		return false, nil
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO index_policy_state (id, policy_key) VALUES (1, ?)
		ON CONFLICT(id) DO UPDATE SET policy_key = excluded.policy_key
	`, key)
	if err != nil {
		return false, engineerr.Wrap(engineerr.Internal, err, "apply_index_policy")
	}
	s.lastPolicy = key
	s.appliedOnce = true
	return true, nil
}
