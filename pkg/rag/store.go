// Package rag is the chunked-document retrieval index layered on the
// shared SQLite handle: fixed-size chunks with byte-offset provenance,
// cosine search weighted by a per-source quality rank, and an optional
// graph-expanded hybrid search.
package rag

import (
	"context"
	"database/sql"
	"encoding/json"
	"path/filepath"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/famulus-ai/famulus/pkg/core"
	"github.com/famulus-ai/famulus/pkg/errors"
	"github.com/famulus-ai/famulus/pkg/graph"
	"github.com/famulus-ai/famulus/pkg/memory"
)

// ChunkSize is the fixed chunk width in bytes.
const ChunkSize = 1000

// Chunk is one indexed document slice. Immutable once written except
// for source_rank updates.
type Chunk struct {
	ID         int64                  `json:"id"`
	Source     string                 `json:"source"`
	Text       string                 `json:"text"`
	SourcePath string                 `json:"source_path,omitempty"`
	ChunkIndex int                    `json:"chunk_index"`
	ChunkStart int                    `json:"chunk_start"`
	ChunkEnd   int                    `json:"chunk_end"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
	SourceRank float64                `json:"source_rank"`
	CreatedAt  float64                `json:"created_at"`
}

// Result is a scored search hit.
type Result struct {
	Chunk Chunk   `json:"chunk"`
	Score float64 `json:"score"`
}

// SourceInfo aggregates per-source index stats.
type SourceInfo struct {
	Source  string  `json:"source"`
	Chunks  int     `json:"chunks"`
	AvgRank float64 `json:"avg_rank"`
}

// Store is the retrieval index.
type Store struct {
	db           *sql.DB
	embedder     memory.Embedder
	constitution *Constitution
	chunkSize    int
}

// Option configures a Store.
type Option func(*Store)

// WithConstitution replaces the default content gate.
func WithConstitution(c *Constitution) Option {
	return func(s *Store) { s.constitution = c }
}

// WithChunkSize overrides the chunk width (tests only need this rarely).
func WithChunkSize(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.chunkSize = n
		}
	}
}

// New ensures the schema on the shared handle.
func New(db *sql.DB, embedder memory.Embedder, opts ...Option) (*Store, error) {
	if embedder == nil {
		embedder = memory.NewHashEmbedder(memory.DefaultEmbeddingDim)
	}
	s := &Store{
		db:           db,
		embedder:     embedder,
		constitution: DefaultConstitution(),
		chunkSize:    ChunkSize,
	}
	for _, opt := range opts {
		opt(s)
	}
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS rag_chunks (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			source TEXT NOT NULL,
			text TEXT NOT NULL,
			embedding TEXT,
			source_path TEXT,
			chunk_index INTEGER,
			chunk_start INTEGER,
			chunk_end INTEGER,
			metadata TEXT,
			source_rank REAL DEFAULT 1.0,
			created_at REAL
		);
		CREATE INDEX IF NOT EXISTS idx_rag_chunks_source ON rag_chunks(source);
	`)
	if err != nil {
		return nil, errors.New(errors.CodeMemoryError, "failed to ensure rag schema", err)
	}
	return s, nil
}

// IndexFile extracts, gates and chunks one file into the index. Returns
// the number of chunks written.
func (s *Store) IndexFile(ctx context.Context, path string) (int, error) {
	text, err := extractText(path)
	if err != nil {
		return 0, err
	}

	info, err := statFile(path)
	if err != nil {
		return 0, err
	}
	source := filepath.Base(path)
	return s.indexText(ctx, source, path, text, info)
}

// IndexText indexes raw text under a source label.
func (s *Store) IndexText(ctx context.Context, source, text string) (int, error) {
	return s.indexText(ctx, source, "", text, nil)
}

func (s *Store) indexText(ctx context.Context, source, path, text string, metadata map[string]interface{}) (int, error) {
	if err := s.constitution.Check(text); err != nil {
		return 0, err
	}

	// New chunks of a known source inherit its average rank unless a
	// rank was set explicitly later.
	rank := 1.0
	if avg, ok, err := s.sourceAvgRank(ctx, source); err != nil {
		return 0, err
	} else if ok {
		rank = avg
	}

	var metaJSON string
	if metadata != nil {
		data, _ := json.Marshal(metadata)
		metaJSON = string(data)
	}

	count := 0
	startIndex, err := s.nextChunkIndex(ctx, source)
	if err != nil {
		return 0, err
	}
	for start := 0; start < len(text); {
		end := start + s.chunkSize
		if end >= len(text) {
			end = len(text)
		} else {
			// Never split a multibyte rune across chunks; offsets
			// stay byte-exact, the boundary moves back to a rune
			// start.
			for end > start && !utf8.RuneStart(text[end]) {
				end--
			}
			if end == start {
				_, size := utf8.DecodeRuneInString(text[start:])
				end = start + size
			}
		}
		piece := text[start:end]

		vec, err := s.embedder.Embed(ctx, piece)
		if err != nil {
			return count, errors.New(errors.CodeMemoryError, "failed to embed chunk", err)
		}
		vecJSON, _ := json.Marshal(vec)

		_, err = s.db.ExecContext(ctx, `
			INSERT INTO rag_chunks (
				source, text, embedding, source_path, chunk_index,
				chunk_start, chunk_end, metadata, source_rank, created_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, source, piece, string(vecJSON), path, startIndex+count,
			start, end, metaJSON, rank, core.Now())
		if err != nil {
			return count, errors.New(errors.CodeMemoryError, "failed to insert chunk", err)
		}
		count++
		start = end
	}
	return count, nil
}

func (s *Store) sourceAvgRank(ctx context.Context, source string) (float64, bool, error) {
	var avg sql.NullFloat64
	err := s.db.QueryRowContext(ctx,
		`SELECT AVG(source_rank) FROM rag_chunks WHERE source = ?`, source).Scan(&avg)
	if err != nil {
		return 0, false, errors.New(errors.CodeMemoryError, "failed to read source rank", err)
	}
	return avg.Float64, avg.Valid, nil
}

func (s *Store) nextChunkIndex(ctx context.Context, source string) (int, error) {
	var max sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT MAX(chunk_index) FROM rag_chunks WHERE source = ?`, source).Scan(&max)
	if err != nil {
		return 0, errors.New(errors.CodeMemoryError, "failed to read chunk index", err)
	}
	if !max.Valid {
		return 0, nil
	}
	return int(max.Int64) + 1, nil
}

// Search scores every chunk by cosine similarity weighted by
// 0.5 + 0.5*clamp(source_rank, 0, 2): a source ranked 0 contributes
// half weight, a source ranked 2 full weight. Non-positive scores are
// discarded; results come back descending, at most limit.
func (s *Store) Search(ctx context.Context, query string, limit int) ([]Result, error) {
	if limit <= 0 {
		limit = 5
	}
	queryVec, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, errors.New(errors.CodeMemoryError, "failed to embed query", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, source, text, embedding, COALESCE(source_path, ''),
			chunk_index, chunk_start, chunk_end, COALESCE(metadata, ''),
			source_rank, created_at
		FROM rag_chunks
	`)
	if err != nil {
		return nil, errors.New(errors.CodeMemoryError, "chunk scan failed", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var (
			c        Chunk
			embJSON  string
			metaJSON string
		)
		if err := rows.Scan(&c.ID, &c.Source, &c.Text, &embJSON, &c.SourcePath,
			&c.ChunkIndex, &c.ChunkStart, &c.ChunkEnd, &metaJSON,
			&c.SourceRank, &c.CreatedAt); err != nil {
			return nil, err
		}
		if metaJSON != "" {
			_ = json.Unmarshal([]byte(metaJSON), &c.Metadata)
		}
		var vec []float32
		_ = json.Unmarshal([]byte(embJSON), &vec)

		score := memory.Cosine(queryVec, vec) * rankWeight(c.SourceRank)
		if score <= 0 {
			continue
		}
		results = append(results, Result{Chunk: c, Score: score})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].Chunk.ID < results[j].Chunk.ID
	})
	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

func rankWeight(rank float64) float64 {
	if rank < 0 {
		rank = 0
	}
	if rank > 2 {
		rank = 2
	}
	return 0.5 + 0.5*rank
}

// SetSourceRank updates the rank of every chunk of a source and returns
// the affected count.
func (s *Store) SetSourceRank(ctx context.Context, source string, rank float64) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE rag_chunks SET source_rank = ? WHERE source = ?`, rank, source)
	if err != nil {
		return 0, errors.New(errors.CodeMemoryError, "failed to set source rank", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// ListSources returns per-source chunk counts and average ranks.
func (s *Store) ListSources(ctx context.Context) ([]SourceInfo, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT source, COUNT(*), AVG(source_rank)
		FROM rag_chunks GROUP BY source ORDER BY source
	`)
	if err != nil {
		return nil, errors.New(errors.CodeMemoryError, "failed to list sources", err)
	}
	defer rows.Close()

	var out []SourceInfo
	for rows.Next() {
		var info SourceInfo
		if err := rows.Scan(&info.Source, &info.Chunks, &info.AvgRank); err != nil {
			return nil, err
		}
		out = append(out, info)
	}
	return out, rows.Err()
}

// HybridSearch expands the query with graph entity names found in it,
// runs both searches and unions the result sets, preferring the plain
// query's entry on id collision, re-ranked and truncated to limit.
func (s *Store) HybridSearch(ctx context.Context, g *graph.Store, query string, limit int) ([]Result, error) {
	if limit <= 0 {
		limit = 5
	}
	plain, err := s.Search(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	if g == nil {
		return plain, nil
	}

	entities, err := g.MatchEntities(ctx, query)
	if err != nil {
		return nil, err
	}
	if len(entities) == 0 {
		return plain, nil
	}

	expanded, err := s.Search(ctx, query+" "+strings.Join(entities, " "), limit)
	if err != nil {
		return nil, err
	}

	seen := make(map[int64]bool, len(plain))
	merged := make([]Result, 0, len(plain)+len(expanded))
	for _, r := range plain {
		seen[r.Chunk.ID] = true
		merged = append(merged, r)
	}
	for _, r := range expanded {
		if !seen[r.Chunk.ID] {
			merged = append(merged, r)
		}
	}

	sort.SliceStable(merged, func(i, j int) bool {
		if merged[i].Score != merged[j].Score {
			return merged[i].Score > merged[j].Score
		}
		return merged[i].Chunk.ID < merged[j].Chunk.ID
	})
	if len(merged) > limit {
		merged = merged[:limit]
	}
	return merged, nil
}
