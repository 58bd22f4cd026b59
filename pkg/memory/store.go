// Package memory implements the durable store every other component
// persists through: semantic memories with scoped, access-controlled
// similarity search, plus key/value, event-log, model-accounting and
// task-run tables sharing one SQLite handle.
package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"log/slog"
	"sync"

	_ "modernc.org/sqlite"

	"github.com/famulus-ai/famulus/pkg/core"
	"github.com/famulus-ai/famulus/pkg/errors"
)

// Store owns the SQLite handle. Every public operation issues its own
// statements and commits immediately; there are no cross-operation
// transactions (see the transaction markers in events.go).
type Store struct {
	db       *sql.DB
	embedder Embedder
	logger   *slog.Logger

	mirror           VectorStore
	mirrorCollection string
	mirrorOnce       sync.Once
}

// Option configures a Store.
type Option func(*Store)

// WithEmbedder replaces the default hash embedder.
func WithEmbedder(e Embedder) Option {
	return func(s *Store) { s.embedder = e }
}

// WithLogger sets the store logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// WithVectorMirror mirrors memory writes into an external vector store.
// Mirror failures never fail the write.
func WithVectorMirror(vs VectorStore, collection string) Option {
	return func(s *Store) {
		s.mirror = vs
		s.mirrorCollection = collection
	}
}

// Open opens (or creates) the store at path and ensures the schema.
// Use ":memory:" for an ephemeral store.
func Open(path string, opts ...Option) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.New(errors.CodeMemoryError, "failed to open database", err).
			WithContext("path", path)
	}
	// The handle is shared across goroutines; a single connection
	// serializes writes the way SQLite expects.
	db.SetMaxOpenConns(1)

	s := &Store{
		db:       db,
		embedder: NewHashEmbedder(DefaultEmbeddingDim),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := ensureSchema(db); err != nil {
		db.Close()
		return nil, errors.New(errors.CodeMemoryError, "failed to ensure schema", err)
	}
	return s, nil
}

// DB exposes the shared handle for the layered stores (RAG, graph, bus).
func (s *Store) DB() *sql.DB { return s.db }

// Embedder returns the configured embedder.
func (s *Store) Embedder() Embedder { return s.embedder }

// Close closes the underlying handle.
func (s *Store) Close() error { return s.db.Close() }

func ensureSchema(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS kv (
			k TEXT PRIMARY KEY,
			v TEXT,
			updated_at REAL
		);
		CREATE TABLE IF NOT EXISTS events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			ts REAL,
			kind TEXT NOT NULL,
			payload TEXT
		);
		CREATE TABLE IF NOT EXISTS memories (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			kind TEXT,
			content TEXT NOT NULL,
			embedding TEXT,
			created_at REAL,
			expires_at REAL,
			tags TEXT,
			source TEXT,
			confidence REAL DEFAULT 0.5,
			relevance REAL DEFAULT 0.5,
			user_id TEXT,
			project_id TEXT,
			acl TEXT,
			scope TEXT DEFAULT 'shared',
			status TEXT DEFAULT 'active',
			quarantine_reason TEXT
		);
		CREATE INDEX IF NOT EXISTS idx_memories_status ON memories(status);
		CREATE INDEX IF NOT EXISTS idx_memories_expires ON memories(expires_at);
		CREATE TABLE IF NOT EXISTS memory_refs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			memory_id INTEGER NOT NULL,
			run_id TEXT,
			step_id INTEGER,
			tool_call_id TEXT
		);
		CREATE INDEX IF NOT EXISTS idx_memory_refs_memory ON memory_refs(memory_id);
		CREATE TABLE IF NOT EXISTS task_runs (
			run_id TEXT PRIMARY KEY,
			trace_id TEXT,
			goal TEXT,
			status TEXT,
			plan_json TEXT,
			report_json TEXT,
			created_at REAL,
			updated_at REAL
		);
		CREATE TABLE IF NOT EXISTS model_runs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			ts REAL,
			model TEXT,
			tokens_in INTEGER,
			tokens_out INTEGER,
			latency_ms REAL,
			ok INTEGER
		);
		CREATE TABLE IF NOT EXISTS feedback (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			ts REAL,
			run_id TEXT,
			rating INTEGER,
			comment TEXT
		);
		CREATE TABLE IF NOT EXISTS user_profiles (
			user_id TEXT PRIMARY KEY,
			profile TEXT,
			updated_at REAL
		);
	`)
	return err
}

// SaveTaskRun writes the durable projection of a new run.
func (s *Store) SaveTaskRun(ctx context.Context, runID, traceID, goal, status string, plan *core.Plan) error {
	var planJSON []byte
	if plan != nil {
		planJSON, _ = json.Marshal(plan)
	}
	now := core.Now()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO task_runs (run_id, trace_id, goal, status, plan_json, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id) DO UPDATE SET status = excluded.status, updated_at = excluded.updated_at
	`, runID, traceID, goal, status, string(planJSON), now, now)
	if err != nil {
		return errors.New(errors.CodeMemoryError, "failed to save task run", err).
			WithContext("run_id", runID)
	}
	return nil
}

// UpdateTaskRun records a status change and, optionally, the report.
func (s *Store) UpdateTaskRun(ctx context.Context, runID, status string, report *core.ExecutionReport) error {
	var reportJSON []byte
	if report != nil {
		reportJSON, _ = json.Marshal(report)
	}
	var err error
	if report != nil {
		_, err = s.db.ExecContext(ctx, `
			UPDATE task_runs SET status = ?, report_json = ?, updated_at = ? WHERE run_id = ?
		`, status, string(reportJSON), core.Now(), runID)
	} else {
		_, err = s.db.ExecContext(ctx, `
			UPDATE task_runs SET status = ?, updated_at = ? WHERE run_id = ?
		`, status, core.Now(), runID)
	}
	if err != nil {
		return errors.New(errors.CodeMemoryError, "failed to update task run", err).
			WithContext("run_id", runID)
	}
	return nil
}

// GetTaskRunStatus returns the persisted status for a run.
func (s *Store) GetTaskRunStatus(ctx context.Context, runID string) (string, error) {
	var status string
	err := s.db.QueryRowContext(ctx,
		`SELECT status FROM task_runs WHERE run_id = ?`, runID).Scan(&status)
	if err == sql.ErrNoRows {
		return "", errors.Newf(errors.CodeNotFound, "run %s not found", runID)
	}
	if err != nil {
		return "", errors.New(errors.CodeMemoryError, "failed to read task run", err)
	}
	return status, nil
}

// LogModelRun records one model call for accounting.
func (s *Store) LogModelRun(ctx context.Context, model string, tokensIn, tokensOut int, latencyMS float64, ok bool) error {
	okInt := 0
	if ok {
		okInt = 1
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO model_runs (ts, model, tokens_in, tokens_out, latency_ms, ok)
		VALUES (?, ?, ?, ?, ?, ?)
	`, core.Now(), model, tokensIn, tokensOut, latencyMS, okInt)
	return err
}

// ModelSummary aggregates model accounting per model name.
type ModelSummary struct {
	Model     string  `json:"model"`
	Calls     int     `json:"calls"`
	TokensIn  int     `json:"tokens_in"`
	TokensOut int     `json:"tokens_out"`
	Failures  int     `json:"failures"`
	AvgMS     float64 `json:"avg_ms"`
}

// SummarizeModelRuns returns per-model call and token totals.
func (s *Store) SummarizeModelRuns(ctx context.Context) ([]ModelSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT model, COUNT(*), COALESCE(SUM(tokens_in), 0), COALESCE(SUM(tokens_out), 0),
			COALESCE(SUM(1 - ok), 0), COALESCE(AVG(latency_ms), 0)
		FROM model_runs GROUP BY model ORDER BY model
	`)
	if err != nil {
		return nil, errors.New(errors.CodeMemoryError, "failed to summarize model runs", err)
	}
	defer rows.Close()

	var out []ModelSummary
	for rows.Next() {
		var ms ModelSummary
		if err := rows.Scan(&ms.Model, &ms.Calls, &ms.TokensIn, &ms.TokensOut, &ms.Failures, &ms.AvgMS); err != nil {
			return nil, err
		}
		out = append(out, ms)
	}
	return out, rows.Err()
}

// AddFeedback stores a user rating for a run.
func (s *Store) AddFeedback(ctx context.Context, runID string, rating int, comment string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO feedback (ts, run_id, rating, comment) VALUES (?, ?, ?, ?)
	`, core.Now(), runID, rating, comment)
	return err
}

// SetUserProfile upserts a user's profile document.
func (s *Store) SetUserProfile(ctx context.Context, userID string, profile map[string]interface{}) error {
	data, err := json.Marshal(profile)
	if err != nil {
		return errors.New(errors.CodeInvalidInput, "profile is not serializable", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO user_profiles (user_id, profile, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET profile = excluded.profile, updated_at = excluded.updated_at
	`, userID, string(data), core.Now())
	return err
}

// GetUserProfile returns a user's profile document, or nil when absent.
func (s *Store) GetUserProfile(ctx context.Context, userID string) (map[string]interface{}, error) {
	var data string
	err := s.db.QueryRowContext(ctx,
		`SELECT profile FROM user_profiles WHERE user_id = ?`, userID).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.New(errors.CodeMemoryError, "failed to read user profile", err)
	}
	var profile map[string]interface{}
	if err := json.Unmarshal([]byte(data), &profile); err != nil {
		return nil, errors.New(errors.CodeMemoryError, "corrupt user profile", err)
	}
	return profile, nil
}
