package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/famulus-ai/famulus/pkg/core"
	"github.com/famulus-ai/famulus/pkg/errors"
)

// Memory visibility scopes and lifecycle statuses. Closed enumerations:
// writes with any other value fail validation.
const (
	ScopeShared  = "shared"
	ScopePrivate = "private"

	StatusActive      = "active"
	StatusQuarantined = "quarantined"
	StatusDeprecated  = "deprecated"
)

var (
	validScopes   = map[string]bool{ScopeShared: true, ScopePrivate: true}
	validStatuses = map[string]bool{StatusActive: true, StatusQuarantined: true, StatusDeprecated: true}
)

// Memory is one semantic memory record.
type Memory struct {
	ID               int64     `json:"id"`
	Kind             string    `json:"kind"`
	Content          string    `json:"content"`
	Embedding        []float32 `json:"-"`
	CreatedAt        float64   `json:"created_at"`
	ExpiresAt        float64   `json:"expires_at,omitempty"`
	Tags             []string  `json:"tags,omitempty"`
	Source           string    `json:"source,omitempty"`
	Confidence       float64   `json:"confidence"`
	Relevance        float64   `json:"relevance"`
	UserID           string    `json:"user_id,omitempty"`
	ProjectID        string    `json:"project_id,omitempty"`
	ACL              []string  `json:"acl,omitempty"`
	Scope            string    `json:"scope"`
	Status           string    `json:"status"`
	QuarantineReason string    `json:"quarantine_reason,omitempty"`
}

// Ref links a memory to the run, step and tool call that produced it.
type Ref struct {
	MemoryID   int64  `json:"memory_id"`
	RunID      string `json:"run_id,omitempty"`
	StepID     int    `json:"step_id,omitempty"`
	ToolCallID string `json:"tool_call_id,omitempty"`
}

// AddOptions carries the optional fields of an AddMemory write.
type AddOptions struct {
	Kind       string
	TTLSeconds float64
	Tags       []string
	Source     string
	Confidence float64
	Relevance  float64
	UserID     string
	ProjectID  string
	ACL        []string
	Scope      string
	Status     string
	Refs       []Ref
}

// AddMemory validates, redacts, embeds and persists one memory. Returns
// the new row id.
func (s *Store) AddMemory(ctx context.Context, content string, opts AddOptions) (int64, error) {
	scope := opts.Scope
	if scope == "" {
		scope = ScopeShared
	}
	status := opts.Status
	if status == "" {
		status = StatusActive
	}
	if !validScopes[scope] {
		return 0, errors.Newf(errors.CodeInvalidInput, "invalid memory scope: %q", scope)
	}
	if !validStatuses[status] {
		return 0, errors.Newf(errors.CodeInvalidInput, "invalid memory status: %q", status)
	}
	if strings.TrimSpace(content) == "" {
		return 0, errors.New(errors.CodeInvalidInput, "memory content is empty", nil)
	}

	content = Redact(content)

	vec, err := s.embedder.Embed(ctx, content)
	if err != nil {
		return 0, errors.New(errors.CodeMemoryError, "failed to embed content", err)
	}

	confidence := opts.Confidence
	if confidence == 0 {
		confidence = 0.5
	}
	relevance := opts.Relevance
	if relevance == 0 {
		relevance = 0.5
	}

	now := core.Now()
	var expiresAt interface{}
	if opts.TTLSeconds > 0 {
		expiresAt = now + opts.TTLSeconds
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO memories (
			kind, content, embedding, created_at, expires_at, tags, source,
			confidence, relevance, user_id, project_id, acl, scope, status
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		opts.Kind, content, marshalVector(vec), now, expiresAt,
		marshalStrings(opts.Tags), opts.Source, confidence, relevance,
		opts.UserID, opts.ProjectID, marshalStrings(opts.ACL), scope, status,
	)
	if err != nil {
		return 0, errors.New(errors.CodeMemoryError, "failed to insert memory", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, errors.New(errors.CodeMemoryError, "failed to read memory id", err)
	}

	for _, ref := range opts.Refs {
		if _, err := s.db.ExecContext(ctx, `
			INSERT INTO memory_refs (memory_id, run_id, step_id, tool_call_id)
			VALUES (?, ?, ?, ?)
		`, id, ref.RunID, ref.StepID, ref.ToolCallID); err != nil {
			return 0, errors.New(errors.CodeMemoryError, "failed to insert memory ref", err)
		}
	}

	s.mirrorUpsert(ctx, id, content, vec, scope, status)
	return id, nil
}

// mirrorUpsert replicates a write into the optional vector store.
// Best-effort: failures are logged and discarded.
func (s *Store) mirrorUpsert(ctx context.Context, id int64, content string, vec []float32, scope, status string) {
	if s.mirror == nil {
		return
	}
	s.mirrorOnce.Do(func() { s.ensureMirrorCollection(ctx, uint64(len(vec))) })
	err := s.mirror.Upsert(ctx, s.mirrorCollection, []Point{{
		ID:     fmt.Sprintf("%08d-0000-0000-0000-000000000000", id),
		Vector: vec,
		Payload: map[string]interface{}{
			"memory_id": id,
			"content":   content,
			"scope":     scope,
			"status":    status,
		},
	}})
	if err != nil {
		s.logger.Debug("vector mirror upsert failed", "memory_id", id, "error", err)
	}
}

// ensureMirrorCollection creates the mirror collection before the first
// write. Creation failing against an existing collection is fine: a
// probe search that answers means the collection is usable.
func (s *Store) ensureMirrorCollection(ctx context.Context, dim uint64) {
	err := s.mirror.CreateCollection(ctx, s.mirrorCollection, dim)
	if err == nil {
		return
	}
	if _, searchErr := s.mirror.Search(ctx, s.mirrorCollection, make([]float32, dim), 1, 0); searchErr == nil {
		return
	}
	s.logger.Debug("vector mirror collection unavailable",
		"collection", s.mirrorCollection, "error", err)
}

// SetMemoryStatus changes a memory's lifecycle status. Quarantining
// requires a reason.
func (s *Store) SetMemoryStatus(ctx context.Context, id int64, status, reason string) error {
	if !validStatuses[status] {
		return errors.Newf(errors.CodeInvalidInput, "invalid memory status: %q", status)
	}
	if status == StatusQuarantined && strings.TrimSpace(reason) == "" {
		return errors.New(errors.CodeInvalidInput, "quarantine requires a reason", nil)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE memories SET status = ?, quarantine_reason = ? WHERE id = ?
	`, status, reason, id)
	if err != nil {
		return errors.New(errors.CodeMemoryError, "failed to update memory status", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.Newf(errors.CodeNotFound, "memory %d not found", id)
	}
	return nil
}

// PurgeExpired deletes rows whose expires_at has passed. It is run
// opportunistically before every search and is safe to call repeatedly;
// with no writes in between the second call is a no-op.
func (s *Store) PurgeExpired(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM memories WHERE expires_at IS NOT NULL AND expires_at < ?
	`, core.Now())
	if err != nil {
		return 0, errors.New(errors.CodeMemoryError, "failed to purge expired memories", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// SearchOptions filters a memory search.
type SearchOptions struct {
	Limit              int
	Scope              string // empty = any scope
	IncludeQuarantined bool
	MinConfidence      float64
	UserID             string
	ProjectID          string
	ExcludeFailedRuns  bool
}

// Scored pairs a memory with its similarity score.
type Scored struct {
	Memory Memory  `json:"memory"`
	Score  float64 `json:"score"`
}

// failedRunStatuses are persisted run statuses that disqualify a
// memory's provenance.
var failedRunStatuses = map[string]bool{
	"error": true, "failed": true, "stopped": true,
}

// SearchMemory purges expired rows, then returns the top-limit
// memories by cosine similarity to the query, after status, scope,
// confidence, visibility, ACL and failed-run filters. Deterministic:
// identical inputs and store state yield the same ranked list.
func (s *Store) SearchMemory(ctx context.Context, query string, opts SearchOptions) ([]Scored, error) {
	if _, err := s.PurgeExpired(ctx); err != nil {
		return nil, err
	}
	if opts.Limit <= 0 {
		opts.Limit = 5
	}

	queryVec, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, errors.New(errors.CodeMemoryError, "failed to embed query", err)
	}

	where := []string{}
	args := []any{}
	if opts.IncludeQuarantined {
		where = append(where, "status IN (?, ?)")
		args = append(args, StatusActive, StatusQuarantined)
	} else {
		where = append(where, "status = ?")
		args = append(args, StatusActive)
	}
	if opts.Scope != "" {
		where = append(where, "scope = ?")
		args = append(args, opts.Scope)
	}
	if opts.MinConfidence > 0 {
		where = append(where, "confidence >= ?")
		args = append(args, opts.MinConfidence)
	}
	if opts.UserID != "" {
		where = append(where, "(user_id = '' OR user_id IS NULL OR user_id = ?)")
		args = append(args, opts.UserID)
	}
	if opts.ProjectID != "" {
		where = append(where, "(project_id = '' OR project_id IS NULL OR project_id = ?)")
		args = append(args, opts.ProjectID)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, kind, content, embedding, created_at, COALESCE(expires_at, 0),
			tags, source, confidence, relevance,
			COALESCE(user_id, ''), COALESCE(project_id, ''), acl, scope, status,
			COALESCE(quarantine_reason, '')
		FROM memories WHERE `+strings.Join(where, " AND "),
		args...,
	)
	if err != nil {
		return nil, errors.New(errors.CodeMemoryError, "memory search failed", err)
	}
	defer rows.Close()

	var candidates []Memory
	for rows.Next() {
		var (
			m                  Memory
			embJSON, tags, acl sql.NullString
		)
		if err := rows.Scan(
			&m.ID, &m.Kind, &m.Content, &embJSON, &m.CreatedAt, &m.ExpiresAt,
			&tags, &m.Source, &m.Confidence, &m.Relevance,
			&m.UserID, &m.ProjectID, &acl, &m.Scope, &m.Status,
			&m.QuarantineReason,
		); err != nil {
			return nil, err
		}
		m.Embedding = unmarshalVector(embJSON.String)
		m.Tags = unmarshalStrings(tags.String)
		m.ACL = unmarshalStrings(acl.String)
		candidates = append(candidates, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var results []Scored
	for _, m := range candidates {
		// ACL: a non-empty user list restricts access to its members.
		if len(m.ACL) > 0 && !containsString(m.ACL, opts.UserID) {
			continue
		}
		if opts.ExcludeFailedRuns {
			excluded, err := s.referencesOnlyFailedRuns(ctx, m.ID)
			if err != nil {
				return nil, err
			}
			if excluded {
				continue
			}
		}
		score := Cosine(queryVec, m.Embedding)
		if score <= 0 {
			continue
		}
		results = append(results, Scored{Memory: m, Score: score})
	}

	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].Memory.ID < results[j].Memory.ID
	})
	if len(results) > opts.Limit {
		results = results[:opts.Limit]
	}
	return results, nil
}

// referencesOnlyFailedRuns reports whether the memory has references
// and every referenced run's persisted status is a failure status.
func (s *Store) referencesOnlyFailedRuns(ctx context.Context, memoryID int64) (bool, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT r.run_id, COALESCE(t.status, '')
		FROM memory_refs r LEFT JOIN task_runs t ON t.run_id = r.run_id
		WHERE r.memory_id = ? AND r.run_id != ''
	`, memoryID)
	if err != nil {
		return false, errors.New(errors.CodeMemoryError, "failed to read memory refs", err)
	}
	defer rows.Close()

	seen := false
	for rows.Next() {
		var runID, status string
		if err := rows.Scan(&runID, &status); err != nil {
			return false, err
		}
		seen = true
		if !failedRunStatuses[status] {
			// At least one reference points to a healthy run.
			return false, nil
		}
	}
	return seen, rows.Err()
}

// Refs returns a memory's provenance references.
func (s *Store) Refs(ctx context.Context, memoryID int64) ([]Ref, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT memory_id, COALESCE(run_id, ''), COALESCE(step_id, 0), COALESCE(tool_call_id, '')
		FROM memory_refs WHERE memory_id = ? ORDER BY id
	`, memoryID)
	if err != nil {
		return nil, errors.New(errors.CodeMemoryError, "failed to read memory refs", err)
	}
	defer rows.Close()

	var refs []Ref
	for rows.Next() {
		var r Ref
		if err := rows.Scan(&r.MemoryID, &r.RunID, &r.StepID, &r.ToolCallID); err != nil {
			return nil, err
		}
		refs = append(refs, r)
	}
	return refs, rows.Err()
}

func marshalVector(v []float32) string {
	data, _ := json.Marshal(v)
	return string(data)
}

func unmarshalVector(data string) []float32 {
	if data == "" {
		return nil
	}
	var v []float32
	_ = json.Unmarshal([]byte(data), &v)
	return v
}

func marshalStrings(v []string) string {
	if len(v) == 0 {
		return ""
	}
	data, _ := json.Marshal(v)
	return string(data)
}

func unmarshalStrings(data string) []string {
	if data == "" {
		return nil
	}
	var v []string
	_ = json.Unmarshal([]byte(data), &v)
	return v
}

func containsString(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}
