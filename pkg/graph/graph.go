// Package graph is the entity/relationship index: a directed labeled
// multigraph layered on the shared SQLite handle. Duplicate edges are
// permitted; the edge list is append-only provenance.
package graph

import (
	"context"
	"database/sql"
	"strings"

	"github.com/famulus-ai/famulus/pkg/errors"
)

// Entity is a named node.
type Entity struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
	Type string `json:"entity_type"`
}

// Edge is one directed labeled relation.
type Edge struct {
	ID    int64  `json:"id"`
	SrcID int64  `json:"src_id"`
	Rel   string `json:"rel"`
	DstID int64  `json:"dst_id"`
}

// Neighbor is one hop outward from an entity.
type Neighbor struct {
	Rel    string `json:"rel"`
	Entity Entity `json:"entity"`
}

// Store holds the graph tables.
type Store struct {
	db *sql.DB
}

// New ensures the schema on the shared handle.
func New(db *sql.DB) (*Store, error) {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS graph_entities (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL,
			entity_type TEXT
		);
		CREATE INDEX IF NOT EXISTS idx_graph_entities_name ON graph_entities(name);
		CREATE TABLE IF NOT EXISTS graph_edges (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			src_id INTEGER NOT NULL,
			rel TEXT NOT NULL,
			dst_id INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_graph_edges_src ON graph_edges(src_id);
	`)
	if err != nil {
		return nil, errors.New(errors.CodeMemoryError, "failed to ensure graph schema", err)
	}
	return &Store{db: db}, nil
}

// AddEntity returns the id for name, creating the entity if it is new.
// An existing entity's type is not overwritten.
func (s *Store) AddEntity(ctx context.Context, name, entityType string) (int64, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return 0, errors.New(errors.CodeInvalidInput, "entity name is empty", nil)
	}
	var id int64
	err := s.db.QueryRowContext(ctx,
		`SELECT id FROM graph_entities WHERE name = ? LIMIT 1`, name).Scan(&id)
	if err == nil {
		return id, nil
	}
	if err != sql.ErrNoRows {
		return 0, errors.New(errors.CodeMemoryError, "failed to look up entity", err)
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO graph_entities (name, entity_type) VALUES (?, ?)`, name, entityType)
	if err != nil {
		return 0, errors.New(errors.CodeMemoryError, "failed to insert entity", err)
	}
	return res.LastInsertId()
}

// AddEdge records src -[rel]-> dst, creating missing entities. The same
// triple may be added any number of times.
func (s *Store) AddEdge(ctx context.Context, srcName, rel, dstName string) (int64, error) {
	if strings.TrimSpace(rel) == "" {
		return 0, errors.New(errors.CodeInvalidInput, "edge relation is empty", nil)
	}
	srcID, err := s.AddEntity(ctx, srcName, "")
	if err != nil {
		return 0, err
	}
	dstID, err := s.AddEntity(ctx, dstName, "")
	if err != nil {
		return 0, err
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO graph_edges (src_id, rel, dst_id) VALUES (?, ?, ?)`,
		srcID, rel, dstID)
	if err != nil {
		return 0, errors.New(errors.CodeMemoryError, "failed to insert edge", err)
	}
	return res.LastInsertId()
}

// Neighbors returns the entities one hop outward from the named entity,
// with the relation that connects them. Unknown names yield an empty
// result, not an error.
func (s *Store) Neighbors(ctx context.Context, name string) ([]Neighbor, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT e.rel, d.id, d.name, COALESCE(d.entity_type, '')
		FROM graph_entities src
		JOIN graph_edges e ON e.src_id = src.id
		JOIN graph_entities d ON d.id = e.dst_id
		WHERE src.name = ?
		ORDER BY e.id
	`, name)
	if err != nil {
		return nil, errors.New(errors.CodeMemoryError, "neighbor query failed", err)
	}
	defer rows.Close()

	var out []Neighbor
	for rows.Next() {
		var n Neighbor
		if err := rows.Scan(&n.Rel, &n.Entity.ID, &n.Entity.Name, &n.Entity.Type); err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// MatchEntities returns the names of known entities whose name appears
// in text (case-insensitive). Used for hybrid query expansion.
func (s *Store) MatchEntities(ctx context.Context, text string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT name FROM graph_entities ORDER BY name`)
	if err != nil {
		return nil, errors.New(errors.CodeMemoryError, "entity scan failed", err)
	}
	defer rows.Close()

	lower := strings.ToLower(text)
	var matches []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		if name != "" && strings.Contains(lower, strings.ToLower(name)) {
			matches = append(matches, name)
		}
	}
	return matches, rows.Err()
}
