package graph

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	_ "modernc.org/sqlite"
)

func openTestGraph(t *testing.T) *Store {
	t.Helper()
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "graph.db"))
	if err != nil {
		t.Fatal(err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	s, err := New(db)
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestAddEntityGetOrCreate(t *testing.T) {
	g := openTestGraph(t)
	ctx := context.Background()

	first, err := g.AddEntity(ctx, "inbox", "folder")
	if err != nil {
		t.Fatal(err)
	}
	second, err := g.AddEntity(ctx, "inbox", "folder")
	if err != nil {
		t.Fatal(err)
	}
	if first != second {
		t.Errorf("same name created two ids: %d, %d", first, second)
	}

	if _, err := g.AddEntity(ctx, "  ", ""); err == nil {
		t.Error("empty name should fail")
	}
}

func TestNeighborsOneHop(t *testing.T) {
	g := openTestGraph(t)
	ctx := context.Background()

	mustEdge := func(src, rel, dst string) {
		t.Helper()
		if _, err := g.AddEdge(ctx, src, rel, dst); err != nil {
			t.Fatal(err)
		}
	}
	mustEdge("alice", "manages", "billing")
	mustEdge("alice", "owns", "laptop")
	mustEdge("billing", "uses", "stripe")

	neighbors, err := g.Neighbors(ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if len(neighbors) != 2 {
		t.Fatalf("got %d neighbors, want 2 (one hop only)", len(neighbors))
	}
	for _, n := range neighbors {
		if n.Entity.Name == "stripe" {
			t.Error("two-hop entity returned")
		}
	}

	// Edges are directed: billing does not point back to alice.
	neighbors, err = g.Neighbors(ctx, "billing")
	if err != nil {
		t.Fatal(err)
	}
	if len(neighbors) != 1 || neighbors[0].Entity.Name != "stripe" {
		t.Errorf("billing neighbors = %v", neighbors)
	}

	neighbors, err = g.Neighbors(ctx, "ghost")
	if err != nil {
		t.Fatal(err)
	}
	if len(neighbors) != 0 {
		t.Error("unknown entity should have no neighbors")
	}
}

func TestDuplicateEdgesPermitted(t *testing.T) {
	g := openTestGraph(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := g.AddEdge(ctx, "a", "likes", "b"); err != nil {
			t.Fatal(err)
		}
	}
	neighbors, err := g.Neighbors(ctx, "a")
	if err != nil {
		t.Fatal(err)
	}
	if len(neighbors) != 3 {
		t.Errorf("got %d edges, want 3 duplicates preserved", len(neighbors))
	}
}

func TestMatchEntities(t *testing.T) {
	g := openTestGraph(t)
	ctx := context.Background()

	for _, name := range []string{"Stripe", "invoice", "laptop"} {
		if _, err := g.AddEntity(ctx, name, ""); err != nil {
			t.Fatal(err)
		}
	}

	matches, err := g.MatchEntities(ctx, "pay the stripe invoice tomorrow")
	if err != nil {
		t.Fatal(err)
	}
	if len(matches) != 2 {
		t.Fatalf("matches = %v, want Stripe and invoice", matches)
	}
	found := map[string]bool{}
	for _, m := range matches {
		found[m] = true
	}
	if !found["Stripe"] || !found["invoice"] {
		t.Errorf("matches = %v", matches)
	}
}
