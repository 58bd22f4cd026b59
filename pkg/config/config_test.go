package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Memory.EmbeddingDim != 256 {
		t.Errorf("embedding_dim = %d, want 256", cfg.Memory.EmbeddingDim)
	}
	if cfg.Queue.Size != 100 {
		t.Errorf("queue.size = %d, want 100", cfg.Queue.Size)
	}
	if cfg.RAG.ChunkSize != 1000 {
		t.Errorf("rag.chunk_size = %d, want 1000", cfg.RAG.ChunkSize)
	}
	if cfg.A2A.Retries != 2 || cfg.A2A.BackoffMs != 500 {
		t.Errorf("a2a retry defaults = %d/%dms", cfg.A2A.Retries, cfg.A2A.BackoffMs)
	}
	if cfg.Log.Level != "info" {
		t.Errorf("log.level = %q, want info", cfg.Log.Level)
	}
}

func TestLoadYAMLFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "famulus.yaml")
	data := []byte(`
log:
  level: debug
a2a:
  port: 9999
  peers:
    alfred: "127.0.0.1:9501"
memory:
  embedding_dim: 64
`)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("log.level = %q, want debug", cfg.Log.Level)
	}
	if cfg.A2A.Port != 9999 {
		t.Errorf("a2a.port = %d, want 9999", cfg.A2A.Port)
	}
	if cfg.A2A.Peers["alfred"] != "127.0.0.1:9501" {
		t.Errorf("peers = %v", cfg.A2A.Peers)
	}
	if cfg.Memory.EmbeddingDim != 64 {
		t.Errorf("embedding_dim = %d, want 64", cfg.Memory.EmbeddingDim)
	}
	// Untouched keys keep their defaults.
	if cfg.RAG.MinChars != 200 {
		t.Errorf("rag.min_chars = %d, want 200", cfg.RAG.MinChars)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("FAMULUS_LLM_MODEL", "llama3.1:8b")
	t.Setenv("FAMULUS_QUEUE_SIZE", "7")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.LLM.Model != "llama3.1:8b" {
		t.Errorf("llm.model = %q", cfg.LLM.Model)
	}
	if cfg.Queue.Size != 7 {
		t.Errorf("queue.size = %d, want 7", cfg.Queue.Size)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}
