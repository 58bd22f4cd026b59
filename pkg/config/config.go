// Package config loads the runtime configuration. The resulting Config
// is constructed once at startup and passed into every component
// constructor; nothing reads ambient environment state after that.
package config

import (
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

type Config struct {
	DataDir   string          `koanf:"data_dir"`
	Log       LogConfig       `koanf:"log"`
	LLM       LLMConfig       `koanf:"llm"`
	Memory    MemoryConfig    `koanf:"memory"`
	RAG       RAGConfig       `koanf:"rag"`
	A2A       A2AConfig       `koanf:"a2a"`
	Queue     QueueConfig     `koanf:"queue"`
	Telemetry TelemetryConfig `koanf:"telemetry"`
	Tools     ToolsConfig     `koanf:"tools"`
}

type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"` // json, text
}

type LLMConfig struct {
	Provider string `koanf:"provider"` // ollama, mock
	Model    string `koanf:"model"`
	BaseURL  string `koanf:"base_url"`
	APIKey   string `koanf:"api_key"`
}

type MemoryConfig struct {
	Path         string `koanf:"path"`
	Embedder     string `koanf:"embedder"` // hash, ollama
	EmbedModel   string `koanf:"embed_model"`
	EmbeddingDim int    `koanf:"embedding_dim"`
	ShortTTL     int    `koanf:"short_ttl"` // seconds
	LongTTL      int    `koanf:"long_ttl"`  // seconds
	// Mirror settings for the optional vector store replica.
	MirrorEnabled    bool   `koanf:"mirror_enabled"`
	QdrantAddr       string `koanf:"qdrant_addr"`
	QdrantCollection string `koanf:"qdrant_collection"`
}

type RAGConfig struct {
	ChunkSize        int    `koanf:"chunk_size"`
	MinChars         int    `koanf:"min_chars"`
	ConstitutionPath string `koanf:"constitution_path"`
}

type A2AConfig struct {
	Listen       bool              `koanf:"listen"`
	Host         string            `koanf:"host"`
	Port         int               `koanf:"port"`
	SharedSecret string            `koanf:"shared_secret"`
	Peers        map[string]string `koanf:"peers"` // name -> host:port
	Retries      int               `koanf:"retries"`
	BackoffMs    int               `koanf:"backoff_ms"`
}

type QueueConfig struct {
	Size int `koanf:"size"`
}

type TelemetryConfig struct {
	Exporter     string `koanf:"exporter"` // stdout, otlp, none
	OTLPEndpoint string `koanf:"otlp_endpoint"`
	OTLPInsecure bool   `koanf:"otlp_insecure"`
}

// ToolsConfig declares externally provided tools and their risk metadata.
type ToolsConfig struct {
	// Approval selects the confirmation policy for steps flagged
	// requires_confirmation: auto or console.
	Approval string                     `koanf:"approval"`
	MCP      map[string]MCPServerConfig `koanf:"mcp"`
}

// MCPServerConfig describes one MCP server whose tools are registered
// into the tool registry.
type MCPServerConfig struct {
	Transport        string   `koanf:"transport"` // stdio, http
	Command          string   `koanf:"command"`
	Args             []string `koanf:"args"`
	URL              string   `koanf:"url"`
	Risk             string   `koanf:"risk"`
	RequiresApproval bool     `koanf:"requires_approval"`
}

// Load builds the configuration: defaults, then the YAML file at path
// (if any), then FAMULUS_-prefixed environment variables. A .env file in
// the working directory is applied to the environment first, best-effort.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	k := koanf.New(".")

	defaults := map[string]interface{}{
		"data_dir":   "data",
		"log.level":  "info",
		"log.format": "text",

		"llm.provider": "ollama",
		"llm.model":    "qwen2.5-coder:7b-instruct-q5_K_M",
		"llm.base_url": "http://localhost:11434",

		"memory.path":              filepath.Join("data", "famulus.db"),
		"memory.embedder":          "hash",
		"memory.embed_model":       "nomic-embed-text",
		"memory.embedding_dim":     256,
		"memory.short_ttl":         86400,
		"memory.long_ttl":          2592000,
		"memory.mirror_enabled":    false,
		"memory.qdrant_addr":       "localhost:6334",
		"memory.qdrant_collection": "famulus_memories",

		"rag.chunk_size": 1000,
		"rag.min_chars":  200,

		"a2a.listen":     false,
		"a2a.host":       "127.0.0.1",
		"a2a.port":       9410,
		"a2a.retries":    2,
		"a2a.backoff_ms": 500,

		"queue.size": 100,

		"telemetry.exporter": "stdout",

		"tools.approval": "auto",
	}
	for key, value := range defaults {
		_ = k.Set(key, value)
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, err
		}
	}

	// FAMULUS_A2A_PORT -> a2a.port
	if err := k.Load(env.Provider("FAMULUS_", ".", func(s string) string {
		return strings.Replace(strings.ToLower(
			strings.TrimPrefix(s, "FAMULUS_")), "_", ".", -1)
	}), nil); err != nil {
		return nil, err
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}
