// Package engine composes the runtime: configuration in, a wired
// controller with its memory, retrieval, messaging and queue
// subsystems out.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/famulus-ai/famulus/pkg/a2a"
	"github.com/famulus-ai/famulus/pkg/config"
	"github.com/famulus-ai/famulus/pkg/controller"
	"github.com/famulus-ai/famulus/pkg/core"
	"github.com/famulus-ai/famulus/pkg/errors"
	"github.com/famulus-ai/famulus/pkg/governance"
	"github.com/famulus-ai/famulus/pkg/graph"
	"github.com/famulus-ai/famulus/pkg/llm"
	"github.com/famulus-ai/famulus/pkg/mcp"
	"github.com/famulus-ai/famulus/pkg/memory"
	ollamaembed "github.com/famulus-ai/famulus/pkg/memory/ollama"
	"github.com/famulus-ai/famulus/pkg/memory/qdrant"
	"github.com/famulus-ai/famulus/pkg/queue"
	"github.com/famulus-ai/famulus/pkg/rag"
	"github.com/famulus-ai/famulus/pkg/telemetry"
	"github.com/famulus-ai/famulus/pkg/tool"
)

// Version is stamped into telemetry and the CLI.
const Version = "0.1.0"

// Engine owns every subsystem for one agent instance.
type Engine struct {
	cfg    *config.Config
	logger *slog.Logger

	store      *memory.Store
	rag        *rag.Store
	graph      *graph.Store
	bus        *a2a.Bus
	network    *a2a.Network
	server     *a2a.Server
	queue      *queue.Queue
	registry   *tool.Registry
	controller *controller.Controller
	provider   llm.Provider
	metrics    *telemetry.RunMetrics

	mcpClients  []*mcp.Client
	shutdownTel telemetry.ShutdownFunc
}

// New wires the runtime from a loaded configuration. MCP server and
// vector-mirror failures are logged and skipped; a missing optional
// backend must not prevent startup.
func New(ctx context.Context, cfg *config.Config) (*Engine, error) {
	if cfg == nil {
		return nil, errors.New(errors.CodeInvalidInput, "configuration is required", nil)
	}

	logger := telemetry.ConfigureSlog(os.Stderr, cfg.Log.Level, cfg.Log.Format)
	shutdownTel, err := telemetry.InitWithConfig("famulus", Version, telemetry.Config{
		Exporter:     cfg.Telemetry.Exporter,
		OTLPEndpoint: cfg.Telemetry.OTLPEndpoint,
		OTLPInsecure: cfg.Telemetry.OTLPInsecure,
	})
	if err != nil {
		return nil, err
	}

	e := &Engine{cfg: cfg, logger: logger, shutdownTel: shutdownTel}
	if err := e.wire(ctx); err != nil {
		_ = shutdownTel(context.Background())
		e.closePartial()
		return nil, err
	}
	return e, nil
}

func (e *Engine) wire(ctx context.Context) error {
	cfg := e.cfg

	if dir := filepath.Dir(cfg.Memory.Path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return errors.New(errors.CodeInternal, "failed to create data directory", err).
				WithContext("dir", dir)
		}
	}

	storeOpts := []memory.Option{
		memory.WithLogger(e.logger),
		memory.WithEmbedder(e.buildEmbedder()),
	}
	if cfg.Memory.MirrorEnabled {
		if mirror, err := qdrant.New(cfg.Memory.QdrantAddr); err != nil {
			e.logger.Warn("vector mirror unavailable, continuing without it",
				"addr", cfg.Memory.QdrantAddr, "error", err)
		} else {
			storeOpts = append(storeOpts,
				memory.WithVectorMirror(mirror, cfg.Memory.QdrantCollection))
		}
	}
	store, err := memory.Open(cfg.Memory.Path, storeOpts...)
	if err != nil {
		return err
	}
	e.store = store

	constitution, err := e.buildConstitution()
	if err != nil {
		return err
	}
	ragStore, err := rag.New(store.DB(), store.Embedder(),
		rag.WithChunkSize(cfg.RAG.ChunkSize),
		rag.WithConstitution(constitution))
	if err != nil {
		return err
	}
	e.rag = ragStore

	graphStore, err := graph.New(store.DB())
	if err != nil {
		return err
	}
	e.graph = graphStore

	bus, err := a2a.NewBus(store.DB())
	if err != nil {
		return err
	}
	e.bus = bus
	e.network = a2a.NewNetwork(bus, a2a.NetworkOptions{
		Peers:        cfg.A2A.Peers,
		SharedSecret: cfg.A2A.SharedSecret,
		Retries:      cfg.A2A.Retries,
		Backoff:      time.Duration(cfg.A2A.BackoffMs) * time.Millisecond,
		Logger:       e.logger,
	})
	if cfg.A2A.Listen {
		handler := a2a.NewHandler(bus, cfg.A2A.SharedSecret, e.onPeerMessage, e.logger)
		e.server = a2a.NewServer(cfg.A2A.Host, cfg.A2A.Port, handler)
	}

	e.queue = queue.New(cfg.Queue.Size, e.logger)

	e.registry = tool.NewRegistry()
	e.registerBuiltins()
	e.registerMCPServers(ctx)

	metrics, err := telemetry.NewRunMetrics()
	if err != nil {
		e.logger.Warn("run metrics unavailable", "error", err)
	} else {
		e.metrics = metrics
	}

	e.provider = e.buildProvider()
	ctrl, err := controller.New(e.registry, store,
		controller.WithProvider(e.provider, cfg.LLM.Model),
		controller.WithApprovalHook(e.buildApprovalHook()),
		controller.WithMetrics(e.metrics),
		controller.WithLogger(e.logger))
	if err != nil {
		return err
	}
	e.controller = ctrl
	return nil
}

func (e *Engine) buildEmbedder() memory.Embedder {
	cfg := e.cfg
	if cfg.Memory.Embedder == "ollama" {
		return ollamaembed.NewEmbedder(cfg.LLM.BaseURL, cfg.Memory.EmbedModel)
	}
	dim := cfg.Memory.EmbeddingDim
	if dim <= 0 {
		dim = memory.DefaultEmbeddingDim
	}
	return memory.NewHashEmbedder(dim)
}

func (e *Engine) buildConstitution() (*rag.Constitution, error) {
	if e.cfg.RAG.ConstitutionPath != "" {
		return rag.LoadConstitution(e.cfg.RAG.ConstitutionPath)
	}
	c := rag.DefaultConstitution()
	if e.cfg.RAG.MinChars > 0 {
		c.MinChars = e.cfg.RAG.MinChars
	}
	return c, nil
}

func (e *Engine) buildApprovalHook() governance.ApprovalHook {
	if e.cfg.Tools.Approval == "console" {
		return governance.NewConsoleApprovalHook()
	}
	return governance.AutoApprove{}
}

func (e *Engine) buildProvider() llm.Provider {
	switch e.cfg.LLM.Provider {
	case "mock":
		return &llm.MockProvider{}
	default:
		return llm.NewOllama(e.cfg.LLM.BaseURL)
	}
}

// registerBuiltins wires the tools implemented by the runtime itself:
// peer messaging and the retrieval stores. Action drivers (browser,
// desktop, shell) arrive through MCP servers.
func (e *Engine) registerBuiltins() {
	_ = e.registry.Register(&tool.Func{
		ToolName: "a2a_send",
		ToolRisk: core.RiskCaution,
		Fn:       e.toolSend,
	})
	_ = e.registry.Register(&tool.Func{
		ToolName: "memory_search",
		ToolRisk: core.RiskSafe,
		Fn:       e.toolMemorySearch,
	})
	_ = e.registry.Register(&tool.Func{
		ToolName: "rag_search",
		ToolRisk: core.RiskSafe,
		Fn:       e.toolRAGSearch,
	})
}

func (e *Engine) toolSend(ctx context.Context, args string) (string, error) {
	var req struct {
		Peer    string `json:"peer"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal([]byte(args), &req); err != nil {
		return "", errors.New(errors.CodeInvalidInput, "a2a_send expects a JSON object with peer and message", err)
	}
	ack, err := e.network.Send(ctx, req.Peer, "famulus", req.Peer, req.Message)
	if err != nil {
		return "", err
	}
	e.metrics.RecordMessage(ctx, "sent", true)
	return fmt.Sprintf("delivered to %s (message_id %v)", req.Peer, ack["message_id"]), nil
}

func (e *Engine) toolMemorySearch(ctx context.Context, args string) (string, error) {
	results, err := e.store.SearchMemory(ctx, args, memory.SearchOptions{Limit: 5})
	if err != nil {
		return "", err
	}
	return formatHits(len(results), func(i int) string { return results[i].Memory.Content }), nil
}

func (e *Engine) toolRAGSearch(ctx context.Context, args string) (string, error) {
	results, err := e.rag.HybridSearch(ctx, e.graph, args, 5)
	if err != nil {
		return "", err
	}
	return formatHits(len(results), func(i int) string { return results[i].Chunk.Text }), nil
}

func formatHits(n int, text func(int) string) string {
	if n == 0 {
		return "no results"
	}
	out := ""
	for i := 0; i < n; i++ {
		out += fmt.Sprintf("%d. %s\n", i+1, text(i))
	}
	return out
}

// registerMCPServers connects each configured MCP server and registers
// its tools with the locally configured risk metadata. A server that
// fails to connect is skipped.
func (e *Engine) registerMCPServers(ctx context.Context) {
	for name, sc := range e.cfg.Tools.MCP {
		client, err := e.connectMCP(ctx, sc)
		if err != nil {
			e.logger.Warn("mcp server unavailable, skipping",
				"server", name, "error", err)
			continue
		}
		tools, err := client.ListTools(ctx)
		if err != nil {
			e.logger.Warn("mcp tool discovery failed, skipping",
				"server", name, "error", err)
			client.Close()
			continue
		}
		e.mcpClients = append(e.mcpClients, client)
		for _, def := range tools {
			mt, err := tool.NewMCPTool(def, client, core.Risk(sc.Risk), sc.RequiresApproval)
			if err != nil {
				e.logger.Warn("skipping mcp tool",
					"server", name, "tool", def.Name, "error", err)
				continue
			}
			_ = e.registry.Register(mt)
		}
		e.logger.Info("registered mcp server", "server", name, "tools", len(tools))
	}
}

func (e *Engine) connectMCP(ctx context.Context, sc config.MCPServerConfig) (*mcp.Client, error) {
	switch sc.Transport {
	case "http":
		return mcp.NewStreamableHTTP(ctx, sc.URL, nil)
	default:
		return mcp.NewStdio(ctx, sc.Command, sc.Args)
	}
}

// onPeerMessage hands inbound peer traffic to the task queue so the
// HTTP handler returns immediately; the worker records it serially.
func (e *Engine) onPeerMessage(payload map[string]interface{}) {
	err := e.queue.Enqueue(context.Background(), func(ctx context.Context) {
		e.metrics.RecordMessage(ctx, "received", true)
		_ = e.store.LogEvent(ctx, "a2a_message", payload)
	})
	if err != nil {
		e.logger.Warn("inbound a2a event not queued", "error", err)
	}
}

// Start brings up the queue worker and, when configured, the A2A
// listener.
func (e *Engine) Start() error {
	e.queue.Start()
	if e.server != nil {
		if err := e.server.Start(); err != nil {
			return err
		}
		e.logger.Info("a2a listener started", "addr", e.server.Addr())
	}
	e.logger.Info("engine started",
		"tools", len(e.registry.List()), "peers", len(e.cfg.A2A.Peers))
	return nil
}

// Stop shuts everything down: listener first, then the queue drains,
// then storage and telemetry.
func (e *Engine) Stop(ctx context.Context) error {
	var firstErr error
	if e.server != nil {
		if err := e.server.Stop(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := e.queue.Stop(ctx); err != nil && firstErr == nil {
		firstErr = err
	}
	for _, c := range e.mcpClients {
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := e.store.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := e.shutdownTel(ctx); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

func (e *Engine) closePartial() {
	for _, c := range e.mcpClients {
		_ = c.Close()
	}
	if e.store != nil {
		_ = e.store.Close()
	}
}

// Accessors for the CLI and embedding callers.

func (e *Engine) Config() *config.Config             { return e.cfg }
func (e *Engine) Logger() *slog.Logger               { return e.logger }
func (e *Engine) Store() *memory.Store               { return e.store }
func (e *Engine) RAG() *rag.Store                    { return e.rag }
func (e *Engine) Graph() *graph.Store                { return e.graph }
func (e *Engine) Bus() *a2a.Bus                      { return e.bus }
func (e *Engine) Network() *a2a.Network              { return e.network }
func (e *Engine) Queue() *queue.Queue                { return e.queue }
func (e *Engine) Registry() *tool.Registry           { return e.registry }
func (e *Engine) Controller() *controller.Controller { return e.controller }
