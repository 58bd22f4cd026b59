// Command famulus is the agent runtime CLI: it serves the A2A
// listener, runs instructions through the orchestration engine and
// gives direct access to the memory, retrieval and messaging stores.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/famulus-ai/famulus/pkg/config"
	"github.com/famulus-ai/famulus/pkg/core"
	"github.com/famulus-ai/famulus/pkg/engine"
	"github.com/famulus-ai/famulus/pkg/memory"
	"github.com/famulus-ai/famulus/pkg/orchestrator"
	"github.com/famulus-ai/famulus/pkg/rag"
)

type globalFlags struct {
	ConfigPath string
	JSON       bool
	Timeout    time.Duration
	Help       bool
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	global, args, err := parseGlobalFlags(os.Args[1:])
	if err != nil {
		fatal(err)
	}
	if global.Help || len(args) == 0 {
		printUsage()
		return
	}

	cmd := args[0]
	switch cmd {
	case "version":
		fmt.Printf("famulus %s\n", engine.Version)
		return
	case "help":
		printUsage()
		return
	}

	cfg, err := config.Load(global.ConfigPath)
	if err != nil {
		fatal(err)
	}
	if cmd == "serve" {
		// serve implies the listener regardless of the config default.
		cfg.A2A.Listen = true
	}
	eng, err := engine.New(ctx, cfg)
	if err != nil {
		fatal(err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = eng.Stop(shutdownCtx)
	}()

	switch cmd {
	case "serve":
		runServe(ctx, eng)
	case "run":
		runInstruction(ctx, global, eng, args[1:])
	case "memory":
		runMemory(ctx, global, eng, args[1:])
	case "rag":
		runRAG(ctx, global, eng, args[1:])
	case "a2a":
		runA2A(ctx, global, eng, args[1:])
	case "graph":
		runGraph(ctx, global, eng, args[1:])
	default:
		fatal(fmt.Errorf("unknown command %q", cmd))
	}
}

func parseGlobalFlags(args []string) (globalFlags, []string, error) {
	flags := globalFlags{Timeout: 10 * time.Minute}
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if !strings.HasPrefix(arg, "-") {
			return flags, args[i:], nil
		}
		switch {
		case arg == "-h" || arg == "--help":
			flags.Help = true
			return flags, nil, nil
		case arg == "--json":
			flags.JSON = true
		case arg == "--config":
			if i+1 >= len(args) {
				return flags, nil, fmt.Errorf("missing value for --config")
			}
			flags.ConfigPath = args[i+1]
			i++
		case strings.HasPrefix(arg, "--config="):
			flags.ConfigPath = strings.TrimPrefix(arg, "--config=")
		case arg == "--timeout":
			if i+1 >= len(args) {
				return flags, nil, fmt.Errorf("missing value for --timeout")
			}
			value, err := time.ParseDuration(args[i+1])
			if err != nil {
				return flags, nil, fmt.Errorf("invalid --timeout: %w", err)
			}
			flags.Timeout = value
			i++
		case strings.HasPrefix(arg, "--timeout="):
			value, err := time.ParseDuration(strings.TrimPrefix(arg, "--timeout="))
			if err != nil {
				return flags, nil, fmt.Errorf("invalid --timeout: %w", err)
			}
			flags.Timeout = value
		default:
			return flags, nil, fmt.Errorf("unknown global flag %q", arg)
		}
	}
	return flags, nil, nil
}

func runServe(ctx context.Context, eng *engine.Engine) {
	if err := eng.Start(); err != nil {
		fatal(err)
	}
	fmt.Printf("famulus serving; a2a peers: %d (ctrl-c to stop)\n", len(eng.Config().A2A.Peers))
	<-ctx.Done()
}

func runInstruction(ctx context.Context, global globalFlags, eng *engine.Engine, args []string) {
	cmd := flag.NewFlagSet("run", flag.ExitOnError)
	twoAgent := cmd.Bool("two-agent", false, "replan once on failure")
	if err := cmd.Parse(args); err != nil {
		fatal(err)
	}
	instruction := strings.Join(cmd.Args(), " ")
	if instruction == "" {
		fatal(fmt.Errorf("usage: famulus run [--two-agent] <instruction>"))
	}

	ctx, cancel := context.WithTimeout(ctx, global.Timeout)
	defer cancel()

	ctrl := eng.Controller()
	if *twoAgent {
		report, err := ctrl.RunTwoAgent(ctx, instruction, 2)
		if err != nil {
			fatal(err)
		}
		printReport(global, report)
		return
	}

	run, err := ctrl.PlanTask(ctx, instruction)
	if err != nil {
		fatal(err)
	}
	if err := ctrl.ApproveRun(ctx, run.RunID); err != nil {
		fatal(err)
	}
	select {
	case <-run.Done():
	case <-ctx.Done():
		fatal(fmt.Errorf("timed out waiting for run %s", run.RunID))
	}
	printReport(global, run.Report)
	if run.Status() == orchestrator.StateError {
		os.Exit(1)
	}
}

func runMemory(ctx context.Context, global globalFlags, eng *engine.Engine, args []string) {
	if len(args) == 0 {
		fatal(fmt.Errorf("usage: famulus memory <add|search|prune>"))
	}
	store := eng.Store()

	switch args[0] {
	case "add":
		cmd := flag.NewFlagSet("memory add", flag.ExitOnError)
		kind := cmd.String("kind", "fact", "memory kind")
		scope := cmd.String("scope", "shared", "shared or private")
		ttl := cmd.Float64("ttl", 0, "seconds until expiry (0 = never)")
		tags := cmd.String("tags", "", "comma-separated tags")
		if err := cmd.Parse(args[1:]); err != nil {
			fatal(err)
		}
		content := strings.Join(cmd.Args(), " ")
		if content == "" {
			fatal(fmt.Errorf("usage: famulus memory add [flags] <content>"))
		}
		id, err := store.AddMemory(ctx, content, memory.AddOptions{
			Kind:       *kind,
			Scope:      *scope,
			TTLSeconds: *ttl,
			Tags:       splitList(*tags),
		})
		if err != nil {
			fatal(err)
		}
		fmt.Printf("memory %d stored\n", id)

	case "search":
		cmd := flag.NewFlagSet("memory search", flag.ExitOnError)
		limit := cmd.Int("limit", 5, "max results")
		scope := cmd.String("scope", "", "restrict to shared or private")
		minConfidence := cmd.Float64("min-confidence", 0, "confidence floor")
		quarantined := cmd.Bool("include-quarantined", false, "include quarantined memories")
		excludeFailed := cmd.Bool("exclude-failed-runs", false, "drop memories sourced from failed runs")
		if err := cmd.Parse(args[1:]); err != nil {
			fatal(err)
		}
		query := strings.Join(cmd.Args(), " ")
		results, err := store.SearchMemory(ctx, query, memory.SearchOptions{
			Limit:              *limit,
			Scope:              *scope,
			MinConfidence:      *minConfidence,
			IncludeQuarantined: *quarantined,
			ExcludeFailedRuns:  *excludeFailed,
		})
		if err != nil {
			fatal(err)
		}
		if global.JSON {
			printJSON(results)
			return
		}
		writer := newTabWriter()
		writeRow(writer, "ID", "SCORE", "KIND", "CONTENT")
		for _, r := range results {
			writeRow(writer, strconv.FormatInt(r.Memory.ID, 10),
				fmt.Sprintf("%.3f", r.Score), r.Memory.Kind, clip(r.Memory.Content, 80))
		}
		_ = writer.Flush()

	case "prune":
		n, err := store.PurgeExpired(ctx)
		if err != nil {
			fatal(err)
		}
		fmt.Printf("pruned %d expired memories\n", n)

	default:
		fatal(fmt.Errorf("unknown memory subcommand %q", args[0]))
	}
}

func runRAG(ctx context.Context, global globalFlags, eng *engine.Engine, args []string) {
	if len(args) == 0 {
		fatal(fmt.Errorf("usage: famulus rag <index|search|rank|sources>"))
	}
	store := eng.RAG()

	switch args[0] {
	case "index":
		if len(args) != 2 {
			fatal(fmt.Errorf("usage: famulus rag index <path>"))
		}
		chunks, err := store.IndexFile(ctx, args[1])
		if err != nil {
			fatal(err)
		}
		fmt.Printf("indexed %s: %d chunks\n", args[1], chunks)

	case "search":
		cmd := flag.NewFlagSet("rag search", flag.ExitOnError)
		limit := cmd.Int("limit", 5, "max results")
		hybrid := cmd.Bool("hybrid", false, "expand the query with graph entities")
		if err := cmd.Parse(args[1:]); err != nil {
			fatal(err)
		}
		query := strings.Join(cmd.Args(), " ")
		search := store.Search
		if *hybrid {
			search = func(ctx context.Context, q string, n int) ([]rag.Result, error) {
				return store.HybridSearch(ctx, eng.Graph(), q, n)
			}
		}
		results, err := search(ctx, query, *limit)
		if err != nil {
			fatal(err)
		}
		if global.JSON {
			printJSON(results)
			return
		}
		writer := newTabWriter()
		writeRow(writer, "SOURCE", "SCORE", "TEXT")
		for _, r := range results {
			writeRow(writer, r.Chunk.Source, fmt.Sprintf("%.3f", r.Score), clip(r.Chunk.Text, 80))
		}
		_ = writer.Flush()

	case "rank":
		if len(args) != 3 {
			fatal(fmt.Errorf("usage: famulus rag rank <source> <rank>"))
		}
		rank, err := strconv.ParseFloat(args[2], 64)
		if err != nil {
			fatal(fmt.Errorf("invalid rank: %w", err))
		}
		n, err := store.SetSourceRank(ctx, args[1], rank)
		if err != nil {
			fatal(err)
		}
		fmt.Printf("updated %d chunks of %s to rank %.2f\n", n, args[1], rank)

	case "sources":
		sources, err := store.ListSources(ctx)
		if err != nil {
			fatal(err)
		}
		if global.JSON {
			printJSON(sources)
			return
		}
		writer := newTabWriter()
		writeRow(writer, "SOURCE", "CHUNKS", "AVG RANK")
		for _, s := range sources {
			writeRow(writer, s.Source, strconv.Itoa(s.Chunks), fmt.Sprintf("%.2f", s.AvgRank))
		}
		_ = writer.Flush()

	default:
		fatal(fmt.Errorf("unknown rag subcommand %q", args[0]))
	}
}

func runA2A(ctx context.Context, global globalFlags, eng *engine.Engine, args []string) {
	if len(args) == 0 {
		fatal(fmt.Errorf("usage: famulus a2a <send|broadcast|recent>"))
	}

	switch args[0] {
	case "send":
		if len(args) < 3 {
			fatal(fmt.Errorf("usage: famulus a2a send <peer> <message>"))
		}
		peer := args[1]
		message := strings.Join(args[2:], " ")
		ack, err := eng.Network().Send(ctx, peer, "famulus-cli", peer, message)
		if err != nil {
			fatal(err)
		}
		fmt.Printf("delivered, message_id=%v\n", ack["message_id"])

	case "broadcast":
		if len(args) < 2 {
			fatal(fmt.Errorf("usage: famulus a2a broadcast <message>"))
		}
		message := strings.Join(args[1:], " ")
		results := eng.Network().Broadcast(ctx, "famulus-cli", message)
		for peer, err := range results {
			if err != nil {
				fmt.Printf("%s: FAILED (%v)\n", peer, err)
			} else {
				fmt.Printf("%s: ok\n", peer)
			}
		}

	case "recent":
		cmd := flag.NewFlagSet("a2a recent", flag.ExitOnError)
		limit := cmd.Int("limit", 20, "max messages")
		if err := cmd.Parse(args[1:]); err != nil {
			fatal(err)
		}
		messages, err := eng.Bus().Recent(ctx, *limit)
		if err != nil {
			fatal(err)
		}
		if global.JSON {
			printJSON(messages)
			return
		}
		writer := newTabWriter()
		writeRow(writer, "ID", "SENDER", "RECEIVER", "MESSAGE")
		for _, m := range messages {
			writeRow(writer, strconv.FormatInt(m.ID, 10), m.Sender, m.Receiver, clip(m.Message, 60))
		}
		_ = writer.Flush()

	default:
		fatal(fmt.Errorf("unknown a2a subcommand %q", args[0]))
	}
}

func runGraph(ctx context.Context, global globalFlags, eng *engine.Engine, args []string) {
	if len(args) == 0 {
		fatal(fmt.Errorf("usage: famulus graph <edge|neighbors>"))
	}
	store := eng.Graph()

	switch args[0] {
	case "edge":
		if len(args) != 4 {
			fatal(fmt.Errorf("usage: famulus graph edge <src> <rel> <dst>"))
		}
		if _, err := store.AddEdge(ctx, args[1], args[2], args[3]); err != nil {
			fatal(err)
		}
		fmt.Printf("%s -[%s]-> %s\n", args[1], args[2], args[3])

	case "neighbors":
		if len(args) != 2 {
			fatal(fmt.Errorf("usage: famulus graph neighbors <name>"))
		}
		neighbors, err := store.Neighbors(ctx, args[1])
		if err != nil {
			fatal(err)
		}
		if global.JSON {
			printJSON(neighbors)
			return
		}
		for _, n := range neighbors {
			fmt.Printf("-[%s]-> %s (%s)\n", n.Rel, n.Entity.Name, n.Entity.Type)
		}

	default:
		fatal(fmt.Errorf("unknown graph subcommand %q", args[0]))
	}
}

func printReport(global globalFlags, report *core.ExecutionReport) {
	if report == nil {
		fatal(fmt.Errorf("run produced no report"))
	}
	if global.JSON {
		printJSON(report)
		return
	}
	fmt.Printf("run %s: %s", report.RunID, report.Status)
	if report.FailureReason != "" {
		fmt.Printf(" (%s)", report.FailureReason)
	}
	fmt.Printf("  tool_calls=%d  duration=%.1fs\n",
		report.Cost.ToolCalls, report.EndedAt-report.StartedAt)

	writer := newTabWriter()
	writeRow(writer, "STEP", "STATUS", "ATTEMPTS", "TITLE")
	for _, s := range report.Steps {
		writeRow(writer, strconv.Itoa(s.StepID), string(s.Status),
			strconv.Itoa(s.Attempts), clip(s.Title, 60))
	}
	_ = writer.Flush()
}

func printUsage() {
	fmt.Print(`famulus - personal automation agent runtime

Usage:
  famulus [--config <path>] [--json] [--timeout <dur>] <command>

Commands:
  serve                               start the agent with the A2A listener
  run [--two-agent] <instruction>     plan, approve and execute an instruction
  memory add [flags] <content>        store a memory
  memory search [flags] <query>       similarity search over memories
  memory prune                        delete expired memories
  rag index <path>                    chunk and index a document
  rag search [--hybrid] <query>       search indexed chunks
  rag rank <source> <rank>            set a source's quality multiplier
  rag sources                         list indexed sources
  a2a send <peer> <message>           deliver a message to a named peer
  a2a broadcast <message>             deliver to every configured peer
  a2a recent [--limit n]              show the local message log
  graph edge <src> <rel> <dst>        record an entity relationship
  graph neighbors <name>              one-hop outward edges
  version                             print the version
`)
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "famulus: %v\n", err)
	os.Exit(1)
}

func printJSON(v interface{}) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fatal(err)
	}
}

func newTabWriter() *tabwriter.Writer {
	return tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
}

func writeRow(w *tabwriter.Writer, cols ...string) {
	fmt.Fprintln(w, strings.Join(cols, "\t"))
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func clip(s string, max int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
