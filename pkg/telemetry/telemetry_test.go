package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"

	"go.opentelemetry.io/otel/trace"
)

func TestConfigureSlogFormats(t *testing.T) {
	var buf bytes.Buffer
	logger := ConfigureSlog(&buf, "info", "json")
	logger.Info("hello", "k", "v")

	var record map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &record); err != nil {
		t.Fatalf("log line is not JSON: %v", err)
	}
	if record["msg"] != "hello" || record["k"] != "v" {
		t.Errorf("unexpected record: %v", record)
	}
}

func TestConfigureSlogLevelFilter(t *testing.T) {
	var buf bytes.Buffer
	logger := ConfigureSlog(&buf, "warn", "text")
	logger.Info("dropped")
	logger.Warn("kept")

	out := buf.String()
	if strings.Contains(out, "dropped") {
		t.Error("info record should be filtered at warn level")
	}
	if !strings.Contains(out, "kept") {
		t.Error("warn record missing")
	}
}

func TestTraceHandlerAddsSpanIDs(t *testing.T) {
	var buf bytes.Buffer
	logger := ConfigureSlog(&buf, "info", "json")

	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID: trace.TraceID{0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08, 0x09, 0x0a, 0x0b, 0x0c, 0x0d, 0x0e, 0x0f, 0x10},
		SpanID:  trace.SpanID{0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08},
	})
	ctx := trace.ContextWithSpanContext(context.Background(), sc)
	logger.InfoContext(ctx, "traced")

	var record map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &record); err != nil {
		t.Fatal(err)
	}
	if record["trace_id"] != sc.TraceID().String() {
		t.Errorf("trace_id = %v, want %s", record["trace_id"], sc.TraceID())
	}
	if record["span_id"] != sc.SpanID().String() {
		t.Errorf("span_id = %v, want %s", record["span_id"], sc.SpanID())
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"info", slog.LevelInfo},
		{"", slog.LevelInfo},
		{"bogus", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := parseLogLevel(tt.in); got != tt.want {
			t.Errorf("parseLogLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestInitWithConfigUnknownExporter(t *testing.T) {
	if _, err := InitWithConfig("famulus-test", "0.0.0", Config{Exporter: "bogus"}); err == nil {
		t.Fatal("expected error for unknown exporter")
	}
}

func TestInitWithConfigOTLPRequiresEndpoint(t *testing.T) {
	if _, err := InitWithConfig("famulus-test", "0.0.0", Config{Exporter: "otlp"}); err == nil {
		t.Fatal("expected error for missing otlp endpoint")
	}
}

func TestInitWithConfigNoneIsNoop(t *testing.T) {
	shutdown, err := InitWithConfig("famulus-test", "0.0.0", Config{Exporter: "none"})
	if err != nil {
		t.Fatalf("InitWithConfig: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Errorf("noop shutdown returned %v", err)
	}
}

func TestRunMetricsNilSafe(t *testing.T) {
	var m *RunMetrics
	ctx := context.Background()
	m.RecordRun(ctx, "succeeded", 1.5)
	m.RecordStep(ctx, "failed")
	m.RecordToolCall(ctx, "shell", true)
	m.RecordBudgetDenial(ctx, "max_tool_calls")
	m.RecordMessage(ctx, "sent", false)
}
