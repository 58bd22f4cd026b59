package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// RunMetrics tracks run, step and tool execution counters for
// production monitoring.
type RunMetrics struct {
	runCounter      metric.Int64Counter
	stepCounter     metric.Int64Counter
	toolCounter     metric.Int64Counter
	budgetCounter   metric.Int64Counter
	messageCounter  metric.Int64Counter
	runDurationHist metric.Float64Histogram
}

// NewRunMetrics registers the runtime instruments on the global meter.
func NewRunMetrics() (*RunMetrics, error) {
	meter := otel.Meter("famulus/runtime")

	runCounter, err := meter.Int64Counter(
		"famulus.runs.total",
		metric.WithDescription("Completed runs by final status"),
	)
	if err != nil {
		return nil, err
	}

	stepCounter, err := meter.Int64Counter(
		"famulus.steps.total",
		metric.WithDescription("Executed plan steps by status"),
	)
	if err != nil {
		return nil, err
	}

	toolCounter, err := meter.Int64Counter(
		"famulus.tool_calls.total",
		metric.WithDescription("Tool invocations by tool name and outcome"),
	)
	if err != nil {
		return nil, err
	}

	budgetCounter, err := meter.Int64Counter(
		"famulus.budget_denials.total",
		metric.WithDescription("Runs aborted for exceeding a budget"),
	)
	if err != nil {
		return nil, err
	}

	messageCounter, err := meter.Int64Counter(
		"famulus.a2a.messages.total",
		metric.WithDescription("Peer messages by direction"),
	)
	if err != nil {
		return nil, err
	}

	runDurationHist, err := meter.Float64Histogram(
		"famulus.runs.duration_seconds",
		metric.WithDescription("Wall-clock run duration"),
	)
	if err != nil {
		return nil, err
	}

	return &RunMetrics{
		runCounter:      runCounter,
		stepCounter:     stepCounter,
		toolCounter:     toolCounter,
		budgetCounter:   budgetCounter,
		messageCounter:  messageCounter,
		runDurationHist: runDurationHist,
	}, nil
}

// RecordRun counts a finished run and its duration. All recorders are
// nil-safe so callers can run without metrics wired.
func (m *RunMetrics) RecordRun(ctx context.Context, status string, seconds float64) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("run.status", status))
	m.runCounter.Add(ctx, 1, attrs)
	if seconds > 0 {
		m.runDurationHist.Record(ctx, seconds, attrs)
	}
}

// RecordStep counts an executed step by its final status.
func (m *RunMetrics) RecordStep(ctx context.Context, status string) {
	if m == nil {
		return
	}
	m.stepCounter.Add(ctx, 1,
		metric.WithAttributes(attribute.String("step.status", status)))
}

// RecordToolCall counts a tool invocation.
func (m *RunMetrics) RecordToolCall(ctx context.Context, tool string, ok bool) {
	if m == nil {
		return
	}
	m.toolCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("tool.name", tool),
		attribute.Bool("tool.ok", ok),
	))
}

// RecordBudgetDenial counts a run aborted on a budget limit.
func (m *RunMetrics) RecordBudgetDenial(ctx context.Context, limit string) {
	if m == nil {
		return
	}
	m.budgetCounter.Add(ctx, 1,
		metric.WithAttributes(attribute.String("budget.limit", limit)))
}

// RecordMessage counts a peer message; direction is "sent" or "received".
func (m *RunMetrics) RecordMessage(ctx context.Context, direction string, ok bool) {
	if m == nil {
		return
	}
	m.messageCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("message.direction", direction),
		attribute.Bool("message.ok", ok),
	))
}
