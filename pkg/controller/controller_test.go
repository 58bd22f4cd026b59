package controller

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/famulus-ai/famulus/pkg/core"
	"github.com/famulus-ai/famulus/pkg/errors"
	"github.com/famulus-ai/famulus/pkg/governance"
	"github.com/famulus-ai/famulus/pkg/llm"
	"github.com/famulus-ai/famulus/pkg/memory"
	"github.com/famulus-ai/famulus/pkg/orchestrator"
	"github.com/famulus-ai/famulus/pkg/tool"
)

func newTestController(t *testing.T, opts ...Option) (*Controller, *tool.Registry, *memory.Store) {
	t.Helper()
	store, err := memory.Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })

	registry := tool.NewRegistry()
	c, err := New(registry, store, opts...)
	if err != nil {
		t.Fatal(err)
	}
	return c, registry, store
}

func countingTool(name string, calls *atomic.Int64, fail bool) *tool.Func {
	return &tool.Func{
		ToolName: name,
		Fn: func(_ context.Context, args string) (string, error) {
			calls.Add(1)
			if fail {
				return "", fmt.Errorf("simulated failure")
			}
			return "done: " + args, nil
		},
	}
}

func singleStepPlan(toolName string, steps, maxToolCalls int) *core.Plan {
	plan := core.NewPlan("test goal")
	plan.Budget.MaxToolCalls = maxToolCalls
	for i := 1; i <= steps; i++ {
		plan.Steps = append(plan.Steps, core.PlanStep{
			StepID:      i,
			Title:       fmt.Sprintf("step %d", i),
			Intent:      fmt.Sprintf("do thing %d", i),
			Tool:        toolName,
			Risk:        core.RiskSafe,
			MaxAttempts: 1,
		})
	}
	return plan
}

func TestPlanTaskFallback(t *testing.T) {
	c, _, store := newTestController(t)

	run, err := c.PlanTask(context.Background(),
		"open the report and summarize it then delegate to scout: scan the shared drive")
	if err != nil {
		t.Fatal(err)
	}
	if run.Status() != orchestrator.StatePlanned {
		t.Errorf("status = %s, want planned", run.Status())
	}

	steps := run.Plan.Steps
	if len(steps) != 3 {
		t.Fatalf("steps = %d, want 3: %+v", len(steps), steps)
	}
	if steps[0].Tool != "computer" || steps[1].Tool != "computer" {
		t.Errorf("plain segments should use the computer tool: %+v", steps)
	}
	if steps[2].Tool != "a2a_send" || steps[2].Args["peer"] != "scout" {
		t.Errorf("delegation step = %+v", steps[2])
	}

	status, err := store.GetTaskRunStatus(context.Background(), run.RunID)
	if err != nil {
		t.Fatal(err)
	}
	if status != "planned" {
		t.Errorf("persisted status = %q, want planned", status)
	}
}

func TestPlanTaskEmptyInstruction(t *testing.T) {
	c, _, _ := newTestController(t)
	if _, err := c.PlanTask(context.Background(), "  "); !errors.HasCode(err, errors.CodeInvalidInput) {
		t.Errorf("got %v, want invalid input", err)
	}
}

func TestPlanTaskFromModel(t *testing.T) {
	mock := &llm.MockProvider{Response: `Here is the plan:
{"goal": "count files", "steps": [
  {"step_id": 1, "title": "count", "intent": "count files in /tmp",
   "tool": "shell", "args": {"command": "ls /tmp | wc -l"},
   "risk": "safe", "max_attempts": 2}]}`}

	c, registry, _ := newTestController(t, WithProvider(mock, "test-model"))
	registry.Register(&tool.Func{ToolName: "shell", ToolRisk: core.RiskDanger, NeedApproval: true})

	run, err := c.PlanTask(context.Background(), "count files in /tmp")
	if err != nil {
		t.Fatal(err)
	}
	if run.Plan.Model != "test-model" {
		t.Errorf("model = %q", run.Plan.Model)
	}
	step := run.Plan.Steps[0]
	if step.Risk != core.RiskDanger || !step.RequiresConfirmation {
		t.Errorf("registry metadata not applied: risk=%s confirm=%t", step.Risk, step.RequiresConfirmation)
	}
	if step.Args["command"] != "ls /tmp | wc -l" {
		t.Errorf("args = %v", step.Args)
	}
}

func TestPlanTaskModelGarbageFallsBack(t *testing.T) {
	mock := &llm.MockProvider{Response: "I cannot help with that."}
	c, _, _ := newTestController(t, WithProvider(mock, "test-model"))

	run, err := c.PlanTask(context.Background(), "write a note")
	if err != nil {
		t.Fatal(err)
	}
	if run.Plan.Model != "fallback" {
		t.Errorf("model = %q, want fallback", run.Plan.Model)
	}
	if len(run.Plan.Steps) != 1 {
		t.Errorf("steps = %d, want 1", len(run.Plan.Steps))
	}
}

func TestExecuteSuccess(t *testing.T) {
	c, registry, store := newTestController(t)
	var calls atomic.Int64
	registry.Register(countingTool("computer", &calls, false))

	run := orchestrator.NewTaskRun(singleStepPlan("computer", 2, 20))
	report, err := c.Execute(context.Background(), run)
	if err != nil {
		t.Fatal(err)
	}
	if report.Status != core.RunSucceeded {
		t.Fatalf("status = %s: %+v", report.Status, report)
	}
	if run.Status() != orchestrator.StateComplete {
		t.Errorf("run state = %s, want complete", run.Status())
	}
	if calls.Load() != 2 {
		t.Errorf("tool calls = %d, want 2", calls.Load())
	}
	for _, sr := range report.Steps {
		if sr.Status != core.StepSucceeded || !sr.VerificationPassed {
			t.Errorf("step %d = %+v", sr.StepID, sr)
		}
	}
	if report.Confidence != 1.0 {
		t.Errorf("confidence = %f", report.Confidence)
	}
	if report.EndedAt < report.StartedAt {
		t.Error("ended before started")
	}

	// The run was never saved, so the projection update is a silent
	// no-op; save one and re-execute a fresh run to check persistence.
	run2 := orchestrator.NewTaskRun(singleStepPlan("computer", 1, 20))
	if err := store.SaveTaskRun(context.Background(), run2.RunID, run2.TraceID, run2.Goal, "planned", run2.Plan); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Execute(context.Background(), run2); err != nil {
		t.Fatal(err)
	}
	status, err := store.GetTaskRunStatus(context.Background(), run2.RunID)
	if err != nil {
		t.Fatal(err)
	}
	if status != "succeeded" {
		t.Errorf("persisted status = %q, want succeeded", status)
	}
}

func TestExecuteBudgetExceeded(t *testing.T) {
	c, registry, _ := newTestController(t)
	var calls atomic.Int64
	registry.Register(countingTool("computer", &calls, false))

	run := orchestrator.NewTaskRun(singleStepPlan("computer", 3, 2))
	report, err := c.Execute(context.Background(), run)
	if err != nil {
		t.Fatal(err)
	}
	if report.Status != core.RunFailed {
		t.Fatalf("status = %s, want failed", report.Status)
	}
	if !strings.Contains(report.FailureReason, "Budget exceeded") {
		t.Errorf("failure reason = %q", report.FailureReason)
	}
	if calls.Load() > 2 {
		t.Errorf("tool calls = %d, want at most 2", calls.Load())
	}
	third := report.Step(3)
	if third.Status != core.StepFailed {
		t.Errorf("budget step status = %s, want failed", third.Status)
	}
	if len(third.ToolResults) != 0 {
		t.Errorf("step 3 was attempted: %+v", third.ToolResults)
	}
	if run.Status() != orchestrator.StateError {
		t.Errorf("run state = %s, want error", run.Status())
	}
}

func TestExecuteStepRetriesThenFails(t *testing.T) {
	c, registry, _ := newTestController(t)
	var calls atomic.Int64
	registry.Register(countingTool("flaky", &calls, true))

	plan := singleStepPlan("flaky", 2, 20)
	plan.Steps[0].MaxAttempts = 3
	run := orchestrator.NewTaskRun(plan)

	report, err := c.Execute(context.Background(), run)
	if err != nil {
		t.Fatal(err)
	}
	if report.Status != core.RunFailed || report.FailureReason != "Step 1 failed" {
		t.Errorf("report = %s %q", report.Status, report.FailureReason)
	}
	first := report.Step(1)
	if first.Attempts != 3 || len(first.ToolResults) != 3 {
		t.Errorf("attempts = %d, results = %d, want 3", first.Attempts, len(first.ToolResults))
	}
	for _, tr := range first.ToolResults {
		if tr.OK || tr.Error == "" {
			t.Errorf("tool result should be failed: %+v", tr)
		}
	}
	if second := report.Step(2); second.Status != core.StepSkipped {
		t.Errorf("step 2 = %s, want skipped", second.Status)
	}
	if calls.Load() != 3 {
		t.Errorf("tool calls = %d, want 3", calls.Load())
	}
}

func TestExecuteUnknownTool(t *testing.T) {
	c, _, _ := newTestController(t)
	run := orchestrator.NewTaskRun(singleStepPlan("missing", 1, 20))
	report, err := c.Execute(context.Background(), run)
	if err != nil {
		t.Fatal(err)
	}
	if report.Status != core.RunFailed {
		t.Errorf("status = %s", report.Status)
	}
	if tr := report.Step(1).ToolResults[0]; !strings.Contains(tr.Error, "unknown tool") {
		t.Errorf("error = %q", tr.Error)
	}
}

func TestExecuteRecoversToolPanic(t *testing.T) {
	c, registry, _ := newTestController(t)
	registry.Register(&tool.Func{
		ToolName: "boom",
		Fn: func(context.Context, string) (string, error) {
			panic("unexpected")
		},
	})
	run := orchestrator.NewTaskRun(singleStepPlan("boom", 1, 20))
	report, err := c.Execute(context.Background(), run)
	if err != nil {
		t.Fatal(err)
	}
	if report.Status != core.RunFailed {
		t.Errorf("status = %s", report.Status)
	}
	if tr := report.Step(1).ToolResults[0]; !strings.Contains(tr.Error, "panic") {
		t.Errorf("error = %q", tr.Error)
	}
}

type recordingObserver struct {
	labels []string
}

func (o *recordingObserver) Observe(_ context.Context, label string) error {
	o.labels = append(o.labels, label)
	return nil
}

func TestExecuteObservesComputerTools(t *testing.T) {
	obs := &recordingObserver{}
	c, registry, _ := newTestController(t, WithObserver(obs))
	var calls atomic.Int64
	registry.Register(countingTool("computer_use", &calls, false))
	registry.Register(countingTool("shell", &calls, false))

	plan := core.NewPlan("observe test")
	plan.Steps = []core.PlanStep{
		{StepID: 1, Tool: "computer_use", Risk: core.RiskSafe, MaxAttempts: 1},
		{StepID: 2, Tool: "shell", Risk: core.RiskSafe, MaxAttempts: 1},
	}
	run := orchestrator.NewTaskRun(plan)
	if _, err := c.Execute(context.Background(), run); err != nil {
		t.Fatal(err)
	}
	if len(obs.labels) != 2 {
		t.Fatalf("observations = %v, want before/after for step 1 only", obs.labels)
	}
	if obs.labels[0] != "step-1-before" || obs.labels[1] != "step-1-after" {
		t.Errorf("labels = %v", obs.labels)
	}
}

func TestApproveRunAsync(t *testing.T) {
	c, registry, _ := newTestController(t)
	var calls atomic.Int64
	registry.Register(countingTool("computer", &calls, false))

	run, err := c.PlanTask(context.Background(), "tidy the desktop")
	if err != nil {
		t.Fatal(err)
	}
	if err := c.ApproveRun(context.Background(), run.RunID); err != nil {
		t.Fatal(err)
	}

	select {
	case <-run.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("run did not reach a terminal state")
	}
	if run.Status() != orchestrator.StateComplete {
		t.Errorf("state = %s, want complete", run.Status())
	}
	if run.Report == nil || run.Report.Status != core.RunSucceeded {
		t.Errorf("report = %+v", run.Report)
	}

	// A terminal run cannot be approved again.
	if err := c.ApproveRun(context.Background(), run.RunID); err == nil {
		t.Error("re-approval of a finished run should fail")
	}
}

func TestApproveRunUnknown(t *testing.T) {
	c, _, _ := newTestController(t)
	if err := c.ApproveRun(context.Background(), "nope"); !errors.HasCode(err, errors.CodeNotFound) {
		t.Errorf("got %v, want not found", err)
	}
}

func TestExecuteOnlyOnce(t *testing.T) {
	c, registry, _ := newTestController(t)
	var calls atomic.Int64
	registry.Register(countingTool("computer", &calls, false))

	run := orchestrator.NewTaskRun(singleStepPlan("computer", 1, 20))
	if _, err := c.Execute(context.Background(), run); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Execute(context.Background(), run); err == nil {
		t.Error("second dispatch should be rejected")
	}
	if calls.Load() != 1 {
		t.Errorf("tool calls = %d, want 1", calls.Load())
	}
}

func TestRunTwoAgentReplansOnce(t *testing.T) {
	mock := &llm.MockProvider{Response: `{"goal": "g", "steps": [
  {"step_id": 1, "title": "t", "intent": "i", "tool": "flaky", "max_attempts": 1}]}`}
	c, registry, _ := newTestController(t, WithProvider(mock, "test-model"))
	var calls atomic.Int64
	registry.Register(countingTool("flaky", &calls, true))

	report, err := c.RunTwoAgent(context.Background(), "do the thing", 2)
	if err != nil {
		t.Fatal(err)
	}
	if report.Status != core.RunFailed {
		t.Errorf("status = %s", report.Status)
	}
	if len(mock.Calls) != 2 {
		t.Errorf("planning calls = %d, want 2 (one replan)", len(mock.Calls))
	}
	replanPrompt := mock.Calls[1].Messages[len(mock.Calls[1].Messages)-1].Content
	if !strings.Contains(replanPrompt, "Fix the failure") {
		t.Errorf("replan instruction = %q", replanPrompt)
	}

	// max_loops above 2 still replans at most once.
	mock.Calls = nil
	if _, err := c.RunTwoAgent(context.Background(), "do the thing", 5); err != nil {
		t.Fatal(err)
	}
	if len(mock.Calls) != 2 {
		t.Errorf("planning calls = %d, want 2", len(mock.Calls))
	}
}

func TestRunTwoAgentNoReplanOnSuccess(t *testing.T) {
	mock := &llm.MockProvider{Response: `{"goal": "g", "steps": [
  {"step_id": 1, "title": "t", "intent": "i", "tool": "steady", "max_attempts": 1}]}`}
	c, registry, _ := newTestController(t, WithProvider(mock, "test-model"))
	var calls atomic.Int64
	registry.Register(countingTool("steady", &calls, false))

	report, err := c.RunTwoAgent(context.Background(), "do the thing", 2)
	if err != nil {
		t.Fatal(err)
	}
	if report.Status != core.RunSucceeded {
		t.Errorf("status = %s", report.Status)
	}
	if len(mock.Calls) != 1 {
		t.Errorf("planning calls = %d, want 1", len(mock.Calls))
	}
}

func TestExecuteApprovalDenied(t *testing.T) {
	deny := governance.StaticApprovalHook{Decision: governance.Decision{Allowed: false, Reason: "too risky"}}
	c, registry, _ := newTestController(t, WithApprovalHook(deny))
	var calls atomic.Int64
	registry.Register(countingTool("shell", &calls, false))

	plan := singleStepPlan("shell", 2, 20)
	plan.Steps[0].RequiresConfirmation = true
	run := orchestrator.NewTaskRun(plan)

	report, err := c.Execute(context.Background(), run)
	if err != nil {
		t.Fatal(err)
	}
	if report.Status != core.RunFailed {
		t.Fatalf("status = %s", report.Status)
	}
	if !strings.Contains(report.FailureReason, "denied approval") {
		t.Errorf("failure reason = %q", report.FailureReason)
	}
	if calls.Load() != 0 {
		t.Errorf("denied step was executed %d times", calls.Load())
	}
	if second := report.Step(2); second.Status != core.StepSkipped {
		t.Errorf("step 2 = %s, want skipped", second.Status)
	}
}

func TestExecuteApprovalGranted(t *testing.T) {
	c, registry, _ := newTestController(t, WithApprovalHook(governance.AutoApprove{}))
	var calls atomic.Int64
	registry.Register(countingTool("shell", &calls, false))

	plan := singleStepPlan("shell", 1, 20)
	plan.Steps[0].RequiresConfirmation = true
	run := orchestrator.NewTaskRun(plan)

	report, err := c.Execute(context.Background(), run)
	if err != nil {
		t.Fatal(err)
	}
	if report.Status != core.RunSucceeded || calls.Load() != 1 {
		t.Errorf("status = %s, calls = %d", report.Status, calls.Load())
	}
}

func TestResolveCommand(t *testing.T) {
	cases := []struct {
		name string
		step core.PlanStep
		want string
	}{
		{
			name: "explicit command",
			step: core.PlanStep{Tool: "shell", Intent: "list", Args: map[string]any{"command": "ls -la"}},
			want: "ls -la",
		},
		{
			name: "tool with raw args",
			step: core.PlanStep{Tool: "browser", Intent: "open", Args: map[string]any{"url": "https://example.com"}},
			want: `browser {"url":"https://example.com"}`,
		},
		{
			name: "intent only",
			step: core.PlanStep{Tool: "computer", Intent: "open the settings panel"},
			want: "open the settings panel",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := resolveCommand(&tc.step); got != tc.want {
				t.Errorf("resolveCommand = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestSplitInstruction(t *testing.T) {
	cases := []struct {
		in   string
		want []segment
	}{
		{
			in:   "open the browser",
			want: []segment{{text: "open the browser"}},
		},
		{
			in: "open the browser and search for flights then book the cheapest",
			want: []segment{
				{text: "open the browser"},
				{text: "search for flights"},
				{text: "book the cheapest"},
			},
		},
		{
			in: "summarize inbox and delegate to scout: scan downloads delegate to clerk: file receipts",
			want: []segment{
				{text: "summarize inbox"},
				{peer: "scout", text: "scan downloads"},
				{peer: "clerk", text: "file receipts"},
			},
		},
	}
	for _, tc := range cases {
		got := splitInstruction(tc.in)
		if len(got) != len(tc.want) {
			t.Errorf("split(%q) = %+v, want %+v", tc.in, got, tc.want)
			continue
		}
		for i := range got {
			if got[i] != tc.want[i] {
				t.Errorf("split(%q)[%d] = %+v, want %+v", tc.in, i, got[i], tc.want[i])
			}
		}
	}
}

func TestParsePlan(t *testing.T) {
	if _, err := parsePlan("nothing here"); err == nil {
		t.Error("no JSON should fail")
	}
	if _, err := parsePlan(`{"goal": "g", "steps": []}`); err == nil {
		t.Error("empty steps should fail")
	}
	schema, err := parsePlan(`prefix {"goal": "g", "steps": [{"step_id": 1, "tool": "x"}]} suffix`)
	if err != nil {
		t.Fatal(err)
	}
	if schema.Goal != "g" || len(schema.Steps) != 1 {
		t.Errorf("schema = %+v", schema)
	}
}
