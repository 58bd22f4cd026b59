// Package controller is the orchestration engine: it turns an
// instruction into a plan, executes the plan step by step against the
// tool registry under the run budget, and records the execution report
// back into the memory store.
package controller

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/famulus-ai/famulus/pkg/core"
	"github.com/famulus-ai/famulus/pkg/errors"
	"github.com/famulus-ai/famulus/pkg/governance"
	"github.com/famulus-ai/famulus/pkg/llm"
	"github.com/famulus-ai/famulus/pkg/memory"
	"github.com/famulus-ai/famulus/pkg/orchestrator"
	"github.com/famulus-ai/famulus/pkg/resilience"
	"github.com/famulus-ai/famulus/pkg/telemetry"
	"github.com/famulus-ai/famulus/pkg/tool"
)

// Controller owns TaskRun objects in memory for the duration of a run;
// the memory store holds the durable projection.
type Controller struct {
	provider  llm.Provider
	model     string
	registry  *tool.Registry
	store     *memory.Store
	observer  tool.Observer
	approvals governance.ApprovalHook
	metrics   *telemetry.RunMetrics
	logger    *slog.Logger
	tracer    trace.Tracer

	mu   sync.Mutex
	runs map[string]*orchestrator.TaskRun
}

// Option configures a Controller.
type Option func(*Controller)

// WithProvider sets the planning model backend. Without one, every
// plan comes from the deterministic fallback planner.
func WithProvider(p llm.Provider, model string) Option {
	return func(c *Controller) {
		c.provider = p
		c.model = model
	}
}

// WithObserver attaches a provenance observer bracketing desktop-class
// tool calls.
func WithObserver(o tool.Observer) Option {
	return func(c *Controller) { c.observer = o }
}

// WithApprovalHook sets the confirmation policy for steps flagged
// requires_confirmation. Without one, such steps run unchallenged.
func WithApprovalHook(h governance.ApprovalHook) Option {
	return func(c *Controller) { c.approvals = h }
}

// WithMetrics attaches run metrics.
func WithMetrics(m *telemetry.RunMetrics) Option {
	return func(c *Controller) { c.metrics = m }
}

// WithLogger sets the controller logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Controller) { c.logger = l }
}

// New creates a controller over the given registry and store.
func New(registry *tool.Registry, store *memory.Store, opts ...Option) (*Controller, error) {
	if registry == nil {
		return nil, errors.New(errors.CodeInvalidInput, "tool registry is required", nil)
	}
	if store == nil {
		return nil, errors.New(errors.CodeInvalidInput, "memory store is required", nil)
	}
	c := &Controller{
		registry: registry,
		store:    store,
		logger:   slog.Default(),
		tracer:   otel.Tracer("famulus/controller"),
		runs:     make(map[string]*orchestrator.TaskRun),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Run returns the in-memory run for id.
func (c *Controller) Run(runID string) (*orchestrator.TaskRun, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	run, ok := c.runs[runID]
	return run, ok
}

// PlanTask obtains a plan from the model, or from the fallback planner
// when the model fails or returns no steps, and registers a new run in
// the planned state. The returned run always carries at least one step.
func (c *Controller) PlanTask(ctx context.Context, instruction string) (*orchestrator.TaskRun, error) {
	if strings.TrimSpace(instruction) == "" {
		return nil, errors.New(errors.CodeInvalidInput, "instruction is empty", nil)
	}
	ctx, span := c.tracer.Start(ctx, "run.plan")
	defer span.End()

	plan := c.planWithModel(ctx, instruction)
	if plan == nil {
		plan = fallbackPlan(instruction)
	}
	c.applyToolMetadata(plan)
	plan.Normalize()
	if err := plan.Validate(); err != nil {
		return nil, err
	}

	run := orchestrator.NewTaskRun(plan)
	c.mu.Lock()
	c.runs[run.RunID] = run
	c.mu.Unlock()

	if err := c.store.SaveTaskRun(ctx, run.RunID, run.TraceID, run.Goal,
		string(orchestrator.StatePlanned), plan); err != nil {
		return nil, err
	}
	c.logger.InfoContext(ctx, "planned run",
		"run_id", run.RunID, "steps", len(plan.Steps), "model", plan.Model)
	return run, nil
}

func (c *Controller) planWithModel(ctx context.Context, instruction string) *core.Plan {
	if c.provider == nil {
		return nil
	}
	started := time.Now()
	resp, err := c.provider.Chat(ctx, llm.ChatRequest{
		Model: c.model,
		Messages: []llm.Message{
			{Role: llm.RoleSystem, Content: planSystemPrompt(c.registry.List())},
			{Role: llm.RoleUser, Content: instruction},
		},
	})
	if err != nil {
		c.logger.WarnContext(ctx, "model planning failed, falling back", "error", err)
		_ = c.store.LogModelRun(ctx, c.model, 0, 0,
			float64(time.Since(started).Milliseconds()), false)
		return nil
	}
	_ = c.store.LogModelRun(ctx, c.model,
		resp.Usage.PromptTokens, resp.Usage.CompletionTokens,
		float64(time.Since(started).Milliseconds()), true)

	schema, err := parsePlan(resp.Content)
	if err != nil {
		c.logger.WarnContext(ctx, "model returned no usable plan, falling back", "error", err)
		return nil
	}
	plan := schemaToPlan(instruction, schema)
	plan.Model = c.model
	return plan
}

// applyToolMetadata cross-checks planned tool names against the
// registry and adopts each tool's declared risk and confirmation
// policy. Unknown tools keep whatever the planner said; they fail at
// execution time instead.
func (c *Controller) applyToolMetadata(plan *core.Plan) {
	for i := range plan.Steps {
		step := &plan.Steps[i]
		t, ok := c.registry.Lookup(step.Tool)
		if !ok {
			continue
		}
		step.Risk = t.Risk()
		if t.RequiresApproval() {
			step.RequiresConfirmation = true
		}
	}
}

// ApproveRun transitions the run to approved, persists the approval and
// launches execution asynchronously. A given run executes at most once;
// two different approved runs execute concurrently.
func (c *Controller) ApproveRun(ctx context.Context, runID string) error {
	run, ok := c.Run(runID)
	if !ok {
		return errors.Newf(errors.CodeNotFound, "run %s not found", runID)
	}
	if err := c.setStatus(ctx, run, orchestrator.StateApproved); err != nil {
		return err
	}
	run.Approved = true

	go func() {
		if _, err := c.Execute(context.Background(), run); err != nil {
			c.logger.Error("run execution failed", "run_id", runID, "error", err)
		}
	}()
	return nil
}

// Execute runs the plan synchronously: the run moves through
// approved/running to a terminal state, and the report is persisted.
// Callers that approved asynchronously wait on run.Done() instead.
func (c *Controller) Execute(ctx context.Context, run *orchestrator.TaskRun) (*core.ExecutionReport, error) {
	if !run.MarkExecuting() {
		return nil, errors.Newf(errors.CodeInvalidInput, "run %s already dispatched", run.RunID)
	}
	if run.Status() == orchestrator.StatePlanned {
		if err := c.setStatus(ctx, run, orchestrator.StateApproved); err != nil {
			return nil, err
		}
	}
	if err := c.setStatus(ctx, run, orchestrator.StateRunning); err != nil {
		return nil, err
	}

	started := time.Now()
	report := c.executePlan(ctx, run)
	run.Report = report

	final := orchestrator.StateComplete
	if report.Status != core.RunSucceeded {
		final = orchestrator.StateError
	}
	if err := run.SetStatus(final); err != nil {
		c.logger.WarnContext(ctx, "terminal transition rejected",
			"run_id", run.RunID, "error", err)
	}
	if err := c.store.UpdateTaskRun(ctx, run.RunID, string(report.Status), report); err != nil {
		c.logger.WarnContext(ctx, "failed to persist report",
			"run_id", run.RunID, "error", err)
	}
	c.metrics.RecordRun(ctx, string(report.Status), time.Since(started).Seconds())
	c.logger.InfoContext(ctx, "run finished",
		"run_id", run.RunID, "status", report.Status,
		"tool_calls", report.Cost.ToolCalls, "reason", report.FailureReason)
	return report, nil
}

// RunTwoAgent plans and executes once; if the run did not succeed and
// maxLoops allows, it replans once from a synthesized fix-the-failure
// instruction and re-executes. At most one replan regardless of
// maxLoops.
func (c *Controller) RunTwoAgent(ctx context.Context, task string, maxLoops int) (*core.ExecutionReport, error) {
	if maxLoops < 1 {
		maxLoops = 1
	}
	if maxLoops > 2 {
		maxLoops = 2
	}

	instruction := task
	var report *core.ExecutionReport
	for loop := 0; loop < maxLoops; loop++ {
		run, err := c.PlanTask(ctx, instruction)
		if err != nil {
			return nil, err
		}
		report, err = c.Execute(ctx, run)
		if err != nil {
			return nil, err
		}
		if report.Status == core.RunSucceeded {
			break
		}
		instruction = fmt.Sprintf("Fix the failure and retry: %s (last failure: %s)",
			task, report.FailureReason)
	}
	return report, nil
}

// setStatus applies a validated transition and mirrors it into the
// task_runs projection. Persistence failures are logged, not fatal; an
// in-flight run must not die on a storage hiccup.
func (c *Controller) setStatus(ctx context.Context, run *orchestrator.TaskRun, target orchestrator.State) error {
	if err := run.SetStatus(target); err != nil {
		return err
	}
	if err := c.store.UpdateTaskRun(ctx, run.RunID, string(target), nil); err != nil {
		c.logger.WarnContext(ctx, "failed to persist run status",
			"run_id", run.RunID, "status", target, "error", err)
	}
	return nil
}

// executePlan iterates steps in order, retrying each up to its attempt
// limit. Every attempt charges the run-wide tool-call budget before the
// tool is invoked; overrunning the budget or exhausting a step's
// attempts fails the run and skips the remaining steps.
func (c *Controller) executePlan(ctx context.Context, run *orchestrator.TaskRun) *core.ExecutionReport {
	plan := run.Plan
	ctx, span := c.tracer.Start(ctx, "run.execute",
		trace.WithAttributes(telemetry.RunAttributes(plan.RunID, plan.Goal, "")...))
	defer span.End()

	report := core.NewExecutionReport(plan)
	report.Status = core.RunRunning
	calls := 0

	for i := range plan.Steps {
		step := &plan.Steps[i]
		sr := report.Step(step.StepID)
		sr.Status = core.StepRunning

		var denied *governance.Decision
		if step.RequiresConfirmation && c.approvals != nil {
			if d := c.approvals.Request(ctx, *step); !d.Allowed {
				denied = &d
			}
		}

		budgetHit := false
		for attempt := 1; denied == nil && attempt <= step.MaxAttempts; attempt++ {
			calls++
			if calls > plan.Budget.MaxToolCalls {
				budgetHit = true
				break
			}
			sr.Attempts = attempt
			report.Cost.ToolCalls++

			result := c.invokeStep(ctx, step, attempt)
			sr.ToolResults = append(sr.ToolResults, result)
			c.metrics.RecordToolCall(ctx, step.Tool, result.OK)
			if result.OK {
				sr.Status = core.StepSucceeded
				sr.VerificationPassed = true
				sr.VerificationEvidence = result.OutputPreview
				break
			}
			c.logger.WarnContext(ctx, "step attempt failed",
				"run_id", plan.RunID, "step_id", step.StepID,
				"attempt", attempt, "error", result.Error)
		}

		if budgetHit {
			sr.Status = core.StepFailed
			report.Status = core.RunFailed
			report.FailureReason = "Budget exceeded: max_tool_calls"
			c.metrics.RecordBudgetDenial(ctx, "max_tool_calls")
		} else if denied != nil {
			sr.Status = core.StepFailed
			sr.VerificationEvidence = denied.Reason
			report.Status = core.RunFailed
			report.FailureReason = fmt.Sprintf("Step %d denied approval", step.StepID)
		} else if sr.Status != core.StepSucceeded {
			sr.Status = core.StepFailed
			report.Status = core.RunFailed
			report.FailureReason = fmt.Sprintf("Step %d failed", step.StepID)
		}
		c.metrics.RecordStep(ctx, string(sr.Status))

		if report.Status == core.RunFailed {
			for j := i + 1; j < len(plan.Steps); j++ {
				if rest := report.Step(plan.Steps[j].StepID); rest != nil {
					rest.Status = core.StepSkipped
				}
			}
			break
		}
	}

	if report.Status == core.RunRunning {
		report.Status = core.RunSucceeded
	}
	report.EndedAt = core.Now()
	report.Confidence = successRatio(report)
	span.SetAttributes(telemetry.RunAttributes(plan.RunID, "", string(report.Status))...)
	return report
}

// invokeStep performs one attempt. Invocation errors and panics are
// recorded as a failed ToolResult and never propagate past the step
// loop.
func (c *Controller) invokeStep(ctx context.Context, step *core.PlanStep, attempt int) (result core.ToolResult) {
	command := resolveCommand(step)
	result = core.ToolResult{
		Name:      step.Tool,
		Args:      truncate(command, 2000),
		Risk:      step.Risk,
		StartedAt: core.Now(),
	}
	defer func() {
		if r := recover(); r != nil {
			result.OK = false
			result.EndedAt = core.Now()
			result.Error = truncate(fmt.Sprintf("tool panic: %v", r), 2000)
		}
	}()

	ctx, span := c.tracer.Start(ctx, "tool.call",
		trace.WithAttributes(telemetry.StepAttributes(step.StepID, step.Title, "", attempt)...))
	defer span.End()

	t, ok := c.registry.Lookup(step.Tool)
	if !ok {
		result.EndedAt = core.Now()
		result.Error = fmt.Sprintf("unknown tool: %s", step.Tool)
		return result
	}

	c.observe(ctx, step, "before")
	var output string
	err := resilience.WithTimeout(ctx, time.Duration(step.TimeoutS)*time.Second,
		func(ctx context.Context) error {
			var execErr error
			output, execErr = t.Execute(ctx, command)
			return execErr
		})
	c.observe(ctx, step, "after")

	result.EndedAt = core.Now()
	if err != nil {
		result.Error = truncate(err.Error(), 2000)
	} else {
		result.OK = true
		result.OutputPreview = truncate(output, 2000)
	}
	span.SetAttributes(telemetry.ToolAttributes(step.Tool, string(step.Risk), result.OK)...)
	return result
}

// observe takes a best-effort provenance snapshot around desktop-class
// tool calls. Failures are swallowed; observation must never fail a
// run.
func (c *Controller) observe(ctx context.Context, step *core.PlanStep, phase string) {
	if c.observer == nil || !strings.Contains(step.Tool, "computer") {
		return
	}
	if err := c.observer.Observe(ctx, fmt.Sprintf("step-%d-%s", step.StepID, phase)); err != nil {
		c.logger.DebugContext(ctx, "observation failed",
			"step_id", step.StepID, "phase", phase, "error", err)
	}
}

// resolveCommand picks the argument string for a tool invocation: an
// explicit args.command wins, then the tool name with the raw argument
// object, then the step intent.
func resolveCommand(step *core.PlanStep) string {
	if cmd, ok := step.Args["command"].(string); ok && cmd != "" {
		return cmd
	}
	if len(step.Args) > 0 {
		raw, err := json.Marshal(step.Args)
		if err == nil {
			return step.Tool + " " + string(raw)
		}
	}
	return step.Intent
}

func successRatio(report *core.ExecutionReport) float64 {
	if len(report.Steps) == 0 {
		return 0
	}
	succeeded := 0
	for _, s := range report.Steps {
		if s.Status == core.StepSucceeded {
			succeeded++
		}
	}
	return float64(succeeded) / float64(len(report.Steps))
}
