// Package core defines the plan and report data model shared by the
// orchestration engine and the persistence layer.
package core

import (
	"time"

	"github.com/google/uuid"

	"github.com/famulus-ai/famulus/pkg/errors"
)

// Risk classifies how dangerous a tool invocation is.
type Risk string

const (
	RiskSafe    Risk = "safe"
	RiskCaution Risk = "caution"
	RiskDanger  Risk = "danger"
)

// ValidRisk reports whether value is a known risk level.
func ValidRisk(value Risk) bool {
	switch value {
	case RiskSafe, RiskCaution, RiskDanger:
		return true
	}
	return false
}

// Budget is a run-wide resource ceiling enforced during execution.
type Budget struct {
	MaxSteps     int `json:"max_steps"`
	MaxToolCalls int `json:"max_tool_calls"`
	MaxSeconds   int `json:"max_seconds"`
	MaxTokens    int `json:"max_tokens"`
}

// DefaultBudget returns the standard run budget.
func DefaultBudget() Budget {
	return Budget{
		MaxSteps:     20,
		MaxToolCalls: 20,
		MaxSeconds:   600,
		MaxTokens:    120000,
	}
}

// PlanStep is one planned unit of work, bound to a tool and arguments.
type PlanStep struct {
	StepID               int            `json:"step_id"`
	Title                string         `json:"title"`
	Intent               string         `json:"intent"`
	Tool                 string         `json:"tool"`
	Args                 map[string]any `json:"args,omitempty"`
	Risk                 Risk           `json:"risk"`
	RequiresConfirmation bool           `json:"requires_confirmation"`
	MaxAttempts          int            `json:"max_attempts"`
	TimeoutS             int            `json:"timeout_s"`
	SuccessCheck         string         `json:"success_check,omitempty"`
}

// Plan is the full execution plan for one run.
type Plan struct {
	RunID           string     `json:"run_id"`
	TraceID         string     `json:"trace_id"`
	Goal            string     `json:"goal"`
	SuccessCriteria []string   `json:"success_criteria,omitempty"`
	Steps           []PlanStep `json:"steps"`
	Assumptions     []string   `json:"assumptions,omitempty"`
	Constraints     string     `json:"constraints,omitempty"`
	Budget          Budget     `json:"budget"`
	CreatedAt       float64    `json:"created_at"`
	Model           string     `json:"model,omitempty"`
}

// NewPlan creates a plan with generated run and trace ids, the default
// budget, and no steps.
func NewPlan(goal string) *Plan {
	return &Plan{
		RunID:     uuid.NewString(),
		TraceID:   uuid.NewString(),
		Goal:      goal,
		Budget:    DefaultBudget(),
		CreatedAt: Now(),
	}
}

// Validate checks structural plan invariants: at least one step, known
// risk levels, and positive attempt limits.
func (p *Plan) Validate() error {
	if p.RunID == "" {
		return errors.Newf(errors.CodeInvalidInput, "plan is missing run_id")
	}
	if len(p.Steps) == 0 {
		return errors.Newf(errors.CodeInvalidInput, "plan has no steps")
	}
	for i := range p.Steps {
		step := &p.Steps[i]
		if step.Tool == "" {
			return errors.Newf(errors.CodeInvalidInput, "step %d has no tool", step.StepID)
		}
		if !ValidRisk(step.Risk) {
			return errors.Newf(errors.CodeInvalidInput, "step %d has unknown risk %q", step.StepID, step.Risk)
		}
		if step.MaxAttempts < 1 {
			return errors.Newf(errors.CodeInvalidInput, "step %d has max_attempts < 1", step.StepID)
		}
	}
	return nil
}

// Normalize fills in defaults for fields the planner may leave zero.
func (p *Plan) Normalize() {
	if p.Budget == (Budget{}) {
		p.Budget = DefaultBudget()
	}
	if p.CreatedAt == 0 {
		p.CreatedAt = Now()
	}
	for i := range p.Steps {
		step := &p.Steps[i]
		if step.StepID == 0 {
			step.StepID = i + 1
		}
		if step.Risk == "" {
			step.Risk = RiskSafe
		}
		if step.MaxAttempts < 1 {
			step.MaxAttempts = 1
		}
	}
}

// Now returns the current time as float seconds since epoch, the
// timestamp representation used throughout the persisted state.
func Now() float64 {
	return float64(time.Now().UnixNano()) / float64(time.Second)
}
