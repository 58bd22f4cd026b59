package core

import "testing"

func TestNewPlanDefaults(t *testing.T) {
	plan := NewPlan("summarize inbox")
	if plan.RunID == "" || plan.TraceID == "" {
		t.Fatal("expected generated run and trace ids")
	}
	if plan.Budget.MaxSteps != 20 {
		t.Errorf("default max_steps = %d, want 20", plan.Budget.MaxSteps)
	}
	if plan.Budget.MaxToolCalls != 20 {
		t.Errorf("default max_tool_calls = %d, want 20", plan.Budget.MaxToolCalls)
	}
	if plan.CreatedAt == 0 {
		t.Error("expected created_at to be set")
	}
}

func TestPlanValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Plan)
		wantErr bool
	}{
		{"valid", func(p *Plan) {}, false},
		{"no steps", func(p *Plan) { p.Steps = nil }, true},
		{"missing tool", func(p *Plan) { p.Steps[0].Tool = "" }, true},
		{"unknown risk", func(p *Plan) { p.Steps[0].Risk = "extreme" }, true},
		{"zero attempts", func(p *Plan) { p.Steps[0].MaxAttempts = 0 }, true},
		{"missing run id", func(p *Plan) { p.RunID = "" }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			plan := NewPlan("goal")
			plan.Steps = []PlanStep{{
				StepID:      1,
				Title:       "step",
				Tool:        "shell",
				Risk:        RiskSafe,
				MaxAttempts: 1,
			}}
			tt.mutate(plan)
			err := plan.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestPlanNormalize(t *testing.T) {
	plan := &Plan{
		RunID: "run-1",
		Goal:  "goal",
		Steps: []PlanStep{
			{Title: "first", Tool: "shell"},
			{Title: "second", Tool: "files"},
		},
	}
	plan.Normalize()

	if plan.Budget.MaxSteps == 0 {
		t.Error("expected default budget")
	}
	if plan.Steps[0].StepID != 1 || plan.Steps[1].StepID != 2 {
		t.Errorf("step ids = %d, %d", plan.Steps[0].StepID, plan.Steps[1].StepID)
	}
	for _, step := range plan.Steps {
		if step.Risk != RiskSafe {
			t.Errorf("step %d risk = %q, want safe", step.StepID, step.Risk)
		}
		if step.MaxAttempts != 1 {
			t.Errorf("step %d max_attempts = %d, want 1", step.StepID, step.MaxAttempts)
		}
	}
}

func TestNewExecutionReport(t *testing.T) {
	plan := NewPlan("goal")
	plan.Steps = []PlanStep{
		{StepID: 1, Title: "a", Tool: "shell", Risk: RiskSafe, MaxAttempts: 1},
		{StepID: 2, Title: "b", Tool: "shell", Risk: RiskSafe, MaxAttempts: 1},
	}
	report := NewExecutionReport(plan)
	if report.RunID != plan.RunID || report.TraceID != plan.TraceID {
		t.Error("report should inherit plan identifiers")
	}
	if len(report.Steps) != 2 {
		t.Fatalf("expected 2 step reports, got %d", len(report.Steps))
	}
	for _, step := range report.Steps {
		if step.Status != StepPlanned {
			t.Errorf("step %d status = %q, want planned", step.StepID, step.Status)
		}
	}
	if report.Step(2) == nil || report.Step(2).Title != "b" {
		t.Error("Step lookup failed")
	}
	if report.Step(99) != nil {
		t.Error("unknown step id should return nil")
	}
}
