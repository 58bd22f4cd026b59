package core

// StepStatus describes the lifecycle state of one plan step.
type StepStatus string

const (
	StepPlanned   StepStatus = "planned"
	StepRunning   StepStatus = "running"
	StepSucceeded StepStatus = "succeeded"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
)

// RunStatus describes the outcome of a whole run as recorded in the
// execution report and the task_runs projection.
type RunStatus string

const (
	RunPlanned   RunStatus = "planned"
	RunRunning   RunStatus = "running"
	RunSucceeded RunStatus = "succeeded"
	RunFailed    RunStatus = "failed"
)

// ToolResult records one tool invocation attempt.
type ToolResult struct {
	Name          string         `json:"name"`
	Args          string         `json:"args,omitempty"`
	Risk          Risk           `json:"risk"`
	OK            bool           `json:"ok"`
	StartedAt     float64        `json:"started_at"`
	EndedAt       float64        `json:"ended_at"`
	OutputPreview string         `json:"output_preview,omitempty"`
	Error         string         `json:"error,omitempty"`
	Artifacts     []string       `json:"artifacts,omitempty"`
	FilesChanged  []string       `json:"files_changed,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

// StepReport accumulates the attempts made for one plan step.
type StepReport struct {
	StepID               int          `json:"step_id"`
	Title                string       `json:"title"`
	Status               StepStatus   `json:"status"`
	Attempts             int          `json:"attempts"`
	ToolResults          []ToolResult `json:"tool_results,omitempty"`
	VerificationPassed   bool         `json:"verification_passed"`
	VerificationEvidence string       `json:"verification_evidence,omitempty"`
}

// Cost tracks run resource consumption.
type Cost struct {
	ToolCalls int     `json:"tool_calls"`
	TokensIn  int     `json:"tokens_in"`
	TokensOut int     `json:"tokens_out"`
	USD       float64 `json:"usd"`
}

// ExecutionReport is the durable record of one run's execution.
type ExecutionReport struct {
	RunID         string       `json:"run_id"`
	TraceID       string       `json:"trace_id"`
	Goal          string       `json:"goal"`
	Status        RunStatus    `json:"status"`
	StartedAt     float64      `json:"started_at"`
	EndedAt       float64      `json:"ended_at"`
	Steps         []StepReport `json:"steps"`
	Cost          Cost         `json:"cost"`
	Confidence    float64      `json:"confidence"`
	NextActions   []string     `json:"next_actions,omitempty"`
	FailureReason string       `json:"failure_reason,omitempty"`
}

// NewExecutionReport seeds a report from a plan, with every step planned.
func NewExecutionReport(plan *Plan) *ExecutionReport {
	report := &ExecutionReport{
		RunID:     plan.RunID,
		TraceID:   plan.TraceID,
		Goal:      plan.Goal,
		Status:    RunPlanned,
		StartedAt: Now(),
		Steps:     make([]StepReport, 0, len(plan.Steps)),
	}
	for _, step := range plan.Steps {
		report.Steps = append(report.Steps, StepReport{
			StepID: step.StepID,
			Title:  step.Title,
			Status: StepPlanned,
		})
	}
	return report
}

// Step returns the report entry for the given step id, or nil.
func (r *ExecutionReport) Step(stepID int) *StepReport {
	for i := range r.Steps {
		if r.Steps[i].StepID == stepID {
			return &r.Steps[i]
		}
	}
	return nil
}
