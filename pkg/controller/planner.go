package controller

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/famulus-ai/famulus/pkg/core"
	"github.com/famulus-ai/famulus/pkg/errors"
	"github.com/famulus-ai/famulus/pkg/tool"
)

// planSchema is the JSON object the model is asked to return.
type planSchema struct {
	Goal            string       `json:"goal"`
	SuccessCriteria []string     `json:"success_criteria"`
	Steps           []stepSchema `json:"steps"`
	Assumptions     []string     `json:"assumptions"`
	Constraints     string       `json:"constraints"`
}

type stepSchema struct {
	StepID               int            `json:"step_id"`
	Title                string         `json:"title"`
	Intent               string         `json:"intent"`
	Tool                 string         `json:"tool"`
	Args                 map[string]any `json:"args"`
	Risk                 string         `json:"risk"`
	RequiresConfirmation bool           `json:"requires_confirmation"`
	MaxAttempts          int            `json:"max_attempts"`
	TimeoutS             int            `json:"timeout_s"`
	SuccessCheck         string         `json:"success_check"`
}

func planSystemPrompt(tools []tool.Tool) string {
	var b strings.Builder
	b.WriteString("You are a task planner. Break the user's instruction into ")
	b.WriteString("a short sequence of tool invocations.\n\nAvailable tools:\n")
	for _, t := range tools {
		fmt.Fprintf(&b, "- %s (risk: %s, requires_approval: %t)\n",
			t.Name(), t.Risk(), t.RequiresApproval())
	}
	b.WriteString(`
Respond with a single JSON object, no prose:
{"goal": "...", "success_criteria": ["..."],
 "steps": [{"step_id": 1, "title": "...", "intent": "...", "tool": "...",
            "args": {}, "risk": "safe|caution|danger",
            "max_attempts": 2, "timeout_s": 60}],
 "assumptions": [], "constraints": ""}
Only use tools from the list above.`)
	return b.String()
}

// parsePlan extracts the first JSON object from the model response.
// Arbitrary text around the object is tolerated; no object at all is a
// planning failure.
func parsePlan(content string) (*planSchema, error) {
	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start < 0 || end <= start {
		return nil, errors.New(errors.CodeLLMError, "response contains no JSON object", nil)
	}
	var schema planSchema
	if err := json.Unmarshal([]byte(content[start:end+1]), &schema); err != nil {
		return nil, errors.New(errors.CodeLLMError, "failed to decode plan JSON", err)
	}
	if len(schema.Steps) == 0 {
		return nil, errors.New(errors.CodeLLMError, "plan has no steps", nil)
	}
	return &schema, nil
}

func schemaToPlan(instruction string, schema *planSchema) *core.Plan {
	goal := schema.Goal
	if goal == "" {
		goal = instruction
	}
	plan := core.NewPlan(goal)
	plan.SuccessCriteria = schema.SuccessCriteria
	plan.Assumptions = schema.Assumptions
	plan.Constraints = schema.Constraints
	for i, s := range schema.Steps {
		step := core.PlanStep{
			StepID:               s.StepID,
			Title:                s.Title,
			Intent:               s.Intent,
			Tool:                 s.Tool,
			Args:                 s.Args,
			Risk:                 core.Risk(s.Risk),
			RequiresConfirmation: s.RequiresConfirmation,
			MaxAttempts:          s.MaxAttempts,
			TimeoutS:             s.TimeoutS,
			SuccessCheck:         s.SuccessCheck,
		}
		if step.StepID == 0 {
			step.StepID = i + 1
		}
		if step.Title == "" {
			step.Title = step.Intent
		}
		if !core.ValidRisk(step.Risk) {
			step.Risk = core.RiskSafe
		}
		plan.Steps = append(plan.Steps, step)
	}
	return plan
}

var (
	delegateRe    = regexp.MustCompile(`(?i)delegate\s+to\s+([\w-]+):`)
	conjunctionRe = regexp.MustCompile(`(?i)\s+(?:and|then)\s+`)
)

type segment struct {
	peer string
	text string
}

// splitInstruction segments an instruction on delegation markers
// ("delegate to X: ...") and on "and"/"then" conjunctions. Everything
// after a delegation marker up to the next marker belongs to that peer.
func splitInstruction(instruction string) []segment {
	var segments []segment

	addPlain := func(text string) {
		for _, part := range conjunctionRe.Split(text, -1) {
			part = strings.TrimSpace(strings.Trim(part, ".,;"))
			if part != "" {
				segments = append(segments, segment{text: part})
			}
		}
	}

	marks := delegateRe.FindAllStringSubmatchIndex(instruction, -1)
	if len(marks) == 0 {
		addPlain(instruction)
		return segments
	}

	addPlain(instruction[:marks[0][0]])
	for i, m := range marks {
		end := len(instruction)
		if i+1 < len(marks) {
			end = marks[i+1][0]
		}
		peer := instruction[m[2]:m[3]]
		text := strings.TrimSpace(strings.Trim(instruction[m[1]:end], ".,; "))
		if text != "" {
			segments = append(segments, segment{peer: peer, text: text})
		}
	}
	return segments
}

// fallbackPlan builds a deterministic plan when the model produces
// nothing usable. It always yields at least one step.
func fallbackPlan(instruction string) *core.Plan {
	plan := core.NewPlan(instruction)
	plan.Model = "fallback"

	segments := splitInstruction(instruction)
	if len(segments) == 0 {
		segments = []segment{{text: instruction}}
	}
	for i, seg := range segments {
		step := core.PlanStep{
			StepID:      i + 1,
			Title:       truncate(seg.text, 60),
			Intent:      seg.text,
			MaxAttempts: 1,
		}
		if seg.peer != "" {
			step.Tool = "a2a_send"
			step.Args = map[string]any{"peer": seg.peer, "message": seg.text}
		} else {
			step.Tool = "computer"
		}
		plan.Steps = append(plan.Steps, step)
	}
	plan.Normalize()
	return plan
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
