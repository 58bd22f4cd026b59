package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
)

// Semantic conventions for run telemetry. These follow OpenTelemetry
// naming conventions where applicable.
const (
	AttrRunID     = "famulus.run.id"
	AttrRunGoal   = "famulus.run.goal"
	AttrRunStatus = "famulus.run.status"

	AttrStepID     = "famulus.step.id"
	AttrStepTitle  = "famulus.step.title"
	AttrStepStatus = "famulus.step.status"
	AttrStepAttempt = "famulus.step.attempt"

	AttrToolName = "famulus.tool.name"
	AttrToolRisk = "famulus.tool.risk"
	AttrToolOK   = "famulus.tool.ok"

	AttrMemoryScope  = "famulus.memory.scope"
	AttrMemoryKind   = "famulus.memory.kind"
	AttrMemoryCount  = "famulus.memory.retrieved_count"

	AttrPeerName  = "famulus.a2a.peer"
	AttrMessageID = "famulus.a2a.message_id"
	AttrThreadID  = "famulus.a2a.thread_id"

	// LLM attributes extend the standard gen_ai conventions.
	AttrLLMModel        = "gen_ai.request.model"
	AttrLLMProvider     = "gen_ai.system"
	AttrLLMTokensInput  = "gen_ai.usage.input_tokens"
	AttrLLMTokensOutput = "gen_ai.usage.output_tokens"
)

// RunAttributes returns common attributes for run spans. Long goals are
// truncated so span payloads stay bounded.
func RunAttributes(runID, goal, status string) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		attribute.String(AttrRunID, runID),
	}
	if goal != "" {
		if len(goal) > 200 {
			goal = goal[:200] + "..."
		}
		attrs = append(attrs, attribute.String(AttrRunGoal, goal))
	}
	if status != "" {
		attrs = append(attrs, attribute.String(AttrRunStatus, status))
	}
	return attrs
}

// StepAttributes returns attributes for a step execution span.
func StepAttributes(stepID int, title, status string, attempt int) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		attribute.Int(AttrStepID, stepID),
	}
	if title != "" {
		attrs = append(attrs, attribute.String(AttrStepTitle, title))
	}
	if status != "" {
		attrs = append(attrs, attribute.String(AttrStepStatus, status))
	}
	if attempt > 0 {
		attrs = append(attrs, attribute.Int(AttrStepAttempt, attempt))
	}
	return attrs
}

// ToolAttributes returns attributes for a tool call span.
func ToolAttributes(name, risk string, ok bool) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(AttrToolName, name),
		attribute.String(AttrToolRisk, risk),
		attribute.Bool(AttrToolOK, ok),
	}
}

// MessageAttributes returns attributes for peer messaging spans.
func MessageAttributes(peer, messageID, threadID string) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		attribute.String(AttrPeerName, peer),
	}
	if messageID != "" {
		attrs = append(attrs, attribute.String(AttrMessageID, messageID))
	}
	if threadID != "" {
		attrs = append(attrs, attribute.String(AttrThreadID, threadID))
	}
	return attrs
}

// LLMAttributes returns attributes for model call spans.
func LLMAttributes(model, provider string, tokensIn, tokensOut int) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		attribute.String(AttrLLMModel, model),
	}
	if provider != "" {
		attrs = append(attrs, attribute.String(AttrLLMProvider, provider))
	}
	if tokensIn > 0 {
		attrs = append(attrs, attribute.Int(AttrLLMTokensInput, tokensIn))
	}
	if tokensOut > 0 {
		attrs = append(attrs, attribute.Int(AttrLLMTokensOutput, tokensOut))
	}
	return attrs
}
