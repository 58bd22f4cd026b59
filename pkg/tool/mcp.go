package tool

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/famulus-ai/famulus/pkg/core"
	"github.com/famulus-ai/famulus/pkg/errors"
)

// MCPCaller abstracts MCP tool execution, satisfied by the mcp-go
// client.
type MCPCaller interface {
	CallTool(ctx context.Context, name string, args map[string]interface{}) (*mcp.CallToolResult, error)
}

// MCPTool adapts one tool exposed by an MCP server into the registry,
// with locally configured risk metadata.
type MCPTool struct {
	def          mcp.Tool
	caller       MCPCaller
	risk         core.Risk
	needApproval bool
}

// NewMCPTool wraps an MCP tool definition.
func NewMCPTool(def mcp.Tool, caller MCPCaller, risk core.Risk, requiresApproval bool) (*MCPTool, error) {
	if def.Name == "" {
		return nil, errors.New(errors.CodeInvalidInput, "mcp tool name is required", nil)
	}
	if caller == nil {
		return nil, errors.New(errors.CodeInvalidInput, "mcp tool caller is required", nil)
	}
	if risk == "" {
		risk = core.RiskCaution
	}
	if !core.ValidRisk(risk) {
		return nil, errors.Newf(errors.CodeInvalidInput, "invalid risk: %q", risk)
	}
	return &MCPTool{def: def, caller: caller, risk: risk, needApproval: requiresApproval}, nil
}

func (t *MCPTool) Name() string           { return t.def.Name }
func (t *MCPTool) Risk() core.Risk        { return t.risk }
func (t *MCPTool) RequiresApproval() bool { return t.needApproval }

// Execute decodes args (a JSON object or free text), validates
// required schema fields and invokes the server.
func (t *MCPTool) Execute(ctx context.Context, args string) (string, error) {
	decoded := decodeArgs(args)
	if err := t.validateRequired(decoded); err != nil {
		return "", err
	}

	result, err := t.caller.CallTool(ctx, t.def.Name, decoded)
	if err != nil {
		return "", errors.New(errors.CodeToolFailure, "mcp call failed", err).
			WithContext("tool", t.def.Name).
			WithRecoverable(true)
	}
	if result == nil {
		return "", errors.Newf(errors.CodeToolFailure, "mcp tool %s returned no result", t.def.Name)
	}
	text := extractText(result.Content)
	if result.IsError {
		return "", errors.Newf(errors.CodeToolFailure, "mcp tool error: %s", text)
	}
	return text, nil
}

func decodeArgs(args string) map[string]interface{} {
	trimmed := strings.TrimSpace(args)
	if trimmed == "" {
		return map[string]interface{}{}
	}
	if strings.HasPrefix(trimmed, "{") {
		var decoded map[string]interface{}
		if err := json.Unmarshal([]byte(trimmed), &decoded); err == nil {
			return decoded
		}
	}
	return map[string]interface{}{"input": trimmed}
}

func (t *MCPTool) validateRequired(args map[string]interface{}) error {
	schema := t.def.InputSchema
	if schema.Type != "" && schema.Type != "object" {
		return nil
	}
	for _, key := range schema.Required {
		if _, ok := args[key]; !ok {
			return errors.Newf(errors.CodeInvalidInput,
				"missing required field %q for tool %s", key, t.def.Name)
		}
	}
	return nil
}

func extractText(items []mcp.Content) string {
	var parts []string
	for _, item := range items {
		switch content := item.(type) {
		case mcp.TextContent:
			parts = append(parts, content.Text)
		case *mcp.TextContent:
			parts = append(parts, content.Text)
		}
	}
	return strings.Join(parts, "\n")
}

var _ Tool = (*MCPTool)(nil)
