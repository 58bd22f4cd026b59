package mcp

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"
)

// fakeMCP overrides only the calls the wrapper uses; the embedded
// interface is never touched.
type fakeMCP struct {
	client.MCPClient
	listCalls int
	callCalls int
	failFirst int
}

func (f *fakeMCP) ListTools(_ context.Context, _ mcp.ListToolsRequest) (*mcp.ListToolsResult, error) {
	f.listCalls++
	return &mcp.ListToolsResult{Tools: []mcp.Tool{{Name: "list_files"}}}, nil
}

func (f *fakeMCP) CallTool(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	f.callCalls++
	if f.callCalls <= f.failFirst {
		return nil, fmt.Errorf("transient failure %d", f.callCalls)
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{mcp.TextContent{Type: "text", Text: req.Params.Name + " ok"}},
	}, nil
}

func TestListToolsCaching(t *testing.T) {
	fake := &fakeMCP{}
	c := NewClient(fake, WithToolCacheTTL(time.Minute))

	for i := 0; i < 3; i++ {
		tools, err := c.ListTools(context.Background())
		if err != nil {
			t.Fatal(err)
		}
		if len(tools) != 1 || tools[0].Name != "list_files" {
			t.Fatalf("tools = %+v", tools)
		}
	}
	if fake.listCalls != 1 {
		t.Errorf("server hits = %d, want 1 (cached)", fake.listCalls)
	}
}

func TestListToolsCacheDisabled(t *testing.T) {
	fake := &fakeMCP{}
	c := NewClient(fake, WithToolCacheTTL(0))

	for i := 0; i < 2; i++ {
		if _, err := c.ListTools(context.Background()); err != nil {
			t.Fatal(err)
		}
	}
	if fake.listCalls != 2 {
		t.Errorf("server hits = %d, want 2", fake.listCalls)
	}
}

func TestCallToolRetries(t *testing.T) {
	fake := &fakeMCP{failFirst: 2}
	c := NewClient(fake, WithRetry(2, time.Millisecond))

	result, err := c.CallTool(context.Background(), "list_files", nil)
	if err != nil {
		t.Fatal(err)
	}
	if fake.callCalls != 3 {
		t.Errorf("attempts = %d, want 3", fake.callCalls)
	}
	text, ok := result.Content[0].(mcp.TextContent)
	if !ok || text.Text != "list_files ok" {
		t.Errorf("content = %+v", result.Content)
	}
}

func TestCallToolExhaustsRetries(t *testing.T) {
	fake := &fakeMCP{failFirst: 10}
	c := NewClient(fake, WithRetry(1, time.Millisecond))

	if _, err := c.CallTool(context.Background(), "list_files", nil); err == nil {
		t.Fatal("expected error after retry exhaustion")
	}
	if fake.callCalls != 2 {
		t.Errorf("attempts = %d, want 2", fake.callCalls)
	}
}
