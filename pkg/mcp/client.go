// Package mcp wraps the mcp-go client for the MCP servers configured
// as tool sources: per-request timeouts, retried calls and a short
// tool-discovery cache.
package mcp

import (
	"context"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/famulus-ai/famulus/pkg/errors"
	"github.com/famulus-ai/famulus/pkg/resilience"
)

const (
	defaultTimeout  = 10 * time.Second
	defaultRetries  = 2
	defaultBackoff  = 200 * time.Millisecond
	defaultCacheTTL = 30 * time.Second
)

// Option customizes the client wrapper.
type Option func(*Client)

// WithTimeout sets the per-request timeout.
func WithTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		if timeout > 0 {
			c.timeout = timeout
		}
	}
}

// WithRetry configures retry count and backoff unit.
func WithRetry(retries int, backoff time.Duration) Option {
	return func(c *Client) {
		if retries >= 0 {
			c.retries = retries
		}
		if backoff > 0 {
			c.backoff = backoff
		}
	}
}

// WithToolCacheTTL sets the tool discovery cache TTL. 0 disables
// caching.
func WithToolCacheTTL(ttl time.Duration) Option {
	return func(c *Client) {
		if ttl >= 0 {
			c.cacheTTL = ttl
		}
	}
}

// Client is the connection to one MCP server. It satisfies the tool
// registry's MCPCaller interface.
type Client struct {
	inner    client.MCPClient
	timeout  time.Duration
	retries  int
	backoff  time.Duration
	cacheTTL time.Duration

	mu          sync.Mutex
	toolsCache  []mcp.Tool
	cacheExpiry time.Time
}

// NewClient wraps an already-initialized MCP client.
func NewClient(inner client.MCPClient, opts ...Option) *Client {
	c := &Client{
		inner:    inner,
		timeout:  defaultTimeout,
		retries:  defaultRetries,
		backoff:  defaultBackoff,
		cacheTTL: defaultCacheTTL,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// NewStdio launches command as a subprocess speaking MCP over stdio and
// initializes the connection.
func NewStdio(ctx context.Context, command string, args []string, opts ...Option) (*Client, error) {
	inner, err := client.NewStdioMCPClient(command, nil, args...)
	if err != nil {
		return nil, errors.New(errors.CodeToolFailure, "failed to launch mcp server", err).
			WithContext("command", command)
	}
	return initialize(ctx, inner, opts...)
}

// NewStreamableHTTP connects to an MCP server over streamable HTTP.
func NewStreamableHTTP(ctx context.Context, url string, headers map[string]string, opts ...Option) (*Client, error) {
	var topts []transport.StreamableHTTPCOption
	if len(headers) > 0 {
		topts = append(topts, transport.WithHTTPHeaders(headers))
	}
	inner, err := client.NewStreamableHttpClient(url, topts...)
	if err != nil {
		return nil, errors.New(errors.CodeTransport, "failed to connect to mcp server", err).
			WithContext("url", url)
	}
	return initialize(ctx, inner, opts...)
}

func initialize(ctx context.Context, inner *client.Client, opts ...Option) (*Client, error) {
	if err := inner.Start(ctx); err != nil {
		inner.Close()
		return nil, errors.New(errors.CodeToolFailure, "failed to start mcp client", err)
	}

	initCtx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()
	req := mcp.InitializeRequest{}
	req.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	req.Params.ClientInfo = mcp.Implementation{Name: "famulus", Version: "0.1.0"}
	if _, err := inner.Initialize(initCtx, req); err != nil {
		inner.Close()
		return nil, errors.New(errors.CodeToolFailure, "mcp initialize failed", err)
	}
	return NewClient(inner, opts...), nil
}

// ListTools returns the server's tools, from cache when fresh.
func (c *Client) ListTools(ctx context.Context) ([]mcp.Tool, error) {
	if cached := c.cachedTools(); cached != nil {
		return cached, nil
	}

	var result *mcp.ListToolsResult
	err := c.retryConfig().Do(ctx, func() error {
		reqCtx, cancel := c.withTimeout(ctx)
		defer cancel()
		var callErr error
		result, callErr = c.inner.ListTools(reqCtx, mcp.ListToolsRequest{})
		return callErr
	})
	if err != nil {
		return nil, errors.New(errors.CodeToolFailure, "mcp list tools failed", err)
	}
	c.storeTools(result.Tools)
	return result.Tools, nil
}

// CallTool executes a tool on the server.
func (c *Client) CallTool(ctx context.Context, name string, args map[string]interface{}) (*mcp.CallToolResult, error) {
	req := mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args

	var result *mcp.CallToolResult
	err := c.retryConfig().Do(ctx, func() error {
		reqCtx, cancel := c.withTimeout(ctx)
		defer cancel()
		var callErr error
		result, callErr = c.inner.CallTool(reqCtx, req)
		return callErr
	})
	if err != nil {
		return nil, errors.New(errors.CodeToolFailure, "mcp tool call failed", err).
			WithContext("tool", name)
	}
	return result, nil
}

// Close closes the connection (and the subprocess for stdio servers).
func (c *Client) Close() error {
	return c.inner.Close()
}

func (c *Client) retryConfig() resilience.RetryConfig {
	cfg := resilience.DefaultRetryConfig()
	cfg.MaxAttempts = c.retries + 1
	cfg.InitialDelay = c.backoff
	return cfg
}

func (c *Client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.timeout)
}

func (c *Client) cachedTools() []mcp.Tool {
	if c.cacheTTL == 0 {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.toolsCache) == 0 || time.Now().After(c.cacheExpiry) {
		return nil
	}
	out := make([]mcp.Tool, len(c.toolsCache))
	copy(out, c.toolsCache)
	return out
}

func (c *Client) storeTools(tools []mcp.Tool) {
	if c.cacheTTL == 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.toolsCache = make([]mcp.Tool, len(tools))
	copy(c.toolsCache, tools)
	c.cacheExpiry = time.Now().Add(c.cacheTTL)
}
