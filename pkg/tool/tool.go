// Package tool defines the tool-execution boundary: a closed set of
// named tools registered into a lookup table, each carrying its own
// risk metadata and argument handling.
package tool

import (
	"context"
	"sort"
	"sync"

	"github.com/famulus-ai/famulus/pkg/core"
	"github.com/famulus-ai/famulus/pkg/errors"
)

// Tool is one executable capability. Implementations validate their
// own arguments; the controller treats Execute as opaque.
type Tool interface {
	Name() string
	Risk() core.Risk
	RequiresApproval() bool
	Execute(ctx context.Context, args string) (string, error)
}

// Observer takes provenance snapshots around side-effecting tool
// calls. Observation failures are best-effort and must be swallowed by
// callers.
type Observer interface {
	Observe(ctx context.Context, label string) error
}

// Registry is the name-keyed tool lookup table.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds a tool; re-registering a name replaces it.
func (r *Registry) Register(t Tool) error {
	if t == nil || t.Name() == "" {
		return errors.New(errors.CodeInvalidInput, "tool must have a name", nil)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[t.Name()] = t
	return nil
}

// Lookup returns the tool for name.
func (r *Registry) Lookup(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// List returns all registered tools sorted by name.
func (r *Registry) List() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Tool, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// Func adapts a plain function into a Tool.
type Func struct {
	ToolName     string
	ToolRisk     core.Risk
	NeedApproval bool
	Fn           func(ctx context.Context, args string) (string, error)
}

func (f *Func) Name() string           { return f.ToolName }
func (f *Func) RequiresApproval() bool { return f.NeedApproval }

func (f *Func) Risk() core.Risk {
	if f.ToolRisk == "" {
		return core.RiskSafe
	}
	return f.ToolRisk
}

func (f *Func) Execute(ctx context.Context, args string) (string, error) {
	if f.Fn == nil {
		return "", errors.Newf(errors.CodeToolFailure, "tool %s has no implementation", f.ToolName)
	}
	return f.Fn(ctx, args)
}
