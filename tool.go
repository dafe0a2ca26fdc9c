package gro

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// ToolHandler executes one tool. Execute returns a ToolResult even for tool
// failures; the error return is reserved for infrastructure problems
// (timeout, cancelled context) that should surface as tool_error.
type ToolHandler interface {
	Definition() ToolDefinition
	Execute(ctx context.Context, args json.RawMessage) (ToolResult, error)
}

// defaultToolTimeout bounds a single tool execution.
const defaultToolTimeout = 5 * time.Minute

// ToolRegistry holds the tools exposed to the model, in registration order.
type ToolRegistry struct {
	mu       sync.RWMutex
	handlers map[string]ToolHandler
	order    []string
	timeout  time.Duration
}

// NewToolRegistry creates an empty registry.
func NewToolRegistry() *ToolRegistry {
	return &ToolRegistry{handlers: map[string]ToolHandler{}, timeout: defaultToolTimeout}
}

// SetTimeout overrides the per-execution timeout.
func (r *ToolRegistry) SetTimeout(d time.Duration) {
	r.mu.Lock()
	r.timeout = d
	r.mu.Unlock()
}

// Register adds a handler, replacing any previous tool of the same name.
func (r *ToolRegistry) Register(h ToolHandler) {
	name := h.Definition().Name
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.handlers[name]; !ok {
		r.order = append(r.order, name)
	}
	r.handlers[name] = h
}

// Get returns the handler for name.
func (r *ToolRegistry) Get(name string) (ToolHandler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[name]
	return h, ok
}

// Definitions returns all tool definitions in registration order.
func (r *ToolRegistry) Definitions() []ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ToolDefinition, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.handlers[name].Definition())
	}
	return out
}

// Execute runs a tool under the registry timeout. Unknown tools and
// execution errors come back as error-flagged results, never as Go errors,
// so the model always sees something it can react to.
func (r *ToolRegistry) Execute(ctx context.Context, call ToolCall) ToolResult {
	h, ok := r.Get(call.Name)
	if !ok {
		return ToolResult{Error: fmt.Sprintf("unknown tool: %s", call.Name)}
	}
	r.mu.RLock()
	timeout := r.timeout
	r.mu.RUnlock()
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	res, err := h.Execute(ctx, call.Args)
	if err != nil {
		return ToolResult{Error: err.Error()}
	}
	return res
}

// FuncTool wraps a plain function as a ToolHandler.
type FuncTool struct {
	Def ToolDefinition
	Fn  func(ctx context.Context, args json.RawMessage) (ToolResult, error)
}

func (t FuncTool) Definition() ToolDefinition { return t.Def }

func (t FuncTool) Execute(ctx context.Context, args json.RawMessage) (ToolResult, error) {
	return t.Fn(ctx, args)
}

var _ ToolHandler = FuncTool{}
