package agent

import (
	"context"
	"fmt"
	"sync"

	"github.com/emberlight/convoy/internal/provider"
)

// ToolHandler executes a tool call and returns the result as a string.
type ToolHandler func(ctx context.Context, args string) (string, error)

// ToolRegistry holds available tools and their handlers. Reads are a
// side-effect-free catalog; execution happens through registered handlers.
type ToolRegistry struct {
	mu       sync.RWMutex
	defs     []provider.Tool
	handlers map[string]ToolHandler
}

// NewToolRegistry creates an empty registry.
func NewToolRegistry() *ToolRegistry {
	return &ToolRegistry{
		handlers: make(map[string]ToolHandler),
	}
}

// Register adds a tool definition and its handler.
func (r *ToolRegistry) Register(def provider.Tool, handler ToolHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.defs = append(r.defs, def)
	r.handlers[def.Function.Name] = handler
}

// Definitions returns all tool definitions for the LLM request.
func (r *ToolRegistry) Definitions() []provider.Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]provider.Tool, len(r.defs))
	copy(out, r.defs)
	return out
}

// DefinitionsFor returns the definitions an agent is allowed to use.
// An agent with an empty tool list gets the full catalog.
func (r *ToolRegistry) DefinitionsFor(a *Agent) []provider.Tool {
	if a == nil || len(a.Tools) == 0 {
		return r.Definitions()
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []provider.Tool
	for _, d := range r.defs {
		if a.HasTool(d.Function.Name) {
			out = append(out, d)
		}
	}
	return out
}

// Execute runs a tool by name with the given JSON arguments.
func (r *ToolRegistry) Execute(ctx context.Context, name, args string) (string, error) {
	r.mu.RLock()
	h, ok := r.handlers[name]
	r.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("unknown tool: %s", name)
	}
	return h(ctx, args)
}
