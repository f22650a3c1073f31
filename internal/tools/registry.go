// Package tools builds the set of callable tools bound to a request's
// runtime context: shell, chat_send, and context ops.
package tools

import (
	"context"
	"fmt"

	"github.com/wangenius/shipmyagent/pkg/protocol"
)

// Registry maps tool name to its callable implementation.
type Registry struct {
	tools map[string]protocol.Tool
	order []string
}

// NewRegistry returns an empty tool registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]protocol.Tool)}
}

// Register adds a tool, keyed by its own Name(). Re-registering the same
// name replaces the previous tool in place but preserves its call order.
func (r *Registry) Register(t protocol.Tool) {
	name := t.Name()
	if _, exists := r.tools[name]; !exists {
		r.order = append(r.order, name)
	}
	r.tools[name] = t
}

// Get looks up a tool by name.
func (r *Registry) Get(name string) (protocol.Tool, bool) {
	t, ok := r.tools[name]
	return t, ok
}

// Definitions returns every registered tool's schema, in registration order,
// for inclusion in a ModelRequest.
func (r *Registry) Definitions() []protocol.ToolDefinition {
	defs := make([]protocol.ToolDefinition, 0, len(r.order))
	for _, name := range r.order {
		t := r.tools[name]
		defs = append(defs, protocol.ToolDefinition{
			Name:        t.Name(),
			Description: t.Description(),
			Parameters:  t.Parameters(),
		})
	}
	return defs
}

// All returns every registered tool, in registration order. Used to seed a
// per-turn registry with the shared, stateless tools before adding turn-
// scoped ones like chat_send.
func (r *Registry) All() []protocol.Tool {
	out := make([]protocol.Tool, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.tools[name])
	}
	return out
}

// Execute runs a named tool, returning a ToolErr result if it isn't registered.
func (r *Registry) Execute(ctx context.Context, name string, args map[string]interface{}) *protocol.ToolResult {
	t, ok := r.tools[name]
	if !ok {
		return protocol.ToolErr(fmt.Sprintf("unknown tool %q", name))
	}
	return t.Execute(ctx, args)
}
