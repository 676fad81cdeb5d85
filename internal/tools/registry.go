package tools

import (
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/bobmcallan/opmanager-mcp/internal/catalog"
	"github.com/bobmcallan/opmanager-mcp/internal/client"
)

// Tool pairs an MCP tool definition with the invoker that executes it.
type Tool struct {
	Definition mcp.Tool
	Invoker    client.Invoker
}

// Skipped records one operation that could not become a tool.
type Skipped struct {
	OperationID string
	Method      string
	Path        string
	Reason      string
}

// Registry is an immutable name -> tool mapping built once at startup.
// After Generate returns it is read-only: concurrent lookups need no
// synchronization because nothing is ever added or removed while serving.
type Registry struct {
	names   []string // insertion order, for deterministic listing
	tools   map[string]Tool
	skipped []Skipped
}

func newRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

func (r *Registry) has(name string) bool {
	_, ok := r.tools[name]
	return ok
}

func (r *Registry) add(name string, t Tool) {
	r.names = append(r.names, name)
	r.tools[name] = t
}

func (r *Registry) recordSkip(op catalog.Operation, reason string) {
	r.skipped = append(r.skipped, Skipped{
		OperationID: op.OperationID,
		Method:      op.Method,
		Path:        op.Path,
		Reason:      reason,
	})
}

// Lookup returns the tool registered under name.
func (r *Registry) Lookup(name string) (Tool, bool) {
	t, ok := r.tools[name]
	return t, ok
}

// Names returns tool names in registration order.
func (r *Registry) Names() []string {
	out := make([]string, len(r.names))
	copy(out, r.names)
	return out
}

// Tools returns all tools in registration order.
func (r *Registry) Tools() []Tool {
	out := make([]Tool, 0, len(r.names))
	for _, name := range r.names {
		out = append(out, r.tools[name])
	}
	return out
}

// Len returns the number of registered tools.
func (r *Registry) Len() int {
	return len(r.names)
}

// Skipped returns the operations excluded from the build with their reasons.
func (r *Registry) Skipped() []Skipped {
	out := make([]Skipped, len(r.skipped))
	copy(out, r.skipped)
	return out
}
