// Package tool implements the tool registry and executor: schema-validated,
// audited dispatch of every side effect the dialog runtime can take.
package tool

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Definition describes one registered tool.
type Definition struct {
	Name                string   `json:"name"`
	Description         string   `json:"description,omitempty"`
	InputSchema         string   `json:"input_schema"`
	OutputSchema        string   `json:"output_schema,omitempty"`
	Category            string   `json:"category,omitempty"`
	RequiresEvidence    bool     `json:"requires_evidence,omitempty"`
	AICallable          bool     `json:"ai_callable"`
	TimeoutSeconds      int      `json:"timeout_seconds,omitempty"`
	RequiredPermissions []string `json:"required_permissions,omitempty"`
}

// Context carries the caller's scope into a tool handler.
type Context struct {
	TenantID  string `json:"tenant_id"`
	SiteID    string `json:"site_id"`
	TraceID   string `json:"trace_id"`
	SpanID    string `json:"span_id,omitempty"`
	UserID    string `json:"user_id,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	NPCID     string `json:"npc_id,omitempty"`
}

// Handler executes one tool call with validated input.
type Handler func(ctx context.Context, tc Context, input map[string]any) (any, error)

type entry struct {
	def     Definition
	handler Handler
}

// Registry maps tool names to definitions and handlers. Registration
// happens at startup; lookups are concurrent.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]entry

	schemaCache sync.Map // name -> *jsonschema.Schema
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]entry)}
}

// Register adds a tool. The input schema must compile.
func (r *Registry) Register(def Definition, handler Handler) error {
	if def.Name == "" {
		return fmt.Errorf("tool name is required")
	}
	if handler == nil {
		return fmt.Errorf("tool %s: handler is required", def.Name)
	}
	if def.InputSchema != "" {
		compiled, err := jsonschema.CompileString(def.Name, def.InputSchema)
		if err != nil {
			return fmt.Errorf("tool %s: compile input schema: %w", def.Name, err)
		}
		r.schemaCache.Store(def.Name, compiled)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[def.Name]; exists {
		return fmt.Errorf("tool %s already registered", def.Name)
	}
	r.entries[def.Name] = entry{def: def, handler: handler}
	return nil
}

// Get returns a tool's definition and handler.
func (r *Registry) Get(name string) (Definition, Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	return e.def, e.handler, ok
}

// List returns all definitions sorted by name.
func (r *Registry) List() []Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	defs := make([]Definition, 0, len(r.entries))
	for _, e := range r.entries {
		defs = append(defs, e.def)
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

// inputSchema returns the compiled input schema for a tool, nil when the
// tool declares none.
func (r *Registry) inputSchema(name string) *jsonschema.Schema {
	if cached, ok := r.schemaCache.Load(name); ok {
		return cached.(*jsonschema.Schema)
	}
	return nil
}
