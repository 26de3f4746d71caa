package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// ToolRegistry holds the fixed set of tools available to the Conversation
// Engine. Unlike the teacher's plugin-loaded registry, this one is
// populated entirely in code at startup — there is no dynamic tool
// discovery in this runtime.
type ToolRegistry struct {
	mu       sync.RWMutex
	tools    map[string]Tool
	compiled map[string]*jsonschema.Schema
}

// NewToolRegistry creates an empty tool registry.
func NewToolRegistry() *ToolRegistry {
	return &ToolRegistry{
		tools:    make(map[string]Tool),
		compiled: make(map[string]*jsonschema.Schema),
	}
}

// Register adds a tool to the registry, compiling its JSON schema so
// argument validation can run before every Execute call. A tool whose
// schema fails to compile is not registered.
func (r *ToolRegistry) Register(tool Tool) error {
	if tool == nil {
		return fmt.Errorf("tool registry: nil tool")
	}
	name := tool.Name()
	if name == "" {
		return fmt.Errorf("tool registry: tool has empty name")
	}

	compiler := jsonschema.NewCompiler()
	schemaURL := "mem://" + name + ".json"
	if err := compiler.AddResource(schemaURL, bytes.NewReader(tool.Schema())); err != nil {
		return fmt.Errorf("tool registry: compile schema for %s: %w", name, err)
	}
	schema, err := compiler.Compile(schemaURL)
	if err != nil {
		return fmt.Errorf("tool registry: invalid schema for %s: %w", name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[name] = tool
	r.compiled[name] = schema
	return nil
}

// Unregister removes a tool by name.
func (r *ToolRegistry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tools, name)
	delete(r.compiled, name)
}

// Get returns the tool with the given name, if registered.
func (r *ToolRegistry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// All returns every registered tool, sorted by name for stable prompt
// construction.
func (r *ToolRegistry) All() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Tool, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// Execute validates params against the tool's schema and, if valid, runs
// it. Schema failures surface as an ArgumentError without ever reaching
// the tool's Execute method.
func (r *ToolRegistry) Execute(ctx context.Context, name string, params json.RawMessage) (*ToolResult, error) {
	r.mu.RLock()
	tool, ok := r.tools[name]
	schema := r.compiled[name]
	r.mu.RUnlock()

	if !ok {
		return nil, NewArgumentError(fmt.Sprintf("unknown tool %q", name))
	}

	if schema != nil && len(params) > 0 {
		var decoded any
		if err := json.Unmarshal(params, &decoded); err != nil {
			return nil, NewArgumentError(fmt.Sprintf("tool %s: malformed arguments: %v", name, err))
		}
		if err := schema.Validate(decoded); err != nil {
			return nil, NewArgumentError(fmt.Sprintf("tool %s: arguments do not match schema: %v", name, err))
		}
	}

	return tool.Execute(ctx, params)
}
