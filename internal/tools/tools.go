package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"OpenMCP-Intent/internal/llm"
	"OpenMCP-Intent/internal/session"
)

// TagWrite marks a tool whose success changes external state.
const TagWrite = "write"

// DiagnosticTool is the tool invoked automatically after a delegation failure.
const DiagnosticTool = "diagnose_delegation"

// writeTools are always treated as state-mutating regardless of tags.
var writeTools = map[string]struct{}{
	"execute_swap":   {},
	"transfer_funds": {},
	"pay_x402":       {},
}

// Handler executes a tool. The returned value is serialized to JSON before it
// is shown to the model.
type Handler func(ctx context.Context, args map[string]any, sctx session.Context) (any, error)

// Tool is a capability the model can call.
type Tool struct {
	Name        string         `json:"name" yaml:"name"`
	Description string         `json:"description" yaml:"description"`
	Parameters  map[string]any `json:"parameters" yaml:"parameters"`
	Tags        []string       `json:"tags,omitempty" yaml:"tags"`
	Handler     Handler        `json:"-" yaml:"-"`
}

// HasTag reports whether the tool carries tag.
func (t *Tool) HasTag(tag string) bool {
	for _, candidate := range t.Tags {
		if strings.EqualFold(candidate, tag) {
			return true
		}
	}
	return false
}

// IsWrite reports whether the tool moves funds or otherwise mutates state.
func (t *Tool) IsWrite() bool {
	if t == nil {
		return false
	}
	if IsWriteName(t.Name) {
		return true
	}
	return t.HasTag(TagWrite)
}

// IsWriteName reports whether name is one of the built-in state-mutating tools.
func IsWriteName(name string) bool {
	_, ok := writeTools[name]
	return ok
}

type entry struct {
	tool   *Tool
	schema *jsonschema.Schema
}

// Registry holds available tools and their compiled argument schemas.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]*entry
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]*entry)}
}

// Register adds or replaces a tool. The parameter schema is compiled up front
// so malformed schemas are rejected at startup instead of at call time.
func (r *Registry) Register(t *Tool) error {
	if t == nil || strings.TrimSpace(t.Name) == "" {
		return fmt.Errorf("tool name is required")
	}
	if t.Handler == nil {
		return fmt.Errorf("tool %s has no handler", t.Name)
	}
	compiled, err := compileSchema(t.Name, t.Parameters)
	if err != nil {
		return fmt.Errorf("tool %s schema: %w", t.Name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[t.Name] = &entry{tool: t, schema: compiled}
	return nil
}

// Get retrieves a tool by name.
func (r *Registry) Get(name string) *Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.tools[name]; ok {
		return e.tool
	}
	return nil
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	return r.Get(name) != nil
}

// IsWrite reports whether the named tool is state-mutating. Unknown tools in
// the built-in write set are still treated as writes.
func (r *Registry) IsWrite(name string) bool {
	if t := r.Get(name); t != nil {
		return t.IsWrite()
	}
	return IsWriteName(name)
}

// Names returns the registered tool names in lexical order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Schemas returns the tool declarations sent to the model.
func (r *Registry) Schemas() []llm.ToolSchema {
	names := r.Names()
	out := make([]llm.ToolSchema, 0, len(names))
	for _, name := range names {
		t := r.Get(name)
		if t == nil {
			continue
		}
		params := t.Parameters
		if params == nil {
			params = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		out = append(out, llm.ToolSchema{Name: t.Name, Description: t.Description, Parameters: params})
	}
	return out
}

// Validate checks args against the tool's parameter schema.
func (r *Registry) Validate(name string, args map[string]any) error {
	r.mu.RLock()
	e, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return &ErrToolUnavailable{ToolName: name}
	}
	if e.schema == nil {
		return nil
	}
	doc, err := normalize(args)
	if err != nil {
		return fmt.Errorf("invalid arguments: %w", err)
	}
	if err := e.schema.Validate(doc); err != nil {
		return fmt.Errorf("invalid arguments for %s: %w", name, err)
	}
	return nil
}

func compileSchema(name string, params map[string]any) (*jsonschema.Schema, error) {
	if len(params) == 0 {
		return nil, nil
	}
	doc, err := normalize(params)
	if err != nil {
		return nil, err
	}
	url := name + ".json"
	c := jsonschema.NewCompiler()
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	return c.Compile(url)
}

// normalize round-trips v through JSON so Go-typed values (ints, structs,
// typed slices) reach the validator in their decoded-JSON form.
func normalize(v any) (any, error) {
	if v == nil {
		return map[string]any{}, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}
