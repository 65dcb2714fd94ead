package tool

import (
	"sort"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/hupe1980/spellbridge/core"
	"github.com/hupe1980/spellbridge/internal/util"
)

// Validator is implemented by tools that validate their own arguments.
type Validator interface {
	Validate(args map[string]any) error
}

type entry struct {
	tool   Tool
	schema *jsonschema.Schema
}

// Registry holds the tools reachable by name.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]entry
}

// NewRegistry creates a registry holding tools.
func NewRegistry(tools ...Tool) (*Registry, error) {
	r := &Registry{tools: make(map[string]entry)}
	for _, t := range tools {
		if err := r.Register(t); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds t. Names must be unique and the parameter schema must compile.
func (r *Registry) Register(t Tool) error {
	if t == nil || strings.TrimSpace(t.Name()) == "" {
		return core.NewInvalidOperationError("", "tool must have a name")
	}
	e := entry{tool: t}
	if _, ok := t.(Validator); !ok {
		schema, err := util.CompileSchema(t.Name(), t.Parameters())
		if err != nil {
			return &core.Error{Code: core.CodeInvalidOperation, Op: t.Name(), Message: err.Error(), Err: err}
		}
		e.schema = schema
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[t.Name()]; exists {
		return core.NewInvalidOperationError(t.Name(), "tool %q already registered", t.Name())
	}
	r.tools[t.Name()] = e
	return nil
}

// Unregister removes a tool by name.
func (r *Registry) Unregister(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.tools[name]
	delete(r.tools, name)
	return ok
}

// Get returns a tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.tools[name]
	return e.tool, ok
}

// Names lists registered tool names in lexical order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for n := range r.tools {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Validate checks args for the named tool.
func (r *Registry) Validate(name string, args map[string]any) error {
	r.mu.RLock()
	e, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return core.NewInvalidOperationError(name, "unknown tool %q", name)
	}
	if v, ok := e.tool.(Validator); ok {
		return v.Validate(args)
	}
	return util.ValidateParameters(args, e.schema)
}
