package tools

import (
	"errors"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"goa.design/stepflow/runtime/agent/model"
	"goa.design/stepflow/runtime/agent/toolerrors"
)

type (
	// Registry is a ToolSet: tools addressed by name with their compiled
	// parameter schemas. It is safe for concurrent use.
	Registry struct {
		mu      sync.RWMutex
		tools   map[string]Tool
		schemas map[string]*jsonschema.Schema
		order   []string
	}
)

// ErrDuplicateTool is returned when registering a name twice.
var ErrDuplicateTool = errors.New("tool already registered")

// NewRegistry builds a registry holding the given tools.
func NewRegistry(ts ...Tool) (*Registry, error) {
	r := &Registry{
		tools:   make(map[string]Tool),
		schemas: make(map[string]*jsonschema.Schema),
	}
	for _, t := range ts {
		if err := r.Register(t); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds t to the registry, compiling its schema.
func (r *Registry) Register(t Tool) error {
	if t == nil {
		return errors.New("tool is required")
	}
	name := t.Name()
	if name == "" {
		return errors.New("tool name is required")
	}
	schema, err := compileSchema(name, t.Schema())
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tools[name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateTool, name)
	}
	r.tools[name] = t
	r.schemas[name] = schema
	r.order = append(r.order, name)
	return nil
}

// Lookup returns the tool registered under name.
func (r *Registry) Lookup(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Names returns the registered tool names in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

// Definitions returns the model-facing definitions of all tools in
// registration order.
func (r *Registry) Definitions() []*model.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]*model.ToolDefinition, 0, len(r.order))
	for _, name := range r.order {
		t := r.tools[name]
		defs = append(defs, &model.ToolDefinition{
			Name:        name,
			Description: t.Description(),
			InputSchema: t.Schema(),
		})
	}
	return defs
}

// Resolve looks up the tool named by req and parses and validates its
// arguments. Unknown tools yield a KindNotFound tool error and invalid
// arguments a KindInvalidArguments one.
func (r *Registry) Resolve(req CallRequest) (Tool, Args, error) {
	r.mu.RLock()
	t, ok := r.tools[req.Name]
	schema := r.schemas[req.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, nil, toolerrors.Errorf(toolerrors.KindNotFound, "tool not found: %q", req.Name)
	}
	args, err := ParseArgs(req.Arguments)
	if err != nil {
		return nil, nil, err
	}
	if err := validateArgs(schema, args); err != nil {
		return nil, nil, err
	}
	return t, args, nil
}
