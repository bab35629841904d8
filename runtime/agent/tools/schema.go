package tools

import (
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"goa.design/stepflow/runtime/agent/toolerrors"
)

// compileSchema compiles a tool parameter schema. A nil schema yields a nil
// validator that accepts any object.
func compileSchema(name string, raw json.RawMessage) (*jsonschema.Schema, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("unmarshal schema of tool %q: %w", name, err)
	}
	c := jsonschema.NewCompiler()
	url := name + ".schema.json"
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add schema resource of tool %q: %w", name, err)
	}
	schema, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema of tool %q: %w", name, err)
	}
	return schema, nil
}

// validateArgs checks args against schema. Violations are reported as
// KindInvalidArguments tool errors.
func validateArgs(schema *jsonschema.Schema, args Args) error {
	if schema == nil {
		return nil
	}
	if err := schema.Validate(map[string]any(args)); err != nil {
		return toolerrors.NewWithCause(toolerrors.KindInvalidArguments, "tool arguments do not match schema", err)
	}
	return nil
}
