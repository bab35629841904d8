package tools

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"goa.design/stepflow/runtime/agent/toolerrors"
)

// ParseArgs decodes a raw argument string into Args. The empty string is
// treated as an empty object. Anything other than a single JSON object is
// rejected with a KindInvalidArguments tool error.
func ParseArgs(raw string) (Args, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return Args{}, nil
	}
	dec := json.NewDecoder(strings.NewReader(trimmed))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, toolerrors.NewWithCause(toolerrors.KindInvalidArguments, "malformed tool arguments", err)
	}
	if dec.More() {
		return nil, toolerrors.New(toolerrors.KindInvalidArguments, "malformed tool arguments: trailing data")
	}
	obj, ok := v.(map[string]any)
	if !ok {
		return nil, toolerrors.Errorf(toolerrors.KindInvalidArguments, "tool arguments must be a JSON object, got %T", v)
	}
	return Args(obj), nil
}

// Canonical returns the normalized JSON encoding of args: object keys sorted,
// no insignificant whitespace, numbers kept as written. It is the basis of
// cache keys and default permission resources.
func (a Args) Canonical() string {
	if len(a) == 0 {
		return "{}"
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(map[string]any(a)); err != nil {
		return fmt.Sprintf("%v", map[string]any(a))
	}
	return strings.TrimSuffix(buf.String(), "\n")
}

// String returns the string value of key.
func (a Args) String(key string) (string, bool) {
	s, ok := a[key].(string)
	return s, ok
}

// Float returns the numeric value of key.
func (a Args) Float(key string) (float64, error) {
	switch v := a[key].(type) {
	case json.Number:
		return v.Float64()
	case float64:
		return v, nil
	case int:
		return float64(v), nil
	case nil:
		return 0, fmt.Errorf("missing argument %q", key)
	default:
		return 0, errors.New("argument " + key + " is not a number")
	}
}
