package tools

import (
	"context"
	"encoding/json"
	"time"
)

type (
	// Handler implements a tool body.
	Handler func(ctx context.Context, args Args, cc *CallContext) (*Output, error)

	// Option configures a tool built with New.
	Option func(*funcTool)

	funcTool struct {
		name        string
		description string
		schema      json.RawMessage
		handler     Handler
		cacheable   bool
		timeout     time.Duration
		resource    func(Args) string
	}
)

// New builds a Tool from a handler function.
func New(name, description string, schema json.RawMessage, h Handler, opts ...Option) Tool {
	t := &funcTool{
		name:        name,
		description: description,
		schema:      schema,
		handler:     h,
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

// WithCacheable marks the tool results as safe to memoize per session.
func WithCacheable() Option {
	return func(t *funcTool) { t.cacheable = true }
}

// WithTimeout overrides the executor default timeout for the tool.
func WithTimeout(d time.Duration) Option {
	return func(t *funcTool) { t.timeout = d }
}

// WithResource sets the permission resource canonicalization of the tool.
func WithResource(fn func(Args) string) Option {
	return func(t *funcTool) { t.resource = fn }
}

func (t *funcTool) Name() string            { return t.name }
func (t *funcTool) Description() string     { return t.description }
func (t *funcTool) Schema() json.RawMessage { return t.schema }
func (t *funcTool) Cacheable() bool         { return t.cacheable }
func (t *funcTool) Timeout() time.Duration  { return t.timeout }

func (t *funcTool) PermissionResource(args Args) string {
	if t.resource == nil {
		return ""
	}
	return t.resource(args)
}

func (t *funcTool) Execute(ctx context.Context, args Args, cc *CallContext) (*Output, error) {
	return t.handler(ctx, args, cc)
}
