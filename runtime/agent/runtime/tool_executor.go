package runtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"goa.design/stepflow/runtime/agent/cache"
	"goa.design/stepflow/runtime/agent/interaction"
	"goa.design/stepflow/runtime/agent/permission"
	"goa.design/stepflow/runtime/agent/telemetry"
	"goa.design/stepflow/runtime/agent/toolerrors"
	"goa.design/stepflow/runtime/agent/tools"
)

type (
	// ToolExecutor executes single tool calls. It resolves the tool, serves
	// cacheable calls from the result cache, gates execution on the
	// permission manager and runs the handler with a timeout and panic
	// recovery. Every failure becomes a failed tools.Result; the only
	// non-result outcome is Suspended.
	ToolExecutor struct {
		// Tools resolves tool names. Nil behaves as an empty registry.
		Tools *tools.Registry
		// Cache memoizes cacheable results. Optional.
		Cache cache.Cache
		// Flight collapses concurrent executions of the same cache key so an
		// identical cacheable call runs once. Optional.
		Flight *singleflight.Group
		// Permissions gates calls. Optional.
		Permissions *permission.Manager
		// Timeout is the default execution timeout.
		Timeout time.Duration
		// InteractionTTL is the lifetime of the confirmation requests created
		// on NEEDS_AUTH.
		InteractionTTL time.Duration

		Logger  telemetry.Logger
		Metrics telemetry.Metrics
		Tracer  telemetry.Tracer
		Now     func() time.Time

		once sync.Once
	}

	// CallOption configures a single Execute call.
	CallOption func(*callOptions)

	callOptions struct {
		request  *interaction.Request
		response *interaction.Response
	}

	// preparedCall is a resolved, authorized call ready to run.
	preparedCall struct {
		req      tools.CallRequest
		tool     tools.Tool
		args     tools.Args
		cacheKey string
		started  time.Time
	}

	panicError struct {
		value any
	}
)

// WithInteractionResponse hands the answer to req to the tool through
// CallContext when replaying a suspended call.
func WithInteractionResponse(req *interaction.Request, resp *interaction.Response) CallOption {
	return func(o *callOptions) {
		o.request = req
		o.response = resp
	}
}

// Execute runs one tool call to completion or suspension.
func (e *ToolExecutor) Execute(ctx context.Context, ec tools.ExecContext, req tools.CallRequest, opts ...CallOption) Outcome {
	co := newCallOptions(opts)
	p, out := e.prepare(ctx, ec, req)
	if out != nil {
		return out
	}
	return e.run(ctx, ec, p, co)
}

// prepare resolves and validates the call, consults the cache and the
// permission manager. It returns either a prepared call or a terminal
// outcome (failed result, cache hit or suspension).
func (e *ToolExecutor) prepare(ctx context.Context, ec tools.ExecContext, req tools.CallRequest) (*preparedCall, Outcome) {
	e.init()
	started := e.Now()
	if e.Tools == nil {
		err := toolerrors.Errorf(toolerrors.KindNotFound, "tool not found: %s", req.Name)
		return nil, e.failed(req, err, started)
	}
	tool, args, err := e.Tools.Resolve(req)
	if err != nil {
		return nil, e.failed(req, toolerrors.FromError(err), started)
	}

	var key string
	if tool.Cacheable() && ec.SessionID != "" && e.Cache != nil {
		key = cache.Key(ec.SessionID, tool.Name(), args)
		stored, ok, err := e.Cache.Get(ctx, key)
		switch {
		case err != nil:
			e.Logger.Warn(ctx, "tool cache lookup failed", "tool", req.Name, "err", err)
		case ok:
			e.Metrics.IncCounter(telemetry.MetricToolCacheHits, 1, "tool", req.Name)
			return nil, Completed{Result: cache.Hit(stored, req, started)}
		}
	}

	if e.Permissions != nil {
		resource := tools.Resource(tool, args)
		decision, err := e.Permissions.Check(ctx, ec.UserID, resource)
		if err != nil {
			te := toolerrors.NewWithCause(toolerrors.KindPermissionDenied, "permission check failed", err)
			return nil, e.failed(req, te, started)
		}
		switch decision {
		case permission.Denied:
			te := toolerrors.Errorf(toolerrors.KindPermissionDenied, "permission denied: %s", resource)
			return nil, e.failed(req, te, started)
		case permission.NeedsAuth:
			return nil, Suspended{Request: e.confirmRequest(ec, req, resource, started), Reason: SuspendPermission}
		}
	}

	return &preparedCall{req: req, tool: tool, args: args, cacheKey: key, started: started}, nil
}

// run executes a prepared call. Calls sharing a cache key wait for the call
// in flight and reuse its successful result; they run themselves when it
// failed or suspended.
func (e *ToolExecutor) run(ctx context.Context, ec tools.ExecContext, p *preparedCall, co callOptions) Outcome {
	e.init()
	if p.cacheKey == "" || e.Flight == nil {
		return e.execute(ctx, ec, p, co)
	}
	leader := false
	v, _, _ := e.Flight.Do(p.cacheKey, func() (any, error) {
		leader = true
		if stored, ok, err := e.Cache.Get(ctx, p.cacheKey); err == nil && ok {
			e.Metrics.IncCounter(telemetry.MetricToolCacheHits, 1, "tool", p.req.Name)
			return Completed{Result: cache.Hit(stored, p.req, e.Now())}, nil
		}
		return e.execute(ctx, ec, p, co), nil
	})
	out := v.(Outcome)
	if leader {
		return out
	}
	if c, ok := out.(Completed); ok && c.Result.Success {
		e.Metrics.IncCounter(telemetry.MetricToolCacheHits, 1, "tool", p.req.Name)
		return Completed{Result: cache.Hit(c.Result, p.req, e.Now())}
	}
	return e.execute(ctx, ec, p, co)
}

// execute runs the handler in its own goroutine so a handler ignoring its
// context is abandoned when the timeout fires.
func (e *ToolExecutor) execute(ctx context.Context, ec tools.ExecContext, p *preparedCall, co callOptions) Outcome {
	timeout := e.Timeout
	if tp, ok := p.tool.(tools.TimeoutProvider); ok && tp.Timeout() > 0 {
		timeout = tp.Timeout()
	}
	if timeout <= 0 {
		timeout = DefaultToolTimeout
	}
	tctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	tctx, span := e.Tracer.Start(tctx, telemetry.SpanToolExecute,
		trace.WithAttributes(attribute.String("tool", p.req.Name), attribute.String("call_id", p.req.ID)))
	defer span.End()

	cc := &tools.CallContext{
		ExecContext: ec,
		CallID:      p.req.ID,
		ToolName:    p.req.Name,
		Response:    co.response,
		Interaction: co.request,
	}
	type done struct {
		out *tools.Output
		err error
	}
	ch := make(chan done, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- done{err: &panicError{value: r}}
			}
		}()
		out, err := p.tool.Execute(tctx, p.args, cc)
		ch <- done{out: out, err: err}
	}()

	var d done
	select {
	case d = <-ch:
	case <-tctx.Done():
		d = done{err: tctx.Err()}
	}
	ended := e.Now()

	if d.err != nil {
		if ire, ok := tools.AsInputRequired(d.err); ok {
			span.AddEvent("awaiting_input")
			return Suspended{Request: e.inputRequest(ec, p.req, ire.Request, ended), Reason: SuspendInput}
		}
		te := e.classify(ctx, tctx, d.err, timeout)
		if te.Kind == toolerrors.KindPanic {
			e.Logger.Error(ctx, "tool panicked", "tool", p.req.Name, "call_id", p.req.ID, "err", te)
		}
		span.SetStatus(codes.Error, te.Message)
		span.RecordError(te)
		e.record(p.req.Name, string(te.Kind), ended.Sub(p.started))
		return Completed{Result: tools.FailedResult(p.req, te, p.started, ended)}
	}

	res := tools.NewResult(p.req, d.out, p.started, ended)
	if p.cacheKey != "" {
		if err := e.Cache.Set(ctx, p.cacheKey, res); err != nil {
			e.Logger.Warn(ctx, "tool cache store failed", "tool", p.req.Name, "err", err)
		}
	}
	span.SetStatus(codes.Ok, "")
	e.record(p.req.Name, "success", res.Duration)
	return Completed{Result: res}
}

func (e *ToolExecutor) classify(parent, tctx context.Context, err error, timeout time.Duration) *toolerrors.ToolError {
	var pe *panicError
	switch {
	case errors.As(err, &pe):
		return toolerrors.NewWithCause(toolerrors.KindPanic, "tool panicked", pe)
	case parent.Err() != nil:
		return toolerrors.NewWithCause(toolerrors.KindCanceled, "tool call canceled", context.Cause(parent))
	case errors.Is(tctx.Err(), context.DeadlineExceeded) && errors.Is(err, context.DeadlineExceeded):
		return toolerrors.NewWithCause(toolerrors.KindTimeout, fmt.Sprintf("tool timed out after %s", timeout), err)
	}
	return toolerrors.FromError(err)
}

func (e *ToolExecutor) failed(req tools.CallRequest, te *toolerrors.ToolError, started time.Time) Outcome {
	ended := e.Now()
	e.record(req.Name, string(te.Kind), ended.Sub(started))
	return Completed{Result: tools.FailedResult(req, te, started, ended)}
}

func (e *ToolExecutor) record(tool, outcome string, d time.Duration) {
	e.Metrics.IncCounter(telemetry.MetricToolCalls, 1, "tool", tool, "outcome", outcome)
	e.Metrics.RecordTimer(telemetry.MetricToolDuration, d, "tool", tool)
}

func (e *ToolExecutor) confirmRequest(ec tools.ExecContext, req tools.CallRequest, resource string, now time.Time) *interaction.Request {
	return &interaction.Request{
		ID:         generateInteractionID(),
		Type:       interaction.TypeConfirm,
		Title:      "Permission required",
		Prompt:     fmt.Sprintf("Allow %s?", resource),
		RunID:      ec.RunID,
		SessionID:  ec.SessionID,
		UserID:     ec.UserID,
		ToolCallID: req.ID,
		ToolName:   req.Name,
		ToolArgs:   req.Arguments,
		CreatedAt:  now,
		ExpiresAt:  expiry(now, e.InteractionTTL),
		Metadata:   map[string]any{interaction.MetadataResource: resource},
	}
}

func (e *ToolExecutor) inputRequest(ec tools.ExecContext, req tools.CallRequest, in tools.InputRequest, now time.Time) *interaction.Request {
	var meta map[string]any
	if len(in.Metadata) > 0 {
		meta = make(map[string]any, len(in.Metadata))
		for k, v := range in.Metadata {
			meta[k] = v
		}
	}
	return &interaction.Request{
		ID:          generateInteractionID(),
		Type:        in.Type,
		Title:       in.Title,
		Prompt:      in.Prompt,
		Options:     in.Options,
		MultiSelect: in.MultiSelect,
		RunID:       ec.RunID,
		SessionID:   ec.SessionID,
		UserID:      ec.UserID,
		ToolCallID:  req.ID,
		ToolName:    req.Name,
		ToolArgs:    req.Arguments,
		CreatedAt:   now,
		ExpiresAt:   expiry(now, e.InteractionTTL),
		Metadata:    meta,
	}
}

func (e *ToolExecutor) init() {
	e.once.Do(func() {
		set := telemetry.Set{Logger: e.Logger, Metrics: e.Metrics, Tracer: e.Tracer}.WithDefaults()
		e.Logger, e.Metrics, e.Tracer = set.Logger, set.Metrics, set.Tracer
		if e.Now == nil {
			e.Now = time.Now
		}
	})
}

func newCallOptions(opts []CallOption) callOptions {
	var co callOptions
	for _, o := range opts {
		if o != nil {
			o(&co)
		}
	}
	return co
}

func (e *panicError) Error() string { return fmt.Sprintf("panic: %v", e.value) }

// executorFor builds the executor used by runs of reg.
func (r *Runtime) executorFor(reg *AgentRegistration, limits Limits) *ToolExecutor {
	return &ToolExecutor{
		Tools:          reg.Tools,
		Cache:          r.Cache,
		Flight:         r.flight,
		Permissions:    r.Permissions,
		Timeout:        limits.ToolTimeout,
		InteractionTTL: limits.InteractionTTL,
		Logger:         r.logger,
		Metrics:        r.metrics,
		Tracer:         r.tracer,
		Now:            r.now,
	}
}
