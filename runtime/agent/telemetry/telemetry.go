// Package telemetry defines the logging, metrics and tracing hooks used by the
// runtime. Implementations delegate to Clue and OpenTelemetry; noop versions
// are used when nothing is configured.
package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

type (
	// Logger captures structured logging used throughout the runtime.
	Logger interface {
		Debug(ctx context.Context, msg string, keyvals ...any)
		Info(ctx context.Context, msg string, keyvals ...any)
		Warn(ctx context.Context, msg string, keyvals ...any)
		Error(ctx context.Context, msg string, keyvals ...any)
	}

	// Metrics exposes counter and histogram helpers for runtime instrumentation.
	Metrics interface {
		IncCounter(name string, value float64, tags ...string)
		RecordTimer(name string, duration time.Duration, tags ...string)
		RecordGauge(name string, value float64, tags ...string)
	}

	// Tracer abstracts span creation so runtime code remains agnostic of the
	// underlying OpenTelemetry provider.
	Tracer interface {
		Start(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, Span)
		Span(ctx context.Context) Span
	}

	// Span represents an in-flight tracing span.
	Span interface {
		End(opts ...trace.SpanEndOption)
		AddEvent(name string, attrs ...any)
		SetStatus(code codes.Code, description string)
		RecordError(err error, opts ...trace.EventOption)
	}

	// Set groups the three telemetry hooks.
	Set struct {
		Logger  Logger
		Metrics Metrics
		Tracer  Tracer
	}
)

// Metric and span names.
const (
	MetricToolCalls     = "stepflow.tool.calls"
	MetricToolCacheHits = "stepflow.tool.cache_hits"
	MetricToolDuration  = "stepflow.tool.duration"
	MetricModelRetries  = "stepflow.model.retries"
	MetricModelDuration = "stepflow.model.duration"
	MetricRuns          = "stepflow.runs"
	MetricRunDuration   = "stepflow.run.duration"

	SpanRun         = "stepflow.run"
	SpanModelStream = "stepflow.model.stream"
	SpanToolExecute = "stepflow.tool.execute"
)

// WithDefaults returns a copy of s where missing hooks are noops.
func (s Set) WithDefaults() Set {
	if s.Logger == nil {
		s.Logger = NewNoopLogger()
	}
	if s.Metrics == nil {
		s.Metrics = NewNoopMetrics()
	}
	if s.Tracer == nil {
		s.Tracer = NewNoopTracer()
	}
	return s
}

// NewClueSet returns a Set backed by Clue logging and the global OpenTelemetry
// providers.
func NewClueSet() Set {
	return Set{Logger: NewClueLogger(), Metrics: NewClueMetrics(), Tracer: NewClueTracer()}
}
