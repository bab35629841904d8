// Package runtime drives agent runs: the model↔tool step loop, the tool
// executor with caching and permission gating, and the suspend/resume state
// machine used for human-in-the-loop authorization.
//
// A Runtime owns the lifecycle of runs. Run and Start create a run, build the
// message context, and drive the loop until the model produces a final answer,
// a limit is hit, the run is cancelled, or a tool call needs user input. In the
// last case the pending interaction is persisted and the run is suspended;
// Resume answers it, replays the exact tool call that triggered the pause and
// continues the loop.
//
// Every step of the loop is reported as a protocol event (see package stream)
// published on the runtime hook bus. Events of one run carry strictly
// increasing sequence numbers in emission order.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"goa.design/stepflow/runtime/agent"
	"goa.design/stepflow/runtime/agent/cache"
	"goa.design/stepflow/runtime/agent/hooks"
	"goa.design/stepflow/runtime/agent/interrupt"
	"goa.design/stepflow/runtime/agent/model"
	"goa.design/stepflow/runtime/agent/permission"
	"goa.design/stepflow/runtime/agent/runlog"
	runloginmem "goa.design/stepflow/runtime/agent/runlog/inmem"
	"goa.design/stepflow/runtime/agent/session"
	sessioninmem "goa.design/stepflow/runtime/agent/session/inmem"
	"goa.design/stepflow/runtime/agent/stream"
	"goa.design/stepflow/runtime/agent/telemetry"
	"goa.design/stepflow/runtime/agent/tools"
)

type (
	// Runtime orchestrates agent runs. All public methods are safe for
	// concurrent use; distinct runs share no mutable state beyond the
	// configured stores, cache and permission manager and the cacheable
	// calls in flight.
	Runtime struct {
		// SessionStore persists runs, steps and interactions.
		SessionStore session.Store
		// RunEventStore is the append-only protocol event log.
		RunEventStore runlog.Store
		// Bus fans protocol events out to subscribers.
		Bus hooks.Bus
		// Permissions gates tool calls. Nil disables permission checks.
		Permissions *permission.Manager
		// Cache memoizes cacheable tool results. Nil disables caching.
		Cache cache.Cache

		logger  telemetry.Logger
		metrics telemetry.Metrics
		tracer  telemetry.Tracer

		limits     Limits
		now        func() time.Time
		interrupts *interrupt.Controller
		flight     *singleflight.Group

		mu     sync.RWMutex
		agents map[agent.Ident]*AgentRegistration

		seqMu      sync.Mutex
		sequencers map[string]*sequencer
	}

	// Options configures the Runtime. All fields are optional: in-memory
	// stores, an in-process bus and noop telemetry are substituted for nil
	// values and zero limits take their defaults.
	Options struct {
		// SessionStore persists runs, steps and interactions.
		SessionStore session.Store
		// RunEventStore is the append-only protocol event log.
		RunEventStore runlog.Store
		// Hooks is the event bus.
		Hooks hooks.Bus
		// Stream receives every protocol event.
		Stream stream.Sink
		// Permissions gates tool calls.
		Permissions *permission.Manager
		// Cache memoizes cacheable tool results.
		Cache cache.Cache
		// Logger emits structured logs (usually backed by Clue).
		Logger telemetry.Logger
		// Metrics records counters and histograms.
		Metrics telemetry.Metrics
		// Tracer emits spans for runs, model turns and tool calls.
		Tracer telemetry.Tracer
		// Limits bounds loop execution.
		Limits Limits
		// Clock overrides time.Now.
		Clock func() time.Time
	}

	// RuntimeOption configures the runtime via functional options passed to New.
	RuntimeOption func(*Options)

	// Limits bounds the execution of runs.
	Limits struct {
		// MaxSteps caps the number of model turns of a run.
		MaxSteps int
		// MaxModelRetries is the number of retries of a failed non-fatal model
		// call. Zero uses the default; negative disables retries.
		MaxModelRetries int
		// RetryInitialInterval is the first backoff interval between model
		// attempts.
		RetryInitialInterval time.Duration
		// RetryMaxInterval caps the backoff interval.
		RetryMaxInterval time.Duration
		// ModelTimeout bounds each model attempt.
		ModelTimeout time.Duration
		// ToolTimeout bounds each tool execution unless the tool overrides it.
		ToolTimeout time.Duration
		// MaxConcurrentTools bounds parallel tool calls within one turn.
		MaxConcurrentTools int
		// InteractionTTL is the lifetime of pending interactions. Negative
		// disables expiry.
		InteractionTTL time.Duration
		// MaxDepth caps the nesting depth of agent-as-tool runs.
		MaxDepth int
	}

	// AgentRegistration describes a runnable agent.
	AgentRegistration struct {
		// ID uniquely identifies the agent.
		ID agent.Ident
		// Model is the streaming model client.
		Model model.Client
		// ModelName is passed in each request to the model client.
		ModelName string
		// SystemPrompt is prepended to every model request.
		SystemPrompt string
		// Tools is the tool set exposed to the model. May be nil.
		Tools *tools.Registry
		// ContextBuilder assembles the message list. Defaults to
		// DefaultContextBuilder.
		ContextBuilder ContextBuilder
		// Temperature is the sampling temperature.
		Temperature float32
		// MaxTokens caps generated tokens per model turn.
		MaxTokens int
		// Limits overrides the runtime limits for this agent. Zero fields
		// inherit the runtime values.
		Limits Limits
	}
)

// Defaults applied to zero Limits fields.
const (
	DefaultMaxSteps             = 25
	DefaultMaxModelRetries      = 2
	DefaultRetryInitialInterval = 500 * time.Millisecond
	DefaultRetryMaxInterval     = 10 * time.Second
	DefaultModelTimeout         = 2 * time.Minute
	DefaultToolTimeout          = 30 * time.Second
	DefaultMaxConcurrentTools   = 4
	DefaultInteractionTTL       = 24 * time.Hour
	DefaultMaxDepth             = 4
)

var (
	// ErrAgentNotFound is returned when a run targets an unregistered agent.
	ErrAgentNotFound = errors.New("agent not found")
	// ErrDuplicateAgent is returned when registering an agent twice.
	ErrDuplicateAgent = errors.New("agent already registered")
	// ErrStepLimitExceeded fails runs that reach the maximum number of steps.
	ErrStepLimitExceeded = errors.New("step limit exceeded")
	// ErrDeniedByUser fails runs whose pending confirmation was declined.
	ErrDeniedByUser = errors.New("denied by user")
	// ErrReplaySuspended reports a replayed call that suspended again for
	// the authorization that was just granted. It indicates a defect in the
	// permission setup, not a user error.
	ErrReplaySuspended = errors.New("replayed tool call suspended again")
	// ErrCancelled is returned for cancelled runs.
	ErrCancelled = errors.New("run cancelled")
	// ErrRunNotSuspended is returned when resuming a run that is not waiting
	// on the interaction.
	ErrRunNotSuspended = errors.New("run is not suspended on this interaction")
	// ErrRunNotActive is returned when cancelling a run that is neither
	// running in this process nor suspended.
	ErrRunNotActive = errors.New("run is not active")
	// ErrMaxDepthExceeded is returned when a nested run would exceed the
	// configured depth.
	ErrMaxDepthExceeded = errors.New("maximum run depth exceeded")
)

// New constructs a Runtime using functional options.
func New(opts ...RuntimeOption) *Runtime {
	var o Options
	for _, fn := range opts {
		if fn != nil {
			fn(&o)
		}
	}
	return NewWithOptions(o)
}

// NewWithOptions constructs a Runtime from an Options value.
func NewWithOptions(o Options) *Runtime {
	tel := telemetry.Set{Logger: o.Logger, Metrics: o.Metrics, Tracer: o.Tracer}.WithDefaults()
	rt := &Runtime{
		SessionStore:  o.SessionStore,
		RunEventStore: o.RunEventStore,
		Bus:           o.Hooks,
		Permissions:   o.Permissions,
		Cache:         o.Cache,
		logger:        tel.Logger,
		metrics:       tel.Metrics,
		tracer:        tel.Tracer,
		limits:        o.Limits.withDefaults(),
		now:           o.Clock,
		interrupts:    interrupt.NewController(),
		flight:        new(singleflight.Group),
		agents:        make(map[agent.Ident]*AgentRegistration),
		sequencers:    make(map[string]*sequencer),
	}
	if rt.SessionStore == nil {
		rt.SessionStore = sessioninmem.New()
	}
	if rt.RunEventStore == nil {
		rt.RunEventStore = runloginmem.New()
	}
	if rt.Bus == nil {
		rt.Bus = hooks.NewBus()
	}
	if rt.now == nil {
		rt.now = time.Now
	}
	if _, err := rt.Bus.Register(runlog.NewRecorder(rt.RunEventStore)); err != nil {
		rt.logger.Warn(context.Background(), "failed to register run log recorder", "err", err)
	}
	if o.Stream != nil {
		sub, err := hooks.NewStreamSubscriber(o.Stream)
		if err == nil {
			_, err = rt.Bus.Register(sub)
		}
		if err != nil {
			rt.logger.Warn(context.Background(), "failed to register stream subscriber", "err", err)
		}
	}
	return rt
}

// WithSessionStore sets the session store.
func WithSessionStore(s session.Store) RuntimeOption {
	return func(o *Options) { o.SessionStore = s }
}

// WithRunEventStore sets the run event log.
func WithRunEventStore(s runlog.Store) RuntimeOption {
	return func(o *Options) { o.RunEventStore = s }
}

// WithHooks sets the event bus.
func WithHooks(b hooks.Bus) RuntimeOption { return func(o *Options) { o.Hooks = b } }

// WithStream sets the stream sink.
func WithStream(s stream.Sink) RuntimeOption { return func(o *Options) { o.Stream = s } }

// WithPermissions sets the permission manager.
func WithPermissions(m *permission.Manager) RuntimeOption {
	return func(o *Options) { o.Permissions = m }
}

// WithCache sets the tool result cache.
func WithCache(c cache.Cache) RuntimeOption { return func(o *Options) { o.Cache = c } }

// WithLogger sets the logger.
func WithLogger(l telemetry.Logger) RuntimeOption { return func(o *Options) { o.Logger = l } }

// WithMetrics sets the metrics recorder.
func WithMetrics(m telemetry.Metrics) RuntimeOption { return func(o *Options) { o.Metrics = m } }

// WithTracer sets the tracer.
func WithTracer(t telemetry.Tracer) RuntimeOption { return func(o *Options) { o.Tracer = t } }

// WithLimits sets the execution limits.
func WithLimits(l Limits) RuntimeOption { return func(o *Options) { o.Limits = l } }

// WithClock overrides the time source.
func WithClock(now func() time.Time) RuntimeOption { return func(o *Options) { o.Clock = now } }

// RegisterAgent makes an agent available to Run and to agent tools.
func (r *Runtime) RegisterAgent(reg AgentRegistration) error {
	if reg.ID == "" {
		return errors.New("agent id is required")
	}
	if reg.Model == nil {
		return fmt.Errorf("agent %s: model client is required", reg.ID)
	}
	if reg.ContextBuilder == nil {
		reg.ContextBuilder = DefaultContextBuilder{}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.agents[reg.ID]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateAgent, reg.ID)
	}
	r.agents[reg.ID] = &reg
	return nil
}

// ListAgents returns the registered agent identifiers.
func (r *Runtime) ListAgents() []agent.Ident {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]agent.Ident, 0, len(r.agents))
	for id := range r.agents {
		out = append(out, id)
	}
	return out
}

func (r *Runtime) agentByID(id agent.Ident) (*AgentRegistration, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.agents[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrAgentNotFound, id)
	}
	return reg, nil
}

// limitsFor merges the agent overrides into the runtime limits.
func (r *Runtime) limitsFor(reg *AgentRegistration) Limits {
	l := r.limits
	o := reg.Limits
	if o.MaxSteps > 0 {
		l.MaxSteps = o.MaxSteps
	}
	if o.MaxModelRetries != 0 {
		l.MaxModelRetries = o.MaxModelRetries
	}
	if o.RetryInitialInterval > 0 {
		l.RetryInitialInterval = o.RetryInitialInterval
	}
	if o.RetryMaxInterval > 0 {
		l.RetryMaxInterval = o.RetryMaxInterval
	}
	if o.ModelTimeout > 0 {
		l.ModelTimeout = o.ModelTimeout
	}
	if o.ToolTimeout > 0 {
		l.ToolTimeout = o.ToolTimeout
	}
	if o.MaxConcurrentTools > 0 {
		l.MaxConcurrentTools = o.MaxConcurrentTools
	}
	if o.InteractionTTL != 0 {
		l.InteractionTTL = o.InteractionTTL
	}
	if o.MaxDepth > 0 {
		l.MaxDepth = o.MaxDepth
	}
	return l
}

func (l Limits) withDefaults() Limits {
	if l.MaxSteps <= 0 {
		l.MaxSteps = DefaultMaxSteps
	}
	if l.MaxModelRetries == 0 {
		l.MaxModelRetries = DefaultMaxModelRetries
	}
	if l.RetryInitialInterval <= 0 {
		l.RetryInitialInterval = DefaultRetryInitialInterval
	}
	if l.RetryMaxInterval <= 0 {
		l.RetryMaxInterval = DefaultRetryMaxInterval
	}
	if l.ModelTimeout <= 0 {
		l.ModelTimeout = DefaultModelTimeout
	}
	if l.ToolTimeout <= 0 {
		l.ToolTimeout = DefaultToolTimeout
	}
	if l.MaxConcurrentTools <= 0 {
		l.MaxConcurrentTools = DefaultMaxConcurrentTools
	}
	if l.InteractionTTL == 0 {
		l.InteractionTTL = DefaultInteractionTTL
	}
	if l.MaxDepth <= 0 {
		l.MaxDepth = DefaultMaxDepth
	}
	return l
}
