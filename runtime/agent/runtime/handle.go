package runtime

import (
	"context"
	"sync"

	"goa.design/stepflow/runtime/agent/hooks"
	"goa.design/stepflow/runtime/agent/stream"
)

// Handle observes a run started with Start or StartResume. Events delivers
// the protocol events of the run and of its nested runs in emission order;
// the channel is closed once the run reached a terminal state or suspended.
// Slow consumers never block the run: events are queued until read. Callers
// that stop reading Events before it is closed must call Close.
type Handle struct {
	// RunID identifies the run.
	RunID string

	rt     *Runtime
	sub    hooks.Subscription
	events chan stream.Event
	done   chan struct{}
	stop   chan struct{}
	once   sync.Once

	mu     sync.Mutex
	queue  []stream.Event
	runs   map[string]struct{}
	closed bool
	notify chan struct{}

	out *RunOutput
	err error
}

func newHandle(rt *Runtime, runID string) (*Handle, error) {
	h := &Handle{
		RunID:  runID,
		rt:     rt,
		events: make(chan stream.Event),
		done:   make(chan struct{}),
		stop:   make(chan struct{}),
		runs:   map[string]struct{}{runID: {}},
		notify: make(chan struct{}, 1),
	}
	sub, err := rt.Bus.Register(hooks.SubscriberFunc(h.handle))
	if err != nil {
		return nil, err
	}
	h.sub = sub
	go h.pump()
	return h, nil
}

// Events returns the event channel of the run.
func (h *Handle) Events() <-chan stream.Event { return h.events }

// Wait blocks until the run stops and returns its output.
func (h *Handle) Wait(ctx context.Context) (*RunOutput, error) {
	select {
	case <-h.done:
		return h.out, h.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Done is closed when the run stops.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Cancel requests cancellation of the run.
func (h *Handle) Cancel(ctx context.Context, reason string) error {
	return h.rt.Cancel(ctx, h.RunID, reason)
}

// Close stops event delivery: queued events are dropped and Events is
// closed. It does not cancel the run.
func (h *Handle) Close() {
	_ = h.sub.Close()
	h.once.Do(func() { close(h.stop) })
}

// handle queues events of the run tree. A nested run joins the tree with
// its first event naming a run of the tree as parent, so nested runs resumed
// through the root are followed as well as new ones.
func (h *Handle) handle(_ context.Context, ev stream.Event) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	if _, ok := h.runs[ev.RunID]; !ok {
		if ev.ParentRunID == "" {
			return nil
		}
		if _, ok := h.runs[ev.ParentRunID]; !ok {
			return nil
		}
		h.runs[ev.RunID] = struct{}{}
	}
	h.queue = append(h.queue, ev)
	h.signal()
	return nil
}

func (h *Handle) pump() {
	defer close(h.events)
	for {
		h.mu.Lock()
		batch := h.queue
		h.queue = nil
		closed := h.closed
		h.mu.Unlock()
		for _, ev := range batch {
			select {
			case h.events <- ev:
			case <-h.stop:
				return
			}
		}
		if closed && len(batch) == 0 {
			return
		}
		if len(batch) == 0 {
			select {
			case <-h.notify:
			case <-h.stop:
				return
			}
		}
	}
}

func (h *Handle) finish(out *RunOutput, err error) {
	_ = h.sub.Close()
	h.mu.Lock()
	h.closed = true
	h.out, h.err = out, err
	h.signal()
	h.mu.Unlock()
	close(h.done)
}

// signal wakes the pump. Callers hold h.mu.
func (h *Handle) signal() {
	select {
	case h.notify <- struct{}{}:
	default:
	}
}
