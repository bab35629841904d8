// Package interrupt provides cooperative cancellation for running agent runs.
// A Controller hands each run a context whose cancellation cause records who
// cancelled it and why; the step loop checks that context at every
// suspension point (model calls, tool dispatch, persistence).
package interrupt

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

type (
	// CancelRequest carries metadata attached to a cancellation.
	CancelRequest struct {
		RunID       string
		Reason      string
		RequestedBy string
	}

	// CancelledError is the cancellation cause of a run context cancelled
	// through a Controller.
	CancelledError struct {
		Request CancelRequest
	}

	// Controller tracks the cancellation tokens of active runs.
	Controller struct {
		mu   sync.Mutex
		runs map[string]context.CancelCauseFunc
	}
)

// ErrUnknownRun is returned when cancelling a run that is not active.
var ErrUnknownRun = errors.New("interrupt: run is not active")

// NewController returns an empty controller.
func NewController() *Controller {
	return &Controller{runs: make(map[string]context.CancelCauseFunc)}
}

// Register derives a cancellable context for runID. The returned release
// function must be called when the run stops; it unregisters the run and
// releases the context.
func (c *Controller) Register(ctx context.Context, runID string) (context.Context, func()) {
	ctx, cancel := context.WithCancelCause(ctx)
	c.mu.Lock()
	c.runs[runID] = cancel
	c.mu.Unlock()
	return ctx, func() {
		c.mu.Lock()
		delete(c.runs, runID)
		c.mu.Unlock()
		cancel(context.Canceled)
	}
}

// Cancel trips the token of the run named in req.
func (c *Controller) Cancel(req CancelRequest) error {
	c.mu.Lock()
	cancel, ok := c.runs[req.RunID]
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownRun, req.RunID)
	}
	cancel(&CancelledError{Request: req})
	return nil
}

// Active reports whether runID is registered.
func (c *Controller) Active(runID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.runs[runID]
	return ok
}

// Error implements error.
func (e *CancelledError) Error() string {
	if e.Request.Reason == "" {
		return "run cancelled"
	}
	return "run cancelled: " + e.Request.Reason
}

// Is makes CancelledError match context.Canceled.
func (e *CancelledError) Is(target error) bool {
	return target == context.Canceled
}

// Cause returns the CancelRequest that cancelled ctx, if ctx was cancelled
// through a Controller.
func Cause(ctx context.Context) (CancelRequest, bool) {
	var ce *CancelledError
	if errors.As(context.Cause(ctx), &ce) {
		return ce.Request, true
	}
	return CancelRequest{}, false
}
