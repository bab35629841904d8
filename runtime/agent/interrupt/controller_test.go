package interrupt

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCancelTripsRegisteredRun(t *testing.T) {
	t.Parallel()

	c := NewController()
	ctx, release := c.Register(context.Background(), "run-1")
	defer release()
	require.True(t, c.Active("run-1"))

	require.NoError(t, c.Cancel(CancelRequest{RunID: "run-1", Reason: "user abort", RequestedBy: "alice"}))
	<-ctx.Done()
	require.ErrorIs(t, ctx.Err(), context.Canceled)

	req, ok := Cause(ctx)
	require.True(t, ok)
	require.Equal(t, "user abort", req.Reason)
	require.True(t, errors.Is(context.Cause(ctx), context.Canceled))
}

func TestCancelUnknownRun(t *testing.T) {
	t.Parallel()

	c := NewController()
	require.ErrorIs(t, c.Cancel(CancelRequest{RunID: "nope"}), ErrUnknownRun)

	ctx, release := c.Register(context.Background(), "run-2")
	release()
	require.False(t, c.Active("run-2"))
	require.Error(t, ctx.Err())
	_, ok := Cause(ctx)
	require.False(t, ok)
	require.ErrorIs(t, c.Cancel(CancelRequest{RunID: "run-2"}), ErrUnknownRun)
}
