package main

import (
	"bytes"
	"context"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"goa.design/clue/log"

	"goa.design/stepflow/runtime/agent/runtime"
)

func testContext() context.Context {
	return log.Context(context.Background(), log.WithOutput(io.Discard))
}

func runQuery(t *testing.T, query, stdin string, autoYes bool) (string, error) {
	t.Helper()
	cfg := defaultConfig()
	require.NoError(t, cfg.validate())
	var out bytes.Buffer
	err := run(testContext(), cfg, runArgs{
		query:   query,
		userID:  "alice",
		autoYes: autoYes,
		history: true,
		in:      strings.NewReader(stdin),
		out:     &out,
	})
	return out.String(), err
}

func TestRunCompletesWithPreauthorizedTools(t *testing.T) {
	t.Parallel()
	out, err := runQuery(t, "What is the weather in Paris and what is 12*(3+4)?", "", false)
	require.NoError(t, err)
	assert.Contains(t, out, "-> get_weather")
	assert.Contains(t, out, "-> calculate")
	assert.Contains(t, out, "<- calculate: 12*(3+4) = 84")
	assert.Contains(t, out, "answer: Here is what I found:")
	assert.Contains(t, out, "completed")
	assert.Contains(t, out, "history:")
	assert.Contains(t, out, "run_completed")
	assert.NotContains(t, out, "allow?")
}

func TestRunConfirmsGatedTool(t *testing.T) {
	t.Parallel()
	out, err := runQuery(t, "Please remember to buy milk", "y\n", false)
	require.NoError(t, err)
	assert.Contains(t, out, "allow? [y/N]")
	assert.Contains(t, out, "* execution_suspended")
	assert.Contains(t, out, "* execution_resumed")
	assert.Contains(t, out, `<- save_note: saved note "reminder"`)
	assert.Contains(t, out, "notes: [reminder]")
}

func TestRunDeniedConfirmationFails(t *testing.T) {
	t.Parallel()
	out, err := runQuery(t, "Please remember to buy milk", "n\n", false)
	require.ErrorIs(t, err, runtime.ErrDeniedByUser)
	assert.Contains(t, out, "failed")
	assert.NotContains(t, out, "notes:")
}

func TestRunSelectInteraction(t *testing.T) {
	t.Parallel()
	out, err := runQuery(t, "Which units do you use?", "2\n", false)
	require.NoError(t, err)
	assert.Contains(t, out, "Which units should I use?")
	assert.Contains(t, out, "<- choose_units: using imperial units")
}

func TestRunAutoApprove(t *testing.T) {
	t.Parallel()
	out, err := runQuery(t, "Remember to water the plants", "", true)
	require.NoError(t, err)
	assert.Contains(t, out, "allow? [y/N] y")
	assert.Contains(t, out, "notes: [reminder]")

	out, err = runQuery(t, "Pick the units", "", true)
	require.NoError(t, err)
	assert.Contains(t, out, "choice> 1")
	assert.Contains(t, out, "using metric units")
}

func TestRunWithoutToolsEchoes(t *testing.T) {
	t.Parallel()
	out, err := runQuery(t, "hello there", "", false)
	require.NoError(t, err)
	assert.Contains(t, out, "answer: You said: hello there")
}
