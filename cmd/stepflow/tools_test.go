package main

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goa.design/stepflow/runtime/agent/interaction"
	"goa.design/stepflow/runtime/agent/toolerrors"
	"goa.design/stepflow/runtime/agent/tools"
)

func TestWeatherIsStable(t *testing.T) {
	t.Parallel()
	first, err := weather(context.Background(), tools.Args{"city": "Paris"}, nil)
	require.NoError(t, err)
	second, err := weather(context.Background(), tools.Args{"city": " paris "}, nil)
	require.NoError(t, err)
	assert.Equal(t, first.Structured.(map[string]any)["temperature_c"], second.Structured.(map[string]any)["temperature_c"])
	assert.Contains(t, first.Content, "in Paris")

	_, err = weather(context.Background(), tools.Args{"city": ""}, nil)
	assert.Equal(t, toolerrors.KindInvalidArguments, toolerrors.KindOf(err))
}

func TestCalculate(t *testing.T) {
	t.Parallel()
	cases := []struct {
		expr string
		want string
		kind toolerrors.Kind
	}{
		{expr: "12*(3+4)", want: "12*(3+4) = 84"},
		{expr: "7/2", want: "7/2 = 3"},
		{expr: "1.5+1", want: "1.5+1 = 2.5"},
		{expr: "", kind: toolerrors.KindInvalidArguments},
		{expr: "2+", kind: toolerrors.KindInvalidArguments},
		{expr: "len", kind: toolerrors.KindInvalidArguments},
	}
	for _, tc := range cases {
		t.Run(tc.expr, func(t *testing.T) {
			t.Parallel()
			out, err := calculate(context.Background(), tools.Args{"expr": tc.expr}, nil)
			if tc.kind != "" {
				require.Error(t, err)
				assert.Equal(t, tc.kind, toolerrors.KindOf(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, out.Content)
		})
	}
}

func TestSaveNote(t *testing.T) {
	t.Parallel()
	nb := newNotebook()
	h := saveNote(nb)
	_, err := h(context.Background(), tools.Args{"title": "b", "content": "2"}, nil)
	require.NoError(t, err)
	_, err = h(context.Background(), tools.Args{"title": "a", "content": "1"}, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, nb.titles())

	_, err = h(context.Background(), tools.Args{"title": " "}, nil)
	assert.Equal(t, toolerrors.KindInvalidArguments, toolerrors.KindOf(err))
}

func TestSaveNoteResource(t *testing.T) {
	t.Parallel()
	var note tools.Tool
	for _, tl := range demoTools(newNotebook()) {
		if tl.Name() == toolSaveNote {
			note = tl
		}
	}
	require.NotNil(t, note)
	assert.Equal(t, "save_note(groceries)", tools.Resource(note, tools.Args{"title": " Groceries ", "content": "milk"}))
}

func TestChooseUnits(t *testing.T) {
	t.Parallel()
	_, err := chooseUnits(context.Background(), tools.Args{}, &tools.CallContext{})
	ire, ok := tools.AsInputRequired(err)
	require.True(t, ok)
	assert.Equal(t, interaction.TypeSelect, ire.Request.Type)
	require.Len(t, ire.Request.Options, 2)

	out, err := chooseUnits(context.Background(), tools.Args{}, &tools.CallContext{
		Response: &interaction.Response{Type: interaction.TypeSelect, Selected: []string{"imperial"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "using imperial units", out.Content)
}

func TestDemoToolsRegister(t *testing.T) {
	t.Parallel()
	reg, err := tools.NewRegistry(demoTools(newNotebook())...)
	require.NoError(t, err)
	require.NotNil(t, reg)
}
