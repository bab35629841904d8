package main

import (
	"context"
	"encoding/json"
	"fmt"
	"go/token"
	"go/types"
	"hash/fnv"
	"slices"
	"strings"
	"sync"
	"time"

	"goa.design/stepflow/runtime/agent/interaction"
	"goa.design/stepflow/runtime/agent/toolerrors"
	"goa.design/stepflow/runtime/agent/tools"
)

// Tool names of the demo tool set.
const (
	toolWeather   = "get_weather"
	toolCalculate = "calculate"
	toolSaveNote  = "save_note"
	toolUnits     = "choose_units"
)

var (
	weatherSchema = json.RawMessage(`{"type":"object","properties":{"city":{"type":"string","description":"City name."}},"required":["city"]}`)
	calcSchema    = json.RawMessage(`{"type":"object","properties":{"expr":{"type":"string","description":"Arithmetic expression such as 12*(3+4)."}},"required":["expr"]}`)
	noteSchema    = json.RawMessage(`{"type":"object","properties":{"title":{"type":"string"},"content":{"type":"string"}},"required":["title","content"]}`)
	unitsSchema   = json.RawMessage(`{"type":"object","properties":{}}`)

	conditions = []string{"sunny", "cloudy", "rainy", "windy", "foggy"}
)

// notebook keeps the notes written by save_note for the life of the process.
type notebook struct {
	mu    sync.Mutex
	notes map[string]string
}

func newNotebook() *notebook {
	return &notebook{notes: make(map[string]string)}
}

func (n *notebook) save(title, content string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notes[title] = content
}

func (n *notebook) titles() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, 0, len(n.notes))
	for t := range n.notes {
		out = append(out, t)
	}
	slices.Sort(out)
	return out
}

// demoTools returns the tool set of the demo agent. get_weather and
// calculate are safe to pre-authorize; save_note writes state and is gated
// by a confirmation unless a grant exists; choose_units asks the user.
func demoTools(nb *notebook) []tools.Tool {
	return []tools.Tool{
		tools.New(toolWeather, "Returns the current weather for a city.", weatherSchema, weather, tools.WithCacheable()),
		tools.New(toolCalculate, "Evaluates an arithmetic expression.", calcSchema, calculate, tools.WithCacheable()),
		tools.New(toolSaveNote, "Saves a note under a title.", noteSchema, saveNote(nb),
			tools.WithTimeout(5*time.Second),
			tools.WithResource(func(args tools.Args) string {
				title, _ := args["title"].(string)
				return toolSaveNote + "(" + strings.ToLower(strings.TrimSpace(title)) + ")"
			})),
		tools.New(toolUnits, "Asks the user which measurement units to use.", unitsSchema, chooseUnits),
	}
}

// weather derives stable fake readings from the city name.
func weather(_ context.Context, args tools.Args, _ *tools.CallContext) (*tools.Output, error) {
	city, _ := args["city"].(string)
	city = strings.TrimSpace(city)
	if city == "" {
		return nil, toolerrors.New(toolerrors.KindInvalidArguments, "city must not be empty")
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(strings.ToLower(city)))
	sum := h.Sum32()
	temp := 5 + int(sum%25)
	cond := conditions[int(sum/25)%len(conditions)]
	return &tools.Output{
		Content:    fmt.Sprintf("%s, %d°C in %s", cond, temp, city),
		Structured: map[string]any{"city": city, "temperature_c": temp, "conditions": cond},
	}, nil
}

// calculate evaluates constant arithmetic with the Go constant evaluator.
func calculate(_ context.Context, args tools.Args, _ *tools.CallContext) (*tools.Output, error) {
	expr, _ := args["expr"].(string)
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, toolerrors.New(toolerrors.KindInvalidArguments, "expr must not be empty")
	}
	tv, err := types.Eval(token.NewFileSet(), nil, token.NoPos, expr)
	if err != nil {
		return nil, toolerrors.NewWithCause(toolerrors.KindInvalidArguments, "invalid expression", err)
	}
	if tv.Value == nil {
		return nil, toolerrors.Errorf(toolerrors.KindInvalidArguments, "%q is not a constant expression", expr)
	}
	res := tv.Value.String()
	return &tools.Output{Content: expr + " = " + res, Structured: map[string]any{"expr": expr, "result": res}}, nil
}

func saveNote(nb *notebook) tools.Handler {
	return func(_ context.Context, args tools.Args, _ *tools.CallContext) (*tools.Output, error) {
		title, _ := args["title"].(string)
		content, _ := args["content"].(string)
		if strings.TrimSpace(title) == "" {
			return nil, toolerrors.New(toolerrors.KindInvalidArguments, "title must not be empty")
		}
		nb.save(title, content)
		return &tools.Output{Content: fmt.Sprintf("saved note %q", title)}, nil
	}
}

// chooseUnits suspends on a select interaction; the replayed call reads the
// answer from the call context.
func chooseUnits(_ context.Context, _ tools.Args, cc *tools.CallContext) (*tools.Output, error) {
	if cc == nil || cc.Response == nil {
		return nil, tools.RequestInput(tools.InputRequest{
			Type:   interaction.TypeSelect,
			Title:  "Units",
			Prompt: "Which units should I use?",
			Options: []interaction.Option{
				{Value: "metric", Label: "Metric (°C, km)"},
				{Value: "imperial", Label: "Imperial (°F, miles)"},
			},
		})
	}
	if len(cc.Response.Selected) == 0 {
		return nil, toolerrors.New(toolerrors.KindInvalidArguments, "no units selected")
	}
	return &tools.Output{Content: "using " + cc.Response.Selected[0] + " units"}, nil
}
