package main

import (
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"goa.design/stepflow/runtime/agent/interaction"
	"goa.design/stepflow/runtime/agent/runtime"
	"goa.design/stepflow/runtime/agent/stream"
)

// answer asks the user for the response to req.
func (p *prompter) answer(req *interaction.Request) (*interaction.Response, error) {
	resp := &interaction.Response{
		RequestID:   req.ID,
		Type:        req.Type,
		RespondedBy: p.userID,
	}
	if req.Title != "" {
		fmt.Fprintf(p.out, "[%s] ", req.Title)
	}
	fmt.Fprintln(p.out, req.Prompt)
	switch req.Type {
	case interaction.TypeConfirm:
		ok, err := p.confirm()
		if err != nil {
			return nil, err
		}
		resp.Confirmed = ok
	case interaction.TypeInput:
		text, err := p.line("> ")
		if err != nil {
			return nil, err
		}
		resp.Text = text
	case interaction.TypeSelect:
		v, err := p.choose(req.Options)
		if err != nil {
			return nil, err
		}
		resp.Selected = []string{v}
	case interaction.TypeCombined:
		ok, err := p.confirm()
		if err != nil {
			return nil, err
		}
		resp.Confirmed = ok
		if resp.Text, err = p.line("comment> "); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unsupported interaction type %q", req.Type)
	}
	resp.RespondedAt = time.Now()
	return resp, nil
}

func (p *prompter) confirm() (bool, error) {
	if p.autoYes {
		fmt.Fprintln(p.out, "allow? [y/N] y")
		return true, nil
	}
	s, err := p.line("allow? [y/N] ")
	if err != nil {
		return false, err
	}
	switch strings.ToLower(s) {
	case "y", "yes":
		return true, nil
	default:
		return false, nil
	}
}

func (p *prompter) choose(opts []interaction.Option) (string, error) {
	if len(opts) == 0 {
		return "", errors.New("selection has no options")
	}
	for i, o := range opts {
		label := o.Label
		if label == "" {
			label = o.Value
		}
		fmt.Fprintf(p.out, "  %d) %s\n", i+1, label)
	}
	if p.autoYes {
		fmt.Fprintln(p.out, "choice> 1")
		return opts[0].Value, nil
	}
	for {
		s, err := p.line("choice> ")
		if err != nil {
			return "", err
		}
		if n, err := strconv.Atoi(s); err == nil && n >= 1 && n <= len(opts) {
			return opts[n-1].Value, nil
		}
		for _, o := range opts {
			if s == o.Value {
				return o.Value, nil
			}
		}
		fmt.Fprintf(p.out, "enter a number between 1 and %d\n", len(opts))
	}
}

func (p *prompter) line(prompt string) (string, error) {
	fmt.Fprint(p.out, prompt)
	s, err := p.in.ReadString('\n')
	if err != nil && !(errors.Is(err, io.EOF) && s != "") {
		return "", fmt.Errorf("read answer: %w", err)
	}
	return strings.TrimSpace(s), nil
}

// printEvent writes one line per event. Text deltas are written inline.
func printEvent(w io.Writer, ev stream.Event) {
	indent := strings.Repeat("  ", ev.Depth)
	switch ev.Type {
	case stream.StepDelta:
		var p stream.StepDeltaPayload
		if ev.Decode(&p) != nil {
			return
		}
		switch {
		case p.Reset:
			fmt.Fprintf(w, "\n%s~ retrying\n", indent)
		case p.Text != "":
			fmt.Fprint(w, p.Text)
		}
		return
	case stream.StepCompleted:
		fmt.Fprintln(w)
		return
	case stream.ToolCallStarted:
		var p stream.ToolCallStartedPayload
		if ev.Decode(&p) == nil {
			fmt.Fprintf(w, "%s-> %s %s\n", indent, p.ToolName, p.Arguments)
		}
		return
	case stream.ToolCallCompleted:
		var p stream.ToolCallCompletedPayload
		if ev.Decode(&p) == nil {
			cached := ""
			if p.Cached {
				cached = " (cached)"
			}
			fmt.Fprintf(w, "%s<- %s: %s%s\n", indent, p.ToolName, p.Content, cached)
		}
		return
	case stream.ToolCallFailed:
		var p stream.ToolCallFailedPayload
		if ev.Decode(&p) == nil {
			fmt.Fprintf(w, "%s<- %s failed [%s]: %s\n", indent, p.ToolName, p.Kind, p.Error)
		}
		return
	case stream.Error:
		var p stream.ErrorPayload
		if ev.Decode(&p) == nil {
			fmt.Fprintf(w, "%s! %s\n", indent, p.Message)
		}
		return
	case stream.ExecutionSuspended, stream.ExecutionResumed, stream.RunCancelled:
		fmt.Fprintf(w, "%s* %s\n", indent, ev.Type)
	}
}

func printOutcome(w io.Writer, out *runtime.RunOutput) {
	fmt.Fprintf(w, "run %s %s\n", out.RunID, out.Status)
	if out.FinalResponse != "" {
		fmt.Fprintf(w, "answer: %s\n", out.FinalResponse)
	}
	if out.Error != "" {
		fmt.Fprintf(w, "error: %s\n", out.Error)
	}
	m := out.Metrics
	fmt.Fprintf(w, "steps=%d tool_calls=%d tokens=%d\n", m.Steps, m.ToolCalls, m.Usage.TotalTokens)
}

func printHistory(w io.Writer, h *runtime.RunHistory) {
	fmt.Fprintf(w, "history: %d steps, %d events\n", len(h.Steps), len(h.Events))
	for _, ev := range h.Events {
		if ev.Type == stream.StepDelta {
			continue
		}
		fmt.Fprintf(w, "  #%d %s\n", ev.Sequence, ev.Type)
	}
}
