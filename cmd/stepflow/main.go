// Command stepflow runs one agent query end to end and prints the protocol
// events of the run. Suspended runs prompt on the terminal and resume with
// the answer.
//
// Without a configuration file the command uses a scripted offline model and
// in-memory stores. A YAML file selects a real provider and the MongoDB,
// Redis and Pulse backends:
//
//	model:
//	  provider: anthropic
//	  name: claude-sonnet-4-5
//	  tokens_per_minute: 40000
//	mongo:
//	  uri: mongodb://localhost:27017
//	redis:
//	  addr: localhost:6379
//	  streams: true
//	permissions:
//	  allow: [get_weather, calculate]
//
// Environment variables override the file:
//
//	STEPFLOW_MONGO_URI, STEPFLOW_MONGO_DATABASE
//	STEPFLOW_REDIS_ADDR, STEPFLOW_REDIS_PASSWORD, STEPFLOW_REDIS_DB
//	STEPFLOW_MODEL_PROVIDER, STEPFLOW_MODEL
//	STEPFLOW_MODEL_TIMEOUT, STEPFLOW_TOOL_TIMEOUT
//	OPENAI_API_KEY, ANTHROPIC_API_KEY
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"goa.design/clue/log"
	streamopts "goa.design/pulse/streaming/options"

	"goa.design/stepflow/features/stream/pulse"
	"goa.design/stepflow/runtime/agent"
	"goa.design/stepflow/runtime/agent/runtime"
	"goa.design/stepflow/runtime/agent/session"
	"goa.design/stepflow/runtime/agent/tools"
)

func main() {
	var (
		configF  = flag.String("config", "", "Path to the YAML configuration file")
		queryF   = flag.String("query", "What is the weather in Paris and what is 12*(3+4)?", "Query sent to the agent")
		sessionF = flag.String("session", "", "Session ID (generated when empty)")
		userF    = flag.String("user", "local", "User ID used for permission checks")
		yesF     = flag.Bool("yes", false, "Approve every confirmation and pick the first option of selections")
		historyF = flag.Bool("history", false, "Print the persisted history of the run once it stops")
		dbgF     = flag.Bool("debug", false, "Log debug messages")
	)
	flag.Parse()

	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))
	if *dbgF {
		ctx = log.Context(ctx, log.WithDebug())
		log.Debugf(ctx, "debug logs enabled")
	}

	cfg, err := loadConfig(*configF)
	if err != nil {
		log.Fatalf(ctx, err, "invalid configuration")
	}
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, runArgs{
		query:     *queryF,
		sessionID: *sessionF,
		userID:    *userF,
		autoYes:   *yesF,
		history:   *historyF,
		in:        os.Stdin,
		out:       os.Stdout,
	}); err != nil {
		log.Fatalf(ctx, err, "run failed")
	}
}

type runArgs struct {
	query     string
	sessionID string
	userID    string
	autoYes   bool
	history   bool
	in        io.Reader
	out       io.Writer
}

func run(ctx context.Context, cfg *config, args runArgs) error {
	b, err := newBackends(ctx, cfg)
	if err != nil {
		return err
	}
	defer b.close(context.WithoutCancel(ctx))
	if err := b.check(ctx); err != nil {
		return err
	}

	rt := runtime.New(b.options...)
	nb := newNotebook()
	reg, err := tools.NewRegistry(demoTools(nb)...)
	if err != nil {
		return fmt.Errorf("tool registry: %w", err)
	}
	agentID := agent.Ident(cfg.Agent.ID)
	if err := rt.RegisterAgent(runtime.AgentRegistration{
		ID:           agentID,
		Model:        b.model,
		ModelName:    cfg.Model.Name,
		SystemPrompt: cfg.Agent.SystemPrompt,
		Tools:        reg,
		Temperature:  cfg.Agent.Temperature,
		MaxTokens:    cfg.Agent.MaxTokens,
	}); err != nil {
		return fmt.Errorf("register agent: %w", err)
	}

	runID := uuid.NewString()
	if b.streams != nil {
		mirrored, err := mirrorRun(ctx, b.streams, runID)
		if err != nil {
			return err
		}
		defer func() {
			log.Info(ctx, log.KV{K: "msg", V: "pulse mirror"}, log.KV{K: "run_id", V: runID}, log.KV{K: "events", V: mirrored()})
		}()
	}

	log.Info(ctx, log.KV{K: "msg", V: "starting run"}, log.KV{K: "agent", V: agentID}, log.KV{K: "run_id", V: runID})
	h, err := rt.Start(ctx, runtime.RunInput{
		AgentID:   agentID,
		SessionID: args.sessionID,
		RunID:     runID,
		UserID:    args.userID,
		Query:     args.query,
	})
	if err != nil {
		return fmt.Errorf("start run: %w", err)
	}
	prompt := newPrompter(args.in, args.out, args.userID, args.autoYes)
	out, err := drive(ctx, h, args.out)
	for err == nil && out.Status == session.RunStatusSuspended && out.Interaction != nil {
		resp, perr := prompt.answer(out.Interaction)
		if perr != nil {
			return perr
		}
		h, err = rt.StartResume(ctx, out.Interaction.ID, resp)
		if err != nil {
			return fmt.Errorf("resume run: %w", err)
		}
		out, err = drive(ctx, h, args.out)
	}
	if out != nil {
		printOutcome(args.out, out)
	}
	if err != nil {
		return err
	}
	if titles := nb.titles(); len(titles) > 0 {
		fmt.Fprintf(args.out, "notes: %v\n", titles)
	}
	if args.history {
		hist, err := rt.History(ctx, runID)
		if err != nil {
			return fmt.Errorf("history: %w", err)
		}
		printHistory(args.out, hist)
	}
	return nil
}

// drive prints the events of h until the run stops. An interrupt cancels the
// run and keeps draining so the terminal event is still printed.
func drive(ctx context.Context, h *runtime.Handle, w io.Writer) (*runtime.RunOutput, error) {
	defer h.Close()
	interrupted := ctx.Done()
	for {
		select {
		case ev, ok := <-h.Events():
			if !ok {
				return h.Wait(context.WithoutCancel(ctx))
			}
			printEvent(w, ev)
		case <-interrupted:
			interrupted = nil
			if err := h.Cancel(context.WithoutCancel(ctx), "interrupted"); err != nil {
				log.Errorf(ctx, err, "failed to cancel run")
			}
		}
	}
}

// mirrorRun reads the run events back from Pulse and returns a function
// reporting how many were received.
func mirrorRun(ctx context.Context, rs *pulse.RuntimeStreams, runID string) (func() int, error) {
	sub, err := rs.NewSubscriber(pulse.SubscriberOptions{SinkName: "stepflow_cli"})
	if err != nil {
		return nil, fmt.Errorf("pulse subscriber: %w", err)
	}
	events, errs, cancel, err := sub.SubscribeRun(ctx, runID, streamopts.WithSinkStartAtOldest())
	if err != nil {
		return nil, fmt.Errorf("subscribe to run stream: %w", err)
	}
	counts := make(chan int, 1)
	go func() {
		n := 0
		for range events {
			n++
		}
		counts <- n
	}()
	go func() {
		for err := range errs {
			log.Errorf(ctx, err, "pulse mirror")
		}
	}()
	return func() int {
		cancel()
		return <-counts
	}, nil
}

// prompter answers interactions from the terminal.
type prompter struct {
	in      *bufio.Reader
	out     io.Writer
	userID  string
	autoYes bool
}

func newPrompter(in io.Reader, out io.Writer, userID string, autoYes bool) *prompter {
	return &prompter{in: bufio.NewReader(in), out: out, userID: userID, autoYes: autoYes}
}
