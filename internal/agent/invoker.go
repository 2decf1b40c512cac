// Package agent runs one invocation of the external agent subprocess:
// spawn, monitor the output streams, arbitrate between natural exit,
// context-limit kill and shutdown, and classify the outcome.
package agent

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tomatitito/ralph/internal/logging"
	"github.com/tomatitito/ralph/internal/tokens"
)

// ExitReason classifies why an invocation ended.
type ExitReason string

const (
	// ExitNatural means the child exited on its own.
	ExitNatural ExitReason = "natural"
	// ExitContextLimit means the supervisor killed the child at the
	// context-token limit.
	ExitContextLimit ExitReason = "context_limit"
	// ExitShutdown means an external shutdown terminated the child.
	ExitShutdown ExitReason = "shutdown"
)

// IterationResult is the outcome of a single agent invocation.
type IterationResult struct {
	ExitReason ExitReason
	// Promise is the matched completion literal, empty when none was found.
	Promise string
	// SessionID is the agent's own session identifier, if it emitted one.
	SessionID string
	// InputTokens and OutputTokens come from the agent's result event
	// when present, otherwise from the stream estimate.
	InputTokens  int
	OutputTokens int
	// Output is the recent tail of the child's combined output.
	Output string
}

// PromiseFound reports whether the completion promise latched.
func (r IterationResult) PromiseFound() bool {
	return r.Promise != ""
}

// Invoker runs the agent once with a prompt. Implementations: the real
// subprocess invoker below, and scripted fakes in tests.
type Invoker interface {
	Run(ctx context.Context, prompt string) (IterationResult, error)
}

// Options configures a CLIInvoker.
type Options struct {
	Bin               string
	Args              []string
	CompletionPromise string
	ContextLimit      int
	WarnThreshold     int
	Estimator         *tokens.Estimator
	TailLines         int
	KillGrace         time.Duration
}

// CLIInvoker spawns the configured agent binary for every Run call.
// Each invocation is deliberately fresh: the agent keeps no state
// between iterations.
type CLIInvoker struct {
	opts   Options
	state  *IterationState
	logger zerolog.Logger
}

// NewCLIInvoker builds an invoker from options.
func NewCLIInvoker(opts Options) *CLIInvoker {
	return &CLIInvoker{
		opts:   opts,
		state:  NewIterationState(opts.TailLines),
		logger: logging.Component("agent"),
	}
}

// State exposes the shared iteration state, read by the supervisor
// between iterations only.
func (a *CLIInvoker) State() *IterationState {
	return a.state
}

// Run performs one invocation: reset state, spawn, write the prompt,
// race {child exit, kill request, shutdown}, reap the child on every
// path, join the monitors, classify.
func (a *CLIInvoker) Run(ctx context.Context, prompt string) (IterationResult, error) {
	a.state.Reset()

	proc, err := StartProcess(a.opts.Bin, a.opts.Args, a.opts.KillGrace)
	if err != nil {
		return IterationResult{}, err
	}
	a.logger.Debug().Str("bin", a.opts.Bin).Int("pid", proc.PID()).Msg("agent spawned")

	// The child may exit before draining stdin; a failed prompt write
	// is then just an early EOF, not an error of ours.
	go func() {
		if werr := proc.WritePrompt(prompt); werr != nil {
			a.logger.Debug().Err(werr).Msg("prompt write ended early")
		}
	}()

	killCh := make(chan struct{}, 1)
	var killOnce, warnOnce sync.Once

	newMonitor := func(stream string) *monitor {
		return &monitor{
			stream:        stream,
			state:         a.state,
			estimator:     a.opts.Estimator,
			promise:       a.opts.CompletionPromise,
			tagged:        "<promise>" + a.opts.CompletionPromise + "</promise>",
			contextLimit:  a.opts.ContextLimit,
			warnThreshold: a.opts.WarnThreshold,
			killCh:        killCh,
			killOnce:      &killOnce,
			warnOnce:      &warnOnce,
			logger:        a.logger,
		}
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		newMonitor("stdout").run(proc.Stdout())
	}()
	go func() {
		defer wg.Done()
		newMonitor("stderr").run(proc.Stderr())
	}()

	killed := false
	select {
	case <-proc.Done():
	case <-killCh:
		killed = true
	case <-ctx.Done():
		a.logger.Info().Msg("shutdown requested, terminating agent")
	}

	// Every path reaps the child: Kill is idempotent and after a
	// natural exit only sweeps stragglers out of the process group.
	if kerr := proc.Kill(); kerr != nil {
		proc.Close()
		wg.Wait()
		return IterationResult{}, kerr
	}
	a.logger.Debug().Int("exit_code", proc.ExitCode()).Msg("agent reaped")

	// Join the monitors so every state update is flushed before reads.
	wg.Wait()
	proc.Close()

	result := IterationResult{
		SessionID: a.state.SessionID(),
		Output:    a.state.Tail(),
	}
	if found, text := a.state.Promise(); found {
		result.Promise = text
	}
	if usage := a.state.Usage(); usage != nil {
		result.InputTokens = usage.InputTokens
		result.OutputTokens = usage.OutputTokens
	} else {
		result.OutputTokens = a.state.Tokens()
	}

	// Shutdown dominates a concurrent context-limit kill; a latched
	// promise converts a context-limit kill back into a natural end so
	// the run can complete successfully.
	switch {
	case ctx.Err() != nil:
		result.ExitReason = ExitShutdown
	case killed && !result.PromiseFound():
		result.ExitReason = ExitContextLimit
	default:
		result.ExitReason = ExitNatural
	}

	return result, nil
}
