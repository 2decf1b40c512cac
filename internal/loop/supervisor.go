// Package loop drives iterations of the agent until the completion
// promise appears, the iteration budget runs out, or a shutdown
// arrives.
package loop

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/rs/zerolog"

	"github.com/tomatitito/ralph/internal/agent"
	"github.com/tomatitito/ralph/internal/config"
	"github.com/tomatitito/ralph/internal/logging"
	"github.com/tomatitito/ralph/internal/meta"
)

// State is the supervisor's loop state.
type State string

const (
	StateInit     State = "init"
	StateRunning  State = "running"
	StateSuccess  State = "success"
	StateFailed   State = "failed"
	StateShutdown State = "shutdown"
)

// ErrMaxIterations is returned when the budget runs out without the
// promise appearing.
var ErrMaxIterations = errors.New("maximum iterations exceeded without finding promise")

// ErrShutdown is returned when an external shutdown ended the run.
var ErrShutdown = errors.New("shutdown requested")

const summaryMaxBytes = 4096

// Result summarises a finished run.
type Result struct {
	State      State
	Iterations int
	// Promise is the matched literal when State is StateSuccess.
	Promise string
}

// Supervisor owns the run metadata and drives the invoker. Single
// task; everything concurrent happens inside one invocation.
type Supervisor struct {
	cfg     *config.Config
	invoker agent.Invoker
	writer  *meta.Writer
	state   State
	logger  zerolog.Logger
	runLog  *runLogger
}

// New creates a supervisor over an invoker and a metadata writer.
func New(cfg *config.Config, invoker agent.Invoker, writer *meta.Writer) *Supervisor {
	s := &Supervisor{
		cfg:     cfg,
		invoker: invoker,
		writer:  writer,
		state:   StateInit,
		logger:  logging.Component("loop"),
	}
	if writer != nil {
		runLog, err := newRunLogger(filepath.Join(writer.RunDir(), "loop.log"))
		if err != nil {
			s.logger.Warn().Err(err).Msg("run log unavailable")
		} else {
			s.runLog = runLog
		}
	}
	return s
}

// State returns the supervisor's current loop state.
func (s *Supervisor) State() State {
	return s.state
}

// Run executes iterations until a terminal state. Metadata is always
// finalized before an error propagates.
func (s *Supervisor) Run(ctx context.Context) (Result, error) {
	defer s.runLog.Close()

	s.state = StateRunning
	s.runLog.WriteLine("loop started")

	i := 0
	for {
		// No new iteration starts once shutdown has been observed.
		if ctx.Err() != nil {
			s.runLog.WriteLine("shutdown observed between iterations")
			return s.finishShutdown(i)
		}

		if s.cfg.MaxIterations > 0 && i+1 > s.cfg.MaxIterations {
			s.state = StateFailed
			s.runLog.WriteLine(fmt.Sprintf("max iterations reached (%d)", s.cfg.MaxIterations))
			if err := s.complete(meta.ExitMaxIterationsExceeded); err != nil {
				return Result{State: StateFailed, Iterations: i}, err
			}
			return Result{State: StateFailed, Iterations: i}, ErrMaxIterations
		}

		i++
		s.logger.Info().Int("iteration", i).Msg("starting iteration")
		s.runLog.WriteLine(fmt.Sprintf("iteration %d start", i))
		s.writer.StartIteration()

		result, err := s.invoker.Run(ctx, s.cfg.Prompt)
		if err != nil {
			// Spawn and kill failures abort the whole run; finalize
			// metadata first.
			s.state = StateFailed
			s.runLog.WriteLine(fmt.Sprintf("iteration %d fatal error: %v", i, err))
			if cerr := s.complete(meta.ExitError); cerr != nil {
				s.logger.Error().Err(cerr).Msg("metadata finalization failed")
			}
			return Result{State: StateFailed, Iterations: i}, err
		}

		if result.SessionID != "" {
			s.writer.SetSessionID(result.SessionID)
		}
		s.writer.EndIteration(result.ExitReason, result.InputTokens, result.OutputTokens)
		s.runLog.WriteLine(fmt.Sprintf("iteration %d end (%s)", i, result.ExitReason))

		if result.ExitReason == agent.ExitShutdown {
			return s.finishShutdown(i)
		}

		if result.PromiseFound() {
			s.state = StateSuccess
			s.logger.Info().Int("iteration", i).Str("promise", result.Promise).Msg("promise fulfilled")
			s.runLog.WriteLine(fmt.Sprintf("promise fulfilled after %d iteration(s)", i))
			if err := s.complete(meta.ExitPromiseFulfilled); err != nil {
				return Result{State: StateSuccess, Iterations: i}, err
			}
			return Result{State: StateSuccess, Iterations: i, Promise: result.Promise}, nil
		}

		if result.ExitReason == agent.ExitContextLimit && s.cfg.SummaryOnKill && result.SessionID != "" {
			var shutdown bool
			i, shutdown = s.runSummaryIteration(ctx, i, result.SessionID)
			if shutdown {
				return s.finishShutdown(i)
			}
		}

		s.logger.Info().Int("iteration", i).Msg("iteration complete, no promise found")
	}
}

// runSummaryIteration asks a fresh agent to summarise the session the
// context-limit kill cut short and attaches the text to the killed
// iteration. The mini-iteration counts against the iteration budget
// but is elided from the metadata iterations sequence. Failures are
// non-fatal; a fallback line is stored instead.
func (s *Supervisor) runSummaryIteration(ctx context.Context, killedIteration int, sessionID string) (int, bool) {
	i := killedIteration + 1
	s.logger.Info().Str("session_id", sessionID).Msg("running summary mini-iteration")
	s.runLog.WriteLine(fmt.Sprintf("summary mini-iteration for iteration %d", killedIteration))

	prompt := fmt.Sprintf(
		"The previous session %s was terminated due to context limit. "+
			"Read its transcript and summarise accomplishments and outstanding work briefly.",
		sessionID,
	)

	result, err := s.invoker.Run(ctx, prompt)
	switch {
	case err != nil:
		s.writer.WriteIterationSummary(killedIteration, fmt.Sprintf("summary generation failed: %v", err))
	case result.ExitReason == agent.ExitShutdown:
		s.writer.WriteIterationSummary(killedIteration, "summary generation failed: interrupted")
		return i, true
	default:
		text := truncateBytes(result.Output, summaryMaxBytes)
		if text == "" {
			text = "summary generation failed: agent produced no output"
		}
		s.writer.WriteIterationSummary(killedIteration, text)
	}
	return i, false
}

func (s *Supervisor) finishShutdown(iterations int) (Result, error) {
	s.state = StateShutdown
	s.runLog.WriteLine("run interrupted")
	if err := s.complete(meta.ExitUserInterrupt); err != nil {
		return Result{State: StateShutdown, Iterations: iterations}, err
	}
	return Result{State: StateShutdown, Iterations: iterations}, ErrShutdown
}

func (s *Supervisor) complete(reason meta.RunExitReason) error {
	if err := s.writer.Complete(reason); err != nil {
		return fmt.Errorf("finalize run metadata: %w", err)
	}
	return nil
}

func truncateBytes(text string, max int) string {
	if len(text) <= max {
		return text
	}
	return text[:max] + "..."
}
