// Package cli implements the ralph command-line interface using Cobra.
package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/tomatitito/ralph/internal/agent"
	"github.com/tomatitito/ralph/internal/config"
	"github.com/tomatitito/ralph/internal/logging"
	"github.com/tomatitito/ralph/internal/loop"
	"github.com/tomatitito/ralph/internal/meta"
	"github.com/tomatitito/ralph/internal/tmux"
	"github.com/tomatitito/ralph/internal/tokens"
)

var (
	// Global flags
	cfgFile        string
	promptText     string
	maxIterations  int
	promiseText    string
	outputDir      string
	contextLimit   int
	tokenEstimator string
	summaryOnKill  bool
	agentBin       string
	agentArgs      []string
	useTmux        bool
	tmuxSession    string
	verbose        bool
	logLevel       string
	logFormat      string

	logger zerolog.Logger
)

// rootCmd is the single command: run the loop.
var rootCmd = &cobra.Command{
	Use:   "ralph [prompt-file]",
	Short: "Run a headless coding agent in a loop until it keeps its promise",
	Long: `Ralph repeatedly invokes a headless coding agent with a fixed prompt,
watching its streaming output. Each iteration is a fresh agent process.
The loop ends when the agent emits the completion promise, when the
iteration budget runs out, or on Ctrl+C.

Within an iteration ralph tracks an approximate token count and kills
the agent once the context limit is reached; the next iteration starts
over with a clean context.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runLoop(cmd, args)
	},
}

// Execute runs the root command.
func Execute(version, commit, date string) error {
	rootCmd.Version = fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date)
	rootCmd.SilenceErrors = true
	rootCmd.SilenceUsage = true
	return rootCmd.Execute()
}

func init() {
	flags := rootCmd.Flags()
	flags.StringVar(&cfgFile, "config", "", "config file (TOML; default searches $HOME/.config/ralph/ralph.toml)")
	flags.StringVarP(&promptText, "prompt", "p", "", "prompt text (alternative to a prompt file)")
	flags.IntVarP(&maxIterations, "max-iterations", "m", 0, "maximum number of iterations (0 = infinite)")
	flags.StringVarP(&promiseText, "completion-promise", "c", "", `promise text to detect completion (default "TASK COMPLETE")`)
	flags.StringVarP(&outputDir, "output-dir", "o", "", "output directory (default .ralph-loop-output)")
	flags.IntVar(&contextLimit, "context-limit", 0, "token limit before restarting (default 180000)")
	flags.StringVar(&tokenEstimator, "token-estimator", "", "token estimation method (accurate-bpe, byte-ratio, char-ratio)")
	flags.BoolVar(&summaryOnKill, "summary-on-kill", false, "run a summary mini-iteration after a context-limit kill")
	flags.StringVar(&agentBin, "agent-bin", "", "agent executable (default claude)")
	flags.StringArrayVar(&agentArgs, "agent-arg", nil, "agent argument (repeatable; replaces the default argument vector)")
	flags.BoolVar(&useTmux, "tmux", false, "run the loop in a detached tmux session")
	flags.StringVar(&tmuxSession, "tmux-session", "", "tmux session name (default ralph)")
	flags.BoolVarP(&verbose, "verbose", "v", false, "enable verbose logging")
	flags.StringVar(&logLevel, "log-level", "", "override logging level (debug, info, warn, error)")
	flags.StringVar(&logFormat, "log-format", "", "override logging format (json, console)")
}

func runLoop(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd, args)
	if err != nil {
		return &ExitError{Code: ExitCodeFailure, Err: err}
	}

	logging.Init(logging.Config{
		Level:        cfg.Logging.Level,
		Format:       cfg.Logging.Format,
		EnableCaller: cfg.Logging.EnableCaller,
	})
	logger = logging.Component("cli")

	if useTmux {
		return launchInTmux()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return run(ctx, cfg)
}

// loadConfig builds the effective config: defaults < TOML < env < CLI.
func loadConfig(cmd *cobra.Command, args []string) (*config.Config, error) {
	loader := config.NewLoader()
	if cfgFile != "" {
		loader.SetConfigFile(cfgFile)
	}
	cfg, err := loader.Load()
	if err != nil {
		return nil, err
	}

	flags := cmd.Flags()
	if flags.Changed("max-iterations") {
		cfg.MaxIterations = maxIterations
	}
	if flags.Changed("completion-promise") {
		cfg.CompletionPromise = promiseText
	}
	if flags.Changed("output-dir") {
		cfg.OutputDir = outputDir
	}
	if flags.Changed("context-limit") {
		cfg.ContextLimit = contextLimit
	}
	if flags.Changed("token-estimator") {
		cfg.TokenEstimator = tokenEstimator
	}
	if flags.Changed("summary-on-kill") {
		cfg.SummaryOnKill = summaryOnKill
	}
	if flags.Changed("agent-bin") {
		cfg.AgentBin = agentBin
	}
	if flags.Changed("agent-arg") {
		cfg.AgentArgs = agentArgs
	}
	if flags.Changed("log-level") {
		cfg.Logging.Level = logLevel
	} else if verbose {
		cfg.Logging.Level = "debug"
	}
	if flags.Changed("log-format") {
		cfg.Logging.Format = logFormat
	}

	// The prompt comes from exactly one place.
	switch {
	case len(args) == 1 && promptText != "":
		return nil, errors.New("a prompt file and --prompt are mutually exclusive")
	case len(args) == 1:
		if err := cfg.LoadPromptFile(args[0]); err != nil {
			return nil, err
		}
	case promptText != "":
		cfg.Prompt = promptText
		cfg.PromptFile = ""
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func run(ctx context.Context, cfg *config.Config) error {
	writer, err := meta.NewWriter(cfg.OutputDir, ".", cfg.Prompt, cfg.PromptFile, cfg.CompletionPromise)
	if err != nil {
		return &ExitError{Code: ExitCodeFailure, Err: err}
	}
	logger.Info().
		Str("run_id", writer.RunID()).
		Str("promise", cfg.CompletionPromise).
		Int("context_limit", cfg.ContextLimit).
		Msg("starting run")
	if cfg.MaxIterations > 0 {
		logger.Info().Int("max_iterations", cfg.MaxIterations).Msg("bounded mode")
	} else {
		logger.Info().Msg("infinite mode (until promise found or Ctrl+C)")
	}

	invoker := agent.NewCLIInvoker(agent.Options{
		Bin:               cfg.AgentBin,
		Args:              cfg.AgentArgs,
		CompletionPromise: cfg.CompletionPromise,
		ContextLimit:      cfg.ContextLimit,
		WarnThreshold:     cfg.WarningThreshold,
		Estimator:         tokens.NewEstimator(cfg.EstimatorMethod()),
		TailLines:         cfg.TailLines,
		KillGrace:         cfg.KillGrace,
	})

	supervisor := loop.New(cfg, invoker, writer)
	result, err := supervisor.Run(ctx)

	switch {
	case err == nil && result.State == loop.StateSuccess:
		printSuccess(result)
		return nil
	case errors.Is(err, loop.ErrShutdown):
		printInterrupted(result)
		return &ExitError{Code: ExitCodeInterrupted, Err: err, Printed: true}
	case errors.Is(err, loop.ErrMaxIterations):
		printFailed(result, cfg.MaxIterations)
		return &ExitError{Code: ExitCodeFailure, Err: err, Printed: true}
	default:
		return &ExitError{Code: ExitCodeFailure, Err: err}
	}
}

// launchInTmux re-executes the current invocation inside a detached
// tmux session.
func launchInTmux() error {
	client, err := tmux.NewClient()
	if err != nil {
		return &ExitError{Code: ExitCodeFailure, Err: err}
	}

	session := tmuxSession
	if session == "" {
		session = tmux.DefaultSessionName
	}

	args := stripTmuxFlags(os.Args)
	if err := client.LaunchDetached(session, args); err != nil {
		return &ExitError{Code: ExitCodeFailure, Err: err}
	}

	fmt.Fprintf(os.Stderr, "started loop in tmux session %q (attach with: tmux attach -t %s)\n", session, session)
	return nil
}

// stripTmuxFlags removes --tmux and --tmux-session from an argument
// vector so the re-executed loop runs in the foreground.
func stripTmuxFlags(args []string) []string {
	out := make([]string, 0, len(args))
	skip := false
	for _, arg := range args {
		switch {
		case skip:
			skip = false
		case arg == "--tmux":
		case arg == "--tmux-session":
			skip = true
		case len(arg) > len("--tmux-session=") && arg[:len("--tmux-session=")] == "--tmux-session=":
		default:
			out = append(out, arg)
		}
	}
	return out
}
