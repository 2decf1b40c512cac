// Package config handles ralph configuration loading and validation.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/tomatitito/ralph/internal/tokens"
)

// Config is the root configuration. Immutable after load; shared
// read-only by the invoker and the loop supervisor.
type Config struct {
	// Prompt is the task prompt sent to the agent on every iteration.
	Prompt string `mapstructure:"prompt"`

	// PromptFile is where Prompt was read from, when a file was used.
	PromptFile string `mapstructure:"prompt_file"`

	// MaxIterations bounds the loop. 0 means infinite.
	MaxIterations int `mapstructure:"max_iterations"`

	// CompletionPromise is the literal whose appearance in agent
	// output ends the run successfully.
	CompletionPromise string `mapstructure:"completion_promise"`

	// OutputDir is where run metadata is written.
	OutputDir string `mapstructure:"output_dir"`

	// ContextLimit is the approximate token count at which a running
	// iteration's child is killed.
	ContextLimit int `mapstructure:"context_limit"`

	// WarningThreshold logs a warning when the count first crosses it.
	WarningThreshold int `mapstructure:"warning_threshold"`

	// TokenEstimator selects the estimation method.
	TokenEstimator string `mapstructure:"token_estimator"`

	// SummaryOnKill runs a summary mini-iteration after a
	// context-limit kill.
	SummaryOnKill bool `mapstructure:"summary_on_kill"`

	// AgentBin is the agent executable.
	AgentBin string `mapstructure:"agent_bin"`

	// AgentArgs is the agent's argument vector.
	AgentArgs []string `mapstructure:"agent_args"`

	// KillGrace bounds how long a killed child may take to reap.
	KillGrace time.Duration `mapstructure:"kill_grace"`

	// TailLines caps the recent-output ring buffer.
	TailLines int `mapstructure:"tail_lines"`

	// Logging settings.
	Logging LoggingConfig `mapstructure:"logging"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	// Level is the minimum log level (debug, info, warn, error).
	Level string `mapstructure:"level"`

	// Format is the output format (json, console).
	Format string `mapstructure:"format"`

	// EnableCaller adds caller information to logs.
	EnableCaller bool `mapstructure:"enable_caller"`
}

// DefaultConfig returns the built-in defaults. The agent defaults
// target a headless claude invocation reading its prompt from stdin.
func DefaultConfig() *Config {
	return &Config{
		CompletionPromise: "TASK COMPLETE",
		OutputDir:         ".ralph-loop-output",
		ContextLimit:      180_000,
		WarningThreshold:  150_000,
		TokenEstimator:    string(tokens.MethodAccurateBPE),
		AgentBin:          "claude",
		AgentArgs: []string{
			"--print",
			"--output-format", "stream-json",
			"--dangerously-skip-permissions",
		},
		KillGrace: 5 * time.Second,
		TailLines: 60,
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// Validate checks the loaded configuration.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Prompt) == "" {
		return errors.New("no prompt provided: pass a prompt file or -p/--prompt")
	}
	if c.CompletionPromise == "" {
		return errors.New("completion promise must not be empty")
	}
	if c.ContextLimit <= 0 {
		return fmt.Errorf("context limit must be positive, got %d", c.ContextLimit)
	}
	if c.MaxIterations < 0 {
		return fmt.Errorf("max iterations must not be negative, got %d", c.MaxIterations)
	}
	if c.AgentBin == "" {
		return errors.New("agent binary must not be empty")
	}
	if _, err := tokens.ParseMethod(c.TokenEstimator); err != nil {
		return err
	}
	return nil
}

// EstimatorMethod returns the parsed token estimation method. Call
// after Validate.
func (c *Config) EstimatorMethod() tokens.Method {
	method, err := tokens.ParseMethod(c.TokenEstimator)
	if err != nil {
		return tokens.MethodByteRatio
	}
	return method
}

// LoadPromptFile reads the prompt from path into the config and
// records the file's path.
func (c *Config) LoadPromptFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read prompt file: %w", err)
	}
	c.Prompt = string(data)
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}
	c.PromptFile = path
	return nil
}
