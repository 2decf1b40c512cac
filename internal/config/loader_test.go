package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	loader := NewLoader()
	cfg, err := loader.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.CompletionPromise != "TASK COMPLETE" {
		t.Fatalf("unexpected promise default: %q", cfg.CompletionPromise)
	}
	if cfg.ContextLimit != 180_000 {
		t.Fatalf("unexpected context limit default: %d", cfg.ContextLimit)
	}
	if cfg.OutputDir != ".ralph-loop-output" {
		t.Fatalf("unexpected output dir default: %q", cfg.OutputDir)
	}
	if cfg.MaxIterations != 0 {
		t.Fatalf("expected infinite iterations by default, got %d", cfg.MaxIterations)
	}
	if cfg.AgentBin != "claude" {
		t.Fatalf("unexpected agent default: %q", cfg.AgentBin)
	}
}

func TestLoadTOMLFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ralph.toml")
	content := `
prompt = "do the thing"
max_iterations = 7
completion_promise = "DONE"
context_limit = 9000
token_estimator = "byte-ratio"
summary_on_kill = true
agent_bin = "mock-agent"
agent_args = ["--flag"]

[logging]
level = "debug"
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	loader := NewLoader()
	loader.SetConfigFile(path)
	cfg, err := loader.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.Prompt != "do the thing" {
		t.Fatalf("prompt not loaded: %q", cfg.Prompt)
	}
	if cfg.MaxIterations != 7 {
		t.Fatalf("max iterations not loaded: %d", cfg.MaxIterations)
	}
	if cfg.CompletionPromise != "DONE" {
		t.Fatalf("promise not loaded: %q", cfg.CompletionPromise)
	}
	if cfg.ContextLimit != 9000 {
		t.Fatalf("context limit not loaded: %d", cfg.ContextLimit)
	}
	if !cfg.SummaryOnKill {
		t.Fatal("summary_on_kill not loaded")
	}
	if cfg.AgentBin != "mock-agent" || len(cfg.AgentArgs) != 1 || cfg.AgentArgs[0] != "--flag" {
		t.Fatalf("agent settings not loaded: %q %v", cfg.AgentBin, cfg.AgentArgs)
	}
	if cfg.Logging.Level != "debug" {
		t.Fatalf("logging level not loaded: %q", cfg.Logging.Level)
	}
}

func TestExplicitMissingConfigFileFails(t *testing.T) {
	loader := NewLoader()
	loader.SetConfigFile(filepath.Join(t.TempDir(), "missing.toml"))
	if _, err := loader.Load(); err == nil {
		t.Fatal("expected error for missing explicit config file")
	}
}

func TestValidate(t *testing.T) {
	valid := DefaultConfig()
	valid.Prompt = "p"

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{name: "valid", mutate: func(c *Config) {}},
		{name: "missing prompt", mutate: func(c *Config) { c.Prompt = "  " }, wantErr: true},
		{name: "empty promise", mutate: func(c *Config) { c.CompletionPromise = "" }, wantErr: true},
		{name: "zero context limit", mutate: func(c *Config) { c.ContextLimit = 0 }, wantErr: true},
		{name: "negative iterations", mutate: func(c *Config) { c.MaxIterations = -1 }, wantErr: true},
		{name: "empty agent bin", mutate: func(c *Config) { c.AgentBin = "" }, wantErr: true},
		{name: "bad estimator", mutate: func(c *Config) { c.TokenEstimator = "guesswork" }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := *valid
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr && err == nil {
				t.Fatal("expected validation error")
			}
			if !tt.wantErr && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestLoadPromptFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "task.md")
	if err := os.WriteFile(path, []byte("build it"), 0o644); err != nil {
		t.Fatalf("write prompt: %v", err)
	}

	cfg := DefaultConfig()
	if err := cfg.LoadPromptFile(path); err != nil {
		t.Fatalf("load prompt file: %v", err)
	}
	if cfg.Prompt != "build it" {
		t.Fatalf("prompt not read: %q", cfg.Prompt)
	}
	if !filepath.IsAbs(cfg.PromptFile) {
		t.Fatalf("prompt file path not absolute: %q", cfg.PromptFile)
	}

	if err := cfg.LoadPromptFile(filepath.Join(dir, "missing.md")); err == nil {
		t.Fatal("expected error for missing prompt file")
	}
}

func TestKillGraceDefault(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.KillGrace != 5*time.Second {
		t.Fatalf("unexpected kill grace default: %s", cfg.KillGrace)
	}
}
