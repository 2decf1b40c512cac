// Package meta persists the run document a separate viewer consumes:
// one pretty-printed JSON file per run, rewritten atomically on every
// change, plus a "latest" symlink.
package meta

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/tomatitito/ralph/internal/agent"
	"github.com/tomatitito/ralph/internal/logging"
)

// MetaFileName is the run document inside each run directory.
const MetaFileName = ".ralph-meta.json"

const (
	promptPreviewLen  = 100
	runIDSuffixLen    = 6
	runIDMaxAttempts  = 3
	latestSymlinkName = "latest"
)

// RunStatus is the lifecycle state of a run.
type RunStatus string

const (
	StatusRunning     RunStatus = "running"
	StatusCompleted   RunStatus = "completed"
	StatusFailed      RunStatus = "failed"
	StatusInterrupted RunStatus = "interrupted"
)

// RunExitReason explains why a whole run ended.
type RunExitReason string

const (
	ExitPromiseFulfilled      RunExitReason = "promise_fulfilled"
	ExitMaxIterationsExceeded RunExitReason = "max_iterations_exceeded"
	ExitUserInterrupt         RunExitReason = "user_interrupt"
	ExitError                 RunExitReason = "error"
)

// TokenRecord holds per-iteration token totals.
type TokenRecord struct {
	Input  int `json:"input"`
	Output int `json:"output"`
}

// IterationMetadata describes one iteration of a run.
type IterationMetadata struct {
	Iteration int              `json:"iteration"`
	SessionID string           `json:"session_id,omitempty"`
	StartedAt time.Time        `json:"started_at"`
	EndedAt   *time.Time       `json:"ended_at,omitempty"`
	EndReason agent.ExitReason `json:"end_reason,omitempty"`
	Tokens    *TokenRecord     `json:"tokens,omitempty"`
	Summary   string           `json:"summary,omitempty"`
}

// RunMetadata is the full run document.
type RunMetadata struct {
	RunID             string              `json:"run_id"`
	Status            RunStatus           `json:"status"`
	StartedAt         time.Time           `json:"started_at"`
	CompletedAt       *time.Time          `json:"completed_at,omitempty"`
	ProjectPath       string              `json:"project_path"`
	PromptFile        string              `json:"prompt_file,omitempty"`
	PromptPreview     string              `json:"prompt_preview"`
	CompletionPromise string              `json:"completion_promise"`
	ExitReason        RunExitReason       `json:"exit_reason,omitempty"`
	Iterations        []IterationMetadata `json:"iterations"`
}

// TotalTokens sums token totals across all iterations.
func (m *RunMetadata) TotalTokens() int {
	total := 0
	for _, iter := range m.Iterations {
		if iter.Tokens != nil {
			total += iter.Tokens.Input + iter.Tokens.Output
		}
	}
	return total
}

// Writer owns one run's metadata document. Single writer; the loop
// supervisor drives it.
type Writer struct {
	outputDir string
	runDir    string
	meta      RunMetadata
	logger    zerolog.Logger
}

// NewWriter creates the run directory, writes the initial document
// with status running, and repoints the latest symlink.
func NewWriter(outputDir, projectPath, prompt, promptFile, completionPromise string) (*Writer, error) {
	runsDir := filepath.Join(outputDir, "runs")
	if err := os.MkdirAll(runsDir, 0o755); err != nil {
		return nil, fmt.Errorf("create runs directory: %w", err)
	}

	// Run ids are assumed unique; on the off chance of a collision,
	// regenerate the suffix before failing fast.
	var runDir, runID string
	for attempt := 0; ; attempt++ {
		runID = generateRunID(time.Now().UTC())
		runDir = filepath.Join(runsDir, runID)
		if _, err := os.Stat(runDir); os.IsNotExist(err) {
			break
		}
		if attempt+1 >= runIDMaxAttempts {
			return nil, fmt.Errorf("run directory %s already exists", runDir)
		}
	}
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return nil, fmt.Errorf("create run directory: %w", err)
	}

	if abs, err := filepath.Abs(projectPath); err == nil {
		projectPath = abs
	}

	w := &Writer{
		outputDir: outputDir,
		runDir:    runDir,
		logger:    logging.Component("meta"),
		meta: RunMetadata{
			RunID:             runID,
			Status:            StatusRunning,
			StartedAt:         time.Now().UTC(),
			ProjectPath:       projectPath,
			PromptFile:        promptFile,
			PromptPreview:     previewPrompt(prompt),
			CompletionPromise: completionPromise,
			Iterations:        []IterationMetadata{},
		},
	}

	if err := w.flush(); err != nil {
		return nil, err
	}
	w.updateLatestSymlink()

	return w, nil
}

// RunID returns the generated run identifier.
func (w *Writer) RunID() string {
	return w.meta.RunID
}

// RunDir returns the run directory path.
func (w *Writer) RunDir() string {
	return w.runDir
}

// Metadata returns a copy of the current document.
func (w *Writer) Metadata() RunMetadata {
	meta := w.meta
	meta.Iterations = append([]IterationMetadata(nil), w.meta.Iterations...)
	return meta
}

// StartIteration appends a new iteration record and returns its
// 1-based number.
func (w *Writer) StartIteration() int {
	n := len(w.meta.Iterations) + 1
	w.meta.Iterations = append(w.meta.Iterations, IterationMetadata{
		Iteration: n,
		StartedAt: time.Now().UTC(),
	})
	w.flushBestEffort()
	return n
}

// SetSessionID attaches the agent's session id to the current
// iteration.
func (w *Writer) SetSessionID(sessionID string) {
	if sessionID == "" || len(w.meta.Iterations) == 0 {
		return
	}
	w.meta.Iterations[len(w.meta.Iterations)-1].SessionID = sessionID
	w.flushBestEffort()
}

// EndIteration fills the current iteration's end fields. End reason
// and ended-at become non-null together.
func (w *Writer) EndIteration(reason agent.ExitReason, inputTokens, outputTokens int) {
	if len(w.meta.Iterations) == 0 {
		return
	}
	now := time.Now().UTC()
	iter := &w.meta.Iterations[len(w.meta.Iterations)-1]
	iter.EndedAt = &now
	iter.EndReason = reason
	iter.Tokens = &TokenRecord{Input: inputTokens, Output: outputTokens}
	w.flushBestEffort()
}

// WriteIterationSummary attaches a summary to a prior iteration by
// number. Out-of-order writes are allowed.
func (w *Writer) WriteIterationSummary(iteration int, text string) {
	for i := range w.meta.Iterations {
		if w.meta.Iterations[i].Iteration == iteration {
			w.meta.Iterations[i].Summary = text
			w.flushBestEffort()
			return
		}
	}
	w.logger.Warn().Int("iteration", iteration).Msg("summary for unknown iteration dropped")
}

// Complete sets the terminal status and flushes. A write failure here
// is fatal, unlike intermediate updates.
func (w *Writer) Complete(reason RunExitReason) error {
	switch reason {
	case ExitPromiseFulfilled:
		w.meta.Status = StatusCompleted
	case ExitUserInterrupt:
		w.meta.Status = StatusInterrupted
	default:
		w.meta.Status = StatusFailed
	}
	now := time.Now().UTC()
	w.meta.CompletedAt = &now
	w.meta.ExitReason = reason
	return w.flush()
}

// flushBestEffort retries once, then logs and continues. Intermediate
// metadata loss must not abort the loop.
func (w *Writer) flushBestEffort() {
	if err := w.flush(); err != nil {
		if err = w.flush(); err != nil {
			w.logger.Warn().Err(err).Msg("metadata write failed")
		}
	}
}

// flush rewrites the document atomically: write a temp file in the
// run directory, then rename over the target.
func (w *Writer) flush() error {
	data, err := json.MarshalIndent(&w.meta, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal run metadata: %w", err)
	}
	data = append(data, '\n')

	target := filepath.Join(w.runDir, MetaFileName)
	tmp := target + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write run metadata: %w", err)
	}
	if err := os.Rename(tmp, target); err != nil {
		return fmt.Errorf("replace run metadata: %w", err)
	}
	return nil
}

// updateLatestSymlink points <output-dir>/latest at this run. Failure
// is non-fatal; the viewer falls back to scanning runs/.
func (w *Writer) updateLatestSymlink() {
	link := filepath.Join(w.outputDir, latestSymlinkName)
	_ = os.Remove(link)
	target := filepath.Join("runs", w.meta.RunID)
	if err := os.Symlink(target, link); err != nil {
		w.logger.Debug().Err(err).Msg("latest symlink not updated")
	}
}

// Load reads a run document back from disk.
func Load(path string) (RunMetadata, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return RunMetadata{}, err
	}
	var meta RunMetadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return RunMetadata{}, fmt.Errorf("parse run metadata: %w", err)
	}
	return meta, nil
}

func previewPrompt(prompt string) string {
	if len(prompt) <= promptPreviewLen {
		return prompt
	}
	return prompt[:promptPreviewLen] + "..."
}

// generateRunID builds YYYYMMDD-HHMMSS-<6 hex chars>.
func generateRunID(now time.Time) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:runIDSuffixLen]
	return fmt.Sprintf("%s-%s", now.Format("20060102-150405"), suffix)
}
