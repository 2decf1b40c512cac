package meta

import (
	"encoding/json"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tomatitito/ralph/internal/agent"
)

func newTestWriter(t *testing.T) *Writer {
	t.Helper()
	w, err := NewWriter(t.TempDir(), t.TempDir(), "Test prompt", "", "TASK COMPLETE")
	require.NoError(t, err)
	return w
}

func TestNewWriterCreatesStructure(t *testing.T) {
	outputDir := t.TempDir()
	w, err := NewWriter(outputDir, t.TempDir(), "Test prompt", "", "TASK COMPLETE")
	require.NoError(t, err)

	require.DirExists(t, w.RunDir())
	require.FileExists(t, filepath.Join(w.RunDir(), MetaFileName))

	link, err := os.Readlink(filepath.Join(outputDir, "latest"))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("runs", w.RunID()), link)
}

func TestRunIDFormat(t *testing.T) {
	w := newTestWriter(t)
	matched, err := regexp.MatchString(`^\d{8}-\d{6}-[0-9a-f]{6}$`, w.RunID())
	require.NoError(t, err)
	assert.True(t, matched, "run id %q does not match format", w.RunID())
}

func TestPromptPreviewTruncated(t *testing.T) {
	long := strings.Repeat("p", 150)
	w, err := NewWriter(t.TempDir(), t.TempDir(), long, "", "DONE")
	require.NoError(t, err)

	preview := w.Metadata().PromptPreview
	assert.Len(t, preview, 103)
	assert.True(t, strings.HasSuffix(preview, "..."))
}

func TestIterationLifecycle(t *testing.T) {
	w := newTestWriter(t)

	require.Equal(t, 1, w.StartIteration())
	w.SetSessionID("sess-abc123")
	w.EndIteration(agent.ExitNatural, 1000, 500)
	require.Equal(t, 2, w.StartIteration())

	meta := w.Metadata()
	require.Len(t, meta.Iterations, 2)

	first := meta.Iterations[0]
	assert.Equal(t, 1, first.Iteration)
	assert.Equal(t, "sess-abc123", first.SessionID)
	require.NotNil(t, first.EndedAt)
	assert.Equal(t, agent.ExitNatural, first.EndReason)
	require.NotNil(t, first.Tokens)
	assert.Equal(t, 1000, first.Tokens.Input)
	assert.Equal(t, 500, first.Tokens.Output)

	// In-flight iteration: end fields null together.
	second := meta.Iterations[1]
	assert.Nil(t, second.EndedAt)
	assert.Empty(t, second.EndReason)
	assert.Nil(t, second.Tokens)
}

func TestSummaryOutOfOrderWrite(t *testing.T) {
	w := newTestWriter(t)

	w.StartIteration()
	w.EndIteration(agent.ExitContextLimit, 0, 0)
	w.StartIteration()
	w.WriteIterationSummary(1, "ran out of context while refactoring")

	meta := w.Metadata()
	assert.Equal(t, "ran out of context while refactoring", meta.Iterations[0].Summary)
	assert.Empty(t, meta.Iterations[1].Summary)

	// Unknown iteration numbers are dropped, not panicked on.
	w.WriteIterationSummary(99, "nope")
}

func TestCompleteStatusMapping(t *testing.T) {
	tests := []struct {
		reason RunExitReason
		want   RunStatus
	}{
		{reason: ExitPromiseFulfilled, want: StatusCompleted},
		{reason: ExitMaxIterationsExceeded, want: StatusFailed},
		{reason: ExitUserInterrupt, want: StatusInterrupted},
		{reason: ExitError, want: StatusFailed},
	}

	for _, tt := range tests {
		w := newTestWriter(t)
		require.NoError(t, w.Complete(tt.reason))
		meta := w.Metadata()
		assert.Equal(t, tt.want, meta.Status, "reason %s", tt.reason)
		assert.NotNil(t, meta.CompletedAt)
		assert.Equal(t, tt.reason, meta.ExitReason)
	}
}

func TestRoundTripIdentity(t *testing.T) {
	w := newTestWriter(t)
	w.StartIteration()
	w.SetSessionID("sess-1")
	w.EndIteration(agent.ExitContextLimit, 12, 34)
	w.WriteIterationSummary(1, "summary text")
	require.NoError(t, w.Complete(ExitPromiseFulfilled))

	loaded, err := Load(filepath.Join(w.RunDir(), MetaFileName))
	require.NoError(t, err)

	want, err := json.Marshal(w.Metadata())
	require.NoError(t, err)
	got, err := json.Marshal(loaded)
	require.NoError(t, err)
	assert.JSONEq(t, string(want), string(got))
}

func TestOptionalFieldsOmittedOnDisk(t *testing.T) {
	w := newTestWriter(t)
	w.StartIteration()

	data, err := os.ReadFile(filepath.Join(w.RunDir(), MetaFileName))
	require.NoError(t, err)
	content := string(data)

	assert.NotContains(t, content, "ended_at")
	assert.NotContains(t, content, "end_reason")
	assert.NotContains(t, content, "session_id")
	assert.NotContains(t, content, "completed_at")
	assert.NotContains(t, content, "exit_reason")
	assert.NotContains(t, content, "prompt_file")
	assert.Contains(t, content, `"status": "running"`)
}

func TestNoTempFileLeftBehind(t *testing.T) {
	w := newTestWriter(t)
	w.StartIteration()
	w.EndIteration(agent.ExitNatural, 1, 2)
	require.NoError(t, w.Complete(ExitPromiseFulfilled))

	entries, err := os.ReadDir(w.RunDir())
	require.NoError(t, err)
	for _, entry := range entries {
		assert.False(t, strings.HasSuffix(entry.Name(), ".tmp"), "stray temp file %s", entry.Name())
	}
}

func TestTotalTokens(t *testing.T) {
	w := newTestWriter(t)
	w.StartIteration()
	w.EndIteration(agent.ExitNatural, 1000, 500)
	w.StartIteration()
	w.EndIteration(agent.ExitNatural, 2000, 1000)

	meta := w.Metadata()
	assert.Equal(t, 4500, meta.TotalTokens())
}
