package cli

import (
	"fmt"
	"os"

	"github.com/charmbracelet/lipgloss"

	"github.com/tomatitito/ralph/internal/loop"
)

var (
	successStyle     = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("10"))
	failedStyle      = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("9"))
	interruptedStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("11"))
	promiseStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("14"))
)

// Status lines go to stderr; stdout is never promised a line.

func printSuccess(result loop.Result) {
	fmt.Fprintf(os.Stderr, "\n%s Promise %s fulfilled after %d iteration(s)\n",
		successStyle.Render("SUCCESS:"),
		promiseStyle.Render(fmt.Sprintf("%q", result.Promise)),
		result.Iterations,
	)
}

func printFailed(result loop.Result, maxIterations int) {
	fmt.Fprintf(os.Stderr, "\n%s Max iterations (%d) exceeded without finding promise\n",
		failedStyle.Render("FAILED:"),
		maxIterations,
	)
}

func printInterrupted(result loop.Result) {
	fmt.Fprintf(os.Stderr, "\n%s Shutdown after %d iteration(s)\n",
		interruptedStyle.Render("INTERRUPTED:"),
		result.Iterations,
	)
}
