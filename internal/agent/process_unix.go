//go:build unix

package agent

import (
	"os/exec"
	"syscall"
)

// setProcessGroup puts the child in its own process group so a kill
// reaches the agent and everything it spawned.
func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

func killProcessGroup(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	// Negative pid addresses the whole group. ESRCH just means the
	// group is already gone.
	_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
}
