//go:build linux

package executor

import (
	"os/exec"
	"syscall"
)

// setProcessGroup runs the command in its own process group and has the
// kernel SIGKILL it if the agent dies.
func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid:   true,
		Pgid:      0,
		Pdeathsig: syscall.SIGKILL,
	}
}
