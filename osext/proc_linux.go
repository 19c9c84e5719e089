package osext

import (
	"os/exec"
	"syscall"
)

// KillAfterParent makes the kernel kill cmd when ghost's process dies.
func KillAfterParent(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Pdeathsig: syscall.SIGKILL,
	}
}
