//go:build linux

package process

import (
	"os/exec"
	"syscall"
)

// setProcGroup puts the CLI in its own process group so the CLI and every
// tool it shells out to can be signalled together. Pdeathsig has the kernel
// SIGTERM the CLI if agentdeck dies without a clean shutdown.
func setProcGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid:   true,
		Pdeathsig: syscall.SIGTERM,
	}
}

// terminateProcessGroup sends SIGTERM to the whole process group.
func terminateProcessGroup(pid int) error {
	return syscall.Kill(-pid, syscall.SIGTERM)
}

// killProcessGroup sends SIGKILL to the whole process group.
func killProcessGroup(pid int) error {
	return syscall.Kill(-pid, syscall.SIGKILL)
}
