//go:build windows

package cluster

import (
	"os"
	"os/exec"
	"syscall"
)

func setupProcessAttributes(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		CreationFlags: syscall.CREATE_NEW_PROCESS_GROUP,
	}
}

// Windows has no SIGTERM for child processes; workers are killed directly
func terminateProcess(process *os.Process) error {
	return process.Kill()
}

func killProcess(process *os.Process) error {
	return process.Kill()
}
