//go:build windows

package engine

import (
	"os/exec"
	"time"
)

func configureProcess(*exec.Cmd) {}

func terminateProcess(cmd *exec.Cmd, _ time.Duration) {
	if cmd == nil || cmd.Process == nil {
		return
	}
	_ = cmd.Process.Kill()
}
