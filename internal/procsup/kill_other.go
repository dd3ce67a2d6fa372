//go:build !windows

package procsup

import (
	"os/exec"
	"syscall"
	"time"

	"pingtunnel-vpn/internal/core"
)

const stopTimeout = 5 * time.Second

func hiddenProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Setpgid: true}
}

// treeKill terminates the process group.
func treeKill(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	if err := syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL); err != nil {
		cmd.Process.Kill()
	}
}

func waitStop(c *child) {
	select {
	case <-c.done:
	case <-time.After(stopTimeout):
		core.Log.Warnf("Proc", "Process did not exit within %s after kill", stopTimeout)
	}
}
