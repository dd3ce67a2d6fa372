//go:build windows

package procsup

import (
	"fmt"
	"os/exec"
	"syscall"
	"time"

	"pingtunnel-vpn/internal/core"
)

const stopTimeout = 5 * time.Second

func hiddenProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{HideWindow: true}
}

// treeKill terminates the process and all of its descendants.
func treeKill(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	kill := exec.Command("taskkill", "/T", "/F", "/PID", fmt.Sprintf("%d", cmd.Process.Pid))
	kill.SysProcAttr = &syscall.SysProcAttr{HideWindow: true}
	if out, err := kill.CombinedOutput(); err != nil {
		core.Log.Debugf("Proc", "taskkill pid=%d: %s: %v", cmd.Process.Pid, out, err)
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
