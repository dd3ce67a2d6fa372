//go:build windows

package osnet

import (
	"os"
	"strings"

	"golang.org/x/sys/windows"

	"pingtunnel-vpn/internal/core"
)

// WindowsElevation checks and acquires administrative privileges.
type WindowsElevation struct{}

// IsElevated reports whether the current process token is elevated.
func (WindowsElevation) IsElevated() bool {
	return windows.GetCurrentProcessToken().IsElevated()
}

// RelaunchElevated restarts the current executable through the UAC
// prompt, passing through the given argv.
func (WindowsElevation) RelaunchElevated(args []string) error {
	exe, err := os.Executable()
	if err != nil {
		return err
	}
	cwd, _ := os.Getwd()

	verb, _ := windows.UTF16PtrFromString("runas")
	exePtr, _ := windows.UTF16PtrFromString(exe)
	argPtr, _ := windows.UTF16PtrFromString(strings.Join(args, " "))
	cwdPtr, _ := windows.UTF16PtrFromString(cwd)

	if err := windows.ShellExecute(0, verb, exePtr, argPtr, cwdPtr, windows.SW_NORMAL); err != nil {
		return &core.OsError{Op: "ShellExecute", Code: errnoCode(err)}
	}
	core.Log.Infof("Core", "Relaunched elevated")
	return nil
}

// NewSystem assembles the production binding set.
func NewSystem() *System {
	return &System{
		Router:     WindowsRouter{},
		DNS:        WindowsDNS{},
		Firewall:   WindowsFirewall{},
		Interfaces: WindowsInterfaces{},
		Elevation:  WindowsElevation{},
	}
}
