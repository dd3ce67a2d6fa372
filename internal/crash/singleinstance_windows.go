//go:build windows

package crash

import (
	"golang.org/x/sys/windows"

	"pingtunnel-vpn/internal/core"
)

const singleInstanceMutex = "Global\\PingTunnelVPN"

// AcquireSingleInstance tries to create the named mutex. Returns true
// when this is the first instance, false when another supervisor is
// already running. The handle is held for the process lifetime.
func AcquireSingleInstance() bool {
	name, _ := windows.UTF16PtrFromString(singleInstanceMutex)
	h, err := windows.CreateMutex(nil, false, name)
	if err == windows.ERROR_ALREADY_EXISTS {
		if h != 0 {
			windows.CloseHandle(h)
		}
		return false
	}
	if h == 0 {
		core.Log.Warnf("Crash", "CreateMutex failed: %v", err)
		return true // proceed anyway on unexpected error
	}
	return true
}
