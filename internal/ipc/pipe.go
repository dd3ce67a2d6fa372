//go:build windows

package ipc

import (
	"net"
	"time"

	"github.com/Microsoft/go-winio"
)

// PipeName is the named pipe path the supervisor listens on.
const PipeName = `\\.\pipe\pingtunnel-vpn`

// Listen opens the control pipe. The security descriptor grants any
// authenticated user access, since frontends run without elevation.
func Listen() (net.Listener, error) {
	cfg := &winio.PipeConfig{
		SecurityDescriptor: "D:P(A;;GA;;;AU)",
		MessageMode:        false,
		InputBufferSize:    64 * 1024,
		OutputBufferSize:   64 * 1024,
	}
	return winio.ListenPipe(PipeName, cfg)
}

func dialPipe(timeout time.Duration) (net.Conn, error) {
	return winio.DialPipe(PipeName, &timeout)
}
