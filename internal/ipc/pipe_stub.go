//go:build !windows

package ipc

import (
	"errors"
	"net"
	"time"
)

var errUnsupported = errors.New("ipc: named pipes require Windows")

// Listen is Windows-only.
func Listen() (net.Listener, error) {
	return nil, errUnsupported
}

func dialPipe(timeout time.Duration) (net.Conn, error) {
	return nil, errUnsupported
}
