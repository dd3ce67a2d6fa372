//go:build windows

// Package winsvc lets the supervisor run under the Windows Service
// Control Manager and manages its registration.
package winsvc

import (
	"fmt"
	"sync"
	"time"

	"golang.org/x/sys/windows/svc"
)

const (
	ServiceName        = "PingTunnelVPN"
	ServiceDisplayName = "PingTunnel VPN Supervisor"
	ServiceDescription = "Routes traffic through an ICMP-carried SOCKS5 tunnel and supervises the helper processes"
)

// IsWindowsService reports whether the process was started by the SCM.
func IsWindowsService() bool {
	isSvc, err := svc.IsWindowsService()
	if err != nil {
		return false
	}
	return isSvc
}

// Run blocks serving SCM control requests. runFunc carries the whole
// supervisor lifetime; stopFunc asks it to shut down.
func Run(runFunc func() error, stopFunc func()) error {
	h := &handler{runFunc: runFunc, stopFunc: stopFunc}
	return svc.Run(ServiceName, h)
}

type handler struct {
	runFunc  func() error
	stopFunc func()
	once     sync.Once
}

func (h *handler) Execute(args []string, r <-chan svc.ChangeRequest, s chan<- svc.Status) (bool, uint32) {
	s <- svc.Status{State: svc.StartPending}

	errCh := make(chan error, 1)
	go func() { errCh <- h.runFunc() }()

	s <- svc.Status{State: svc.Running, Accepts: svc.AcceptStop | svc.AcceptShutdown}

	for {
		select {
		case cr := <-r:
			switch cr.Cmd {
			case svc.Interrogate:
				s <- cr.CurrentStatus
				time.Sleep(100 * time.Millisecond)
				s <- cr.CurrentStatus
			case svc.Stop, svc.Shutdown:
				s <- svc.Status{State: svc.StopPending}
				h.once.Do(h.stopFunc)
				<-errCh
				return false, 0
			}
		case err := <-errCh:
			if err != nil {
				return true, 1
			}
			return false, 0
		}
	}
}

// ServiceError wraps SCM operations with their context.
type ServiceError struct {
	Op  string
	Err error
}

func (e *ServiceError) Error() string {
	return fmt.Sprintf("winsvc: %s: %v", e.Op, e.Err)
}

func (e *ServiceError) Unwrap() error {
	return e.Err
}
