//go:build windows

package winsvc

import (
	"fmt"
	"time"

	"golang.org/x/sys/windows/svc"
	"golang.org/x/sys/windows/svc/mgr"
)

// Install registers the supervisor with the SCM as an auto-start
// service. configDir, when set, is passed through as the -config flag.
func Install(exePath, configDir string) error {
	m, err := mgr.Connect()
	if err != nil {
		return &ServiceError{Op: "connect to SCM", Err: err}
	}
	defer m.Disconnect()

	s, err := m.OpenService(ServiceName)
	if err == nil {
		s.Close()
		return &ServiceError{Op: "install", Err: fmt.Errorf("service %q already exists", ServiceName)}
	}

	args := []string{"-service"}
	if configDir != "" {
		args = append(args, "-config", configDir)
	}

	s, err = m.CreateService(ServiceName, exePath, mgr.Config{
		DisplayName:      ServiceDisplayName,
		Description:      ServiceDescription,
		StartType:        mgr.StartAutomatic,
		ServiceStartName: "LocalSystem",
	}, args...)
	if err != nil {
		return &ServiceError{Op: "create service", Err: err}
	}
	defer s.Close()

	// Recovery actions are best-effort: a service without them is
	// still installed and usable.
	s.SetRecoveryActions([]mgr.RecoveryAction{
		{Type: mgr.ServiceRestart, Delay: 5 * time.Second},
		{Type: mgr.ServiceRestart, Delay: 5 * time.Second},
		{Type: mgr.ServiceRestart, Delay: 30 * time.Second},
	}, 86400)

	return nil
}

// Uninstall stops the service if needed and removes its registration.
func Uninstall() error {
	m, err := mgr.Connect()
	if err != nil {
		return &ServiceError{Op: "connect to SCM", Err: err}
	}
	defer m.Disconnect()

	s, err := m.OpenService(ServiceName)
	if err != nil {
		return &ServiceError{Op: "open service", Err: fmt.Errorf("service %q not found: %w", ServiceName, err)}
	}
	defer s.Close()

	status, err := s.Control(svc.Stop)
	if err == nil {
		for i := 0; i < 30 && status.State != svc.Stopped; i++ {
			time.Sleep(500 * time.Millisecond)
			if status, err = s.Query(); err != nil {
				break
			}
		}
	}

	if err := s.Delete(); err != nil {
		return &ServiceError{Op: "delete service", Err: err}
	}
	return nil
}

// Start launches the service and waits until it reports Running.
func Start() error {
	m, err := mgr.Connect()
	if err != nil {
		return &ServiceError{Op: "connect to SCM", Err: err}
	}
	defer m.Disconnect()

	s, err := m.OpenService(ServiceName)
	if err != nil {
		return &ServiceError{Op: "open service", Err: err}
	}
	defer s.Close()

	if err := s.Start(); err != nil {
		return &ServiceError{Op: "start service", Err: err}
	}

	for i := 0; i < 30; i++ {
		time.Sleep(500 * time.Millisecond)
		status, err := s.Query()
		if err != nil {
			return &ServiceError{Op: "query service status", Err: err}
		}
		if status.State == svc.Running {
			return nil
		}
		if status.State == svc.Stopped {
			return &ServiceError{Op: "start service", Err: fmt.Errorf("service stopped during startup")}
		}
	}
	return &ServiceError{Op: "start service", Err: fmt.Errorf("timeout waiting for service to start")}
}

// Stop asks the service to stop and waits until it has.
func Stop() error {
	m, err := mgr.Connect()
	if err != nil {
		return &ServiceError{Op: "connect to SCM", Err: err}
	}
	defer m.Disconnect()

	s, err := m.OpenService(ServiceName)
	if err != nil {
		return &ServiceError{Op: "open service", Err: err}
	}
	defer s.Close()

	status, err := s.Control(svc.Stop)
	if err != nil {
		return &ServiceError{Op: "stop service", Err: err}
	}
	for i := 0; i < 30; i++ {
		if status.State == svc.Stopped {
			return nil
		}
		time.Sleep(500 * time.Millisecond)
		if status, err = s.Query(); err != nil {
			return &ServiceError{Op: "query service status", Err: err}
		}
	}
	return &ServiceError{Op: "stop service", Err: fmt.Errorf("timeout waiting for service to stop")}
}
