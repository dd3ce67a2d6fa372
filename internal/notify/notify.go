// Package notify surfaces connection lifecycle changes as desktop
// toast notifications, throttled so a flapping tunnel cannot spam the
// user.
package notify

import (
	"sync"
	"time"

	"pingtunnel-vpn/internal/core"
)

const (
	appName         = "PingTunnel VPN"
	defaultThrottle = 30 * time.Second
)

// Manager sends throttled toast notifications for state transitions.
type Manager struct {
	mu        sync.Mutex
	enabled   bool
	lastNotif map[string]time.Time
	throttle  time.Duration

	push func(title, message string) error
	now  func() time.Time
}

// New creates a manager with notifications enabled.
func New() *Manager {
	return &Manager{
		enabled:   true,
		lastNotif: make(map[string]time.Time),
		throttle:  defaultThrottle,
		push:      pushToast,
		now:       time.Now,
	}
}

// SetEnabled turns notifications on or off.
func (nm *Manager) SetEnabled(enabled bool) {
	nm.mu.Lock()
	defer nm.mu.Unlock()
	nm.enabled = enabled
}

// Attach subscribes the manager to state-change events on the bus.
func (nm *Manager) Attach(bus *core.EventBus) {
	bus.Subscribe(core.EventStateChanged, func(e core.Event) {
		p, ok := e.Payload.(core.StatePayload)
		if !ok {
			return
		}
		nm.observeTransition(p)
	})
}

func (nm *Manager) observeTransition(p core.StatePayload) {
	switch p.NewState {
	case core.StateConnected:
		nm.notify("connected", "Connected", "Tunnel is up")
	case core.StateDisconnected:
		if p.OldState == core.StateDisconnecting {
			nm.notify("disconnected", "Disconnected", "Tunnel is down")
		}
	case core.StateError:
		msg := "Connection failed"
		if p.Err != nil {
			msg = p.Err.Error()
		}
		nm.notify("error", "Connection error", msg)
	}
}

// notify applies the enabled gate and per-key throttle, then pushes
// off the caller's goroutine so a slow toast cannot block the bus.
func (nm *Manager) notify(key, title, message string) {
	nm.mu.Lock()
	if !nm.enabled {
		nm.mu.Unlock()
		return
	}
	if nm.now().Sub(nm.lastNotif[key]) < nm.throttle {
		nm.mu.Unlock()
		return
	}
	nm.lastNotif[key] = nm.now()
	nm.mu.Unlock()

	go nm.send(title, message)
}

func (nm *Manager) send(title, message string) {
	if err := nm.push(title, message); err != nil {
		core.Log.Warnf("Notify", "Toast notification failed: %v", err)
	}
}

