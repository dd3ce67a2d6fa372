package ipc

import (
	"sync"
	"sync/atomic"
	"time"

	"pingtunnel-vpn/internal/core"
)

// ConnTracker counts live frontend connections. When the last one
// goes away it arms a grace timer and calls onIdle if no frontend
// returns before it fires.
type ConnTracker struct {
	active      atomic.Int64
	gracePeriod time.Duration
	onIdle      func()

	mu         sync.Mutex
	graceTimer *time.Timer
}

// NewConnTracker creates a tracker. onIdle runs on the timer goroutine
// once the grace period elapses with no connected clients.
func NewConnTracker(gracePeriod time.Duration, onIdle func()) *ConnTracker {
	return &ConnTracker{
		gracePeriod: gracePeriod,
		onIdle:      onIdle,
	}
}

// ActiveCount returns the current number of connected clients.
func (ct *ConnTracker) ActiveCount() int64 {
	return ct.active.Load()
}

// CancelGrace stops any pending grace timer. Used during explicit
// shutdown so the idle callback cannot fire mid-teardown.
func (ct *ConnTracker) CancelGrace() {
	ct.mu.Lock()
	defer ct.mu.Unlock()
	if ct.graceTimer != nil {
		ct.graceTimer.Stop()
		ct.graceTimer = nil
	}
}

// ClientConnected records a new frontend connection.
func (ct *ConnTracker) ClientConnected() {
	n := ct.active.Add(1)
	if n == 1 {
		ct.mu.Lock()
		if ct.graceTimer != nil {
			ct.graceTimer.Stop()
			ct.graceTimer = nil
			core.Log.Infof("IPC", "Client reconnected, grace timer cancelled")
		}
		ct.mu.Unlock()
	}
}

// ClientDisconnected records a closed frontend connection.
func (ct *ConnTracker) ClientDisconnected() {
	n := ct.active.Add(-1)
	if n == 0 {
		ct.mu.Lock()
		if ct.graceTimer != nil {
			ct.graceTimer.Stop()
		}
		core.Log.Infof("IPC", "All clients disconnected, starting %s grace timer", ct.gracePeriod)
		ct.graceTimer = time.AfterFunc(ct.gracePeriod, func() {
			ct.mu.Lock()
			ct.graceTimer = nil
			ct.mu.Unlock()
			if ct.onIdle != nil {
				ct.onIdle()
			}
		})
		ct.mu.Unlock()
	}
}
