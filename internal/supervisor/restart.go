package supervisor

import (
	"fmt"
	"time"

	"pingtunnel-vpn/internal/core"
)

// RequestRestart asks for a fast restart of the helper processes.
// The budget and cooldown are applied here; an exhausted budget turns
// the request into a full disconnect ending in Error.
func (m *Manager) RequestRestart(cause error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != core.StateConnected {
		return
	}

	if !m.restartBudgetLocked() {
		core.Log.Warnf("State", "Restart budget exhausted, disconnecting (%v)", cause)
		m.setStateLocked(core.StateDisconnecting, nil)
		m.cleanupLocked()
		m.setStateLocked(core.StateError, fmt.Errorf("restart budget exhausted: %w", cause))
		return
	}

	m.restartCount++
	m.lastRestart = m.now()
	core.Log.Warnf("State", "Fast restart %d: %v", m.restartCount, cause)

	if err := m.fastRestartLocked(); err != nil {
		core.Log.Errorf("State", "Fast restart failed: %v", err)
		m.setStateLocked(core.StateDisconnecting, nil)
		m.cleanupLocked()
		m.setStateLocked(core.StateError, err)
	}
}

// restartBudgetLocked reports whether another automatic restart is
// permitted: within the per-session count (0 = unlimited) and past
// the cooldown since the previous one.
func (m *Manager) restartBudgetLocked() bool {
	settings := m.session.settings
	if settings.MaxAutoRestarts != 0 && m.restartCount >= settings.MaxAutoRestarts {
		return false
	}
	if !m.lastRestart.IsZero() {
		cooldown := time.Duration(settings.RestartCooldownSeconds) * time.Second
		if m.now().Sub(m.lastRestart) < cooldown {
			return false
		}
	}
	return true
}

// fastRestartLocked bounces both helpers without touching routes,
// DNS, firewall rules or the TUN address. The TUN interface must
// survive: recreating it would drop all traffic.
func (m *Manager) fastRestartLocked() error {
	sess := m.session
	m.isRestarting.Store(true)
	defer m.isRestarting.Store(false)

	rec, ok := m.store.Get(sess.configID)
	if !ok {
		return fmt.Errorf("configuration %s no longer exists", sess.configID)
	}

	m.procs.StopAll()
	m.sleep(1 * time.Second)

	if err := m.procs.StartTunnelClient(m.helpers.PingtunnelClient,
		rec.Configuration.ServerAddress, sess.socksPort, rec.Configuration.ServerKey, sess.settings); err != nil {
		return err
	}
	if err := m.waitForPort(sess.socksPort, socksRestartWait); err != nil {
		return err
	}
	m.sleep(500 * time.Millisecond)

	if err := m.procs.StartRouter(m.helpers.Tun2socks, sess.socksPort, sess.settings.MTU); err != nil {
		return err
	}
	m.sleep(1 * time.Second)

	if m.monitor != nil {
		m.monitor.ResetCounters()
	}
	m.resetStatsLatencyLocked()
	core.Log.Infof("State", "Fast restart complete")
	return nil
}

// SwitchConfig selects another server configuration. When connected,
// the session is torn down and rebuilt against the new server; if the
// rebuild fails the previous selection is restored.
func (m *Manager) SwitchConfig(id string) error {
	prev, hadPrev := m.store.Selected()
	if err := m.store.Select(id); err != nil {
		return err
	}

	m.mu.Lock()
	connected := m.state == core.StateConnected
	m.mu.Unlock()
	if !connected {
		return nil
	}

	if err := m.Disconnect(); err != nil {
		core.Log.Warnf("State", "Switch disconnect: %v", err)
	}
	m.sleep(switchPause)

	if err := m.Connect(); err != nil {
		if hadPrev && prev.ID != id {
			if serr := m.store.Select(prev.ID); serr != nil {
				core.Log.Warnf("State", "Restore previous selection: %v", serr)
			}
		}
		return err
	}
	return nil
}
