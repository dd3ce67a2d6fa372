package supervisor

import (
	"pingtunnel-vpn/internal/core"
	"pingtunnel-vpn/internal/journal"
	"pingtunnel-vpn/internal/osnet"
)

// Disconnect tears the connection down. Legal from every state except
// Disconnected and Disconnecting. Cleanup never fails: each step is
// independently guarded.
func (m *Manager) Disconnect() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state == core.StateDisconnected || m.state == core.StateDisconnecting {
		return &core.InvalidStateError{From: m.state, Action: "disconnect"}
	}
	m.setStateLocked(core.StateDisconnecting, nil)
	m.cleanupLocked()
	m.setStateLocked(core.StateDisconnected, nil)
	return nil
}

// cleanupLocked reverses whatever the current session applied. It
// works from the in-memory journal when a session exists and from the
// on-disk journal otherwise, so it also serves the connect-abort path.
func (m *Manager) cleanupLocked() {
	if m.poller != nil {
		m.poller.Stop()
		m.poller = nil
	}
	if m.monitor != nil {
		m.monitor.Stop()
		m.monitor = nil
	}
	if m.fwd != nil {
		m.fwd.Stop()
		m.fwd = nil
	}

	var st journal.State
	if m.session != nil {
		st = m.session.journal
	} else if loaded, ok, err := m.jrnl.Load(); err == nil && ok {
		st = loaded
	}

	m.restoreSystem(st)

	m.procs.StopAll()

	if err := m.jrnl.Clear(); err != nil {
		core.Log.Warnf("State", "Clear journal: %v", err)
	}
	m.session = nil
}

// restoreSystem undoes the host mutations recorded in st: DNS first,
// then routes, then firewall rules. Every step is best-effort.
func (m *Manager) restoreSystem(st journal.State) {
	for desc, servers := range st.OriginalDNSSettings {
		var err error
		if len(servers) == 0 {
			err = m.sys.DNS.ResetToDHCP(desc)
		} else {
			err = m.sys.DNS.SetServers(desc, servers)
		}
		if err != nil {
			core.Log.Warnf("State", "Restore DNS on %q: %v", desc, err)
		}
	}
	if len(st.OriginalDNSSettings) > 0 {
		m.sys.DNS.FlushCache()
	}

	for _, r := range st.AddedRoutes {
		if err := m.sys.Router.DeleteRoute(r); err != nil {
			core.Log.Warnf("State", "Delete route %s/%d: %v", r.Destination, r.PrefixLength, err)
		}
	}

	rules, err := m.sys.Firewall.ListRulesWithPrefix(osnet.OwnedRulePrefix)
	if err != nil {
		core.Log.Warnf("State", "List firewall rules: %v", err)
	}
	for _, name := range rules {
		if err := m.sys.Firewall.RemoveRule(name); err != nil {
			core.Log.Warnf("State", "Remove firewall rule %q: %v", name, err)
		}
	}
}

// RecoverFromJournal undoes the mutations of a previous unclean run.
// Called once at startup before the state machine accepts commands.
// Returns true when a recovery was performed.
func (m *Manager) RecoverFromJournal() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.jrnl.NeedsRecovery() {
		return false
	}
	st, ok, err := m.jrnl.Load()
	if err != nil || !ok {
		core.Log.Warnf("State", "Recovery journal unreadable: %v", err)
		return false
	}

	core.Log.Warnf("State", "Unclean shutdown detected (journal from %s), restoring system state", st.Timestamp.Format("2006-01-02 15:04:05"))
	m.restoreSystem(st)
	if err := m.jrnl.Clear(); err != nil {
		core.Log.Warnf("State", "Clear journal after recovery: %v", err)
	}
	core.Log.Infof("State", "Recovery complete")
	return true
}
