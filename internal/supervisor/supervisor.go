// Package supervisor owns the connection state machine. It orders
// every connect/disconnect step, drives the helper processes, applies
// and reverses the host networking mutations, and arms the health
// monitor and traffic poller for the lifetime of a session.
package supervisor

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"pingtunnel-vpn/internal/config"
	"pingtunnel-vpn/internal/core"
	"pingtunnel-vpn/internal/dnsfwd"
	"pingtunnel-vpn/internal/health"
	"pingtunnel-vpn/internal/journal"
	"pingtunnel-vpn/internal/osnet"
	"pingtunnel-vpn/internal/procsup"
	"pingtunnel-vpn/internal/traffic"
)

const (
	tunAddress     = "198.18.0.2"
	tunPrefixLen   = 24
	tunGateway     = "198.18.0.1"
	tunSubnet      = "198.18.0.0/24"
	tunBroadcast   = "198.18.0.255"
	tunAdapterName = "wintun"

	socksWaitTimeout   = 15 * time.Second
	socksRestartWait   = 10 * time.Second
	portPollInterval   = 200 * time.Millisecond
	tunSettleGrace     = 2 * time.Second
	tunResolveDeadline = 5 * time.Second
	switchPause        = 500 * time.Millisecond
)

// ProcessRunner is the slice of the process supervisor the state
// machine drives. *procsup.Supervisor satisfies it.
type ProcessRunner interface {
	StartTunnelClient(path, server string, localPort int, key string, g config.GlobalSettings) error
	StartRouter(path string, socksPort, mtu int) error
	IsAlive(name string) bool
	StopAll()
	Events() <-chan procsup.Event
}

// dnsForwarder is what the state machine needs from the DNS forwarder.
type dnsForwarder interface {
	Start() error
	Stop()
}

// session holds everything a live connection needs to be torn down.
type session struct {
	configID   string
	settings   config.GlobalSettings
	socksPort  int
	serverIP   string
	origGW     string
	origIfIdx  uint32
	tunIfIdx   uint32
	journal    journal.State
}

// Manager is the connection state machine. All transitions run under
// one mutex, so no two overlap.
type Manager struct {
	sys     *osnet.System
	procs   ProcessRunner
	store   *config.Store
	jrnl    *journal.Journal
	bus     *core.EventBus
	helpers config.HelperPaths

	mu       sync.Mutex
	state    core.ConnectionState
	stateErr error
	session  *session

	monitor *health.Monitor
	poller  *traffic.Poller
	fwd     dnsForwarder

	isRestarting atomic.Bool
	restartCount int
	lastRestart  time.Time

	statsMu sync.Mutex
	stats   core.ConnectionStats

	// Indirections for the parts a live connection reaches outside the
	// process for.
	resolveIPs   func(host string) ([]net.IP, error)
	dialTimeout  func(network, addr string, timeout time.Duration) (net.Conn, error)
	sleep        func(d time.Duration)
	now          func() time.Time
	statFile     func(path string) error
	newForwarder func(socksPort int, upstreams []string) dnsForwarder
}

// NewManager wires a state machine over the given bindings. The
// manager starts in Disconnected; call Run to begin draining helper
// process events.
func NewManager(sys *osnet.System, procs ProcessRunner, store *config.Store,
	jrnl *journal.Journal, bus *core.EventBus, helpers config.HelperPaths) *Manager {
	return &Manager{
		sys:         sys,
		procs:       procs,
		store:       store,
		jrnl:        jrnl,
		bus:         bus,
		helpers:     helpers,
		state:       core.StateDisconnected,
		resolveIPs:  net.LookupIP,
		dialTimeout: net.DialTimeout,
		sleep:       time.Sleep,
		now:         time.Now,
		statFile:    statBinary,
		newForwarder: func(socksPort int, upstreams []string) dnsForwarder {
			return dnsfwd.New(socksPort, upstreams)
		},
	}
}

// State returns the current state and, when in Error, its cause.
func (m *Manager) State() (core.ConnectionState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state, m.stateErr
}

// Stats returns a copy of the live session counters.
func (m *Manager) Stats() core.ConnectionStats {
	m.statsMu.Lock()
	defer m.statsMu.Unlock()
	return m.stats
}

// setStateLocked records a transition and announces it. Handlers run
// asynchronously so they may call back into the manager.
func (m *Manager) setStateLocked(to core.ConnectionState, err error) {
	from := m.state
	m.state = to
	m.stateErr = err

	configID := ""
	if m.session != nil {
		configID = m.session.configID
	}
	core.Log.Infof("State", "%s -> %s", from, to)
	if err != nil {
		core.Log.Errorf("State", "%s: %v", to, err)
	}
	m.bus.PublishAsync(core.Event{
		Type:    core.EventStateChanged,
		Payload: core.StatePayload{OldState: from, NewState: to, ConfigID: configID, Err: err},
	})
}

// Run drains the helper process event channel until ctx is cancelled.
// Output lines feed the health monitor; exits while Connected trigger
// the restart path.
func (m *Manager) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-m.procs.Events():
			switch ev.Kind {
			case procsup.KindLine:
				m.handleLine(ev.Name, ev.Line)
			case procsup.KindExit:
				m.handleExit(ev.Name, ev.Code)
			}
		}
	}
}

func (m *Manager) handleLine(name, line string) {
	m.bus.Publish(core.Event{
		Type:    core.EventLogLine,
		Payload: core.LogLinePayload{Tag: name, Line: line},
	})
	if name != procsup.NameTunnelClient {
		return
	}
	m.mu.Lock()
	monitor := m.monitor
	m.mu.Unlock()
	if monitor != nil {
		monitor.ObserveLine(line)
	}
}

func (m *Manager) handleExit(name string, code int) {
	if m.isRestarting.Load() {
		return
	}
	m.mu.Lock()
	connected := m.state == core.StateConnected
	m.mu.Unlock()
	if !connected {
		return
	}
	core.Log.Warnf("State", "%s exited unexpectedly (code %d)", name, code)
	m.RequestRestart(&core.HelperExitedError{Name: name, Code: code})
}

// applyTrafficSample merges one poller sample into the shared stats.
func (m *Manager) applyTrafficSample(s traffic.Sample) {
	m.statsMu.Lock()
	m.stats.TunRxBytesPerSec = s.TunRxBytesPerSec
	m.stats.TunTxBytesPerSec = s.TunTxBytesPerSec
	m.stats.PhysRxBytesPerSec = s.PhysRxBytesPerSec
	m.stats.PhysTxBytesPerSec = s.PhysTxBytesPerSec
	m.stats.TunRxTotal = s.TunRxTotal
	m.stats.TunTxTotal = s.TunTxTotal
	m.stats.PhysRxTotal = s.PhysRxTotal
	m.stats.PhysTxTotal = s.PhysTxTotal
	snap := m.stats
	m.statsMu.Unlock()

	m.bus.Publish(core.Event{Type: core.EventStatsUpdated, Payload: core.StatsPayload{Stats: snap}})
}

// applyHealthSample merges one latency sample into the shared stats.
func (m *Manager) applyHealthSample(s health.Sample) {
	m.statsMu.Lock()
	m.stats.LatencyMs = s.LatencyMs
	m.stats.HighLatencyCount = s.HighCount
	m.stats.Degraded = s.Degraded
	snap := m.stats
	m.statsMu.Unlock()

	m.bus.Publish(core.Event{Type: core.EventStatsUpdated, Payload: core.StatsPayload{Stats: snap}})
}

func (m *Manager) resetStatsLatencyLocked() {
	m.statsMu.Lock()
	m.stats.LatencyMs = 0
	m.stats.HighLatencyCount = 0
	m.stats.Degraded = false
	m.statsMu.Unlock()
}
