package supervisor

import (
	"fmt"
	"net"
	"os"
	"time"

	"pingtunnel-vpn/internal/config"
	"pingtunnel-vpn/internal/core"
	"pingtunnel-vpn/internal/health"
	"pingtunnel-vpn/internal/journal"
	"pingtunnel-vpn/internal/osnet"
	"pingtunnel-vpn/internal/traffic"
)

func statBinary(path string) error {
	_, err := os.Stat(path)
	return err
}

// Connect brings the tunnel up. Legal from Disconnected and Error.
// Any failing step aborts the sequence, reverses the journal built so
// far and lands in Error.
func (m *Manager) Connect() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != core.StateDisconnected && m.state != core.StateError {
		return &core.InvalidStateError{From: m.state, Action: "connect"}
	}
	m.setStateLocked(core.StateConnecting, nil)

	if err := m.connectLocked(); err != nil {
		core.Log.Errorf("State", "Connect failed: %v", err)
		m.cleanupLocked()
		m.setStateLocked(core.StateError, err)
		return err
	}

	m.setStateLocked(core.StateConnected, nil)
	return nil
}

func (m *Manager) connectLocked() error {
	m.restartCount = 0
	m.lastRestart = time.Time{}

	rec, ok := m.store.Selected()
	if !ok {
		return &core.ConfigInvalidError{Messages: []string{"no server configuration selected"}}
	}
	settings := m.store.GlobalSettings()
	if err := rec.Configuration.Validate(); err != nil {
		return err
	}
	if err := settings.Validate(); err != nil {
		return err
	}

	if !m.sys.Elevation.IsElevated() {
		return core.ErrNotElevated
	}
	for _, path := range []string{m.helpers.PingtunnelClient, m.helpers.Tun2socks} {
		if err := m.statFile(path); err != nil {
			return &core.MissingBinaryError{Path: path}
		}
	}

	serverIP, err := m.resolveServerIP(rec.Configuration.ServerAddress)
	if err != nil {
		return err
	}
	core.Log.Infof("State", "Server %s resolved to %s", rec.Configuration.ServerAddress, serverIP)

	origGW, origIfIdx, err := m.sys.Router.FindDefaultRoute()
	if err != nil {
		return err
	}

	dnsSnap, err := m.sys.DNS.SnapshotAll()
	if err != nil {
		return fmt.Errorf("snapshot adapter DNS: %w", err)
	}

	sess := &session{
		configID:  rec.ID,
		settings:  settings,
		socksPort: rec.Configuration.LocalSocksPort,
		serverIP:  serverIP,
		origGW:    origGW,
		origIfIdx: origIfIdx,
		journal: journal.State{
			IsConnected:                   true,
			OriginalDefaultGateway:        origGW,
			OriginalDefaultInterfaceIndex: origIfIdx,
			OriginalDNSSettings:           dnsSnap,
		},
	}
	// The journal hits disk before the first mutation so an abort at
	// any later step can be recovered by the next startup.
	if err := m.jrnl.Save(sess.journal); err != nil {
		return fmt.Errorf("write recovery journal: %w", err)
	}
	m.session = sess

	if err := m.procs.StartTunnelClient(m.helpers.PingtunnelClient,
		rec.Configuration.ServerAddress, sess.socksPort, rec.Configuration.ServerKey, settings); err != nil {
		return err
	}
	if err := m.waitForPort(sess.socksPort, socksWaitTimeout); err != nil {
		return err
	}
	m.sleep(1 * time.Second)

	if err := m.procs.StartRouter(m.helpers.Tun2socks, sess.socksPort, settings.MTU); err != nil {
		return err
	}
	m.sleep(tunSettleGrace)
	tunIfIdx, err := m.sys.Interfaces.ResolveInterfaceIndex(tunAdapterName, tunResolveDeadline)
	if err != nil {
		return core.ErrTunInterfaceMissing
	}
	sess.tunIfIdx = tunIfIdx

	if err := m.sys.Router.SetInterfaceAddress(tunIfIdx, tunAddress, tunPrefixLen); err != nil {
		return err
	}

	if err := m.addRouteJournaled(osnet.Route{
		Destination: serverIP, PrefixLength: 32,
		Gateway: origGW, InterfaceIndex: origIfIdx, Metric: 1,
	}); err != nil {
		return err
	}

	for _, cidr := range settings.BypassSubnets {
		dest, prefixLen, err := splitCIDR(cidr)
		if err != nil {
			return fmt.Errorf("bypass subnet %q: %w", cidr, err)
		}
		if err := m.addRouteJournaled(osnet.Route{
			Destination: dest, PrefixLength: prefixLen,
			Gateway: origGW, InterfaceIndex: origIfIdx, Metric: 1,
		}); err != nil {
			return err
		}
	}
	if err := m.addRouteJournaled(osnet.Route{
		Destination: "127.0.0.1", PrefixLength: 32,
		Gateway: origGW, InterfaceIndex: origIfIdx, Metric: 1,
	}); err != nil {
		return err
	}

	if err := m.sys.Router.SetInterfaceMetric(tunIfIdx, 1); err != nil {
		return err
	}

	// Broadcast, multicast, link-local and the TUN subnet broadcast
	// stay on the physical path so they never enter the tunnel.
	for _, r := range []osnet.Route{
		{Destination: "255.255.255.255", PrefixLength: 32, Gateway: origGW, InterfaceIndex: origIfIdx, Metric: 1},
		{Destination: "224.0.0.0", PrefixLength: 4, Gateway: origGW, InterfaceIndex: origIfIdx, Metric: 1},
		{Destination: "169.254.0.0", PrefixLength: 16, Gateway: origGW, InterfaceIndex: origIfIdx, Metric: 1},
		{Destination: tunBroadcast, PrefixLength: 32, Gateway: origGW, InterfaceIndex: origIfIdx, Metric: 1},
	} {
		if err := m.addRouteJournaled(r); err != nil {
			return err
		}
	}

	if err := m.addRouteJournaled(osnet.Route{
		Destination: "0.0.0.0", PrefixLength: 0,
		Gateway: tunGateway, InterfaceIndex: tunIfIdx, Metric: 1,
	}); err != nil {
		return err
	}

	if _, err := m.sys.Firewall.AddBlockOutboundUDP(tunSubnet); err != nil {
		return fmt.Errorf("add UDP block rule: %w", err)
	}
	if _, err := m.sys.Firewall.AddAllowOutboundUDP("127.0.0.1"); err != nil {
		return fmt.Errorf("add loopback UDP allow rule: %w", err)
	}

	if settings.DNSMode == config.DNSModeTunnel {
		fwd := m.newForwarder(sess.socksPort, settings.DNSServers)
		if err := fwd.Start(); err != nil {
			return fmt.Errorf("start DNS forwarder: %w", err)
		}
		m.fwd = fwd
		for desc := range sess.journal.OriginalDNSSettings {
			if err := m.sys.DNS.SetServers(desc, []string{"127.0.0.1"}); err != nil {
				core.Log.Warnf("State", "Set DNS on %q: %v", desc, err)
			}
		}
		m.sys.DNS.FlushCache()
	}

	m.statsMu.Lock()
	m.stats = core.ConnectionStats{ConnectedAt: m.now()}
	m.statsMu.Unlock()

	m.monitor = health.NewMonitor(sess.socksPort,
		float64(settings.LatencyThresholdMs), settings.HighLatencyCountThreshold,
		health.Hooks{
			IsRestarting:   m.isRestarting.Load,
			HelperAlive:    m.procs.IsAlive,
			RequestRestart: func(reason string) { m.RequestRestart(fmt.Errorf("%s", reason)) },
			OnSample:       m.applyHealthSample,
		})
	m.monitor.Start()
	m.poller = traffic.NewPoller(m.sys.Interfaces, tunIfIdx, origIfIdx, m.applyTrafficSample)
	m.poller.Start()

	return nil
}

// addRouteJournaled appends the route to the on-disk journal before
// applying it, so a crash between the two leaves a recoverable record.
func (m *Manager) addRouteJournaled(r osnet.Route) error {
	sess := m.session
	sess.journal.AddedRoutes = append(sess.journal.AddedRoutes, r)
	if err := m.jrnl.Save(sess.journal); err != nil {
		return fmt.Errorf("journal route %s/%d: %w", r.Destination, r.PrefixLength, err)
	}
	return m.sys.Router.AddRoute(r)
}

// resolveServerIP resolves the configured host and returns its first
// IPv4 address in dotted form.
func (m *Manager) resolveServerIP(host string) (string, error) {
	ips, err := m.resolveIPs(host)
	if err != nil {
		return "", &core.DNSResolutionError{Host: host, Err: err}
	}
	for _, ip := range ips {
		if v4 := ip.To4(); v4 != nil {
			return v4.String(), nil
		}
	}
	return "", &core.DNSResolutionError{Host: host, Err: fmt.Errorf("no IPv4 address")}
}

// waitForPort polls the local SOCKS5 port with short TCP connects
// until it accepts or the timeout budget is spent.
func (m *Manager) waitForPort(port int, timeout time.Duration) error {
	addr := fmt.Sprintf("127.0.0.1:%d", port)
	attempts := int(timeout / portPollInterval)
	for i := 0; i < attempts; i++ {
		conn, err := m.dialTimeout("tcp", addr, portPollInterval)
		if err == nil {
			conn.Close()
			return nil
		}
		m.sleep(portPollInterval)
	}
	return &core.SocksPortTimeoutError{Port: port, Timeout: timeout.String()}
}

func splitCIDR(cidr string) (dest string, prefixLen int, err error) {
	_, ipnet, err := net.ParseCIDR(cidr)
	if err != nil {
		return "", 0, err
	}
	ones, _ := ipnet.Mask.Size()
	return ipnet.IP.String(), ones, nil
}
