package supervisor

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"pingtunnel-vpn/internal/config"
	"pingtunnel-vpn/internal/core"
	"pingtunnel-vpn/internal/journal"
	"pingtunnel-vpn/internal/osnet"
	"pingtunnel-vpn/internal/osnet/osnettest"
	"pingtunnel-vpn/internal/procsup"
)

type fakeRunner struct {
	mu         sync.Mutex
	alive      map[string]bool
	starts     []string
	stopAlls   int
	failClient bool
	events     chan procsup.Event
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{
		alive:  map[string]bool{},
		events: make(chan procsup.Event, 64),
	}
}

func (f *fakeRunner) StartTunnelClient(path, server string, localPort int, key string, g config.GlobalSettings) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failClient {
		return errors.New("spawn refused")
	}
	f.alive[procsup.NameTunnelClient] = true
	f.starts = append(f.starts, procsup.NameTunnelClient)
	return nil
}

func (f *fakeRunner) StartRouter(path string, socksPort, mtu int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.alive[procsup.NameRouter] = true
	f.starts = append(f.starts, procsup.NameRouter)
	return nil
}

func (f *fakeRunner) IsAlive(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.alive[name]
}

func (f *fakeRunner) StopAll() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.alive = map[string]bool{}
	f.stopAlls++
}

func (f *fakeRunner) Events() <-chan procsup.Event { return f.events }

func (f *fakeRunner) startCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.starts)
}

type fakeForwarder struct {
	started bool
	stopped bool
}

func (f *fakeForwarder) Start() error { f.started = true; return nil }
func (f *fakeForwarder) Stop()        { f.stopped = true }

type harness struct {
	m      *Manager
	runner *fakeRunner
	router *osnettest.FakeRouter
	dns    *osnettest.FakeDNS
	fw     *osnettest.FakeFirewall
	ifaces *osnettest.FakeInterfaces
	store  *config.Store
	jrnl   *journal.Journal
	fwd    *fakeForwarder
	clock  *time.Time
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	sys, router, dns, fw, ifaces := osnettest.NewSystem()
	bus := core.NewEventBus()
	dir := t.TempDir()
	store, err := config.NewStore(dir, bus)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	if _, err := store.Add(config.ServerConfig{
		Name: "primary",
		Configuration: config.VpnConfiguration{
			ServerAddress:  "vpn.example.com",
			ServerKey:      "secret",
			LocalSocksPort: 1080,
		},
	}); err != nil {
		t.Fatalf("Add: %v", err)
	}

	jrnl := journal.New(dir)
	runner := newFakeRunner()
	m := NewManager(sys, runner, store, jrnl, bus,
		config.HelperPaths{PingtunnelClient: "pingtunnel-client.exe", Tun2socks: "tun2socks.exe"})

	clock := time.Now()
	fwd := &fakeForwarder{}
	m.sleep = func(time.Duration) {}
	m.statFile = func(string) error { return nil }
	m.now = func() time.Time { return clock }
	m.resolveIPs = func(host string) ([]net.IP, error) {
		return []net.IP{net.ParseIP("203.0.113.10")}, nil
	}
	m.dialTimeout = func(network, addr string, timeout time.Duration) (net.Conn, error) {
		c, s := net.Pipe()
		s.Close()
		return c, nil
	}
	m.newForwarder = func(int, []string) dnsForwarder { return fwd }

	return &harness{m: m, runner: runner, router: router, dns: dns, fw: fw,
		ifaces: ifaces, store: store, jrnl: jrnl, fwd: fwd, clock: &clock}
}

func (h *harness) advance(d time.Duration) { *h.clock = h.clock.Add(d) }

func TestConnectHappyPath(t *testing.T) {
	h := newHarness(t)
	if err := h.m.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer h.m.Disconnect()

	if st, _ := h.m.State(); st != core.StateConnected {
		t.Fatalf("state = %s, want Connected", st)
	}

	routes := h.router.RouteList()
	if len(routes) != 10 {
		t.Fatalf("routes = %d, want 10: %+v", len(routes), routes)
	}
	// The server host route lands before everything else and the
	// default route lands last, so a crash in between never loops
	// tunnel carrier traffic through the TUN.
	if routes[0].Destination != "203.0.113.10" || routes[0].PrefixLength != 32 {
		t.Fatalf("first route = %+v, want server host route", routes[0])
	}
	if routes[0].Gateway != "192.168.1.1" || routes[0].InterfaceIndex != 7 {
		t.Fatalf("server route not pinned to physical path: %+v", routes[0])
	}
	last := routes[len(routes)-1]
	if last.Destination != "0.0.0.0" || last.PrefixLength != 0 {
		t.Fatalf("last route = %+v, want default", last)
	}
	if last.Gateway != "198.18.0.1" || last.InterfaceIndex != 21 {
		t.Fatalf("default route not via TUN: %+v", last)
	}

	if h.router.Addresses[21] != "198.18.0.2/24" {
		t.Fatalf("TUN address = %q", h.router.Addresses[21])
	}
	if h.router.Metrics[21] != 1 {
		t.Fatalf("TUN metric = %d, want 1", h.router.Metrics[21])
	}

	if !h.fwd.started {
		t.Fatal("DNS forwarder not started in tunnel mode")
	}
	servers, _ := h.dns.SnapshotAll()
	for desc, list := range servers {
		if len(list) != 1 || list[0] != "127.0.0.1" {
			t.Fatalf("adapter %q DNS = %v, want [127.0.0.1]", desc, list)
		}
	}

	rules, _ := h.fw.ListRulesWithPrefix(osnet.OwnedRulePrefix)
	if len(rules) != 2 {
		t.Fatalf("firewall rules = %v, want block + allow", rules)
	}

	st, ok, err := h.jrnl.Load()
	if err != nil || !ok || !st.IsConnected {
		t.Fatalf("journal after connect: ok=%v err=%v st=%+v", ok, err, st)
	}
	if len(st.AddedRoutes) != 10 {
		t.Fatalf("journaled routes = %d, want 10", len(st.AddedRoutes))
	}
}

func TestDisconnectRestoresEverything(t *testing.T) {
	h := newHarness(t)
	if err := h.m.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := h.m.Disconnect(); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}

	if st, _ := h.m.State(); st != core.StateDisconnected {
		t.Fatalf("state = %s, want Disconnected", st)
	}
	if got := h.router.RouteList(); len(got) != 0 {
		t.Fatalf("routes remain after disconnect: %+v", got)
	}
	rules, _ := h.fw.ListRulesWithPrefix(osnet.OwnedRulePrefix)
	if len(rules) != 0 {
		t.Fatalf("firewall rules remain: %v", rules)
	}
	servers, _ := h.dns.SnapshotAll()
	if list := servers["Intel(R) Ethernet"]; len(list) != 1 || list[0] != "192.168.1.1" {
		t.Fatalf("DNS not restored: %v", list)
	}
	if h.jrnl.NeedsRecovery() {
		t.Fatal("journal must be cleared after a clean disconnect")
	}
	if !h.fwd.stopped {
		t.Fatal("forwarder must be stopped")
	}
	if h.runner.IsAlive(procsup.NameTunnelClient) || h.runner.IsAlive(procsup.NameRouter) {
		t.Fatal("helpers must be stopped")
	}
}

func TestConnectSocksTimeoutRollsBack(t *testing.T) {
	h := newHarness(t)
	h.m.dialTimeout = func(network, addr string, timeout time.Duration) (net.Conn, error) {
		return nil, errors.New("connection refused")
	}

	err := h.m.Connect()
	var timeoutErr *core.SocksPortTimeoutError
	if !errors.As(err, &timeoutErr) {
		t.Fatalf("err = %v, want SocksPortTimeoutError", err)
	}
	if st, _ := h.m.State(); st != core.StateError {
		t.Fatalf("state = %s, want Error", st)
	}
	if got := h.router.RouteList(); len(got) != 0 {
		t.Fatalf("routes must not survive an aborted connect: %+v", got)
	}
	if h.jrnl.NeedsRecovery() {
		t.Fatal("journal must be cleared by the abort cleanup")
	}
	if h.runner.IsAlive(procsup.NameTunnelClient) {
		t.Fatal("helper must be stopped by the abort cleanup")
	}
}

func TestConnectIllegalFromConnected(t *testing.T) {
	h := newHarness(t)
	if err := h.m.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer h.m.Disconnect()

	err := h.m.Connect()
	var stErr *core.InvalidStateError
	if !errors.As(err, &stErr) {
		t.Fatalf("second connect err = %v, want InvalidStateError", err)
	}
}

func TestDisconnectIllegalFromDisconnected(t *testing.T) {
	h := newHarness(t)
	var stErr *core.InvalidStateError
	if err := h.m.Disconnect(); !errors.As(err, &stErr) {
		t.Fatalf("err = %v, want InvalidStateError", err)
	}
}

func TestRecoverFromJournal(t *testing.T) {
	h := newHarness(t)

	// A previous run died while connected, leaving mutations behind.
	h.router.AddRoute(osnet.Route{Destination: "0.0.0.0", PrefixLength: 0, Gateway: "198.18.0.1", InterfaceIndex: 21, Metric: 1})
	h.dns.SetServers("Intel(R) Ethernet", []string{"127.0.0.1"})
	h.fw.AddBlockOutboundUDP("198.18.0.0/24")
	if err := h.jrnl.Save(journal.State{
		IsConnected:                   true,
		OriginalDefaultGateway:        "192.168.1.1",
		OriginalDefaultInterfaceIndex: 7,
		OriginalDNSSettings:           map[string][]string{"Intel(R) Ethernet": {"192.168.1.1"}},
		AddedRoutes: []osnet.Route{
			{Destination: "0.0.0.0", PrefixLength: 0, Gateway: "198.18.0.1", InterfaceIndex: 21, Metric: 1},
		},
	}); err != nil {
		t.Fatalf("Save: %v", err)
	}

	if !h.m.RecoverFromJournal() {
		t.Fatal("recovery must run when the journal says connected")
	}
	if got := h.router.RouteList(); len(got) != 0 {
		t.Fatalf("routes remain after recovery: %+v", got)
	}
	servers, _ := h.dns.SnapshotAll()
	if list := servers["Intel(R) Ethernet"]; len(list) != 1 || list[0] != "192.168.1.1" {
		t.Fatalf("DNS not restored by recovery: %v", list)
	}
	rules, _ := h.fw.ListRulesWithPrefix(osnet.OwnedRulePrefix)
	if len(rules) != 0 {
		t.Fatalf("firewall rules remain after recovery: %v", rules)
	}
	if h.jrnl.NeedsRecovery() {
		t.Fatal("journal must be cleared after recovery")
	}
	if h.m.RecoverFromJournal() {
		t.Fatal("second recovery must be a no-op")
	}
}

func TestFastRestartPreservesSystemState(t *testing.T) {
	h := newHarness(t)
	if err := h.m.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer h.m.Disconnect()
	routesBefore := len(h.router.RouteList())
	startsBefore := h.runner.startCount()

	h.m.RequestRestart(errors.New("injected latency"))

	if st, _ := h.m.State(); st != core.StateConnected {
		t.Fatalf("state = %s, want Connected after fast restart", st)
	}
	if got := h.runner.startCount(); got != startsBefore+2 {
		t.Fatalf("starts = %d, want both helpers respawned", got)
	}
	if got := len(h.router.RouteList()); got != routesBefore {
		t.Fatalf("routes = %d, want untouched %d", got, routesBefore)
	}
	rules, _ := h.fw.ListRulesWithPrefix(osnet.OwnedRulePrefix)
	if len(rules) != 2 {
		t.Fatalf("firewall rules = %v, want untouched", rules)
	}
	servers, _ := h.dns.SnapshotAll()
	if list := servers["Intel(R) Ethernet"]; len(list) != 1 || list[0] != "127.0.0.1" {
		t.Fatalf("DNS must stay on the forwarder during restart: %v", list)
	}
}

func TestRestartBudgetExhaustionDisconnects(t *testing.T) {
	h := newHarness(t)
	if err := h.m.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	// Three restarts inside the budget, spaced past the cooldown.
	for i := 0; i < 3; i++ {
		h.advance(31 * time.Second)
		h.m.RequestRestart(errors.New("high latency"))
		if st, _ := h.m.State(); st != core.StateConnected {
			t.Fatalf("restart %d: state = %s, want Connected", i+1, st)
		}
	}

	// The fourth exceeds maxAutoRestarts=3 and must tear down.
	h.advance(31 * time.Second)
	h.m.RequestRestart(errors.New("high latency"))
	st, err := h.m.State()
	if st != core.StateError {
		t.Fatalf("state = %s, want Error", st)
	}
	if err == nil {
		t.Fatal("Error state must carry the cause")
	}
	if got := h.router.RouteList(); len(got) != 0 {
		t.Fatalf("budget exhaustion must run full cleanup, routes: %+v", got)
	}
}

func TestRestartCooldownBlocksImmediateRetry(t *testing.T) {
	h := newHarness(t)
	if err := h.m.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	h.advance(31 * time.Second)
	h.m.RequestRestart(errors.New("first"))
	if st, _ := h.m.State(); st != core.StateConnected {
		t.Fatalf("state = %s after first restart", st)
	}

	// Within the cooldown the budget check fails and the request
	// escalates to a full teardown.
	h.advance(5 * time.Second)
	h.m.RequestRestart(errors.New("second"))
	if st, _ := h.m.State(); st != core.StateError {
		t.Fatalf("state = %s, want Error inside cooldown", st)
	}
}

func TestSpontaneousExitTriggersRestart(t *testing.T) {
	h := newHarness(t)
	if err := h.m.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer h.m.Disconnect()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.m.Run(ctx)

	h.advance(31 * time.Second)
	startsBefore := h.runner.startCount()
	h.runner.events <- procsup.Event{Kind: procsup.KindExit, Name: procsup.NameTunnelClient, Code: 1}

	deadline := time.Now().Add(2 * time.Second)
	for h.runner.startCount() < startsBefore+2 {
		if time.Now().After(deadline) {
			t.Fatalf("helpers not respawned after spontaneous exit (starts=%d)", h.runner.startCount())
		}
		time.Sleep(10 * time.Millisecond)
	}
	if st, _ := h.m.State(); st != core.StateConnected {
		t.Fatalf("state = %s, want Connected", st)
	}
}

func TestSwitchConfigWhileConnected(t *testing.T) {
	h := newHarness(t)
	second, err := h.store.Add(config.ServerConfig{
		Name: "secondary",
		Configuration: config.VpnConfiguration{
			ServerAddress:  "vpn2.example.com",
			ServerKey:      "secret2",
			LocalSocksPort: 1081,
		},
	})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}

	if err := h.m.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer h.m.Disconnect()

	if err := h.m.SwitchConfig(second.ID); err != nil {
		t.Fatalf("SwitchConfig: %v", err)
	}
	if st, _ := h.m.State(); st != core.StateConnected {
		t.Fatalf("state = %s, want Connected on new config", st)
	}
	sel, ok := h.store.Selected()
	if !ok || sel.ID != second.ID {
		t.Fatalf("selected = %+v, want secondary", sel)
	}
}

func TestSwitchConfigFailureRestoresSelection(t *testing.T) {
	h := newHarness(t)
	first, _ := h.store.Selected()
	second, err := h.store.Add(config.ServerConfig{
		Name: "secondary",
		Configuration: config.VpnConfiguration{
			ServerAddress:  "vpn2.example.com",
			ServerKey:      "secret2",
			LocalSocksPort: 1081,
		},
	})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}

	if err := h.m.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	// The reconnect against the new server fails at process spawn.
	h.runner.mu.Lock()
	h.runner.failClient = true
	h.runner.mu.Unlock()

	if err := h.m.SwitchConfig(second.ID); err == nil {
		t.Fatal("switch must fail when the new connect fails")
	}
	if st, _ := h.m.State(); st != core.StateError {
		t.Fatalf("state = %s, want Error", st)
	}
	sel, ok := h.store.Selected()
	if !ok || sel.ID != first.ID {
		t.Fatalf("selected = %+v, want original restored", sel)
	}
}

func TestSwitchConfigWhileDisconnectedOnlySelects(t *testing.T) {
	h := newHarness(t)
	second, err := h.store.Add(config.ServerConfig{
		Name: "secondary",
		Configuration: config.VpnConfiguration{
			ServerAddress:  "vpn2.example.com",
			ServerKey:      "secret2",
			LocalSocksPort: 1081,
		},
	})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := h.m.SwitchConfig(second.ID); err != nil {
		t.Fatalf("SwitchConfig: %v", err)
	}
	if st, _ := h.m.State(); st != core.StateDisconnected {
		t.Fatalf("state = %s, want still Disconnected", st)
	}
	if h.runner.startCount() != 0 {
		t.Fatal("no helper may start on a disconnected switch")
	}
}

func TestConnectRequiresElevation(t *testing.T) {
	h := newHarness(t)
	h.m.sys.Elevation = &osnettest.FakeElevation{Elevated: false}
	err := h.m.Connect()
	if !errors.Is(err, core.ErrNotElevated) {
		t.Fatalf("err = %v, want ErrNotElevated", err)
	}
	if st, _ := h.m.State(); st != core.StateError {
		t.Fatalf("state = %s, want Error", st)
	}
}

func TestConnectSystemDNSModeSkipsForwarder(t *testing.T) {
	h := newHarness(t)
	settings := h.store.GlobalSettings()
	settings.DNSMode = config.DNSModeSystem
	if err := h.store.SetGlobalSettings(settings); err != nil {
		t.Fatalf("SetGlobalSettings: %v", err)
	}

	if err := h.m.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer h.m.Disconnect()

	if h.fwd.started {
		t.Fatal("forwarder must not start in system DNS mode")
	}
	servers, _ := h.dns.SnapshotAll()
	if list := servers["Intel(R) Ethernet"]; len(list) != 1 || list[0] != "192.168.1.1" {
		t.Fatalf("DNS must stay untouched in system mode: %v", list)
	}
}
