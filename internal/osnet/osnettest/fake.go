// Package osnettest provides in-memory osnet fakes for tests.
package osnettest

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"pingtunnel-vpn/internal/osnet"
)

// FakeRouter records routing mutations instead of touching the OS.
type FakeRouter struct {
	mu              sync.Mutex
	Gateway         string
	IfIndex         uint32
	Routes          []osnet.Route
	Metrics         map[uint32]uint32
	MTUs            map[uint32]uint32
	Addresses       map[uint32]string
	FailAdd         bool
	FailFindDefault bool
}

func NewFakeRouter(gateway string, ifIndex uint32) *FakeRouter {
	return &FakeRouter{
		Gateway:   gateway,
		IfIndex:   ifIndex,
		Metrics:   map[uint32]uint32{},
		MTUs:      map[uint32]uint32{},
		Addresses: map[uint32]string{},
	}
}

func (f *FakeRouter) FindDefaultRoute() (string, uint32, error) {
	if f.FailFindDefault {
		return "", 0, fmt.Errorf("no default route")
	}
	return f.Gateway, f.IfIndex, nil
}

func (f *FakeRouter) AddRoute(r osnet.Route) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailAdd {
		return fmt.Errorf("add route refused")
	}
	for _, existing := range f.Routes {
		if existing.Destination == r.Destination && existing.PrefixLength == r.PrefixLength {
			return nil
		}
	}
	f.Routes = append(f.Routes, r)
	return nil
}

func (f *FakeRouter) DeleteRoute(r osnet.Route) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, existing := range f.Routes {
		if existing.Destination == r.Destination && existing.PrefixLength == r.PrefixLength {
			f.Routes = append(f.Routes[:i], f.Routes[i+1:]...)
			return nil
		}
	}
	return nil
}

func (f *FakeRouter) SetInterfaceMetric(ifIndex, metric uint32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Metrics[ifIndex] = metric
	return nil
}

func (f *FakeRouter) SetInterfaceMTU(ifIndex, mtu uint32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.MTUs[ifIndex] = mtu
	return nil
}

func (f *FakeRouter) SetInterfaceAddress(ifIndex uint32, ip string, prefixLen int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Addresses[ifIndex] = fmt.Sprintf("%s/%d", ip, prefixLen)
	return nil
}

// RouteList returns a copy of the currently present routes.
func (f *FakeRouter) RouteList() []osnet.Route {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]osnet.Route, len(f.Routes))
	copy(out, f.Routes)
	return out
}

// FakeDNS keeps per-adapter server lists in memory.
type FakeDNS struct {
	mu      sync.Mutex
	Servers map[string][]string
	Flushes int
}

func NewFakeDNS(initial map[string][]string) *FakeDNS {
	servers := map[string][]string{}
	for k, v := range initial {
		servers[k] = append([]string(nil), v...)
	}
	return &FakeDNS{Servers: servers}
}

func (f *FakeDNS) SnapshotAll() (map[string][]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := map[string][]string{}
	for k, v := range f.Servers {
		out[k] = append([]string(nil), v...)
	}
	return out, nil
}

func (f *FakeDNS) SetServers(adapter string, servers []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Servers[adapter] = append([]string(nil), servers...)
	return nil
}

func (f *FakeDNS) ResetToDHCP(adapter string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Servers[adapter] = nil
	return nil
}

func (f *FakeDNS) FlushCache() {
	f.mu.Lock()
	f.Flushes++
	f.mu.Unlock()
}

// FakeFirewall records named rules.
type FakeFirewall struct {
	mu    sync.Mutex
	Rules []string
}

func (f *FakeFirewall) addRule(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.Rules {
		if r == name {
			return
		}
	}
	f.Rules = append(f.Rules, name)
}

func (f *FakeFirewall) AddBlockOutboundUDP(localSubnet string) (string, error) {
	name := osnet.OwnedRulePrefix + strings.NewReplacer("/", "-", ".", "-").Replace(localSubnet)
	f.addRule(name)
	return name, nil
}

func (f *FakeFirewall) AddAllowOutboundUDP(remoteIP string) (string, error) {
	name := osnet.OwnedRulePrefix + "Allow-" + strings.ReplaceAll(remoteIP, ".", "-")
	f.addRule(name)
	return name, nil
}

func (f *FakeFirewall) RemoveRule(name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, r := range f.Rules {
		if r == name {
			f.Rules = append(f.Rules[:i], f.Rules[i+1:]...)
			return nil
		}
	}
	return nil
}

func (f *FakeFirewall) ListRulesWithPrefix(prefix string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, r := range f.Rules {
		if strings.HasPrefix(r, prefix) {
			out = append(out, r)
		}
	}
	return out, nil
}

// FakeInterfaces serves a fixed adapter set and scripted counters.
type FakeInterfaces struct {
	mu       sync.Mutex
	Adapters []osnet.AdapterInfo
	Counters map[uint32][2]uint64 // ifIndex → {rx, tx}
}

func NewFakeInterfaces(adapters ...osnet.AdapterInfo) *FakeInterfaces {
	return &FakeInterfaces{Adapters: adapters, Counters: map[uint32][2]uint64{}}
}

func (f *FakeInterfaces) EnumerateActive() ([]osnet.AdapterInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]osnet.AdapterInfo(nil), f.Adapters...), nil
}

func (f *FakeInterfaces) ResolveInterfaceIndex(pattern string, _ time.Duration) (uint32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	needle := strings.ToLower(pattern)
	for _, a := range f.Adapters {
		if strings.Contains(strings.ToLower(a.Name), needle) ||
			strings.Contains(strings.ToLower(a.Description), needle) {
			return a.Index, nil
		}
	}
	return 0, fmt.Errorf("no adapter matches %q", pattern)
}

func (f *FakeInterfaces) SetCounters(ifIndex uint32, rx, tx uint64) {
	f.mu.Lock()
	f.Counters[ifIndex] = [2]uint64{rx, tx}
	f.mu.Unlock()
}

func (f *FakeInterfaces) ReadCounters(ifIndex uint32) (uint64, uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.Counters[ifIndex]
	if !ok {
		return 0, 0, fmt.Errorf("no counters for interface %d", ifIndex)
	}
	return c[0], c[1], nil
}

// FakeElevation reports a configurable elevation state.
type FakeElevation struct {
	Elevated   bool
	Relaunched bool
}

func (f *FakeElevation) IsElevated() bool { return f.Elevated }

func (f *FakeElevation) RelaunchElevated([]string) error {
	f.Relaunched = true
	return nil
}

// NewSystem bundles fresh fakes into an osnet.System.
func NewSystem() (*osnet.System, *FakeRouter, *FakeDNS, *FakeFirewall, *FakeInterfaces) {
	router := NewFakeRouter("192.168.1.1", 7)
	dns := NewFakeDNS(map[string][]string{"Intel(R) Ethernet": {"192.168.1.1"}})
	fw := &FakeFirewall{}
	ifaces := NewFakeInterfaces(
		osnet.AdapterInfo{Index: 7, Name: "Ethernet", Description: "Intel(R) Ethernet"},
		osnet.AdapterInfo{Index: 21, Name: "wintun", Description: "WireGuard Tunnel"},
	)
	sys := &osnet.System{
		Router:     router,
		DNS:        dns,
		Firewall:   fw,
		Interfaces: ifaces,
		Elevation:  &FakeElevation{Elevated: true},
	}
	return sys, router, dns, fw, ifaces
}
