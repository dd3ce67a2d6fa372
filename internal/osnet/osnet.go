// Package osnet wraps the host networking surface: routing table,
// per-adapter DNS, firewall rules, interface inventory and elevation.
// Each family is a small interface so tests can substitute in-memory
// fakes; the production implementation delegates to native calls and
// shell tools.
package osnet

import "time"

// Route is one routing-table entry added by the product. The JSON
// shape matches the recovery journal on disk.
type Route struct {
	Destination    string `json:"destination"`
	PrefixLength   int    `json:"prefixLength"`
	Gateway        string `json:"gateway"`
	InterfaceIndex uint32 `json:"interfaceIndex"`
	Metric         uint32 `json:"metric"`
}

// AdapterInfo describes one active network adapter.
type AdapterInfo struct {
	Index       uint32
	Name        string
	Description string
	DNSServers  []string
}

// Router manipulates the IPv4 routing table and interface properties.
// Adding an already-present route and deleting an absent one are both
// no-op successes.
type Router interface {
	FindDefaultRoute() (gateway string, ifIndex uint32, err error)
	AddRoute(r Route) error
	DeleteRoute(r Route) error
	SetInterfaceMetric(ifIndex uint32, metric uint32) error
	SetInterfaceMTU(ifIndex uint32, mtu uint32) error
	SetInterfaceAddress(ifIndex uint32, ip string, prefixLen int) error
}

// DNS reads and mutates per-adapter DNS configuration. Mutations are
// best-effort per adapter: a single uncooperative adapter must not
// prevent the others from being processed.
type DNS interface {
	SnapshotAll() (map[string][]string, error)
	SetServers(adapterDescription string, servers []string) error
	ResetToDHCP(adapterDescription string) error
	FlushCache()
}

// Firewall manages the product's named outbound-UDP rules.
type Firewall interface {
	AddBlockOutboundUDP(localSubnet string) (ruleName string, err error)
	AddAllowOutboundUDP(remoteIP string) (ruleName string, err error)
	RemoveRule(name string) error
	ListRulesWithPrefix(prefix string) ([]string, error)
}

// Interfaces enumerates adapters and reads traffic counters.
type Interfaces interface {
	EnumerateActive() ([]AdapterInfo, error)
	// ResolveInterfaceIndex finds the IPv4 interface index of the first
	// adapter whose name or description contains pattern, retrying until
	// the deadline because a freshly created TUN takes a moment to
	// register.
	ResolveInterfaceIndex(pattern string, deadline time.Duration) (uint32, error)
	ReadCounters(ifIndex uint32) (rx, tx uint64, err error)
}

// Elevation detects and acquires administrative privileges.
type Elevation interface {
	IsElevated() bool
	RelaunchElevated(args []string) error
}

// System bundles the full binding set handed to the supervisor.
type System struct {
	Router     Router
	DNS        DNS
	Firewall   Firewall
	Interfaces Interfaces
	Elevation  Elevation
}

// OwnedRulePrefix names every firewall rule created by this product.
// Any rule carrying the prefix is removed on startup and on cleanup.
const OwnedRulePrefix = "PingTunnelVPN_BlockUDP_"
