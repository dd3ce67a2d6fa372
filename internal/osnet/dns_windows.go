//go:build windows

package osnet

import (
	"fmt"
	"os/exec"
	"strings"
	"syscall"

	"golang.org/x/sys/windows"

	"pingtunnel-vpn/internal/core"
)

// WindowsDNS mutates per-adapter DNS through netsh, keyed by adapter
// description because descriptions are stable across renames.
type WindowsDNS struct{}

func runHidden(name string, args ...string) ([]byte, error) {
	cmd := exec.Command(name, args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{HideWindow: true}
	return cmd.CombinedOutput()
}

// SnapshotAll returns adapter description → current IPv4 DNS servers
// for every active, non-loopback adapter.
func (WindowsDNS) SnapshotAll() (map[string][]string, error) {
	adapters, err := WindowsInterfaces{}.EnumerateActive()
	if err != nil {
		return nil, err
	}
	snapshot := make(map[string][]string, len(adapters))
	for _, a := range adapters {
		snapshot[a.Description] = a.DNSServers
	}
	return snapshot, nil
}

// friendlyNameByDescription resolves the netsh-usable interface name
// for an adapter description.
func friendlyNameByDescription(desc string) (string, error) {
	list, err := adapterList()
	if err != nil {
		return "", err
	}
	for _, a := range list {
		if windows.UTF16PtrToString(a.Description) == desc {
			return windows.UTF16PtrToString(a.FriendlyName), nil
		}
	}
	return "", fmt.Errorf("adapter %q not found", desc)
}

// SetServers replaces the adapter's DNS server list.
func (WindowsDNS) SetServers(adapterDescription string, servers []string) error {
	if len(servers) == 0 {
		return WindowsDNS{}.ResetToDHCP(adapterDescription)
	}
	name, err := friendlyNameByDescription(adapterDescription)
	if err != nil {
		core.Log.Warnf("DNS", "Set servers on %q: %v", adapterDescription, err)
		return nil
	}
	out, err := runHidden("netsh", "interface", "ipv4", "set", "dnsservers",
		fmt.Sprintf("name=%s", name), "static", servers[0],
		"register=none", "validate=no")
	if err != nil {
		core.Log.Warnf("DNS", "Set primary DNS on %q: %s: %v", name, strings.TrimSpace(string(out)), err)
		return nil
	}
	for i := 1; i < len(servers); i++ {
		out, err := runHidden("netsh", "interface", "ipv4", "add", "dnsservers",
			fmt.Sprintf("name=%s", name), servers[i],
			fmt.Sprintf("index=%d", i+1), "validate=no")
		if err != nil {
			core.Log.Warnf("DNS", "Add secondary DNS %s on %q: %s: %v", servers[i], name, strings.TrimSpace(string(out)), err)
		}
	}
	core.Log.Infof("DNS", "Adapter %q DNS set to %v", name, servers)
	return nil
}

// ResetToDHCP reverts the adapter to DHCP-provided DNS.
func (WindowsDNS) ResetToDHCP(adapterDescription string) error {
	name, err := friendlyNameByDescription(adapterDescription)
	if err != nil {
		core.Log.Warnf("DNS", "Reset DNS on %q: %v", adapterDescription, err)
		return nil
	}
	out, err := runHidden("netsh", "interface", "ipv4", "set", "dnsservers",
		fmt.Sprintf("name=%s", name), "dhcp")
	if err != nil {
		core.Log.Warnf("DNS", "Reset DNS on %q: %s: %v", name, strings.TrimSpace(string(out)), err)
	}
	return nil
}

// FlushCache flushes the system resolver cache.
func (WindowsDNS) FlushCache() {
	if _, err := runHidden("ipconfig", "/flushdns"); err != nil {
		core.Log.Debugf("DNS", "flushdns: %v", err)
	}
}
