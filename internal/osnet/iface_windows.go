//go:build windows

package osnet

import (
	"fmt"
	"net"
	"strings"
	"time"
	"unsafe"

	gopsnet "github.com/shirou/gopsutil/net"
	"golang.org/x/sys/windows"

	"pingtunnel-vpn/internal/core"
)

// WindowsInterfaces enumerates adapters via GetAdaptersAddresses and
// reads traffic counters via the system performance tables.
type WindowsInterfaces struct{}

const ifTypeSoftwareLoopback = 24

func errnoCode(err error) uint32 {
	if errno, ok := err.(windows.Errno); ok {
		return uint32(errno)
	}
	return 0
}

// adapterList fetches the IPv4 adapter table.
func adapterList() ([]*windows.IpAdapterAddresses, error) {
	var size uint32 = 15 * 1024
	for attempt := 0; attempt < 3; attempt++ {
		buf := make([]byte, size)
		first := (*windows.IpAdapterAddresses)(unsafe.Pointer(&buf[0]))
		err := windows.GetAdaptersAddresses(windows.AF_INET, windows.GAA_FLAG_INCLUDE_PREFIX, 0, first, &size)
		if err == windows.ERROR_BUFFER_OVERFLOW {
			continue
		}
		if err != nil {
			return nil, &core.OsError{Op: "GetAdaptersAddresses", Code: errnoCode(err)}
		}
		var out []*windows.IpAdapterAddresses
		for a := first; a != nil; a = a.Next {
			out = append(out, a)
		}
		return out, nil
	}
	return nil, &core.OsError{Op: "GetAdaptersAddresses", Code: uint32(windows.ERROR_BUFFER_OVERFLOW)}
}

// dnsServersOf walks the adapter's DNS server chain, IPv4 only.
func dnsServersOf(a *windows.IpAdapterAddresses) []string {
	var servers []string
	for d := a.FirstDnsServerAddress; d != nil; d = d.Next {
		ip := d.Address.IP()
		if ip == nil || ip.To4() == nil {
			continue
		}
		servers = append(servers, ip.To4().String())
	}
	return servers
}

func adapterInfo(a *windows.IpAdapterAddresses) AdapterInfo {
	return AdapterInfo{
		Index:       a.IfIndex,
		Name:        windows.UTF16PtrToString(a.FriendlyName),
		Description: windows.UTF16PtrToString(a.Description),
		DNSServers:  dnsServersOf(a),
	}
}

// EnumerateActive returns all operational, non-loopback adapters.
func (WindowsInterfaces) EnumerateActive() ([]AdapterInfo, error) {
	list, err := adapterList()
	if err != nil {
		return nil, err
	}
	var out []AdapterInfo
	for _, a := range list {
		if a.IfType == ifTypeSoftwareLoopback {
			continue
		}
		if a.OperStatus != windows.IfOperStatusUp {
			continue
		}
		out = append(out, adapterInfo(a))
	}
	return out, nil
}

// ResolveInterfaceIndex finds the first adapter whose name or
// description contains pattern, polling until the deadline.
func (wi WindowsInterfaces) ResolveInterfaceIndex(pattern string, deadline time.Duration) (uint32, error) {
	needle := strings.ToLower(pattern)
	end := time.Now().Add(deadline)
	for {
		adapters, err := wi.EnumerateActive()
		if err == nil {
			for _, a := range adapters {
				if strings.Contains(strings.ToLower(a.Name), needle) ||
					strings.Contains(strings.ToLower(a.Description), needle) {
					return a.Index, nil
				}
			}
		}
		if time.Now().After(end) {
			return 0, core.ErrTunInterfaceMissing
		}
		time.Sleep(time.Second)
	}
}

// ReadCounters returns cumulative rx/tx byte counters for the
// interface with the given index.
func (WindowsInterfaces) ReadCounters(ifIndex uint32) (uint64, uint64, error) {
	iface, err := net.InterfaceByIndex(int(ifIndex))
	if err != nil {
		return 0, 0, fmt.Errorf("interface %d: %w", ifIndex, err)
	}
	counters, err := gopsnet.IOCounters(true)
	if err != nil {
		return 0, 0, fmt.Errorf("io counters: %w", err)
	}
	for _, c := range counters {
		if c.Name == iface.Name {
			return c.BytesRecv, c.BytesSent, nil
		}
	}
	return 0, 0, fmt.Errorf("no counters for interface %q", iface.Name)
}
