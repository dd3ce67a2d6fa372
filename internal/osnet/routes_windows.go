//go:build windows

package osnet

import (
	"net/netip"
	"unsafe"

	"golang.org/x/sys/windows"

	"pingtunnel-vpn/internal/core"
)

// WindowsRouter mutates the IPv4 routing table through iphlpapi.
type WindowsRouter struct{}

var (
	modIPHlpAPI = windows.NewLazySystemDLL("iphlpapi.dll")

	procInitializeIpForwardEntry        = modIPHlpAPI.NewProc("InitializeIpForwardEntry")
	procCreateIpForwardEntry2           = modIPHlpAPI.NewProc("CreateIpForwardEntry2")
	procDeleteIpForwardEntry2           = modIPHlpAPI.NewProc("DeleteIpForwardEntry2")
	procGetIpForwardTable2              = modIPHlpAPI.NewProc("GetIpForwardTable2")
	procFreeMibTable                    = modIPHlpAPI.NewProc("FreeMibTable")
	procGetIpInterfaceEntry             = modIPHlpAPI.NewProc("GetIpInterfaceEntry")
	procSetIpInterfaceEntry             = modIPHlpAPI.NewProc("SetIpInterfaceEntry")
	procInitializeUnicastIpAddressEntry = modIPHlpAPI.NewProc("InitializeUnicastIpAddressEntry")
	procCreateUnicastIpAddressEntry     = modIPHlpAPI.NewProc("CreateUnicastIpAddressEntry")
)

// Status codes tolerated for idempotency. ERROR_OBJECT_ALREADY_EXISTS
// can come as HRESULT 0x80071392 or Win32 0x1392; ERROR_NOT_FOUND as
// 0x80070490 or 0x490.
func isAlreadyExists(r uintptr) bool { return r == 0x80071392 || r == 0x1392 }
func isNotFound(r uintptr) bool      { return r == 0x80070490 || r == 0x490 }

// MIB_IPFORWARD_ROW2 (simplified, 104 bytes on x64).
type mibIPForwardRow2 struct {
	data [104]byte
}

// MIB_IPFORWARD_ROW2 field offsets (x64).
//
// Layout (104 bytes total):
//   0:  NET_LUID          InterfaceLuid      (8)
//   8:  NET_IFINDEX       InterfaceIndex     (4)
//  12:  IP_ADDRESS_PREFIX DestinationPrefix  (32 = SOCKADDR_INET(28) + PrefixLen(1) + pad(3))
//       12: si_family (2)
//       16: sin_addr  (4)
//       40: PrefixLength (1)
//  44:  SOCKADDR_INET     NextHop            (28)
//       44: si_family (2)
//       48: sin_addr  (4)
//  72:  UCHAR             SitePrefixLength   (1 + 3 pad)
//  76:  ULONG             ValidLifetime      (4)
//  80:  ULONG             PreferredLifetime  (4)
//  84:  ULONG             Metric             (4)
//  88:  NL_ROUTE_PROTOCOL Protocol           (4)
//  92:  BOOLEAN[4]        Loopback..Immortal (4)
//  96:  ULONG             Age                (4)
// 100:  NL_ROUTE_ORIGIN   Origin             (4)
const (
	fwdInterfaceLUID  = 0
	fwdInterfaceIndex = 8
	fwdDestFamily     = 12
	fwdDestAddr       = 16
	fwdDestPrefixLen  = 40
	fwdNextHopFamily  = 44
	fwdNextHopAddr    = 48
	fwdMetric         = 84
	fwdProtocol       = 88
	fwdOrigin         = 100
)

// buildForwardRow fills a MIB_IPFORWARD_ROW2 from a Route.
func buildForwardRow(rt Route) (mibIPForwardRow2, error) {
	var row mibIPForwardRow2
	procInitializeIpForwardEntry.Call(uintptr(unsafe.Pointer(&row)))

	dst, err := netip.ParseAddr(rt.Destination)
	if err != nil {
		return row, &core.OsError{Op: "ParseRouteDestination", Code: 0}
	}

	*(*uint32)(unsafe.Pointer(&row.data[fwdInterfaceIndex])) = rt.InterfaceIndex

	*(*uint16)(unsafe.Pointer(&row.data[fwdDestFamily])) = windows.AF_INET
	ip4 := dst.As4()
	copy(row.data[fwdDestAddr:fwdDestAddr+4], ip4[:])
	row.data[fwdDestPrefixLen] = uint8(rt.PrefixLength)

	*(*uint16)(unsafe.Pointer(&row.data[fwdNextHopFamily])) = windows.AF_INET
	if rt.Gateway != "" {
		gw, err := netip.ParseAddr(rt.Gateway)
		if err != nil {
			return row, &core.OsError{Op: "ParseRouteGateway", Code: 0}
		}
		gw4 := gw.As4()
		copy(row.data[fwdNextHopAddr:fwdNextHopAddr+4], gw4[:])
	}

	*(*uint32)(unsafe.Pointer(&row.data[fwdMetric])) = rt.Metric
	*(*int32)(unsafe.Pointer(&row.data[fwdProtocol])) = 3 // MIB_IPPROTO_NETMGMT
	*(*int32)(unsafe.Pointer(&row.data[fwdOrigin])) = 1   // NlroManual

	return row, nil
}

// AddRoute creates a routing-table entry. An already-present route is
// a no-op success.
func (WindowsRouter) AddRoute(rt Route) error {
	row, err := buildForwardRow(rt)
	if err != nil {
		return err
	}
	r, _, _ := procCreateIpForwardEntry2.Call(uintptr(unsafe.Pointer(&row)))
	if r != 0 && !isAlreadyExists(r) {
		return &core.OsError{Op: "CreateIpForwardEntry2", Code: uint32(r)}
	}
	core.Log.Debugf("Route", "Added %s/%d via %s if=%d metric=%d",
		rt.Destination, rt.PrefixLength, rt.Gateway, rt.InterfaceIndex, rt.Metric)
	return nil
}

// DeleteRoute removes a routing-table entry. An absent route is a
// no-op success.
func (WindowsRouter) DeleteRoute(rt Route) error {
	row, err := buildForwardRow(rt)
	if err != nil {
		return err
	}
	r, _, _ := procDeleteIpForwardEntry2.Call(uintptr(unsafe.Pointer(&row)))
	if r != 0 && !isNotFound(r) {
		return &core.OsError{Op: "DeleteIpForwardEntry2", Code: uint32(r)}
	}
	core.Log.Debugf("Route", "Deleted %s/%d via %s", rt.Destination, rt.PrefixLength, rt.Gateway)
	return nil
}

func fwdRowUint16(table unsafe.Pointer, headerSize, rowSize uintptr, idx uint32, off int) uint16 {
	return *(*uint16)(unsafe.Pointer(uintptr(table) + headerSize + uintptr(idx)*rowSize + uintptr(off)))
}

func fwdRowUint32(table unsafe.Pointer, headerSize, rowSize uintptr, idx uint32, off int) uint32 {
	return *(*uint32)(unsafe.Pointer(uintptr(table) + headerSize + uintptr(idx)*rowSize + uintptr(off)))
}

func fwdRowBytes4(table unsafe.Pointer, headerSize, rowSize uintptr, idx uint32, off int) [4]byte {
	return *(*[4]byte)(unsafe.Pointer(uintptr(table) + headerSize + uintptr(idx)*rowSize + uintptr(off)))
}

func fwdRowByte(table unsafe.Pointer, headerSize, rowSize uintptr, idx uint32, off int) byte {
	return *(*byte)(unsafe.Pointer(uintptr(table) + headerSize + uintptr(idx)*rowSize + uintptr(off)))
}

// FindDefaultRoute scans the forward table for the 0.0.0.0/0 entry
// with the lowest metric and returns its next hop and interface index.
func (WindowsRouter) FindDefaultRoute() (string, uint32, error) {
	var table unsafe.Pointer
	r, _, _ := procGetIpForwardTable2.Call(
		uintptr(windows.AF_INET),
		uintptr(unsafe.Pointer(&table)),
	)
	if r != 0 {
		return "", 0, &core.OsError{Op: "GetIpForwardTable2", Code: uint32(r)}
	}
	defer procFreeMibTable.Call(uintptr(table))

	// Table structure: ULONG NumEntries + array of MIB_IPFORWARD_ROW2.
	numEntries := *(*uint32)(table)
	const rowSize = uintptr(104)
	headerSize := unsafe.Sizeof(uint64(0)) // alignment padding after NumEntries

	var bestGw netip.Addr
	var bestIf uint32
	bestMetric := uint32(0xFFFFFFFF)
	found := false

	for i := uint32(0); i < numEntries; i++ {
		family := fwdRowUint16(table, headerSize, rowSize, i, fwdDestFamily)
		if family != windows.AF_INET {
			continue
		}
		dstIP := fwdRowBytes4(table, headerSize, rowSize, i, fwdDestAddr)
		prefixLen := fwdRowByte(table, headerSize, rowSize, i, fwdDestPrefixLen)
		if dstIP != [4]byte{0, 0, 0, 0} || prefixLen != 0 {
			continue
		}
		gwBytes := fwdRowBytes4(table, headerSize, rowSize, i, fwdNextHopAddr)
		if gwBytes == [4]byte{0, 0, 0, 0} {
			continue
		}
		metric := fwdRowUint32(table, headerSize, rowSize, i, fwdMetric)
		if !found || metric < bestMetric {
			bestGw = netip.AddrFrom4(gwBytes)
			bestIf = fwdRowUint32(table, headerSize, rowSize, i, fwdInterfaceIndex)
			bestMetric = metric
			found = true
		}
	}

	if !found {
		return "", 0, core.ErrDefaultGatewayUnknown
	}
	return bestGw.String(), bestIf, nil
}

// MIB_IPINTERFACE_ROW (x64). 256-byte buffer for forward compatibility.
//
// Layout (key fields):
//   0:   ADDRESS_FAMILY  Family             (2 + 6 pad)
//   8:   NET_LUID        InterfaceLuid      (8)
//  16:   NET_IFINDEX     InterfaceIndex     (4)
//  44:   BOOLEAN         UseAutomaticMetric (1)
// 148:   ULONG           Metric             (4)
// 152:   ULONG           NlMtu              (4)
type mibIPInterfaceRow struct {
	data [256]byte
}

const (
	ipIfFamily        = 0
	ipIfIndex         = 16
	ipIfUseAutometric = 44
	ipIfMetric        = 148
	ipIfNlMtu         = 152
)

func getIPInterfaceRow(ifIndex uint32) (mibIPInterfaceRow, error) {
	var row mibIPInterfaceRow
	*(*uint16)(unsafe.Pointer(&row.data[ipIfFamily])) = windows.AF_INET
	*(*uint32)(unsafe.Pointer(&row.data[ipIfIndex])) = ifIndex
	r, _, _ := procGetIpInterfaceEntry.Call(uintptr(unsafe.Pointer(&row)))
	if r != 0 {
		return row, &core.OsError{Op: "GetIpInterfaceEntry", Code: uint32(r)}
	}
	return row, nil
}

// SetInterfaceMetric disables automatic metric and pins the given one.
func (WindowsRouter) SetInterfaceMetric(ifIndex uint32, metric uint32) error {
	row, err := getIPInterfaceRow(ifIndex)
	if err != nil {
		return err
	}
	row.data[ipIfUseAutometric] = 0
	*(*uint32)(unsafe.Pointer(&row.data[ipIfMetric])) = metric
	r, _, _ := procSetIpInterfaceEntry.Call(uintptr(unsafe.Pointer(&row)))
	if r != 0 {
		return &core.OsError{Op: "SetIpInterfaceEntry", Code: uint32(r)}
	}
	core.Log.Infof("Route", "Interface %d metric set to %d", ifIndex, metric)
	return nil
}

// SetInterfaceMTU sets the IPv4 MTU of the interface.
func (WindowsRouter) SetInterfaceMTU(ifIndex uint32, mtu uint32) error {
	row, err := getIPInterfaceRow(ifIndex)
	if err != nil {
		return err
	}
	*(*uint32)(unsafe.Pointer(&row.data[ipIfNlMtu])) = mtu
	r, _, _ := procSetIpInterfaceEntry.Call(uintptr(unsafe.Pointer(&row)))
	if r != 0 {
		return &core.OsError{Op: "SetIpInterfaceEntry", Code: uint32(r)}
	}
	core.Log.Infof("Route", "Interface %d MTU set to %d", ifIndex, mtu)
	return nil
}

// MIB_UNICASTIPADDRESS_ROW (simplified for IPv4, 80 bytes on x64).
//
// Layout:
//   0:  SOCKADDR_INET   Address            (0: si_family, 4: sin_addr)
//  32:  NET_LUID        InterfaceLuid      (8)
//  40:  NET_IFINDEX     InterfaceIndex     (4)
//  44:  NL_PREFIX_ORIGIN PrefixOrigin      (4)
//  48:  NL_SUFFIX_ORIGIN SuffixOrigin      (4)
//  60:  UINT8           OnLinkPrefixLength (1)
//  64:  NL_DAD_STATE    DadState           (4)
type mibUnicastIPAddressRow struct {
	data [80]byte
}

const (
	unicastAddrFamily      = 0
	unicastAddr            = 4
	unicastInterfaceIndex  = 40
	unicastPrefixOrigin    = 44
	unicastSuffixOrigin    = 48
	unicastOnLinkPrefixLen = 60
	unicastDadState        = 64
)

// SetInterfaceAddress assigns a static IPv4 address to the interface
// without defining a gateway on it.
func (WindowsRouter) SetInterfaceAddress(ifIndex uint32, ip string, prefixLen int) error {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return &core.OsError{Op: "ParseInterfaceAddress", Code: 0}
	}

	var row mibUnicastIPAddressRow
	procInitializeUnicastIpAddressEntry.Call(uintptr(unsafe.Pointer(&row)))

	*(*uint16)(unsafe.Pointer(&row.data[unicastAddrFamily])) = windows.AF_INET
	ip4 := addr.As4()
	copy(row.data[unicastAddr:unicastAddr+4], ip4[:])

	*(*uint32)(unsafe.Pointer(&row.data[unicastInterfaceIndex])) = ifIndex
	*(*int32)(unsafe.Pointer(&row.data[unicastPrefixOrigin])) = 1 // Manual
	*(*int32)(unsafe.Pointer(&row.data[unicastSuffixOrigin])) = 1 // Manual
	row.data[unicastOnLinkPrefixLen] = uint8(prefixLen)
	*(*int32)(unsafe.Pointer(&row.data[unicastDadState])) = 4 // Preferred

	r, _, _ := procCreateUnicastIpAddressEntry.Call(uintptr(unsafe.Pointer(&row)))
	if r != 0 && !isAlreadyExists(r) {
		return &core.OsError{Op: "CreateUnicastIpAddressEntry", Code: uint32(r)}
	}
	core.Log.Infof("Route", "Interface %d address set to %s/%d", ifIndex, ip, prefixLen)
	return nil
}
