package proto

import "net/netip"

// AddrClass buckets candidate endpoints by reachability. Lower values are
// tried first: a public address is worth more probe budget than a loopback.
type AddrClass int

const (
	AddrPublic AddrClass = iota
	AddrCGNAT
	AddrPrivate
	AddrLoopback
)

func (c AddrClass) String() string {
	switch c {
	case AddrPublic:
		return "public"
	case AddrCGNAT:
		return "cgnat"
	case AddrPrivate:
		return "private"
	case AddrLoopback:
		return "loopback"
	default:
		return "unknown"
	}
}

var cgnatRange = netip.MustParsePrefix("100.64.0.0/10")

// ClassifyAddr assigns an address to its reachability class.
func ClassifyAddr(a netip.Addr) AddrClass {
	a = a.Unmap()
	switch {
	case a.IsLoopback():
		return AddrLoopback
	case a.Is4() && cgnatRange.Contains(a):
		return AddrCGNAT
	case a.IsPrivate(), a.IsLinkLocalUnicast():
		return AddrPrivate
	default:
		return AddrPublic
	}
}
