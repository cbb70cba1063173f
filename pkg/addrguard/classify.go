// Package addrguard resolves hosts and classifies the resulting addresses
// as public or forbidden (spec.md §4.2), and dials only the address it just
// classified — never a freshly re-resolved one — to close the DNS-rebinding
// window between check and connect.
package addrguard

import "net"

// Classification is the outcome of inspecting one resolved address.
type Classification string

const (
	ClassPublic      Classification = "public"
	ClassLoopback    Classification = "loopback"
	ClassPrivate     Classification = "private"
	ClassLinkLocal   Classification = "link_local"
	ClassMulticast   Classification = "multicast"
	ClassReserved    Classification = "reserved"
	ClassUnspecified Classification = "unspecified"
	ClassBroadcast   Classification = "broadcast"
	ClassCGNAT       Classification = "cgnat"
)

// IsForbidden reports whether a classification poisons the endpoint
// (spec.md §4.2 "Forbidden classifications").
func (c Classification) IsForbidden() bool {
	return c != ClassPublic
}

// broadcastV4 is 255.255.255.255, the limited broadcast address. Go's
// net.IP has no IsBroadcast predicate.
var broadcastV4 = net.IPv4(255, 255, 255, 255)

// Classify inspects a single resolved address, unwrapping IPv4-mapped IPv6
// forms first so e.g. ::ffff:127.0.0.1 classifies the same as 127.0.0.1.
func Classify(ip net.IP) Classification {
	if v4 := ip.To4(); v4 != nil {
		return classifyV4(v4)
	}
	return classifyV6(ip)
}

func classifyV4(ip net.IP) Classification {
	switch {
	case ip.IsUnspecified():
		return ClassUnspecified
	case ip.IsLoopback():
		return ClassLoopback
	case ip.Equal(broadcastV4):
		return ClassBroadcast
	case ip.IsPrivate():
		return ClassPrivate
	case isCGNAT(ip):
		return ClassCGNAT
	case ip.IsLinkLocalUnicast():
		return ClassLinkLocal
	case ip.IsMulticast():
		return ClassMulticast
	default:
		return ClassPublic
	}
}

func classifyV6(ip net.IP) Classification {
	switch {
	case ip.IsUnspecified():
		return ClassUnspecified
	case ip.IsLoopback():
		return ClassLoopback
	case ip.IsPrivate(): // fc00::/7 unique local
		return ClassPrivate
	case ip.IsLinkLocalUnicast():
		return ClassLinkLocal
	case ip.IsMulticast():
		return ClassMulticast
	case ip.IsInterfaceLocalMulticast():
		return ClassReserved
	default:
		return ClassPublic
	}
}

// cgnatBlock is the shared address space 100.64.0.0/10 (RFC 6598), used by
// carrier-grade NAT. Stdlib has no predicate for this.
var cgnatBlock = &net.IPNet{
	IP:   net.IPv4(100, 64, 0, 0).To4(),
	Mask: net.CIDRMask(10, 32),
}

func isCGNAT(ip net.IP) bool {
	return cgnatBlock.Contains(ip)
}

// IsPublic reports whether ip carries the ClassPublic classification.
func IsPublic(ip net.IP) bool {
	return Classify(ip) == ClassPublic
}
