// Package addr classifies and resolves the IPv4 socket addresses a tunnel
// endpoint binds to or sends to.
package addr

import (
	"encoding/binary"
	"net"
	"net/netip"
)

// IsPublicAddress reports whether ip (host byte order) lies outside the
// ranges treated as non-routable for direct peer connectivity:
// 0/8, 10/8, 127/8, 172.16/12, 192.168/16 and everything from 224/3 up.
func IsPublicAddress(ip uint32) bool {
	switch {
	case ip&0xff000000 == 0x00000000:
		return false
	case ip&0xff000000 == 0x0a000000:
		return false
	case ip&0xff000000 == 0x7f000000:
		return false
	case ip&0xfff00000 == 0xac100000:
		return false
	case ip&0xe0000000 == 0xe0000000: // coarse: multicast and above
		return false
	case ip&0xffff0000 == 0xc0a80000:
		return false
	}
	return true
}

// IsPublicIP applies IsPublicAddress to an IPv4 or IPv4-mapped address.
// IPv6 addresses are never public here.
func IsPublicIP(ip netip.Addr) bool {
	ip = ip.Unmap()
	if !ip.Is4() {
		return false
	}
	return IsPublicAddress(ToUint32(ip))
}

// ToUint32 returns the host-order value of an IPv4 address.
func ToUint32(ip netip.Addr) uint32 {
	b := ip.Unmap().As4()
	return binary.BigEndian.Uint32(b[:])
}

// FromUint32 is the inverse of ToUint32.
func FromUint32(v uint32) netip.Addr {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	return netip.AddrFrom4(b)
}

// IsValidBindAddress reports whether ap can be bound locally: IPv4 with a
// non-zero port. The wildcard address is allowed.
func IsValidBindAddress(ap netip.AddrPort) bool {
	return ap.Addr().Is4() && ap.Port() != 0
}

// IsValidHostAddress reports whether ap is a complete IPv4 endpoint to
// connect or send to: non-zero address and non-zero port.
func IsValidHostAddress(ap netip.AddrPort) bool {
	return ap.Addr().Is4() && !ap.Addr().IsUnspecified() && ap.Port() != 0
}

// FromNetAddr converts a UDP or TCP socket address. IPv4-mapped IPv6
// addresses are unmapped so they classify as IPv4.
func FromNetAddr(a net.Addr) (netip.AddrPort, bool) {
	var ap netip.AddrPort
	switch v := a.(type) {
	case *net.UDPAddr:
		if v == nil {
			return ap, false
		}
		ap = v.AddrPort()
	case *net.TCPAddr:
		if v == nil {
			return ap, false
		}
		ap = v.AddrPort()
	default:
		return ap, false
	}
	return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port()), true
}

// Describe returns ap as "a.b.c.d:port", with a public/private marker for
// log lines.
func Describe(ap netip.AddrPort) string {
	if !ap.IsValid() {
		return "<none>"
	}
	kind := "private"
	if IsPublicIP(ap.Addr()) {
		kind = "public"
	}
	return ap.String() + " (" + kind + ")"
}
