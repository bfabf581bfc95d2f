package addr

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"strings"
)

// MaxHostLen is the longest host text ResolveHostPortPair accepts.
const MaxHostLen = 63

// Resolution failures. Returned errors wrap one of these.
var (
	ErrMissingSeparator = errors.New("missing host/port separator")
	ErrHostTooLong      = errors.New("host too long")
	ErrResolutionFailed = errors.New("address resolution failed")
)

// Lookup is the subset of *net.Resolver used for resolution.
type Lookup interface {
	LookupNetIP(ctx context.Context, network, host string) ([]netip.Addr, error)
	LookupPort(ctx context.Context, network, service string) (int, error)
}

// Resolver turns "host<sep>port" text into IPv4 socket addresses.
type Resolver struct {
	Lookup Lookup
}

// DefaultResolver uses net.DefaultResolver.
var DefaultResolver = &Resolver{Lookup: net.DefaultResolver}

// ResolveHostPortPair resolves text with DefaultResolver.
func ResolveHostPortPair(ctx context.Context, text string, sep byte) (netip.AddrPort, error) {
	return DefaultResolver.ResolveHostPortPair(ctx, text, sep)
}

// ResolveHostPortPair splits text on the first sep and resolves the host
// (IPv4 only) and port (number or tcp service name). Empty text yields the
// bind-any address 0.0.0.0:0, and an empty host resolves to 0.0.0.0. Only the
// first resolved address is used. Lookups honour ctx.
func (r *Resolver) ResolveHostPortPair(ctx context.Context, text string, sep byte) (netip.AddrPort, error) {
	if text == "" {
		return netip.AddrPortFrom(netip.IPv4Unspecified(), 0), nil
	}

	i := strings.IndexByte(text, sep)
	if i < 0 {
		return netip.AddrPort{}, fmt.Errorf("%w %q in %q", ErrMissingSeparator, sep, text)
	}
	host, service := text[:i], text[i+1:]
	if len(host) > MaxHostLen {
		return netip.AddrPort{}, fmt.Errorf("%w: %d bytes (max %d)", ErrHostTooLong, len(host), MaxHostLen)
	}

	ip, err := r.lookupHost(ctx, host)
	if err != nil {
		return netip.AddrPort{}, err
	}
	port, err := r.lookupPort(ctx, service)
	if err != nil {
		return netip.AddrPort{}, err
	}

	return netip.AddrPortFrom(ip, port), nil
}

func (r *Resolver) lookupHost(ctx context.Context, host string) (netip.Addr, error) {
	if host == "" {
		return netip.IPv4Unspecified(), nil
	}
	if ip, err := netip.ParseAddr(host); err == nil {
		if ip = ip.Unmap(); !ip.Is4() {
			return netip.Addr{}, fmt.Errorf("%w: %s is not an IPv4 address", ErrResolutionFailed, host)
		}
		return ip, nil
	}

	ips, err := r.Lookup.LookupNetIP(ctx, "ip4", host)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("%w: %s: %w", ErrResolutionFailed, host, err)
	}
	for _, ip := range ips {
		if ip = ip.Unmap(); ip.Is4() {
			return ip, nil
		}
	}
	return netip.Addr{}, fmt.Errorf("%w: %s has no IPv4 address", ErrResolutionFailed, host)
}

func (r *Resolver) lookupPort(ctx context.Context, service string) (uint16, error) {
	// No port-0 fallback: neither predicate accepts it.
	if service == "" {
		return 0, fmt.Errorf("%w: empty port", ErrResolutionFailed)
	}
	if n, err := strconv.ParseUint(service, 10, 16); err == nil {
		return uint16(n), nil
	}

	n, err := r.Lookup.LookupPort(ctx, "tcp", service)
	if err != nil {
		return 0, fmt.Errorf("%w: port %q: %w", ErrResolutionFailed, service, err)
	}
	if n < 0 || n > 0xffff {
		return 0, fmt.Errorf("%w: port %q out of range", ErrResolutionFailed, service)
	}
	return uint16(n), nil
}
