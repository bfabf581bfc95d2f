// Package device moves raw IP frames between the tunnel and the local network
// stack, either through a TUN interface opened in-process (TunDevice) or
// through an external helper that exchanges one frame per datagram with
// PacketConnDevice.
package device

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"

	"github.com/1ureka/p2pvtun/internal/addr"
	"github.com/1ureka/p2pvtun/internal/util"
)

// ErrNoHelper is returned by WritePacket before any helper address is known.
var ErrNoHelper = errors.New("no device helper address")

// PacketConnDevice reads frames from and writes frames to a local datagram
// socket. Writes go to the configured helper, or to whichever address the
// last frame came from.
type PacketConnDevice struct {
	conn net.PacketConn

	mu     sync.RWMutex
	helper netip.AddrPort
	fixed  bool
}

// Listen binds bind and returns a device. A valid helper pins the write
// target; the zero value learns it from inbound frames.
func Listen(bind, helper netip.AddrPort) (*PacketConnDevice, error) {
	if !addr.IsValidBindAddress(bind) {
		return nil, fmt.Errorf("invalid device bind address %s", bind)
	}
	if helper.IsValid() && !addr.IsValidHostAddress(helper) {
		return nil, fmt.Errorf("invalid device helper address %s", helper)
	}

	conn, err := net.ListenUDP("udp4", net.UDPAddrFromAddrPort(bind))
	if err != nil {
		return nil, fmt.Errorf("failed to open device socket on %s: %w", bind, err)
	}
	return New(conn, helper), nil
}

// New wraps an existing socket.
func New(conn net.PacketConn, helper netip.AddrPort) *PacketConnDevice {
	return &PacketConnDevice{
		conn:   conn,
		helper: helper,
		fixed:  helper.IsValid(),
	}
}

// LocalAddr returns the bound socket address.
func (d *PacketConnDevice) LocalAddr() netip.AddrPort {
	ap, _ := addr.FromNetAddr(d.conn.LocalAddr())
	return ap
}

// ReadPacket blocks for the next frame and copies it into buf.
func (d *PacketConnDevice) ReadPacket(buf []byte) (int, error) {
	n, from, err := d.conn.ReadFrom(buf)
	if err != nil {
		return 0, err
	}

	if ap, ok := addr.FromNetAddr(from); ok && addr.IsValidHostAddress(ap) {
		d.mu.Lock()
		if !d.fixed && d.helper != ap {
			util.LogDebug("device helper is %s", ap)
			d.helper = ap
		}
		d.mu.Unlock()
	}
	return n, nil
}

// WritePacket sends one frame to the helper.
func (d *PacketConnDevice) WritePacket(frame []byte) error {
	d.mu.RLock()
	helper := d.helper
	d.mu.RUnlock()

	if !helper.IsValid() {
		return ErrNoHelper
	}
	_, err := d.conn.WriteTo(frame, net.UDPAddrFromAddrPort(helper))
	return err
}

// CloseOnDone closes the device once ctx is done, unblocking ReadPacket.
func (d *PacketConnDevice) CloseOnDone(ctx context.Context) {
	go func() {
		<-ctx.Done()
		d.Close()
	}()
}

// Close closes the socket.
func (d *PacketConnDevice) Close() error {
	return d.conn.Close()
}
