//go:build linux

package device

import (
	"context"
	"fmt"

	"github.com/songgao/water"

	"github.com/1ureka/p2pvtun/internal/util"
)

// TunDevice reads and writes frames on a TUN interface. Addresses and routes
// on the interface are left to the operator.
type TunDevice struct {
	ifce *water.Interface
}

// OpenTun creates (or attaches to) the TUN interface name. An empty name lets
// the kernel pick one. Requires CAP_NET_ADMIN.
func OpenTun(name string) (*TunDevice, error) {
	cfg := water.Config{DeviceType: water.TUN}
	cfg.Name = name

	ifce, err := water.New(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open tun device %q: %w", name, err)
	}
	util.LogDebug("opened tun device %s", ifce.Name())
	return &TunDevice{ifce: ifce}, nil
}

// Name returns the interface name chosen by the kernel.
func (d *TunDevice) Name() string {
	return d.ifce.Name()
}

// ReadPacket blocks for the next frame and copies it into buf.
func (d *TunDevice) ReadPacket(buf []byte) (int, error) {
	return d.ifce.Read(buf)
}

// WritePacket injects one frame into the local stack.
func (d *TunDevice) WritePacket(frame []byte) error {
	_, err := d.ifce.Write(frame)
	return err
}

// CloseOnDone closes the device once ctx is done, unblocking ReadPacket.
func (d *TunDevice) CloseOnDone(ctx context.Context) {
	go func() {
		<-ctx.Done()
		d.Close()
	}()
}

// Close releases the interface.
func (d *TunDevice) Close() error {
	return d.ifce.Close()
}
