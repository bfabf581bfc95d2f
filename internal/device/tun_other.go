//go:build !linux

package device

import (
	"context"
	"errors"
)

// ErrTunUnsupported is returned by OpenTun on platforms without TUN support.
var ErrTunUnsupported = errors.New("tun devices are only supported on linux")

// TunDevice is unavailable on this platform.
type TunDevice struct{}

func OpenTun(string) (*TunDevice, error)          { return nil, ErrTunUnsupported }
func (*TunDevice) Name() string                   { return "" }
func (*TunDevice) ReadPacket([]byte) (int, error) { return 0, ErrTunUnsupported }
func (*TunDevice) WritePacket([]byte) error       { return ErrTunUnsupported }
func (*TunDevice) CloseOnDone(context.Context)    {}
func (*TunDevice) Close() error                   { return nil }
