// Package config holds the tunnel configuration, loaded from a YAML file.
package config

import (
	"context"
	"fmt"
	"net/netip"
	"net/url"
	"os"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/1ureka/p2pvtun/internal/addr"
)

// Mode selects the link between the two endpoints.
type Mode string

const (
	ModeWebRTC Mode = "webrtc" // rendezvous over WebSocket, data over a DataChannel
	ModeUDP    Mode = "udp"    // direct datagrams to a known or learned address
)

// DeviceType selects where raw IP frames enter and leave.
type DeviceType string

const (
	DeviceSocket DeviceType = "socket" // datagram socket served by a tun helper
	DeviceTun    DeviceType = "tun"    // in-process TUN interface (linux)
)

// Role represents the endpoint's side of the WebRTC rendezvous.
type Role string

const (
	RoleHost   Role = "host"
	RoleClient Role = "client"
)

const (
	hostPortSep         = ':'
	defaultKeepalive    = 10
	defaultSignalListen = "127.0.0.1:0"
	resolveTimeout      = 5 * time.Second
)

// Config holds the entire endpoint configuration.
type Config struct {
	Mode     Mode   `yaml:"mode"`
	PeerID   string `yaml:"peerId"`
	LogLevel string `yaml:"logLevel"`

	// Remote peer UUID; empty learns it from the first valid envelope (udp)
	// or the signaling hello (webrtc).
	RemotePeerID string `yaml:"remotePeerId"`

	// WebRTC mode
	Role         Role     `yaml:"role"`
	SignalListen string   `yaml:"signalListen"` // host: WS listen address
	SignalURL    string   `yaml:"signalUrl"`    // client: ws://host:port/ws
	SignalPIN    bool     `yaml:"signalPin"`    // host: require a random PIN
	STUNServers  []string `yaml:"stunServers"`

	// UDP mode
	Listen string `yaml:"listen"` // local bind, host:port
	Peer   string `yaml:"peer"`   // remote endpoint, host:port; empty waits for the peer

	// Packet device
	DeviceType   DeviceType `yaml:"deviceType"`
	Device       string     `yaml:"device"`       // socket: bind, host:port
	DeviceHelper string     `yaml:"deviceHelper"` // socket: optional fixed helper address
	TunName      string     `yaml:"tunName"`      // tun: interface name, empty lets the kernel pick

	KeepaliveSeconds int  `yaml:"keepaliveSeconds"`
	PublicOnly       bool `yaml:"publicOnly"`

	// Resolved by Resolve.
	LocalID    uuid.UUID      `yaml:"-"`
	RemoteID   uuid.UUID      `yaml:"-"`
	ListenAddr netip.AddrPort `yaml:"-"`
	PeerAddr   netip.AddrPort `yaml:"-"`
	DeviceAddr netip.AddrPort `yaml:"-"`
	HelperAddr netip.AddrPort `yaml:"-"`
}

// Keepalive returns the keepalive interval as a time.Duration.
func (c *Config) Keepalive() time.Duration {
	return time.Duration(c.KeepaliveSeconds) * time.Second
}

// applyDefaults fills in optional settings.
func (c *Config) applyDefaults() {
	if c.Mode == "" {
		c.Mode = ModeWebRTC
	}
	if c.DeviceType == "" {
		c.DeviceType = DeviceSocket
	}
	if c.KeepaliveSeconds == 0 {
		c.KeepaliveSeconds = defaultKeepalive
	}
	if c.Mode == ModeWebRTC && c.Role == RoleHost && c.SignalListen == "" {
		c.SignalListen = defaultSignalListen
	}
}

// validate checks settings that need no name resolution.
func (c *Config) validate() error {
	switch c.Mode {
	case ModeWebRTC:
		switch c.Role {
		case RoleHost:
		case RoleClient:
			if c.SignalURL == "" {
				return fmt.Errorf("signalUrl must be set for the client role")
			}
			u, err := url.Parse(c.SignalURL)
			if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") || u.Host == "" {
				return fmt.Errorf("signalUrl must be a ws:// or wss:// URL, got %q", c.SignalURL)
			}
		default:
			return fmt.Errorf("role must be %q or %q for webrtc mode", RoleHost, RoleClient)
		}
	case ModeUDP:
		if c.Listen == "" {
			return fmt.Errorf("listen must be set for udp mode")
		}
	default:
		return fmt.Errorf("mode must be %q or %q", ModeWebRTC, ModeUDP)
	}

	switch c.DeviceType {
	case DeviceSocket:
		if c.Device == "" {
			return fmt.Errorf("device must be set")
		}
	case DeviceTun:
	default:
		return fmt.Errorf("deviceType must be %q or %q", DeviceSocket, DeviceTun)
	}
	if c.KeepaliveSeconds < 0 {
		return fmt.Errorf("keepaliveSeconds cannot be negative")
	}
	return nil
}

// Resolve parses peer ids and resolves every address setting, checking bind
// addresses with addr.IsValidBindAddress and remote ones with
// addr.IsValidHostAddress. A missing peerId gets a fresh random UUID.
func (c *Config) Resolve(ctx context.Context, r *addr.Resolver) error {
	var err error
	if c.PeerID == "" {
		c.LocalID = uuid.New()
	} else if c.LocalID, err = uuid.Parse(c.PeerID); err != nil {
		return fmt.Errorf("invalid peerId: %w", err)
	}
	if c.RemotePeerID != "" {
		if c.RemoteID, err = uuid.Parse(c.RemotePeerID); err != nil {
			return fmt.Errorf("invalid remotePeerId: %w", err)
		}
		if c.RemoteID == c.LocalID {
			return fmt.Errorf("remotePeerId must differ from peerId")
		}
	}

	if c.DeviceType == DeviceSocket {
		if c.DeviceAddr, err = resolveBind(ctx, r, "device", c.Device); err != nil {
			return err
		}
		if c.DeviceHelper != "" {
			if c.HelperAddr, err = resolveHost(ctx, r, "deviceHelper", c.DeviceHelper); err != nil {
				return err
			}
		}
	}

	if c.Mode != ModeUDP {
		return nil
	}
	if c.ListenAddr, err = resolveBind(ctx, r, "listen", c.Listen); err != nil {
		return err
	}
	if c.Peer != "" {
		if c.PeerAddr, err = resolveHost(ctx, r, "peer", c.Peer); err != nil {
			return err
		}
	}
	return nil
}

func resolveBind(ctx context.Context, r *addr.Resolver, field, text string) (netip.AddrPort, error) {
	ap, err := resolve(ctx, r, field, text)
	if err != nil {
		return ap, err
	}
	if !addr.IsValidBindAddress(ap) {
		return ap, fmt.Errorf("%s: %s is not a valid bind address (IPv4 with a port)", field, ap)
	}
	return ap, nil
}

func resolveHost(ctx context.Context, r *addr.Resolver, field, text string) (netip.AddrPort, error) {
	ap, err := resolve(ctx, r, field, text)
	if err != nil {
		return ap, err
	}
	if !addr.IsValidHostAddress(ap) {
		return ap, fmt.Errorf("%s: %s is not a valid host address (IPv4, non-zero address and port)", field, ap)
	}
	return ap, nil
}

func resolve(ctx context.Context, r *addr.Resolver, field, text string) (netip.AddrPort, error) {
	ctx, cancel := context.WithTimeout(ctx, resolveTimeout)
	defer cancel()

	ap, err := r.ResolveHostPortPair(ctx, text, hostPortSep)
	if err != nil {
		return ap, fmt.Errorf("%s: %w", field, err)
	}
	return ap, nil
}

// Parse unmarshals and validates YAML configuration data.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal yaml: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

// LoadConfig reads the configuration from the given file path, unmarshals it,
// and performs validation.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file at %s: %w", path, err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}
