// p2pvtun is a point-to-point virtual tunnel. It carries raw IP frames between
// two endpoints, either over a WebRTC DataChannel negotiated through a
// WebSocket rendezvous or over direct UDP datagrams.
//
// Frames enter and leave through a TUN interface or a local datagram socket
// served by an external tun helper. Everything else is set in a YAML file:
//
//	p2pvtun -config p2pvtun.yaml [-debug]
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/pterm/pterm"

	"github.com/1ureka/p2pvtun/internal/adapter"
	"github.com/1ureka/p2pvtun/internal/addr"
	"github.com/1ureka/p2pvtun/internal/config"
	"github.com/1ureka/p2pvtun/internal/device"
	"github.com/1ureka/p2pvtun/internal/signaling"
	"github.com/1ureka/p2pvtun/internal/transport"
	"github.com/1ureka/p2pvtun/internal/util"
)

var version = "dev"

// packetDevice is an adapter.Device the caller has to close.
type packetDevice interface {
	adapter.Device
	CloseOnDone(ctx context.Context)
	Close() error
}

// link is an adapter.Link the caller has to close.
type link interface {
	adapter.Link
	Close() error
}

func main() {
	// Root context, cancelled on Ctrl+C or SIGTERM.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	configPath := flag.String("config", "p2pvtun.yaml", "Path to the YAML configuration file")
	debugMode := flag.Bool("debug", false, "Enable debug logging (overrides logLevel)")
	flag.Parse()

	pterm.Info.Println(fmt.Sprintf("p2pvtun v%s", version))
	pterm.Println()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}
	if err := util.SetLogLevel(cfg.LogLevel); err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}
	if *debugMode {
		util.EnableDebug()
	}
	if err := cfg.Resolve(ctx, addr.DefaultResolver); err != nil {
		util.LogError("invalid configuration: %v", err)
		os.Exit(1)
	}

	if err := run(ctx, cfg); err != nil {
		util.LogError("tunnel stopped: %v", err)
		os.Exit(1)
	}
	util.LogInfo("successfully closed tunnel connection")
}

// run opens the device, brings up the configured link and bridges the two
// until shutdown.
func run(ctx context.Context, cfg *config.Config) error {
	dev, err := openDevice(cfg)
	if err != nil {
		return err
	}
	defer dev.Close()

	l, remoteID, err := openLink(ctx, cfg)
	if err != nil {
		return err
	}
	defer l.Close()

	if cfg.RemoteID != uuid.Nil && remoteID != uuid.Nil && remoteID != cfg.RemoteID {
		return fmt.Errorf("peer announced %s, expected %s", remoteID, cfg.RemoteID)
	}
	if remoteID == uuid.Nil {
		remoteID = cfg.RemoteID
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	dev.CloseOnDone(runCtx)
	util.StartStatsReporter(runCtx)

	util.LogSuccess("tunnel up (local peer %s)", cfg.LocalID)
	err = adapter.Run(runCtx, l, dev, adapter.Options{
		LocalID:    cfg.LocalID,
		RemoteID:   remoteID,
		Keepalive:  cfg.Keepalive(),
		PublicOnly: cfg.PublicOnly,
	})
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// openDevice opens the frame source configured by cfg.DeviceType.
func openDevice(cfg *config.Config) (packetDevice, error) {
	if cfg.DeviceType == config.DeviceTun {
		dev, err := device.OpenTun(cfg.TunName)
		if err != nil {
			return nil, err
		}
		util.LogInfo("tun device %s ready; assign addresses and routes to it", dev.Name())
		return dev, nil
	}

	dev, err := device.Listen(cfg.DeviceAddr, cfg.HelperAddr)
	if err != nil {
		return nil, err
	}
	util.LogInfo("device socket on %s", addr.Describe(dev.LocalAddr()))
	return dev, nil
}

// openLink returns the link for cfg.Mode and, for WebRTC, the UUID the peer
// announced during signaling. The link is not bound to ctx so a DISCONNECT
// can still go out after shutdown starts.
func openLink(ctx context.Context, cfg *config.Config) (link, uuid.UUID, error) {
	switch cfg.Mode {
	case config.ModeUDP:
		l, err := transport.ListenUDP(context.Background(), cfg.ListenAddr, cfg.PeerAddr)
		if err != nil {
			return nil, uuid.Nil, err
		}
		util.LogInfo("udp link on %s, peer %s", addr.Describe(l.LocalAddr()), addr.Describe(l.Peer()))
		return l, uuid.Nil, nil

	default:
		opts := signaling.Options{
			LocalID:     cfg.LocalID,
			STUNServers: cfg.STUNServers,
			PublicOnly:  cfg.PublicOnly,
			RequirePIN:  cfg.SignalPIN,
		}

		var (
			session *signaling.Session
			err     error
		)
		if cfg.Role == config.RoleHost {
			session, err = signaling.EstablishAsHost(ctx, cfg.SignalListen, opts)
		} else {
			session, err = signaling.EstablishAsClient(ctx, cfg.SignalURL, opts)
		}
		if err != nil {
			return nil, uuid.Nil, fmt.Errorf("failed to establish tunnel: %w", err)
		}
		util.LogInfo("WebRTC link up, connection %s", session.Transport.ConnectionState())
		return session.Transport, session.RemoteID, nil
	}
}
