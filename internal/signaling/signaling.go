// Package signaling orchestrates the rendezvous phase: the two endpoints meet
// over a WebSocket, swap tunnel UUIDs and SDP/ICE, and come out with a
// ready-to-use Transport. All WebSocket and SDP/ICE details are internal.
package signaling

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"

	"github.com/1ureka/p2pvtun/internal/transport"
	"github.com/1ureka/p2pvtun/internal/util"
)

// Options controls one signaling run.
type Options struct {
	LocalID     uuid.UUID // announced to the peer
	STUNServers []string  // nil uses transport.DefaultSTUNServers, empty uses none
	PublicOnly  bool      // drop remote ICE candidates on non-public addresses
	RequirePIN  bool      // host only: protect the WS endpoint with a random PIN
}

// Session is an established link to an identified peer.
type Session struct {
	Transport *transport.Transport
	RemoteID  uuid.UUID
}

// EstablishAsHost executes the full host-side signaling flow:
//  1. Start a WS server on wsAddr
//  2. Print connection info
//  3. Wait for the client to connect
//  4. Create a Transport and exchange hello / SDP / ICE
//  5. Wait for the DataChannel and the peer's hello
//  6. Close the WS server and connection
func EstablishAsHost(ctx context.Context, wsAddr string, opts Options) (*Session, error) {
	pin := ""
	if opts.RequirePIN {
		pin = generatePIN(pinLength)
	}

	srv := newServer(pin)
	bound, err := srv.start(wsAddr)
	if err != nil {
		return nil, err
	}
	defer srv.close()

	util.LogInfo("signaling server listening on %s", bound)
	if pin != "" {
		util.LogInfo("clients connect with ws://<host>:%d/ws?pin=%s", bound.Port, pin)
	} else {
		util.LogInfo("clients connect with ws://<host>:%d/ws", bound.Port)
	}
	util.LogInfo("waiting for client (local peer %s)...", opts.LocalID)

	wsConn, err := srv.waitForClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to wait for client: %w", err)
	}
	defer wsConn.Close()
	util.LogDebug("client connected from %s", wsConn.RemoteAddr())

	return establish(ctx, wsConn, opts, true)
}

// EstablishAsClient executes the full client-side signaling flow:
//  1. Connect to the host's WS server
//  2. Create a Transport and exchange hello / SDP / ICE
//  3. Wait for the DataChannel and the peer's hello
//  4. Close the WS connection
func EstablishAsClient(ctx context.Context, wsURL string, opts Options) (*Session, error) {
	util.LogInfo("connecting to host...")
	wsConn, err := connect(ctx, wsURL)
	if err != nil {
		return nil, err
	}
	defer wsConn.Close()
	util.LogDebug("WS connected: %s", wsURL)

	return establish(ctx, wsConn, opts, false)
}

// establish drives one SDP/ICE exchange over wsConn. The host sends the offer.
func establish(ctx context.Context, wsConn *websocket.Conn, opts Options, offer bool) (*Session, error) {
	// The link outlives signaling; the caller ends it with Close.
	tr, err := transport.NewTransport(context.WithoutCancel(ctx), opts.STUNServers)
	if err != nil {
		return nil, fmt.Errorf("failed to create Transport: %w", err)
	}

	s := &sender{tr: tr, conn: wsConn}
	r := &receiver{
		tr:         tr,
		conn:       wsConn,
		sender:     s,
		publicOnly: opts.PublicOnly,
		helloCh:    make(chan uuid.UUID, 1),
	}

	// Forward local candidates via sender.
	tr.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		util.LogDebug("local candidate %s", describeLocalCandidate(c))
		// Best-effort: a lost candidate only narrows the ICE search.
		_ = s.sendCandidate(c)
	})

	// Exits when wsConn is closed by the caller's defer.
	errCh := make(chan error, 1)
	go func() {
		errCh <- r.watch()
	}()

	if err := s.sendHello(opts.LocalID); err != nil {
		tr.Close()
		return nil, fmt.Errorf("failed to send hello: %w", err)
	}
	if offer {
		if err := s.sendOffer(); err != nil {
			tr.Close()
			return nil, fmt.Errorf("failed to send Offer: %w", err)
		}
	}

	var remoteID uuid.UUID
	ready := tr.Ready()
	helloCh := r.helloCh
	for ready != nil || helloCh != nil {
		select {
		case <-ready:
			ready = nil
		case remoteID = <-helloCh:
			helloCh = nil
			util.LogDebug("remote peer is %s", remoteID)
		case err := <-errCh:
			// The peer hangs up once its own side is ready. After the hello
			// and the SDP exchange nothing else is needed from it.
			if helloCh != nil {
				select {
				case remoteID = <-helloCh:
					helloCh = nil
				default:
				}
			}
			if helloCh == nil && r.negotiated.Load() {
				util.LogDebug("WS closed before DataChannel opened: %v", err)
				errCh = nil
				continue
			}
			tr.Close()
			return nil, fmt.Errorf("signaling failed: %w", err)
		case <-tr.Done():
			tr.Close()
			return nil, fmt.Errorf("signaling failed: %w", transport.ErrClosed)
		case <-ctx.Done():
			tr.Close()
			return nil, ctx.Err()
		}
	}

	util.LogDebug("WebRTC DataChannel established, closing WS")
	return &Session{Transport: tr, RemoteID: remoteID}, nil
}
