// Package adapter manages the post-transport lifecycle of a tunnel. Given a
// ready link and a packet device, it wraps outgoing IP frames in envelopes,
// dispatches incoming envelopes by opcode, keeps the peer alive and follows
// it when its address changes.
package adapter

import (
	"context"
	"errors"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/1ureka/p2pvtun/internal/addr"
	"github.com/1ureka/p2pvtun/internal/protocol"
	"github.com/1ureka/p2pvtun/internal/transport"
	"github.com/1ureka/p2pvtun/internal/util"
)

// Tuning constants.
const (
	livenessFactor    = 3           // missed keepalives before the peer is considered gone
	disconnectTimeout = time.Second // budget for the best-effort DISCONNECT on shutdown
	dumpLimit         = 64          // bytes of a rejected envelope shown in debug logs
)

// ErrPeerTimeout is returned by Run when the peer stays silent for too long.
var ErrPeerTimeout = errors.New("peer timed out")

// Link carries encoded envelopes to and from the peer.
type Link interface {
	Send(ctx context.Context, frame []byte) error
	OnFrame(fn transport.FrameHandler)
	Done() <-chan struct{}
}

// Roamer is implemented by links whose peer address can change at runtime.
type Roamer interface {
	Peer() netip.AddrPort
	Roam(ap netip.AddrPort) error
}

// Device produces and consumes raw IP frames.
type Device interface {
	ReadPacket(buf []byte) (int, error)
	WritePacket(frame []byte) error
}

// Options configures one tunnel run.
type Options struct {
	LocalID    uuid.UUID
	RemoteID   uuid.UUID     // uuid.Nil learns the id from the first valid envelope
	Keepalive  time.Duration // NOOP interval; zero disables keepalive and liveness checks
	PublicOnly bool          // refuse to roam to non-public addresses
}

// adapter holds the state shared by the inbound handler, the device pump and
// the keepalive loop.
type adapter struct {
	ctx    context.Context
	cancel context.CancelFunc

	link  Link
	dev   Device
	opts  Options
	local uuid.UUID

	mu     sync.Mutex
	remote uuid.UUID

	lastSeen atomic.Int64 // unix nanoseconds of the last valid envelope
	peerLeft atomic.Bool

	errMu sync.Mutex
	err   error
}

func newAdapter(ctx context.Context, link Link, dev Device, opts Options) *adapter {
	aCtx, cancel := context.WithCancel(ctx)
	a := &adapter{
		ctx:    aCtx,
		cancel: cancel,
		link:   link,
		dev:    dev,
		opts:   opts,
		local:  opts.LocalID,
		remote: opts.RemoteID,
	}
	a.lastSeen.Store(time.Now().UnixNano())
	return a
}

// Run bridges dev and link until ctx is cancelled, the link closes, the peer
// disconnects or (with keepalive) times out. A DISCONNECT is sent on local
// shutdown. The caller closes dev to unblock its reader.
func Run(ctx context.Context, link Link, dev Device, opts Options) error {
	a := newAdapter(ctx, link, dev, opts)
	defer a.cancel()

	link.OnFrame(a.handleFrame)
	go a.pumpDeviceToLink()
	if opts.Keepalive > 0 {
		go a.keepalive()
	}

	linkDone := false
	select {
	case <-a.ctx.Done():
	case <-link.Done():
		linkDone = true
	}

	if !linkDone && !a.peerLeft.Load() {
		a.sendDisconnect()
	}
	a.errMu.Lock()
	defer a.errMu.Unlock()
	return a.err
}

// fail records the first fatal error and stops the adapter.
func (a *adapter) fail(err error) {
	a.errMu.Lock()
	if a.err == nil {
		a.err = err
	}
	a.errMu.Unlock()
	a.cancel()
}

// remoteID returns the peer id, uuid.Nil while it is unknown.
func (a *adapter) remoteID() uuid.UUID {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.remote
}

// ---------------------------------------------------------------------------
// Link → Device
// ---------------------------------------------------------------------------

// handleFrame decodes one inbound envelope and dispatches it. Bad envelopes
// are dropped and counted; they never stop the tunnel.
func (a *adapter) handleFrame(frame []byte, from netip.AddrPort) {
	m, err := protocol.Decode(frame)
	if err != nil {
		util.LogDebug("dropping malformed envelope (%d bytes) from %s: %v [%s]",
			len(frame), addr.Describe(from), err, util.HexDumpN(frame, dumpLimit))
		util.Stats.AddDropped()
		return
	}

	if m.Dst != a.local && m.Dst != uuid.Nil {
		util.LogDebug("dropping %s for %s (we are %s)", m.Opcode(), m.Dst, a.local)
		util.Stats.AddDropped()
		return
	}
	if !a.acceptSource(m.Src) {
		util.LogDebug("dropping %s from unexpected peer %s", m.Opcode(), m.Src)
		util.Stats.AddDropped()
		return
	}

	util.Stats.AddRecv(len(frame))
	a.lastSeen.Store(time.Now().UnixNano())
	a.follow(from)

	switch p := m.Payload.(type) {
	case protocol.Noop:
		util.LogDebug("keepalive from %s", m.Src)

	case *protocol.IPData:
		if !protocol.IsIPFrame(p.Data) {
			util.LogDebug("dropping non-IP payload from %s [%s]", m.Src, util.HexDumpN(p.Data, dumpLimit))
			util.Stats.AddDropped()
			return
		}
		if err := a.dev.WritePacket(p.Data); err != nil {
			util.LogDebug("device write failed (%d bytes, proto %04x): %v", len(p.Data), p.Proto, err)
		}

	case protocol.Disconnect:
		util.LogInfo("peer %s disconnected", m.Src)
		a.peerLeft.Store(true)
		a.cancel()
	}
}

// acceptSource checks src against the known peer, learning it when unknown.
func (a *adapter) acceptSource(src uuid.UUID) bool {
	if src == uuid.Nil {
		return false
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.remote == uuid.Nil {
		a.remote = src
		util.LogInfo("learned remote peer %s", src)
		return true
	}
	return src == a.remote
}

// follow retargets a roaming link to the address a valid envelope came from.
func (a *adapter) follow(from netip.AddrPort) {
	r, ok := a.link.(Roamer)
	if !ok || !from.IsValid() || r.Peer() == from {
		return
	}
	if !addr.IsValidHostAddress(from) {
		return
	}
	if a.opts.PublicOnly && !addr.IsPublicIP(from.Addr()) {
		util.LogDebug("not following peer to %s", addr.Describe(from))
		return
	}

	if err := r.Roam(from); err != nil {
		util.LogWarning("failed to follow peer to %s: %v", from, err)
		return
	}
	util.LogInfo("peer address is now %s", addr.Describe(from))
}

// ---------------------------------------------------------------------------
// Device → Link
// ---------------------------------------------------------------------------

// pumpDeviceToLink reads frames from the device and sends them as IPDATA.
func (a *adapter) pumpDeviceToLink() {
	buf := make([]byte, protocol.MaxIPDataLen+1)
	for {
		n, err := a.dev.ReadPacket(buf)
		if err != nil {
			select {
			case <-a.ctx.Done():
				// Shutting down.
			default:
				util.LogError("device read error: %v", err)
				a.fail(err)
			}
			return
		}

		if n == 0 {
			continue
		}
		if n > protocol.MaxIPDataLen {
			util.LogWarning("dropping oversized device frame (> %d bytes)", protocol.MaxIPDataLen)
			util.Stats.AddDropped()
			continue
		}
		if !protocol.IsIPFrame(buf[:n]) {
			util.LogDebug("dropping non-IP device frame [%s]", util.HexDumpN(buf[:n], dumpLimit))
			util.Stats.AddDropped()
			continue
		}

		a.send(protocol.NewIPData(a.local, a.remoteID(), buf[:n]))
	}
}

// send encodes m into a fresh buffer (links may keep it) and hands it over.
func (a *adapter) send(m *protocol.Message) {
	a.sendWith(a.ctx, m)
}

func (a *adapter) sendWith(ctx context.Context, m *protocol.Message) {
	frame, err := protocol.Encode(m)
	if err != nil {
		util.LogWarning("failed to encode %s: %v", m.Opcode(), err)
		return
	}

	if err := a.link.Send(ctx, frame); err != nil {
		if !errors.Is(err, context.Canceled) {
			util.LogDebug("failed to send %s: %v", m.Opcode(), err)
		}
		return
	}
	util.Stats.AddSent(len(frame))
}

// ---------------------------------------------------------------------------
// Keepalive
// ---------------------------------------------------------------------------

// keepalive sends a NOOP every interval and stops the adapter when nothing
// valid has arrived for livenessFactor intervals.
func (a *adapter) keepalive() {
	ticker := time.NewTicker(a.opts.Keepalive)
	defer ticker.Stop()

	limit := livenessFactor * a.opts.Keepalive
	for {
		select {
		case <-ticker.C:
			silent := time.Since(time.Unix(0, a.lastSeen.Load()))
			if silent > limit {
				util.LogWarning("no envelope from peer for %s", silent.Round(time.Millisecond))
				a.fail(ErrPeerTimeout)
				return
			}
			a.send(&protocol.Message{Src: a.local, Dst: a.remoteID(), Payload: protocol.Noop{}})

		case <-a.ctx.Done():
			return
		}
	}
}

// sendDisconnect tells the peer we are leaving. Best-effort.
func (a *adapter) sendDisconnect() {
	ctx, cancel := context.WithTimeout(context.Background(), disconnectTimeout)
	defer cancel()
	a.sendWith(ctx, &protocol.Message{Src: a.local, Dst: a.remoteID(), Payload: protocol.Disconnect{}})
}
