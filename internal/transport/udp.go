package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"

	"github.com/1ureka/p2pvtun/internal/addr"
	"github.com/1ureka/p2pvtun/internal/protocol"
	"github.com/1ureka/p2pvtun/internal/util"
)

// ErrNoPeer is returned by UDPLink.Send before a peer address is known.
var ErrNoPeer = errors.New("no peer address")

// UDPLink is a direct datagram link: one envelope per datagram, sent to a
// single peer address that may be retargeted with Roam when the peer moves.
type UDPLink struct {
	conn *net.UDPConn

	mu   sync.RWMutex
	peer netip.AddrPort

	ctx    context.Context
	cancel context.CancelFunc

	handlerOnce sync.Once
	closeOnce   sync.Once
	closeErr    error
}

// ListenUDP binds bind and returns a link sending to peer. peer may be the
// zero value when the remote side is expected to speak first; it is then
// set through Roam.
func ListenUDP(ctx context.Context, bind, peer netip.AddrPort) (*UDPLink, error) {
	if !addr.IsValidBindAddress(bind) {
		return nil, fmt.Errorf("invalid bind address %s", bind)
	}
	if peer.IsValid() && !addr.IsValidHostAddress(peer) {
		return nil, fmt.Errorf("invalid peer address %s", peer)
	}

	conn, err := net.ListenUDP("udp4", net.UDPAddrFromAddrPort(bind))
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", bind, err)
	}

	return NewUDPLink(ctx, conn, peer), nil
}

// NewUDPLink wraps an already bound socket. The link owns conn and closes it
// when ctx is cancelled or Close is called.
func NewUDPLink(ctx context.Context, conn *net.UDPConn, peer netip.AddrPort) *UDPLink {
	lCtx, lCancel := context.WithCancel(ctx)
	l := &UDPLink{
		conn:   conn,
		peer:   peer,
		ctx:    lCtx,
		cancel: lCancel,
	}

	go func() {
		<-lCtx.Done()
		l.closeOnce.Do(func() { l.closeErr = conn.Close() })
	}()

	return l
}

// LocalAddr returns the bound socket address.
func (l *UDPLink) LocalAddr() netip.AddrPort {
	ap, _ := addr.FromNetAddr(l.conn.LocalAddr())
	return ap
}

// Peer returns the current send target.
func (l *UDPLink) Peer() netip.AddrPort {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.peer
}

// Roam retargets the link to ap. Only complete IPv4 host addresses are
// accepted.
func (l *UDPLink) Roam(ap netip.AddrPort) error {
	if !addr.IsValidHostAddress(ap) {
		return fmt.Errorf("invalid peer address %s", ap)
	}
	l.mu.Lock()
	l.peer = ap
	l.mu.Unlock()
	return nil
}

// Send writes one envelope to the current peer. The link does not keep frame.
func (l *UDPLink) Send(ctx context.Context, frame []byte) error {
	select {
	case <-l.ctx.Done():
		return ErrClosed
	default:
	}

	peer := l.Peer()
	if !peer.IsValid() {
		return ErrNoPeer
	}

	// The socket is shared by concurrent senders, so ctx is checked here
	// rather than mapped onto a socket write deadline.
	if err := ctx.Err(); err != nil {
		return err
	}

	_, err := l.conn.WriteToUDPAddrPort(frame, peer)
	return err
}

// OnFrame starts the receive loop. Only the first call registers a handler.
// The frame slice is reused after fn returns.
func (l *UDPLink) OnFrame(fn FrameHandler) {
	l.handlerOnce.Do(func() {
		go l.readLoop(fn)
	})
}

func (l *UDPLink) readLoop(fn FrameHandler) {
	defer l.cancel()

	// One spare byte so oversized datagrams are not silently truncated to a
	// valid-looking envelope.
	buf := make([]byte, protocol.MaxEnvelopeSize+1)
	for {
		n, from, err := l.conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			select {
			case <-l.ctx.Done():
			default:
				util.LogError("UDP read error: %v", err)
			}
			return
		}
		if n > protocol.MaxEnvelopeSize {
			util.LogDebug("dropping oversized datagram from %s", from)
			util.Stats.AddDropped()
			continue
		}

		fn(buf[:n], netip.AddrPortFrom(from.Addr().Unmap(), from.Port()))
	}
}

// Done returns a channel that is closed when the link is shut down.
func (l *UDPLink) Done() <-chan struct{} {
	return l.ctx.Done()
}

// Close shuts down the socket.
func (l *UDPLink) Close() error {
	l.cancel()
	l.closeOnce.Do(func() { l.closeErr = l.conn.Close() })
	return l.closeErr
}
