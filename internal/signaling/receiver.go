package signaling

import (
	"encoding/json"
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"

	"github.com/1ureka/p2pvtun/internal/transport"
)

// receiver reads signaling messages from the WebSocket and applies them to
// the Transport until the connection closes.
type receiver struct {
	tr         *transport.Transport
	conn       *websocket.Conn
	sender     *sender
	publicOnly bool

	helloCh    chan uuid.UUID // receives the peer's UUID once
	negotiated atomic.Bool    // remote description applied
}

// watch runs the read loop. It returns when the WebSocket fails or a message
// cannot be applied.
func (r *receiver) watch() error {
	for {
		var msg message
		if err := r.conn.ReadJSON(&msg); err != nil {
			return fmt.Errorf("failed to read WS message: %w", err)
		}

		switch msg.Type {
		case msgTypeHello:
			id, err := uuid.Parse(msg.PeerID)
			if err != nil {
				return fmt.Errorf("invalid peer id %q: %w", msg.PeerID, err)
			}
			select {
			case r.helloCh <- id:
			default:
			}

		// Client side: answer the host's offer.
		case msgTypeOffer:
			if err := r.tr.SetRemoteDescription(webrtc.SessionDescription{
				Type: webrtc.SDPTypeOffer, SDP: msg.SDP,
			}); err != nil {
				return err
			}
			if err := r.sender.sendAnswer(); err != nil {
				return err
			}
			r.negotiated.Store(true)

		// Host side.
		case msgTypeAnswer:
			if err := r.tr.SetRemoteDescription(webrtc.SessionDescription{
				Type: webrtc.SDPTypeAnswer, SDP: msg.SDP,
			}); err != nil {
				return err
			}
			r.negotiated.Store(true)

		case msgTypeCandidate:
			var init webrtc.ICECandidateInit
			if err := json.Unmarshal([]byte(msg.Candidate), &init); err != nil {
				return fmt.Errorf("failed to parse ICE candidate: %w", err)
			}
			if !acceptRemoteCandidate(init, r.publicOnly) {
				continue
			}
			if err := r.tr.AddICECandidate(init); err != nil {
				return err
			}
		}
	}
}
