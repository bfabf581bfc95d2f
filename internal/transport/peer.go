package transport

import (
	"github.com/pion/webrtc/v4"
)

// DefaultSTUNServers are used for ICE candidate gathering when no servers are
// configured. No TURN: the tunnel relies on direct P2P connectivity.
var DefaultSTUNServers = []string{
	"stun:stun.l.google.com:19302",
	"stun:stun1.l.google.com:19302",
}

// newPeerConnection creates a PeerConnection configured with the given STUN
// servers. nil falls back to DefaultSTUNServers; an empty non-nil list
// gathers host candidates only.
func newPeerConnection(stunServers []string) (*webrtc.PeerConnection, error) {
	if stunServers == nil {
		stunServers = DefaultSTUNServers
	}
	var config webrtc.Configuration
	if len(stunServers) > 0 {
		config.ICEServers = []webrtc.ICEServer{
			{URLs: stunServers},
		}
	}
	return webrtc.NewPeerConnection(config)
}

// newDataChannel creates a pre-negotiated, unordered, unreliable DataChannel
// on the given PeerConnection. Envelopes carry IP datagrams, so the channel
// behaves like the UDP link: no retransmits, no ordering. Negotiated mode
// (ID 0) lets both sides create the channel without OnDataChannel.
func newDataChannel(pc *webrtc.PeerConnection) (*webrtc.DataChannel, error) {
	ordered := false
	negotiated := true
	maxRetransmits := uint16(0)
	id := uint16(0)

	return pc.CreateDataChannel("p2pvtun", &webrtc.DataChannelInit{
		Ordered:        &ordered,
		Negotiated:     &negotiated,
		MaxRetransmits: &maxRetransmits,
		ID:             &id,
	})
}
