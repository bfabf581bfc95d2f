package signaling

// messageType identifies the kind of signaling message.
type messageType string

const (
	msgTypeHello     messageType = "hello"
	msgTypeOffer     messageType = "offer"
	msgTypeAnswer    messageType = "answer"
	msgTypeCandidate messageType = "candidate"
)

// message is the JSON structure exchanged over the WebSocket during signaling.
type message struct {
	Type      messageType `json:"type"`
	PeerID    string      `json:"peer_id,omitempty"`   // hello: sender's tunnel UUID
	SDP       string      `json:"sdp,omitempty"`       // offer / answer
	Candidate string      `json:"candidate,omitempty"` // JSON-encoded ICECandidateInit
}
