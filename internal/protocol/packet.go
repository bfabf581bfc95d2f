// Package protocol defines the envelope format exchanged between two tunnel
// endpoints.
package protocol

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/songgao/water/waterutil"
)

// PeerID identifies a tunnel endpoint independently of its network address.
// uuid.Nil means "unknown" by convention.
type PeerID = uuid.UUID

// Opcode selects the meaning and payload shape of an envelope.
type Opcode uint8

// Opcode constants.
const (
	OpNoop       Opcode = 0 // Keepalive, no payload
	OpIPData     Opcode = 1 // Encapsulated IP/IPv6 datagram
	OpDisconnect Opcode = 2 // Peer is going away
)

func (o Opcode) String() string {
	switch o {
	case OpNoop:
		return "NOOP"
	case OpIPData:
		return "IPDATA"
	case OpDisconnect:
		return "DISCONNECT"
	default:
		return fmt.Sprintf("Opcode(%d)", uint8(o))
	}
}

// Protocol tags carried by IPDATA (EtherType values).
const (
	ProtoIPv4 uint16 = 0x0800
	ProtoIPv6 uint16 = 0x86DD
)

// Wire sizes.
const (
	// HeaderSize is Version(1) + Opcode(1) + Src(16) + Dst(16).
	HeaderSize = 2 + 2*peerIDSize
	// MaxIPDataLen is the largest embedded datagram an IPDATA envelope carries.
	MaxIPDataLen = 8 * 1024
	// IPDataPrefixSize is Proto(2) + Length(2).
	IPDataPrefixSize = 4
	// MaxEnvelopeSize is the header plus the largest payload variant.
	MaxEnvelopeSize = HeaderSize + IPDataPrefixSize + MaxIPDataLen

	peerIDSize   = 16
	reservedSize = 1
)

// Decode and encode failures. Returned errors wrap one of these.
var (
	ErrTruncatedHeader        = errors.New("truncated header")
	ErrUnknownOpcode          = errors.New("unknown opcode")
	ErrTruncatedPayloadPrefix = errors.New("truncated ipdata prefix")
	ErrTruncatedPayload       = errors.New("truncated ipdata payload")
	ErrPayloadTooLarge        = errors.New("ipdata payload too large")
)

// Payload is one opcode-specific envelope body. The concrete types are
// Noop, IPData and Disconnect.
type Payload interface {
	Opcode() Opcode
	wireSize() int
	put(b []byte)
}

// Noop is a keepalive; it carries one reserved byte on the wire.
type Noop struct{}

// Disconnect tells the peer the tunnel is closing.
type Disconnect struct{}

// IPData carries one raw IP or IPv6 datagram.
type IPData struct {
	Proto uint16 // ProtoIPv4 or ProtoIPv6
	Data  []byte // At most MaxIPDataLen bytes
}

func (Noop) Opcode() Opcode       { return OpNoop }
func (Disconnect) Opcode() Opcode { return OpDisconnect }
func (*IPData) Opcode() Opcode    { return OpIPData }

func (Noop) wireSize() int       { return reservedSize }
func (Disconnect) wireSize() int { return reservedSize }
func (p *IPData) wireSize() int {
	if p == nil {
		return IPDataPrefixSize
	}
	return IPDataPrefixSize + len(p.Data)
}

// Message is a decoded or to-be-encoded envelope.
type Message struct {
	Version uint8 // Reserved, ignored on decode
	Src     PeerID
	Dst     PeerID
	Payload Payload
}

// Opcode returns the opcode implied by the payload variant.
func (m *Message) Opcode() Opcode {
	if m.Payload == nil {
		return Opcode(0xff)
	}
	return m.Payload.Opcode()
}

// Size returns the number of bytes Encode produces for m.
func (m *Message) Size() int {
	if m.Payload == nil {
		return HeaderSize
	}
	return HeaderSize + m.Payload.wireSize()
}

// Clone returns a copy of m that does not alias any decode buffer.
func (m *Message) Clone() *Message {
	c := *m
	if p, ok := m.Payload.(*IPData); ok {
		c.Payload = &IPData{
			Proto: p.Proto,
			Data:  append([]byte(nil), p.Data...),
		}
	}
	return &c
}

// NewIPData builds an IPDATA message for frame, deriving the protocol tag
// from the IP version nibble.
func NewIPData(src, dst PeerID, frame []byte) *Message {
	return &Message{
		Src:     src,
		Dst:     dst,
		Payload: &IPData{Proto: ProtoForFrame(frame), Data: frame},
	}
}

// ProtoForFrame returns ProtoIPv6 for frames whose version nibble is 6 and
// ProtoIPv4 otherwise.
func ProtoForFrame(frame []byte) uint16 {
	if len(frame) > 0 && waterutil.IsIPv6(frame) {
		return ProtoIPv6
	}
	return ProtoIPv4
}

// IsIPFrame reports whether frame starts with an IPv4 or IPv6 version nibble.
func IsIPFrame(frame []byte) bool {
	return len(frame) > 0 && (waterutil.IsIPv4(frame) || waterutil.IsIPv6(frame))
}
