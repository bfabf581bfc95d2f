package protocol

import (
	"encoding/binary"
	"fmt"
)

const (
	offVersion = 0
	offOpcode  = 1
	offSrc     = 2
	offDst     = offSrc + peerIDSize
	offProto   = HeaderSize
	offLen     = HeaderSize + 2
	offData    = HeaderSize + IPDataPrefixSize
)

// Encode serializes m into a newly allocated buffer sized for its variant.
func Encode(m *Message) ([]byte, error) {
	return AppendEncode(make([]byte, 0, m.Size()), m)
}

// AppendEncode appends the wire form of m to dst and returns the extended
// slice. Reusing dst with MaxEnvelopeSize capacity avoids a per-packet
// allocation.
func AppendEncode(dst []byte, m *Message) ([]byte, error) {
	if m.Payload == nil {
		return dst, fmt.Errorf("%w: message has no payload", ErrUnknownOpcode)
	}
	if p, ok := m.Payload.(*IPData); ok {
		if p == nil {
			return dst, fmt.Errorf("%w: nil ipdata payload", ErrUnknownOpcode)
		}
		if len(p.Data) > MaxIPDataLen {
			return dst, fmt.Errorf("%w: %d bytes (max %d)", ErrPayloadTooLarge, len(p.Data), MaxIPDataLen)
		}
	}

	start := len(dst)
	size := m.Size()
	if cap(dst)-start < size {
		grown := make([]byte, start, start+size)
		copy(grown, dst)
		dst = grown
	}
	dst = dst[:start+size]
	buf := dst[start:]

	buf[offVersion] = m.Version
	buf[offOpcode] = byte(m.Payload.Opcode())
	copy(buf[offSrc:offDst], m.Src[:])
	copy(buf[offDst:HeaderSize], m.Dst[:])
	m.Payload.put(buf[HeaderSize:])

	return dst, nil
}

func (Noop) put(b []byte)       { b[0] = 0 }
func (Disconnect) put(b []byte) { b[0] = 0 }

func (p *IPData) put(b []byte) {
	binary.BigEndian.PutUint16(b[0:2], p.Proto)
	binary.BigEndian.PutUint16(b[2:4], uint16(len(p.Data)))
	copy(b[IPDataPrefixSize:], p.Data)
}

// Decode parses one envelope. IPData.Data aliases data; callers that keep the
// message past the lifetime of data must Clone it.
func Decode(data []byte) (*Message, error) {
	if len(data) < HeaderSize {
		return nil, fmt.Errorf("%w: %d bytes (need at least %d)", ErrTruncatedHeader, len(data), HeaderSize)
	}

	m := &Message{Version: data[offVersion]}
	copy(m.Src[:], data[offSrc:offDst])
	copy(m.Dst[:], data[offDst:HeaderSize])

	switch op := Opcode(data[offOpcode]); op {
	case OpNoop:
		m.Payload = Noop{}
	case OpDisconnect:
		m.Payload = Disconnect{}
	case OpIPData:
		p, err := decodeIPData(data)
		if err != nil {
			return nil, err
		}
		m.Payload = p
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownOpcode, uint8(op))
	}

	return m, nil
}

func decodeIPData(data []byte) (*IPData, error) {
	if len(data) < offData {
		return nil, fmt.Errorf("%w: %d bytes (need at least %d)", ErrTruncatedPayloadPrefix, len(data), offData)
	}

	n := int(binary.BigEndian.Uint16(data[offLen:offData]))
	if n > MaxIPDataLen {
		return nil, fmt.Errorf("%w: declared %d bytes (max %d)", ErrPayloadTooLarge, n, MaxIPDataLen)
	}
	if len(data)-offData < n {
		return nil, fmt.Errorf("%w: declared %d bytes, have %d", ErrTruncatedPayload, n, len(data)-offData)
	}

	return &IPData{
		Proto: binary.BigEndian.Uint16(data[offProto:offLen]),
		Data:  data[offData : offData+n : offData+n],
	}, nil
}
