package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"testing"

	"github.com/google/uuid"
)

var (
	testSrc = uuid.MustParse("6ba7b810-9dad-11d1-80b4-00c04fd430c8")
	testDst = uuid.MustParse("6ba7b811-9dad-11d1-80b4-00c04fd430c8")
)

func ipv4Frame(n int) []byte {
	frame := make([]byte, n)
	for i := range frame {
		frame[i] = byte(i % 256)
	}
	if n > 0 {
		frame[0] = 0x45
	}
	return frame
}

// TestEncodeDecodeRoundTrip verifies that encoding and decoding are inverse
// operations for every opcode and a range of datagram sizes.
func TestEncodeDecodeRoundTrip(t *testing.T) {
	testCases := []struct {
		name string
		msg  *Message
	}{
		{"NOOP", &Message{Src: testSrc, Dst: testDst, Payload: Noop{}}},
		{"DISCONNECT", &Message{Version: 3, Src: testSrc, Dst: testDst, Payload: Disconnect{}}},
		{"IPDATA empty", &Message{Src: testSrc, Dst: testDst, Payload: &IPData{Proto: ProtoIPv4, Data: []byte{}}}},
		{"IPDATA small", &Message{Src: testSrc, Dst: testDst, Payload: &IPData{Proto: ProtoIPv4, Data: ipv4Frame(60)}}},
		{"IPDATA v6", &Message{Src: testSrc, Dst: testDst, Payload: &IPData{Proto: ProtoIPv6, Data: []byte{0x60, 1, 2, 3}}}},
		{"IPDATA max", &Message{Src: testSrc, Dst: testDst, Payload: &IPData{Proto: ProtoIPv4, Data: ipv4Frame(MaxIPDataLen)}}},
		{"nil peers", &Message{Payload: Noop{}}},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			encoded, err := Encode(tc.msg)
			if err != nil {
				t.Fatalf("Encode failed: %v", err)
			}
			if len(encoded) != tc.msg.Size() {
				t.Errorf("encoded size: got %d, want %d", len(encoded), tc.msg.Size())
			}

			decoded, err := Decode(encoded)
			if err != nil {
				t.Fatalf("Decode failed: %v", err)
			}

			if decoded.Version != tc.msg.Version {
				t.Errorf("Version mismatch: got %d, want %d", decoded.Version, tc.msg.Version)
			}
			if decoded.Src != tc.msg.Src || decoded.Dst != tc.msg.Dst {
				t.Errorf("peer mismatch: got %s→%s, want %s→%s", decoded.Src, decoded.Dst, tc.msg.Src, tc.msg.Dst)
			}
			if decoded.Opcode() != tc.msg.Opcode() {
				t.Fatalf("Opcode mismatch: got %s, want %s", decoded.Opcode(), tc.msg.Opcode())
			}

			if want, ok := tc.msg.Payload.(*IPData); ok {
				got := decoded.Payload.(*IPData)
				if got.Proto != want.Proto {
					t.Errorf("Proto mismatch: got %04x, want %04x", got.Proto, want.Proto)
				}
				if !bytes.Equal(got.Data, want.Data) || len(got.Data) != len(want.Data) {
					t.Errorf("Data mismatch: got %d bytes, want %d", len(got.Data), len(want.Data))
				}
			}
		})
	}
}

// TestEncodeLayout checks field offsets and byte order against a hand-built
// envelope.
func TestEncodeLayout(t *testing.T) {
	msg := &Message{
		Version: 7,
		Src:     testSrc,
		Dst:     testDst,
		Payload: &IPData{Proto: ProtoIPv6, Data: []byte{0xaa, 0xbb, 0xcc}},
	}

	want := []byte{7, byte(OpIPData)}
	want = append(want, testSrc[:]...)
	want = append(want, testDst[:]...)
	want = append(want, 0x86, 0xdd, 0x00, 0x03, 0xaa, 0xbb, 0xcc)

	got, err := Encode(msg)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Errorf("layout mismatch:\n got  %x\n want %x", got, want)
	}
}

func TestEncodeNoopSize(t *testing.T) {
	for _, p := range []Payload{Noop{}, Disconnect{}} {
		encoded, err := Encode(&Message{Payload: p})
		if err != nil {
			t.Fatalf("Encode %s failed: %v", p.Opcode(), err)
		}
		if len(encoded) != HeaderSize+1 {
			t.Errorf("%s size: got %d, want %d", p.Opcode(), len(encoded), HeaderSize+1)
		}
		if encoded[offOpcode] != byte(p.Opcode()) {
			t.Errorf("%s opcode byte: got %d", p.Opcode(), encoded[offOpcode])
		}
	}
}

func TestEncodePayloadTooLarge(t *testing.T) {
	msg := &Message{Payload: &IPData{Proto: ProtoIPv4, Data: make([]byte, MaxIPDataLen+1)}}
	if _, err := Encode(msg); !errors.Is(err, ErrPayloadTooLarge) {
		t.Fatalf("expected ErrPayloadTooLarge, got %v", err)
	}
}

func TestEncodeNilPayload(t *testing.T) {
	if _, err := Encode(&Message{}); !errors.Is(err, ErrUnknownOpcode) {
		t.Fatalf("expected ErrUnknownOpcode, got %v", err)
	}
	if _, err := Encode(&Message{Payload: (*IPData)(nil)}); !errors.Is(err, ErrUnknownOpcode) {
		t.Fatalf("typed nil ipdata: expected ErrUnknownOpcode, got %v", err)
	}
	if _, err := AppendEncode(make([]byte, 0, MaxEnvelopeSize), &Message{Payload: (*IPData)(nil)}); !errors.Is(err, ErrUnknownOpcode) {
		t.Fatalf("typed nil ipdata (append): expected ErrUnknownOpcode, got %v", err)
	}
}

// TestAppendEncodeReusesBuffer verifies that a buffer with enough capacity is
// written in place.
func TestAppendEncodeReusesBuffer(t *testing.T) {
	buf := make([]byte, 0, MaxEnvelopeSize)
	out, err := AppendEncode(buf, NewIPData(testSrc, testDst, ipv4Frame(100)))
	if err != nil {
		t.Fatalf("AppendEncode failed: %v", err)
	}
	if &out[0] != &buf[:1][0] {
		t.Error("AppendEncode allocated despite sufficient capacity")
	}

	prefix := []byte{0xde, 0xad}
	out, err = AppendEncode(prefix, &Message{Payload: Noop{}})
	if err != nil {
		t.Fatalf("AppendEncode failed: %v", err)
	}
	if !bytes.Equal(out[:2], prefix) || len(out) != 2+HeaderSize+1 {
		t.Errorf("AppendEncode did not append: %x", out)
	}
}

// TestDecodeTooShort verifies that every buffer shorter than HeaderSize is
// rejected as a truncated header.
func TestDecodeTooShort(t *testing.T) {
	for n := 0; n < HeaderSize; n++ {
		t.Run(fmt.Sprintf("%d bytes", n), func(t *testing.T) {
			_, err := Decode(make([]byte, n))
			if !errors.Is(err, ErrTruncatedHeader) {
				t.Fatalf("expected ErrTruncatedHeader, got %v", err)
			}
		})
	}
}

func TestDecodeUnknownOpcode(t *testing.T) {
	for op := 3; op < 256; op++ {
		buf := make([]byte, MaxEnvelopeSize)
		buf[offOpcode] = byte(op)
		if _, err := Decode(buf); !errors.Is(err, ErrUnknownOpcode) {
			t.Fatalf("opcode %d: expected ErrUnknownOpcode, got %v", op, err)
		}
	}
}

func TestDecodeIgnoresVersion(t *testing.T) {
	encoded, _ := Encode(&Message{Payload: Noop{}})
	for _, v := range []byte{0, 1, 0x7f, 0xff} {
		encoded[offVersion] = v
		if _, err := Decode(encoded); err != nil {
			t.Errorf("version %d rejected: %v", v, err)
		}
	}
}

// TestDecodeHeaderOnly accepts NOOP and DISCONNECT without the reserved byte.
func TestDecodeHeaderOnly(t *testing.T) {
	buf := make([]byte, HeaderSize)
	buf[offOpcode] = byte(OpDisconnect)
	m, err := Decode(buf)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if _, ok := m.Payload.(Disconnect); !ok {
		t.Errorf("expected Disconnect payload, got %T", m.Payload)
	}
}

func TestDecodeIPDataErrors(t *testing.T) {
	header := func(extra ...byte) []byte {
		buf := make([]byte, HeaderSize, HeaderSize+len(extra))
		buf[offOpcode] = byte(OpIPData)
		return append(buf, extra...)
	}
	withLen := func(n uint16, have int) []byte {
		prefix := make([]byte, 4)
		binary.BigEndian.PutUint16(prefix[0:2], ProtoIPv4)
		binary.BigEndian.PutUint16(prefix[2:4], n)
		return header(append(prefix, make([]byte, have)...)...)
	}

	testCases := []struct {
		name string
		data []byte
		want error
	}{
		{"no prefix", header(), ErrTruncatedPayloadPrefix},
		{"partial prefix", header(0x08, 0x00, 0x00), ErrTruncatedPayloadPrefix},
		{"short by one", withLen(100, 99), ErrTruncatedPayload},
		{"nothing after length", withLen(1, 0), ErrTruncatedPayload},
		{"declared too large", withLen(MaxIPDataLen+1, MaxIPDataLen+1), ErrPayloadTooLarge},
		{"declared max uint16", withLen(0xffff, 0), ErrPayloadTooLarge},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := Decode(tc.data); !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}
}

// TestDecodeIgnoresTrailingBytes verifies that only the declared length is
// taken as payload, so fixed-size union writes decode the same.
func TestDecodeIgnoresTrailingBytes(t *testing.T) {
	encoded, _ := Encode(NewIPData(testSrc, testDst, []byte{0x45, 1, 2}))
	padded := make([]byte, MaxEnvelopeSize)
	copy(padded, encoded)
	for i := len(encoded); i < len(padded); i++ {
		padded[i] = 0xee
	}

	m, err := Decode(padded)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if got := m.Payload.(*IPData).Data; !bytes.Equal(got, []byte{0x45, 1, 2}) {
		t.Errorf("Data mismatch: %x", got)
	}
}

// TestDecodeIsZeroCopy verifies that Decode aliases the input and Clone
// detaches from it.
func TestDecodeIsZeroCopy(t *testing.T) {
	encoded, _ := Encode(NewIPData(testSrc, testDst, []byte("original")))
	decoded, err := Decode(encoded)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	owned := decoded.Clone()

	encoded[offData] = 'O'

	if got := decoded.Payload.(*IPData).Data; got[0] != 'O' {
		t.Errorf("decoded payload should alias input, got %q", got)
	}
	if got := owned.Payload.(*IPData).Data; !bytes.Equal(got, []byte("original")) {
		t.Errorf("cloned payload was aliased: got %q", got)
	}

	// Appending to a decoded payload must not clobber the bytes that follow.
	data := decoded.Payload.(*IPData).Data
	if cap(data) != len(data) {
		t.Errorf("decoded payload capacity leaks into trailing buffer: cap %d len %d", cap(data), len(data))
	}
}

func TestProtoForFrame(t *testing.T) {
	testCases := []struct {
		frame []byte
		want  uint16
	}{
		{[]byte{0x45, 0x00}, ProtoIPv4},
		{[]byte{0x60, 0x00}, ProtoIPv6},
		{[]byte{0x6f}, ProtoIPv6},
		{nil, ProtoIPv4},
	}
	for _, tc := range testCases {
		if got := ProtoForFrame(tc.frame); got != tc.want {
			t.Errorf("ProtoForFrame(%x) = %04x, want %04x", tc.frame, got, tc.want)
		}
	}
}

func TestIsIPFrame(t *testing.T) {
	testCases := []struct {
		frame []byte
		want  bool
	}{
		{[]byte{0x45, 0x00}, true},
		{[]byte{0x60, 0x00}, true},
		{[]byte{0x00, 0x01}, false},
		{[]byte{0xff}, false},
		{[]byte{0x50}, false},
		{nil, false},
	}
	for _, tc := range testCases {
		if got := IsIPFrame(tc.frame); got != tc.want {
			t.Errorf("IsIPFrame(%x) = %v, want %v", tc.frame, got, tc.want)
		}
	}
}

func TestOpcodeString(t *testing.T) {
	if OpIPData.String() != "IPDATA" || Opcode(9).String() != "Opcode(9)" {
		t.Errorf("unexpected opcode names: %s %s", OpIPData, Opcode(9))
	}
}

func BenchmarkAppendEncode(b *testing.B) {
	msg := NewIPData(testSrc, testDst, ipv4Frame(1400))
	buf := make([]byte, 0, MaxEnvelopeSize)
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		buf, _ = AppendEncode(buf[:0], msg)
	}
}

func BenchmarkDecode(b *testing.B) {
	encoded, _ := Encode(NewIPData(testSrc, testDst, ipv4Frame(1400)))
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		_, _ = Decode(encoded)
	}
}
