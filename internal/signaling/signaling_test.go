package signaling

import (
	"context"
	"encoding/json"
	"fmt"
	"net/netip"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/1ureka/p2pvtun/internal/transport"
)

func TestCandidateAddr(t *testing.T) {
	testCases := []struct {
		name   string
		raw    string
		want   string
		wantOK bool
	}{
		{"host private", "candidate:1 1 udp 2130706431 192.168.1.5 50000 typ host", "192.168.1.5:50000", true},
		{"srflx public", "candidate:2 1 udp 1694498815 203.0.113.9 61000 typ srflx raddr 192.168.1.5 rport 50000", "203.0.113.9:61000", true},
		{"no prefix", "3 1 udp 2130706431 10.1.2.3 4000 typ host", "10.1.2.3:4000", true},
		{"mdns", "candidate:4 1 udp 2130706431 3f1c7a9e-1111-2222-3333-444455556666.local 5000 typ host", "", false},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			ap, ok, err := candidateAddr(tc.raw)
			require.NoError(t, err)
			assert.Equal(t, tc.wantOK, ok)
			if tc.wantOK {
				assert.Equal(t, netip.MustParseAddrPort(tc.want), ap)
			}
		})
	}

	_, _, err := candidateAddr("garbage")
	assert.Error(t, err)
}

func TestAcceptRemoteCandidate(t *testing.T) {
	private := webrtc.ICECandidateInit{Candidate: "candidate:1 1 udp 2130706431 192.168.1.5 50000 typ host"}
	public := webrtc.ICECandidateInit{Candidate: "candidate:2 1 udp 1694498815 203.0.113.9 61000 typ srflx raddr 0.0.0.0 rport 0"}
	end := webrtc.ICECandidateInit{Candidate: ""}
	bad := webrtc.ICECandidateInit{Candidate: "garbage"}

	assert.True(t, acceptRemoteCandidate(private, false))
	assert.True(t, acceptRemoteCandidate(public, false))
	assert.True(t, acceptRemoteCandidate(bad, false))

	assert.False(t, acceptRemoteCandidate(private, true))
	assert.True(t, acceptRemoteCandidate(public, true))
	assert.True(t, acceptRemoteCandidate(end, true))
	assert.False(t, acceptRemoteCandidate(bad, true))
}

func TestDescribeLocalCandidate(t *testing.T) {
	c := &webrtc.ICECandidate{Address: "10.0.0.2", Port: 5000, Typ: webrtc.ICECandidateTypeHost}
	assert.Equal(t, "host 10.0.0.2:5000 (private)", describeLocalCandidate(c))

	c = &webrtc.ICECandidate{Address: "x.local", Port: 5000, Typ: webrtc.ICECandidateTypeHost}
	assert.Equal(t, "host x.local:5000", describeLocalCandidate(c))
}

func TestMessageJSON(t *testing.T) {
	data, err := json.Marshal(message{Type: msgTypeHello, PeerID: "6ba7b810-9dad-11d1-80b4-00c04fd430c8"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"hello","peer_id":"6ba7b810-9dad-11d1-80b4-00c04fd430c8"}`, string(data))
}

func TestGeneratePIN(t *testing.T) {
	pin := generatePIN(pinLength)
	assert.Len(t, pin, pinLength)
	for _, c := range pin {
		assert.True(t, c >= '0' && c <= '9', "non-digit %q", c)
	}
}

func TestServerPIN(t *testing.T) {
	srv := newServer("4242")
	bound, err := srv.start("127.0.0.1:0")
	require.NoError(t, err)
	defer srv.close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err = connect(ctx, fmt.Sprintf("ws://%s/ws?pin=0000", bound))
	assert.Error(t, err)

	client, err := connect(ctx, fmt.Sprintf("ws://%s/ws?pin=4242", bound))
	require.NoError(t, err)
	defer client.Close()

	conn, err := srv.waitForClient(ctx)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, client.WriteJSON(message{Type: msgTypeHello, PeerID: "x"}))
	var got message
	require.NoError(t, conn.ReadJSON(&got))
	assert.Equal(t, msgTypeHello, got.Type)
}

func TestServerWaitCancelled(t *testing.T) {
	srv := newServer("")
	_, err := srv.start("127.0.0.1:0")
	require.NoError(t, err)
	defer srv.close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = srv.waitForClient(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

var (
	hostID   = uuid.MustParse("6ba7b810-9dad-11d1-80b4-00c04fd430c8")
	clientID = uuid.MustParse("6ba7b811-9dad-11d1-80b4-00c04fd430c8")
)

type sessionResult struct {
	session *Session
	err     error
}

// establishLoopback runs the host flow on an in-process server and the client
// flow against it. Host candidates only, no STUN.
func establishLoopback(t *testing.T, pin string) (host, client *Session) {
	t.Helper()

	srv := newServer(pin)
	bound, err := srv.start("127.0.0.1:0")
	require.NoError(t, err)
	defer srv.close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	hostCh := make(chan sessionResult, 1)
	go func() {
		conn, err := srv.waitForClient(ctx)
		if err != nil {
			hostCh <- sessionResult{err: err}
			return
		}
		defer conn.Close()
		s, err := establish(ctx, conn, Options{LocalID: hostID, STUNServers: []string{}}, true)
		hostCh <- sessionResult{s, err}
	}()

	url := fmt.Sprintf("ws://%s/ws", bound)
	if pin != "" {
		url += "?pin=" + pin
	}
	client, err = EstablishAsClient(ctx, url, Options{LocalID: clientID, STUNServers: []string{}})
	require.NoError(t, err)
	t.Cleanup(func() { client.Transport.Close() })

	r := <-hostCh
	require.NoError(t, r.err)
	t.Cleanup(func() { r.session.Transport.Close() })

	return r.session, client
}

// exchangeFrame sends payload from one transport until the other one sees it.
// The DataChannel is unreliable, so a single send may be lost.
func exchangeFrame(t *testing.T, from, to *transport.Transport, payload []byte) {
	t.Helper()

	got := make(chan []byte, 16)
	to.OnFrame(func(frame []byte, _ netip.AddrPort) {
		select {
		case got <- append([]byte(nil), frame...):
		default:
		}
	})

	deadline := time.After(10 * time.Second)
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		require.NoError(t, from.Send(context.Background(), append([]byte(nil), payload...)))
		select {
		case frame := <-got:
			assert.Equal(t, payload, frame)
			return
		case <-ticker.C:
		case <-deadline:
			t.Fatal("frame never arrived")
		}
	}
}

func TestEstablishLoopback(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping WebRTC handshake in short mode")
	}

	host, client := establishLoopback(t, "")

	assert.Equal(t, clientID, host.RemoteID)
	assert.Equal(t, hostID, client.RemoteID)

	exchangeFrame(t, client.Transport, host.Transport, []byte("hi"))
	exchangeFrame(t, host.Transport, client.Transport, []byte("hello back"))
}

func TestEstablishLoopbackWithPIN(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping WebRTC handshake in short mode")
	}

	host, client := establishLoopback(t, generatePIN(pinLength))

	assert.Equal(t, clientID, host.RemoteID)
	assert.Equal(t, hostID, client.RemoteID)
	exchangeFrame(t, client.Transport, host.Transport, []byte{0x45, 0x00})
}

func TestEstablishAsClientWrongPIN(t *testing.T) {
	srv := newServer("123456")
	bound, err := srv.start("127.0.0.1:0")
	require.NoError(t, err)
	defer srv.close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err = EstablishAsClient(ctx, fmt.Sprintf("ws://%s/ws?pin=654321", bound), Options{LocalID: clientID})
	assert.Error(t, err)
}
