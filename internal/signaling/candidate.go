package signaling

import (
	"fmt"
	"net/netip"
	"strings"

	"github.com/pion/ice/v4"
	"github.com/pion/webrtc/v4"

	"github.com/1ureka/p2pvtun/internal/addr"
	"github.com/1ureka/p2pvtun/internal/util"
)

// candidateAddr extracts the transport address of an SDP candidate line.
// mDNS (.local) candidates have no IP and report ok=false.
func candidateAddr(raw string) (ap netip.AddrPort, ok bool, err error) {
	c, err := ice.UnmarshalCandidate(strings.TrimPrefix(raw, "candidate:"))
	if err != nil {
		return ap, false, fmt.Errorf("parse candidate: %w", err)
	}

	ip, err := netip.ParseAddr(c.Address())
	if err != nil {
		return ap, false, nil
	}
	return netip.AddrPortFrom(ip.Unmap(), uint16(c.Port())), true, nil
}

// acceptRemoteCandidate decides whether a candidate received from the peer is
// handed to ICE. With publicOnly, only candidates on public IPv4 addresses
// pass; an empty candidate (end of gathering) always passes.
func acceptRemoteCandidate(init webrtc.ICECandidateInit, publicOnly bool) bool {
	if init.Candidate == "" {
		return true
	}

	ap, ok, err := candidateAddr(init.Candidate)
	if err != nil {
		util.LogDebug("unparsable remote candidate %q: %v", init.Candidate, err)
		return !publicOnly
	}
	if !ok {
		util.LogDebug("remote candidate without IP address: %s", init.Candidate)
		return !publicOnly
	}

	public := addr.IsPublicIP(ap.Addr())
	util.LogDebug("remote candidate %s", addr.Describe(ap))
	if publicOnly && !public {
		util.LogInfo("ignoring non-public remote candidate %s", ap)
		return false
	}
	return true
}

// describeLocalCandidate renders a gathered local candidate for logging.
func describeLocalCandidate(c *webrtc.ICECandidate) string {
	ip, err := netip.ParseAddr(c.Address)
	if err != nil {
		return fmt.Sprintf("%s %s:%d", c.Typ, c.Address, c.Port)
	}
	return fmt.Sprintf("%s %s", c.Typ, addr.Describe(netip.AddrPortFrom(ip.Unmap(), c.Port)))
}
