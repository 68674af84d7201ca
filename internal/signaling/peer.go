// Package signaling builds a WebRTC peer connection from the remote SDP
// offer and ICE candidates carried over internal/symple's presence
// messages, per spec.md §1's "WebRTC peer connection bindings to an
// external media engine" -- that's the collaborator interface spec.md
// treats as opaque; this package is its one concrete implementation,
// grounded on client/lib/webrtc.go's WebRTCPeer (preparePeerConnection,
// OnICECandidate, CreateDataChannel) but playing the answerer role:
// the remote side offers, this side answers and receives the
// DataChannel rather than creating one, since Symple's signaling
// messages originate from a remote peer rather than a local SOCKS
// client.
package signaling

import (
	"fmt"
	"net"
	"strings"
	"sync"

	"github.com/pion/sdp/v3"
	"github.com/pion/webrtc/v4"
)

// ICEServer mirrors webrtc.ICEServer's shape for callers that don't want a
// direct pion import of their own.
type ICEServer struct {
	URLs       []string
	Username   string
	Credential string
}

// Config configures a PeerConnection's ICE server set, e.g. pointing at
// this module's own internal/turn/server over the standard TURN URI
// scheme.
type Config struct {
	ICEServers []ICEServer
}

func (c Config) toWebRTC() webrtc.Configuration {
	servers := make([]webrtc.ICEServer, len(c.ICEServers))
	for i, s := range c.ICEServers {
		servers[i] = webrtc.ICEServer{URLs: s.URLs, Username: s.Username, Credential: s.Credential}
	}
	return webrtc.Configuration{ICEServers: servers}
}

// PeerConnection wraps one answerer-side *webrtc.PeerConnection,
// mirroring WebRTCPeer's callback-driven preparation but built around
// SetRemoteOffer/AddICECandidate instead of an offer/exchangeSDP pair,
// since this side never initiates.
type PeerConnection struct {
	pc *webrtc.PeerConnection

	mu     sync.Mutex
	closed bool

	OnLocalCandidate func(webrtc.ICECandidateInit)
	OnDataChannel    func(*webrtc.DataChannel)
	OnConnectionState func(webrtc.PeerConnectionState)
}

// New creates a PeerConnection with trickle ICE enabled, matching
// WebRTCPeer.preparePeerConnection's SettingEngine.SetTrickle(true).
func New(cfg Config) (*PeerConnection, error) {
	s := webrtc.SettingEngine{}
	s.SetTrickle(true)
	api := webrtc.NewAPI(webrtc.WithSettingEngine(s))

	raw, err := api.NewPeerConnection(cfg.toWebRTC())
	if err != nil {
		return nil, fmt.Errorf("signaling: new peer connection: %w", err)
	}

	p := &PeerConnection{pc: raw}

	raw.OnICECandidate(func(candidate *webrtc.ICECandidate) {
		if candidate == nil {
			return // ICEGatheringStateComplete; trickle has nothing further to send.
		}
		if p.OnLocalCandidate != nil {
			p.OnLocalCandidate(candidate.ToJSON())
		}
	})
	raw.OnDataChannel(func(dc *webrtc.DataChannel) {
		if p.OnDataChannel != nil {
			p.OnDataChannel(dc)
		}
	})
	raw.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		if p.OnConnectionState != nil {
			p.OnConnectionState(state)
		}
	})

	return p, nil
}

// SetRemoteOffer consumes the remote SDP offer (as relayed over
// internal/symple) and returns this side's answer SDP, stripped of
// private/loopback/link-local host candidates before it's handed back to the
// signaling channel -- the answerer-side analog of WebRTCPeer's
// sendOfferToBroker stripping local addresses before relaying an offer.
func (p *PeerConnection) SetRemoteOffer(offerSDP string) (string, error) {
	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offerSDP}
	if err := p.pc.SetRemoteDescription(offer); err != nil {
		return "", fmt.Errorf("signaling: set remote description: %w", err)
	}

	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return "", fmt.Errorf("signaling: create answer: %w", err)
	}
	if err := p.pc.SetLocalDescription(answer); err != nil {
		return "", fmt.Errorf("signaling: set local description: %w", err)
	}

	local := p.pc.LocalDescription()
	stripped, err := stripHostCandidates(local.SDP)
	if err != nil {
		// A malformed SDP here would be this package's own bug, not an
		// input error; fall back to the unstripped answer rather than fail
		// the whole exchange.
		return local.SDP, nil
	}
	return stripped, nil
}

// AddICECandidate relays one trickled remote candidate into the peer
// connection.
func (p *PeerConnection) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	return p.pc.AddICECandidate(candidate)
}

// Raw returns the underlying pion PeerConnection for callers that need
// direct access (e.g. to create an outbound track).
func (p *PeerConnection) Raw() *webrtc.PeerConnection { return p.pc }

// Close tears down the peer connection. Idempotent.
func (p *PeerConnection) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	return p.pc.Close()
}

// stripHostCandidates re-serializes sdpText with "typ host" candidate
// attributes referring to a private/loopback address removed, using
// github.com/pion/sdp/v3 directly rather than the webrtc package's own
// (unexported) SDP munging -- candidates for the TURN relay/srflx
// addresses gathered via this module's own internal/turn/server survive;
// only LAN-only host candidates that would never be reachable by a remote
// peer through the broker are dropped.
func stripHostCandidates(sdpText string) (string, error) {
	var sd sdp.SessionDescription
	if err := sd.Unmarshal([]byte(sdpText)); err != nil {
		return "", fmt.Errorf("signaling: parse sdp: %w", err)
	}

	for i := range sd.MediaDescriptions {
		md := sd.MediaDescriptions[i]
		kept := md.Attributes[:0]
		for _, attr := range md.Attributes {
			if attr.Key == "candidate" && isPrivateHostCandidate(attr.Value) {
				continue
			}
			kept = append(kept, attr)
		}
		md.Attributes = kept
	}

	out, err := sd.Marshal()
	if err != nil {
		return "", fmt.Errorf("signaling: marshal sdp: %w", err)
	}
	return string(out), nil
}

// isPrivateHostCandidate reports whether a raw ICE candidate attribute
// value (RFC 5245 §15.1, minus the leading "candidate:") describes a host
// candidate whose address is private, loopback or link-local.
func isPrivateHostCandidate(value string) bool {
	fields := strings.Fields(value)
	if len(fields) < 8 {
		return false
	}
	addr, typ := fields[4], ""
	for i, f := range fields {
		if f == "typ" && i+1 < len(fields) {
			typ = fields[i+1]
		}
	}
	if typ != "host" {
		return false
	}
	ip := net.ParseIP(addr)
	return ip != nil && (ip.IsPrivate() || ip.IsLoopback() || ip.IsLinkLocalUnicast())
}
