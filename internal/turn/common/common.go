// Package common holds the TURN (RFC 5766/6062) data model shared by the
// client and server packages: the five-tuple key, allocation/permission/
// channel-binding records, and TCP relay connection sub-states. Grounded on
// original_source/src/turn/include/scy/turn/types.h's turn::Request wrapper
// and AuthenticationState enum, generalized from a single client/server pair
// into the full allocation table spec.md §4.6 describes.
package common

import (
	"net"
	"time"

	"github.com/google/uuid"
)

// FiveTuple identifies a TURN allocation: client transport address, server
// transport address and transport protocol, per RFC 5766 §2.
type FiveTuple struct {
	ClientAddr net.Addr
	ServerAddr net.Addr
	Transport  Transport
}

// Transport distinguishes the client<->server leg's protocol.
type Transport int

const (
	TransportUDP Transport = iota
	TransportTCP
)

func (t Transport) String() string {
	if t == TransportTCP {
		return "tcp"
	}
	return "udp"
}

// Permission authorizes relayed traffic to/from a peer IP, independent of
// port, per spec.md §9's Open Question resolution (IP-only matching, RFC
// 5766 §9's default).
type Permission struct {
	PeerIP  net.IP
	Expires time.Time
}

func (p *Permission) Expired(now time.Time) bool { return !now.Before(p.Expires) }

// ChannelBinding maps a 0x4000-0x7FFF channel number to a peer address, per
// RFC 5766 §11. Scope is per-allocation (spec.md §9 Open Question).
type ChannelBinding struct {
	Number  uint16
	Peer    net.Addr
	Expires time.Time
}

func (c *ChannelBinding) Expired(now time.Time) bool { return !now.Before(c.Expires) }

const (
	ChannelNumberMin = 0x4000
	ChannelNumberMax = 0x7FFF
)

// TCPConnState is the RFC 6062 per-connection state machine for a relayed
// TCP peer connection: a Connect request (or a peer dialing the relayed
// address) creates one in TCPConnPendingBind; a successful ConnectionBind
// promotes it to TCPConnBound, after which data flows bidirectionally with
// no further framing.
type TCPConnState int

const (
	TCPConnConnecting TCPConnState = iota
	TCPConnPendingBind
	TCPConnBound
	TCPConnClosed
)

// TCPConnection tracks one RFC 6062 relayed TCP connection between the
// server and a peer, keyed by a server-assigned connection id.
type TCPConnection struct {
	ID      uint32
	Peer    net.Addr
	State   TCPConnState
	Created time.Time
}

// Allocation is the full per-client relay record: its five-tuple, relayed
// transport address, permission set, channel bindings, lifetime, and (for
// TCP relays) pending peer connections, per RFC 5766 §2 and RFC 6062 §4.
type Allocation struct {
	// ID correlates an allocation across log lines independent of its
	// five-tuple, which changes meaning once a client's mapped address
	// changes behind a NAT rebinding.
	ID          string
	FiveTuple   FiveTuple
	RelayedAddr net.Addr
	Username    string
	Realm       string
	Key         []byte // long-term credential key, for relayed-data integrity checks

	Expires time.Time

	Permissions map[string]*Permission   // keyed by peer IP.String()
	Channels    map[uint16]*ChannelBinding
	PeerByAddr  map[string]*ChannelBinding // keyed by peer addr.String(), for reverse lookup

	TCPConns map[uint32]*TCPConnection

	BandwidthUsed int64 // bytes relayed this accounting window, for quota enforcement
}

// NewAllocation constructs an empty allocation record.
func NewAllocation(tuple FiveTuple, relayed net.Addr, username, realm string, key []byte, lifetime time.Duration, now time.Time) *Allocation {
	return &Allocation{
		ID:          uuid.NewString(),
		FiveTuple:   tuple,
		RelayedAddr: relayed,
		Username:    username,
		Realm:       realm,
		Key:         key,
		Expires:     now.Add(lifetime),
		Permissions: make(map[string]*Permission),
		Channels:    make(map[uint16]*ChannelBinding),
		PeerByAddr:  make(map[string]*ChannelBinding),
		TCPConns:    make(map[uint32]*TCPConnection),
	}
}

// Refresh extends the allocation's lifetime from now, or, if lifetime is 0,
// marks it for immediate expiry (RFC 5766 §7.3's delete-on-zero-lifetime
// refresh).
func (a *Allocation) Refresh(lifetime time.Duration, now time.Time) {
	if lifetime <= 0 {
		a.Expires = now
		return
	}
	a.Expires = now.Add(lifetime)
}

func (a *Allocation) Expired(now time.Time) bool { return !now.Before(a.Expires) }

// HasPermission reports whether peerIP currently holds an unexpired
// permission.
func (a *Allocation) HasPermission(peerIP net.IP, now time.Time) bool {
	p, ok := a.Permissions[peerIP.String()]
	return ok && !p.Expired(now)
}

// CreatePermission installs or refreshes a permission for peerIP, per RFC
// 5766 §9.2's 5-minute default lifetime.
func (a *Allocation) CreatePermission(peerIP net.IP, lifetime time.Duration, now time.Time) {
	a.Permissions[peerIP.String()] = &Permission{PeerIP: peerIP, Expires: now.Add(lifetime)}
}

// BindChannel installs a channel number <-> peer mapping and the implicit
// permission RFC 5766 §11 grants alongside it.
func (a *Allocation) BindChannel(number uint16, peer net.Addr, peerIP net.IP, lifetime time.Duration, now time.Time) {
	cb := &ChannelBinding{Number: number, Peer: peer, Expires: now.Add(lifetime)}
	a.Channels[number] = cb
	a.PeerByAddr[peer.String()] = cb
	a.CreatePermission(peerIP, lifetime, now)
}

// ChannelFor returns the channel bound to peer, if any and unexpired.
func (a *Allocation) ChannelFor(peer net.Addr, now time.Time) (*ChannelBinding, bool) {
	cb, ok := a.PeerByAddr[peer.String()]
	if !ok || cb.Expired(now) {
		return nil, false
	}
	return cb, true
}

// PeerFor returns the peer address bound to a channel number, if any and
// unexpired.
func (a *Allocation) PeerFor(number uint16, now time.Time) (net.Addr, bool) {
	cb, ok := a.Channels[number]
	if !ok || cb.Expired(now) {
		return nil, false
	}
	return cb.Peer, true
}

// Sweep removes expired permissions and channel bindings, returning counts
// removed (used by the server's periodic eviction pass, spec.md §4.6).
func (a *Allocation) Sweep(now time.Time) (permsRemoved, channelsRemoved int) {
	for k, p := range a.Permissions {
		if p.Expired(now) {
			delete(a.Permissions, k)
			permsRemoved++
		}
	}
	for k, cb := range a.Channels {
		if cb.Expired(now) {
			delete(a.Channels, k)
			delete(a.PeerByAddr, cb.Peer.String())
			channelsRemoved++
		}
	}
	return
}
