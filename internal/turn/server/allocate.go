package server

import (
	"net"
	"time"

	"github.com/sourcey/libsourcey-go/internal/netio"
	"github.com/sourcey/libsourcey-go/internal/scyerr"
	"github.com/sourcey/libsourcey-go/internal/stun"
	"github.com/sourcey/libsourcey-go/internal/turn/common"
)

func clampLifetime(requested, dflt, max time.Duration) time.Duration {
	if requested <= 0 {
		return dflt
	}
	if requested > max {
		return max
	}
	return requested
}

func lifetimeFromMessage(m *stun.Message, dflt, max time.Duration) time.Duration {
	if a := m.Get(stun.AttrLifetime); a != nil {
		if secs, err := a.Uint32(); err == nil {
			return clampLifetime(time.Duration(secs)*time.Second, dflt, max)
		}
	}
	return dflt
}

// toUDPAddr normalizes a TCP or UDP net.Addr down to its IP/port pair, since
// STUN's XOR-address attributes only ever encode IP and port and RFC 6062's
// TCP control/relay addresses need the same encoding as RFC 5766's UDP ones.
func toUDPAddr(addr net.Addr) *net.UDPAddr {
	switch a := addr.(type) {
	case *net.UDPAddr:
		return a
	case *net.TCPAddr:
		return &net.UDPAddr{IP: a.IP, Port: a.Port}
	default:
		return nil
	}
}

// handleAllocate implements RFC 5766 §6 and, for REQUESTED-TRANSPORT=TCP,
// RFC 6062 §4.2: authenticate, reject a duplicate five-tuple with 437,
// reject an unsupported REQUESTED-TRANSPORT with 442, open a relay
// transport address and install the allocation. A UDP relay is a single
// bound socket that exchanges datagrams with any permitted peer; a TCP
// relay is a listening socket peers dial into (RFC 6062 §4.5).
func (s *Server) handleAllocate(sock *netio.Socket, m *stun.Message, peer net.Addr, transport common.Transport) {
	auth := s.authenticateRequest(m)
	if !auth.ok {
		s.sendChallenge(sock, m, peer, auth.nonce)
		return
	}

	rt := m.Get(stun.AttrRequestedTransport)
	if rt == nil {
		s.sendError(sock, m, peer, auth.key, 400, "missing REQUESTED-TRANSPORT")
		return
	}
	proto, _ := rt.RequestedTransport()
	if proto != 17 && proto != 6 {
		s.sendError(sock, m, peer, auth.key, codeFor(scyerr.UnsupportedTransport), "unsupported transport")
		return
	}

	tuple := s.tupleFor(sock, peer, transport)

	s.mu.Lock()
	if existing, ok := s.allocations[tuple]; ok && !existing.Expired(time.Now()) {
		s.mu.Unlock()
		s.sendError(sock, m, peer, auth.key, codeFor(scyerr.AllocationMismatch), "allocation already exists")
		return
	}
	s.mu.Unlock()

	var relay *netio.Socket
	if proto == 6 {
		relay = netio.NewTCPSocket(s.loop)
		if err := relay.Listen(net.JoinHostPort(s.cfg.RelayIP.String(), "0"), 128, func(child *netio.Socket) {
			s.handlePeerConnect(tuple, child)
		}); err != nil {
			s.sendError(sock, m, peer, auth.key, 508, "insufficient capacity")
			return
		}
	} else {
		relay = netio.NewUDPSocket(s.loop)
		if err := relay.Bind(net.JoinHostPort(s.cfg.RelayIP.String(), "0")); err != nil {
			s.sendError(sock, m, peer, auth.key, 508, "insufficient capacity")
			return
		}
		relay.SetReceiver(&relayAdapter{server: s, tuple: tuple})
	}

	lifetime := lifetimeFromMessage(m, s.cfg.DefaultLifetime, s.cfg.MaxLifetime)
	now := time.Now()
	alloc := common.NewAllocation(tuple, relay.LocalAddr(), auth.username, s.realm, auth.key, lifetime, now)

	s.mu.Lock()
	s.allocations[tuple] = alloc
	s.relays[tuple] = relay
	if transport == common.TransportTCP {
		// the control connection doubles as the channel ConnectionAttempt
		// indications ride on, so record it even if the client never ends
		// up calling Connect itself (RFC 6062 §4.5's unsolicited-peer case).
		s.controlByClient[tuple.ClientAddr.String()] = sock
	}
	s.mu.Unlock()

	s.log.Info().Str("allocation", alloc.ID).Str("client", tuple.ClientAddr.String()).
		Str("relay", relay.LocalAddr().String()).Str("relay_transport", relay.Transport().String()).
		Msg("turn: allocation created")

	s.sendSuccess(sock, m, peer, auth.key,
		stun.NewXorAddress(stun.AttrXorRelayedAddress, toUDPAddr(relay.LocalAddr()), m.TransactionID),
		stun.NewXorAddress(stun.AttrXorMappedAddress, toUDPAddr(peer), m.TransactionID),
		stun.NewLifetime(uint32(lifetime.Seconds())),
	)
}

// handleRefresh implements RFC 5766 §7: extends lifetime, or, if the
// requested lifetime is 0, deletes the allocation immediately.
func (s *Server) handleRefresh(sock *netio.Socket, m *stun.Message, peer net.Addr, transport common.Transport) {
	auth := s.authenticateRequest(m)
	if !auth.ok {
		s.sendChallenge(sock, m, peer, auth.nonce)
		return
	}

	tuple := s.tupleFor(sock, peer, transport)
	s.mu.Lock()
	alloc, ok := s.allocations[tuple]
	s.mu.Unlock()
	if !ok {
		s.sendError(sock, m, peer, auth.key, codeFor(scyerr.AllocationMismatch), "no allocation")
		return
	}

	lifetime := lifetimeFromMessage(m, s.cfg.DefaultLifetime, s.cfg.MaxLifetime)
	now := time.Now()
	if a := m.Get(stun.AttrLifetime); a != nil {
		if secs, err := a.Uint32(); err == nil && secs == 0 {
			lifetime = 0
		}
	}
	alloc.Refresh(lifetime, now)
	if alloc.Expired(now) {
		s.mu.Lock()
		if relay, ok := s.relays[tuple]; ok {
			relay.Close()
			delete(s.relays, tuple)
		}
		delete(s.allocations, tuple)
		s.mu.Unlock()
	}

	s.sendSuccess(sock, m, peer, auth.key, stun.NewLifetime(uint32(lifetime.Seconds())))
}

// handleCreatePermission implements RFC 5766 §9: installs a permission for
// every XOR-PEER-ADDRESS in the request.
func (s *Server) handleCreatePermission(sock *netio.Socket, m *stun.Message, peer net.Addr, transport common.Transport) {
	auth := s.authenticateRequest(m)
	if !auth.ok {
		s.sendChallenge(sock, m, peer, auth.nonce)
		return
	}

	tuple := s.tupleFor(sock, peer, transport)
	s.mu.Lock()
	alloc, ok := s.allocations[tuple]
	s.mu.Unlock()
	if !ok {
		s.sendError(sock, m, peer, auth.key, codeFor(scyerr.AllocationMismatch), "no allocation")
		return
	}

	peers := m.GetAll(stun.AttrXorPeerAddress)
	if len(peers) == 0 {
		s.sendError(sock, m, peer, auth.key, 400, "missing XOR-PEER-ADDRESS")
		return
	}
	now := time.Now()
	for _, p := range peers {
		addr, err := p.XorAddress(m.TransactionID)
		if err != nil {
			s.sendError(sock, m, peer, auth.key, 400, "malformed XOR-PEER-ADDRESS")
			return
		}
		if !s.cfg.peerAllowed(addr.IP) {
			s.sendError(sock, m, peer, auth.key, codeFor(scyerr.PeerError), "peer IP not allowed")
			return
		}
		alloc.CreatePermission(addr.IP, s.cfg.PermissionLife, now)
	}
	s.sendSuccess(sock, m, peer, auth.key)
}

// handleChannelBind implements RFC 5766 §11: binds a channel number to a
// peer address and grants the matching permission.
func (s *Server) handleChannelBind(sock *netio.Socket, m *stun.Message, peer net.Addr, transport common.Transport) {
	auth := s.authenticateRequest(m)
	if !auth.ok {
		s.sendChallenge(sock, m, peer, auth.nonce)
		return
	}

	tuple := s.tupleFor(sock, peer, transport)
	s.mu.Lock()
	alloc, ok := s.allocations[tuple]
	s.mu.Unlock()
	if !ok {
		s.sendError(sock, m, peer, auth.key, codeFor(scyerr.AllocationMismatch), "no allocation")
		return
	}

	chAttr := m.Get(stun.AttrChannelNumber)
	peerAttr := m.Get(stun.AttrXorPeerAddress)
	if chAttr == nil || peerAttr == nil {
		s.sendError(sock, m, peer, auth.key, 400, "missing CHANNEL-NUMBER or XOR-PEER-ADDRESS")
		return
	}
	channel, _ := chAttr.ChannelNumber()
	if channel < common.ChannelNumberMin || channel > common.ChannelNumberMax {
		s.sendError(sock, m, peer, auth.key, codeFor(scyerr.BadChannel), "channel number out of range")
		return
	}
	peerAddr, err := peerAttr.XorAddress(m.TransactionID)
	if err != nil {
		s.sendError(sock, m, peer, auth.key, 400, "malformed XOR-PEER-ADDRESS")
		return
	}
	if !s.cfg.peerAllowed(peerAddr.IP) {
		s.sendError(sock, m, peer, auth.key, codeFor(scyerr.PeerError), "peer IP not allowed")
		return
	}

	if existing, ok := alloc.Channels[channel]; ok && existing.Peer.String() != peerAddr.String() {
		s.sendError(sock, m, peer, auth.key, codeFor(scyerr.BadChannel), "channel already bound to a different peer")
		return
	}
	alloc.BindChannel(channel, peerAddr, peerAddr.IP, s.cfg.ChannelLife, time.Now())
	s.sendSuccess(sock, m, peer, auth.key)
}

// handleBinding answers a plain RFC 5389 Binding request with the client's
// reflexive address, independent of any allocation (spec.md §4.4).
func (s *Server) handleBinding(sock *netio.Socket, m *stun.Message, peer net.Addr) {
	udpAddr, ok := peer.(*net.UDPAddr)
	if !ok {
		return
	}
	resp := &stun.Message{Method: stun.MethodBinding, Class: stun.ClassSuccessResponse, TransactionID: m.TransactionID}
	resp.Add(stun.NewXorAddress(stun.AttrXorMappedAddress, udpAddr, m.TransactionID))
	_ = resp.AddFingerprint()
	encoded, err := resp.Encode()
	if err != nil {
		return
	}
	_, _ = sock.WriteRaw(encoded, peer)
}
