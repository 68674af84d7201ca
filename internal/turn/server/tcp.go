package server

import (
	"io"
	"net"
	"sync/atomic"
	"time"

	"github.com/sourcey/libsourcey-go/internal/netio"
	"github.com/sourcey/libsourcey-go/internal/scyerr"
	"github.com/sourcey/libsourcey-go/internal/stun"
	"github.com/sourcey/libsourcey-go/internal/turn/common"
)

// tcpClientConn adapts one accepted TCP connection to the server's STUN
// message dispatch, buffering partial reads the way a framed stream parser
// must (RFC 6062's control connection carries length-prefixed STUN
// messages, one per TCP segment boundary is not guaranteed).
type tcpClientConn struct {
	netio.BaseAdapter
	server *Server
	sock   *netio.Socket
	buf    []byte
}

func (c *tcpClientConn) OnSocketConnect(*netio.Socket) {}

func (c *tcpClientConn) OnSocketRecv(_ *netio.Socket, data []byte, peer net.Addr) {
	c.buf = append(c.buf, data...)
	for {
		n := stunMessageLen(c.buf)
		if n == 0 || len(c.buf) < n {
			return
		}
		msg := c.buf[:n]
		c.buf = c.buf[n:]
		m, err := stun.Decode(msg)
		if err != nil {
			continue
		}
		c.server.dispatch(c.sock, m, c.sock.PeerAddr(), common.TransportTCP)
	}
}

func (c *tcpClientConn) OnSocketClose(sock *netio.Socket) {
	c.server.mu.Lock()
	delete(c.server.controlByClient, sock.PeerAddr().String())
	c.server.mu.Unlock()
}

// stunMessageLen returns the total wire length (header + body) of the STUN
// message at the front of buf, or 0 if buf doesn't yet hold a full header.
func stunMessageLen(buf []byte) int {
	const headerLen = 20
	if len(buf) < headerLen {
		return 0
	}
	length := int(buf[2])<<8 | int(buf[3])
	return headerLen + length
}

var nextConnID uint32

// handleConnect implements RFC 6062 §4.3: start a TCP dial to peer and
// return a CONNECTION-ID for the client to bind with a fresh TCP
// connection. The success response is sent once the dial is started; it
// does not wait for the dial to complete, and a dial that fails later is
// not reported to the client.
func (s *Server) handleConnect(sock *netio.Socket, m *stun.Message, clientAddr net.Addr, transport common.Transport) {
	if transport != common.TransportTCP {
		s.sendError(sock, m, clientAddr, nil, 400, "Connect requires a TCP allocation")
		return
	}
	auth := s.authenticateRequest(m)
	if !auth.ok {
		s.sendChallenge(sock, m, clientAddr, auth.nonce)
		return
	}

	tuple := s.tupleFor(sock, clientAddr, transport)
	s.mu.Lock()
	alloc, ok := s.allocations[tuple]
	s.controlByClient[clientAddr.String()] = sock
	s.mu.Unlock()
	if !ok {
		s.sendError(sock, m, clientAddr, auth.key, codeFor(scyerr.AllocationMismatch), "no allocation")
		return
	}

	peerAttr := m.Get(stun.AttrXorPeerAddress)
	if peerAttr == nil {
		s.sendError(sock, m, clientAddr, auth.key, 400, "missing XOR-PEER-ADDRESS")
		return
	}
	peerAddr, err := peerAttr.XorAddress(m.TransactionID)
	if err != nil {
		s.sendError(sock, m, clientAddr, auth.key, 400, "malformed XOR-PEER-ADDRESS")
		return
	}
	if !s.cfg.peerAllowed(peerAddr.IP) {
		s.sendError(sock, m, clientAddr, auth.key, codeFor(scyerr.PeerError), "peer IP not allowed")
		return
	}
	if !alloc.HasPermission(peerAddr.IP, time.Now()) {
		s.sendError(sock, m, clientAddr, auth.key, codeFor(scyerr.PeerError), "no permission installed for peer")
		return
	}

	peerSock := netio.NewTCPSocket(s.loop)
	if err := peerSock.Connect(peerAddr.String()); err != nil {
		s.sendError(sock, m, clientAddr, auth.key, codeFor(scyerr.ConnectionTimeoutOrFailure), "connect to peer failed")
		return
	}

	id := atomic.AddUint32(&nextConnID, 1)
	conn := &common.TCPConnection{ID: id, Peer: peerAddr, State: common.TCPConnPendingBind, Created: time.Now()}
	s.mu.Lock()
	s.tcpConns[id] = &pendingTCPConn{conn: conn, peerSock: peerSock, allocation: tuple}
	s.tcpByAlloc[tuple] = append(s.tcpByAlloc[tuple], id)
	s.mu.Unlock()

	s.sendSuccess(sock, m, clientAddr, auth.key, stun.NewConnectionID(id))
}

// handlePeerConnect is the TCP relay listener's onAccept callback for RFC
// 6062 §4.5's unsolicited-peer scenario: a peer dials the relayed transport
// address directly, before the client ever calls Connect. If the peer IP
// holds a permission, the connection is held pending a ConnectionBind and
// the client's control connection is notified with a ConnectionAttempt
// indication carrying the new CONNECTION-ID; otherwise it's refused.
func (s *Server) handlePeerConnect(tuple common.FiveTuple, peerSock *netio.Socket) {
	now := time.Now()
	peerAddr := toUDPAddr(peerSock.PeerAddr())

	s.mu.Lock()
	alloc, ok := s.allocations[tuple]
	if !ok || peerAddr == nil || !alloc.HasPermission(peerAddr.IP, now) {
		s.mu.Unlock()
		peerSock.Close()
		return
	}
	clientSock, ok := s.controlByClient[tuple.ClientAddr.String()]
	if !ok {
		s.mu.Unlock()
		peerSock.Close()
		return
	}

	id := atomic.AddUint32(&nextConnID, 1)
	conn := &common.TCPConnection{ID: id, Peer: peerSock.PeerAddr(), State: common.TCPConnPendingBind, Created: now}
	s.tcpConns[id] = &pendingTCPConn{conn: conn, peerSock: peerSock, allocation: tuple}
	s.tcpByAlloc[tuple] = append(s.tcpByAlloc[tuple], id)
	s.mu.Unlock()

	ind := stun.NewMessage(stun.MethodConnectionAttempt, stun.ClassIndication)
	ind.Add(stun.NewConnectionID(id))
	ind.Add(stun.NewXorAddress(stun.AttrXorPeerAddress, peerAddr, ind.TransactionID))
	encoded, err := ind.Encode()
	if err != nil {
		return
	}
	_, _ = clientSock.WriteRaw(encoded, tuple.ClientAddr)
}

// handleConnectionBind implements RFC 6062 §4.4: the client opens a new TCP
// connection and sends ConnectionBind with the CONNECTION-ID from Connect's
// response; once bound, bytes flow unframed in both directions.
func (s *Server) handleConnectionBind(sock *netio.Socket, m *stun.Message, clientAddr net.Addr) {
	auth := s.authenticateRequest(m)
	if !auth.ok {
		s.sendChallenge(sock, m, clientAddr, auth.nonce)
		return
	}

	idAttr := m.Get(stun.AttrConnectionID)
	if idAttr == nil {
		s.sendError(sock, m, clientAddr, auth.key, 400, "missing CONNECTION-ID")
		return
	}
	id, _ := idAttr.Uint32()

	s.mu.Lock()
	pending, ok := s.tcpConns[id]
	if ok {
		delete(s.tcpConns, id)
	}
	s.mu.Unlock()
	if !ok || pending.conn.State != common.TCPConnPendingBind {
		s.sendError(sock, m, clientAddr, auth.key, codeFor(scyerr.ConnectionTimeoutOrFailure), "unknown or already-bound connection id")
		return
	}
	pending.conn.State = common.TCPConnBound
	s.sendSuccess(sock, m, clientAddr, auth.key)

	go spliceTCP(sock, pending.peerSock)
}

// spliceTCP relays raw bytes between the client's data connection and the
// peer connection for the lifetime of an RFC 6062 bound relay, bypassing
// the STUN/ChannelData framing entirely per RFC 6062 §4's "data is not
// wrapped in any other protocol" requirement.
func spliceTCP(clientData, peerSock *netio.Socket) {
	errs := make(chan error, 2)
	go func() { errs <- pump(clientData, peerSock) }()
	go func() { errs <- pump(peerSock, clientData) }()
	<-errs
	clientData.Close()
	peerSock.Close()
}

// pump drains src's raw recv stream into dst.WriteRaw. It installs a
// pumpAdapter as src's receiver for the duration of the call.
func pump(src, dst *netio.Socket) error {
	ch := make(chan []byte, 64)
	done := make(chan struct{})
	src.SetReceiver(&pumpAdapter{ch: ch, done: done})
	defer src.SetReceiver(netio.BaseAdapter{})

	for {
		select {
		case data := <-ch:
			if _, err := dst.WriteRaw(data, dst.PeerAddr()); err != nil {
				return err
			}
		case <-done:
			return io.EOF
		}
	}
}

type pumpAdapter struct {
	netio.BaseAdapter
	ch   chan []byte
	done chan struct{}
}

func (p *pumpAdapter) OnSocketRecv(_ *netio.Socket, data []byte, _ net.Addr) {
	cp := append([]byte(nil), data...)
	p.ch <- cp
}

func (p *pumpAdapter) OnSocketClose(*netio.Socket) {
	close(p.done)
}
