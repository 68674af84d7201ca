package netio

import (
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/sourcey/libsourcey-go/internal/async"
	"github.com/sourcey/libsourcey-go/internal/scyerr"
)

// Transport is the tagged transport enum from spec.md §3, replacing the
// original's class hierarchy (SocketBase/TCPBase/SSLBase) with composition
// per the redesign note in spec.md §9.
type Transport int

const (
	TransportUDP Transport = iota
	TransportTCP
	TransportTLSTCP
)

func (t Transport) String() string {
	switch t {
	case TransportUDP:
		return "udp"
	case TransportTCP:
		return "tcp"
	case TransportTLSTCP:
		return "tls-tcp"
	default:
		return "unknown"
	}
}

// Socket is a Handle specialization wrapping one of net.Conn (TCP/TLS) or
// net.PacketConn (UDP), with an adapter chain per spec.md §3.
type Socket struct {
	loop      *async.Loop
	transport Transport
	tlsConfig *tls.Config

	mu         sync.Mutex
	conn       net.Conn
	packetConn net.PacketConn
	listener   net.Listener
	localAddr  net.Addr
	peerAddr   net.Addr // connected TCP only, or UDP's "default peer"
	closed     bool
	err        *scyerr.Error

	chain chain

	onAccept func(*Socket)
	readBuf  int
}

// NewSocket constructs an unbound, unconnected Socket for the given
// transport. Callers attach adapters with SetSender/SetReceiver before
// Connect/Bind/Listen.
func NewSocket(loop *async.Loop, transport Transport) *Socket {
	return &Socket{loop: loop, transport: transport, readBuf: 65536}
}

// NewTLSSocket constructs a TransportTLSTCP socket that will use cfg for
// both Dial (client) and the SecureSocket capability's handshake (server),
// per spec.md §1's "TLS primitives consumed through a SecureSocket
// capability".
func NewTLSSocket(loop *async.Loop, cfg *tls.Config) *Socket {
	s := NewSocket(loop, TransportTLSTCP)
	s.tlsConfig = cfg
	return s
}

// Transport returns the socket's transport tag.
func (s *Socket) Transport() Transport { return s.transport }

// SetSender installs adapter as the outgoing link and returns the previous
// one. The Adapter interface has no send method, so nothing is forwarded
// to it: while a sender is installed, Send returns an error and framing
// adapters write to the wire with WriteRaw.
func (s *Socket) SetSender(adapter Adapter) Adapter {
	s.mu.Lock()
	defer s.mu.Unlock()
	old := s.chain.sender
	s.chain.sender = adapter
	return old
}

// SetReceiver installs adapter as the incoming link; incoming data is
// delivered to it instead of directly to the application.
func (s *Socket) SetReceiver(adapter Adapter) Adapter {
	s.mu.Lock()
	defer s.mu.Unlock()
	old := s.chain.receiver
	s.chain.receiver = adapter
	return old
}

// ReplaceReceiver splices newAdapter in as the receiver and schedules the
// previous one for deferred destruction via onReplaced, so any in-flight
// callback on the old adapter completes first -- the defer-delete contract
// of spec.md §4.2.
func (s *Socket) ReplaceReceiver(newAdapter Adapter, onReplaced func(old Adapter)) {
	old := s.SetReceiver(newAdapter)
	if old != nil && onReplaced != nil {
		s.loop.DeferTick(func() { onReplaced(old) })
	}
}

// LocalAddr and PeerAddr report the socket's bound/connected addresses.
func (s *Socket) LocalAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.localAddr
}

func (s *Socket) PeerAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peerAddr
}

// Closed reports whether Close has completed.
func (s *Socket) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Error returns the last cached error, if any.
func (s *Socket) Error() *scyerr.Error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Socket) setErr(err *scyerr.Error) {
	s.mu.Lock()
	s.err = err
	recv := s.chain.receiver
	s.mu.Unlock()
	if recv != nil {
		s.loop.Post(func() { recv.OnSocketError(s, err) })
	}
}

// Connect dials addr. TCP/TLS connect asynchronously and emit OnSocketConnect
// then start the read pump on success; UDP "connects" synchronously,
// recording a default peer for sendless-peer sends, and still emits
// OnSocketConnect to preserve parity across transports (spec.md §4.2).
func (s *Socket) Connect(addr string) error {
	switch s.transport {
	case TransportUDP:
		pc, err := net.ListenPacket("udp", ":0")
		if err != nil {
			return s.failConnect(err)
		}
		peer, err := net.ResolveUDPAddr("udp", addr)
		if err != nil {
			pc.Close()
			return s.failConnect(err)
		}
		s.mu.Lock()
		s.packetConn = pc
		s.localAddr = pc.LocalAddr()
		s.peerAddr = peer
		s.mu.Unlock()
		s.emitConnect()
		go s.readPumpUDP()
		return nil
	default:
		go func() {
			var conn net.Conn
			var err error
			if s.transport == TransportTLSTCP {
				conn, err = tls.Dial("tcp", addr, s.tlsConfig)
			} else {
				conn, err = net.Dial("tcp", addr)
			}
			if err != nil {
				s.loop.Post(func() { s.setErr(scyerr.Wrap(scyerr.ConnectRefused, err)) })
				return
			}
			s.mu.Lock()
			s.conn = conn
			s.localAddr = conn.LocalAddr()
			s.peerAddr = conn.RemoteAddr()
			s.mu.Unlock()
			s.loop.Post(s.emitConnect)
			go s.readPumpTCP()
		}()
		return nil
	}
}

func (s *Socket) failConnect(err error) error {
	e := scyerr.Wrap(scyerr.ConnectRefused, err)
	s.setErr(e)
	return e
}

func (s *Socket) emitConnect() {
	s.mu.Lock()
	recv := s.chain.receiver
	s.mu.Unlock()
	if recv != nil {
		recv.OnSocketConnect(s)
	}
}

// Bind assigns a local address. For UDP this also starts the recv pump.
func (s *Socket) Bind(addr string) error {
	switch s.transport {
	case TransportUDP:
		pc, err := net.ListenPacket("udp", addr)
		if err != nil {
			return scyerr.Wrap(scyerr.AddressInUse, err)
		}
		s.mu.Lock()
		s.packetConn = pc
		s.localAddr = pc.LocalAddr()
		s.mu.Unlock()
		go s.readPumpUDP()
		return nil
	default:
		return errors.New("netio: Bind without Listen is only meaningful for UDP sockets")
	}
}

// Listen starts accepting inbound TCP/TLS connections on addr, invoking
// onAccept with a new, already-connected Socket per accepted connection.
func (s *Socket) Listen(addr string, backlog int, onAccept func(*Socket)) error {
	if s.transport == TransportUDP {
		return errors.New("netio: Listen is TCP/TLS only")
	}
	var ln net.Listener
	var err error
	if s.transport == TransportTLSTCP {
		ln, err = tls.Listen("tcp", addr, s.tlsConfig)
	} else {
		ln, err = net.Listen("tcp", addr)
	}
	if err != nil {
		return scyerr.Wrap(scyerr.AddressInUse, err)
	}
	s.mu.Lock()
	s.localAddr = ln.Addr()
	s.listener = ln
	s.onAccept = onAccept
	s.mu.Unlock()

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			child := NewSocket(s.loop, s.transport)
			child.conn = conn
			child.localAddr = conn.LocalAddr()
			child.peerAddr = conn.RemoteAddr()
			s.loop.Post(func() {
				if s.onAccept != nil {
					s.onAccept(child)
				}
				go child.readPumpTCP()
			})
		}
	}()
	return nil
}

// Send writes data, either through the TCP stream or to a default/explicit
// UDP peer. If a sender adapter is installed, Send writes nothing and
// returns an error; the data is not passed to the adapter. It returns
// bytes written or a negative count with an error and never panics from a
// callback path, per spec.md §4.2.
func (s *Socket) Send(data []byte, peer net.Addr) (int, error) {
	s.mu.Lock()
	sender := s.chain.sender
	s.mu.Unlock()
	if sender != nil {
		// Framing adapters (HTTP/WS/STUN/TURN) write through WriteRaw
		// themselves once they have wrapped the payload.
		return 0, fmt.Errorf("netio: Send must go through the installed sender adapter")
	}
	return s.writeRaw(data, peer)
}

func (s *Socket) writeRaw(data []byte, peer net.Addr) (int, error) {
	s.mu.Lock()
	conn := s.conn
	pc := s.packetConn
	defaultPeer := s.peerAddr
	s.mu.Unlock()

	switch s.transport {
	case TransportUDP:
		if pc == nil {
			return -1, errors.New("netio: udp socket not bound/connected")
		}
		target := peer
		if target == nil {
			target = defaultPeer
		}
		if target == nil {
			return -1, errors.New("netio: no peer address for connectionless send")
		}
		n, err := pc.WriteTo(data, target)
		if err != nil {
			s.setErr(scyerr.Wrap(scyerr.WriteError, err))
			return -1, err
		}
		return n, nil
	default:
		if conn == nil {
			return -1, errors.New("netio: tcp socket not connected")
		}
		n, err := conn.Write(data)
		if err != nil {
			s.setErr(scyerr.Wrap(scyerr.WriteError, err))
			return -1, err
		}
		return n, nil
	}
}

// WriteRaw bypasses the sender adapter chain; adapters call this once they
// have finished framing a payload, mirroring SocketAdapter::send's direct
// access to the underlying transport.
func (s *Socket) WriteRaw(data []byte, peer net.Addr) (int, error) {
	return s.writeRaw(data, peer)
}

func (s *Socket) readPumpTCP() {
	buf := make([]byte, s.readBuf)
	for {
		n, err := s.conn.Read(buf)
		if n > 0 {
			data := append([]byte(nil), buf[:n]...)
			s.loop.Post(func() { s.dispatchRecv(data, s.peerAddr) })
		}
		if err != nil {
			s.loop.Post(func() { s.emitCloseOrError(err) })
			return
		}
	}
}

func (s *Socket) readPumpUDP() {
	buf := make([]byte, s.readBuf)
	for {
		n, peer, err := s.packetConn.ReadFrom(buf)
		if n > 0 {
			data := append([]byte(nil), buf[:n]...)
			s.loop.Post(func() { s.dispatchRecv(data, peer) })
		}
		if err != nil {
			s.loop.Post(func() { s.emitCloseOrError(err) })
			return
		}
	}
}

func (s *Socket) dispatchRecv(data []byte, peer net.Addr) {
	s.mu.Lock()
	closed := s.closed
	recv := s.chain.receiver
	s.mu.Unlock()
	if closed || recv == nil {
		return
	}
	recv.OnSocketRecv(s, data, peer)
}

func (s *Socket) emitCloseOrError(err error) {
	if err != nil && !errors.Is(err, net.ErrClosed) {
		s.setErr(scyerr.Wrap(scyerr.ReadError, err))
	}
	s.Close()
}

// Shutdown sends a FIN after draining outgoing queue, for TCP only. It is
// destructor-safe (may be called during Close).
func (s *Socket) Shutdown() error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if tc, ok := conn.(*net.TCPConn); ok {
		return tc.CloseWrite()
	}
	return nil
}

// Close is idempotent, cancels all pending I/O, and emits OnSocketClose
// exactly once, per spec.md §4.2/§5.
func (s *Socket) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	conn := s.conn
	pc := s.packetConn
	ln := s.listener
	recv := s.chain.receiver
	s.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	if pc != nil {
		pc.Close()
	}
	if ln != nil {
		ln.Close()
	}
	if recv != nil {
		s.loop.Post(func() { recv.OnSocketClose(s) })
	}
}
