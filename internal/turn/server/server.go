package server

import (
	"encoding/binary"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/sourcey/libsourcey-go/internal/async"
	"github.com/sourcey/libsourcey-go/internal/netio"
	"github.com/sourcey/libsourcey-go/internal/scyerr"
	"github.com/sourcey/libsourcey-go/internal/sked"
	"github.com/sourcey/libsourcey-go/internal/stun"
	"github.com/sourcey/libsourcey-go/internal/turn/common"
)

// Config tunes a Server's lifetimes and quotas, per spec.md §4.6.
type Config struct {
	Realm             string
	Auth              Authenticator
	NonceLifetime     time.Duration // default 10 minutes, RFC 5766 recommendation
	DefaultLifetime   time.Duration // Allocate/Refresh default, 600s per RFC 5766 §2.2
	MaxLifetime       time.Duration
	PermissionLife    time.Duration // 300s per RFC 5766 §9.2
	ChannelLife       time.Duration // 600s per RFC 5766 §11
	SweepInterval     time.Duration
	BandwidthQuota    int64 // bytes per allocation per sweep interval, 0 = unlimited
	RelayIP           net.IP

	// AllowedPeerIPs, if non-empty, restricts CreatePermission/ChannelBind/
	// Connect to these peer IPs, on top of the long-term credential check,
	// per original_source/src/turn/include/scy/turn/types.h's IPList.
	AllowedPeerIPs []net.IP
}

func (c *Config) peerAllowed(ip net.IP) bool {
	if len(c.AllowedPeerIPs) == 0 {
		return true
	}
	for _, allowed := range c.AllowedPeerIPs {
		if allowed.Equal(ip) {
			return true
		}
	}
	return false
}

func (c *Config) setDefaults() {
	if c.NonceLifetime == 0 {
		c.NonceLifetime = 10 * time.Minute
	}
	if c.DefaultLifetime == 0 {
		c.DefaultLifetime = 600 * time.Second
	}
	if c.MaxLifetime == 0 {
		c.MaxLifetime = 3600 * time.Second
	}
	if c.PermissionLife == 0 {
		c.PermissionLife = 300 * time.Second
	}
	if c.ChannelLife == 0 {
		c.ChannelLife = 600 * time.Second
	}
	if c.SweepInterval == 0 {
		c.SweepInterval = 30 * time.Second
	}
	if c.RelayIP == nil {
		c.RelayIP = net.IPv4zero
	}
}

// Server is a TURN server per RFC 5766/6062, fielding requests over one UDP
// control socket and, optionally, one TCP control/data socket for TCP
// allocations. Grounded on the teacher's broker.go Broker dispatch loop:
// one goroutine (here, netio's read pump plus this handler) draining
// inbound work against a shared, mutex-protected table.
type Server struct {
	cfg    Config
	realm  string
	auth   Authenticator
	nonces *nonceManager
	log    zerolog.Logger

	loop *async.Loop

	udpSock *netio.Socket
	tcpSock *netio.Socket

	mu          sync.Mutex
	allocations map[common.FiveTuple]*common.Allocation
	relays      map[common.FiveTuple]*netio.Socket
	tcpConns    map[uint32]*pendingTCPConn
	tcpByAlloc  map[common.FiveTuple][]uint32

	controlByClient map[string]*netio.Socket // client addr -> its TCP control socket, for ConnectionAttempt indications

	sked *sked.Scheduler
}

type pendingTCPConn struct {
	conn      *common.TCPConnection
	peerSock  *netio.Socket
	allocation common.FiveTuple
}

// New constructs a Server bound to no sockets yet; call ListenUDP/ListenTCP
// to accept traffic.
func New(loop *async.Loop, cfg Config, log zerolog.Logger) *Server {
	cfg.setDefaults()
	return &Server{
		cfg:             cfg,
		realm:           cfg.Realm,
		auth:            cfg.Auth,
		nonces:          newNonceManager(cfg.NonceLifetime),
		log:             log,
		loop:            loop,
		allocations:     make(map[common.FiveTuple]*common.Allocation),
		relays:          make(map[common.FiveTuple]*netio.Socket),
		tcpConns:        make(map[uint32]*pendingTCPConn),
		tcpByAlloc:      make(map[common.FiveTuple][]uint32),
		controlByClient: make(map[string]*netio.Socket),
		sked:            sked.New(loop),
	}
}

// LocalAddr returns the address the UDP control socket is bound to, for
// clients dialing in over loopback or a test harness.
func (s *Server) LocalAddr() string {
	if s.udpSock == nil {
		return ""
	}
	return s.udpSock.LocalAddr().String()
}

// LocalAddrTCP returns the address the TCP control socket is bound to, for
// RFC 6062 clients dialing in over loopback or a test harness.
func (s *Server) LocalAddrTCP() string {
	if s.tcpSock == nil {
		return ""
	}
	return s.tcpSock.LocalAddr().String()
}

// ListenUDP binds the server's UDP control/relay-signaling socket.
func (s *Server) ListenUDP(addr string) error {
	sock := netio.NewUDPSocket(s.loop)
	sock.SetReceiver(s)
	if err := sock.Bind(addr); err != nil {
		return err
	}
	s.udpSock = sock
	return nil
}

// ListenTCP binds the server's TCP control socket for RFC 6062 TCP
// allocations; each accepted connection is itself either a control
// connection (Allocate/Refresh/...) or a data connection (ConnectionBind).
func (s *Server) ListenTCP(addr string) error {
	sock := netio.NewTCPSocket(s.loop)
	if err := sock.Listen(addr, 128, func(child *netio.Socket) {
		child.SetReceiver(&tcpClientConn{server: s, sock: child})
	}); err != nil {
		return err
	}
	s.tcpSock = sock
	return nil
}

// Run schedules the periodic eviction sweep on the server's internal/sked
// Scheduler. It returns immediately; call once, not in a goroutine, since
// sked.Scheduler.Schedule only posts work onto the loop rather than
// blocking.
func (s *Server) Run() {
	s.sked.Schedule(&sked.Task{
		ID:      "turn-server-eviction-sweep",
		Trigger: sked.Every{Interval: s.cfg.SweepInterval},
		Run:     func() { s.sweep(time.Now()) },
	})
}

// Close cancels the eviction sweep and tears down all listening sockets.
func (s *Server) Close() {
	s.sked.Cancel("turn-server-eviction-sweep")
	if s.udpSock != nil {
		s.udpSock.Close()
	}
	if s.tcpSock != nil {
		s.tcpSock.Close()
	}
}

func (s *Server) sweep(now time.Time) {
	s.nonces.sweep(now)

	s.mu.Lock()
	defer s.mu.Unlock()
	for tuple, alloc := range s.allocations {
		if alloc.Expired(now) {
			if relay, ok := s.relays[tuple]; ok {
				relay.Close()
				delete(s.relays, tuple)
			}
			delete(s.allocations, tuple)
			delete(s.controlByClient, tuple.ClientAddr.String())
			continue
		}
		permsRemoved, chansRemoved := alloc.Sweep(now)
		if permsRemoved+chansRemoved > 0 {
			s.log.Debug().Str("client", tuple.ClientAddr.String()).
				Int("perms_removed", permsRemoved).Int("channels_removed", chansRemoved).
				Msg("turn: evicted expired permissions/channels")
		}
		alloc.BandwidthUsed = 0 // reset quota accounting window
	}
}

// --- netio.Adapter over the UDP control socket ------------------------

func (s *Server) OnSocketConnect(*netio.Socket) {}
func (s *Server) OnSocketError(_ *netio.Socket, err *scyerr.Error) {
	s.log.Warn().Err(err).Msg("turn: udp control socket error")
}
func (s *Server) OnSocketClose(*netio.Socket) {}

func (s *Server) OnSocketRecv(sock *netio.Socket, data []byte, peer net.Addr) {
	if isChannelData(data) {
		s.handleChannelData(sock, data, peer, common.TransportUDP)
		return
	}
	m, err := stun.Decode(data)
	if err != nil {
		return // silently drop malformed datagrams, per RFC 5766 §5
	}
	s.dispatch(sock, m, peer, common.TransportUDP)
}

func isChannelData(data []byte) bool {
	if len(data) < 4 {
		return false
	}
	num := binary.BigEndian.Uint16(data[0:2])
	return num >= common.ChannelNumberMin && num <= common.ChannelNumberMax
}

func (s *Server) tupleFor(sock *netio.Socket, peer net.Addr, transport common.Transport) common.FiveTuple {
	return common.FiveTuple{ClientAddr: peer, ServerAddr: sock.LocalAddr(), Transport: transport}
}

func (s *Server) dispatch(sock *netio.Socket, m *stun.Message, peer net.Addr, transport common.Transport) {
	switch {
	case m.Method == stun.MethodAllocate && m.Class == stun.ClassRequest:
		s.handleAllocate(sock, m, peer, transport)
	case m.Method == stun.MethodRefresh && m.Class == stun.ClassRequest:
		s.handleRefresh(sock, m, peer, transport)
	case m.Method == stun.MethodCreatePermission && m.Class == stun.ClassRequest:
		s.handleCreatePermission(sock, m, peer, transport)
	case m.Method == stun.MethodChannelBind && m.Class == stun.ClassRequest:
		s.handleChannelBind(sock, m, peer, transport)
	case m.Method == stun.MethodSend && m.Class == stun.ClassIndication:
		s.handleSendIndication(m, peer, transport)
	case m.Method == stun.MethodConnect && m.Class == stun.ClassRequest:
		s.handleConnect(sock, m, peer, transport)
	case m.Method == stun.MethodConnectionBind && m.Class == stun.ClassRequest:
		s.handleConnectionBind(sock, m, peer)
	case m.Method == stun.MethodBinding && m.Class == stun.ClassRequest:
		s.handleBinding(sock, m, peer)
	default:
		s.sendError(sock, m, peer, nil, 400, "unsupported request")
	}
}

// --- shared response helpers -------------------------------------------

func (s *Server) sendSuccess(sock *netio.Socket, req *stun.Message, peer net.Addr, key []byte, attrs ...stun.Attribute) {
	resp := &stun.Message{Method: req.Method, Class: stun.ClassSuccessResponse, TransactionID: req.TransactionID}
	for _, a := range attrs {
		resp.Add(a)
	}
	if key != nil {
		_ = resp.AddMessageIntegrity(key)
	}
	encoded, err := resp.Encode()
	if err != nil {
		return
	}
	_, _ = sock.WriteRaw(encoded, peer)
}

func (s *Server) sendError(sock *netio.Socket, req *stun.Message, peer net.Addr, key []byte, code int, reason string) {
	resp := &stun.Message{Method: req.Method, Class: stun.ClassErrorResponse, TransactionID: req.TransactionID}
	resp.Add(stun.NewErrorCode(code, reason))
	if key != nil {
		_ = resp.AddMessageIntegrity(key)
	}
	encoded, err := resp.Encode()
	if err != nil {
		return
	}
	_, _ = sock.WriteRaw(encoded, peer)
}

// sendChallenge replies 401 Unauthorized with the server's realm and a
// caller-supplied nonce (already issued by authenticateRequest), per
// RFC 5766 §6.2/§6.3.
func (s *Server) sendChallenge(sock *netio.Socket, req *stun.Message, peer net.Addr, nonce string) {
	resp := &stun.Message{Method: req.Method, Class: stun.ClassErrorResponse, TransactionID: req.TransactionID}
	resp.Add(stun.NewErrorCode(401, "Unauthorized"))
	resp.Add(stun.NewRealm(s.realm))
	resp.Add(stun.NewNonce(nonce))
	encoded, err := resp.Encode()
	if err != nil {
		return
	}
	_, _ = sock.WriteRaw(encoded, peer)
}

func codeFor(code scyerr.Code) int {
	if c := code.STUNStatus(); c != 0 {
		return c
	}
	return 400
}
