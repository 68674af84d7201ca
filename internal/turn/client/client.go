// Package client implements the TURN client of spec.md §4.7: the UDP/TCP
// allocation state machine, lazy permission refresh, and channel binding.
// Grounded on original_source/src/turn/src/client/tcpclient.cpp (the
// Connect/ConnectionBind dance from the client's perspective) mirrored
// against internal/turn/server for the UDP Allocate/Refresh/
// CreatePermission/ChannelBind request shapes.
package client

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sourcey/libsourcey-go/internal/async"
	"github.com/sourcey/libsourcey-go/internal/netio"
	"github.com/sourcey/libsourcey-go/internal/scyerr"
	"github.com/sourcey/libsourcey-go/internal/stun"
	"github.com/sourcey/libsourcey-go/internal/transaction"
)

// State is the client allocation lifecycle of spec.md §4.7.
type State int

const (
	StateNone State = iota
	StateWaiting
	StateAllocating
	StateAuthorizing
	StateSuccess
	StateFailed
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateNone:
		return "none"
	case StateWaiting:
		return "waiting"
	case StateAllocating:
		return "allocating"
	case StateAuthorizing:
		return "authorizing"
	case StateSuccess:
		return "success"
	case StateFailed:
		return "failed"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// Config configures a Client, per spec.md §6's TURN client option set.
type Config struct {
	ServerAddress string
	Username      string
	Password      string
	Realm         string
	Lifetime      time.Duration
	Timeout       time.Duration
	TimerInterval time.Duration
	Transport     netio.Transport
}

func (c *Config) setDefaults() {
	if c.Lifetime == 0 {
		c.Lifetime = 600 * time.Second
	}
	if c.Timeout == 0 {
		c.Timeout = 10 * time.Second
	}
	if c.TimerInterval == 0 {
		c.TimerInterval = time.Second
	}
}

// Client is a TURN client allocation against one server, per spec.md §4.7.
type Client struct {
	cfg  Config
	loop *async.Loop

	mu          sync.Mutex
	state       State
	sock        *netio.Socket
	key         []byte
	nonce       string
	realm       string
	relayedAddr *net.UDPAddr
	mappedAddr  *net.UDPAddr
	lifetime    time.Duration
	permissions map[string]time.Time // peer IP -> expiry
	channels    map[string]uint16    // peer addr -> channel number
	nextChannel uint16

	refreshTimer *async.Timer
	lastErr      *scyerr.Error
	pending      map[[stun.TransactionIDLen]byte]chan *stun.Message

	connMgr *ConnectionManager

	onStateChange       func(State)
	onConnectionAttempt func(connID uint32, peer *net.UDPAddr)
}

// New constructs a Client bound to loop and cfg. Call Initiate to start the
// Allocate handshake.
func New(loop *async.Loop, cfg Config) *Client {
	cfg.setDefaults()
	return &Client{
		cfg:         cfg,
		loop:        loop,
		state:       StateNone,
		permissions: make(map[string]time.Time),
		channels:    make(map[string]uint16),
		nextChannel: 0x4000,
		pending:     make(map[[stun.TransactionIDLen]byte]chan *stun.Message),
	}
}

// OnStateChange registers a callback invoked whenever the allocation state
// transitions.
func (c *Client) OnStateChange(f func(State)) { c.onStateChange = f }

// OnConnectionAttempt registers a callback for RFC 6062 §4.5's unsolicited
// ConnectionAttempt indication: a peer dialed this allocation's relayed TCP
// address before Connect was ever called. The callback should call
// Connections().Accept(peer, connID) to complete the bind, or ignore it to
// let the server's pending connection expire.
func (c *Client) OnConnectionAttempt(f func(connID uint32, peer *net.UDPAddr)) {
	c.onConnectionAttempt = f
}

func (c *Client) handleConnectionAttempt(m *stun.Message) {
	idAttr := m.Get(stun.AttrConnectionID)
	peerAttr := m.Get(stun.AttrXorPeerAddress)
	if idAttr == nil || peerAttr == nil {
		return
	}
	connID, err := idAttr.Uint32()
	if err != nil {
		return
	}
	peer, err := peerAttr.XorAddress(m.TransactionID)
	if err != nil {
		return
	}
	c.mu.Lock()
	cb := c.onConnectionAttempt
	c.mu.Unlock()
	if cb != nil {
		cb(connID, peer)
	}
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
	if c.onStateChange != nil {
		c.onStateChange(s)
	}
}

// State returns the current allocation state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// RelayedAddress returns the server-assigned relay transport address, valid
// once State is Success.
func (c *Client) RelayedAddress() *net.UDPAddr {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.relayedAddr
}

// Connections returns the RFC 6062 TCP peer-connection manager for this
// allocation, valid once State is Success on a TCP transport.
func (c *Client) Connections() *ConnectionManager {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.connMgr == nil {
		c.connMgr = newConnectionManager(c)
	}
	return c.connMgr
}

// Initiate opens the transport socket and runs the two-step Allocate
// handshake (unauthenticated probe, then authenticated retry), per
// spec.md §4.7.
func (c *Client) Initiate() error {
	c.setState(StateWaiting)

	sock := netio.NewSocket(c.loop, c.cfg.Transport)
	adapter := &clientAdapter{client: c, ready: make(chan struct{})}
	sock.SetReceiver(adapter)
	if err := sock.Connect(c.cfg.ServerAddress); err != nil {
		c.setState(StateFailed)
		return err
	}
	select {
	case <-adapter.ready:
	case <-time.After(c.cfg.Timeout):
		c.setState(StateFailed)
		return fmt.Errorf("turn: timed out connecting to %s", c.cfg.ServerAddress)
	}
	if sock.Error() != nil {
		c.setState(StateFailed)
		return sock.Error()
	}
	c.mu.Lock()
	c.sock = sock
	c.mu.Unlock()

	c.setState(StateAllocating)
	probe := stun.NewMessage(stun.MethodAllocate, stun.ClassRequest)
	probe.Add(stun.NewRequestedTransport(requestedTransportByte(c.cfg.Transport)))

	resp, err := c.roundTrip(probe)
	if err != nil {
		c.setState(StateFailed)
		return err
	}
	if resp.Class == stun.ClassSuccessResponse {
		c.onAllocateSuccess(resp)
		return nil
	}

	realmAttr := resp.Get(stun.AttrRealm)
	nonceAttr := resp.Get(stun.AttrNonce)
	code, _, _ := resp.Get(stun.AttrErrorCode).ErrorCode()
	if code != 401 || realmAttr == nil || nonceAttr == nil {
		c.setState(StateFailed)
		return fmt.Errorf("turn: allocate failed with unexpected response (code %d)", code)
	}

	c.setState(StateAuthorizing)
	c.mu.Lock()
	c.realm = realmAttr.String()
	c.nonce = nonceAttr.String()
	c.key = stun.LongTermKey(c.cfg.Username, c.realm, c.cfg.Password)
	c.mu.Unlock()

	authed := stun.NewMessage(stun.MethodAllocate, stun.ClassRequest)
	authed.Add(stun.NewRequestedTransport(requestedTransportByte(c.cfg.Transport)))
	authed.Add(stun.NewUsername(c.cfg.Username))
	authed.Add(stun.NewRealm(c.realm))
	authed.Add(stun.NewNonce(c.nonce))
	authed.Add(stun.NewLifetime(uint32(c.cfg.Lifetime.Seconds())))
	if err := authed.AddMessageIntegrity(c.key); err != nil {
		c.setState(StateFailed)
		return err
	}

	resp2, err := c.roundTrip(authed)
	if err != nil {
		c.setState(StateFailed)
		return err
	}
	if resp2.Class != stun.ClassSuccessResponse {
		c.setState(StateFailed)
		code, reason, _ := resp2.Get(stun.AttrErrorCode).ErrorCode()
		return fmt.Errorf("turn: allocate rejected: %d %s", code, reason)
	}
	c.onAllocateSuccess(resp2)
	return nil
}

func requestedTransportByte(t netio.Transport) byte {
	if t == netio.TransportUDP {
		return 17
	}
	return 6
}

func (c *Client) onAllocateSuccess(resp *stun.Message) {
	relayed, _ := resp.Get(stun.AttrXorRelayedAddress).XorAddress(resp.TransactionID)
	mapped, _ := resp.Get(stun.AttrXorMappedAddress).XorAddress(resp.TransactionID)
	secs, _ := resp.Get(stun.AttrLifetime).Uint32()

	c.mu.Lock()
	c.relayedAddr = relayed
	c.mappedAddr = mapped
	c.lifetime = time.Duration(secs) * time.Second
	c.mu.Unlock()

	c.setState(StateSuccess)
	c.startRefreshTimer()
}

// startRefreshTimer schedules Refresh at lifetime*0.75, per spec.md §4.7.
func (c *Client) startRefreshTimer() {
	c.mu.Lock()
	lifetime := c.lifetime
	c.mu.Unlock()
	if lifetime <= 0 {
		return
	}
	interval := time.Duration(float64(lifetime) * 0.75)
	t := async.NewTimer(c.loop, func() {
		if err := c.Refresh(lifetime); err != nil {
			c.setState(StateFailed)
		}
	})
	// Timer.Every asserts loop ownership once the loop is running, so it
	// must be scheduled from the loop goroutine rather than whatever
	// goroutine called Initiate.
	c.loop.Post(func() { t.Every(interval) })
	c.mu.Lock()
	c.refreshTimer = t
	c.mu.Unlock()
}

// Refresh sends a Refresh request extending the allocation's lifetime.
func (c *Client) Refresh(lifetime time.Duration) error {
	req := c.authedMessage(stun.MethodRefresh)
	req.Add(stun.NewLifetime(uint32(lifetime.Seconds())))
	if err := c.signMessage(req); err != nil {
		return err
	}
	resp, err := c.roundTrip(req)
	if err != nil {
		return err
	}
	if resp.Class != stun.ClassSuccessResponse {
		code, reason, _ := resp.Get(stun.AttrErrorCode).ErrorCode()
		return fmt.Errorf("turn: refresh rejected: %d %s", code, reason)
	}
	c.mu.Lock()
	c.lifetime = lifetime
	c.mu.Unlock()
	return nil
}

// AddPermission installs (or lazily refreshes) a permission for peerIP.
func (c *Client) AddPermission(peerIP net.IP) error {
	c.mu.Lock()
	exp, ok := c.permissions[peerIP.String()]
	needsRefresh := !ok || time.Now().After(exp.Add(-30*time.Second))
	c.mu.Unlock()
	if !needsRefresh {
		return nil
	}

	req := c.authedMessage(stun.MethodCreatePermission)
	req.Add(stun.NewXorAddress(stun.AttrXorPeerAddress, &net.UDPAddr{IP: peerIP}, req.TransactionID))
	if err := c.signMessage(req); err != nil {
		return err
	}
	resp, err := c.roundTrip(req)
	if err != nil {
		return err
	}
	if resp.Class != stun.ClassSuccessResponse {
		code, reason, _ := resp.Get(stun.AttrErrorCode).ErrorCode()
		return fmt.Errorf("turn: create permission rejected: %d %s", code, reason)
	}
	c.mu.Lock()
	c.permissions[peerIP.String()] = time.Now().Add(300 * time.Second)
	c.mu.Unlock()
	return nil
}

// SendData relays data to peer via a Send indication, lazily ensuring a
// permission exists first, per spec.md §4.7.
func (c *Client) SendData(data []byte, peer *net.UDPAddr) error {
	if err := c.AddPermission(peer.IP); err != nil {
		return err
	}
	ind := stun.NewMessage(stun.MethodSend, stun.ClassIndication)
	ind.Add(stun.NewXorAddress(stun.AttrXorPeerAddress, peer, ind.TransactionID))
	ind.Add(stun.NewData(data))
	encoded, err := ind.Encode()
	if err != nil {
		return err
	}
	c.mu.Lock()
	sock := c.sock
	c.mu.Unlock()
	_, err = sock.WriteRaw(encoded, nil)
	return err
}

// BindChannel requests a channel number for peer, returning it once bound.
func (c *Client) BindChannel(peer *net.UDPAddr) (uint16, error) {
	c.mu.Lock()
	if ch, ok := c.channels[peer.String()]; ok {
		c.mu.Unlock()
		return ch, nil
	}
	channel := c.nextChannel
	c.nextChannel++
	c.mu.Unlock()

	req := c.authedMessage(stun.MethodChannelBind)
	req.Add(stun.NewChannelNumber(channel))
	req.Add(stun.NewXorAddress(stun.AttrXorPeerAddress, peer, req.TransactionID))
	if err := c.signMessage(req); err != nil {
		return 0, err
	}
	resp, err := c.roundTrip(req)
	if err != nil {
		return 0, err
	}
	if resp.Class != stun.ClassSuccessResponse {
		code, reason, _ := resp.Get(stun.AttrErrorCode).ErrorCode()
		return 0, fmt.Errorf("turn: channel bind rejected: %d %s", code, reason)
	}
	c.mu.Lock()
	c.channels[peer.String()] = channel
	c.mu.Unlock()
	return channel, nil
}

func (c *Client) authedMessage(method stun.Method) *stun.Message {
	m := stun.NewMessage(method, stun.ClassRequest)
	c.mu.Lock()
	m.Add(stun.NewUsername(c.cfg.Username))
	m.Add(stun.NewRealm(c.realm))
	m.Add(stun.NewNonce(c.nonce))
	c.mu.Unlock()
	return m
}

func (c *Client) signMessage(m *stun.Message) error {
	c.mu.Lock()
	key := c.key
	c.mu.Unlock()
	return m.AddMessageIntegrity(key)
}

// roundTrip sends req and waits (via the transaction package) for a
// matching response, retrying per the transport's default schedule.
func (c *Client) roundTrip(req *stun.Message) (*stun.Message, error) {
	c.mu.Lock()
	sock := c.sock
	c.mu.Unlock()

	encoded, err := req.Encode()
	if err != nil {
		return nil, err
	}

	respCh := make(chan *stun.Message, 1)
	c.mu.Lock()
	c.pendingByTxID(req.TransactionID, respCh)
	c.mu.Unlock()

	var opts func(send transaction.Sender, match transaction.Matcher) transaction.Options
	if c.cfg.Transport == netio.TransportUDP {
		opts = transaction.UnreliableOptions
	} else {
		opts = transaction.ReliableOptions
	}

	tr := transaction.New(opts(
		func(attempt int) error {
			_, err := sock.WriteRaw(encoded, nil)
			return err
		},
		func(response interface{}) bool {
			m, ok := response.(*stun.Message)
			return ok && m.TransactionID == req.TransactionID
		},
	))
	tr.Run()

	go func() {
		select {
		case m := <-respCh:
			tr.Deliver(m)
		case <-tr.Done():
		}
	}()

	<-tr.Done()
	c.mu.Lock()
	delete(c.pending, req.TransactionID)
	c.mu.Unlock()

	if tr.State() != transaction.StateSuccess {
		return nil, tr.Wait()
	}
	return tr.Result().(*stun.Message), nil
}

// pendingByTxID registers ch as the recipient for the response to id;
// drained by clientAdapter.OnSocketRecv.
func (c *Client) pendingByTxID(id [stun.TransactionIDLen]byte, ch chan *stun.Message) {
	c.pending[id] = ch
}

type clientAdapter struct {
	netio.BaseAdapter
	client *Client
	buf    []byte

	ready     chan struct{}
	readyOnce sync.Once
}

func (a *clientAdapter) OnSocketConnect(*netio.Socket) {
	a.readyOnce.Do(func() { close(a.ready) })
}

func (a *clientAdapter) OnSocketRecv(_ *netio.Socket, data []byte, _ net.Addr) {
	if a.client.cfg.Transport != netio.TransportUDP {
		a.buf = append(a.buf, data...)
		for {
			n := stunFrameLen(a.buf)
			if n == 0 || len(a.buf) < n {
				return
			}
			a.dispatch(a.buf[:n])
			a.buf = a.buf[n:]
		}
	}
	a.dispatch(data)
}

func (a *clientAdapter) dispatch(data []byte) {
	m, err := stun.Decode(data)
	if err != nil {
		return
	}
	if m.Method == stun.MethodConnectionAttempt && m.Class == stun.ClassIndication {
		a.client.handleConnectionAttempt(m)
		return
	}
	a.client.mu.Lock()
	ch, ok := a.client.pending[m.TransactionID]
	a.client.mu.Unlock()
	if ok {
		select {
		case ch <- m:
		default:
		}
	}
}

func stunFrameLen(buf []byte) int {
	const headerLen = 20
	if len(buf) < headerLen {
		return 0
	}
	length := int(buf[2])<<8 | int(buf[3])
	return headerLen + length
}

func (a *clientAdapter) OnSocketError(_ *netio.Socket, err *scyerr.Error) {
	a.client.mu.Lock()
	a.client.lastErr = err
	a.client.mu.Unlock()
}
