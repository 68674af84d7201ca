package sockio

import (
	"fmt"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sourcey/libsourcey-go/internal/async"
	"github.com/sourcey/libsourcey-go/internal/scyerr"
	"github.com/sourcey/libsourcey-go/internal/transaction"
)

// State is the Socket.IO client lifecycle of spec.md §4.9, mirroring
// original_source/src/socketio/include/scy/socketio/client.h's
// ClientState bitmask as a plain Go enum.
type State int

const (
	StateClosed State = iota
	StateConnecting
	StateConnected
	StateOnline
	StateError
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateOnline:
		return "online"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// Options configures a Client, per spec.md §6's Symple client config list
// (host/port/reconnection/reconnectAttempts/reconnectDelayMs are shared by
// the underlying Socket.IO transport).
type Options struct {
	Host string
	Port int

	// TLS selects wss:// framing and https:// for the handshake leg.
	TLS bool

	Reconnection      bool
	ReconnectAttempts int // 0 = unlimited
	ReconnectDelay    time.Duration

	DialTimeout time.Duration
}

func (o Options) hostport() string { return o.Host + ":" + strconv.Itoa(o.Port) }

// Client is a blocking Socket.IO revision 1 client: the handshake leg runs
// over internal/httpstack (loop-owned), but the long-lived WebSocket
// connection is a github.com/gorilla/websocket.Conn read in its own
// goroutine, matching spec.md §5's "external code that wants to call into
// the core from another thread MUST use [the loop's] wake primitive" --
// every state change and inbound Packet is delivered back onto the loop
// via Loop.Post rather than touching loop-owned state directly. Grounded
// on original_source/src/socketio/include/scy/socketio/client.h's Client,
// with TCPClient/SSLClient collapsed into the TLS option flag.
type Client struct {
	loop *async.Loop
	opts Options

	mu        sync.Mutex
	state     State
	sessionID string
	lastErr   *scyerr.Error
	wasOnline bool

	ws *websocket.Conn

	pingInterval time.Duration
	pingTimeout  time.Duration
	pingTimer    *async.Timer
	pingDeadline atomic.Int64 // unix nano of the next missed-pong deadline

	reconnectAttempt int
	closing          atomic.Bool

	ackSeq     uint64
	ackWaiters map[string]*transaction.Transaction

	OnStateChange func(State)
	OnPacket      func(Packet)
	OnError       func(*scyerr.Error)
}

// New constructs a Client bound to loop for its handshake leg and timers.
// Connect must be called to actually dial.
func New(loop *async.Loop, opts Options) *Client {
	if opts.ReconnectDelay == 0 {
		opts.ReconnectDelay = 6 * time.Second
	}
	if opts.DialTimeout == 0 {
		opts.DialTimeout = 10 * time.Second
	}
	c := &Client{loop: loop, opts: opts, state: StateClosed}
	return c
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	c.state = s
	if s == StateOnline {
		c.wasOnline = true
	}
	c.mu.Unlock()
	if c.OnStateChange != nil {
		c.OnStateChange(s)
	}
}

// State returns the client's current lifecycle state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SessionID returns the server-assigned session id from the handshake.
func (c *Client) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// IsOnline reports whether the client has completed both the handshake and
// the caller's own announce/authenticate step (StateOnline is set by the
// caller, not by Connect itself, per spec.md §4.9: "Online means
// authenticated/announced").
func (c *Client) IsOnline() bool { return c.State() == StateOnline }

// WasOnline reports whether the client reached Online at any point before
// its current (possibly Error) state, useful for a delegate deciding
// whether an Error is a fresh failure or a dropped session.
func (c *Client) WasOnline() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.wasOnline
}

// MarkOnline transitions a Connected client to Online, for a layer above
// (internal/symple's announce/authenticate flow) to call once it considers
// the session fully established.
func (c *Client) MarkOnline() {
	if c.State() == StateConnected {
		c.setState(StateOnline)
	}
}

// Connect performs the HTTP handshake then upgrades to a WebSocket,
// starting the ping/pong keepalive loop on success. It blocks for the
// duration of the handshake and dial; the read pump runs in the
// background afterward.
func (c *Client) Connect() error {
	c.setState(StateConnecting)
	scheme := "http"
	wsScheme := "ws"
	if c.opts.TLS {
		scheme, wsScheme = "https", "wss"
	}

	hs, err := doHandshake(c.loop, scheme, c.opts.hostport())
	if err != nil {
		c.fail(scyerr.Wrap(scyerr.ConnectRefused, err))
		return err
	}

	c.mu.Lock()
	c.sessionID = hs.SessionID
	c.pingInterval = hs.PingInterval
	c.pingTimeout = hs.PingTimeout
	c.mu.Unlock()

	wsURL := url.URL{Scheme: wsScheme, Host: c.opts.hostport(), Path: "/socket.io/1/websocket/" + hs.SessionID}
	dialer := websocket.Dialer{HandshakeTimeout: c.opts.DialTimeout}
	conn, _, err := dialer.Dial(wsURL.String(), nil)
	if err != nil {
		c.fail(scyerr.Wrap(scyerr.ConnectRefused, err))
		return err
	}

	c.mu.Lock()
	c.ws = conn
	c.reconnectAttempt = 0
	c.mu.Unlock()

	c.setState(StateConnected)
	c.startPingTimer()
	go c.readPump(conn)
	return nil
}

// Close shuts down the WebSocket and stops all timers. Idempotent.
func (c *Client) Close() {
	c.closing.Store(true)
	c.mu.Lock()
	conn := c.ws
	c.ws = nil
	c.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
	c.loop.Post(func() {
		if c.pingTimer != nil {
			c.pingTimer.Close()
			c.pingTimer = nil
		}
	})
	c.setState(StateClosed)
}

// Send transmits a packet over the WebSocket connection.
func (c *Client) Send(p Packet) error {
	c.mu.Lock()
	conn := c.ws
	c.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("sockio: not connected")
	}
	return conn.WriteMessage(websocket.TextMessage, []byte(Encode(p)))
}

// nextAckID returns a fresh, client-unique ack id for SendTransaction.
func (c *Client) nextAckID() string {
	return strconv.FormatUint(atomic.AddUint64(&c.ackSeq, 1), 10)
}

// SendTransaction sends p (stamping it with a fresh ack id) and returns a
// transaction.Transaction that resolves once a matching ack Packet with
// the same id arrives, per spec.md §4.9's "Transaction with explicit ack
// id matches server acks" and the original's sockio::Transaction::
// checkResponse comparing request/response ids. Call Wait (or Result,
// once Wait/Done report Success) on the returned Transaction to observe
// the ack Packet.
func (c *Client) SendTransaction(p Packet, timeout time.Duration) *transaction.Transaction {
	p.ID = c.nextAckID()

	tx := transaction.New(transaction.Options{
		Send: func(attempt int) error {
			if attempt > 0 {
				return nil // Socket.IO acks aren't retransmitted; only the first send goes out.
			}
			return c.Send(p)
		},
		Match:     func(response interface{}) bool { return true },
		Retries:   1,
		FinalWait: timeout,
	})

	c.mu.Lock()
	if c.ackWaiters == nil {
		c.ackWaiters = make(map[string]*transaction.Transaction)
	}
	c.ackWaiters[p.ID] = tx
	c.mu.Unlock()

	tx.Run()
	return tx
}

func (c *Client) fail(err *scyerr.Error) {
	c.mu.Lock()
	c.lastErr = err
	c.mu.Unlock()
	c.setState(StateError)
	if c.OnError != nil {
		c.OnError(err)
	}
	if c.opts.Reconnection && !c.closing.Load() {
		c.scheduleReconnect()
	}
}

func (c *Client) scheduleReconnect() {
	c.mu.Lock()
	c.reconnectAttempt++
	attempt := c.reconnectAttempt
	c.mu.Unlock()
	if c.opts.ReconnectAttempts > 0 && attempt > c.opts.ReconnectAttempts {
		return
	}
	delay := c.opts.ReconnectDelay
	c.loop.Post(func() {
		timer := async.NewTimer(c.loop, func() {
			if c.closing.Load() {
				return
			}
			_ = c.Connect()
		})
		timer.After(delay)
	})
}

func (c *Client) startPingTimer() {
	c.loop.Post(func() {
		if c.pingTimer != nil {
			c.pingTimer.Close()
		}
		c.pingTimer = async.NewTimer(c.loop, c.sendPing)
		interval := c.pingInterval
		if interval <= 0 {
			interval = 25 * time.Second
		}
		c.pingTimer.Every(interval)
	})
}

// sendPing transmits a Socket.IO heartbeat packet and arms the pong
// deadline; if no pong/heartbeat arrives within pingTimeout the connection
// is considered dead and a reconnect is scheduled, per spec.md §4.9's
// supplemented "periodic pings" plus the original's _pingTimeoutTimer.
func (c *Client) sendPing() {
	deadline := time.Now().Add(c.pingTimeout).UnixNano()
	c.pingDeadline.Store(deadline)
	if err := c.Send(Packet{Type: TypeHeartbeat}); err != nil {
		c.fail(scyerr.Wrap(scyerr.WriteError, err))
		return
	}
	timeout := c.pingTimeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	time.AfterFunc(timeout, func() {
		if c.pingDeadline.Load() != deadline {
			return // a newer ping (or pong) already superseded this deadline
		}
		c.fail(scyerr.New(scyerr.ConnectionTimeoutOrFailure, "sockio: ping timeout"))
	})
}

func (c *Client) onPong() {
	c.pingDeadline.Store(0)
}

// readPump runs on its own goroutine for the lifetime of the WebSocket
// connection, decoding frames and posting decoded packets back onto the
// loop so every observable client callback still runs loop-thread-only,
// per spec.md §5.
func (c *Client) readPump(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if !c.closing.Load() {
				c.loop.Post(func() { c.fail(scyerr.Wrap(scyerr.ReadError, err)) })
			}
			return
		}
		p, err := Decode(string(data))
		if err != nil {
			continue
		}
		c.loop.Post(func() { c.dispatch(p) })
	}
}

func (c *Client) dispatch(p Packet) {
	switch p.Type {
	case TypeHeartbeat:
		c.onPong()
	case TypeAck:
		c.mu.Lock()
		tx, ok := c.ackWaiters[p.ID]
		if ok {
			delete(c.ackWaiters, p.ID)
		}
		c.mu.Unlock()
		if ok {
			tx.Deliver(p)
		}
	}
	if c.OnPacket != nil {
		c.OnPacket(p)
	}
}
