package symple

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/tidwall/gjson"

	"github.com/sourcey/libsourcey-go/internal/async"
	"github.com/sourcey/libsourcey-go/internal/scyerr"
	"github.com/sourcey/libsourcey-go/internal/sockio"
)

// Options configures a Client, per spec.md §6's Symple client config list.
type Options struct {
	Host string
	Port int
	TLS  bool

	User  string
	Name  string
	Type  string
	Token string

	Reconnection      bool
	ReconnectAttempts int
	ReconnectDelay    time.Duration

	AnnounceTimeout time.Duration
}

// Client layers Symple's announce/roster/presence protocol on top of a
// sockio.Client, per spec.md §4.9 and grounded on
// original_source/src/symple/src/client.cpp's Client. The identity
// negotiation (announce -> presence probe) that the original folds into
// onOnline/onAnnounceState is split here into Connect (transport only) and
// Announce (identity), called in sequence by the caller so it's explicit
// rather than implicit in a state-machine override.
type Client struct {
	sock   *sockio.Client
	opts   Options
	Roster *Roster

	mu    sync.Mutex
	ourID string

	OnMessage        func(Message)
	OnEvent          func(Message)
	OnPresence       func(Message)
	OnCommand        func(Message)
	OnAnnounce       func(status int)
	OnPeerConnected  func(*Peer)
	OnPeerDisconnected func(*Peer)
	OnError          func(error)
}

// New constructs a Client bound to loop.
func New(loop *async.Loop, opts Options) *Client {
	if opts.AnnounceTimeout == 0 {
		opts.AnnounceTimeout = 10 * time.Second
	}
	c := &Client{
		opts:   opts,
		Roster: NewRoster(),
		sock: sockio.New(loop, sockio.Options{
			Host: opts.Host, Port: opts.Port, TLS: opts.TLS,
			Reconnection: opts.Reconnection, ReconnectAttempts: opts.ReconnectAttempts,
			ReconnectDelay: opts.ReconnectDelay,
		}),
	}
	c.sock.OnPacket = c.onPacket
	c.sock.OnError = func(err *scyerr.Error) { c.fail(err) }
	return c
}

func (c *Client) fail(err error) {
	if c.OnError != nil {
		c.OnError(err)
	}
}

// Connect dials the transport, then announces this client's identity and
// waits for the server's ack before broadcasting an initial presence
// probe, matching original_source's announce()/onAnnounceState/
// sendPresence(true) sequence.
func (c *Client) Connect() error {
	if err := c.sock.Connect(); err != nil {
		return err
	}
	return c.Announce()
}

// Close shuts down the underlying transport and clears roster/session
// state, per original_source's Client::reset.
func (c *Client) Close() {
	c.sock.Close()
	c.Roster.Clear()
	c.mu.Lock()
	c.ourID = ""
	c.mu.Unlock()
}

// OurID returns the peer id the server assigned in the announce response.
func (c *Client) OurID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ourID
}

// OurAddress returns this client's own address, valid once Announce has
// succeeded.
func (c *Client) OurAddress() Address {
	return Address{User: c.opts.User, Name: c.opts.Name, ID: c.OurID()}
}

// Announce posts this client's identity + token as a Socket.IO "announce"
// event, awaits the server's ack, and on success records the assigned
// peer id, marks the sockio transport Online, and broadcasts an initial
// presence probe -- original_source's Client::announce/onAnnounceState.
func (c *Client) Announce() error {
	payload, _ := json.Marshal(map[string]interface{}{
		"name": "announce",
		"args": []interface{}{map[string]interface{}{
			"user":  c.opts.User,
			"name":  c.opts.Name,
			"type":  c.opts.Type,
			"token": c.opts.Token,
		}},
	})
	tx := c.sock.SendTransaction(sockio.Packet{Type: sockio.TypeEvent, Data: payload}, c.opts.AnnounceTimeout)
	if err := tx.Wait(); err != nil {
		if c.OnAnnounce != nil {
			c.OnAnnounce(0)
		}
		return fmt.Errorf("symple: announce failed: %w", err)
	}
	resp, _ := tx.Result().(sockio.Packet)

	status := int(gjson.GetBytes(resp.Data, "status").Int())
	if c.OnAnnounce != nil {
		c.OnAnnounce(status)
	}
	if status != 200 {
		return fmt.Errorf("symple: announce rejected: %s", gjson.GetBytes(resp.Data, "message").String())
	}

	data := gjson.GetBytes(resp.Data, "data")
	id := data.Get("id").String()
	if id == "" {
		return fmt.Errorf("symple: announce response missing peer id")
	}
	c.mu.Lock()
	c.ourID = id
	c.mu.Unlock()
	c.Roster.Update([]byte(data.Raw))

	c.sock.MarkOnline()
	return c.sendPresence(Address{}, true)
}

// Send transmits m as a Socket.IO event packet carrying the Symple
// envelope, stamping its from address first, per original_source's
// assertCanSend.
func (c *Client) Send(m Message) error {
	if !c.sock.IsOnline() {
		return fmt.Errorf("symple: cannot send while offline")
	}
	m.SetFrom(c.OurAddress())
	payload, _ := json.Marshal(map[string]interface{}{
		"name": string(m.Kind()),
		"args": []json.RawMessage{json.RawMessage(m.Raw())},
	})
	return c.sock.Send(sockio.Packet{Type: sockio.TypeEvent, Data: payload})
}

// Respond sends m back to the peer that sent it, flipping from/to.
func (c *Client) Respond(m Message, from Address) error {
	m.SetTo(from)
	return c.Send(m)
}

func (c *Client) sendPresence(to Address, probe bool) error {
	m := NewMessage(KindPresence, newMessageID())
	m.SetProbe(probe)
	m.Set("data.id", c.OurID())
	m.Set("data.user", c.opts.User)
	m.Set("data.name", c.opts.Name)
	m.Set("data.online", true)
	if !to.Empty() {
		m.SetTo(to)
	}
	return c.Send(m)
}

// SendPresence broadcasts (or directs, if to is non-empty) this client's
// own presence data.
func (c *Client) SendPresence(to Address) error {
	return c.sendPresence(to, false)
}

var idSeq uint64

func newMessageID() string {
	idSeq++
	return fmt.Sprintf("m%d", idSeq)
}

// onPacket demultiplexes an inbound sockio.Packet into the four Symple
// message kinds, mirroring original_source's Client::emit switch on
// data["type"].
func (c *Client) onPacket(p sockio.Packet) {
	if p.Type != sockio.TypeEvent {
		return
	}
	name := gjson.GetBytes(p.Data, "name").String()
	args := gjson.GetBytes(p.Data, "args")
	if !args.IsArray() || len(args.Array()) == 0 {
		return
	}
	raw := []byte(args.Array()[0].Raw)
	m := ParseMessage(raw)
	if err := m.Valid(); err != nil {
		c.fail(err)
		return
	}

	switch m.Kind() {
	case KindMessage:
		if c.OnMessage != nil {
			c.OnMessage(m)
		}
	case KindEvent:
		if name != "" && c.OnEvent != nil {
			c.OnEvent(m)
		}
	case KindPresence:
		c.handlePresence(m)
	case KindCommand:
		c.handleCommand(m)
	}
}

// handlePresence updates the roster from a presence message's data field
// and, when the message is a probe, replies with this client's own
// presence, per original_source's onPresenceData + "if (p.isProbe())
// sendPresence(p.from())".
func (c *Client) handlePresence(m Message) {
	if c.OnPresence != nil {
		c.OnPresence(m)
	}
	data := m.Get("data")
	if !data.Exists() {
		return
	}
	peer, connected, disconnected := c.Roster.Update([]byte(data.Raw))
	if connected && c.OnPeerConnected != nil {
		c.OnPeerConnected(peer)
	}
	if disconnected && c.OnPeerDisconnected != nil {
		c.OnPeerDisconnected(peer)
	}
	if m.IsProbe() {
		if from, err := m.From(); err == nil && !from.Empty() {
			_ = c.sendPresence(from, false)
		}
	}
}

// handleCommand replies 404 to any command this client doesn't recognize,
// matching original_source's default "Command not handled" reply.
func (c *Client) handleCommand(m Message) {
	if c.OnCommand != nil {
		c.OnCommand(m)
	}
	if m.IsRequest() {
		from, err := m.From()
		if err != nil {
			return
		}
		m.SetStatus(404)
		_ = c.Respond(m, from)
	}
}
