package httpstack

import (
	"fmt"
	"net"
	"net/textproto"
	"strings"

	"github.com/sourcey/libsourcey-go/internal/netio"
	"github.com/sourcey/libsourcey-go/internal/packetstream"
	"github.com/sourcey/libsourcey-go/internal/scyerr"
)

// Role distinguishes a Connection accepted by a server from one dialed by a
// client, which governs both parsing direction and WebSocket masking rules.
type Role int

const (
	RoleServer Role = iota
	RoleClient
)

// Handler receives a Connection's events. OnUpgrade fires once, the moment
// the socket's adapter has been swapped to the WebSocket frame codec;
// OnHeaders/OnChunk/OnEnd mirror the streaming parser's own events for the
// plain-HTTP path. OnFrame carries post-upgrade WebSocket frames.
type Handler interface {
	OnHeaders(c *Connection, ev Event)
	OnChunk(c *Connection, data []byte)
	OnEnd(c *Connection)
	OnUpgrade(c *Connection)
	OnFrame(c *Connection, fr Frame)
	OnClose(c *Connection)
	OnError(c *Connection, err *scyerr.Error)
}

// Connection owns one accepted (or dialed) socket's request/response
// headers and its incoming/outgoing packet streams, per spec.md §4.8.
// Servers instantiate one per accepted socket; the first header block
// decides routing between plain HTTP and a WebSocket upgrade. Grounded on
// original_source/src/http/include/scy/http/connection.h's Request/
// Response pairing, adapted onto internal/netio's adapter-chain socket
// instead of the original's own Socket subclass.
type Connection struct {
	netio.BaseAdapter

	sock    *netio.Socket
	role    Role
	handler Handler

	parser      *Parser
	upgraded    bool
	wsDecoder   *FrameDecoder
	wsFragment  []byte
	wsFragOp    Opcode
	lastHeaders Event

	In  *packetstream.Stream
	Out *packetstream.Stream
}

// NewServerConnection wraps an accepted socket, ready to parse one or more
// client requests.
func NewServerConnection(sock *netio.Socket, handler Handler) *Connection {
	c := &Connection{sock: sock, role: RoleServer, handler: handler,
		parser: NewRequestParser(), In: packetstream.New(), Out: packetstream.New()}
	_ = c.In.Start()
	_ = c.Out.Start()
	sock.SetReceiver(c)
	return c
}

// NewClientConnection wraps a dialed socket, ready to parse the server's
// response.
func NewClientConnection(sock *netio.Socket, handler Handler) *Connection {
	c := &Connection{sock: sock, role: RoleClient, handler: handler,
		parser: NewResponseParser(), In: packetstream.New(), Out: packetstream.New()}
	_ = c.In.Start()
	_ = c.Out.Start()
	sock.SetReceiver(c)
	return c
}

// Socket returns the underlying socket.
func (c *Connection) Socket() *netio.Socket { return c.sock }

// Upgraded reports whether this connection's adapter is now a WebSocket
// frame codec rather than the HTTP parser.
func (c *Connection) Upgraded() bool { return c.upgraded }

// LastHeaders returns the most recently parsed header block (request line
// plus headers on a server Connection, status line plus headers on a
// client one).
func (c *Connection) LastHeaders() Event { return c.lastHeaders }

func (c *Connection) OnSocketRecv(sock *netio.Socket, data []byte, peer net.Addr) {
	if c.upgraded {
		c.feedFrames(data)
		return
	}
	events, err := c.parser.Feed(data)
	if err != nil {
		c.fail(scyerr.Wrap(scyerr.ParseError, err))
		return
	}
	for _, ev := range events {
		switch ev.Kind {
		case EventHeaders:
			c.lastHeaders = ev
			if c.role == RoleServer && isUpgradeRequest(ev.Headers) {
				c.completeUpgrade(ev)
				return
			}
			if c.handler != nil {
				c.handler.OnHeaders(c, ev)
			}
		case EventChunk:
			_ = c.In.Write(packetstream.Packet{Type: "http.body", Data: ev.Chunk})
			if c.handler != nil {
				c.handler.OnChunk(c, ev.Chunk)
			}
		case EventEnd:
			if c.handler != nil {
				c.handler.OnEnd(c)
			}
			c.parser.Reset()
		}
	}
}

// isUpgradeRequest reports whether the given request headers ask for a
// WebSocket upgrade per RFC 6455 §4.1: Connection: Upgrade, Upgrade:
// websocket.
func isUpgradeRequest(h textproto.MIMEHeader) bool {
	return headerContains(h.Get("Connection"), "upgrade") && strings.EqualFold(h.Get("Upgrade"), "websocket")
}

func headerContains(value, token string) bool {
	for _, p := range strings.Split(value, ",") {
		if strings.EqualFold(strings.TrimSpace(p), token) {
			return true
		}
	}
	return false
}

// completeUpgrade sends the 101 Switching Protocols response (server side)
// and swaps this Connection's own adapter role from HTTP parsing to
// WebSocket framing, without touching the underlying socket's identity or
// ownership, per spec.md §4.8's "swaps the socket adapter ... without
// altering ownership" requirement.
func (c *Connection) completeUpgrade(req Event) {
	accept, err := computeAcceptKey(req.Headers.Get("Sec-WebSocket-Key"))
	if err != nil {
		c.fail(scyerr.Wrap(scyerr.ParseError, err))
		return
	}
	resp := fmt.Sprintf("HTTP/1.1 101 Switching Protocols\r\n"+
		"Upgrade: websocket\r\nConnection: Upgrade\r\nSec-WebSocket-Accept: %s\r\n\r\n", accept)
	if _, err := c.sock.WriteRaw([]byte(resp), nil); err != nil {
		c.fail(scyerr.Wrap(scyerr.WriteError, err))
		return
	}
	c.markUpgraded()
}

// MarkUpgradedClient transitions a client-side Connection to WebSocket
// framing after it has read and validated the server's 101 response
// itself (the response body has no length framing to drive off of, so the
// caller performs that one-time handshake read before delegating here).
func (c *Connection) MarkUpgradedClient() {
	c.markUpgraded()
}

func (c *Connection) markUpgraded() {
	c.upgraded = true
	if c.role == RoleServer {
		c.wsDecoder = NewServerFrameDecoder()
	} else {
		c.wsDecoder = NewClientFrameDecoder()
	}
	if c.handler != nil {
		c.handler.OnUpgrade(c)
	}
}

func (c *Connection) feedFrames(data []byte) {
	frames, err := c.wsDecoder.Feed(data)
	if err != nil {
		c.fail(scyerr.Wrap(scyerr.ParseError, err))
		return
	}
	for _, fr := range frames {
		c.dispatchFrame(fr)
	}
}

// dispatchFrame handles RFC 6455 control frames synchronously (ping/pong/
// close, per spec.md §4.8) and reassembles fragmented data frames before
// handing the complete message to the handler.
func (c *Connection) dispatchFrame(fr Frame) {
	switch fr.Opcode {
	case OpcodePing:
		c.sendControlFrame(OpcodePong, fr.Payload)
		return
	case OpcodePong:
		return
	case OpcodeClose:
		c.sendControlFrame(OpcodeClose, fr.Payload)
		c.sock.Close()
		return
	}

	if fr.Opcode != OpcodeContinuation {
		c.wsFragOp = fr.Opcode
		c.wsFragment = append([]byte(nil), fr.Payload...)
	} else {
		c.wsFragment = append(c.wsFragment, fr.Payload...)
	}
	if !fr.Fin {
		return
	}
	complete := Frame{Fin: true, Opcode: c.wsFragOp, Payload: c.wsFragment}
	c.wsFragment = nil
	if c.handler != nil {
		c.handler.OnFrame(c, complete)
	}
}

// SendMessage sends a complete (unfragmented) WebSocket data frame. A
// client connection masks per RFC 6455 §5.1; a server connection must not.
func (c *Connection) SendMessage(opcode Opcode, payload []byte) error {
	fr := Frame{Fin: true, Opcode: opcode, Masked: c.role == RoleClient, Payload: payload}
	encoded, err := EncodeFrame(fr)
	if err != nil {
		return err
	}
	_, err = c.sock.WriteRaw(encoded, nil)
	return err
}

func (c *Connection) sendControlFrame(opcode Opcode, payload []byte) {
	_ = c.SendMessage(opcode, payload)
}

func (c *Connection) fail(err *scyerr.Error) {
	if c.handler != nil {
		c.handler.OnError(c, err)
	}
	c.sock.Close()
}

func (c *Connection) OnSocketError(_ *netio.Socket, err *scyerr.Error) {
	if c.handler != nil {
		c.handler.OnError(c, err)
	}
}

func (c *Connection) OnSocketClose(*netio.Socket) {
	if c.handler != nil {
		c.handler.OnClose(c)
	}
}
