// Package netio implements the Socket abstraction and adapter chain of
// spec.md §3/§4.2, grounded on
// original_source/src/net/include/scy/net/socketadapter.h (the
// sender/receiver doubly-linked adapter pair) and
// original_source/src/net/src/tcpsocket.cpp /
// original_source/src/net/src/udpsocket.cpp for the connect/bind/send
// surface, composed (per spec.md §9's "flatten the diamond" redesign note)
// instead of the original's SocketBase -> TCPBase -> SSLBase inheritance.
package netio

import (
	"net"

	"github.com/sourcey/libsourcey-go/internal/scyerr"
)

// Adapter intercepts socket events before they reach the application, and
// is the unit the adapter chain links. Packetized protocols (HTTP parser,
// WebSocket framer, STUN demultiplexer, TURN ChannelData prefix) install
// one of these in the chain, per spec.md §4.2.
type Adapter interface {
	OnSocketConnect(s *Socket)
	OnSocketRecv(s *Socket, data []byte, peer net.Addr)
	OnSocketError(s *Socket, err *scyerr.Error)
	OnSocketClose(s *Socket)
}

// BaseAdapter is embeddable by adapters that only need to override a
// subset of the Adapter methods. Its methods are no-ops: events an
// embedding adapter does not override are dropped, not forwarded.
type BaseAdapter struct{}

func (BaseAdapter) OnSocketConnect(*Socket)               {}
func (BaseAdapter) OnSocketRecv(*Socket, []byte, net.Addr) {}
func (BaseAdapter) OnSocketError(*Socket, *scyerr.Error)   {}
func (BaseAdapter) OnSocketClose(*Socket)                  {}

// chain holds the sender/receiver pair described in spec.md §3: outgoing
// send calls walk toward the network via sender; incoming bytes walk
// toward the application via receiver.
type chain struct {
	sender   Adapter
	receiver Adapter
}
