// Package sockio implements the Socket.IO protocol revision 1 transport of
// spec.md §4.9, grounded on original_source/src/socketio/include/scy/
// socketio/client.h's Client state machine and transaction.cpp's ack
// matching, adapted onto github.com/gorilla/websocket as the wire
// transport instead of the original's own http::ws::WebSocket (that
// hand-rolled codec lives in internal/httpstack instead, reserved for the
// from-scratch RFC 6455 requirement of spec.md §4.8).
package sockio

import (
	"fmt"
	"strconv"
	"strings"
)

// PacketType is the single leading digit of a Socket.IO revision 1 frame,
// per spec.md §6's "packets are typed by a single leading digit".
type PacketType int

const (
	TypeDisconnect PacketType = iota
	TypeConnect
	TypeHeartbeat
	TypeMessage
	TypeJSON
	TypeEvent
	TypeAck
	TypeError
	TypeNoop
)

func (t PacketType) String() string {
	switch t {
	case TypeDisconnect:
		return "disconnect"
	case TypeConnect:
		return "connect"
	case TypeHeartbeat:
		return "heartbeat"
	case TypeMessage:
		return "message"
	case TypeJSON:
		return "json"
	case TypeEvent:
		return "event"
	case TypeAck:
		return "ack"
	case TypeError:
		return "error"
	case TypeNoop:
		return "noop"
	default:
		return "unknown"
	}
}

// Packet is one Socket.IO revision 1 frame: "<type>:<id>:<endpoint>:<data>".
// ID is the ack id (empty when the sender doesn't want one); Endpoint is
// the multiplexed-namespace field, unused by Symple but carried so a frame
// round-trips losslessly through Decode/Encode.
type Packet struct {
	Type     PacketType
	ID       string
	Endpoint string
	Data     []byte
}

// Encode renders p in wire form.
func Encode(p Packet) string {
	return fmt.Sprintf("%d:%s:%s:%s", p.Type, p.ID, p.Endpoint, p.Data)
}

// Decode parses a single Socket.IO revision 1 frame. A frame with fewer
// than the four colon-delimited fields (just "<type>" or "<type>:") is
// accepted with the trailing fields defaulting empty, since heartbeat and
// noop packets carry no id/endpoint/data.
func Decode(raw string) (Packet, error) {
	parts := strings.SplitN(raw, ":", 4)
	if len(parts) == 0 || parts[0] == "" {
		return Packet{}, fmt.Errorf("sockio: empty packet")
	}
	n, err := strconv.Atoi(parts[0])
	if err != nil || n < int(TypeDisconnect) || n > int(TypeNoop) {
		return Packet{}, fmt.Errorf("sockio: invalid packet type %q", parts[0])
	}
	p := Packet{Type: PacketType(n)}
	if len(parts) > 1 {
		p.ID = parts[1]
	}
	if len(parts) > 2 {
		p.Endpoint = parts[2]
	}
	if len(parts) > 3 {
		p.Data = []byte(parts[3])
	}
	return p, nil
}
