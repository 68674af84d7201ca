package netio

import "github.com/sourcey/libsourcey-go/internal/async"

// NewTCPSocket constructs a reliable-stream Socket, grounded on
// original_source/src/net/src/tcpsocket.cpp's TCPSocket (connect/bind/listen
// wrapping a single native socket, no SSL handshake).
func NewTCPSocket(loop *async.Loop) *Socket {
	return NewSocket(loop, TransportTCP)
}
