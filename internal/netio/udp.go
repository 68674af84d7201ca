package netio

import "github.com/sourcey/libsourcey-go/internal/async"

// NewUDPSocket constructs a connectionless Socket, grounded on
// original_source/src/net/src/udpsocket.cpp's UDPSocket (bind for a
// listening/relay endpoint, connect to record a default peer without
// performing a handshake).
func NewUDPSocket(loop *async.Loop) *Socket {
	return NewSocket(loop, TransportUDP)
}
