package netio

import (
	"crypto/tls"

	"github.com/sourcey/libsourcey-go/internal/async"
)

// NewTLSClientSocket constructs a Socket that performs a TLS client
// handshake during Connect, grounded on
// original_source/src/net/src/sslsocket.cpp's SSLSocket, replacing its
// manual OpenSSL BIO plumbing with crypto/tls.
func NewTLSClientSocket(loop *async.Loop, serverName string) *Socket {
	return NewTLSSocket(loop, &tls.Config{ServerName: serverName})
}

// NewTLSServerSocket constructs a Socket whose Listen performs the TLS
// server handshake per accepted connection, using cert for the server
// identity. Pair with golang.org/x/crypto/acme/autocert.Manager.TLSConfig
// for ACME-issued certificates, per SPEC_FULL.md's ambient TLS stack.
func NewTLSServerSocket(loop *async.Loop, cfg *tls.Config) *Socket {
	return NewTLSSocket(loop, cfg)
}
