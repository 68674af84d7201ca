package httpstack

import (
	"fmt"
	"net/url"

	"github.com/sourcey/libsourcey-go/internal/async"
	"github.com/sourcey/libsourcey-go/internal/netio"
	"github.com/sourcey/libsourcey-go/internal/scyerr"
)

// ProgressFunc reports bytes received so far against the response's
// declared Content-Length (-1 if the response carries none).
type ProgressFunc func(received, total int64)

// ClientConnection issues one HTTP/1.1 request and tracks download
// progress against Content-Length, per spec.md §4.8's client-connection
// paragraph: fires Progress as chunks arrive and Complete once the response
// is fully read, whether that's length-terminated or (for an unframed
// body) connection-terminated.
type ClientConnection struct {
	conn *Connection

	Headers  func(Event)
	Body     func([]byte)
	Progress ProgressFunc
	Complete func()
	Err      func(*scyerr.Error)

	received int64
	total    int64
}

// Get dials addr and issues a GET request for path, reporting events via
// the ClientConnection's callbacks. Grounded on original_source/src/http/
// include/scy/http/client.h's ClientConnection request/progress pairing,
// adapted onto the teacher's plain net/http request shape
// (server-webrtc/http.go builds its requests the same field-at-a-time way).
func Get(loop *async.Loop, addr string, u *url.URL) *ClientConnection {
	cc := &ClientConnection{total: -1}
	sock := netio.NewTCPSocket(loop)
	cc.conn = NewClientConnection(sock, cc)

	if err := sock.Connect(addr); err != nil {
		cc.fail(scyerr.Wrap(scyerr.ConnectRefused, err))
		return cc
	}
	req := fmt.Sprintf("GET %s HTTP/1.1\r\nHost: %s\r\nConnection: keep-alive\r\n\r\n", requestURI(u), u.Host)
	if _, err := sock.WriteRaw([]byte(req), nil); err != nil {
		cc.fail(scyerr.Wrap(scyerr.WriteError, err))
	}
	return cc
}

func requestURI(u *url.URL) string {
	if u.RawQuery == "" {
		return u.Path
	}
	return u.Path + "?" + u.RawQuery
}

func (cc *ClientConnection) fail(err *scyerr.Error) {
	if cc.Err != nil {
		cc.Err(err)
	}
}

// Connection returns the underlying httpstack Connection, e.g. to call
// MarkUpgradedClient after a successful 101 handshake response.
func (cc *ClientConnection) Connection() *Connection { return cc.conn }

// Handler implementation, adapting Connection's per-event callbacks to
// ClientConnection's progress-tracking fields.

func (cc *ClientConnection) OnHeaders(c *Connection, ev Event) {
	cc.total = c.parser.ContentLength()
	if cc.Headers != nil {
		cc.Headers(ev)
	}
}

func (cc *ClientConnection) OnChunk(c *Connection, data []byte) {
	cc.received += int64(len(data))
	if cc.Body != nil {
		cc.Body(data)
	}
	if cc.Progress != nil {
		cc.Progress(cc.received, cc.total)
	}
}

func (cc *ClientConnection) OnEnd(c *Connection) {
	if cc.Complete != nil {
		cc.Complete()
	}
}

func (cc *ClientConnection) OnUpgrade(c *Connection) {}

func (cc *ClientConnection) OnFrame(c *Connection, fr Frame) {}

func (cc *ClientConnection) OnClose(c *Connection) {
	if cc.Complete != nil {
		cc.Complete()
	}
}

func (cc *ClientConnection) OnError(c *Connection, err *scyerr.Error) {
	cc.fail(err)
}
