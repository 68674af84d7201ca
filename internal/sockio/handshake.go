package sockio

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sourcey/libsourcey-go/internal/async"
	"github.com/sourcey/libsourcey-go/internal/httpstack"
	"github.com/sourcey/libsourcey-go/internal/scyerr"
)

// Handshake is the decoded response body of the Socket.IO revision 1
// handshake, per spec.md §6: "sessionId:pingInterval:pingTimeout:
// transports".
type Handshake struct {
	SessionID    string
	PingInterval time.Duration
	PingTimeout  time.Duration
	Transports   []string
}

func parseHandshake(body string) (Handshake, error) {
	parts := strings.Split(strings.TrimSpace(body), ":")
	if len(parts) != 4 {
		return Handshake{}, fmt.Errorf("sockio: malformed handshake body %q", body)
	}
	pingInterval, err := strconv.Atoi(parts[1])
	if err != nil {
		return Handshake{}, fmt.Errorf("sockio: bad pingInterval: %w", err)
	}
	pingTimeout, err := strconv.Atoi(parts[2])
	if err != nil {
		return Handshake{}, fmt.Errorf("sockio: bad pingTimeout: %w", err)
	}
	return Handshake{
		SessionID:    parts[0],
		PingInterval: time.Duration(pingInterval) * time.Millisecond,
		PingTimeout:  time.Duration(pingTimeout) * time.Millisecond,
		Transports:   strings.Split(parts[3], ","),
	}, nil
}

// doHandshake issues the HTTP GET leg of the Socket.IO handshake against
// http(s)://host:port/socket.io/1/, using internal/httpstack's own
// streaming parser and client connection (spec.md §4.9's "handshakes over
// HTTP" requirement) rather than net/http, matching the rest of this
// module's plumbing through the loop-owned netio stack.
func doHandshake(loop *async.Loop, scheme, hostport string) (Handshake, error) {
	done := make(chan struct{})
	var body strings.Builder
	var hsErr error

	u := &url.URL{Scheme: scheme, Host: hostport, Path: "/socket.io/1/"}
	cc := httpstack.Get(loop, hostport, u)
	cc.Body = func(data []byte) { body.Write(data) }
	cc.Complete = func() {
		select {
		case <-done:
		default:
			close(done)
		}
	}
	cc.Err = func(err *scyerr.Error) {
		hsErr = err
		select {
		case <-done:
		default:
			close(done)
		}
	}

	<-done
	if hsErr != nil {
		return Handshake{}, hsErr
	}
	return parseHandshake(body.String())
}
