package sockio

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/sourcey/libsourcey-go/internal/async"
)

// newFakeServer stands up a real net/http server implementing just enough
// of the Socket.IO revision 1 handshake + WebSocket upgrade for Client to
// exercise against, mirroring the teacher's preference for real-socket
// tests over mocked transports.
func newFakeServer(t *testing.T, onMessage func(*websocket.Conn, Packet)) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	mux := http.NewServeMux()
	mux.HandleFunc("/socket.io/1/", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "test-session-id:20000:60000:websocket")
	})
	mux.HandleFunc("/socket.io/1/websocket/", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		go func() {
			for {
				_, data, err := conn.ReadMessage()
				if err != nil {
					return
				}
				p, err := Decode(string(data))
				if err != nil {
					continue
				}
				if onMessage != nil {
					onMessage(conn, p)
				}
			}
		}()
	})
	return httptest.NewServer(mux)
}

func splitHostPort(t *testing.T, addr string) (string, int) {
	t.Helper()
	idx := strings.LastIndexByte(addr, ':')
	require.GreaterOrEqual(t, idx, 0)
	port, err := strconv.Atoi(addr[idx+1:])
	require.NoError(t, err)
	return addr[:idx], port
}

func TestClientHandshakeAndConnect(t *testing.T) {
	srv := newFakeServer(t, func(conn *websocket.Conn, p Packet) {
		if p.Type == TypeHeartbeat {
			_ = conn.WriteMessage(websocket.TextMessage, []byte(Encode(Packet{Type: TypeHeartbeat})))
		}
	})
	defer srv.Close()

	loop := async.NewLoop()
	go loop.Run()
	defer loop.Stop()

	host, port := splitHostPort(t, strings.TrimPrefix(srv.URL, "http://"))
	c := New(loop, Options{Host: host, Port: port})
	require.NoError(t, c.Connect())

	require.Eventually(t, func() bool { return c.SessionID() == "test-session-id" }, time.Second, 10*time.Millisecond)
	require.Equal(t, StateConnected, c.State())
	c.Close()
}

func TestClientAckTransactionResolves(t *testing.T) {
	srv := newFakeServer(t, func(conn *websocket.Conn, p Packet) {
		if p.Type == TypeEvent {
			ack := Packet{Type: TypeAck, ID: p.ID, Data: []byte(`{"status":200,"data":{"id":"peer-1"}}`)}
			_ = conn.WriteMessage(websocket.TextMessage, []byte(Encode(ack)))
		}
	})
	defer srv.Close()

	loop := async.NewLoop()
	go loop.Run()
	defer loop.Stop()

	host, port := splitHostPort(t, strings.TrimPrefix(srv.URL, "http://"))
	c := New(loop, Options{Host: host, Port: port})
	require.NoError(t, c.Connect())
	defer c.Close()

	tx := c.SendTransaction(Packet{Type: TypeEvent, Data: []byte(`{"name":"announce"}`)}, 2*time.Second)
	require.NoError(t, tx.Wait())
	resp, ok := tx.Result().(Packet)
	require.True(t, ok)
	require.Contains(t, string(resp.Data), "peer-1")
}
