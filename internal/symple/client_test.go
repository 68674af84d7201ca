package symple

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/sourcey/libsourcey-go/internal/async"
	"github.com/sourcey/libsourcey-go/internal/sockio"
)

// newAnnounceServer answers the Socket.IO handshake, then acks every
// "announce" event with a synthesized peer id so Client.Connect's full
// announce->online->presence-probe sequence can run end to end.
func newAnnounceServer(t *testing.T) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	mux := http.NewServeMux()
	mux.HandleFunc("/socket.io/1/", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "sess-1:20000:60000:websocket")
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
				p, err := sockio.Decode(string(data))
				if err != nil {
					continue
				}
				switch p.Type {
				case sockio.TypeEvent:
					if strings.Contains(string(p.Data), `"announce"`) {
						ack := sockio.Packet{Type: sockio.TypeAck, ID: p.ID,
							Data: []byte(`{"status":200,"data":{"id":"srv-assigned-1","user":"alice","name":"Alice","online":true}}`)}
						_ = conn.WriteMessage(websocket.TextMessage, []byte(sockio.Encode(ack)))
					}
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

func TestClientAnnounceAssignsPeerIDAndGoesOnline(t *testing.T) {
	srv := newAnnounceServer(t)
	defer srv.Close()

	loop := async.NewLoop()
	go loop.Run()
	defer loop.Stop()

	host, port := splitHostPort(t, strings.TrimPrefix(srv.URL, "http://"))
	c := New(loop, Options{Host: host, Port: port, User: "alice", Name: "Alice", Type: "peer", Token: "tok"})
	defer c.Close()

	require.NoError(t, c.Connect())
	require.Equal(t, "srv-assigned-1", c.OurID())
	require.NotNil(t, c.Roster.Get("srv-assigned-1"))
}
