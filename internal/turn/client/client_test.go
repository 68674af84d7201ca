package client

import (
	"io"
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/sourcey/libsourcey-go/internal/async"
	"github.com/sourcey/libsourcey-go/internal/netio"
	turnserver "github.com/sourcey/libsourcey-go/internal/turn/server"
)

func TestClientAllocateSucceedsAgainstLiveServer(t *testing.T) {
	loop := async.NewLoop()
	go loop.Run()
	t.Cleanup(loop.Stop)

	srv := turnserver.New(loop, turnserver.Config{
		Realm: "test",
		Auth:  turnserver.StaticAuthenticator{"alice": "s3cret"},
	}, zerolog.Nop())
	require.NoError(t, srv.ListenUDP("127.0.0.1:0"))
	t.Cleanup(srv.Close)

	c := New(loop, Config{
		ServerAddress: srv.LocalAddr(),
		Username:      "alice",
		Password:      "s3cret",
		Realm:         "test",
		Transport:     netio.TransportUDP,
	})

	errCh := make(chan error, 1)
	go func() { errCh <- c.Initiate() }()

	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("allocate never completed")
	}

	require.Equal(t, StateSuccess, c.State())
	require.NotNil(t, c.RelayedAddress())
}

func TestClientSendDataReachesPeer(t *testing.T) {
	loop := async.NewLoop()
	go loop.Run()
	t.Cleanup(loop.Stop)

	srv := turnserver.New(loop, turnserver.Config{
		Realm: "test",
		Auth:  turnserver.StaticAuthenticator{"alice": "s3cret"},
	}, zerolog.Nop())
	require.NoError(t, srv.ListenUDP("127.0.0.1:0"))
	t.Cleanup(srv.Close)

	c := New(loop, Config{
		ServerAddress: srv.LocalAddr(),
		Username:      "alice",
		Password:      "s3cret",
		Realm:         "test",
		Transport:     netio.TransportUDP,
	})
	require.NoError(t, c.Initiate())

	peerConn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer peerConn.Close()
	peerAddr := peerConn.LocalAddr().(*net.UDPAddr)

	require.NoError(t, c.SendData([]byte("ping"), peerAddr))

	buf := make([]byte, 1500)
	require.NoError(t, peerConn.SetReadDeadline(time.Now().Add(time.Second)))
	n, _, err := peerConn.ReadFromUDP(buf)
	require.NoError(t, err)
	require.Equal(t, "ping", string(buf[:n]))
}

// TestClientTCPConnectBindsToPeer exercises the RFC 6062 client-initiated
// path: a TCP allocation, Connect to a peer TCP listener, ConnectionBind
// over a second TCP connection, and raw unframed bytes relayed both ways.
func TestClientTCPConnectBindsToPeer(t *testing.T) {
	loop := async.NewLoop()
	go loop.Run()
	t.Cleanup(loop.Stop)

	srv := turnserver.New(loop, turnserver.Config{
		Realm: "test",
		Auth:  turnserver.StaticAuthenticator{"alice": "s3cret"},
	}, zerolog.Nop())
	require.NoError(t, srv.ListenTCP("127.0.0.1:0"))
	t.Cleanup(srv.Close)

	peerLn, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer peerLn.Close()
	peerAccepted := make(chan net.Conn, 1)
	go func() {
		conn, err := peerLn.Accept()
		if err == nil {
			peerAccepted <- conn
		}
	}()

	c := New(loop, Config{
		ServerAddress: srv.LocalAddrTCP(),
		Username:      "alice",
		Password:      "s3cret",
		Realm:         "test",
		Transport:     netio.TransportTCP,
	})
	require.NoError(t, c.Initiate())
	require.Equal(t, StateSuccess, c.State())

	peerTCPAddr := peerLn.Addr().(*net.TCPAddr)
	peerAddr := &net.UDPAddr{IP: peerTCPAddr.IP, Port: peerTCPAddr.Port}
	require.NoError(t, c.AddPermission(peerAddr.IP))

	pc, err := c.Connections().Connect(peerAddr)
	require.NoError(t, err)
	defer pc.Close()

	var peerConn net.Conn
	select {
	case peerConn = <-peerAccepted:
	case <-time.After(3 * time.Second):
		t.Fatal("peer never accepted the relayed TCP connection")
	}
	defer peerConn.Close()

	_, err = pc.Write([]byte("ping"))
	require.NoError(t, err)
	inbound := make([]byte, 4)
	require.NoError(t, peerConn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, err = io.ReadFull(peerConn, inbound)
	require.NoError(t, err)
	require.Equal(t, "ping", string(inbound))

	_, err = peerConn.Write([]byte("pong"))
	require.NoError(t, err)
	outbound := make([]byte, 4)
	n, err := pc.Read(outbound)
	require.NoError(t, err)
	require.Equal(t, "pong", string(outbound[:n]))
}
