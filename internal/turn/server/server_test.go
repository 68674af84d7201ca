package server

import (
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/sourcey/libsourcey-go/internal/async"
	"github.com/sourcey/libsourcey-go/internal/stun"
)

func newTestServer(t *testing.T) (*Server, *net.UDPConn) {
	t.Helper()
	loop := async.NewLoop()
	go loop.Run()
	t.Cleanup(loop.Stop)

	srv := New(loop, Config{
		Realm: "test",
		Auth:  StaticAuthenticator{"alice": "s3cret"},
	}, zerolog.Nop())
	require.NoError(t, srv.ListenUDP("127.0.0.1:0"))
	t.Cleanup(srv.Close)

	client, err := net.DialUDP("udp", nil, srv.udpSock.LocalAddr().(*net.UDPAddr))
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	return srv, client
}

func roundTrip(t *testing.T, client *net.UDPConn, m *stun.Message) *stun.Message {
	t.Helper()
	encoded, err := m.Encode()
	require.NoError(t, err)
	_, err = client.Write(encoded)
	require.NoError(t, err)

	buf := make([]byte, 2048)
	require.NoError(t, client.SetReadDeadline(time.Now().Add(time.Second)))
	n, err := client.Read(buf)
	require.NoError(t, err)
	resp, err := stun.Decode(buf[:n])
	require.NoError(t, err)
	return resp
}

func TestAllocateRequiresAuthentication(t *testing.T) {
	_, client := newTestServer(t)

	req := stun.NewMessage(stun.MethodAllocate, stun.ClassRequest)
	req.Add(stun.NewRequestedTransport(17))

	resp := roundTrip(t, client, req)
	require.Equal(t, stun.ClassErrorResponse, resp.Class)
	code, _, err := resp.Get(stun.AttrErrorCode).ErrorCode()
	require.NoError(t, err)
	require.Equal(t, 401, code)
	require.NotNil(t, resp.Get(stun.AttrNonce))
}

func allocate(t *testing.T, client *net.UDPConn) (*stun.Message, []byte) {
	t.Helper()
	req := stun.NewMessage(stun.MethodAllocate, stun.ClassRequest)
	req.Add(stun.NewRequestedTransport(17))
	challenge := roundTrip(t, client, req)
	nonce := challenge.Get(stun.AttrNonce).String()

	key := stun.LongTermKey("alice", "test", "s3cret")
	req2 := stun.NewMessage(stun.MethodAllocate, stun.ClassRequest)
	req2.Add(stun.NewRequestedTransport(17))
	req2.Add(stun.NewUsername("alice"))
	req2.Add(stun.NewRealm("test"))
	req2.Add(stun.NewNonce(nonce))
	require.NoError(t, req2.AddMessageIntegrity(key))

	resp := roundTrip(t, client, req2)
	return resp, key
}

func TestAllocateSucceedsWithValidCredentials(t *testing.T) {
	_, client := newTestServer(t)
	resp, _ := allocate(t, client)

	require.Equal(t, stun.ClassSuccessResponse, resp.Class)
	require.NotNil(t, resp.Get(stun.AttrXorRelayedAddress))
	require.NotNil(t, resp.Get(stun.AttrLifetime))
}

func TestAllocateTwiceFromSameTupleFails(t *testing.T) {
	_, client := newTestServer(t)
	resp, _ := allocate(t, client)
	require.Equal(t, stun.ClassSuccessResponse, resp.Class)

	resp2, _ := allocate(t, client)
	require.Equal(t, stun.ClassErrorResponse, resp2.Class)
	code, _, _ := resp2.Get(stun.AttrErrorCode).ErrorCode()
	require.Equal(t, 437, code)
}

func TestCreatePermissionThenSendRelaysData(t *testing.T) {
	srv, client := newTestServer(t)
	_, key := allocate(t, client)

	peerConn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer peerConn.Close()
	peerAddr := peerConn.LocalAddr().(*net.UDPAddr)

	cp := stun.NewMessage(stun.MethodCreatePermission, stun.ClassRequest)
	cp.Add(stun.NewUsername("alice"))
	cp.Add(stun.NewRealm("test"))
	cp.Add(stun.NewXorAddress(stun.AttrXorPeerAddress, peerAddr, cp.TransactionID))
	nonce := srv.nonces.issue()
	cp.Add(stun.NewNonce(nonce))
	require.NoError(t, cp.AddMessageIntegrity(key))

	resp := roundTrip(t, client, cp)
	require.Equal(t, stun.ClassSuccessResponse, resp.Class)

	send := stun.NewMessage(stun.MethodSend, stun.ClassIndication)
	send.Add(stun.NewXorAddress(stun.AttrXorPeerAddress, peerAddr, send.TransactionID))
	send.Add(stun.NewData([]byte("hello peer")))
	encoded, err := send.Encode()
	require.NoError(t, err)
	_, err = client.Write(encoded)
	require.NoError(t, err)

	buf := make([]byte, 1500)
	require.NoError(t, peerConn.SetReadDeadline(time.Now().Add(time.Second)))
	n, _, err := peerConn.ReadFromUDP(buf)
	require.NoError(t, err)
	require.Equal(t, "hello peer", string(buf[:n]))
}

func TestBindingRequestReturnsReflexiveAddress(t *testing.T) {
	_, client := newTestServer(t)
	req := stun.NewMessage(stun.MethodBinding, stun.ClassRequest)
	resp := roundTrip(t, client, req)
	require.Equal(t, stun.ClassSuccessResponse, resp.Class)
	addr, err := resp.Get(stun.AttrXorMappedAddress).XorAddress(resp.TransactionID)
	require.NoError(t, err)
	require.Equal(t, client.LocalAddr().(*net.UDPAddr).Port, addr.Port)
}
