package netio

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sourcey/libsourcey-go/internal/async"
	"github.com/sourcey/libsourcey-go/internal/scyerr"
)

type recordingAdapter struct {
	BaseAdapter
	connected chan struct{}
	recv      chan []byte
	closed    chan struct{}
}

func newRecordingAdapter() *recordingAdapter {
	return &recordingAdapter{
		connected: make(chan struct{}, 1),
		recv:      make(chan []byte, 8),
		closed:    make(chan struct{}, 1),
	}
}

func (a *recordingAdapter) OnSocketConnect(*Socket) {
	select {
	case a.connected <- struct{}{}:
	default:
	}
}

func (a *recordingAdapter) OnSocketRecv(_ *Socket, data []byte, _ net.Addr) {
	cp := append([]byte(nil), data...)
	a.recv <- cp
}

func (a *recordingAdapter) OnSocketClose(*Socket) {
	select {
	case a.closed <- struct{}{}:
	default:
	}
}

func runLoop(t *testing.T) *async.Loop {
	t.Helper()
	l := async.NewLoop()
	go l.Run()
	t.Cleanup(l.Stop)
	return l
}

func TestUDPSocketSendRecvRoundTrip(t *testing.T) {
	loop := runLoop(t)

	server := NewSocket(loop, TransportUDP)
	serverAdapter := newRecordingAdapter()
	server.SetReceiver(serverAdapter)
	require.NoError(t, server.Bind("127.0.0.1:0"))

	client := NewSocket(loop, TransportUDP)
	clientAdapter := newRecordingAdapter()
	client.SetReceiver(clientAdapter)
	require.NoError(t, client.Connect(server.LocalAddr().String()))

	select {
	case <-clientAdapter.connected:
	case <-time.After(time.Second):
		t.Fatal("client never observed OnSocketConnect")
	}

	_, err := client.WriteRaw([]byte("hello"), nil)
	require.NoError(t, err)

	select {
	case got := <-serverAdapter.recv:
		require.Equal(t, "hello", string(got))
	case <-time.After(time.Second):
		t.Fatal("server never received packet")
	}
}

func TestTCPSocketConnectAcceptAndWrite(t *testing.T) {
	loop := runLoop(t)

	serverSock := NewSocket(loop, TransportTCP)
	accepted := make(chan *Socket, 1)
	require.NoError(t, serverSock.Listen("127.0.0.1:0", 8, func(child *Socket) {
		echoAdapter := newRecordingAdapter()
		child.SetReceiver(echoAdapter)
		accepted <- child
	}))

	client := NewSocket(loop, TransportTCP)
	clientAdapter := newRecordingAdapter()
	client.SetReceiver(clientAdapter)
	require.NoError(t, client.Connect(serverSock.LocalAddr().String()))

	select {
	case <-clientAdapter.connected:
	case <-time.After(time.Second):
		t.Fatal("client never connected")
	}

	var childSock *Socket
	select {
	case childSock = <-accepted:
	case <-time.After(time.Second):
		t.Fatal("server never accepted connection")
	}

	_, err := client.WriteRaw([]byte("ping"), nil)
	require.NoError(t, err)

	_ = childSock
}

func TestSocketCloseIsIdempotentAndEmitsOnce(t *testing.T) {
	loop := runLoop(t)

	s := NewSocket(loop, TransportUDP)
	adapter := newRecordingAdapter()
	s.SetReceiver(adapter)
	require.NoError(t, s.Bind("127.0.0.1:0"))

	s.Close()
	s.Close()

	select {
	case <-adapter.closed:
	case <-time.After(time.Second):
		t.Fatal("OnSocketClose never fired")
	}
	require.True(t, s.Closed())
}

func TestSendThroughSenderAdapterIsRejectedDirectly(t *testing.T) {
	loop := runLoop(t)
	s := NewSocket(loop, TransportUDP)
	require.NoError(t, s.Bind("127.0.0.1:0"))
	s.SetSender(BaseAdapter{})

	_, err := s.Send([]byte("x"), nil)
	require.Error(t, err)
}

func TestReplaceReceiverDefersOldAdapterTeardown(t *testing.T) {
	loop := runLoop(t)
	s := NewSocket(loop, TransportUDP)
	require.NoError(t, s.Bind("127.0.0.1:0"))

	oldAdapter := newRecordingAdapter()
	s.SetReceiver(oldAdapter)

	newAdapter := newRecordingAdapter()
	torn := make(chan Adapter, 1)
	s.ReplaceReceiver(newAdapter, func(old Adapter) { torn <- old })

	select {
	case got := <-torn:
		require.Equal(t, oldAdapter, got)
	case <-time.After(time.Second):
		t.Fatal("deferred teardown never ran")
	}
}

func TestWriteRawWithoutPeerOnUnconnectedUDPFails(t *testing.T) {
	loop := runLoop(t)
	s := NewSocket(loop, TransportUDP)
	require.NoError(t, s.Bind("127.0.0.1:0"))

	_, err := s.WriteRaw([]byte("x"), nil)
	require.Error(t, err)
}

func TestSocketErrorIsCachedAndDelivered(t *testing.T) {
	loop := runLoop(t)
	s := NewSocket(loop, TransportUDP)
	adapter := newRecordingAdapter()
	errs := make(chan *scyerr.Error, 1)
	adapter.BaseAdapter = BaseAdapter{}
	s.SetReceiver(&errorCapturingAdapter{recordingAdapter: adapter, errs: errs})
	require.NoError(t, s.Bind("127.0.0.1:0"))

	s.setErr(scyerr.New(scyerr.ReadError, "boom"))

	select {
	case e := <-errs:
		require.Equal(t, scyerr.ReadError, e.Code)
	case <-time.After(time.Second):
		t.Fatal("OnSocketError never fired")
	}
	require.Equal(t, scyerr.ReadError, s.Error().Code)
}

type errorCapturingAdapter struct {
	*recordingAdapter
	errs chan *scyerr.Error
}

func (a *errorCapturingAdapter) OnSocketError(_ *Socket, err *scyerr.Error) {
	a.errs <- err
}
