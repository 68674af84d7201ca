package symple

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRosterUpdateAddsOnlinePeer(t *testing.T) {
	r := NewRoster()
	peer, connected, disconnected := r.Update([]byte(`{"id":"p1","user":"alice","name":"Alice","online":true}`))
	require.True(t, connected)
	require.False(t, disconnected)
	require.Equal(t, "p1", peer.ID())
	require.True(t, peer.Online())
	require.Same(t, peer, r.Get("p1"))
}

func TestRosterUpdateMergesExistingPeer(t *testing.T) {
	r := NewRoster()
	r.Update([]byte(`{"id":"p1","user":"alice","name":"Alice","online":true}`))
	peer, connected, disconnected := r.Update([]byte(`{"id":"p1","user":"alice","name":"Alice 2","online":true}`))
	require.False(t, connected)
	require.False(t, disconnected)
	require.Equal(t, "Alice 2", peer.Get("name").String())
}

func TestRosterUpdateRemovesOfflinePeer(t *testing.T) {
	r := NewRoster()
	r.Update([]byte(`{"id":"p1","user":"alice","name":"Alice","online":true}`))
	_, connected, disconnected := r.Update([]byte(`{"id":"p1","user":"alice","name":"Alice","online":false}`))
	require.False(t, connected)
	require.True(t, disconnected)
	require.Nil(t, r.Get("p1"))
}

func TestRosterAllAndClear(t *testing.T) {
	r := NewRoster()
	r.Update([]byte(`{"id":"p1","user":"a","name":"A","online":true}`))
	r.Update([]byte(`{"id":"p2","user":"b","name":"B","online":true}`))
	require.Len(t, r.All(), 2)
	r.Clear()
	require.Len(t, r.All(), 0)
}
