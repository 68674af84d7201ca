package signaling

import (
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/require"
)

// exchangeCandidates wires a raw offerer peer connection's trickled
// candidates into our answerer wrapper and vice versa, so the two sides
// can fully establish a connection without a broker in the loop.
func exchangeCandidates(t *testing.T, offerer *webrtc.PeerConnection, answerer *PeerConnection) {
	t.Helper()
	offerer.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		require.NoError(t, answerer.AddICECandidate(c.ToJSON()))
	})
	answerer.OnLocalCandidate = func(c webrtc.ICECandidateInit) {
		require.NoError(t, offerer.AddICECandidate(c))
	}
}

func TestSetRemoteOfferProducesAnswerAndOpensDataChannel(t *testing.T) {
	offerer, err := webrtc.NewPeerConnection(webrtc.Configuration{})
	require.NoError(t, err)
	defer offerer.Close()

	answerer, err := New(Config{})
	require.NoError(t, err)
	defer answerer.Close()

	var opened sync.WaitGroup
	opened.Add(1)
	answerer.OnDataChannel = func(dc *webrtc.DataChannel) {
		dc.OnOpen(func() { opened.Done() })
	}

	dc, err := offerer.CreateDataChannel("data", nil)
	require.NoError(t, err)

	offer, err := offerer.CreateOffer(nil)
	require.NoError(t, err)
	require.NoError(t, offerer.SetLocalDescription(offer))

	exchangeCandidates(t, offerer, answerer)

	answerSDP, err := answerer.SetRemoteOffer(offer.SDP)
	require.NoError(t, err)
	require.Contains(t, answerSDP, "v=0")

	require.NoError(t, offerer.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  answerSDP,
	}))

	waitWithTimeout(t, &opened, 5*time.Second)
	require.Equal(t, webrtc.DataChannelStateOpen, dc.ReadyState())
}

func waitWithTimeout(t *testing.T, wg *sync.WaitGroup, d time.Duration) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(d):
		t.Fatal("timed out waiting for data channel to open")
	}
}

func TestIsPrivateHostCandidateFiltersLoopbackAndPrivate(t *testing.T) {
	cases := []struct {
		value string
		want  bool
	}{
		{"1 1 UDP 2130706431 127.0.0.1 54321 typ host", true},
		{"1 1 UDP 2130706431 192.168.1.5 54321 typ host", true},
		{"1 1 UDP 2130706431 203.0.113.5 54321 typ host", false},
		{"1 1 UDP 1694498815 203.0.113.5 54321 typ srflx raddr 192.168.1.5 rport 54321", false},
	}
	for _, c := range cases {
		require.Equal(t, c.want, isPrivateHostCandidate(c.value), c.value)
	}
}
