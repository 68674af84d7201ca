package sockio

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestParseHandshakeSplitsAllFourFields(t *testing.T) {
	hs, err := parseHandshake("4d4f86e9d92b67:25000:60000:websocket,xhr-polling")
	require.NoError(t, err)
	require.Equal(t, "4d4f86e9d92b67", hs.SessionID)
	require.Equal(t, 25*time.Second, hs.PingInterval)
	require.Equal(t, 60*time.Second, hs.PingTimeout)
	require.Equal(t, []string{"websocket", "xhr-polling"}, hs.Transports)
}

func TestParseHandshakeRejectsWrongFieldCount(t *testing.T) {
	_, err := parseHandshake("sessiononly")
	require.Error(t, err)
}

func TestParseHandshakeRejectsNonNumericIntervals(t *testing.T) {
	_, err := parseHandshake("sess:abc:60:websocket")
	require.Error(t, err)
}
