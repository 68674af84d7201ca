package sockio

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPacketRoundTrip(t *testing.T) {
	p := Packet{Type: TypeEvent, ID: "7", Endpoint: "", Data: []byte(`{"name":"announce"}`)}
	decoded, err := Decode(Encode(p))
	require.NoError(t, err)
	require.Equal(t, p, decoded)
}

func TestPacketDecodeHeartbeat(t *testing.T) {
	p, err := Decode("2::")
	require.NoError(t, err)
	require.Equal(t, TypeHeartbeat, p.Type)
	require.Equal(t, "", p.ID)
}

func TestPacketDecodeShortForm(t *testing.T) {
	p, err := Decode("8")
	require.NoError(t, err)
	require.Equal(t, TypeNoop, p.Type)
}

func TestPacketDecodeRejectsBadType(t *testing.T) {
	_, err := Decode("9::x")
	require.Error(t, err)
}

func TestPacketDecodeRejectsEmpty(t *testing.T) {
	_, err := Decode("")
	require.Error(t, err)
}
