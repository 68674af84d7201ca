package httpstack

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestClientFrameRoundTripMustMask(t *testing.T) {
	encoded, err := EncodeFrame(Frame{Fin: true, Opcode: OpcodeText, Masked: true, Payload: []byte("hello")})
	require.NoError(t, err)
	// Byte 1's high bit is the mask bit, which a client frame must set.
	require.NotZero(t, encoded[1]&0x80)

	dec := NewServerFrameDecoder()
	frames, err := dec.Feed(encoded)
	require.NoError(t, err)
	require.Len(t, frames, 1)
	require.Equal(t, "hello", string(frames[0].Payload))
}

func TestServerFrameDecoderRejectsUnmaskedMissingWhenRequired(t *testing.T) {
	encoded, err := EncodeFrame(Frame{Fin: true, Opcode: OpcodeText, Masked: false, Payload: []byte("x")})
	require.NoError(t, err)
	dec := NewServerFrameDecoder()
	_, err = dec.Feed(encoded)
	require.Error(t, err)
}

func TestClientFrameDecoderRejectsMaskedServerFrame(t *testing.T) {
	encoded, err := EncodeFrame(Frame{Fin: true, Opcode: OpcodeText, Masked: true, Payload: []byte("x")})
	require.NoError(t, err)
	dec := NewClientFrameDecoder()
	_, err = dec.Feed(encoded)
	require.Error(t, err)
}

func TestFrameDecoderHandlesLargePayloadLengthField(t *testing.T) {
	payload := make([]byte, 70000)
	for i := range payload {
		payload[i] = byte(i)
	}
	encoded, err := EncodeFrame(Frame{Fin: true, Opcode: OpcodeBinary, Masked: false, Payload: payload})
	require.NoError(t, err)

	dec := NewClientFrameDecoder()
	frames, err := dec.Feed(encoded)
	require.NoError(t, err)
	require.Len(t, frames, 1)
	require.Equal(t, payload, frames[0].Payload)
}

func TestFrameDecoderBuffersPartialFrameAcrossFeeds(t *testing.T) {
	encoded, err := EncodeFrame(Frame{Fin: true, Opcode: OpcodeText, Masked: false, Payload: []byte("partial-test")})
	require.NoError(t, err)

	dec := NewClientFrameDecoder()
	frames, err := dec.Feed(encoded[:3])
	require.NoError(t, err)
	require.Len(t, frames, 0)

	frames, err = dec.Feed(encoded[3:])
	require.NoError(t, err)
	require.Len(t, frames, 1)
	require.Equal(t, "partial-test", string(frames[0].Payload))
}

func TestAcceptKeyMatchesRFC6455Example(t *testing.T) {
	// The example key/accept pair from RFC 6455 §1.3 itself.
	accept, err := computeAcceptKey("dGhlIHNhbXBsZSBub25jZQ==")
	require.NoError(t, err)
	require.Equal(t, "s3pPLMBiTxaQ9kYGzzhZRbK+xOo=", accept)
}
