package stun

import (
	"net"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMessageRoundTrips(t *testing.T) {
	m := NewMessage(MethodBinding, ClassRequest)
	m.Add(NewUsername("alice"))
	m.Add(NewXorAddress(AttrXorMappedAddress, &net.UDPAddr{IP: net.IPv4(203, 0, 113, 5), Port: 50000}, m.TransactionID))

	encoded, err := m.Encode()
	require.NoError(t, err)

	decoded, err := Decode(encoded)
	require.NoError(t, err)
	require.Equal(t, m.Method, decoded.Method)
	require.Equal(t, m.Class, decoded.Class)
	require.Equal(t, m.TransactionID, decoded.TransactionID)
	require.Len(t, decoded.Attributes, 2)

	reencoded, err := decoded.Encode()
	require.NoError(t, err)
	require.Equal(t, encoded, reencoded)
}

func TestXorAddressRoundTrip(t *testing.T) {
	m := NewMessage(MethodAllocate, ClassSuccessResponse)
	addr := &net.UDPAddr{IP: net.IPv4(198, 51, 100, 1), Port: 12345}
	m.Add(NewXorAddress(AttrXorRelayedAddress, addr, m.TransactionID))

	got, err := m.Get(AttrXorRelayedAddress).XorAddress(m.TransactionID)
	require.NoError(t, err)
	require.Equal(t, addr.Port, got.Port)
	require.True(t, addr.IP.Equal(got.IP))
}

func TestMessageIntegrityVerifiesOnlyWithMatchingKey(t *testing.T) {
	key := LongTermKey("alice", "test", "s3cret")

	m := NewMessage(MethodAllocate, ClassRequest)
	m.Add(NewUsername("alice"))
	m.Add(NewRealm("test"))
	m.Add(NewNonce("abc"))
	require.NoError(t, m.AddMessageIntegrity(key))

	ok, err := m.VerifyMessageIntegrity(key)
	require.NoError(t, err)
	require.True(t, ok)

	wrongKey := LongTermKey("alice", "test", "wrong")
	ok, err = m.VerifyMessageIntegrity(wrongKey)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestMessageIntegrityFailsOnBitFlip(t *testing.T) {
	key := LongTermKey("alice", "test", "s3cret")
	m := NewMessage(MethodAllocate, ClassRequest)
	m.Add(NewUsername("alice"))
	require.NoError(t, m.AddMessageIntegrity(key))

	encoded, err := m.Encode()
	require.NoError(t, err)

	// Flip a single bit inside the USERNAME attribute's value.
	flipped := append([]byte(nil), encoded...)
	flipped[24] ^= 0x01

	decoded, err := Decode(flipped)
	require.NoError(t, err)
	ok, err := decoded.VerifyMessageIntegrity(key)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestFingerprintIsLastAndVerifies(t *testing.T) {
	m := NewMessage(MethodBinding, ClassRequest)
	m.Add(NewUsername("alice"))
	require.NoError(t, m.AddFingerprint())

	require.Equal(t, AttrFingerprint, m.Attributes[len(m.Attributes)-1].Type)

	encoded, err := m.Encode()
	require.NoError(t, err)
	decoded, err := Decode(encoded)
	require.NoError(t, err)

	ok, err := decoded.VerifyFingerprint()
	require.NoError(t, err)
	require.True(t, ok)
}

func TestMessageIntegrityThenFingerprintOrdering(t *testing.T) {
	key := LongTermKey("alice", "test", "s3cret")
	m := NewMessage(MethodAllocate, ClassRequest)
	m.Add(NewUsername("alice"))
	require.NoError(t, m.AddMessageIntegrity(key))
	require.NoError(t, m.AddFingerprint())

	n := len(m.Attributes)
	require.Equal(t, AttrFingerprint, m.Attributes[n-1].Type)
	require.Equal(t, AttrMessageIntegrity, m.Attributes[n-2].Type)

	encoded, err := m.Encode()
	require.NoError(t, err)
	decoded, err := Decode(encoded)
	require.NoError(t, err)

	fpOK, err := decoded.VerifyFingerprint()
	require.NoError(t, err)
	require.True(t, fpOK)

	miOK, err := decoded.VerifyMessageIntegrity(key)
	require.NoError(t, err)
	require.True(t, miOK)
}

func TestZeroLengthAttributeIsValid(t *testing.T) {
	m := NewMessage(MethodBinding, ClassRequest)
	m.Add(NewUsername(""))

	encoded, err := m.Encode()
	require.NoError(t, err)
	decoded, err := Decode(encoded)
	require.NoError(t, err)
	require.Equal(t, "", decoded.Get(AttrUsername).String())
}

func TestUnknownComprehensionRequiredAttributeFailsParse(t *testing.T) {
	m := NewMessage(MethodBinding, ClassRequest)
	m.Add(Attribute{Type: AttrType(0x7fff), Value: []byte("x")})
	encoded, err := m.Encode()
	require.NoError(t, err)

	_, err = Decode(encoded)
	require.Error(t, err)
}

func TestUnknownComprehensionOptionalAttributeIsRetained(t *testing.T) {
	m := NewMessage(MethodBinding, ClassRequest)
	m.Add(Attribute{Type: AttrType(0x8fff), Value: []byte("x")})
	encoded, err := m.Encode()
	require.NoError(t, err)

	decoded, err := Decode(encoded)
	require.NoError(t, err)
	require.Len(t, decoded.Attributes, 1)
}
