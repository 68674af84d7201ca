package symple

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAddressRoundTrip(t *testing.T) {
	a, err := ParseAddress("alice|Alice Example|abc123/laptop")
	require.NoError(t, err)
	require.Equal(t, "alice", a.User)
	require.Equal(t, "Alice Example", a.Name)
	require.Equal(t, "abc123", a.ID)
	require.Equal(t, "laptop", a.Resource)
	require.Equal(t, "alice|Alice Example|abc123/laptop", a.String())
}

func TestAddressRejectsMalformed(t *testing.T) {
	_, err := ParseAddress("not-an-address")
	require.Error(t, err)
}

func TestMessageValidRequiresTypeIDFrom(t *testing.T) {
	m := NewMessage(KindMessage, "1")
	require.Error(t, m.Valid()) // no from yet

	m.SetFrom(Address{User: "bob", Name: "Bob", ID: "b1"})
	require.NoError(t, m.Valid())
}

func TestMessageValidRejectsUnknownType(t *testing.T) {
	m := ParseMessage([]byte(`{"type":"bogus","id":"1","from":"a|b|c"}`))
	require.Error(t, m.Valid())
}

func TestPresenceProbeRoundTrip(t *testing.T) {
	m := NewMessage(KindPresence, "1")
	m.SetFrom(Address{User: "a", Name: "A", ID: "1"})
	require.False(t, m.IsProbe())
	m.SetProbe(true)
	require.True(t, m.IsProbe())
}

func TestCommandIsRequestUntilStatusSet(t *testing.T) {
	m := NewMessage(KindCommand, "1")
	m.SetFrom(Address{User: "a", Name: "A", ID: "1"})
	require.True(t, m.IsRequest())
	m.SetStatus(404)
	require.False(t, m.IsRequest())
}

func TestMessageToDefaultsEmpty(t *testing.T) {
	m := NewMessage(KindMessage, "1")
	to, err := m.To()
	require.NoError(t, err)
	require.True(t, to.Empty())
}
