package common

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPermissionIsIPOnly(t *testing.T) {
	now := time.Unix(1700000000, 0)
	a := NewAllocation(FiveTuple{}, &net.UDPAddr{IP: net.IPv4(1, 1, 1, 1), Port: 3478}, "u", "r", nil, time.Minute, now)

	a.CreatePermission(net.IPv4(203, 0, 113, 9), 5*time.Minute, now)
	require.True(t, a.HasPermission(net.IPv4(203, 0, 113, 9), now))

	// HasPermission takes only the IP (no port), and the permission still
	// holds a minute into its five-minute lifetime.
	require.True(t, a.HasPermission(net.IPv4(203, 0, 113, 9), now.Add(time.Minute)))
}

func TestPermissionExpires(t *testing.T) {
	now := time.Unix(1700000000, 0)
	a := NewAllocation(FiveTuple{}, nil, "u", "r", nil, time.Minute, now)
	a.CreatePermission(net.IPv4(203, 0, 113, 9), 5*time.Minute, now)

	require.False(t, a.HasPermission(net.IPv4(203, 0, 113, 9), now.Add(6*time.Minute)))
}

func TestChannelBindingIsPerAllocation(t *testing.T) {
	now := time.Unix(1700000000, 0)
	peer := &net.UDPAddr{IP: net.IPv4(198, 51, 100, 2), Port: 9000}

	a1 := NewAllocation(FiveTuple{}, nil, "u1", "r", nil, time.Minute, now)
	a2 := NewAllocation(FiveTuple{}, nil, "u2", "r", nil, time.Minute, now)

	a1.BindChannel(0x4000, peer, peer.IP, 10*time.Minute, now)

	_, boundOnA1 := a1.ChannelFor(peer, now)
	_, boundOnA2 := a2.ChannelFor(peer, now)
	require.True(t, boundOnA1)
	require.False(t, boundOnA2, "channel numbers are scoped per-allocation")
}

func TestSweepRemovesOnlyExpiredEntries(t *testing.T) {
	now := time.Unix(1700000000, 0)
	peerA := &net.UDPAddr{IP: net.IPv4(1, 2, 3, 4), Port: 1}
	peerB := &net.UDPAddr{IP: net.IPv4(5, 6, 7, 8), Port: 2}

	a := NewAllocation(FiveTuple{}, nil, "u", "r", nil, time.Minute, now)
	a.CreatePermission(peerA.IP, time.Second, now)
	a.CreatePermission(peerB.IP, time.Hour, now)
	a.BindChannel(0x4000, peerA, peerA.IP, time.Second, now)

	perms, chans := a.Sweep(now.Add(2 * time.Second))
	require.Equal(t, 1, perms)
	require.Equal(t, 1, chans)
	require.True(t, a.HasPermission(peerB.IP, now.Add(2*time.Second)))
}

func TestRefreshWithZeroLifetimeExpiresImmediately(t *testing.T) {
	now := time.Unix(1700000000, 0)
	a := NewAllocation(FiveTuple{}, nil, "u", "r", nil, time.Minute, now)
	a.Refresh(0, now)
	require.True(t, a.Expired(now))
}
