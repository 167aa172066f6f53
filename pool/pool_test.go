package pool

import (
	"net"
	"testing"

	"github.com/ldm7/umm/internal/errkind"
	"github.com/stretchr/testify/require"
)

func TestReserveReleaseRoundTrip(t *testing.T) {
	p, err := NewFromCIDR("10.0.0.0/24")
	require.NoError(t, err)
	require.Equal(t, 254, p.Size())

	a, err := p.Reserve()
	require.NoError(t, err)
	require.True(t, p.IsReserved(a))
	require.Equal(t, 253, p.CountFree())
	require.Equal(t, 1, p.CountReserved())

	require.NoError(t, p.Release(a))
	require.False(t, p.IsReserved(a))
	require.Equal(t, 254, p.CountFree())
	require.Equal(t, 0, p.CountReserved())
}

func TestFIFORecycling(t *testing.T) {
	p, err := NewFromCIDR("10.0.0.0/30") // 2 usable hosts
	require.NoError(t, err)

	first, err := p.Reserve()
	require.NoError(t, err)
	second, err := p.Reserve()
	require.NoError(t, err)
	require.NotEqual(t, first, second)

	_, err = p.Reserve()
	require.Error(t, err)
	require.True(t, errkind.Is(err, errkind.POOL_EXHAUSTED))

	require.NoError(t, p.Release(first))
	third, err := p.Reserve()
	require.NoError(t, err)
	require.Equal(t, first, third, "recycled address must be the one just released (FIFO)")
}

func TestReleaseNeverReserved(t *testing.T) {
	p, err := NewFromCIDR("192.168.0.0/24")
	require.NoError(t, err)

	addr, err := AddrFromIP(net.ParseIP("192.168.0.200"))
	require.NoError(t, err)

	err = p.Release(addr)
	require.Error(t, err)
	require.True(t, errkind.Is(err, errkind.NOENT))
	require.Equal(t, 254, p.CountFree())
}

func TestBoundaryExcludesNetworkAndBroadcast(t *testing.T) {
	p, err := NewFromCIDR("1.0.0.0/24")
	require.NoError(t, err)

	network, _ := AddrFromIP(net.ParseIP("1.0.0.0"))
	broadcast, _ := AddrFromIP(net.ParseIP("1.0.0.255"))

	seen := make(map[Addr]bool)
	for p.CountFree() > 0 {
		a, err := p.Reserve()
		require.NoError(t, err)
		require.NotEqual(t, network, a)
		require.NotEqual(t, broadcast, a)
		require.True(t, p.Contains(a))
		seen[a] = true
	}
	require.Len(t, seen, 254)
}
