package clientauth

import (
	"net"
	"testing"

	"github.com/ldm7/umm/pool"
	"github.com/stretchr/testify/require"
)

func addr(t *testing.T, s string) pool.Addr {
	t.Helper()
	a, err := pool.AddrFromIP(net.ParseIP(s))
	require.NoError(t, err)
	return a
}

func TestAuthorizeSingleAddress(t *testing.T) {
	a := New()
	c := addr(t, "10.0.0.5")

	require.False(t, a.IsAuthorized(c, 1))
	a.Authorize(c, 1)
	require.True(t, a.IsAuthorized(c, 1))
	require.False(t, a.IsAuthorized(c, 2), "authorization is per-feed")

	a.Unauthorize(c, 1)
	require.False(t, a.IsAuthorized(c, 1))
}

func TestAuthorizeCIDR(t *testing.T) {
	a := New()
	require.NoError(t, a.AuthorizeCIDR("192.168.1.0/24", 1))

	require.True(t, a.IsAuthorized(addr(t, "192.168.1.200"), 1))
	require.False(t, a.IsAuthorized(addr(t, "192.168.2.1"), 1))
}
