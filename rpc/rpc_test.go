package rpc

import (
	"encoding/binary"
	"net"
	"strconv"
	"testing"

	"github.com/ldm7/umm/clientauth"
	"github.com/ldm7/umm/pool"
	"github.com/stretchr/testify/require"
)

func testHome(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	return dir
}

func startTestServer(t *testing.T) (*Server, string) {
	t.Helper()
	p, err := pool.NewFromCIDR("1.0.0.0/24")
	require.NoError(t, err)
	auth := clientauth.New()
	s := NewServer(Backend{Pool: p, Auth: auth, Feed: 1}, nil)
	home := testHome(t)
	_, err = s.Start(home)
	require.NoError(t, err)
	t.Cleanup(func() { s.Stop() })
	return s, home
}

func TestHappyPathReserveRelease(t *testing.T) {
	s, home := startTestServer(t)
	c := NewClient(s.Port(), home)
	defer c.Close()

	addr, err := c.ReserveAddr()
	require.NoError(t, err)
	require.True(t, addr >= 0x01000001 && addr <= 0x010000FE, "addr %s must be in 1.0.0.1..1.0.0.254", addr)
	require.True(t, s.backend.Auth.IsAuthorized(addr, s.backend.Feed))

	st, err := c.ReleaseAddr(addr)
	require.NoError(t, err)
	require.Equal(t, StatusOK, st)
	require.False(t, s.backend.Auth.IsAuthorized(addr, s.backend.Feed))
}

func TestReleaseNeverReserved(t *testing.T) {
	s, home := startTestServer(t)
	c := NewClient(s.Port(), home)
	defer c.Close()

	other, err := pool.AddrFromIP(net.ParseIP("192.168.0.1"))
	require.NoError(t, err)

	before := s.backend.Pool.CountFree()
	st, err := c.ReleaseAddr(other)
	require.NoError(t, err)
	require.Equal(t, StatusNoEnt, st)
	require.Equal(t, before, s.backend.Pool.CountFree())
}

func TestSecretMismatchRejectsThenRecovers(t *testing.T) {
	s, home := startTestServer(t)

	// A client that dials directly and sends a wrong secret should be
	// disconnected before any action is processed.
	conn, err := net.Dial("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(s.Port())))
	require.NoError(t, err)
	var wrong [8]byte
	binary.LittleEndian.PutUint64(wrong[:], 0xDEADBEEFCAFEBABE)
	_, err = conn.Write(wrong[:])
	require.NoError(t, err)
	// Server should close the connection; further writes/reads fail or EOF.
	var b [4]byte
	n, _ := conn.Read(b[:])
	require.Equal(t, 0, n)
	conn.Close()

	// A correctly-authenticated client must still be served afterwards.
	c := NewClient(s.Port(), home)
	defer c.Close()
	addr, err := c.ReserveAddr()
	require.NoError(t, err)
	require.NotZero(t, addr)
}

func TestAllowAddrNonVLANPath(t *testing.T) {
	s, home := startTestServer(t)
	c := NewClient(s.Port(), home)
	defer c.Close()

	client, err := pool.AddrFromIP(net.ParseIP("203.0.113.9"))
	require.NoError(t, err)

	st, err := c.AllowAddr(client)
	require.NoError(t, err)
	require.Equal(t, StatusOK, st)
	require.True(t, s.backend.Auth.IsAuthorized(client, s.backend.Feed))
}

