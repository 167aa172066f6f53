package ssr

import (
	"fmt"
	"testing"

	"github.com/ldm7/umm/internal/errkind"
	"github.com/stretchr/testify/require"
)

func testName(t *testing.T) string {
	return fmt.Sprintf("mldmSenderMap.test.%s", t.Name())
}

func openTestRegistry(t *testing.T) *Registry {
	t.Helper()
	r, err := Open(testName(t))
	require.NoError(t, err)
	t.Cleanup(func() { r.Destroy(true) })
	return r
}

func TestPutThenGet(t *testing.T) {
	r := openTestRegistry(t)

	const IDS, DDPLUS, PPS = 1 << 0, 1 << 1, 1 << 2

	require.NoError(t, r.Put(IDS|DDPLUS, 1, 38800, 38900))

	pid, fmtp, rpcp, err := r.Get(IDS)
	require.NoError(t, err)
	require.EqualValues(t, 1, pid)
	require.EqualValues(t, 38800, fmtp)
	require.EqualValues(t, 38900, rpcp)

	require.NoError(t, r.Remove(1))

	_, _, _, err = r.Get(IDS)
	require.Error(t, err)
	require.True(t, errkind.Is(err, errkind.NOENT))
	_, _, _, err = r.Get(DDPLUS)
	require.True(t, errkind.Is(err, errkind.NOENT))
}

func TestPutDuplicatePID(t *testing.T) {
	r := openTestRegistry(t)

	const IDS, PPS = 1 << 0, 1 << 2

	require.NoError(t, r.Put(IDS, 1, 38800, 38900))
	err := r.Put(PPS, 1, 38800, 38900)
	require.Error(t, err)
	require.True(t, errkind.Is(err, errkind.DUPLICATE))

	pid, _, _, err := r.Get(IDS)
	require.NoError(t, err)
	require.EqualValues(t, 1, pid)
}

func TestRemoveNotFound(t *testing.T) {
	r := openTestRegistry(t)
	err := r.Remove(99999)
	require.Error(t, err)
	require.True(t, errkind.Is(err, errkind.NOENT))
}

func TestClear(t *testing.T) {
	r := openTestRegistry(t)
	require.NoError(t, r.Put(1, 42, 1, 2))
	require.NoError(t, r.Clear())
	_, _, _, err := r.Get(1)
	require.True(t, errkind.Is(err, errkind.NOENT))
}
