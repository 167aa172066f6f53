/*************************************************************************
 * Copyright 2024 The LDM7 UMM Authors. All rights reserved.
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package umm

import (
	"os/exec"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ldm7/umm/ssr"
)

// senderdBinPath builds cmd/senderd into the calling test's temporary
// directory (once per test that calls it) so the end-to-end scenarios in spec.md section 8 can drive a real child
// process instead of a stand-in.
func senderdBinPath(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	bin := filepath.Join(dir, "senderd")
	cmd := exec.Command("go", "build", "-o", bin, "github.com/ldm7/umm/cmd/senderd")
	out, err := cmd.CombinedOutput()
	require.NoErrorf(t, err, "building senderd: %s", out)
	return bin
}

func e2eManager(t *testing.T, registryName string) *UpstreamManager {
	t.Helper()
	mgr, err := New(Config{RegistryName: registryName, Home: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { mgr.Destroy(true) })
	return mgr
}

// TestConcurrentSubscribeSingleSpawn is spec.md section 8 scenario 5:
// two concurrent subscribe(F, ...) calls against a feed with no running
// child collapse onto exactly one fork/exec.
func TestConcurrentSubscribeSingleSpawn(t *testing.T) {
	bin := senderdBinPath(t)
	mgr := e2eManager(t, "e2e_single_spawn")

	cfg := baseSenderConfig()
	cfg.Feed = FeedNEXRAD2
	cfg.SenderExec = bin
	require.NoError(t, mgr.AddSender(cfg))

	var spawns int32
	origSpawn := spawnHook
	spawnHook = func() { atomic.AddInt32(&spawns, 1) }
	defer func() { spawnHook = origSpawn }()

	var wg sync.WaitGroup
	results := make([]string, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			gi, _, err := mgr.Subscribe(cfg.Feed, 0x0A010101, VCEndpoint{})
			require.NoError(t, err)
			results[idx] = gi.FMTPServer
		}(i)
	}
	wg.Wait()

	require.Equal(t, int32(1), atomic.LoadInt32(&spawns))
	require.Equal(t, results[0], results[1])
	require.NotEmpty(t, results[0])
}

// TestStaleRegistryReconciled is spec.md section 8 scenario 6: a
// pre-seeded SSR row naming a dead PID is reconciled away and replaced
// with a freshly spawned child on the next subscribe.
func TestStaleRegistryReconciled(t *testing.T) {
	bin := senderdBinPath(t)
	registryName := "e2e_stale_reconcile"

	pre, err := ssr.Open(registryName)
	require.NoError(t, err)
	require.NoError(t, pre.Lock(true))
	require.NoError(t, pre.Put(uint32(FeedNOTHER), 99999, 38800, 38900))
	require.NoError(t, pre.Unlock())
	t.Cleanup(func() { pre.Destroy(true) })

	mgr := e2eManager(t, registryName)
	cfg := baseSenderConfig()
	cfg.Feed = FeedNOTHER
	cfg.SenderExec = bin
	require.NoError(t, mgr.AddSender(cfg))

	gi, _, err := mgr.Subscribe(cfg.Feed, 0x0A010101, VCEndpoint{})
	require.NoError(t, err)
	require.NotEmpty(t, gi.FMTPServer)

	entry, err := mgr.findEntry(cfg.Feed)
	require.NoError(t, err)
	require.NotEqual(t, 99999, entry.pid)
}
