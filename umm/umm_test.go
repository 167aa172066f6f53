/*************************************************************************
 * Copyright 2024 The LDM7 UMM Authors. All rights reserved.
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package umm

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ldm7/umm/internal/errkind"
)

func testConfig(t *testing.T) Config {
	t.Helper()
	return Config{
		RegistryName: "umm_test_" + t.Name(),
		Home:         t.TempDir(),
	}
}

func baseSenderConfig() SenderConfig {
	return SenderConfig{
		Feed:          FeedIDS,
		MulticastAddr: "224.0.1.1:1201",
		FMTPServer:    "127.0.0.1:0",
		TTL:           16,
		Subnet:        "10.1.1.0/24",
		SenderExec:    "/bin/true",
	}
}

func newTestManager(t *testing.T) *UpstreamManager {
	t.Helper()
	mgr, err := New(testConfig(t))
	require.NoError(t, err)
	t.Cleanup(func() { mgr.registry.Destroy(true) })
	return mgr
}

func TestAddSenderRejectsConflictingFeed(t *testing.T) {
	mgr := newTestManager(t)
	require.NoError(t, mgr.AddSender(baseSenderConfig()))

	conflicting := baseSenderConfig()
	conflicting.MulticastAddr = "224.0.1.2:1202"
	err := mgr.AddSender(conflicting)
	require.Error(t, err)
	require.True(t, errkind.Is(err, errkind.DUPLICATE))
}

func TestAddSenderRejectsConflictingMulticastGroup(t *testing.T) {
	mgr := newTestManager(t)
	require.NoError(t, mgr.AddSender(baseSenderConfig()))

	conflicting := baseSenderConfig()
	conflicting.Feed = FeedDDPLUS
	err := mgr.AddSender(conflicting)
	require.Error(t, err)
	require.True(t, errkind.Is(err, errkind.DUPLICATE))
}

func TestAddSenderRejectsIdenticalReadd(t *testing.T) {
	mgr := newTestManager(t)
	cfg := baseSenderConfig()
	require.NoError(t, mgr.AddSender(cfg))
	err := mgr.AddSender(cfg)
	require.Error(t, err)
	require.True(t, errkind.Is(err, errkind.DUPLICATE))
}

func TestAddSenderAllowsDisjointFeeds(t *testing.T) {
	mgr := newTestManager(t)
	require.NoError(t, mgr.AddSender(baseSenderConfig()))

	other := baseSenderConfig()
	other.Feed = FeedDDPLUS
	other.MulticastAddr = "224.0.1.2:1202"
	other.FMTPServer = "127.0.0.1:0"
	require.NoError(t, mgr.AddSender(other))
}

func TestAddSenderRejectsInvalidTTL(t *testing.T) {
	mgr := newTestManager(t)
	cfg := baseSenderConfig()
	cfg.TTL = 255
	err := mgr.AddSender(cfg)
	require.Error(t, err)
	require.True(t, errkind.Is(err, errkind.INVAL))
}

func TestSubscribeUnknownFeedIsNoEnt(t *testing.T) {
	mgr := newTestManager(t)
	require.NoError(t, mgr.AddSender(baseSenderConfig()))

	_, _, err := mgr.Subscribe(FeedHDS, 0, VCEndpoint{})
	require.Error(t, err)
	require.True(t, errkind.Is(err, errkind.NOENT))
}

func TestUnsubscribeNonVLANIsNoOp(t *testing.T) {
	mgr := newTestManager(t)
	cfg := baseSenderConfig()
	require.NoError(t, mgr.AddSender(cfg))

	err := mgr.Unsubscribe(cfg.Feed, 0)
	require.NoError(t, err)
}
