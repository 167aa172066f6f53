/*************************************************************************
 * Copyright 2024 The LDM7 UMM Authors. All rights reserved.
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package config

import (
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ldm7/umm/umm"
)

func writeTemp(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	p := filepath.Join(dir, "umm.conf")
	require.NoError(t, ioutil.WriteFile(p, []byte(body), 0640))
	return p
}

func TestLoadSingleSender(t *testing.T) {
	body := `
[global]
log-file = /var/log/ummd.log
log-level = INFO

[sender "ids"]
feed = IDS
mcast-group = 224.0.1.1:1201
fmtp-server = 0.0.0.0:0
ttl = 64
subnet = 10.1.1.0/24
sender-exec = /usr/local/bin/senderd
verbose = true
`
	p := writeTemp(t, body)
	f, err := Load(p)
	require.NoError(t, err)
	require.Equal(t, "/var/log/ummd.log", f.LogFile)
	require.Len(t, f.Senders, 1)

	sc := f.Senders[0]
	require.Equal(t, umm.FeedIDS, sc.Feed)
	require.Equal(t, "224.0.1.1:1201", sc.MulticastAddr)
	require.Equal(t, 64, sc.TTL)
	require.True(t, sc.Verbose)
	require.False(t, sc.LocalVC.Valid())
}

func TestLoadWithVLAN(t *testing.T) {
	body := `
[sender "ddplus"]
feed = DDPLUS
mcast-group = 224.0.1.2:1202
ttl = 16
subnet = 10.1.2.0/24
sender-exec = /usr/local/bin/senderd
vlan-switch = sw1
vlan-port = et-0/0/1
vlan-id = 200
`
	p := writeTemp(t, body)
	f, err := Load(p)
	require.NoError(t, err)
	require.Len(t, f.Senders, 1)
	require.True(t, f.Senders[0].LocalVC.Valid())
	require.Equal(t, 200, f.Senders[0].LocalVC.VLAN)
}

func TestLoadUnknownFeedRejected(t *testing.T) {
	body := `
[sender "bogus"]
feed = NOTREAL
mcast-group = 224.0.1.3:1203
ttl = 1
subnet = 10.1.3.0/24
sender-exec = /usr/local/bin/senderd
`
	p := writeTemp(t, body)
	_, err := Load(p)
	require.Error(t, err)
}

func TestLoadNoSendersRejected(t *testing.T) {
	p := writeTemp(t, "[global]\nlog-level = WARN\n")
	_, err := Load(p)
	require.Error(t, err)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(os.TempDir(), "does-not-exist.conf"))
	require.Error(t, err)
}
