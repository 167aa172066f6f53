/*************************************************************************
 * Copyright 2024 The LDM7 UMM Authors. All rights reserved.
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package umm

import (
	"fmt"
	"net"
)

// VCEndpoint is a local or remote virtual-circuit endpoint descriptor
// (spec.md section 3): a switch id, port id, and VLAN id. A zero value
// means "none" — the entry does not use a VLAN.
type VCEndpoint struct {
	Switch string
	Port   string
	VLAN   int
}

// Valid reports whether e names an actual endpoint ("none" otherwise).
func (e VCEndpoint) Valid() bool {
	return e.Switch != "" && e.Port != ""
}

// SenderConfig is the caller-supplied description of one feed's sender,
// as accepted by AddSender (spec.md section 4.E).
type SenderConfig struct {
	Feed          Feed
	MulticastAddr string // host:port
	FMTPServer    string // host:port, empty halves mean OS-assigned
	TTL           int    // [0,254]
	Subnet        string // CIDR, the FMTP subnet
	LocalVC       VCEndpoint
	ProductQueue  string
	RetxTimeout   int // minutes, 0 means absent
	SenderExec    string
	LogDest       string
	Verbose       bool
}

// SenderEntry is one configured feed (spec.md section 3): the static
// configuration plus whatever the supervisor has learned about its
// currently-running (or not) sender child.
type SenderEntry struct {
	SenderConfig

	pid      int
	fmtpPort int
	rpcPort  int
	circuit  string // id returned by the external vc provisioner, "" if none
}

// Running reports whether the entry believes it has a live sender child.
// The supervisor is responsible for reconciling this against the SSR and
// kill(pid, 0) (spec.md section 4.E step 1).
func (e *SenderEntry) Running() bool {
	return e.pid != 0
}

func (e *SenderEntry) clearChild() {
	e.pid = 0
	e.fmtpPort = 0
	e.rpcPort = 0
}

// conflictsWith reports whether e and other may not coexist (spec.md
// section 3): shared feed bits, a shared multicast group, or a shared
// non-zero FMTP server host:port.
func (e *SenderEntry) conflictsWith(other *SenderEntry) bool {
	if e.Feed&other.Feed != 0 {
		return true
	}
	if e.MulticastAddr == other.MulticastAddr {
		return true
	}
	if e.FMTPServer == other.FMTPServer {
		if _, port, err := net.SplitHostPort(e.FMTPServer); err == nil && port != "" && port != "0" {
			return true
		}
	}
	return false
}

func (e *SenderEntry) validate() error {
	if e.TTL < 0 || e.TTL > 254 {
		return fmt.Errorf("ttl %d out of range [0,254]", e.TTL)
	}
	if e.Feed == 0 {
		return fmt.Errorf("feed must name at least one channel")
	}
	if e.MulticastAddr == "" {
		return fmt.Errorf("multicast group address required")
	}
	if e.Subnet == "" {
		return fmt.Errorf("fmtp subnet required")
	}
	if e.SenderExec == "" {
		return fmt.Errorf("sender executable path required")
	}
	return nil
}
