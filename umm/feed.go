/*************************************************************************
 * Copyright 2024 The LDM7 UMM Authors. All rights reserved.
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package umm implements the Sender Supervisor and the Upstream
// Multicast Manager façade (spec.md section 4.E): the public surface
// that configures sender entries, spawns and supervises one sender
// child process per subscribed feed, and brokers subscribe/unsubscribe
// requests against that child's RPC service.
package umm

import (
	"fmt"
	"strings"

	"github.com/ldm7/umm/clientauth"
	"github.com/ldm7/umm/internal/errkind"
)

// Feed is a bitset over the fixed channel alphabet (spec.md section 3).
// A subscription names exactly one bit; a sender entry may serve a
// disjoint set of bits. Defined rather than aliased to clientauth.Feed
// since umm needs its own methods on it; convert explicitly at the
// clientauth/rpc boundary.
type Feed clientauth.Feed

// Named feed bits, the traditional NOAA/Unidata multicast channel set.
const (
	FeedNEXRAD2 Feed = 1 << iota
	FeedNEXRAD3
	FeedCONDUIT
	FeedNOTHER
	FeedNPORT
	FeedNWSTG
	FeedIDS
	FeedDDPLUS
	FeedHDS
	FeedPPS
	FeedEXP
	FeedNGRID
	FeedSPARE
)

var feedNames = map[string]Feed{
	"NEXRAD2": FeedNEXRAD2,
	"NEXRAD3": FeedNEXRAD3,
	"CONDUIT": FeedCONDUIT,
	"NOTHER":  FeedNOTHER,
	"NPORT":   FeedNPORT,
	"NWSTG":   FeedNWSTG,
	"IDS":     FeedIDS,
	"DDPLUS":  FeedDDPLUS,
	"HDS":     FeedHDS,
	"PPS":     FeedPPS,
	"EXP":     FeedEXP,
	"NGRID":   FeedNGRID,
	"SPARE":   FeedSPARE,
}

// ParseFeed resolves one or more "|"-separated named channels (e.g.
// "IDS|DDPLUS") into a Feed bitset. Fails INVAL on an unknown name.
func ParseFeed(s string) (Feed, error) {
	var f Feed
	for _, name := range strings.Split(s, "|") {
		name = strings.TrimSpace(strings.ToUpper(name))
		bit, ok := feedNames[name]
		if !ok {
			return 0, errkind.New(errkind.INVAL, "umm.ParseFeed", fmt.Errorf("unknown feed name %q", name))
		}
		f |= bit
	}
	return f, nil
}

// names renders f as its constituent channel names joined by "|".
func (f Feed) names() string {
	var names []string
	for name, bit := range feedNames {
		if f&bit != 0 {
			names = append(names, name)
		}
	}
	if len(names) == 0 {
		return "NONE"
	}
	return strings.Join(names, "|")
}
