/*************************************************************************
 * Copyright 2024 The LDM7 UMM Authors. All rights reserved.
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package clientauth implements the Authorizer (spec.md section 4.B):
// which client addresses are allowed to connect to a feed's sender.
//
// In the common one-feed-per-child configuration this is a thin wrapper
// over a flat allowed-address set. AuthorizeCIDR additionally allows a
// whole CIDR block for a feed (e.g. a subscriber reachable over two
// paths); containment checks against such blocks are served from a
// per-feed radix tree instead of scanning every allowed block.
package clientauth

import (
	"fmt"
	"sync"

	"github.com/asergeyev/nradix"
	"github.com/ldm7/umm/pool"
)

// Feed names the data channel an authorization applies to. The sender
// child authorizes exactly one fixed feed, but the type carries a feed
// identifier so the API matches spec.md's is_authorized(addr, feed).
type Feed uint32

// Authorizer maps authorized client addresses to the feed-set they may
// subscribe to.
type Authorizer struct {
	mu      sync.Mutex
	allowed map[pool.Addr]Feed  // exact address -> feed-set
	cidrs   map[string]*nradix.Tree // feed key -> CIDR containment tree, created by the feed's first AuthorizeCIDR
}

// New returns an empty Authorizer.
func New() *Authorizer {
	return &Authorizer{
		allowed: make(map[pool.Addr]Feed),
		cidrs:   make(map[string]*nradix.Tree),
	}
}

// Authorize adds addr to the allowed set for feed.
func (a *Authorizer) Authorize(addr pool.Addr, feed Feed) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.allowed[addr] |= feed
}

// AuthorizeCIDR allows every address within cidr for feed, backed by a
// radix tree so containment checks stay cheap regardless of how many
// blocks a feed accumulates.
func (a *Authorizer) AuthorizeCIDR(cidr string, feed Feed) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	key := feedKey(feed)
	tree, ok := a.cidrs[key]
	if !ok {
		tree = nradix.NewTree(32)
		a.cidrs[key] = tree
	}
	return tree.AddCIDR(cidr, true)
}

// IsAuthorized reports whether addr may subscribe to feed. Consulted by
// the sender's FMTP server when accepting incoming connections (external
// collaborator, spec.md section 4.B).
func (a *Authorizer) IsAuthorized(addr pool.Addr, feed Feed) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.allowed[addr]&feed != 0 {
		return true
	}
	if tree, ok := a.cidrs[feedKey(feed)]; ok {
		if v, err := tree.FindCIDR(addr.String()); err == nil && v != nil {
			return true
		}
	}
	return false
}

// Unauthorize removes addr from the allowed set for feed.
func (a *Authorizer) Unauthorize(addr pool.Addr, feed Feed) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.allowed[addr] &^= feed
	if a.allowed[addr] == 0 {
		delete(a.allowed, addr)
	}
}

func feedKey(feed Feed) string {
	return fmt.Sprintf("%d", feed)
}
