/*************************************************************************
 * Copyright 2024 The LDM7 UMM Authors. All rights reserved.
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package umm

import (
	"net"
	"os"
	"strconv"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/ldm7/umm/internal/errkind"
	"github.com/ldm7/umm/internal/log"
	"github.com/ldm7/umm/pool"
	"github.com/ldm7/umm/rpc"
	"github.com/ldm7/umm/ssr"
)

// GroupInfo is what Subscribe returns: the multicast group and FMTP
// server the client should join, plus the multicast TTL. The client's
// CIDR is returned by Subscribe as a separate value.
type GroupInfo struct {
	MulticastAddr string
	FMTPServer    string // OS-chosen port resolved
	TTL           int
}

// Config controls process-wide behavior of an UpstreamManager.
type Config struct {
	// RegistryName overrides the default SSR shared-memory object name;
	// tests use this to avoid colliding with a real deployment.
	RegistryName string
	// Home is the directory sender children publish their RPC shared
	// secret under; defaults to os.Getenv("HOME").
	Home string
	// VCProvisioner is the path to the external virtual-circuit
	// provisioning command; empty disables VLAN subscriptions.
	VCProvisioner string
	Logger        *log.Logger
}

// UpstreamManager is the UMM façade (spec.md section 4.E): the only
// public surface on the top side. It owns every configured sender entry
// and supervises the child processes that back them.
type UpstreamManager struct {
	mu      sync.Mutex
	entries []*SenderEntry

	childMu  sync.Mutex
	children map[int]*child

	clientMu sync.Mutex
	clients  map[int]*rpc.Client // keyed by rpc port

	registry   *ssr.Registry
	spawnGroup singleflight.Group
	vc         *vcProvisioner
	home       string
	lg         *log.Logger
}

// New constructs an UpstreamManager, attaching (or creating) the shared
// sender registry.
func New(cfg Config) (*UpstreamManager, error) {
	lg := cfg.Logger
	if lg == nil {
		lg = log.NewDiscard()
	}
	reg, err := ssr.Open(cfg.RegistryName)
	if err != nil {
		return nil, err
	}
	home := cfg.Home
	if home == "" {
		home = os.Getenv("HOME")
	}
	return &UpstreamManager{
		children: make(map[int]*child),
		clients:  make(map[int]*rpc.Client),
		registry: reg,
		vc:       newVCProvisioner(cfg.VCProvisioner, lg),
		home:     home,
		lg:       lg,
	}, nil
}

// AddSender inserts a configured sender entry (spec.md section 4.E).
// Fails DUPLICATE if it would conflict with an existing entry (shared
// feed bits, multicast group, or FMTP server).
func (u *UpstreamManager) AddSender(cfg SenderConfig) error {
	e := &SenderEntry{SenderConfig: cfg}
	if err := e.validate(); err != nil {
		return errkind.New(errkind.INVAL, "umm.add_sender", err)
	}

	u.mu.Lock()
	defer u.mu.Unlock()
	for _, existing := range u.entries {
		if existing.conflictsWith(e) {
			return errkind.New(errkind.DUPLICATE, "umm.add_sender", nil)
		}
	}
	u.entries = append(u.entries, e)
	return nil
}

func (u *UpstreamManager) findEntry(feed Feed) (*SenderEntry, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	for _, e := range u.entries {
		if e.Feed&feed != 0 {
			return e, nil
		}
	}
	return nil, errkind.New(errkind.NOENT, "umm.find_entry", nil)
}

func (u *UpstreamManager) clientFor(e *SenderEntry) *rpc.Client {
	u.clientMu.Lock()
	defer u.clientMu.Unlock()
	if c, ok := u.clients[e.rpcPort]; ok {
		return c
	}
	c := rpc.NewClient(e.rpcPort, u.home)
	u.clients[e.rpcPort] = c
	return c
}

// Subscribe implements spec.md section 4.E's subscribe algorithm.
func (u *UpstreamManager) Subscribe(feed Feed, clientAddr pool.Addr, remoteVC VCEndpoint) (GroupInfo, string, error) {
	e, err := u.findEntry(feed)
	if err != nil {
		return GroupInfo{}, "", err
	}

	vlan := e.LocalVC.Valid()
	var circuitCreated bool
	if vlan {
		circuitID, verr := u.vc.Create(e.Feed.names(), e.LocalVC, remoteVC)
		if verr != nil {
			return GroupInfo{}, "", verr
		}
		e.circuit = circuitID
		circuitCreated = true
	}

	unwind := func() {
		if circuitCreated {
			u.vc.Destroy(e.circuit)
			e.circuit = ""
		}
	}

	if err := u.ensureChildRunning(e); err != nil {
		unwind()
		return GroupInfo{}, "", err
	}

	gi := GroupInfo{
		MulticastAddr: e.MulticastAddr,
		FMTPServer:    resolvedFMTPServer(e),
		TTL:           e.TTL,
	}

	client := u.clientFor(e)
	var cidr string
	if vlan {
		addr, rerr := client.ReserveAddr()
		if rerr != nil {
			unwind()
			return GroupInfo{}, "", errkind.New(errkind.SYSTEM, "umm.subscribe", rerr)
		}
		if addr == 0 {
			unwind()
			return GroupInfo{}, "", errkind.New(errkind.POOL_EXHAUSTED, "umm.subscribe", nil)
		}
		_, bits, _ := splitCIDR(e.Subnet)
		if _, ipnet, perr := net.ParseCIDR(e.Subnet); perr == nil {
			if network, nerr := pool.AddrFromIP(ipnet.IP); nerr == nil {
				addr |= network
			}
		}
		cidr = addr.String() + "/" + strconv.Itoa(bits)
	} else {
		st, aerr := client.AllowAddr(clientAddr)
		if aerr != nil {
			unwind()
			return GroupInfo{}, "", errkind.New(errkind.SYSTEM, "umm.subscribe", aerr)
		}
		if st != rpc.StatusOK {
			unwind()
			return GroupInfo{}, "", errkind.New(errkind.SYSTEM, "umm.subscribe", nil)
		}
		cidr = clientAddr.String() + "/32"
	}
	return gi, cidr, nil
}

// Unsubscribe implements spec.md section 4.E's unsubscribe algorithm.
// The non-VLAN path is an explicit, preserved limitation: it does not
// revoke the client's ALLOW_ADDR at the child (spec.md section 9).
func (u *UpstreamManager) Unsubscribe(feed Feed, clientAddr pool.Addr) error {
	e, err := u.findEntry(feed)
	if err != nil {
		return err
	}
	if !e.LocalVC.Valid() {
		return nil
	}
	client := u.clientFor(e)
	st, err := client.ReleaseAddr(clientAddr)
	if err != nil {
		return errkind.New(errkind.SYSTEM, "umm.unsubscribe", err)
	}
	if st == rpc.StatusNoEnt {
		return errkind.New(errkind.NOENT, "umm.unsubscribe", nil)
	}
	if e.circuit != "" {
		if err := u.vc.Destroy(e.circuit); err != nil {
			return err
		}
		e.circuit = ""
	}
	return nil
}

// Destroy frees every in-memory sender entry, terminates any running
// children, and tears down the shared sender registry.
func (u *UpstreamManager) Destroy(final bool) error {
	u.mu.Lock()
	entries := u.entries
	u.entries = nil
	u.mu.Unlock()

	for _, e := range entries {
		u.terminateChild(e)
	}
	u.clientMu.Lock()
	for _, c := range u.clients {
		c.Close()
	}
	u.clients = make(map[int]*rpc.Client)
	u.clientMu.Unlock()

	return u.registry.Destroy(final)
}

func resolvedFMTPServer(e *SenderEntry) string {
	host, _, err := net.SplitHostPort(e.FMTPServer)
	if err != nil || host == "" {
		host = "127.0.0.1"
	}
	return net.JoinHostPort(host, strconv.Itoa(e.fmtpPort))
}
