/*************************************************************************
 * Copyright 2024 The LDM7 UMM Authors. All rights reserved.
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package pool implements the Subnet Address Pool (spec.md section 4.A):
// FIFO recycling of the host addresses in a CIDR block, split between a
// free queue and a reserved set.
package pool

import (
	"encoding/binary"
	"fmt"
	"net"
	"sync"

	"github.com/ldm7/umm/internal/errkind"
)

// Addr is a 32-bit IPv4 address in network byte order.
type Addr uint32

// String renders the address in dotted-quad form.
func (a Addr) String() string {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], uint32(a))
	return net.IP(b[:]).String()
}

// AddrFromIP converts a net.IP (v4 or v4-in-v6) to an Addr.
func AddrFromIP(ip net.IP) (Addr, error) {
	v4 := ip.To4()
	if v4 == nil {
		return 0, fmt.Errorf("%v is not an IPv4 address", ip)
	}
	return Addr(binary.BigEndian.Uint32(v4)), nil
}

// Pool tracks which host addresses in one CIDR subnet are free versus
// reserved. All operations are safe for concurrent use.
type Pool struct {
	mu       sync.Mutex
	network  Addr
	prefix   int
	free     []Addr // FIFO: free[0] is the head
	reserved map[Addr]struct{}
}

// NewFromCIDR populates the free queue with every usable host address in
// cidr (network and broadcast excluded), in ascending order.
func NewFromCIDR(cidr string) (*Pool, error) {
	_, ipnet, err := net.ParseCIDR(cidr)
	if err != nil {
		return nil, errkind.New(errkind.INVAL, "pool.NewFromCIDR", err)
	}
	ones, bits := ipnet.Mask.Size()
	if bits != 32 {
		return nil, errkind.New(errkind.INVAL, "pool.NewFromCIDR", fmt.Errorf("only IPv4 subnets are supported"))
	}
	network, err := AddrFromIP(ipnet.IP)
	if err != nil {
		return nil, errkind.New(errkind.INVAL, "pool.NewFromCIDR", err)
	}
	hostBits := 32 - ones
	if hostBits < 2 {
		return nil, errkind.New(errkind.INVAL, "pool.NewFromCIDR", fmt.Errorf("subnet %s has no usable host addresses", cidr))
	}
	n := (uint64(1) << uint(hostBits)) - 2

	p := &Pool{
		network:  network,
		prefix:   ones,
		free:     make([]Addr, 0, n),
		reserved: make(map[Addr]struct{}),
	}
	for i := uint64(1); i <= n; i++ {
		p.free = append(p.free, network+Addr(i))
	}
	return p, nil
}

// Contains reports whether addr lies within the pool's configured subnet
// and is neither the network nor the broadcast address.
func (p *Pool) Contains(addr Addr) bool {
	hostBits := 32 - p.prefix
	n := (uint64(1) << uint(hostBits)) - 2
	if addr <= p.network || addr > p.network+Addr(n) {
		return false
	}
	return true
}

// Reserve dequeues the head of the free queue. Fails POOL_EXHAUSTED if
// the free queue is empty.
func (p *Pool) Reserve() (Addr, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.free) == 0 {
		return 0, errkind.New(errkind.POOL_EXHAUSTED, "pool.reserve", nil)
	}
	addr := p.free[0]
	p.free = p.free[1:]
	p.reserved[addr] = struct{}{}
	return addr, nil
}

// Release removes addr from the reserved set and appends it to the tail
// of the free queue. Fails NOT_RESERVED (errkind.NOENT) if addr was not
// reserved.
func (p *Pool) Release(addr Addr) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.reserved[addr]; !ok {
		return errkind.New(errkind.NOENT, "pool.release", fmt.Errorf("%s not reserved", addr))
	}
	delete(p.reserved, addr)
	p.free = append(p.free, addr)
	return nil
}

// IsReserved is a set-membership test.
func (p *Pool) IsReserved(addr Addr) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.reserved[addr]
	return ok
}

// Size returns the total number of usable addresses in the subnet.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.free) + len(p.reserved)
}

// CountFree returns the number of addresses currently in the free queue.
func (p *Pool) CountFree() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.free)
}

// CountReserved returns the number of addresses currently reserved.
func (p *Pool) CountReserved() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.reserved)
}
