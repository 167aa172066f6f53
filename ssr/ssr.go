/*************************************************************************
 * Copyright 2024 The LDM7 UMM Authors. All rights reserved.
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package ssr implements the Shared Sender Registry (spec.md section
// 4.C): a cross-process table mapping each feed bit to the PID, FMTP
// port, and RPC port of the sender child currently serving it.
//
// The table lives in a named shared memory region ("mldmSenderMap", on
// Linux a file under /dev/shm) mapped into every process that opens it.
// A single advisory file-range lock over the first row's length
// serializes every read and mutation; there are no long-lived readers,
// so one lock type (exclusive) suffices.
package ssr

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"

	"github.com/ldm7/umm/internal/errkind"
)

const (
	// NFeeds is the bit width of the feed identifier alphabet (spec.md
	// section 3: "a bitset over a fixed alphabet (e.g. 32 named
	// channels)").
	NFeeds = 32

	rowSize = 8 // int32 pid + uint16 fmtp_port + uint16 rpc_port

	// DefaultName is the shared memory object name from spec.md section 6.
	DefaultName = "mldmSenderMap"
)

// Row is one slot of the registry.
type Row struct {
	PID      int32
	FMTPPort uint16
	RPCPort  uint16
}

func (r Row) occupied() bool { return r.PID != 0 }

// Registry is a handle onto the shared table. The zero value is not
// usable; construct one with Open.
type Registry struct {
	path string
	f    *os.File
	mem  []byte
}

// Open creates or attaches the shared memory region at the default OS
// path for name, sizing it for NFeeds rows. On first creation the table
// is zeroed.
func Open(name string) (*Registry, error) {
	if name == "" {
		name = DefaultName
	}
	path := shmPath(name)
	size := int64(NFeeds * rowSize)

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0660)
	if err != nil {
		return nil, errkind.New(errkind.SYSTEM, "ssr.open", err)
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, errkind.New(errkind.SYSTEM, "ssr.open", err)
	}
	created := fi.Size() == 0
	if fi.Size() < size {
		if err := f.Truncate(size); err != nil {
			f.Close()
			return nil, errkind.New(errkind.SYSTEM, "ssr.open", err)
		}
	}

	mem, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, errkind.New(errkind.SYSTEM, "ssr.open", err)
	}

	r := &Registry{path: path, f: f, mem: mem}
	if created {
		if err := r.clearLocked(); err != nil {
			r.Destroy(false)
			return nil, err
		}
	}
	return r, nil
}

func shmPath(name string) string {
	return filepath.Join("/dev/shm", name)
}

// Destroy detaches the registry. If final is true, the backing object is
// also unlinked so no process can attach to it again.
func (r *Registry) Destroy(final bool) error {
	if r == nil || r.f == nil {
		return nil
	}
	var err error
	if uerr := unix.Munmap(r.mem); uerr != nil {
		err = errkind.New(errkind.SYSTEM, "ssr.destroy", uerr)
	}
	if cerr := r.f.Close(); cerr != nil && err == nil {
		err = errkind.New(errkind.SYSTEM, "ssr.destroy", cerr)
	}
	if final {
		if uerr := os.Remove(r.path); uerr != nil && !os.IsNotExist(uerr) && err == nil {
			err = errkind.New(errkind.SYSTEM, "ssr.destroy", uerr)
		}
	}
	r.mem = nil
	r.f = nil
	return err
}

// Lock acquires the single file-range lock covering the whole table.
// exclusive is accepted for API symmetry with spec.md; only one lock
// type is ever used, since there are no long-lived readers.
func (r *Registry) Lock(exclusive bool) error {
	lk := unix.Flock_t{
		Type:   unix.F_WRLCK,
		Whence: int16(unix.SEEK_SET),
		Start:  0,
		Len:    rowSize,
	}
	if err := unix.FcntlFlock(r.f.Fd(), unix.F_SETLKW, &lk); err != nil {
		return errkind.New(errkind.SYSTEM, "ssr.lock", err)
	}
	return nil
}

// Unlock releases the file-range lock.
func (r *Registry) Unlock() error {
	lk := unix.Flock_t{
		Type:   unix.F_UNLCK,
		Whence: int16(unix.SEEK_SET),
		Start:  0,
		Len:    rowSize,
	}
	if err := unix.FcntlFlock(r.f.Fd(), unix.F_SETLK, &lk); err != nil {
		return errkind.New(errkind.SYSTEM, "ssr.unlock", err)
	}
	return nil
}

func (r *Registry) withLock(fn func() error) error {
	if err := r.Lock(true); err != nil {
		return err
	}
	defer r.Unlock()
	return fn()
}

func (r *Registry) readRow(i int) Row {
	off := i * rowSize
	return Row{
		PID:      int32(binary.LittleEndian.Uint32(r.mem[off : off+4])),
		FMTPPort: binary.LittleEndian.Uint16(r.mem[off+4 : off+6]),
		RPCPort:  binary.LittleEndian.Uint16(r.mem[off+6 : off+8]),
	}
}

func (r *Registry) writeRow(i int, row Row) {
	off := i * rowSize
	binary.LittleEndian.PutUint32(r.mem[off:off+4], uint32(row.PID))
	binary.LittleEndian.PutUint16(r.mem[off+4:off+6], row.FMTPPort)
	binary.LittleEndian.PutUint16(r.mem[off+6:off+8], row.RPCPort)
}

func bits(feed uint32) []int {
	var idx []int
	for i := 0; i < NFeeds; i++ {
		if feed&(1<<uint(i)) != 0 {
			idx = append(idx, i)
		}
	}
	return idx
}

// Put records pid/fmtpPort/rpcPort for every bit set in feed. Fails
// DUPLICATE if any targeted slot is occupied by a different PID, or if
// pid already occupies a slot outside of feed.
func (r *Registry) Put(feed uint32, pid int32, fmtpPort, rpcPort uint16) error {
	return r.withLock(func() error { return r.PutLocked(feed, pid, fmtpPort, rpcPort) })
}

// PutLocked is Put for a caller that already holds the registry lock
// (via Lock) and needs to compose it with other queries or mutations
// under the same critical section, e.g. the UMM's spawn-if-absent
// reconciliation (spec.md section 4.E).
func (r *Registry) PutLocked(feed uint32, pid int32, fmtpPort, rpcPort uint16) error {
	targets := bits(feed)
	for i := 0; i < NFeeds; i++ {
		row := r.readRow(i)
		if !row.occupied() {
			continue
		}
		isTarget := false
		for _, t := range targets {
			if t == i {
				isTarget = true
				break
			}
		}
		if isTarget {
			if row.PID != pid {
				return errkind.New(errkind.DUPLICATE, "ssr.put", fmt.Errorf("slot %d occupied by pid %d", i, row.PID))
			}
		} else if row.PID == pid {
			return errkind.New(errkind.DUPLICATE, "ssr.put", fmt.Errorf("pid %d already registered at slot %d", pid, i))
		}
	}
	for _, i := range targets {
		r.writeRow(i, Row{PID: pid, FMTPPort: fmtpPort, RPCPort: rpcPort})
	}
	return nil
}

// Get returns the first occupied slot in the intersection of feed and
// the occupied slots. Fails NOT_FOUND (errkind.NOENT) if none match.
func (r *Registry) Get(feed uint32) (pid int32, fmtpPort, rpcPort uint16, err error) {
	err = r.withLock(func() error {
		pid, fmtpPort, rpcPort, err = r.GetLocked(feed)
		return err
	})
	return
}

// GetLocked is Get for a caller that already holds the registry lock.
func (r *Registry) GetLocked(feed uint32) (pid int32, fmtpPort, rpcPort uint16, err error) {
	for _, i := range bits(feed) {
		row := r.readRow(i)
		if row.occupied() {
			return row.PID, row.FMTPPort, row.RPCPort, nil
		}
	}
	return 0, 0, 0, errkind.New(errkind.NOENT, "ssr.get", nil)
}

// Remove zeroes every slot whose PID matches pid. Fails NOT_FOUND
// (errkind.NOENT) if no slot matched.
func (r *Registry) Remove(pid int32) error {
	return r.withLock(func() error { return r.RemoveLocked(pid) })
}

// RemoveLocked is Remove for a caller that already holds the registry
// lock.
func (r *Registry) RemoveLocked(pid int32) error {
	found := false
	for i := 0; i < NFeeds; i++ {
		if row := r.readRow(i); row.PID == pid {
			r.writeRow(i, Row{})
			found = true
		}
	}
	if !found {
		return errkind.New(errkind.NOENT, "ssr.remove", nil)
	}
	return nil
}

// Clear zeroes the entire table.
func (r *Registry) Clear() error {
	return r.withLock(r.clearLocked)
}

func (r *Registry) clearLocked() error {
	for i := range r.mem {
		r.mem[i] = 0
	}
	return nil
}
