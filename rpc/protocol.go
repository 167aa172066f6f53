/*************************************************************************
 * Copyright 2024 The LDM7 UMM Authors. All rights reserved.
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package rpc implements the Client-Address RPC Service (spec.md
// section 4.D): a loopback-only TCP request/response protocol, fronted
// by a shared-secret preamble, through which an UMM parent asks a
// sender child to reserve, release, or allow client addresses.
//
// Wire format: every field is fixed-width and little-endian, except the
// address fields which travel in network byte order. The service is
// loopback-only, so the fixed encoding only has to be consistent between
// this package's client and server.
package rpc

import (
	"encoding/binary"
	"errors"
	"io"
)

// Action identifies an RPC request.
type Action uint32

const (
	ReserveAddr Action = iota + 1
	ReleaseAddr
	AllowAddr
	Close
)

// Status is the action-specific response code for RELEASE_ADDR and
// ALLOW_ADDR.
type Status uint32

const (
	StatusOK    Status = 0
	StatusNoEnt Status = 1
)

var (
	ErrBadSecret    = errors.New("rpc: shared secret mismatch")
	ErrShortRead    = errors.New("rpc: short read")
	ErrShortWrite   = errors.New("rpc: short write")
	ErrUnknownState = errors.New("rpc: unknown status code")
)

// secretSize is the width in bytes of the 64-bit shared secret preamble.
const secretSize = 8

func writeSecret(w io.Writer, secret uint64) error {
	var b [secretSize]byte
	binary.LittleEndian.PutUint64(b[:], secret)
	return writeFull(w, b[:])
}

func readSecret(r io.Reader) (uint64, error) {
	var b [secretSize]byte
	if err := readFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b[:]), nil
}

func writeAction(w io.Writer, a Action) error {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], uint32(a))
	return writeFull(w, b[:])
}

// readAction returns (action, ok). ok is false on a short read, which
// spec.md requires be treated identically to an explicit CLOSE.
func readAction(r io.Reader) (Action, bool) {
	var b [4]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return Close, false
	}
	return Action(binary.LittleEndian.Uint32(b[:])), true
}

func writeAddr(w io.Writer, addr uint32) error {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], addr) // network byte order
	return writeFull(w, b[:])
}

func readAddr(r io.Reader) (uint32, error) {
	var b [4]byte
	if err := readFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b[:]), nil
}

func writeStatus(w io.Writer, s Status) error {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], uint32(s))
	return writeFull(w, b[:])
}

func readStatus(r io.Reader) (Status, error) {
	var b [4]byte
	if err := readFull(r, b[:]); err != nil {
		return 0, err
	}
	return Status(binary.LittleEndian.Uint32(b[:])), nil
}

func writeFull(w io.Writer, b []byte) error {
	n, err := w.Write(b)
	if err != nil {
		return err
	}
	if n != len(b) {
		return ErrShortWrite
	}
	return nil
}

func readFull(r io.Reader, b []byte) error {
	if _, err := io.ReadFull(r, b); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return ErrShortRead
		}
		return err
	}
	return nil
}
