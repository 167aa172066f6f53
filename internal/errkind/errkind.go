/*************************************************************************
 * Copyright 2024 The LDM7 UMM Authors. All rights reserved.
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package errkind defines the small set of failure classes the upstream
// multicast manager core surfaces to its callers. Only Kind SYSTEM is
// ever logged at error level by the core; the rest are expected business
// outcomes and are returned silently.
package errkind

import "fmt"

// Kind enumerates the failure classes of spec.md section 7.
type Kind int

const (
	// OK is never carried by an *Error; it exists so zero-value Kind
	// comparisons read naturally.
	OK Kind = iota
	// INVAL marks a malformed argument: a too-large TTL, a malformed
	// CIDR, an unknown feed string.
	INVAL
	// NOENT marks an unknown feed, a missing entry, or an address that
	// was never reserved.
	NOENT
	// DUPLICATE marks a conflicting configuration or a PID already
	// registered under another feed.
	DUPLICATE
	// POOL_EXHAUSTED marks a subscriber request against an empty free
	// queue.
	POOL_EXHAUSTED
	// LOGIC marks a contract violation, such as a child closing stdout
	// without posting its ports.
	LOGIC
	// SYSTEM marks any OS-level call failure.
	SYSTEM
)

func (k Kind) String() string {
	switch k {
	case INVAL:
		return "INVAL"
	case NOENT:
		return "NOENT"
	case DUPLICATE:
		return "DUPLICATE"
	case POOL_EXHAUSTED:
		return "POOL_EXHAUSTED"
	case LOGIC:
		return "LOGIC"
	case SYSTEM:
		return "SYSTEM"
	}
	return "OK"
}

// Error carries a Kind alongside the wrapped cause so callers can branch
// on class with errors.Is/errors.As while still getting a useful message.
type Error struct {
	Kind Kind
	Op   string // component/operation that produced the error, e.g. "pool.reserve"
	Err  error  // underlying cause, may be nil
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Kind)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// New builds an *Error of the given kind for op, optionally wrapping err.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Is reports whether err carries the given Kind.
func Is(err error, kind Kind) bool {
	var e *Error
	for err != nil {
		if ke, ok := err.(*Error); ok {
			e = ke
			break
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			break
		}
		err = u.Unwrap()
	}
	return e != nil && e.Kind == kind
}
