// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

// Package stackerr defines the error values returned by the stack core.
//
// Core operations never panic; they return one of these sentinels
// (possibly wrapped with fmt.Errorf and %w) and leave state unchanged
// on failure. Compare with errors.Is.
package stackerr

import "errors"

var (
	// ErrNoMem is returned when a buffer, PCB or group record
	// cannot be allocated.
	ErrNoMem = errors.New("out of memory")

	// ErrBuf is returned when a header grow does not fit the
	// buffer's headroom.
	ErrBuf = errors.New("buffer error")

	// ErrTimeout is returned by callers built on UDP when no reply
	// arrives in time.
	ErrTimeout = errors.New("timeout")

	// ErrRoute is returned when no interface routes to the destination.
	ErrRoute = errors.New("no route to host")

	// ErrValue is returned for an operation rejected by policy, such
	// as a broadcast send without broadcast permission.
	ErrValue = errors.New("illegal value")

	// ErrArg is returned for a malformed request or a mismatched
	// address family.
	ErrArg = errors.New("illegal argument")

	// ErrInUse is returned when a port or address is already bound.
	ErrInUse = errors.New("address in use")

	// ErrIsConn reports a connect on an already connected PCB. The
	// UDP module does not return it: connecting again replaces the
	// remote.
	ErrIsConn = errors.New("already connected")

	// ErrNotConn reports a send on an unconnected PCB. The UDP
	// module does not return it: its Send fails with ErrArg then.
	ErrNotConn = errors.New("not connected")

	// ErrWouldBlock is returned when a non-blocking send cannot proceed.
	ErrWouldBlock = errors.New("operation would block")
)
