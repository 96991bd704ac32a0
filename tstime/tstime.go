// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

// Package tstime defines a clock abstraction so tests can control time.
package tstime

import "time"

// Clock offers a subset of the functionality of time, for the
// things the stack core needs: a current instant and durations
// since earlier instants. Timer-driven subsystems count externally
// delivered ticks instead of reading the clock.
type Clock interface {
	// Now returns the current time, like time.Now.
	Now() time.Time
	// Since returns the time elapsed since t, like time.Since.
	Since(t time.Time) time.Duration
}

// StdClock is a Clock backed by the system clock.
type StdClock struct{}

func (StdClock) Now() time.Time                  { return time.Now() }
func (StdClock) Since(t time.Time) time.Duration { return time.Since(t) }
