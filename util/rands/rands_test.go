// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package rands

import "testing"

func TestDeterministic(t *testing.T) {
	a := NewRand(42)
	b := NewRand(42)
	for i := 0; i < 100; i++ {
		if av, bv := a.Uint64(), b.Uint64(); av != bv {
			t.Fatalf("draw %d diverged: %d != %d", i, av, bv)
		}
	}
	a.Seed(42)
	if a.Uint64() != NewRand(42).Uint64() {
		t.Error("Seed did not reset the stream")
	}
}

func TestUint64nRange(t *testing.T) {
	r := NewRand(1)
	for _, n := range []uint64{1, 2, 3, 10, 1 << 32, 1<<63 + 7} {
		for i := 0; i < 1000; i++ {
			if v := r.Uint64n(n); v >= n {
				t.Fatalf("Uint64n(%d) = %d", n, v)
			}
		}
	}
}

func TestIntnCoversSmallRange(t *testing.T) {
	r := NewRand(7)
	var seen [5]bool
	for i := 0; i < 1000; i++ {
		seen[r.Intn(5)] = true
	}
	for v, ok := range seen {
		if !ok {
			t.Errorf("Intn(5) never produced %d", v)
		}
	}
}
