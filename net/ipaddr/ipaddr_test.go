// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package ipaddr

import (
	"testing"
)

func TestIP4Predicates(t *testing.T) {
	tests := []struct {
		ip        IP4
		multicast bool
		bcast     bool
		any       bool
	}{
		{IP4FromOctets(10, 0, 0, 1), false, false, false},
		{IP4FromOctets(224, 0, 0, 1), true, false, false},
		{IP4FromOctets(239, 255, 255, 255), true, false, false},
		{IP4FromOctets(240, 0, 0, 0), false, false, false},
		{IP4Broadcast, false, true, false},
		{IP4Any, false, false, true},
	}
	for _, tt := range tests {
		if got := tt.ip.IsMulticast(); got != tt.multicast {
			t.Errorf("%v.IsMulticast = %v; want %v", tt.ip, got, tt.multicast)
		}
		if got := tt.ip.IsGlobalBroadcast(); got != tt.bcast {
			t.Errorf("%v.IsGlobalBroadcast = %v; want %v", tt.ip, got, tt.bcast)
		}
		if got := tt.ip.IsAny(); got != tt.any {
			t.Errorf("%v.IsAny = %v; want %v", tt.ip, got, tt.any)
		}
	}
}

func TestIP4BroadcastOf(t *testing.T) {
	ip := IP4FromOctets(192, 168, 1, 7)
	mask := IP4FromOctets(255, 255, 255, 0)
	if got, want := ip.BroadcastOf(mask), IP4FromOctets(192, 168, 1, 255); got != want {
		t.Errorf("BroadcastOf = %v; want %v", got, want)
	}
	if !ip.NetEq(IP4FromOctets(192, 168, 1, 200), mask) {
		t.Error("NetEq same subnet = false; want true")
	}
	if ip.NetEq(IP4FromOctets(192, 168, 2, 7), mask) {
		t.Error("NetEq other subnet = true; want false")
	}
}

func TestIP6Scope(t *testing.T) {
	tests := []struct {
		in       string
		scopedU  bool // HasScope with ScopeUnicast
		scopedM  bool // HasScope with ScopeMulticast
		scopedAll bool // HasScope with ScopeUnknown
	}{
		{"fe80::1", true, true, true},
		{"fe80:0:0:0:1:2:3:4", true, true, true},
		{"fec0::1", false, false, false},
		{"2001:db8::1", false, false, false},
		{"ff01::1", false, true, true},
		{"ff02::1", false, true, true},
		{"ff05::1", false, false, false},
		{"ff0e::1", false, false, false},
		{"::1", false, false, false},
		{"::", false, false, false},
	}
	for _, tt := range tests {
		ip, err := ParseIP6(tt.in)
		if err != nil {
			t.Fatalf("ParseIP6(%q): %v", tt.in, err)
		}
		if got := ip.HasScope(ScopeUnicast); got != tt.scopedU {
			t.Errorf("%q HasScope(Unicast) = %v; want %v", tt.in, got, tt.scopedU)
		}
		if got := ip.HasScope(ScopeMulticast); got != tt.scopedM {
			t.Errorf("%q HasScope(Multicast) = %v; want %v", tt.in, got, tt.scopedM)
		}
		if got := ip.HasScope(ScopeUnknown); got != tt.scopedAll {
			t.Errorf("%q HasScope(Unknown) = %v; want %v", tt.in, got, tt.scopedAll)
		}
	}
}

func TestIP6MulticastScope(t *testing.T) {
	tests := []struct {
		in   string
		want uint8
	}{
		{"ff01::1", McastScopeIfaceLocal},
		{"ff02::2", McastScopeLinkLocal},
		{"ff05::1:3", McastScopeSiteLocal},
		{"ff0e::101", McastScopeGlobal},
	}
	for _, tt := range tests {
		ip, err := ParseIP6(tt.in)
		if err != nil {
			t.Fatal(err)
		}
		if got := ip.MulticastScope(); got != tt.want {
			t.Errorf("%q scope = %#x; want %#x", tt.in, got, tt.want)
		}
	}
}

func TestIP6ScopeIgnoresMulticastFlags(t *testing.T) {
	// The transient flag must not defeat the link-local
	// classification; the reserved high 0x80 flag bit must.
	ip, err := ParseIP6("ff12::1")
	if err != nil {
		t.Fatal(err)
	}
	if !ip.IsMulticastLinkLocal() {
		t.Error("ff12::1 not classified link-local multicast")
	}
	ip, err = ParseIP6("ff82::1")
	if err != nil {
		t.Fatal(err)
	}
	if ip.IsMulticastLinkLocal() {
		t.Error("ff82::1 classified link-local multicast")
	}
}

func TestIP6Zone(t *testing.T) {
	ip, err := ParseIP6("fe80::1")
	if err != nil {
		t.Fatal(err)
	}
	if !ip.LacksZone(ScopeUnknown) {
		t.Error("fresh link-local does not lack a zone")
	}
	zoned := ip.WithZone(3)
	if !zoned.HasZone() || zoned.Zone != 3 {
		t.Errorf("zone = %d; want 3", zoned.Zone)
	}
	if zoned.Eq(ip) {
		t.Error("zoned equals zoneless under full equality")
	}
	if !zoned.EqZoneless(ip) {
		t.Error("zoned != zoneless under zoneless equality")
	}
	if got := zoned.String(); got != "fe80::1%3" {
		t.Errorf("String = %q; want %q", got, "fe80::1%3")
	}
	back, err := ParseIP6("fe80::1%3")
	if err != nil {
		t.Fatal(err)
	}
	if !back.Eq(zoned) {
		t.Errorf("parse roundtrip = %v; want %v", back, zoned)
	}
}

func TestIP6Canonical(t *testing.T) {
	// ntoa(aton(s)) must be the RFC 5952 canonical form.
	tests := []struct{ in, want string }{
		{"2001:0db8:0000:0000:0000:0000:0000:0001", "2001:db8::1"},
		{"FE80::0001", "fe80::1"},
		{"::0", "::"},
		{"0:0:0:0:0:0:0:1", "::1"},
		{"2001:db8:0:1:1:1:1:1", "2001:db8:0:1:1:1:1:1"},
	}
	for _, tt := range tests {
		ip, err := ParseIP6(tt.in)
		if err != nil {
			t.Fatalf("ParseIP6(%q): %v", tt.in, err)
		}
		if got := ip.String(); got != tt.want {
			t.Errorf("ParseIP6(%q).String() = %q; want %q", tt.in, got, tt.want)
		}
		if len(ip.String()) >= IP6StrLenMax {
			t.Errorf("%q renders longer than %d bytes", tt.in, IP6StrLenMax)
		}
	}
	if _, err := ParseIP6("not-an-ip"); err == nil {
		t.Error("ParseIP6 accepted garbage")
	}
	if _, err := ParseIP6("fe80::1%eth0"); err == nil {
		t.Error("ParseIP6 accepted a non-numeric zone")
	}
}

func TestIP6NetEq(t *testing.T) {
	a, _ := ParseIP6("2001:db8:1:2:aaaa::1")
	b, _ := ParseIP6("2001:db8:1:2:bbbb::2")
	c, _ := ParseIP6("2001:db8:1:3::1")
	if !a.NetEq(b) {
		t.Error("same /64 not NetEq")
	}
	if a.NetEq(c) {
		t.Error("different /64 NetEq")
	}
}

func TestCommonPrefixBits(t *testing.T) {
	a, _ := ParseIP6("2001:db8::1")
	b, _ := ParseIP6("2001:db8::2")
	if got := a.CommonPrefixBits(b); got != 126 {
		t.Errorf("CommonPrefixBits = %d; want 126", got)
	}
	if got := a.CommonPrefixBits(a); got != 128 {
		t.Errorf("CommonPrefixBits self = %d; want 128", got)
	}
}

func TestAddrFamilyMatch(t *testing.T) {
	v4 := MakeV4(IP4FromOctets(10, 0, 0, 1))
	v6 := MakeV6(MakeIP6(0x20010db8, 0, 0, 1))
	tests := []struct {
		a, b Addr
		want bool
	}{
		{v4, v4, true},
		{v4, v6, false},
		{DualAny, v4, true},
		{DualAny, v6, true},
		{AnyOfType(TypeV6), v6, true},
		{AnyOfType(TypeV6), v4, false},
	}
	for _, tt := range tests {
		if got := tt.a.FamilyMatches(tt.b); got != tt.want {
			t.Errorf("FamilyMatches(%v, %v) = %v; want %v", tt.a, tt.b, got, tt.want)
		}
	}
}

func TestAddrIsAny(t *testing.T) {
	if !DualAny.IsAny() {
		t.Error("DualAny.IsAny = false")
	}
	if !MakeV4(IP4Any).IsAny() {
		t.Error("0.0.0.0 IsAny = false")
	}
	if MakeV4(IP4FromOctets(1, 2, 3, 4)).IsAny() {
		t.Error("1.2.3.4 IsAny = true")
	}
	if !MakeV6(IP6{}).IsAny() {
		t.Error(":: IsAny = false")
	}
}

func TestAddrState(t *testing.T) {
	tests := []struct {
		s                                       AddrState
		invalid, tentative, valid, pref, dup bool
	}{
		{AddrInvalid, true, false, false, false, false},
		{Tentative(0), false, true, false, false, false},
		{Tentative(3), false, true, false, false, false},
		{Tentative(7), false, true, false, false, false},
		{AddrValid, false, false, true, false, false},
		{AddrDeprecated, false, false, true, false, false},
		{AddrPreferred, false, false, true, true, false},
		{AddrDuplicated, false, false, false, false, true},
	}
	for _, tt := range tests {
		if got := tt.s.IsInvalid(); got != tt.invalid {
			t.Errorf("%#x IsInvalid = %v", uint8(tt.s), got)
		}
		if got := tt.s.IsTentative(); got != tt.tentative {
			t.Errorf("%#x IsTentative = %v", uint8(tt.s), got)
		}
		if got := tt.s.IsValid(); got != tt.valid {
			t.Errorf("%#x IsValid = %v", uint8(tt.s), got)
		}
		if got := tt.s.IsPreferred(); got != tt.pref {
			t.Errorf("%#x IsPreferred = %v", uint8(tt.s), got)
		}
		if got := tt.s.IsDuplicated(); got != tt.dup {
			t.Errorf("%#x IsDuplicated = %v", uint8(tt.s), got)
		}
	}
}

func TestTentativeCount(t *testing.T) {
	for n := uint8(0); n <= 7; n++ {
		s := Tentative(n)
		if got := s.TentativeCount(); got != n {
			t.Errorf("Tentative(%d).TentativeCount = %d", n, got)
		}
	}
	// Probe counts wrap into the low three bits.
	if got := Tentative(9).TentativeCount(); got != 1 {
		t.Errorf("Tentative(9).TentativeCount = %d; want 1", got)
	}
}
