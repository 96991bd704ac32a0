// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package ipaddr

import (
	"encoding/binary"
	"fmt"
	"net/netip"
	"strconv"
	"strings"

	"github.com/piconet-io/picostack/types/stackerr"
)

// IP6StrLenMax is the longest textual IPv6 form the stack emits,
// including a numeric zone suffix.
const IP6StrLenMax = 46

// NoZone means an address carries no zone tag.
const NoZone = 0

// IP6 is an IPv6 address as four 32-bit words in network word order
// (Addr[0] holds the first four octets), plus a zone tag.
// Zone 0 means no zone; otherwise the zone is an interface index.
type IP6 struct {
	Addr [4]uint32
	Zone uint8
}

// ScopeHint narrows the scope classification when the caller knows
// whether an address is unicast or multicast.
type ScopeHint uint8

const (
	ScopeUnknown ScopeHint = iota
	ScopeUnicast
	ScopeMulticast
)

// Multicast scope values, the low nibble of the second address octet.
const (
	McastScopeIfaceLocal = 0x1
	McastScopeLinkLocal  = 0x2
	McastScopeAdminLocal = 0x4
	McastScopeSiteLocal  = 0x5
	McastScopeOrgLocal   = 0x8
	McastScopeGlobal     = 0xe
)

// MakeIP6 builds an address from four words, without a zone.
func MakeIP6(w0, w1, w2, w3 uint32) IP6 {
	return IP6{Addr: [4]uint32{w0, w1, w2, w3}}
}

// IP6FromNetip converts a netip.Addr. A numeric zone converts to the
// zone tag; a named zone is dropped.
func IP6FromNetip(a netip.Addr) IP6 {
	b := a.As16()
	ip := IP6{Addr: [4]uint32{
		binary.BigEndian.Uint32(b[0:4]),
		binary.BigEndian.Uint32(b[4:8]),
		binary.BigEndian.Uint32(b[8:12]),
		binary.BigEndian.Uint32(b[12:16]),
	}}
	if z := a.Zone(); z != "" {
		if n, err := strconv.ParseUint(z, 10, 8); err == nil {
			ip.Zone = uint8(n)
		}
	}
	return ip
}

// Netip converts ip to a netip.Addr, dropping the zone.
func (ip IP6) Netip() netip.Addr {
	var b [16]byte
	binary.BigEndian.PutUint32(b[0:4], ip.Addr[0])
	binary.BigEndian.PutUint32(b[4:8], ip.Addr[1])
	binary.BigEndian.PutUint32(b[8:12], ip.Addr[2])
	binary.BigEndian.PutUint32(b[12:16], ip.Addr[3])
	return netip.AddrFrom16(b)
}

// String renders ip per RFC 5952, with a "%zone" suffix when zoned.
func (ip IP6) String() string {
	s := ip.Netip().String()
	if ip.Zone != NoZone {
		s += "%" + strconv.Itoa(int(ip.Zone))
	}
	return s
}

// ParseIP6 parses any RFC 4291 textual form, accepting an optional
// numeric "%zone" suffix.
func ParseIP6(s string) (IP6, error) {
	var zone uint8
	if i := strings.IndexByte(s, '%'); i >= 0 {
		n, err := strconv.ParseUint(s[i+1:], 10, 8)
		if err != nil {
			return IP6{}, fmt.Errorf("bad zone %q: %w", s[i+1:], stackerr.ErrArg)
		}
		zone = uint8(n)
		s = s[:i]
	}
	a, err := netip.ParseAddr(s)
	if err != nil || !a.Is6() || a.Is4In6() {
		return IP6{}, fmt.Errorf("bad IPv6 literal %q: %w", s, stackerr.ErrArg)
	}
	ip := IP6FromNetip(a)
	ip.Zone = zone
	return ip, nil
}

// IsAny reports whether ip is the unspecified address, zone aside.
func (ip IP6) IsAny() bool {
	return ip.Addr[0]|ip.Addr[1]|ip.Addr[2]|ip.Addr[3] == 0
}

// IsLoopback reports whether ip is ::1.
func (ip IP6) IsLoopback() bool {
	return ip.Addr[0] == 0 && ip.Addr[1] == 0 && ip.Addr[2] == 0 && ip.Addr[3] == 1
}

// IsMulticast reports whether ip is in ff00::/8.
func (ip IP6) IsMulticast() bool {
	return ip.Addr[0]&0xff000000 == 0xff000000
}

// MulticastScope returns the scope nibble of a multicast address.
func (ip IP6) MulticastScope() uint8 {
	return uint8(ip.Addr[0] >> 16 & 0xf)
}

// IsMulticastTransient reports the T flag of a multicast address.
func (ip IP6) IsMulticastTransient() bool {
	return ip.Addr[0]&0x00100000 != 0
}

// IsMulticastIfaceLocal reports an interface-local multicast
// address, masking out the flag bits we don't classify on.
func (ip IP6) IsMulticastIfaceLocal() bool {
	return ip.Addr[0]&0xff8f0000 == 0xff010000
}

// IsMulticastLinkLocal reports a link-local multicast address.
func (ip IP6) IsMulticastLinkLocal() bool {
	return ip.Addr[0]&0xff8f0000 == 0xff020000
}

// IsLinkLocal reports whether ip is a link-local unicast address
// (fe80::/10).
func (ip IP6) IsLinkLocal() bool {
	return ip.Addr[0]&0xffc00000 == 0xfe800000
}

// IsSiteLocal reports whether ip is in the deprecated fec0::/10.
func (ip IP6) IsSiteLocal() bool {
	return ip.Addr[0]&0xffc00000 == 0xfec00000
}

// IsUniqueLocal reports whether ip is in fc00::/7.
func (ip IP6) IsUniqueLocal() bool {
	return ip.Addr[0]&0xfe000000 == 0xfc000000
}

// IsIPv4Mapped reports whether ip is in ::ffff:0:0/96.
func (ip IP6) IsIPv4Mapped() bool {
	return ip.Addr[0] == 0 && ip.Addr[1] == 0 && ip.Addr[2] == 0x0000ffff
}

// HasScope reports whether ip is scoped: link-local unicast, or
// interface- or link-local multicast. ScopeUnicast suppresses the
// multicast checks when the caller knows the address is unicast.
func (ip IP6) HasScope(hint ScopeHint) bool {
	if ip.IsLinkLocal() {
		return true
	}
	if hint == ScopeUnicast {
		return false
	}
	return ip.IsMulticastIfaceLocal() || ip.IsMulticastLinkLocal()
}

// HasZone reports whether ip carries a zone tag.
func (ip IP6) HasZone() bool { return ip.Zone != NoZone }

// LacksZone reports whether ip is scoped but has no zone yet.
func (ip IP6) LacksZone(hint ScopeHint) bool {
	return !ip.HasZone() && ip.HasScope(hint)
}

// WithZone returns ip tagged with zone.
func (ip IP6) WithZone(zone uint8) IP6 {
	ip.Zone = zone
	return ip
}

// ClearZone returns ip without a zone tag.
func (ip IP6) ClearZone() IP6 {
	ip.Zone = NoZone
	return ip
}

// Eq reports full equality: same 128-bit value and same zone.
func (ip IP6) Eq(other IP6) bool {
	return ip.Addr == other.Addr && ip.Zone == other.Zone
}

// EqZoneless compares only the 128-bit value.
func (ip IP6) EqZoneless(other IP6) bool {
	return ip.Addr == other.Addr
}

// NetEq reports whether both addresses share the same /64 prefix.
func (ip IP6) NetEq(other IP6) bool {
	return ip.Addr[0] == other.Addr[0] && ip.Addr[1] == other.Addr[1]
}

// CommonPrefixBits returns the length of the longest common prefix
// of the two addresses, in bits.
func (ip IP6) CommonPrefixBits(other IP6) int {
	bits := 0
	for i := 0; i < 4; i++ {
		x := ip.Addr[i] ^ other.Addr[i]
		if x == 0 {
			bits += 32
			continue
		}
		for x&0x80000000 == 0 {
			bits++
			x <<= 1
		}
		break
	}
	return bits
}
