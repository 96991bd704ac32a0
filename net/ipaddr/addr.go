// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package ipaddr

// AddrType tags the family of an Addr.
type AddrType uint8

const (
	// TypeV4 is an IPv4 address.
	TypeV4 AddrType = 0
	// TypeV6 is an IPv6 address.
	TypeV6 AddrType = 6
	// TypeAny is the dual-stack wildcard, matching both families.
	TypeAny AddrType = 46
)

// Addr is a tagged union of an IPv4 address, an IPv6 address, or the
// dual-stack wildcard. The zero Addr is the IPv4 wildcard 0.0.0.0.
type Addr struct {
	typ AddrType
	v4  IP4
	v6  IP6
}

// DualAny is the dual-stack wildcard address.
var DualAny = Addr{typ: TypeAny}

// MakeV4 returns ip as an Addr.
func MakeV4(ip IP4) Addr { return Addr{typ: TypeV4, v4: ip} }

// MakeV6 returns ip as an Addr.
func MakeV6(ip IP6) Addr { return Addr{typ: TypeV6, v6: ip} }

// AnyOfType returns the wildcard address of type t.
func AnyOfType(t AddrType) Addr { return Addr{typ: t} }

func (a Addr) Type() AddrType { return a.typ }

// Is4 reports whether a holds an IPv4 address.
func (a Addr) Is4() bool { return a.typ == TypeV4 }

// Is6 reports whether a holds an IPv6 address.
func (a Addr) Is6() bool { return a.typ == TypeV6 }

// IsAnyType reports whether a is the dual-stack wildcard.
func (a Addr) IsAnyType() bool { return a.typ == TypeAny }

// V4 returns the IPv4 value; zero unless Is4.
func (a Addr) V4() IP4 { return a.v4 }

// V6 returns the IPv6 value; zero unless Is6.
func (a Addr) V6() IP6 { return a.v6 }

// IsAny reports whether a is a wildcard: the dual-stack wildcard,
// 0.0.0.0, or :: of either zone.
func (a Addr) IsAny() bool {
	switch a.typ {
	case TypeV4:
		return a.v4.IsAny()
	case TypeV6:
		return a.v6.IsAny()
	default:
		return true
	}
}

// IsMulticast reports whether a holds a multicast address.
func (a Addr) IsMulticast() bool {
	switch a.typ {
	case TypeV4:
		return a.v4.IsMulticast()
	case TypeV6:
		return a.v6.IsMulticast()
	default:
		return false
	}
}

// FamilyMatches reports whether a could converse with b: equal
// types, or either side the dual-stack wildcard.
func (a Addr) FamilyMatches(b Addr) bool {
	return a.typ == b.typ || a.typ == TypeAny || b.typ == TypeAny
}

// Eq reports full equality: equal types and equal values, including
// IPv6 zones.
func (a Addr) Eq(b Addr) bool {
	if a.typ != b.typ {
		return false
	}
	switch a.typ {
	case TypeV4:
		return a.v4 == b.v4
	case TypeV6:
		return a.v6.Eq(b.v6)
	default:
		return true
	}
}

// EqZoneless is Eq ignoring IPv6 zones.
func (a Addr) EqZoneless(b Addr) bool {
	if a.typ != b.typ {
		return false
	}
	if a.typ == TypeV6 {
		return a.v6.EqZoneless(b.v6)
	}
	return a.Eq(b)
}

func (a Addr) String() string {
	switch a.typ {
	case TypeV4:
		return a.v4.String()
	case TypeV6:
		return a.v6.String()
	default:
		return "any"
	}
}
