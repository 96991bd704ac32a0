// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

// Package ipaddr defines the address types used by the stack core:
// IPv4 addresses as 32-bit values, IPv6 addresses as four 32-bit
// words plus a zone tag, and the dual-stack Addr sum type.
package ipaddr

import "net/netip"

// IP4 is an IPv4 address as a 32-bit host-order integer, so
// 10.0.0.1 is 0x0a000001.
type IP4 uint32

const (
	// IP4Any is the IPv4 wildcard address 0.0.0.0.
	IP4Any IP4 = 0
	// IP4Broadcast is the global broadcast address 255.255.255.255.
	IP4Broadcast IP4 = 0xffffffff
)

// IP4FromOctets returns the address a.b.c.d.
func IP4FromOctets(a, b, c, d byte) IP4 {
	return IP4(uint32(a)<<24 | uint32(b)<<16 | uint32(c)<<8 | uint32(d))
}

// IP4FromNetip converts a netip.Addr (unmapping 4-in-6 forms) to IP4.
func IP4FromNetip(a netip.Addr) IP4 {
	b := a.Unmap().As4()
	return IP4FromOctets(b[0], b[1], b[2], b[3])
}

// Octets returns the address in network byte order.
func (ip IP4) Octets() [4]byte {
	return [4]byte{byte(ip >> 24), byte(ip >> 16), byte(ip >> 8), byte(ip)}
}

// Netip converts ip to a netip.Addr.
func (ip IP4) Netip() netip.Addr {
	return netip.AddrFrom4(ip.Octets())
}

func (ip IP4) String() string { return ip.Netip().String() }

func (ip IP4) IsAny() bool { return ip == IP4Any }

// IsGlobalBroadcast reports whether ip is 255.255.255.255.
func (ip IP4) IsGlobalBroadcast() bool { return ip == IP4Broadcast }

// IsMulticast reports whether ip is in 224.0.0.0/4.
func (ip IP4) IsMulticast() bool { return ip&0xf0000000 == 0xe0000000 }

// IsLinkLocal reports whether ip is in 169.254.0.0/16.
func (ip IP4) IsLinkLocal() bool { return ip&0xffff0000 == 0xa9fe0000 }

// IsLoopback reports whether ip is in 127.0.0.0/8.
func (ip IP4) IsLoopback() bool { return ip&0xff000000 == 0x7f000000 }

// NetEq reports whether ip and other are on the same network
// under mask.
func (ip IP4) NetEq(other, mask IP4) bool {
	return ip&mask == other&mask
}

// BroadcastOf returns the subnet broadcast address for ip under mask.
func (ip IP4) BroadcastOf(mask IP4) IP4 {
	return ip&mask | ^mask
}
