// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

// Package inetsum computes RFC 1071 Internet checksums over byte
// slices and packet buffer chains, including the IPv4 and IPv6
// pseudo-header forms used by UDP and the coverage-limited form
// used by UDP-Lite.
package inetsum

import (
	"encoding/binary"

	"github.com/piconet-io/picostack/net/ipaddr"
	"github.com/piconet-io/picostack/net/pbuf"
)

var get16 = binary.BigEndian.Uint16

// Partial returns the unfolded one's-complement sum of b. Bytes
// pair up big-endian; a trailing odd byte counts as the high octet
// of a final word.
func Partial(b []byte) uint32 {
	var ac uint32
	i := 0
	n := len(b)
	for n >= 2 {
		ac += uint32(get16(b[i : i+2]))
		n -= 2
		i += 2
	}
	if n == 1 {
		ac += uint32(b[i]) << 8
	}
	return ac
}

// Fold reduces an unfolded sum to 16 bits with end-around carry.
func Fold(sum uint32) uint16 {
	for sum>>16 != 0 {
		sum = sum&0xffff + sum>>16
	}
	return uint16(sum)
}

// Checksum returns the complemented checksum of b, as transmitted
// on the wire.
func Checksum(b []byte) uint16 {
	return ^Fold(Partial(b))
}

func swap16(v uint16) uint16 { return v<<8 | v>>8 }

// chainPartial sums up to limit payload bytes of the chain
// (limit < 0 means the whole chain), accounting for odd-length
// segments by byte-swapping the running sum.
func chainPartial(p *pbuf.Pbuf, limit int) uint32 {
	var ac uint32
	odd := false
	for q := p; q != nil && limit != 0; q = q.Next {
		pl := q.Payload()
		if limit >= 0 && len(pl) > limit {
			pl = pl[:limit]
		}
		s := Fold(Partial(pl))
		if odd {
			s = swap16(s)
		}
		ac += uint32(s)
		if len(pl)%2 == 1 {
			odd = !odd
		}
		if limit >= 0 {
			limit -= len(pl)
		}
	}
	return ac
}

// Chain returns the complemented checksum of a whole payload chain.
func Chain(p *pbuf.Pbuf) uint16 {
	return ^Fold(chainPartial(p, -1))
}

func pseudoV4(proto uint8, src, dst ipaddr.IP4, length uint16) uint32 {
	var ac uint32
	ac += uint32(src >> 16)
	ac += uint32(src & 0xffff)
	ac += uint32(dst >> 16)
	ac += uint32(dst & 0xffff)
	ac += uint32(proto)
	ac += uint32(length)
	return ac
}

func pseudoV6(proto uint8, src, dst ipaddr.IP6, length uint32) uint32 {
	var ac uint32
	for i := 0; i < 4; i++ {
		ac += src.Addr[i] >> 16
		ac += src.Addr[i] & 0xffff
		ac += dst.Addr[i] >> 16
		ac += dst.Addr[i] & 0xffff
	}
	ac += length >> 16
	ac += length & 0xffff
	ac += uint32(proto)
	return ac
}

// PseudoSumV4 returns the unfolded sum of just the IPv4
// pseudo-header, for callers that combine it with a precomputed
// payload sum.
func PseudoSumV4(proto uint8, src, dst ipaddr.IP4, length uint16) uint32 {
	return pseudoV4(proto, src, dst, length)
}

// PseudoSumV6 is the IPv6 counterpart of PseudoSumV4.
func PseudoSumV6(proto uint8, src, dst ipaddr.IP6, length uint32) uint32 {
	return pseudoV6(proto, src, dst, length)
}

// PseudoV4 returns the transport checksum of the chain under the
// IPv4 pseudo-header for proto, with the chain's total length as
// the pseudo-header length.
func PseudoV4(proto uint8, src, dst ipaddr.IP4, p *pbuf.Pbuf) uint16 {
	ac := chainPartial(p, -1)
	ac += pseudoV4(proto, src, dst, uint16(p.TotLen()))
	return ^Fold(ac)
}

// PseudoPartialV4 is PseudoV4 summing only the first coverage bytes
// of the chain, as UDP-Lite requires. The pseudo-header still
// carries the full datagram length.
func PseudoPartialV4(proto uint8, src, dst ipaddr.IP4, coverage int, p *pbuf.Pbuf) uint16 {
	ac := chainPartial(p, coverage)
	ac += pseudoV4(proto, src, dst, uint16(p.TotLen()))
	return ^Fold(ac)
}

// PseudoV6 returns the transport checksum of the chain under the
// IPv6 pseudo-header for proto.
func PseudoV6(proto uint8, src, dst ipaddr.IP6, p *pbuf.Pbuf) uint16 {
	ac := chainPartial(p, -1)
	ac += pseudoV6(proto, src, dst, uint32(p.TotLen()))
	return ^Fold(ac)
}

// PseudoPartialV6 is PseudoV6 with UDP-Lite checksum coverage.
func PseudoPartialV6(proto uint8, src, dst ipaddr.IP6, coverage int, p *pbuf.Pbuf) uint16 {
	ac := chainPartial(p, coverage)
	ac += pseudoV6(proto, src, dst, uint32(p.TotLen()))
	return ^Fold(ac)
}
