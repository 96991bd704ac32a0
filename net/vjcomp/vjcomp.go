// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

// Package vjcomp implements Van Jacobson TCP/IP header compression
// for serial links.
//
// The compressor caches the last IP+TCP header of each active flow
// in a slot and sends only the fields that changed, encoded as a
// change mask plus variable-length deltas. An uncompressed packet
// carries the full header with the IP protocol byte replaced by the
// slot id, resynchronizing the receiver.
package vjcomp

import (
	"bytes"
	"encoding/binary"

	"github.com/piconet-io/picostack/net/inetsum"
	"github.com/piconet-io/picostack/net/pbuf"
	"github.com/piconet-io/picostack/stats"
	"github.com/piconet-io/picostack/types/logger"
	"github.com/piconet-io/picostack/types/stackerr"
)

const (
	// MaxSlots is the default slot count. A State may be built with
	// any count in [3, 255].
	MaxSlots = 16

	// MaxHdr bounds the saved IP+TCP header of one slot.
	MaxHdr = 128
)

// Packet types, carried in the top bits of the first octet. TypeIP
// coincides with the IPv4 version nibble so an untouched packet needs
// no marker.
const (
	TypeError           = 0x00
	TypeIP              = 0x40
	TypeUncompressedTCP = 0x70
	TypeCompressedTCP   = 0x80
)

// Bits of the change mask in the first octet of a compressed packet.
const (
	newC = 0x40 // connection id follows
	newI = 0x20
	newS = 0x08
	newA = 0x04
	newW = 0x02
	newU = 0x01

	tcpPushBit = 0x10

	// Reserved mask patterns. specialI is echoed interactive
	// traffic, specialD unidirectional data transfer.
	specialI     = newS | newW | newU
	specialD     = newS | newA | newW | newU
	specialsMask = newS | newA | newW | newU
)

const (
	protoTCP = 6

	tcpFIN = 0x01
	tcpSYN = 0x02
	tcpRST = 0x04
	tcpPSH = 0x08
	tcpACK = 0x10
	tcpURG = 0x20
)

var (
	get16 = binary.BigEndian.Uint16
	get32 = binary.BigEndian.Uint32
	put16 = binary.BigEndian.PutUint16
	put32 = binary.BigEndian.PutUint32
)

// slot holds the IP+TCP header most recently seen on one flow.
// Transmit slots form a circular MRU list; receive slots are indexed
// directly by connection id.
type slot struct {
	next *slot
	hlen int // saved header length, receive side only
	id   uint8
	hdr  [MaxHdr]byte
}

// State is the codec state of one serial line. It is not safe for
// concurrent use.
type State struct {
	logf logger.Logf
	st   *stats.Stats

	last        *slot // transmit list tail; last.next is most recent
	lastRecv    uint8
	lastXmit    uint8
	toss        bool // drop compressed input until resync
	compressCID bool // omit the connection id when unchanged

	tstate []slot
	rstate []slot
}

// New returns a State with the given slot count, which must be in
// [3, 255]. When compressCID is set, back-to-back packets of the
// same flow omit the connection id octet.
func New(logf logger.Logf, st *stats.Stats, slots int, compressCID bool) (*State, error) {
	if slots < 3 || slots > 255 {
		return nil, stackerr.ErrArg
	}
	if logf == nil {
		logf = logger.Discard
	}
	if st == nil {
		st = stats.New(nil)
	}
	s := &State{
		logf:        logf,
		st:          st,
		lastRecv:    255,
		lastXmit:    255,
		toss:        true,
		compressCID: compressCID,
		tstate:      make([]slot, slots),
		rstate:      make([]slot, slots),
	}
	for i := range s.tstate {
		s.tstate[i].id = uint8(i)
		if i > 0 {
			s.tstate[i].next = &s.tstate[i-1]
		}
	}
	s.tstate[0].next = &s.tstate[slots-1]
	s.last = &s.tstate[0]
	return s, nil
}

// Compress examines the outbound IPv4 packet in p and returns the
// wire type to frame it with. For TypeCompressedTCP the header in p
// has been replaced in place by the compressed form; for
// TypeUncompressedTCP the protocol byte now carries the connection
// id; for TypeIP the packet is untouched. The IP and TCP headers
// must be contiguous in p's first segment, and p must be writable.
func (s *State) Compress(p *pbuf.Pbuf) uint8 {
	b := p.Payload()
	if len(b) < 40 || b[9] != protoTCP {
		return TypeIP
	}
	ihl := int(b[0]&0x0f) * 4
	// Options, fragments and flag-bearing segments travel as plain
	// IP; only pure acks and data are compressible.
	if ihl != 20 || get16(b[6:8])&0x3fff != 0 {
		return TypeIP
	}
	if len(b) < ihl+20 {
		return TypeIP
	}
	th := b[ihl:]
	if th[13]&(tcpFIN|tcpSYN|tcpRST|tcpACK) != tcpACK {
		return TypeIP
	}
	hlen := ihl + int(th[12]>>4)*4
	if hlen > len(b) || hlen > MaxHdr {
		return TypeIP
	}

	s.st.VJComp.Packets.Inc()

	// Find the slot for this flow on the MRU list.
	flowEq := func(c *slot) bool {
		sh := c.hdr[:]
		shl := int(sh[0]&0x0f) * 4
		return bytes.Equal(b[12:20], sh[12:20]) && bytes.Equal(th[:4], sh[shl:shl+4])
	}
	lcs, cs := s.last, s.last.next
	if !flowEq(cs) {
		for {
			lcs, cs = cs, cs.next
			s.st.VJComp.Searches.Inc()
			if flowEq(cs) {
				break
			}
			if cs == s.last {
				// Unknown flow. Take over the least recently
				// used slot and resync with a full header.
				s.st.VJComp.Misses.Inc()
				s.last = lcs
				return s.uncompressed(b, hlen, cs)
			}
		}
	}
	// Move the slot to the front of the list.
	if cs == s.last {
		s.last = lcs
	} else {
		lcs.next = cs.next
		cs.next = s.last.next
		s.last.next = cs
	}

	sh := cs.hdr[:]
	shl := int(sh[0]&0x0f) * 4
	oth := sh[shl:]
	// Anything outside the delta-coded fields must match the saved
	// header exactly, or the receiver's copy goes stale.
	if !bytes.Equal(b[0:2], sh[0:2]) ||
		!bytes.Equal(b[6:8], sh[6:8]) ||
		!bytes.Equal(b[8:10], sh[8:10]) ||
		th[12]>>4 != oth[12]>>4 ||
		!bytes.Equal(th[20:int(th[12]>>4)*4], oth[20:int(oth[12]>>4)*4]) {
		return s.uncompressed(b, hlen, cs)
	}

	var deltas [16]byte
	n := 0
	encode := func(v uint16) {
		if v >= 256 {
			deltas[n] = 0
			deltas[n+1] = byte(v >> 8)
			deltas[n+2] = byte(v)
			n += 3
		} else {
			deltas[n] = byte(v)
			n++
		}
	}
	encodeZ := func(v uint16) {
		if v >= 256 || v == 0 {
			deltas[n] = 0
			deltas[n+1] = byte(v >> 8)
			deltas[n+2] = byte(v)
			n += 3
		} else {
			deltas[n] = byte(v)
			n++
		}
	}

	var changes uint8
	if th[13]&tcpURG != 0 {
		// The urgent pointer is sent as a value, not a delta.
		encodeZ(get16(th[18:20]))
		changes |= newU
	} else if !bytes.Equal(th[18:20], oth[18:20]) {
		return s.uncompressed(b, hlen, cs)
	}
	if d := get16(th[14:16]) - get16(oth[14:16]); d != 0 {
		encode(d)
		changes |= newW
	}
	var deltaA, deltaS uint16
	if d := get32(th[8:12]) - get32(oth[8:12]); d != 0 {
		if d > 0xffff {
			return s.uncompressed(b, hlen, cs)
		}
		deltaA = uint16(d)
		encode(deltaA)
		changes |= newA
	}
	if d := get32(th[4:8]) - get32(oth[4:8]); d != 0 {
		if d > 0xffff {
			return s.uncompressed(b, hlen, cs)
		}
		deltaS = uint16(d)
		encode(deltaS)
		changes |= newS
	}

	// Data bytes carried by the previous packet of this flow. The
	// headers compared equal, so the saved header length is hlen.
	prevData := get16(sh[2:4]) - uint16(hlen)
	switch changes {
	case 0:
		// Nothing moved. A data packet right after a pure ack is
		// normal interactive traffic; anything else is a
		// retransmission or window probe and goes out full.
		if get16(b[2:4]) != get16(sh[2:4]) && get16(sh[2:4]) == uint16(hlen) {
			break
		}
		return s.uncompressed(b, hlen, cs)
	case specialI, specialD:
		// The real mask collides with a reserved pattern.
		return s.uncompressed(b, hlen, cs)
	case newS | newA:
		if deltaS == deltaA && deltaS == prevData {
			changes = specialI
			n = 0
		}
	case newS:
		if deltaS == prevData {
			changes = specialD
			n = 0
		}
	}

	if d := get16(b[4:6]) - get16(sh[4:6]); d != 1 {
		encodeZ(d)
		changes |= newI
	}
	if th[13]&tcpPSH != 0 {
		changes |= tcpPushBit
	}

	cksum := get16(th[16:18])
	copy(cs.hdr[:hlen], b[:hlen])

	// Overwrite the tail of the original header in place; the
	// payload already sits right behind it.
	clen := n + 3
	if !s.compressCID || s.lastXmit != cs.id {
		s.lastXmit = cs.id
		clen++
		changes |= newC
	}
	p.RemoveHeader(hlen - clen)
	w := p.Payload()
	w[0] = changes
	i := 1
	if changes&newC != 0 {
		w[1] = cs.id
		i = 2
	}
	w[i] = byte(cksum >> 8)
	w[i+1] = byte(cksum)
	copy(w[i+2:], deltas[:n])
	s.st.VJComp.Compressed.Inc()
	return TypeCompressedTCP
}

// uncompressed rebinds cs to the packet's flow and emits the full
// header with the protocol byte replaced by the connection id.
func (s *State) uncompressed(b []byte, hlen int, cs *slot) uint8 {
	copy(cs.hdr[:hlen], b[:hlen])
	b[9] = cs.id
	s.lastXmit = cs.id
	return TypeUncompressedTCP
}

// Err records a framing or type error on the receive side.
// Compressed packets are dropped until the next uncompressed header
// resynchronizes the slot state.
func (s *State) Err() {
	s.toss = true
	s.st.VJComp.ErrorIn.Inc()
}

func (s *State) bad(format string, args ...any) error {
	s.logf("vjcomp: "+format, args...)
	s.toss = true
	s.st.VJComp.ErrorIn.Inc()
	return stackerr.ErrValue
}

// DecompressUncompressed installs the header of an uncompressed
// packet into the receive slot named by its protocol byte and
// restores the protocol to TCP. p is modified in place; its header
// must be contiguous in the first segment.
func (s *State) DecompressUncompressed(p *pbuf.Pbuf) error {
	b := p.Payload()
	if len(b) < 40 {
		return s.bad("short uncompressed packet (%d bytes)", len(b))
	}
	if int(b[9]) >= len(s.rstate) {
		return s.bad("connection id %d out of range", b[9])
	}
	ihl := int(b[0]&0x0f) * 4
	if ihl < 20 || len(b) < ihl+20 {
		return s.bad("bad header length")
	}
	hlen := ihl + int(b[ihl+12]>>4)*4
	if hlen > len(b) || hlen > MaxHdr {
		return s.bad("bad header length")
	}
	s.lastRecv = b[9]
	s.toss = false
	b[9] = protoTCP
	cs := &s.rstate[s.lastRecv]
	copy(cs.hdr[:hlen], b[:hlen])
	cs.hlen = hlen
	s.st.VJComp.UncompressedIn.Inc()
	return nil
}

// Decompress expands the compressed packet in p back to a full
// IP+TCP packet using the receive slot state. It returns the head of
// the expanded chain, which is p itself when its headroom admits the
// rebuilt header and a freshly chained header segment otherwise. On
// error p is left with the caller to free.
func (s *State) Decompress(p *pbuf.Pbuf) (*pbuf.Pbuf, error) {
	b := p.Payload()
	if len(b) < 3 {
		return nil, s.bad("short compressed packet (%d bytes)", len(b))
	}
	changes := b[0]
	cp := 1
	if changes&newC != 0 {
		if len(b) < 4 {
			return nil, s.bad("short compressed packet (%d bytes)", len(b))
		}
		if int(b[1]) >= len(s.rstate) {
			return nil, s.bad("connection id %d out of range", b[1])
		}
		s.toss = false
		s.lastRecv = b[1]
		cp = 2
	} else {
		// Implicit connection id. A line error since the last
		// explicit id means we no longer know which flow this is.
		if s.toss {
			s.st.VJComp.Tossed.Inc()
			return nil, stackerr.ErrValue
		}
	}
	cs := &s.rstate[s.lastRecv]
	if cs.hlen == 0 {
		return nil, s.bad("no state for connection id %d", s.lastRecv)
	}
	shl := int(cs.hdr[0]&0x0f) * 4
	th := cs.hdr[shl:]

	put16(th[16:18], get16(b[cp:cp+2]))
	cp += 2
	if changes&tcpPushBit != 0 {
		th[13] |= tcpPSH
	} else {
		th[13] &^= tcpPSH
	}

	ok := true
	decode := func() uint16 {
		if cp >= len(b) {
			ok = false
			return 0
		}
		if b[cp] == 0 {
			if cp+3 > len(b) {
				ok = false
				return 0
			}
			v := uint16(b[cp+1])<<8 | uint16(b[cp+2])
			cp += 3
			return v
		}
		v := uint16(b[cp])
		cp++
		return v
	}

	switch changes & specialsMask {
	case specialI:
		d := uint32(get16(cs.hdr[2:4]) - uint16(cs.hlen))
		put32(th[8:12], get32(th[8:12])+d)
		put32(th[4:8], get32(th[4:8])+d)
	case specialD:
		d := uint32(get16(cs.hdr[2:4]) - uint16(cs.hlen))
		put32(th[4:8], get32(th[4:8])+d)
	default:
		if changes&newU != 0 {
			th[13] |= tcpURG
			put16(th[18:20], decode())
		} else {
			th[13] &^= tcpURG
		}
		if changes&newW != 0 {
			put16(th[14:16], get16(th[14:16])+decode())
		}
		if changes&newA != 0 {
			put32(th[8:12], get32(th[8:12])+uint32(decode()))
		}
		if changes&newS != 0 {
			put32(th[4:8], get32(th[4:8])+uint32(decode()))
		}
	}
	if changes&newI != 0 {
		put16(cs.hdr[4:6], get16(cs.hdr[4:6])+decode())
	} else {
		put16(cs.hdr[4:6], get16(cs.hdr[4:6])+1)
	}
	if !ok {
		return nil, s.bad("truncated delta encoding")
	}

	// cp indexes the first payload byte. Fix up the total length
	// and refresh the IP header checksum of the rebuilt header.
	tot := p.TotLen() - cp + cs.hlen
	put16(cs.hdr[2:4], uint16(tot))
	put16(cs.hdr[10:12], 0)
	put16(cs.hdr[10:12], inetsum.Checksum(cs.hdr[:shl]))

	p.RemoveHeader(cp)
	head := p
	if p.AddHeader(cs.hlen) != nil {
		hp, err := pbuf.Alloc(pbuf.LayerRaw, cs.hlen, pbuf.KindHeap)
		if err != nil {
			s.toss = true
			s.st.VJComp.ErrorIn.Inc()
			return nil, err
		}
		hp.Cat(p)
		head = hp
	}
	copy(head.Payload()[:cs.hlen], cs.hdr[:cs.hlen])
	s.st.VJComp.CompressedIn.Inc()
	return head, nil
}
