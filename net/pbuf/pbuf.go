// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

// Package pbuf implements chained, reference-counted packet buffers.
//
// A Pbuf is one node of a singly linked chain of byte segments. The
// head node's total length always equals the sum of the segment
// lengths over the whole chain. Buffers allocated at a given layer
// reserve headroom in front of the payload so lower layers can
// prepend their headers without copying.
//
// Pbufs are not safe for concurrent use. The stack core is
// single-threaded; callers serialize access.
package pbuf

import (
	"bytes"

	"github.com/piconet-io/picostack/types/stackerr"
)

// Layer selects how much headroom an allocation reserves for
// headers that will be prepended later.
type Layer uint8

const (
	// LayerRaw reserves no headroom.
	LayerRaw Layer = iota
	// LayerLink reserves room for a link header.
	LayerLink
	// LayerIP reserves room for link and IP headers.
	LayerIP
	// LayerTransport reserves room for link, IP and transport headers.
	LayerTransport
)

const (
	linkHeaderLen      = 14
	ipHeaderLen        = 40 // enough for IPv6; IPv4 uses less
	transportHeaderLen = 20
)

func (l Layer) headroom() int {
	switch l {
	case LayerLink:
		return linkHeaderLen
	case LayerIP:
		return linkHeaderLen + ipHeaderLen
	case LayerTransport:
		return linkHeaderLen + ipHeaderLen + transportHeaderLen
	default:
		return 0
	}
}

// Kind describes where a Pbuf's payload bytes live.
type Kind uint8

const (
	// KindHeap is a single heap block holding headroom and payload.
	KindHeap Kind = iota
	// KindPool is a chain of fixed-size blocks.
	KindPool
	// KindROM references external read-only memory.
	KindROM
	// KindRef references external memory that may change under us.
	KindRef
)

// PoolBufSize is the payload capacity of one pool segment.
const PoolBufSize = 536

// Flags annotate a packet as it moves through the stack.
type Flags uint8

const (
	// FlagPush is set on TCP segments carrying the PSH bit.
	FlagPush Flags = 1 << iota
	// FlagLLBroadcast marks a packet received as link-level broadcast.
	FlagLLBroadcast
	// FlagLLMulticast marks a packet received as link-level multicast.
	FlagLLMulticast
	// FlagMulticastLoop asks for local loopback of outbound multicast.
	FlagMulticastLoop
)

// Pbuf is one segment of a packet buffer chain.
type Pbuf struct {
	// Next is the following segment of the chain, or nil.
	Next *Pbuf
	// Flags annotate the packet; only meaningful on the chain head.
	Flags Flags

	kind   Kind
	refs   int
	buf    []byte // backing block; payload window is buf[off : off+length]
	off    int
	length int
	tot    int
}

// Alloc returns a chain of the given kind holding length payload
// bytes, with headroom for layer reserved in front of the first
// segment. A zero length is valid and returns an empty buffer.
// ROM and Ref buffers are made with NewReference instead.
func Alloc(layer Layer, length int, kind Kind) (*Pbuf, error) {
	if length < 0 {
		return nil, stackerr.ErrArg
	}
	hr := layer.headroom()
	switch kind {
	case KindHeap:
		p := &Pbuf{
			kind:   KindHeap,
			refs:   1,
			buf:    make([]byte, hr+length),
			off:    hr,
			length: length,
			tot:    length,
		}
		return p, nil
	case KindPool:
		head := &Pbuf{kind: KindPool, refs: 1, tot: length}
		seg := head
		rem := length
		first := true
		for {
			use := rem
			if first {
				if use > PoolBufSize-hr {
					use = PoolBufSize - hr
				}
				seg.buf = make([]byte, PoolBufSize)
				seg.off = hr
			} else {
				if use > PoolBufSize {
					use = PoolBufSize
				}
				seg.buf = make([]byte, PoolBufSize)
			}
			seg.length = use
			rem -= use
			if rem == 0 {
				break
			}
			next := &Pbuf{kind: KindPool, refs: 1, tot: rem}
			seg.Next = next
			seg = next
			first = false
		}
		return head, nil
	default:
		return nil, stackerr.ErrArg
	}
}

// NewReference returns a single-segment buffer whose payload is the
// caller's slice. The stack will not modify a KindROM payload.
func NewReference(payload []byte, kind Kind) (*Pbuf, error) {
	if kind != KindROM && kind != KindRef {
		return nil, stackerr.ErrArg
	}
	return &Pbuf{
		kind:   kind,
		refs:   1,
		buf:    payload,
		length: len(payload),
		tot:    len(payload),
	}, nil
}

// Len returns the number of payload bytes in this segment.
func (p *Pbuf) Len() int { return p.length }

// TotLen returns the number of payload bytes from this segment to
// the end of the chain.
func (p *Pbuf) TotLen() int { return p.tot }

// Kind returns where the segment's payload bytes live.
func (p *Pbuf) Kind() Kind { return p.kind }

// Refs returns the segment's reference count.
func (p *Pbuf) Refs() int { return p.refs }

// Payload returns this segment's payload window.
func (p *Pbuf) Payload() []byte { return p.buf[p.off : p.off+p.length] }

// AddHeader grows the payload window backward by n bytes, exposing
// previously reserved headroom so a header can be written in front
// of the current payload. It fails with ErrBuf when the headroom is
// exhausted and with ErrArg on external-memory buffers.
func (p *Pbuf) AddHeader(n int) error {
	if n < 0 {
		return stackerr.ErrArg
	}
	if p.kind == KindROM || p.kind == KindRef {
		return stackerr.ErrArg
	}
	if n > p.off {
		return stackerr.ErrBuf
	}
	p.off -= n
	p.length += n
	p.tot += n
	return nil
}

// RemoveHeader shrinks the payload window from the front by n bytes.
func (p *Pbuf) RemoveHeader(n int) error {
	if n < 0 || n > p.length {
		return stackerr.ErrArg
	}
	p.off += n
	p.length -= n
	p.tot -= n
	return nil
}

// Header adjusts the front of the payload window: positive delta
// grows backward (like AddHeader), negative shrinks.
func (p *Pbuf) Header(delta int) error {
	if delta >= 0 {
		return p.AddHeader(delta)
	}
	return p.RemoveHeader(-delta)
}

// Ref increments the head segment's reference count.
func (p *Pbuf) Ref() {
	p.refs++
}

// Free decrements reference counts from the head down the chain,
// stopping at the first segment that remains referenced. It reports
// how many segments were released. The caller must not touch any
// released segment afterward.
func (p *Pbuf) Free() int {
	n := 0
	for p != nil {
		p.refs--
		if p.refs > 0 {
			break
		}
		q := p.Next
		p.Next = nil
		p.buf = nil
		p.length = 0
		p.tot = 0
		p = q
		n++
	}
	return n
}

// Cat appends tail to the chain headed by p, transferring ownership
// of the caller's reference to tail.
func (p *Pbuf) Cat(tail *Pbuf) {
	var last *Pbuf
	for q := p; q != nil; q = q.Next {
		q.tot += tail.tot
		last = q
	}
	last.Next = tail
}

// Chain appends tail like Cat but additionally takes a new reference
// on tail, so the caller keeps its own.
func (p *Pbuf) Chain(tail *Pbuf) {
	p.Cat(tail)
	tail.Ref()
}

// Dechain detaches the head segment from the rest of the chain and
// returns the remainder (nil if the head was the whole chain). The
// head's total length becomes its own length; the remainder keeps
// its reference.
func (p *Pbuf) Dechain() *Pbuf {
	rest := p.Next
	p.Next = nil
	p.tot = p.length
	return rest
}

// CopyPartial copies chain bytes starting at offset into dst and
// reports how many bytes were copied.
func (p *Pbuf) CopyPartial(dst []byte, offset int) int {
	copied := 0
	for q := p; q != nil && copied < len(dst); q = q.Next {
		if offset >= q.length {
			offset -= q.length
			continue
		}
		n := copy(dst[copied:], q.Payload()[offset:])
		copied += n
		offset = 0
	}
	return copied
}

// TakeAt writes data into the chain starting at offset. It fails
// with ErrArg when the chain is too short.
func (p *Pbuf) TakeAt(data []byte, offset int) error {
	if offset+len(data) > p.tot {
		return stackerr.ErrArg
	}
	written := 0
	for q := p; q != nil && written < len(data); q = q.Next {
		if offset >= q.length {
			offset -= q.length
			continue
		}
		n := copy(q.Payload()[offset:], data[written:])
		written += n
		offset = 0
	}
	return nil
}

// Take writes data over the start of the chain.
func (p *Pbuf) Take(data []byte) error { return p.TakeAt(data, 0) }

// TryGet returns the payload byte at offset within the chain.
func (p *Pbuf) TryGet(offset int) (byte, bool) {
	for q := p; q != nil; q = q.Next {
		if offset < q.length {
			return q.Payload()[offset], true
		}
		offset -= q.length
	}
	return 0, false
}

// Get is TryGet returning zero when offset is out of range.
func (p *Pbuf) Get(offset int) byte {
	b, _ := p.TryGet(offset)
	return b
}

// Put stores b at offset within the chain, if in range.
func (p *Pbuf) Put(offset int, b byte) bool {
	for q := p; q != nil; q = q.Next {
		if offset < q.length {
			q.Payload()[offset] = b
			return true
		}
		offset -= q.length
	}
	return false
}

// EqualAt reports whether the chain bytes at offset equal b.
func (p *Pbuf) EqualAt(offset int, b []byte) bool {
	if offset+len(b) > p.tot {
		return false
	}
	tmp := make([]byte, len(b))
	p.CopyPartial(tmp, offset)
	return bytes.Equal(tmp, b)
}

// Memfind returns the lowest offset not beyond maxOffset at which b
// occurs in the chain, or -1.
func (p *Pbuf) Memfind(b []byte, maxOffset int) int {
	for off := 0; off <= maxOffset && off+len(b) <= p.tot; off++ {
		if p.EqualAt(off, b) {
			return off
		}
	}
	return -1
}

// Clone returns a fresh single-block copy of the chain's bytes with
// headroom for layer. The source chain is unchanged.
func (p *Pbuf) Clone(layer Layer) *Pbuf {
	q, _ := Alloc(layer, p.tot, KindHeap)
	p.CopyPartial(q.Payload(), 0)
	q.Flags = p.Flags
	return q
}

// Coalesce flattens a chain into a single heap segment. A chain of
// one segment is returned as is.
func (p *Pbuf) Coalesce(layer Layer) *Pbuf {
	if p.Next == nil {
		return p
	}
	q := p.Clone(layer)
	p.Free()
	return q
}

// Realloc shrinks the chain to newTot payload bytes, releasing any
// segments past the new end. Growing is not supported.
func (p *Pbuf) Realloc(newTot int) error {
	if newTot < 0 || newTot > p.tot {
		return stackerr.ErrArg
	}
	rem := newTot
	q := p
	for {
		q.tot = rem
		if rem <= q.length {
			q.length = rem
			break
		}
		rem -= q.length
		q = q.Next
	}
	if tail := q.Next; tail != nil {
		q.Next = nil
		tail.Free()
	}
	return nil
}
