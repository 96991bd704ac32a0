// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package vjcomp

import (
	"bytes"
	"testing"

	"github.com/piconet-io/picostack/net/inetsum"
	"github.com/piconet-io/picostack/net/pbuf"
)

// tcpPacket builds a 20-byte IPv4 header, a 20-byte TCP header and
// data, with a valid IP checksum and a fixed transport checksum.
func tcpPacket(t *testing.T, srcPort uint16, id uint16, seq, ack uint32, win uint16, flags uint8, data string) *pbuf.Pbuf {
	t.Helper()
	b := make([]byte, 40+len(data))
	b[0] = 0x45
	put16(b[2:4], uint16(len(b)))
	put16(b[4:6], id)
	b[8] = 64
	b[9] = protoTCP
	copy(b[12:16], []byte{10, 0, 0, 1})
	copy(b[16:20], []byte{10, 0, 0, 2})
	put16(b[10:12], inetsum.Checksum(b[:20]))
	th := b[20:]
	put16(th[0:2], srcPort)
	put16(th[2:4], 80)
	put32(th[4:8], seq)
	put32(th[8:12], ack)
	th[12] = 5 << 4
	th[13] = flags
	put16(th[14:16], win)
	put16(th[16:18], 0xabcd)
	copy(b[40:], data)
	p, err := pbuf.Alloc(pbuf.LayerRaw, len(b), pbuf.KindHeap)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	if err := p.Take(b); err != nil {
		t.Fatalf("Take: %v", err)
	}
	return p
}

func newPair(t *testing.T, slots int, compressCID bool) (tx, rx *State) {
	t.Helper()
	tx, err := New(t.Logf, nil, slots, compressCID)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	rx, err = New(t.Logf, nil, slots, compressCID)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return tx, rx
}

// send compresses p and returns the resulting wire bytes.
func send(t *testing.T, tx *State, p *pbuf.Pbuf, want uint8) []byte {
	t.Helper()
	if typ := tx.Compress(p); typ != want {
		t.Fatalf("Compress = %#02x; want %#02x", typ, want)
	}
	wire := append([]byte(nil), p.Payload()...)
	p.Free()
	return wire
}

// recv feeds wire into the decompressor as a fresh headroom-less
// buffer, the way a serial receiver would, and returns the rebuilt
// packet bytes.
func recv(t *testing.T, rx *State, wire []byte, typ uint8) []byte {
	t.Helper()
	p, err := pbuf.Alloc(pbuf.LayerRaw, len(wire), pbuf.KindHeap)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	if err := p.Take(wire); err != nil {
		t.Fatalf("Take: %v", err)
	}
	switch typ {
	case TypeUncompressedTCP:
		if err := rx.DecompressUncompressed(p); err != nil {
			t.Fatalf("DecompressUncompressed: %v", err)
		}
	case TypeCompressedTCP:
		head, err := rx.Decompress(p)
		if err != nil {
			t.Fatalf("Decompress: %v", err)
		}
		p = head
	}
	out := make([]byte, p.TotLen())
	p.CopyPartial(out, 0)
	p.Free()
	return out
}

func TestNewValidatesSlotCount(t *testing.T) {
	for _, slots := range []int{0, 1, 2, 256, 1000} {
		if _, err := New(t.Logf, nil, slots, false); err == nil {
			t.Errorf("New(slots=%d) succeeded; want error", slots)
		}
	}
	for _, slots := range []int{3, 16, 255} {
		if _, err := New(t.Logf, nil, slots, false); err != nil {
			t.Errorf("New(slots=%d) = %v; want nil", slots, err)
		}
	}
}

func TestCompressPassesThroughUncompressible(t *testing.T) {
	tx, _ := newPair(t, MaxSlots, false)

	tests := []struct {
		name string
		mod  func(b []byte)
	}{
		{"not tcp", func(b []byte) { b[9] = 17 }},
		{"fragment", func(b []byte) { put16(b[6:8], 0x2000) }},
		{"ip options", func(b []byte) { b[0] = 0x46 }},
		{"syn", func(b []byte) { b[33] = tcpSYN | tcpACK }},
		{"fin", func(b []byte) { b[33] = tcpFIN | tcpACK }},
		{"rst", func(b []byte) { b[33] = tcpRST }},
		{"no ack", func(b []byte) { b[33] = 0 }},
	}
	for _, tt := range tests {
		p := tcpPacket(t, 1234, 1, 100, 200, 8192, tcpACK, "")
		tt.mod(p.Payload())
		before := append([]byte(nil), p.Payload()...)
		if typ := tx.Compress(p); typ != TypeIP {
			t.Errorf("%s: Compress = %#02x; want TypeIP", tt.name, typ)
		}
		if !bytes.Equal(p.Payload(), before) {
			t.Errorf("%s: packet modified on TypeIP path", tt.name)
		}
		p.Free()
	}

	short, err := pbuf.Alloc(pbuf.LayerRaw, 30, pbuf.KindHeap)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	if typ := tx.Compress(short); typ != TypeIP {
		t.Errorf("short packet: Compress = %#02x; want TypeIP", typ)
	}
	short.Free()
}

func TestFirstPacketResyncsUncompressed(t *testing.T) {
	tx, rx := newPair(t, MaxSlots, false)

	p := tcpPacket(t, 1234, 1, 100, 200, 8192, tcpACK, "")
	orig := append([]byte(nil), p.Payload()...)
	wire := send(t, tx, p, TypeUncompressedTCP)
	if wire[9] >= MaxSlots {
		t.Fatalf("connection id %d out of range", wire[9])
	}
	wantWire := append([]byte(nil), orig...)
	wantWire[9] = wire[9]
	if !bytes.Equal(wire, wantWire) {
		t.Errorf("uncompressed wire changed more than the protocol byte")
	}

	got := recv(t, rx, wire, TypeUncompressedTCP)
	if !bytes.Equal(got, orig) {
		t.Errorf("rebuilt packet = % x\nwant % x", got, orig)
	}
}

func TestAckDeltaRoundtrip(t *testing.T) {
	tx, rx := newPair(t, MaxSlots, false)

	p1 := tcpPacket(t, 1234, 100, 5000, 7000, 8192, tcpACK, "")
	wire1 := send(t, tx, p1, TypeUncompressedTCP)
	cid := wire1[9]
	recv(t, rx, wire1, TypeUncompressedTCP)

	p2 := tcpPacket(t, 1234, 101, 5000, 7042, 8192, tcpACK, "")
	orig := append([]byte(nil), p2.Payload()...)
	wire2 := send(t, tx, p2, TypeCompressedTCP)

	want := []byte{newC | newA, cid, 0xab, 0xcd, 0x2a}
	if !bytes.Equal(wire2, want) {
		t.Fatalf("compressed wire = % x; want % x", wire2, want)
	}

	got := recv(t, rx, wire2, TypeCompressedTCP)
	if !bytes.Equal(got, orig) {
		t.Errorf("rebuilt packet = % x\nwant % x", got, orig)
	}
}

func TestMultiFieldDeltas(t *testing.T) {
	tx, rx := newPair(t, MaxSlots, false)

	p1 := tcpPacket(t, 1234, 100, 5000, 7000, 8192, tcpACK, "")
	recv(t, rx, send(t, tx, p1, TypeUncompressedTCP), TypeUncompressedTCP)

	// Ack moves by 0x1234 (three-byte encoding), window by 2, and
	// the urgent pointer is set. The sequence stays put: U, W, A and
	// S together would be the reserved SPECIAL_D mask.
	p2 := tcpPacket(t, 1234, 101, 5000, 7000+0x1234, 8194, tcpACK|tcpURG, "")
	put16(p2.Payload()[38:40], 7)
	orig := append([]byte(nil), p2.Payload()...)
	wire := send(t, tx, p2, TypeCompressedTCP)

	if wire[0] != newC|newU|newW|newA {
		t.Fatalf("change mask = %#02x; want %#02x", wire[0], newC|newU|newW|newA)
	}
	// changes, cid, checksum, urg(1), win(1), ack(3).
	if len(wire) != 9 {
		t.Fatalf("compressed wire is %d bytes; want 9", len(wire))
	}

	got := recv(t, rx, wire, TypeCompressedTCP)
	if !bytes.Equal(got, orig) {
		t.Errorf("rebuilt packet = % x\nwant % x", got, orig)
	}
}

func TestSpecialDataTransfer(t *testing.T) {
	tx, rx := newPair(t, MaxSlots, false)

	p1 := tcpPacket(t, 1234, 100, 1000, 9000, 8192, tcpACK, "0123456789")
	recv(t, rx, send(t, tx, p1, TypeUncompressedTCP), TypeUncompressedTCP)

	// Next segment advances seq by exactly the previous data
	// length, the unidirectional transfer pattern.
	p2 := tcpPacket(t, 1234, 101, 1010, 9000, 8192, tcpACK|tcpPSH, "abcdefghij")
	orig := append([]byte(nil), p2.Payload()...)
	wire := send(t, tx, p2, TypeCompressedTCP)

	if wire[0] != newC|tcpPushBit|specialD {
		t.Fatalf("change mask = %#02x; want %#02x", wire[0], newC|tcpPushBit|specialD)
	}
	if len(wire) != 4+10 {
		t.Fatalf("compressed wire is %d bytes; want %d", len(wire), 4+10)
	}

	got := recv(t, rx, wire, TypeCompressedTCP)
	if !bytes.Equal(got, orig) {
		t.Errorf("rebuilt packet = % x\nwant % x", got, orig)
	}
}

func TestSpecialEchoedInteractive(t *testing.T) {
	tx, rx := newPair(t, MaxSlots, false)

	p1 := tcpPacket(t, 1234, 100, 2000, 9000, 8192, tcpACK, "hello")
	recv(t, rx, send(t, tx, p1, TypeUncompressedTCP), TypeUncompressedTCP)

	// Seq and ack both advance by the previous data length, the
	// echoed terminal traffic pattern.
	p2 := tcpPacket(t, 1234, 101, 2005, 9005, 8192, tcpACK, "world")
	orig := append([]byte(nil), p2.Payload()...)
	wire := send(t, tx, p2, TypeCompressedTCP)

	if wire[0] != newC|specialI {
		t.Fatalf("change mask = %#02x; want %#02x", wire[0], newC|specialI)
	}

	got := recv(t, rx, wire, TypeCompressedTCP)
	if !bytes.Equal(got, orig) {
		t.Errorf("rebuilt packet = % x\nwant % x", got, orig)
	}
}

func TestRetransmitGoesUncompressed(t *testing.T) {
	tx, _ := newPair(t, MaxSlots, false)

	p1 := tcpPacket(t, 1234, 100, 5000, 7000, 8192, tcpACK, "")
	send(t, tx, p1, TypeUncompressedTCP)

	// Identical seq, ack and window with no data is a retransmitted
	// ack or window probe.
	p2 := tcpPacket(t, 1234, 101, 5000, 7000, 8192, tcpACK, "")
	send(t, tx, p2, TypeUncompressedTCP)
}

func TestLargeDeltaFallsBack(t *testing.T) {
	tx, _ := newPair(t, MaxSlots, false)

	p1 := tcpPacket(t, 1234, 100, 5000, 7000, 8192, tcpACK, "")
	send(t, tx, p1, TypeUncompressedTCP)

	p2 := tcpPacket(t, 1234, 101, 5000, 7000+0x10000, 8192, tcpACK, "")
	send(t, tx, p2, TypeUncompressedTCP)
}

func TestConnectionIDCompression(t *testing.T) {
	tx, rx := newPair(t, MaxSlots, true)

	p1 := tcpPacket(t, 1234, 100, 5000, 7000, 8192, tcpACK, "")
	recv(t, rx, send(t, tx, p1, TypeUncompressedTCP), TypeUncompressedTCP)

	// The uncompressed packet already named the slot, so the id
	// octet is omitted from the start.
	p2 := tcpPacket(t, 1234, 101, 5000, 7001, 8192, tcpACK, "")
	orig2 := append([]byte(nil), p2.Payload()...)
	wire2 := send(t, tx, p2, TypeCompressedTCP)
	if wire2[0]&newC != 0 || len(wire2) != 4 {
		t.Fatalf("wire = % x; want 4 bytes without an id octet", wire2)
	}
	if got := recv(t, rx, wire2, TypeCompressedTCP); !bytes.Equal(got, orig2) {
		t.Errorf("rebuilt packet = % x\nwant % x", got, orig2)
	}

	p3 := tcpPacket(t, 1234, 102, 5000, 7002, 8192, tcpACK, "")
	orig3 := append([]byte(nil), p3.Payload()...)
	wire3 := send(t, tx, p3, TypeCompressedTCP)
	if wire3[0]&newC != 0 {
		t.Fatalf("second packet of same flow carries an id octet")
	}
	if got := recv(t, rx, wire3, TypeCompressedTCP); !bytes.Equal(got, orig3) {
		t.Errorf("rebuilt packet = % x\nwant % x", got, orig3)
	}
}

func TestTossUntilResync(t *testing.T) {
	tx, rx := newPair(t, MaxSlots, true)

	p1 := tcpPacket(t, 1234, 100, 5000, 7000, 8192, tcpACK, "")
	recv(t, rx, send(t, tx, p1, TypeUncompressedTCP), TypeUncompressedTCP)

	// A framing error poisons implicit-id packets.
	rx.Err()

	p2 := tcpPacket(t, 1234, 101, 5000, 7001, 8192, tcpACK, "")
	wire2 := send(t, tx, p2, TypeCompressedTCP)
	wp, err := pbuf.Alloc(pbuf.LayerRaw, len(wire2), pbuf.KindHeap)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	wp.Take(wire2)
	if _, err := rx.Decompress(wp); err == nil {
		t.Fatal("Decompress after line error succeeded; want toss")
	}
	wp.Free()

	// An uncompressed header resynchronizes; later compressed
	// packets flow again.
	p3 := tcpPacket(t, 1234, 102, 5000, 7002, 8192, tcpACK, "")
	orig3 := append([]byte(nil), p3.Payload()...)
	wire3 := append([]byte(nil), orig3...)
	wire3[9] = 15 // any valid slot resyncs
	if got := recv(t, rx, wire3, TypeUncompressedTCP); !bytes.Equal(got, orig3) {
		t.Errorf("resync packet = % x\nwant % x", got, orig3)
	}

	p4, err := pbuf.Alloc(pbuf.LayerRaw, 4, pbuf.KindHeap)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	p4.Take([]byte{newA, 0xab, 0xcd, 0x01})
	head, err := rx.Decompress(p4)
	if err != nil {
		t.Fatalf("Decompress after resync: %v", err)
	}
	head.Free()
}

func TestDecompressRejectsBadInput(t *testing.T) {
	_, rx := newPair(t, MaxSlots, false)

	feed := func(wire []byte) error {
		p, err := pbuf.Alloc(pbuf.LayerRaw, len(wire), pbuf.KindHeap)
		if err != nil {
			t.Fatalf("Alloc: %v", err)
		}
		p.Take(wire)
		_, err = rx.Decompress(p)
		if err != nil {
			p.Free()
		}
		return err
	}

	if err := feed([]byte{newC | newA}); err == nil {
		t.Error("truncated packet accepted")
	}
	if err := feed([]byte{newC | newA, 200, 0xab, 0xcd, 1}); err == nil {
		t.Error("out-of-range connection id accepted")
	}
	if err := feed([]byte{newC | newA, 3, 0xab, 0xcd, 1}); err == nil {
		t.Error("compressed packet for an empty slot accepted")
	}
	// Deltas running off the end of the packet.
	tx, rx2 := newPair(t, MaxSlots, false)
	p1 := tcpPacket(t, 1234, 100, 5000, 7000, 8192, tcpACK, "")
	wire1 := send(t, tx, p1, TypeUncompressedTCP)
	cid := wire1[9]
	recv(t, rx2, wire1, TypeUncompressedTCP)
	trunc := []byte{newC | newA, cid, 0xab, 0xcd, 0x00, 0x12}
	p, err := pbuf.Alloc(pbuf.LayerRaw, len(trunc), pbuf.KindHeap)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	p.Take(trunc)
	if _, err := rx2.Decompress(p); err == nil {
		t.Error("truncated three-byte delta accepted")
	}
}

func TestLRUStealWithThreeSlots(t *testing.T) {
	tx, _ := newPair(t, 3, false)

	flow := func(port uint16, id uint16, ack uint32) *pbuf.Pbuf {
		return tcpPacket(t, port, id, 5000, ack, 8192, tcpACK, "")
	}

	// Three flows fill every slot.
	ids := make(map[uint16]uint8)
	for _, port := range []uint16{1000, 2000, 3000} {
		wire := send(t, tx, flow(port, 1, 100), TypeUncompressedTCP)
		ids[port] = wire[9]
	}
	if len(map[uint8]bool{ids[1000]: true, ids[2000]: true, ids[3000]: true}) != 3 {
		t.Fatalf("flows share a slot: %v", ids)
	}

	// A fourth flow evicts the least recently used one (port 1000).
	wire := send(t, tx, flow(4000, 1, 100), TypeUncompressedTCP)
	if wire[9] != ids[1000] {
		t.Errorf("new flow got slot %d; want evicted slot %d", wire[9], ids[1000])
	}

	// The evicted flow must resync; the thief keeps compressing.
	send(t, tx, flow(1000, 2, 101), TypeUncompressedTCP)
	send(t, tx, flow(4000, 2, 101), TypeCompressedTCP)
}

func TestDecompressChainsHeaderWithoutHeadroom(t *testing.T) {
	tx, rx := newPair(t, MaxSlots, false)

	p1 := tcpPacket(t, 1234, 100, 1000, 9000, 8192, tcpACK, "0123456789")
	recv(t, rx, send(t, tx, p1, TypeUncompressedTCP), TypeUncompressedTCP)

	p2 := tcpPacket(t, 1234, 101, 1010, 9000, 8192, tcpACK, "abcdefghij")
	orig := append([]byte(nil), p2.Payload()...)
	wire := send(t, tx, p2, TypeCompressedTCP)

	// recv feeds a headroom-less buffer, so rebuilding the header
	// chains a fresh segment in front of the data.
	got := recv(t, rx, wire, TypeCompressedTCP)
	if !bytes.Equal(got, orig) {
		t.Errorf("rebuilt packet = % x\nwant % x", got, orig)
	}
}
