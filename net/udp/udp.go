// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

// Package udp implements the UDP and UDP-Lite transport: protocol
// control blocks, the inbound demultiplexer, and the send path with
// checksumming and source address selection.
//
// A Module owns the PCB list and the ephemeral port cursor. All
// methods must be called from the stack's single coordinator
// goroutine; callbacks run synchronously on that goroutine and must
// not re-enter the Module.
package udp

import (
	"encoding/binary"

	"github.com/piconet-io/picostack/net/inetsum"
	"github.com/piconet-io/picostack/net/ipaddr"
	"github.com/piconet-io/picostack/net/netif"
	"github.com/piconet-io/picostack/net/pbuf"
	"github.com/piconet-io/picostack/stats"
	"github.com/piconet-io/picostack/types/logger"
	"github.com/piconet-io/picostack/types/stackerr"
	"github.com/piconet-io/picostack/util/rands"
)

const (
	// HeaderLen is the size of the UDP header on the wire.
	HeaderLen = 8

	// ProtoUDP and ProtoUDPLite are the IP protocol numbers handled
	// by this package.
	ProtoUDP     = 17
	ProtoUDPLite = 136

	// PortMin and PortMax bound the ephemeral port range.
	PortMin = 0xC000
	PortMax = 0xFFFF
)

// Flags are per-PCB option and state bits.
type Flags uint8

const (
	// FlagConnected is set once the PCB has a fixed remote.
	FlagConnected Flags = 1 << iota
	// FlagBroadcast permits sending to and receiving from IPv4
	// broadcast addresses.
	FlagBroadcast
	// FlagReuseAddr allows binding a local address another PCB
	// already holds when that PCB carries the flag too, and fans
	// broadcast and multicast datagrams out to every matching PCB.
	FlagReuseAddr
	// FlagLite selects UDP-Lite framing and partial checksums.
	FlagLite
	// FlagNoCksum suppresses the checksum on outbound IPv4 UDP.
	FlagNoCksum
	// FlagMulticastLoop asks for local delivery of outbound
	// multicast.
	FlagMulticastLoop
)

// RecvFunc is the receive callback. It takes ownership of p.
type RecvFunc func(arg any, pcb *PCB, p *pbuf.Pbuf, src ipaddr.Addr, srcPort uint16)

// PCB is one UDP endpoint. Zero values are not usable; allocate
// through Module.NewPCB or Module.NewPCBType.
type PCB struct {
	next *PCB

	LocalIP    ipaddr.Addr
	LocalPort  uint16
	RemoteIP   ipaddr.Addr
	RemotePort uint16

	Flags Flags

	// NetifIdx pins the PCB to one interface for both send and
	// receive. Zero means unpinned.
	NetifIdx uint8

	// McastIfIdx and McastIP4 steer outbound IPv4 multicast when
	// set: the index wins over the address.
	McastIfIdx uint8
	McastIP4   ipaddr.IP4

	TTL      uint8
	McastTTL uint8
	TOS      uint8

	// ChksumLenTx is the UDP-Lite checksum coverage for outbound
	// datagrams; 0 covers the whole datagram. ChksumLenRx is the
	// minimum coverage accepted inbound; 0 accepts any legal
	// coverage.
	ChksumLenTx uint16
	ChksumLenRx uint16

	recv    RecvFunc
	recvArg any
}

// Recv installs the receive callback.
func (pcb *PCB) Recv(cb RecvFunc, arg any) {
	pcb.recv = cb
	pcb.recvArg = arg
}

// Module is the UDP subsystem: the PCB list, the ephemeral port
// cursor, and its randomness.
type Module struct {
	logf logger.Logf
	ifs  *netif.Table
	st   *stats.Stats
	rnd  *rands.Rand

	pcbs *PCB
	port uint16

	// Unreachable, when set, is invoked for a unicast datagram no
	// PCB wants, so the caller can emit an ICMP port unreachable.
	// The pbuf still carries the UDP header and is only borrowed.
	Unreachable func(p *pbuf.Pbuf, inp *netif.Interface, src, dst ipaddr.Addr)
}

// New returns a Module over the interface table. The seed feeds the
// ephemeral port cursor.
func New(logf logger.Logf, ifs *netif.Table, st *stats.Stats, seed uint64) *Module {
	if logf == nil {
		logf = logger.Discard
	}
	if st == nil {
		st = stats.New(nil)
	}
	m := &Module{logf: logf, ifs: ifs, st: st, rnd: rands.NewRand(seed)}
	m.port = PortMin + uint16(m.rnd.Uint32()%(PortMax-PortMin+1))
	return m
}

// NewPCB returns an IPv4 PCB.
func (m *Module) NewPCB() *PCB { return m.NewPCBType(ipaddr.TypeV4) }

// NewPCBType returns a PCB listening on the given address family;
// TypeAny yields a dual-stack PCB.
func (m *Module) NewPCBType(t ipaddr.AddrType) *PCB {
	return &PCB{
		LocalIP:  ipaddr.AnyOfType(t),
		RemoteIP: ipaddr.AnyOfType(t),
		TTL:      255,
		McastTTL: 255,
	}
}

// Remove unlinks pcb; it must not be used afterwards.
func (m *Module) Remove(pcb *PCB) {
	for pp := &m.pcbs; *pp != nil; pp = &(*pp).next {
		if *pp == pcb {
			*pp = pcb.next
			pcb.next = nil
			return
		}
	}
}

// Len reports how many PCBs are bound.
func (m *Module) Len() int {
	n := 0
	for q := m.pcbs; q != nil; q = q.next {
		n++
	}
	return n
}

// ForEach visits every bound PCB in most-recently-used order, stopping
// early when f returns false. f must not bind or remove PCBs.
func (m *Module) ForEach(f func(*PCB) bool) {
	for q := m.pcbs; q != nil; q = q.next {
		if !f(q) {
			return
		}
	}
}

func (m *Module) inList(pcb *PCB) bool {
	for q := m.pcbs; q != nil; q = q.next {
		if q == pcb {
			return true
		}
	}
	return false
}

func (m *Module) moveToHead(pcb *PCB) {
	if m.pcbs == pcb {
		return
	}
	for pp := &m.pcbs; *pp != nil; pp = &(*pp).next {
		if *pp == pcb {
			*pp = pcb.next
			pcb.next = m.pcbs
			m.pcbs = pcb
			return
		}
	}
}

func (m *Module) portInUse(port uint16) bool {
	for q := m.pcbs; q != nil; q = q.next {
		if q.LocalPort == port {
			return true
		}
	}
	return false
}

// newPort draws the next free ephemeral port from the rotating
// cursor, or 0 when the whole range is taken.
func (m *Module) newPort() uint16 {
	for tries := 0; tries <= PortMax-PortMin; tries++ {
		m.port++
		if m.port < PortMin { // uint16 wrap
			m.port = PortMin
		}
		if !m.portInUse(m.port) {
			return m.port
		}
	}
	return 0
}

// Bind sets pcb's local address and port and inserts it into the PCB
// list. Rebinding an already bound PCB is allowed. A zero port draws
// one from the ephemeral range. A scoped IPv6 address without a zone
// gets one assigned first.
func (m *Module) Bind(pcb *PCB, addr ipaddr.Addr, port uint16) error {
	if !pcb.LocalIP.FamilyMatches(addr) {
		return stackerr.ErrArg
	}
	if addr.Is6() && addr.V6().LacksZone(ipaddr.ScopeUnknown) {
		addr = ipaddr.MakeV6(m.ifs.SelectZone(addr.V6(), ipaddr.IP6{}))
	}
	if port == 0 {
		port = m.newPort()
		if port == 0 {
			return stackerr.ErrInUse
		}
	} else {
		for q := m.pcbs; q != nil; q = q.next {
			if q == pcb || q.LocalPort != port {
				continue
			}
			if !q.LocalIP.FamilyMatches(addr) {
				continue
			}
			if q.Flags&FlagReuseAddr != 0 && pcb.Flags&FlagReuseAddr != 0 {
				continue
			}
			if q.LocalIP.IsAny() || addr.IsAny() || q.LocalIP.EqZoneless(addr) {
				return stackerr.ErrInUse
			}
		}
	}
	pcb.LocalIP = addr
	pcb.LocalPort = port
	if !m.inList(pcb) {
		pcb.next = m.pcbs
		m.pcbs = pcb
	}
	m.logf("udp: bound %v:%d", addr, port)
	return nil
}

// Connect fixes pcb's remote endpoint, binding first if needed. A
// scoped remote without a zone inherits the local address's zone.
func (m *Module) Connect(pcb *PCB, addr ipaddr.Addr, port uint16) error {
	if !pcb.LocalIP.FamilyMatches(addr) {
		return stackerr.ErrArg
	}
	if pcb.LocalPort == 0 {
		if err := m.Bind(pcb, pcb.LocalIP, 0); err != nil {
			return err
		}
	}
	if addr.Is6() && addr.V6().LacksZone(ipaddr.ScopeUnknown) {
		src := ipaddr.IP6{}
		if pcb.LocalIP.Is6() {
			src = pcb.LocalIP.V6()
		}
		addr = ipaddr.MakeV6(m.ifs.SelectZone(addr.V6(), src))
	}
	pcb.RemoteIP = addr
	pcb.RemotePort = port
	pcb.Flags |= FlagConnected
	if !m.inList(pcb) {
		pcb.next = m.pcbs
		m.pcbs = pcb
	}
	return nil
}

// Disconnect drops the fixed remote, returning pcb to unconnected
// listening. The interface pin is cleared too.
func (m *Module) Disconnect(pcb *PCB) {
	pcb.RemoteIP = ipaddr.AnyOfType(pcb.RemoteIP.Type())
	pcb.RemotePort = 0
	pcb.Flags &^= FlagConnected
	pcb.NetifIdx = 0
}

// matchLocal reports whether pcb listens to a datagram addressed to
// dst arriving on inp, considering only the local side.
func matchLocal(pcb *PCB, dst ipaddr.Addr, inp *netif.Interface, bcast bool) bool {
	if pcb.NetifIdx != 0 && pcb.NetifIdx != inp.Index() {
		return false
	}
	if !pcb.LocalIP.FamilyMatches(dst) {
		return false
	}
	if dst.Is4() && bcast {
		if pcb.Flags&FlagBroadcast == 0 {
			return false
		}
		if pcb.LocalIP.IsAny() {
			return true
		}
		if dst.V4().IsGlobalBroadcast() {
			return true
		}
		return pcb.LocalIP.Is4() && dst.V4().NetEq(pcb.LocalIP.V4(), inp.IP4Netmask)
	}
	return pcb.LocalIP.IsAny() || pcb.LocalIP.EqZoneless(dst)
}

// Input demultiplexes one datagram whose IP header has already been
// validated and stripped. It takes ownership of p; proto is ProtoUDP
// or ProtoUDPLite as found in the IP header.
func (m *Module) Input(p *pbuf.Pbuf, inp *netif.Interface, src, dst ipaddr.Addr, proto uint8) {
	if p.Len() < HeaderLen {
		m.st.UDP.LenErr.Inc()
		m.st.UDP.Drop.Inc()
		p.Free()
		return
	}
	hdr := p.Payload()
	srcPort := binary.BigEndian.Uint16(hdr[0:2])
	dstPort := binary.BigEndian.Uint16(hdr[2:4])
	bcast := dst.Is4() && inp.IsBroadcast(dst.V4())

	var pcb, uncon *PCB
	for q := m.pcbs; q != nil; q = q.next {
		if q.LocalPort != dstPort || !matchLocal(q, dst, inp, bcast) {
			continue
		}
		if uncon == nil {
			uncon = q
		} else if bcast && dst.V4().IsGlobalBroadcast() {
			// Among global-broadcast listeners prefer the one
			// bound to the inbound interface's own address.
			if !uncon.LocalIP.Is4() || uncon.LocalIP.V4() != inp.IP4Addr {
				if q.LocalIP.Is4() && q.LocalIP.V4() == inp.IP4Addr {
					uncon = q
				}
			}
		} else if !q.LocalIP.IsAny() && uncon.LocalIP.IsAny() {
			uncon = q
		}
		if q.Flags&FlagConnected != 0 && q.RemotePort == srcPort && q.RemoteIP.EqZoneless(src) {
			pcb = q
			break
		}
	}
	if pcb == nil {
		pcb = uncon
	}
	if pcb == nil {
		if !bcast && !dst.IsMulticast() {
			m.st.UDP.ProtoErr.Inc()
			if m.Unreachable != nil {
				m.Unreachable(p, inp, src, dst)
			}
		}
		m.st.UDP.Drop.Inc()
		p.Free()
		return
	}

	if !m.checksumOK(p, pcb, src, dst, proto) {
		m.st.UDP.Drop.Inc()
		p.Free()
		return
	}

	m.moveToHead(pcb)
	p.RemoveHeader(HeaderLen)

	if pcb.Flags&FlagReuseAddr != 0 && (bcast || dst.IsMulticast()) {
		for q := m.pcbs; q != nil; q = q.next {
			if q == pcb || q.LocalPort != dstPort || !matchLocal(q, dst, inp, bcast) {
				continue
			}
			if q.recv == nil {
				continue
			}
			c := p.Clone(pbuf.LayerRaw)
			m.st.UDP.Recv.Inc()
			q.recv(q.recvArg, q, c, src, srcPort)
		}
	}

	m.st.UDP.Recv.Inc()
	if pcb.recv != nil {
		pcb.recv(pcb.recvArg, pcb, p, src, srcPort)
	} else {
		p.Free()
	}
}

// checksumOK validates the datagram's checksum against pcb's policy.
// The pbuf still starts at the UDP header.
func (m *Module) checksumOK(p *pbuf.Pbuf, pcb *PCB, src, dst ipaddr.Addr, proto uint8) bool {
	hdr := p.Payload()
	if proto == ProtoUDPLite {
		cov := int(binary.BigEndian.Uint16(hdr[4:6]))
		if cov == 0 {
			cov = p.TotLen()
		}
		if cov < HeaderLen {
			m.st.UDP.ProtoErr.Inc()
			return false
		}
		if cov > p.TotLen() {
			m.st.UDP.LenErr.Inc()
			return false
		}
		if pcb.ChksumLenRx != 0 && cov < int(pcb.ChksumLenRx) {
			m.st.UDP.ProtoErr.Inc()
			return false
		}
		var sum uint16
		if dst.Is4() {
			sum = inetsum.PseudoPartialV4(ProtoUDPLite, src.V4(), dst.V4(), cov, p)
		} else {
			sum = inetsum.PseudoPartialV6(ProtoUDPLite, src.V6(), dst.V6(), cov, p)
		}
		if sum != 0 {
			m.st.UDP.ChkErr.Inc()
			return false
		}
		return true
	}

	if length := int(binary.BigEndian.Uint16(hdr[4:6])); length != p.TotLen() {
		m.st.UDP.LenErr.Inc()
		return false
	}
	wire := binary.BigEndian.Uint16(hdr[6:8])
	if dst.Is4() {
		if wire == 0 { // sender opted out; legal over IPv4 only
			return true
		}
		if inetsum.PseudoV4(ProtoUDP, src.V4(), dst.V4(), p) != 0 {
			m.st.UDP.ChkErr.Inc()
			return false
		}
		return true
	}
	if wire == 0 {
		m.st.UDP.ChkErr.Inc()
		return false
	}
	if inetsum.PseudoV6(ProtoUDP, src.V6(), dst.V6(), p) != 0 {
		m.st.UDP.ChkErr.Inc()
		return false
	}
	return true
}

// Send transmits p to the connected remote.
func (m *Module) Send(pcb *PCB, p *pbuf.Pbuf) error {
	if pcb.Flags&FlagConnected == 0 {
		return stackerr.ErrArg
	}
	return m.SendTo(pcb, p, pcb.RemoteIP, pcb.RemotePort)
}

// SendTo transmits p to dst:dstPort, routing over the interface
// table. The caller keeps ownership of p.
func (m *Module) SendTo(pcb *PCB, p *pbuf.Pbuf, dst ipaddr.Addr, dstPort uint16) error {
	nif := m.routeFor(pcb, dst)
	if nif == nil || !nif.IsUp() {
		m.st.UDP.RouteErr.Inc()
		return stackerr.ErrRoute
	}
	return m.SendToIf(pcb, p, dst, dstPort, nif)
}

func (m *Module) routeFor(pcb *PCB, dst ipaddr.Addr) *netif.Interface {
	if pcb.NetifIdx != 0 {
		return m.ifs.ByIndex(pcb.NetifIdx)
	}
	if dst.Is4() {
		if dst.V4().IsMulticast() {
			if pcb.McastIfIdx != 0 {
				if n := m.ifs.ByIndex(pcb.McastIfIdx); n != nil {
					return n
				}
			}
			if !pcb.McastIP4.IsAny() {
				if n := m.ifs.RouteV4(pcb.McastIP4); n != nil {
					return n
				}
			}
		}
		return m.ifs.RouteV4(dst.V4())
	}
	if dst.V6().IsMulticast() && pcb.McastIfIdx != 0 {
		if n := m.ifs.ByIndex(pcb.McastIfIdx); n != nil {
			return n
		}
	}
	src := ipaddr.IP6{}
	if pcb.LocalIP.Is6() {
		src = pcb.LocalIP.V6()
	}
	return m.ifs.RouteV6(src, dst.V6())
}

// SendToIf transmits over a caller-chosen interface, selecting the
// source address from pcb and nif.
func (m *Module) SendToIf(pcb *PCB, p *pbuf.Pbuf, dst ipaddr.Addr, dstPort uint16, nif *netif.Interface) error {
	src, err := m.pickSource(pcb, dst, nif)
	if err != nil {
		return err
	}
	return m.sendInternal(pcb, p, dst, dstPort, nif, src, false, 0)
}

// SendToIfSrc transmits with both interface and source fixed by the
// caller.
func (m *Module) SendToIfSrc(pcb *PCB, p *pbuf.Pbuf, dst ipaddr.Addr, dstPort uint16, nif *netif.Interface, src ipaddr.Addr) error {
	return m.sendInternal(pcb, p, dst, dstPort, nif, src, false, 0)
}

// SendToIfSrcChksum is SendToIfSrc for callers that folded a partial
// checksum over the payload while assembling it; chksum is the
// 16-bit one's-complement sum of the payload bytes.
func (m *Module) SendToIfSrcChksum(pcb *PCB, p *pbuf.Pbuf, dst ipaddr.Addr, dstPort uint16, nif *netif.Interface, src ipaddr.Addr, chksum uint16) error {
	return m.sendInternal(pcb, p, dst, dstPort, nif, src, true, chksum)
}

func (m *Module) pickSource(pcb *PCB, dst ipaddr.Addr, nif *netif.Interface) (ipaddr.Addr, error) {
	if dst.Is4() {
		if pcb.LocalIP.Is4() && !pcb.LocalIP.IsAny() && !pcb.LocalIP.IsMulticast() {
			return pcb.LocalIP, nil
		}
		return ipaddr.MakeV4(nif.IP4Addr), nil
	}
	if pcb.LocalIP.Is6() && !pcb.LocalIP.IsAny() && !pcb.LocalIP.IsMulticast() {
		// The bound address must still be assigned and usable.
		slot := nif.AddrSlotOf(pcb.LocalIP.V6())
		if slot < 0 || !nif.IP6[slot].State.IsValid() {
			return ipaddr.Addr{}, stackerr.ErrRoute
		}
		return pcb.LocalIP, nil
	}
	s, ok := nif.SelectSourceV6(dst.V6())
	if !ok {
		return ipaddr.Addr{}, stackerr.ErrRoute
	}
	return ipaddr.MakeV6(s), nil
}

func (m *Module) sendInternal(pcb *PCB, p *pbuf.Pbuf, dst ipaddr.Addr, dstPort uint16, nif *netif.Interface, src ipaddr.Addr, haveChksum bool, chksum uint16) error {
	if !pcb.LocalIP.FamilyMatches(dst) || src.Type() != dst.Type() {
		return stackerr.ErrArg
	}
	if dst.Is4() && nif.IsBroadcast(dst.V4()) && pcb.Flags&FlagBroadcast == 0 {
		return stackerr.ErrValue
	}
	if pcb.LocalPort == 0 {
		if err := m.Bind(pcb, pcb.LocalIP, 0); err != nil {
			return err
		}
	}

	q := p
	grown := false
	if err := p.AddHeader(HeaderLen); err == nil {
		grown = true
	} else {
		h, err := pbuf.Alloc(pbuf.LayerIP, HeaderLen, pbuf.KindHeap)
		if err != nil {
			m.st.UDP.MemErr.Inc()
			return stackerr.ErrNoMem
		}
		h.Chain(p)
		q = h
	}
	restore := func() {
		if grown {
			p.RemoveHeader(HeaderLen)
		} else {
			q.Free()
		}
	}

	tot := q.TotLen()
	if tot > 0xFFFF {
		restore()
		return stackerr.ErrValue
	}

	lite := pcb.Flags&FlagLite != 0
	proto := uint8(ProtoUDP)
	lenField := tot
	sumCov := tot
	if lite {
		proto = ProtoUDPLite
		cov := int(pcb.ChksumLenTx)
		if cov != 0 && cov < HeaderLen {
			restore()
			return stackerr.ErrValue
		}
		if cov == 0 || cov > tot {
			cov = tot
		}
		lenField = int(pcb.ChksumLenTx)
		sumCov = cov
	}

	hdr := q.Payload()[:HeaderLen]
	binary.BigEndian.PutUint16(hdr[0:2], pcb.LocalPort)
	binary.BigEndian.PutUint16(hdr[2:4], dstPort)
	binary.BigEndian.PutUint16(hdr[4:6], uint16(lenField))
	binary.BigEndian.PutUint16(hdr[6:8], 0)

	var ck uint16
	switch {
	case dst.Is4() && !lite && pcb.Flags&FlagNoCksum != 0:
		ck = 0
	case haveChksum:
		var ac uint32
		ac = inetsum.Partial(hdr)
		ac += uint32(chksum)
		if dst.Is4() {
			ac += inetsum.PseudoSumV4(proto, src.V4(), dst.V4(), uint16(tot))
		} else {
			ac += inetsum.PseudoSumV6(proto, src.V6(), dst.V6(), uint32(tot))
		}
		ck = ^inetsum.Fold(ac)
		if ck == 0 {
			ck = 0xFFFF
		}
	case dst.Is4():
		if lite {
			ck = inetsum.PseudoPartialV4(proto, src.V4(), dst.V4(), sumCov, q)
		} else {
			ck = inetsum.PseudoV4(proto, src.V4(), dst.V4(), q)
		}
		if ck == 0 {
			ck = 0xFFFF
		}
	default:
		if lite {
			ck = inetsum.PseudoPartialV6(proto, src.V6(), dst.V6(), sumCov, q)
		} else {
			ck = inetsum.PseudoV6(proto, src.V6(), dst.V6(), q)
		}
		if ck == 0 {
			ck = 0xFFFF
		}
	}
	binary.BigEndian.PutUint16(hdr[6:8], ck)

	ttl := pcb.TTL
	if dst.IsMulticast() {
		ttl = pcb.McastTTL
	}
	if pcb.Flags&FlagMulticastLoop != 0 && dst.IsMulticast() {
		q.Flags |= pbuf.FlagMulticastLoop
	}

	var err error
	if dst.Is4() {
		err = nif.OutputV4(q, src.V4(), dst.V4(), ttl, pcb.TOS, proto, nil)
	} else {
		err = nif.OutputV6(q, src.V6(), dst.V6(), ttl, proto)
	}
	if err == nil {
		m.st.UDP.Xmit.Inc()
	}
	restore()
	return err
}
