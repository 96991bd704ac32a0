// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

// Package igmp implements the IGMPv2 host side: per-interface group
// membership records, the query/report/leave state machine, and the
// 100 ms response timer.
package igmp

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
	// MinLen is the size of an IGMPv2 message. Longer packets are
	// accepted; the checksum covers what arrived.
	MinLen = 8

	// Proto is the IP protocol number of IGMP.
	Proto = 2

	// TTL is the hop limit of every outbound IGMP packet.
	TTL = 1

	// JoinDelayingTicks bounds the random delay before the
	// unsolicited report is repeated, in 100 ms ticks.
	JoinDelayingTicks = 5

	// V1DelayingTicks is the response window used for IGMPv1
	// general queries, which carry no max-response time.
	V1DelayingTicks = 100
)

// Message types.
const (
	TypeQuery    = 0x11
	TypeV1Report = 0x12
	TypeV2Report = 0x16
	TypeLeave    = 0x17
)

// AllSystems and AllRouters are the two well-known destinations of
// the protocol.
var (
	AllSystems = ipaddr.IP4FromOctets(224, 0, 0, 1)
	AllRouters = ipaddr.IP4FromOctets(224, 0, 0, 2)
)

// routerAlert is the IPv4 Router Alert option carried on every
// outbound IGMP packet.
var routerAlert = []byte{0x94, 0x04, 0x00, 0x00}

// GroupState is the RFC 2236 per-group state.
type GroupState uint8

const (
	GroupNonMember GroupState = iota
	GroupDelaying
	GroupIdle
)

// Group is one multicast membership on one interface. Groups form a
// singly linked list hanging off the interface; the all-systems
// group is always first and never removed while IGMP runs.
type Group struct {
	next *Group

	Addr         ipaddr.IP4
	State        GroupState
	Timer        uint16 // 100 ms ticks; 0 is stopped
	LastReporter bool
	Use          int
}

// Module is the IGMP host implementation over an interface table.
type Module struct {
	logf logger.Logf
	ifs  *netif.Table
	st   *stats.Stats
	rnd  *rands.Rand
}

// New returns a Module. The seed feeds the response delay jitter.
func New(logf logger.Logf, ifs *netif.Table, st *stats.Stats, seed uint64) *Module {
	if logf == nil {
		logf = logger.Discard
	}
	if st == nil {
		st = stats.New(nil)
	}
	return &Module{logf: logf, ifs: ifs, st: st, rnd: rands.NewRand(seed)}
}

// Groups returns the head of nif's group list, or nil when IGMP is
// not started there.
func (m *Module) Groups(nif *netif.Interface) *Group {
	g, _ := nif.ClientData(netif.ClientDataIGMP).(*Group)
	return g
}

func (m *Module) lookup(nif *netif.Interface, addr ipaddr.IP4) *Group {
	for g := m.Groups(nif); g != nil; g = g.next {
		if g.Addr == addr {
			return g
		}
	}
	return nil
}

// lookupCreate finds or creates the group record for addr, keeping
// the all-systems group at the head of the list.
func (m *Module) lookupCreate(nif *netif.Interface, addr ipaddr.IP4) *Group {
	if g := m.lookup(nif, addr); g != nil {
		return g
	}
	g := &Group{Addr: addr}
	head := m.Groups(nif)
	if head == nil {
		nif.SetClientData(netif.ClientDataIGMP, g)
	} else {
		g.next = head.next
		head.next = g
	}
	return g
}

func (m *Module) removeGroup(nif *netif.Interface, g *Group) {
	// The head is the all-systems group and is never removed here.
	for prev := m.Groups(nif); prev != nil; prev = prev.next {
		if prev.next == g {
			prev.next = g.next
			g.next = nil
			return
		}
	}
}

// Start begins IGMP processing on nif: the all-systems group is
// inserted in Idle state and admitted at the MAC level.
func (m *Module) Start(nif *netif.Interface) error {
	g := m.lookupCreate(nif, AllSystems)
	g.State = GroupIdle
	g.Use++
	if nif.MulticastFilter != nil {
		if err := nif.MulticastFilter(AllSystems, netif.FilterAdd); err != nil {
			return err
		}
	}
	m.logf("igmp: started on %s", nif.Name)
	return nil
}

// Stop ends IGMP processing on nif, dropping every group and its
// MAC filter entry. No leave messages are sent.
func (m *Module) Stop(nif *netif.Interface) {
	g := m.Groups(nif)
	nif.SetClientData(netif.ClientDataIGMP, nil)
	for g != nil {
		next := g.next
		if nif.MulticastFilter != nil {
			nif.MulticastFilter(g.Addr, netif.FilterDel)
		}
		g.next = nil
		g = next
	}
}

// Join adds a membership for addr on nif. The first join of a group
// installs the MAC filter and sends an unsolicited report; further
// joins only bump the refcount.
func (m *Module) Join(nif *netif.Interface, addr ipaddr.IP4) error {
	if !addr.IsMulticast() || nif.Flags&netif.FlagIGMP == 0 {
		return stackerr.ErrArg
	}
	if m.Groups(nif) == nil {
		return stackerr.ErrArg // not started
	}
	g := m.lookupCreate(nif, addr)
	if g.State == GroupNonMember {
		if g.Use == 0 && nif.MulticastFilter != nil {
			if err := nif.MulticastFilter(addr, netif.FilterAdd); err != nil {
				m.removeGroup(nif, g)
				return err
			}
		}
		m.send(nif, g, TypeV2Report)
		m.startTimer(g, JoinDelayingTicks)
		g.State = GroupDelaying
	}
	g.Use++
	return nil
}

// Leave drops one membership for addr on nif. The last leave sends
// a leave-group message if this host reported last, and removes the
// MAC filter entry. Leaving a group that was never joined returns
// an error.
func (m *Module) Leave(nif *netif.Interface, addr ipaddr.IP4) error {
	if !addr.IsMulticast() || addr == AllSystems {
		return stackerr.ErrArg
	}
	g := m.lookup(nif, addr)
	if g == nil {
		return stackerr.ErrArg
	}
	if g.Use > 1 {
		g.Use--
		return nil
	}
	m.removeGroup(nif, g)
	if g.LastReporter {
		m.send(nif, g, TypeLeave)
	}
	if nif.MulticastFilter != nil {
		nif.MulticastFilter(addr, netif.FilterDel)
	}
	return nil
}

// ReportGroups re-announces every membership on nif within the join
// delay window, as after an address change.
func (m *Module) ReportGroups(nif *netif.Interface) {
	g := m.Groups(nif)
	if g == nil {
		return
	}
	for g = g.next; g != nil; g = g.next {
		m.delayingMember(g, JoinDelayingTicks)
	}
}

// Input handles one received IGMP packet addressed to dst, taking
// ownership of p. The IP header has been stripped.
func (m *Module) Input(p *pbuf.Pbuf, inp *netif.Interface, dst ipaddr.IP4) {
	defer p.Free()
	m.st.IGMP.Recv.Inc()
	if p.Len() < MinLen {
		m.st.IGMP.LenErr.Inc()
		return
	}
	msg := p.Payload()
	if inetsum.Checksum(msg) != 0 {
		m.st.IGMP.ChkErr.Inc()
		return
	}
	group := m.lookup(inp, dst)
	if group == nil {
		m.st.IGMP.Drop.Inc()
		return
	}
	typ := msg[0]
	maxResp := msg[1]
	field := ipaddr.IP4(binary.BigEndian.Uint32(msg[4:8]))

	switch typ {
	case TypeQuery:
		if dst == AllSystems && field.IsAny() {
			// General query. V1 routers send no response time.
			if maxResp == 0 {
				maxResp = V1DelayingTicks
			}
			head := m.Groups(inp)
			if head == nil {
				return
			}
			for g := head.next; g != nil; g = g.next {
				m.delayingMember(g, maxResp)
			}
			return
		}
		if field.IsAny() {
			m.st.IGMP.ProtoErr.Inc()
			return
		}
		// Group-specific query, possibly sent to all-systems.
		if dst == AllSystems {
			group = m.lookup(inp, field)
		}
		if group == nil {
			m.st.IGMP.Drop.Inc()
			return
		}
		m.delayingMember(group, maxResp)
	case TypeV2Report:
		// Another member answered first; suppress ours.
		if group.State == GroupDelaying {
			group.Timer = 0
			group.State = GroupIdle
			group.LastReporter = false
		}
	default:
		m.st.IGMP.ProtoErr.Inc()
	}
}

// Tick advances every timer by one 100 ms interval.
func (m *Module) Tick() {
	m.ifs.ForEach(func(nif *netif.Interface) bool {
		for g := m.Groups(nif); g != nil; g = g.next {
			if g.Timer > 0 {
				g.Timer--
				if g.Timer == 0 {
					m.timeout(nif, g)
				}
			}
		}
		return true
	})
}

func (m *Module) timeout(nif *netif.Interface, g *Group) {
	if g.State == GroupDelaying && g.Addr != AllSystems {
		g.State = GroupIdle
		m.send(nif, g, TypeV2Report)
	}
}

// startTimer arms g with a uniform random delay in [1, maxTime]
// ticks.
func (m *Module) startTimer(g *Group, maxTime uint8) {
	if maxTime > 0 {
		g.Timer = uint16(m.rnd.Uint32()%uint32(maxTime)) + 1
	} else {
		g.Timer = 1
	}
}

// delayingMember arms the response timer for a query, shortening an
// already running timer but never lengthening it.
func (m *Module) delayingMember(g *Group, maxResp uint8) {
	if g.State == GroupIdle ||
		(g.State == GroupDelaying && (g.Timer == 0 || uint16(maxResp) < g.Timer)) {
		m.startTimer(g, maxResp)
		g.State = GroupDelaying
	}
}

// send emits one report or leave for g. Reports go to the group
// itself and record us as last reporter; leaves go to all-routers.
func (m *Module) send(nif *netif.Interface, g *Group, typ uint8) {
	p, err := pbuf.Alloc(pbuf.LayerTransport, MinLen, pbuf.KindHeap)
	if err != nil {
		m.st.IGMP.MemErr.Inc()
		return
	}
	defer p.Free()

	dst := g.Addr
	if typ == TypeLeave {
		dst = AllRouters
	} else {
		g.LastReporter = true
	}

	msg := p.Payload()
	msg[0] = typ
	msg[1] = 0
	binary.BigEndian.PutUint16(msg[2:4], 0)
	binary.BigEndian.PutUint32(msg[4:8], uint32(g.Addr))
	binary.BigEndian.PutUint16(msg[2:4], inetsum.Checksum(msg))

	if err := nif.OutputV4(p, nif.IP4Addr, dst, TTL, 0, Proto, routerAlert); err != nil {
		m.logf("igmp: send to %v failed: %v", dst, err)
		return
	}
	m.st.IGMP.Xmit.Inc()
}
