// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

// Package netif models network interfaces and the interface table:
// per-interface addresses (one IPv4, a few IPv6 slots with lifecycle
// state), feature flags, transmit and multicast-filter hooks, and
// route selection over the table.
package netif

import (
	"net/netip"

	"go4.org/netipx"

	"github.com/piconet-io/picostack/net/ipaddr"
	"github.com/piconet-io/picostack/net/pbuf"
	"github.com/piconet-io/picostack/types/logger"
	"github.com/piconet-io/picostack/types/stackerr"
)

// Flags are per-interface capability and state bits.
type Flags uint16

const (
	// FlagUp means the interface is administratively up.
	FlagUp Flags = 1 << iota
	// FlagBroadcast means the link supports broadcast delivery.
	FlagBroadcast
	// FlagMulticast means the link supports multicast delivery.
	FlagMulticast
	// FlagEthernet means the link uses Ethernet framing.
	FlagEthernet
	// FlagIGMP enables the IGMP host on this interface.
	FlagIGMP
	// FlagMLD enables the MLD host on this interface.
	FlagMLD
)

// MaxAddrsPerInterface is the number of IPv6 address slots per
// interface. Slot 0 conventionally holds the link-local address.
const MaxAddrsPerInterface = 3

// ClientDataID indexes the opaque per-interface slots that protocol
// modules hang their per-interface state off.
type ClientDataID uint8

const (
	ClientDataIGMP ClientDataID = iota
	ClientDataDHCP6
	numClientData
)

// IP6Slot is one IPv6 address assignment with its lifecycle state
// and remaining lifetimes in seconds.
type IP6Slot struct {
	Addr          ipaddr.IP6
	State         ipaddr.AddrState
	ValidLife     uint32
	PreferredLife uint32
}

// FilterAction selects what a multicast filter hook should do.
type FilterAction uint8

const (
	FilterAdd FilterAction = iota
	FilterDel
)

// Interface is one attachment point to a link.
//
// The transmit hooks hand a finished packet chain to the link layer;
// the caller keeps ownership of the chain. OutputV4's opts carries
// IPv4 header options (such as Router Alert) or nil.
type Interface struct {
	Name string
	MTU  int

	Flags Flags

	IP4Addr    ipaddr.IP4
	IP4Netmask ipaddr.IP4
	IP4Gateway ipaddr.IP4

	IP6 [MaxAddrsPerInterface]IP6Slot

	OutputV4 func(p *pbuf.Pbuf, src, dst ipaddr.IP4, ttl, tos, proto uint8, opts []byte) error
	OutputV6 func(p *pbuf.Pbuf, src, dst ipaddr.IP6, hopLimit, proto uint8) error

	// MulticastFilter reconfigures the link-layer multicast filter
	// for an IPv4 group. Nil when the link has no filter.
	MulticastFilter func(group ipaddr.IP4, action FilterAction) error
	// MulticastFilterV6 is the IPv6 counterpart.
	MulticastFilterV6 func(group ipaddr.IP6, action FilterAction) error

	idx        uint8
	clientData [numClientData]any
}

// Index returns the interface's table index, nonzero once added.
func (n *Interface) Index() uint8 { return n.idx }

func (n *Interface) IsUp() bool { return n.Flags&FlagUp != 0 }

// ClientData returns the opaque slot for id.
func (n *Interface) ClientData(id ClientDataID) any { return n.clientData[id] }

// SetClientData stores v in the opaque slot for id.
func (n *Interface) SetClientData(id ClientDataID, v any) { n.clientData[id] = v }

// PrefixV4 returns the interface's IPv4 network as a netip.Prefix.
func (n *Interface) PrefixV4() netip.Prefix {
	bits := 0
	for m := uint32(n.IP4Netmask); m&0x80000000 != 0; m <<= 1 {
		bits++
	}
	return netip.PrefixFrom(n.IP4Addr.Netip(), bits).Masked()
}

// SubnetBroadcast returns the directed broadcast address of the
// interface's IPv4 network.
func (n *Interface) SubnetBroadcast() ipaddr.IP4 {
	return ipaddr.IP4FromNetip(netipx.PrefixLastIP(n.PrefixV4()))
}

// IsBroadcast reports whether addr is a broadcast destination on
// this interface: the global broadcast (or old-style all-zeros), or
// the subnet broadcast of the interface's network when the link is
// broadcast-capable.
func (n *Interface) IsBroadcast(addr ipaddr.IP4) bool {
	if addr.IsGlobalBroadcast() || addr.IsAny() {
		return true
	}
	if n.Flags&FlagBroadcast == 0 {
		return false
	}
	if addr == n.IP4Addr {
		return false
	}
	if n.IP4Addr.IsAny() {
		return false
	}
	return addr.NetEq(n.IP4Addr, n.IP4Netmask) && addr == n.IP4Addr.BroadcastOf(n.IP4Netmask)
}

// AddAddrV6 assigns ip to a free slot (or the given slot if
// slot >= 0) with the given initial state. Scoped addresses get the
// interface's zone.
func (n *Interface) AddAddrV6(slot int, ip ipaddr.IP6, state ipaddr.AddrState) (int, error) {
	if slot < 0 {
		for i := range n.IP6 {
			if n.IP6[i].State.IsInvalid() {
				slot = i
				break
			}
		}
		if slot < 0 {
			return -1, stackerr.ErrNoMem
		}
	}
	if slot >= MaxAddrsPerInterface {
		return -1, stackerr.ErrArg
	}
	if ip.HasScope(ipaddr.ScopeUnknown) {
		ip = ip.WithZone(n.idx)
	}
	n.IP6[slot] = IP6Slot{Addr: ip, State: state, ValidLife: ipaddr.LifeInfinite, PreferredLife: ipaddr.LifeInfinite}
	return slot, nil
}

// AddrSlotOf returns the slot index holding ip (zone checked when
// ip carries one), or -1.
func (n *Interface) AddrSlotOf(ip ipaddr.IP6) int {
	for i := range n.IP6 {
		s := &n.IP6[i]
		if s.State.IsInvalid() {
			continue
		}
		if !s.Addr.EqZoneless(ip) {
			continue
		}
		if ip.HasZone() && ip.Zone != n.idx {
			continue
		}
		return i
	}
	return -1
}

// SetAddrStateV6 transitions a slot's lifecycle state.
func (n *Interface) SetAddrStateV6(slot int, state ipaddr.AddrState) {
	n.IP6[slot].State = state
}

// Table is the set of attached interfaces plus the default route.
type Table struct {
	logf    logger.Logf
	list    []*Interface
	def     *Interface
	nextIdx uint8
}

// NewTable returns an empty interface table.
func NewTable(logf logger.Logf) *Table {
	if logf == nil {
		logf = logger.Discard
	}
	return &Table{logf: logf, nextIdx: 1}
}

// Add attaches nif, assigning its index.
func (t *Table) Add(nif *Interface) error {
	if nif.idx != 0 {
		return stackerr.ErrInUse
	}
	if t.nextIdx == 0 {
		return stackerr.ErrNoMem // index space exhausted
	}
	nif.idx = t.nextIdx
	t.nextIdx++
	t.list = append(t.list, nif)
	t.logf("netif: added %s (index %d)", nif.Name, nif.idx)
	return nil
}

// Remove detaches nif. The default route is cleared if it pointed
// at nif.
func (t *Table) Remove(nif *Interface) {
	for i, n := range t.list {
		if n == nif {
			t.list = append(t.list[:i], t.list[i+1:]...)
			break
		}
	}
	if t.def == nif {
		t.def = nil
	}
}

// ByIndex returns the interface with the given index, or nil.
func (t *Table) ByIndex(idx uint8) *Interface {
	for _, n := range t.list {
		if n.idx == idx {
			return n
		}
	}
	return nil
}

// ByName returns the interface with the given name, or nil.
func (t *Table) ByName(name string) *Interface {
	for _, n := range t.list {
		if n.Name == name {
			return n
		}
	}
	return nil
}

// SetDefault makes nif the default route target.
func (t *Table) SetDefault(nif *Interface) { t.def = nif }

// Default returns the default route target, or nil.
func (t *Table) Default() *Interface { return t.def }

// ForEach visits every interface until f returns false.
func (t *Table) ForEach(f func(*Interface) bool) {
	for _, n := range t.list {
		if !f(n) {
			return
		}
	}
}

// RouteV4 picks the interface for an IPv4 destination: the first up
// interface whose network contains dst, else the default interface
// if it is up.
func (t *Table) RouteV4(dst ipaddr.IP4) *Interface {
	for _, n := range t.list {
		if !n.IsUp() || n.IP4Addr.IsAny() {
			continue
		}
		if dst.NetEq(n.IP4Addr, n.IP4Netmask) {
			return n
		}
	}
	if t.def != nil && t.def.IsUp() {
		return t.def
	}
	return nil
}

// RouteV6 picks the interface for an IPv6 destination. A zoned
// destination pins the interface outright. Otherwise prefer an
// interface with an on-link /64, then one owning src, then the
// default interface.
func (t *Table) RouteV6(src, dst ipaddr.IP6) *Interface {
	if dst.HasZone() {
		if n := t.ByIndex(dst.Zone); n != nil && n.IsUp() {
			return n
		}
		return nil
	}
	for _, n := range t.list {
		if !n.IsUp() {
			continue
		}
		for i := range n.IP6 {
			s := &n.IP6[i]
			if s.State.IsValid() && s.Addr.NetEq(dst) {
				return n
			}
		}
	}
	if !src.IsAny() {
		for _, n := range t.list {
			if n.IsUp() && n.AddrSlotOf(src) >= 0 {
				return n
			}
		}
	}
	if t.def != nil && t.def.IsUp() {
		return t.def
	}
	return nil
}

// SelectZone returns ip with a zone assigned, when ip is scoped and
// zoneless. The zone comes from src when src carries one, else from
// the first up interface the address could belong to.
func (t *Table) SelectZone(ip, src ipaddr.IP6) ipaddr.IP6 {
	if !ip.LacksZone(ipaddr.ScopeUnknown) {
		return ip
	}
	if src.HasZone() {
		return ip.WithZone(src.Zone)
	}
	for _, n := range t.list {
		if !n.IsUp() {
			continue
		}
		if ip.IsMulticastIfaceLocal() {
			return ip.WithZone(n.idx)
		}
		// Link-local destination: pick an interface that has a
		// link-local address of its own.
		for i := range n.IP6 {
			s := &n.IP6[i]
			if !s.State.IsInvalid() && s.Addr.IsLinkLocal() {
				return ip.WithZone(n.idx)
			}
		}
	}
	return ip
}

// scopeClass buckets addresses for source selection: smaller is
// narrower.
func scopeClass(ip ipaddr.IP6) int {
	if ip.IsMulticast() {
		switch ip.MulticastScope() {
		case ipaddr.McastScopeIfaceLocal, ipaddr.McastScopeLinkLocal:
			return 1
		case ipaddr.McastScopeAdminLocal, ipaddr.McastScopeSiteLocal:
			return 2
		default:
			return 3
		}
	}
	if ip.IsLinkLocal() || ip.IsLoopback() {
		return 1
	}
	if ip.IsUniqueLocal() || ip.IsSiteLocal() {
		return 2
	}
	return 3
}

// SelectSourceV6 picks the best valid source address on nif for a
// destination: exact match first, then matching scope, then
// preferred over deprecated, then longest common prefix.
func (n *Interface) SelectSourceV6(dst ipaddr.IP6) (ipaddr.IP6, bool) {
	dstClass := scopeClass(dst)
	best := -1
	bestScore := -1
	for i := range n.IP6 {
		s := &n.IP6[i]
		if !s.State.IsValid() {
			continue
		}
		if s.Addr.EqZoneless(dst) {
			return s.Addr, true
		}
		class := scopeClass(s.Addr)
		score := 0
		switch {
		case class == dstClass:
			score = 2 << 10
		case class > dstClass:
			score = 1 << 10
		}
		if s.State.IsPreferred() {
			score += 1 << 9
		}
		score += s.Addr.CommonPrefixBits(dst)
		if score > bestScore {
			bestScore = score
			best = i
		}
	}
	if best < 0 {
		return ipaddr.IP6{}, false
	}
	return n.IP6[best].Addr, true
}
