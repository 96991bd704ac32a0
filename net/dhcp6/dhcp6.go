// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

// Package dhcp6 implements a stateless DHCPv6 client (RFC 3736): an
// Information-Request / Reply exchange that learns recursive DNS and
// SNTP servers for interfaces configuring their addresses via SLAAC.
//
// One Client per interface lives in the interface's DHCP6 client-data
// slot and runs over its own UDP PCB pinned to that interface. The
// owner drives retransmission by calling Module.Tick every 500 ms.
package dhcp6

import (
	"encoding/binary"
	"time"

	"github.com/piconet-io/picostack/net/ipaddr"
	"github.com/piconet-io/picostack/net/netif"
	"github.com/piconet-io/picostack/net/pbuf"
	"github.com/piconet-io/picostack/net/udp"
	"github.com/piconet-io/picostack/stats"
	"github.com/piconet-io/picostack/tstime"
	"github.com/piconet-io/picostack/types/logger"
	"github.com/piconet-io/picostack/types/stackerr"
	"github.com/piconet-io/picostack/util/rands"
)

const (
	// ClientPort and ServerPort are the well-known DHCPv6 UDP ports.
	ClientPort = 546
	ServerPort = 547

	// TickIntervalMs is the period the owner calls Module.Tick at.
	TickIntervalMs = 500

	headerLen = 4 // msgtype + 3-byte transaction id
)

// Message types.
const (
	MsgSolicit     = 1
	MsgAdvertise   = 2
	MsgRequest     = 3
	MsgConfirm     = 4
	MsgRenew       = 5
	MsgRebind      = 6
	MsgReply       = 7
	MsgRelease     = 8
	MsgDecline     = 9
	MsgReconfigure = 10
	MsgInfoRequest = 11
)

// Option codes.
const (
	OptClientID    = 1
	OptServerID    = 2
	OptORO         = 6
	OptElapsedTime = 8
	OptStatusCode  = 13
	OptDNSServers  = 23
	OptDomainList  = 24
	OptSNTPServers = 31
)

// Status codes carried in OptStatusCode.
const (
	StatusSuccess      = 0
	StatusUnspecFail   = 1
	StatusNoAddrsAvail = 2
	StatusNoBinding    = 3
	StatusNotOnLink    = 4
	StatusUseMulticast = 5
)

// MaxDNSServers and MaxSNTPServers bound how many server addresses
// are taken from one Reply.
const (
	MaxDNSServers  = 2
	MaxSNTPServers = 2
)

// State is the per-interface client state.
type State uint8

const (
	StateOff State = iota
	StateStatelessIdle
	StateRequestingConfig
)

func (s State) String() string {
	switch s {
	case StateOff:
		return "off"
	case StateStatelessIdle:
		return "idle"
	case StateRequestingConfig:
		return "requesting-config"
	}
	return "invalid"
}

// allServers is All_DHCP_Relay_Agents_and_Servers, ff02::1:2.
var allServers = ipaddr.MakeIP6(0xFF020000, 0, 0, 0x00010002)

// Client is the per-interface DHCPv6 state, hanging off the
// interface's DHCP6 client-data slot.
type Client struct {
	nif *netif.Interface
	pcb *udp.PCB

	xid     uint32 // transaction id of the request in flight
	state   State
	tries   uint8
	started time.Time // when the exchange in flight began

	// requestTimeout is the number of ticks until the request in
	// flight is retransmitted; 0 means no request pending.
	requestTimeout uint16

	// requestConfigPending remembers a config request issued while
	// the client could not serve it.
	requestConfigPending bool
}

// State returns the client's state machine state.
func (c *Client) State() State { return c.state }

// Module owns the DHCPv6 clients across all interfaces.
type Module struct {
	logf logger.Logf
	udp  *udp.Module
	ifs  *netif.Table
	st   *stats.Stats
	rnd  *rands.Rand

	// Clock feeds the Elapsed Time option. Replaceable by tests.
	Clock tstime.Clock

	// OnDNSServers, when set, receives the recursive DNS servers
	// found in a Reply.
	OnDNSServers func(nif *netif.Interface, addrs []ipaddr.IP6)
	// OnSNTPServers, when set, receives the SNTP servers found in a
	// Reply.
	OnSNTPServers func(nif *netif.Interface, addrs []ipaddr.IP6)

	clients []*Client
}

// New returns a Module sending and receiving through um.
func New(logf logger.Logf, um *udp.Module, ifs *netif.Table, st *stats.Stats, rnd *rands.Rand) *Module {
	if logf == nil {
		logf = logger.Discard
	}
	if st == nil {
		st = stats.New(nil)
	}
	if rnd == nil {
		rnd = rands.NewRand(1)
	}
	return &Module{logf: logf, udp: um, ifs: ifs, st: st, rnd: rnd, Clock: tstime.StdClock{}}
}

func clientOf(nif *netif.Interface) *Client {
	c, _ := nif.ClientData(netif.ClientDataDHCP6).(*Client)
	return c
}

// EnableStateless starts stateless DHCPv6 on nif. Idempotent: an
// already enabled interface keeps its state.
func (m *Module) EnableStateless(nif *netif.Interface) error {
	if c := clientOf(nif); c != nil {
		if c.state != StateOff {
			return nil
		}
		c.state = StateStatelessIdle
		return nil
	}
	pcb := m.udp.NewPCBType(ipaddr.TypeV6)
	pcb.NetifIdx = nif.Index()
	pcb.Flags |= udp.FlagReuseAddr
	if err := m.udp.Bind(pcb, ipaddr.AnyOfType(ipaddr.TypeV6), ClientPort); err != nil {
		return err
	}
	c := &Client{nif: nif, pcb: pcb, state: StateStatelessIdle}
	pcb.Recv(m.recv, c)
	nif.SetClientData(netif.ClientDataDHCP6, c)
	m.clients = append(m.clients, c)
	m.logf("dhcp6: stateless enabled on %s", nif.Name)
	return nil
}

// Disable stops the client on nif and releases its PCB.
func (m *Module) Disable(nif *netif.Interface) {
	c := clientOf(nif)
	if c == nil {
		return
	}
	m.udp.Remove(c.pcb)
	nif.SetClientData(netif.ClientDataDHCP6, nil)
	for i, q := range m.clients {
		if q == c {
			m.clients = append(m.clients[:i], m.clients[i+1:]...)
			break
		}
	}
	c.state = StateOff
	m.logf("dhcp6: disabled on %s", nif.Name)
}

// RATrigger reacts to a received Router Advertisement's configuration
// flags: the other-config flag starts an Information-Request exchange.
// The managed flag would start stateful DHCPv6, which this client
// does not implement; it is accepted and ignored.
func (m *Module) RATrigger(nif *netif.Interface, managed, other bool) {
	if !other {
		return
	}
	if clientOf(nif) == nil {
		if err := m.EnableStateless(nif); err != nil {
			m.logf("dhcp6: RA trigger enable failed: %v", err)
			return
		}
	}
	m.RequestConfig(nif)
}

// RequestConfig starts (or re-starts) the Information-Request
// exchange on nif. If an exchange is already running, the request is
// remembered and served when the client goes idle.
func (m *Module) RequestConfig(nif *netif.Interface) error {
	c := clientOf(nif)
	if c == nil {
		return stackerr.ErrArg
	}
	if c.state != StateStatelessIdle {
		c.requestConfigPending = true
		return nil
	}
	c.state = StateRequestingConfig
	c.tries = 0
	c.started = m.Clock.Now()
	m.informationRequest(c)
	return nil
}

// informationRequest transmits one Information-Request and arms the
// retransmission timer with the doubling schedule of RFC 3736 §5,
// capped at a minute.
func (m *Module) informationRequest(c *Client) {
	c.xid = m.rnd.Uint32() & 0xFFFFFF

	oro := []uint16{OptDNSServers, OptDomainList, OptSNTPServers}
	msgLen := headerLen + 4 + 2*len(oro) + 4 + 2
	p, err := pbuf.Alloc(pbuf.LayerTransport, msgLen, pbuf.KindHeap)
	if err != nil {
		m.st.DHCP6.MemErr.Inc()
		return
	}
	b := p.Payload()
	b[0] = MsgInfoRequest
	b[1] = byte(c.xid >> 16)
	b[2] = byte(c.xid >> 8)
	b[3] = byte(c.xid)
	off := headerLen
	binary.BigEndian.PutUint16(b[off:], OptORO)
	binary.BigEndian.PutUint16(b[off+2:], uint16(2*len(oro)))
	off += 4
	for _, code := range oro {
		binary.BigEndian.PutUint16(b[off:], code)
		off += 2
	}
	// Elapsed time since the exchange began, in hundredths of a
	// second, saturating.
	elapsed := m.Clock.Since(c.started) / (10 * time.Millisecond)
	if elapsed > 0xFFFF {
		elapsed = 0xFFFF
	}
	binary.BigEndian.PutUint16(b[off:], OptElapsedTime)
	binary.BigEndian.PutUint16(b[off+2:], 2)
	binary.BigEndian.PutUint16(b[off+4:], uint16(elapsed))

	dst := ipaddr.MakeV6(allServers.WithZone(c.nif.Index()))
	if err := m.udp.SendToIf(c.pcb, p, dst, ServerPort, c.nif); err != nil {
		m.logf("dhcp6: send failed on %s: %v", c.nif.Name, err)
	} else {
		m.st.DHCP6.Xmit.Inc()
	}
	p.Free()

	c.tries++
	secs := uint32(60)
	if c.tries < 6 {
		secs = 1 << (c.tries - 1)
	}
	msecs := secs * 1000
	c.requestTimeout = uint16((msecs + TickIntervalMs - 1) / TickIntervalMs)
}

// Tick drives retransmission; the owner calls it every 500 ms.
func (m *Module) Tick() {
	for _, c := range m.clients {
		if c.requestTimeout == 0 {
			continue
		}
		c.requestTimeout--
		if c.requestTimeout > 0 {
			continue
		}
		if c.state == StateRequestingConfig {
			m.logf("dhcp6: request timeout on %s (try %d)", c.nif.Name, c.tries)
			m.informationRequest(c)
		}
	}
}

// recv is the UDP receive callback; arg is the *Client.
func (m *Module) recv(arg any, _ *udp.PCB, p *pbuf.Pbuf, src ipaddr.Addr, srcPort uint16) {
	defer p.Free()
	c := arg.(*Client)

	if p.TotLen() < headerLen {
		m.st.DHCP6.LenErr.Inc()
		m.st.DHCP6.Drop.Inc()
		return
	}
	msg := make([]byte, p.TotLen())
	p.CopyPartial(msg, 0)

	xid := uint32(msg[1])<<16 | uint32(msg[2])<<8 | uint32(msg[3])
	if xid != c.xid {
		m.logf("dhcp6: reply xid %06x does not match %06x", xid, c.xid)
		m.st.DHCP6.Drop.Inc()
		return
	}
	if msg[0] != MsgReply {
		m.st.DHCP6.Drop.Inc()
		return
	}
	m.st.DHCP6.Recv.Inc()
	if c.state == StateRequestingConfig {
		m.handleConfigReply(c, msg[headerLen:])
		c.state = StateStatelessIdle
		c.tries = 0
		c.requestTimeout = 0
		if c.requestConfigPending {
			c.requestConfigPending = false
			m.RequestConfig(c.nif)
		}
	}
}

// handleConfigReply walks the Reply's options and surfaces the DNS
// and SNTP server lists.
func (m *Module) handleConfigReply(c *Client, opts []byte) {
	forEachOption(opts, func(code uint16, val []byte) {
		switch code {
		case OptStatusCode:
			if len(val) >= 2 {
				if status := binary.BigEndian.Uint16(val); status != StatusSuccess {
					m.logf("dhcp6: server status %d on %s", status, c.nif.Name)
					m.st.DHCP6.ProtoErr.Inc()
				}
			}
		case OptDNSServers:
			if m.OnDNSServers != nil {
				if addrs := parseAddrs(val, MaxDNSServers); len(addrs) > 0 {
					m.OnDNSServers(c.nif, addrs)
				}
			}
		case OptSNTPServers:
			if m.OnSNTPServers != nil {
				if addrs := parseAddrs(val, MaxSNTPServers); len(addrs) > 0 {
					m.OnSNTPServers(c.nif, addrs)
				}
			}
		case OptDomainList:
			// Domain search lists are not consumed by this stack.
		}
	})
}

// forEachOption visits each well-formed {code, len, value} option;
// a truncated option ends the walk.
func forEachOption(b []byte, f func(code uint16, val []byte)) {
	for len(b) >= 4 {
		code := binary.BigEndian.Uint16(b[0:2])
		n := int(binary.BigEndian.Uint16(b[2:4]))
		if 4+n > len(b) {
			return
		}
		f(code, b[4:4+n])
		b = b[4+n:]
	}
}

func parseAddrs(val []byte, max int) []ipaddr.IP6 {
	var out []ipaddr.IP6
	for len(val) >= 16 && len(out) < max {
		out = append(out, ipaddr.MakeIP6(
			binary.BigEndian.Uint32(val[0:4]),
			binary.BigEndian.Uint32(val[4:8]),
			binary.BigEndian.Uint32(val[8:12]),
			binary.BigEndian.Uint32(val[12:16]),
		))
		val = val[16:]
	}
	return out
}
