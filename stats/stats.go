// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

// Package stats carries the packet counters kept by the stack core.
package stats

import "github.com/prometheus/client_golang/prometheus"

// Proto is the counter set kept per protocol.
type Proto struct {
	Xmit     prometheus.Counter // transmitted packets
	Recv     prometheus.Counter // received packets
	Drop     prometheus.Counter // packets dropped before delivery
	ChkErr   prometheus.Counter // checksum errors
	LenErr   prometheus.Counter // length errors
	ProtoErr Counter            // protocol errors (no listener, bad fields)
	RouteErr prometheus.Counter // routing errors
	MemErr   prometheus.Counter // allocation failures
}

// Counter is an alias so callers don't import prometheus for the type.
type Counter = prometheus.Counter

// VJ is the counter set kept by the header compression codec.
type VJ struct {
	Packets        prometheus.Counter // outbound TCP packets seen
	Compressed     prometheus.Counter // outbound packets compressed
	Searches       prometheus.Counter // slot list probes
	Misses         prometheus.Counter // slot list misses
	UncompressedIn prometheus.Counter // inbound uncompressed packets
	CompressedIn   prometheus.Counter // inbound compressed packets
	ErrorIn        prometheus.Counter // inbound undecodable packets
	Tossed         prometheus.Counter // inbound packets dropped awaiting resync
}

// Stats aggregates the per-protocol counters. A nil *Stats is not
// valid; use New(nil) for an unregistered set.
type Stats struct {
	UDP    Proto
	IGMP   Proto
	DHCP6  Proto
	VJComp VJ
}

// New returns a Stats whose counters are registered on reg.
// A nil reg leaves the counters unregistered, which is what
// tests and single-use tools want.
func New(reg prometheus.Registerer) *Stats {
	return &Stats{
		UDP:    newProto(reg, "udp"),
		IGMP:   newProto(reg, "igmp"),
		DHCP6:  newProto(reg, "dhcp6"),
		VJComp: newVJ(reg),
	}
}

func newVJ(reg prometheus.Registerer) VJ {
	mk := func(name, help string) prometheus.Counter {
		c := prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "picostack",
			Subsystem: "vjcomp",
			Name:      name,
			Help:      help,
		})
		if reg != nil {
			reg.MustRegister(c)
		}
		return c
	}
	return VJ{
		Packets:        mk("packets_total", "outbound TCP packets seen"),
		Compressed:     mk("compressed_total", "outbound packets compressed"),
		Searches:       mk("slot_searches_total", "slot list probes"),
		Misses:         mk("slot_misses_total", "slot list misses"),
		UncompressedIn: mk("uncompressed_in_total", "inbound uncompressed packets"),
		CompressedIn:   mk("compressed_in_total", "inbound compressed packets"),
		ErrorIn:        mk("error_in_total", "inbound undecodable packets"),
		Tossed:         mk("tossed_total", "inbound packets dropped awaiting resync"),
	}
}

func newProto(reg prometheus.Registerer, subsystem string) Proto {
	mk := func(name, help string) prometheus.Counter {
		c := prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "picostack",
			Subsystem: subsystem,
			Name:      name,
			Help:      help,
		})
		if reg != nil {
			reg.MustRegister(c)
		}
		return c
	}
	return Proto{
		Xmit:     mk("xmit_packets_total", "packets transmitted"),
		Recv:     mk("recv_packets_total", "packets received"),
		Drop:     mk("dropped_packets_total", "packets dropped"),
		ChkErr:   mk("checksum_errors_total", "checksum errors"),
		LenErr:   mk("length_errors_total", "length errors"),
		ProtoErr: mk("proto_errors_total", "protocol errors"),
		RouteErr: mk("route_errors_total", "routing errors"),
		MemErr:   mk("mem_errors_total", "allocation failures"),
	}
}
