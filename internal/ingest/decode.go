// Copyright 2024 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package ingest

import (
	"net/netip"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"github.com/relaywatch/relaywatch/internal/model"
)

// decoded is the scalar projection of one packet the Ingestor needs.
// Unlike the teacher's translator_worker.go, which builds a full
// per-layer JSON translation tree, this pipeline only needs a flow
// key, a timestamp, a wire length and a transport payload prefix per
// packet — so decodePacket stops at L4 rather than dispatching through
// packetLayerTranslatorsMap.
type decoded struct {
	key     model.FlowKey
	ts      time.Time
	length  int
	payload []byte
}

// decodePacket extracts a decoded record from pkt. ok is false for
// packets lacking a supported L3 (IPv4/IPv6) + L4 (TCP/UDP) pair; the
// caller counts these via metrics.PacketsSkipped rather than treating
// them as an ingest error, since ARP/ICMP/other noise is expected in
// any real capture.
func decodePacket(pkt gopacket.Packet) (decoded, bool) {
	var (
		d              decoded
		srcIP, dstIP   netip.Addr
		srcOK, dstOK   bool
	)

	switch {
	case pkt.Layer(layers.LayerTypeIPv4) != nil:
		ip4 := pkt.Layer(layers.LayerTypeIPv4).(*layers.IPv4)
		srcIP, srcOK = netip.AddrFromSlice(ip4.SrcIP.To4())
		dstIP, dstOK = netip.AddrFromSlice(ip4.DstIP.To4())
	case pkt.Layer(layers.LayerTypeIPv6) != nil:
		ip6 := pkt.Layer(layers.LayerTypeIPv6).(*layers.IPv6)
		srcIP, srcOK = netip.AddrFromSlice(ip6.SrcIP.To16())
		dstIP, dstOK = netip.AddrFromSlice(ip6.DstIP.To16())
	default:
		return d, false
	}
	if !srcOK || !dstOK {
		return d, false
	}

	switch {
	case pkt.Layer(layers.LayerTypeTCP) != nil:
		tcp := pkt.Layer(layers.LayerTypeTCP).(*layers.TCP)
		d.key = model.FlowKey{
			SrcAddr: srcIP.String(), SrcPort: uint16(tcp.SrcPort),
			DstAddr: dstIP.String(), DstPort: uint16(tcp.DstPort),
			Transport: model.TransportTCP,
		}
		d.payload = tcp.Payload
	case pkt.Layer(layers.LayerTypeUDP) != nil:
		udp := pkt.Layer(layers.LayerTypeUDP).(*layers.UDP)
		d.key = model.FlowKey{
			SrcAddr: srcIP.String(), SrcPort: uint16(udp.SrcPort),
			DstAddr: dstIP.String(), DstPort: uint16(udp.DstPort),
			Transport: model.TransportUDP,
		}
		d.payload = udp.Payload
	default:
		return d, false
	}

	if meta := pkt.Metadata(); meta != nil && !meta.Timestamp.IsZero() {
		d.ts = meta.Timestamp
		d.length = meta.Length
	} else {
		d.ts = time.Now().UTC()
		d.length = len(pkt.Data())
	}

	if len(d.payload) > model.PayloadPrefixMax {
		d.payload = d.payload[:model.PayloadPrefixMax]
	}

	return d, true
}
