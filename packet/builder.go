/*
 * Copyright (c) 2024, Psiphon Inc.
 * All rights reserved.
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU General Public License for more details.
 *
 * You should have received a copy of the GNU General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 *
 */

package packet

import (
	"net"
	"net/netip"

	"github.com/faisal-ameer/ToyShark/common/errors"
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// TCPFlags selects the control flags set on a synthesized TCP segment.
type TCPFlags struct {
	FIN, SYN, RST, PSH, ACK bool
}

// BuildTCPPacket synthesizes an IPv4 TCP packet from source to destination
// with the given sequence and acknowledgement numbers, flags, and payload.
// Length fields and checksums are computed. The packet is used to relay
// server responses back into the virtual interface, and by tests.
func BuildTCPPacket(
	source, destination netip.AddrPort,
	sequenceNumber, acknowledgementNumber uint32,
	flags TCPFlags,
	payload []byte) ([]byte, error) {

	if !source.Addr().Is4() || !destination.Addr().Is4() {
		return nil, errors.TraceNew("IPv4 address required")
	}

	ip := &layers.IPv4{
		Version:  4,
		IHL:      5,
		TTL:      64,
		Protocol: layers.IPProtocolTCP,
		SrcIP:    net.IP(source.Addr().AsSlice()),
		DstIP:    net.IP(destination.Addr().AsSlice()),
	}

	tcp := &layers.TCP{
		SrcPort:    layers.TCPPort(source.Port()),
		DstPort:    layers.TCPPort(destination.Port()),
		Seq:        sequenceNumber,
		Ack:        acknowledgementNumber,
		DataOffset: 5,
		FIN:        flags.FIN,
		SYN:        flags.SYN,
		RST:        flags.RST,
		PSH:        flags.PSH,
		ACK:        flags.ACK,
		Window:     65535,
	}

	err := tcp.SetNetworkLayerForChecksum(ip)
	if err != nil {
		return nil, errors.Trace(err)
	}

	buffer := gopacket.NewSerializeBuffer()
	err = gopacket.SerializeLayers(
		buffer,
		gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true},
		ip, tcp, gopacket.Payload(payload))
	if err != nil {
		return nil, errors.Trace(err)
	}

	return buffer.Bytes(), nil
}

// BuildUDPPacket synthesizes an IPv4 UDP packet from source to destination
// with the given payload. Length fields and checksums are computed.
func BuildUDPPacket(
	source, destination netip.AddrPort,
	payload []byte) ([]byte, error) {

	if !source.Addr().Is4() || !destination.Addr().Is4() {
		return nil, errors.TraceNew("IPv4 address required")
	}

	ip := &layers.IPv4{
		Version:  4,
		IHL:      5,
		TTL:      64,
		Protocol: layers.IPProtocolUDP,
		SrcIP:    net.IP(source.Addr().AsSlice()),
		DstIP:    net.IP(destination.Addr().AsSlice()),
	}

	udp := &layers.UDP{
		SrcPort: layers.UDPPort(source.Port()),
		DstPort: layers.UDPPort(destination.Port()),
	}

	err := udp.SetNetworkLayerForChecksum(ip)
	if err != nil {
		return nil, errors.Trace(err)
	}

	buffer := gopacket.NewSerializeBuffer()
	err = gopacket.SerializeLayers(
		buffer,
		gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true},
		ip, udp, gopacket.Payload(payload))
	if err != nil {
		return nil, errors.Trace(err)
	}

	return buffer.Bytes(), nil
}
