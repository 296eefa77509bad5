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

/*

Package packet parses and synthesizes the IPv4, TCP, and UDP headers of
packets captured from the local virtual network interface.

Only the header fields required by the session core are exposed. Parsing
does not retain references to the input packet buffer; header values are
copied out so the packet buffer may be reused by the capture loop.

*/
package packet

import (
	"net/netip"

	"github.com/faisal-ameer/ToyShark/common/errors"
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

const (
	// ProtocolTCP and ProtocolUDP are IPv4 header protocol numbers.
	ProtocolTCP = 6
	ProtocolUDP = 17

	// UDPHeaderLength is the fixed size of a UDP header.
	UDPHeaderLength = 8
)

// IPv4Header exposes the IPv4 header fields of a captured packet.
type IPv4Header struct {

	// HeaderLength is the size of the IP header in bytes, including
	// options. The transport header begins at this offset.
	HeaderLength int

	// TotalLength is the declared size of the packet, header included.
	TotalLength int

	// Protocol is the transport protocol number (ProtocolTCP/ProtocolUDP).
	Protocol uint8

	SourceIP      netip.Addr
	DestinationIP netip.Addr
}

// TCPHeader exposes the TCP header fields of a captured packet.
type TCPHeader struct {
	SourcePort      uint16
	DestinationPort uint16

	SequenceNumber        uint32
	AcknowledgementNumber uint32

	// HeaderLength is the size of the TCP header in bytes, including
	// options. The payload begins at the IP header length plus this offset.
	HeaderLength int

	FIN, SYN, RST, PSH, ACK bool
}

// UDPHeader exposes the UDP header fields of a captured packet.
type UDPHeader struct {
	SourcePort      uint16
	DestinationPort uint16

	// Length is the declared length of the datagram in bytes, including
	// the fixed UDPHeaderLength header. The declared length may overstate
	// the bytes actually present in a truncated capture.
	Length int
}

// ParseIPv4 parses the IPv4 header at the start of a captured packet.
func ParseIPv4(data []byte) (*IPv4Header, error) {

	var ip layers.IPv4
	err := ip.DecodeFromBytes(data, gopacket.NilDecodeFeedback)
	if err != nil {
		return nil, errors.Trace(err)
	}

	sourceIP, ok := netip.AddrFromSlice(ip.SrcIP.To4())
	if !ok {
		return nil, errors.TraceNew("invalid source IP address")
	}
	destinationIP, ok := netip.AddrFromSlice(ip.DstIP.To4())
	if !ok {
		return nil, errors.TraceNew("invalid destination IP address")
	}

	return &IPv4Header{
		HeaderLength:  int(ip.IHL) * 4,
		TotalLength:   int(ip.Length),
		Protocol:      uint8(ip.Protocol),
		SourceIP:      sourceIP,
		DestinationIP: destinationIP,
	}, nil
}

// ParseTCP parses the TCP header which begins at the given IP header length
// offset within a captured packet.
func ParseTCP(data []byte, ipHeaderLength int) (*TCPHeader, error) {

	if ipHeaderLength < 0 || ipHeaderLength > len(data) {
		return nil, errors.TraceNew("invalid IP header length")
	}

	var tcp layers.TCP
	err := tcp.DecodeFromBytes(data[ipHeaderLength:], gopacket.NilDecodeFeedback)
	if err != nil {
		return nil, errors.Trace(err)
	}

	return &TCPHeader{
		SourcePort:            uint16(tcp.SrcPort),
		DestinationPort:       uint16(tcp.DstPort),
		SequenceNumber:        tcp.Seq,
		AcknowledgementNumber: tcp.Ack,
		HeaderLength:          int(tcp.DataOffset) * 4,
		FIN:                   tcp.FIN,
		SYN:                   tcp.SYN,
		RST:                   tcp.RST,
		PSH:                   tcp.PSH,
		ACK:                   tcp.ACK,
	}, nil
}

// ParseUDP parses the UDP header which begins at the given IP header length
// offset within a captured packet.
func ParseUDP(data []byte, ipHeaderLength int) (*UDPHeader, error) {

	if ipHeaderLength < 0 || ipHeaderLength > len(data) {
		return nil, errors.TraceNew("invalid IP header length")
	}

	var udp layers.UDP
	err := udp.DecodeFromBytes(data[ipHeaderLength:], gopacket.NilDecodeFeedback)
	if err != nil {
		return nil, errors.Trace(err)
	}

	return &UDPHeader{
		SourcePort:      uint16(udp.SrcPort),
		DestinationPort: uint16(udp.DstPort),
		Length:          int(udp.Length),
	}, nil
}
