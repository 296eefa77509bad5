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
	"encoding/binary"
	"net/netip"

	"github.com/faisal-ameer/ToyShark/common/errors"
)

// AddrToUint32 converts an IPv4 address to its 32-bit big-endian
// representation, the form used by raw IPv4 headers.
func AddrToUint32(addr netip.Addr) uint32 {
	ip := addr.As4()
	return binary.BigEndian.Uint32(ip[:])
}

// Uint32ToAddr converts a 32-bit big-endian IPv4 address representation to
// a netip.Addr.
func Uint32ToAddr(n uint32) netip.Addr {
	var ip [4]byte
	binary.BigEndian.PutUint32(ip[:], n)
	return netip.AddrFrom4(ip)
}

// FormatIPv4Address renders a 32-bit IPv4 address representation in dotted
// decimal form.
func FormatIPv4Address(n uint32) string {
	return Uint32ToAddr(n).String()
}

// ParseIPv4Address converts a dotted decimal IPv4 address to its 32-bit
// representation.
func ParseIPv4Address(address string) (uint32, error) {
	addr, err := netip.ParseAddr(address)
	if err != nil {
		return 0, errors.Trace(err)
	}
	if !addr.Is4() {
		return 0, errors.TraceNew("not an IPv4 address")
	}
	return AddrToUint32(addr), nil
}
