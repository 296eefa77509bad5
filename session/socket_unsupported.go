//go:build !darwin && !linux

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

package session

import (
	"net/netip"

	"github.com/faisal-ameer/ToyShark/common/errors"
)

func newTCPSocket(
	_ netip.AddrPort, _ Protector, _ int) (int, bool, error) {

	return -1, false, errors.TraceNew("platform not supported")
}

func newUDPSocket(_ netip.AddrPort, _ Protector) (int, error) {
	return -1, errors.TraceNew("platform not supported")
}

func finishConnect(_ int) error {
	return errors.TraceNew("platform not supported")
}

func readSocket(_ int, _ []byte) (int, bool, error) {
	return 0, false, errors.TraceNew("platform not supported")
}

func writeSocket(_ int, _ []byte) (int, error) {
	return 0, errors.TraceNew("platform not supported")
}

func closeSocket(_ int) error {
	return nil
}
