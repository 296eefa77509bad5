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
	"github.com/faisal-ameer/ToyShark/common/errors"
)

// Protector exempts sockets from the packet interception path. On
// platforms where intercepted traffic is routed back through the
// interceptor, every outbound socket the session layer creates must be
// protected before it connects, or its own traffic would loop back into
// the interceptor.
//
// Protect is called with the raw socket file descriptor after the socket
// is created and before any connect is attempted.
type Protector interface {
	Protect(socketFD int) error
}

// protectSocket applies the Protector, if any, to a new socket. A nil
// Protector is a no-op, for hosts where no interception loop exists.
func protectSocket(socketFD int, protector Protector) error {
	if protector == nil {
		return nil
	}
	err := protector.Protect(socketFD)
	if err != nil {
		return errors.Trace(err)
	}
	return nil
}
