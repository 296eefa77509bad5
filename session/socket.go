//go:build darwin || linux

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
	"golang.org/x/sys/unix"
)

// newTCPSocket creates a non-blocking TCP socket, protects it, and starts
// connecting it to the remote address. The returned connected flag is false
// when the connect is still in progress, in which case connect completion
// is observed via write readiness and checked with finishConnect.
func newTCPSocket(
	remote netip.AddrPort,
	protector Protector,
	receiveBufferSize int) (int, bool, error) {

	domain := unix.AF_INET
	if remote.Addr().Is6() {
		domain = unix.AF_INET6
	}

	socketFD, err := unix.Socket(domain, unix.SOCK_STREAM, 0)
	if err != nil {
		return -1, false, errors.Trace(err)
	}

	unix.CloseOnExec(socketFD)

	err = unix.SetNonblock(socketFD, true)
	if err != nil {
		unix.Close(socketFD)
		return -1, false, errors.Trace(err)
	}

	err = protectSocket(socketFD, protector)
	if err != nil {
		unix.Close(socketFD)
		return -1, false, errors.Trace(err)
	}

	err = unix.SetsockoptInt(socketFD, unix.SOL_SOCKET, unix.SO_KEEPALIVE, 1)
	if err != nil {
		unix.Close(socketFD)
		return -1, false, errors.Trace(err)
	}

	err = unix.SetsockoptInt(socketFD, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)
	if err != nil {
		unix.Close(socketFD)
		return -1, false, errors.Trace(err)
	}

	if receiveBufferSize > 0 {
		// A hint; the kernel may clamp it.
		_ = unix.SetsockoptInt(
			socketFD, unix.SOL_SOCKET, unix.SO_RCVBUF, receiveBufferSize)
	}

	sockAddr, err := sockaddrFromAddrPort(remote)
	if err != nil {
		unix.Close(socketFD)
		return -1, false, errors.Trace(err)
	}

	err = unix.Connect(socketFD, sockAddr)
	if err == unix.EINPROGRESS {
		return socketFD, false, nil
	}
	if err != nil {
		unix.Close(socketFD)
		return -1, false, errors.Trace(err)
	}

	return socketFD, true, nil
}

// newUDPSocket creates a non-blocking UDP socket, protects it, and connects
// it to the remote address. UDP connects complete immediately.
func newUDPSocket(
	remote netip.AddrPort, protector Protector) (int, error) {

	domain := unix.AF_INET
	if remote.Addr().Is6() {
		domain = unix.AF_INET6
	}

	socketFD, err := unix.Socket(domain, unix.SOCK_DGRAM, 0)
	if err != nil {
		return -1, errors.Trace(err)
	}

	unix.CloseOnExec(socketFD)

	err = unix.SetNonblock(socketFD, true)
	if err != nil {
		unix.Close(socketFD)
		return -1, errors.Trace(err)
	}

	err = protectSocket(socketFD, protector)
	if err != nil {
		unix.Close(socketFD)
		return -1, errors.Trace(err)
	}

	sockAddr, err := sockaddrFromAddrPort(remote)
	if err != nil {
		unix.Close(socketFD)
		return -1, errors.Trace(err)
	}

	err = unix.Connect(socketFD, sockAddr)
	if err != nil {
		unix.Close(socketFD)
		return -1, errors.Trace(err)
	}

	return socketFD, nil
}

func sockaddrFromAddrPort(addrPort netip.AddrPort) (unix.Sockaddr, error) {

	addr := addrPort.Addr()

	if addr.Is4() || addr.Is4In6() {
		sockAddr := &unix.SockaddrInet4{Port: int(addrPort.Port())}
		sockAddr.Addr = addr.Unmap().As4()
		return sockAddr, nil
	}

	if addr.Is6() {
		sockAddr := &unix.SockaddrInet6{Port: int(addrPort.Port())}
		sockAddr.Addr = addr.As16()
		return sockAddr, nil
	}

	return nil, errors.Tracef("invalid address: %s", addrPort)
}

// finishConnect checks the outcome of an in-progress non-blocking connect
// once the socket has reported write readiness.
func finishConnect(socketFD int) error {

	socketErrno, err := unix.GetsockoptInt(
		socketFD, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return errors.Trace(err)
	}

	if socketErrno != 0 {
		return errors.Trace(unix.Errno(socketErrno))
	}

	return nil
}

// readSocket performs a non-blocking read. It returns 0 bytes and no error
// when the socket has no data available, and eof true when the peer has
// closed the connection.
func readSocket(socketFD int, buffer []byte) (int, bool, error) {

	for {
		n, err := unix.Read(socketFD, buffer)
		if err == unix.EINTR {
			continue
		}
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			return 0, false, nil
		}
		if err != nil {
			return 0, false, errors.Trace(err)
		}
		if n == 0 {
			return 0, true, nil
		}
		return n, false, nil
	}
}

// writeSocket performs a non-blocking write, returning the number of bytes
// accepted by the kernel. A full socket buffer is not an error; the write
// simply accepts fewer bytes, possibly zero.
func writeSocket(socketFD int, data []byte) (int, error) {

	for {
		n, err := unix.Write(socketFD, data)
		if err == unix.EINTR {
			continue
		}
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			return 0, nil
		}
		if err != nil {
			return 0, errors.Trace(err)
		}
		return n, nil
	}
}

func closeSocket(socketFD int) error {
	return unix.Close(socketFD)
}
