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
	"fmt"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"
)

// Protocol is the transport protocol of a session, using IPv4 header
// protocol numbers.
type Protocol int

const (
	ProtocolTCP Protocol = 6
	ProtocolUDP Protocol = 17
)

func (p Protocol) String() string {
	switch p {
	case ProtocolTCP:
		return "TCP"
	case ProtocolUDP:
		return "UDP"
	}
	return fmt.Sprintf("unknown(%d)", int(p))
}

// Key identifies one logical client/server connection. Local is always the
// endpoint which originated the packet flow as seen from the virtual
// interface -- the on-device application -- and Remote is the off-device
// server, regardless of which direction the packet being considered is
// traveling. Two sessions are the same if and only if their Keys are equal.
type Key struct {
	Local  netip.AddrPort
	Remote netip.AddrPort
}

// NewKey makes a Key in the fixed local-first orientation.
func NewKey(
	localIP netip.Addr, localPort uint16,
	remoteIP netip.Addr, remotePort uint16) Key {

	return Key{
		Local:  netip.AddrPortFrom(localIP, localPort),
		Remote: netip.AddrPortFrom(remoteIP, remotePort),
	}
}

func (key Key) String() string {
	return fmt.Sprintf("%s-%s", key.Local, key.Remote)
}

// Session is the state of one client/server connection: its identity, its
// outbound socket and poller registration, and the client payload bytes
// buffered for transmission.
//
// The identity, socket, and registration fields are written only at
// creation, by the Manager, and are safe to read without synchronization.
// The steady-state fields -- connected flag, last received sequence number,
// activity timestamp, pending byte buffer -- are shared between Manager
// callers and the event pump and use their own synchronization.
//
// Sessions are created and destroyed only by Manager operations. The pump
// must not use a Session after observing its closure.
type Session struct {
	// Note: 64-bit ints used with atomic operations are placed
	// at the start of struct to ensure 64-bit alignment.
	// (https://golang.org/pkg/sync/atomic/#pkg-note-BUG)
	lastActivity         int64
	lastReceivedSequence uint32
	connected            int32

	key          Key
	protocol     Protocol
	socketFD     int
	registration *Registration

	sendMutex    sync.Mutex
	pendingBytes []byte
}

func newSession(key Key, protocol Protocol, socketFD int) *Session {
	s := &Session{
		key:      key,
		protocol: protocol,
		socketFD: socketFD,
	}
	s.touch()
	return s
}

// Key returns the session's identity tuple.
func (s *Session) Key() Key {
	return s.key
}

// Protocol returns the session's transport protocol.
func (s *Session) Protocol() Protocol {
	return s.protocol
}

// SocketFD returns the session's outbound socket. The session owns the
// socket; it is closed only via Manager.CloseSession.
func (s *Session) SocketFD() int {
	return s.socketFD
}

// Registration returns the session's poller registration token.
func (s *Session) Registration() *Registration {
	return s.registration
}

// IsConnected indicates whether the transport-level connect has completed;
// for UDP, whether the default peer has been set.
func (s *Session) IsConnected() bool {
	return atomic.LoadInt32(&s.connected) == 1
}

// SetConnected records connect completion. Called by the Manager at
// creation when the non-blocking connect completes immediately, and by the
// event pump when a deferred connect resolves.
func (s *Session) SetConnected(connected bool) {
	value := int32(0)
	if connected {
		value = 1
	}
	atomic.StoreInt32(&s.connected, value)
}

// LastReceivedSequence is the highest sequence number accepted from the
// local endpoint, used to discard stale TCP retransmissions. The zero value
// means no sequence number has been recorded yet.
func (s *Session) LastReceivedSequence() uint32 {
	return atomic.LoadUint32(&s.lastReceivedSequence)
}

// SetLastReceivedSequence records the highest accepted sequence number.
// The session core only reads this value; the external packet read path
// owns advancing it.
func (s *Session) SetLastReceivedSequence(sequenceNumber uint32) {
	atomic.StoreUint32(&s.lastReceivedSequence, sequenceNumber)
}

// AppendPendingBytes copies data onto the end of the session's pending
// outbound buffer and returns the number of bytes copied. The buffer is
// drained by the event pump.
func (s *Session) AppendPendingBytes(data []byte) int {
	s.sendMutex.Lock()
	defer s.sendMutex.Unlock()
	s.pendingBytes = append(s.pendingBytes, data...)
	return len(data)
}

// TakePendingBytes removes and returns the session's entire pending
// outbound buffer, or nil when there is nothing pending.
func (s *Session) TakePendingBytes() []byte {
	s.sendMutex.Lock()
	defer s.sendMutex.Unlock()
	pending := s.pendingBytes
	s.pendingBytes = nil
	return pending
}

// RequeuePendingBytes returns an unwritten remainder to the front of the
// pending outbound buffer, preserving byte order after a partial or blocked
// write.
func (s *Session) RequeuePendingBytes(remainder []byte) {
	if len(remainder) == 0 {
		return
	}
	s.sendMutex.Lock()
	defer s.sendMutex.Unlock()
	s.pendingBytes = append(remainder, s.pendingBytes...)
}

// HasPendingBytes indicates whether outbound bytes are queued.
func (s *Session) HasPendingBytes() bool {
	s.sendMutex.Lock()
	defer s.sendMutex.Unlock()
	return len(s.pendingBytes) > 0
}

func (s *Session) touch() {
	atomic.StoreInt64(&s.lastActivity, time.Now().UnixNano())
}

func (s *Session) expired(idleExpiry time.Duration) bool {
	lastActivity := time.Unix(0, atomic.LoadInt64(&s.lastActivity))
	return time.Since(lastActivity) > idleExpiry
}
