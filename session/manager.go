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
Package session implements the connection multiplexing core of a user-space
packet interceptor. Each logical client/server connection observed on the
virtual interface is tracked as a Session, holding a protected outbound
socket registered with a shared readiness Poller. The Manager is the flow
table: it creates, finds, and destroys sessions and queues client payload
bytes for transmission; a Pump drains the Poller and moves bytes between
the queued buffers and the sockets.
*/
package session

import (
	"context"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/faisal-ameer/ToyShark/common"
	"github.com/faisal-ameer/ToyShark/common/errors"
	"github.com/faisal-ameer/ToyShark/logging"
	"github.com/faisal-ameer/ToyShark/packet"
	"github.com/marusama/semaphore"
	"golang.org/x/sync/syncmap"
)

const (
	DEFAULT_RECEIVE_BUFFER_SIZE         = 1048576
	DEFAULT_READ_BUFFER_SIZE            = 32768
	DEFAULT_SESSION_IDLE_EXPIRY_SECONDS = 60

	SESSION_REAPER_PERIOD     = 15 * time.Second
	METRICS_CHECKPOINT_PERIOD = 5 * time.Minute
)

// Config specifies the configuration for a session Manager.
type Config struct {

	// Logger is used for logging events and metrics. When nil, a
	// stderr JSON trace logger is used.
	Logger common.Logger

	// Protector exempts new sockets from packet interception before they
	// connect. When nil, sockets are not protected; this is only correct
	// on hosts with no interception loop.
	Protector Protector

	// ReceiveBufferSize is the SO_RCVBUF hint applied to new TCP sockets.
	// When 0, DEFAULT_RECEIVE_BUFFER_SIZE is used.
	ReceiveBufferSize int

	// ReadBufferSize is the size of the pump's socket read buffer. When 0,
	// DEFAULT_READ_BUFFER_SIZE is used.
	ReadBufferSize int

	// MaxSessions caps the number of live sessions. Creation fails once
	// the cap is reached, until sessions are closed. When 0, no cap is
	// applied.
	MaxSessions int

	// SessionIdleExpirySeconds specifies how long a session may remain
	// idle, with no data queued and no socket I/O, before the reaper
	// closes it. When 0, DEFAULT_SESSION_IDLE_EXPIRY_SECONDS is used.
	SessionIdleExpirySeconds int

	// ReceiveData is called by the pump with bytes read from a session's
	// socket. The data slice is valid only for the duration of the call.
	// When nil, received bytes are discarded.
	ReceiveData func(session *Session, data []byte)
}

// Manager is the flow table. It maps each (local, remote) endpoint pair to
// its Session and owns session lifecycle: socket creation, poller
// registration, payload queueing, and teardown. All operations are safe for
// concurrent use.
type Manager struct {
	config    *Config
	logger    common.Logger
	poller    *Poller
	sessions  syncmap.Map
	admission semaphore.Semaphore
	metrics   sessionMetrics

	runContext  context.Context
	stopRunning context.CancelFunc
	workers     *sync.WaitGroup
	stopped     int32
}

// NewManager initializes a Manager and its Poller. The caller must call
// Start to begin background housekeeping and Stop to release resources.
func NewManager(config *Config) (*Manager, error) {

	logger := config.Logger
	if logger == nil {
		logger = logging.NewStderrTraceLogger()
	}

	poller, err := NewPoller(logger)
	if err != nil {
		return nil, errors.Trace(err)
	}

	var admission semaphore.Semaphore
	if config.MaxSessions > 0 {
		admission = semaphore.New(config.MaxSessions)
	}

	runContext, stopRunning := context.WithCancel(context.Background())

	return &Manager{
		config:      config,
		logger:      logger,
		poller:      poller,
		admission:   admission,
		runContext:  runContext,
		stopRunning: stopRunning,
		workers:     new(sync.WaitGroup),
	}, nil
}

// Start launches the idle session reaper and the periodic metrics
// checkpointer.
func (manager *Manager) Start() {

	manager.workers.Add(1)
	go func() {
		defer manager.workers.Done()
		ticker := time.NewTicker(SESSION_REAPER_PERIOD)
		defer ticker.Stop()
		for {
			select {
			case <-manager.runContext.Done():
				return
			case <-ticker.C:
				manager.reapIdleSessions()
			}
		}
	}()

	manager.workers.Add(1)
	go func() {
		defer manager.workers.Done()
		ticker := time.NewTicker(METRICS_CHECKPOINT_PERIOD)
		defer ticker.Stop()
		for {
			select {
			case <-manager.runContext.Done():
				return
			case <-ticker.C:
				manager.metrics.checkpoint(manager.logger, "checkpoint")
			}
		}
	}()
}

// Stop halts housekeeping, closes every session and the Poller, and emits
// a final metrics checkpoint. Stop is idempotent.
func (manager *Manager) Stop() {

	if !atomic.CompareAndSwapInt32(&manager.stopped, 0, 1) {
		return
	}

	manager.stopRunning()
	manager.workers.Wait()

	manager.sessions.Range(func(key, _ interface{}) bool {
		manager.CloseSessionKey(key.(Key))
		return true
	})

	err := manager.poller.Close()
	if err != nil {
		manager.logger.WithTraceFields(
			common.LogFields{"error": err}).Warning("failed to close poller")
	}

	manager.metrics.checkpoint(manager.logger, "stop")
}

// Poller returns the Manager's readiness multiplexer, for the event pump.
func (manager *Manager) Poller() *Poller {
	return manager.poller
}

// GetSession finds the session for the given endpoint pair, or returns nil
// when no such session exists.
func (manager *Manager) GetSession(
	localIP netip.Addr, localPort uint16,
	remoteIP netip.Addr, remotePort uint16) *Session {

	return manager.GetSessionByKey(
		NewKey(localIP, localPort, remoteIP, remotePort))
}

// GetSessionByKey finds the session for the given key, or returns nil.
func (manager *Manager) GetSessionByKey(key Key) *Session {
	value, ok := manager.sessions.Load(key)
	if !ok {
		return nil
	}
	return value.(*Session)
}

// GetSessionBySocket finds the session owning the given socket, or returns
// nil. This is a linear scan over the flow table; it is called by the event
// pump, whose event rate is bounded by the poller, not by packet rate.
func (manager *Manager) GetSessionBySocket(socketFD int) *Session {
	var session *Session
	manager.sessions.Range(func(_, value interface{}) bool {
		s := value.(*Session)
		if s.SocketFD() == socketFD {
			session = s
			return false
		}
		return true
	})
	return session
}

// NewTCPSession creates a TCP session for the given endpoint pair: a
// non-blocking stream socket, protected, with its connect in flight, and
// registered with the Poller for connect, read, and write readiness.
//
// TCP session creation is not idempotent. A session already existing for
// the key indicates the caller failed to track connection state, and is an
// error.
func (manager *Manager) NewTCPSession(
	localIP netip.Addr, localPort uint16,
	remoteIP netip.Addr, remotePort uint16) (*Session, error) {

	key := NewKey(localIP, localPort, remoteIP, remotePort)

	if _, ok := manager.sessions.Load(key); ok {
		atomic.AddInt64(&manager.metrics.duplicateSessions, 1)
		return nil, errors.Tracef("session %s already exists", key)
	}

	if !manager.acquireSessionSlot() {
		atomic.AddInt64(&manager.metrics.sessionsRejected, 1)
		return nil, errors.TraceNew("session limit reached")
	}

	socketFD, connected, err := newTCPSocket(
		key.Remote, manager.config.Protector, manager.receiveBufferSize())
	if err != nil {
		manager.releaseSessionSlot()
		return nil, errors.Trace(err)
	}

	registration, err := manager.poller.Register(
		socketFD, InterestConnect|InterestRead|InterestWrite)
	if err != nil {
		closeSocket(socketFD)
		manager.releaseSessionSlot()
		atomic.AddInt64(&manager.metrics.registrationFails, 1)
		return nil, errors.Trace(err)
	}

	session := newSession(key, ProtocolTCP, socketFD)
	session.registration = registration
	session.SetConnected(connected)

	if _, loaded := manager.sessions.LoadOrStore(key, session); loaded {
		// Lost a concurrent creation race. The established session wins;
		// this one tears down its own socket.
		registration.Cancel()
		closeSocket(socketFD)
		manager.releaseSessionSlot()
		atomic.AddInt64(&manager.metrics.duplicateSessions, 1)
		return nil, errors.Tracef("session %s already exists", key)
	}

	atomic.AddInt64(&manager.metrics.tcpSessionsCreated, 1)

	manager.logger.WithTraceFields(
		common.LogFields{
			"session":   key.String(),
			"connected": connected,
		}).Debug("created TCP session")

	return session, nil
}

// NewUDPSession creates a UDP session for the given endpoint pair: a
// non-blocking datagram socket, protected, connected to fix its default
// peer, and registered with the Poller for read and write readiness.
//
// UDP session creation is idempotent: when a session already exists for the
// key, including one established by a concurrent creation race, the
// existing session is returned.
func (manager *Manager) NewUDPSession(
	localIP netip.Addr, localPort uint16,
	remoteIP netip.Addr, remotePort uint16) (*Session, error) {

	key := NewKey(localIP, localPort, remoteIP, remotePort)

	if existing := manager.GetSessionByKey(key); existing != nil {
		return existing, nil
	}

	if !manager.acquireSessionSlot() {
		atomic.AddInt64(&manager.metrics.sessionsRejected, 1)
		return nil, errors.TraceNew("session limit reached")
	}

	socketFD, err := newUDPSocket(key.Remote, manager.config.Protector)
	if err != nil {
		manager.releaseSessionSlot()
		return nil, errors.Trace(err)
	}

	registration, err := manager.poller.Register(
		socketFD, InterestRead|InterestWrite)
	if err != nil {
		closeSocket(socketFD)
		manager.releaseSessionSlot()
		atomic.AddInt64(&manager.metrics.registrationFails, 1)
		return nil, errors.Trace(err)
	}

	session := newSession(key, ProtocolUDP, socketFD)
	session.registration = registration
	session.SetConnected(true)

	if existing, loaded := manager.sessions.LoadOrStore(key, session); loaded {
		registration.Cancel()
		closeSocket(socketFD)
		manager.releaseSessionSlot()
		return existing.(*Session), nil
	}

	atomic.AddInt64(&manager.metrics.udpSessionsCreated, 1)

	manager.logger.WithTraceFields(
		common.LogFields{"session": key.String()}).Debug("created UDP session")

	return session, nil
}

// AddClientData queues the TCP payload of a client packet for transmission
// on its session's socket, returning the number of bytes queued. Returns 0
// when no session exists for the packet's endpoints, when the packet
// carries no payload, or when the packet is a stale retransmission, with a
// sequence number below the highest already accepted.
func (manager *Manager) AddClientData(
	data []byte,
	ipHeader *packet.IPv4Header,
	tcpHeader *packet.TCPHeader) int {

	session := manager.GetSession(
		ipHeader.SourceIP, tcpHeader.SourcePort,
		ipHeader.DestinationIP, tcpHeader.DestinationPort)
	if session == nil {
		return 0
	}

	lastSequence := session.LastReceivedSequence()
	if lastSequence != 0 && tcpHeader.SequenceNumber < lastSequence {
		atomic.AddInt64(&manager.metrics.packetsDropped, 1)
		return 0
	}

	start := ipHeader.HeaderLength + tcpHeader.HeaderLength
	if start >= len(data) {
		return 0
	}

	n := session.AppendPendingBytes(data[start:])
	session.touch()
	manager.armWrite(session)

	atomic.AddInt64(&manager.metrics.bytesQueued, int64(n))

	return n
}

// AddClientUDPData queues the UDP payload of a client packet for
// transmission on the given session's socket, returning the number of
// bytes queued. The payload length is taken from the UDP header's declared
// length, clamped to the bytes actually present in the packet buffer.
// Returns 0 when the declared length leaves no payload.
func (manager *Manager) AddClientUDPData(
	data []byte,
	ipHeader *packet.IPv4Header,
	udpHeader *packet.UDPHeader,
	session *Session) int {

	start := ipHeader.HeaderLength + packet.UDPHeaderLength
	length := udpHeader.Length - packet.UDPHeaderLength
	if length < 1 || start >= len(data) {
		return 0
	}
	if length > len(data)-start {
		length = len(data) - start
	}

	n := session.AppendPendingBytes(data[start : start+length])
	session.touch()
	manager.armWrite(session)

	atomic.AddInt64(&manager.metrics.bytesQueued, int64(n))

	return n
}

// CloseSession removes the session from the flow table, cancels its poller
// registration, and closes its socket. Close errors are logged and
// swallowed; the session is gone from the table either way. Idempotent.
func (manager *Manager) CloseSession(session *Session) {
	manager.CloseSessionKey(session.Key())
}

// CloseSessionKey closes the session for the given key, if one exists.
func (manager *Manager) CloseSessionKey(key Key) {

	value, loaded := manager.sessions.LoadAndDelete(key)
	if !loaded {
		return
	}
	session := value.(*Session)

	session.Registration().Cancel()

	err := closeSocket(session.SocketFD())
	if err != nil {
		manager.logger.WithTraceFields(
			common.LogFields{
				"session": key.String(),
				"error":   err,
			}).Warning("failed to close session socket")
	}

	manager.releaseSessionSlot()
	atomic.AddInt64(&manager.metrics.sessionsClosed, 1)

	manager.logger.WithTraceFields(
		common.LogFields{"session": key.String()}).Debug("closed session")
}

func (manager *Manager) reapIdleSessions() {

	idleExpiry := manager.idleExpiry()

	var expired []Key
	manager.sessions.Range(func(key, value interface{}) bool {
		if value.(*Session).expired(idleExpiry) {
			expired = append(expired, key.(Key))
		}
		return true
	})

	for _, key := range expired {
		manager.CloseSessionKey(key)
		atomic.AddInt64(&manager.metrics.sessionsExpired, 1)
	}
}

// armWrite adds write interest so the pump drains the newly queued bytes.
// The pump clears write interest again once a session's buffer is empty.
func (manager *Manager) armWrite(session *Session) {
	session.Registration().AddInterest(InterestWrite)
}

func (manager *Manager) acquireSessionSlot() bool {
	if manager.admission == nil {
		return true
	}
	return manager.admission.TryAcquire(1)
}

func (manager *Manager) releaseSessionSlot() {
	if manager.admission != nil {
		manager.admission.Release(1)
	}
}

func (manager *Manager) receiveBufferSize() int {
	if manager.config.ReceiveBufferSize > 0 {
		return manager.config.ReceiveBufferSize
	}
	return DEFAULT_RECEIVE_BUFFER_SIZE
}

func (manager *Manager) readBufferSize() int {
	if manager.config.ReadBufferSize > 0 {
		return manager.config.ReadBufferSize
	}
	return DEFAULT_READ_BUFFER_SIZE
}

func (manager *Manager) idleExpiry() time.Duration {
	seconds := manager.config.SessionIdleExpirySeconds
	if seconds <= 0 {
		seconds = DEFAULT_SESSION_IDLE_EXPIRY_SECONDS
	}
	return time.Duration(seconds) * time.Second
}
