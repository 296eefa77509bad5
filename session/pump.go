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
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/faisal-ameer/ToyShark/common"
)

const (
	PUMP_WAIT_TIMEOUT    = 1 * time.Second
	PUMP_MAX_WAIT_EVENTS = 64
)

// Pump is the event pump: the single goroutine blocking in Poller.Wait and
// servicing socket readiness for all sessions. Writable sockets complete
// their in-flight connects and drain queued client bytes; readable sockets
// deliver received bytes to the Config.ReceiveData callback.
type Pump struct {
	manager *Manager
	logger  common.Logger

	runContext  context.Context
	stopRunning context.CancelFunc
	workers     *sync.WaitGroup
	stopped     int32
}

// NewPump initializes a Pump for the given Manager's Poller.
func NewPump(manager *Manager) *Pump {

	runContext, stopRunning := context.WithCancel(context.Background())

	return &Pump{
		manager:     manager,
		logger:      manager.logger,
		runContext:  runContext,
		stopRunning: stopRunning,
		workers:     new(sync.WaitGroup),
	}
}

// Start launches the pump goroutine.
func (pump *Pump) Start() {
	pump.workers.Add(1)
	go func() {
		defer pump.workers.Done()
		pump.run()
	}()
}

// Stop halts the pump, waking the Poller so a blocked Wait returns
// promptly. Stop is idempotent and does not close sessions; that is the
// Manager's job.
func (pump *Pump) Stop() {

	if !atomic.CompareAndSwapInt32(&pump.stopped, 0, 1) {
		return
	}

	pump.stopRunning()
	pump.manager.Poller().Wakeup()
	pump.workers.Wait()
}

func (pump *Pump) run() {

	poller := pump.manager.Poller()
	events := make([]Event, PUMP_MAX_WAIT_EVENTS)
	readBuffer := make([]byte, pump.manager.readBufferSize())

	for {
		if pump.runContext.Err() != nil {
			return
		}

		count, err := poller.Wait(events, PUMP_WAIT_TIMEOUT)
		if err != nil {
			if err != ErrPollerClosed && pump.runContext.Err() == nil {
				pump.logger.WithTraceFields(
					common.LogFields{"error": err}).Warning("poller wait failed")
			}
			return
		}

		for i := 0; i < count; i++ {

			event := events[i]

			session := pump.manager.GetSessionBySocket(event.SocketFD)
			if session == nil {
				// The session was closed between the wait and now.
				continue
			}

			if event.Writable {
				pump.handleWritable(session)
			}
			if event.Readable {
				pump.handleReadable(session, readBuffer)
			}
		}
	}
}

func (pump *Pump) handleWritable(session *Session) {

	registration := session.Registration()

	if !session.IsConnected() {

		err := finishConnect(session.SocketFD())
		if err != nil {
			pump.logger.WithTraceFields(
				common.LogFields{
					"session": session.Key().String(),
					"error":   err,
				}).Debug("connect failed")
			pump.manager.CloseSession(session)
			return
		}

		session.SetConnected(true)
		session.touch()
		registration.ClearInterest(InterestConnect)

		pump.logger.WithTraceFields(
			common.LogFields{
				"session": session.Key().String(),
			}).Debug("session connected")
	}

	pending := session.TakePendingBytes()

	if len(pending) > 0 {

		n, err := writeSocket(session.SocketFD(), pending)
		if err != nil {
			pump.logger.WithTraceFields(
				common.LogFields{
					"session": session.Key().String(),
					"error":   err,
				}).Debug("session write failed")
			pump.manager.CloseSession(session)
			return
		}

		if n > 0 {
			session.touch()
			atomic.AddInt64(&pump.manager.metrics.bytesWritten, int64(n))
		}

		if n < len(pending) {
			// The kernel buffer filled; keep write interest and retry the
			// remainder on the next writable event.
			session.RequeuePendingBytes(pending[n:])
			return
		}
	}

	// Drained. Clear write interest, then re-check: a concurrent
	// AddClientData may have queued bytes after the take but before the
	// clear, and its re-arm must not be lost.
	registration.ClearInterest(InterestWrite)
	if session.HasPendingBytes() {
		registration.AddInterest(InterestWrite)
	}
}

func (pump *Pump) handleReadable(session *Session, readBuffer []byte) {

	n, eof, err := readSocket(session.SocketFD(), readBuffer)

	if err != nil {
		pump.logger.WithTraceFields(
			common.LogFields{
				"session": session.Key().String(),
				"error":   err,
			}).Debug("session read failed")
		pump.manager.CloseSession(session)
		return
	}

	if n > 0 {
		session.touch()
		atomic.AddInt64(&pump.manager.metrics.bytesReceived, int64(n))
		if pump.manager.config.ReceiveData != nil {
			pump.manager.config.ReceiveData(session, readBuffer[:n])
		}
	}

	if eof {
		pump.manager.CloseSession(session)
	}
}
