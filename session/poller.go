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
	std_errors "errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/faisal-ameer/ToyShark/common"
	"github.com/faisal-ameer/ToyShark/common/errors"
	"github.com/creack/goselect"
	"golang.org/x/sys/unix"
)

// Interest selects the readiness conditions a registered socket is polled
// for. Connect readiness is reported as writability, per select semantics.
type Interest int32

const (
	InterestConnect Interest = 1 << iota
	InterestRead
	InterestWrite
)

// maxPollFD is the highest file descriptor number select() can wait on.
const maxPollFD = 1024

// ErrPollerClosed is returned by Wait and Register after Close.
var ErrPollerClosed = std_errors.New("poller closed")

// Poller is the shared readiness multiplexer onto which every session's
// socket is registered. Exactly one goroutine, the event pump, blocks in
// Wait; any goroutine may call Register or Registration.Cancel.
//
// Registration follows a strict handshake so a registering goroutine never
// mutates the registration set while the waiter is using it, and never
// leaves the waiter blocked indefinitely before a new socket is polled:
//
//	registerMutex.Lock -> Wakeup -> waitMutex.Lock -> mutate -> release both
//
// The outer registerMutex makes wake-then-lock atomic with respect to other
// registrants; without it a second registrant could interleave, and the
// waiter could re-enter its blocking wait between the first registrant's
// wake and lock acquisition. The waiter acquires and releases waitMutex
// after each return from the blocking wait, before re-entering it, so an
// in-flight registration always completes first. The wake itself is a
// self-pipe write: pipe readability is sticky, so a wake posted before the
// waiter enters select() is never lost.
type Poller struct {
	logger common.Logger

	closed int32

	// registerMutex is the outer lock, serializing registrants;
	// waitMutex is the inner lock, guarding registrations and
	// coordinating with Wait.
	registerMutex sync.Mutex
	waitMutex     sync.Mutex

	controlFDs    [2]int
	registrations map[int]*Registration

	// Scratch state owned by the single Wait goroutine.
	readFDSet  *goselect.FDSet
	writeFDSet *goselect.FDSet
	waitRegs   []*Registration
}

// Registration is the token identifying one socket's registration on the
// Poller. It is owned by the session whose socket it registers.
type Registration struct {
	interest int32
	canceled int32

	poller   *Poller
	socketFD int
}

// Event reports readiness for one registered socket.
type Event struct {
	Registration *Registration
	SocketFD     int
	Readable     bool
	Writable     bool
}

// NewPoller creates a Poller and its wake pipe.
func NewPoller(logger common.Logger) (*Poller, error) {

	var controlFDs [2]int
	err := unix.Pipe(controlFDs[:])
	if err != nil {
		return nil, errors.Trace(err)
	}

	for _, fd := range controlFDs {
		unix.CloseOnExec(fd)
		err = unix.SetNonblock(fd, true)
		if err != nil {
			unix.Close(controlFDs[0])
			unix.Close(controlFDs[1])
			return nil, errors.Trace(err)
		}
	}

	return &Poller{
		logger:        logger,
		controlFDs:    controlFDs,
		registrations: make(map[int]*Registration),
		readFDSet:     new(goselect.FDSet),
		writeFDSet:    new(goselect.FDSet),
	}, nil
}

// Register adds a socket to the Poller with the given initial interest and
// returns its registration token. Register performs the full wake/lock
// handshake and is safe to call concurrently with Wait and with other
// Register and Cancel calls.
func (p *Poller) Register(socketFD int, interest Interest) (*Registration, error) {

	if socketFD < 0 || socketFD >= maxPollFD {
		return nil, errors.Tracef("socket %d exceeds select() limit", socketFD)
	}

	p.registerMutex.Lock()
	defer p.registerMutex.Unlock()

	if p.isClosed() {
		return nil, errors.Trace(ErrPollerClosed)
	}

	p.Wakeup()

	p.waitMutex.Lock()
	defer p.waitMutex.Unlock()

	if p.isClosed() {
		return nil, errors.Trace(ErrPollerClosed)
	}

	if _, ok := p.registrations[socketFD]; ok {
		return nil, errors.Tracef("socket %d already registered", socketFD)
	}

	registration := &Registration{
		interest: int32(interest),
		poller:   p,
		socketFD: socketFD,
	}
	p.registrations[socketFD] = registration

	// The waiter may have drained the handshake wake and reached the inner
	// lock before this registration landed, in which case its next wait
	// would not include the new socket. A wake posted after the insert is
	// sticky, so that wait returns at once and re-snapshots.
	p.Wakeup()

	return registration, nil
}

// Wakeup interrupts a blocked Wait call, guaranteeing it returns promptly.
// Wakes are sticky: a wake posted while no Wait is in progress causes the
// next Wait to return immediately.
func (p *Poller) Wakeup() {
	var b [1]byte
	_, err := unix.Write(p.controlFDs[1], b[:])
	if err != nil && err != unix.EAGAIN {
		// EAGAIN means the pipe already holds a pending wake.
		p.logger.WithTraceFields(
			common.LogFields{"error": err}).Warning("wake failed")
	}
}

// Wait blocks until at least one registered socket is ready, the timeout
// elapses, or a Wakeup interrupts the wait, and fills events with the ready
// sockets. A negative timeout blocks indefinitely. Wait returns 0 events,
// and no error, on timeout or wake.
//
// Wait must only be called from a single goroutine.
func (p *Poller) Wait(events []Event, timeout time.Duration) (int, error) {

	for {
		p.waitMutex.Lock()

		if p.isClosed() {
			p.waitMutex.Unlock()
			return 0, ErrPollerClosed
		}

		p.readFDSet.Zero()
		p.writeFDSet.Zero()
		p.readFDSet.Set(uintptr(p.controlFDs[0]))
		maxFD := p.controlFDs[0]

		p.waitRegs = p.waitRegs[:0]
		for socketFD, registration := range p.registrations {
			interest := registration.Interest()
			if interest&InterestRead != 0 {
				p.readFDSet.Set(uintptr(socketFD))
			}
			if interest&(InterestConnect|InterestWrite) != 0 {
				p.writeFDSet.Set(uintptr(socketFD))
			}
			if interest != 0 && socketFD > maxFD {
				maxFD = socketFD
			}
			p.waitRegs = append(p.waitRegs, registration)
		}

		p.waitMutex.Unlock()

		err := goselect.Select(maxFD+1, p.readFDSet, p.writeFDSet, nil, timeout)
		if err == unix.EINTR {
			continue
		}
		if err == unix.EBADF {
			// A polled socket was closed after its registration was
			// canceled but while it was still in this wait's snapshot.
			// Re-snapshot; the canceled registration is gone from the map.
			continue
		}
		if err != nil {
			if p.isClosed() {
				return 0, ErrPollerClosed
			}
			return 0, errors.Trace(err)
		}

		if p.readFDSet.IsSet(uintptr(p.controlFDs[0])) {
			p.drainWakes()
		}

		if p.isClosed() {
			return 0, ErrPollerClosed
		}

		count := 0
		for _, registration := range p.waitRegs {
			if count == len(events) {
				break
			}
			if atomic.LoadInt32(&registration.canceled) != 0 {
				continue
			}
			readable := p.readFDSet.IsSet(uintptr(registration.socketFD))
			writable := p.writeFDSet.IsSet(uintptr(registration.socketFD))
			if !readable && !writable {
				continue
			}
			events[count] = Event{
				Registration: registration,
				SocketFD:     registration.socketFD,
				Readable:     readable,
				Writable:     writable,
			}
			count++
		}

		return count, nil
	}
}

func (p *Poller) drainWakes() {
	var b [64]byte
	for {
		_, err := unix.Read(p.controlFDs[0], b[:])
		if err != nil {
			return
		}
	}
}

// Close shuts down the Poller. Any blocked Wait is woken and returns
// ErrPollerClosed, as do subsequent Register and Wait calls. Close must be
// called only after the waiting goroutine has been told to stop; it does
// not wait for Wait to return before invalidating the wake pipe.
func (p *Poller) Close() error {

	if !atomic.CompareAndSwapInt32(&p.closed, 0, 1) {
		return nil
	}

	p.Wakeup()

	p.registerMutex.Lock()
	defer p.registerMutex.Unlock()
	p.waitMutex.Lock()
	defer p.waitMutex.Unlock()

	unix.Close(p.controlFDs[0])
	unix.Close(p.controlFDs[1])
	p.registrations = make(map[int]*Registration)

	return nil
}

func (p *Poller) isClosed() bool {
	return atomic.LoadInt32(&p.closed) == 1
}

func (p *Poller) remove(registration *Registration) {

	if !atomic.CompareAndSwapInt32(&registration.canceled, 0, 1) {
		return
	}

	p.registerMutex.Lock()
	defer p.registerMutex.Unlock()

	if p.isClosed() {
		return
	}

	p.Wakeup()

	p.waitMutex.Lock()
	defer p.waitMutex.Unlock()

	delete(p.registrations, registration.socketFD)
}

// SocketFD returns the registered socket.
func (r *Registration) SocketFD() int {
	return r.socketFD
}

// Interest returns the current interest set.
func (r *Registration) Interest() Interest {
	return Interest(atomic.LoadInt32(&r.interest))
}

// SetInterest replaces the interest set and wakes the waiter so the change
// is picked up promptly.
func (r *Registration) SetInterest(interest Interest) {
	atomic.StoreInt32(&r.interest, int32(interest))
	r.wakeForInterestChange()
}

// AddInterest adds the given bits to the interest set and wakes the waiter.
// The update is atomic with respect to other interest updates: with the
// pump and data-submitting goroutines adjusting interest concurrently, a
// load-compose-store would let one writer resurrect a bit another writer
// just cleared.
func (r *Registration) AddInterest(interest Interest) {
	for {
		old := atomic.LoadInt32(&r.interest)
		updated := old | int32(interest)
		if old == updated {
			return
		}
		if atomic.CompareAndSwapInt32(&r.interest, old, updated) {
			break
		}
	}
	r.wakeForInterestChange()
}

// ClearInterest atomically removes the given bits from the interest set.
// No wake is posted: shrinking the set only stops future readiness reports,
// and one stale report from an in-flight wait is harmless.
func (r *Registration) ClearInterest(interest Interest) {
	for {
		old := atomic.LoadInt32(&r.interest)
		updated := old &^ int32(interest)
		if old == updated {
			return
		}
		if atomic.CompareAndSwapInt32(&r.interest, old, updated) {
			return
		}
	}
}

func (r *Registration) wakeForInterestChange() {
	if atomic.LoadInt32(&r.canceled) == 0 && !r.poller.isClosed() {
		r.poller.Wakeup()
	}
}

// Cancel removes the socket from the Poller, using the same wake/lock
// handshake as Register. Cancel is idempotent.
func (r *Registration) Cancel() {
	r.poller.remove(r)
}
