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
	std_errors "errors"
	"time"

	"github.com/faisal-ameer/ToyShark/common"
	"github.com/faisal-ameer/ToyShark/common/errors"
)

type Interest int32

const (
	InterestConnect Interest = 1 << iota
	InterestRead
	InterestWrite
)

var ErrPollerClosed = std_errors.New("poller closed")

type Poller struct {
}

type Registration struct {
}

type Event struct {
	Registration *Registration
	SocketFD     int
	Readable     bool
	Writable     bool
}

func NewPoller(_ common.Logger) (*Poller, error) {
	return nil, errors.TraceNew("platform not supported")
}

func (p *Poller) Register(_ int, _ Interest) (*Registration, error) {
	return nil, errors.TraceNew("platform not supported")
}

func (p *Poller) Wakeup() {
}

func (p *Poller) Wait(_ []Event, _ time.Duration) (int, error) {
	return 0, errors.TraceNew("platform not supported")
}

func (p *Poller) Close() error {
	return nil
}

func (r *Registration) SocketFD() int {
	return -1
}

func (r *Registration) Interest() Interest {
	return 0
}

func (r *Registration) SetInterest(_ Interest) {
}

func (r *Registration) AddInterest(_ Interest) {
}

func (r *Registration) ClearInterest(_ Interest) {
}

func (r *Registration) Cancel() {
}
