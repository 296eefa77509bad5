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
	"sync/atomic"

	"github.com/faisal-ameer/ToyShark/common"
)

// Align 64-bit fields for 32-bit ARM.
type sessionMetrics struct {
	tcpSessionsCreated int64
	udpSessionsCreated int64
	sessionsClosed     int64
	sessionsExpired    int64
	sessionsRejected   int64
	duplicateSessions  int64
	registrationFails  int64
	bytesQueued        int64
	bytesWritten       int64
	bytesReceived      int64
	packetsDropped     int64
}

func (metrics *sessionMetrics) checkpoint(logger common.Logger, logName string) {

	// Report and reset atomic counters

	logFields := common.LogFields{
		"event_name":           logName,
		"tcp_sessions_created": atomic.SwapInt64(&metrics.tcpSessionsCreated, 0),
		"udp_sessions_created": atomic.SwapInt64(&metrics.udpSessionsCreated, 0),
		"sessions_closed":      atomic.SwapInt64(&metrics.sessionsClosed, 0),
		"sessions_expired":     atomic.SwapInt64(&metrics.sessionsExpired, 0),
		"sessions_rejected":    atomic.SwapInt64(&metrics.sessionsRejected, 0),
		"duplicate_sessions":   atomic.SwapInt64(&metrics.duplicateSessions, 0),
		"registration_fails":   atomic.SwapInt64(&metrics.registrationFails, 0),
		"bytes_queued":         atomic.SwapInt64(&metrics.bytesQueued, 0),
		"bytes_written":        atomic.SwapInt64(&metrics.bytesWritten, 0),
		"bytes_received":       atomic.SwapInt64(&metrics.bytesReceived, 0),
		"packets_dropped":      atomic.SwapInt64(&metrics.packetsDropped, 0),
	}

	logger.LogMetric("session_metrics", logFields)
}
