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
	"bytes"
	"fmt"
	"io"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/faisal-ameer/ToyShark/common"
	"github.com/faisal-ameer/ToyShark/packet"
)

var testLocalIP = netip.MustParseAddr("10.0.0.2")

func startEchoListener(t *testing.T) (net.Listener, netip.AddrPort) {

	listener, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen failed: %s", err)
	}

	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			go func() {
				io.Copy(conn, conn)
				conn.Close()
			}()
		}
	}()

	addrPort := netip.MustParseAddrPort(listener.Addr().String())
	return listener, addrPort
}

func startUDPEchoListener(t *testing.T) (net.PacketConn, netip.AddrPort) {

	conn, err := net.ListenPacket("udp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen failed: %s", err)
	}

	go func() {
		buffer := make([]byte, 2048)
		for {
			n, addr, err := conn.ReadFrom(buffer)
			if err != nil {
				return
			}
			conn.WriteTo(buffer[:n], addr)
		}
	}()

	addrPort := netip.MustParseAddrPort(conn.LocalAddr().String())
	return conn, addrPort
}

func buildClientPacket(
	t *testing.T,
	localPort uint16,
	remote netip.AddrPort,
	sequenceNumber uint32,
	payload []byte) ([]byte, *packet.IPv4Header, *packet.TCPHeader) {

	data, err := packet.BuildTCPPacket(
		netip.AddrPortFrom(netip.MustParseAddr("10.0.0.2"), localPort),
		remote,
		sequenceNumber,
		1,
		packet.TCPFlags{PSH: true, ACK: true},
		payload)
	if err != nil {
		t.Fatalf("BuildTCPPacket failed: %s", err)
	}

	ipHeader, err := packet.ParseIPv4(data)
	if err != nil {
		t.Fatalf("ParseIPv4 failed: %s", err)
	}
	tcpHeader, err := packet.ParseTCP(data, ipHeader.HeaderLength)
	if err != nil {
		t.Fatalf("ParseTCP failed: %s", err)
	}

	return data, ipHeader, tcpHeader
}

func awaitConnected(t *testing.T, session *Session) {
	deadline := time.Now().Add(5 * time.Second)
	for !session.IsConnected() {
		if time.Now().After(deadline) {
			t.Fatalf("session %s never connected", session.Key())
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestTCPSessionLifecycle(t *testing.T) {

	listener, remote := startEchoListener(t)
	defer listener.Close()

	manager, err := NewManager(&Config{Logger: newTestLogger()})
	if err != nil {
		t.Fatalf("NewManager failed: %s", err)
	}
	defer manager.Stop()

	session, err := manager.NewTCPSession(
		testLocalIP, 40123, remote.Addr(), remote.Port())
	if err != nil {
		t.Fatalf("NewTCPSession failed: %s", err)
	}

	// Lookup by endpoints, key, and socket all find the same session.

	if manager.GetSession(
		testLocalIP, 40123, remote.Addr(), remote.Port()) != session {
		t.Fatalf("GetSession did not find session")
	}
	if manager.GetSessionByKey(session.Key()) != session {
		t.Fatalf("GetSessionByKey did not find session")
	}
	if manager.GetSessionBySocket(session.SocketFD()) != session {
		t.Fatalf("GetSessionBySocket did not find session")
	}

	if session.Protocol() != ProtocolTCP {
		t.Fatalf("unexpected protocol: %s", session.Protocol())
	}

	// TCP creation is not idempotent: a duplicate key is a caller error.

	_, err = manager.NewTCPSession(
		testLocalIP, 40123, remote.Addr(), remote.Port())
	if err == nil {
		t.Fatalf("expected duplicate TCP creation to fail")
	}

	// A different local port is a different session.

	other, err := manager.NewTCPSession(
		testLocalIP, 40124, remote.Addr(), remote.Port())
	if err != nil {
		t.Fatalf("NewTCPSession failed: %s", err)
	}
	if other == session {
		t.Fatalf("distinct tuples returned the same session")
	}

	manager.CloseSession(session)

	if manager.GetSession(
		testLocalIP, 40123, remote.Addr(), remote.Port()) != nil {
		t.Fatalf("closed session still in table")
	}

	// Close is idempotent.
	manager.CloseSession(session)

	// The tuple may be reused after close.
	_, err = manager.NewTCPSession(
		testLocalIP, 40123, remote.Addr(), remote.Port())
	if err != nil {
		t.Fatalf("NewTCPSession after close failed: %s", err)
	}
}

func TestUDPSessionIdempotent(t *testing.T) {

	conn, remote := startUDPEchoListener(t)
	defer conn.Close()

	manager, err := NewManager(&Config{Logger: newTestLogger()})
	if err != nil {
		t.Fatalf("NewManager failed: %s", err)
	}
	defer manager.Stop()

	session, err := manager.NewUDPSession(
		testLocalIP, 50123, remote.Addr(), remote.Port())
	if err != nil {
		t.Fatalf("NewUDPSession failed: %s", err)
	}

	if !session.IsConnected() {
		t.Fatalf("UDP session not connected at creation")
	}
	if session.Protocol() != ProtocolUDP {
		t.Fatalf("unexpected protocol: %s", session.Protocol())
	}

	again, err := manager.NewUDPSession(
		testLocalIP, 50123, remote.Addr(), remote.Port())
	if err != nil {
		t.Fatalf("NewUDPSession failed: %s", err)
	}
	if again != session {
		t.Fatalf("repeated UDP creation returned a different session")
	}
}

func TestStaleRetransmissionDropped(t *testing.T) {

	listener, remote := startEchoListener(t)
	defer listener.Close()

	manager, err := NewManager(&Config{Logger: newTestLogger()})
	if err != nil {
		t.Fatalf("NewManager failed: %s", err)
	}
	defer manager.Stop()

	session, err := manager.NewTCPSession(
		testLocalIP, 40123, remote.Addr(), remote.Port())
	if err != nil {
		t.Fatalf("NewTCPSession failed: %s", err)
	}

	payload := make([]byte, 40)
	for i := range payload {
		payload[i] = byte(i)
	}

	session.SetLastReceivedSequence(1000)

	// Sequence number below the last accepted: a stale retransmission.

	data, ipHeader, tcpHeader := buildClientPacket(t, 40123, remote, 999, payload)
	n := manager.AddClientData(data, ipHeader, tcpHeader)
	if n != 0 {
		t.Fatalf("stale segment was queued: %d", n)
	}
	if session.HasPendingBytes() {
		t.Fatalf("stale segment left pending bytes")
	}

	// Sequence number at the last accepted is not stale.

	data, ipHeader, tcpHeader = buildClientPacket(t, 40123, remote, 1000, payload)
	n = manager.AddClientData(data, ipHeader, tcpHeader)
	if n != 40 {
		t.Fatalf("expected 40 bytes queued, got %d", n)
	}

	pending := session.TakePendingBytes()
	if !bytes.Equal(pending, payload) {
		t.Fatalf("queued bytes do not match payload")
	}

	// A packet with no matching session queues nothing.

	data, ipHeader, tcpHeader = buildClientPacket(t, 40999, remote, 1, payload)
	n = manager.AddClientData(data, ipHeader, tcpHeader)
	if n != 0 {
		t.Fatalf("unknown tuple queued bytes: %d", n)
	}
}

func TestAddClientUDPData(t *testing.T) {

	conn, remote := startUDPEchoListener(t)
	defer conn.Close()

	manager, err := NewManager(&Config{Logger: newTestLogger()})
	if err != nil {
		t.Fatalf("NewManager failed: %s", err)
	}
	defer manager.Stop()

	session, err := manager.NewUDPSession(
		testLocalIP, 50123, remote.Addr(), remote.Port())
	if err != nil {
		t.Fatalf("NewUDPSession failed: %s", err)
	}

	payload := []byte("datagram payload")

	data, err := packet.BuildUDPPacket(
		netip.AddrPortFrom(testLocalIP, 50123), remote, payload)
	if err != nil {
		t.Fatalf("BuildUDPPacket failed: %s", err)
	}
	ipHeader, err := packet.ParseIPv4(data)
	if err != nil {
		t.Fatalf("ParseIPv4 failed: %s", err)
	}
	udpHeader, err := packet.ParseUDP(data, ipHeader.HeaderLength)
	if err != nil {
		t.Fatalf("ParseUDP failed: %s", err)
	}

	n := manager.AddClientUDPData(data, ipHeader, udpHeader, session)
	if n != len(payload) {
		t.Fatalf("expected %d bytes queued, got %d", len(payload), n)
	}
	if !bytes.Equal(session.TakePendingBytes(), payload) {
		t.Fatalf("queued bytes do not match payload")
	}

	// A declared length overstating the bytes present is clamped to the
	// packet buffer.

	truncated := data[:ipHeader.HeaderLength+packet.UDPHeaderLength+4]
	n = manager.AddClientUDPData(truncated, ipHeader, udpHeader, session)
	if n != 4 {
		t.Fatalf("expected clamp to 4 bytes, got %d", n)
	}
	if !bytes.Equal(session.TakePendingBytes(), payload[:4]) {
		t.Fatalf("clamped bytes do not match payload prefix")
	}

	// A declared length covering only the header leaves no payload.

	emptyHeader := &packet.UDPHeader{
		SourcePort:      50123,
		DestinationPort: remote.Port(),
		Length:          packet.UDPHeaderLength,
	}
	n = manager.AddClientUDPData(data, ipHeader, emptyHeader, session)
	if n != 0 {
		t.Fatalf("empty datagram queued bytes: %d", n)
	}
}

func TestMaxSessions(t *testing.T) {

	listener, remote := startEchoListener(t)
	defer listener.Close()

	manager, err := NewManager(&Config{
		Logger:      newTestLogger(),
		MaxSessions: 1,
	})
	if err != nil {
		t.Fatalf("NewManager failed: %s", err)
	}
	defer manager.Stop()

	session, err := manager.NewTCPSession(
		testLocalIP, 40123, remote.Addr(), remote.Port())
	if err != nil {
		t.Fatalf("NewTCPSession failed: %s", err)
	}

	_, err = manager.NewTCPSession(
		testLocalIP, 40124, remote.Addr(), remote.Port())
	if err == nil {
		t.Fatalf("expected session limit to reject creation")
	}

	manager.CloseSession(session)

	_, err = manager.NewTCPSession(
		testLocalIP, 40124, remote.Addr(), remote.Port())
	if err != nil {
		t.Fatalf("NewTCPSession after close failed: %s", err)
	}
}

func TestIdleSessionReaper(t *testing.T) {

	listener, remote := startEchoListener(t)
	defer listener.Close()

	manager, err := NewManager(&Config{Logger: newTestLogger()})
	if err != nil {
		t.Fatalf("NewManager failed: %s", err)
	}
	defer manager.Stop()

	idle, err := manager.NewTCPSession(
		testLocalIP, 40123, remote.Addr(), remote.Port())
	if err != nil {
		t.Fatalf("NewTCPSession failed: %s", err)
	}
	active, err := manager.NewTCPSession(
		testLocalIP, 40124, remote.Addr(), remote.Port())
	if err != nil {
		t.Fatalf("NewTCPSession failed: %s", err)
	}

	atomic.StoreInt64(
		&idle.lastActivity,
		time.Now().Add(-2*DEFAULT_SESSION_IDLE_EXPIRY_SECONDS*time.Second).UnixNano())

	manager.reapIdleSessions()

	if manager.GetSessionByKey(idle.Key()) != nil {
		t.Fatalf("idle session survived the reaper")
	}
	if manager.GetSessionByKey(active.Key()) != active {
		t.Fatalf("active session closed by the reaper")
	}
}

type metricsCaptureLogger struct {
	common.Logger
	mutex  sync.Mutex
	fields common.LogFields
}

func (logger *metricsCaptureLogger) LogMetric(_ string, fields common.LogFields) {
	logger.mutex.Lock()
	defer logger.mutex.Unlock()
	logger.fields = fields
}

func (logger *metricsCaptureLogger) getFields() common.LogFields {
	logger.mutex.Lock()
	defer logger.mutex.Unlock()
	return logger.fields
}

func TestMetricsCheckpoint(t *testing.T) {

	listener, remote := startEchoListener(t)
	defer listener.Close()

	capture := &metricsCaptureLogger{Logger: newTestLogger()}

	manager, err := NewManager(&Config{Logger: capture})
	if err != nil {
		t.Fatalf("NewManager failed: %s", err)
	}

	_, err = manager.NewTCPSession(
		testLocalIP, 40123, remote.Addr(), remote.Port())
	if err != nil {
		t.Fatalf("NewTCPSession failed: %s", err)
	}

	// A duplicate creation and a registration failure (poller closed)
	// are both counted.

	_, err = manager.NewTCPSession(
		testLocalIP, 40123, remote.Addr(), remote.Port())
	if err == nil {
		t.Fatalf("expected duplicate TCP creation to fail")
	}

	manager.poller.Close()

	_, err = manager.NewTCPSession(
		testLocalIP, 40124, remote.Addr(), remote.Port())
	if err == nil {
		t.Fatalf("expected creation to fail after poller close")
	}

	manager.Stop()

	fields := capture.getFields()
	if fields == nil {
		t.Fatalf("no metrics checkpoint emitted")
	}

	expected := map[string]int64{
		"tcp_sessions_created": 1,
		"duplicate_sessions":   1,
		"registration_fails":   1,
		"sessions_closed":      1,
	}
	for name, value := range expected {
		if fields[name] != value {
			t.Fatalf("unexpected %s: %v", name, fields[name])
		}
	}
}

func TestPumpTCPEndToEnd(t *testing.T) {

	listener, remote := startEchoListener(t)
	defer listener.Close()

	received := make(chan []byte, 16)

	manager, err := NewManager(&Config{
		Logger: newTestLogger(),
		ReceiveData: func(_ *Session, data []byte) {
			received <- append([]byte(nil), data...)
		},
	})
	if err != nil {
		t.Fatalf("NewManager failed: %s", err)
	}
	manager.Start()
	defer manager.Stop()

	pump := NewPump(manager)
	pump.Start()
	defer pump.Stop()

	session, err := manager.NewTCPSession(
		testLocalIP, 40123, remote.Addr(), remote.Port())
	if err != nil {
		t.Fatalf("NewTCPSession failed: %s", err)
	}

	awaitConnected(t, session)

	payload := make([]byte, 40)
	for i := range payload {
		payload[i] = byte(i)
	}

	data, ipHeader, tcpHeader := buildClientPacket(t, 40123, remote, 1, payload)
	n := manager.AddClientData(data, ipHeader, tcpHeader)
	if n != 40 {
		t.Fatalf("expected 40 bytes queued, got %d", n)
	}

	// The pump writes the queued bytes to the echo server and delivers
	// the echoed response through ReceiveData.

	var echoed []byte
	deadline := time.After(10 * time.Second)
	for len(echoed) < len(payload) {
		select {
		case chunk := <-received:
			echoed = append(echoed, chunk...)
		case <-deadline:
			t.Fatalf("timeout awaiting echo: got %d bytes", len(echoed))
		}
	}

	if !bytes.Equal(echoed, payload) {
		t.Fatalf("echoed bytes do not match payload")
	}
}

func TestPumpUDPEndToEnd(t *testing.T) {

	conn, remote := startUDPEchoListener(t)
	defer conn.Close()

	received := make(chan []byte, 16)

	manager, err := NewManager(&Config{
		Logger: newTestLogger(),
		ReceiveData: func(_ *Session, data []byte) {
			received <- append([]byte(nil), data...)
		},
	})
	if err != nil {
		t.Fatalf("NewManager failed: %s", err)
	}
	manager.Start()
	defer manager.Stop()

	pump := NewPump(manager)
	pump.Start()
	defer pump.Stop()

	session, err := manager.NewUDPSession(
		testLocalIP, 50123, remote.Addr(), remote.Port())
	if err != nil {
		t.Fatalf("NewUDPSession failed: %s", err)
	}

	payload := []byte("datagram payload")

	data, err := packet.BuildUDPPacket(
		netip.AddrPortFrom(testLocalIP, 50123), remote, payload)
	if err != nil {
		t.Fatalf("BuildUDPPacket failed: %s", err)
	}
	ipHeader, err := packet.ParseIPv4(data)
	if err != nil {
		t.Fatalf("ParseIPv4 failed: %s", err)
	}
	udpHeader, err := packet.ParseUDP(data, ipHeader.HeaderLength)
	if err != nil {
		t.Fatalf("ParseUDP failed: %s", err)
	}

	n := manager.AddClientUDPData(data, ipHeader, udpHeader, session)
	if n != len(payload) {
		t.Fatalf("expected %d bytes queued, got %d", len(payload), n)
	}

	select {
	case echoed := <-received:
		if !bytes.Equal(echoed, payload) {
			t.Fatalf("echoed bytes do not match payload")
		}
	case <-time.After(10 * time.Second):
		t.Fatalf("timeout awaiting echo")
	}
}

func TestConcurrentSessions(t *testing.T) {

	// Concurrent creators, submitters, and closers race against the pump;
	// the table must end empty with no lost or doubled sessions.

	listener, remote := startEchoListener(t)
	defer listener.Close()

	manager, err := NewManager(&Config{Logger: newTestLogger()})
	if err != nil {
		t.Fatalf("NewManager failed: %s", err)
	}
	manager.Start()
	defer manager.Stop()

	pump := NewPump(manager)
	pump.Start()
	defer pump.Stop()

	payload := []byte("concurrent payload")

	type clientPacket struct {
		localPort uint16
		data      []byte
		ipHeader  *packet.IPv4Header
		tcpHeader *packet.TCPHeader
	}

	// Build all packets up front; assertion helpers may not run off the
	// test goroutine.
	packets := make([][]clientPacket, 8)
	for i := 0; i < 8; i++ {
		for j := 0; j < 10; j++ {
			localPort := uint16(41000 + i*100 + j)
			data, ipHeader, tcpHeader := buildClientPacket(
				t, localPort, remote, 1, payload)
			packets[i] = append(packets[i], clientPacket{
				localPort: localPort,
				data:      data,
				ipHeader:  ipHeader,
				tcpHeader: tcpHeader,
			})
		}
	}

	workers := new(sync.WaitGroup)
	failed := make(chan error, 256)

	for i := 0; i < 8; i++ {
		workers.Add(1)
		go func(worker int) {
			defer workers.Done()
			for _, p := range packets[worker] {

				session, err := manager.NewTCPSession(
					testLocalIP, p.localPort, remote.Addr(), remote.Port())
				if err != nil {
					failed <- fmt.Errorf("create: %w", err)
					return
				}

				if manager.AddClientData(p.data, p.ipHeader, p.tcpHeader) != len(payload) {
					failed <- fmt.Errorf("submit queued wrong length")
					return
				}

				manager.CloseSession(session)
			}
		}(i)
	}

	completed := make(chan struct{})
	go func() {
		workers.Wait()
		close(completed)
	}()

	select {
	case <-completed:
	case err := <-failed:
		t.Fatalf("worker failed: %s", err)
	case <-time.After(60 * time.Second):
		t.Fatalf("concurrent session churn stalled")
	}

	count := 0
	manager.sessions.Range(func(_, _ interface{}) bool {
		count++
		return true
	})
	if count != 0 {
		t.Fatalf("%d sessions leaked", count)
	}
}
