package vision

import (
	"net"
	"sync"
	"time"
)

// UDPSocket is the receive side of a UDP socket. It is satisfied by
// *net.UDPConn and by MockUDPSocket in tests.
type UDPSocket interface {
	ReadFromUDP(b []byte) (n int, addr *net.UDPAddr, err error)
	SetReadBuffer(bytes int) error
	SetReadDeadline(t time.Time) error
	Close() error
	LocalAddr() net.Addr
}

// PacketWriter is the send side of a UDP socket.
type PacketWriter interface {
	WriteToUDP(b []byte, addr *net.UDPAddr) (int, error)
	Close() error
}

// ListenUDP opens a receive socket on port. Port 0 picks a free port.
func ListenUDP(port int) (*net.UDPConn, error) {
	return net.ListenUDP("udp4", &net.UDPAddr{Port: port})
}

// MockUDPSocket implements UDPSocket for testing. Once Packets is exhausted
// every read times out.
type MockUDPSocket struct {
	mu sync.Mutex
	// Packets holds the datagrams returned by ReadFromUDP, in order.
	Packets [][]byte
	// ReadIndex tracks the current position in Packets.
	ReadIndex int
	// Closed indicates whether Close was called.
	Closed bool
	// Deadlines records every value passed to SetReadDeadline.
	Deadlines []time.Time
	// ReadError is returned once by the next ReadFromUDP call if set.
	ReadError error
}

// NewMockUDPSocket returns a socket that will yield packets in order.
func NewMockUDPSocket(packets ...[]byte) *MockUDPSocket {
	return &MockUDPSocket{Packets: packets}
}

// Push appends a datagram to be read.
func (m *MockUDPSocket) Push(b []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Packets = append(m.Packets, b)
}

func (m *MockUDPSocket) ReadFromUDP(b []byte) (int, *net.UDPAddr, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Closed {
		return 0, nil, net.ErrClosed
	}
	if m.ReadError != nil {
		err := m.ReadError
		m.ReadError = nil
		return 0, nil, err
	}
	if m.ReadIndex >= len(m.Packets) {
		return 0, nil, &net.OpError{Op: "read", Net: "udp", Err: timeoutError{}}
	}
	pkt := m.Packets[m.ReadIndex]
	m.ReadIndex++
	n := copy(b, pkt)
	return n, &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 40000}, nil
}

func (m *MockUDPSocket) SetReadBuffer(int) error { return nil }

func (m *MockUDPSocket) SetReadDeadline(t time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Deadlines = append(m.Deadlines, t)
	return nil
}

func (m *MockUDPSocket) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Closed = true
	return nil
}

func (m *MockUDPSocket) LocalAddr() net.Addr {
	return &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 12345}
}

// MockPacketWriter records datagrams written to it.
type MockPacketWriter struct {
	mu sync.Mutex
	// Writes holds each datagram and its destination.
	Writes []MockWrite
	// FailPorts makes writes to these destination ports fail.
	FailPorts map[int]error
	Closed    bool
}

type MockWrite struct {
	Data []byte
	Addr *net.UDPAddr
}

func (m *MockPacketWriter) WriteToUDP(b []byte, addr *net.UDPAddr) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.FailPorts[addr.Port]; err != nil {
		return 0, err
	}
	m.Writes = append(m.Writes, MockWrite{Data: append([]byte(nil), b...), Addr: addr})
	return len(b), nil
}

func (m *MockPacketWriter) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Closed = true
	return nil
}

// timeoutError implements net.Error for timeout simulation.
type timeoutError struct{}

func (timeoutError) Error() string   { return "i/o timeout" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }
