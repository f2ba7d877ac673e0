package dac

import (
	"net"
	"sync"
	"time"
)

// UDPSocket defines the UDP operations the discovery listener needs.
// This abstraction enables unit testing without real network connections.
type UDPSocket interface {
	ReadFromUDP(b []byte) (n int, addr *net.UDPAddr, err error)
	SetReadBuffer(bytes int) error
	SetReadDeadline(t time.Time) error
	Close() error
	LocalAddr() net.Addr
}

// UDPSocketFactory creates UDP sockets.
type UDPSocketFactory interface {
	ListenUDP(network string, laddr *net.UDPAddr) (UDPSocket, error)
}

// RealUDPSocketFactory implements UDPSocketFactory using net.ListenUDP.
// *net.UDPConn satisfies UDPSocket directly.
type RealUDPSocketFactory struct{}

// ListenUDP creates a new UDP socket.
func (RealUDPSocketFactory) ListenUDP(network string, laddr *net.UDPAddr) (UDPSocket, error) {
	conn, err := net.ListenUDP(network, laddr)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// MockUDPSocket is an in-memory UDPSocket. Packets queued with Inject are
// returned by ReadFromUDP; an empty queue behaves like a read timeout.
// It is safe for use by one reader and any number of injectors.
type MockUDPSocket struct {
	mu      sync.Mutex
	packets []MockUDPPacket
	closed  bool
	rcvBuf  int
	local   *net.UDPAddr
	wake    chan struct{}
}

// MockUDPPacket is a packet queued on a MockUDPSocket.
type MockUDPPacket struct {
	Data []byte
	Addr *net.UDPAddr
}

// NewMockUDPSocket returns a socket preloaded with packets.
func NewMockUDPSocket(packets ...MockUDPPacket) *MockUDPSocket {
	return &MockUDPSocket{
		packets: packets,
		local:   &net.UDPAddr{IP: net.IPv4zero, Port: 7654},
		wake:    make(chan struct{}, 1),
	}
}

// Inject queues a packet for the reader.
func (m *MockUDPSocket) Inject(data []byte, from *net.UDPAddr) {
	m.mu.Lock()
	m.packets = append(m.packets, MockUDPPacket{Data: data, Addr: from})
	m.mu.Unlock()
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// ReadFromUDP returns the next queued packet, waiting briefly for one.
func (m *MockUDPSocket) ReadFromUDP(b []byte) (int, *net.UDPAddr, error) {
	for attempt := 0; attempt < 2; attempt++ {
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return 0, nil, net.ErrClosed
		}
		if len(m.packets) > 0 {
			pkt := m.packets[0]
			m.packets = m.packets[1:]
			m.mu.Unlock()
			return copy(b, pkt.Data), pkt.Addr, nil
		}
		m.mu.Unlock()
		if attempt == 0 {
			select {
			case <-m.wake:
			case <-time.After(5 * time.Millisecond):
			}
		}
	}
	return 0, nil, &net.OpError{Op: "read", Net: "udp", Err: timeoutError{}}
}

// SetReadBuffer records the buffer size.
func (m *MockUDPSocket) SetReadBuffer(bytes int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rcvBuf = bytes
	return nil
}

// SetReadDeadline is a no-op.
func (m *MockUDPSocket) SetReadDeadline(time.Time) error { return nil }

// Close marks the socket closed.
func (m *MockUDPSocket) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Closed reports whether Close was called.
func (m *MockUDPSocket) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// LocalAddr returns the mock local address.
func (m *MockUDPSocket) LocalAddr() net.Addr { return m.local }

// MockUDPSocketFactory hands out one preconfigured socket.
type MockUDPSocketFactory struct {
	Socket *MockUDPSocket
	Err    error
}

// ListenUDP returns the configured socket or error.
func (f *MockUDPSocketFactory) ListenUDP(string, *net.UDPAddr) (UDPSocket, error) {
	if f.Err != nil {
		return nil, f.Err
	}
	return f.Socket, nil
}

type timeoutError struct{}

func (timeoutError) Error() string   { return "i/o timeout" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }
