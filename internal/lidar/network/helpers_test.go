package network

import (
	"net"
	"sync"
	"time"
)

// mockSocket replays canned datagrams, then reports timeouts.
type mockSocket struct {
	mu      sync.Mutex
	packets []mockPacket
	next    int
	closed  bool
	rcvBuf  int
	readErr error
}

type mockPacket struct {
	data []byte
	from *net.UDPAddr
}

func (m *mockSocket) ReadFromUDP(b []byte) (int, *net.UDPAddr, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, nil, net.ErrClosed
	}
	if m.readErr != nil {
		err := m.readErr
		m.readErr = nil
		return 0, nil, err
	}
	if m.next >= len(m.packets) {
		m.mu.Unlock()
		time.Sleep(time.Millisecond)
		m.mu.Lock()
		return 0, nil, &net.OpError{Op: "read", Net: "udp", Err: timeoutError{}}
	}
	p := m.packets[m.next]
	m.next++
	return copy(b, p.data), p.from, nil
}

func (m *mockSocket) SetReadBuffer(n int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rcvBuf = n
	return nil
}

func (m *mockSocket) SetReadDeadline(time.Time) error { return nil }

func (m *mockSocket) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *mockSocket) LocalAddr() net.Addr {
	return &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 56001}
}

func (m *mockSocket) consumed() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.next
}

type mockFactory struct {
	socket *mockSocket
	err    error
	calls  int
}

func (f *mockFactory) ListenUDP(string, *net.UDPAddr) (UDPSocket, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.socket, nil
}

type timeoutError struct{}

func (timeoutError) Error() string   { return "i/o timeout" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }

// recordingHandler keeps every datagram it is handed.
type recordingHandler struct {
	mu      sync.Mutex
	sources []string
	sizes   []int
	reject  bool
}

func (h *recordingHandler) HandlePacket(src net.IP, payload []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sources = append(h.sources, src.String())
	h.sizes = append(h.sizes, len(payload))
	if h.reject {
		return net.UnknownNetworkError("rejected")
	}
	return nil
}

func (h *recordingHandler) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sizes)
}
