// Package network moves Livox datagrams from a UDP socket or a capture
// file into a PacketHandler.
package network

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/banshee-data/livox.relay/internal/monitoring"
)

// maxDatagram covers the largest Livox data packet with margin.
const maxDatagram = 2048

// PacketHandler consumes one datagram and the address it came from.
type PacketHandler interface {
	HandlePacket(src net.IP, payload []byte) error
}

// PacketHandlerFunc adapts a function to PacketHandler.
type PacketHandlerFunc func(src net.IP, payload []byte) error

func (f PacketHandlerFunc) HandlePacket(src net.IP, payload []byte) error { return f(src, payload) }

// PacketStatsInterface provides packet statistics management.
type PacketStatsInterface interface {
	AddPacket(bytes int)
	AddDropped()
	AddRejected()
	LogStats()
}

// UDPListener reads Livox datagrams from a UDP socket.
type UDPListener struct {
	address     string
	rcvBuf      int
	logInterval time.Duration
	stats       PacketStatsInterface
	handler     PacketHandler
	forwarder   *PacketForwarder
	sockets     UDPSocketFactory
	socket      UDPSocket
}

// UDPListenerConfig contains configuration options for the UDP listener.
type UDPListenerConfig struct {
	Address     string
	RcvBuf      int
	LogInterval time.Duration
	Stats       PacketStatsInterface
	Handler     PacketHandler
	// Forwarder mirrors every raw datagram to another address. Optional.
	Forwarder *PacketForwarder
	Sockets   UDPSocketFactory
}

// NewUDPListener creates a new UDP listener with the provided configuration.
func NewUDPListener(config UDPListenerConfig) *UDPListener {
	stats := config.Stats
	if stats == nil {
		stats = noopStats{}
	}
	logInterval := config.LogInterval
	if logInterval == 0 {
		logInterval = time.Minute
	}
	sockets := config.Sockets
	if sockets == nil {
		sockets = RealUDPSocketFactory{}
	}
	return &UDPListener{
		address:     config.Address,
		rcvBuf:      config.RcvBuf,
		logInterval: logInterval,
		stats:       stats,
		handler:     config.Handler,
		forwarder:   config.Forwarder,
		sockets:     sockets,
	}
}

type noopStats struct{}

func (noopStats) AddPacket(int) {}
func (noopStats) AddDropped()   {}
func (noopStats) AddRejected()  {}
func (noopStats) LogStats()     {}

// Start listens until ctx is cancelled.
func (l *UDPListener) Start(ctx context.Context) error {
	addr, err := net.ResolveUDPAddr("udp", l.address)
	if err != nil {
		return fmt.Errorf("failed to resolve UDP address: %w", err)
	}
	socket, err := l.sockets.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on UDP address: %w", err)
	}
	l.socket = socket
	defer socket.Close()

	if l.rcvBuf > 0 {
		if err := socket.SetReadBuffer(l.rcvBuf); err != nil {
			monitoring.Warnf("[Network] failed to set UDP receive buffer to %d: %v", l.rcvBuf, err)
		}
	}
	monitoring.Logf("[Network] UDP listener started on %s", socket.LocalAddr())

	if l.forwarder != nil {
		l.forwarder.Start(ctx)
	}
	go l.logStats(ctx)

	buffer := make([]byte, maxDatagram)
	for {
		if ctx.Err() != nil {
			monitoring.Logf("[Network] UDP listener stopping")
			return ctx.Err()
		}
		// A short deadline lets the loop notice cancellation.
		if err := socket.SetReadDeadline(time.Now().Add(100 * time.Millisecond)); err != nil {
			monitoring.Warnf("[Network] set read deadline: %v", err)
		}
		n, from, err := socket.ReadFromUDP(buffer)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, net.ErrClosed) {
				return err
			}
			monitoring.Warnf("[Network] UDP read error: %v", err)
			continue
		}
		var src net.IP
		if from != nil {
			src = from.IP
		}
		l.handle(src, buffer[:n])
	}
}

func (l *UDPListener) handle(src net.IP, packet []byte) {
	l.stats.AddPacket(len(packet))
	if l.forwarder != nil {
		l.forwarder.ForwardAsync(packet)
	}
	if l.handler == nil {
		return
	}
	if err := l.handler.HandlePacket(src, packet); err != nil {
		l.stats.AddRejected()
	}
}

func (l *UDPListener) logStats(ctx context.Context) {
	ticker := time.NewTicker(l.logInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.stats.LogStats()
		}
	}
}

// Close closes the socket if Start opened one.
func (l *UDPListener) Close() error {
	if l.socket != nil {
		return l.socket.Close()
	}
	return nil
}
