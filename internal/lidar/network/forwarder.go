package network

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/banshee-data/livox.relay/internal/monitoring"
)

// DropCounter counts datagrams the forwarder had to drop.
type DropCounter interface {
	AddDropped()
}

// PacketForwarder mirrors raw datagrams to another UDP address without
// blocking the receive loop.
type PacketForwarder struct {
	conn        net.Conn
	channel     chan []byte
	stats       DropCounter
	logInterval time.Duration
	address     string
	startOnce   sync.Once
}

// NewPacketForwarder dials address and buffers up to queue datagrams.
func NewPacketForwarder(address string, queue int, stats DropCounter, logInterval time.Duration) (*PacketForwarder, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", address)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve forward address: %w", err)
	}
	conn, err := net.DialUDP("udp", nil, udpAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to create forward connection: %w", err)
	}
	if queue <= 0 {
		queue = 1000
	}
	if logInterval <= 0 {
		logInterval = time.Minute
	}
	return &PacketForwarder{
		conn:        conn,
		channel:     make(chan []byte, queue),
		stats:       stats,
		logInterval: logInterval,
		address:     address,
	}, nil
}

// Start runs the writer until ctx is done. Calls after the first are
// no-ops.
func (f *PacketForwarder) Start(ctx context.Context) {
	f.startOnce.Do(func() { f.start(ctx) })
}

func (f *PacketForwarder) start(ctx context.Context) {
	go func() {
		failed := 0
		var lastErr error
		ticker := time.NewTicker(f.logInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case packet := <-f.channel:
				if _, err := f.conn.Write(packet); err != nil {
					failed++
					lastErr = err
				}
			case <-ticker.C:
				if failed > 0 {
					monitoring.Warnf("[Network] failed to forward %d packets to %s (latest: %v)", failed, f.address, lastErr)
					failed, lastErr = 0, nil
				}
			}
		}
	}()
	monitoring.Logf("[Network] mirroring packets to %s", f.address)
}

// ForwardAsync queues a copy of packet. A full queue drops it.
func (f *PacketForwarder) ForwardAsync(packet []byte) {
	buf := make([]byte, len(packet))
	copy(buf, packet)
	select {
	case f.channel <- buf:
	default:
		if f.stats != nil {
			f.stats.AddDropped()
		}
	}
}

// Close releases the connection.
func (f *PacketForwarder) Close() error {
	return f.conn.Close()
}
