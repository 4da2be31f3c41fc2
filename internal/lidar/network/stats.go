package network

import (
	"fmt"
	"sync"
	"time"

	"github.com/banshee-data/livox.relay/internal/monitoring"
)

// PacketStats counts datagrams between log intervals.
type PacketStats struct {
	mu        sync.Mutex
	packets   int64
	bytes     int64
	dropped   int64
	rejected  int64
	lastReset time.Time
	now       func() time.Time
}

// NewPacketStats creates a new PacketStats instance.
func NewPacketStats() *PacketStats {
	return &PacketStats{lastReset: time.Now(), now: time.Now}
}

// AddPacket counts one received datagram of the given size.
func (ps *PacketStats) AddPacket(bytes int) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.packets++
	ps.bytes += int64(bytes)
}

// AddDropped counts a datagram the mirror could not forward.
func (ps *PacketStats) AddDropped() {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.dropped++
}

// AddRejected counts a datagram the handler refused.
func (ps *PacketStats) AddRejected() {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.rejected++
}

// StatsWindow is one interval's worth of counters.
type StatsWindow struct {
	Packets  int64
	Bytes    int64
	Dropped  int64
	Rejected int64
	Duration time.Duration
}

// GetAndReset returns the current window and starts a new one.
func (ps *PacketStats) GetAndReset() StatsWindow {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	now := ps.now()
	w := StatsWindow{
		Packets:  ps.packets,
		Bytes:    ps.bytes,
		Dropped:  ps.dropped,
		Rejected: ps.rejected,
		Duration: now.Sub(ps.lastReset),
	}
	ps.packets, ps.bytes, ps.dropped, ps.rejected = 0, 0, 0, 0
	ps.lastReset = now
	return w
}

// Format renders a window as per-second rates.
func (w StatsWindow) Format() string {
	secs := w.Duration.Seconds()
	if secs <= 0 {
		secs = 1
	}
	msg := fmt.Sprintf("Lidar stats (/sec): %.2f MB, %.1f packets",
		float64(w.Bytes)/secs/(1024*1024), float64(w.Packets)/secs)
	if w.Rejected > 0 {
		msg += fmt.Sprintf(", %d rejected", w.Rejected)
	}
	if w.Dropped > 0 {
		msg += fmt.Sprintf(", %d dropped on forward", w.Dropped)
	}
	return msg
}

// LogStats logs and resets the counters. Quiet intervals are not logged.
func (ps *PacketStats) LogStats() {
	w := ps.GetAndReset()
	if w.Packets > 0 || w.Dropped > 0 || w.Rejected > 0 {
		monitoring.Logf("[Network] %s", w.Format())
	}
}
