package relay

import "github.com/banshee-data/livox.relay/internal/lidar/livox"

// LossEvent describes one inferred missed transmission.
type LossEvent struct {
	Handle        uint8  `json:"handle"`
	BroadcastCode string `json:"broadcast_code"`
	Lost          uint32 `json:"lost"`
	Timestamp     uint64 `json:"timestamp"`
	Received      uint32 `json:"received"`
}

// LossDetector infers dropped batches from gaps between consecutive
// device timestamps.
type LossDetector struct {
	// GapThreshold is the largest gap, in device timestamp units, that is
	// still considered contiguous.
	GapThreshold uint64
	// Report is called for every detected gap. May be nil.
	Report func(LossEvent)
}

// Observe updates stats for one batch header. It returns true when a gap
// was counted. Headers whose timestamp type is not a comparable counter
// leave stats untouched.
//
// Observe must be called from the device's delivery context only.
func (d *LossDetector) Observe(stats *LossStatistics, handle uint8, code string, h livox.Header) bool {
	if !h.TimestampType.SupportsLossDetection() {
		return false
	}

	cur := h.Timestamp
	last := stats.lastTimestamp.Load()
	received := stats.received.Add(1)

	gapped := false
	if last != 0 && cur-last > d.GapThreshold {
		lost := stats.lost.Add(1)
		gapped = true
		if d.Report != nil {
			d.Report(LossEvent{
				Handle:        handle,
				BroadcastCode: code,
				Lost:          lost,
				Timestamp:     cur,
				Received:      received,
			})
		}
	}

	stats.lastTimestamp.Store(cur)
	return gapped
}
