package relay

import (
	"context"

	"github.com/banshee-data/livox.relay/internal/lidar/livox"
	"github.com/banshee-data/livox.relay/internal/monitoring"
)

// Poll is one publisher cycle. For every slot holding more than FrameSize
// points it pops exactly FrameSize of them into a frame and hands it to the
// sink. Slots with FrameSize or fewer points are skipped this cycle.
//
// Poll is the only consumer of every queue and must not run concurrently
// with itself. It returns the number of frames published.
func (r *Relay) Poll() int {
	published := 0
	n := r.cfg.FrameSize
	for i, q := range r.queues {
		handle := uint8(i)
		if q.UsedSize() > n {
			r.sink.PublishFrame(r.buildFrame(handle, n))
			r.metrics.frame(handle)
			published++
		}
		if slot, _ := r.registry.Slot(handle); slot.Assigned() {
			r.metrics.queue(handle, q.UsedSize())
		}
	}
	return published
}

func (r *Relay) buildFrame(handle uint8, n uint32) *Frame {
	slot, _ := r.registry.Slot(handle)
	slot.frames++

	f := &Frame{
		FrameID:       r.cfg.FrameID,
		Seq:           slot.frames,
		Handle:        handle,
		BroadcastCode: slot.BroadcastCode(),
		Timestamp:     r.clock.Now(),
		Points:        make([]livox.Point, n),
		Intensity:     make([]float32, n),
	}
	r.queues[handle].PopInto(f.Points)
	for i, p := range f.Points {
		f.Intensity[i] = float32(p.Reflectivity)
	}
	return f
}

// Run polls at the configured cadence until ctx is done.
func (r *Relay) Run(ctx context.Context) error {
	interval := r.cfg.PollInterval()
	ticker := r.clock.NewTicker(interval)
	defer ticker.Stop()

	monitoring.Logf("[Relay] publisher polling every %v (%d points per frame, %d devices)",
		interval, r.cfg.FrameSize, r.registry.Len())

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C():
			r.Poll()
		}
	}
}
