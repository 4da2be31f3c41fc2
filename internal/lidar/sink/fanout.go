package sink

import (
	"sync"
	"sync/atomic"

	"github.com/banshee-data/livox.relay/internal/lidar/relay"
)

// Multi hands every frame to each sink in order.
type Multi []relay.FrameSink

func (m Multi) PublishFrame(f *relay.Frame) {
	for _, s := range m {
		s.PublishFrame(f)
	}
}

// Counting counts frames and points and keeps the most recent frame.
type Counting struct {
	frames atomic.Uint64
	points atomic.Uint64

	mu   sync.Mutex
	last *relay.Frame
}

func (c *Counting) PublishFrame(f *relay.Frame) {
	c.frames.Add(1)
	c.points.Add(uint64(f.Len()))
	c.mu.Lock()
	c.last = f
	c.mu.Unlock()
}

func (c *Counting) Frames() uint64 { return c.frames.Load() }
func (c *Counting) Points() uint64 { return c.points.Load() }

func (c *Counting) Last() *relay.Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last
}
