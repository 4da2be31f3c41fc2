package relay

import (
	"time"

	"github.com/banshee-data/livox.relay/internal/lidar/livox"
)

// Frame is a fixed-size block of points handed to the downstream sink.
// Frames are built fresh for every publish and owned by the sink after
// PublishFrame returns.
type Frame struct {
	FrameID       string
	Seq           uint64
	Handle        uint8
	BroadcastCode string
	Timestamp     time.Time
	Points        []livox.Point
	// Intensity runs parallel to Points.
	Intensity []float32
}

// Len returns the number of points in the frame.
func (f *Frame) Len() int { return len(f.Points) }

// FrameSink receives published frames. Implementations must not block the
// poll loop; a sink that cannot keep up drops frames.
type FrameSink interface {
	PublishFrame(f *Frame)
}

// FrameSinkFunc adapts a function to FrameSink.
type FrameSinkFunc func(f *Frame)

func (fn FrameSinkFunc) PublishFrame(f *Frame) { fn(f) }

type discardSink struct{}

func (discardSink) PublishFrame(*Frame) {}
