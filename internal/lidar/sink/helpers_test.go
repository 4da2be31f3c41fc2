package sink

import (
	"testing"
	"time"

	"github.com/banshee-data/livox.relay/internal/lidar/livox"
	"github.com/banshee-data/livox.relay/internal/lidar/relay"
	"github.com/banshee-data/livox.relay/internal/monitoring"
)

const testCode = "0TFDFCE00502151"

func quietLogs(t *testing.T) {
	t.Helper()
	monitoring.SetLogger(t.Logf)
	t.Cleanup(func() { monitoring.SetLogger(nil) })
}

func testFrame(seq uint64, n int) *relay.Frame {
	f := &relay.Frame{
		FrameID:       "sensor_frame",
		Seq:           seq,
		Handle:        3,
		BroadcastCode: testCode,
		Timestamp:     time.Date(2026, 6, 1, 10, 0, 0, 123456789, time.UTC),
		Points:        make([]livox.Point, n),
		Intensity:     make([]float32, n),
	}
	for i := range f.Points {
		f.Points[i] = livox.Point{X: 1.5 + float32(i), Y: -0.25, Z: 0.75, Reflectivity: uint8(10 + i)}
		f.Intensity[i] = float32(10 + i)
	}
	return f
}
