package relay

import (
	"fmt"
	"time"

	"github.com/banshee-data/livox.relay/internal/lidar/livox"
)

// Config holds the build-time constants of the relay core.
type Config struct {
	// QueueCapacity is the per-device ring size; must be a power of two.
	QueueCapacity uint32
	// FrameSize is the number of points per published frame; must be
	// smaller than QueueCapacity.
	FrameSize uint32
	// PollRate is the publisher cadence in Hz.
	PollRate float64
	// GapThreshold is the inter-batch timestamp gap (device units, ns)
	// above which a loss is counted.
	GapThreshold uint64
	// MaxDevices is the number of device slots.
	MaxDevices int
	// AllowList holds the broadcast codes that may be connected.
	AllowList []string
	// FrameID is stamped on every frame.
	FrameID string
}

// DefaultConfig returns the values the relay was originally tuned for.
func DefaultConfig() Config {
	return Config{
		QueueCapacity: 32 * 1024,
		FrameSize:     5000,
		PollRate:      500,
		GapThreshold:  uint64(1500 * time.Microsecond),
		MaxDevices:    livox.MaxLidarCount,
		FrameID:       "sensor_frame",
	}
}

// Validate checks the invariants between the configured constants.
func (c Config) Validate() error {
	if c.QueueCapacity < 2 || c.QueueCapacity&(c.QueueCapacity-1) != 0 {
		return fmt.Errorf("queue capacity must be a power of two >= 2, got %d", c.QueueCapacity)
	}
	if c.FrameSize == 0 || c.FrameSize >= c.QueueCapacity {
		return fmt.Errorf("frame size must be in [1, %d), got %d", c.QueueCapacity, c.FrameSize)
	}
	if c.PollRate <= 0 {
		return fmt.Errorf("poll rate must be positive, got %f", c.PollRate)
	}
	if c.MaxDevices <= 0 || c.MaxDevices > livox.MaxLidarCount {
		return fmt.Errorf("max devices must be in [1, %d], got %d", livox.MaxLidarCount, c.MaxDevices)
	}
	return nil
}

// PollInterval converts PollRate to a ticker period.
func (c Config) PollInterval() time.Duration {
	return time.Duration(float64(time.Second) / c.PollRate)
}
