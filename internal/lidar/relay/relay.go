package relay

import (
	"fmt"
	"time"

	"github.com/banshee-data/livox.relay/internal/lidar/livox"
	"github.com/banshee-data/livox.relay/internal/lidar/ring"
	"github.com/banshee-data/livox.relay/internal/monitoring"
	"github.com/banshee-data/livox.relay/internal/timeutil"
	"golang.org/x/time/rate"
)

// Options carries the relay's collaborators. Only Commander is required.
type Options struct {
	Commander Commander
	Sink      FrameSink
	Clock     timeutil.Clock
	Metrics   *Metrics
	// OnLoss observes every loss event after it has been counted.
	OnLoss func(LossEvent)
	// LossLogEvery bounds how often loss diagnostics are logged. Zero
	// uses one line per 100ms with a burst of 10.
	LossLogEvery time.Duration
}

// Relay owns the device arena, one queue per slot, and the handlers the
// device manager calls into.
type Relay struct {
	cfg       Config
	commander Commander
	sink      FrameSink
	clock     timeutil.Clock
	metrics   *Metrics
	onLoss    func(LossEvent)
	lossLog   *rate.Limiter

	registry *Registry
	queues   []*ring.Queue[livox.Point]
	loss     LossDetector
	allow    []string
}

// New builds a relay with every queue allocated up front.
func New(cfg Config, opts Options) (*Relay, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid relay config: %w", err)
	}
	if opts.Commander == nil {
		return nil, fmt.Errorf("relay requires a commander")
	}
	if opts.Sink == nil {
		opts.Sink = discardSink{}
	}
	if opts.Clock == nil {
		opts.Clock = timeutil.RealClock{}
	}
	every := opts.LossLogEvery
	if every <= 0 {
		every = 100 * time.Millisecond
	}

	r := &Relay{
		cfg:       cfg,
		commander: opts.Commander,
		sink:      opts.Sink,
		clock:     opts.Clock,
		metrics:   opts.Metrics,
		onLoss:    opts.OnLoss,
		lossLog:   rate.NewLimiter(rate.Every(every), 10),
		registry:  newRegistry(cfg.MaxDevices),
		queues:    make([]*ring.Queue[livox.Point], cfg.MaxDevices),
		allow:     append([]string(nil), cfg.AllowList...),
	}
	for i := range r.queues {
		q, err := ring.New[livox.Point](cfg.QueueCapacity)
		if err != nil {
			return nil, err
		}
		r.queues[i] = q
	}
	r.loss = LossDetector{GapThreshold: cfg.GapThreshold, Report: r.reportLoss}
	for i := 0; i < r.registry.Len(); i++ {
		r.metrics.state(uint8(i), StateDisconnected)
	}
	return r, nil
}

// Config returns the configuration the relay was built with.
func (r *Relay) Config() Config { return r.cfg }

// Registry exposes the device arena for diagnostics.
func (r *Relay) Registry() *Registry { return r.registry }

// QueueUsed returns the unread point count for a handle.
func (r *Relay) QueueUsed(handle uint8) (uint32, bool) {
	if int(handle) >= len(r.queues) {
		return 0, false
	}
	return r.queues[handle].UsedSize(), true
}

func (r *Relay) reportLoss(e LossEvent) {
	if r.lossLog.Allow() {
		monitoring.Warnf("[Relay] %s miss count: %d timestamp: %d total count: %d",
			e.BroadcastCode, e.Lost, e.Timestamp, e.Received)
	}
	if r.onLoss != nil {
		r.onLoss(e)
	}
}

// Snapshot copies the state of one slot.
func (r *Relay) Snapshot(handle uint8) (SlotSnapshot, bool) {
	slot, ok := r.registry.Slot(handle)
	if !ok {
		return SlotSnapshot{}, false
	}
	info := slot.Info()
	return SlotSnapshot{
		Handle:        handle,
		BroadcastCode: slot.BroadcastCode(),
		State:         slot.State().String(),
		Info:          info,
		Received:      slot.Stats.Received(),
		Lost:          slot.Stats.Lost(),
		LastTimestamp: slot.Stats.LastTimestamp(),
		QueueUsed:     r.queues[handle].UsedSize(),
	}, true
}

// Snapshots copies every assigned slot in handle order.
func (r *Relay) Snapshots() []SlotSnapshot {
	out := make([]SlotSnapshot, 0, r.registry.Len())
	for i := 0; i < r.registry.Len(); i++ {
		slot, _ := r.registry.Slot(uint8(i))
		if !slot.Assigned() {
			continue
		}
		s, _ := r.Snapshot(uint8(i))
		out = append(out, s)
	}
	return out
}
