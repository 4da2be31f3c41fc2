package statsdb

import (
	"context"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/banshee-data/livox.relay/internal/lidar/relay"
	"github.com/banshee-data/livox.relay/internal/monitoring"
	"github.com/banshee-data/livox.relay/internal/timeutil"
)

// SnapshotSource yields the current per-slot state. *relay.Relay
// satisfies it.
type SnapshotSource interface {
	Snapshots() []relay.SlotSnapshot
}

// RecorderConfig configures a Recorder.
type RecorderConfig struct {
	Store    *Store
	Run      string
	Source   SnapshotSource
	Interval time.Duration
	Clock    timeutil.Clock
	// LossQueue bounds pending loss events. Defaults to 256.
	LossQueue int
}

// Recorder writes periodic slot snapshots and loss events to a Store.
// Loss events are queued so the relay's delivery path never waits on
// disk.
type Recorder struct {
	store    *Store
	run      string
	source   SnapshotSource
	interval time.Duration
	clock    timeutil.Clock

	losses  chan relay.LossEvent
	dropped atomic.Uint64
	written atomic.Uint64
	errLog  *rate.Limiter
}

// NewRecorder builds a Recorder. It does not start it.
func NewRecorder(cfg RecorderConfig) *Recorder {
	if cfg.Clock == nil {
		cfg.Clock = timeutil.RealClock{}
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Second
	}
	if cfg.LossQueue <= 0 {
		cfg.LossQueue = 256
	}
	return &Recorder{
		store:    cfg.Store,
		run:      cfg.Run,
		source:   cfg.Source,
		interval: cfg.Interval,
		clock:    cfg.Clock,
		losses:   make(chan relay.LossEvent, cfg.LossQueue),
		errLog:   rate.NewLimiter(rate.Every(10*time.Second), 1),
	}
}

// RecordLoss queues a loss event. It never blocks; when the queue is
// full the event is counted as dropped.
func (r *Recorder) RecordLoss(e relay.LossEvent) {
	select {
	case r.losses <- e:
	default:
		r.dropped.Add(1)
	}
}

// Dropped returns how many loss events were discarded.
func (r *Recorder) Dropped() uint64 { return r.dropped.Load() }

// Written returns how many snapshot sets have been written.
func (r *Recorder) Written() uint64 { return r.written.Load() }

// Flush writes a snapshot of the source immediately.
func (r *Recorder) Flush() error {
	if r.source == nil {
		return nil
	}
	if err := r.store.RecordSnapshot(r.run, r.clock.Now(), r.source.Snapshots()); err != nil {
		return err
	}
	r.written.Add(1)
	return nil
}

// Run records until ctx is cancelled. Pending loss events and one final
// snapshot are written before it returns.
func (r *Recorder) Run(ctx context.Context) error {
	ticker := r.clock.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.drainLosses()
			r.logErr(r.Flush())
			return ctx.Err()
		case e := <-r.losses:
			r.logErr(r.store.RecordLossEvent(r.run, r.clock.Now(), e))
		case <-ticker.C():
			r.logErr(r.Flush())
		}
	}
}

func (r *Recorder) drainLosses() {
	for {
		select {
		case e := <-r.losses:
			r.logErr(r.store.RecordLossEvent(r.run, r.clock.Now(), e))
		default:
			return
		}
	}
}

func (r *Recorder) logErr(err error) {
	if err != nil && r.errLog.Allow() {
		monitoring.Warnf("[StatsDB] write failed: %v", err)
	}
}
