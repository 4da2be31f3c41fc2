package sink

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sethvargo/go-retry"
	"golang.org/x/time/rate"

	"github.com/banshee-data/livox.relay/internal/lidar/relay"
	"github.com/banshee-data/livox.relay/internal/monitoring"
)

// DefaultQueue is the per-sink frame buffer when none is configured.
const DefaultQueue = 64

// drainTimeout bounds delivery of the frames still queued at shutdown.
const drainTimeout = 2 * time.Second

// Stats is a sink's running totals.
type Stats struct {
	Sent    uint64 `json:"sent"`
	Dropped uint64 `json:"dropped"`
	Failed  uint64 `json:"failed"`
}

type deliverFunc func(ctx context.Context, f *relay.Frame) error

// worker decouples the poll loop from a network sink: PublishFrame only
// enqueues, and a background goroutine delivers.
type worker struct {
	name    string
	frames  chan *relay.Frame
	deliver deliverFunc
	metrics *Metrics
	errLog  *rate.Limiter

	sent    atomic.Uint64
	dropped atomic.Uint64
	failed  atomic.Uint64

	wg sync.WaitGroup
}

func newWorker(name string, queue int, deliver deliverFunc, m *Metrics) *worker {
	if queue <= 0 {
		queue = DefaultQueue
	}
	return &worker{
		name:    name,
		frames:  make(chan *relay.Frame, queue),
		deliver: deliver,
		metrics: m,
		errLog:  rate.NewLimiter(rate.Every(5*time.Second), 1),
	}
}

// PublishFrame enqueues f, dropping it when the queue is full.
func (w *worker) PublishFrame(f *relay.Frame) {
	select {
	case w.frames <- f:
	default:
		w.dropped.Add(1)
		w.metrics.droppedFrame(w.name)
	}
}

// Start runs the delivery loop until ctx is done, then delivers whatever
// is still queued.
func (w *worker) Start(ctx context.Context) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		for {
			select {
			case <-ctx.Done():
				w.drain(ctx)
				return
			case f := <-w.frames:
				w.send(ctx, f)
			}
		}
	}()
}

func (w *worker) send(ctx context.Context, f *relay.Frame) {
	if err := w.deliver(ctx, f); err != nil {
		w.failed.Add(1)
		w.metrics.failedFrame(w.name)
		if w.errLog.Allow() {
			monitoring.Warnf("[Sink/%s] deliver frame %d from %s: %v", w.name, f.Seq, f.BroadcastCode, err)
		}
		return
	}
	w.sent.Add(1)
	w.metrics.sentFrame(w.name)
}

// drain sends queued frames on a context detached from the cancelled loop.
// Frames left when drainTimeout expires are counted as dropped.
func (w *worker) drain(parent context.Context) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), drainTimeout)
	defer cancel()
	for ctx.Err() == nil {
		select {
		case f := <-w.frames:
			w.send(ctx, f)
		default:
			return
		}
	}
	for left := len(w.frames); left > 0; left-- {
		<-w.frames
		w.dropped.Add(1)
		w.metrics.droppedFrame(w.name)
	}
}

// Wait blocks until the delivery loop has exited.
func (w *worker) Wait() { w.wg.Wait() }

// Stats returns the sink's totals.
func (w *worker) Stats() Stats {
	return Stats{Sent: w.sent.Load(), Dropped: w.dropped.Load(), Failed: w.failed.Load()}
}

// RetryPolicy bounds connection attempts for network sinks.
type RetryPolicy struct {
	Attempts uint64
	Base     time.Duration
	Max      time.Duration
}

// DefaultRetry tries five times with exponential backoff capped at 5s.
var DefaultRetry = RetryPolicy{Attempts: 5, Base: 200 * time.Millisecond, Max: 5 * time.Second}

func (p RetryPolicy) backoff() retry.Backoff {
	base := p.Base
	if base <= 0 {
		base = DefaultRetry.Base
	}
	b := retry.NewExponential(base)
	if p.Max > 0 {
		b = retry.WithCappedDuration(p.Max, b)
	}
	return retry.WithMaxRetries(p.Attempts, b)
}

// connect runs dial until it succeeds, the policy gives up, or ctx ends.
func connect(ctx context.Context, name string, policy RetryPolicy, dial func(ctx context.Context) error) error {
	attempt := 0
	return retry.Do(ctx, policy.backoff(), func(ctx context.Context) error {
		attempt++
		if err := dial(ctx); err != nil {
			monitoring.Warnf("[Sink/%s] connect attempt %d failed: %v", name, attempt, err)
			return retry.RetryableError(err)
		}
		return nil
	})
}
