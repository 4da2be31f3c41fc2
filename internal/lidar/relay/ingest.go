package relay

import "github.com/banshee-data/livox.relay/internal/lidar/livox"

// OnData is the ingest path: the device manager calls it once per
// delivered batch, serialized per handle.
//
// Empty batches and out-of-range handles are ignored silently. Batches for
// a slot that is unassigned or disconnected are ignored too, which closes
// the window where a late batch races a disconnect/reconnect. When the
// queue fills up the rest of the batch is dropped.
func (r *Relay) OnData(handle uint8, batch *livox.Batch) {
	if batch == nil || len(batch.Points) == 0 {
		return
	}
	slot, ok := r.registry.Slot(handle)
	if !ok {
		return
	}
	if !slot.Assigned() || slot.State() == StateDisconnected {
		r.metrics.ignored()
		return
	}

	counted := batch.Header.TimestampType.SupportsLossDetection()
	lost := r.loss.Observe(&slot.Stats, handle, slot.BroadcastCode(), batch.Header)
	r.metrics.batch(handle, counted, lost)

	q := r.queues[handle]
	queued := 0
	for _, raw := range batch.Points {
		if q.IsFull() {
			break
		}
		q.Push(livox.ConvertPoint(raw))
		queued++
	}
	r.metrics.points(handle, queued, len(batch.Points)-queued)
}
