package ring

import "sync/atomic"

// Index is a free-running queue position shared between exactly one writer
// and any number of readers.
//
// Go's sync/atomic operations are sequentially consistent, which is
// strictly stronger than the release/acquire pairing the queue needs.
type Index struct {
	v atomic.Uint32
}

// Load returns the current position with acquire semantics.
func (i *Index) Load() uint32 { return i.v.Load() }

// Store publishes a new position with release semantics. Only the owning
// side of the queue may call Store.
func (i *Index) Store(n uint32) { i.v.Store(n) }
