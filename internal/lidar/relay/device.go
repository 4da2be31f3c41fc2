package relay

import (
	"sync"
	"sync/atomic"

	"github.com/banshee-data/livox.relay/internal/lidar/livox"
	"github.com/looplab/fsm"
)

// DeviceState is the connection state of a device slot.
type DeviceState int32

const (
	StateDisconnected DeviceState = iota
	StateConnected
	StateSampling
)

func (s DeviceState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnected:
		return "connected"
	case StateSampling:
		return "sampling"
	default:
		return "unknown"
	}
}

func parseDeviceState(name string) DeviceState {
	switch name {
	case "connected":
		return StateConnected
	case "sampling":
		return StateSampling
	default:
		return StateDisconnected
	}
}

// LossStatistics counts batches per device. Counters are written only from
// the device's delivery context and read atomically by diagnostics.
type LossStatistics struct {
	received      atomic.Uint32
	lost          atomic.Uint32
	lastTimestamp atomic.Uint64
}

func (s *LossStatistics) Received() uint32      { return s.received.Load() }
func (s *LossStatistics) Lost() uint32          { return s.lost.Load() }
func (s *LossStatistics) LastTimestamp() uint64 { return s.lastTimestamp.Load() }

// DeviceSlot is one entry of the fixed device arena.
type DeviceSlot struct {
	handle   uint8
	assigned atomic.Bool
	state    atomic.Int32
	machine  *fsm.FSM

	infoMu sync.RWMutex
	info   livox.DeviceInfo
	code   string

	Stats LossStatistics

	// frames is the publish sequence; touched only by Poll.
	frames uint64
}

// Handle returns the slot index.
func (s *DeviceSlot) Handle() uint8 { return s.handle }

// Assigned reports whether a device has been given this handle.
func (s *DeviceSlot) Assigned() bool { return s.assigned.Load() }

// State returns the current connection state without locking.
func (s *DeviceSlot) State() DeviceState { return DeviceState(s.state.Load()) }

// Info returns the latest device info snapshot.
func (s *DeviceSlot) Info() livox.DeviceInfo {
	s.infoMu.RLock()
	defer s.infoMu.RUnlock()
	return s.info
}

// BroadcastCode returns the code the slot was assigned for.
func (s *DeviceSlot) BroadcastCode() string {
	s.infoMu.RLock()
	defer s.infoMu.RUnlock()
	return s.code
}

func (s *DeviceSlot) setInfo(info livox.DeviceInfo) {
	s.infoMu.Lock()
	defer s.infoMu.Unlock()
	s.info = info
	if info.BroadcastCode != "" {
		s.code = info.BroadcastCode
	}
}

func (s *DeviceSlot) assign(code string) {
	s.infoMu.Lock()
	s.code = code
	s.info.BroadcastCode = code
	s.info.Handle = s.handle
	s.infoMu.Unlock()
	s.assigned.Store(true)
}

// Registry is the fixed-size arena of device slots indexed by handle.
type Registry struct {
	slots []DeviceSlot
}

func newRegistry(n int) *Registry {
	r := &Registry{slots: make([]DeviceSlot, n)}
	for i := range r.slots {
		slot := &r.slots[i]
		slot.handle = uint8(i)
		slot.machine = newConnectionFSM(slot)
	}
	return r
}

// Len returns the number of slots.
func (r *Registry) Len() int { return len(r.slots) }

// Slot returns the slot for handle, or false if the handle is out of range.
func (r *Registry) Slot(handle uint8) (*DeviceSlot, bool) {
	if int(handle) >= len(r.slots) {
		return nil, false
	}
	return &r.slots[handle], true
}

// findByCode returns the assigned slot for a broadcast code.
func (r *Registry) findByCode(code string) (*DeviceSlot, bool) {
	for i := range r.slots {
		s := &r.slots[i]
		if s.Assigned() && livox.MatchBroadcastCode(s.BroadcastCode(), code) {
			return s, true
		}
	}
	return nil, false
}

// SlotSnapshot is a point-in-time copy of a slot for diagnostics.
type SlotSnapshot struct {
	Handle        uint8            `json:"handle"`
	BroadcastCode string           `json:"broadcast_code"`
	State         string           `json:"state"`
	Info          livox.DeviceInfo `json:"info"`
	Received      uint32           `json:"received"`
	Lost          uint32           `json:"lost"`
	LastTimestamp uint64           `json:"last_timestamp"`
	QueueUsed     uint32           `json:"queue_used"`
}
