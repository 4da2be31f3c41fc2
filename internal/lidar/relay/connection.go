package relay

import (
	"context"

	"github.com/banshee-data/livox.relay/internal/lidar/livox"
	"github.com/banshee-data/livox.relay/internal/monitoring"
	"github.com/looplab/fsm"
)

const (
	eventConnect        = "connect"
	eventDisconnect     = "disconnect"
	eventStartSampling  = "start_sampling"
	eventSamplingFailed = "sampling_failed"
)

// newConnectionFSM builds the per-slot connection machine. Entering a state
// mirrors it into the slot's atomic so the ingest path can read it without
// taking the machine's lock.
func newConnectionFSM(slot *DeviceSlot) *fsm.FSM {
	return fsm.NewFSM(
		StateDisconnected.String(),
		fsm.Events{
			{Name: eventConnect, Src: []string{StateDisconnected.String()}, Dst: StateConnected.String()},
			{Name: eventDisconnect, Src: []string{StateConnected.String(), StateSampling.String()}, Dst: StateDisconnected.String()},
			{Name: eventStartSampling, Src: []string{StateConnected.String()}, Dst: StateSampling.String()},
			{Name: eventSamplingFailed, Src: []string{StateSampling.String()}, Dst: StateConnected.String()},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				slot.state.Store(int32(parseDeviceState(e.Dst)))
			},
		},
	)
}

// transition fires event on the slot's machine if the current state allows
// it. Events that do not apply are ignored.
func (r *Relay) transition(slot *DeviceSlot, event string) bool {
	if !slot.machine.Can(event) {
		return false
	}
	if err := slot.machine.Event(context.Background(), event); err != nil {
		monitoring.Warnf("[Relay] handle %d: %s failed: %v", slot.handle, event, err)
		return false
	}
	r.metrics.state(slot.handle, slot.State())
	return true
}

func (r *Relay) allowed(code string) bool {
	for _, c := range r.allow {
		if livox.MatchBroadcastCode(c, code) {
			return true
		}
	}
	return false
}

// OnBroadcast handles a discovery notification. Allow-listed devices
// without a slot are added to the device manager's connect list and their
// ingest path is installed. It returns the assigned handle.
func (r *Relay) OnBroadcast(info livox.BroadcastInfo) (uint8, bool) {
	if !r.allowed(info.BroadcastCode) {
		return 0, false
	}
	monitoring.Logf("[Relay] received broadcast code %s", info.BroadcastCode)
	if slot, ok := r.registry.findByCode(info.BroadcastCode); ok {
		return slot.handle, true
	}

	handle, err := r.commander.AddLidarToConnect(info.BroadcastCode)
	if err != nil {
		monitoring.Warnf("[Relay] add %s to connect list failed: %v", info.BroadcastCode, err)
		return 0, false
	}
	slot, ok := r.registry.Slot(handle)
	if !ok {
		monitoring.Warnf("[Relay] %s assigned out-of-range handle %d", info.BroadcastCode, handle)
		return 0, false
	}

	r.commander.SetDataCallback(handle, r.OnData)
	slot.assign(info.BroadcastCode)
	slot.machine.SetState(StateDisconnected.String())
	slot.state.Store(int32(StateDisconnected))
	r.metrics.state(handle, StateDisconnected)
	return handle, true
}

// OnDeviceChange handles connect, disconnect and state-change events for
// an assigned handle, then starts sampling if the device is connected and
// healthy.
func (r *Relay) OnDeviceChange(info *livox.DeviceInfo, event livox.DeviceEvent) {
	if info == nil {
		return
	}
	slot, ok := r.registry.Slot(info.Handle)
	if !ok || !slot.Assigned() {
		return
	}
	monitoring.Logf("[Relay] device %s handle %d event %s", info.BroadcastCode, info.Handle, event)

	switch event {
	case livox.EventConnect:
		r.commander.QueryDeviceInformation(slot.handle)
		if slot.State() == StateDisconnected {
			slot.setInfo(*info)
			r.transition(slot, eventConnect)
		}
	case livox.EventDisconnect:
		r.transition(slot, eventDisconnect)
	case livox.EventStateChange:
		slot.setInfo(*info)
	}

	if slot.State() != StateConnected {
		return
	}
	current := slot.Info()
	monitoring.Logf("[Relay] handle %d working state %s status code %d feature %d",
		slot.handle, current.State, current.StatusCode, current.Feature)
	if !current.ReadyToSample() {
		return
	}
	if current.Type == livox.DeviceTypeHub {
		r.commander.HubStartSampling()
	} else {
		r.commander.LidarStartSampling(slot.handle)
	}
	r.transition(slot, eventStartSampling)
}

// OnSampleResult handles the asynchronous answer to a start-sampling
// request. A timeout, or a device that refused the request, puts the slot
// back to Connected so the next state change can try again.
func (r *Relay) OnSampleResult(status livox.Status, handle uint8, response uint8) {
	monitoring.Logf("[Relay] start sampling status %s handle %d response %d", status, handle, response)
	slot, ok := r.registry.Slot(handle)
	if !ok {
		return
	}
	failed := (status == livox.StatusSuccess && response != 0) || status == livox.StatusTimeout
	if failed {
		r.transition(slot, eventSamplingFailed)
	}
}

// OnDeviceInformation logs the answer to a firmware query. It never
// affects the connection state.
func (r *Relay) OnDeviceInformation(status livox.Status, handle uint8, resp *livox.DeviceInformationResponse) {
	if status != livox.StatusSuccess {
		monitoring.Warnf("[Relay] handle %d device information query failed: %s", handle, status)
	}
	if resp != nil {
		monitoring.Logf("[Relay] handle %d firmware %s", handle, resp.Firmware())
	}
}

// Stop asks every sampling device to stop. Slot states are left as they
// are; the device manager reports disconnects separately.
func (r *Relay) Stop() {
	hubStopped := false
	for i := 0; i < r.registry.Len(); i++ {
		slot, _ := r.registry.Slot(uint8(i))
		if slot.State() != StateSampling {
			continue
		}
		if slot.Info().Type == livox.DeviceTypeHub {
			if !hubStopped {
				r.commander.HubStopSampling()
				hubStopped = true
			}
			continue
		}
		r.commander.LidarStopSampling(slot.handle)
	}
}
