package relay

import (
	"errors"
	"testing"

	"github.com/banshee-data/livox.relay/internal/lidar/livox"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func slotState(t *testing.T, r *Relay, h uint8) DeviceState {
	t.Helper()
	slot, ok := r.Registry().Slot(h)
	require.True(t, ok)
	return slot.State()
}

func TestOnBroadcast_AllowList(t *testing.T) {
	r, cmd, _, _ := newTestRelay(t, testConfig())

	_, ok := r.OnBroadcast(livox.BroadcastInfo{BroadcastCode: "NOTONTHELIST00"})
	assert.False(t, ok)
	assert.Empty(t, cmd.Calls())

	h, ok := r.OnBroadcast(livox.BroadcastInfo{BroadcastCode: codeA})
	require.True(t, ok)
	assert.Equal(t, uint8(0), h)
	assert.Equal(t, StateDisconnected, slotState(t, r, h))
	assert.Contains(t, cmd.callbacks, h)

	// A repeated broadcast does not add the device twice.
	h2, ok := r.OnBroadcast(livox.BroadcastInfo{BroadcastCode: codeA})
	require.True(t, ok)
	assert.Equal(t, h, h2)
	if diff := cmp.Diff([]string{"add " + codeA, "callback 0"}, cmd.Calls()); diff != "" {
		t.Errorf("calls mismatch (-want +got):\n%s", diff)
	}
}

func TestOnBroadcast_AddFailureOrBadHandle(t *testing.T) {
	r, cmd, _, _ := newTestRelay(t, testConfig())

	cmd.addErr = errors.New("connect list full")
	_, ok := r.OnBroadcast(livox.BroadcastInfo{BroadcastCode: codeA})
	assert.False(t, ok)

	cmd.addErr = nil
	cmd.nextHandle = 9 // MaxDevices is 4
	_, ok = r.OnBroadcast(livox.BroadcastInfo{BroadcastCode: codeA})
	assert.False(t, ok)
	assert.Empty(t, r.Snapshots())
}

func TestOnDeviceChange_ConnectStartsSampling(t *testing.T) {
	r, cmd, _, _ := newTestRelay(t, testConfig())
	h, _ := r.OnBroadcast(livox.BroadcastInfo{BroadcastCode: codeA})

	info := healthyInfo(h, codeA)
	info.IP = "192.168.1.50"
	r.OnDeviceChange(info, livox.EventConnect)

	assert.Equal(t, StateSampling, slotState(t, r, h))
	assert.Equal(t, []string{"add " + codeA, "callback 0", "query 0", "start 0"}, cmd.Calls())
	snap, _ := r.Snapshot(h)
	assert.Equal(t, "192.168.1.50", snap.Info.IP)
	assert.Equal(t, "sampling", snap.State)
}

func TestOnDeviceChange_HubUsesAggregatedRequest(t *testing.T) {
	r, cmd, _, _ := newTestRelay(t, testConfig())
	h, _ := r.OnBroadcast(livox.BroadcastInfo{BroadcastCode: codeA})

	info := healthyInfo(h, codeA)
	info.Type = livox.DeviceTypeHub
	r.OnDeviceChange(info, livox.EventConnect)

	assert.Equal(t, StateSampling, slotState(t, r, h))
	assert.Contains(t, cmd.Calls(), "hub start")
	assert.NotContains(t, cmd.Calls(), "start 0")
}

func TestOnDeviceChange_UnhealthyStaysConnected(t *testing.T) {
	r, cmd, _, _ := newTestRelay(t, testConfig())
	h, _ := r.OnBroadcast(livox.BroadcastInfo{BroadcastCode: codeA})

	info := healthyInfo(h, codeA)
	info.State = livox.LidarStateInit
	r.OnDeviceChange(info, livox.EventConnect)
	assert.Equal(t, StateConnected, slotState(t, r, h))

	info.State = livox.LidarStateNormal
	info.StatusCode = 0x10
	r.OnDeviceChange(info, livox.EventStateChange)
	assert.Equal(t, StateConnected, slotState(t, r, h))
	assert.NotContains(t, cmd.Calls(), "start 0")

	// State change reporting a healthy device starts sampling.
	info.StatusCode = 0
	r.OnDeviceChange(info, livox.EventStateChange)
	assert.Equal(t, StateSampling, slotState(t, r, h))
}

func TestOnDeviceChange_DisconnectThenReconnect(t *testing.T) {
	r, _, _, _ := newTestRelay(t, testConfig())
	h := sampleDevice(t, r, codeA)

	r.OnDeviceChange(healthyInfo(h, codeA), livox.EventDisconnect)
	assert.Equal(t, StateDisconnected, slotState(t, r, h))

	r.OnDeviceChange(healthyInfo(h, codeA), livox.EventConnect)
	assert.Equal(t, StateSampling, slotState(t, r, h))
}

func TestOnDeviceChange_DisconnectFromAnyState(t *testing.T) {
	r, _, _, _ := newTestRelay(t, testConfig())
	h, _ := r.OnBroadcast(livox.BroadcastInfo{BroadcastCode: codeA})

	// Disconnected -> Disconnected is a no-op.
	r.OnDeviceChange(healthyInfo(h, codeA), livox.EventDisconnect)
	assert.Equal(t, StateDisconnected, slotState(t, r, h))

	info := healthyInfo(h, codeA)
	info.State = livox.LidarStateStandby
	r.OnDeviceChange(info, livox.EventConnect)
	require.Equal(t, StateConnected, slotState(t, r, h))
	r.OnDeviceChange(info, livox.EventDisconnect)
	assert.Equal(t, StateDisconnected, slotState(t, r, h))
}

func TestOnDeviceChange_ConnectWhileConnectedKeepsInfo(t *testing.T) {
	r, _, _, _ := newTestRelay(t, testConfig())
	h, _ := r.OnBroadcast(livox.BroadcastInfo{BroadcastCode: codeA})

	info := healthyInfo(h, codeA)
	info.State = livox.LidarStateStandby
	info.IP = "10.0.0.1"
	r.OnDeviceChange(info, livox.EventConnect)

	again := *info
	again.IP = "10.0.0.2"
	r.OnDeviceChange(&again, livox.EventConnect)

	snap, _ := r.Snapshot(h)
	assert.Equal(t, "10.0.0.1", snap.Info.IP)
}

func TestOnDeviceChange_IgnoresUnknownHandles(t *testing.T) {
	r, cmd, _, _ := newTestRelay(t, testConfig())

	r.OnDeviceChange(nil, livox.EventConnect)
	r.OnDeviceChange(healthyInfo(77, codeA), livox.EventConnect)
	r.OnDeviceChange(healthyInfo(1, codeB), livox.EventConnect) // never broadcast

	assert.Empty(t, cmd.Calls())
	assert.Equal(t, StateDisconnected, slotState(t, r, 1))
}

func TestOnSampleResult(t *testing.T) {
	tests := []struct {
		name     string
		status   livox.Status
		response uint8
		want     DeviceState
	}{
		{"accepted", livox.StatusSuccess, 0, StateSampling},
		{"refused", livox.StatusSuccess, 1, StateConnected},
		{"timeout", livox.StatusTimeout, 0, StateConnected},
		{"failure", livox.StatusFailure, 0, StateSampling},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, _, _, _ := newTestRelay(t, testConfig())
			h := sampleDevice(t, r, codeA)
			r.OnSampleResult(tt.status, h, tt.response)
			assert.Equal(t, tt.want, slotState(t, r, h))
		})
	}
}

func TestOnSampleResult_RetryOnNextStateChange(t *testing.T) {
	r, cmd, _, _ := newTestRelay(t, testConfig())
	h := sampleDevice(t, r, codeA)

	r.OnSampleResult(livox.StatusTimeout, h, 0)
	require.Equal(t, StateConnected, slotState(t, r, h))

	r.OnDeviceChange(healthyInfo(h, codeA), livox.EventStateChange)
	assert.Equal(t, StateSampling, slotState(t, r, h))

	starts := 0
	for _, c := range cmd.Calls() {
		if c == "start 0" {
			starts++
		}
	}
	assert.Equal(t, 2, starts)
}

func TestOnDeviceInformation_DoesNotChangeState(t *testing.T) {
	r, _, _, _ := newTestRelay(t, testConfig())
	h := sampleDevice(t, r, codeA)

	r.OnDeviceInformation(livox.StatusTimeout, h, nil)
	r.OnDeviceInformation(livox.StatusSuccess, h, &livox.DeviceInformationResponse{FirmwareVersion: [4]uint8{3, 7, 0, 1}})
	assert.Equal(t, StateSampling, slotState(t, r, h))
}

func TestStop_StopsSamplingDevices(t *testing.T) {
	r, cmd, _, _ := newTestRelay(t, testConfig())
	a := sampleDevice(t, r, codeA)
	b, _ := r.OnBroadcast(livox.BroadcastInfo{BroadcastCode: codeB})
	require.NotEqual(t, a, b)

	r.Stop()
	calls := cmd.Calls()
	assert.Contains(t, calls, "stop 0")
	assert.NotContains(t, calls, "stop 1")
}
