package relay

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/banshee-data/livox.relay/internal/lidar/livox"
	"github.com/banshee-data/livox.relay/internal/monitoring"
	"github.com/banshee-data/livox.relay/internal/timeutil"
)

// mockCommander records every command the relay issues.
type mockCommander struct {
	mu         sync.Mutex
	nextHandle uint8
	addErr     error
	callbacks  map[uint8]DataCallback
	calls      []string
}

func newMockCommander() *mockCommander {
	return &mockCommander{callbacks: make(map[uint8]DataCallback)}
}

func (m *mockCommander) record(format string, args ...interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, fmt.Sprintf(format, args...))
}

func (m *mockCommander) Calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.calls...)
}

func (m *mockCommander) AddLidarToConnect(code string) (uint8, error) {
	m.record("add %s", code)
	if m.addErr != nil {
		return 0, m.addErr
	}
	h := m.nextHandle
	m.nextHandle++
	return h, nil
}

func (m *mockCommander) SetDataCallback(handle uint8, cb DataCallback) {
	m.record("callback %d", handle)
	m.mu.Lock()
	m.callbacks[handle] = cb
	m.mu.Unlock()
}

func (m *mockCommander) QueryDeviceInformation(handle uint8) { m.record("query %d", handle) }
func (m *mockCommander) LidarStartSampling(handle uint8)     { m.record("start %d", handle) }
func (m *mockCommander) HubStartSampling()                   { m.record("hub start") }
func (m *mockCommander) LidarStopSampling(handle uint8)      { m.record("stop %d", handle) }
func (m *mockCommander) HubStopSampling()                    { m.record("hub stop") }

// recordingSink keeps every frame it is handed.
type recordingSink struct {
	frames []*Frame
}

func (s *recordingSink) PublishFrame(f *Frame) { s.frames = append(s.frames, f) }

const (
	codeA = "0T9DFBC00403801"
	codeB = "0T9DFBC00403812"
)

var testStart = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.QueueCapacity = 64
	cfg.FrameSize = 10
	cfg.MaxDevices = 4
	cfg.AllowList = []string{codeA, codeB}
	return cfg
}

func newTestRelay(t *testing.T, cfg Config) (*Relay, *mockCommander, *recordingSink, *timeutil.MockClock) {
	t.Helper()
	monitoring.SetLogger(t.Logf)
	t.Cleanup(func() { monitoring.SetLogger(nil) })

	cmd := newMockCommander()
	sink := &recordingSink{}
	clock := timeutil.NewMockClock(testStart)
	r, err := New(cfg, Options{Commander: cmd, Sink: sink, Clock: clock})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return r, cmd, sink, clock
}

func healthyInfo(handle uint8, code string) *livox.DeviceInfo {
	return &livox.DeviceInfo{
		BroadcastCode: code,
		Handle:        handle,
		Type:          livox.DeviceTypeMid40,
		State:         livox.LidarStateNormal,
	}
}

// sampleDevice walks a device from discovery to Sampling.
func sampleDevice(t *testing.T, r *Relay, code string) uint8 {
	t.Helper()
	handle, ok := r.OnBroadcast(livox.BroadcastInfo{BroadcastCode: code})
	if !ok {
		t.Fatalf("broadcast %s rejected", code)
	}
	r.OnDeviceChange(healthyInfo(handle, code), livox.EventConnect)
	slot, _ := r.Registry().Slot(handle)
	if slot.State() != StateSampling {
		t.Fatalf("handle %d state = %s, want sampling", handle, slot.State())
	}
	return handle
}

func makeBatch(tt livox.TimestampType, ts uint64, n int) *livox.Batch {
	points := make([]livox.RawPoint, n)
	for i := range points {
		points[i] = livox.RawPoint{X: int32(i * 1000), Y: int32(-i), Z: 250, Reflectivity: uint8(i)}
	}
	return &livox.Batch{
		Header: livox.Header{TimestampType: tt, DataType: livox.DataTypeCartesian, Timestamp: ts},
		Points: points,
	}
}
