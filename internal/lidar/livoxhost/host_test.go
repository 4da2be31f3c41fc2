package livoxhost

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/banshee-data/livox.relay/internal/lidar/livox"
	"github.com/banshee-data/livox.relay/internal/lidar/relay"
	"github.com/banshee-data/livox.relay/internal/monitoring"
	"github.com/banshee-data/livox.relay/internal/timeutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	codeLidar = "1PQDH5B00100041"
	codeHub   = "13UUG1R00400170"
	codeOther = "3GGDJ6K00100101"
)

var (
	ipLidar = net.ParseIP("192.168.1.41")
	ipHub   = net.ParseIP("192.168.1.50")
	ipOther = net.ParseIP("192.168.1.99")
)

// pending queues command responses so a test decides when they arrive.
type pending struct {
	mu    sync.Mutex
	queue []func()
}

func (p *pending) run(f func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.queue = append(p.queue, f)
}

func (p *pending) flush() int {
	p.mu.Lock()
	q := p.queue
	p.queue = nil
	p.mu.Unlock()
	for _, f := range q {
		f()
	}
	return len(q)
}

type fixture struct {
	host    *Host
	relay   *relay.Relay
	clock   *timeutil.MockClock
	pending *pending
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	monitoring.SetLogger(t.Logf)
	t.Cleanup(func() { monitoring.SetLogger(nil) })

	clock := timeutil.NewMockClock(time.Date(2026, 4, 2, 8, 0, 0, 0, time.UTC))
	p := &pending{}
	host, err := New(Config{
		Devices: []DeviceConfig{
			{BroadcastCode: codeLidar, IP: ipLidar.String(), Type: livox.DeviceTypeMid40, Firmware: [4]uint8{3, 7, 0, 0}},
			{BroadcastCode: codeHub, IP: ipHub.String(), Type: livox.DeviceTypeHub},
			{BroadcastCode: codeOther, IP: ipOther.String(), Type: livox.DeviceTypeHorizon},
		},
		DisconnectTimeout: time.Second,
		Clock:             clock,
		Async:             p.run,
	})
	require.NoError(t, err)

	cfg := relay.DefaultConfig()
	cfg.QueueCapacity = 64
	cfg.FrameSize = 8
	cfg.MaxDevices = 4
	cfg.AllowList = []string{codeLidar, codeHub}
	r, err := relay.New(cfg, relay.Options{Commander: host, Clock: clock})
	require.NoError(t, err)
	host.SetEventHandler(r)

	return &fixture{host: host, relay: r, clock: clock, pending: p}
}

func packet(t *testing.T, errorCode uint32, ts uint64, n int) []byte {
	t.Helper()
	points := make([]livox.RawPoint, n)
	for i := range points {
		points[i] = livox.RawPoint{X: int32(1000 + i), Y: 0, Z: -500, Reflectivity: 9}
	}
	b, err := livox.EncodePacket(&livox.Batch{
		Header: livox.Header{
			Version:       5,
			ErrorCode:     errorCode,
			TimestampType: livox.TimestampNoSync,
			DataType:      livox.DataTypeCartesian,
			Timestamp:     ts,
		},
		Points: points,
	})
	require.NoError(t, err)
	return b
}

func (f *fixture) state(t *testing.T, handle uint8) relay.DeviceState {
	t.Helper()
	slot, ok := f.relay.Registry().Slot(handle)
	require.True(t, ok)
	return slot.State()
}

func TestNew_RejectsBadDeviceConfig(t *testing.T) {
	_, err := New(Config{Devices: []DeviceConfig{{BroadcastCode: codeLidar, IP: "not-an-ip"}}})
	assert.Error(t, err)

	_, err = New(Config{Devices: []DeviceConfig{
		{BroadcastCode: codeLidar, IP: "10.0.0.1"},
		{BroadcastCode: codeHub, IP: "10.0.0.1"},
	}})
	assert.Error(t, err)
}

func TestHandlePacket_FirstPacketConnectsAndSamples(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.host.HandlePacket(ipLidar, packet(t, 0, 1_000, 5)))

	assert.Equal(t, relay.StateSampling, f.state(t, 0))
	assert.True(t, f.host.Sampling(0))
	used, ok := f.relay.QueueUsed(0)
	require.True(t, ok)
	assert.Equal(t, uint32(5), used)

	// Firmware answer and start-sampling acknowledgement.
	assert.Equal(t, 2, f.pending.flush())
	assert.Equal(t, relay.StateSampling, f.state(t, 0))

	require.NoError(t, f.host.HandlePacket(ipLidar, packet(t, 0, 2_000, 5)))
	used, _ = f.relay.QueueUsed(0)
	assert.Equal(t, uint32(10), used)

	snap, ok := f.relay.Snapshot(0)
	require.True(t, ok)
	assert.Equal(t, uint32(2), snap.Received)
	assert.Equal(t, uint32(0), snap.Lost)
}

func TestHandlePacket_UnknownAndRejectedDevices(t *testing.T) {
	f := newFixture(t)

	err := f.host.HandlePacket(net.ParseIP("10.9.9.9"), packet(t, 0, 1, 1))
	assert.ErrorIs(t, err, ErrUnknownDevice)

	// Configured on the host but not allow-listed by the relay.
	assert.ErrorIs(t, f.host.HandlePacket(ipOther, packet(t, 0, 1, 1)), ErrRejectedDevice)
	assert.Empty(t, f.relay.Snapshots())

	assert.ErrorIs(t, f.host.HandlePacket(ipLidar, []byte{1, 2, 3}), livox.ErrShortPacket)
}

type broadcastCounter struct {
	*relay.Relay
	calls int
}

func (b *broadcastCounter) OnBroadcast(info livox.BroadcastInfo) (uint8, bool) {
	b.calls++
	return b.Relay.OnBroadcast(info)
}

func TestHandlePacket_RejectedDeviceAnnouncedOnce(t *testing.T) {
	f := newFixture(t)
	counter := &broadcastCounter{Relay: f.relay}
	f.host.SetEventHandler(counter)

	for i := 0; i < 3; i++ {
		err := f.host.HandlePacket(ipOther, packet(t, 0, uint64(i+1)*1_000, 1))
		assert.ErrorIs(t, err, ErrRejectedDevice)
	}
	assert.Equal(t, 1, counter.calls)

	require.NoError(t, f.host.HandlePacket(ipLidar, packet(t, 0, 1_000, 1)))
	assert.Equal(t, 2, counter.calls)
}

func TestHandlePacket_ErrorWordDelaysSampling(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.host.HandlePacket(ipLidar, packet(t, 0x4, 1_000, 3)))
	assert.Equal(t, relay.StateConnected, f.state(t, 0))
	assert.False(t, f.host.Sampling(0))
	used, _ := f.relay.QueueUsed(0)
	assert.Equal(t, uint32(3), used, "connected devices still queue data")

	// The error clears: a state change lets the relay start sampling.
	require.NoError(t, f.host.HandlePacket(ipLidar, packet(t, 0, 2_000, 3)))
	assert.Equal(t, relay.StateSampling, f.state(t, 0))
	assert.True(t, f.host.Sampling(0))
}

func TestHubStartSampling(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.host.HandlePacket(ipHub, packet(t, 0, 1_000, 2)))
	assert.Equal(t, relay.StateSampling, f.state(t, 0))
	assert.True(t, f.host.Sampling(0))

	f.relay.Stop()
	assert.False(t, f.host.Sampling(0))
}

func TestLidarStartSampling_RefusedWhenNotConnected(t *testing.T) {
	f := newFixture(t)
	handle, err := f.host.AddLidarToConnect(codeLidar)
	require.NoError(t, err)

	var got []uint8
	f.host.SetEventHandler(recordingHandler{onSample: func(_ livox.Status, _ uint8, response uint8) {
		got = append(got, response)
	}})
	f.host.LidarStartSampling(handle)
	f.pending.flush()
	assert.Equal(t, []uint8{1}, got)
}

func TestAddLidarToConnect(t *testing.T) {
	f := newFixture(t)

	h1, err := f.host.AddLidarToConnect(codeLidar)
	require.NoError(t, err)
	h2, err := f.host.AddLidarToConnect(codeHub)
	require.NoError(t, err)
	again, err := f.host.AddLidarToConnect(codeLidar)
	require.NoError(t, err)

	assert.NotEqual(t, h1, h2)
	assert.Equal(t, h1, again)

	_, err = f.host.AddLidarToConnect("UNKNOWNCODE0000")
	assert.ErrorIs(t, err, ErrUnknownDevice)
}

func TestSweep_DisconnectsSilentDevices(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.host.HandlePacket(ipLidar, packet(t, 0, 1_000, 1)))
	require.Equal(t, relay.StateSampling, f.state(t, 0))

	f.clock.Advance(500 * time.Millisecond)
	f.host.Sweep()
	assert.Equal(t, relay.StateSampling, f.state(t, 0))

	f.clock.Advance(time.Second)
	f.host.Sweep()
	assert.Equal(t, relay.StateDisconnected, f.state(t, 0))
	assert.False(t, f.host.Sampling(0))

	// Traffic resumes: the device reconnects on the same handle.
	require.NoError(t, f.host.HandlePacket(ipLidar, packet(t, 0, 9_000, 1)))
	assert.Equal(t, relay.StateSampling, f.state(t, 0))
}

// disconnectHook runs hook before the relay sees a disconnect event.
type disconnectHook struct {
	*relay.Relay
	hook func()
}

func (d *disconnectHook) OnDeviceChange(info *livox.DeviceInfo, event livox.DeviceEvent) {
	if event == livox.EventDisconnect && d.hook != nil {
		d.hook()
	}
	d.Relay.OnDeviceChange(info, event)
}

func TestSweep_PacketDuringDisconnectReconnects(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.host.HandlePacket(ipLidar, packet(t, 0, 1_000, 1)))
	require.Equal(t, relay.StateSampling, f.state(t, 0))

	late := packet(t, 0, 9_000, 3)
	resumed := make(chan error, 1)
	f.host.SetEventHandler(&disconnectHook{Relay: f.relay, hook: func() {
		go func() { resumed <- f.host.HandlePacket(ipLidar, late) }()
		// Let the packet overtake the disconnect if the host allows it.
		select {
		case err := <-resumed:
			resumed <- err
		case <-time.After(50 * time.Millisecond):
		}
	}})

	f.clock.Advance(2 * time.Second)
	f.host.Sweep()
	require.NoError(t, <-resumed)

	assert.Equal(t, relay.StateSampling, f.state(t, 0))
	assert.True(t, f.host.Sampling(0))

	before, _ := f.relay.QueueUsed(0)
	for i := 0; i < 5; i++ {
		require.NoError(t, f.host.HandlePacket(ipLidar, packet(t, 0, uint64(10_000+i), 3)))
	}
	after, _ := f.relay.QueueUsed(0)
	assert.Equal(t, before+15, after, "traffic after reconnect is queued")
}

func TestRun_SweepsOnTicker(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.host.HandlePacket(ipLidar, packet(t, 0, 1_000, 1)))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.host.Run(ctx) }()

	require.Eventually(t, func() bool { return f.clock.Tickers() == 1 }, time.Second, time.Millisecond)
	require.Eventually(t, func() bool {
		f.clock.Advance(600 * time.Millisecond)
		return f.state(t, 0) == relay.StateDisconnected
	}, time.Second, 5*time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestQueryDeviceInformation(t *testing.T) {
	f := newFixture(t)
	handle, err := f.host.AddLidarToConnect(codeLidar)
	require.NoError(t, err)

	var statuses []livox.Status
	var firmware string
	f.host.SetEventHandler(recordingHandler{onInfo: func(s livox.Status, _ uint8, resp *livox.DeviceInformationResponse) {
		statuses = append(statuses, s)
		if resp != nil {
			firmware = resp.Firmware()
		}
	}})
	f.host.QueryDeviceInformation(handle)
	f.host.QueryDeviceInformation(31)
	f.pending.flush()

	assert.Equal(t, []livox.Status{livox.StatusSuccess, livox.StatusFailure}, statuses)
	assert.Equal(t, "3.7.0.0", firmware)
}

type recordingHandler struct {
	onSample func(livox.Status, uint8, uint8)
	onInfo   func(livox.Status, uint8, *livox.DeviceInformationResponse)
}

func (recordingHandler) OnBroadcast(livox.BroadcastInfo) (uint8, bool)       { return 0, false }
func (recordingHandler) OnDeviceChange(*livox.DeviceInfo, livox.DeviceEvent) {}

func (h recordingHandler) OnDeviceInformation(s livox.Status, handle uint8, resp *livox.DeviceInformationResponse) {
	if h.onInfo != nil {
		h.onInfo(s, handle, resp)
	}
}
func (h recordingHandler) OnSampleResult(s livox.Status, handle uint8, response uint8) {
	if h.onSample != nil {
		h.onSample(s, handle, response)
	}
}
