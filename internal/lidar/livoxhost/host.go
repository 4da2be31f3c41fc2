// Package livoxhost is a passive stand-in for the Livox device manager. It
// learns about devices from the point-cloud packets they stream, raises the
// discovery and connection events the relay expects, and acknowledges the
// relay's commands locally.
package livoxhost

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/banshee-data/livox.relay/internal/lidar/livox"
	"github.com/banshee-data/livox.relay/internal/lidar/relay"
	"github.com/banshee-data/livox.relay/internal/monitoring"
	"github.com/banshee-data/livox.relay/internal/timeutil"
)

var (
	ErrUnknownDevice = errors.New("livoxhost: unknown device")
	ErrNoFreeHandle  = errors.New("livoxhost: no free device handle")

	// ErrRejectedDevice is returned for packets from a device the event
	// handler declined to connect.
	ErrRejectedDevice = errors.New("livoxhost: device rejected")
)

// EventHandler receives the device manager's notifications.
type EventHandler interface {
	OnBroadcast(info livox.BroadcastInfo) (uint8, bool)
	OnDeviceChange(info *livox.DeviceInfo, event livox.DeviceEvent)
	OnDeviceInformation(status livox.Status, handle uint8, resp *livox.DeviceInformationResponse)
	OnSampleResult(status livox.Status, handle uint8, response uint8)
}

// DeviceConfig describes one device the host expects on the network.
type DeviceConfig struct {
	BroadcastCode string
	IP            string
	Type          livox.DeviceType
	Firmware      [4]uint8
}

// Config configures a Host.
type Config struct {
	Devices []DeviceConfig
	// DisconnectTimeout is how long a connected device may stay silent
	// before a disconnect event is raised. Zero disables the sweep.
	DisconnectTimeout time.Duration
	Clock             timeutil.Clock
	// Async runs command responses. Defaults to a new goroutine per
	// response; tests may run them inline.
	Async func(func())
}

type device struct {
	cfg DeviceConfig

	// guarded by Host.mu
	handle    uint8
	assigned  bool
	rejected  bool
	connected bool
	sampling  bool
	lastSeen  time.Time
	errorCode uint32
	callback  relay.DataCallback

	// eventMu orders connection state changes for this device with the
	// delivery of the events they raise. Taken before Host.mu.
	eventMu sync.Mutex
	// deliverMu serializes data callbacks for this handle.
	deliverMu sync.Mutex
}

func (d *device) info() livox.DeviceInfo {
	return livox.DeviceInfo{
		BroadcastCode: d.cfg.BroadcastCode,
		Handle:        d.handle,
		Type:          d.cfg.Type,
		IP:            d.cfg.IP,
		State:         livox.LidarStateNormal,
		StatusCode:    d.errorCode,
	}
}

// Host implements relay.Commander on top of passively observed traffic.
type Host struct {
	mu       sync.Mutex
	handler  EventHandler
	clock    timeutil.Clock
	async    func(func())
	timeout  time.Duration
	devices  []*device
	byIP     map[string]*device
	byHandle [livox.MaxLidarCount]*device
	next     int
}

var _ relay.Commander = (*Host)(nil)

// New builds a host for the configured devices.
func New(cfg Config) (*Host, error) {
	h := &Host{
		clock:   cfg.Clock,
		async:   cfg.Async,
		timeout: cfg.DisconnectTimeout,
		byIP:    make(map[string]*device),
	}
	if h.clock == nil {
		h.clock = timeutil.RealClock{}
	}
	if h.async == nil {
		h.async = func(f func()) { go f() }
	}
	for _, dc := range cfg.Devices {
		ip := net.ParseIP(dc.IP)
		if ip == nil {
			return nil, fmt.Errorf("device %s: invalid IP %q", dc.BroadcastCode, dc.IP)
		}
		if _, dup := h.byIP[ip.String()]; dup {
			return nil, fmt.Errorf("device %s: duplicate IP %s", dc.BroadcastCode, ip)
		}
		d := &device{cfg: dc}
		d.cfg.IP = ip.String()
		h.devices = append(h.devices, d)
		h.byIP[d.cfg.IP] = d
	}
	return h, nil
}

// SetEventHandler installs the receiver of device notifications.
func (h *Host) SetEventHandler(handler EventHandler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.handler = handler
}

func (h *Host) eventHandler() EventHandler {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.handler
}

// AddLidarToConnect assigns a handle to a configured device.
func (h *Host) AddLidarToConnect(code string) (uint8, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, d := range h.devices {
		if !livox.MatchBroadcastCode(d.cfg.BroadcastCode, code) {
			continue
		}
		if d.assigned {
			return d.handle, nil
		}
		if h.next >= livox.MaxLidarCount {
			return 0, ErrNoFreeHandle
		}
		d.handle = uint8(h.next)
		d.assigned = true
		d.rejected = false
		h.byHandle[d.handle] = d
		h.next++
		return d.handle, nil
	}
	return 0, fmt.Errorf("%w: %s", ErrUnknownDevice, code)
}

// SetDataCallback installs the ingest path for a handle.
func (h *Host) SetDataCallback(handle uint8, cb relay.DataCallback) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if d := h.deviceFor(handle); d != nil {
		d.callback = cb
	}
}

// deviceFor must be called with h.mu held.
func (h *Host) deviceFor(handle uint8) *device {
	if int(handle) >= len(h.byHandle) {
		return nil
	}
	return h.byHandle[handle]
}

// QueryDeviceInformation answers with the configured firmware version.
func (h *Host) QueryDeviceInformation(handle uint8) {
	h.mu.Lock()
	d := h.deviceFor(handle)
	h.mu.Unlock()

	handler := h.eventHandler()
	if handler == nil {
		return
	}
	h.async(func() {
		if d == nil {
			handler.OnDeviceInformation(livox.StatusFailure, handle, nil)
			return
		}
		handler.OnDeviceInformation(livox.StatusSuccess, handle, &livox.DeviceInformationResponse{FirmwareVersion: d.cfg.Firmware})
	})
}

// LidarStartSampling acknowledges a start request for a connected device
// and refuses it otherwise.
func (h *Host) LidarStartSampling(handle uint8) {
	h.mu.Lock()
	d := h.deviceFor(handle)
	var response uint8 = 1
	if d != nil && d.connected {
		d.sampling = true
		response = 0
	}
	h.mu.Unlock()
	h.respondSample(livox.StatusSuccess, handle, response)
}

// HubStartSampling acknowledges a start request for every connected hub.
func (h *Host) HubStartSampling() {
	h.mu.Lock()
	var hubs []uint8
	for _, d := range h.devices {
		if d.assigned && d.connected && d.cfg.Type == livox.DeviceTypeHub {
			d.sampling = true
			hubs = append(hubs, d.handle)
		}
	}
	h.mu.Unlock()
	for _, handle := range hubs {
		h.respondSample(livox.StatusSuccess, handle, 0)
	}
}

func (h *Host) respondSample(status livox.Status, handle, response uint8) {
	handler := h.eventHandler()
	if handler == nil {
		return
	}
	h.async(func() { handler.OnSampleResult(status, handle, response) })
}

// LidarStopSampling marks a device as no longer sampling.
func (h *Host) LidarStopSampling(handle uint8) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if d := h.deviceFor(handle); d != nil {
		d.sampling = false
	}
}

// HubStopSampling marks every hub as no longer sampling.
func (h *Host) HubStopSampling() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, d := range h.devices {
		if d.cfg.Type == livox.DeviceTypeHub {
			d.sampling = false
		}
	}
}

// Sampling reports whether the host believes handle is sampling.
func (h *Host) Sampling(handle uint8) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	d := h.deviceFor(handle)
	return d != nil && d.sampling
}

// Run sweeps for silent devices until ctx is done.
func (h *Host) Run(ctx context.Context) error {
	if h.timeout <= 0 {
		<-ctx.Done()
		return ctx.Err()
	}
	ticker := h.clock.NewTicker(h.timeout / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C():
			h.Sweep()
		}
	}
}

// Sweep raises a disconnect for every connected device that has been
// silent longer than the disconnect timeout.
func (h *Host) Sweep() {
	if h.timeout <= 0 {
		return
	}
	now := h.clock.Now()

	h.mu.Lock()
	var silent []*device
	for _, d := range h.devices {
		if d.connected && now.Sub(d.lastSeen) > h.timeout {
			silent = append(silent, d)
		}
	}
	h.mu.Unlock()

	for _, d := range silent {
		h.disconnectIfSilent(d, now)
	}
}

// disconnectIfSilent re-checks d under its event lock so a packet that
// arrived after the scan keeps the device connected.
func (h *Host) disconnectIfSilent(d *device, now time.Time) {
	d.eventMu.Lock()
	defer d.eventMu.Unlock()

	h.mu.Lock()
	if !d.connected || now.Sub(d.lastSeen) <= h.timeout {
		h.mu.Unlock()
		return
	}
	d.connected = false
	d.sampling = false
	info := d.info()
	handler := h.handler
	h.mu.Unlock()

	monitoring.Logf("[Host] %s silent for more than %v, disconnecting", info.BroadcastCode, h.timeout)
	if handler != nil {
		handler.OnDeviceChange(&info, livox.EventDisconnect)
	}
}
