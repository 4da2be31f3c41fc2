package livoxhost

import (
	"fmt"
	"net"

	"github.com/banshee-data/livox.relay/internal/lidar/livox"
)

// HandlePacket processes one point-cloud datagram from src. The first
// packet from a configured device announces it, and a device the handler
// declines is rejected from then on. The first packet after a handle is
// assigned connects it; a change in the header's error word is
// raised as a state change. Batches are then delivered to the handle's
// data callback.
func (h *Host) HandlePacket(src net.IP, payload []byte) error {
	batch, err := livox.ParsePacket(payload)
	if err != nil {
		return err
	}

	h.mu.Lock()
	d, ok := h.byIP[src.String()]
	if !ok {
		h.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownDevice, src)
	}
	handler := h.handler
	assigned, rejected := d.assigned, d.rejected
	h.mu.Unlock()

	if rejected {
		return fmt.Errorf("%w: %s", ErrRejectedDevice, d.cfg.BroadcastCode)
	}
	if !assigned {
		if handler == nil {
			return nil
		}
		if _, accepted := handler.OnBroadcast(livox.BroadcastInfo{
			BroadcastCode: d.cfg.BroadcastCode,
			Type:          d.cfg.Type,
			IP:            d.cfg.IP,
		}); !accepted {
			h.mu.Lock()
			if !d.assigned {
				d.rejected = true
			}
			h.mu.Unlock()
			return fmt.Errorf("%w: %s", ErrRejectedDevice, d.cfg.BroadcastCode)
		}
	}

	d.eventMu.Lock()
	h.mu.Lock()
	if !d.assigned {
		h.mu.Unlock()
		d.eventMu.Unlock()
		return nil
	}
	d.lastSeen = h.clock.Now()
	var events []livox.DeviceEvent
	if !d.connected {
		d.connected = true
		d.errorCode = batch.Header.ErrorCode
		events = append(events, livox.EventConnect)
	} else if d.errorCode != batch.Header.ErrorCode {
		d.errorCode = batch.Header.ErrorCode
		events = append(events, livox.EventStateChange)
	}
	info := d.info()
	cb := d.callback
	h.mu.Unlock()

	if handler != nil {
		for _, ev := range events {
			handler.OnDeviceChange(&info, ev)
		}
	}
	d.eventMu.Unlock()

	if cb != nil {
		d.deliverMu.Lock()
		cb(info.Handle, batch)
		d.deliverMu.Unlock()
	}
	return nil
}
