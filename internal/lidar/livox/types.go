package livox

import "fmt"

// MaxLidarCount is the number of device handles the SDK can hand out.
const MaxLidarCount = 32

// BroadcastCodeSize is the number of significant bytes in a broadcast code.
const BroadcastCodeSize = 16

// DeviceType identifies the hardware model behind a handle.
type DeviceType uint8

const (
	DeviceTypeHub DeviceType = iota
	DeviceTypeMid40
	DeviceTypeTele15
	DeviceTypeHorizon
	DeviceTypeMid70
	DeviceTypeAvia
)

func (t DeviceType) String() string {
	switch t {
	case DeviceTypeHub:
		return "hub"
	case DeviceTypeMid40:
		return "mid40"
	case DeviceTypeTele15:
		return "tele15"
	case DeviceTypeHorizon:
		return "horizon"
	case DeviceTypeMid70:
		return "mid70"
	case DeviceTypeAvia:
		return "avia"
	default:
		return fmt.Sprintf("device(%d)", uint8(t))
	}
}

// ParseDeviceType maps a config name back to a DeviceType.
func ParseDeviceType(s string) (DeviceType, error) {
	for t := DeviceTypeHub; t <= DeviceTypeAvia; t++ {
		if t.String() == s {
			return t, nil
		}
	}
	return 0, fmt.Errorf("unknown device type %q", s)
}

// LidarState is the working condition a device reports.
type LidarState uint8

const (
	LidarStateInit LidarState = iota
	LidarStateNormal
	LidarStatePowerSaving
	LidarStateStandby
	LidarStateError
	LidarStateUnknown
)

func (s LidarState) String() string {
	switch s {
	case LidarStateInit:
		return "init"
	case LidarStateNormal:
		return "normal"
	case LidarStatePowerSaving:
		return "power-saving"
	case LidarStateStandby:
		return "standby"
	case LidarStateError:
		return "error"
	default:
		return "unknown"
	}
}

// DeviceEvent is the kind of state update the device manager raises.
type DeviceEvent uint8

const (
	EventConnect DeviceEvent = iota
	EventDisconnect
	EventStateChange
	EventHubConnectionChange
)

func (e DeviceEvent) String() string {
	switch e {
	case EventConnect:
		return "connect"
	case EventDisconnect:
		return "disconnect"
	case EventStateChange:
		return "state-change"
	case EventHubConnectionChange:
		return "hub-connection-change"
	default:
		return fmt.Sprintf("event(%d)", uint8(e))
	}
}

// Status is the transport-level outcome of an asynchronous command.
type Status uint8

const (
	StatusSuccess Status = iota
	StatusFailure
	StatusTimeout
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusFailure:
		return "failure"
	case StatusTimeout:
		return "timeout"
	default:
		return fmt.Sprintf("status(%d)", uint8(s))
	}
}

// BroadcastInfo is what a device announces before it has a handle.
type BroadcastInfo struct {
	BroadcastCode string
	Type          DeviceType
	IP            string
}

// DeviceInfo is the device manager's snapshot of a handle.
type DeviceInfo struct {
	BroadcastCode string
	Handle        uint8
	Slot          uint8
	ID            uint8
	Type          DeviceType
	DataPort      uint16
	CmdPort       uint16
	IP            string
	State         LidarState
	Feature       uint32
	// StatusCode is the device's packed error word; zero means healthy.
	StatusCode uint32
}

// ReadyToSample reports whether the device is in a state where a
// start-sampling request makes sense.
func (d DeviceInfo) ReadyToSample() bool {
	return d.State == LidarStateNormal && d.StatusCode == 0
}

// DeviceInformationResponse answers a firmware query.
type DeviceInformationResponse struct {
	FirmwareVersion [4]uint8
}

// Firmware formats the firmware version as a dotted quad.
func (r DeviceInformationResponse) Firmware() string {
	v := r.FirmwareVersion
	return fmt.Sprintf("%d.%d.%d.%d", v[0], v[1], v[2], v[3])
}

// MatchBroadcastCode compares two codes on their significant prefix.
func MatchBroadcastCode(a, b string) bool {
	if len(a) > BroadcastCodeSize {
		a = a[:BroadcastCodeSize]
	}
	if len(b) > BroadcastCodeSize {
		b = b[:BroadcastCodeSize]
	}
	return a == b
}
