package relay

import "github.com/banshee-data/livox.relay/internal/lidar/livox"

// DataCallback receives one batch for a handle. The device manager must not
// call it concurrently for the same handle.
type DataCallback func(handle uint8, batch *livox.Batch)

// Commander is the command surface of the device manager. Every request
// except AddLidarToConnect is asynchronous; outcomes come back through
// OnDeviceInformation and OnSampleResult.
type Commander interface {
	AddLidarToConnect(broadcastCode string) (uint8, error)
	SetDataCallback(handle uint8, cb DataCallback)
	QueryDeviceInformation(handle uint8)
	LidarStartSampling(handle uint8)
	HubStartSampling()
	LidarStopSampling(handle uint8)
	HubStopSampling()
}
