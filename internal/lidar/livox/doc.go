// Package livox models the host side of the Livox device SDK: device
// identity and state as reported by the device manager, and the Ethernet
// point-cloud packets a device streams to the host.
package livox
