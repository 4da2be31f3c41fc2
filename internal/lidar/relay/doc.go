// Package relay is the per-device staging core between the device manager's
// asynchronous point delivery and a fixed-rate frame publisher.
//
// Each device slot owns one ring.Queue. The device manager's delivery
// context is the only producer for a slot (OnData) and the poll loop is the
// only consumer (Poll). Connection events drive a small state machine that
// decides when a device may start sampling and whether its batches are
// accepted at all.
package relay
