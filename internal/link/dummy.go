package link

import "github.com/kuuji/netstack/internal/stack"

// Dummy is a device that discards everything written to it and never
// delivers ingress traffic (driver/dummy.c). It exists so tests that only
// need to exercise device registration, open/close and the MTU check in
// Device.Transmit don't have to reason about loopback's self-delivery or a
// host TAP device's side effects.
type Dummy struct {
	dev *stack.Device
}

// NewDummy registers a dummy device on s and returns it.
func NewDummy(s *stack.Stack) *Dummy {
	d := &Dummy{}
	d.dev = s.RegisterDevice(
		stack.DeviceDummy,
		payloadSizeMax,
		0, 0,
		stack.HardwareAddr{},
		0,
		d,
	)
	return d
}

// Device returns the registered stack.Device.
func (d *Dummy) Device() *stack.Device { return d.dev }

// Open is a no-op; the dummy device has nothing to initialize.
func (d *Dummy) Open() error { return nil }

// Close is a no-op.
func (d *Dummy) Close() error { return nil }

// Transmit discards the frame.
func (d *Dummy) Transmit(uint16, []byte, stack.HardwareAddr) error { return nil }
