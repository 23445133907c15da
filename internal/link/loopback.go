package link

import (
	"fmt"

	"github.com/kuuji/netstack/internal/stack"
)

const loopbackQueueSize = 16

type loopbackFrame struct {
	kind uint16
	data []byte
}

// Loopback is a device that delivers everything it transmits straight back
// to the stack's ingress path, with no Ethernet framing (the original's
// loopback device has hlen=0, alen=0 and no NEED_ARP flag: net_device_output
// hands the raw protocol payload to the driver, which hands it straight
// back to net_input_handler). It mirrors driver/loopback.c's isr/transmit
// split using a buffered channel in place of a raised IRQ.
type Loopback struct {
	dev   *stack.Device
	s     *stack.Stack
	queue chan loopbackFrame
	stop  chan struct{}
}

// NewLoopback registers a loopback device on s and returns it.
func NewLoopback(s *stack.Stack) *Loopback {
	lo := &Loopback{s: s, queue: make(chan loopbackFrame, loopbackQueueSize), stop: make(chan struct{})}
	lo.dev = s.RegisterDevice(
		stack.DeviceLoopback,
		65535,
		0, 0,
		stack.HardwareAddr{},
		stack.FlagLoopback,
		lo,
	)
	return lo
}

// Device returns the registered stack.Device.
func (lo *Loopback) Device() *stack.Device { return lo.dev }

// Open starts the isr goroutine draining the transmit queue back into the
// stack's ingress path.
func (lo *Loopback) Open() error {
	go lo.isr()
	return nil
}

// Close stops the isr goroutine.
func (lo *Loopback) Close() error {
	close(lo.stop)
	return nil
}

// Transmit enqueues the frame for the isr loop to re-deliver, rejecting it
// once the queue is full (the original returns an error from
// loopback_transmit rather than blocking).
func (lo *Loopback) Transmit(ethertype uint16, payload []byte, _ stack.HardwareAddr) error {
	cp := make([]byte, len(payload))
	copy(cp, payload)
	select {
	case lo.queue <- loopbackFrame{kind: ethertype, data: cp}:
		return nil
	default:
		return fmt.Errorf("loopback: queue full")
	}
}

func (lo *Loopback) isr() {
	for {
		select {
		case <-lo.stop:
			return
		case f := <-lo.queue:
			if err := lo.s.Input(f.kind, f.data, lo.dev); err != nil {
				lo.s.Logger("loopback").Warn("input error", "error", err)
			}
		}
	}
}
