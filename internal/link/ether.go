// Package link provides Ethernet framing helpers and the concrete Device
// drivers (loopback, dummy, Linux TAP) built on top of internal/stack.
// Framing mirrors ether.c; the drivers mirror driver/loopback.c,
// driver/dummy.c and platform/linux/driver/ether_tap.c.
package link

import (
	"encoding/binary"
	"fmt"

	"github.com/kuuji/netstack/internal/stack"
)

const (
	headerSize     = 14
	addrLen        = 6
	payloadSizeMin = 46
	payloadSizeMax = 1500
	// FrameSizeMax is the largest Ethernet frame this package will build or
	// accept (header + max payload).
	FrameSizeMax = headerSize + payloadSizeMax
)

// EtherType values, matching NET_PROTOCOL_TYPE_*.
const (
	TypeIPv4 uint16 = 0x0800
	TypeARP  uint16 = 0x0806
)

// Broadcast is the Ethernet broadcast address (ff:ff:ff:ff:ff:ff).
var Broadcast = stack.HardwareAddr{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}

type header struct {
	dst  stack.HardwareAddr
	src  stack.HardwareAddr
	kind uint16
}

func encodeFrame(dst, src stack.HardwareAddr, kind uint16, payload []byte) []byte {
	if len(payload) < payloadSizeMin {
		padded := make([]byte, payloadSizeMin)
		copy(padded, payload)
		payload = padded
	}
	frame := make([]byte, headerSize+len(payload))
	copy(frame[0:6], dst[:6])
	copy(frame[6:12], src[:6])
	binary.BigEndian.PutUint16(frame[12:14], kind)
	copy(frame[14:], payload)
	return frame
}

func decodeFrame(frame []byte) (header, []byte, error) {
	if len(frame) < headerSize {
		return header{}, nil, fmt.Errorf("link: frame too short (%d bytes)", len(frame))
	}
	var h header
	copy(h.dst[:6], frame[0:6])
	copy(h.src[:6], frame[6:12])
	h.kind = binary.BigEndian.Uint16(frame[12:14])
	return h, frame[headerSize:], nil
}

// deliver filters an inbound frame the way ether_input_helper does: drop it
// unless it is addressed to dev's own hardware address or the Ethernet
// broadcast address, then hand the payload to the stack for deferred
// (softirq) protocol dispatch.
func deliver(s *stack.Stack, dev *stack.Device, frame []byte) error {
	h, payload, err := decodeFrame(frame)
	if err != nil {
		return err
	}
	addr := dev.HardwareAddr()
	if h.dst != addr && h.dst != Broadcast {
		return nil // for other host
	}
	return s.Input(h.kind, payload, dev)
}
