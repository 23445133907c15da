//go:build linux

package link

import (
	"fmt"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/kuuji/netstack/internal/stack"
)

// Linux TUNSETIFF constants (linux/if_tun.h), reproduced here the way
// netlink_linux.go reproduces the netlink struct sizes it needs
// rather than importing a netlink package for a handful of values.
const (
	ifNameSize  = 16
	tunTap      = 0x0002
	tunNoPI     = 0x1000
	iffTapFlags = tunTap | tunNoPI
)

type ifReq struct {
	name  [ifNameSize]byte
	flags uint16
	_     [22]byte
}

// TAP is an Ethernet device backed by a Linux /dev/net/tun TAP interface,
// giving the stack a real wire to the host network (platform/linux's
// ether_tap.c). It performs the TUNSETIFF ioctl directly, the same raw
// syscall style netlink_linux.go uses for route/address manipulation,
// rather than shelling out to `ip tuntap add`.
type TAP struct {
	dev      *stack.Device
	stackRef *stack.Stack
	file     *os.File
	name     string
	stop     chan struct{}
}

// NewTAP opens (creating if necessary) a TAP interface named name, sets its
// hardware address to addr, and registers it as an Ethernet device on s.
// Requires CAP_NET_ADMIN.
func NewTAP(s *stack.Stack, name string, addr stack.HardwareAddr) (*TAP, error) {
	f, err := os.OpenFile("/dev/net/tun", os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("tap: opening /dev/net/tun: %w", err)
	}

	var req ifReq
	copy(req.name[:], name)
	req.flags = iffTapFlags
	if _, _, errno := unix.Syscall(unix.SYS_IOCTL, f.Fd(), uintptr(unix.TUNSETIFF), uintptr(unsafe.Pointer(&req))); errno != 0 {
		f.Close()
		return nil, fmt.Errorf("tap: TUNSETIFF: %w", errno)
	}

	t := &TAP{file: f, name: name, stop: make(chan struct{}), stackRef: s}
	t.dev = s.RegisterDevice(
		stack.DeviceEthernet,
		payloadSizeMax,
		addrLen, addrLen,
		addr,
		stack.FlagBroadcast|stack.FlagNeedARP,
		t,
	)
	t.dev.SetBroadcastAddr(Broadcast)
	return t, nil
}

// Device returns the registered stack.Device.
func (t *TAP) Device() *stack.Device { return t.dev }

// Open starts the read loop that turns host-delivered frames into deferred
// ingress, mirroring ether_input_helper driven by the TAP fd instead of a
// blocking read() in the ISR.
func (t *TAP) Open() error {
	go t.readLoop()
	return nil
}

// Close stops the read loop and closes the underlying fd.
func (t *TAP) Close() error {
	close(t.stop)
	return t.file.Close()
}

// Transmit writes an Ethernet frame built from ethertype/payload/dst to the
// host TAP fd, mirroring ether_transmit_helper's framing + write.
func (t *TAP) Transmit(ethertype uint16, payload []byte, dst stack.HardwareAddr) error {
	frame := encodeFrame(dst, t.dev.HardwareAddr(), ethertype, payload)
	_, err := t.file.Write(frame)
	return err
}

func (t *TAP) readLoop() {
	buf := make([]byte, FrameSizeMax)
	for {
		select {
		case <-t.stop:
			return
		default:
		}
		n, err := t.file.Read(buf)
		if err != nil {
			return
		}
		if err := deliver(t.stackRef, t.dev, buf[:n]); err != nil {
			t.stackRef.Logger("tap").Warn("delivery error", "device", t.name, "error", err)
		}
	}
}
