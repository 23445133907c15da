package stack

import (
	"fmt"
	"sync"
)

// DeviceType identifies the kind of link a Device implements, mirroring the
// NET_DEVICE_TYPE_* taxonomy in the original net.h: the softirq ethernet
// filter and ARP's "does this link need resolution" check both branch on it.
type DeviceType uint16

const (
	DeviceDummy DeviceType = iota
	DeviceLoopback
	DeviceEthernet
)

// DeviceFlags mirrors NET_DEVICE_FLAG_*.
type DeviceFlags uint16

const (
	FlagUp DeviceFlags = 1 << iota
	FlagLoopback
	FlagBroadcast
	FlagP2P
	FlagNeedARP
)

// HardwareAddr is a link-layer address, sized for Ethernet (6 bytes) but
// left general the way NET_DEVICE_ADDR_LEN (16 bytes) is in the original.
type HardwareAddr [16]byte

// Family identifies the protocol family of an Interface attached to a
// Device.
type Family uint8

const (
	FamilyIPv4 Family = iota + 1
)

// Interface is the minimal contract a protocol-family interface (such as
// ipv4.Interface) must satisfy to be attached to a Device. Protocol packages
// embed a concrete struct that also satisfies this.
type Interface interface {
	Family() Family
}

// Ops is the operation set a concrete link driver supplies, mirroring
// net_device_ops{open,close,transmit}.
type Ops interface {
	Open() error
	Close() error
	Transmit(ethertype uint16, payload []byte, dst HardwareAddr) error
}

// Device is a registered network device.
type Device struct {
	mu sync.Mutex

	index      int
	name       string
	kind       DeviceType
	flags      DeviceFlags
	mtu        int
	hlen, alen int
	addr       HardwareAddr
	broadcast  HardwareAddr
	ops        Ops
	up         bool
	ifaces     []Interface
}

// Index returns the device's registration index.
func (d *Device) Index() int { return d.index }

// Name returns the device's name, e.g. "net0".
func (d *Device) Name() string { return d.name }

// Type returns the device kind.
func (d *Device) Type() DeviceType { return d.kind }

// Flags returns the device's flag bits.
func (d *Device) Flags() DeviceFlags { return d.flags }

// MTU returns the device's maximum transmission unit.
func (d *Device) MTU() int { return d.mtu }

// HardwareAddr returns the device's link-layer address.
func (d *Device) HardwareAddr() HardwareAddr { return d.addr }

// BroadcastAddr returns the device's link-layer broadcast address.
func (d *Device) BroadcastAddr() HardwareAddr { return d.broadcast }

// SetBroadcastAddr sets the device's link-layer broadcast address, mirroring
// the dev->broadcast assignment net_device_register leaves to each driver
// (ether.c:192 sets it to ETHER_ADDR_BROADCAST for Ethernet devices).
func (d *Device) SetBroadcastAddr(addr HardwareAddr) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.broadcast = addr
}

// IsUp reports whether the device has been opened.
func (d *Device) IsUp() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.up
}

// NeedsARP reports whether frames transmitted on this device must first
// resolve a hardware address (FlagNeedARP), the same check
// ip_output_device makes before calling arp_resolve.
func (d *Device) NeedsARP() bool { return d.flags&FlagNeedARP != 0 }

// Open brings the device into the UP state and calls the driver's Open.
func (d *Device) Open() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.up {
		return fmt.Errorf("device %s: already up", d.name)
	}
	if err := d.ops.Open(); err != nil {
		return fmt.Errorf("device %s: open: %w", d.name, err)
	}
	d.up = true
	return nil
}

// Close takes the device out of the UP state and calls the driver's Close.
func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.up {
		return fmt.Errorf("device %s: already down", d.name)
	}
	if err := d.ops.Close(); err != nil {
		return fmt.Errorf("device %s: close: %w", d.name, err)
	}
	d.up = false
	return nil
}

// Transmit checks the device is up and the payload fits the MTU, then
// delegates to the driver, mirroring net_device_output.
func (d *Device) Transmit(ethertype uint16, payload []byte, dst HardwareAddr) error {
	if !d.IsUp() {
		return fmt.Errorf("device %s: not running", d.name)
	}
	if len(payload) > d.mtu {
		return fmt.Errorf("device %s: payload too large (%d > mtu %d)", d.name, len(payload), d.mtu)
	}
	if err := d.ops.Transmit(ethertype, payload, dst); err != nil {
		return fmt.Errorf("device %s: transmit: %w", d.name, err)
	}
	return nil
}

// AddInterface attaches iface to the device, rejecting a second interface of
// the same family, matching net_device_add_iface's duplicate-family check.
func (d *Device) AddInterface(iface Interface) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, existing := range d.ifaces {
		if existing.Family() == iface.Family() {
			return fmt.Errorf("device %s: interface for family %d already attached", d.name, iface.Family())
		}
	}
	d.ifaces = append(d.ifaces, iface)
	return nil
}

// InterfaceByFamily returns the attached interface for the given family, or
// nil if none is attached (net_device_get_iface).
func (d *Device) InterfaceByFamily(family Family) Interface {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, iface := range d.ifaces {
		if iface.Family() == family {
			return iface
		}
	}
	return nil
}
