// Package ipv4 implements the IPv4 interface/route model and the IPv4
// engine: header validation on ingress, route lookup and header
// construction on egress, and dispatch to registered upper-layer protocols
// (ICMP, UDP, TCP), mirroring ip.c.
package ipv4

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/kuuji/netstack/internal/arp"
	"github.com/kuuji/netstack/internal/link"
	"github.com/kuuji/netstack/internal/stack"
	"github.com/kuuji/netstack/internal/wire"
)

const (
	headerSizeMin = 20
	version4      = 4
	defaultTTL    = 255
)

// Protocol numbers, the values ip_protocol_register keys handlers by.
const (
	ProtoICMP uint8 = 1
	ProtoTCP  uint8 = 6
	ProtoUDP  uint8 = 17
)

// Interface is an IPv4 address bound to a stack.Device, matching
// ip_iface_alloc/register.
type Interface struct {
	dev       *stack.Device
	Unicast   Addr
	Netmask   Addr
	Broadcast Addr
}

// Family implements stack.Interface.
func (i *Interface) Family() stack.Family { return stack.FamilyIPv4 }

// Device implements arp.Resolver.
func (i *Interface) Device() *stack.Device { return i.dev }

// UnicastAddr implements arp.Resolver.
func (i *Interface) UnicastAddr() [4]byte { return i.Unicast }

// ProtocolHandler processes one IPv4 payload delivered to a registered
// protocol number, mirroring the handler passed to ip_protocol_register.
type ProtocolHandler func(payload []byte, src, dst Addr, iface *Interface) error

type protocolEntry struct {
	name    string
	proto   uint8
	handler ProtocolHandler
}

// Errors returned by Output/input, matching the original's early-return
// failure modes.
var (
	ErrNoInterface     = errors.New("ipv4: no such interface")
	ErrInvalidSource   = errors.New("ipv4: source address does not match route interface")
	ErrInvalidDest     = errors.New("ipv4: src is ANY but dst is BROADCAST")
	ErrMTUExceeded     = errors.New("ipv4: payload exceeds interface MTU")
	ErrIncomplete      = errors.New("ipv4: arp resolution in progress, retry")
	ErrChecksum        = errors.New("ipv4: checksum mismatch")
	ErrFragmented      = errors.New("ipv4: fragmented datagrams are not supported")
	ErrNotForThisHost  = errors.New("ipv4: destination is not this host")
	ErrNoProtocol      = errors.New("ipv4: no handler registered for protocol")
)

// Engine is the IPv4 layer built on top of a stack.Stack and arp.Cache.
type Engine struct {
	log  *slog.Logger
	s    *stack.Stack
	arp  *arp.Cache
	Routes *Table

	mu        sync.Mutex
	ifaces    []*Interface
	protocols []*protocolEntry

	idCounter uint32
}

// New creates an IPv4 engine. The id counter starts at 128, matching
// ip_generate_id's initial value.
func New(s *stack.Stack, cache *arp.Cache) *Engine {
	e := &Engine{
		log:       s.Logger("ipv4"),
		s:         s,
		arp:       cache,
		Routes:    NewTable(),
		idCounter: 128,
	}
	return e
}

// Register registers the IPv4 ethertype handler with the stack, matching
// ip_init.
func (e *Engine) Register() error {
	return e.s.RegisterProtocol("ipv4", link.TypeIPv4, e.input)
}

// RegisterProtocol registers an upper-layer protocol handler, rejecting a
// duplicate, matching ip_protocol_register.
func (e *Engine) RegisterProtocol(name string, proto uint8, handler ProtocolHandler) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, p := range e.protocols {
		if p.proto == proto {
			return fmt.Errorf("ipv4: protocol %d already registered", proto)
		}
	}
	e.protocols = append(e.protocols, &protocolEntry{name: name, proto: proto, handler: handler})
	return nil
}

// AddInterface attaches a new IPv4 interface to dev and installs the
// corresponding on-link route, matching ip_iface_register (add to device,
// then ip_route_add(unicast&netmask, netmask, ANY, iface)).
func (e *Engine) AddInterface(dev *stack.Device, unicast, netmask Addr) (*Interface, error) {
	iface := &Interface{
		dev:       dev,
		Unicast:   unicast,
		Netmask:   netmask,
		Broadcast: unicast.BroadcastFor(netmask),
	}
	if err := dev.AddInterface(iface); err != nil {
		return nil, fmt.Errorf("ipv4: %w", err)
	}
	e.Routes.Add(unicast.Mask(netmask), netmask, Any, iface)

	e.mu.Lock()
	e.ifaces = append(e.ifaces, iface)
	e.mu.Unlock()
	e.log.Info("interface added", "device", dev.Name(), "unicast", unicast, "netmask", netmask)
	return iface, nil
}

// InterfaceByAddr returns the interface whose unicast address equals addr,
// matching ip_iface_select.
func (e *Engine) InterfaceByAddr(addr Addr) (*Interface, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, i := range e.ifaces {
		if i.Unicast == addr {
			return i, nil
		}
	}
	return nil, ErrNoInterface
}

func (e *Engine) protocolHandler(proto uint8) (*protocolEntry, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, p := range e.protocols {
		if p.proto == proto {
			return p, true
		}
	}
	return nil, false
}

// input validates an inbound IPv4 datagram and dispatches its payload to
// the registered protocol handler, matching ip_input.
func (e *Engine) input(data []byte, dev *stack.Device) error {
	if len(data) < headerSizeMin {
		return fmt.Errorf("ipv4: datagram too short (%d bytes)", len(data))
	}
	vhl := data[0]
	if vhl>>4 != version4 {
		return fmt.Errorf("ipv4: unsupported version %d", vhl>>4)
	}
	hlen := int(vhl&0x0f) * 4
	if len(data) < hlen {
		return fmt.Errorf("ipv4: header length %d exceeds datagram length %d", hlen, len(data))
	}
	total := int(binary.BigEndian.Uint16(data[2:4]))
	if len(data) < total {
		return fmt.Errorf("ipv4: total length %d exceeds datagram length %d", total, len(data))
	}
	if wire.Checksum16(data[:hlen], 0) != 0 {
		return ErrChecksum
	}
	offsetField := binary.BigEndian.Uint16(data[6:8])
	if offsetField&0x2000 != 0 || offsetField&0x1fff != 0 {
		return ErrFragmented
	}

	var src, dst Addr
	copy(src[:], data[12:16])
	copy(dst[:], data[16:20])

	iface := dev.InterfaceByFamily(stack.FamilyIPv4)
	if iface == nil {
		return ErrNoInterface
	}
	ifc := iface.(*Interface)
	if dst != ifc.Unicast && dst != ifc.Broadcast && dst != Broadcast {
		return nil // not for this host/link, silently drop
	}

	protocol := data[9]
	entry, ok := e.protocolHandler(protocol)
	if !ok {
		return fmt.Errorf("%w: %d", ErrNoProtocol, protocol)
	}
	return entry.handler(data[hlen:total], src, dst, ifc)
}

// nextID returns the next IPv4 identification value, matching
// ip_generate_id's monotonic counter.
func (e *Engine) nextID() uint16 {
	return uint16(atomic.AddUint32(&e.idCounter, 1))
}

// Output builds and transmits an IPv4 datagram for protocol from src to
// dst, matching ip_output: route lookup, source-address validation, MTU
// check (no fragmentation), then header construction.
func (e *Engine) Output(protocol uint8, payload []byte, src, dst Addr) error {
	if src == Any && dst == Broadcast {
		return ErrInvalidDest
	}
	route, err := e.Routes.Lookup(dst)
	if err != nil {
		return err
	}
	if src != Any && src != route.Iface.Unicast {
		return ErrInvalidSource
	}
	if src == Any {
		src = route.Iface.Unicast
	}
	nexthop := route.Nexthop
	if nexthop == Any {
		nexthop = dst
	}
	if route.Iface.dev.MTU() < headerSizeMin+len(payload) {
		return ErrMTUExceeded
	}
	return e.outputCore(route.Iface, protocol, payload, src, dst, nexthop, e.nextID())
}

func (e *Engine) outputCore(iface *Interface, protocol uint8, payload []byte, src, dst, nexthop Addr, id uint16) error {
	hlen := headerSizeMin
	total := hlen + len(payload)
	hdr := make([]byte, total)
	hdr[0] = byte(version4<<4) | byte(hlen/4)
	hdr[1] = 0 // tos
	binary.BigEndian.PutUint16(hdr[2:4], uint16(total))
	binary.BigEndian.PutUint16(hdr[4:6], id)
	binary.BigEndian.PutUint16(hdr[6:8], 0) // flags/fragment offset: no fragmentation
	hdr[8] = defaultTTL
	hdr[9] = protocol
	binary.BigEndian.PutUint16(hdr[10:12], 0)
	copy(hdr[12:16], src[:])
	copy(hdr[16:20], dst[:])
	binary.BigEndian.PutUint16(hdr[10:12], wire.Checksum16(hdr[:hlen], 0))
	copy(hdr[hlen:], payload)

	return e.outputDevice(iface, hdr, nexthop)
}

// outputDevice resolves the link-layer next hop and transmits, matching
// ip_output_device: broadcast destinations use the device's broadcast
// hardware address, everything else goes through ARP. An unresolved ARP
// lookup surfaces as ErrIncomplete rather than blocking, matching the
// original's ARP_RESOLVE_INCOMPLETE propagation.
func (e *Engine) outputDevice(iface *Interface, datagram []byte, nexthop Addr) error {
	dev := iface.dev
	if !dev.NeedsARP() {
		return dev.Transmit(link.TypeIPv4, datagram, stack.HardwareAddr{})
	}

	if nexthop == iface.Broadcast || nexthop == Broadcast {
		return dev.Transmit(link.TypeIPv4, datagram, dev.BroadcastAddr())
	}

	ha, res, err := e.arp.Resolve(iface, nexthop)
	if err != nil {
		return fmt.Errorf("ipv4: arp resolve: %w", err)
	}
	switch res {
	case arp.ResolveIncomplete:
		return ErrIncomplete
	case arp.ResolveFound:
		return dev.Transmit(link.TypeIPv4, datagram, ha)
	default:
		return fmt.Errorf("ipv4: arp resolve failed")
	}
}
