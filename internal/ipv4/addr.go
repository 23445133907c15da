package ipv4

import (
	"fmt"
	"strconv"
	"strings"
)

// Addr is an IPv4 address, mirroring ip_addr_pton/ntop's textual format.
type Addr [4]byte

// Any is the IPv4 "any" address (0.0.0.0), IP_ADDR_ANY.
var Any = Addr{}

// Broadcast is the IPv4 limited broadcast address (255.255.255.255),
// IP_ADDR_BROADCAST.
var Broadcast = Addr{255, 255, 255, 255}

// ParseAddr parses a dotted-quad string into an Addr.
func ParseAddr(s string) (Addr, error) {
	parts := strings.Split(s, ".")
	if len(parts) != 4 {
		return Addr{}, fmt.Errorf("ipv4: invalid address %q", s)
	}
	var a Addr
	for i, p := range parts {
		v, err := strconv.Atoi(p)
		if err != nil || v < 0 || v > 255 {
			return Addr{}, fmt.Errorf("ipv4: invalid address %q", s)
		}
		a[i] = byte(v)
	}
	return a, nil
}

// String returns the dotted-quad representation of a.
func (a Addr) String() string {
	return fmt.Sprintf("%d.%d.%d.%d", a[0], a[1], a[2], a[3])
}

// Mask applies netmask to a, returning the network address.
func (a Addr) Mask(netmask Addr) Addr {
	var out Addr
	for i := range a {
		out[i] = a[i] & netmask[i]
	}
	return out
}

// BroadcastFor computes the broadcast address for a network with the given
// netmask: (unicast & netmask) | ^netmask, matching ip_iface_alloc.
func (a Addr) BroadcastFor(netmask Addr) Addr {
	var out Addr
	for i := range a {
		out[i] = (a[i] & netmask[i]) | ^netmask[i]
	}
	return out
}

// Endpoint is an IPv4 address plus a port, mirroring ip_endpoint_pton/ntop's
// "<ip>:<port>" textual convention.
type Endpoint struct {
	Addr Addr
	Port uint16
}

// ParseEndpoint parses "<ip>:<port>" into an Endpoint.
func ParseEndpoint(s string) (Endpoint, error) {
	idx := strings.LastIndex(s, ":")
	if idx < 0 {
		return Endpoint{}, fmt.Errorf("ipv4: invalid endpoint %q", s)
	}
	addr, err := ParseAddr(s[:idx])
	if err != nil {
		return Endpoint{}, fmt.Errorf("ipv4: invalid endpoint %q: %w", s, err)
	}
	port, err := strconv.ParseUint(s[idx+1:], 10, 16)
	if err != nil {
		return Endpoint{}, fmt.Errorf("ipv4: invalid endpoint %q: %w", s, err)
	}
	return Endpoint{Addr: addr, Port: uint16(port)}, nil
}

// String returns the "<ip>:<port>" representation of e.
func (e Endpoint) String() string {
	return fmt.Sprintf("%s:%d", e.Addr, e.Port)
}
