package ipv4

import (
	"encoding/binary"
	"fmt"
	"sync"
)

// Route is one entry in a routing table, matching ip_route.
type Route struct {
	Network Addr
	Netmask Addr
	Nexthop Addr
	Iface   *Interface
}

// Table is an IPv4 routing table with longest-prefix-match lookup,
// mirroring ip_route_add/ip_route_lookup.
type Table struct {
	mu     sync.RWMutex
	routes []*Route
}

// NewTable creates an empty routing table.
func NewTable() *Table {
	return &Table{}
}

// Add installs a route, matching ip_route_add (new routes are appended and
// considered alongside existing ones at lookup time; no dedup is performed,
// and among equally specific matches Lookup returns the route added first).
func (t *Table) Add(network, netmask, nexthop Addr, iface *Interface) *Route {
	t.mu.Lock()
	defer t.mu.Unlock()
	r := &Route{Network: network, Netmask: netmask, Nexthop: nexthop, Iface: iface}
	t.routes = append(t.routes, r)
	return r
}

// SetDefaultGateway installs a 0.0.0.0/0 route via nexthop, matching
// ip_route_set_default_gateway.
func (t *Table) SetDefaultGateway(nexthop Addr, iface *Interface) *Route {
	return t.Add(Addr{}, Addr{}, nexthop, iface)
}

// Routes returns a snapshot of every installed route, for introspection
// (e.g. a CLI's "route show"); it has no counterpart in the original,
// which has no route listing API.
func (t *Table) Routes() []*Route {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*Route, len(t.routes))
	copy(out, t.routes)
	return out
}

// ErrNoRoute is returned when no route matches a destination.
var ErrNoRoute = fmt.Errorf("ipv4: no route to host")

// Lookup returns the most specific (longest netmask) route matching dst,
// matching ip_route_lookup's comparison of netmasks as big-endian integers.
func (t *Table) Lookup(dst Addr) (*Route, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var best *Route
	var bestMask uint32
	for _, r := range t.routes {
		if dst.Mask(r.Netmask) != r.Network {
			continue
		}
		mask := binary.BigEndian.Uint32(r.Netmask[:])
		if best == nil || mask > bestMask {
			best = r
			bestMask = mask
		}
	}
	if best == nil {
		return nil, ErrNoRoute
	}
	return best, nil
}
