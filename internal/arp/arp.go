// Package arp implements the IPv4-over-Ethernet Address Resolution Protocol
// cache and resolver, mirroring arp.c.
package arp

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kuuji/netstack/internal/link"
	"github.com/kuuji/netstack/internal/stack"
)

// CacheSize is the number of entries in the ARP cache (ARP_CACHE_SIZE).
const CacheSize = 32

const (
	hardwareTypeEthernet = 1
	opRequest            = 1
	opReply              = 2
	headerSize           = 8
	packetSize           = headerSize + 2*(6+4)
)

type entryState int

const (
	stateFree entryState = iota
	stateIncomplete
	stateResolved
	stateStatic
)

type cacheEntry struct {
	state     entryState
	pa        [4]byte
	ha        stack.HardwareAddr
	timestamp time.Time
}

// Resolution is the tri-state result of Resolve, mirroring
// ARP_RESOLVE_{ERROR,INCOMPLETE,FOUND} in the original.
type Resolution int

const (
	ResolveError Resolution = iota
	ResolveIncomplete
	ResolveFound
)

// Resolver is the interface ipv4 needs from an attached IP interface to
// resolve a next-hop address: the device to send ARP frames on and the
// interface's own unicast address.
type Resolver interface {
	Device() *stack.Device
	UnicastAddr() [4]byte
}

// ErrNotEthernet is returned by Resolve when the interface's device is not
// an Ethernet-family link (arp_resolve's NET_DEVICE_TYPE_ETHERNET check).
var ErrNotEthernet = errors.New("arp: interface is not on an ethernet device")

// Cache is a fixed-size ARP cache plus the resolver/registration logic
// built on top of it. One Cache is normally attached to one Stack via
// Register.
type Cache struct {
	mu      sync.Mutex
	log     *slog.Logger
	s       *stack.Stack
	entries [CacheSize]cacheEntry
}

// New creates an empty Cache.
func New(s *stack.Stack) *Cache {
	return &Cache{s: s, log: s.Logger("arp")}
}

// Register registers the ARP input handler with s, mirroring arp_init.
func (c *Cache) Register() error {
	return c.s.RegisterProtocol("arp", link.TypeARP, func(data []byte, dev *stack.Device) error {
		return c.input(data, dev)
	})
}

func (c *Cache) select_(pa [4]byte) *cacheEntry {
	for i := range c.entries {
		e := &c.entries[i]
		if e.state != stateFree && e.pa == pa {
			return e
		}
	}
	return nil
}

func (c *Cache) alloc() *cacheEntry {
	for i := range c.entries {
		if c.entries[i].state == stateFree {
			return &c.entries[i]
		}
	}
	// Evict the oldest entry (arp_cache_alloc's LRU fallback).
	oldest := &c.entries[0]
	for i := range c.entries {
		if c.entries[i].timestamp.Before(oldest.timestamp) {
			oldest = &c.entries[i]
		}
	}
	return oldest
}

// Resolve looks up pa in the cache. If no entry exists, it allocates an
// INCOMPLETE entry, sends an ARP request, and returns ResolveIncomplete; if
// an INCOMPLETE entry already exists it re-sends the request and returns
// ResolveIncomplete again; otherwise it returns the cached hardware address
// with ResolveFound. This matches arp_resolve exactly, including the resend
// behavior on repeated calls against an unanswered request.
func (c *Cache) Resolve(r Resolver, pa [4]byte) (stack.HardwareAddr, Resolution, error) {
	if r.Device().Type() != stack.DeviceEthernet {
		return stack.HardwareAddr{}, ResolveError, ErrNotEthernet
	}

	c.mu.Lock()
	e := c.select_(pa)
	if e == nil {
		e = c.alloc()
		*e = cacheEntry{state: stateIncomplete, pa: pa, timestamp: time.Now()}
		c.mu.Unlock()
		if err := c.request(r, pa); err != nil {
			return stack.HardwareAddr{}, ResolveError, err
		}
		c.log.Debug("resolve: cache miss, request sent", "pa", pa)
		return stack.HardwareAddr{}, ResolveIncomplete, nil
	}
	if e.state == stateIncomplete {
		pa := e.pa
		c.mu.Unlock()
		if err := c.request(r, pa); err != nil {
			return stack.HardwareAddr{}, ResolveError, err
		}
		c.log.Debug("resolve: still incomplete, re-request sent", "pa", pa)
		return stack.HardwareAddr{}, ResolveIncomplete, nil
	}
	ha := e.ha
	c.mu.Unlock()
	return ha, ResolveFound, nil
}

func (c *Cache) update(pa [4]byte, ha stack.HardwareAddr) bool {
	e := c.select_(pa)
	if e == nil {
		return false
	}
	e.state = stateResolved
	e.ha = ha
	e.timestamp = time.Now()
	return true
}

func (c *Cache) insert(pa [4]byte, ha stack.HardwareAddr) {
	e := c.alloc()
	*e = cacheEntry{state: stateResolved, pa: pa, ha: ha, timestamp: time.Now()}
}

// Input processes one ARP frame, mirroring arp_input: update-or-insert the
// sender's mapping, then reply if we were the target of a request.
func (c *Cache) input(data []byte, dev *stack.Device) error {
	if len(data) < packetSize {
		return fmt.Errorf("arp: packet too short (%d bytes)", len(data))
	}
	htype := binary.BigEndian.Uint16(data[0:2])
	ptype := binary.BigEndian.Uint16(data[2:4])
	hlen := data[4]
	plen := data[5]
	if htype != hardwareTypeEthernet || hlen != 6 {
		return fmt.Errorf("arp: unsupported hardware type/length")
	}
	if ptype != link.TypeIPv4 || plen != 4 {
		return fmt.Errorf("arp: unsupported protocol type/length")
	}
	opcode := binary.BigEndian.Uint16(data[6:8])

	var sha, tha stack.HardwareAddr
	var spa, tpa [4]byte
	off := headerSize
	copy(sha[:6], data[off:off+6])
	off += 6
	copy(spa[:], data[off:off+4])
	off += 4
	copy(tha[:6], data[off:off+6])
	off += 6
	copy(tpa[:], data[off:off+4])

	c.mu.Lock()
	merge := c.update(spa, sha)
	c.mu.Unlock()

	iface := dev.InterfaceByFamily(stack.FamilyIPv4)
	if iface == nil {
		return nil
	}
	r, ok := iface.(Resolver)
	if !ok {
		return nil
	}
	if r.UnicastAddr() != tpa {
		return nil
	}

	if !merge {
		c.mu.Lock()
		c.insert(spa, sha)
		c.mu.Unlock()
	}

	if opcode == opRequest {
		return c.reply(dev, r.UnicastAddr(), sha, spa)
	}
	_ = tha
	return nil
}

func (c *Cache) request(r Resolver, tpa [4]byte) error {
	packet := buildPacket(opRequest, r.Device().HardwareAddr(), r.UnicastAddr(), stack.HardwareAddr{}, tpa)
	return r.Device().Transmit(link.TypeARP, packet, link.Broadcast)
}

// reply sends an ARP reply claiming srcPA, addressed to dstHA/dstPA (the
// original requester's hardware and protocol address), matching arp_reply.
func (c *Cache) reply(dev *stack.Device, srcPA [4]byte, dstHA stack.HardwareAddr, dstPA [4]byte) error {
	packet := buildPacket(opReply, dev.HardwareAddr(), srcPA, dstHA, dstPA)
	return dev.Transmit(link.TypeARP, packet, dstHA)
}

func buildPacket(opcode uint16, sha stack.HardwareAddr, spa [4]byte, tha stack.HardwareAddr, tpa [4]byte) []byte {
	buf := make([]byte, packetSize)
	binary.BigEndian.PutUint16(buf[0:2], hardwareTypeEthernet)
	binary.BigEndian.PutUint16(buf[2:4], link.TypeIPv4)
	buf[4] = 6
	buf[5] = 4
	binary.BigEndian.PutUint16(buf[6:8], opcode)
	off := headerSize
	copy(buf[off:off+6], sha[:6])
	off += 6
	copy(buf[off:off+4], spa[:])
	off += 4
	copy(buf[off:off+6], tha[:6])
	off += 6
	copy(buf[off:off+4], tpa[:])
	return buf
}
