// Package udp implements the UDP protocol control block table and a
// socket-style API (Open/Bind/SendTo/RecvFrom/Close) on top of ipv4.Engine,
// mirroring udp.c.
package udp

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/kuuji/netstack/internal/ipv4"
	"github.com/kuuji/netstack/internal/sched"
	"github.com/kuuji/netstack/internal/wire"
)

// PCBSize is the number of UDP protocol control blocks (UDP_PCB_SIZE).
const PCBSize = 16

const headerSize = 8

const (
	sourcePortMin = 49152
	sourcePortMax = 65535
)

type pcbState int

const (
	pcbFree pcbState = iota
	pcbOpen
	pcbClosing
)

type datagram struct {
	foreign ipv4.Endpoint
	data    []byte
}

type pcb struct {
	state pcbState
	local ipv4.Endpoint
	queue []datagram
	ctx   *sched.Context
}

// Errors returned by the socket API, matching the original's failure modes.
var (
	ErrNoDescriptors  = errors.New("udp: no free protocol control blocks")
	ErrInvalidHandle  = errors.New("udp: invalid handle")
	ErrNotOpen        = errors.New("udp: handle not open")
	ErrAddressInUse   = errors.New("udp: address already in use")
	ErrNoEphemeral    = errors.New("udp: no free ephemeral port")
	ErrNoRouteForBind = errors.New("udp: cannot determine local address for destination")
	ErrClosed         = errors.New("udp: connection closed while waiting")
)

// Engine is the UDP layer: a fixed PCB table plus the socket-style API.
type Engine struct {
	log *slog.Logger
	ip  *ipv4.Engine

	mu   sync.Mutex
	pcbs [PCBSize]*pcb
}

// New creates a UDP engine bound to ip, with every PCB slot initialized to
// pcbFree and given its own sched.Context guarded by the engine mutex.
func New(ip *ipv4.Engine, log *slog.Logger) *Engine {
	e := &Engine{log: log.With("component", "udp"), ip: ip}
	for i := range e.pcbs {
		e.pcbs[i] = &pcb{state: pcbFree}
		e.pcbs[i].ctx = sched.New(&e.mu)
	}
	return e
}

// Register registers the UDP protocol handler with ip, matching udp_init.
func (e *Engine) Register() error {
	return e.ip.RegisterProtocol("udp", ipv4.ProtoUDP, e.input)
}

// Handle identifies an open UDP PCB, returned by Open.
type Handle int

func (e *Engine) selectPCB(addr ipv4.Addr, port uint16) *pcb {
	for _, p := range e.pcbs {
		if p.state != pcbOpen {
			continue
		}
		if (p.local.Addr == ipv4.Any || addr == ipv4.Any || p.local.Addr == addr) && p.local.Port == port {
			return p
		}
	}
	return nil
}

// Open allocates a PCB in the CLOSED-equivalent (pcbOpen, unbound) state,
// matching udp_pcb_alloc + udp_open.
func (e *Engine) Open() (Handle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i, p := range e.pcbs {
		if p.state == pcbFree {
			p.state = pcbOpen
			p.local = ipv4.Endpoint{}
			p.queue = nil
			return Handle(i), nil
		}
	}
	return -1, ErrNoDescriptors
}

// Close releases a PCB, matching udp_close/udp_pcb_release. If goroutines
// are still parked in RecvFrom, it interrupts them (so they observe
// pcbClosing and unwind) instead of leaving the PCB allocated forever; the
// last of them to unwind frees the PCB. This is the Go-side resolution of
// the "retry later" contract udp_close falls back to when the PCB is busy.
func (e *Engine) Close(h Handle) error {
	e.mu.Lock()
	p, err := e.getLocked(h)
	if err != nil {
		e.mu.Unlock()
		return err
	}
	p.state = pcbClosing
	if err := p.ctx.Destroy(); err != nil {
		p.ctx.Interrupt()
		e.mu.Unlock()
		return nil
	}
	p.state = pcbFree
	p.local = ipv4.Endpoint{}
	p.queue = nil
	e.mu.Unlock()
	return nil
}

func (e *Engine) getLocked(h Handle) (*pcb, error) {
	if h < 0 || int(h) >= PCBSize {
		return nil, ErrInvalidHandle
	}
	p := e.pcbs[h]
	if p.state == pcbFree {
		return nil, ErrNotOpen
	}
	return p, nil
}

// Bind assigns local to the PCB, rejecting an address/port already in use
// by another PCB, matching udp_bind.
func (e *Engine) Bind(h Handle, local ipv4.Endpoint) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, err := e.getLocked(h)
	if err != nil {
		return err
	}
	if existing := e.selectPCB(local.Addr, local.Port); existing != nil && existing != p {
		return ErrAddressInUse
	}
	p.local = local
	return nil
}

// SendTo transmits data to foreign from h's bound (or auto-selected) local
// endpoint, matching udp_sendto: an unbound address is resolved via the
// route to foreign, an unbound port is allocated from the ephemeral range.
func (e *Engine) SendTo(h Handle, data []byte, foreign ipv4.Endpoint) error {
	e.mu.Lock()
	p, err := e.getLocked(h)
	if err != nil {
		e.mu.Unlock()
		return err
	}
	local := p.local
	if local.Addr == ipv4.Any {
		route, err := e.ip.Routes.Lookup(foreign.Addr)
		if err != nil {
			e.mu.Unlock()
			return fmt.Errorf("%w: %v", ErrNoRouteForBind, err)
		}
		local.Addr = route.Iface.Unicast
	}
	if local.Port == 0 {
		port, err := e.allocEphemeralLocked(local.Addr)
		if err != nil {
			e.mu.Unlock()
			return err
		}
		local.Port = port
	}
	p.local = local
	e.mu.Unlock()

	return e.output(local, foreign, data)
}

func (e *Engine) allocEphemeralLocked(addr ipv4.Addr) (uint16, error) {
	for port := sourcePortMin; port <= sourcePortMax; port++ {
		if e.selectPCB(addr, uint16(port)) == nil {
			return uint16(port), nil
		}
	}
	return 0, ErrNoEphemeral
}

// RecvFrom blocks until a datagram is queued for h, h is closed, or ctx is
// cancelled, matching udp_recvfrom's sleep/wake loop.
func (e *Engine) RecvFrom(ctx context.Context, h Handle) ([]byte, ipv4.Endpoint, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	p, err := e.getLocked(h)
	if err != nil {
		return nil, ipv4.Endpoint{}, err
	}
	for {
		if len(p.queue) > 0 {
			d := p.queue[0]
			p.queue = p.queue[1:]
			return d.data, d.foreign, nil
		}
		err := p.ctx.Sleep(ctx)
		if p.state == pcbClosing {
			// Close found this PCB busy; the last waiter out frees it.
			if p.ctx.Destroy() == nil {
				p.state = pcbFree
				p.local = ipv4.Endpoint{}
				p.queue = nil
			}
			return nil, ipv4.Endpoint{}, ErrClosed
		}
		if err != nil {
			return nil, ipv4.Endpoint{}, fmt.Errorf("udp: recvfrom: %w", err)
		}
	}
}

func (e *Engine) input(data []byte, src, dst ipv4.Addr, iface *ipv4.Interface) error {
	if len(data) < headerSize {
		return fmt.Errorf("udp: datagram too short (%d bytes)", len(data))
	}
	length := binary.BigEndian.Uint16(data[4:6])
	if int(length) != len(data) {
		return fmt.Errorf("udp: length field %d does not match datagram length %d", length, len(data))
	}

	pseudo := wire.PseudoHeaderSum(src, dst, ipv4.ProtoUDP, length)
	if wire.Checksum16(data, pseudo) != 0 {
		return fmt.Errorf("udp: checksum mismatch")
	}

	srcPort := binary.BigEndian.Uint16(data[0:2])
	dstPort := binary.BigEndian.Uint16(data[2:4])

	e.mu.Lock()
	defer e.mu.Unlock()
	p := e.selectPCB(dst, dstPort)
	if p == nil {
		e.log.Debug("no listener, dropping", "dst_port", dstPort)
		return nil
	}
	payload := make([]byte, len(data)-headerSize)
	copy(payload, data[headerSize:])
	p.queue = append(p.queue, datagram{foreign: ipv4.Endpoint{Addr: src, Port: srcPort}, data: payload})
	p.ctx.Wakeup()
	return nil
}

func (e *Engine) output(src, dst ipv4.Endpoint, payload []byte) error {
	total := headerSize + len(payload)
	hdr := make([]byte, total)
	binary.BigEndian.PutUint16(hdr[0:2], src.Port)
	binary.BigEndian.PutUint16(hdr[2:4], dst.Port)
	binary.BigEndian.PutUint16(hdr[4:6], uint16(total))
	binary.BigEndian.PutUint16(hdr[6:8], 0)
	copy(hdr[headerSize:], payload)

	pseudo := wire.PseudoHeaderSum(src.Addr, dst.Addr, ipv4.ProtoUDP, uint16(total))
	binary.BigEndian.PutUint16(hdr[6:8], wire.Checksum16(hdr, pseudo))

	return e.ip.Output(ipv4.ProtoUDP, hdr, src.Addr, dst.Addr)
}
