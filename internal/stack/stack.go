// Package stack implements the portable core of the network stack: device
// registration, the protocol registry, the deferred (softirq-style) ingress
// queue, and periodic timers. It is the Go counterpart of net.c and
// platform/linux/intr.c, with the POSIX signal-based interrupt thread
// replaced by goroutines and channels — the dispatch *shape* (ISR enqueues,
// a single drain loop empties every protocol's queue in registration order)
// is kept identical.
package stack

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ProtocolHandler processes one deferred ingress frame for a registered
// protocol type, mirroring the handler passed to net_protocol_register.
type ProtocolHandler func(data []byte, dev *Device) error

// TimerHandler fires on every Timer tick (net_timer_register's callback).
type TimerHandler func()

type protocolEntry struct {
	pType   uint16
	name    string
	handler ProtocolHandler
	mu      sync.Mutex
	queue   []queuedFrame
}

type queuedFrame struct {
	id   uuid.UUID
	data []byte
	dev  *Device
}

type timerEntry struct {
	name     string
	interval time.Duration
	last     time.Time
	handler  TimerHandler
}

// Stack is the top-level object owning every registered device, protocol
// handler and timer. One Stack corresponds to one running instance of the
// net core (there is exactly one in the original C program, as a set of
// process-global arrays; here it is an explicit value so tests can run many
// independent stacks in parallel).
type Stack struct {
	log *slog.Logger

	mu        sync.Mutex
	devices   []*Device
	protocols []*protocolEntry
	timers    []*timerEntry

	softirq chan struct{}
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates an empty Stack. logger is used as the base for every
// component's derived, "component"-tagged logger.
func New(logger *slog.Logger) *Stack {
	if logger == nil {
		logger = slog.Default()
	}
	return &Stack{
		log:     logger.With("component", "stack"),
		softirq: make(chan struct{}, 1),
	}
}

// Logger returns a logger tagged with component, for use by packages built
// on top of Stack (ipv4, arp, icmp, udp, tcp).
func (s *Stack) Logger(component string) *slog.Logger {
	return s.log.With("component", component)
}

// RegisterDevice allocates an index and name for dev and adds it to the
// registry, mirroring net_device_register ("net%d" naming).
func (s *Stack) RegisterDevice(kind DeviceType, mtu, hlen, alen int, addr HardwareAddr, flags DeviceFlags, ops Ops) *Device {
	s.mu.Lock()
	defer s.mu.Unlock()

	dev := &Device{
		index: len(s.devices),
		name:  fmt.Sprintf("net%d", len(s.devices)),
		kind:  kind,
		mtu:   mtu,
		hlen:  hlen,
		alen:  alen,
		addr:  addr,
		flags: flags,
		ops:   ops,
	}
	s.devices = append(s.devices, dev)
	s.log.Info("device registered", "name", dev.name, "type", kind, "mtu", mtu)
	return dev
}

// Devices returns every registered device.
func (s *Stack) Devices() []*Device {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Device, len(s.devices))
	copy(out, s.devices)
	return out
}

// RegisterProtocol registers a handler for an ethertype/protocol number,
// rejecting a duplicate registration, matching net_protocol_register.
func (s *Stack) RegisterProtocol(name string, pType uint16, handler ProtocolHandler) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.protocols {
		if p.pType == pType {
			return fmt.Errorf("stack: protocol %#04x already registered", pType)
		}
	}
	s.protocols = append(s.protocols, &protocolEntry{pType: pType, name: name, handler: handler})
	return nil
}

// RegisterTimer registers a periodic callback fired by the timer loop
// started from Run, matching net_timer_register: the loop checks on a 10ms
// tick and fires the callback once at least interval has passed since its
// last firing, so interval is a minimum gap between calls.
func (s *Stack) RegisterTimer(name string, interval time.Duration, handler TimerHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.timers = append(s.timers, &timerEntry{name: name, interval: interval, last: time.Now(), handler: handler})
}

// Input queues an ingress frame for deferred processing by the protocol
// registered for pType and wakes the softirq drain loop, matching
// net_input_handler + intr_raise_irq(INTR_IRQ_SOFTIRQ). Every queued frame
// is tagged with a UUID purely for log correlation across the device,
// queue and handler boundary.
func (s *Stack) Input(pType uint16, data []byte, dev *Device) error {
	s.mu.Lock()
	var entry *protocolEntry
	for _, p := range s.protocols {
		if p.pType == pType {
			entry = p
			break
		}
	}
	s.mu.Unlock()
	if entry == nil {
		return fmt.Errorf("stack: no protocol registered for %#04x", pType)
	}

	id := uuid.New()
	cp := make([]byte, len(data))
	copy(cp, data)

	entry.mu.Lock()
	entry.queue = append(entry.queue, queuedFrame{id: id, data: cp, dev: dev})
	entry.mu.Unlock()

	s.log.Debug("frame queued", "protocol", entry.name, "frame_id", id, "device", dev.Name(), "len", len(cp))
	s.raiseSoftirq()
	return nil
}

func (s *Stack) raiseSoftirq() {
	select {
	case s.softirq <- struct{}{}:
	default:
	}
}

// softirqHandler drains every protocol's queue in registration order, the
// same fairness guarantee net_softirq_handler gives: one protocol cannot
// starve another's queue from being drained within a single pass, but a
// protocol that keeps receiving frames while being drained is fully
// emptied before moving to the next.
func (s *Stack) softirqHandler() {
	s.mu.Lock()
	protocols := make([]*protocolEntry, len(s.protocols))
	copy(protocols, s.protocols)
	s.mu.Unlock()

	for _, p := range protocols {
		for {
			p.mu.Lock()
			if len(p.queue) == 0 {
				p.mu.Unlock()
				break
			}
			f := p.queue[0]
			p.queue = p.queue[1:]
			p.mu.Unlock()

			if err := p.handler(f.data, f.dev); err != nil {
				s.log.Warn("protocol handler error", "protocol", p.name, "frame_id", f.id, "error", err)
			}
		}
	}
}

// Run starts the softirq drain loop and the timer loop, then opens every
// registered device, mirroring net_run (intr_run + net_device_open for each
// device). It returns once every device has been opened; the background
// loops keep running until Shutdown is called.
func (s *Stack) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	s.wg.Add(2)
	go s.runSoftirqLoop(runCtx)
	go s.runTimerLoop(runCtx)

	for _, dev := range s.Devices() {
		if err := dev.Open(); err != nil {
			return fmt.Errorf("stack: run: %w", err)
		}
	}
	s.log.Info("stack running", "devices", len(s.Devices()))
	return nil
}

func (s *Stack) runSoftirqLoop(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.softirq:
			s.softirqHandler()
		}
	}
}

func (s *Stack) runTimerLoop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.mu.Lock()
			timers := make([]*timerEntry, len(s.timers))
			copy(timers, s.timers)
			s.mu.Unlock()
			for _, t := range timers {
				if now.Sub(t.last) >= t.interval {
					t.last = now
					t.handler()
				}
			}
		}
	}
}

// Shutdown closes every device and stops the background loops, mirroring
// net_shutdown (close every device, then intr_shutdown).
func (s *Stack) Shutdown() error {
	for _, dev := range s.Devices() {
		if dev.IsUp() {
			if err := dev.Close(); err != nil {
				s.log.Warn("error closing device during shutdown", "device", dev.Name(), "error", err)
			}
		}
	}
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.log.Info("stack shut down")
	return nil
}
