package tcp

import (
	"context"
	"encoding/binary"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/kuuji/netstack/internal/arp"
	"github.com/kuuji/netstack/internal/ipv4"
	"github.com/kuuji/netstack/internal/stack"
	"github.com/kuuji/netstack/internal/wire"
)

// captureDevice records every frame handed to Transmit instead of delivering
// it anywhere, so a test can inspect exactly what the engine sent in
// response to a crafted segment without the transmitted segment looping
// back into the same engine (the way a real loopback device would).
type captureDevice struct {
	mu   sync.Mutex
	sent [][]byte
}

func (c *captureDevice) Open() error  { return nil }
func (c *captureDevice) Close() error { return nil }
func (c *captureDevice) Transmit(ethertype uint16, payload []byte, dst stack.HardwareAddr) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	cp := make([]byte, len(payload))
	copy(cp, payload)
	c.sent = append(c.sent, cp)
	return nil
}

func (c *captureDevice) last() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.sent) == 0 {
		return nil
	}
	return c.sent[len(c.sent)-1]
}

func (c *captureDevice) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sent)
}

func newTestEngine(t *testing.T) (*Engine, *ipv4.Interface, ipv4.Addr, *captureDevice) {
	t.Helper()
	logger := slog.New(slog.DiscardHandler)
	s := stack.New(logger)
	cache := arp.New(s)
	if err := cache.Register(); err != nil {
		t.Fatalf("arp Register() error: %v", err)
	}
	ip := ipv4.New(s, cache)
	if err := ip.Register(); err != nil {
		t.Fatalf("ipv4 Register() error: %v", err)
	}
	capture := &captureDevice{}
	dev := s.RegisterDevice(stack.DeviceDummy, 1500, 0, 0, stack.HardwareAddr{}, 0, capture)
	self := ipv4.Addr{10, 0, 0, 1}
	iface, err := ip.AddInterface(dev, self, ipv4.Addr{255, 255, 255, 0})
	if err != nil {
		t.Fatalf("AddInterface() error: %v", err)
	}
	if err := dev.Open(); err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	e := New(ip, logger)
	if err := e.Register(); err != nil {
		t.Fatalf("tcp Register() error: %v", err)
	}
	return e, iface, self, capture
}

func checksummed(local, foreign ipv4.Endpoint, seq, ack uint32, flags uint8, window uint16, payload []byte) []byte {
	buf := buildSegmentBytes(local.Port, foreign.Port, seq, ack, flags, window, payload)
	pseudo := wire.PseudoHeaderSum(local.Addr, foreign.Addr, ipv4.ProtoTCP, uint16(len(buf)))
	binary.BigEndian.PutUint16(buf[16:18], wire.Checksum16(buf, pseudo))
	return buf
}

func parseOutgoing(raw []byte) segment {
	seg, err := parseSegment(raw)
	if err != nil {
		panic(err)
	}
	return seg
}

func TestListen_completesPassiveHandshake(t *testing.T) {
	t.Parallel()

	e, iface, self, capture := newTestEngine(t)
	peer := ipv4.Endpoint{Addr: ipv4.Addr{10, 0, 0, 2}, Port: 9000}
	local := ipv4.Endpoint{Addr: self, Port: 80}

	listenDone := make(chan struct {
		h   Handle
		err error
	}, 1)
	go func() {
		h, err := e.Listen(context.Background(), local, nil)
		listenDone <- struct {
			h   Handle
			err error
		}{h, err}
	}()

	// Give Listen a moment to install the LISTEN pcb before the SYN
	// arrives.
	time.Sleep(20 * time.Millisecond)

	clientISS := uint32(5000)
	syn := checksummed(peer, local, clientISS, 0, FlagSYN, 4096, nil)
	// input's src/dst are swapped relative to local/foreign from the
	// server's point of view: src is the peer, dst is the server.
	if err := e.input(syn, peer.Addr, self, iface); err != nil {
		t.Fatalf("input() SYN error: %v", err)
	}

	if capture.count() != 1 {
		t.Fatalf("transmitted segment count after SYN = %d, want 1 (SYN|ACK)", capture.count())
	}
	synAck := parseOutgoing(capture.last())
	if synAck.flags != FlagSYN|FlagACK {
		t.Fatalf("response flags = %#02x, want SYN|ACK", synAck.flags)
	}
	if synAck.ack != clientISS+1 {
		t.Errorf("response ack = %d, want %d", synAck.ack, clientISS+1)
	}
	serverISS := synAck.seq

	ack := checksummed(peer, local, clientISS+1, serverISS+1, FlagACK, 4096, nil)
	if err := e.input(ack, peer.Addr, self, iface); err != nil {
		t.Fatalf("input() ACK error: %v", err)
	}

	select {
	case res := <-listenDone:
		if res.err != nil {
			t.Fatalf("Listen() error: %v", res.err)
		}
		h := res.h
		defer e.Close(h)
	case <-time.After(time.Second):
		t.Fatal("Listen() did not return after the handshake completed")
	}
}

func TestSegmentArrives_outOfWindowSegmentIsSilentlyDropped(t *testing.T) {
	t.Parallel()

	e, iface, self, capture := newTestEngine(t)
	peer := ipv4.Endpoint{Addr: ipv4.Addr{10, 0, 0, 2}, Port: 9000}
	local := ipv4.Endpoint{Addr: self, Port: 81}

	listenDone := make(chan error, 1)
	go func() {
		_, err := e.Listen(context.Background(), local, nil)
		listenDone <- err
	}()
	time.Sleep(20 * time.Millisecond)

	syn := checksummed(peer, local, 1000, 0, FlagSYN, 4096, nil)
	if err := e.input(syn, peer.Addr, self, iface); err != nil {
		t.Fatalf("input() SYN error: %v", err)
	}
	if capture.count() != 1 {
		t.Fatalf("transmitted segment count after SYN = %d, want 1", capture.count())
	}

	// A segment whose sequence number falls far outside the receive
	// window isn't acceptable (RFC 793's 4th check) and, since it carries
	// RST, is dropped without a reply rather than answered with an ACK.
	stray := checksummed(peer, local, 999999, 0, FlagRST, 0, nil)
	if err := e.input(stray, peer.Addr, self, iface); err != nil {
		t.Fatalf("input() stray RST error: %v", err)
	}

	if capture.count() != 1 {
		t.Errorf("transmitted segment count after the out-of-window RST = %d, want still 1 (dropped silently)", capture.count())
	}
	select {
	case <-listenDone:
		t.Fatal("Listen() returned on an out-of-window segment, want it to keep waiting for a valid ACK")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestInput_noPCB_sendsRST(t *testing.T) {
	t.Parallel()

	e, iface, self, capture := newTestEngine(t)
	peer := ipv4.Endpoint{Addr: ipv4.Addr{10, 0, 0, 2}, Port: 9000}
	local := ipv4.Endpoint{Addr: self, Port: 9999}

	ack := checksummed(peer, local, 1, 1, FlagACK, 4096, nil)
	if err := e.input(ack, peer.Addr, self, iface); err != nil {
		t.Fatalf("input() error: %v", err)
	}
	if capture.count() != 1 {
		t.Fatalf("transmitted segment count = %d, want 1 (RST)", capture.count())
	}
	resp := parseOutgoing(capture.last())
	if resp.flags != FlagRST {
		t.Errorf("response flags = %#02x, want RST", resp.flags)
	}
}

func TestInput_noPCB_dropsRST(t *testing.T) {
	t.Parallel()

	e, iface, self, capture := newTestEngine(t)
	peer := ipv4.Endpoint{Addr: ipv4.Addr{10, 0, 0, 2}, Port: 9000}
	local := ipv4.Endpoint{Addr: self, Port: 9999}

	rst := checksummed(peer, local, 1, 1, FlagRST, 4096, nil)
	if err := e.input(rst, peer.Addr, self, iface); err != nil {
		t.Fatalf("input() error: %v", err)
	}
	if capture.count() != 0 {
		t.Errorf("transmitted segment count after an unmatched RST = %d, want 0", capture.count())
	}
}

func TestInput_rejectsBadChecksum(t *testing.T) {
	t.Parallel()

	e, iface, self, _ := newTestEngine(t)
	peer := ipv4.Addr{10, 0, 0, 2}
	raw := buildSegmentBytes(9000, 80, 1, 0, FlagSYN, 4096, nil) // no checksum fixed up
	if err := e.input(raw, peer, self, iface); err == nil {
		t.Error("input() with a corrupt checksum succeeded, want error")
	}
}

func TestInput_rejectsBroadcastSourceOrDestination(t *testing.T) {
	t.Parallel()

	e, iface, self, capture := newTestEngine(t)
	peer := ipv4.Addr{10, 0, 0, 2}
	local := ipv4.Endpoint{Addr: self, Port: 80}
	foreign := ipv4.Endpoint{Addr: peer, Port: 9000}

	tests := []struct {
		name     string
		src, dst ipv4.Addr
	}{
		{"general broadcast source", ipv4.Broadcast, self},
		{"interface broadcast source", iface.Broadcast, self},
		{"general broadcast destination", peer, ipv4.Broadcast},
		{"interface broadcast destination", peer, iface.Broadcast},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw := checksummed(
				ipv4.Endpoint{Addr: tt.src, Port: foreign.Port},
				ipv4.Endpoint{Addr: tt.dst, Port: local.Port},
				5000, 0, FlagSYN, 4096, nil,
			)
			if err := e.input(raw, tt.src, tt.dst, iface); err == nil {
				t.Errorf("input() with %s succeeded, want error", tt.name)
			}
		})
	}
	if capture.count() != 0 {
		t.Errorf("transmitted segment count = %d, want 0 (dropped before any reply)", capture.count())
	}
}

func TestSend_errorsWhenNotEstablished(t *testing.T) {
	t.Parallel()

	e, _, _, _ := newTestEngine(t)
	h, p, err := e.alloc()
	if err != nil {
		t.Fatalf("alloc() error: %v", err)
	}
	p.state = StateClosed

	if _, err := e.Send(context.Background(), h, []byte("x")); err != ErrNotEstablished {
		t.Errorf("Send() on a non-established pcb error = %v, want ErrNotEstablished", err)
	}
	if _, err := e.Receive(context.Background(), h, make([]byte, 16)); err != ErrNotEstablished {
		t.Errorf("Receive() on a non-established pcb error = %v, want ErrNotEstablished", err)
	}
}

func TestDial_notImplemented(t *testing.T) {
	t.Parallel()

	e, _, _, _ := newTestEngine(t)
	if _, err := e.Dial(context.Background(), ipv4.Endpoint{}, ipv4.Endpoint{}); err != ErrActiveOpen {
		t.Errorf("Dial() error = %v, want ErrActiveOpen", err)
	}
}

func TestGetLocked_invalidHandle(t *testing.T) {
	t.Parallel()

	e, _, _, _ := newTestEngine(t)
	if _, err := e.getLocked(Handle(PCBSize + 1)); err != ErrInvalidHandle {
		t.Errorf("getLocked() out of range error = %v, want ErrInvalidHandle", err)
	}
	if _, err := e.getLocked(Handle(0)); err != ErrNotOpen {
		t.Errorf("getLocked() on a free pcb error = %v, want ErrNotOpen", err)
	}
}

func TestState_String(t *testing.T) {
	t.Parallel()

	tests := map[State]string{
		StateFree:        "FREE",
		StateListen:      "LISTEN",
		StateEstablished: "ESTABLISHED",
		State(999):       "UNKNOWN",
	}
	for state, want := range tests {
		if got := state.String(); got != want {
			t.Errorf("State(%d).String() = %q, want %q", state, got, want)
		}
	}
}
