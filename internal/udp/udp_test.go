package udp

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/kuuji/netstack/internal/arp"
	"github.com/kuuji/netstack/internal/ipv4"
	"github.com/kuuji/netstack/internal/link"
	"github.com/kuuji/netstack/internal/stack"
)

func newTestStack(t *testing.T) (*Engine, *stack.Stack, ipv4.Addr) {
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
	lo := link.NewLoopback(s)
	iface, err := ip.AddInterface(lo.Device(), ipv4.Addr{127, 0, 0, 1}, ipv4.Addr{255, 0, 0, 0})
	if err != nil {
		t.Fatalf("AddInterface() error: %v", err)
	}
	e := New(ip, logger)
	if err := e.Register(); err != nil {
		t.Fatalf("udp Register() error: %v", err)
	}
	return e, s, iface.Unicast
}

func TestSendToRecvFrom_roundTripsOverLoopback(t *testing.T) {
	t.Parallel()

	e, s, self := newTestStack(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := s.Run(ctx); err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	defer s.Shutdown()

	h, err := e.Open()
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	defer e.Close(h)

	if err := e.Bind(h, ipv4.Endpoint{Addr: self, Port: 9000}); err != nil {
		t.Fatalf("Bind() error: %v", err)
	}

	payload := []byte("hello udp")
	if err := e.SendTo(h, payload, ipv4.Endpoint{Addr: self, Port: 9000}); err != nil {
		t.Fatalf("SendTo() error: %v", err)
	}

	recvCtx, recvCancel := context.WithTimeout(context.Background(), time.Second)
	defer recvCancel()
	got, from, err := e.RecvFrom(recvCtx, h)
	if err != nil {
		t.Fatalf("RecvFrom() error: %v", err)
	}
	if string(got) != string(payload) {
		t.Errorf("RecvFrom() data = %q, want %q", got, payload)
	}
	if from.Addr != self || from.Port != 9000 {
		t.Errorf("RecvFrom() from = %+v, want %s:9000", from, self)
	}
}

func TestOpen_exhaustsDescriptorTable(t *testing.T) {
	t.Parallel()

	e, _, _ := newTestStack(t)
	var handles []Handle
	for i := 0; i < PCBSize; i++ {
		h, err := e.Open()
		if err != nil {
			t.Fatalf("Open() %d error: %v", i, err)
		}
		handles = append(handles, h)
	}
	if _, err := e.Open(); err != ErrNoDescriptors {
		t.Errorf("Open() past the table size error = %v, want ErrNoDescriptors", err)
	}
	for _, h := range handles {
		e.Close(h)
	}
}

func TestBind_rejectsDuplicateAddress(t *testing.T) {
	t.Parallel()

	e, _, self := newTestStack(t)
	h1, _ := e.Open()
	h2, _ := e.Open()
	defer e.Close(h1)
	defer e.Close(h2)

	if err := e.Bind(h1, ipv4.Endpoint{Addr: self, Port: 7777}); err != nil {
		t.Fatalf("Bind() h1 error: %v", err)
	}
	if err := e.Bind(h2, ipv4.Endpoint{Addr: self, Port: 7777}); err != ErrAddressInUse {
		t.Errorf("Bind() h2 to the same endpoint error = %v, want ErrAddressInUse", err)
	}
}

func TestGetLocked_invalidHandle(t *testing.T) {
	t.Parallel()

	e, _, self := newTestStack(t)
	if err := e.Bind(Handle(999), ipv4.Endpoint{Addr: self, Port: 1}); err != ErrInvalidHandle {
		t.Errorf("Bind() on an out-of-range handle error = %v, want ErrInvalidHandle", err)
	}
	if err := e.Bind(Handle(-1), ipv4.Endpoint{Addr: self, Port: 1}); err != ErrInvalidHandle {
		t.Errorf("Bind() on a negative handle error = %v, want ErrInvalidHandle", err)
	}
}

func TestSendTo_autoAssignsEphemeralPort(t *testing.T) {
	t.Parallel()

	e, s, self := newTestStack(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := s.Run(ctx); err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	defer s.Shutdown()

	listener, _ := e.Open()
	defer e.Close(listener)
	if err := e.Bind(listener, ipv4.Endpoint{Addr: self, Port: 9001}); err != nil {
		t.Fatalf("Bind() error: %v", err)
	}

	sender, _ := e.Open()
	defer e.Close(sender)
	if err := e.SendTo(sender, []byte("x"), ipv4.Endpoint{Addr: self, Port: 9001}); err != nil {
		t.Fatalf("SendTo() error: %v", err)
	}

	recvCtx, recvCancel := context.WithTimeout(context.Background(), time.Second)
	defer recvCancel()
	_, from, err := e.RecvFrom(recvCtx, listener)
	if err != nil {
		t.Fatalf("RecvFrom() error: %v", err)
	}
	if from.Port < sourcePortMin || from.Port > sourcePortMax {
		t.Errorf("sender's ephemeral source port = %d, want in [%d, %d]", from.Port, sourcePortMin, sourcePortMax)
	}
}

func TestClose_wakesBlockedRecvFrom(t *testing.T) {
	t.Parallel()

	e, s, self := newTestStack(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := s.Run(ctx); err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	defer s.Shutdown()

	h, _ := e.Open()
	if err := e.Bind(h, ipv4.Endpoint{Addr: self, Port: 9002}); err != nil {
		t.Fatalf("Bind() error: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		_, _, err := e.RecvFrom(context.Background(), h)
		done <- err
	}()

	time.Sleep(20 * time.Millisecond) // let RecvFrom reach its sleep
	if err := e.Close(h); err != nil {
		t.Fatalf("Close() error: %v", err)
	}

	select {
	case err := <-done:
		if err != ErrClosed {
			t.Errorf("RecvFrom() after Close() error = %v, want ErrClosed", err)
		}
	case <-time.After(time.Second):
		t.Fatal("RecvFrom() did not unblock after Close()")
	}
}
