package stack

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"
)

type fakeOps struct {
	mu       sync.Mutex
	opened   bool
	closed   bool
	sent     [][]byte
	failOpen bool
}

func (f *fakeOps) Open() error {
	if f.failOpen {
		return errTest
	}
	f.mu.Lock()
	f.opened = true
	f.mu.Unlock()
	return nil
}

func (f *fakeOps) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func (f *fakeOps) Transmit(ethertype uint16, payload []byte, dst HardwareAddr) error {
	f.mu.Lock()
	f.sent = append(f.sent, payload)
	f.mu.Unlock()
	return nil
}

var errTest = &testErr{"open failed"}

type testErr struct{ msg string }

func (e *testErr) Error() string { return e.msg }

func newTestStack() *Stack {
	return New(slog.New(slog.DiscardHandler))
}

func TestRegisterDevice_assignsSequentialNames(t *testing.T) {
	t.Parallel()

	s := newTestStack()
	d0 := s.RegisterDevice(DeviceDummy, 1500, 0, 0, HardwareAddr{}, 0, &fakeOps{})
	d1 := s.RegisterDevice(DeviceDummy, 1500, 0, 0, HardwareAddr{}, 0, &fakeOps{})

	if d0.Name() != "net0" || d1.Name() != "net1" {
		t.Errorf("device names = %q, %q, want net0, net1", d0.Name(), d1.Name())
	}
	if len(s.Devices()) != 2 {
		t.Errorf("Devices() returned %d devices, want 2", len(s.Devices()))
	}
}

func TestRegisterProtocol_rejectsDuplicate(t *testing.T) {
	t.Parallel()

	s := newTestStack()
	if err := s.RegisterProtocol("a", 0x0800, func([]byte, *Device) error { return nil }); err != nil {
		t.Fatalf("first RegisterProtocol() error: %v", err)
	}
	if err := s.RegisterProtocol("b", 0x0800, func([]byte, *Device) error { return nil }); err == nil {
		t.Error("second RegisterProtocol() for the same type succeeded, want error")
	}
}

func TestInput_deliversQueuedFrameToHandler(t *testing.T) {
	t.Parallel()

	s := newTestStack()
	dev := s.RegisterDevice(DeviceDummy, 1500, 0, 0, HardwareAddr{}, 0, &fakeOps{})

	received := make(chan []byte, 1)
	if err := s.RegisterProtocol("test", 0x1234, func(data []byte, d *Device) error {
		received <- data
		return nil
	}); err != nil {
		t.Fatalf("RegisterProtocol() error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := s.Run(ctx); err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	defer s.Shutdown()

	payload := []byte("hello")
	if err := s.Input(0x1234, payload, dev); err != nil {
		t.Fatalf("Input() error: %v", err)
	}

	select {
	case got := <-received:
		if string(got) != "hello" {
			t.Errorf("handler received %q, want %q", got, "hello")
		}
	case <-time.After(time.Second):
		t.Fatal("handler was never called")
	}
}

func TestInput_unregisteredProtocolErrors(t *testing.T) {
	t.Parallel()

	s := newTestStack()
	dev := s.RegisterDevice(DeviceDummy, 1500, 0, 0, HardwareAddr{}, 0, &fakeOps{})

	if err := s.Input(0x9999, []byte{1}, dev); err == nil {
		t.Error("Input() for an unregistered protocol succeeded, want error")
	}
}

func TestRegisterTimer_firesRepeatedly(t *testing.T) {
	t.Parallel()

	s := newTestStack()
	s.RegisterDevice(DeviceDummy, 1500, 0, 0, HardwareAddr{}, 0, &fakeOps{})

	var count int
	var mu sync.Mutex
	s.RegisterTimer("test", 20*time.Millisecond, func() {
		mu.Lock()
		count++
		mu.Unlock()
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := s.Run(ctx); err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	defer s.Shutdown()

	time.Sleep(120 * time.Millisecond)

	mu.Lock()
	got := count
	mu.Unlock()
	if got < 2 {
		t.Errorf("timer fired %d times in 120ms at a 20ms interval, want at least 2", got)
	}
}

func TestRun_opensEveryDevice(t *testing.T) {
	t.Parallel()

	s := newTestStack()
	ops := &fakeOps{}
	dev := s.RegisterDevice(DeviceDummy, 1500, 0, 0, HardwareAddr{}, 0, ops)

	if err := s.Run(context.Background()); err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	defer s.Shutdown()

	if !dev.IsUp() {
		t.Error("device is not up after Run()")
	}
}

func TestShutdown_closesDevices(t *testing.T) {
	t.Parallel()

	s := newTestStack()
	ops := &fakeOps{}
	dev := s.RegisterDevice(DeviceDummy, 1500, 0, 0, HardwareAddr{}, 0, ops)

	if err := s.Run(context.Background()); err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if err := s.Shutdown(); err != nil {
		t.Fatalf("Shutdown() error: %v", err)
	}

	if dev.IsUp() {
		t.Error("device is still up after Shutdown()")
	}
}
