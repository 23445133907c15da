package link

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/kuuji/netstack/internal/stack"
)

func TestLoopback_transmitDeliversToOwnIngress(t *testing.T) {
	t.Parallel()

	s := stack.New(slog.New(slog.DiscardHandler))
	lo := NewLoopback(s)

	received := make(chan []byte, 1)
	if err := s.RegisterProtocol("test", TypeIPv4, func(data []byte, d *stack.Device) error {
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

	if err := lo.dev.Transmit(TypeIPv4, []byte("ping"), stack.HardwareAddr{}); err != nil {
		t.Fatalf("Transmit() error: %v", err)
	}

	select {
	case got := <-received:
		if string(got) != "ping" {
			t.Errorf("received %q, want %q", got, "ping")
		}
	case <-time.After(time.Second):
		t.Fatal("loopback did not deliver its own transmitted frame")
	}
}

func TestLoopback_transmitRejectsWhenQueueFull(t *testing.T) {
	t.Parallel()

	s := stack.New(slog.New(slog.DiscardHandler))
	lo := NewLoopback(s)
	// Don't start the isr loop: the queue will fill and stay full.

	var lastErr error
	for i := 0; i < loopbackQueueSize+1; i++ {
		lastErr = lo.Transmit(TypeIPv4, []byte("x"), stack.HardwareAddr{})
	}
	if lastErr == nil {
		t.Error("Transmit() on a full queue succeeded, want error")
	}
}
