package signaling

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"

	"github.com/medilensai-eng/call-flow-manager-sub000/internal/events"
)

func TestManager_UnknownStream(t *testing.T) {
	m := NewManager(Config{}, events.NewBus(), zerolog.Nop())

	if _, err := m.Status("nope"); !errors.Is(err, ErrUnknownStream) {
		t.Fatalf("Status: got %v, want ErrUnknownStream", err)
	}
	if err := m.StopCapture("nope"); !errors.Is(err, ErrUnknownStream) {
		t.Fatalf("StopCapture: got %v, want ErrUnknownStream", err)
	}
	if err := m.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestManager_LazyCreateAndPortAllocation(t *testing.T) {
	m := NewManager(Config{RTPPort: 39500}, events.NewBus(), zerolog.Nop())
	defer m.Close()

	ctx := context.Background()
	first, err := m.StartCapture(ctx, "room-1")
	if err != nil {
		t.Fatalf("StartCapture room-1: %v", err)
	}
	if !first.Capturing {
		t.Fatal("room-1 should be capturing")
	}
	if first.RTPPort != 39500 {
		t.Fatalf("room-1 rtp port=%d, want 39500", first.RTPPort)
	}

	second, err := m.StartCapture(ctx, "room-2")
	if err != nil {
		t.Fatalf("StartCapture room-2: %v", err)
	}
	if second.RTPPort != 39501 {
		t.Fatalf("room-2 rtp port=%d, want 39501", second.RTPPort)
	}

	// restart is idempotent and keeps the allocated port
	again, err := m.StartCapture(ctx, "room-1")
	if err != nil {
		t.Fatalf("restart room-1: %v", err)
	}
	if again.RTPPort != first.RTPPort {
		t.Fatalf("room-1 port changed across restarts: %d vs %d", again.RTPPort, first.RTPPort)
	}

	if err := m.StopCapture("room-1"); err != nil {
		t.Fatalf("StopCapture: %v", err)
	}
	status, err := m.Status("room-1")
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if status.Capturing {
		t.Fatal("room-1 should not be capturing after stop")
	}
	if status.Viewers != 0 {
		t.Fatalf("viewers=%d, want 0", status.Viewers)
	}
}
