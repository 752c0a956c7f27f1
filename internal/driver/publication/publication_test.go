package publication

import (
	"testing"
	"time"

	"mediadriver/internal/driver/flowcontrol"
	"mediadriver/internal/driver/logbuffer"
)

func newTestPublication() *Publication {
	lb := logbuffer.New(1024, 1)
	fc := flowcontrol.NewUnicast(time.Second)
	return New(1, "udp://localhost:4000", 100, 7, 1408, lb, fc)
}

func TestRefCounting(t *testing.T) {
	p := newTestPublication()
	if p.RefCount() != 1 {
		t.Fatalf("initial RefCount = %d, want 1", p.RefCount())
	}
	p.IncRef()
	if p.RefCount() != 2 {
		t.Fatalf("RefCount after IncRef = %d, want 2", p.RefCount())
	}
	if p.DecRef() != 1 || p.DecRef() != 0 {
		t.Fatalf("DecRef sequence did not reach 0")
	}
}

func TestFlowControlDrivesLimit(t *testing.T) {
	p := newTestPublication()
	now := time.Now()
	if p.AvailableWindow() != 0 {
		t.Fatalf("expected zero window before any SM, got %d", p.AvailableWindow())
	}
	p.OnStatusMessage(flowcontrol.StatusMessage{ReceiverAddr: "1.2.3.4:5", ConsumptionPosition: 0, ReceiverWindow: 2048}, now)
	if p.AvailableWindow() != 2048 {
		t.Fatalf("AvailableWindow = %d, want 2048", p.AvailableWindow())
	}
}

func TestLingerLifecycle(t *testing.T) {
	p := newTestPublication()
	now := time.Now()
	p.BeginLinger(now, 100*time.Millisecond)
	if p.LingerExpired(now) {
		t.Fatalf("linger should not be expired immediately")
	}
	if !p.LingerExpired(now.Add(200 * time.Millisecond)) {
		t.Fatalf("linger should be expired after its timeout")
	}
}
