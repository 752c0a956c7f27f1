package image

import (
	"testing"
	"time"

	"mediadriver/internal/driver/logbuffer"
	"mediadriver/internal/driver/wireprotocol"
)

func TestInsertPacketAdvancesHWM(t *testing.T) {
	lb := logbuffer.New(1024, 1)
	now := time.Now()
	img := New(1, "udp://localhost:4000", "10.0.0.5:9000", 100, 7, lb, now)

	if err := img.InsertPacket(1, 0, wireprotocol.FlagBegin|wireprotocol.FlagEnd, []byte("hello"), now); err != nil {
		t.Fatalf("InsertPacket: %v", err)
	}
	if img.State() != StateActive {
		t.Fatalf("expected StateActive after first packet, got %v", img.State())
	}
	if img.HWMPosition() != 5 {
		t.Fatalf("HWMPosition = %d, want 5", img.HWMPosition())
	}
}

func TestInsertPacketOutOfOrderDoesNotRegressHWM(t *testing.T) {
	lb := logbuffer.New(1024, 1)
	now := time.Now()
	img := New(1, "chan", "addr", 1, 1, lb, now)

	if err := img.InsertPacket(1, 64, wireprotocol.FlagBegin|wireprotocol.FlagEnd, []byte("second"), now); err != nil {
		t.Fatalf("InsertPacket: %v", err)
	}
	hwmAfterSecond := img.HWMPosition()
	if err := img.InsertPacket(1, 0, wireprotocol.FlagBegin|wireprotocol.FlagEnd, []byte("first!"), now); err != nil {
		t.Fatalf("InsertPacket: %v", err)
	}
	if img.HWMPosition() != hwmAfterSecond {
		t.Fatalf("HWM regressed: %d -> %d", hwmAfterSecond, img.HWMPosition())
	}
}

func TestLivenessAndLingerLifecycle(t *testing.T) {
	lb := logbuffer.New(1024, 1)
	now := time.Now()
	img := New(1, "chan", "addr", 1, 1, lb, now)
	img.InsertPacket(1, 0, wireprotocol.FlagBegin|wireprotocol.FlagEnd, []byte("x"), now)

	later := now.Add(time.Second)
	img.CheckLiveness(later, 500*time.Millisecond)
	if img.State() != StateInactive {
		t.Fatalf("expected StateInactive after timeout, got %v", img.State())
	}

	img.BeginLinger(later, 100*time.Millisecond)
	if img.LingerExpired(later) {
		t.Fatalf("linger should not be expired immediately")
	}
	if !img.LingerExpired(later.Add(200 * time.Millisecond)) {
		t.Fatalf("linger should be expired after its timeout")
	}
	img.MarkDeleted()
	if img.State() != StateDeleted {
		t.Fatalf("expected StateDeleted, got %v", img.State())
	}
}
