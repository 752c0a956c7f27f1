package logbuffer

import (
	"testing"

	"mediadriver/internal/driver/wireprotocol"
)

func offerString(t *testing.T, lb *LogBuffer, s string) {
	t.Helper()
	for {
		claim, err := lb.Claim(int32(len(s)))
		if err == ErrAdminAction {
			if !lb.CleanDirty() {
				t.Fatalf("stuck retrying offer for %q", s)
			}
			continue
		}
		if err != nil {
			t.Fatalf("Claim: %v", err)
		}
		copy(claim.Payload(), s)
		claim.Header().SetType(wireprotocol.TypeData)
		claim.Header().SetFlags(wireprotocol.FlagBegin | wireprotocol.FlagEnd)
		claim.Commit()
		return
	}
}

func TestClaimCommitScanRoundTrip(t *testing.T) {
	lb := New(256, 1)
	msgs := []string{"hello", "world", "three"}
	for _, m := range msgs {
		offerString(t, lb, m)
	}

	var cursor Cursor
	var got []string
	n := lb.Scan(&cursor, 10, func(h wireprotocol.Header, payload []byte) {
		got = append(got, string(payload))
	})
	if n != len(msgs) {
		t.Fatalf("scanned %d fragments, want %d", n, len(msgs))
	}
	for i, m := range msgs {
		if got[i] != m {
			t.Errorf("fragment %d = %q, want %q", i, got[i], m)
		}
	}
}

func TestTermRotationWithPadding(t *testing.T) {
	// Small term so a handful of offers force at least one rotation. A
	// 40-byte payload makes a 96-byte frame, so only one fits in a
	// 128-byte term and each rotation pads the remaining 32 bytes.
	lb := New(128, 7)
	var cursor Cursor
	count := 0
	for i := 0; i < 10; i++ {
		offerString(t, lb, "payload-data-payload-data-payload-data!!")
		// The consumer keeps pace with the producer: CleanDirty recycles
		// a rotated-out term, so its frames must be read before that.
		for {
			n := lb.Scan(&cursor, 100, func(h wireprotocol.Header, payload []byte) { count++ })
			if n == 0 {
				break
			}
		}
	}
	if lb.ActiveTermID() == 7 {
		t.Fatalf("expected at least one rotation past initial term 7, got %d", lb.ActiveTermID())
	}
	if count != 10 {
		t.Fatalf("scanned %d frames across rotation, want 10", count)
	}
}

func TestAdminActionUntilCleaned(t *testing.T) {
	// Term length small enough that we exhaust all 3 physical terms
	// before any cleaning happens, forcing ErrAdminAction.
	lb := New(64, 1)
	var stalled bool
	for i := 0; i < 20; i++ {
		_, err := lb.Claim(16)
		if err == ErrAdminAction {
			stalled = true
			if !lb.CleanDirty() {
				// Rotation may simply need the next Claim retry; keep going.
				continue
			}
		}
	}
	if !stalled {
		t.Fatalf("expected to observe at least one ErrAdminAction stall")
	}
}

func TestWriteAtOutOfOrder(t *testing.T) {
	lb := New(1024, 1)
	// Receiver inserts out of order: second frame before first. A 6-byte
	// payload frame occupies Align(32+6) = 64 bytes, so the second starts at 64.
	if err := lb.WriteAt(1, 64, wireprotocol.FlagBegin|wireprotocol.FlagEnd, 5, 9, []byte("second")); err != nil {
		t.Fatalf("WriteAt second: %v", err)
	}
	if err := lb.WriteAt(1, 0, wireprotocol.FlagBegin|wireprotocol.FlagEnd, 5, 9, []byte("first!")); err != nil {
		t.Fatalf("WriteAt first: %v", err)
	}

	var cursor Cursor
	var got []string
	lb.Scan(&cursor, 10, func(h wireprotocol.Header, payload []byte) {
		got = append(got, string(payload))
	})
	if len(got) != 2 || got[0] != "first!" || got[1] != "second" {
		t.Fatalf("scan after out-of-order insert = %v", got)
	}
}

func TestWriteAtUnknownTerm(t *testing.T) {
	lb := New(128, 1)
	if err := lb.WriteAt(99, 0, 0, 0, 0, []byte("x")); err != ErrTermNotFound {
		t.Fatalf("expected ErrTermNotFound, got %v", err)
	}
}

func TestPosition(t *testing.T) {
	lb := New(1024, 5)
	if got := lb.Position(5, 100); got != 100 {
		t.Errorf("Position(5,100) = %d, want 100", got)
	}
	if got := lb.Position(6, 50); got != 1074 {
		t.Errorf("Position(6,50) = %d, want 1074", got)
	}
}
