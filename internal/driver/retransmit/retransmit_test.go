package retransmit

import (
	"testing"
	"time"

	driverclock "mediadriver/internal/driver/clock"
)

func TestOnNAKDedupesSameGap(t *testing.T) {
	mock := driverclock.NewMock()
	q := New(mock, time.Second)
	q.OnNAK(1, 64, 32)
	q.OnNAK(1, 64, 32) // repeated NAK for the same gap must not duplicate
	if q.Len() != 1 {
		t.Fatalf("Len() = %d, want 1 after duplicate NAK", q.Len())
	}
}

func TestPollResendsUntilRemoved(t *testing.T) {
	mock := driverclock.NewMock()
	q := New(mock, time.Second)
	q.OnNAK(1, 64, 32)

	n := q.Poll(func(Entry) {})
	if n != 1 || q.Len() != 1 {
		t.Fatalf("first Poll: handled=%d len=%d, want 1,1 (entry still pending)", n, q.Len())
	}
	n = q.Poll(func(Entry) {})
	if n != 1 || q.Len() != 1 {
		t.Fatalf("second Poll: handled=%d len=%d, want 1,1 (re-sent again)", n, q.Len())
	}

	q.Remove(1, 64)
	if q.Len() != 0 {
		t.Fatalf("Len() after Remove = %d, want 0", q.Len())
	}
}

func TestPollEvictsExpiredEntries(t *testing.T) {
	mock := driverclock.NewMock()
	q := New(mock, 100*time.Millisecond)
	q.OnNAK(1, 0, 32)

	mock.Add(200 * time.Millisecond)
	n := q.Poll(func(Entry) {})
	if n != 0 || q.Len() != 0 {
		t.Fatalf("expected expired entry to be evicted unserviced, got handled=%d len=%d", n, q.Len())
	}
}
