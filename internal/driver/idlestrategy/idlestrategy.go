// Package idlestrategy implements the backoff applied by each agent's duty
// cycle when a work-returning call reports no work: spin a few times,
// yield to the scheduler, then park on short sleeps so an idle driver
// doesn't spin a core at 100%. Grounded on nonchalant's
// internal/svc/relay/pull.go reconnect backoff, generalized from a single
// growing time.Sleep into the spin/yield/park progression spec.md
// describes.
package idlestrategy

import (
	"runtime"
	"time"
)

// Strategy is invoked once per duty-cycle iteration with the number of
// work items that iteration processed (0 meaning idle).
type Strategy interface {
	Idle(workCount int)
}

const (
	maxSpins = 100
	maxYields = 100
)

// Backoff implements the classic spin -> Gosched -> sleep progression.
// It is not safe for concurrent use by more than one goroutine; each agent
// owns its own instance.
type Backoff struct {
	parkPeriod time.Duration
	spins      int
	yields     int
}

// NewBackoff returns a Backoff that parks for parkPeriod once spinning and
// yielding have both been exhausted.
func NewBackoff(parkPeriod time.Duration) *Backoff {
	return &Backoff{parkPeriod: parkPeriod}
}

// Idle advances the backoff state machine. Any nonzero workCount resets it
// to the spinning phase, matching the "busy means try again immediately"
// rule agents use for their duty cycle.
func (b *Backoff) Idle(workCount int) {
	if workCount > 0 {
		b.spins = 0
		b.yields = 0
		return
	}
	switch {
	case b.spins < maxSpins:
		b.spins++
		// Busy-spin: a cooperative hint, not a true spinlock instruction.
	case b.yields < maxYields:
		b.yields++
		runtime.Gosched()
	default:
		time.Sleep(b.parkPeriod)
	}
}

// NoOp never sleeps or yields; useful for tests that want every duty-cycle
// iteration to run back to back.
type NoOp struct{}

func (NoOp) Idle(int) {}
