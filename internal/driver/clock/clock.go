// Package clock re-exports the benbjohnson/clock time source the driver
// uses everywhere it would otherwise call time.Now or time.NewTimer, so
// the timer wheel and deadline checks throughout the driver can be driven
// by a fake clock in tests instead of real wall time.
package clock

import "github.com/benbjohnson/clock"

// Clock is the time source every driver agent is constructed with.
type Clock = clock.Clock

// New returns the real, wall-clock-backed Clock used in production.
func New() Clock { return clock.New() }

// NewMock returns a Mock clock whose time only advances when Add is
// called, used by tests that need deterministic control over timers and
// deadlines (retransmit linger, NAK delay, client liveness timeout, etc.).
func NewMock() *clock.Mock { return clock.NewMock() }
