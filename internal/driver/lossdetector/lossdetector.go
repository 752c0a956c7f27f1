// Package lossdetector implements the Receiver's per-image gap scan: find
// holes between rebuildPosition and hwmPosition, debounce each gap behind
// a randomized delay (NAK suppression for multicast, zero for unicast),
// and emit a NAK once the delay expires and the gap is still unfilled.
// A gap's first scan only registers it, so even a unicast gap is NAKed
// on the following scan at the earliest. There is no direct analogue in the retrieved corpus (the
// teacher has no loss-recovery protocol); the debounce/expiry bookkeeping
// below is original, built around the driver's clock.Clock the same way
// driver/timerwheel is, so tests can control delay expiry deterministically.
package lossdetector

import (
	"math"
	"math/rand"
	"time"

	driverclock "mediadriver/internal/driver/clock"
)

// Gap is one missing byte range in an image's log.
type Gap struct {
	TermID     int32
	TermOffset int32
	Length     int32
}

// NAKHandler is invoked once per gap whose debounce delay has expired.
type NAKHandler func(gap Gap)

type pendingGap struct {
	gap      Gap
	deadline time.Time
}

// Detector tracks debounced gaps for a single image.
type Detector struct {
	clock       driverclock.Clock
	rng         *rand.Rand
	maxBackoff  time.Duration
	grtt        time.Duration
	groupSize   int
	multicast   bool
	pending     map[int64]*pendingGap // keyed by TermOffset within a fixed term window; see key()
}

// NewDetector constructs a Detector. grtt and groupSize are only consulted
// for multicast images (the NAK-suppression formula); unicast gaps get a
// zero delay and are NAKed on the scan after the one that first saw them.
func NewDetector(clk driverclock.Clock, multicast bool, grtt time.Duration, groupSize int, maxBackoff time.Duration) *Detector {
	return &Detector{
		clock:      clk,
		rng:        rand.New(rand.NewSource(1)),
		maxBackoff: maxBackoff,
		grtt:       grtt,
		groupSize:  groupSize,
		multicast:  multicast,
		pending:    make(map[int64]*pendingGap),
	}
}

func key(termID, termOffset int32) int64 {
	return int64(termID)<<32 | int64(uint32(termOffset))
}

// delay computes how long to wait before NAKing a freshly observed gap.
// Unicast never waits; multicast staggers NAKs by rand * grtt *
// log(groupSize) to suppress duplicate NAKs from other group members,
// capped at maxBackoff.
func (d *Detector) delay() time.Duration {
	if !d.multicast {
		return 0
	}
	factor := math.Log(math.Max(float64(d.groupSize), math.E))
	delay := time.Duration(d.rng.Float64() * float64(d.grtt) * factor)
	if delay > d.maxBackoff {
		delay = d.maxBackoff
	}
	return delay
}

// ScanGaps is called once per Receiver duty-cycle iteration with the
// gaps currently present between rebuildPosition and hwmPosition. Newly
// observed gaps start their debounce timer; gaps no longer present (the
// retransmit filled them) are forgotten; gaps whose timer has expired fire
// handler and are removed (a fresh NAK will be scheduled again if the
// image reports the same gap on a later scan, matching "idempotent, but
// only until filled").
func (d *Detector) ScanGaps(gaps []Gap, handler NAKHandler) {
	seen := make(map[int64]bool, len(gaps))
	now := d.clock.Now()

	for _, g := range gaps {
		k := key(g.TermID, g.TermOffset)
		seen[k] = true
		p, ok := d.pending[k]
		if !ok {
			d.pending[k] = &pendingGap{gap: g, deadline: now.Add(d.delay())}
			continue
		}
		if !now.Before(p.deadline) {
			handler(p.gap)
			delete(d.pending, k)
		}
	}

	for k := range d.pending {
		if !seen[k] {
			delete(d.pending, k)
		}
	}
}
