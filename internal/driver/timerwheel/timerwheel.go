// Package timerwheel implements a hashed timer wheel for the driver's
// per-cycle deadline work. The Conductor owns the one wheel and uses it
// for client keepalive timeouts, so they need no goroutine or time.Timer
// of their own; it advances the wheel once per cycle using its injected
// clock. Retransmit linger, NAK delay and image liveness keep their own
// deadlines and do not use the wheel.
//
// There is no timer wheel anywhere in the retrieved corpus, so the slot
// and expiry bookkeeping below is original; the wheel's time source is the
// driver's clock package wrapping benbjohnson/clock, which is grounded.
package timerwheel

import (
	"container/list"
	"time"

	driverclock "mediadriver/internal/driver/clock"
)

// Timer is a handle returned by Schedule; pass it to Wheel.Cancel to
// remove a pending timer before it fires.
type Timer struct {
	deadline time.Time
	slot     int
	elem     *list.Element
	task     func(now time.Time)
	canceled bool
}

// Wheel is a hashed timer wheel: time is divided into tickDuration-sized
// slots arranged in a ring of slotCount slots, and each slot holds the
// timers whose deadline falls within it. Advancing the wheel expires every
// timer in the slots the clock has passed since the last call.
type Wheel struct {
	clock        driverclock.Clock
	tickDuration time.Duration
	startTime    time.Time
	slots        []*list.List
	currentTick  int64
}

// New creates a wheel of slotCount slots, each spanning tickDuration, with
// its epoch anchored at clk.Now() when New is called.
func New(clk driverclock.Clock, tickDuration time.Duration, slotCount int) *Wheel {
	w := &Wheel{
		clock:        clk,
		tickDuration: tickDuration,
		startTime:    clk.Now(),
		slots:        make([]*list.List, slotCount),
	}
	for i := range w.slots {
		w.slots[i] = list.New()
	}
	return w
}

func (w *Wheel) tickFor(deadline time.Time) int64 {
	d := deadline.Sub(w.startTime)
	if d < 0 {
		d = 0
	}
	return int64(d / w.tickDuration)
}

// Schedule arranges for task to run (from within a future Poll call) no
// earlier than after. It returns a Timer that Cancel can remove.
func (w *Wheel) Schedule(after time.Duration, task func(now time.Time)) *Timer {
	deadline := w.clock.Now().Add(after)
	tick := w.tickFor(deadline)
	slot := int(tick % int64(len(w.slots)))
	timer := &Timer{deadline: deadline, slot: slot, task: task}
	timer.elem = w.slots[slot].PushBack(timer)
	return timer
}

// Cancel removes a pending timer. It is a no-op if the timer already fired
// or was already canceled.
func (w *Wheel) Cancel(t *Timer) {
	if t.canceled || t.elem == nil {
		return
	}
	t.canceled = true
	w.slots[t.slot].Remove(t.elem)
	t.elem = nil
}

// Poll advances the wheel to the clock's current time, running every
// timer whose deadline has passed. It is meant to be called once per
// Conductor duty-cycle iteration. Returns the number of timers fired.
func (w *Wheel) Poll() int {
	now := w.clock.Now()
	targetTick := w.tickFor(now)
	fired := 0

	for ; w.currentTick <= targetTick; w.currentTick++ {
		slot := w.slots[w.currentTick%int64(len(w.slots))]
		var next *list.Element
		for e := slot.Front(); e != nil; e = next {
			next = e.Next()
			timer := e.Value.(*Timer)
			if timer.canceled {
				slot.Remove(e)
				continue
			}
			if timer.deadline.After(now) {
				continue
			}
			slot.Remove(e)
			timer.elem = nil
			timer.task(now)
			fired++
		}
	}
	return fired
}
