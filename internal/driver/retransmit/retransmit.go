// Package retransmit implements the Sender's pending-retransmit queue: NAKs
// received from the network are turned into (termId, termOffset, length)
// entries the Sender re-sends at lower priority than fresh data, each
// entry evicted after lingerTimeout whether or not it was serviced. No
// direct teacher analogue (the corpus has no retransmission concept); the
// bookkeeping is original, built on the same clock.Clock time source as
// driver/timerwheel and driver/lossdetector for deterministic tests.
package retransmit

import (
	"time"

	driverclock "mediadriver/internal/driver/clock"
)

// Entry is one outstanding retransmit request.
type Entry struct {
	TermID     int32
	TermOffset int32
	Length     int32
	expiresAt  time.Time
}

// Queue holds one publication's outstanding retransmit requests, in the
// order they were requested.
type Queue struct {
	clock   driverclock.Clock
	linger  time.Duration
	entries []*Entry
}

// New constructs an empty retransmit queue whose entries linger for up to
// linger before being evicted unserviced.
func New(clk driverclock.Clock, linger time.Duration) *Queue {
	return &Queue{clock: clk, linger: linger}
}

// OnNAK records a retransmit request. A request for a (termId, termOffset)
// already queued is ignored (the existing entry will service it); this is
// what makes repeated NAKs for the same gap not produce duplicate
// retransmits.
func (q *Queue) OnNAK(termID, termOffset, length int32) {
	for _, e := range q.entries {
		if e.TermID == termID && e.TermOffset == termOffset {
			return
		}
	}
	q.entries = append(q.entries, &Entry{
		TermID: termID, TermOffset: termOffset, Length: length,
		expiresAt: q.clock.Now().Add(q.linger),
	})
}

// Handler is invoked once per still-live entry on each Poll call; entries
// are re-sent every cycle until either Remove or expiry takes them out.
type Handler func(Entry)

// Poll re-sends every still-live entry (invoking handler) and evicts any
// entry whose linger has expired. Returns the number handled this call.
func (q *Queue) Poll(handler Handler) int {
	now := q.clock.Now()
	live := q.entries[:0]
	handled := 0
	for _, e := range q.entries {
		if now.After(e.expiresAt) {
			continue
		}
		handler(*e)
		handled++
		live = append(live, e)
	}
	q.entries = live
	return handled
}

// Remove drops an entry once its gap has been filled (a later loss-detector
// scan no longer reports it), so the Sender stops re-sending a retransmit
// nobody needs anymore.
func (q *Queue) Remove(termID, termOffset int32) {
	for i, e := range q.entries {
		if e.TermID == termID && e.TermOffset == termOffset {
			q.entries = append(q.entries[:i], q.entries[i+1:]...)
			return
		}
	}
}

// Len reports the number of outstanding entries.
func (q *Queue) Len() int { return len(q.entries) }
