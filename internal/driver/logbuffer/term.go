// Package logbuffer implements the per-publication / per-image log buffer:
// a triplet of power-of-two term regions that rotate ACTIVE -> DIRTY ->
// CLEAN -> ACTIVE, with a wait-free Claim for sequential producers, a
// direct WriteAt for out-of-order receiver inserts, and a bounded Scan for
// consumers. Grounded on the atomic claim/acquire-read discipline of
// nonchalant's internal/core/bus.RingBuffer, generalized from one fixed
// slot array to three rotating byte-region terms.
package logbuffer

import (
	"sync/atomic"
)

// TermState is the lifecycle state of one physical term region.
type TermState int32

const (
	TermClean TermState = iota
	TermActive
	TermDirty
)

// term is one physical region of a log buffer.
type term struct {
	data    []byte
	rawTail int64 // atomic; monotonic fetch-add target, may exceed len(data) transiently
	termID  atomic.Int32
	state   atomic.Int32 // TermState
}

func newTerm(length int32, termID int32, state TermState) *term {
	t := &term{data: make([]byte, length)}
	t.termID.Store(termID)
	t.state.Store(int32(state))
	return t
}

func (t *term) State() TermState { return TermState(t.state.Load()) }

func (t *term) reset(termID int32) {
	for i := range t.data {
		t.data[i] = 0
	}
	atomic.StoreInt64(&t.rawTail, 0)
	t.termID.Store(termID)
	t.state.Store(int32(TermClean))
}
