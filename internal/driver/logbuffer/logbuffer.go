package logbuffer

import (
	"encoding/binary"
	"errors"
	"sync/atomic"
	"unsafe"

	"mediadriver/internal/driver/wireprotocol"
)

const numTerms = 3

// ErrAdminAction indicates the producer must back off: either the active
// term is momentarily transitioning (rotation in flight) or the next term
// is still DIRTY and awaiting the Conductor's background zero-fill.
var ErrAdminAction = errors.New("logbuffer: admin action, retry")

// ErrFrameTooLarge is returned when a single claim cannot possibly fit in
// an empty term.
var ErrFrameTooLarge = errors.New("logbuffer: frame exceeds term length")

// ErrTermNotFound is returned by WriteAt when termID no longer matches any
// of the three physical terms (the image has rotated past it).
var ErrTermNotFound = errors.New("logbuffer: term not found (out of window)")

// LogBuffer is the term triplet for one publication or image.
type LogBuffer struct {
	terms         [numTerms]*term
	activeIndex   atomic.Int32
	termLength    int32
	initialTermID int32
}

// New allocates a fresh log buffer. termLength must be a power of two.
func New(termLength int32, initialTermID int32) *LogBuffer {
	lb := &LogBuffer{termLength: termLength, initialTermID: initialTermID}
	lb.terms[0] = newTerm(termLength, initialTermID, TermActive)
	lb.terms[1] = newTerm(termLength, initialTermID+1, TermClean)
	lb.terms[2] = newTerm(termLength, initialTermID+2, TermClean)
	return lb
}

func (lb *LogBuffer) TermLength() int32    { return lb.termLength }
func (lb *LogBuffer) InitialTermID() int32 { return lb.initialTermID }

// ActiveTermID returns the term ID currently accepting writes.
func (lb *LogBuffer) ActiveTermID() int32 {
	return lb.terms[lb.activeIndex.Load()].termID.Load()
}

// Position combines a termID and termOffset into the 64-bit monotonic
// position defined in spec.md's glossary.
func (lb *LogBuffer) Position(termID, termOffset int32) int64 {
	return int64(termID-lb.initialTermID)*int64(lb.termLength) + int64(termOffset)
}

// Claim is an exclusive claim on a region of the active term. The caller
// must fill in the frame's flags/type/session/stream/term id and payload,
// then call Commit (or Abort to turn it into a no-op PAD frame).
type Claim struct {
	buf         []byte // header + payload, padded to the frame alignment
	frameLength int32  // header + payload, unpadded length
}

// Header returns the flyweight over this claim's frame header.
func (c *Claim) Header() wireprotocol.Header {
	h, _ := wireprotocol.WrapHeader(c.buf)
	return h
}

// Payload returns the writable payload region after the 32-byte header.
func (c *Claim) Payload() []byte {
	return c.buf[wireprotocol.HeaderLength:c.frameLength]
}

// Commit publishes the frame: frame length is stored last, with release
// ordering, so a concurrent Scan using an acquire load never observes a
// torn header.
func (c *Claim) Commit() {
	storeFrameLengthRelease(c.buf, c.frameLength)
}

// Abort turns the claimed region into a PAD frame so Scan can skip it.
func (c *Claim) Abort() {
	h := c.Header()
	h.SetType(wireprotocol.TypePad)
	h.SetFlags(wireprotocol.FlagPadding)
	storeFrameLengthRelease(c.buf, c.frameLength)
}

// Claim reserves length bytes of payload in the active term, rotating
// terms as needed. It is wait-free in the common case; it returns
// ErrAdminAction when rotation must wait for the Conductor to finish
// zero-filling the next term.
func (lb *LogBuffer) Claim(length int32) (*Claim, error) {
	frameLen := wireprotocol.Align(wireprotocol.HeaderLength + length)
	if frameLen > lb.termLength {
		return nil, ErrFrameTooLarge
	}

	const maxAttempts = numTerms + 1
	for attempt := 0; attempt < maxAttempts; attempt++ {
		idx := lb.activeIndex.Load()
		t := lb.terms[idx]

		rawTail := atomic.AddInt64(&t.rawTail, int64(frameLen))
		oldTail := rawTail - int64(frameLen)

		if oldTail <= int64(lb.termLength) && rawTail > int64(lb.termLength) {
			// Unique rotator: pad the remainder (if any) then hand off.
			padLen := int32(int64(lb.termLength) - oldTail)
			if padLen > 0 {
				lb.writePad(t, int32(oldTail), padLen)
			}
			t.state.Store(int32(TermDirty))

			nextIdx := (idx + 1) % numTerms
			next := lb.terms[nextIdx]
			if next.State() != TermClean {
				return nil, ErrAdminAction
			}
			lb.rotate(t, next, idx, nextIdx)
			continue
		}
		if rawTail > int64(lb.termLength) {
			// Already past the boundary; someone else is (or will be) the
			// rotator. Back off and let the caller retry.
			return nil, ErrAdminAction
		}

		offset := int32(oldTail)
		claim := &Claim{buf: t.data[offset : offset+frameLen], frameLength: wireprotocol.HeaderLength + length}
		h := claim.Header()
		h.SetTermOffset(offset)
		h.SetTermID(t.termID.Load())
		h.SetVersion(wireprotocol.Version)
		return claim, nil
	}
	return nil, ErrAdminAction
}

func (lb *LogBuffer) writePad(t *term, offset, length int32) {
	buf := t.data[offset : offset+length]
	h, _ := wireprotocol.WrapHeader(buf)
	h.SetTermOffset(offset)
	h.SetTermID(t.termID.Load())
	h.SetVersion(wireprotocol.Version)
	h.SetType(wireprotocol.TypePad)
	h.SetFlags(wireprotocol.FlagPadding)
	storeFrameLengthRelease(buf, length)
}

// rotate advances the active index to nextIdx. The caller has already
// verified next is CLEAN; rotate marks it ACTIVE with the successor term
// ID and CASes activeIndex forward (losers of the CAS simply observe the
// new active index on their next attempt, per spec's "at most one rotator
// wins" rule -- here the only callers are the producer that crossed the
// term boundary and CleanDirty finishing that producer's stalled rotation,
// and the CAS keeps the two from advancing the index twice).
func (lb *LogBuffer) rotate(from, next *term, fromIdx, nextIdx int32) {
	// next already carries the correct sequential term ID: either from
	// initial construction (initialTermID+1, +2) or from CleanDirty's
	// reset (prevID+numTerms), so rotation only needs to flip its state
	// and publish the new active index.
	next.state.Store(int32(TermActive))
	lb.activeIndex.CompareAndSwap(fromIdx, nextIdx)
}

// WriteAt writes a complete frame directly at (termID, termOffset),
// bypassing the sequential claim path. This is how the Receiver inserts
// UDP packets, which can arrive out of order, into an Image's log. It
// returns ErrTermNotFound if termID no longer matches any live term.
func (lb *LogBuffer) WriteAt(termID, termOffset int32, flags byte, sessionID, streamID int32, payload []byte) error {
	t := lb.findTerm(termID)
	if t == nil {
		return ErrTermNotFound
	}
	frameLen := wireprotocol.Align(wireprotocol.HeaderLength + int32(len(payload)))
	if termOffset+frameLen > lb.termLength {
		return ErrFrameTooLarge
	}
	buf := t.data[termOffset : termOffset+frameLen]
	h, _ := wireprotocol.WrapHeader(buf)
	h.SetTermOffset(termOffset)
	h.SetTermID(termID)
	h.SetVersion(wireprotocol.Version)
	h.SetFlags(flags)
	h.SetSessionID(sessionID)
	h.SetStreamID(streamID)
	h.SetType(wireprotocol.TypeData)
	copy(buf[wireprotocol.HeaderLength:], payload)
	storeFrameLengthRelease(buf, wireprotocol.HeaderLength+int32(len(payload)))

	// Keep rawTail advancing so a later Claim-based writer (not used on
	// the image side, but kept consistent for introspection/metrics)
	// reflects the high-water mark.
	newTail := int64(termOffset) + int64(frameLen)
	for {
		cur := atomic.LoadInt64(&t.rawTail)
		if newTail <= cur {
			break
		}
		if atomic.CompareAndSwapInt64(&t.rawTail, cur, newTail) {
			break
		}
	}
	return nil
}

func (lb *LogBuffer) findTerm(termID int32) *term {
	for _, t := range lb.terms {
		if t.termID.Load() == termID {
			return t
		}
	}
	return nil
}

// Cursor tracks one consumer's read position across term rotations. Each
// concurrent reader (Sender reading a Publication, loss detector reading
// an Image) owns its own Cursor.
type Cursor struct {
	TermID     int32
	TermOffset int32
}

// FragmentHandler is invoked once per discovered frame. header.Type() may
// be wireprotocol.TypePad; handlers that care should skip those (Scan
// already advances past them without invoking the handler).
type FragmentHandler func(header wireprotocol.Header, payload []byte)

// Scan reads up to limit fragments starting at cursor, invoking handler
// for each non-PAD frame, and advances cursor in place. It never mutates
// the term. Returns the number of fragments delivered to handler.
func (lb *LogBuffer) Scan(cursor *Cursor, limit int, handler FragmentHandler) int {
	if cursor.TermID == 0 {
		cursor.TermID = lb.initialTermID
	}
	delivered := 0
	for delivered < limit {
		t := lb.findTerm(cursor.TermID)
		if t == nil {
			return delivered
		}
		if cursor.TermOffset >= lb.termLength {
			cursor.TermID++
			cursor.TermOffset = 0
			continue
		}
		buf := t.data[cursor.TermOffset:]
		frameLength := loadFrameLengthAcquire(buf)
		if frameLength == 0 {
			return delivered
		}
		h, _ := wireprotocol.WrapHeader(buf)
		if !h.IsPadding() {
			delivered++
			handler(h, buf[wireprotocol.HeaderLength:frameLength])
		}
		cursor.TermOffset += wireprotocol.Align(frameLength)
	}
	return delivered
}

// CleanDirty zero-fills any DIRTY term and marks it CLEAN, then completes
// a rotation that was stalled by ErrAdminAction waiting on this term. It
// is intended to be called by the Conductor's bounded per-cycle cleanup
// job, never from a producer or consumer path.
func (lb *LogBuffer) CleanDirty() bool {
	cleaned := false
	for _, t := range lb.terms {
		if t.State() != TermDirty {
			continue
		}
		activeIdx := lb.activeIndex.Load()
		if lb.terms[activeIdx] == t {
			// Still referenced as active (rotation hasn't happened yet);
			// nothing to clean.
			continue
		}
		newTermID := t.termID.Load() + numTerms
		t.reset(newTermID)
		cleaned = true
	}
	// If the active term crossed its boundary while the next term was
	// dirty, the active term was left DIRTY and no producer will rotate
	// it again; now that the zero-fill above made the next term CLEAN,
	// finish that rotation here.
	activeIdx := lb.activeIndex.Load()
	if active := lb.terms[activeIdx]; active.State() == TermDirty {
		nextIdx := (activeIdx + 1) % numTerms
		if next := lb.terms[nextIdx]; next.State() == TermClean {
			lb.rotate(active, next, activeIdx, nextIdx)
			cleaned = true
		}
	}
	return cleaned
}

// The frame-length word is stored big-endian like every other header
// field, so wireprotocol.Header.FrameLength reads it back correctly; the
// byte-order conversion happens outside the single atomic store/load.
func storeFrameLengthRelease(buf []byte, length int32) {
	var be [4]byte
	binary.BigEndian.PutUint32(be[:], uint32(length))
	atomic.StoreInt32((*int32)(unsafe.Pointer(&buf[0])), int32(binary.NativeEndian.Uint32(be[:])))
}

func loadFrameLengthAcquire(buf []byte) int32 {
	var be [4]byte
	binary.NativeEndian.PutUint32(be[:], uint32(atomic.LoadInt32((*int32)(unsafe.Pointer(&buf[0])))))
	return int32(binary.BigEndian.Uint32(be[:]))
}
