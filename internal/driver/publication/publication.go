// Package publication implements the driver-side record for one network
// publication: its log buffer, flow-control-derived send limit, and
// reference-counted lifecycle. Grounded on nonchalant's
// internal/core/bus.Stream (one resource shared by a publisher and its
// fanout, attach/detach reference counting, IsEmpty-driven teardown),
// generalized from an in-process fanout target to a log-buffer-backed,
// network-facing publication that the Sender drains.
package publication

import (
	"sync/atomic"
	"time"

	"mediadriver/internal/driver/flowcontrol"
	"mediadriver/internal/driver/logbuffer"
)

// State is a publication's lifecycle stage.
type State int32

const (
	StateActive State = iota
	StateDraining
	StateLinger
)

// Publication is the Conductor's record of one registered publication.
// Sender reads LogBuffer and SenderPosition/Limit; client-facing offer
// paths (out of scope) would claim directly against LogBuffer.
type Publication struct {
	RegistrationID int64
	Channel        string
	SessionID      int32
	StreamID       int32
	MTULength      int32

	LogBuffer *logbuffer.LogBuffer
	FlowCtrl  flowcontrol.Strategy

	refCount      atomic.Int32
	senderPos     atomic.Int64
	limit         atomic.Int64
	cleanPosition atomic.Int64

	state       atomic.Int32
	lingerUntil atomic.Int64 // unix nano; valid only once State==StateLinger
}

// New constructs a publication record. Its initial limit is 0 (the Sender
// withholds all data until the first flow-control feedback raises it;
// there is no connection-establishment grace period).
func New(registrationID int64, channel string, sessionID, streamID, mtuLength int32, lb *logbuffer.LogBuffer, fc flowcontrol.Strategy) *Publication {
	p := &Publication{
		RegistrationID: registrationID,
		Channel:        channel,
		SessionID:      sessionID,
		StreamID:       streamID,
		MTULength:      mtuLength,
		LogBuffer:      lb,
		FlowCtrl:       fc,
	}
	p.refCount.Store(1)
	return p
}

func (p *Publication) IncRef() { p.refCount.Add(1) }

// DecRef drops a client reference. Once it reaches zero the Conductor
// should begin the linger teardown sequence via BeginLinger.
func (p *Publication) DecRef() int32 { return p.refCount.Add(-1) }

func (p *Publication) RefCount() int32 { return p.refCount.Load() }

func (p *Publication) SenderPosition() int64 { return p.senderPos.Load() }
func (p *Publication) SetSenderPosition(v int64) { p.senderPos.Store(v) }

func (p *Publication) Limit() int64 { return p.limit.Load() }

// AvailableWindow is how much the Sender may still transmit this cycle.
func (p *Publication) AvailableWindow() int64 {
	return p.limit.Load() - p.senderPos.Load()
}

// OnStatusMessage feeds an inbound SM into the flow-control strategy and
// updates the publication's send limit.
func (p *Publication) OnStatusMessage(sm flowcontrol.StatusMessage, now time.Time) {
	p.limit.Store(p.FlowCtrl.OnStatusMessage(sm, p.senderPos.Load(), now))
}

// OnIdle recomputes the limit even absent a fresh SM (e.g. to evict a
// timed-out receiver), matching the Sender's per-cycle flow-control check.
func (p *Publication) OnIdle(now time.Time) {
	p.limit.Store(p.FlowCtrl.OnIdle(p.senderPos.Load(), now))
}

func (p *Publication) CleanPosition() int64 { return p.cleanPosition.Load() }
func (p *Publication) SetCleanPosition(v int64) { p.cleanPosition.Store(v) }

func (p *Publication) State() State { return State(p.state.Load()) }

// BeginLinger transitions the publication to StateLinger, recording when
// its linger timeout expires. The Conductor destroys the publication once
// both State()==StateLinger and LingerExpired reports the deadline passed.
func (p *Publication) BeginLinger(now time.Time, lingerTimeout time.Duration) {
	p.state.Store(int32(StateLinger))
	p.lingerUntil.Store(now.Add(lingerTimeout).UnixNano())
}

func (p *Publication) LingerExpired(now time.Time) bool {
	return p.State() == StateLinger && now.UnixNano() >= p.lingerUntil.Load()
}
