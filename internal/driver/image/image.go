// Package image implements the driver-side record of one connected
// subscription: a single remote publisher's arrival at a local
// subscription. Grounded on the same internal/core/bus.Stream shape as
// driver/publication, but mirrored for the receive side: the Receiver is
// the sole writer (via LogBuffer.WriteAt, since UDP packets can arrive out
// of order) and the client read path (out of scope) is the reader.
package image

import (
	"time"

	"mediadriver/internal/driver/logbuffer"
)

// State is an image's lifecycle stage, matching spec's
// INIT -> ACTIVE -> INACTIVE -> LINGER -> DELETED progression.
type State int32

const (
	StateInit State = iota
	StateActive
	StateInactive
	StateLinger
	StateDeleted
)

// Image is the Conductor's record of one connected image.
type Image struct {
	RegistrationID int64
	Channel        string
	SourceAddr     string
	SessionID      int32
	StreamID       int32

	LogBuffer *logbuffer.LogBuffer

	state          State
	lastActivity   time.Time
	lingerDeadline time.Time

	hwmPosition       int64
	rebuildPosition   int64
	subscriberPosition int64
}

// New constructs an image in StateInit.
func New(registrationID int64, channel, sourceAddr string, sessionID, streamID int32, lb *logbuffer.LogBuffer, now time.Time) *Image {
	return &Image{
		RegistrationID: registrationID,
		Channel:        channel,
		SourceAddr:     sourceAddr,
		SessionID:      sessionID,
		StreamID:       streamID,
		LogBuffer:      lb,
		state:          StateInit,
		lastActivity:   now,
	}
}

func (img *Image) State() State { return img.state }

// InsertPacket writes an inbound DATA frame's payload into the log buffer
// at its (termId, termOffset), tracking liveness and advancing the
// high-water mark if this packet extends it (out-of-order arrivals can
// fill gaps behind the high-water mark without advancing it).
func (img *Image) InsertPacket(termID, termOffset int32, flags byte, payload []byte, now time.Time) error {
	if err := img.LogBuffer.WriteAt(termID, termOffset, flags, img.SessionID, img.StreamID, payload); err != nil {
		return err
	}
	img.lastActivity = now
	if img.state == StateInit {
		img.state = StateActive
	}
	position := img.LogBuffer.Position(termID, termOffset) + int64(len(payload))
	if position > img.hwmPosition {
		img.hwmPosition = position
	}
	return nil
}

func (img *Image) HWMPosition() int64     { return img.hwmPosition }
func (img *Image) RebuildPosition() int64 { return img.rebuildPosition }

// AdvanceRebuildPosition is called by the loss detector's gap scan once a
// contiguous run has been confirmed (no remaining gap before it).
func (img *Image) AdvanceRebuildPosition(position int64) {
	if position > img.rebuildPosition {
		img.rebuildPosition = position
	}
}

func (img *Image) SubscriberPosition() int64 { return img.subscriberPosition }
func (img *Image) SetSubscriberPosition(v int64) { img.subscriberPosition = v }

// CheckLiveness transitions StateActive -> StateInactive once no traffic
// has arrived for livenessTimeout, matching the Receiver's per-cycle time
// check.
func (img *Image) CheckLiveness(now time.Time, livenessTimeout time.Duration) {
	if img.state == StateActive && now.Sub(img.lastActivity) > livenessTimeout {
		img.state = StateInactive
	}
}

// BeginLinger transitions StateInactive -> StateLinger.
func (img *Image) BeginLinger(now time.Time, lingerTimeout time.Duration) {
	img.state = StateLinger
	img.lingerDeadline = now.Add(lingerTimeout)
}

// LingerExpired reports whether the image is past its linger deadline and
// ready for StateDeleted.
func (img *Image) LingerExpired(now time.Time) bool {
	return img.state == StateLinger && !now.Before(img.lingerDeadline)
}

func (img *Image) MarkDeleted() { img.state = StateDeleted }
