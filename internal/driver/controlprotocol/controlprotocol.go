// Package controlprotocol implements the driver<->client control messages
// carried over the to-driver ring and the to-clients broadcast buffer:
// ADD_PUBLICATION, REMOVE_PUBLICATION, ADD_SUBSCRIPTION,
// REMOVE_SUBSCRIPTION, and CLIENT_KEEPALIVE commands, and
// ON_NEW_PUBLICATION, ON_NEW_CONNECTED_SUBSCRIPTION, OPERATION_SUCCEEDED,
// and ERROR_RESPONSE events. Grounded on the encode/decode dispatch style
// of nonchalant's internal/core/protocol/amf0 package (a type tag selects
// a decode function that reads fixed fields followed by length-prefixed
// strings); generalized here from AMF0's value-type tags to the driver's
// command/event type tags, reusing the ring/broadcast buffer's own
// msgTypeID field as that tag instead of writing a redundant one into the
// payload.
package controlprotocol

import (
	"encoding/binary"
	"errors"
)

// MsgType identifies a command (to-driver) or event (to-clients) kind. It
// is carried as the msgTypeID of the underlying ring/broadcast record, not
// re-encoded into the payload.
type MsgType int32

const (
	AddPublication MsgType = iota + 1
	RemovePublication
	AddSubscription
	RemoveSubscription
	ClientKeepalive
)

const (
	OnNewPublication MsgType = iota + 101
	OnNewConnectedSubscription
	OperationSucceeded
	ErrorResponse
	OnUnavailableImage
)

// ErrorCode is the Conductor's protocol-error taxonomy, returned to the
// client that issued the offending command.
type ErrorCode int32

const (
	PublicationChannelAlreadyExists ErrorCode = iota + 1
	InvalidDestinationInPublication
	PublicationChannelUnknown
	GenericErrorMessage
)

var ErrMalformed = errors.New("controlprotocol: malformed message")

// --- writer/reader helpers -------------------------------------------------

type writer struct{ buf []byte }

func (w *writer) putInt64(v int64) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(v))
	w.buf = append(w.buf, b[:]...)
}

func (w *writer) putInt32(v int32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], uint32(v))
	w.buf = append(w.buf, b[:]...)
}

func (w *writer) putString(s string) {
	w.putInt32(int32(len(s)))
	w.buf = append(w.buf, s...)
}

type reader struct {
	buf []byte
	pos int
}

func (r *reader) int64() (int64, error) {
	if r.pos+8 > len(r.buf) {
		return 0, ErrMalformed
	}
	v := int64(binary.BigEndian.Uint64(r.buf[r.pos : r.pos+8]))
	r.pos += 8
	return v, nil
}

func (r *reader) int32() (int32, error) {
	if r.pos+4 > len(r.buf) {
		return 0, ErrMalformed
	}
	v := int32(binary.BigEndian.Uint32(r.buf[r.pos : r.pos+4]))
	r.pos += 4
	return v, nil
}

func (r *reader) string() (string, error) {
	n, err := r.int32()
	if err != nil {
		return "", err
	}
	if n < 0 || r.pos+int(n) > len(r.buf) {
		return "", ErrMalformed
	}
	s := string(r.buf[r.pos : r.pos+int(n)])
	r.pos += int(n)
	return s, nil
}

// --- commands (to-driver) --------------------------------------------------

// AddPublicationCommand requests a publication be created or joined.
type AddPublicationCommand struct {
	CorrelationID int64
	StreamID      int32
	Channel       string
}

func (c AddPublicationCommand) Encode() []byte {
	w := &writer{}
	w.putInt64(c.CorrelationID)
	w.putInt32(c.StreamID)
	w.putString(c.Channel)
	return w.buf
}

func DecodeAddPublicationCommand(buf []byte) (AddPublicationCommand, error) {
	r := &reader{buf: buf}
	var c AddPublicationCommand
	var err error
	if c.CorrelationID, err = r.int64(); err != nil {
		return c, err
	}
	if c.StreamID, err = r.int32(); err != nil {
		return c, err
	}
	if c.Channel, err = r.string(); err != nil {
		return c, err
	}
	return c, nil
}

// RemovePublicationCommand requests teardown of a previously registered
// publication reference.
type RemovePublicationCommand struct {
	CorrelationID  int64
	RegistrationID int64
}

func (c RemovePublicationCommand) Encode() []byte {
	w := &writer{}
	w.putInt64(c.CorrelationID)
	w.putInt64(c.RegistrationID)
	return w.buf
}

func DecodeRemovePublicationCommand(buf []byte) (RemovePublicationCommand, error) {
	r := &reader{buf: buf}
	var c RemovePublicationCommand
	var err error
	if c.CorrelationID, err = r.int64(); err != nil {
		return c, err
	}
	if c.RegistrationID, err = r.int64(); err != nil {
		return c, err
	}
	return c, nil
}

// AddSubscriptionCommand requests a subscription be created.
type AddSubscriptionCommand struct {
	CorrelationID int64
	StreamID      int32
	Channel       string
}

func (c AddSubscriptionCommand) Encode() []byte {
	w := &writer{}
	w.putInt64(c.CorrelationID)
	w.putInt32(c.StreamID)
	w.putString(c.Channel)
	return w.buf
}

func DecodeAddSubscriptionCommand(buf []byte) (AddSubscriptionCommand, error) {
	r := &reader{buf: buf}
	var c AddSubscriptionCommand
	var err error
	if c.CorrelationID, err = r.int64(); err != nil {
		return c, err
	}
	if c.StreamID, err = r.int32(); err != nil {
		return c, err
	}
	if c.Channel, err = r.string(); err != nil {
		return c, err
	}
	return c, nil
}

// RemoveSubscriptionCommand requests teardown of a subscription.
type RemoveSubscriptionCommand struct {
	CorrelationID  int64
	RegistrationID int64
}

func (c RemoveSubscriptionCommand) Encode() []byte {
	w := &writer{}
	w.putInt64(c.CorrelationID)
	w.putInt64(c.RegistrationID)
	return w.buf
}

func DecodeRemoveSubscriptionCommand(buf []byte) (RemoveSubscriptionCommand, error) {
	r := &reader{buf: buf}
	var c RemoveSubscriptionCommand
	var err error
	if c.CorrelationID, err = r.int64(); err != nil {
		return c, err
	}
	if c.RegistrationID, err = r.int64(); err != nil {
		return c, err
	}
	return c, nil
}

// ClientKeepaliveCommand refreshes a client's liveness deadline.
type ClientKeepaliveCommand struct {
	ClientID int64
}

func (c ClientKeepaliveCommand) Encode() []byte {
	w := &writer{}
	w.putInt64(c.ClientID)
	return w.buf
}

func DecodeClientKeepaliveCommand(buf []byte) (ClientKeepaliveCommand, error) {
	r := &reader{buf: buf}
	var c ClientKeepaliveCommand
	var err error
	if c.ClientID, err = r.int64(); err != nil {
		return c, err
	}
	return c, nil
}

// --- events (to-clients) ---------------------------------------------------

// PublicationReadyEvent (ON_NEW_PUBLICATION) tells the requesting client
// where to mmap its new publication's log buffer.
type PublicationReadyEvent struct {
	CorrelationID  int64
	RegistrationID int64
	SessionID      int32
	StreamID       int32
	LogFileName    string
}

func (e PublicationReadyEvent) Encode() []byte {
	w := &writer{}
	w.putInt64(e.CorrelationID)
	w.putInt64(e.RegistrationID)
	w.putInt32(e.SessionID)
	w.putInt32(e.StreamID)
	w.putString(e.LogFileName)
	return w.buf
}

func DecodePublicationReadyEvent(buf []byte) (PublicationReadyEvent, error) {
	r := &reader{buf: buf}
	var e PublicationReadyEvent
	var err error
	if e.CorrelationID, err = r.int64(); err != nil {
		return e, err
	}
	if e.RegistrationID, err = r.int64(); err != nil {
		return e, err
	}
	if e.SessionID, err = r.int32(); err != nil {
		return e, err
	}
	if e.StreamID, err = r.int32(); err != nil {
		return e, err
	}
	if e.LogFileName, err = r.string(); err != nil {
		return e, err
	}
	return e, nil
}

// ConnectedSubscriptionEvent (ON_NEW_CONNECTED_SUBSCRIPTION) announces a
// newly connected image on a subscription.
type ConnectedSubscriptionEvent struct {
	CorrelationID              int64
	SubscriptionRegistrationID int64
	SessionID                  int32
	StreamID                   int32
	LogFileName                string
}

func (e ConnectedSubscriptionEvent) Encode() []byte {
	w := &writer{}
	w.putInt64(e.CorrelationID)
	w.putInt64(e.SubscriptionRegistrationID)
	w.putInt32(e.SessionID)
	w.putInt32(e.StreamID)
	w.putString(e.LogFileName)
	return w.buf
}

func DecodeConnectedSubscriptionEvent(buf []byte) (ConnectedSubscriptionEvent, error) {
	r := &reader{buf: buf}
	var e ConnectedSubscriptionEvent
	var err error
	if e.CorrelationID, err = r.int64(); err != nil {
		return e, err
	}
	if e.SubscriptionRegistrationID, err = r.int64(); err != nil {
		return e, err
	}
	if e.SessionID, err = r.int32(); err != nil {
		return e, err
	}
	if e.StreamID, err = r.int32(); err != nil {
		return e, err
	}
	if e.LogFileName, err = r.string(); err != nil {
		return e, err
	}
	return e, nil
}

// OperationSucceededEvent acknowledges a command, identified by
// correlation id, with no further payload.
type OperationSucceededEvent struct {
	CorrelationID int64
}

func (e OperationSucceededEvent) Encode() []byte {
	w := &writer{}
	w.putInt64(e.CorrelationID)
	return w.buf
}

func DecodeOperationSucceededEvent(buf []byte) (OperationSucceededEvent, error) {
	r := &reader{buf: buf}
	var e OperationSucceededEvent
	var err error
	if e.CorrelationID, err = r.int64(); err != nil {
		return e, err
	}
	return e, nil
}

// ErrorResponseEvent reports a failed command back to the client that
// issued it.
type ErrorResponseEvent struct {
	OffendingCorrelationID int64
	Code                   ErrorCode
	Message                string
}

func (e ErrorResponseEvent) Encode() []byte {
	w := &writer{}
	w.putInt64(e.OffendingCorrelationID)
	w.putInt32(int32(e.Code))
	w.putString(e.Message)
	return w.buf
}

// DecodeEvent dispatches on msgType and returns the concrete decoded event
// value. Each case is disjoint (Go's switch does not fall through by
// default): OperationSucceeded and ErrorResponse are handled independently,
// unlike the dispatch this is modeled after.
func DecodeEvent(msgType MsgType, buf []byte) (any, error) {
	switch msgType {
	case OnNewPublication:
		return DecodePublicationReadyEvent(buf)
	case OnNewConnectedSubscription:
		return DecodeConnectedSubscriptionEvent(buf)
	case OperationSucceeded:
		return DecodeOperationSucceededEvent(buf)
	case ErrorResponse:
		return DecodeErrorResponseEvent(buf)
	default:
		return nil, ErrMalformed
	}
}

func DecodeErrorResponseEvent(buf []byte) (ErrorResponseEvent, error) {
	r := &reader{buf: buf}
	var e ErrorResponseEvent
	var err error
	if e.OffendingCorrelationID, err = r.int64(); err != nil {
		return e, err
	}
	var code int32
	if code, err = r.int32(); err != nil {
		return e, err
	}
	e.Code = ErrorCode(code)
	if e.Message, err = r.string(); err != nil {
		return e, err
	}
	return e, nil
}
