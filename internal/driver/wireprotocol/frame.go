// Package wireprotocol implements the UDP wire frame flyweights: fixed
// 32-byte-aligned, big-endian headers decoded in place over a byte slice,
// with a small type-specific tail per frame kind.
package wireprotocol

import (
	"encoding/binary"
	"errors"
)

// FrameAlignment is the byte alignment every frame (header + payload +
// padding) is rounded up to.
const FrameAlignment = 32

// HeaderLength is the size of the common frame header.
const HeaderLength = 32

// Version is the only wire version this driver speaks.
const Version = 0

// Frame type codes, as laid out on the wire.
const (
	TypePad   uint16 = 0x00
	TypeData  uint16 = 0x01
	TypeNAK   uint16 = 0x02
	TypeSM    uint16 = 0x03
	TypeSetup uint16 = 0x05
)

// Frame flags.
const (
	FlagBegin     byte = 1 << 7
	FlagEnd       byte = 1 << 6
	FlagPadding   byte = 1 << 5
	FlagSetup     byte = 1 << 4
	FlagHeartbeat byte = 1 << 3
)

var ErrFrameTooShort = errors.New("wireprotocol: buffer shorter than frame header")

// Header is a flyweight over the common 32-byte frame header. It never
// copies; all accessors read/write directly into the backing buffer.
type Header struct {
	buf []byte
}

// WrapHeader returns a Header flyweight over buf, which must be at least
// HeaderLength bytes.
func WrapHeader(buf []byte) (Header, error) {
	if len(buf) < HeaderLength {
		return Header{}, ErrFrameTooShort
	}
	return Header{buf: buf}, nil
}

func (h Header) FrameLength() int32     { return int32(binary.BigEndian.Uint32(h.buf[0:4])) }
func (h Header) SetFrameLength(v int32) { binary.BigEndian.PutUint32(h.buf[0:4], uint32(v)) }

func (h Header) Version() byte     { return h.buf[4] }
func (h Header) SetVersion(v byte) { h.buf[4] = v }

func (h Header) Flags() byte     { return h.buf[5] }
func (h Header) SetFlags(v byte) { h.buf[5] = v }

func (h Header) Type() uint16     { return binary.BigEndian.Uint16(h.buf[6:8]) }
func (h Header) SetType(v uint16) { binary.BigEndian.PutUint16(h.buf[6:8], v) }

func (h Header) TermOffset() int32     { return int32(binary.BigEndian.Uint32(h.buf[8:12])) }
func (h Header) SetTermOffset(v int32) { binary.BigEndian.PutUint32(h.buf[8:12], uint32(v)) }

func (h Header) SessionID() int32     { return int32(binary.BigEndian.Uint32(h.buf[12:16])) }
func (h Header) SetSessionID(v int32) { binary.BigEndian.PutUint32(h.buf[12:16], uint32(v)) }

func (h Header) StreamID() int32     { return int32(binary.BigEndian.Uint32(h.buf[16:20])) }
func (h Header) SetStreamID(v int32) { binary.BigEndian.PutUint32(h.buf[16:20], uint32(v)) }

func (h Header) TermID() int32     { return int32(binary.BigEndian.Uint32(h.buf[20:24])) }
func (h Header) SetTermID(v int32) { binary.BigEndian.PutUint32(h.buf[20:24], uint32(v)) }

// tail (bytes 24:32) is type-specific; see the per-type wrappers below.

// IsPadding reports whether the flag or type marks this frame as padding.
func (h Header) IsPadding() bool {
	return h.Type() == TypePad || h.Flags()&FlagPadding != 0
}

// Frame returns the first frameLength bytes of the encoded frame (header
// plus tail plus payload; alignment padding only if frameLength covers it)
// sliced from the same backing buffer the header was wrapped over. Callers that received a
// Header from LogBuffer.Scan use this to forward the exact on-wire bytes
// without re-copying header fields into a fresh buffer.
func (h Header) Frame(frameLength int32) []byte {
	return h.buf[:frameLength]
}

// Align rounds n up to the next multiple of FrameAlignment.
func Align(n int32) int32 {
	return (n + FrameAlignment - 1) &^ (FrameAlignment - 1)
}

// DataFrame is a Header plus the DATA-specific reserved tail and payload.
type DataFrame struct {
	Header
}

// WrapDataFrame views buf (header + payload) as a DataFrame. The reserved
// field lives inside the common header (bytes 24:32, see Reserved below),
// not in extra bytes beyond it, so a DataFrame needs nothing past
// HeaderLength, already enforced by WrapHeader.
func WrapDataFrame(buf []byte) (DataFrame, error) {
	h, err := WrapHeader(buf)
	if err != nil {
		return DataFrame{}, err
	}
	return DataFrame{Header: h}, nil
}

func (d DataFrame) Reserved() uint64     { return binary.BigEndian.Uint64(d.buf[24:32]) }
func (d DataFrame) SetReserved(v uint64) { binary.BigEndian.PutUint64(d.buf[24:32], v) }

// Payload returns the payload slice following the common header, given
// the total valid frame length (header + payload, unpadded).
func (d DataFrame) Payload(frameLength int32) []byte {
	if int(frameLength) <= HeaderLength {
		return nil
	}
	return d.buf[HeaderLength:frameLength]
}

// NAKFrame adds the gap descriptor (start offset + length) after the
// common header.
type NAKFrame struct {
	Header
}

func WrapNAKFrame(buf []byte) (NAKFrame, error) {
	h, err := WrapHeader(buf)
	if err != nil {
		return NAKFrame{}, err
	}
	if len(buf) < HeaderLength+8 {
		return NAKFrame{}, ErrFrameTooShort
	}
	return NAKFrame{Header: h}, nil
}

func (n NAKFrame) TermOffsetStart() int32     { return int32(binary.BigEndian.Uint32(n.buf[24:28])) }
func (n NAKFrame) SetTermOffsetStart(v int32) { binary.BigEndian.PutUint32(n.buf[24:28], uint32(v)) }

func (n NAKFrame) Length() int32     { return int32(binary.BigEndian.Uint32(n.buf[28:32])) }
func (n NAKFrame) SetLength(v int32) { binary.BigEndian.PutUint32(n.buf[28:32], uint32(v)) }

// SMFrame (status message) adds consumption position and receiver window.
type SMFrame struct {
	Header
}

const SMFrameLength = HeaderLength + 12

func WrapSMFrame(buf []byte) (SMFrame, error) {
	h, err := WrapHeader(buf)
	if err != nil {
		return SMFrame{}, err
	}
	if len(buf) < SMFrameLength {
		return SMFrame{}, ErrFrameTooShort
	}
	return SMFrame{Header: h}, nil
}

func (s SMFrame) ConsumptionTermID() int32 { return int32(binary.BigEndian.Uint32(s.buf[24:28])) }
func (s SMFrame) SetConsumptionTermID(v int32) {
	binary.BigEndian.PutUint32(s.buf[24:28], uint32(v))
}

func (s SMFrame) ConsumptionTermOffset() int32 {
	return int32(binary.BigEndian.Uint32(s.buf[28:32]))
}
func (s SMFrame) SetConsumptionTermOffset(v int32) {
	binary.BigEndian.PutUint32(s.buf[28:32], uint32(v))
}

func (s SMFrame) ReceiverWindow() int32 {
	return int32(binary.BigEndian.Uint32(s.buf[32:36]))
}
func (s SMFrame) SetReceiverWindow(v int32) {
	binary.BigEndian.PutUint32(s.buf[32:36], uint32(v))
}

// SetupFrame carries the initial term layout a publisher advertises.
type SetupFrame struct {
	Header
}

const SetupFrameLength = HeaderLength + 16

func WrapSetupFrame(buf []byte) (SetupFrame, error) {
	h, err := WrapHeader(buf)
	if err != nil {
		return SetupFrame{}, err
	}
	if len(buf) < SetupFrameLength {
		return SetupFrame{}, ErrFrameTooShort
	}
	return SetupFrame{Header: h}, nil
}

func (s SetupFrame) InitialTermID() int32 { return int32(binary.BigEndian.Uint32(s.buf[24:28])) }
func (s SetupFrame) SetInitialTermID(v int32) {
	binary.BigEndian.PutUint32(s.buf[24:28], uint32(v))
}

func (s SetupFrame) ActiveTermID() int32 { return int32(binary.BigEndian.Uint32(s.buf[28:32])) }
func (s SetupFrame) SetActiveTermID(v int32) {
	binary.BigEndian.PutUint32(s.buf[28:32], uint32(v))
}

func (s SetupFrame) TermLength() int32 { return int32(binary.BigEndian.Uint32(s.buf[32:36])) }
func (s SetupFrame) SetTermLength(v int32) {
	binary.BigEndian.PutUint32(s.buf[32:36], uint32(v))
}

func (s SetupFrame) MTULength() int32 { return int32(binary.BigEndian.Uint32(s.buf[36:40])) }
func (s SetupFrame) SetMTULength(v int32) {
	binary.BigEndian.PutUint32(s.buf[36:40], uint32(v))
}
