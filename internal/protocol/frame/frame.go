package frame

import (
	"errors"
	"fmt"
)

const (
	// SyncByte marks the start of every frame on the wire.
	SyncByte byte = 0xFE

	// HeaderLen counts the sync byte plus the five header fields.
	HeaderLen     = 6
	ChecksumLen   = 2
	MaxPayloadLen = 255
	MinFrameLen   = HeaderLen + ChecksumLen
	MaxFrameLen   = HeaderLen + MaxPayloadLen + ChecksumLen
)

// Header field offsets inside a wire frame.
const (
	offSync = iota
	offLen
	offSeq
	offSystem
	offComponent
	offKind
)

var (
	ErrPayloadTooLarge = errors.New("frame: payload too large")
	ErrShortFrame      = errors.New("frame: short frame")
	ErrBadSync         = errors.New("frame: missing sync byte")
	ErrLengthMismatch  = errors.New("frame: length byte does not match frame size")
	ErrBadChecksum     = errors.New("frame: checksum mismatch")
)

// Frame is one checksum-validated message. Decoders only ever produce
// frames whose checksum verified, so validity is implied by existence.
type Frame struct {
	SystemID    uint8
	ComponentID uint8
	Kind        uint8
	Sequence    uint8
	Payload     []byte
}

// Header is the fixed wire header without the sync byte.
type Header struct {
	PayloadLen  uint8
	Sequence    uint8
	SystemID    uint8
	ComponentID uint8
	Kind        uint8
}

func (f Frame) Header() Header {
	return Header{
		PayloadLen:  uint8(len(f.Payload)),
		Sequence:    f.Sequence,
		SystemID:    f.SystemID,
		ComponentID: f.ComponentID,
		Kind:        f.Kind,
	}
}

// WireLen is the encoded size of f.
func (f Frame) WireLen() int {
	return HeaderLen + len(f.Payload) + ChecksumLen
}

func (f Frame) String() string {
	return fmt.Sprintf("frame{sys=%d comp=%d kind=%d seq=%d len=%d}",
		f.SystemID, f.ComponentID, f.Kind, f.Sequence, len(f.Payload))
}

// Equal reports whether a and b carry identical header fields and payload.
func (f Frame) Equal(o Frame) bool {
	if f.Header() != o.Header() || len(f.Payload) != len(o.Payload) {
		return false
	}
	for i := range f.Payload {
		if f.Payload[i] != o.Payload[i] {
			return false
		}
	}
	return true
}

// Encode returns the wire bytes for f.
func Encode(f Frame, seeds SeedSource) ([]byte, error) {
	return Append(make([]byte, 0, f.WireLen()), f, seeds)
}

// Append appends the wire bytes for f to dst.
func Append(dst []byte, f Frame, seeds SeedSource) ([]byte, error) {
	if len(f.Payload) > MaxPayloadLen {
		return dst, fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, len(f.Payload))
	}
	start := len(dst)
	dst = append(dst,
		SyncByte,
		uint8(len(f.Payload)),
		f.Sequence,
		f.SystemID,
		f.ComponentID,
		f.Kind,
	)
	dst = append(dst, f.Payload...)
	crc := Checksum(dst[start+1:], seedFor(seeds, f.Kind))
	return append(dst, byte(crc), byte(crc>>8)), nil
}

// Parse decodes exactly one complete wire frame from b.
func Parse(b []byte, seeds SeedSource) (Frame, error) {
	if len(b) < MinFrameLen {
		return Frame{}, ErrShortFrame
	}
	if b[offSync] != SyncByte {
		return Frame{}, ErrBadSync
	}
	n := int(b[offLen])
	if len(b) != HeaderLen+n+ChecksumLen {
		return Frame{}, ErrLengthMismatch
	}
	end := HeaderLen + n
	want := Checksum(b[1:end], seedFor(seeds, b[offKind]))
	got := uint16(b[end]) | uint16(b[end+1])<<8
	if want != got {
		return Frame{}, ErrBadChecksum
	}
	return frameFrom(b[:end]), nil
}

func frameFrom(head []byte) Frame {
	payload := make([]byte, len(head)-HeaderLen)
	copy(payload, head[HeaderLen:])
	return Frame{
		SystemID:    head[offSystem],
		ComponentID: head[offComponent],
		Kind:        head[offKind],
		Sequence:    head[offSeq],
		Payload:     payload,
	}
}
