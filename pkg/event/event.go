// Package event defines the binary framing for one observed I/O operation.
//
// An encoded event is laid out as:
//
//	offset  size  field
//	0       1     direction tag (0 = read, 1 = write)
//	1       8     completion time, nanoseconds since the Unix epoch, big-endian
//	9       8     payload length, unsigned, big-endian
//	17      n     payload bytes, verbatim
//
// A log is the concatenation of encoded events with no separators and no
// trailer; end of log is end of the underlying stream.
package event

import (
	"encoding/binary"
	"fmt"
	"time"
)

// HeaderSize is the fixed size of an encoded event header.
const HeaderSize = 1 + 8 + 8

// Direction in which bytes moved through a wrapped handle.
type Direction uint8

const (
	// Read means bytes were read from the handle.
	Read Direction = 0
	// Write means bytes were written to the handle.
	Write Direction = 1
)

// String returns "read" or "write".
func (d Direction) String() string {
	switch d {
	case Read:
		return "read"
	case Write:
		return "write"
	default:
		return fmt.Sprintf("direction(%d)", uint8(d))
	}
}

// Valid reports whether d is a known direction tag.
func (d Direction) Valid() bool {
	return d == Read || d == Write
}

// MarshalText implements encoding.TextMarshaler.
func (d Direction) MarshalText() ([]byte, error) {
	if !d.Valid() {
		return nil, fmt.Errorf("event: %w: %d", ErrUnknownDirection, uint8(d))
	}
	return []byte(d.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Direction) UnmarshalText(text []byte) error {
	switch string(text) {
	case "read":
		*d = Read
	case "write":
		*d = Write
	default:
		return fmt.Errorf("event: %w: %q", ErrUnknownDirection, text)
	}
	return nil
}

// Event is one completed read or write.
type Event struct {
	Direction Direction `json:"dir"`
	Time      time.Time `json:"ts"`
	Payload   []byte    `json:"payload"`
}

// Len returns the payload length.
func (e Event) Len() int { return len(e.Payload) }

// EncodedLen returns the number of bytes Encode produces for e.
func (e Event) EncodedLen() int { return HeaderSize + len(e.Payload) }

// Encode returns the framed encoding of ev.
func Encode(ev Event) []byte {
	return AppendEncode(make([]byte, 0, ev.EncodedLen()), ev)
}

// AppendEncode appends the framed encoding of ev to dst and returns the
// extended slice.
func AppendEncode(dst []byte, ev Event) []byte {
	var hdr [HeaderSize]byte
	putHeader(hdr[:], ev.Direction, ev.Time, uint64(len(ev.Payload)))
	dst = append(dst, hdr[:]...)
	return append(dst, ev.Payload...)
}

func putHeader(b []byte, dir Direction, ts time.Time, n uint64) {
	b[0] = byte(dir)
	binary.BigEndian.PutUint64(b[1:9], uint64(ts.UnixNano()))
	binary.BigEndian.PutUint64(b[9:17], n)
}
