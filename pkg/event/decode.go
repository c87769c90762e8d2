package event

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"time"
)

var (
	// ErrTruncatedEvent is returned when a log ends inside a header or payload.
	ErrTruncatedEvent = errors.New("truncated event")

	// ErrUnknownDirection is returned for a direction tag other than 0 or 1.
	ErrUnknownDirection = errors.New("unknown direction")
)

// Decode reads one event from r.
//
// It returns io.EOF, and only io.EOF, when r is exhausted before the first
// header byte. A log that ends after a partial header or payload yields an
// error wrapping ErrTruncatedEvent.
func Decode(r io.Reader) (Event, error) {
	var hdr [HeaderSize]byte
	n, err := io.ReadFull(r, hdr[:])
	switch {
	case err == io.EOF:
		return Event{}, io.EOF
	case err == io.ErrUnexpectedEOF:
		return Event{}, fmt.Errorf("event.Decode: header has %d of %d bytes: %w", n, HeaderSize, ErrTruncatedEvent)
	case err != nil:
		return Event{}, fmt.Errorf("event.Decode: read header: %w", err)
	}

	dir := Direction(hdr[0])
	if !dir.Valid() {
		return Event{}, fmt.Errorf("event.Decode: tag %d: %w", hdr[0], ErrUnknownDirection)
	}
	ts := time.Unix(0, int64(binary.BigEndian.Uint64(hdr[1:9])))
	size := binary.BigEndian.Uint64(hdr[9:17])
	if size > math.MaxInt64 {
		return Event{}, fmt.Errorf("event.Decode: payload length %d: %w", size, ErrTruncatedEvent)
	}

	ev := Event{Direction: dir, Time: ts, Payload: []byte{}}
	if size == 0 {
		return ev, nil
	}

	// Grow with the data actually present rather than trusting size up front.
	var buf bytes.Buffer
	got, err := io.CopyN(&buf, r, int64(size))
	if err == io.EOF {
		return Event{}, fmt.Errorf("event.Decode: payload has %d of %d bytes: %w", got, size, ErrTruncatedEvent)
	}
	if err != nil {
		return Event{}, fmt.Errorf("event.Decode: read payload: %w", err)
	}
	ev.Payload = buf.Bytes()
	return ev, nil
}

// Decoder reads a stream of events.
type Decoder struct {
	r     *bufio.Reader
	count int
}

// NewDecoder returns a Decoder reading from r.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: bufio.NewReader(r)}
}

// Next returns the next event, or io.EOF at the clean end of the log.
func (d *Decoder) Next() (Event, error) {
	ev, err := Decode(d.r)
	if err != nil {
		if err != io.EOF {
			err = fmt.Errorf("event %d: %w", d.count, err)
		}
		return Event{}, err
	}
	d.count++
	return ev, nil
}

// Count returns how many events have been decoded so far.
func (d *Decoder) Count() int { return d.count }

// DecodeAll decodes every event in r. On error it returns the events decoded
// before the failure together with the error.
func DecodeAll(r io.Reader) ([]Event, error) {
	d := NewDecoder(r)
	var events []Event
	for {
		ev, err := d.Next()
		if err == io.EOF {
			return events, nil
		}
		if err != nil {
			return events, err
		}
		events = append(events, ev)
	}
}
