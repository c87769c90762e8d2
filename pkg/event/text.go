package event

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
	"time"
)

// TextLineWidth is the number of payload bytes per row in the text format.
const TextLineWidth = 25

// TextFormatter renders events as a human-readable hex dump. Each event is a
// header line such as
//
//	->  0.004s  3 bytes
//
// followed by rows of up to TextLineWidth bytes in hex with an escaped ASCII
// column, and a blank line. Reads are marked "->", writes "<-". The elapsed
// time is measured from Start and rounded up to the millisecond.
type TextFormatter struct {
	Start time.Time
}

// Format writes the text rendering of ev to w.
func (f TextFormatter) Format(w io.Writer, ev Event) error {
	bw := bufio.NewWriter(w)

	arrow := "->"
	if ev.Direction == Write {
		arrow = "<-"
	}
	elapsed := float64(ceilMillis(ev.Time.Sub(f.Start))) / 1000.0
	fmt.Fprintf(bw, "%s  %.3fs  %d bytes\n", arrow, elapsed, len(ev.Payload))

	for pos := 0; pos < len(ev.Payload); pos += TextLineWidth {
		end := min(pos+TextLineWidth, len(ev.Payload))
		writeTextRow(bw, ev.Payload[pos:end])
	}
	bw.WriteByte('\n')
	return bw.Flush()
}

func writeTextRow(bw *bufio.Writer, row []byte) {
	for i := 0; i < TextLineWidth; i++ {
		if i < len(row) {
			fmt.Fprintf(bw, "%02X ", row[i])
		} else {
			bw.WriteString("   ")
		}
	}
	bw.WriteString("    ")

	for _, b := range row {
		switch {
		case b == 0:
			bw.WriteString(`\0`)
		case b == '\t':
			bw.WriteString(`\t`)
		case b == '\n':
			bw.WriteString(`\n`)
		case b == '\r':
			bw.WriteString(`\r`)
		case b >= 32 && b <= 126:
			bw.WriteByte(' ')
			bw.WriteByte(b)
		default:
			bw.WriteString(`\?`)
		}
	}
	bw.WriteByte('\n')
}

// ceilMillis converts d to whole milliseconds, rounding up. Negative
// durations clamp to zero.
func ceilMillis(d time.Duration) int64 {
	if d <= 0 {
		return 0
	}
	return int64((d + time.Millisecond - 1) / time.Millisecond)
}

// ErrBadText is returned for input that is not in the text dump format.
var ErrBadText = errors.New("event: malformed text dump")

// TextScanner reads events back from the text format. Timestamps are
// reconstructed as Start plus the recorded elapsed time, so they carry only
// millisecond precision. Lines starting with "//" between events are
// skipped.
type TextScanner struct {
	Start time.Time

	sc   *bufio.Scanner
	line int
}

// NewTextScanner returns a scanner reading from r.
func NewTextScanner(r io.Reader, start time.Time) *TextScanner {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 4096), 1<<20)
	return &TextScanner{Start: start, sc: sc}
}

// Next returns the next event, or io.EOF when the input is exhausted.
func (s *TextScanner) Next() (Event, error) {
	var head []string
	for {
		text, ok := s.scan()
		if !ok {
			if err := s.sc.Err(); err != nil {
				return Event{}, err
			}
			return Event{}, io.EOF
		}
		head = strings.Fields(text)
		if len(head) == 0 || head[0] == "//" {
			continue
		}
		break
	}
	if len(head) != 4 || head[3] != "bytes" || !strings.HasSuffix(head[1], "s") {
		return Event{}, s.errorf("bad header %q", strings.Join(head, " "))
	}

	var ev Event
	switch head[0] {
	case "->":
		ev.Direction = Read
	case "<-":
		ev.Direction = Write
	default:
		return Event{}, s.errorf("bad direction %q", head[0])
	}
	secs, err := strconv.ParseFloat(strings.TrimSuffix(head[1], "s"), 64)
	if err != nil || secs < 0 {
		return Event{}, s.errorf("bad elapsed time %q", head[1])
	}
	size, err := strconv.Atoi(head[2])
	if err != nil || size < 0 {
		return Event{}, s.errorf("bad byte count %q", head[2])
	}
	ev.Time = s.Start.Add(time.Duration(math.Round(secs*1000)) * time.Millisecond)

	// Rows grow the payload; the count is checked once they are read.
	ev.Payload = make([]byte, 0, min(size, 4096))
	for {
		text, ok := s.scan()
		if !ok || text == "" {
			break
		}
		if ev.Payload, err = parseHexRow(ev.Payload, text); err != nil {
			return Event{}, s.errorf("%v", err)
		}
		if len(ev.Payload) > size {
			return Event{}, s.errorf("header says %d bytes, rows hold more", size)
		}
	}
	if len(ev.Payload) != size {
		return Event{}, s.errorf("header says %d bytes, rows hold %d", size, len(ev.Payload))
	}
	return ev, nil
}

func (s *TextScanner) scan() (string, bool) {
	if !s.sc.Scan() {
		return "", false
	}
	s.line++
	return s.sc.Text(), true
}

func (s *TextScanner) errorf(format string, args ...any) error {
	return fmt.Errorf("%w: line %d: %s", ErrBadText, s.line, fmt.Sprintf(format, args...))
}

// parseHexRow appends the hex bytes at the start of row to dst. The hex
// column ends at the first double space or after TextLineWidth bytes.
func parseHexRow(dst []byte, row string) ([]byte, error) {
	for i := 0; i < TextLineWidth && len(row) >= 2; i++ {
		pair := row[:2]
		if pair == "  " {
			break
		}
		b, err := strconv.ParseUint(pair, 16, 8)
		if err != nil {
			return dst, fmt.Errorf("bad hex byte %q", pair)
		}
		dst = append(dst, byte(b))
		if len(row) < 3 {
			break
		}
		row = row[3:]
	}
	return dst, nil
}
