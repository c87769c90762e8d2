package main

import (
	"bufio"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/iodump/iodump/pkg/event"
)

const (
	formatText = "text"
	formatJSON = "json"
	formatWire = "wire"
)

// textEpoch anchors the timestamps of events read back from the text format.
var textEpoch = time.Unix(0, 0).UTC()

// eventSource yields events until io.EOF.
type eventSource interface {
	Next() (event.Event, error)
}

func newSource(r io.Reader, in string) (eventSource, error) {
	switch in {
	case formatWire:
		return event.NewDecoder(r), nil
	case formatText:
		return event.NewTextScanner(r, textEpoch), nil
	}
	return nil, fmt.Errorf("unknown input format %q (want wire or text)", in)
}

// catLog converts the log in r from format in to format out and returns the
// number of events written.
func catLog(w io.Writer, r io.Reader, in, out string) (int, error) {
	src, err := newSource(r, in)
	if err != nil {
		return 0, err
	}

	var emit func(event.Event) error
	var text *event.TextFormatter
	switch out {
	case formatText:
		text = &event.TextFormatter{}
		emit = func(ev event.Event) error { return text.Format(w, ev) }
	case formatJSON:
		enc := json.NewEncoder(w)
		emit = func(ev event.Event) error { return enc.Encode(ev) }
	case formatWire:
		emit = func(ev event.Event) error {
			_, err := w.Write(event.Encode(ev))
			return err
		}
	default:
		return 0, fmt.Errorf("unknown output format %q (want text, json or wire)", out)
	}

	n := 0
	for {
		ev, err := src.Next()
		if err == io.EOF {
			return n, nil
		}
		if err != nil {
			return n, err
		}
		if n == 0 && text != nil {
			text.Start = ev.Time
		}
		if err := emit(ev); err != nil {
			return n, err
		}
		n++
	}
}

// runCat implements the "iodump cat" subcommand.
func runCat(args []string) {
	fs := flag.NewFlagSet("cat", flag.ExitOnError)
	format := fs.String("format", formatText, "Output format: text, json or wire")
	in := fs.String("in", formatWire, "Input format: wire or text")
	fs.Usage = func() {
		fmt.Fprint(os.Stderr, "Usage: iodump cat [flags] [<file>|-]...\n\n")
		fmt.Fprint(os.Stderr, "Print session logs. Reads stdin when no file is given.\n")
		fmt.Fprint(os.Stderr, "Text times are seconds since the first event of each log.\n\n")
		fmt.Fprint(os.Stderr, "Flags:\n")
		fs.PrintDefaults()
		fmt.Fprint(os.Stderr, "\nExamples:\n")
		fmt.Fprint(os.Stderr, "  iodump cat ./iodump-logs/3f2c9a.dump\n")
		fmt.Fprint(os.Stderr, "  iodump export --session 3f2c9a | iodump cat --format json\n")
		fmt.Fprint(os.Stderr, "  iodump cat --in text --format wire edited.txt > replay.dump\n")
	}
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}
	paths := fs.Args()
	if len(paths) == 0 {
		paths = []string{"-"}
	}

	bw := bufio.NewWriter(os.Stdout)
	defer bw.Flush()
	for _, path := range paths {
		if err := catFile(bw, path, *in, *format); err != nil {
			bw.Flush()
			slog.Error("cat failed", "path", path, "error", err)
			os.Exit(1)
		}
	}
}

func catFile(w io.Writer, path, in, out string) error {
	r := io.Reader(os.Stdin)
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		r = f
	}
	_, err := catLog(w, r, in, out)
	return err
}
