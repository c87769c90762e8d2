package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/iodump/iodump/pkg/config"
	"github.com/iodump/iodump/pkg/dump"
	"github.com/iodump/iodump/pkg/metrics"
	"github.com/iodump/iodump/pkg/session"
	"github.com/iodump/iodump/pkg/sink"
	"github.com/iodump/iodump/pkg/telemetry"
)

// childPipe is the child's stdout and stdin seen as one handle. Close ends
// the child's input and waits for it to exit.
type childPipe struct {
	io.Reader
	io.Writer
	stdin io.Closer
	wait  func() error
}

// CloseWrite closes the child's stdin.
func (c *childPipe) CloseWrite() error { return c.stdin.Close() }

func (c *childPipe) Close() error {
	c.stdin.Close()
	return c.wait()
}

// childResult is what recordChild observed.
type childResult struct {
	Written, Read int64
	Events        int64
	SinkErr       error
	ExitErr       error
}

// recordChild starts cmd and relays in to its stdin and its stdout to out.
// Both directions are recorded to sk: bytes sent to the child are writes,
// bytes it prints are reads. It returns once the child's stdout is closed
// and the child has exited.
func recordChild(cmd *exec.Cmd, sk dump.Sink, in io.Reader, out io.Writer, log *slog.Logger) (childResult, error) {
	fail := func(err error) (childResult, error) {
		if c, ok := sk.(io.Closer); ok {
			c.Close()
		}
		return childResult{}, err
	}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fail(fmt.Errorf("stdin pipe: %w", err))
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fail(fmt.Errorf("stdout pipe: %w", err))
	}
	if err := cmd.Start(); err != nil {
		return fail(fmt.Errorf("start %s: %w", cmd.Path, err))
	}

	pipe := &childPipe{Reader: stdout, Writer: stdin, stdin: stdin, wait: cmd.Wait}
	rw := dump.NewReadWriter(pipe, sk,
		dump.WithObserver(metrics.Observer{}),
		dump.WithLogger(log),
	)

	var res childResult
	written := make(chan int64, 1)
	go func() {
		n, err := dump.Copy(rw, in)
		if err != nil && !errors.Is(err, dump.ErrClosed) && !errors.Is(err, os.ErrClosed) {
			log.Debug("stdin relay stopped", "error", err)
		}
		written <- n
		pipe.CloseWrite()
	}()

	res.Read, err = dump.Copy(out, rw)
	if err != nil {
		log.Warn("stdout relay stopped", "error", err)
	}
	res.Events = rw.Events()
	res.SinkErr = rw.Err()

	// The child has closed its stdout. Its stdin relay may still be blocked
	// on our input, so take its count only if it already finished.
	cerr := rw.Close()
	select {
	case res.Written = <-written:
	case <-time.After(100 * time.Millisecond):
	}

	var exitErr *exec.ExitError
	if errors.As(cerr, &exitErr) {
		res.ExitErr = exitErr
	} else if cerr != nil {
		log.Debug("session close", "error", cerr)
	}
	return res, nil
}

// runExec implements the "iodump exec" subcommand.
func runExec(args []string) {
	fs := flag.NewFlagSet("exec", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file")
	out := fs.String("o", "", "Write the log to this file instead of the session store")
	id := fs.String("session", "", "Session id (default: random)")
	fs.Usage = func() {
		fmt.Fprint(os.Stderr, "Usage: iodump exec [flags] -- <command> [args...]\n\n")
		fmt.Fprint(os.Stderr, "Run a command with its stdin and stdout relayed and recorded.\n\n")
		fmt.Fprint(os.Stderr, "Flags:\n")
		fs.PrintDefaults()
		fmt.Fprint(os.Stderr, "\nExamples:\n")
		fmt.Fprint(os.Stderr, "  iodump exec -o bc.dump -- bc -q\n")
		fmt.Fprint(os.Stderr, "  iodump exec --config config.yaml --session smtp-1 -- nc mail.internal 25\n")
	}
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}
	argv := fs.Args()
	if len(argv) == 0 {
		fmt.Fprintln(os.Stderr, "Error: no command given")
		fs.Usage()
		os.Exit(1)
	}

	cfg := loadConfig(*configPath, nil)
	if *out == "-" {
		fmt.Fprintln(os.Stderr, "Error: stdout carries the command's output; choose a log file")
		os.Exit(1)
	}
	if code := execCommand(cfg, argv, *out, *id); code != 0 {
		os.Exit(code)
	}
}

// execCommand records one run of argv and returns the process exit code.
func execCommand(cfg *config.Config, argv []string, out, id string) int {
	sessionID := id
	if sessionID == "" {
		sessionID = session.NewID()
	}
	log := slog.With("component", "exec", "session", sessionID)

	var (
		sk       dump.Sink
		sinkType string
	)
	if out != "" {
		f, err := sink.OpenFile(out, sink.FileConfig{BufferSize: int(cfg.Sink.BufferSize)})
		if err != nil {
			slog.Error("failed to create log file", "path", out, "error", err)
			return 1
		}
		sk, sinkType = f, config.SinkFile
	} else {
		store := openStore(cfg)
		defer store.Close()
		if store.Shared() {
			fmt.Fprintln(os.Stderr, "Error: stdout carries the command's output; configure a file, badger or remote sink")
			return 1
		}
		s, err := store.Create(sessionID)
		if err != nil {
			slog.Error("failed to open session sink", "session", sessionID, "error", err)
			return 1
		}
		sk, sinkType = s, store.Type()
	}

	tc := newCollector(cfg, true)
	if tc != nil {
		defer tc.Close()
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Stderr = os.Stderr

	sum := telemetry.SessionSummary{
		SessionID: sessionID,
		Kind:      "exec",
		Command:   strings.Join(argv, " "),
		Sink:      sinkType,
		Start:     time.Now(),
	}
	metrics.SessionsActive.Inc()
	res, err := recordChild(cmd, sk, os.Stdin, os.Stdout, log)
	metrics.SessionsActive.Dec()

	sum.Finish(time.Now())
	sum.BytesWritten, sum.BytesRead, sum.Events = res.Written, res.Read, res.Events
	if res.SinkErr != nil {
		sum.SinkError = res.SinkErr.Error()
	}
	status := "ok"
	if err != nil {
		status, sum.Error = "error", err.Error()
	} else if res.ExitErr != nil {
		sum.Error = res.ExitErr.Error()
	}
	metrics.SessionsTotal.WithLabelValues(status).Inc()
	tc.Record(sum)

	if err != nil {
		slog.Error("exec failed", "session", sessionID, "error", err)
		return 1
	}
	log.Info("session recorded", "events", res.Events,
		"bytes_written", res.Written, "bytes_read", res.Read, "duration_ms", sum.DurationMs)

	var exitErr *exec.ExitError
	if errors.As(res.ExitErr, &exitErr) {
		return exitErr.ExitCode()
	}
	return 0
}
