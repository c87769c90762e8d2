// Package main provides the iodump CLI for recording byte streams.
//
// Usage:
//
//	iodump proxy [--config <file>] [--listen <addr>] [--upstream <addr>] [--sink file|badger|remote] [--dir <path>]
//	iodump exec [--config <file>] [-o <file>] [--session <id>] -- <command> [args...]
//	iodump cat [--format text|json|wire] [--in wire|text] [<file>|-]...
//	iodump export [--config <file>] --session <id> [-o <file>]
//	iodump sessions [--config <file>]
//	iodump rm [--config <file>] <session>...
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/iodump/iodump/pkg/config"
	"github.com/iodump/iodump/pkg/metrics"
	"github.com/iodump/iodump/pkg/proxy"
	"github.com/iodump/iodump/pkg/session"
	"github.com/iodump/iodump/pkg/telemetry"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "proxy":
		runProxy(os.Args[2:])
	case "exec":
		runExec(os.Args[2:])
	case "cat":
		runCat(os.Args[2:])
	case "export":
		runExport(os.Args[2:])
	case "sessions":
		runSessions(os.Args[2:])
	case "rm":
		runRemove(os.Args[2:])
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprint(os.Stderr, "iodump: record the reads and writes of a byte stream\n\n")
	fmt.Fprint(os.Stderr, "Usage:\n")
	fmt.Fprint(os.Stderr, "  iodump <command> [flags]\n\n")
	fmt.Fprint(os.Stderr, "Commands:\n")
	fmt.Fprint(os.Stderr, "  proxy     Run a recording TCP proxy\n")
	fmt.Fprint(os.Stderr, "  exec      Record a child process's stdin and stdout\n")
	fmt.Fprint(os.Stderr, "  cat       Print a session log as text or JSON lines\n")
	fmt.Fprint(os.Stderr, "  export    Write a stored session to a log file\n")
	fmt.Fprint(os.Stderr, "  sessions  List stored sessions\n")
	fmt.Fprint(os.Stderr, "  rm        Delete stored sessions\n\n")
	fmt.Fprint(os.Stderr, "Use \"iodump <command> --help\" for more information about a command.\n")
}

// loadConfig reads path, or returns the defaults when path is empty.
// apply runs before defaults and validation so flags win over the file.
func loadConfig(path string, apply func(*config.Config)) *config.Config {
	cfg := &config.Config{}
	if path != "" {
		var err error
		cfg, err = config.Load(path)
		if err != nil {
			slog.Error("failed to load config", "path", path, "error", err)
			os.Exit(1)
		}
	}
	if apply != nil {
		apply(cfg)
	}
	if err := cfg.Finish(); err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	return cfg
}

func openStore(cfg *config.Config) *session.Store {
	store, err := session.Open(cfg.Sink)
	if err != nil {
		slog.Error("failed to open session storage", "type", cfg.Sink.Type, "error", err)
		os.Exit(1)
	}
	return store
}

// newCollector starts the configured telemetry collector, or returns nil.
// Commands whose stdout carries data pass stdoutBusy to move a stdout sink
// to stderr.
func newCollector(cfg *config.Config, stdoutBusy bool) *telemetry.Collector {
	if !cfg.Telemetry.Enabled {
		return nil
	}
	sinkName := cfg.Telemetry.Sink
	if stdoutBusy && sinkName == "stdout" {
		sinkName = "stderr"
	}
	tc, err := telemetry.NewCollector(telemetry.CollectorConfig{
		Enabled:       true,
		Sink:          sinkName,
		FilePath:      cfg.Telemetry.FilePath,
		Endpoint:      cfg.Telemetry.Endpoint,
		BatchSize:     cfg.Telemetry.BatchSize,
		FlushInterval: cfg.Telemetry.FlushInterval,
	})
	if err != nil {
		slog.Warn("telemetry collector failed to initialize", "error", err)
		return nil
	}
	slog.Info("telemetry enabled", "sink", sinkName)
	return tc
}

// runProxy implements the "iodump proxy" subcommand.
func runProxy(args []string) {
	fs := flag.NewFlagSet("proxy", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file")
	listen := fs.String("listen", "", "Listen address (overrides config)")
	upstream := fs.String("upstream", "", "Upstream address (overrides config)")
	sinkType := fs.String("sink", "", "Sink type: file, badger or remote (overrides config)")
	dir := fs.String("dir", "", "Log directory for file and badger sinks (overrides config)")
	fs.Usage = func() {
		fmt.Fprint(os.Stderr, "Usage: iodump proxy [flags]\n\n")
		fmt.Fprint(os.Stderr, "Accept TCP connections, forward them to the upstream and record each one\n")
		fmt.Fprint(os.Stderr, "as a separate session.\n\n")
		fmt.Fprint(os.Stderr, "Flags:\n")
		fs.PrintDefaults()
		fmt.Fprint(os.Stderr, "\nExamples:\n")
		fmt.Fprint(os.Stderr, "  iodump proxy --listen 127.0.0.1:15432 --upstream db.internal:5432 --dir ./captures\n")
		fmt.Fprint(os.Stderr, "  iodump proxy --config /etc/iodump/config.yaml\n")
	}
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	cfg := loadConfig(*configPath, func(c *config.Config) {
		if *listen != "" {
			c.Proxy.Listen = *listen
		}
		if *upstream != "" {
			c.Proxy.Upstream = *upstream
		}
		if *sinkType != "" {
			c.Sink.Type = *sinkType
		}
		if *dir != "" {
			c.Sink.Dir = *dir
		}
	})
	if cfg.Proxy.Listen == "" || cfg.Proxy.Upstream == "" {
		fmt.Fprintln(os.Stderr, "Error: proxy.listen and proxy.upstream are required")
		fs.Usage()
		os.Exit(1)
	}

	store := openStore(cfg)
	defer store.Close()

	tc := newCollector(cfg, false)
	if tc != nil {
		defer tc.Close()
	}

	srv, err := proxy.New(proxy.Config{
		Listen:      cfg.Proxy.Listen,
		Upstream:    cfg.Proxy.Upstream,
		DialTimeout: cfg.Proxy.DialTimeout,
	}, store, proxy.WithCollector(tc))
	if err != nil {
		slog.Error("failed to create proxy", "error", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	// ── Metrics + Health Server ──────────────────────────────────
	metrics.RegisterHealthCheck("session_store", func(ctx context.Context) error {
		_, err := store.List(ctx)
		return err
	})

	metricsStop := make(chan struct{})
	if cfg.Metrics.MetricsEnabled() {
		go func() {
			if err := metrics.MetricsServer(cfg.Metrics.Addr, metricsStop); err != nil {
				slog.Error("metrics server error", "error", err)
			}
		}()
		slog.Info("metrics server started", "addr", cfg.Metrics.Addr)
	} else {
		slog.Info("metrics server disabled")
	}
	defer close(metricsStop)

	if err := srv.ListenAndServe(ctx); err != nil {
		slog.Error("proxy failed", "error", err)
		os.Exit(1)
	}
	slog.Info("proxy shut down cleanly")
}

// runExport implements the "iodump export" subcommand.
func runExport(args []string) {
	fs := flag.NewFlagSet("export", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file")
	id := fs.String("session", "", "Session id (required)")
	out := fs.String("o", "-", "Output file, - for stdout")
	fs.Usage = func() {
		fmt.Fprint(os.Stderr, "Usage: iodump export [flags]\n\n")
		fmt.Fprint(os.Stderr, "Write a stored session as a wire-format log.\n\n")
		fmt.Fprint(os.Stderr, "Flags:\n")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}
	if *id == "" {
		fmt.Fprintln(os.Stderr, "Error: --session is required")
		fs.Usage()
		os.Exit(1)
	}

	cfg := loadConfig(*configPath, nil)
	store := openStore(cfg)
	defer store.Close()

	w := os.Stdout
	if *out != "-" {
		f, err := os.Create(*out)
		if err != nil {
			slog.Error("failed to create output", "path", *out, "error", err)
			os.Exit(1)
		}
		defer f.Close()
		w = f
	}

	n, err := store.Export(context.Background(), *id, w)
	if err != nil {
		slog.Error("export failed", "session", *id, "error", err)
		os.Exit(1)
	}
	slog.Info("session exported", "session", *id, "bytes", n, "output", *out)
}

// runSessions implements the "iodump sessions" subcommand.
func runSessions(args []string) {
	fs := flag.NewFlagSet("sessions", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file")
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	cfg := loadConfig(*configPath, nil)
	store := openStore(cfg)
	defer store.Close()

	list, err := store.List(context.Background())
	if err != nil {
		slog.Error("failed to list sessions", "error", err)
		os.Exit(1)
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SESSION\tMODIFIED\tSIZE")
	for _, info := range list {
		size := "-"
		if info.Size > 0 {
			size = formatBytes(info.Size)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\n", info.ID, info.Modified.Local().Format(time.DateTime), size)
	}
	tw.Flush()
}

// runRemove implements the "iodump rm" subcommand.
func runRemove(args []string) {
	fs := flag.NewFlagSet("rm", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file")
	fs.Usage = func() {
		fmt.Fprint(os.Stderr, "Usage: iodump rm [flags] <session>...\n\n")
		fmt.Fprint(os.Stderr, "Flags:\n")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}
	if fs.NArg() == 0 {
		fs.Usage()
		os.Exit(1)
	}

	cfg := loadConfig(*configPath, nil)
	store := openStore(cfg)
	defer store.Close()

	failed := false
	for _, id := range fs.Args() {
		if err := store.Remove(context.Background(), id); err != nil {
			slog.Error("failed to remove session", "session", id, "error", err)
			failed = true
		}
	}
	if failed {
		store.Close()
		os.Exit(1)
	}
}

func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(n)/float64(div), "KMGTPE"[exp])
}
