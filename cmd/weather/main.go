// Command weather asks a weather tool server for a forecast or for active alerts and
// prints the answer. The server is spawned as a child process speaking MCP over stdio,
// or reached over SSE when a URL is configured.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
)

const (
	exitOK      = 0
	exitFailure = 1
	exitUsage   = 2
)

func main() {
	os.Exit(realMain(context.Background(), os.Args[1:], os.Stdout, os.Stderr))
}

func realMain(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("weather", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() {
		printUsage(stderr)
		fs.PrintDefaults()
	}

	configPath := fs.String("config", "", "path to a YAML config file")
	logLevel := fs.String("log-level", "", "log level: debug, info, warn or error")
	server := fs.String("server", "", "command line that starts the tool server, e.g. \"node build/index.js\"")
	sseURL := fs.String("sse", "", "connect to a tool server over SSE at this URL instead of spawning one")
	requestTimeout := fs.Duration("timeout", 0, "per-request timeout, 0 keeps the configured value")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return exitOK
		}
		return exitUsage
	}

	// Validate the command before anything else so bad input never starts a server.
	cmd, err := parseCommand(fs.Args())
	if err != nil {
		fmt.Fprintln(stderr, err)
		fs.Usage()
		return exitUsage
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return exitFailure
	}

	if fields := strings.Fields(*server); len(fields) > 0 {
		cfg.Server.Command = fields[0]
		cfg.Server.Args = fields[1:]
	}
	if *sseURL != "" {
		cfg.Server.SSEURL = *sseURL
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}
	if *requestTimeout > 0 {
		cfg.Timeouts.Request = *requestTimeout
	}
	if err := cfg.validate(); err != nil {
		fmt.Fprintln(stderr, err)
		return exitUsage
	}

	level, _ := parseLogLevel(cfg.Log.Level)
	logger := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: level}))

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, cmd, stdout, stderr, logger); err != nil {
		logger.Error("weather failed", "err", err)
		return exitFailure
	}

	return exitOK
}
