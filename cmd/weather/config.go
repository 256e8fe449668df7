package main

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// config is the driver configuration. Every field has a default, so the file is
// optional; values given on the command line win over the file.
type config struct {
	Server   serverConfig   `yaml:"server"`
	Client   clientConfig   `yaml:"client"`
	Timeouts timeoutsConfig `yaml:"timeouts"`
	Log      logConfig      `yaml:"log"`
}

type serverConfig struct {
	// Command and Args spawn the tool server.
	Command string   `yaml:"command"`
	Args    []string `yaml:"args"`
	// Env entries, in KEY=VALUE form, are added to the inherited environment.
	Env []string `yaml:"env"`
	Dir string   `yaml:"dir"`

	ReadyBanner string `yaml:"ready_banner"`

	// SSEURL, when set, connects to a running server instead of spawning one.
	SSEURL string `yaml:"sse_url"`
}

type clientConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

type timeoutsConfig struct {
	// Ready bounds the wait for the readiness banner.
	Ready time.Duration `yaml:"ready"`
	// Request bounds each request. Zero waits forever.
	Request time.Duration `yaml:"request"`
	// Stop is how long the server may take to exit before it is killed.
	Stop time.Duration `yaml:"stop"`
	// Grace lets trailing output flush between printing the result and stopping.
	Grace time.Duration `yaml:"grace"`
}

type logConfig struct {
	Level string `yaml:"level"`
}

func defaultConfig() config {
	return config{
		Server: serverConfig{
			Command:     "node",
			Args:        []string{"build/index.js"},
			ReadyBanner: "Weather MCP Server running",
		},
		Client: clientConfig{
			Name:    "local-mcp-client",
			Version: "1.0.0",
		},
		Timeouts: timeoutsConfig{
			Ready:   30 * time.Second,
			Request: 30 * time.Second,
			Stop:    2 * time.Second,
			Grace:   250 * time.Millisecond,
		},
		Log: logConfig{
			Level: "info",
		},
	}
}

// loadConfig returns the defaults overlaid with the YAML file at path. An empty path
// returns the defaults.
func loadConfig(path string) (config, error) {
	cfg := defaultConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return config{}, fmt.Errorf("reading config %s: %w", path, err)
	}

	if err := decodeConfig(bytes.NewReader(data), &cfg); err != nil {
		return config{}, fmt.Errorf("parsing config %s: %w", path, err)
	}

	if err := cfg.validate(); err != nil {
		return config{}, fmt.Errorf("invalid config %s: %w", path, err)
	}

	return cfg, nil
}

func decodeConfig(r io.Reader, cfg *config) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func (c config) validate() error {
	if c.Server.Command == "" && c.Server.SSEURL == "" {
		return errors.New("server.command or server.sse_url is required")
	}
	if c.Client.Name == "" {
		return errors.New("client.name is required")
	}
	if c.Timeouts.Ready < 0 || c.Timeouts.Request < 0 || c.Timeouts.Stop < 0 || c.Timeouts.Grace < 0 {
		return errors.New("timeouts must not be negative")
	}
	if _, err := parseLogLevel(c.Log.Level); err != nil {
		return err
	}
	return nil
}

// parseLogLevel converts a level name to a slog.Level. Names are case-insensitive;
// an empty name is info.
func parseLogLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q (valid: debug, info, warn, error)", s)
	}
}
