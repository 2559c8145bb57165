// Package tlconfig handles loading and validating the adapter's
// configuration. Nothing in internal/bgapi, internal/scan or
// internal/connmgr reads a config file directly — they take typed Go
// values from their constructors. This package exists for whatever
// process embeds the adapter and wants YAML-driven setup.
package tlconfig

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Default config file locations, checked in order when no explicit
// path is given.
var configPaths = []string{
	"./tileble.yaml",
	"./tileble.yml",
	"~/.config/tileble/config.yaml",
	"/etc/tileble/config.yaml",
}

// AdapterConfig is the YAML-loadable configuration for a tileble
// adapter instance. Field names match the knobs the facade actually
// exposes — there is no catch-all Options map the way a generic
// multi-transport config would carry one, because a BLED112 dongle
// has exactly one transport shape.
type AdapterConfig struct {
	// SerialPort is the path to the BLED112 dongle's serial device,
	// e.g. "/dev/ttyACM0" or "COM5".
	SerialPort string `yaml:"serial_port" json:"serial_port" validate:"required"`

	// PassiveScan disables scan-response collection; discovery records
	// are then emitted from the advertisement packet alone.
	PassiveScan bool `yaml:"passive_scan" json:"passive_scan"`

	// MaxConnectionsHint is advisory only: the adapter always learns
	// the dongle's real maximum from a system-state query at startup.
	// It is never sent over the wire.
	MaxConnectionsHint int `yaml:"max_connections_hint" json:"max_connections_hint" validate:"omitempty,min=0,max=32"`

	// ConnectTimeout bounds a single connect attempt.
	ConnectTimeout time.Duration `yaml:"connect_timeout" json:"connect_timeout" validate:"omitempty,min=1s"`

	// ProbeTimeout bounds a single GATT service or characteristic probe.
	ProbeTimeout time.Duration `yaml:"probe_timeout" json:"probe_timeout" validate:"omitempty,min=1s"`

	// DiagnosticsPath is an optional sqlite file recording discovery
	// and disconnect events for field diagnostics. Empty disables it.
	DiagnosticsPath string `yaml:"diagnostics_path" json:"diagnostics_path"`

	// MetricsAddr is an optional "host:port" to serve /metrics and
	// /healthz on. Empty disables the metrics server.
	MetricsAddr string `yaml:"metrics_addr" json:"metrics_addr"`

	Logging LoggingConfig `yaml:"logging" json:"logging"`
}

// LoggingConfig mirrors tlog.Config so it can be embedded in YAML
// without importing pkg/tlog here (avoids a dependency the validator
// struct tags would otherwise need to reach into).
type LoggingConfig struct {
	Level  string `yaml:"level" json:"level" validate:"omitempty,oneof=debug info warn error"`
	Format string `yaml:"format" json:"format" validate:"omitempty,oneof=text json"`
	Output string `yaml:"output" json:"output" validate:"omitempty,oneof=stdout file"`
	File   string `yaml:"file" json:"file"`
}

// DefaultConfig returns sensible defaults; ConnectTimeout and
// ProbeTimeout stay comfortably above the dongle's own worst-case
// round-trip times (connect >= 4s, probes >= 3s).
func DefaultConfig() *AdapterConfig {
	return &AdapterConfig{
		PassiveScan:    false,
		ConnectTimeout: 8 * time.Second,
		ProbeTimeout:   4 * time.Second,
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stdout",
		},
	}
}

// Load loads configuration from path, or from the first default
// location that exists, or returns DefaultConfig if none do. A path
// explicitly given must exist.
func Load(path string) (*AdapterConfig, error) {
	if path != "" {
		return loadFile(path)
	}

	for _, p := range configPaths {
		if len(p) > 0 && p[0] == '~' {
			home, err := os.UserHomeDir()
			if err == nil {
				p = filepath.Join(home, p[2:])
			}
		}

		if _, err := os.Stat(p); err == nil {
			return loadFile(p)
		}
	}

	return DefaultConfig(), nil
}

func loadFile(path string) (*AdapterConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("tlconfig: read %s: %w", path, err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("tlconfig: parse %s: %w", path, err)
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate runs struct-tag validation over cfg.
func Validate(cfg *AdapterConfig) error {
	validate := validator.New()
	if err := validate.Struct(cfg); err != nil {
		return fmt.Errorf("tlconfig: invalid configuration: %w", err)
	}
	return nil
}

// Save writes cfg to path as YAML, creating parent directories as
// needed.
func Save(path string, cfg *AdapterConfig) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}

	return os.WriteFile(path, data, 0644)
}
