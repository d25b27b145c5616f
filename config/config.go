// Package config loads the usbwatch YAML configuration.
//
// Every field has a default, so an empty or missing file is a valid
// configuration. Durations use Go syntax ("100ms", "5s").
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"github.com/ardnew/usbwatch/pkg"
	"github.com/ardnew/usbwatch/security"
	"github.com/ardnew/usbwatch/usb"
)

// Backend names.
const (
	BackendLinux  = "linux"
	BackendLibUSB = "libusb"
)

// Log formats.
const (
	LogFormatText = "text"
	LogFormatJSON = "json"
)

// Config is the complete monitor configuration.
type Config struct {
	AutoConnect         bool          `yaml:"autoConnect"`
	PollInterval        time.Duration `yaml:"pollInterval"`
	PowerInterval       time.Duration `yaml:"powerInterval"`
	BandwidthInterval   time.Duration `yaml:"bandwidthInterval"`
	BandwidthWindow     time.Duration `yaml:"bandwidthWindow"`
	AnalysisInterval    time.Duration `yaml:"analysisInterval"`
	MaxHistorySize      int           `yaml:"maxHistorySize"`
	MaxEventHistory     int           `yaml:"maxEventHistory"`
	LogLevel            string        `yaml:"logLevel"`
	LogFormat           string        `yaml:"logFormat"`
	SecurityLevel       string        `yaml:"securityLevel"`
	PolicyFile          string        `yaml:"policyFile"`
	WatchPolicy         bool          `yaml:"watchPolicy"`
	Certificates        []string      `yaml:"certificates"`
	MonitorUnauthorized bool          `yaml:"monitorUnauthorized"`
	Backend             string        `yaml:"backend"`
	USBIDsPath          string        `yaml:"usbIDsPath"`

	Audit   AuditConfig   `yaml:"audit"`
	Metrics MetricsConfig `yaml:"metrics"`
	NATS    NATSConfig    `yaml:"nats"`

	// Devices holds per-device settings keyed "vvvv:pppp".
	Devices map[string]DeviceSettings `yaml:"devices"`
}

// AuditConfig enables the SQLite security event journal.
type AuditConfig struct {
	Path string `yaml:"path"`
}

// MetricsConfig enables the Prometheus endpoint.
type MetricsConfig struct {
	Listen string `yaml:"listen"`
}

// NATSConfig enables event forwarding to NATS.
type NATSConfig struct {
	URL     string `yaml:"url"`
	Subject string `yaml:"subject"`
}

// DeviceSettings overrides behavior for one vendor/product pair.
type DeviceSettings struct {
	Alias         string `yaml:"alias"`
	AutoAuthorize bool   `yaml:"autoAuthorize"`
	// Monitor forces monitoring on or off; nil follows AutoConnect.
	Monitor *bool `yaml:"monitor"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		AutoConnect:       true,
		PollInterval:      time.Second,
		PowerInterval:     time.Second,
		BandwidthInterval: 100 * time.Millisecond,
		BandwidthWindow:   5 * time.Second,
		AnalysisInterval:  100 * time.Millisecond,
		MaxHistorySize:    1000,
		MaxEventHistory:   10000,
		LogLevel:          "info",
		LogFormat:         LogFormatText,
		SecurityLevel:     "medium",
		Backend:           BackendLinux,
		NATS:              NATSConfig{Subject: "usbwatch.events"},
	}
}

// Load reads path over the defaults. An empty path returns the defaults.
func Load(path string) (Config, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, errors.Join(pkg.ErrConfiguration, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes YAML over the defaults and validates the result. Unknown
// keys are rejected.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, errors.Join(pkg.ErrConfiguration, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks every field and canonicalizes device keys. Call it
// again after changing a loaded Config.
func (c *Config) Validate() error {
	var errs []error
	positive := func(name string, d time.Duration) {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", name, d))
		}
	}
	positive("pollInterval", c.PollInterval)
	positive("powerInterval", c.PowerInterval)
	positive("bandwidthInterval", c.BandwidthInterval)
	positive("bandwidthWindow", c.BandwidthWindow)
	positive("analysisInterval", c.AnalysisInterval)
	if c.BandwidthWindow < c.BandwidthInterval {
		errs = append(errs, fmt.Errorf("bandwidthWindow %s is shorter than bandwidthInterval %s",
			c.BandwidthWindow, c.BandwidthInterval))
	}
	if c.MaxHistorySize < 1 {
		errs = append(errs, fmt.Errorf("maxHistorySize must be at least 1, got %d", c.MaxHistorySize))
	}
	if c.MaxEventHistory < 1 {
		errs = append(errs, fmt.Errorf("maxEventHistory must be at least 1, got %d", c.MaxEventHistory))
	}
	if _, err := zapcore.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("logLevel: %w", err))
	}
	switch c.LogFormat {
	case LogFormatText, LogFormatJSON:
	default:
		errs = append(errs, fmt.Errorf("logFormat must be %q or %q, got %q", LogFormatText, LogFormatJSON, c.LogFormat))
	}
	if _, err := security.ParseLevel(c.SecurityLevel); err != nil {
		errs = append(errs, fmt.Errorf("securityLevel: %w", err))
	}
	switch c.Backend {
	case BackendLinux, BackendLibUSB:
	default:
		errs = append(errs, fmt.Errorf("backend must be %q or %q, got %q", BackendLinux, BackendLibUSB, c.Backend))
	}

	if len(c.Devices) > 0 {
		devices := make(map[string]DeviceSettings, len(c.Devices))
		for key, s := range c.Devices {
			norm, err := normalizeKey(key)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			if _, dup := devices[norm]; dup {
				errs = append(errs, fmt.Errorf("devices: %q duplicates another entry", key))
				continue
			}
			devices[norm] = s
		}
		c.Devices = devices
	}

	if len(errs) > 0 {
		return errors.Join(pkg.ErrConfiguration, errors.Join(errs...))
	}
	return nil
}

// normalizeKey converts "vvvv:pppp" in any case, with optional 0x
// prefixes, to the VVVV:PPPP form of usb.VendorProductKey.
func normalizeKey(key string) (string, error) {
	v, p, ok := strings.Cut(key, ":")
	if !ok {
		return "", fmt.Errorf("devices: key %q is not vvvv:pppp", key)
	}
	vid, err := usb.ParseHexID(v)
	if err != nil {
		return "", fmt.Errorf("devices: key %q: %w", key, err)
	}
	pid, err := usb.ParseHexID(p)
	if err != nil {
		return "", fmt.Errorf("devices: key %q: %w", key, err)
	}
	return usb.VendorProductKey(vid, pid), nil
}

// Device returns the settings for a vendor/product pair.
func (c Config) Device(vid, pid uint16) (DeviceSettings, bool) {
	s, ok := c.Devices[usb.VendorProductKey(vid, pid)]
	return s, ok
}

// ShouldMonitor reports whether a device is monitored: an explicit
// per-device setting wins over AutoConnect.
func (c Config) ShouldMonitor(vid, pid uint16) bool {
	if s, ok := c.Device(vid, pid); ok && s.Monitor != nil {
		return *s.Monitor
	}
	return c.AutoConnect
}

// Level returns the parsed security level.
func (c Config) Level() security.Level {
	level, err := security.ParseLevel(c.SecurityLevel)
	if err != nil {
		return security.LevelMedium
	}
	return level
}

// ZapLevel returns the parsed log level.
func (c Config) ZapLevel() zapcore.Level {
	level, err := zapcore.ParseLevel(c.LogLevel)
	if err != nil {
		return zapcore.InfoLevel
	}
	return level
}

// Format returns the log format for pkg.SetLogFormat.
func (c Config) Format() pkg.LogFormat {
	if c.LogFormat == LogFormatJSON {
		return pkg.LogFormatJSON
	}
	return pkg.LogFormatText
}
