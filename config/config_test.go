package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/ardnew/usbwatch/pkg"
	"github.com/ardnew/usbwatch/security"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)

	empty := filepath.Join(t.TempDir(), "empty.yaml")
	require.NoError(t, os.WriteFile(empty, nil, 0o600))
	cfg, err = Load(empty)
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)

	assert.True(t, cfg.AutoConnect)
	assert.Equal(t, time.Second, cfg.PollInterval)
	assert.Equal(t, 100*time.Millisecond, cfg.BandwidthInterval)
	assert.Equal(t, 5*time.Second, cfg.BandwidthWindow)
	assert.Equal(t, 1000, cfg.MaxHistorySize)
	assert.Equal(t, 10000, cfg.MaxEventHistory)
	assert.Equal(t, security.LevelMedium, cfg.Level())
	assert.Equal(t, zapcore.InfoLevel, cfg.ZapLevel())
	assert.Equal(t, pkg.LogFormatText, cfg.Format())
	assert.Equal(t, "usbwatch.events", cfg.NATS.Subject)
}

func TestParse(t *testing.T) {
	cfg, err := Parse([]byte(`
autoConnect: false
pollInterval: 2s
bandwidthWindow: 10s
logLevel: debug
logFormat: json
securityLevel: high
policyFile: /etc/usbwatch/policy.json
watchPolicy: true
certificates: [/etc/usbwatch/vendor.pem]
backend: libusb
audit:
  path: /var/lib/usbwatch/audit.db
metrics:
  listen: ":9109"
nats:
  url: nats://localhost:4222
devices:
  "046d:c52b":
    alias: receiver
    autoAuthorize: true
  "0x0483:0x5740":
    monitor: true
  "1D6B:0002":
    monitor: false
`))
	require.NoError(t, err)

	assert.False(t, cfg.AutoConnect)
	assert.Equal(t, 2*time.Second, cfg.PollInterval)
	assert.Equal(t, time.Second, cfg.PowerInterval)
	assert.Equal(t, 10*time.Second, cfg.BandwidthWindow)
	assert.Equal(t, zapcore.DebugLevel, cfg.ZapLevel())
	assert.Equal(t, pkg.LogFormatJSON, cfg.Format())
	assert.Equal(t, security.LevelHigh, cfg.Level())
	assert.True(t, cfg.WatchPolicy)
	assert.Equal(t, []string{"/etc/usbwatch/vendor.pem"}, cfg.Certificates)
	assert.Equal(t, BackendLibUSB, cfg.Backend)
	assert.Equal(t, "/var/lib/usbwatch/audit.db", cfg.Audit.Path)
	assert.Equal(t, ":9109", cfg.Metrics.Listen)
	assert.Equal(t, "nats://localhost:4222", cfg.NATS.URL)
	assert.Equal(t, "usbwatch.events", cfg.NATS.Subject)

	s, ok := cfg.Device(0x046D, 0xC52B)
	require.True(t, ok)
	assert.Equal(t, "receiver", s.Alias)
	assert.True(t, s.AutoAuthorize)

	assert.False(t, cfg.ShouldMonitor(0x046D, 0xC52B))
	assert.True(t, cfg.ShouldMonitor(0x0483, 0x5740))
	assert.False(t, cfg.ShouldMonitor(0x1D6B, 0x0002))
	assert.False(t, cfg.ShouldMonitor(0xFFFF, 0x0001))
}

func TestParse_Invalid(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"syntax", "pollInterval: [1"},
		{"unknown key", "pollIntervl: 1s"},
		{"integer duration", "pollInterval: 1000"},
		{"zero interval", "powerInterval: 0s"},
		{"window shorter than interval", "bandwidthInterval: 2s\nbandwidthWindow: 1s"},
		{"history", "maxHistorySize: 0"},
		{"log level", "logLevel: loud"},
		{"log format", "logFormat: xml"},
		{"security level", "securityLevel: paranoid"},
		{"backend", "backend: winusb"},
		{"device key", "devices:\n  receiver:\n    alias: x"},
		{"device id", "devices:\n  \"046d:zzzz\":\n    alias: x"},
		{"duplicate device", "devices:\n  \"046d:c52b\": {}\n  \"046D:C52B\": {}"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.doc))
			assert.ErrorIs(t, err, pkg.ErrConfiguration)
		})
	}
}

func TestLoad_Missing(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorIs(t, err, pkg.ErrConfiguration)
	assert.ErrorIs(t, err, os.ErrNotExist)
}
