package main

import (
	"github.com/paularlott/cli"

	"github.com/ardnew/usbwatch/config"
	"github.com/ardnew/usbwatch/pkg"
)

// Flag names shared by the commands that load a configuration.
const (
	flagConfig        = "config"
	flagLogLevel      = "log-level"
	flagLogFormat     = "log-format"
	flagBackend       = "backend"
	flagSecurityLevel = "security-level"
	flagPolicy        = "policy"
	flagUSBIDs        = "usb-ids"
	flagAudit         = "audit-db"
	flagMetrics       = "metrics-listen"
	flagNATS          = "nats-url"
)

// configFlags returns the flags that override the configuration file.
// Empty values leave the file's setting in place.
func configFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{Name: flagConfig, Usage: "Path to the YAML configuration file", EnvVars: []string{"USBWATCH_CONFIG"}},
		&cli.StringFlag{Name: flagLogLevel, Usage: "Log level (debug, info, warn, error)", EnvVars: []string{"USBWATCH_LOG_LEVEL"}},
		&cli.StringFlag{Name: flagLogFormat, Usage: "Log format (text, json)", EnvVars: []string{"USBWATCH_LOG_FORMAT"}},
		&cli.StringFlag{Name: flagBackend, Usage: "Device backend (linux, libusb)", EnvVars: []string{"USBWATCH_BACKEND"}},
		&cli.StringFlag{Name: flagSecurityLevel, Usage: "Security level (low, medium, high, custom)", EnvVars: []string{"USBWATCH_SECURITY_LEVEL"}},
		&cli.StringFlag{Name: flagPolicy, Usage: "Path to the JSON policy file", EnvVars: []string{"USBWATCH_POLICY"}},
		&cli.StringFlag{Name: flagUSBIDs, Usage: "Path to a usb.ids database", EnvVars: []string{"USBWATCH_USB_IDS"}},
	}
}

// sinkFlags returns the flags that enable the event sinks.
func sinkFlags() []cli.Flag {
	return []cli.Flag{
		auditFlag(),
		&cli.StringFlag{Name: flagMetrics, Usage: "Address to serve Prometheus metrics on, e.g. :9109", EnvVars: []string{"USBWATCH_METRICS_LISTEN"}},
		&cli.StringFlag{Name: flagNATS, Usage: "NATS server URL to forward events to", EnvVars: []string{"USBWATCH_NATS_URL"}},
	}
}

func auditFlag() cli.Flag {
	return &cli.StringFlag{Name: flagAudit, Usage: "Path to the SQLite security audit journal", EnvVars: []string{"USBWATCH_AUDIT_DB"}}
}

// flagGetter is the part of *cli.Command used to read flag values.
type flagGetter interface {
	GetString(name string) string
}

// loadConfig reads the configuration named by the flags, applies the flag
// overrides and installs the resulting log settings.
func loadConfig(cmd flagGetter) (config.Config, error) {
	cfg, err := config.Load(cmd.GetString(flagConfig))
	if err != nil {
		return config.Config{}, err
	}
	overrides := []struct {
		flag string
		dst  *string
	}{
		{flagLogLevel, &cfg.LogLevel},
		{flagLogFormat, &cfg.LogFormat},
		{flagBackend, &cfg.Backend},
		{flagSecurityLevel, &cfg.SecurityLevel},
		{flagPolicy, &cfg.PolicyFile},
		{flagUSBIDs, &cfg.USBIDsPath},
		{flagAudit, &cfg.Audit.Path},
		{flagMetrics, &cfg.Metrics.Listen},
		{flagNATS, &cfg.NATS.URL},
	}
	for _, o := range overrides {
		if v := cmd.GetString(o.flag); v != "" {
			*o.dst = v
		}
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}

	pkg.SetLogFormat(cfg.Format())
	pkg.SetLogLevel(cfg.ZapLevel())
	return cfg, nil
}
