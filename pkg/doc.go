// Package pkg provides shared utilities for usbwatch.
//
// This package contains functionality used across the registry, monitors,
// analyzer and security layers:
//
//   - Structured logging built on [go.uber.org/zap]
//   - Sentinel errors forming the device-access and policy error taxonomy
//   - Component identifiers used to name loggers
//
// # Logging
//
// Every component receives a named logger. Packages default to the root
// logger configured here; cmd/usbwatch replaces it at startup:
//
//	pkg.SetLogLevel(zapcore.DebugLevel)
//	log := pkg.Logger(pkg.ComponentRegistry)
//	log.Info("device added", zap.String("key", key))
//
// # Errors
//
// Backend failures are mapped onto sentinel values:
//
//	if errors.Is(err, pkg.ErrAccessDenied) {
//	    // device node not readable by this user
//	}
package pkg
