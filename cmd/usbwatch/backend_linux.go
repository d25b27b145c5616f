//go:build linux

package main

import (
	"go.uber.org/zap"

	"github.com/ardnew/usbwatch/backend"
	"github.com/ardnew/usbwatch/backend/linux"
	"github.com/ardnew/usbwatch/config"
)

func init() {
	registerBackend(config.BackendLinux, func(log *zap.Logger) backend.Backend {
		return linux.New(linux.WithLogger(log))
	})
}
