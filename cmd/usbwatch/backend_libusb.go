//go:build libusb

package main

import (
	"go.uber.org/zap"

	"github.com/ardnew/usbwatch/backend"
	"github.com/ardnew/usbwatch/backend/libusb"
	"github.com/ardnew/usbwatch/config"
)

func init() {
	registerBackend(config.BackendLibUSB, func(log *zap.Logger) backend.Backend {
		return libusb.New(libusb.WithLogger(log))
	})
}
