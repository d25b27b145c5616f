package main

import (
	"context"

	"go.uber.org/zap"

	"github.com/ardnew/usbwatch/config"
	"github.com/ardnew/usbwatch/event"
	"github.com/ardnew/usbwatch/registry"
	"github.com/ardnew/usbwatch/usb"
)

// admissionGate admits devices configured with autoAuthorize without
// consulting next.
func admissionGate(cfg config.Config, next registry.Gate, log *zap.Logger) registry.Gate {
	return registry.GateFunc(func(ctx context.Context, dev *usb.Device) bool {
		if s, ok := cfg.Device(dev.VendorID, dev.ProductID); ok && s.AutoAuthorize {
			log.Info("device auto-authorized",
				zap.String("key", dev.Key()),
				zap.String("alias", s.Alias))
			return true
		}
		return next.Admit(ctx, dev)
	})
}

// monitorFilter applies the autoConnect and per-device monitor settings.
func monitorFilter(cfg config.Config) func(*usb.Device) bool {
	return func(dev *usb.Device) bool {
		return cfg.ShouldMonitor(dev.VendorID, dev.ProductID)
	}
}

// deviceName returns the configured alias for a device, falling back to
// its description.
func deviceName(cfg config.Config, dev *usb.Device) string {
	if s, ok := cfg.Device(dev.VendorID, dev.ProductID); ok && s.Alias != "" {
		return s.Alias
	}
	if dev.Description != "" {
		return dev.Description
	}
	return dev.Product
}

// lifecycleLogger logs arrivals and removals of aliased devices under
// their alias.
func lifecycleLogger(cfg config.Config, log *zap.Logger) event.Handler {
	return func(ev event.Event) {
		sum, ok := ev.Payload.(registry.Summary)
		if !ok {
			return
		}
		s, ok := cfg.Device(sum.VendorID, sum.ProductID)
		if !ok || s.Alias == "" {
			return
		}
		log.Info(string(ev.Kind), zap.String("key", ev.Device), zap.String("alias", s.Alias))
	}
}
