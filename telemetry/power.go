package telemetry

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ardnew/usbwatch/backend"
	"github.com/ardnew/usbwatch/event"
	"github.com/ardnew/usbwatch/eventloop"
	"github.com/ardnew/usbwatch/pkg"
	"github.com/ardnew/usbwatch/registry"
	"github.com/ardnew/usbwatch/usb"
)

// DefaultPowerInterval is the power sampling period.
const DefaultPowerInterval = time.Second

// statusTimeout bounds the device-status query.
const statusTimeout = time.Second

// superSpeedVoltage is reported for SuperSpeed devices that carry a BOS
// descriptor.
const superSpeedVoltage = 5.0

// PowerStats is the latest power snapshot of a device.
type PowerStats struct {
	CurrentUsage float64 `json:"currentUsage"` // mA
	Voltage      float64 `json:"voltage"`      // V
	PowerUsage   float64 `json:"powerUsage"`   // mW
	SelfPowered  bool    `json:"selfPowered"`
	MaxPower     float64 `json:"maxPower"` // mA
}

// PowerMonitor samples the power draw of monitored devices.
type PowerMonitor struct {
	loop     *eventloop.Loop
	pub      event.Publisher
	log      *zap.Logger
	interval time.Duration

	mutex   sync.Mutex
	devices map[string]*powerDevice
}

type powerDevice struct {
	rec  *registry.Record
	task *eventloop.Task

	mutex           sync.Mutex
	stats           PowerStats
	statusSupported bool
}

// NewPowerMonitor creates a power monitor whose ticks run on loop.
func NewPowerMonitor(loop *eventloop.Loop, opts ...Option) *PowerMonitor {
	o := newOptions(DefaultPowerInterval, opts)
	return &PowerMonitor{
		loop:     loop,
		pub:      o.pub,
		log:      o.log,
		interval: o.interval,
		devices:  make(map[string]*powerDevice),
	}
}

// Start samples rec once and schedules periodic sampling. It is a no-op
// for a device already monitored.
func (m *PowerMonitor) Start(rec *registry.Record) error {
	key := rec.Key()

	m.mutex.Lock()
	if _, ok := m.devices[key]; ok {
		m.mutex.Unlock()
		return nil
	}
	if !rec.Acquire() {
		m.mutex.Unlock()
		return fmt.Errorf("power monitor %s: %w", key, pkg.ErrDeviceNotFound)
	}
	d := &powerDevice{rec: rec}
	m.devices[key] = d
	m.mutex.Unlock()

	// The first sample does device I/O, so it runs without m.mutex.
	m.sample(context.Background(), d)

	m.mutex.Lock()
	defer m.mutex.Unlock()
	if m.devices[key] != d {
		// Stopped while sampling.
		return nil
	}
	d.task = m.loop.Every("power/"+key, m.interval, func(ctx context.Context) {
		m.sample(ctx, d)
	})
	m.log.Debug("power monitoring started", zap.String("key", key))
	return nil
}

// Stop cancels sampling and discards the device's state. When Stop
// returns no further PowerStatsUpdated is published for key.
func (m *PowerMonitor) Stop(key string) {
	m.mutex.Lock()
	d, ok := m.devices[key]
	delete(m.devices, key)
	m.mutex.Unlock()
	if !ok {
		return
	}
	d.task.Cancel()
	d.rec.Release()
	m.log.Debug("power monitoring stopped", zap.String("key", key))
}

// StopAll stops every monitored device.
func (m *PowerMonitor) StopAll() {
	for _, key := range m.keys() {
		m.Stop(key)
	}
}

func (m *PowerMonitor) keys() []string {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	keys := make([]string, 0, len(m.devices))
	for k := range m.devices {
		keys = append(keys, k)
	}
	return keys
}

// Monitoring reports whether key is being sampled.
func (m *PowerMonitor) Monitoring(key string) bool {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	_, ok := m.devices[key]
	return ok
}

// Stats returns the last snapshot for key, or the zero value.
func (m *PowerMonitor) Stats(key string) PowerStats {
	d := m.device(key)
	if d == nil {
		return PowerStats{}
	}
	d.mutex.Lock()
	defer d.mutex.Unlock()
	return d.stats
}

// SupportsDevicePower reports whether key declares a power budget or
// answers the device-status query.
func (m *PowerMonitor) SupportsDevicePower(key string) bool {
	d := m.device(key)
	if d == nil {
		return false
	}
	d.mutex.Lock()
	defer d.mutex.Unlock()
	return d.stats.MaxPower > 0 || d.statusSupported
}

// SetPowerState suspends or resumes a monitored device. It fails with
// pkg.ErrNotSupported when the backend cannot control device power.
func (m *PowerMonitor) SetPowerState(ctx context.Context, key string, suspended bool) error {
	d := m.device(key)
	if d == nil {
		return fmt.Errorf("set power state %s: %w", key, pkg.ErrDeviceNotFound)
	}
	pc, ok := d.rec.Handle().(backend.PowerController)
	if !ok {
		return fmt.Errorf("set power state %s: %w", key, pkg.ErrNotSupported)
	}
	if err := pc.SetSuspended(ctx, suspended); err != nil {
		return fmt.Errorf("set power state %s: %w", key, err)
	}
	m.log.Info("power state changed",
		zap.String("key", key),
		zap.Bool("suspended", suspended))
	return nil
}

func (m *PowerMonitor) device(key string) *powerDevice {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.devices[key]
}

// sample refreshes d's snapshot. A failed configuration read keeps the
// previous snapshot and publishes MonitorError; an unanswered status query
// only leaves the current reading unchanged.
func (m *PowerMonitor) sample(ctx context.Context, d *powerDevice) {
	key := d.rec.Key()
	dev := d.rec.Device()
	h := d.rec.Handle()

	cfg := dev.Config
	if h != nil {
		var err error
		if cfg, err = h.ActiveConfig(ctx); err != nil {
			m.log.Warn("power sample failed", zap.String("key", key), zap.Error(err))
			m.pub.Publish(event.MonitorError, key, event.Failure{Source: "power", Reason: err.Error()})
			return
		}
	}

	d.mutex.Lock()
	stats := d.stats
	d.mutex.Unlock()

	stats.MaxPower = float64(cfg.MaxPower)
	stats.SelfPowered = cfg.SelfPowered()

	supported := false
	if h != nil {
		if current, ok := queryCurrent(ctx, h); ok {
			supported = true
			stats.CurrentUsage = current
			if dev.Speed.IsSuperSpeed() && dev.HasBOS {
				stats.Voltage = superSpeedVoltage
			}
			stats.PowerUsage = stats.CurrentUsage * stats.Voltage
		}
	}

	d.mutex.Lock()
	d.stats = stats
	d.statusSupported = d.statusSupported || supported
	d.mutex.Unlock()

	m.pub.Publish(event.PowerStatsUpdated, key, stats)
}

// queryCurrent issues the device-status query and returns the reported
// current in mA.
func queryCurrent(ctx context.Context, h backend.Handle) (float64, bool) {
	var buf [2]byte
	n, err := h.Control(ctx, usb.DeviceStatusSetup(), buf[:], statusTimeout)
	if err != nil || n != len(buf) {
		return 0, false
	}
	return float64(binary.LittleEndian.Uint16(buf[:])) * 2, true
}

var _ registry.Monitor = (*PowerMonitor)(nil)
