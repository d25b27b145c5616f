package telemetry

import (
	"context"
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

const (
	// DefaultBandwidthInterval is the bandwidth sampling period.
	DefaultBandwidthInterval = 100 * time.Millisecond

	// DefaultBandwidthWindow is the span of samples used for speeds.
	DefaultBandwidthWindow = 5 * time.Second
)

// BandwidthStats is the latest throughput snapshot of a device. Byte
// counts are monotonic totals; speeds are bytes per second over the
// sliding window.
type BandwidthStats struct {
	BytesRead    uint64    `json:"bytesRead"`
	BytesWritten uint64    `json:"bytesWritten"`
	ReadSpeed    float64   `json:"readSpeed"`
	WriteSpeed   float64   `json:"writeSpeed"`
	SpeedClass   usb.Speed `json:"speedClass"`
}

// BandwidthMonitor measures per-device throughput. Traffic is reported
// through AddTraffic and, when the backend handle keeps counters, read from
// the host.
type BandwidthMonitor struct {
	loop     *eventloop.Loop
	pub      event.Publisher
	log      *zap.Logger
	interval time.Duration
	window   time.Duration
	now      func() time.Time

	mutex   sync.Mutex
	devices map[string]*bandwidthDevice
}

type sample struct {
	at            time.Time
	read, written uint64
}

type bandwidthDevice struct {
	rec     *registry.Record
	task    *eventloop.Task
	counter backend.TrafficCounter

	mutex sync.Mutex
	// Traffic reported through AddTraffic.
	added struct{ read, written uint64 }
	// Host counter values subtracted from later readings.
	base    struct{ read, written uint64 }
	samples []sample
	stats   BandwidthStats
}

// NewBandwidthMonitor creates a bandwidth monitor whose ticks run on loop.
func NewBandwidthMonitor(loop *eventloop.Loop, opts ...Option) *BandwidthMonitor {
	o := newOptions(DefaultBandwidthInterval, opts)
	return &BandwidthMonitor{
		loop:     loop,
		pub:      o.pub,
		log:      o.log,
		interval: o.interval,
		window:   o.window,
		now:      o.clock,
		devices:  make(map[string]*bandwidthDevice),
	}
}

// Start samples rec once and schedules periodic sampling. It is a no-op
// for a device already monitored.
func (m *BandwidthMonitor) Start(rec *registry.Record) error {
	key := rec.Key()

	m.mutex.Lock()
	defer m.mutex.Unlock()
	if _, ok := m.devices[key]; ok {
		return nil
	}
	if !rec.Acquire() {
		return fmt.Errorf("bandwidth monitor %s: %w", key, pkg.ErrDeviceNotFound)
	}

	d := &bandwidthDevice{rec: rec}
	d.stats.SpeedClass = rec.Device().Speed
	if tc, ok := rec.Handle().(backend.TrafficCounter); ok {
		if r, w, err := tc.Traffic(); err == nil {
			d.counter = tc
			d.base.read, d.base.written = r, w
		}
	}

	m.sample(d)
	d.task = m.loop.Every("bandwidth/"+key, m.interval, func(context.Context) {
		m.sample(d)
	})
	m.devices[key] = d
	m.log.Debug("bandwidth monitoring started", zap.String("key", key))
	return nil
}

// Stop cancels sampling and discards the device's state. When Stop
// returns no further BandwidthStatsUpdated is published for key.
func (m *BandwidthMonitor) Stop(key string) {
	m.mutex.Lock()
	d, ok := m.devices[key]
	delete(m.devices, key)
	m.mutex.Unlock()
	if !ok {
		return
	}
	d.task.Cancel()
	d.rec.Release()
	m.log.Debug("bandwidth monitoring stopped", zap.String("key", key))
}

// StopAll stops every monitored device.
func (m *BandwidthMonitor) StopAll() {
	m.mutex.Lock()
	keys := make([]string, 0, len(m.devices))
	for k := range m.devices {
		keys = append(keys, k)
	}
	m.mutex.Unlock()
	for _, k := range keys {
		m.Stop(k)
	}
}

// Monitoring reports whether key is being sampled.
func (m *BandwidthMonitor) Monitoring(key string) bool {
	return m.device(key) != nil
}

// Stats returns the last snapshot for key, or the zero value.
func (m *BandwidthMonitor) Stats(key string) BandwidthStats {
	d := m.device(key)
	if d == nil {
		return BandwidthStats{}
	}
	d.mutex.Lock()
	defer d.mutex.Unlock()
	return d.stats
}

// AddTraffic accounts n bytes transferred in dir. Traffic for devices that
// are not monitored is ignored.
func (m *BandwidthMonitor) AddTraffic(key string, dir usb.Direction, n int) {
	if n <= 0 {
		return
	}
	d := m.device(key)
	if d == nil {
		return
	}
	d.mutex.Lock()
	if dir == usb.DirectionIn {
		d.added.read += uint64(n)
	} else {
		d.added.written += uint64(n)
	}
	d.mutex.Unlock()
}

// ResetStats zeroes key's totals and clears its window.
func (m *BandwidthMonitor) ResetStats(key string) {
	d := m.device(key)
	if d == nil {
		return
	}
	d.mutex.Lock()
	defer d.mutex.Unlock()
	d.added.read, d.added.written = 0, 0
	if d.counter != nil {
		if r, w, err := d.counter.Traffic(); err == nil {
			d.base.read, d.base.written = r, w
		}
	}
	d.samples = nil
	d.stats = BandwidthStats{SpeedClass: d.stats.SpeedClass}
}

func (m *BandwidthMonitor) device(key string) *bandwidthDevice {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.devices[key]
}

// sample appends the current totals to the window, prunes samples older
// than the window and publishes the recomputed speeds.
func (m *BandwidthMonitor) sample(d *bandwidthDevice) {
	key := d.rec.Key()

	var hostRead, hostWritten uint64
	if d.counter != nil {
		r, w, err := d.counter.Traffic()
		if err != nil {
			m.log.Warn("bandwidth sample failed", zap.String("key", key), zap.Error(err))
			m.pub.Publish(event.MonitorError, key, event.Failure{Source: "bandwidth", Reason: err.Error()})
			return
		}
		hostRead, hostWritten = r, w
	}

	d.mutex.Lock()
	s := sample{at: m.now(), read: d.added.read, written: d.added.written}
	if d.counter != nil {
		s.read += hostRead - d.base.read
		s.written += hostWritten - d.base.written
	}
	d.samples = append(d.samples, s)
	d.samples = prune(d.samples, s.at, m.window)

	d.stats.BytesRead = s.read
	d.stats.BytesWritten = s.written
	d.stats.ReadSpeed, d.stats.WriteSpeed = speeds(d.samples)
	stats := d.stats
	d.mutex.Unlock()

	m.pub.Publish(event.BandwidthStatsUpdated, key, stats)
}

// prune drops samples older than window relative to now.
func prune(samples []sample, now time.Time, window time.Duration) []sample {
	i := 0
	for i < len(samples) && now.Sub(samples[i].at) > window {
		i++
	}
	if i == 0 {
		return samples
	}
	return append(samples[:0], samples[i:]...)
}

// speeds returns bytes per second between the oldest and newest sample.
func speeds(samples []sample) (read, written float64) {
	if len(samples) < 2 {
		return 0, 0
	}
	first, last := samples[0], samples[len(samples)-1]
	span := last.at.Sub(first.at).Seconds()
	if span <= 0 {
		return 0, 0
	}
	return float64(last.read-first.read) / span, float64(last.written-first.written) / span
}

var _ registry.Monitor = (*BandwidthMonitor)(nil)
