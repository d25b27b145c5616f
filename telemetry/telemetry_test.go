package telemetry

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ardnew/usbwatch/backend"
	"github.com/ardnew/usbwatch/backend/fake"
	"github.com/ardnew/usbwatch/event"
	"github.com/ardnew/usbwatch/eventloop"
	"github.com/ardnew/usbwatch/pkg"
	"github.com/ardnew/usbwatch/registry"
	"github.com/ardnew/usbwatch/usb"
)

// =============================================================================
// Helpers
// =============================================================================

func openRecord(t *testing.T, b *fake.Backend, d *fake.Device) *registry.Record {
	t.Helper()
	h, err := b.Open(context.Background(), d.Info)
	require.NoError(t, err)
	dev := usb.Device{
		Identity:   d.Info.Identity,
		Descriptor: d.Descriptor,
		Speed:      d.Info.Speed,
		Config:     d.Config,
		HasBOS:     len(d.BOS) > 0,
	}
	return registry.NewDetachedRecord(d.Info, dev, h)
}

func plugged(speed usb.Speed) (*fake.Backend, *fake.Device) {
	b := fake.New()
	d := fake.NewDevice(0x0BDA, 0x8153, 2, 3, usb.ClassPerInterface, speed, usb.ClassVendorSpecific)
	if speed.IsSuperSpeed() {
		d.BOS = []byte{0x05, 0x0F, 0x05, 0x00, 0x00}
	}
	b.Plug(d)
	return b, d
}

// manualClock is a settable time source.
type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// blockingHandle holds every control transfer until release is closed.
type blockingHandle struct {
	backend.Handle
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (h *blockingHandle) Control(ctx context.Context, setup usb.Setup, data []byte, timeout time.Duration) (int, error) {
	h.once.Do(func() { close(h.entered) })
	<-h.release
	return h.Handle.Control(ctx, setup, data, timeout)
}

func idleLoop() *eventloop.Loop {
	return eventloop.New(eventloop.WithLogger(zap.NewNop()))
}

// =============================================================================
// Power
// =============================================================================

func TestPowerMonitor_StatusQuery(t *testing.T) {
	tests := []struct {
		name        string
		speed       usb.Speed
		wantVoltage float64
		wantPower   float64
	}{
		{"high speed", usb.SpeedHigh, 0, 0},
		{"super speed with BOS", usb.SpeedSuper, 5.0, 2500},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, d := plugged(tt.speed)
			b.SetStatusCurrent(d.Key(), 250)
			rec := openRecord(t, b, d)

			var events event.Recorder
			m := NewPowerMonitor(idleLoop(), WithPublisher(&events), WithLogger(zap.NewNop()))
			require.NoError(t, m.Start(rec))
			defer m.Stop(d.Key())

			stats := m.Stats(d.Key())
			assert.Equal(t, 500.0, stats.CurrentUsage)
			assert.Equal(t, tt.wantVoltage, stats.Voltage)
			assert.Equal(t, tt.wantPower, stats.PowerUsage)
			assert.Equal(t, 100.0, stats.MaxPower)
			assert.False(t, stats.SelfPowered)
			assert.True(t, m.SupportsDevicePower(d.Key()))
			assert.Equal(t, 1, events.Count(event.PowerStatsUpdated))
		})
	}
}

func TestPowerMonitor_StatusUnsupportedKeepsValues(t *testing.T) {
	b, d := plugged(usb.SpeedHigh)
	b.SetStatusCurrent(d.Key(), 50)
	rec := openRecord(t, b, d)

	var events event.Recorder
	m := NewPowerMonitor(idleLoop(), WithPublisher(&events), WithLogger(zap.NewNop()))
	require.NoError(t, m.Start(rec))
	defer m.Stop(d.Key())
	require.Equal(t, 100.0, m.Stats(d.Key()).CurrentUsage)

	// The device stops answering; the last reading stands and no error is
	// reported.
	b.ClearStatusCurrent(d.Key())
	m.sample(context.Background(), m.device(d.Key()))

	assert.Equal(t, 100.0, m.Stats(d.Key()).CurrentUsage)
	assert.Equal(t, 0, events.Count(event.MonitorError))
	assert.Equal(t, 2, events.Count(event.PowerStatsUpdated))
}

func TestPowerMonitor_ConfigFailureRetainsSnapshot(t *testing.T) {
	b, d := plugged(usb.SpeedHigh)
	b.SetStatusCurrent(d.Key(), 250)
	rec := openRecord(t, b, d)

	var events event.Recorder
	m := NewPowerMonitor(idleLoop(), WithPublisher(&events), WithLogger(zap.NewNop()))
	require.NoError(t, m.Start(rec))
	defer m.Stop(d.Key())

	b.SetConfigError(d.Key(), errors.New("stall"))
	m.sample(context.Background(), m.device(d.Key()))

	assert.Equal(t, 500.0, m.Stats(d.Key()).CurrentUsage)
	assert.Equal(t, 1, events.Count(event.MonitorError))
	assert.Equal(t, 1, events.Count(event.PowerStatsUpdated))
}

func TestPowerMonitor_StartStop(t *testing.T) {
	b, d := plugged(usb.SpeedFull)
	rec := openRecord(t, b, d)
	m := NewPowerMonitor(idleLoop(), WithLogger(zap.NewNop()))

	require.NoError(t, m.Start(rec))
	require.NoError(t, m.Start(rec))
	assert.Equal(t, 2, rec.Refs())
	assert.True(t, m.Monitoring(d.Key()))

	m.Stop(d.Key())
	m.Stop(d.Key())
	assert.Equal(t, 1, rec.Refs())
	assert.False(t, m.Monitoring(d.Key()))
	assert.Equal(t, PowerStats{}, m.Stats(d.Key()))
	assert.False(t, m.SupportsDevicePower(d.Key()))
}

func TestPowerMonitor_StartSamplesWithoutMonitorLock(t *testing.T) {
	b, d := plugged(usb.SpeedHigh)
	m := NewPowerMonitor(idleLoop(), WithLogger(zap.NewNop()))
	require.NoError(t, m.Start(openRecord(t, b, d)))
	defer m.Stop(d.Key())

	slowDev := fake.NewDevice(0x0483, 0x5740, 2, 4, usb.ClassComm, usb.SpeedFull, usb.ClassComm)
	b.Plug(slowDev)
	h, err := b.Open(context.Background(), slowDev.Info)
	require.NoError(t, err)
	slow := &blockingHandle{Handle: h, entered: make(chan struct{}), release: make(chan struct{})}
	rec := registry.NewDetachedRecord(slowDev.Info, usb.Device{
		Identity: slowDev.Info.Identity,
		Speed:    slowDev.Info.Speed,
		Config:   slowDev.Config,
	}, slow)

	done := make(chan error, 1)
	go func() { done <- m.Start(rec) }()
	<-slow.entered

	// Queries for other devices proceed while the first sample waits.
	assert.True(t, m.Monitoring(d.Key()))
	assert.Equal(t, 100.0, m.Stats(d.Key()).MaxPower)

	close(slow.release)
	require.NoError(t, <-done)
	assert.True(t, m.Monitoring(slowDev.Key()))
	m.Stop(slowDev.Key())
	assert.Equal(t, 1, rec.Refs())
}

func TestPowerMonitor_SetPowerState(t *testing.T) {
	b, d := plugged(usb.SpeedHigh)
	rec := openRecord(t, b, d)
	m := NewPowerMonitor(idleLoop(), WithLogger(zap.NewNop()))
	ctx := context.Background()

	assert.ErrorIs(t, m.SetPowerState(ctx, d.Key(), true), pkg.ErrDeviceNotFound)

	require.NoError(t, m.Start(rec))
	defer m.Stop(d.Key())
	require.NoError(t, m.SetPowerState(ctx, d.Key(), true))
	assert.True(t, b.Suspended(d.Key()))
	require.NoError(t, m.SetPowerState(ctx, d.Key(), false))
	assert.False(t, b.Suspended(d.Key()))
}

func TestPowerMonitor_NoTickAfterStop(t *testing.T) {
	b, d := plugged(usb.SpeedHigh)
	rec := openRecord(t, b, d)

	loop := idleLoop()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go loop.Run(ctx) //nolint:errcheck

	var events event.Recorder
	m := NewPowerMonitor(loop, WithPublisher(&events), WithLogger(zap.NewNop()), WithInterval(time.Millisecond))
	require.NoError(t, m.Start(rec))
	require.Eventually(t, func() bool {
		return events.Count(event.PowerStatsUpdated) > 3
	}, time.Second, time.Millisecond)

	m.Stop(d.Key())
	n := events.Count(event.PowerStatsUpdated)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, n, events.Count(event.PowerStatsUpdated))
}

// =============================================================================
// Bandwidth
// =============================================================================

func TestBandwidthMonitor_RateLaw(t *testing.T) {
	b, d := plugged(usb.SpeedHigh)
	rec := openRecord(t, b, d)
	clock := &manualClock{now: time.Unix(1_700_000_000, 0)}

	m := NewBandwidthMonitor(idleLoop(), WithLogger(zap.NewNop()), WithClock(clock.Now))
	require.NoError(t, m.Start(rec))
	defer m.Stop(d.Key())

	for i := 0; i < 10; i++ {
		clock.Advance(100 * time.Millisecond)
		m.AddTraffic(d.Key(), usb.DirectionIn, 4096)
		m.sample(m.device(d.Key()))
	}

	stats := m.Stats(d.Key())
	assert.InDelta(t, 40960, stats.ReadSpeed, 1)
	assert.Zero(t, stats.WriteSpeed)
	assert.Equal(t, uint64(40960), stats.BytesRead)
	assert.Equal(t, usb.SpeedHigh, stats.SpeedClass)
}

func TestBandwidthMonitor_SingleSampleHasNoSpeed(t *testing.T) {
	b, d := plugged(usb.SpeedHigh)
	rec := openRecord(t, b, d)
	m := NewBandwidthMonitor(idleLoop(), WithLogger(zap.NewNop()))

	m.AddTraffic(d.Key(), usb.DirectionOut, 100) // not monitored yet
	require.NoError(t, m.Start(rec))
	defer m.Stop(d.Key())

	stats := m.Stats(d.Key())
	assert.Zero(t, stats.ReadSpeed)
	assert.Zero(t, stats.BytesWritten)
}

func TestBandwidthMonitor_WindowPruning(t *testing.T) {
	b, d := plugged(usb.SpeedHigh)
	rec := openRecord(t, b, d)
	clock := &manualClock{now: time.Unix(1_700_000_000, 0)}

	m := NewBandwidthMonitor(idleLoop(),
		WithLogger(zap.NewNop()),
		WithClock(clock.Now),
		WithWindow(time.Second))
	require.NoError(t, m.Start(rec))
	defer m.Stop(d.Key())
	dev := m.device(d.Key())

	// A burst that ages out of the window.
	clock.Advance(100 * time.Millisecond)
	m.AddTraffic(d.Key(), usb.DirectionOut, 1_000_000)
	m.sample(dev)

	for i := 0; i < 20; i++ {
		clock.Advance(100 * time.Millisecond)
		m.AddTraffic(d.Key(), usb.DirectionOut, 100)
		m.sample(dev)
	}

	stats := m.Stats(d.Key())
	assert.InDelta(t, 1000, stats.WriteSpeed, 1)
	assert.Equal(t, uint64(1_002_000), stats.BytesWritten)

	dev.mutex.Lock()
	n := len(dev.samples)
	dev.mutex.Unlock()
	assert.Equal(t, 11, n)
}

func TestBandwidthMonitor_HostCounters(t *testing.T) {
	b, d := plugged(usb.SpeedHigh)
	b.AddTraffic(d.Key(), 5000, 0) // before monitoring, excluded
	rec := openRecord(t, b, d)
	clock := &manualClock{now: time.Unix(1_700_000_000, 0)}

	m := NewBandwidthMonitor(idleLoop(), WithLogger(zap.NewNop()), WithClock(clock.Now))
	require.NoError(t, m.Start(rec))
	defer m.Stop(d.Key())

	clock.Advance(time.Second)
	b.AddTraffic(d.Key(), 2048, 512)
	m.AddTraffic(d.Key(), usb.DirectionIn, 1024)
	m.sample(m.device(d.Key()))

	stats := m.Stats(d.Key())
	assert.Equal(t, uint64(3072), stats.BytesRead)
	assert.Equal(t, uint64(512), stats.BytesWritten)
	assert.InDelta(t, 3072, stats.ReadSpeed, 0.001)

	m.ResetStats(d.Key())
	assert.Equal(t, BandwidthStats{SpeedClass: usb.SpeedHigh}, m.Stats(d.Key()))
}

func TestBandwidthMonitor_StopAll(t *testing.T) {
	b, d := plugged(usb.SpeedHigh)
	rec := openRecord(t, b, d)
	m := NewBandwidthMonitor(idleLoop(), WithLogger(zap.NewNop()))
	require.NoError(t, m.Start(rec))

	m.StopAll()
	assert.False(t, m.Monitoring(d.Key()))
	assert.Equal(t, 1, rec.Refs())
}
