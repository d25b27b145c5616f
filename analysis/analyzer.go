package analysis

import (
	"context"
	"fmt"
	"math"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/ardnew/usbwatch/event"
	"github.com/ardnew/usbwatch/eventloop"
	"github.com/ardnew/usbwatch/pkg"
	"github.com/ardnew/usbwatch/registry"
	"github.com/ardnew/usbwatch/usb"
)

const (
	// DefaultInterval is the pattern evaluation period.
	DefaultInterval = 100 * time.Millisecond

	// DefaultMaxHistorySize caps each device's transfer history.
	DefaultMaxHistorySize = 1000

	// DefaultRecentTransfers is returned by RecentTransfers when no count
	// is given.
	DefaultRecentTransfers = 100

	// ErrorRateThreshold is the error rate above which an endpoint is
	// problematic.
	ErrorRateThreshold = 0.1

	// Transfer-error events per second allowed for one device.
	defaultErrorEventRate  = 20
	defaultErrorEventBurst = 20
)

// Transfer is one recorded transfer.
type Transfer struct {
	Time      time.Time          `json:"time"`
	Endpoint  uint8              `json:"endpoint"`
	Size      int                `json:"size"`
	Direction usb.Direction      `json:"direction"`
	Status    pkg.TransferStatus `json:"status"`
}

// EndpointStats summarizes one endpoint over a history window.
type EndpointStats struct {
	Address     uint8   `json:"address"`
	Count       int     `json:"count"`
	AverageSize float64 `json:"averageSize"`
	ErrorRate   float64 `json:"errorRate"`
}

// Pattern is the evaluation of a device's transfer history.
type Pattern struct {
	Time                    time.Time       `json:"time"`
	Device                  string          `json:"device"`
	PrimaryEndpoint         uint8           `json:"primaryEndpoint"`
	HasRegularTransferSizes bool            `json:"hasRegularTransferSizes"`
	ProblematicEndpoints    []uint8         `json:"problematicEndpoints"`
	Endpoints               []EndpointStats `json:"endpoints"`
}

// TransferError is the payload of event.TransferError.
type TransferError struct {
	Endpoint uint8  `json:"endpoint"`
	Status   string `json:"status"`
}

// TrafficSink receives the byte counts of recorded transfers, e.g. a
// telemetry.BandwidthMonitor.
type TrafficSink interface {
	AddTraffic(key string, dir usb.Direction, n int)
}

// Analyzer keeps per-device transfer histories and evaluates them for
// patterns and anomalies.
type Analyzer struct {
	loop     *eventloop.Loop
	pub      event.Publisher
	log      *zap.Logger
	interval time.Duration
	now      func() time.Time
	traffic  TrafficSink

	errRate  rate.Limit
	errBurst int

	mutex      sync.Mutex
	maxHistory int
	devices    map[string]*device
}

type device struct {
	rec     *registry.Record
	task    *eventloop.Task
	history *history
	limiter *rate.Limiter
}

// Option configures an Analyzer.
type Option func(*Analyzer)

// WithPublisher sets where patterns and transfer errors are published.
func WithPublisher(pub event.Publisher) Option {
	return func(a *Analyzer) { a.pub = pub }
}

// WithLogger sets the analyzer logger.
func WithLogger(log *zap.Logger) Option {
	return func(a *Analyzer) { a.log = log }
}

// WithInterval overrides the evaluation period.
func WithInterval(d time.Duration) Option {
	return func(a *Analyzer) {
		if d > 0 {
			a.interval = d
		}
	}
}

// WithMaxHistorySize sets the initial history cap.
func WithMaxHistorySize(n int) Option {
	return func(a *Analyzer) {
		if n > 0 {
			a.maxHistory = n
		}
	}
}

// WithTrafficSink forwards recorded transfer sizes to sink.
func WithTrafficSink(sink TrafficSink) Option {
	return func(a *Analyzer) { a.traffic = sink }
}

// WithErrorEventRate limits transfer-error events per device.
func WithErrorEventRate(perSecond float64, burst int) Option {
	return func(a *Analyzer) {
		a.errRate, a.errBurst = rate.Limit(perSecond), burst
	}
}

// WithClock replaces time.Now for transfer and pattern timestamps.
func WithClock(now func() time.Time) Option {
	return func(a *Analyzer) { a.now = now }
}

// New creates an analyzer whose ticks run on loop.
func New(loop *eventloop.Loop, opts ...Option) *Analyzer {
	a := &Analyzer{
		loop:       loop,
		pub:        event.Discard,
		log:        pkg.Logger(pkg.ComponentAnalysis),
		interval:   DefaultInterval,
		now:        time.Now,
		errRate:    defaultErrorEventRate,
		errBurst:   defaultErrorEventBurst,
		maxHistory: DefaultMaxHistorySize,
		devices:    make(map[string]*device),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Start begins monitoring rec with an empty history and schedules
// periodic evaluation. It is a no-op for a device already monitored.
func (a *Analyzer) Start(rec *registry.Record) error {
	key := rec.Key()

	a.mutex.Lock()
	defer a.mutex.Unlock()
	if _, ok := a.devices[key]; ok {
		return nil
	}
	if !rec.Acquire() {
		return fmt.Errorf("analyzer %s: %w", key, pkg.ErrDeviceNotFound)
	}

	d := &device{
		rec:     rec,
		history: newHistory(a.maxHistory),
		limiter: rate.NewLimiter(a.errRate, a.errBurst),
	}
	d.task = a.loop.Every("analysis/"+key, a.interval, func(context.Context) {
		a.tick(key)
	})
	a.devices[key] = d
	a.log.Debug("protocol analysis started", zap.String("key", key))
	return nil
}

// Stop cancels evaluation and discards key's history.
func (a *Analyzer) Stop(key string) {
	a.mutex.Lock()
	d, ok := a.devices[key]
	delete(a.devices, key)
	a.mutex.Unlock()
	if !ok {
		return
	}
	d.task.Cancel()
	d.rec.Release()
	a.log.Debug("protocol analysis stopped", zap.String("key", key))
}

// StopAll stops every monitored device.
func (a *Analyzer) StopAll() {
	a.mutex.Lock()
	keys := make([]string, 0, len(a.devices))
	for k := range a.devices {
		keys = append(keys, k)
	}
	a.mutex.Unlock()
	for _, k := range keys {
		a.Stop(k)
	}
}

// Monitoring reports whether key is being analyzed.
func (a *Analyzer) Monitoring(key string) bool {
	a.mutex.Lock()
	defer a.mutex.Unlock()
	_, ok := a.devices[key]
	return ok
}

// RecordTransfer appends a transfer to key's history, evicting the oldest
// beyond the cap. A failed transfer publishes TransferError, rate-limited
// per device. Transfers for unmonitored devices are ignored.
func (a *Analyzer) RecordTransfer(key string, endpoint uint8, size int, dir usb.Direction, status pkg.TransferStatus) {
	t := Transfer{
		Time:      a.now(),
		Endpoint:  endpoint,
		Size:      size,
		Direction: dir,
		Status:    status,
	}

	a.mutex.Lock()
	d, ok := a.devices[key]
	if !ok {
		a.mutex.Unlock()
		return
	}
	d.history.Push(t)
	notify := status.Failed() && d.limiter.Allow()
	a.mutex.Unlock()

	if a.traffic != nil {
		a.traffic.AddTraffic(key, dir, size)
	}
	if notify {
		a.pub.Publish(event.TransferError, key, TransferError{
			Endpoint: endpoint,
			Status:   status.String(),
		})
	}
}

// RecentTransfers returns up to maxCount of key's newest transfers, oldest
// first. A maxCount of zero or less means DefaultRecentTransfers.
func (a *Analyzer) RecentTransfers(key string, maxCount int) []Transfer {
	if maxCount <= 0 {
		maxCount = DefaultRecentTransfers
	}
	a.mutex.Lock()
	defer a.mutex.Unlock()
	d, ok := a.devices[key]
	if !ok {
		return nil
	}
	return d.history.Last(maxCount)
}

// ClearHistory empties key's history.
func (a *Analyzer) ClearHistory(key string) {
	a.mutex.Lock()
	defer a.mutex.Unlock()
	if d, ok := a.devices[key]; ok {
		d.history.Clear()
	}
}

// SetMaxHistorySize changes the history cap, trimming existing histories
// to their newest n transfers.
func (a *Analyzer) SetMaxHistorySize(n int) error {
	if n < 1 {
		return fmt.Errorf("max history size %d: %w", n, pkg.ErrInvalidParameter)
	}
	a.mutex.Lock()
	defer a.mutex.Unlock()
	a.maxHistory = n
	for _, d := range a.devices {
		d.history.Resize(n)
	}
	return nil
}

// MaxHistorySize returns the history cap.
func (a *Analyzer) MaxHistorySize() int {
	a.mutex.Lock()
	defer a.mutex.Unlock()
	return a.maxHistory
}

// Analyze evaluates key's current history. It reports false when the
// device is not monitored or its history is empty.
func (a *Analyzer) Analyze(key string) (Pattern, bool) {
	a.mutex.Lock()
	d, ok := a.devices[key]
	var transfers []Transfer
	if ok {
		transfers = d.history.Last(d.history.Len())
	}
	a.mutex.Unlock()

	if len(transfers) == 0 {
		return Pattern{}, false
	}
	p := Evaluate(transfers)
	p.Time = a.now()
	p.Device = key
	return p, true
}

func (a *Analyzer) tick(key string) {
	if p, ok := a.Analyze(key); ok {
		a.pub.Publish(event.ProtocolPatternDetected, key, p)
	}
}

// Evaluate computes per-endpoint statistics over transfers. The primary
// endpoint is the most frequent one, ties going to the lowest address.
// Sizes are regular when every endpoint's average is within one byte of
// the lowest-addressed endpoint's. Endpoints whose error rate exceeds
// ErrorRateThreshold are problematic.
func Evaluate(transfers []Transfer) Pattern {
	type acc struct {
		count, errors int
		bytes         int
	}
	byEndpoint := make(map[uint8]*acc)
	for _, t := range transfers {
		e := byEndpoint[t.Endpoint]
		if e == nil {
			e = &acc{}
			byEndpoint[t.Endpoint] = e
		}
		e.count++
		e.bytes += t.Size
		if t.Status.Failed() {
			e.errors++
		}
	}

	addrs := make([]uint8, 0, len(byEndpoint))
	for addr := range byEndpoint {
		addrs = append(addrs, addr)
	}
	slices.Sort(addrs)

	p := Pattern{
		HasRegularTransferSizes: true,
		ProblematicEndpoints:    []uint8{},
	}
	best := -1
	var firstAvg float64
	for i, addr := range addrs {
		e := byEndpoint[addr]
		s := EndpointStats{
			Address:     addr,
			Count:       e.count,
			AverageSize: float64(e.bytes) / float64(e.count),
			ErrorRate:   float64(e.errors) / float64(e.count),
		}
		p.Endpoints = append(p.Endpoints, s)

		if e.count > best {
			best = e.count
			p.PrimaryEndpoint = addr
		}
		if i == 0 {
			firstAvg = s.AverageSize
		} else if math.Abs(s.AverageSize-firstAvg) > 1 {
			p.HasRegularTransferSizes = false
		}
		if s.ErrorRate > ErrorRateThreshold {
			p.ProblematicEndpoints = append(p.ProblematicEndpoints, addr)
		}
	}
	return p
}

var (
	_ registry.Monitor          = (*Analyzer)(nil)
	_ registry.TransferObserver = (*Analyzer)(nil)
)
