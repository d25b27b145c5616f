package telemetry

import (
	"time"

	"go.uber.org/zap"

	"github.com/ardnew/usbwatch/event"
	"github.com/ardnew/usbwatch/pkg"
)

// Option configures a monitor.
type Option func(*options)

type options struct {
	pub      event.Publisher
	log      *zap.Logger
	interval time.Duration
	window   time.Duration
	clock    func() time.Time
}

func newOptions(interval time.Duration, opts []Option) options {
	o := options{
		pub:      event.Discard,
		log:      pkg.Logger(pkg.ComponentTelemetry),
		interval: interval,
		window:   DefaultBandwidthWindow,
		clock:    time.Now,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WithPublisher sets where stats updates are published.
func WithPublisher(pub event.Publisher) Option {
	return func(o *options) { o.pub = pub }
}

// WithLogger sets the monitor logger.
func WithLogger(log *zap.Logger) Option {
	return func(o *options) { o.log = log }
}

// WithInterval overrides the sampling period.
func WithInterval(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.interval = d
		}
	}
}

// WithWindow overrides the bandwidth sliding-window length.
func WithWindow(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.window = d
		}
	}
}

// WithClock replaces time.Now for bandwidth sampling.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.clock = now }
}
