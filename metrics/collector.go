package metrics

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/ardnew/usbwatch/event"
	"github.com/ardnew/usbwatch/pkg"
	"github.com/ardnew/usbwatch/security"
	"github.com/ardnew/usbwatch/telemetry"
)

// Authorization decision labels.
const (
	ResultGranted = "granted"
	ResultDenied  = "denied"
	ResultRevoked = "revoked"
	ResultBlocked = "blocked"
)

// Bandwidth direction labels.
const (
	DirectionRead  = "read"
	DirectionWrite = "write"
)

// Subscriber is the part of event.Bus the collector needs.
type Subscriber interface {
	Subscribe(h event.Handler, kinds ...event.Kind) func()
}

// Option configures a Collector.
type Option func(*Collector)

// WithLogger sets the logger.
func WithLogger(log *zap.Logger) Option {
	return func(c *Collector) {
		if log != nil {
			c.log = log
		}
	}
}

// Collector holds the usbwatch metrics.
type Collector struct {
	DevicesConnected       prometheus.Gauge
	DeviceEvents           *prometheus.CounterVec
	PowerCurrent           *prometheus.GaugeVec
	Bandwidth              *prometheus.GaugeVec
	TransferErrors         *prometheus.CounterVec
	SecurityEvents         *prometheus.CounterVec
	AuthorizationDecisions *prometheus.CounterVec

	gatherer prometheus.Gatherer
	log      *zap.Logger

	mutex       sync.Mutex
	connected   map[string]bool
	unsubscribe []func()
}

// NewCollector creates the metrics and registers them on reg. It panics if
// registration fails. When reg is also a Gatherer, Handler serves it.
func NewCollector(reg prometheus.Registerer, opts ...Option) *Collector {
	c := &Collector{
		DevicesConnected: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "usbwatch_devices_connected",
				Help: "Number of monitored devices currently attached",
			},
		),
		DeviceEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "usbwatch_device_events_total",
				Help: "Total number of events published, by kind",
			},
			[]string{"kind"},
		),
		PowerCurrent: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "usbwatch_power_current_milliamps",
				Help: "Last sampled current draw of a device in milliamps",
			},
			[]string{"device"},
		),
		Bandwidth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "usbwatch_bandwidth_bytes_per_second",
				Help: "Sliding-window throughput of a device in bytes per second",
			},
			[]string{"device", "direction"},
		),
		TransferErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "usbwatch_transfer_errors_total",
				Help: "Total number of failed transfers, by device",
			},
			[]string{"device"},
		),
		SecurityEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "usbwatch_security_events_total",
				Help: "Total number of security events logged, by type",
			},
			[]string{"kind"},
		),
		AuthorizationDecisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "usbwatch_authorization_decisions_total",
				Help: "Total number of authorization decisions, by result",
			},
			[]string{"result"},
		),
		gatherer:  prometheus.DefaultGatherer,
		log:       pkg.Logger(pkg.ComponentMetrics),
		connected: make(map[string]bool),
	}
	for _, opt := range opts {
		opt(c)
	}
	if g, ok := reg.(prometheus.Gatherer); ok {
		c.gatherer = g
	}

	reg.MustRegister(
		c.DevicesConnected,
		c.DeviceEvents,
		c.PowerCurrent,
		c.Bandwidth,
		c.TransferErrors,
		c.SecurityEvents,
		c.AuthorizationDecisions,
	)
	return c
}

// Attach feeds every event published on s into the collector until
// Detach.
func (c *Collector) Attach(s Subscriber) {
	unsub := s.Subscribe(c.Observe)
	c.mutex.Lock()
	c.unsubscribe = append(c.unsubscribe, unsub)
	c.mutex.Unlock()
}

// Detach stops following every attached bus.
func (c *Collector) Detach() {
	c.mutex.Lock()
	unsubs := c.unsubscribe
	c.unsubscribe = nil
	c.mutex.Unlock()
	for _, unsub := range unsubs {
		unsub()
	}
}

// Observe updates the metrics for one event.
func (c *Collector) Observe(ev event.Event) {
	c.DeviceEvents.WithLabelValues(string(ev.Kind)).Inc()

	switch ev.Kind {
	case event.DeviceAdded:
		c.mutex.Lock()
		if !c.connected[ev.Device] {
			c.connected[ev.Device] = true
			c.DevicesConnected.Inc()
		}
		c.mutex.Unlock()

	case event.DeviceRemoved:
		c.mutex.Lock()
		if c.connected[ev.Device] {
			delete(c.connected, ev.Device)
			c.DevicesConnected.Dec()
		}
		c.mutex.Unlock()
		c.PowerCurrent.DeleteLabelValues(ev.Device)
		c.Bandwidth.DeleteLabelValues(ev.Device, DirectionRead)
		c.Bandwidth.DeleteLabelValues(ev.Device, DirectionWrite)
		c.TransferErrors.DeleteLabelValues(ev.Device)

	case event.PowerStatsUpdated:
		if s, ok := ev.Payload.(telemetry.PowerStats); ok {
			c.PowerCurrent.WithLabelValues(ev.Device).Set(s.CurrentUsage)
		}

	case event.BandwidthStatsUpdated:
		if s, ok := ev.Payload.(telemetry.BandwidthStats); ok {
			c.Bandwidth.WithLabelValues(ev.Device, DirectionRead).Set(s.ReadSpeed)
			c.Bandwidth.WithLabelValues(ev.Device, DirectionWrite).Set(s.WriteSpeed)
		}

	case event.TransferError:
		c.TransferErrors.WithLabelValues(ev.Device).Inc()

	case event.SecurityEventOccurred:
		if s, ok := ev.Payload.(security.Event); ok {
			c.SecurityEvents.WithLabelValues(s.Type.String()).Inc()
		}

	case event.DeviceAuthorized:
		c.AuthorizationDecisions.WithLabelValues(ResultGranted).Inc()
	case event.AuthorizationFailed:
		c.AuthorizationDecisions.WithLabelValues(ResultDenied).Inc()
	case event.DeviceAuthorizationRevoked:
		c.AuthorizationDecisions.WithLabelValues(ResultRevoked).Inc()
	case event.DeviceBlocked:
		c.AuthorizationDecisions.WithLabelValues(ResultBlocked).Inc()
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.gatherer, promhttp.HandlerOpts{})
}

// Serve exposes Handler at /metrics on addr until ctx is done.
func (c *Collector) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	c.log.Info("serving metrics", zap.String("addr", addr))

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}
