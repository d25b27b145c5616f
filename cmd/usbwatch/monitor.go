package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/paularlott/cli"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ardnew/usbwatch/analysis"
	"github.com/ardnew/usbwatch/audit"
	"github.com/ardnew/usbwatch/config"
	"github.com/ardnew/usbwatch/event"
	"github.com/ardnew/usbwatch/event/natsink"
	"github.com/ardnew/usbwatch/eventloop"
	"github.com/ardnew/usbwatch/metrics"
	"github.com/ardnew/usbwatch/pkg"
	"github.com/ardnew/usbwatch/pkg/linux/usbid"
	"github.com/ardnew/usbwatch/pkg/prof"
	"github.com/ardnew/usbwatch/registry"
	"github.com/ardnew/usbwatch/security"
	"github.com/ardnew/usbwatch/telemetry"
)

const (
	flagCPUProfile  = "cpu-profile"
	flagHeapProfile = "heap-profile"
)

// MonitorCommand runs the monitor until interrupted.
func MonitorCommand() *cli.Command {
	flags := append(configFlags(), sinkFlags()...)
	flags = append(flags,
		&cli.StringFlag{Name: flagCPUProfile, Usage: "Write a CPU profile to this path (profile builds only)"},
		&cli.StringFlag{Name: flagHeapProfile, Usage: "Write a heap profile to this path on exit (profile builds only)"},
	)
	return &cli.Command{
		Name:        "monitor",
		Usage:       "Monitor USB devices",
		Description: "Track device arrivals and removals, enforce the security policy and sample telemetry until interrupted",
		Flags:       flags,
		Run: func(ctx context.Context, cmd *cli.Command) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}

			if path := cmd.GetString(flagCPUProfile); path != "" {
				if err := prof.StartCPU(path); err != nil {
					return err
				}
				defer prof.StopCPU()
			}
			if path := cmd.GetString(flagHeapProfile); path != "" {
				defer func() {
					if err := prof.Write(prof.ProfileHeap, path); err != nil {
						pkg.Logger(componentCLI).Warn("heap profile", zap.Error(err))
					}
				}()
			}

			ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runMonitor(ctx, cfg)
		},
	}
}

// componentLoggers returns a function naming children of root after a
// component.
func componentLoggers(root *zap.Logger) func(pkg.Component) *zap.Logger {
	return func(c pkg.Component) *zap.Logger { return root.Named(string(c)) }
}

// runMonitor wires every component described by cfg and blocks until ctx
// is done. Every component logs through a child of one root logger.
func runMonitor(ctx context.Context, cfg config.Config) error {
	root := pkg.NewLogger(os.Stderr, cfg.Format())
	defer root.Sync() //nolint:errcheck
	named := componentLoggers(root)
	log := named(componentCLI)

	b, err := openBackend(cfg.Backend, named(pkg.ComponentBackend))
	if err != nil {
		return err
	}

	bus := event.NewBus(event.WithLogger(named(pkg.ComponentEvent)))
	defer bus.Close()
	bus.Subscribe(lifecycleLogger(cfg, log), event.DeviceAdded, event.DeviceRemoved)

	loop := eventloop.New(eventloop.WithLogger(named(pkg.ComponentLoop)))

	// Security.
	secLog := security.WithLogger(named(pkg.ComponentSecurity))
	auth := security.NewAuthorizer(
		secLog,
		security.WithPublisher(bus),
		security.WithConfirmer(security.NewPromptConfirmer(os.Stdin, os.Stderr)),
	)
	for _, path := range cfg.Certificates {
		if err := auth.AddTrustedCertificate(path); err != nil {
			return fmt.Errorf("trusted certificate: %w", err)
		}
	}
	coord := security.NewCoordinator(auth,
		secLog,
		security.WithPublisher(bus),
		security.WithMaxEventHistory(cfg.MaxEventHistory),
	)
	if err := coord.SetSecurityLevel(cfg.Level()); err != nil {
		return err
	}

	var watcher *security.PolicyWatcher
	if cfg.PolicyFile != "" {
		if err := coord.LoadSecurityConfig(cfg.PolicyFile); err != nil {
			return fmt.Errorf("policy: %w", err)
		}
		if cfg.WatchPolicy {
			if watcher, err = security.NewPolicyWatcher(coord, cfg.PolicyFile, secLog); err != nil {
				return err
			}
		}
	}

	// Sinks.
	var collector *metrics.Collector
	if cfg.Audit.Path != "" {
		journal, err := audit.Open(ctx, cfg.Audit.Path, audit.WithLogger(named(pkg.ComponentAudit)))
		if err != nil {
			return err
		}
		defer journal.Close()
		journal.Attach(bus)
	}
	if cfg.Metrics.Listen != "" {
		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		collector = metrics.NewCollector(reg, metrics.WithLogger(named(pkg.ComponentMetrics)))
		collector.Attach(bus)
		defer collector.Detach()
	}
	if cfg.NATS.URL != "" {
		sink, err := natsink.Dial(cfg.NATS.URL, cfg.NATS.Subject, natsink.WithLogger(named(pkg.ComponentEvent).Named("nats")))
		if err != nil {
			return err
		}
		defer sink.Close()
		sink.Attach(bus)
	}

	// Monitors.
	telLog := telemetry.WithLogger(named(pkg.ComponentTelemetry))
	power := telemetry.NewPowerMonitor(loop,
		telLog,
		telemetry.WithPublisher(bus),
		telemetry.WithInterval(cfg.PowerInterval),
	)
	bandwidth := telemetry.NewBandwidthMonitor(loop,
		telLog,
		telemetry.WithPublisher(bus),
		telemetry.WithInterval(cfg.BandwidthInterval),
		telemetry.WithWindow(cfg.BandwidthWindow),
	)
	analyzer := analysis.New(loop,
		analysis.WithLogger(named(pkg.ComponentAnalysis)),
		analysis.WithPublisher(bus),
		analysis.WithInterval(cfg.AnalysisInterval),
		analysis.WithMaxHistorySize(cfg.MaxHistorySize),
		analysis.WithTrafficSink(bandwidth),
	)

	ids := usbid.New()
	if cfg.USBIDsPath != "" {
		ids = usbid.NewWithPaths([]string{cfg.USBIDsPath})
	}
	if !ids.Load() {
		log.Debug("no usb.ids database found")
	}

	devices := registry.New(b,
		registry.WithLogger(named(pkg.ComponentRegistry)),
		registry.WithPublisher(bus),
		registry.WithLoop(loop),
		registry.WithUSBIDs(ids),
		registry.WithPollInterval(cfg.PollInterval),
		registry.WithGate(admissionGate(cfg, coord, log)),
		// The analyzer starts first so it sees the other monitors' first
		// transfers.
		registry.WithMonitors(analyzer, bandwidth, power),
		registry.WithTransferObserver(analyzer),
		registry.WithMonitorUnauthorized(cfg.MonitorUnauthorized),
		registry.WithMonitorFilter(monitorFilter(cfg)),
	)

	// The loop outlives ctx so monitors can be stopped cleanly.
	loopCtx, stopLoop := context.WithCancel(context.WithoutCancel(ctx))
	loopDone := make(chan error, 1)
	go func() { loopDone <- loop.Run(loopCtx) }()
	defer func() {
		stopLoop()
		if err := <-loopDone; err != nil && !errors.Is(err, context.Canceled) {
			log.Warn("event loop", zap.Error(err))
		}
	}()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)
	if watcher != nil {
		g.Go(func() error { return watcher.Watch(ctx) })
	}
	if collector != nil {
		g.Go(func() error { return collector.Serve(ctx, cfg.Metrics.Listen) })
	}

	if err := devices.Start(ctx); err != nil {
		cancel()
		return errors.Join(err, g.Wait())
	}
	log.Info("monitoring",
		zap.String("backend", cfg.Backend),
		zap.Stringer("security", coord.SecurityLevel()),
		zap.Int("devices", devices.Len()))

	<-ctx.Done()
	log.Info("shutting down")
	return errors.Join(devices.Stop(), g.Wait())
}
