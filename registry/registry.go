package registry

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ardnew/usbwatch/backend"
	"github.com/ardnew/usbwatch/event"
	"github.com/ardnew/usbwatch/eventloop"
	"github.com/ardnew/usbwatch/pkg"
	"github.com/ardnew/usbwatch/pkg/linux/usbid"
	"github.com/ardnew/usbwatch/usb"
)

// DefaultPollInterval is the re-enumeration period used when the backend
// has no push notifications.
const DefaultPollInterval = time.Second

// descriptorTimeout bounds the descriptor reads performed on arrival.
const descriptorTimeout = 2 * time.Second

// Monitor is a per-device sampler started after a device is admitted and
// stopped on removal. Stop must return only once no sampling for key is in
// progress or pending.
type Monitor interface {
	Start(rec *Record) error
	Stop(key string)
}

// Gate decides whether a newly arrived device is admitted. It may block,
// e.g. for user confirmation, and is never called with registry locks held.
type Gate interface {
	Admit(ctx context.Context, dev *usb.Device) bool
}

// GateFunc adapts a function to Gate.
type GateFunc func(ctx context.Context, dev *usb.Device) bool

// Admit implements Gate.
func (f GateFunc) Admit(ctx context.Context, dev *usb.Device) bool { return f(ctx, dev) }

// Registry maintains the set of present devices, reconciling the backend's
// enumeration with push notifications, and drives monitor lifecycles.
type Registry struct {
	backend  backend.Backend
	loop     *eventloop.Loop
	pub      event.Publisher
	log      *zap.Logger
	ids      *usbid.Database
	gate     Gate
	filter   func(*usb.Device) bool
	observer TransferObserver

	monitors            []Monitor
	pollInterval        time.Duration
	monitorUnauthorized bool

	// lifeMu serializes arrival, removal and reconciliation. It is never
	// held while calling the gate.
	lifeMu sync.Mutex

	mutex   sync.RWMutex
	devices map[string]*Record
	ready   bool
	running bool

	runCtx      context.Context
	cancel      context.CancelFunc
	watching    sync.WaitGroup
	activations sync.WaitGroup
	pollTask *eventloop.Task
	syncTask *eventloop.Task
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the registry logger.
func WithLogger(log *zap.Logger) Option {
	return func(r *Registry) { r.log = log }
}

// WithPublisher sets where lifecycle events are published.
func WithPublisher(pub event.Publisher) Option {
	return func(r *Registry) { r.pub = pub }
}

// WithLoop sets the event loop that runs polling.
func WithLoop(loop *eventloop.Loop) Option {
	return func(r *Registry) { r.loop = loop }
}

// WithGate sets the arrival gate. Without one every device is admitted.
func WithGate(g Gate) Option {
	return func(r *Registry) { r.gate = g }
}

// WithMonitors adds monitors, started in order and stopped in reverse.
func WithMonitors(m ...Monitor) Option {
	return func(r *Registry) { r.monitors = append(r.monitors, m...) }
}

// WithPollInterval sets the fallback polling period.
func WithPollInterval(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.pollInterval = d
		}
	}
}

// WithUSBIDs sets the database used to describe devices.
func WithUSBIDs(db *usbid.Database) Option {
	return func(r *Registry) { r.ids = db }
}

// WithMonitorUnauthorized starts monitors even for devices the gate
// rejected.
func WithMonitorUnauthorized(enabled bool) Option {
	return func(r *Registry) { r.monitorUnauthorized = enabled }
}

// WithMonitorFilter restricts which admitted devices are monitored.
func WithMonitorFilter(fn func(*usb.Device) bool) Option {
	return func(r *Registry) { r.filter = fn }
}

// New creates a registry over b. Nothing is enumerated until Start or
// Reconcile.
func New(b backend.Backend, opts ...Option) *Registry {
	r := &Registry{
		backend:      b,
		pub:          event.Discard,
		log:          pkg.Logger(pkg.ComponentRegistry),
		pollInterval: DefaultPollInterval,
		devices:      make(map[string]*Record),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Start initializes the backend, enumerates the present devices and begins
// tracking changes, by push notification when the backend supports it and
// by polling on the event loop otherwise. A backend failure is returned
// wrapped in pkg.ErrBackendUnavailable and leaves no devices tracked.
func (r *Registry) Start(ctx context.Context) error {
	r.mutex.Lock()
	if r.running {
		r.mutex.Unlock()
		return pkg.ErrAlreadyRunning
	}
	r.running = true
	r.runCtx, r.cancel = context.WithCancel(context.WithoutCancel(ctx))
	watchCtx := r.runCtx
	r.mutex.Unlock()

	if err := r.Reconcile(ctx); err != nil {
		r.mutex.Lock()
		r.running = false
		r.cancel()
		r.mutex.Unlock()
		return err
	}

	if w, ok := r.backend.(backend.Watcher); ok {
		r.watching.Add(1)
		go r.watch(watchCtx, w)
		// Catch changes that land between the first enumeration and the
		// watcher subscribing.
		if r.loop != nil {
			r.syncTask = r.loop.After("registry/resync", r.pollInterval, r.poll)
		}
	} else {
		r.startPolling()
	}

	r.log.Info("registry started", zap.Int("devices", r.Len()))
	return nil
}

// Stop ends change tracking, removes every device (stopping its monitors
// and publishing DeviceRemoved) and closes the backend.
func (r *Registry) Stop() error {
	r.mutex.Lock()
	if !r.running {
		r.mutex.Unlock()
		return nil
	}
	r.running = false
	cancel := r.cancel
	r.mutex.Unlock()

	cancel()
	r.watching.Wait()

	// A poll in flight may be waiting on lifeMu, so cancel outside it.
	r.lifeMu.Lock()
	poll, resync := r.pollTask, r.syncTask
	r.pollTask, r.syncTask = nil, nil
	r.lifeMu.Unlock()
	poll.Cancel()
	resync.Cancel()
	r.activations.Wait()

	r.lifeMu.Lock()
	for _, rec := range r.Devices() {
		r.removeLocked(rec)
	}
	r.mutex.Lock()
	wasReady := r.ready
	r.ready = false
	r.mutex.Unlock()
	r.lifeMu.Unlock()

	if wasReady {
		if err := r.backend.Close(); err != nil {
			return fmt.Errorf("close backend: %w", err)
		}
	}
	r.log.Info("registry stopped")
	return nil
}

// IsRunning reports whether Start succeeded and Stop has not been called.
func (r *Registry) IsRunning() bool {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	return r.running
}

func (r *Registry) watch(ctx context.Context, w backend.Watcher) {
	defer r.watching.Done()
	err := w.Watch(ctx, func(ev backend.HotplugEvent) {
		switch ev.Action {
		case backend.ActionArrived:
			r.OnArrival(ctx, ev.Device)
		case backend.ActionLeft:
			r.OnRemoval(ctx, ev.Device)
		}
	})
	if ctx.Err() != nil {
		return
	}
	if errors.Is(err, pkg.ErrNotSupported) {
		r.log.Info("hotplug notifications unavailable, polling",
			zap.Duration("interval", r.pollInterval))
	} else {
		r.log.Warn("hotplug watcher stopped, polling",
			zap.Error(err),
			zap.Duration("interval", r.pollInterval))
	}
	r.startPolling()
}

func (r *Registry) startPolling() {
	if r.loop == nil {
		r.log.Warn("no event loop, device changes will not be tracked")
		return
	}
	r.lifeMu.Lock()
	defer r.lifeMu.Unlock()
	if !r.IsRunning() || r.pollTask != nil {
		return
	}
	r.pollTask = r.loop.Every("registry/poll", r.pollInterval, r.poll)
}

// poll runs on the event loop. New devices are handed to activateAsync so
// a blocking gate never holds up other scheduled work.
func (r *Registry) poll(ctx context.Context) {
	var fresh []*Record

	r.lifeMu.Lock()
	err := r.reconcileLocked(ctx, &fresh)
	r.lifeMu.Unlock()

	for _, rec := range fresh {
		r.activateAsync(rec)
	}
	if err != nil {
		r.log.Warn("poll failed", zap.Error(err))
		r.pub.Publish(event.MonitorError, "", event.Failure{Source: "registry", Reason: err.Error()})
	}
}

// activateAsync runs activate on its own goroutine under the registry's
// run context. Stop cancels that context and waits for the goroutine.
func (r *Registry) activateAsync(rec *Record) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	if !r.running {
		return
	}
	ctx := r.runCtx
	r.activations.Add(1)
	go func() {
		defer r.activations.Done()
		r.activate(ctx, rec)
	}()
}

// Reconcile enumerates the backend and applies the difference with the
// tracked set: new devices arrive, missing devices are removed. It runs
// atomically with respect to push notifications. If the backend has not
// been initialized, Reconcile initializes it first.
func (r *Registry) Reconcile(ctx context.Context) error {
	var fresh []*Record

	r.lifeMu.Lock()
	err := r.reconcileLocked(ctx, &fresh)
	r.lifeMu.Unlock()

	for _, rec := range fresh {
		r.activate(ctx, rec)
	}
	return err
}

func (r *Registry) reconcileLocked(ctx context.Context, fresh *[]*Record) error {
	r.mutex.RLock()
	ready := r.ready
	r.mutex.RUnlock()

	if !ready {
		if err := r.backend.Init(ctx); err != nil {
			r.log.Error("backend init failed", zap.Error(err))
			return fmt.Errorf("init: %w", errors.Join(pkg.ErrBackendUnavailable, err))
		}
		r.mutex.Lock()
		r.ready = true
		r.mutex.Unlock()
	}

	infos, err := r.backend.Enumerate(ctx)
	if err != nil {
		r.log.Error("enumeration failed", zap.Error(err))
		return fmt.Errorf("enumerate: %w", errors.Join(pkg.ErrBackendUnavailable, err))
	}

	present := make(map[string]bool, len(infos))
	for _, info := range infos {
		key := info.Key()
		present[key] = true
		if rec := r.addLocked(ctx, info); rec != nil {
			*fresh = append(*fresh, rec)
		}
	}
	for _, rec := range r.Devices() {
		if !present[rec.Key()] {
			r.removeLocked(rec)
		}
	}
	return nil
}

// OnArrival handles a device-arrived notification. A device already
// tracked under the same key is ignored.
func (r *Registry) OnArrival(ctx context.Context, info backend.DeviceInfo) {
	r.lifeMu.Lock()
	rec := r.addLocked(ctx, info)
	r.lifeMu.Unlock()

	if rec != nil {
		r.activate(ctx, rec)
	}
}

// OnRemoval handles a device-left notification. When the notification
// carries no vendor/product pair, the device is matched by bus and address.
// Unknown devices are ignored.
func (r *Registry) OnRemoval(ctx context.Context, info backend.DeviceInfo) {
	r.lifeMu.Lock()
	defer r.lifeMu.Unlock()

	rec := r.find(info)
	if rec == nil {
		r.log.Debug("removal of untracked device", zap.String("key", info.Key()))
		return
	}
	r.removeLocked(rec)
}

func (r *Registry) find(info backend.DeviceInfo) *Record {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	if info.VendorID != 0 || info.ProductID != 0 {
		return r.devices[info.Key()]
	}
	for _, rec := range r.devices {
		id := rec.Identity()
		if id.Bus == info.Bus && id.Address == info.Address {
			return rec
		}
	}
	return nil
}

// addLocked opens and snapshots a new device, records it and publishes
// DeviceAdded. It returns nil for an already-tracked key.
func (r *Registry) addLocked(ctx context.Context, info backend.DeviceInfo) *Record {
	key := info.Key()
	r.mutex.RLock()
	_, exists := r.devices[key]
	r.mutex.RUnlock()
	if exists {
		return nil
	}

	rec := r.open(ctx, info)

	r.mutex.Lock()
	r.devices[key] = rec
	r.mutex.Unlock()

	r.log.Info("device added",
		zap.String("key", key),
		zap.String("description", rec.device.Description))
	r.pub.Publish(event.DeviceAdded, key, rec.Summary())
	return rec
}

// open reads the device's descriptors. A device that cannot be opened is
// still tracked, with the identity, class and speed from enumeration.
func (r *Registry) open(ctx context.Context, info backend.DeviceInfo) *Record {
	dev := usb.Device{
		Identity: info.Identity,
		Speed:    info.Speed,
		Descriptor: usb.DeviceDescriptor{
			VendorID:    info.VendorID,
			ProductID:   info.ProductID,
			DeviceClass: info.Class,
		},
	}
	if r.ids != nil {
		dev.Description = r.ids.Describe(info.VendorID, info.ProductID)
	}

	rctx, cancel := context.WithTimeout(ctx, descriptorTimeout)
	defer cancel()

	h, err := r.backend.Open(rctx, info)
	if err != nil {
		r.log.Warn("open device",
			zap.String("key", info.Key()),
			zap.Error(err))
		return newRecord(info, dev, nil, r.log)
	}

	if desc, err := h.Descriptor(rctx); err == nil {
		dev.Descriptor = desc
	} else {
		r.log.Debug("read device descriptor", zap.String("key", info.Key()), zap.Error(err))
	}
	if cfg, err := h.ActiveConfig(rctx); err == nil {
		dev.Config = cfg
	} else {
		r.log.Debug("read configuration", zap.String("key", info.Key()), zap.Error(err))
	}
	if bos, err := h.BOS(rctx); err == nil && len(bos) > 0 {
		dev.HasBOS = true
	}
	if s := h.Speed(); s != usb.SpeedUnknown {
		dev.Speed = s
	}
	dev.Manufacturer, dev.Product, dev.Serial = h.Strings(rctx)
	if dev.Description == "" && dev.Product != "" {
		dev.Description = fmt.Sprintf("%s %s (%s)", dev.Manufacturer, dev.Product, info.VendorProductKey())
	}
	if r.observer != nil {
		h = observe(h, info.Key(), r.observer)
	}
	return newRecord(info, dev, h, r.log)
}

// activate consults the gate and starts monitors. It runs without lifeMu
// so a blocking gate cannot stall notifications; a removal that wins the
// race leaves the record marked removed and nothing is started.
func (r *Registry) activate(ctx context.Context, rec *Record) {
	admitted := true
	if r.gate != nil {
		admitted = r.gate.Admit(ctx, rec.Device())
	}

	r.lifeMu.Lock()
	defer r.lifeMu.Unlock()

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.removed {
		return
	}
	rec.admitted = admitted
	if !admitted && !r.monitorUnauthorized {
		r.log.Info("device not admitted", zap.String("key", rec.key))
		return
	}
	if r.filter != nil && !r.filter(&rec.device) {
		return
	}
	for _, m := range r.monitors {
		if err := m.Start(rec); err != nil {
			r.log.Warn("start monitor", zap.String("key", rec.key), zap.Error(err))
			r.pub.Publish(event.MonitorError, rec.key, event.Failure{Source: "registry", Reason: err.Error()})
		}
	}
	rec.monitored = len(r.monitors) > 0
}

// removeLocked detaches rec, stops its monitors, drops the registry's
// reference and publishes DeviceRemoved after all monitor output.
func (r *Registry) removeLocked(rec *Record) {
	key := rec.Key()

	r.mutex.Lock()
	if r.devices[key] != rec {
		r.mutex.Unlock()
		return
	}
	delete(r.devices, key)
	r.mutex.Unlock()

	rec.mu.Lock()
	rec.removed = true
	monitored := rec.monitored
	rec.monitored = false
	rec.mu.Unlock()

	if monitored {
		for i := len(r.monitors) - 1; i >= 0; i-- {
			r.monitors[i].Stop(key)
		}
	}
	rec.Release()

	r.log.Info("device removed", zap.String("key", key))
	r.pub.Publish(event.DeviceRemoved, key, rec.Summary())
}

// Enumerate reconciles with the backend and returns the tracked devices.
func (r *Registry) Enumerate(ctx context.Context) ([]*Record, error) {
	if err := r.Reconcile(ctx); err != nil {
		return nil, err
	}
	return r.Devices(), nil
}

// Devices returns the tracked devices ordered by key.
func (r *Registry) Devices() []*Record {
	r.mutex.RLock()
	out := make([]*Record, 0, len(r.devices))
	for _, rec := range r.devices {
		out = append(out, rec)
	}
	r.mutex.RUnlock()
	slices.SortFunc(out, func(a, b *Record) int {
		switch {
		case a.key < b.key:
			return -1
		case a.key > b.key:
			return 1
		}
		return 0
	})
	return out
}

// Lookup returns the record for key.
func (r *Registry) Lookup(key string) (*Record, bool) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	rec, ok := r.devices[key]
	return rec, ok
}

// Len returns the number of tracked devices.
func (r *Registry) Len() int {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	return len(r.devices)
}
