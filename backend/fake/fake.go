package fake

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ardnew/usbwatch/backend"
	"github.com/ardnew/usbwatch/pkg"
	"github.com/ardnew/usbwatch/usb"
)

// Device is a simulated device. Fields may be edited before Plug; after
// Plug use the Backend methods so changes are made under its lock.
type Device struct {
	Info         backend.DeviceInfo
	Descriptor   usb.DeviceDescriptor
	Config       usb.Config
	BOS          []byte
	Manufacturer string
	Product      string
	Serial       string

	// StatusCurrent is the device-status reply in 2mA units. Nil makes
	// the device stall the query.
	StatusCurrent *uint16

	// ConfigErr, when set, is returned by ActiveConfig.
	ConfigErr error

	read, written uint64
	suspended     bool
}

// NewDevice builds a device with one interface per class, each carrying a
// bulk IN/OUT endpoint pair.
func NewDevice(vid, pid uint16, bus, addr uint8, class usb.Class, speed usb.Speed, ifaceClasses ...usb.Class) *Device {
	id := usb.Identity{VendorID: vid, ProductID: pid, Bus: bus, Address: addr}
	cfg := usb.Config{Value: 1, Attributes: 0x80, MaxPower: 100}
	for i, c := range ifaceClasses {
		n := uint8(i)
		cfg.Interfaces = append(cfg.Interfaces, usb.Interface{
			Number: n,
			AltSettings: []usb.AltSetting{{
				Class: c,
				Endpoints: []usb.Endpoint{
					{Address: 0x81 + n, Type: usb.TransferTypeBulk, MaxPacketSize: 512},
					{Address: 0x01 + n, Type: usb.TransferTypeBulk, MaxPacketSize: 512},
				},
			}},
		})
	}
	return &Device{
		Info: backend.DeviceInfo{
			Identity: id,
			Class:    class,
			Speed:    speed,
			Path:     fmt.Sprintf("fake/%d-%d", bus, addr),
		},
		Descriptor: usb.DeviceDescriptor{
			USBVersion:        0x0200,
			DeviceClass:       class,
			MaxPacketSize0:    64,
			VendorID:          vid,
			ProductID:         pid,
			NumConfigurations: 1,
		},
		Config: cfg,
	}
}

// Key returns the device's canonical key.
func (d *Device) Key() string { return d.Info.Key() }

// Backend is an in-memory backend.
type Backend struct {
	mu       sync.Mutex
	devices  map[string]*Device
	order    []string
	watchers map[int]func(backend.HotplugEvent)
	nextW    int
	hotplug  bool
	initErr  error
	enumErr  error
	opens    map[string]int
	closes   map[string]int
	enums    int
}

// Option configures a Backend.
type Option func(*Backend)

// WithHotplug enables push notifications through Watch.
func WithHotplug() Option {
	return func(b *Backend) { b.hotplug = true }
}

// New creates an empty backend.
func New(opts ...Option) *Backend {
	b := &Backend{
		devices:  make(map[string]*Device),
		watchers: make(map[int]func(backend.HotplugEvent)),
		opens:    make(map[string]int),
		closes:   make(map[string]int),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// SetInitError makes Init fail with err.
func (b *Backend) SetInitError(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.initErr = err
}

// SetEnumerateError makes Enumerate fail with err.
func (b *Backend) SetEnumerateError(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.enumErr = err
}

// Plug attaches d and notifies watchers.
func (b *Backend) Plug(d *Device) {
	b.mu.Lock()
	key := d.Key()
	if _, ok := b.devices[key]; !ok {
		b.order = append(b.order, key)
	}
	b.devices[key] = d
	fns := b.watchersLocked()
	b.mu.Unlock()

	for _, fn := range fns {
		fn(backend.HotplugEvent{Action: backend.ActionArrived, Device: d.Info})
	}
}

// Unplug detaches the device with the given key and notifies watchers.
// The notification carries only bus and address, as a kernel remove
// uevent does.
func (b *Backend) Unplug(key string) {
	b.mu.Lock()
	d, ok := b.devices[key]
	if ok {
		delete(b.devices, key)
		for i, k := range b.order {
			if k == key {
				b.order = append(b.order[:i], b.order[i+1:]...)
				break
			}
		}
	}
	fns := b.watchersLocked()
	b.mu.Unlock()

	if !ok {
		return
	}
	info := backend.DeviceInfo{Identity: usb.Identity{Bus: d.Info.Bus, Address: d.Info.Address}}
	for _, fn := range fns {
		fn(backend.HotplugEvent{Action: backend.ActionLeft, Device: info})
	}
}

// Notify delivers ev to watchers without changing the device set, which
// lets tests replay duplicate notifications.
func (b *Backend) Notify(ev backend.HotplugEvent) {
	b.mu.Lock()
	fns := b.watchersLocked()
	b.mu.Unlock()
	for _, fn := range fns {
		fn(ev)
	}
}

func (b *Backend) watchersLocked() []func(backend.HotplugEvent) {
	if !b.hotplug {
		return nil
	}
	fns := make([]func(backend.HotplugEvent), 0, len(b.watchers))
	for _, fn := range b.watchers {
		fns = append(fns, fn)
	}
	return fns
}

// SetStatusCurrent changes the device-status reply of a plugged device.
func (b *Backend) SetStatusCurrent(key string, units uint16) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if d, ok := b.devices[key]; ok {
		d.StatusCurrent = &units
	}
}

// ClearStatusCurrent makes a plugged device stall the device-status query.
func (b *Backend) ClearStatusCurrent(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if d, ok := b.devices[key]; ok {
		d.StatusCurrent = nil
	}
}

// SetConfigError makes ActiveConfig of a plugged device fail.
func (b *Backend) SetConfigError(key string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if d, ok := b.devices[key]; ok {
		d.ConfigErr = err
	}
}

// AddTraffic increments the host byte counters of a plugged device.
func (b *Backend) AddTraffic(key string, read, written uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if d, ok := b.devices[key]; ok {
		d.read += read
		d.written += written
	}
}

// Suspended reports the last power state set on a device.
func (b *Backend) Suspended(key string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if d, ok := b.devices[key]; ok {
		return d.suspended
	}
	return false
}

// OpenCount returns how many handles were opened for key.
func (b *Backend) OpenCount(key string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.opens[key]
}

// CloseCount returns how many handles were closed for key.
func (b *Backend) CloseCount(key string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closes[key]
}

// EnumerateCount returns how many times Enumerate ran.
func (b *Backend) EnumerateCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.enums
}

// Init implements backend.Backend.
func (b *Backend) Init(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.initErr
}

// Close implements backend.Backend.
func (b *Backend) Close() error { return nil }

// Enumerate implements backend.Backend.
func (b *Backend) Enumerate(ctx context.Context) ([]backend.DeviceInfo, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.enums++
	if b.enumErr != nil {
		return nil, b.enumErr
	}
	out := make([]backend.DeviceInfo, 0, len(b.order))
	for _, k := range b.order {
		out = append(out, b.devices[k].Info)
	}
	return out, nil
}

// Open implements backend.Backend.
func (b *Backend) Open(ctx context.Context, info backend.DeviceInfo) (backend.Handle, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	key := info.Key()
	if _, ok := b.devices[key]; !ok {
		return nil, fmt.Errorf("open %s: %w", key, pkg.ErrDeviceNotFound)
	}
	b.opens[key]++
	return &handle{b: b, key: key}, nil
}

// Watch implements backend.Watcher.
func (b *Backend) Watch(ctx context.Context, fn func(backend.HotplugEvent)) error {
	b.mu.Lock()
	if !b.hotplug {
		b.mu.Unlock()
		return pkg.ErrNotSupported
	}
	id := b.nextW
	b.nextW++
	b.watchers[id] = fn
	b.mu.Unlock()

	<-ctx.Done()

	b.mu.Lock()
	delete(b.watchers, id)
	b.mu.Unlock()
	return ctx.Err()
}

// WatcherCount returns the number of active Watch calls.
func (b *Backend) WatcherCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.watchers)
}

// handle is an opened fake device.
type handle struct {
	b      *Backend
	key    string
	closed bool
}

// device must be called with h.b.mu held.
func (h *handle) device() (*Device, error) {
	if h.closed {
		return nil, fmt.Errorf("%s: handle closed: %w", h.key, pkg.ErrDeviceNotFound)
	}
	d, ok := h.b.devices[h.key]
	if !ok {
		return nil, fmt.Errorf("%s: %w", h.key, pkg.ErrDeviceNotFound)
	}
	return d, nil
}

func (h *handle) Descriptor(ctx context.Context) (usb.DeviceDescriptor, error) {
	h.b.mu.Lock()
	defer h.b.mu.Unlock()
	d, err := h.device()
	if err != nil {
		return usb.DeviceDescriptor{}, err
	}
	return d.Descriptor, nil
}

func (h *handle) ActiveConfig(ctx context.Context) (usb.Config, error) {
	h.b.mu.Lock()
	defer h.b.mu.Unlock()
	d, err := h.device()
	if err != nil {
		return usb.Config{}, err
	}
	if d.ConfigErr != nil {
		return usb.Config{}, d.ConfigErr
	}
	return d.Config, nil
}

func (h *handle) BOS(ctx context.Context) ([]byte, error) {
	h.b.mu.Lock()
	defer h.b.mu.Unlock()
	d, err := h.device()
	if err != nil {
		return nil, err
	}
	if len(d.BOS) == 0 {
		return nil, pkg.ErrNotSupported
	}
	return append([]byte(nil), d.BOS...), nil
}

func (h *handle) Strings(ctx context.Context) (string, string, string) {
	h.b.mu.Lock()
	defer h.b.mu.Unlock()
	d, err := h.device()
	if err != nil {
		return "", "", ""
	}
	return d.Manufacturer, d.Product, d.Serial
}

func (h *handle) Speed() usb.Speed {
	h.b.mu.Lock()
	defer h.b.mu.Unlock()
	d, err := h.device()
	if err != nil {
		return usb.SpeedUnknown
	}
	return d.Info.Speed
}

func (h *handle) Control(ctx context.Context, setup usb.Setup, data []byte, timeout time.Duration) (int, error) {
	h.b.mu.Lock()
	defer h.b.mu.Unlock()
	d, err := h.device()
	if err != nil {
		return 0, err
	}
	if setup.Request == usb.RequestDeviceStatus && setup.RequestType&usb.RequestTypeIn != 0 {
		if d.StatusCurrent == nil || len(data) < 2 {
			return 0, pkg.ErrNotSupported
		}
		data[0] = byte(*d.StatusCurrent)
		data[1] = byte(*d.StatusCurrent >> 8)
		return 2, nil
	}
	return 0, pkg.ErrNotSupported
}

func (h *handle) Bulk(ctx context.Context, endpoint uint8, data []byte, timeout time.Duration) (int, error) {
	return h.transfer(endpoint, data)
}

func (h *handle) Interrupt(ctx context.Context, endpoint uint8, data []byte, timeout time.Duration) (int, error) {
	return h.transfer(endpoint, data)
}

func (h *handle) transfer(endpoint uint8, data []byte) (int, error) {
	h.b.mu.Lock()
	defer h.b.mu.Unlock()
	d, err := h.device()
	if err != nil {
		return 0, err
	}
	if usb.DirectionOf(endpoint) == usb.DirectionIn {
		d.read += uint64(len(data))
	} else {
		d.written += uint64(len(data))
	}
	return len(data), nil
}

// Traffic implements backend.TrafficCounter.
func (h *handle) Traffic() (uint64, uint64, error) {
	h.b.mu.Lock()
	defer h.b.mu.Unlock()
	d, err := h.device()
	if err != nil {
		return 0, 0, err
	}
	return d.read, d.written, nil
}

// SetSuspended implements backend.PowerController.
func (h *handle) SetSuspended(ctx context.Context, suspended bool) error {
	h.b.mu.Lock()
	defer h.b.mu.Unlock()
	d, err := h.device()
	if err != nil {
		return err
	}
	d.suspended = suspended
	return nil
}

func (h *handle) Close() error {
	h.b.mu.Lock()
	defer h.b.mu.Unlock()
	if h.closed {
		return nil
	}
	h.closed = true
	h.b.closes[h.key]++
	return nil
}

var (
	_ backend.Backend         = (*Backend)(nil)
	_ backend.Watcher         = (*Backend)(nil)
	_ backend.TrafficCounter  = (*handle)(nil)
	_ backend.PowerController = (*handle)(nil)
)
