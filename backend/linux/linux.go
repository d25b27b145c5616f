//go:build linux

package linux

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/ardnew/usbwatch/backend"
	"github.com/ardnew/usbwatch/pkg"
	"github.com/ardnew/usbwatch/usb"
)

// =============================================================================
// Backend
// =============================================================================

// Option configures a Backend.
type Option func(*Backend)

// WithSysfsRoot overrides the sysfs device directory.
func WithSysfsRoot(path string) Option {
	return func(b *Backend) { b.sysfs = path }
}

// WithDevfsRoot overrides the usbfs node directory.
func WithDevfsRoot(path string) Option {
	return func(b *Backend) { b.devfs = path }
}

// WithLogger sets the logger.
func WithLogger(log *zap.Logger) Option {
	return func(b *Backend) {
		if log != nil {
			b.log = log
		}
	}
}

// Backend accesses devices through sysfs and usbfs.
type Backend struct {
	sysfs string
	devfs string
	log   *zap.Logger
}

// New creates a Linux backend.
func New(opts ...Option) *Backend {
	b := &Backend{
		sysfs: SysfsUSBPath,
		devfs: DevfsUSBPath,
		log:   pkg.Logger(pkg.ComponentBackend).With(zap.String("backend", "linux")),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Init checks that the sysfs device directory is readable.
func (b *Backend) Init(ctx context.Context) error {
	fi, err := os.Stat(b.sysfs)
	if err != nil {
		return errors.Join(pkg.ErrBackendUnavailable, err)
	}
	if !fi.IsDir() {
		return fmt.Errorf("%w: %s is not a directory", pkg.ErrBackendUnavailable, b.sysfs)
	}
	b.log.Debug("backend initialized", zap.String("sysfs", b.sysfs), zap.String("devfs", b.devfs))
	return nil
}

// Close is a no-op; the backend holds no resources beyond open handles.
func (b *Backend) Close() error { return nil }

// Enumerate lists the attached devices.
func (b *Backend) Enumerate(ctx context.Context) ([]backend.DeviceInfo, error) {
	devices, err := scanDevices(b.sysfs)
	if err != nil {
		return nil, errors.Join(pkg.ErrBackendUnavailable, err)
	}
	return devices, nil
}

// Open opens a device. When the usbfs node cannot be opened read-write the
// handle still serves descriptors and strings from sysfs; transfers then
// fail with pkg.ErrAccessDenied.
func (b *Backend) Open(ctx context.Context, info backend.DeviceInfo) (backend.Handle, error) {
	dir := info.Path
	if dir == "" {
		dir = b.findDevice(info.Bus, info.Address)
		if dir == "" {
			return nil, fmt.Errorf("%w: %s", pkg.ErrDeviceNotFound, info.Key())
		}
	}
	if _, err := os.Stat(dir); err != nil {
		return nil, pkg.MapErrno(err)
	}

	h := &handle{info: info, dir: dir, fd: -1, log: b.log}
	node := devfsPath(b.devfs, info.Bus, info.Address)
	fd, err := unix.Open(node, unix.O_RDWR|unix.O_CLOEXEC, 0)
	switch {
	case err == nil:
		h.fd = fd
	case errors.Is(err, unix.EACCES), errors.Is(err, unix.EPERM), errors.Is(err, unix.ENOENT):
		h.openErr = pkg.MapErrno(err)
		b.log.Debug("usbfs node unavailable, descriptor access only",
			zap.String("node", node), zap.Error(err))
	default:
		return nil, pkg.MapErrno(err)
	}
	return h, nil
}

func (b *Backend) findDevice(bus, addr uint8) string {
	devices, err := scanDevices(b.sysfs)
	if err != nil {
		return ""
	}
	for _, d := range devices {
		if d.Bus == bus && d.Address == addr {
			return d.Path
		}
	}
	return ""
}

// =============================================================================
// Handle
// =============================================================================

type handle struct {
	info    backend.DeviceInfo
	dir     string
	log     *zap.Logger
	openErr error

	mutex sync.Mutex
	fd    int

	read, written atomic.Uint64
}

func (h *handle) Descriptor(ctx context.Context) (usb.DeviceDescriptor, error) {
	dev, _, err := rawDescriptors(h.dir)
	if err != nil {
		return usb.DeviceDescriptor{}, err
	}
	return usb.ParseDeviceDescriptor(dev)
}

func (h *handle) ActiveConfig(ctx context.Context) (usb.Config, error) {
	return activeConfig(h.dir, h.info.Speed)
}

// BOS reads the BOS descriptor with two GET_DESCRIPTOR requests: the header
// for wTotalLength, then the whole tree.
func (h *handle) BOS(ctx context.Context) ([]byte, error) {
	if bcd, err := readVersion(filepath.Join(h.dir, "version")); err == nil && bcd < 0x0201 {
		return nil, pkg.ErrNotSupported
	}
	hdr := make([]byte, usb.BOSDescriptorSize)
	n, err := h.Control(ctx, usb.GetDescriptorSetup(usb.DescriptorTypeBOS, 0, 0, usb.BOSDescriptorSize), hdr, backend.DefaultTimeout)
	if err != nil {
		return nil, err
	}
	if n < usb.BOSDescriptorSize {
		return nil, pkg.ErrDescriptorTooShort
	}
	if hdr[1] != usb.DescriptorTypeBOS {
		return nil, pkg.ErrDescriptorTypeMismatch
	}
	total := uint16(hdr[2]) | uint16(hdr[3])<<8
	buf := make([]byte, total)
	n, err = h.Control(ctx, usb.GetDescriptorSetup(usb.DescriptorTypeBOS, 0, 0, total), buf, backend.DefaultTimeout)
	if err != nil {
		return nil, err
	}
	return buf[:n], nil
}

func (h *handle) Strings(ctx context.Context) (manufacturer, product, serial string) {
	manufacturer, _ = readString(filepath.Join(h.dir, "manufacturer"))
	product, _ = readString(filepath.Join(h.dir, "product"))
	serial, _ = readString(filepath.Join(h.dir, "serial"))
	return manufacturer, product, serial
}

func (h *handle) Speed() usb.Speed { return h.info.Speed }

func (h *handle) Control(ctx context.Context, setup usb.Setup, data []byte, timeout time.Duration) (int, error) {
	if int(setup.Length) < len(data) {
		data = data[:setup.Length]
	}
	fd, err := h.descriptor(ctx)
	if err != nil {
		return 0, err
	}
	n, err := doControlTransfer(fd, setup.RequestType, setup.Request, setup.Value, setup.Index, data, h.timeout(ctx, timeout))
	if err != nil {
		return 0, pkg.MapErrno(err)
	}
	h.count(setup.RequestType&usb.EndpointDirectionIn != 0, n)
	return n, nil
}

func (h *handle) Bulk(ctx context.Context, endpoint uint8, data []byte, timeout time.Duration) (int, error) {
	fd, err := h.descriptor(ctx)
	if err != nil {
		return 0, err
	}
	n, err := doBulkTransfer(fd, endpoint, data, h.timeout(ctx, timeout))
	if err != nil {
		return 0, pkg.MapErrno(err)
	}
	h.count(endpoint&usb.EndpointDirectionIn != 0, n)
	return n, nil
}

func (h *handle) Interrupt(ctx context.Context, endpoint uint8, data []byte, timeout time.Duration) (int, error) {
	return h.Bulk(ctx, endpoint, data, timeout)
}

// Traffic implements backend.TrafficCounter.
func (h *handle) Traffic() (read, written uint64, err error) {
	return h.read.Load(), h.written.Load(), nil
}

// SetSuspended implements backend.PowerController. Suspending allows
// runtime autosuspend; resuming pins the device on.
func (h *handle) SetSuspended(ctx context.Context, suspended bool) error {
	value := powerControlOn
	if suspended {
		value = powerControlAuto
	}
	path := filepath.Join(h.dir, "power", "control")
	if err := os.WriteFile(path, []byte(value), 0o644); err != nil {
		return pkg.MapErrno(err)
	}
	h.log.Debug("power control set",
		zap.String("device", h.info.Key()),
		zap.String("control", value))
	return nil
}

func (h *handle) Close() error {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	if h.fd < 0 {
		return nil
	}
	err := unix.Close(h.fd)
	h.fd = -1
	return err
}

func (h *handle) descriptor(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return -1, err
	}
	h.mutex.Lock()
	defer h.mutex.Unlock()
	if h.fd < 0 {
		if h.openErr != nil {
			return -1, h.openErr
		}
		return -1, pkg.ErrNotRunning
	}
	return h.fd, nil
}

// timeout shortens d to the context deadline.
func (h *handle) timeout(ctx context.Context, d time.Duration) time.Duration {
	if d <= 0 {
		d = backend.DefaultTimeout
	}
	if deadline, ok := ctx.Deadline(); ok {
		if left := time.Until(deadline); left < d {
			d = max(left, time.Millisecond)
		}
	}
	return d
}

func (h *handle) count(in bool, n int) {
	if n <= 0 {
		return
	}
	if in {
		h.read.Add(uint64(n))
	} else {
		h.written.Add(uint64(n))
	}
}

var (
	_ backend.Backend         = (*Backend)(nil)
	_ backend.Watcher         = (*Backend)(nil)
	_ backend.TrafficCounter  = (*handle)(nil)
	_ backend.PowerController = (*handle)(nil)
)
