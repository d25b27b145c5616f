//go:build libusb

package libusb

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/gousb"
	"go.uber.org/zap"

	"github.com/ardnew/usbwatch/backend"
	"github.com/ardnew/usbwatch/pkg"
	"github.com/ardnew/usbwatch/usb"
)

// Option configures a Backend.
type Option func(*Backend)

// WithLogger sets the logger.
func WithLogger(log *zap.Logger) Option {
	return func(b *Backend) {
		if log != nil {
			b.log = log
		}
	}
}

// WithDebug sets the libusb debug level (0-4).
func WithDebug(level int) Option {
	return func(b *Backend) { b.debug = level }
}

// Backend accesses devices through libusb.
type Backend struct {
	log   *zap.Logger
	debug int

	mutex sync.Mutex
	ctx   *gousb.Context
}

// New creates a libusb backend. Init must be called before use.
func New(opts ...Option) *Backend {
	b := &Backend{
		log: pkg.Logger(pkg.ComponentBackend).With(zap.String("backend", "libusb")),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Init creates the libusb context.
func (b *Backend) Init(ctx context.Context) (err error) {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	if b.ctx != nil {
		return pkg.ErrAlreadyRunning
	}
	// gousb panics when libusb_init fails.
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", pkg.ErrBackendUnavailable, r)
		}
	}()
	b.ctx = gousb.NewContext()
	if b.debug > 0 {
		b.ctx.Debug(b.debug)
	}
	b.log.Debug("backend initialized")
	return nil
}

// Close releases the libusb context.
func (b *Backend) Close() error {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	if b.ctx == nil {
		return nil
	}
	err := b.ctx.Close()
	b.ctx = nil
	return mapError(err)
}

func (b *Backend) context() (*gousb.Context, error) {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	if b.ctx == nil {
		return nil, pkg.ErrNotRunning
	}
	return b.ctx, nil
}

// Enumerate lists attached devices without opening them.
func (b *Backend) Enumerate(ctx context.Context) ([]backend.DeviceInfo, error) {
	uc, err := b.context()
	if err != nil {
		return nil, err
	}
	var devices []backend.DeviceInfo
	_, err = uc.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		devices = append(devices, deviceInfo(desc))
		return false
	})
	if err != nil {
		return nil, errors.Join(pkg.ErrBackendUnavailable, mapError(err))
	}
	return devices, nil
}

// Open opens the device at the info's bus and address.
func (b *Backend) Open(ctx context.Context, info backend.DeviceInfo) (backend.Handle, error) {
	uc, err := b.context()
	if err != nil {
		return nil, err
	}
	devs, err := uc.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		return desc.Bus == int(info.Bus) && desc.Address == int(info.Address)
	})
	if len(devs) == 0 {
		if err != nil {
			return nil, mapError(err)
		}
		return nil, fmt.Errorf("%w: %s", pkg.ErrDeviceNotFound, info.Key())
	}
	for _, extra := range devs[1:] {
		_ = extra.Close()
	}
	return &handle{dev: devs[0], log: b.log}, nil
}

// deviceInfo converts an enumeration descriptor. Path is the port chain,
// e.g. "1-2.4", matching sysfs naming.
func deviceInfo(desc *gousb.DeviceDesc) backend.DeviceInfo {
	info := backend.DeviceInfo{
		Identity: usb.Identity{
			VendorID:  uint16(desc.Vendor),
			ProductID: uint16(desc.Product),
			Bus:       uint8(desc.Bus),
			Address:   uint8(desc.Address),
		},
		Class: usb.Class(desc.Class),
		Speed: convertSpeed(desc.Speed),
	}
	if len(desc.Path) > 0 {
		ports := make([]string, len(desc.Path))
		for i, p := range desc.Path {
			ports[i] = strconv.Itoa(p)
		}
		info.Path = fmt.Sprintf("%d-%s", desc.Bus, strings.Join(ports, "."))
	}
	return info
}

func convertSpeed(s gousb.Speed) usb.Speed {
	switch s {
	case gousb.SpeedLow:
		return usb.SpeedLow
	case gousb.SpeedFull:
		return usb.SpeedFull
	case gousb.SpeedHigh:
		return usb.SpeedHigh
	case gousb.SpeedSuper:
		return usb.SpeedSuper
	default:
		return usb.SpeedUnknown
	}
}

// mapError maps libusb errors and transfer statuses onto the pkg
// taxonomy.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	var uerr gousb.Error
	if errors.As(err, &uerr) {
		switch uerr {
		case gousb.ErrorAccess, gousb.ErrorBusy:
			return errors.Join(pkg.ErrAccessDenied, err)
		case gousb.ErrorNoDevice, gousb.ErrorNotFound:
			return errors.Join(pkg.ErrDeviceNotFound, err)
		case gousb.ErrorTimeout:
			return errors.Join(pkg.ErrTimeout, err)
		case gousb.ErrorNotSupported:
			return errors.Join(pkg.ErrNotSupported, err)
		case gousb.ErrorInvalidParam:
			return errors.Join(pkg.ErrInvalidParameter, err)
		default:
			return errors.Join(pkg.ErrTransfer, err)
		}
	}
	var status gousb.TransferStatus
	if errors.As(err, &status) {
		switch status {
		case gousb.TransferTimedOut:
			return errors.Join(pkg.ErrTimeout, err)
		case gousb.TransferNoDevice:
			return errors.Join(pkg.ErrDeviceNotFound, err)
		default:
			return errors.Join(pkg.ErrTransfer, err)
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return errors.Join(pkg.ErrTimeout, err)
	}
	return err
}

var _ backend.Backend = (*Backend)(nil)

// =============================================================================
// Handle
// =============================================================================

type handle struct {
	log *zap.Logger

	// mutex serializes transfers; gousb reads ControlTimeout per call.
	mutex sync.Mutex
	dev   *gousb.Device

	read, written uint64
}

// Descriptor reads the raw device descriptor, falling back to the cached
// enumeration copy when the request fails.
func (h *handle) Descriptor(ctx context.Context) (usb.DeviceDescriptor, error) {
	buf := make([]byte, usb.DeviceDescriptorSize)
	n, err := h.Control(ctx, usb.GetDescriptorSetup(usb.DescriptorTypeDevice, 0, 0, usb.DeviceDescriptorSize), buf, backend.DefaultTimeout)
	if err == nil {
		return usb.ParseDeviceDescriptor(buf[:n])
	}
	if errors.Is(err, pkg.ErrDeviceNotFound) {
		return usb.DeviceDescriptor{}, err
	}
	desc := h.dev.Desc
	return usb.DeviceDescriptor{
		USBVersion:        uint16(desc.Spec),
		DeviceClass:       usb.Class(desc.Class),
		DeviceSubClass:    uint8(desc.SubClass),
		DeviceProtocol:    uint8(desc.Protocol),
		MaxPacketSize0:    uint8(desc.MaxControlPacketSize),
		VendorID:          uint16(desc.Vendor),
		ProductID:         uint16(desc.Product),
		DeviceVersion:     uint16(desc.Device),
		NumConfigurations: uint8(len(desc.Configs)),
	}, nil
}

// ActiveConfig converts the cached descriptor of the active configuration.
func (h *handle) ActiveConfig(ctx context.Context) (usb.Config, error) {
	h.mutex.Lock()
	num, err := h.dev.ActiveConfigNum()
	h.mutex.Unlock()
	if err != nil {
		return usb.Config{}, mapError(err)
	}
	if num == 0 {
		return usb.Config{}, fmt.Errorf("%w: device is unconfigured", pkg.ErrNotSupported)
	}
	desc, ok := h.dev.Desc.Configs[num]
	if !ok {
		return usb.Config{}, fmt.Errorf("%w: configuration %d not present", pkg.ErrDeviceNotFound, num)
	}
	return convertConfig(desc, h.Speed()), nil
}

func convertConfig(desc gousb.ConfigDesc, speed usb.Speed) usb.Config {
	c := usb.Config{
		Value:      uint8(desc.Number),
		Attributes: 0x80,
		MaxPower:   uint16(desc.MaxPower),
	}
	if desc.SelfPowered {
		c.Attributes |= usb.ConfigAttrSelfPowered
	}
	if desc.RemoteWakeup {
		c.Attributes |= usb.ConfigAttrRemoteWakeup
	}
	for _, iface := range desc.Interfaces {
		out := usb.Interface{Number: uint8(iface.Number)}
		for _, alt := range iface.AltSettings {
			setting := usb.AltSetting{
				Alternate: uint8(alt.Alternate),
				Class:     usb.Class(alt.Class),
				SubClass:  uint8(alt.SubClass),
				Protocol:  uint8(alt.Protocol),
			}
			for _, ep := range alt.Endpoints {
				setting.Endpoints = append(setting.Endpoints, convertEndpoint(ep, speed))
			}
			sortEndpoints(setting.Endpoints)
			out.AltSettings = append(out.AltSettings, setting)
		}
		c.Interfaces = append(c.Interfaces, out)
	}
	return c
}

// convertEndpoint rebuilds the declared descriptor values from gousb's
// decoded ones.
func convertEndpoint(ep gousb.EndpointDesc, speed usb.Speed) usb.Endpoint {
	out := usb.Endpoint{
		Address: uint8(ep.Address),
		Type:    usb.TransferType(ep.TransferType),
	}
	size := ep.MaxPacketSize
	if size > 0x7FF {
		mult := min((size-1)/1024, 2)
		out.MaxPacketSize = uint16(size/(mult+1)) | uint16(mult)<<11
	} else {
		out.MaxPacketSize = uint16(size)
	}
	out.Interval = encodeInterval(ep.PollInterval, out.Type, speed)
	return out
}

// encodeInterval converts a polling period back to bInterval: frames for
// low and full speed interrupt endpoints, a power of two of 125us
// microframes otherwise.
func encodeInterval(d time.Duration, typ usb.TransferType, speed usb.Speed) uint8 {
	if d <= 0 {
		return 0
	}
	if typ == usb.TransferTypeInterrupt && speed <= usb.SpeedFull {
		return uint8(min(d/time.Millisecond, 255))
	}
	unit := 125 * time.Microsecond
	if speed <= usb.SpeedFull {
		unit = time.Millisecond
	}
	var b uint8 = 1
	for p := unit; p < d && b < 16; p *= 2 {
		b++
	}
	return b
}

func sortEndpoints(eps []usb.Endpoint) {
	for i := 1; i < len(eps); i++ {
		for j := i; j > 0 && eps[j].Address < eps[j-1].Address; j-- {
			eps[j], eps[j-1] = eps[j-1], eps[j]
		}
	}
}

// BOS reads the header for wTotalLength, then the whole tree.
func (h *handle) BOS(ctx context.Context) ([]byte, error) {
	if uint16(h.dev.Desc.Spec) < 0x0201 {
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
	h.mutex.Lock()
	defer h.mutex.Unlock()
	manufacturer, _ = h.dev.Manufacturer()
	product, _ = h.dev.Product()
	serial, _ = h.dev.SerialNumber()
	return manufacturer, product, serial
}

func (h *handle) Speed() usb.Speed { return convertSpeed(h.dev.Desc.Speed) }

func (h *handle) Control(ctx context.Context, setup usb.Setup, data []byte, timeout time.Duration) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if int(setup.Length) < len(data) {
		data = data[:setup.Length]
	}
	h.mutex.Lock()
	defer h.mutex.Unlock()
	h.dev.ControlTimeout = transferTimeout(ctx, timeout)
	n, err := h.dev.Control(setup.RequestType, setup.Request, setup.Value, setup.Index, data)
	if err != nil {
		return 0, mapError(err)
	}
	h.count(setup.RequestType&usb.EndpointDirectionIn != 0, n)
	return n, nil
}

func (h *handle) Bulk(ctx context.Context, endpoint uint8, data []byte, timeout time.Duration) (int, error) {
	return h.transfer(ctx, endpoint, data, timeout)
}

func (h *handle) Interrupt(ctx context.Context, endpoint uint8, data []byte, timeout time.Duration) (int, error) {
	return h.transfer(ctx, endpoint, data, timeout)
}

// transfer claims the interface owning endpoint for the duration of one
// transfer. Kernel drivers are detached automatically and reattached on
// release.
func (h *handle) transfer(ctx context.Context, endpoint uint8, data []byte, timeout time.Duration) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	h.mutex.Lock()
	defer h.mutex.Unlock()

	num, err := h.dev.ActiveConfigNum()
	if err != nil {
		return 0, mapError(err)
	}
	ifNum, alt, ok := findEndpoint(h.dev.Desc.Configs[num], endpoint)
	if !ok {
		return 0, fmt.Errorf("%w: endpoint 0x%02X", pkg.ErrInvalidParameter, endpoint)
	}
	if err := h.dev.SetAutoDetach(true); err != nil {
		h.log.Debug("auto detach unavailable", zap.Error(err))
	}
	cfg, err := h.dev.Config(num)
	if err != nil {
		return 0, mapError(err)
	}
	defer cfg.Close()
	intf, err := cfg.Interface(ifNum, alt)
	if err != nil {
		return 0, mapError(err)
	}
	defer intf.Close()

	tctx, cancel := context.WithTimeout(ctx, transferTimeout(ctx, timeout))
	defer cancel()
	epNum := int(endpoint & 0x0F)
	var n int
	if endpoint&usb.EndpointDirectionIn != 0 {
		ep, err := intf.InEndpoint(epNum)
		if err != nil {
			return 0, mapError(err)
		}
		n, err = ep.ReadContext(tctx, data)
		if err != nil {
			return n, mapError(err)
		}
		h.read += uint64(n)
	} else {
		ep, err := intf.OutEndpoint(epNum)
		if err != nil {
			return 0, mapError(err)
		}
		n, err = ep.WriteContext(tctx, data)
		if err != nil {
			return n, mapError(err)
		}
		h.written += uint64(n)
	}
	return n, nil
}

func findEndpoint(cfg gousb.ConfigDesc, endpoint uint8) (iface, alt int, ok bool) {
	for _, i := range cfg.Interfaces {
		for _, s := range i.AltSettings {
			if _, found := s.Endpoints[gousb.EndpointAddress(endpoint)]; found {
				return i.Number, s.Alternate, true
			}
		}
	}
	return 0, 0, false
}

// Traffic implements backend.TrafficCounter with the bytes moved through
// this handle.
func (h *handle) Traffic() (read, written uint64, err error) {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	return h.read, h.written, nil
}

func (h *handle) Close() error {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	return mapError(h.dev.Close())
}

// count must be called with the mutex held.
func (h *handle) count(in bool, n int) {
	if n <= 0 {
		return
	}
	if in {
		h.read += uint64(n)
	} else {
		h.written += uint64(n)
	}
}

func transferTimeout(ctx context.Context, d time.Duration) time.Duration {
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

var (
	_ backend.Handle         = (*handle)(nil)
	_ backend.TrafficCounter = (*handle)(nil)
)
