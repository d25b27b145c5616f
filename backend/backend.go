package backend

import (
	"context"
	"time"

	"github.com/ardnew/usbwatch/usb"
)

// DefaultTimeout bounds transfers issued without an explicit timeout.
const DefaultTimeout = time.Second

// DeviceInfo is one entry of a native enumeration or hotplug notification.
// Removal notifications may carry only Bus and Address.
type DeviceInfo struct {
	usb.Identity
	Class usb.Class
	Speed usb.Speed
	Path  string // backend-specific location, e.g. the sysfs directory
}

// Action is a hotplug notification kind.
type Action uint8

// Hotplug actions.
const (
	ActionArrived Action = iota + 1
	ActionLeft
)

func (a Action) String() string {
	switch a {
	case ActionArrived:
		return "arrived"
	case ActionLeft:
		return "left"
	default:
		return "unknown"
	}
}

// HotplugEvent is a push notification from a Watcher.
type HotplugEvent struct {
	Action Action
	Device DeviceInfo
}

// Backend is the native device-access capability.
//
// Implementations map native error codes onto the pkg error taxonomy
// (see pkg.MapErrno). All methods are safe for concurrent use.
type Backend interface {
	// Init prepares the backend. Failure leaves no devices trackable.
	Init(ctx context.Context) error

	// Close releases backend resources. Open handles must be closed first.
	Close() error

	// Enumerate lists the devices currently attached.
	Enumerate(ctx context.Context) ([]DeviceInfo, error)

	// Open acquires a handle to one device.
	Open(ctx context.Context, info DeviceInfo) (Handle, error)
}

// Handle is an opened device.
type Handle interface {
	// Descriptor returns the device descriptor.
	Descriptor(ctx context.Context) (usb.DeviceDescriptor, error)

	// ActiveConfig returns the parsed active configuration tree.
	ActiveConfig(ctx context.Context) (usb.Config, error)

	// BOS returns the raw BOS descriptor, or pkg.ErrNotSupported.
	BOS(ctx context.Context) ([]byte, error)

	// Strings returns the manufacturer, product and serial strings. Missing
	// strings are empty.
	Strings(ctx context.Context) (manufacturer, product, serial string)

	// Speed returns the negotiated connection speed.
	Speed() usb.Speed

	// Control issues a control transfer and returns the bytes transferred.
	Control(ctx context.Context, setup usb.Setup, data []byte, timeout time.Duration) (int, error)

	// Bulk issues a bulk transfer on endpoint.
	Bulk(ctx context.Context, endpoint uint8, data []byte, timeout time.Duration) (int, error)

	// Interrupt issues an interrupt transfer on endpoint.
	Interrupt(ctx context.Context, endpoint uint8, data []byte, timeout time.Duration) (int, error)

	// Close releases the native handle.
	Close() error
}

// Watcher is implemented by backends that deliver push hotplug
// notifications. Watch blocks, calling fn from its own goroutine, until ctx
// is cancelled or the notification source fails. Backends without push
// support return pkg.ErrNotSupported immediately.
type Watcher interface {
	Watch(ctx context.Context, fn func(HotplugEvent)) error
}

// TrafficCounter is implemented by handles that expose cumulative byte
// counters maintained by the host.
type TrafficCounter interface {
	Traffic() (read, written uint64, err error)
}

// PowerController is implemented by handles that can change the runtime
// power state of the device.
type PowerController interface {
	SetSuspended(ctx context.Context, suspended bool) error
}
