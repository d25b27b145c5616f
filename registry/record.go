package registry

import (
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/ardnew/usbwatch/backend"
	"github.com/ardnew/usbwatch/usb"
)

// Record is one tracked device: its identity, descriptor snapshot and
// native handle. The registry holds one reference; each monitor sampling
// the device holds another. The handle is closed when the last reference
// is released.
type Record struct {
	key    string
	info   backend.DeviceInfo
	device usb.Device
	handle backend.Handle // nil when the device could not be opened

	refs atomic.Int32
	log  *zap.Logger

	mu        sync.Mutex
	removed   bool
	monitored bool
	admitted  bool
}

func newRecord(info backend.DeviceInfo, dev usb.Device, h backend.Handle, log *zap.Logger) *Record {
	r := &Record{
		key:    info.Key(),
		info:   info,
		device: dev,
		handle: h,
		log:    log,
	}
	r.refs.Store(1)
	return r
}

// NewDetachedRecord builds a record that no registry tracks, for callers
// that sample a device directly. The caller owns the initial reference.
func NewDetachedRecord(info backend.DeviceInfo, dev usb.Device, h backend.Handle) *Record {
	return newRecord(info, dev, h, zap.NewNop())
}

// Key returns the canonical device key.
func (r *Record) Key() string { return r.key }

// Identity returns the device identity.
func (r *Record) Identity() usb.Identity { return r.info.Identity }

// Info returns the enumeration entry the record was created from.
func (r *Record) Info() backend.DeviceInfo { return r.info }

// Device returns a copy of the descriptor snapshot.
func (r *Record) Device() *usb.Device {
	d := r.device
	return &d
}

// Handle returns the native handle, or nil if the device was not opened.
func (r *Record) Handle() backend.Handle { return r.handle }

// Acquire adds a reference. It fails once the record has been fully
// released.
func (r *Record) Acquire() bool {
	for {
		n := r.refs.Load()
		if n <= 0 {
			return false
		}
		if r.refs.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

// Release drops a reference, closing the handle on the last one.
func (r *Record) Release() {
	n := r.refs.Add(-1)
	switch {
	case n == 0:
		if r.handle != nil {
			if err := r.handle.Close(); err != nil {
				r.log.Debug("close handle", zap.String("key", r.key), zap.Error(err))
			}
		}
	case n < 0:
		r.log.Error("record released too many times", zap.String("key", r.key))
	}
}

// Refs returns the current reference count.
func (r *Record) Refs() int { return int(r.refs.Load()) }

// Removed reports whether the device has left the registry.
func (r *Record) Removed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.removed
}

// Monitored reports whether monitors were started for the device.
func (r *Record) Monitored() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.monitored
}

// Admitted reports whether the arrival gate accepted the device.
func (r *Record) Admitted() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.admitted
}

// Summary returns the JSON-friendly description published with lifecycle
// events.
func (r *Record) Summary() Summary {
	return Summary{
		Key:          r.key,
		VendorID:     r.info.VendorID,
		ProductID:    r.info.ProductID,
		Bus:          r.info.Bus,
		Address:      r.info.Address,
		Class:        r.device.Class().Hex(),
		Speed:        r.device.Speed.String(),
		Description:  r.device.Description,
		Manufacturer: r.device.Manufacturer,
		Product:      r.device.Product,
		Serial:       r.device.Serial,
	}
}

// Summary is the payload of DeviceAdded and DeviceRemoved.
type Summary struct {
	Key          string `json:"key"`
	VendorID     uint16 `json:"vendorId"`
	ProductID    uint16 `json:"productId"`
	Bus          uint8  `json:"bus"`
	Address      uint8  `json:"address"`
	Class        string `json:"class"`
	Speed        string `json:"speed"`
	Description  string `json:"description,omitempty"`
	Manufacturer string `json:"manufacturer,omitempty"`
	Product      string `json:"product,omitempty"`
	Serial       string `json:"serial,omitempty"`
}
