package registry

import (
	"context"
	"errors"
	"time"

	"github.com/ardnew/usbwatch/backend"
	"github.com/ardnew/usbwatch/pkg"
	"github.com/ardnew/usbwatch/usb"
)

// TransferObserver receives every transfer issued through a tracked
// device's handle.
type TransferObserver interface {
	RecordTransfer(key string, endpoint uint8, size int, dir usb.Direction, status pkg.TransferStatus)
}

// WithTransferObserver reports the transfers made on opened devices to obs.
func WithTransferObserver(obs TransferObserver) Option {
	return func(r *Registry) { r.observer = obs }
}

// observedHandle forwards to a backend handle and reports each transfer.
type observedHandle struct {
	backend.Handle
	key string
	obs TransferObserver
}

// observe wraps h so its transfers reach obs. The optional TrafficCounter
// and PowerController interfaces of h stay visible on the result.
func observe(h backend.Handle, key string, obs TransferObserver) backend.Handle {
	o := &observedHandle{Handle: h, key: key, obs: obs}
	tc, isCounter := h.(backend.TrafficCounter)
	pc, isPower := h.(backend.PowerController)
	switch {
	case isCounter && isPower:
		return struct {
			*observedHandle
			backend.TrafficCounter
			backend.PowerController
		}{o, tc, pc}
	case isCounter:
		return struct {
			*observedHandle
			backend.TrafficCounter
		}{o, tc}
	case isPower:
		return struct {
			*observedHandle
			backend.PowerController
		}{o, pc}
	}
	return o
}

func (h *observedHandle) Control(ctx context.Context, setup usb.Setup, data []byte, timeout time.Duration) (int, error) {
	n, err := h.Handle.Control(ctx, setup, data, timeout)
	dir := usb.DirectionOut
	if setup.RequestType&usb.RequestTypeIn != 0 {
		dir = usb.DirectionIn
	}
	h.report(0, n, dir, err)
	return n, err
}

func (h *observedHandle) Bulk(ctx context.Context, endpoint uint8, data []byte, timeout time.Duration) (int, error) {
	n, err := h.Handle.Bulk(ctx, endpoint, data, timeout)
	h.report(endpoint, n, usb.DirectionOf(endpoint), err)
	return n, err
}

func (h *observedHandle) Interrupt(ctx context.Context, endpoint uint8, data []byte, timeout time.Duration) (int, error) {
	n, err := h.Handle.Interrupt(ctx, endpoint, data, timeout)
	h.report(endpoint, n, usb.DirectionOf(endpoint), err)
	return n, err
}

// report skips requests the backend refused without touching the bus.
func (h *observedHandle) report(endpoint uint8, n int, dir usb.Direction, err error) {
	if errors.Is(err, pkg.ErrNotSupported) {
		return
	}
	h.obs.RecordTransfer(h.key, endpoint, n, dir, pkg.StatusOf(err))
}
