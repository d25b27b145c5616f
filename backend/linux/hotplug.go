//go:build linux

package linux

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/ardnew/usbwatch/backend"
	"github.com/ardnew/usbwatch/pkg"
	"github.com/ardnew/usbwatch/usb"
)

// pollTimeoutMillis bounds how long Watch sleeps before rechecking its
// context.
const pollTimeoutMillis = 200

// =============================================================================
// uevent parsing
// =============================================================================

type ueventAction uint8

const (
	ueventOther ueventAction = iota
	ueventAdd
	ueventRemove
)

// uevent is the subset of a kernel uevent used for USB hotplug.
type uevent struct {
	action    ueventAction
	devpath   string
	subsystem string
	devtype   string
	busnum    string
	devnum    string
	product   string // idVendor/idProduct/bcdDevice, hex without padding
	typ       string // class/subclass/protocol, decimal
}

// parseUEvent decodes a NUL-separated uevent message. The optional
// "action@devpath" header is ignored in favor of the ACTION key.
func parseUEvent(data []byte) uevent {
	var ev uevent
	for _, field := range bytes.Split(data, []byte{0}) {
		key, value, ok := strings.Cut(string(field), "=")
		if !ok {
			continue
		}
		switch key {
		case "ACTION":
			switch value {
			case "add":
				ev.action = ueventAdd
			case "remove":
				ev.action = ueventRemove
			}
		case "DEVPATH":
			ev.devpath = value
		case "SUBSYSTEM":
			ev.subsystem = value
		case "DEVTYPE":
			ev.devtype = value
		case "BUSNUM":
			ev.busnum = value
		case "DEVNUM":
			ev.devnum = value
		case "PRODUCT":
			ev.product = value
		case "TYPE":
			ev.typ = value
		}
	}
	return ev
}

// hotplug converts a uevent to a HotplugEvent. Only add and remove events
// for whole USB devices convert.
func (ev uevent) hotplug(root string) (backend.HotplugEvent, bool) {
	if ev.subsystem != "usb" || ev.devtype != "usb_device" {
		return backend.HotplugEvent{}, false
	}
	var out backend.HotplugEvent
	switch ev.action {
	case ueventAdd:
		out.Action = backend.ActionArrived
	case ueventRemove:
		out.Action = backend.ActionLeft
	default:
		return backend.HotplugEvent{}, false
	}

	bus, err := strconv.ParseUint(ev.busnum, 10, 8)
	if err != nil {
		return backend.HotplugEvent{}, false
	}
	addr, err := strconv.ParseUint(ev.devnum, 10, 8)
	if err != nil {
		return backend.HotplugEvent{}, false
	}
	out.Device.Bus, out.Device.Address = uint8(bus), uint8(addr)
	if ev.devpath != "" {
		out.Device.Path = filepath.Join(root, filepath.Base(ev.devpath))
	}

	if parts := strings.Split(ev.product, "/"); len(parts) >= 2 {
		if v, err := strconv.ParseUint(parts[0], 16, 16); err == nil {
			out.Device.VendorID = uint16(v)
		}
		if v, err := strconv.ParseUint(parts[1], 16, 16); err == nil {
			out.Device.ProductID = uint16(v)
		}
	}
	if class, _, ok := strings.Cut(ev.typ, "/"); ok {
		if v, err := strconv.ParseUint(class, 10, 8); err == nil {
			out.Device.Class = usb.Class(v)
		}
	}
	return out, true
}

// =============================================================================
// Netlink watcher
// =============================================================================

// Watch implements backend.Watcher by listening on the kernel uevent
// netlink socket. Arrivals are completed from sysfs when the device
// directory is readable.
func (b *Backend) Watch(ctx context.Context, fn func(backend.HotplugEvent)) error {
	fd, err := unix.Socket(unix.AF_NETLINK,
		unix.SOCK_DGRAM|unix.SOCK_CLOEXEC|unix.SOCK_NONBLOCK, netlinkKObjectUEvent)
	if err != nil {
		return fmt.Errorf("uevent socket: %w", pkg.MapErrno(err))
	}
	defer unix.Close(fd)

	addr := &unix.SockaddrNetlink{Family: unix.AF_NETLINK, Groups: ueventGroupKernel}
	if err := unix.Bind(fd, addr); err != nil {
		return fmt.Errorf("uevent bind: %w", pkg.MapErrno(err))
	}
	b.log.Debug("listening for uevents")

	buf := make([]byte, ueventBufferSize)
	fds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		n, err := unix.Poll(fds, pollTimeoutMillis)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return fmt.Errorf("uevent poll: %w", err)
		}
		if n == 0 {
			continue
		}

		for {
			n, _, err := unix.Recvfrom(fd, buf, 0)
			if err != nil {
				if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EINTR) {
					break
				}
				if errors.Is(err, unix.ENOBUFS) {
					b.log.Warn("uevent queue overflowed, notifications lost")
					break
				}
				return fmt.Errorf("uevent recv: %w", err)
			}
			ev, ok := parseUEvent(buf[:n]).hotplug(b.sysfs)
			if !ok {
				continue
			}
			if ev.Action == backend.ActionArrived && ev.Device.Path != "" {
				if info, err := parseDevice(ev.Device.Path); err == nil {
					ev.Device = info
				}
			}
			b.log.Debug("hotplug",
				zap.Stringer("action", ev.Action),
				zap.String("device", ev.Device.Key()))
			fn(ev)
		}
	}
}
