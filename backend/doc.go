// Package backend defines the native device-access capability consumed by
// usbwatch.
//
// A Backend enumerates attached devices and opens Handles for descriptor
// reads and control, bulk and interrupt transfers. Optional capabilities are
// discovered by type assertion:
//
//   - Watcher: push hotplug notifications
//   - TrafficCounter: host-maintained byte counters per handle
//   - PowerController: runtime suspend control per handle
//
// Implementations:
//
//   - backend/linux: sysfs enumeration, netlink uevents, usbfs ioctls
//   - backend/libusb: libusb via github.com/google/gousb (build tag libusb)
//   - backend/fake: in-memory devices for tests and dry runs
package backend
