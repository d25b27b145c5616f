// Package linux is the native Linux backend.
//
// Devices are enumerated from sysfs (/sys/bus/usb/devices) and opened
// through usbfs (/dev/bus/usb/BBB/DDD). Descriptors and strings come from
// the sysfs attributes, so a process without write access to the usbfs
// node can still monitor devices; only transfers and the BOS query need
// the node opened read-write. Hotplug notifications are read from the
// kernel uevent netlink socket.
//
// Handles also implement backend.TrafficCounter, counting the bytes moved
// through the handle itself, and backend.PowerController through the
// sysfs power/control attribute.
package linux
