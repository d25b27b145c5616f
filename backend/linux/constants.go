//go:build linux

package linux

// Filesystem roots.
const (
	SysfsUSBPath = "/sys/bus/usb/devices"
	DevfsUSBPath = "/dev/bus/usb"
)

// Netlink parameters for kernel uevents.
const (
	netlinkKObjectUEvent = 15 // NETLINK_KOBJECT_UEVENT
	ueventGroupKernel    = 1
	ueventBufferSize     = 8192
)

// sysfs power/control values.
const (
	powerControlAuto = "auto"
	powerControlOn   = "on"
)
