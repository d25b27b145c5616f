//go:build linux

package linux

import (
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

// ctrlTransfer matches struct usbdevfs_ctrltransfer.
type ctrlTransfer struct {
	requestType uint8
	request     uint8
	value       uint16
	index       uint16
	length      uint16
	timeout     uint32 // milliseconds
	data        unsafe.Pointer
}

// bulkTransfer matches struct usbdevfs_bulktransfer.
type bulkTransfer struct {
	endpoint uint32
	length   uint32
	timeout  uint32 // milliseconds
	data     unsafe.Pointer
}

func timeoutMillis(d time.Duration) uint32 {
	if d <= 0 {
		return 0
	}
	ms := d.Milliseconds()
	if ms == 0 {
		ms = 1
	}
	return uint32(ms)
}

// ioctlTransfer issues a synchronous usbdevfs transfer. The kernel returns
// the byte count as the ioctl result.
func ioctlTransfer(fd int, req uintptr, arg unsafe.Pointer) (int, error) {
	r, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), req, uintptr(arg))
	if errno != 0 {
		return 0, errno
	}
	return int(r), nil
}

func doControlTransfer(fd int, reqType, req uint8, value, index uint16, data []byte, timeout time.Duration) (int, error) {
	ctrl := ctrlTransfer{
		requestType: reqType,
		request:     req,
		value:       value,
		index:       index,
		length:      uint16(len(data)),
		timeout:     timeoutMillis(timeout),
	}
	if len(data) > 0 {
		ctrl.data = unsafe.Pointer(&data[0])
	}
	return ioctlTransfer(fd, ioctlUsbdevfsControl, unsafe.Pointer(&ctrl))
}

// doBulkTransfer also serves interrupt endpoints; usbfs picks the pipe
// type from the endpoint descriptor.
func doBulkTransfer(fd int, endpoint uint8, data []byte, timeout time.Duration) (int, error) {
	bulk := bulkTransfer{
		endpoint: uint32(endpoint),
		length:   uint32(len(data)),
		timeout:  timeoutMillis(timeout),
	}
	if len(data) > 0 {
		bulk.data = unsafe.Pointer(&data[0])
	}
	return ioctlTransfer(fd, ioctlUsbdevfsBulk, unsafe.Pointer(&bulk))
}
