//go:build linux

package linux

import "unsafe"

// ioc constructs an ioctl request number.
func ioc(dir, typ, nr, size uintptr) uintptr {
	return dir<<iocDirShift | typ<<iocTypeShift | nr<<iocNRShift | size<<iocSizeShift
}

const (
	iocNRBits   = 8
	iocTypeBits = 8

	iocNRShift   = 0
	iocTypeShift = iocNRShift + iocNRBits
	iocSizeShift = iocTypeShift + iocTypeBits
	iocDirShift  = iocSizeShift + iocSizeBits
)

// usbdevfs ioctl type character and command numbers.
const (
	usbdevfsType = 'U'

	usbdevfsControl = 0
	usbdevfsBulk    = 2
)

var (
	ioctlUsbdevfsControl = ioc(iocRead|iocWrite, usbdevfsType, usbdevfsControl, unsafe.Sizeof(ctrlTransfer{}))
	ioctlUsbdevfsBulk    = ioc(iocRead|iocWrite, usbdevfsType, usbdevfsBulk, unsafe.Sizeof(bulkTransfer{}))
)
