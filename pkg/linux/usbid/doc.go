// Package usbid provides access to the USB ID database for looking up vendor,
// product and class names.
//
// The database is the usb.ids file distributed with most Linux systems
// (hwdata or usbutils). Load searches the standard locations once:
//
//	db := usbid.New()
//	db.Load()
//	name := db.Describe(0x046d, 0xc52b) // "Logitech, Inc. Unifying Receiver (046D:C52B)"
//
// Parse accepts any reader, which is how tests and custom locations feed the
// database. If no file is found, lookups return empty strings.
//
// All methods are safe for concurrent use.
package usbid
