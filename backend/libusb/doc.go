// Package libusb is a portable backend built on libusb through gousb.
//
// It requires cgo and the libusb-1.0 development files, and is compiled
// only with the libusb build tag:
//
//	go build -tags libusb ./...
//
// gousb exposes no hotplug callbacks, so this backend does not implement
// backend.Watcher and the registry falls back to polling.
package libusb
