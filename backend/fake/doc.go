// Package fake provides an in-memory backend.Backend for tests and dry runs.
//
// Devices are plugged and unplugged programmatically. With WithHotplug the
// backend also implements push notifications; without it, consumers must
// poll Enumerate:
//
//	b := fake.New(fake.WithHotplug())
//	d := fake.NewDevice(0x046d, 0xc52b, 1, 5, usb.ClassPerInterface, usb.SpeedFull, usb.ClassHID)
//	b.Plug(d)
//	b.Unplug(d.Key())
//
// Handles answer the device-status power query when StatusCurrent is set,
// count bulk and interrupt bytes per direction, and expose those counters
// through backend.TrafficCounter.
package fake
