// Package registry tracks the USB devices present on the host.
//
// The registry merges two sources of truth: full enumerations from the
// backend and push notifications (arrival, removal). Both feed the same
// serialized lifecycle path, so a device is tracked at most once per key
// and a removal always stops the device's monitors before DeviceRemoved is
// published.
//
// On arrival the registry opens the device, snapshots its descriptors,
// publishes DeviceAdded and then asks its Gate (normally the security
// coordinator) whether to admit it. Admitted devices are handed to each
// Monitor. Every Record is reference counted; the native handle is closed
// when the registry and all monitors have released it.
package registry
