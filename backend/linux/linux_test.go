//go:build linux

package linux

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ardnew/usbwatch/backend"
	"github.com/ardnew/usbwatch/pkg"
	"github.com/ardnew/usbwatch/usb"
)

// =============================================================================
// Test sysfs tree
// =============================================================================

var (
	testDeviceDescriptor = []byte{
		18, usb.DescriptorTypeDevice, 0x00, 0x02, 0x00, 0x00, 0x00, 64,
		0x6D, 0x04, 0x2B, 0xC5, 0x00, 0x01, 1, 2, 3, 1,
	}
	testConfigDescriptor = []byte{
		9, usb.DescriptorTypeConfiguration, 25, 0, 1, 1, 0, 0x80, 50,
		9, usb.DescriptorTypeInterface, 0, 0, 1, 0x03, 0x01, 0x02, 0,
		7, usb.DescriptorTypeEndpoint, 0x81, 0x03, 8, 0, 10,
	}
)

func writeAttrs(t *testing.T, dir string, attrs map[string]string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(dir, 0o755))
	for name, value := range attrs {
		path := filepath.Join(dir, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(value+"\n"), 0o644))
	}
}

// newTestTree builds a sysfs root holding one HID mouse at 1-2, a root hub
// and an interface entry.
func newTestTree(t *testing.T) (sysfs, devfs string) {
	t.Helper()
	root := t.TempDir()
	sysfs = filepath.Join(root, "sys")
	devfs = filepath.Join(root, "dev")
	require.NoError(t, os.MkdirAll(devfs, 0o755))

	writeAttrs(t, filepath.Join(sysfs, "usb1"), map[string]string{
		"busnum": "1", "devnum": "1", "idVendor": "1d6b", "idProduct": "0002",
	})
	writeAttrs(t, filepath.Join(sysfs, "1-2:1.0"), map[string]string{
		"bInterfaceClass": "03",
	})
	writeAttrs(t, filepath.Join(sysfs, "1-2"), map[string]string{
		"busnum":              "1",
		"devnum":              "7",
		"idVendor":            "046d",
		"idProduct":           "c52b",
		"bDeviceClass":        "00",
		"speed":               "12",
		"version":             " 2.00",
		"bConfigurationValue": "1",
		"manufacturer":        "Logitech",
		"product":             "USB Receiver",
		"power/control":       "on",
	})
	raw := append(append([]byte{}, testDeviceDescriptor...), testConfigDescriptor...)
	require.NoError(t, os.WriteFile(filepath.Join(sysfs, "1-2", "descriptors"), raw, 0o644))
	return sysfs, devfs
}

func openTestDevice(t *testing.T) (backend.Handle, string) {
	t.Helper()
	sysfs, devfs := newTestTree(t)
	b := New(WithSysfsRoot(sysfs), WithDevfsRoot(devfs))
	require.NoError(t, b.Init(context.Background()))
	devices, err := b.Enumerate(context.Background())
	require.NoError(t, err)
	require.Len(t, devices, 1)
	h, err := b.Open(context.Background(), devices[0])
	require.NoError(t, err)
	t.Cleanup(func() { _ = h.Close() })
	return h, devices[0].Path
}

// =============================================================================
// Backend
// =============================================================================

func TestBackend_Init(t *testing.T) {
	b := New(WithSysfsRoot(filepath.Join(t.TempDir(), "missing")))
	assert.ErrorIs(t, b.Init(context.Background()), pkg.ErrBackendUnavailable)

	file := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(file, nil, 0o644))
	assert.ErrorIs(t, New(WithSysfsRoot(file)).Init(context.Background()), pkg.ErrBackendUnavailable)
}

func TestBackend_Enumerate(t *testing.T) {
	sysfs, devfs := newTestTree(t)
	b := New(WithSysfsRoot(sysfs), WithDevfsRoot(devfs))

	devices, err := b.Enumerate(context.Background())
	require.NoError(t, err)
	require.Len(t, devices, 1)
	assert.Equal(t, backend.DeviceInfo{
		Identity: usb.Identity{VendorID: 0x046D, ProductID: 0xC52B, Bus: 1, Address: 7},
		Class:    usb.ClassPerInterface,
		Speed:    usb.SpeedFull,
		Path:     filepath.Join(sysfs, "1-2"),
	}, devices[0])
}

func TestBackend_OpenByAddress(t *testing.T) {
	sysfs, devfs := newTestTree(t)
	b := New(WithSysfsRoot(sysfs), WithDevfsRoot(devfs))

	h, err := b.Open(context.Background(), backend.DeviceInfo{
		Identity: usb.Identity{Bus: 1, Address: 7},
	})
	require.NoError(t, err)
	defer h.Close()
	_, product, _ := h.Strings(context.Background())
	assert.Equal(t, "USB Receiver", product)

	_, err = b.Open(context.Background(), backend.DeviceInfo{
		Identity: usb.Identity{Bus: 2, Address: 3},
	})
	assert.ErrorIs(t, err, pkg.ErrDeviceNotFound)
}

// =============================================================================
// Handle
// =============================================================================

func TestHandle_Descriptors(t *testing.T) {
	h, _ := openTestDevice(t)
	ctx := context.Background()

	desc, err := h.Descriptor(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint16(0x046D), desc.VendorID)
	assert.Equal(t, uint16(0xC52B), desc.ProductID)

	cfg, err := h.ActiveConfig(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint8(1), cfg.Value)
	assert.Equal(t, uint16(100), cfg.MaxPower)
	assert.Equal(t, []usb.Class{usb.ClassHID}, cfg.InterfaceClasses())
	require.Len(t, cfg.Endpoints(), 1)
	assert.Equal(t, usb.TransferTypeInterrupt, cfg.Endpoints()[0].Type)

	manufacturer, product, serial := h.Strings(ctx)
	assert.Equal(t, "Logitech", manufacturer)
	assert.Equal(t, "USB Receiver", product)
	assert.Empty(t, serial)
	assert.Equal(t, usb.SpeedFull, h.Speed())
}

func TestHandle_UnconfiguredDevice(t *testing.T) {
	h, dir := openTestDevice(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bConfigurationValue"), []byte("\n"), 0o644))
	_, err := h.ActiveConfig(context.Background())
	assert.ErrorIs(t, err, pkg.ErrNotSupported)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "bConfigurationValue"), []byte("2\n"), 0o644))
	_, err = h.ActiveConfig(context.Background())
	assert.ErrorIs(t, err, pkg.ErrDeviceNotFound)
}

func TestHandle_TruncatedDescriptors(t *testing.T) {
	h, dir := openTestDevice(t)
	raw := append(append([]byte{}, testDeviceDescriptor...), testConfigDescriptor[:12]...)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "descriptors"), raw, 0o644))
	_, err := h.ActiveConfig(context.Background())
	assert.ErrorIs(t, err, pkg.ErrDescriptorTooShort)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "descriptors"), testDeviceDescriptor[:8], 0o644))
	_, err = h.Descriptor(context.Background())
	assert.ErrorIs(t, err, pkg.ErrDescriptorTooShort)
}

func TestHandle_TransfersWithoutNode(t *testing.T) {
	h, _ := openTestDevice(t)
	ctx := context.Background()

	_, err := h.Control(ctx, usb.GetDescriptorSetup(usb.DescriptorTypeDevice, 0, 0, 18), make([]byte, 18), 0)
	assert.ErrorIs(t, err, pkg.ErrDeviceNotFound)
	_, err = h.Bulk(ctx, 0x81, make([]byte, 64), 0)
	assert.ErrorIs(t, err, pkg.ErrDeviceNotFound)

	// USB 2.00 predates BOS.
	_, err = h.BOS(ctx)
	assert.ErrorIs(t, err, pkg.ErrNotSupported)

	read, written, err := h.(backend.TrafficCounter).Traffic()
	require.NoError(t, err)
	assert.Zero(t, read)
	assert.Zero(t, written)
}

func TestHandle_SetSuspended(t *testing.T) {
	h, dir := openTestDevice(t)
	pc := h.(backend.PowerController)
	path := filepath.Join(dir, "power", "control")

	require.NoError(t, pc.SetSuspended(context.Background(), true))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "auto", string(data))

	require.NoError(t, pc.SetSuspended(context.Background(), false))
	data, err = os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "on", string(data))
}

// =============================================================================
// Attribute parsing
// =============================================================================

func TestParseSpeed(t *testing.T) {
	tests := []struct {
		in   string
		want usb.Speed
	}{
		{"1.5", usb.SpeedLow},
		{"12", usb.SpeedFull},
		{"480\n", usb.SpeedHigh},
		{"5000", usb.SpeedSuper},
		{"10000", usb.SpeedSuperPlus},
		{"20000", usb.SpeedSuperPlus},
		{"", usb.SpeedUnknown},
		{"fast", usb.SpeedUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, parseSpeed(tt.in))
		})
	}
}

func TestReadVersion(t *testing.T) {
	dir := t.TempDir()
	tests := []struct {
		in   string
		want uint16
		ok   bool
	}{
		{" 1.10", 0x0110, true},
		{" 2.00", 0x0200, true},
		{" 3.20", 0x0320, true},
		{"2", 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			path := filepath.Join(dir, "version")
			require.NoError(t, os.WriteFile(path, []byte(tt.in+"\n"), 0o644))
			got, err := readVersion(path)
			if !tt.ok {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDevfsPath(t *testing.T) {
	assert.Equal(t, "/dev/bus/usb/001/007", devfsPath(DevfsUSBPath, 1, 7))
	assert.Equal(t, "/dev/bus/usb/012/123", devfsPath(DevfsUSBPath, 12, 123))
}

// =============================================================================
// uevents
// =============================================================================

func TestParseUEvent(t *testing.T) {
	root := SysfsUSBPath
	devpath := "/devices/pci0000:00/0000:00:14.0/usb1/1-2"

	tests := []struct {
		name string
		data string
		want backend.HotplugEvent
		ok   bool
	}{
		{
			name: "add",
			data: "add@" + devpath + "\x00ACTION=add\x00DEVPATH=" + devpath +
				"\x00SUBSYSTEM=usb\x00DEVTYPE=usb_device\x00PRODUCT=46d/c52b/1201" +
				"\x00TYPE=0/0/0\x00BUSNUM=001\x00DEVNUM=007\x00",
			want: backend.HotplugEvent{
				Action: backend.ActionArrived,
				Device: backend.DeviceInfo{
					Identity: usb.Identity{VendorID: 0x046D, ProductID: 0xC52B, Bus: 1, Address: 7},
					Path:     filepath.Join(root, "1-2"),
				},
			},
			ok: true,
		},
		{
			name: "remove",
			data: "remove@" + devpath + "\x00ACTION=remove\x00DEVPATH=" + devpath +
				"\x00SUBSYSTEM=usb\x00DEVTYPE=usb_device\x00TYPE=9/0/1\x00BUSNUM=002\x00DEVNUM=003\x00",
			want: backend.HotplugEvent{
				Action: backend.ActionLeft,
				Device: backend.DeviceInfo{
					Identity: usb.Identity{Bus: 2, Address: 3},
					Class:    usb.ClassHub,
					Path:     filepath.Join(root, "1-2"),
				},
			},
			ok: true,
		},
		{
			name: "interface",
			data: "ACTION=add\x00DEVPATH=" + devpath + ":1.0\x00SUBSYSTEM=usb\x00DEVTYPE=usb_interface\x00",
		},
		{
			name: "bind",
			data: "ACTION=bind\x00DEVPATH=" + devpath + "\x00SUBSYSTEM=usb\x00DEVTYPE=usb_device\x00BUSNUM=001\x00DEVNUM=007\x00",
		},
		{
			name: "other subsystem",
			data: "ACTION=add\x00SUBSYSTEM=block\x00DEVTYPE=disk\x00",
		},
		{
			name: "missing address",
			data: "ACTION=add\x00SUBSYSTEM=usb\x00DEVTYPE=usb_device\x00",
		},
		{
			name: "empty",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := parseUEvent([]byte(tt.data)).hotplug(root)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestWatch_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := New().Watch(ctx, func(backend.HotplugEvent) {})
	if err != nil && !errors.Is(err, context.Canceled) {
		t.Skipf("uevent socket unavailable: %v", err)
	}
	assert.ErrorIs(t, err, context.Canceled)
}
