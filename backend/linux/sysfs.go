//go:build linux

package linux

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/ardnew/usbwatch/backend"
	"github.com/ardnew/usbwatch/pkg"
	"github.com/ardnew/usbwatch/usb"
)

// =============================================================================
// Enumeration
// =============================================================================

// scanDevices lists the device directories under root. Root hubs (usbN)
// and interface entries (1-1:1.0) are skipped, as are entries that cannot
// be parsed.
func scanDevices(root string) ([]backend.DeviceInfo, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, err
	}

	var devices []backend.DeviceInfo
	for _, entry := range entries {
		name := entry.Name()
		if !isDeviceName(name) {
			continue
		}
		info, err := parseDevice(filepath.Join(root, name))
		if err != nil {
			continue
		}
		devices = append(devices, info)
	}
	return devices, nil
}

func isDeviceName(name string) bool {
	return !strings.HasPrefix(name, "usb") && !strings.Contains(name, ":")
}

// parseDevice reads the identifying attributes of one device directory.
// Bus and device numbers are required; the rest default to zero.
func parseDevice(dir string) (backend.DeviceInfo, error) {
	info := backend.DeviceInfo{Path: dir}

	bus, err := readUint8(filepath.Join(dir, "busnum"))
	if err != nil {
		return info, err
	}
	addr, err := readUint8(filepath.Join(dir, "devnum"))
	if err != nil {
		return info, err
	}
	info.Bus, info.Address = bus, addr

	if v, err := readHexUint16(filepath.Join(dir, "idVendor")); err == nil {
		info.VendorID = v
	}
	if v, err := readHexUint16(filepath.Join(dir, "idProduct")); err == nil {
		info.ProductID = v
	}
	if v, err := readHexUint8(filepath.Join(dir, "bDeviceClass")); err == nil {
		info.Class = usb.Class(v)
	}
	if s, err := readString(filepath.Join(dir, "speed")); err == nil {
		info.Speed = parseSpeed(s)
	}
	return info, nil
}

// parseSpeed maps the sysfs speed attribute (Mbps) to a Speed.
func parseSpeed(s string) usb.Speed {
	switch strings.TrimSpace(s) {
	case "1.5":
		return usb.SpeedLow
	case "12":
		return usb.SpeedFull
	case "480":
		return usb.SpeedHigh
	case "5000":
		return usb.SpeedSuper
	case "10000", "20000":
		return usb.SpeedSuperPlus
	default:
		return usb.SpeedUnknown
	}
}

// devfsPath returns the usbfs node of a device.
func devfsPath(root string, bus, addr uint8) string {
	return filepath.Join(root, fmt.Sprintf("%03d", bus), fmt.Sprintf("%03d", addr))
}

// =============================================================================
// Descriptors
// =============================================================================

// rawDescriptors splits the sysfs descriptors attribute into the device
// descriptor and the configuration descriptor trees that follow it.
func rawDescriptors(dir string) (dev []byte, configs [][]byte, err error) {
	data, err := os.ReadFile(filepath.Join(dir, "descriptors"))
	if err != nil {
		return nil, nil, pkg.MapErrno(err)
	}
	if len(data) < usb.DeviceDescriptorSize {
		return nil, nil, pkg.ErrDescriptorTooShort
	}
	dev = data[:usb.DeviceDescriptorSize]

	rest := data[usb.DeviceDescriptorSize:]
	for len(rest) >= usb.ConfigurationDescriptorSize {
		if rest[1] != usb.DescriptorTypeConfiguration {
			return dev, configs, pkg.ErrDescriptorTypeMismatch
		}
		total := int(rest[2]) | int(rest[3])<<8
		if total < usb.ConfigurationDescriptorSize || total > len(rest) {
			return dev, configs, pkg.ErrDescriptorTooShort
		}
		configs = append(configs, rest[:total])
		rest = rest[total:]
	}
	return dev, configs, nil
}

// activeConfig returns the configuration tree selected by the
// bConfigurationValue attribute.
func activeConfig(dir string, speed usb.Speed) (usb.Config, error) {
	s, err := readString(filepath.Join(dir, "bConfigurationValue"))
	if err != nil {
		return usb.Config{}, pkg.MapErrno(err)
	}
	if s == "" {
		return usb.Config{}, fmt.Errorf("%w: device is unconfigured", pkg.ErrNotSupported)
	}
	value, err := strconv.ParseUint(s, 10, 8)
	if err != nil {
		return usb.Config{}, fmt.Errorf("%w: bConfigurationValue %q", pkg.ErrInvalidParameter, s)
	}

	_, configs, err := rawDescriptors(dir)
	if err != nil {
		return usb.Config{}, err
	}
	for _, c := range configs {
		if c[5] == uint8(value) {
			return usb.ParseConfig(c, speed)
		}
	}
	return usb.Config{}, fmt.Errorf("%w: configuration %d not present", pkg.ErrDeviceNotFound, value)
}

// =============================================================================
// Attribute readers
// =============================================================================

func readString(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

// readVersion parses the bcdUSB attribute, printed as "M.mm".
func readVersion(path string) (uint16, error) {
	s, err := readString(path)
	if err != nil {
		return 0, err
	}
	major, minor, ok := strings.Cut(s, ".")
	if !ok {
		return 0, fmt.Errorf("%w: version %q", pkg.ErrInvalidParameter, s)
	}
	hi, err := strconv.ParseUint(major, 16, 8)
	if err != nil {
		return 0, err
	}
	lo, err := strconv.ParseUint(minor, 16, 8)
	if err != nil {
		return 0, err
	}
	return uint16(hi)<<8 | uint16(lo), nil
}

func readUint8(path string) (uint8, error) {
	s, err := readString(path)
	if err != nil {
		return 0, err
	}
	v, err := strconv.ParseUint(s, 10, 8)
	return uint8(v), err
}

func readHexUint8(path string) (uint8, error) {
	s, err := readString(path)
	if err != nil {
		return 0, err
	}
	v, err := strconv.ParseUint(s, 16, 8)
	return uint8(v), err
}

func readHexUint16(path string) (uint16, error) {
	s, err := readString(path)
	if err != nil {
		return 0, err
	}
	v, err := strconv.ParseUint(s, 16, 16)
	return uint16(v), err
}
