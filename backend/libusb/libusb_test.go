//go:build libusb

package libusb

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/gousb"
	"github.com/stretchr/testify/assert"

	"github.com/ardnew/usbwatch/backend"
	"github.com/ardnew/usbwatch/pkg"
	"github.com/ardnew/usbwatch/usb"
)

func TestDeviceInfo(t *testing.T) {
	info := deviceInfo(&gousb.DeviceDesc{
		Bus:     1,
		Address: 7,
		Path:    []int{2, 4},
		Speed:   gousb.SpeedHigh,
		Vendor:  0x046D,
		Product: 0xC52B,
		Class:   gousb.ClassHub,
	})
	assert.Equal(t, backend.DeviceInfo{
		Identity: usb.Identity{VendorID: 0x046D, ProductID: 0xC52B, Bus: 1, Address: 7},
		Class:    usb.ClassHub,
		Speed:    usb.SpeedHigh,
		Path:     "1-2.4",
	}, info)
}

func TestConvertConfig(t *testing.T) {
	desc := gousb.ConfigDesc{
		Number:      1,
		SelfPowered: true,
		MaxPower:    100,
		Interfaces: []gousb.InterfaceDesc{{
			Number: 0,
			AltSettings: []gousb.InterfaceSetting{{
				Class: gousb.ClassHID,
				Endpoints: map[gousb.EndpointAddress]gousb.EndpointDesc{
					0x81: {Address: 0x81, MaxPacketSize: 8, TransferType: gousb.TransferTypeInterrupt, PollInterval: 10 * time.Millisecond},
					0x01: {Address: 0x01, MaxPacketSize: 3072, TransferType: gousb.TransferTypeIsochronous, PollInterval: 125 * time.Microsecond},
				},
			}},
		}},
	}

	c := convertConfig(desc, usb.SpeedHigh)
	assert.Equal(t, uint8(1), c.Value)
	assert.True(t, c.SelfPowered())
	assert.Equal(t, uint16(100), c.MaxPower)
	assert.Equal(t, []usb.Class{usb.ClassHID}, c.InterfaceClasses())

	eps := c.Endpoints()
	assert.Equal(t, []usb.Endpoint{
		{Address: 0x01, Type: usb.TransferTypeIsochronous, MaxPacketSize: 1024 | 2<<11, Interval: 1},
		{Address: 0x81, Type: usb.TransferTypeInterrupt, MaxPacketSize: 8, Interval: 8},
	}, eps)
	assert.Equal(t, 3072, eps[0].PacketSize())
}

func TestEncodeInterval(t *testing.T) {
	tests := []struct {
		d     time.Duration
		typ   usb.TransferType
		speed usb.Speed
		want  uint8
	}{
		{0, usb.TransferTypeInterrupt, usb.SpeedFull, 0},
		{10 * time.Millisecond, usb.TransferTypeInterrupt, usb.SpeedFull, 10},
		{10 * time.Millisecond, usb.TransferTypeInterrupt, usb.SpeedLow, 10},
		{125 * time.Microsecond, usb.TransferTypeInterrupt, usb.SpeedHigh, 1},
		{time.Millisecond, usb.TransferTypeInterrupt, usb.SpeedHigh, 4},
		{time.Millisecond, usb.TransferTypeIsochronous, usb.SpeedFull, 1},
		{4 * time.Millisecond, usb.TransferTypeIsochronous, usb.SpeedFull, 3},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, encodeInterval(tt.d, tt.typ, tt.speed), "%v %v %v", tt.d, tt.typ, tt.speed)
	}
}

func TestMapError(t *testing.T) {
	tests := []struct {
		err  error
		want error
	}{
		{gousb.ErrorAccess, pkg.ErrAccessDenied},
		{gousb.ErrorNoDevice, pkg.ErrDeviceNotFound},
		{gousb.ErrorTimeout, pkg.ErrTimeout},
		{gousb.ErrorNotSupported, pkg.ErrNotSupported},
		{gousb.ErrorPipe, pkg.ErrTransfer},
		{gousb.TransferTimedOut, pkg.ErrTimeout},
		{gousb.TransferNoDevice, pkg.ErrDeviceNotFound},
		{gousb.TransferStall, pkg.ErrTransfer},
		{context.DeadlineExceeded, pkg.ErrTimeout},
	}
	for _, tt := range tests {
		assert.ErrorIs(t, mapError(tt.err), tt.want, "%v", tt.err)
	}
	assert.NoError(t, mapError(nil))
	other := errors.New("other")
	assert.Equal(t, other, mapError(other))
}

func TestBackend_NotInitialized(t *testing.T) {
	b := New()
	_, err := b.Enumerate(context.Background())
	assert.ErrorIs(t, err, pkg.ErrNotRunning)
	_, err = b.Open(context.Background(), backend.DeviceInfo{})
	assert.ErrorIs(t, err, pkg.ErrNotRunning)
	assert.NoError(t, b.Close())
}
