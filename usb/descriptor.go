package usb

import (
	"fmt"

	"github.com/ardnew/usbwatch/pkg"
)

// Descriptor types.
const (
	DescriptorTypeDevice               = 0x01
	DescriptorTypeConfiguration        = 0x02
	DescriptorTypeString               = 0x03
	DescriptorTypeInterface            = 0x04
	DescriptorTypeEndpoint             = 0x05
	DescriptorTypeInterfaceAssociation = 0x0B
	DescriptorTypeBOS                  = 0x0F
)

// Descriptor sizes.
const (
	DeviceDescriptorSize        = 18
	ConfigurationDescriptorSize = 9
	InterfaceDescriptorSize     = 9
	EndpointDescriptorSize      = 7
	BOSDescriptorSize           = 5
)

// Configuration attribute bits (bmAttributes).
const (
	ConfigAttrSelfPowered  = 0x40
	ConfigAttrRemoteWakeup = 0x20
)

// Endpoint address direction bit.
const EndpointDirectionIn = 0x80

// Direction is the data direction of a transfer.
type Direction uint8

// Transfer directions.
const (
	DirectionOut Direction = 0 // Host to device
	DirectionIn  Direction = 1 // Device to host
)

func (d Direction) String() string {
	if d == DirectionIn {
		return "in"
	}
	return "out"
}

// DirectionOf returns the direction encoded in an endpoint address.
func DirectionOf(endpoint uint8) Direction {
	if endpoint&EndpointDirectionIn != 0 {
		return DirectionIn
	}
	return DirectionOut
}

// TransferType is an endpoint transfer type.
type TransferType uint8

// Standard transfer types.
const (
	TransferTypeControl     TransferType = 0x00
	TransferTypeIsochronous TransferType = 0x01
	TransferTypeBulk        TransferType = 0x02
	TransferTypeInterrupt   TransferType = 0x03
)

// Valid reports whether t is one of the four standard transfer types.
func (t TransferType) Valid() bool { return t <= TransferTypeInterrupt }

func (t TransferType) String() string {
	switch t {
	case TransferTypeControl:
		return "control"
	case TransferTypeIsochronous:
		return "isochronous"
	case TransferTypeBulk:
		return "bulk"
	case TransferTypeInterrupt:
		return "interrupt"
	default:
		return fmt.Sprintf("transfer-type(%d)", uint8(t))
	}
}

// DeviceDescriptor represents a USB device descriptor.
type DeviceDescriptor struct {
	USBVersion        uint16
	DeviceClass       Class
	DeviceSubClass    uint8
	DeviceProtocol    uint8
	MaxPacketSize0    uint8
	VendorID          uint16
	ProductID         uint16
	DeviceVersion     uint16
	ManufacturerIndex uint8
	ProductIndex      uint8
	SerialNumberIndex uint8
	NumConfigurations uint8
}

// ParseDeviceDescriptor parses a device descriptor from data.
func ParseDeviceDescriptor(data []byte) (DeviceDescriptor, error) {
	var d DeviceDescriptor
	if len(data) < DeviceDescriptorSize {
		return d, pkg.ErrDescriptorTooShort
	}
	if data[1] != DescriptorTypeDevice {
		return d, pkg.ErrDescriptorTypeMismatch
	}
	d.USBVersion = le16(data[2:])
	d.DeviceClass = Class(data[4])
	d.DeviceSubClass = data[5]
	d.DeviceProtocol = data[6]
	d.MaxPacketSize0 = data[7]
	d.VendorID = le16(data[8:])
	d.ProductID = le16(data[10:])
	d.DeviceVersion = le16(data[12:])
	d.ManufacturerIndex = data[14]
	d.ProductIndex = data[15]
	d.SerialNumberIndex = data[16]
	d.NumConfigurations = data[17]
	return d, nil
}

// Config is a parsed configuration descriptor tree.
type Config struct {
	Value      uint8
	Attributes uint8
	MaxPower   uint16 // mA
	Interfaces []Interface
}

// SelfPowered reports the self-powered attribute bit.
func (c Config) SelfPowered() bool { return c.Attributes&ConfigAttrSelfPowered != 0 }

// RemoteWakeup reports the remote-wakeup attribute bit.
func (c Config) RemoteWakeup() bool { return c.Attributes&ConfigAttrRemoteWakeup != 0 }

// InterfaceClasses returns the distinct classes declared by every
// alternate setting, in declaration order.
func (c Config) InterfaceClasses() []Class {
	seen := make(map[Class]bool)
	var out []Class
	for _, iface := range c.Interfaces {
		for _, alt := range iface.AltSettings {
			if !seen[alt.Class] {
				seen[alt.Class] = true
				out = append(out, alt.Class)
			}
		}
	}
	return out
}

// Endpoints returns every endpoint of every alternate setting.
func (c Config) Endpoints() []Endpoint {
	var out []Endpoint
	for _, iface := range c.Interfaces {
		for _, alt := range iface.AltSettings {
			out = append(out, alt.Endpoints...)
		}
	}
	return out
}

// Interface groups the alternate settings sharing one interface number.
type Interface struct {
	Number      uint8
	AltSettings []AltSetting
}

// AltSetting is one alternate setting of an interface.
type AltSetting struct {
	Alternate uint8
	Class     Class
	SubClass  uint8
	Protocol  uint8
	Endpoints []Endpoint
}

// Endpoint is a parsed endpoint descriptor. MaxPacketSize holds the value
// as declared, including the high-bandwidth multiplier bits.
type Endpoint struct {
	Address       uint8
	Type          TransferType
	MaxPacketSize uint16
	Interval      uint8
}

// Number returns the endpoint number (0-15).
func (e Endpoint) Number() uint8 { return e.Address & 0x0F }

// Direction returns the endpoint direction.
func (e Endpoint) Direction() Direction { return DirectionOf(e.Address) }

// PacketSize returns the bytes per service interval, decoding the
// additional-transaction bits used by high-bandwidth endpoints.
func (e Endpoint) PacketSize() int {
	base := int(e.MaxPacketSize & 0x07FF)
	mult := int((e.MaxPacketSize>>11)&0x03) + 1
	return base * mult
}

// ParseConfig parses a full configuration descriptor tree. bMaxPower is
// scaled by 8mA on SuperSpeed links and 2mA otherwise.
func ParseConfig(data []byte, speed Speed) (Config, error) {
	var c Config
	if len(data) < ConfigurationDescriptorSize {
		return c, pkg.ErrDescriptorTooShort
	}
	if data[1] != DescriptorTypeConfiguration {
		return c, pkg.ErrDescriptorTypeMismatch
	}
	total := int(le16(data[2:]))
	c.Value = data[5]
	c.Attributes = data[7]
	if speed.IsSuperSpeed() {
		c.MaxPower = uint16(data[8]) * 8
	} else {
		c.MaxPower = uint16(data[8]) * 2
	}

	ifaceIdx, altIdx := -1, -1
	offset := int(data[0])
	for offset+2 <= len(data) && offset < total {
		length := int(data[offset])
		descType := data[offset+1]
		if length < 2 || offset+length > len(data) {
			break
		}
		d := data[offset : offset+length]

		switch descType {
		case DescriptorTypeInterface:
			if length < InterfaceDescriptorSize {
				return c, pkg.ErrDescriptorTooShort
			}
			ifaceIdx, altIdx = c.addAltSetting(d[2], AltSetting{
				Alternate: d[3],
				Class:     Class(d[5]),
				SubClass:  d[6],
				Protocol:  d[7],
			})
		case DescriptorTypeEndpoint:
			if length < EndpointDescriptorSize {
				return c, pkg.ErrDescriptorTooShort
			}
			if ifaceIdx < 0 {
				break
			}
			alt := &c.Interfaces[ifaceIdx].AltSettings[altIdx]
			alt.Endpoints = append(alt.Endpoints, Endpoint{
				Address:       d[2],
				Type:          TransferType(d[3] & 0x03),
				MaxPacketSize: le16(d[4:]),
				Interval:      d[6],
			})
		}
		offset += length
	}
	return c, nil
}

// addAltSetting appends alt under interface number n and returns the
// indices of the stored copy.
func (c *Config) addAltSetting(n uint8, alt AltSetting) (int, int) {
	for i := range c.Interfaces {
		if c.Interfaces[i].Number == n {
			c.Interfaces[i].AltSettings = append(c.Interfaces[i].AltSettings, alt)
			return i, len(c.Interfaces[i].AltSettings) - 1
		}
	}
	c.Interfaces = append(c.Interfaces, Interface{Number: n, AltSettings: []AltSetting{alt}})
	return len(c.Interfaces) - 1, 0
}

func le16(b []byte) uint16 { return uint16(b[0]) | uint16(b[1])<<8 }
