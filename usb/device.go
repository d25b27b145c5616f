package usb

// Device is a read-only snapshot of one device's identity and cached
// descriptors. Policy code evaluates devices through this type only.
type Device struct {
	Identity
	Descriptor   DeviceDescriptor
	Speed        Speed
	Config       Config
	HasBOS       bool
	Manufacturer string
	Product      string
	Serial       string
	Description  string
}

// Class returns the device-level class code.
func (d *Device) Class() Class { return d.Descriptor.DeviceClass }

// Setup is a control transfer setup packet.
type Setup struct {
	RequestType uint8
	Request     uint8
	Value       uint16
	Index       uint16
	Length      uint16
}

// Request types (bmRequestType).
const (
	RequestTypeOut       = 0x00 // Host to device
	RequestTypeIn        = 0x80 // Device to host
	RequestTypeStandard  = 0x00 // Standard request
	RequestTypeClass     = 0x20 // Class-specific request
	RequestTypeVendor    = 0x40 // Vendor-specific request
	RequestTypeDevice    = 0x00 // Recipient: device
	RequestTypeInterface = 0x01 // Recipient: interface
	RequestTypeEndpoint  = 0x02 // Recipient: endpoint
)

// Standard request codes.
const (
	RequestGetStatus     = 0x00
	RequestClearFeature  = 0x01
	RequestSetFeature    = 0x03
	RequestGetDescriptor = 0x06
)

// RequestDeviceStatus is the class-specific status query answered by
// power-reporting devices with a 16-bit current reading in 2mA units.
const RequestDeviceStatus = 0xFE

// DeviceStatusSetup returns the setup packet for the device-status query.
func DeviceStatusSetup() Setup {
	return Setup{
		RequestType: RequestTypeIn | RequestTypeClass | RequestTypeInterface,
		Request:     RequestDeviceStatus,
		Length:      2,
	}
}

// GetDescriptorSetup returns a standard GET_DESCRIPTOR setup packet.
func GetDescriptorSetup(descType, index uint8, langID uint16, length uint16) Setup {
	return Setup{
		RequestType: RequestTypeIn | RequestTypeStandard | RequestTypeDevice,
		Request:     RequestGetDescriptor,
		Value:       uint16(descType)<<8 | uint16(index),
		Index:       langID,
		Length:      length,
	}
}
