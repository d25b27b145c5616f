package usb

import (
	"fmt"
	"strconv"
	"strings"
)

// Class is a USB device or interface class code.
type Class uint8

// Class codes assigned by the USB-IF.
const (
	ClassPerInterface   Class = 0x00
	ClassAudio          Class = 0x01
	ClassComm           Class = 0x02
	ClassHID            Class = 0x03
	ClassPhysical       Class = 0x05
	ClassImage          Class = 0x06
	ClassPrinter        Class = 0x07
	ClassMassStorage    Class = 0x08
	ClassHub            Class = 0x09
	ClassData           Class = 0x0A
	ClassSmartCard      Class = 0x0B
	ClassContentSec     Class = 0x0D
	ClassVideo          Class = 0x0E
	ClassHealthcare     Class = 0x0F
	ClassAudioVideo     Class = 0x10
	ClassBillboard      Class = 0x11
	ClassTypeCBridge    Class = 0x12
	ClassDiagnostic     Class = 0xDC
	ClassWireless       Class = 0xE0
	ClassMiscellaneous  Class = 0xEF
	ClassApplication    Class = 0xFE
	ClassVendorSpecific Class = 0xFF
)

var classNames = map[Class]string{
	ClassPerInterface:   "per-interface",
	ClassAudio:          "audio",
	ClassComm:           "communications",
	ClassHID:            "hid",
	ClassPhysical:       "physical",
	ClassImage:          "image",
	ClassPrinter:        "printer",
	ClassMassStorage:    "mass-storage",
	ClassHub:            "hub",
	ClassData:           "data",
	ClassSmartCard:      "smart-card",
	ClassContentSec:     "content-security",
	ClassVideo:          "video",
	ClassHealthcare:     "healthcare",
	ClassAudioVideo:     "audio-video",
	ClassBillboard:      "billboard",
	ClassTypeCBridge:    "type-c-bridge",
	ClassDiagnostic:     "diagnostic",
	ClassWireless:       "wireless",
	ClassMiscellaneous:  "miscellaneous",
	ClassApplication:    "application",
	ClassVendorSpecific: "vendor-specific",
}

// String returns a short class name.
func (c Class) String() string {
	if n, ok := classNames[c]; ok {
		return n
	}
	return fmt.Sprintf("class(0x%02X)", uint8(c))
}

// Hex returns the class formatted as "0x%02X", the form used in policy files.
func (c Class) Hex() string {
	return fmt.Sprintf("0x%02X", uint8(c))
}

// ParseClass parses "0x03", "03" or "3" (always hexadecimal).
func ParseClass(s string) (Class, error) {
	t := strings.TrimSpace(s)
	t = strings.TrimPrefix(strings.TrimPrefix(t, "0x"), "0X")
	v, err := strconv.ParseUint(t, 16, 8)
	if err != nil {
		return 0, fmt.Errorf("invalid class code %q: %w", s, err)
	}
	return Class(v), nil
}
