package security

import (
	"fmt"

	"github.com/ardnew/usbwatch/usb"
)

// Protocol validation limits.
const (
	MaxInterfaces      = 32
	MaxAltSettings     = 16
	MaxEndpointPackets = 16384
)

// ValidateProtocol checks dev's active configuration for descriptor trees
// that well-behaved devices do not report. It returns one reason per
// violation, or nil when the configuration is acceptable. A device whose
// configuration could not be read fails validation.
func ValidateProtocol(dev *usb.Device) []string {
	cfg := dev.Config
	if cfg.Value == 0 && len(cfg.Interfaces) == 0 {
		return []string{"Configuration descriptor unavailable"}
	}

	var violations []string
	if n := len(cfg.Interfaces); n > MaxInterfaces {
		violations = append(violations,
			fmt.Sprintf("Suspicious number of interfaces (%d)", n))
	}
	for _, iface := range cfg.Interfaces {
		if n := len(iface.AltSettings); n > MaxAltSettings {
			violations = append(violations,
				fmt.Sprintf("Suspicious number of alternate settings on interface %d (%d)", iface.Number, n))
		}
		for _, alt := range iface.AltSettings {
			if !commonClass(alt.Class) && alt.Class != usb.ClassVendorSpecific {
				violations = append(violations,
					fmt.Sprintf("Unrecognized class %s on interface %d", alt.Class.Hex(), iface.Number))
			}
			for _, ep := range alt.Endpoints {
				if !ep.Type.Valid() {
					violations = append(violations,
						fmt.Sprintf("Invalid transfer type on endpoint 0x%02X", ep.Address))
				}
				if ep.MaxPacketSize > MaxEndpointPackets {
					violations = append(violations,
						fmt.Sprintf("Suspicious max packet size %d on endpoint 0x%02X", ep.MaxPacketSize, ep.Address))
				}
			}
		}
	}
	return violations
}

func commonClass(c usb.Class) bool {
	switch c {
	case usb.ClassPerInterface, usb.ClassAudio, usb.ClassComm, usb.ClassHID,
		usb.ClassPrinter, usb.ClassMassStorage, usb.ClassHub, usb.ClassData,
		usb.ClassVideo:
		return true
	}
	return false
}
