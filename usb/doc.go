// Package usb defines the device model shared by usbwatch components:
// device identity and its canonical keys, class codes, connection speeds,
// and the parsed descriptor tree.
//
// # Keys
//
// Identity.Key returns "VVVV:PPPP:BB:AA" and names one connection of a
// device. Identity.VendorProductKey returns "VVVV:PPPP" and names the model,
// which is what security rules and cached authorizations are keyed by.
//
// # Descriptors
//
// ParseConfig walks a raw configuration descriptor and groups alternate
// settings by interface number:
//
//	cfg, err := usb.ParseConfig(raw, usb.SpeedHigh)
//	for _, iface := range cfg.Interfaces {
//	    for _, alt := range iface.AltSettings {
//	        fmt.Println(iface.Number, alt.Class, len(alt.Endpoints))
//	    }
//	}
package usb
