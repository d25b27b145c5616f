package usb

import "fmt"

// Speed represents the negotiated USB connection speed.
type Speed uint8

// Connection speeds, ordered slowest first.
const (
	SpeedUnknown   Speed = 0
	SpeedLow       Speed = 1 // 1.5 Mbps (USB 1.0)
	SpeedFull      Speed = 2 // 12 Mbps (USB 1.1)
	SpeedHigh      Speed = 3 // 480 Mbps (USB 2.0)
	SpeedSuper     Speed = 4 // 5 Gbps (USB 3.0)
	SpeedSuperPlus Speed = 5 // 10 Gbps and above (USB 3.1+)
)

// String returns a human-readable speed description.
func (s Speed) String() string {
	switch s {
	case SpeedLow:
		return "Low Speed (1.5 Mbps)"
	case SpeedFull:
		return "Full Speed (12 Mbps)"
	case SpeedHigh:
		return "High Speed (480 Mbps)"
	case SpeedSuper:
		return "Super Speed (5 Gbps)"
	case SpeedSuperPlus:
		return "Super Speed+ (10 Gbps)"
	default:
		return fmt.Sprintf("Unknown Speed (%d)", s)
	}
}

// IsSuperSpeed reports whether the link runs at 5 Gbps or faster.
func (s Speed) IsSuperSpeed() bool { return s >= SpeedSuper }

// BitsPerSecond returns the nominal signalling rate, or 0 when unknown.
func (s Speed) BitsPerSecond() uint64 {
	switch s {
	case SpeedLow:
		return 1_500_000
	case SpeedFull:
		return 12_000_000
	case SpeedHigh:
		return 480_000_000
	case SpeedSuper:
		return 5_000_000_000
	case SpeedSuperPlus:
		return 10_000_000_000
	default:
		return 0
	}
}
