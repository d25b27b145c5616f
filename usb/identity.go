package usb

import (
	"fmt"
	"strconv"
	"strings"
)

// Identity names one connected device instance. Equality is structural.
type Identity struct {
	VendorID  uint16
	ProductID uint16
	Bus       uint8
	Address   uint8
}

// Key returns the canonical map key "VVVV:PPPP:BB:AA" in upper-case hex.
func (id Identity) Key() string {
	return fmt.Sprintf("%04X:%04X:%02X:%02X", id.VendorID, id.ProductID, id.Bus, id.Address)
}

// VendorProductKey returns "VVVV:PPPP", which outlives a single connection.
func (id Identity) VendorProductKey() string {
	return VendorProductKey(id.VendorID, id.ProductID)
}

// Location returns "bus/address".
func (id Identity) Location() string {
	return fmt.Sprintf("%03d/%03d", id.Bus, id.Address)
}

func (id Identity) String() string { return id.Key() }

// VendorProductKey formats a vendor:product pair as "VVVV:PPPP".
func VendorProductKey(vid, pid uint16) string {
	return fmt.Sprintf("%04X:%04X", vid, pid)
}

// ParseKey parses a key produced by Identity.Key.
func ParseKey(key string) (Identity, error) {
	parts := strings.Split(key, ":")
	if len(parts) != 4 {
		return Identity{}, fmt.Errorf("malformed device key %q", key)
	}
	var vals [4]uint64
	widths := [4]int{16, 16, 8, 8}
	for i, p := range parts {
		v, err := strconv.ParseUint(p, 16, widths[i])
		if err != nil {
			return Identity{}, fmt.Errorf("malformed device key %q: %w", key, err)
		}
		vals[i] = v
	}
	return Identity{
		VendorID:  uint16(vals[0]),
		ProductID: uint16(vals[1]),
		Bus:       uint8(vals[2]),
		Address:   uint8(vals[3]),
	}, nil
}

// ParseHexID parses a 16-bit id written as "046d", "0x046D" or "46d".
func ParseHexID(s string) (uint16, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	v, err := strconv.ParseUint(s, 16, 16)
	if err != nil {
		return 0, err
	}
	return uint16(v), nil
}
