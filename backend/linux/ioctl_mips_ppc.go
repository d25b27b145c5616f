//go:build linux && (mips || mipsle || mips64 || mips64le || ppc64 || ppc64le)

package linux

// MIPS and POWER use three direction bits and a 13-bit size field.
const (
	iocRead  = 2
	iocWrite = 4

	iocSizeBits = 13
)
