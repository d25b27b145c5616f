//go:build linux && !mips && !mipsle && !mips64 && !mips64le && !ppc64 && !ppc64le

package linux

// Direction and size layout used by x86, arm, riscv, loong64 and s390x.
const (
	iocWrite = 1
	iocRead  = 2

	iocSizeBits = 14
)
