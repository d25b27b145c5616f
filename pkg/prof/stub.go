//go:build !profile

package prof

import (
	"fmt"
	"io"

	"github.com/ardnew/usbwatch/pkg"
)

var errNotBuilt = fmt.Errorf("profiling requires the profile build tag: %w", pkg.ErrNotSupported)

// StartCPU fails: profiling is not compiled in.
func StartCPU(string) error { return errNotBuilt }

// StopCPU does nothing.
func StopCPU() {}

// IsCPUActive always reports false.
func IsCPUActive() bool { return false }

// Write fails: profiling is not compiled in.
func Write(Profile, string) error { return errNotBuilt }

// WriteTo fails: profiling is not compiled in.
func WriteTo(Profile, io.Writer) error { return errNotBuilt }
