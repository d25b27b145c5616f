//go:build profile

package prof

import (
	"errors"
	"fmt"
	"io"
	"os"
	"runtime"
	"runtime/pprof"
	"sync"

	"github.com/ardnew/usbwatch/pkg"
)

// Sampling rates applied at startup: one blocking event per microsecond
// blocked and one in five mutex contentions.
const (
	blockProfileRate     = 1000
	mutexProfileFraction = 5
)

var (
	// ErrCPUProfileActive is returned by StartCPU while a profile runs.
	ErrCPUProfileActive = errors.New("cpu profile already active")

	// ErrInvalidProfile is returned for unknown profiles and for
	// ProfileCPU passed to Write.
	ErrInvalidProfile = errors.New("invalid profile")
)

func init() {
	runtime.SetBlockProfileRate(blockProfileRate)
	runtime.SetMutexProfileFraction(mutexProfileFraction)
}

var (
	cpuMutex sync.Mutex
	cpuFile  *os.File
	cpuOn    bool
)

// StartCPU begins CPU profiling into the file at path.
func StartCPU(path string) error {
	cpuMutex.Lock()
	defer cpuMutex.Unlock()

	if cpuOn {
		return ErrCPUProfileActive
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("cpu profile: %w", err)
	}
	if err := pprof.StartCPUProfile(f); err != nil {
		f.Close()
		return fmt.Errorf("cpu profile: %w", err)
	}
	cpuFile, cpuOn = f, true
	return nil
}

// StopCPU ends CPU profiling and closes the profile file. It does nothing
// when no profile is running.
func StopCPU() {
	cpuMutex.Lock()
	defer cpuMutex.Unlock()

	if !cpuOn {
		return
	}
	pprof.StopCPUProfile()
	cpuFile.Close()
	cpuFile, cpuOn = nil, false
}

// IsCPUActive reports whether a CPU profile is running.
func IsCPUActive() bool {
	cpuMutex.Lock()
	defer cpuMutex.Unlock()
	return cpuOn
}

// Write writes a snapshot of profile to the file at path.
func Write(profile Profile, path string) error {
	if profile == ProfileCPU {
		return fmt.Errorf("%s: use StartCPU: %w", profile, ErrInvalidProfile)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("%s profile: %w", profile, err)
	}
	if err := WriteTo(profile, f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// WriteTo writes a snapshot of profile to w in pprof's binary format.
func WriteTo(profile Profile, w io.Writer) error {
	if profile == ProfileCPU {
		return fmt.Errorf("%s: use StartCPU: %w", profile, ErrInvalidProfile)
	}
	p := pprof.Lookup(string(profile))
	if p == nil {
		return fmt.Errorf("%s: %w", profile, errors.Join(ErrInvalidProfile, pkg.ErrInvalidParameter))
	}
	return p.WriteTo(w, 0)
}
