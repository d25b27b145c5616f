// Package prof writes pprof profiles of the running monitor.
//
// Profiling is compiled in only with the "profile" build tag:
//
//	go build -tags profile ./cmd/usbwatch
//
// Without the tag every function returns an error wrapping
// pkg.ErrNotSupported, so a request for a profile is never silently
// dropped.
//
// A CPU profile covers the span between [StartCPU] and [StopCPU]. The
// other profiles are snapshots taken by [Write]:
//
//	prof.StartCPU("cpu.prof")
//	defer prof.StopCPU()
//	defer prof.Write(prof.ProfileHeap, "heap.prof")
//
// Profile builds also enable block and mutex sampling at a low rate, so
// contention between the event loop and the samplers shows up in
// [ProfileBlock] and [ProfileMutex].
package prof
