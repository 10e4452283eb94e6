//go:build !linux

package driver

// HasNvidiaGPU tries to guess if there is an actual NVIDIA GPU installed.
// The CUDA backend is only supported on linux, so it always returns false.
func HasNvidiaGPU() bool { return false }
