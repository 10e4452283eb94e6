// Package device defines the device-side kernel contract, as seen by kernels written in Go for the
// emulator backend: the thread indexing intrinsics, the decoding of the packed kernel parameters,
// device memory access, and the registry mapping entry point names to kernel implementations.
//
// Every kernel must bounds-check its computed index against the problem size before any memory access:
// grids are sized with ceiling division, so the last block is usually only partially used.
package device

import (
	"fmt"
	"slices"
	"sync"

	"github.com/gomlx/gocudriver/dtypes"
)

// Dim3 is a 3D index or extent.
type Dim3 struct {
	X, Y, Z int
}

// Thread holds the indexing intrinsics of one thread of a launch, and gives access to device memory.
type Thread struct {
	BlockIdx, BlockDim, ThreadIdx, GridDim Dim3

	// Memory is the device memory visible to the kernel.
	Memory Memory
}

// GlobalX returns the global index along X: BlockDim.X*BlockIdx.X + ThreadIdx.X.
func (t *Thread) GlobalX() int {
	return t.BlockDim.X*t.BlockIdx.X + t.ThreadIdx.X
}

// GlobalY returns the global index along Y: BlockDim.Y*BlockIdx.Y + ThreadIdx.Y.
func (t *Thread) GlobalY() int {
	return t.BlockDim.Y*t.BlockIdx.Y + t.ThreadIdx.Y
}

// Global returns the 1D global index, same as GlobalX.
func (t *Thread) Global() int {
	return t.GlobalX()
}

// KernelFunc is the body of a kernel, executed once per thread.
type KernelFunc func(t *Thread, p Params)

// Kernel is a kernel implementation: the entry point name, its declared parameters and its body.
type Kernel struct {
	Name   string
	Params []dtypes.DType
	Fn     KernelFunc
}

// Signature returns the kernel's parameter list formatted like a PTX declaration.
func (k *Kernel) Signature() string {
	s := k.Name + "("
	for ii, dtype := range k.Params {
		if ii > 0 {
			s += ", "
		}
		s += ".param " + dtype.PTXType()
	}
	return s + ")"
}

var (
	muKernels sync.RWMutex
	kernels   = make(map[string]*Kernel)
)

// Register makes a kernel available to the emulator under its name. It panics if the kernel is
// invalid or the name is already taken, since registrations happen from init() functions.
func Register(k Kernel) {
	if k.Name == "" || k.Fn == nil {
		panic(fmt.Sprintf("device.Register: kernel %q must have a name and a body", k.Name))
	}
	for ii, dtype := range k.Params {
		if !dtype.IsValid() {
			panic(fmt.Sprintf("device.Register: kernel %q parameter #%d has invalid dtype %s", k.Name, ii, dtype))
		}
	}
	muKernels.Lock()
	defer muKernels.Unlock()
	if _, found := kernels[k.Name]; found {
		panic(fmt.Sprintf("device.Register: kernel %q registered twice", k.Name))
	}
	kernels[k.Name] = &k
}

// Lookup returns the kernel registered under name.
func Lookup(name string) (*Kernel, bool) {
	muKernels.RLock()
	defer muKernels.RUnlock()
	k, found := kernels[name]
	return k, found
}

// Registered returns the sorted names of the registered kernels.
func Registered() []string {
	muKernels.RLock()
	defer muKernels.RUnlock()
	names := make([]string, 0, len(kernels))
	for name := range kernels {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}
