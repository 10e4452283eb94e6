package driver

import (
	"fmt"
	"math"
)

// Dim3 is a grid or block geometry: a count along each of up to three axes.
// Unused axes must be 1.
type Dim3 struct {
	X, Y, Z uint32
}

// X returns a 1D geometry.
func X(x uint32) Dim3 { return Dim3{X: x, Y: 1, Z: 1} }

// XY returns a 2D geometry.
func XY(x, y uint32) Dim3 { return Dim3{X: x, Y: y, Z: 1} }

// XYZ returns a 3D geometry.
func XYZ(x, y, z uint32) Dim3 { return Dim3{X: x, Y: y, Z: z} }

// Count returns the total number of elements (blocks or threads) of the geometry.
func (d Dim3) Count() uint64 {
	return uint64(d.X) * uint64(d.Y) * uint64(d.Z)
}

// String implements fmt.Stringer.
func (d Dim3) String() string {
	return fmt.Sprintf("(%d, %d, %d)", d.X, d.Y, d.Z)
}

// GridFor returns the 1D grid needed to cover n elements with blocks of blockSize threads, using
// ceiling division: the last block may be partially used, and kernels must bounds-check their index.
//
// It returns a zero grid (rejected by Launch) if n or blockSize are not positive, or if the number of
// blocks doesn't fit in 32 bits.
func GridFor(n int, blockSize uint32) Dim3 {
	if n <= 0 || blockSize == 0 {
		return Dim3{}
	}
	blocks := ceilDiv(uint64(n), blockSize)
	if blocks == 0 {
		return Dim3{}
	}
	return X(blocks)
}

// Grid2DFor returns the 2D grid needed to cover a width x height domain with the given 2D block.
// Like GridFor, it returns a zero grid if the domain is empty or can't be covered.
func Grid2DFor(width, height int, block Dim3) Dim3 {
	if width <= 0 || height <= 0 || block.X == 0 || block.Y == 0 {
		return Dim3{}
	}
	x, y := ceilDiv(uint64(width), block.X), ceilDiv(uint64(height), block.Y)
	if x == 0 || y == 0 {
		return Dim3{}
	}
	return XY(x, y)
}

// ceilDiv returns ceil(n/d), or 0 if it overflows uint32.
func ceilDiv(n uint64, d uint32) uint32 {
	q := n / uint64(d)
	if n%uint64(d) != 0 {
		q++
	}
	if q > math.MaxUint32 {
		return 0
	}
	return uint32(q)
}

// validateLaunch checks the geometry against the device limits.
func validateLaunch(props *Properties, grid, block Dim3, sharedMemBytes uint32) error {
	const op = "Launch"
	if grid.X == 0 || grid.Y == 0 || grid.Z == 0 {
		return newError(op, StatusInvalidValue, "grid %s has a zero dimension (was it set?)", grid)
	}
	if block.X == 0 || block.Y == 0 || block.Z == 0 {
		return newError(op, StatusInvalidValue, "block %s has a zero dimension (was it set?)", block)
	}
	if block.Count() > uint64(props.MaxThreadsPerBlock) {
		return newError(op, StatusInvalidValue, "block %s has %d threads, device %q supports at most %d threads per block",
			block, block.Count(), props.Name, props.MaxThreadsPerBlock)
	}
	blockDims, gridDims := [3]uint32{block.X, block.Y, block.Z}, [3]uint32{grid.X, grid.Y, grid.Z}
	for axis := range 3 {
		if uint64(blockDims[axis]) > uint64(props.MaxBlockDim[axis]) {
			return newError(op, StatusInvalidValue, "block %s exceeds the maximum block dimensions %v of device %q",
				block, props.MaxBlockDim, props.Name)
		}
		if uint64(gridDims[axis]) > uint64(props.MaxGridDim[axis]) {
			return newError(op, StatusInvalidValue, "grid %s exceeds the maximum grid dimensions %v of device %q",
				grid, props.MaxGridDim, props.Name)
		}
	}
	if int64(sharedMemBytes) > int64(props.MaxSharedMemoryPerBlock) {
		return newError(op, StatusInvalidValue, "%d bytes of shared memory requested, device %q supports at most %d per block",
			sharedMemBytes, props.Name, props.MaxSharedMemoryPerBlock)
	}
	return nil
}

// LaunchConfig holds the configuration of a kernel launch, created by Function.Launch.
// Set the geometry with Grid and Block, and call Done to launch.
//
// Errors during the configuration are kept and returned by Done.
type LaunchConfig struct {
	function       *Function
	args           []Arg
	grid, block    Dim3
	sharedMemBytes uint32

	// err saves an error during the configuration.
	err error
}

// Grid sets the number of blocks along each axis.
func (c *LaunchConfig) Grid(grid Dim3) *LaunchConfig {
	if c.err != nil {
		return c
	}
	c.grid = grid
	return c
}

// Block sets the number of threads per block along each axis.
func (c *LaunchConfig) Block(block Dim3) *LaunchConfig {
	if c.err != nil {
		return c
	}
	c.block = block
	return c
}

// SharedMemory sets the bytes of dynamic shared memory per block. Default is 0.
func (c *LaunchConfig) SharedMemory(bytes uint32) *LaunchConfig {
	if c.err != nil {
		return c
	}
	c.sharedMemBytes = bytes
	return c
}

// Args appends arguments to the ones given to Function.Launch.
func (c *LaunchConfig) Args(args ...Arg) *LaunchConfig {
	if c.err != nil {
		return c
	}
	c.args = append(c.args, args...)
	return c
}

// Done validates the configuration and enqueues the kernel for execution. It doesn't wait for the
// kernel to finish: faults during the execution are reported by the next synchronizing operation
// (Context.Synchronize or a device to host copy) as ErrLaunchFailure.
//
// It returns ErrInvalidValue if the geometry exceeds the device limits or the arguments can't be
// packed, and ErrLaunchFailure if the native layer rejects the launch.
func (c *LaunchConfig) Done() error {
	if c.err != nil {
		return c.err
	}
	return c.function.launch(c.grid, c.block, c.sharedMemBytes, c.args)
}
