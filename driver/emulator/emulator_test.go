package emulator

import (
	"encoding/binary"
	"math"
	"testing"

	"github.com/gomlx/gocudriver/driver"
	"github.com/gomlx/gocudriver/internal/config"
	"github.com/gomlx/gocudriver/kernels"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBackend(t *testing.T) *Backend {
	cfg := config.DefaultEmulator()
	small := config.DefaultDeviceProfile()
	small.Name = "small"
	small.ComputeCapability = "2.0"
	small.MaxThreadsPerBlock = 64
	small.TotalMemory = 1 << 16
	cfg.Devices = append(cfg.Devices, small)
	b := New(cfg)
	require.Equal(t, driver.StatusSuccess, b.Init())
	return b
}

func float32Bytes(values ...float32) []byte {
	b := make([]byte, 4*len(values))
	for ii, v := range values {
		binary.NativeEndian.PutUint32(b[4*ii:], math.Float32bits(v))
	}
	return b
}

func TestBackendDevices(t *testing.T) {
	b := New(config.DefaultEmulator())
	_, status := b.DeviceCount()
	assert.Equal(t, driver.StatusNotInitialized, status)

	b = newTestBackend(t)
	count, status := b.DeviceCount()
	require.Equal(t, driver.StatusSuccess, status)
	assert.Equal(t, 2, count)
	version, _ := b.DriverVersion()
	assert.Equal(t, 12040, version)

	name, _ := b.DeviceName(1)
	assert.Equal(t, "small", name)
	_, status = b.DeviceName(2)
	assert.Equal(t, driver.StatusInvalidDevice, status)
	_, status = b.DeviceAttribute(driver.AttributeWarpSize, -1)
	assert.Equal(t, driver.StatusInvalidDevice, status)

	for attr, want := range map[driver.Attribute]int{
		driver.AttributeMaxThreadsPerBlock:     64,
		driver.AttributeMaxBlockDimZ:           64,
		driver.AttributeMaxGridDimY:            65535,
		driver.AttributeWarpSize:               32,
		driver.AttributeComputeCapabilityMajor: 2,
		driver.AttributeComputeCapabilityMinor: 0,
	} {
		got, status := b.DeviceAttribute(attr, 1)
		require.Equal(t, driver.StatusSuccess, status, "attribute %s", attr)
		assert.Equal(t, want, got, "attribute %s", attr)
	}
	_, status = b.DeviceAttribute(driver.Attribute(12345), 0)
	assert.Equal(t, driver.StatusInvalidValue, status)
	total, _ := b.DeviceTotalMem(1)
	assert.Equal(t, uint64(1<<16), total)

	invalid := config.DefaultEmulator()
	invalid.Devices[0].ComputeCapability = "seven"
	assert.Equal(t, driver.StatusNotInitialized, New(invalid).Init())
}

func TestBackendModules(t *testing.T) {
	b := newTestBackend(t)
	ctx, status := b.CtxCreate(0)
	require.Equal(t, driver.StatusSuccess, status)
	defer b.CtxDestroy(ctx)

	mod, status := b.ModuleLoadData(ctx, kernels.PTX)
	require.Equal(t, driver.StatusSuccess, status)
	fn, status := b.ModuleGetFunction(ctx, mod, kernels.Add)
	require.Equal(t, driver.StatusSuccess, status)
	again, _ := b.ModuleGetFunction(ctx, mod, kernels.Add)
	assert.Equal(t, fn, again)
	_, status = b.ModuleGetFunction(ctx, mod, "missing")
	assert.Equal(t, driver.StatusNotFound, status)

	// Declared in PTX, but no kernel registered.
	unimplemented := []byte(".version 6.0\n.target sm_30\n.address_size 64\n.visible .entry unimplemented()\n{\n\tret;\n}\n")
	mod2, status := b.ModuleLoadData(ctx, unimplemented)
	require.Equal(t, driver.StatusSuccess, status)
	_, status = b.ModuleGetFunction(ctx, mod2, "unimplemented")
	assert.Equal(t, driver.StatusNotFound, status)

	// Declared parameters don't match the registered kernel.
	mismatch := []byte(".version 6.0\n.target sm_30\n.entry add(.param .u64 a)\n{\n}\n")
	_, status = b.ModuleLoadData(ctx, mismatch)
	assert.Equal(t, driver.StatusInvalidPTX, status)

	// Target above the device.
	small, _ := b.CtxCreate(1)
	defer b.CtxDestroy(small)
	_, status = b.ModuleLoadData(small, kernels.PTX)
	assert.Equal(t, driver.StatusNoBinaryForGPU, status)

	// Functions are bound to their context and module.
	assert.Equal(t, driver.StatusInvalidHandle, b.LaunchKernel(small, fn, driver.X(1), driver.X(1), 0, nil))
	require.Equal(t, driver.StatusSuccess, b.ModuleUnload(ctx, mod))
	assert.Equal(t, driver.StatusInvalidHandle, b.ModuleUnload(ctx, mod))
	assert.Equal(t, driver.StatusInvalidHandle, b.LaunchKernel(ctx, fn, driver.X(1), driver.X(1), 0, nil))
	_, status = b.ModuleLoadData(driver.ContextHandle(9999), kernels.PTX)
	assert.Equal(t, driver.StatusInvalidContext, status)
}

func TestBackendLaunch(t *testing.T) {
	b := newTestBackend(t)
	ctx, _ := b.CtxCreate(0)
	defer b.CtxDestroy(ctx)
	mod, _ := b.ModuleLoadData(ctx, kernels.PTX)
	add, _ := b.ModuleGetFunction(ctx, mod, kernels.Add)

	const n = 1000
	a, _ := b.MemAlloc(ctx, 4*n)
	c, _ := b.MemAlloc(ctx, 4*n)
	values := make([]float32, n)
	for ii := range values {
		values[ii] = float32(ii)
	}
	require.Equal(t, driver.StatusSuccess, b.MemcpyHtoD(ctx, a, float32Bytes(values...)))

	params, err := driver.PackArgs(driver.Ptr(a), driver.Ptr(a), driver.Ptr(c), driver.Uint32(n))
	require.NoError(t, err)
	require.Equal(t, driver.StatusSuccess, b.LaunchKernel(ctx, add, driver.GridFor(n, 128), driver.X(128), 0, params))
	require.Equal(t, driver.StatusSuccess, b.CtxSynchronize(ctx))

	out := make([]byte, 4*n)
	require.Equal(t, driver.StatusSuccess, b.MemcpyDtoH(ctx, out, c))
	assert.Equal(t, float32Bytes(kernels.AddCPU(values, values)...), out)

	// Invalid launches are rejected synchronously.
	assert.Equal(t, driver.StatusInvalidValue, b.LaunchKernel(ctx, add, driver.X(1), driver.X(2048), 0, params))
	assert.Equal(t, driver.StatusInvalidValue, b.LaunchKernel(ctx, add, driver.X(0), driver.X(1), 0, params))
	short, _ := driver.PackArgs(driver.Ptr(a))
	assert.Equal(t, driver.StatusInvalidValue, b.LaunchKernel(ctx, add, driver.X(1), driver.X(1), 0, short))
	wrongSize, _ := driver.PackArgs(driver.Ptr(a), driver.Ptr(a), driver.Ptr(c), driver.Uint64(n))
	assert.Equal(t, driver.StatusInvalidValue, b.LaunchKernel(ctx, add, driver.X(1), driver.X(1), 0, wrongSize))

	// Copies must stay inside one allocation.
	assert.Equal(t, driver.StatusInvalidValue, b.MemcpyDtoH(ctx, make([]byte, 4*n+1), c))
	assert.Equal(t, driver.StatusSuccess, b.MemcpyDtoD(ctx, a, c, 4*n))
	assert.Equal(t, driver.StatusSuccess, b.MemsetD8(ctx, a, 0, 4*n))
	require.Equal(t, driver.StatusSuccess, b.MemcpyDtoH(ctx, out, a))
	assert.Equal(t, make([]byte, 4*n), out)

	require.Equal(t, driver.StatusSuccess, b.MemFree(ctx, a))
	assert.Equal(t, driver.StatusInvalidValue, b.MemFree(ctx, a))
}

func TestBackendFault(t *testing.T) {
	b := newTestBackend(t)
	ctx, _ := b.CtxCreate(0)
	mod, _ := b.ModuleLoadData(ctx, kernels.PTX)
	memcpy, _ := b.ModuleGetFunction(ctx, mod, kernels.Memcpy)

	const n = 64
	dst, _ := b.MemAlloc(ctx, 4*n)
	// The source is too small for n elements: threads past 4 access an illegal address.
	src, _ := b.MemAlloc(ctx, 16)
	params, err := driver.PackArgs(driver.Ptr(dst), driver.Ptr(src), driver.Uint32(n))
	require.NoError(t, err)
	// Launch is asynchronous: the fault is not reported yet.
	require.Equal(t, driver.StatusSuccess, b.LaunchKernel(ctx, memcpy, driver.X(1), driver.X(n), 0, params))
	assert.Equal(t, driver.StatusIllegalAddress, b.CtxSynchronize(ctx))

	// Sticky: every later operation fails the same way.
	assert.Equal(t, driver.StatusIllegalAddress, b.MemcpyDtoH(ctx, make([]byte, 4), dst))
	assert.Equal(t, driver.StatusIllegalAddress, b.LaunchKernel(ctx, memcpy, driver.X(1), driver.X(1), 0, params))
	assert.Equal(t, driver.StatusIllegalAddress, b.CtxSynchronize(ctx))

	// Other contexts are not affected.
	other, _ := b.CtxCreate(0)
	assert.Equal(t, driver.StatusSuccess, b.CtxSynchronize(other))

	require.Equal(t, driver.StatusSuccess, b.CtxDestroy(ctx))
	assert.Equal(t, driver.StatusInvalidContext, b.CtxDestroy(ctx))
	assert.Equal(t, driver.StatusInvalidContext, b.CtxSynchronize(ctx))
	require.Equal(t, driver.StatusSuccess, b.CtxDestroy(other))
}

func TestExecuteBlockIndexing(t *testing.T) {
	b := newTestBackend(t)
	ctx, _ := b.CtxCreate(0)
	defer b.CtxDestroy(ctx)
	mod, _ := b.ModuleLoadData(ctx, kernels.PTX)
	gray, _ := b.ModuleGetFunction(ctx, mod, kernels.RGBA2Gray)

	// 2D grid with a partially used last block along both axes.
	const width, height = 37, 19
	pixels := make([]byte, 4*width*height)
	for ii := range pixels {
		pixels[ii] = byte(ii * 7)
	}
	rgba, _ := b.MemAlloc(ctx, uint64(len(pixels)))
	out, _ := b.MemAlloc(ctx, width*height)
	require.Equal(t, driver.StatusSuccess, b.MemcpyHtoD(ctx, rgba, pixels))
	params, _ := driver.PackArgs(driver.Ptr(rgba), driver.Ptr(out), driver.Int32(width), driver.Int32(height))
	block := driver.XY(8, 8)
	require.Equal(t, driver.StatusSuccess, b.LaunchKernel(ctx, gray, driver.Grid2DFor(width, height, block), block, 0, params))

	got := make([]byte, width*height)
	require.Equal(t, driver.StatusSuccess, b.MemcpyDtoH(ctx, got, out))
	want := make([]kernels.RGBA, width*height)
	for ii := range want {
		want[ii] = kernels.RGBA{R: pixels[4*ii], G: pixels[4*ii+1], B: pixels[4*ii+2], A: pixels[4*ii+3]}
	}
	assert.Equal(t, kernels.GrayCPU(want), got)
}
