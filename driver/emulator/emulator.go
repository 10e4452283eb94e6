// Package emulator implements a driver.Backend in pure Go, so programs and tests run on machines without a GPU.
//
// Devices are described by a config.Emulator (see internal/config), read from the file pointed by
// GOCUDRIVER_EMULATOR_CONFIG, or one default Turing-like device.
//
// Modules are loaded from PTX text: the emulator parses the target architecture and the entry point
// signatures, and each entry point is executed by the Go kernel registered under the same name in
// package device (see package kernels). Each context has one stream: launches are executed
// asynchronously and in order by a worker goroutine, blocks in parallel, threads of a block sequentially.
//
// Importing the package registers the backend as "emulator":
//
//	import _ "github.com/gomlx/gocudriver/driver/emulator"
package emulator

import (
	"slices"
	"sync"

	"github.com/gomlx/gocudriver/device"
	"github.com/gomlx/gocudriver/driver"
	"github.com/gomlx/gocudriver/internal/config"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	// Kernels executed by the emulator.
	_ "github.com/gomlx/gocudriver/kernels"
)

// BackendName under which the emulator is registered.
const BackendName = "emulator"

func init() {
	if err := driver.RegisterBackend(BackendName, New(nil)); err != nil {
		klog.Errorf("failed to register %q backend: %+v", BackendName, err)
	}
}

// Backend is the emulator implementation of driver.Backend. It is safe for concurrent use.
type Backend struct {
	mu          sync.Mutex
	cfg         *config.Emulator
	initialized bool
	capability  []int // Compute capability (10*major+minor) per device.

	nextHandle uintptr
	contexts   map[driver.ContextHandle]*emuContext
	modules    map[driver.ModuleHandle]*emuModule
	functions  map[driver.FunctionHandle]*emuFunction
}

var _ driver.Backend = (*Backend)(nil)

type emuContext struct {
	ordinal int
	profile *config.DeviceProfile
	memory  *arena
	stream  *stream
}

type emuModule struct {
	ctx       driver.ContextHandle
	ptx       *ptxModule
	functions map[string]driver.FunctionHandle
}

type emuFunction struct {
	ctx    driver.ContextHandle
	module driver.ModuleHandle
	entry  ptxEntry
	kernel *device.Kernel
}

// New creates an emulator backend with the given configuration.
// If cfg is nil, the configuration is read with config.EmulatorFromEnv when the backend is initialized.
func New(cfg *config.Emulator) *Backend {
	return &Backend{
		cfg:       cfg,
		contexts:  make(map[driver.ContextHandle]*emuContext),
		modules:   make(map[driver.ModuleHandle]*emuModule),
		functions: make(map[driver.FunctionHandle]*emuFunction),
	}
}

// Init implements driver.Backend.
func (b *Backend) Init() driver.Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.initialized {
		return driver.StatusSuccess
	}
	cfg := b.cfg
	if cfg == nil {
		var err error
		cfg, err = config.EmulatorFromEnv()
		if err != nil {
			klog.Errorf("emulator: %+v", err)
			return driver.StatusNotInitialized
		}
	} else if err := cfg.Validate(); err != nil {
		klog.Errorf("emulator: invalid configuration: %+v", err)
		return driver.StatusNotInitialized
	}
	b.capability = make([]int, len(cfg.Devices))
	for ii := range cfg.Devices {
		major, minor, _ := cfg.Devices[ii].Capability()
		b.capability[ii] = 10*major + minor
	}
	b.cfg = cfg
	b.initialized = true
	klog.V(1).Infof("emulator initialized with %d device(s)", len(cfg.Devices))
	return driver.StatusSuccess
}

// DriverVersion implements driver.Backend.
func (b *Backend) DriverVersion() (int, driver.Status) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.initialized {
		return 0, driver.StatusNotInitialized
	}
	return b.cfg.DriverVersion, driver.StatusSuccess
}

// DeviceCount implements driver.Backend.
func (b *Backend) DeviceCount() (int, driver.Status) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.initialized {
		return 0, driver.StatusNotInitialized
	}
	return len(b.cfg.Devices), driver.StatusSuccess
}

// profileLocked returns the profile of the device. It must be called with b.mu held.
func (b *Backend) profileLocked(ordinal int) (*config.DeviceProfile, driver.Status) {
	if !b.initialized {
		return nil, driver.StatusNotInitialized
	}
	if ordinal < 0 || ordinal >= len(b.cfg.Devices) {
		return nil, driver.StatusInvalidDevice
	}
	return &b.cfg.Devices[ordinal], driver.StatusSuccess
}

// DeviceName implements driver.Backend.
func (b *Backend) DeviceName(ordinal int) (string, driver.Status) {
	b.mu.Lock()
	defer b.mu.Unlock()
	profile, status := b.profileLocked(ordinal)
	if !status.Ok() {
		return "", status
	}
	return profile.Name, driver.StatusSuccess
}

// DeviceAttribute implements driver.Backend.
func (b *Backend) DeviceAttribute(attr driver.Attribute, ordinal int) (int, driver.Status) {
	b.mu.Lock()
	defer b.mu.Unlock()
	profile, status := b.profileLocked(ordinal)
	if !status.Ok() {
		return 0, status
	}
	switch attr {
	case driver.AttributeMaxThreadsPerBlock:
		return profile.MaxThreadsPerBlock, driver.StatusSuccess
	case driver.AttributeMaxBlockDimX, driver.AttributeMaxBlockDimY, driver.AttributeMaxBlockDimZ:
		return profile.MaxBlockDim[attr-driver.AttributeMaxBlockDimX], driver.StatusSuccess
	case driver.AttributeMaxGridDimX, driver.AttributeMaxGridDimY, driver.AttributeMaxGridDimZ:
		return profile.MaxGridDim[attr-driver.AttributeMaxGridDimX], driver.StatusSuccess
	case driver.AttributeMaxSharedMemoryPerBlock:
		return profile.MaxSharedMemoryPerBlock, driver.StatusSuccess
	case driver.AttributeWarpSize:
		return profile.WarpSize, driver.StatusSuccess
	case driver.AttributeMultiprocessorCount:
		return profile.Multiprocessors, driver.StatusSuccess
	case driver.AttributeComputeCapabilityMajor:
		return b.capability[ordinal] / 10, driver.StatusSuccess
	case driver.AttributeComputeCapabilityMinor:
		return b.capability[ordinal] % 10, driver.StatusSuccess
	}
	return 0, driver.StatusInvalidValue
}

// DeviceTotalMem implements driver.Backend.
func (b *Backend) DeviceTotalMem(ordinal int) (uint64, driver.Status) {
	b.mu.Lock()
	defer b.mu.Unlock()
	profile, status := b.profileLocked(ordinal)
	if !status.Ok() {
		return 0, status
	}
	return profile.TotalMemory, driver.StatusSuccess
}

func (b *Backend) newHandleLocked() uintptr {
	b.nextHandle++
	return b.nextHandle
}

// CtxCreate implements driver.Backend.
// Each context has its own device memory, of the size of the device's total memory.
func (b *Backend) CtxCreate(ordinal int) (driver.ContextHandle, driver.Status) {
	b.mu.Lock()
	defer b.mu.Unlock()
	profile, status := b.profileLocked(ordinal)
	if !status.Ok() {
		return 0, status
	}
	handle := driver.ContextHandle(b.newHandleLocked())
	b.contexts[handle] = &emuContext{
		ordinal: ordinal,
		profile: profile,
		memory:  newArena(profile.TotalMemory),
		stream:  newStream(),
	}
	return handle, driver.StatusSuccess
}

func (b *Backend) context(ctx driver.ContextHandle) (*emuContext, driver.Status) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.initialized {
		return nil, driver.StatusNotInitialized
	}
	c, found := b.contexts[ctx]
	if !found {
		return nil, driver.StatusInvalidContext
	}
	return c, driver.StatusSuccess
}

// CtxDestroy implements driver.Backend. It waits for the pending work of the context.
func (b *Backend) CtxDestroy(ctx driver.ContextHandle) driver.Status {
	b.mu.Lock()
	c, found := b.contexts[ctx]
	if !found {
		b.mu.Unlock()
		return driver.StatusInvalidContext
	}
	delete(b.contexts, ctx)
	for handle, m := range b.modules {
		if m.ctx == ctx {
			delete(b.modules, handle)
		}
	}
	for handle, fn := range b.functions {
		if fn.ctx == ctx {
			delete(b.functions, handle)
		}
	}
	b.mu.Unlock()

	c.stream.close()
	c.memory.releaseAll()
	return driver.StatusSuccess
}

// CtxSynchronize implements driver.Backend.
func (b *Backend) CtxSynchronize(ctx driver.ContextHandle) driver.Status {
	c, status := b.context(ctx)
	if !status.Ok() {
		return status
	}
	return c.stream.synchronize()
}

// ModuleLoadData implements driver.Backend. Only PTX images are accepted.
//
// Entry points without a registered Go kernel are accepted, but ModuleGetFunction fails for them.
// Entry points whose registered kernel declares different parameters fail with StatusInvalidPTX.
func (b *Backend) ModuleLoadData(ctx driver.ContextHandle, image []byte) (driver.ModuleHandle, driver.Status) {
	c, status := b.context(ctx)
	if !status.Ok() {
		return 0, status
	}
	ptx, status, err := parsePTX(image)
	if err != nil {
		klog.Warningf("emulator: failed to load module: %v", err)
		return 0, status
	}
	if capability := b.capability[c.ordinal]; ptx.target > capability {
		klog.Warningf("emulator: module targets sm_%d, device %q has compute capability %d.%d",
			ptx.target, c.profile.Name, capability/10, capability%10)
		return 0, driver.StatusNoBinaryForGPU
	}
	for _, entry := range ptx.entries {
		kernel, found := device.Lookup(entry.name)
		if !found {
			continue
		}
		if err := checkSignature(entry, kernel); err != nil {
			klog.Warningf("emulator: failed to load module: %v", err)
			return 0, driver.StatusInvalidPTX
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if _, found := b.contexts[ctx]; !found {
		return 0, driver.StatusInvalidContext
	}
	handle := driver.ModuleHandle(b.newHandleLocked())
	b.modules[handle] = &emuModule{ctx: ctx, ptx: ptx, functions: make(map[string]driver.FunctionHandle)}
	klog.V(2).Infof("emulator: loaded module with %d entries targeting sm_%d", len(ptx.entries), ptx.target)
	return handle, driver.StatusSuccess
}

// checkSignature verifies the parameters of the entry point match, in size, the ones of the kernel.
func checkSignature(entry ptxEntry, kernel *device.Kernel) error {
	if len(entry.params) != len(kernel.Params) {
		return errors.Errorf("entry %q declares %d parameters, its kernel %s has %d",
			entry.name, len(entry.params), kernel.Signature(), len(kernel.Params))
	}
	for ii, dtype := range entry.params {
		if dtype.Size() != kernel.Params[ii].Size() {
			return errors.Errorf("entry %q parameter #%d is %s, its kernel %s expects %s",
				entry.name, ii, dtype.PTXType(), kernel.Signature(), kernel.Params[ii].PTXType())
		}
	}
	return nil
}

// ModuleUnload implements driver.Backend. Functions of the module become invalid.
func (b *Backend) ModuleUnload(ctx driver.ContextHandle, mod driver.ModuleHandle) driver.Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, found := b.contexts[ctx]; !found {
		return driver.StatusInvalidContext
	}
	m, found := b.modules[mod]
	if !found || m.ctx != ctx {
		return driver.StatusInvalidHandle
	}
	for _, fn := range m.functions {
		delete(b.functions, fn)
	}
	delete(b.modules, mod)
	return driver.StatusSuccess
}

// ModuleGetFunction implements driver.Backend.
func (b *Backend) ModuleGetFunction(ctx driver.ContextHandle, mod driver.ModuleHandle, name string) (driver.FunctionHandle, driver.Status) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, found := b.contexts[ctx]; !found {
		return 0, driver.StatusInvalidContext
	}
	m, found := b.modules[mod]
	if !found || m.ctx != ctx {
		return 0, driver.StatusInvalidHandle
	}
	if handle, found := m.functions[name]; found {
		return handle, driver.StatusSuccess
	}
	idx := slices.IndexFunc(m.ptx.entries, func(e ptxEntry) bool { return e.name == name })
	if idx < 0 {
		return 0, driver.StatusNotFound
	}
	kernel, found := device.Lookup(name)
	if !found {
		klog.Warningf("emulator: entry %q is declared in the module but no kernel is registered under that name", name)
		return 0, driver.StatusNotFound
	}
	handle := driver.FunctionHandle(b.newHandleLocked())
	b.functions[handle] = &emuFunction{ctx: ctx, module: mod, entry: m.ptx.entries[idx], kernel: kernel}
	m.functions[name] = handle
	return handle, driver.StatusSuccess
}

// MemAlloc implements driver.Backend.
func (b *Backend) MemAlloc(ctx driver.ContextHandle, bytes uint64) (driver.DevicePtr, driver.Status) {
	c, status := b.context(ctx)
	if !status.Ok() {
		return driver.NullPtr, status
	}
	return c.memory.alloc(bytes)
}

// MemFree implements driver.Backend. It waits for the pending work of the context first.
func (b *Backend) MemFree(ctx driver.ContextHandle, ptr driver.DevicePtr) driver.Status {
	c, status := b.context(ctx)
	if !status.Ok() {
		return status
	}
	c.stream.synchronize()
	return c.memory.free(ptr)
}

// syncRange waits for the pending work of the context and returns the view of the device memory range.
func (b *Backend) syncRange(ctx driver.ContextHandle, ptr driver.DevicePtr, bytes uint64) ([]byte, driver.Status) {
	c, status := b.context(ctx)
	if !status.Ok() {
		return nil, status
	}
	if status := c.stream.synchronize(); !status.Ok() {
		return nil, status
	}
	view, ok := c.memory.bytes(ptr, bytes)
	if !ok {
		klog.Warningf("emulator: device range [%#x, +%d) is not inside one allocation", uint64(ptr), bytes)
		return nil, driver.StatusInvalidValue
	}
	return view, driver.StatusSuccess
}

// MemcpyHtoD implements driver.Backend.
func (b *Backend) MemcpyHtoD(ctx driver.ContextHandle, dst driver.DevicePtr, src []byte) driver.Status {
	view, status := b.syncRange(ctx, dst, uint64(len(src)))
	if status.Ok() {
		copy(view, src)
	}
	return status
}

// MemcpyDtoH implements driver.Backend.
func (b *Backend) MemcpyDtoH(ctx driver.ContextHandle, dst []byte, src driver.DevicePtr) driver.Status {
	view, status := b.syncRange(ctx, src, uint64(len(dst)))
	if status.Ok() {
		copy(dst, view)
	}
	return status
}

// MemcpyDtoD implements driver.Backend. Overlapping ranges are copied as if through a temporary buffer.
func (b *Backend) MemcpyDtoD(ctx driver.ContextHandle, dst, src driver.DevicePtr, bytes uint64) driver.Status {
	srcView, status := b.syncRange(ctx, src, bytes)
	if !status.Ok() {
		return status
	}
	dstView, status := b.syncRange(ctx, dst, bytes)
	if status.Ok() {
		copy(dstView, srcView)
	}
	return status
}

// MemsetD8 implements driver.Backend.
func (b *Backend) MemsetD8(ctx driver.ContextHandle, dst driver.DevicePtr, value byte, count uint64) driver.Status {
	view, status := b.syncRange(ctx, dst, count)
	if status.Ok() {
		for ii := range view {
			view[ii] = value
		}
	}
	return status
}

// LaunchKernel implements driver.Backend.
// It validates the launch and enqueues it in the context's stream: device faults are reported by the
// following synchronizing call.
func (b *Backend) LaunchKernel(ctx driver.ContextHandle, fn driver.FunctionHandle, grid, block driver.Dim3,
	sharedMemBytes uint32, params *driver.Params) driver.Status {
	c, status := b.context(ctx)
	if !status.Ok() {
		return status
	}
	b.mu.Lock()
	f, found := b.functions[fn]
	b.mu.Unlock()
	if !found || f.ctx != ctx {
		return driver.StatusInvalidHandle
	}
	if params.Len() != len(f.entry.params) {
		klog.Warningf("emulator: %q launched with %d arguments, it takes %d", f.entry.name, params.Len(), len(f.entry.params))
		return driver.StatusInvalidValue
	}
	for ii, dtype := range f.entry.params {
		if params.DTypes[ii].Size() != dtype.Size() {
			klog.Warningf("emulator: %q argument #%d is %s, the parameter is %s",
				f.entry.name, ii, params.DTypes[ii], dtype.PTXType())
			return driver.StatusInvalidValue
		}
	}
	if status := checkGeometry(c.profile, grid, block, sharedMemBytes); !status.Ok() {
		return status
	}

	var deviceParams device.Params
	if params != nil {
		deviceParams = device.Params{
			Data:    slices.Clone(params.Data),
			Offsets: slices.Clone(params.Offsets),
			DTypes:  slices.Clone(params.DTypes),
		}
	}
	kernel, memory := f.kernel, c.memory
	return c.stream.enqueue(func() driver.Status {
		return execute(kernel, memory.snapshot(), grid, block, deviceParams)
	})
}

// checkGeometry validates a launch against the limits of the device.
func checkGeometry(profile *config.DeviceProfile, grid, block driver.Dim3, sharedMemBytes uint32) driver.Status {
	if grid.Count() == 0 || block.Count() == 0 {
		return driver.StatusInvalidValue
	}
	if block.Count() > uint64(profile.MaxThreadsPerBlock) || int(sharedMemBytes) > profile.MaxSharedMemoryPerBlock {
		return driver.StatusInvalidValue
	}
	gridDims, blockDims := [3]uint32{grid.X, grid.Y, grid.Z}, [3]uint32{block.X, block.Y, block.Z}
	for axis := range 3 {
		if int(blockDims[axis]) > profile.MaxBlockDim[axis] || int(gridDims[axis]) > profile.MaxGridDim[axis] {
			return driver.StatusInvalidValue
		}
	}
	return driver.StatusSuccess
}
