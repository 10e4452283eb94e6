// Package cuda implements a driver.Backend over NVIDIA's CUDA driver API (libcuda.so), loaded at
// runtime with purego: no cgo and no CUDA toolkit are required to build.
//
// The library name or path can be set with GOCUDRIVER_CUDA_LIBRARY (default "libcuda.so.1"). It is
// searched as given, and then in the directories of LD_LIBRARY_PATH and /etc/ld.so.conf.
//
// CUDA's "current context" is per OS thread. Since goroutines move between threads, each call that
// operates within a context locks the goroutine to its thread and makes the context current first.
//
// Importing the package registers the backend as "cuda":
//
//	import _ "github.com/gomlx/gocudriver/driver/cuda"
package cuda

import (
	"bytes"
	"runtime"
	"sync"
	"unsafe"

	"github.com/gomlx/gocudriver/driver"
	"github.com/gomlx/gocudriver/fatbin"
	"github.com/gomlx/gocudriver/internal/config"
	"k8s.io/klog/v2"
)

// BackendName under which the CUDA backend is registered.
const BackendName = "cuda"

func init() {
	if err := driver.RegisterBackend(BackendName, New()); err != nil {
		klog.Errorf("failed to register %q backend: %+v", BackendName, err)
	}
}

// maxNameLength of device names returned by the driver.
const maxNameLength = 256

// Backend is the CUDA implementation of driver.Backend.
type Backend struct {
	mu          sync.Mutex
	initialized bool
	libraryPath string
}

var _ driver.Backend = (*Backend)(nil)

// New returns a CUDA backend. The driver library is only loaded by Init.
func New() *Backend {
	return &Backend{}
}

// Init implements driver.Backend: it loads the driver library and calls cuInit.
func (b *Backend) Init() driver.Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.initialized {
		return driver.StatusSuccess
	}
	lib, path, err := loadLibrary(config.CUDALibrary())
	if err != nil {
		klog.V(1).Infof("cuda: %v", err)
		return driver.StatusNotInitialized
	}
	if err := bindSymbols(lib); err != nil {
		klog.Errorf("cuda: %v", err)
		return driver.StatusNotInitialized
	}
	if status := driver.Status(cuInit(0)); !status.Ok() {
		klog.V(1).Infof("cuda: cuInit failed with %s", status)
		return status
	}
	b.libraryPath = path
	b.initialized = true
	if config.CUDAChecks() {
		checkInstallation(path)
	}
	return driver.StatusSuccess
}

// LibraryPath returns the path of the loaded driver library, or "" before Init.
func (b *Backend) LibraryPath() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.libraryPath
}

func (b *Backend) isInitialized() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.initialized
}

// DriverVersion implements driver.Backend.
func (b *Backend) DriverVersion() (int, driver.Status) {
	if !b.isInitialized() {
		return 0, driver.StatusNotInitialized
	}
	var version int32
	status := driver.Status(cuDriverGetVersion(&version))
	return int(version), status
}

// DeviceCount implements driver.Backend.
func (b *Backend) DeviceCount() (int, driver.Status) {
	if !b.isInitialized() {
		return 0, driver.StatusNotInitialized
	}
	var count int32
	status := driver.Status(cuDeviceGetCount(&count))
	return int(count), status
}

// device returns the CUdevice of the ordinal.
func (b *Backend) device(ordinal int) (int32, driver.Status) {
	if !b.isInitialized() {
		return 0, driver.StatusNotInitialized
	}
	var dev int32
	status := driver.Status(cuDeviceGet(&dev, int32(ordinal)))
	return dev, status
}

// DeviceName implements driver.Backend.
func (b *Backend) DeviceName(ordinal int) (string, driver.Status) {
	dev, status := b.device(ordinal)
	if !status.Ok() {
		return "", status
	}
	name := make([]byte, maxNameLength)
	if status := driver.Status(cuDeviceGetName(&name[0], maxNameLength, dev)); !status.Ok() {
		return "", status
	}
	if end := bytes.IndexByte(name, 0); end >= 0 {
		name = name[:end]
	}
	return string(name), driver.StatusSuccess
}

// DeviceAttribute implements driver.Backend.
func (b *Backend) DeviceAttribute(attr driver.Attribute, ordinal int) (int, driver.Status) {
	dev, status := b.device(ordinal)
	if !status.Ok() {
		return 0, status
	}
	var value int32
	status = driver.Status(cuDeviceGetAttribute(&value, int32(attr), dev))
	return int(value), status
}

// DeviceTotalMem implements driver.Backend.
func (b *Backend) DeviceTotalMem(ordinal int) (uint64, driver.Status) {
	dev, status := b.device(ordinal)
	if !status.Ok() {
		return 0, status
	}
	var total uint64
	status = driver.Status(cuDeviceTotalMem(&total, dev))
	return total, status
}

// CtxCreate implements driver.Backend. The new context is not left current on the calling thread.
func (b *Backend) CtxCreate(ordinal int) (driver.ContextHandle, driver.Status) {
	dev, status := b.device(ordinal)
	if !status.Ok() {
		return 0, status
	}
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	var ctx uintptr
	if status := driver.Status(cuCtxCreate(&ctx, 0, dev)); !status.Ok() {
		return 0, status
	}
	var popped uintptr
	if status := driver.Status(cuCtxPopCurrent(&popped)); !status.Ok() {
		klog.Warningf("cuda: failed to pop newly created context: %s", status)
	}
	return driver.ContextHandle(ctx), driver.StatusSuccess
}

// CtxDestroy implements driver.Backend.
func (b *Backend) CtxDestroy(ctx driver.ContextHandle) driver.Status {
	if !b.isInitialized() {
		return driver.StatusNotInitialized
	}
	return driver.Status(cuCtxDestroy(uintptr(ctx)))
}

// withContext runs fn with ctx current on the calling OS thread.
func (b *Backend) withContext(ctx driver.ContextHandle, fn func() driver.Status) driver.Status {
	if !b.isInitialized() {
		return driver.StatusNotInitialized
	}
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	if status := driver.Status(cuCtxSetCurrent(uintptr(ctx))); !status.Ok() {
		return status
	}
	return fn()
}

// CtxSynchronize implements driver.Backend.
func (b *Backend) CtxSynchronize(ctx driver.ContextHandle) driver.Status {
	return b.withContext(ctx, func() driver.Status {
		return driver.Status(cuCtxSynchronize())
	})
}

// nulTerminated returns the image ready for cuModuleLoadData: PTX text must be NUL terminated,
// binary images (cubin ELF, fatbin) are passed as is.
func nulTerminated(image []byte) []byte {
	if bytes.HasPrefix(image, []byte("\x7fELF")) || fatbin.IsBundle(image) {
		return image
	}
	if len(image) > 0 && image[len(image)-1] == 0 {
		return image
	}
	terminated := make([]byte, len(image)+1)
	copy(terminated, image)
	return terminated
}

// ModuleLoadData implements driver.Backend. PTX is JIT compiled by the driver for the device.
func (b *Backend) ModuleLoadData(ctx driver.ContextHandle, image []byte) (driver.ModuleHandle, driver.Status) {
	image = nulTerminated(image)
	var mod uintptr
	status := b.withContext(ctx, func() driver.Status {
		return driver.Status(cuModuleLoadData(&mod, unsafe.Pointer(&image[0])))
	})
	runtime.KeepAlive(image)
	return driver.ModuleHandle(mod), status
}

// ModuleUnload implements driver.Backend.
func (b *Backend) ModuleUnload(ctx driver.ContextHandle, mod driver.ModuleHandle) driver.Status {
	return b.withContext(ctx, func() driver.Status {
		return driver.Status(cuModuleUnload(uintptr(mod)))
	})
}

// ModuleGetFunction implements driver.Backend.
func (b *Backend) ModuleGetFunction(ctx driver.ContextHandle, mod driver.ModuleHandle, name string) (driver.FunctionHandle, driver.Status) {
	cName := append([]byte(name), 0)
	var fn uintptr
	status := b.withContext(ctx, func() driver.Status {
		return driver.Status(cuModuleGetFunction(&fn, uintptr(mod), &cName[0]))
	})
	return driver.FunctionHandle(fn), status
}

// MemAlloc implements driver.Backend.
func (b *Backend) MemAlloc(ctx driver.ContextHandle, bytes uint64) (driver.DevicePtr, driver.Status) {
	var ptr uintptr
	status := b.withContext(ctx, func() driver.Status {
		return driver.Status(cuMemAlloc(&ptr, bytes))
	})
	return driver.DevicePtr(ptr), status
}

// MemFree implements driver.Backend.
func (b *Backend) MemFree(ctx driver.ContextHandle, ptr driver.DevicePtr) driver.Status {
	return b.withContext(ctx, func() driver.Status {
		return driver.Status(cuMemFree(uintptr(ptr)))
	})
}

// MemcpyHtoD implements driver.Backend.
func (b *Backend) MemcpyHtoD(ctx driver.ContextHandle, dst driver.DevicePtr, src []byte) driver.Status {
	if len(src) == 0 {
		return driver.StatusSuccess
	}
	return b.withContext(ctx, func() driver.Status {
		return driver.Status(cuMemcpyHtoD(uintptr(dst), unsafe.Pointer(&src[0]), uint64(len(src))))
	})
}

// MemcpyDtoH implements driver.Backend.
func (b *Backend) MemcpyDtoH(ctx driver.ContextHandle, dst []byte, src driver.DevicePtr) driver.Status {
	if len(dst) == 0 {
		return driver.StatusSuccess
	}
	return b.withContext(ctx, func() driver.Status {
		return driver.Status(cuMemcpyDtoH(unsafe.Pointer(&dst[0]), uintptr(src), uint64(len(dst))))
	})
}

// MemcpyDtoD implements driver.Backend.
func (b *Backend) MemcpyDtoD(ctx driver.ContextHandle, dst, src driver.DevicePtr, bytes uint64) driver.Status {
	return b.withContext(ctx, func() driver.Status {
		return driver.Status(cuMemcpyDtoD(uintptr(dst), uintptr(src), bytes))
	})
}

// MemsetD8 implements driver.Backend.
func (b *Backend) MemsetD8(ctx driver.ContextHandle, dst driver.DevicePtr, value byte, count uint64) driver.Status {
	return b.withContext(ctx, func() driver.Status {
		return driver.Status(cuMemsetD8(uintptr(dst), value, count))
	})
}

// LaunchKernel implements driver.Backend. The kernel is launched on the context's default stream.
func (b *Backend) LaunchKernel(ctx driver.ContextHandle, fn driver.FunctionHandle, grid, block driver.Dim3,
	sharedMemBytes uint32, params *driver.Params) driver.Status {
	var kernelParams unsafe.Pointer
	var pinner runtime.Pinner
	defer pinner.Unpin()
	if params.Len() > 0 {
		// cuLaunchKernel reads an array of pointers to each argument value: both the array and the
		// values must not move during the call.
		pinner.Pin(&params.Data[0])
		pointers := params.Pointers()
		pinner.Pin(&pointers[0])
		kernelParams = unsafe.Pointer(&pointers[0])
	}
	return b.withContext(ctx, func() driver.Status {
		return driver.Status(cuLaunchKernel(uintptr(fn),
			grid.X, grid.Y, grid.Z,
			block.X, block.Y, block.Z,
			sharedMemBytes, 0, kernelParams, nil))
	})
}
