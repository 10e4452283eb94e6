package cuda

import "unsafe"

// cuResult is CUDA's CUresult. Its values are the ones of driver.Status.
type cuResult int32

// Driver API entry points, bound by bindSymbols when the library is loaded.
var (
	cuInit             func(flags uint32) cuResult
	cuDriverGetVersion func(version *int32) cuResult

	cuDeviceGetCount     func(count *int32) cuResult
	cuDeviceGet          func(device *int32, ordinal int32) cuResult
	cuDeviceGetName      func(name *byte, length int32, dev int32) cuResult
	cuDeviceGetAttribute func(pi *int32, attrib int32, dev int32) cuResult
	cuDeviceTotalMem     func(bytes *uint64, dev int32) cuResult

	cuCtxCreate      func(pctx *uintptr, flags uint32, dev int32) cuResult
	cuCtxDestroy     func(ctx uintptr) cuResult
	cuCtxSetCurrent  func(ctx uintptr) cuResult
	cuCtxPopCurrent  func(pctx *uintptr) cuResult
	cuCtxSynchronize func() cuResult

	cuModuleLoadData    func(module *uintptr, image unsafe.Pointer) cuResult
	cuModuleUnload      func(hmod uintptr) cuResult
	cuModuleGetFunction func(hfunc *uintptr, hmod uintptr, name *byte) cuResult

	cuMemAlloc   func(dptr *uintptr, bytesize uint64) cuResult
	cuMemFree    func(dptr uintptr) cuResult
	cuMemcpyHtoD func(dstDevice uintptr, srcHost unsafe.Pointer, byteCount uint64) cuResult
	cuMemcpyDtoH func(dstHost unsafe.Pointer, srcDevice uintptr, byteCount uint64) cuResult
	cuMemcpyDtoD func(dstDevice uintptr, srcDevice uintptr, byteCount uint64) cuResult
	cuMemsetD8   func(dstDevice uintptr, uc byte, n uint64) cuResult

	cuLaunchKernel func(
		f uintptr,
		gridDimX, gridDimY, gridDimZ uint32,
		blockDimX, blockDimY, blockDimZ uint32,
		sharedMemBytes uint32,
		hStream uintptr,
		kernelParams unsafe.Pointer,
		extra unsafe.Pointer,
	) cuResult
)

// symbols maps each entry point to its function variable. The "_v2" versions are the ones taking
// 64 bits sizes and device pointers.
var symbols = []struct {
	name string
	fn   any
}{
	{"cuInit", &cuInit},
	{"cuDriverGetVersion", &cuDriverGetVersion},
	{"cuDeviceGetCount", &cuDeviceGetCount},
	{"cuDeviceGet", &cuDeviceGet},
	{"cuDeviceGetName", &cuDeviceGetName},
	{"cuDeviceGetAttribute", &cuDeviceGetAttribute},
	{"cuDeviceTotalMem_v2", &cuDeviceTotalMem},
	{"cuCtxCreate_v2", &cuCtxCreate},
	{"cuCtxDestroy_v2", &cuCtxDestroy},
	{"cuCtxSetCurrent", &cuCtxSetCurrent},
	{"cuCtxPopCurrent_v2", &cuCtxPopCurrent},
	{"cuCtxSynchronize", &cuCtxSynchronize},
	{"cuModuleLoadData", &cuModuleLoadData},
	{"cuModuleUnload", &cuModuleUnload},
	{"cuModuleGetFunction", &cuModuleGetFunction},
	{"cuMemAlloc_v2", &cuMemAlloc},
	{"cuMemFree_v2", &cuMemFree},
	{"cuMemcpyHtoD_v2", &cuMemcpyHtoD},
	{"cuMemcpyDtoH_v2", &cuMemcpyDtoH},
	{"cuMemcpyDtoD_v2", &cuMemcpyDtoD},
	{"cuMemsetD8_v2", &cuMemsetD8},
	{"cuLaunchKernel", &cuLaunchKernel},
}
