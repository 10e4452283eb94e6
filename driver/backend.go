package driver

import "strconv"

// Native handles, opaque to users of the package. Their values are only meaningful to the backend
// that created them.
type (
	ContextHandle  uintptr
	ModuleHandle   uintptr
	FunctionHandle uintptr
)

// DevicePtr is an opaque device address, as returned by the backend's allocation.
// It is never dereferenced on the host. Pointer arithmetic (DevicePtr.Offset) yields addresses inside
// the same allocation.
type DevicePtr uintptr

// NullPtr is the null device address.
const NullPtr DevicePtr = 0

// Offset returns the address bytes after p.
func (p DevicePtr) Offset(bytes int) DevicePtr {
	return DevicePtr(int64(p) + int64(bytes))
}

// Attribute identifies a device property that can be queried with Device.Attribute.
// The values follow CUDA's CUdevice_attribute.
type Attribute int32

const (
	AttributeMaxThreadsPerBlock      Attribute = 1
	AttributeMaxBlockDimX            Attribute = 2
	AttributeMaxBlockDimY            Attribute = 3
	AttributeMaxBlockDimZ            Attribute = 4
	AttributeMaxGridDimX             Attribute = 5
	AttributeMaxGridDimY             Attribute = 6
	AttributeMaxGridDimZ             Attribute = 7
	AttributeMaxSharedMemoryPerBlock Attribute = 8
	AttributeWarpSize                Attribute = 10
	AttributeMultiprocessorCount     Attribute = 16
	AttributeComputeCapabilityMajor  Attribute = 75
	AttributeComputeCapabilityMinor  Attribute = 76
)

var attributeNames = map[Attribute]string{
	AttributeMaxThreadsPerBlock:      "MaxThreadsPerBlock",
	AttributeMaxBlockDimX:            "MaxBlockDimX",
	AttributeMaxBlockDimY:            "MaxBlockDimY",
	AttributeMaxBlockDimZ:            "MaxBlockDimZ",
	AttributeMaxGridDimX:             "MaxGridDimX",
	AttributeMaxGridDimY:             "MaxGridDimY",
	AttributeMaxGridDimZ:             "MaxGridDimZ",
	AttributeMaxSharedMemoryPerBlock: "MaxSharedMemoryPerBlock",
	AttributeWarpSize:                "WarpSize",
	AttributeMultiprocessorCount:     "MultiprocessorCount",
	AttributeComputeCapabilityMajor:  "ComputeCapabilityMajor",
	AttributeComputeCapabilityMinor:  "ComputeCapabilityMinor",
}

// String implements fmt.Stringer.
func (a Attribute) String() string {
	if name, found := attributeNames[a]; found {
		return name
	}
	return "Attribute(" + strconv.Itoa(int(a)) + ")"
}

// Backend is the native layer: the minimal set of driver entry points this package is built on.
//
// Every call returns a Status, and the package converts it to an error. Calls that operate within a
// context receive the context handle explicitly: a backend whose native API has an implicit
// per-thread "current context" is responsible for making it current around each call.
//
// Implementations register themselves with RegisterBackend, usually from an init() function.
// See sub-packages emulator and cuda.
type Backend interface {
	// Init initializes the native driver. It is called once, by Initialize.
	Init() Status

	// DriverVersion returns the version encoded as 1000*major + 10*minor.
	DriverVersion() (int, Status)

	DeviceCount() (int, Status)
	DeviceName(ordinal int) (string, Status)
	DeviceAttribute(attr Attribute, ordinal int) (int, Status)
	DeviceTotalMem(ordinal int) (uint64, Status)

	CtxCreate(ordinal int) (ContextHandle, Status)
	CtxDestroy(ctx ContextHandle) Status

	// CtxSynchronize blocks until all work launched in the context has finished. It returns the
	// status of the first failed launch, if any.
	CtxSynchronize(ctx ContextHandle) Status

	ModuleLoadData(ctx ContextHandle, image []byte) (ModuleHandle, Status)
	ModuleUnload(ctx ContextHandle, mod ModuleHandle) Status
	ModuleGetFunction(ctx ContextHandle, mod ModuleHandle, name string) (FunctionHandle, Status)

	MemAlloc(ctx ContextHandle, bytes uint64) (DevicePtr, Status)
	MemFree(ctx ContextHandle, ptr DevicePtr) Status

	// MemcpyHtoD, MemcpyDtoH and MemcpyDtoD are synchronous with respect to the host and to the
	// work previously launched in the context.
	MemcpyHtoD(ctx ContextHandle, dst DevicePtr, src []byte) Status
	MemcpyDtoH(ctx ContextHandle, dst []byte, src DevicePtr) Status
	MemcpyDtoD(ctx ContextHandle, dst, src DevicePtr, bytes uint64) Status
	MemsetD8(ctx ContextHandle, dst DevicePtr, value byte, count uint64) Status

	// LaunchKernel enqueues the function for execution and returns without waiting for it.
	// Faults during the execution are reported by the next synchronizing call.
	LaunchKernel(ctx ContextHandle, fn FunctionHandle, grid, block Dim3, sharedMemBytes uint32, params *Params) Status
}
