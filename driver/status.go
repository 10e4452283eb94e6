package driver

import "fmt"

// Status is the status code returned by the native layer (Backend) for every call.
// The numbering follows CUDA's CUresult, so the CUDA backend can return the driver's values as is.
type Status int32

const (
	StatusSuccess              Status = 0
	StatusInvalidValue         Status = 1
	StatusOutOfMemory          Status = 2
	StatusNotInitialized       Status = 3
	StatusDeinitialized        Status = 4
	StatusNoDevice             Status = 100
	StatusInvalidDevice        Status = 101
	StatusInvalidImage         Status = 200
	StatusInvalidContext       Status = 201
	StatusNoBinaryForGPU       Status = 209
	StatusInvalidPTX           Status = 218
	StatusJITCompilerNotFound  Status = 221
	StatusInvalidSource        Status = 300
	StatusFileNotFound         Status = 301
	StatusInvalidHandle        Status = 400
	StatusNotFound             Status = 500
	StatusNotReady             Status = 600
	StatusIllegalAddress       Status = 700
	StatusLaunchOutOfResources Status = 701
	StatusLaunchTimeout        Status = 702
	StatusContextIsDestroyed   Status = 709
	StatusHardwareStackError   Status = 714
	StatusIllegalInstruction   Status = 715
	StatusMisalignedAddress    Status = 716
	StatusLaunchFailed         Status = 719
	StatusNotSupported         Status = 801
	StatusUnknown              Status = 999
)

var statusNames = map[Status]string{
	StatusSuccess:              "SUCCESS",
	StatusInvalidValue:         "INVALID_VALUE",
	StatusOutOfMemory:          "OUT_OF_MEMORY",
	StatusNotInitialized:       "NOT_INITIALIZED",
	StatusDeinitialized:        "DEINITIALIZED",
	StatusNoDevice:             "NO_DEVICE",
	StatusInvalidDevice:        "INVALID_DEVICE",
	StatusInvalidImage:         "INVALID_IMAGE",
	StatusInvalidContext:       "INVALID_CONTEXT",
	StatusNoBinaryForGPU:       "NO_BINARY_FOR_GPU",
	StatusInvalidPTX:           "INVALID_PTX",
	StatusJITCompilerNotFound:  "JIT_COMPILER_NOT_FOUND",
	StatusInvalidSource:        "INVALID_SOURCE",
	StatusFileNotFound:         "FILE_NOT_FOUND",
	StatusInvalidHandle:        "INVALID_HANDLE",
	StatusNotFound:             "NOT_FOUND",
	StatusNotReady:             "NOT_READY",
	StatusIllegalAddress:       "ILLEGAL_ADDRESS",
	StatusLaunchOutOfResources: "LAUNCH_OUT_OF_RESOURCES",
	StatusLaunchTimeout:        "LAUNCH_TIMEOUT",
	StatusContextIsDestroyed:   "CONTEXT_IS_DESTROYED",
	StatusHardwareStackError:   "HARDWARE_STACK_ERROR",
	StatusIllegalInstruction:   "ILLEGAL_INSTRUCTION",
	StatusMisalignedAddress:    "MISALIGNED_ADDRESS",
	StatusLaunchFailed:         "LAUNCH_FAILED",
	StatusNotSupported:         "NOT_SUPPORTED",
	StatusUnknown:              "UNKNOWN",
}

// String implements fmt.Stringer.
func (s Status) String() string {
	if name, found := statusNames[s]; found {
		return fmt.Sprintf("%s (%d)", name, int32(s))
	}
	return fmt.Sprintf("STATUS(%d)", int32(s))
}

// Ok returns whether the status is StatusSuccess.
func (s Status) Ok() bool {
	return s == StatusSuccess
}
