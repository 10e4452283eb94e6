package driver

import (
	"fmt"

	"github.com/pkg/errors"
)

// Error kinds. Every error returned by this package is an *Error, and it matches (with errors.Is)
// exactly one of these.
var (
	// ErrDriver is returned when the native backend fails to initialize or reports a failure that
	// isn't covered by the other kinds. Transfer failures are also reported as ErrDriver.
	ErrDriver = errors.New("driver error")

	// ErrInvalidDevice is returned for a device index out of range.
	ErrInvalidDevice = errors.New("invalid device")

	// ErrInvalidImage is returned when a kernel image is empty, malformed or has no code for the
	// device's architecture.
	ErrInvalidImage = errors.New("invalid kernel image")

	// ErrNotFound is returned when an entry point is not present in a module.
	ErrNotFound = errors.New("not found")

	// ErrOutOfMemory is returned when a device allocation fails.
	ErrOutOfMemory = errors.New("out of device memory")

	// ErrInvalidValue is returned for invalid arguments: bad launch geometry, zero-sized allocations,
	// unknown pointers, mismatched copy directions.
	ErrInvalidValue = errors.New("invalid value")

	// ErrLaunchFailure is returned when a kernel launch is rejected or a launched kernel faults.
	// A context that reported ErrLaunchFailure stays faulted.
	ErrLaunchFailure = errors.New("launch failure")

	// ErrContextDestroyed is returned when using a context (or anything created under it) after
	// Context.Destroy.
	ErrContextDestroyed = errors.New("context destroyed")
)

// Error is the error returned by the driver operations.
// It carries the operation name, the native status and the kind (one of the Err* sentinels).
type Error struct {
	Op     string
	Status Status
	Kind   error
	Msg    string
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Msg == "" {
		return fmt.Sprintf("%s: %v (status %s)", e.Op, e.Kind, e.Status)
	}
	return fmt.Sprintf("%s: %v (status %s): %s", e.Op, e.Kind, e.Status, e.Msg)
}

// Is implements errors.Is: it matches the error's kind.
func (e *Error) Is(target error) bool {
	return target == e.Kind
}

// Unwrap returns the error's kind.
func (e *Error) Unwrap() error {
	return e.Kind
}

// KindOf returns the kind (one of the Err* sentinels) that corresponds to a native status.
// It returns nil for StatusSuccess.
func KindOf(status Status) error {
	switch status {
	case StatusSuccess:
		return nil
	case StatusInvalidDevice:
		return ErrInvalidDevice
	case StatusInvalidImage, StatusInvalidPTX, StatusNoBinaryForGPU, StatusInvalidSource, StatusJITCompilerNotFound:
		return ErrInvalidImage
	case StatusNotFound:
		return ErrNotFound
	case StatusOutOfMemory:
		return ErrOutOfMemory
	case StatusInvalidValue:
		return ErrInvalidValue
	case StatusLaunchFailed, StatusIllegalAddress, StatusLaunchOutOfResources, StatusLaunchTimeout,
		StatusIllegalInstruction, StatusMisalignedAddress, StatusHardwareStackError:
		return ErrLaunchFailure
	case StatusInvalidContext, StatusContextIsDestroyed:
		return ErrContextDestroyed
	}
	return ErrDriver
}

// toError converts a native status to an error, with a stack trace (see github.com/pkg/errors package).
// It returns nil for StatusSuccess.
func toError(op string, status Status) error {
	if status.Ok() {
		return nil
	}
	return errors.WithStack(&Error{Op: op, Status: status, Kind: KindOf(status)})
}

// newError creates an error for a failure detected by this package, before reaching the native layer.
func newError(op string, status Status, format string, args ...any) error {
	return errors.WithStack(&Error{Op: op, Status: status, Kind: KindOf(status), Msg: fmt.Sprintf(format, args...)})
}

// StatusOf returns the native status carried by err, or StatusSuccess if err is nil, or
// StatusUnknown if err was not created by this package.
func StatusOf(err error) Status {
	if err == nil {
		return StatusSuccess
	}
	var dErr *Error
	if errors.As(err, &dErr) {
		return dErr.Status
	}
	return StatusUnknown
}
