package driver

import (
	"fmt"
	"unsafe"

	"github.com/gomlx/gocudriver/dtypes"
	"github.com/pkg/errors"
)

// Direction of a copy.
type Direction int

const (
	HostToDevice Direction = iota
	DeviceToHost
	DeviceToDevice
)

// String implements fmt.Stringer.
func (d Direction) String() string {
	switch d {
	case HostToDevice:
		return "HostToDevice"
	case DeviceToHost:
		return "DeviceToHost"
	case DeviceToDevice:
		return "DeviceToDevice"
	}
	return fmt.Sprintf("Direction(%d)", int(d))
}

// Span is one end of a typed copy: either a host slice or a device address.
// Create it with HostSpan or DeviceSpan.
type Span[T dtypes.Supported] struct {
	host     []T
	ptr      DevicePtr
	onDevice bool
}

// HostSpan returns a Span over a host slice.
func HostSpan[T dtypes.Supported](data []T) Span[T] {
	return Span[T]{host: data}
}

// DeviceSpan returns a Span starting at a device address.
func DeviceSpan[T dtypes.Supported](ptr DevicePtr) Span[T] {
	return Span[T]{ptr: ptr, onDevice: true}
}

// OnDevice returns whether the span refers to device memory.
func (s Span[T]) OnDevice() bool { return s.onDevice }

// Copy copies count elements of type T from src to dst, in the given direction.
//
// It fails with ErrInvalidValue if the direction doesn't match the kinds of dst and src (e.g.
// HostToDevice with a host destination), or if a host slice has fewer than count elements.
// Device memory is not bounds checked here: the native layer reports what it detects.
//
// Copies are synchronous and wait for previously launched work in the context.
func Copy[T dtypes.Supported](ctx *Context, dst, src Span[T], count int, dir Direction) error {
	const op = "Copy"
	if count < 0 {
		return newError(op, StatusInvalidValue, "negative count %d", count)
	}
	var wantDst, wantSrc bool // whether they should be on device.
	switch dir {
	case HostToDevice:
		wantDst, wantSrc = true, false
	case DeviceToHost:
		wantDst, wantSrc = false, true
	case DeviceToDevice:
		wantDst, wantSrc = true, true
	default:
		return newError(op, StatusInvalidValue, "invalid direction %s", dir)
	}
	if dst.onDevice != wantDst || src.onDevice != wantSrc {
		return newError(op, StatusInvalidValue, "direction %s doesn't match endpoints (dst on device=%v, src on device=%v)",
			dir, dst.onDevice, src.onDevice)
	}
	for _, s := range []Span[T]{dst, src} {
		if !s.onDevice && len(s.host) < count {
			return newError(op, StatusInvalidValue, "host slice has %d elements, %d requested", len(s.host), count)
		}
	}
	elementSize := int(unsafe.Sizeof(*new(T)))
	var err error
	switch dir {
	case HostToDevice:
		err = ctx.CopyHtoD(dst.ptr, bytesOf(src.host[:count]))
	case DeviceToHost:
		err = ctx.CopyDtoH(bytesOf(dst.host[:count]), src.ptr)
	case DeviceToDevice:
		err = ctx.CopyDtoD(dst.ptr, src.ptr, count*elementSize)
	}
	if err != nil {
		return errors.WithMessagef(err, "copying %d elements of %s", count, dtypes.FromGenericsType[T]())
	}
	return nil
}

// bytesOf returns the bytes backing the slice, without copying.
func bytesOf[T dtypes.Supported](data []T) []byte {
	if len(data) == 0 {
		return nil
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(unsafe.SliceData(data))), len(data)*int(unsafe.Sizeof(data[0])))
}
