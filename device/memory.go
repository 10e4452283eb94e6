package device

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/pkg/errors"
	"github.com/x448/float16"
)

// Ptr is a device address as seen by a kernel.
type Ptr uint64

// Add returns the address bytes after p.
func (p Ptr) Add(bytes int) Ptr {
	return Ptr(int64(p) + int64(bytes))
}

// FaultKind classifies a device fault.
type FaultKind int

const (
	// IllegalAddress is an access outside any live allocation.
	IllegalAddress FaultKind = iota

	// MisalignedAddress is an access not aligned to the size of the value accessed.
	MisalignedAddress

	// InvalidParameter is a read of a parameter that doesn't exist or has a different size.
	InvalidParameter
)

// ErrIllegalAddress, ErrMisalignedAddress and ErrInvalidParameter are the kinds matched by a *Fault
// with errors.Is.
var (
	ErrIllegalAddress    = errors.New("illegal address")
	ErrMisalignedAddress = errors.New("misaligned address")
	ErrInvalidParameter  = errors.New("invalid kernel parameter")
)

// Fault is raised (with panic) by device memory and parameter accesses that are not valid.
// The emulator recovers it and reports it as a launch failure of the context.
type Fault struct {
	Kind FaultKind
	Addr Ptr
	Size int
	Msg  string
}

// Error implements the error interface.
func (f *Fault) Error() string {
	switch f.Kind {
	case IllegalAddress, MisalignedAddress:
		return fmt.Sprintf("%v: %d bytes at %#x: %s", f.Unwrap(), f.Size, uint64(f.Addr), f.Msg)
	}
	return fmt.Sprintf("%v: %s", f.Unwrap(), f.Msg)
}

// Unwrap returns the kind sentinel of the fault.
func (f *Fault) Unwrap() error {
	switch f.Kind {
	case IllegalAddress:
		return ErrIllegalAddress
	case MisalignedAddress:
		return ErrMisalignedAddress
	}
	return ErrInvalidParameter
}

// Memory is device memory as seen by kernels.
type Memory interface {
	// Bytes returns a view of n bytes of device memory starting at ptr. It panics with a *Fault if the
	// range is not entirely inside one live allocation.
	Bytes(ptr Ptr, n int) []byte
}

// RGBA is one pixel: 4 bytes, no padding.
type RGBA struct {
	R, G, B, A uint8
}

// element returns the view of the i-th element of size bytes of the array at base.
func (t *Thread) element(base Ptr, i, size int) []byte {
	addr := base.Add(i * size)
	if uint64(addr)%uint64(size) != 0 {
		panic(&Fault{Kind: MisalignedAddress, Addr: addr, Size: size, Msg: fmt.Sprintf("element %d of array at %#x", i, uint64(base))})
	}
	return t.Memory.Bytes(addr, size)
}

// Float32 loads the i-th element of the float32 array at base.
func (t *Thread) Float32(base Ptr, i int) float32 {
	return math.Float32frombits(binary.NativeEndian.Uint32(t.element(base, i, 4)))
}

// SetFloat32 stores v as the i-th element of the float32 array at base.
func (t *Thread) SetFloat32(base Ptr, i int, v float32) {
	binary.NativeEndian.PutUint32(t.element(base, i, 4), math.Float32bits(v))
}

// Float16 loads the i-th element of the half precision array at base.
func (t *Thread) Float16(base Ptr, i int) float16.Float16 {
	return float16.Frombits(binary.NativeEndian.Uint16(t.element(base, i, 2)))
}

// SetFloat16 stores v as the i-th element of the half precision array at base.
func (t *Thread) SetFloat16(base Ptr, i int, v float16.Float16) {
	binary.NativeEndian.PutUint16(t.element(base, i, 2), v.Bits())
}

// Int32 loads the i-th element of the int32 array at base.
func (t *Thread) Int32(base Ptr, i int) int32 {
	return int32(binary.NativeEndian.Uint32(t.element(base, i, 4)))
}

// SetInt32 stores v as the i-th element of the int32 array at base.
func (t *Thread) SetInt32(base Ptr, i int, v int32) {
	binary.NativeEndian.PutUint32(t.element(base, i, 4), uint32(v))
}

// Uint32 loads the i-th element of the uint32 array at base.
func (t *Thread) Uint32(base Ptr, i int) uint32 {
	return binary.NativeEndian.Uint32(t.element(base, i, 4))
}

// SetUint32 stores v as the i-th element of the uint32 array at base.
func (t *Thread) SetUint32(base Ptr, i int, v uint32) {
	binary.NativeEndian.PutUint32(t.element(base, i, 4), v)
}

// Uint8 loads the i-th element of the byte array at base.
func (t *Thread) Uint8(base Ptr, i int) uint8 {
	return t.element(base, i, 1)[0]
}

// SetUint8 stores v as the i-th element of the byte array at base.
func (t *Thread) SetUint8(base Ptr, i int, v uint8) {
	t.element(base, i, 1)[0] = v
}

// RGBA loads the i-th pixel of the RGBA array at base.
// Pixels are 4 bytes but only byte aligned, like the struct of 4 bytes they represent.
func (t *Thread) RGBA(base Ptr, i int) RGBA {
	b := t.Memory.Bytes(base.Add(4*i), 4)
	return RGBA{R: b[0], G: b[1], B: b[2], A: b[3]}
}

// SetRGBA stores the i-th pixel of the RGBA array at base.
func (t *Thread) SetRGBA(base Ptr, i int, v RGBA) {
	b := t.Memory.Bytes(base.Add(4*i), 4)
	b[0], b[1], b[2], b[3] = v.R, v.G, v.B, v.A
}
