package driver

import (
	"encoding/binary"
	"fmt"
	"math"
	"unsafe"

	"github.com/gomlx/gocudriver/dtypes"
	"github.com/x448/float16"
)

// Arg is one kernel argument: a device pointer or a scalar, tagged with its dtype.
// The kernel's declared parameter list must match the types and order of the arguments exactly.
type Arg struct {
	dtype dtypes.DType
	bits  uint64
}

// Ptr returns a device pointer argument.
func Ptr(p DevicePtr) Arg { return Arg{dtype: dtypes.Pointer, bits: uint64(p)} }

// Int32 returns a 32-bit signed integer argument.
func Int32(v int32) Arg { return Arg{dtype: dtypes.Int32, bits: uint64(uint32(v))} }

// Uint32 returns a 32-bit unsigned integer argument.
func Uint32(v uint32) Arg { return Arg{dtype: dtypes.Uint32, bits: uint64(v)} }

// Int64 returns a 64-bit signed integer argument.
func Int64(v int64) Arg { return Arg{dtype: dtypes.Int64, bits: uint64(v)} }

// Uint64 returns a 64-bit unsigned integer argument.
func Uint64(v uint64) Arg { return Arg{dtype: dtypes.Uint64, bits: v} }

// Float32 returns a single precision argument.
func Float32(v float32) Arg { return Arg{dtype: dtypes.Float32, bits: uint64(math.Float32bits(v))} }

// Float64 returns a double precision argument.
func Float64(v float64) Arg { return Arg{dtype: dtypes.Float64, bits: math.Float64bits(v)} }

// Float16 returns a half precision argument.
func Float16(v float16.Float16) Arg { return Arg{dtype: dtypes.Float16, bits: uint64(v.Bits())} }

// ArgOf returns the argument for a value of one of the supported Go types.
// A uintptr based type (like DevicePtr) becomes a pointer argument.
func ArgOf[T dtypes.Supported](v T) Arg {
	switch x := any(v).(type) {
	case int8:
		return Arg{dtype: dtypes.Int8, bits: uint64(uint8(x))}
	case uint8:
		return Arg{dtype: dtypes.Uint8, bits: uint64(x)}
	case int32:
		return Int32(x)
	case uint32:
		return Uint32(x)
	case int64:
		return Int64(x)
	case uint64:
		return Uint64(x)
	case float16.Float16:
		return Float16(x)
	case float32:
		return Float32(x)
	case float64:
		return Float64(x)
	}
	// Only ~uintptr types are left.
	return Ptr(DevicePtr(asUintptr(v)))
}

func asUintptr[T dtypes.Supported](v T) uintptr {
	return *(*uintptr)(unsafe.Pointer(&v))
}

// DType of the argument.
func (a Arg) DType() dtypes.DType { return a.dtype }

// Size in bytes of the argument once packed.
func (a Arg) Size() int { return a.dtype.Size() }

// String implements fmt.Stringer.
func (a Arg) String() string {
	switch a.dtype {
	case dtypes.Pointer:
		return fmt.Sprintf("Pointer(%#x)", a.bits)
	case dtypes.Int8:
		return fmt.Sprintf("Int8(%d)", int8(a.bits))
	case dtypes.Int32:
		return fmt.Sprintf("Int32(%d)", int32(a.bits))
	case dtypes.Int64:
		return fmt.Sprintf("Int64(%d)", int64(a.bits))
	case dtypes.Float16:
		return fmt.Sprintf("Float16(%g)", float16.Frombits(uint16(a.bits)).Float32())
	case dtypes.Float32:
		return fmt.Sprintf("Float32(%g)", math.Float32frombits(uint32(a.bits)))
	case dtypes.Float64:
		return fmt.Sprintf("Float64(%g)", math.Float64frombits(a.bits))
	}
	return fmt.Sprintf("%s(%d)", a.dtype, a.bits)
}

// Params is the packed kernel argument list: the values in declaration order in one byte buffer,
// each at an offset aligned to its own size, in the host's native byte order.
type Params struct {
	Data    []byte
	Offsets []int
	DTypes  []dtypes.DType
}

// Len returns the number of arguments.
func (p *Params) Len() int {
	if p == nil {
		return 0
	}
	return len(p.Offsets)
}

// Bytes returns the bytes of the i-th argument.
func (p *Params) Bytes(i int) []byte {
	return p.Data[p.Offsets[i] : p.Offsets[i]+p.DTypes[i].Size()]
}

// Pointers returns the address of each argument inside Data: the form expected by cuLaunchKernel.
// The caller must keep p alive (and pinned) while the pointers are in use.
func (p *Params) Pointers() []unsafe.Pointer {
	ptrs := make([]unsafe.Pointer, len(p.Offsets))
	for ii, offset := range p.Offsets {
		ptrs[ii] = unsafe.Pointer(&p.Data[offset])
	}
	return ptrs
}

// PackArgs packs the arguments into a Params, with natural alignment.
// It fails with ErrInvalidValue if an argument has an invalid dtype.
func PackArgs(args ...Arg) (*Params, error) {
	p := &Params{
		Offsets: make([]int, len(args)),
		DTypes:  make([]dtypes.DType, len(args)),
	}
	size := 0
	for ii, arg := range args {
		argSize := arg.Size()
		if argSize == 0 {
			return nil, newError("PackArgs", StatusInvalidValue, "argument #%d has invalid dtype %s", ii, arg.dtype)
		}
		size = alignUp(size, argSize)
		p.Offsets[ii] = size
		p.DTypes[ii] = arg.dtype
		size += argSize
	}
	// 8 bytes of alignment for the buffer as a whole.
	p.Data = make([]byte, alignUp(size, 8))
	for ii, arg := range args {
		dst := p.Data[p.Offsets[ii]:]
		switch arg.Size() {
		case 1:
			dst[0] = byte(arg.bits)
		case 2:
			binary.NativeEndian.PutUint16(dst, uint16(arg.bits))
		case 4:
			binary.NativeEndian.PutUint32(dst, uint32(arg.bits))
		case 8:
			binary.NativeEndian.PutUint64(dst, arg.bits)
		}
	}
	return p, nil
}

func alignUp(offset, alignment int) int {
	return (offset + alignment - 1) / alignment * alignment
}
