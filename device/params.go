package device

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/gomlx/gocudriver/dtypes"
	"github.com/x448/float16"
)

// Params are the kernel arguments packed by the host: values in declaration order in one byte buffer,
// at the given offsets, in the host's native byte order.
type Params struct {
	Data    []byte
	Offsets []int
	DTypes  []dtypes.DType
}

// Len returns the number of parameters.
func (p Params) Len() int { return len(p.Offsets) }

// raw returns the bytes of the i-th parameter, checking it has the given size.
// Parameters of the same size are interchangeable, like PTX's untyped ".b32"/".b64" parameters.
func (p Params) raw(i int, dtype dtypes.DType) []byte {
	if i < 0 || i >= len(p.Offsets) {
		panic(&Fault{Kind: InvalidParameter, Msg: fmt.Sprintf("parameter #%d requested, kernel has %d parameters", i, len(p.Offsets))})
	}
	if p.DTypes[i].Size() != dtype.Size() {
		panic(&Fault{Kind: InvalidParameter, Msg: fmt.Sprintf("parameter #%d read as %s, but it was passed as %s", i, dtype, p.DTypes[i])})
	}
	offset := p.Offsets[i]
	return p.Data[offset : offset+dtype.Size()]
}

// Ptr returns the i-th parameter as a device pointer.
func (p Params) Ptr(i int) Ptr {
	return Ptr(binary.NativeEndian.Uint64(p.raw(i, dtypes.Pointer)))
}

// Int32 returns the i-th parameter as an int32.
func (p Params) Int32(i int) int32 {
	return int32(binary.NativeEndian.Uint32(p.raw(i, dtypes.Int32)))
}

// Uint32 returns the i-th parameter as a uint32.
func (p Params) Uint32(i int) uint32 {
	return binary.NativeEndian.Uint32(p.raw(i, dtypes.Uint32))
}

// Int64 returns the i-th parameter as an int64.
func (p Params) Int64(i int) int64 {
	return int64(binary.NativeEndian.Uint64(p.raw(i, dtypes.Int64)))
}

// Uint64 returns the i-th parameter as a uint64.
func (p Params) Uint64(i int) uint64 {
	return binary.NativeEndian.Uint64(p.raw(i, dtypes.Uint64))
}

// Float32 returns the i-th parameter as a float32.
func (p Params) Float32(i int) float32 {
	return math.Float32frombits(binary.NativeEndian.Uint32(p.raw(i, dtypes.Float32)))
}

// Float64 returns the i-th parameter as a float64.
func (p Params) Float64(i int) float64 {
	return math.Float64frombits(binary.NativeEndian.Uint64(p.raw(i, dtypes.Float64)))
}

// Float16 returns the i-th parameter as a half precision float.
func (p Params) Float16(i int) float16.Float16 {
	return float16.Frombits(binary.NativeEndian.Uint16(p.raw(i, dtypes.Float16)))
}
