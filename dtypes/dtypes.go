// Package dtypes defines the scalar types that cross the host/device boundary: elements of device
// buffers and kernel arguments.
package dtypes

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/x448/float16"
)

// DType is the type of a kernel argument or of the elements of a device buffer.
type DType int32

const (
	// InvalidDType represents an invalid (or not set) dtype.
	InvalidDType DType = iota

	// Pointer is a device address, always 64 bits wide.
	Pointer

	Int8
	Uint8
	Int32
	Uint32
	Int64
	Uint64

	// Float16 is IEEE 754 half precision, represented in Go by float16.Float16.
	Float16
	Float32
	Float64
)

// Invalid is an alias to InvalidDType.
const Invalid = InvalidDType

var dtypeNames = [...]string{
	InvalidDType: "InvalidDType",
	Pointer:      "Pointer",
	Int8:         "Int8",
	Uint8:        "Uint8",
	Int32:        "Int32",
	Uint32:       "Uint32",
	Int64:        "Int64",
	Uint64:       "Uint64",
	Float16:      "Float16",
	Float32:      "Float32",
	Float64:      "Float64",
}

// String implements fmt.Stringer.
func (dtype DType) String() string {
	if dtype < 0 || int(dtype) >= len(dtypeNames) {
		return fmt.Sprintf("DType(%d)", int32(dtype))
	}
	return dtypeNames[dtype]
}

// IsValid returns whether dtype is one of the known types, other than InvalidDType.
func (dtype DType) IsValid() bool {
	return dtype > InvalidDType && int(dtype) < len(dtypeNames)
}

// Size returns the number of bytes of one value of the dtype.
// It returns 0 for InvalidDType.
func (dtype DType) Size() int {
	switch dtype {
	case Int8, Uint8:
		return 1
	case Float16:
		return 2
	case Int32, Uint32, Float32:
		return 4
	case Pointer, Int64, Uint64, Float64:
		return 8
	}
	return 0
}

// SizeForElements returns the number of bytes needed to store numElements of the dtype.
func (dtype DType) SizeForElements(numElements int) int {
	return dtype.Size() * numElements
}

// IsFloat returns whether dtype is a floating point type.
func (dtype DType) IsFloat() bool {
	return dtype == Float16 || dtype == Float32 || dtype == Float64
}

// PTXType returns the PTX type suffix used to declare a kernel parameter of this dtype (e.g. ".f32").
// Pointers are passed as ".u64".
func (dtype DType) PTXType() string {
	switch dtype {
	case Pointer, Uint64:
		return ".u64"
	case Int8:
		return ".s8"
	case Uint8:
		return ".u8"
	case Int32:
		return ".s32"
	case Uint32:
		return ".u32"
	case Int64:
		return ".s64"
	case Float16:
		return ".f16"
	case Float32:
		return ".f32"
	case Float64:
		return ".f64"
	}
	return ""
}

// FromPTX returns the dtype for a PTX parameter type (e.g. ".u32" or "u32").
// Untyped bit containers (".b32") map to the unsigned integer of the same width.
// It returns InvalidDType if the type is not known.
func FromPTX(ptxType string) DType {
	switch strings.TrimPrefix(ptxType, ".") {
	case "u64", "b64":
		return Uint64
	case "s64":
		return Int64
	case "u32", "b32":
		return Uint32
	case "s32":
		return Int32
	case "u8", "b8":
		return Uint8
	case "s8":
		return Int8
	case "f16", "b16":
		return Float16
	case "f32":
		return Float32
	case "f64":
		return Float64
	}
	return InvalidDType
}

// Supported lists the Go types that can be transferred to/from devices and passed as kernel arguments.
type Supported interface {
	~uintptr | int8 | uint8 | int32 | uint32 | int64 | uint64 | float16.Float16 | float32 | float64
}

var float16Type = reflect.TypeOf(float16.Float16(0))

// FromGoType returns the dtype for the given Go type.
// It returns InvalidDType if the type is not supported.
func FromGoType(t reflect.Type) DType {
	if t == float16Type {
		return Float16
	}
	switch t.Kind() {
	case reflect.Uintptr:
		return Pointer
	case reflect.Int8:
		return Int8
	case reflect.Uint8:
		return Uint8
	case reflect.Int32:
		return Int32
	case reflect.Uint32:
		return Uint32
	case reflect.Int64:
		return Int64
	case reflect.Uint64:
		return Uint64
	case reflect.Float32:
		return Float32
	case reflect.Float64:
		return Float64
	default:
		return InvalidDType
	}
}

// FromGenericsType returns the dtype for the generic type T.
func FromGenericsType[T Supported]() DType {
	return FromGoType(reflect.TypeOf((*T)(nil)).Elem())
}

// FromAny returns the dtype of the Go value given.
func FromAny(value any) DType {
	if value == nil {
		return InvalidDType
	}
	return FromGoType(reflect.TypeOf(value))
}

// GoType returns the Go type that represents values of the dtype.
func (dtype DType) GoType() reflect.Type {
	switch dtype {
	case Pointer:
		return reflect.TypeOf(uintptr(0))
	case Int8:
		return reflect.TypeOf(int8(0))
	case Uint8:
		return reflect.TypeOf(uint8(0))
	case Int32:
		return reflect.TypeOf(int32(0))
	case Uint32:
		return reflect.TypeOf(uint32(0))
	case Int64:
		return reflect.TypeOf(int64(0))
	case Uint64:
		return reflect.TypeOf(uint64(0))
	case Float16:
		return float16Type
	case Float32:
		return reflect.TypeOf(float32(0))
	case Float64:
		return reflect.TypeOf(float64(0))
	}
	return nil
}

// MapOfNames maps the dtype names, their lower-case versions and their short forms (e.g. "f32") to the dtype.
var MapOfNames = func() map[string]DType {
	m := make(map[string]DType)
	short := map[DType]string{
		Pointer: "ptr",
		Int8:    "s8",
		Uint8:   "u8",
		Int32:   "s32",
		Uint32:  "u32",
		Int64:   "s64",
		Uint64:  "u64",
		Float16: "f16",
		Float32: "f32",
		Float64: "f64",
	}
	for dtype := Pointer; int(dtype) < len(dtypeNames); dtype++ {
		name := dtype.String()
		m[name] = dtype
		m[strings.ToLower(name)] = dtype
		m[short[dtype]] = dtype
		m[strings.ToUpper(short[dtype])] = dtype
	}
	return m
}()
