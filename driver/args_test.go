package driver

import (
	"encoding/binary"
	"math"
	"testing"

	"github.com/gomlx/gocudriver/dtypes"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/x448/float16"
)

func TestPackArgs(t *testing.T) {
	p, err := PackArgs(Ptr(0x1000), Uint32(7), Ptr(0x2000), Float16(float16.Fromfloat32(1)), Float32(2.5), Float64(-1))
	require.NoError(t, err)
	require.Equal(t, 6, p.Len())
	// Each argument at an offset aligned to its size.
	assert.Equal(t, []int{0, 8, 16, 24, 28, 32}, p.Offsets)
	assert.Equal(t, []dtypes.DType{dtypes.Pointer, dtypes.Uint32, dtypes.Pointer, dtypes.Float16, dtypes.Float32, dtypes.Float64}, p.DTypes)
	assert.Len(t, p.Data, 40)

	assert.Equal(t, uint64(0x1000), binary.NativeEndian.Uint64(p.Bytes(0)))
	assert.Equal(t, uint32(7), binary.NativeEndian.Uint32(p.Bytes(1)))
	assert.Equal(t, uint64(0x2000), binary.NativeEndian.Uint64(p.Bytes(2)))
	assert.Equal(t, float16.Fromfloat32(1).Bits(), binary.NativeEndian.Uint16(p.Bytes(3)))
	assert.Equal(t, float32(2.5), math.Float32frombits(binary.NativeEndian.Uint32(p.Bytes(4))))
	assert.Equal(t, -1.0, math.Float64frombits(binary.NativeEndian.Uint64(p.Bytes(5))))

	ptrs := p.Pointers()
	require.Len(t, ptrs, 6)
	assert.Equal(t, uint32(7), *(*uint32)(ptrs[1]))

	// Total size is padded to 8 bytes.
	p, err = PackArgs(Int32(-3))
	require.NoError(t, err)
	assert.Len(t, p.Data, 8)
	assert.Equal(t, int32(-3), int32(binary.NativeEndian.Uint32(p.Bytes(0))))

	p, err = PackArgs()
	require.NoError(t, err)
	assert.Zero(t, p.Len())

	_, err = PackArgs(Uint32(1), Arg{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidValue))
}

func TestArgOf(t *testing.T) {
	assert.Equal(t, Float32(1.5), ArgOf(float32(1.5)))
	assert.Equal(t, Int64(-2), ArgOf(int64(-2)))
	assert.Equal(t, Uint32(9), ArgOf(uint32(9)))
	assert.Equal(t, Ptr(0x10), ArgOf(DevicePtr(0x10)))
	assert.Equal(t, dtypes.Pointer, ArgOf(DevicePtr(0x10)).DType())
	assert.Equal(t, 8, Float64(0).Size())
	assert.Contains(t, Uint32(42).String(), "42")
}
