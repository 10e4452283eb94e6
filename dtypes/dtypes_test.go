package dtypes

import (
	"reflect"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/x448/float16"
)

type devicePtr uintptr

func TestDType_Size(t *testing.T) {
	require.Equal(t, 8, Pointer.Size())
	require.Equal(t, 4, Int32.Size())
	require.Equal(t, 4, Float32.Size())
	require.Equal(t, 2, Float16.Size())
	require.Equal(t, 1, Uint8.Size())
	require.Equal(t, 0, InvalidDType.Size())
	require.Equal(t, 40, Float64.SizeForElements(5))
}

func TestFromGenericsType(t *testing.T) {
	require.Equal(t, Float32, FromGenericsType[float32]())
	require.Equal(t, Float16, FromGenericsType[float16.Float16]())
	require.Equal(t, Pointer, FromGenericsType[uintptr]())
	require.Equal(t, Pointer, FromGenericsType[devicePtr]())
	require.Equal(t, Uint8, FromGenericsType[uint8]())
	require.Equal(t, InvalidDType, FromGoType(reflect.TypeOf("")))
	require.Equal(t, Int32, FromAny(int32(7)))
	require.Equal(t, InvalidDType, FromAny(nil))
}

func TestGoTypeRoundTrip(t *testing.T) {
	for dtype := Pointer; dtype <= Float64; dtype++ {
		require.True(t, dtype.IsValid())
		require.Equal(t, dtype, FromGoType(dtype.GoType()), "dtype %s", dtype)
		require.Equal(t, dtype.Size(), int(dtype.GoType().Size()), "dtype %s", dtype)
	}
}

func TestPTXTypes(t *testing.T) {
	require.Equal(t, ".u64", Pointer.PTXType())
	require.Equal(t, ".s32", Int32.PTXType())
	require.Equal(t, Uint32, FromPTX(".u32"))
	require.Equal(t, Uint32, FromPTX("b32"))
	require.Equal(t, Float32, FromPTX(".f32"))
	require.Equal(t, InvalidDType, FromPTX(".pred"))
}

func TestMapOfNames(t *testing.T) {
	require.Equal(t, Float16, MapOfNames["Float16"])
	require.Equal(t, Float16, MapOfNames["float16"])
	require.Equal(t, Float16, MapOfNames["F16"])
	require.Equal(t, Float16, MapOfNames["f16"])
	require.Equal(t, Pointer, MapOfNames["ptr"])
	require.Equal(t, "DType(99)", DType(99).String())
}
