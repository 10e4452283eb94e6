// Package kernels holds the example kernels: their Go implementations for the emulator backend
// (registered with the device package when this package is imported), the same kernels as PTX text
// for the CUDA backend (PTX), and CPU reference implementations used to verify the results.
//
// Kernels and their parameters, in order:
//
//   - add(a, b, c *float32, n uint32): c[i] = a[i] + b[i]
//   - memcpy(dst, src *float32, n uint32): dst[i] = src[i]
//   - rgba2gray(rgba *RGBA, gray *uint8, width, height int32): gray[i] = Luma(rgba[i]), i = y*width + x
//   - saxpy(x, y *float32, a float32, n uint32): y[i] = a*x[i] + y[i]
//   - f32tof16(dst *float16, src *float32, n uint32): dst[i] = half(src[i])
//   - matmul(a, b, c *float32, m, n, k uint32): c[m,n] = a[m,k] x b[k,n], row-major
//
// 1D kernels are launched with a grid of GridFor(n, blockSize) blocks; rgba2gray and matmul with a
// 2D grid where X covers the columns and Y the rows.
package kernels

import (
	_ "embed"

	"github.com/chewxy/math32"
	"github.com/gomlx/gocudriver/device"
	"github.com/gomlx/gocudriver/dtypes"
	"github.com/x448/float16"
)

// PTX holds all the kernels of the package, as PTX text targeting sm_30.
//
//go:embed kernels.ptx
var PTX []byte

// RGBA is one pixel: 4 bytes, no padding, in R, G, B, A order.
type RGBA = device.RGBA

// Names of the kernels, as exported in PTX.
const (
	Add       = "add"
	Memcpy    = "memcpy"
	RGBA2Gray = "rgba2gray"
	Saxpy     = "saxpy"
	F32ToF16  = "f32tof16"
	MatMul    = "matmul"
)

func init() {
	ptr, u32, i32, f32 := dtypes.Pointer, dtypes.Uint32, dtypes.Int32, dtypes.Float32
	device.Register(device.Kernel{Name: Add, Params: []dtypes.DType{ptr, ptr, ptr, u32}, Fn: add})
	device.Register(device.Kernel{Name: Memcpy, Params: []dtypes.DType{ptr, ptr, u32}, Fn: memcpy})
	device.Register(device.Kernel{Name: RGBA2Gray, Params: []dtypes.DType{ptr, ptr, i32, i32}, Fn: rgba2gray})
	device.Register(device.Kernel{Name: Saxpy, Params: []dtypes.DType{ptr, ptr, f32, u32}, Fn: saxpy})
	device.Register(device.Kernel{Name: F32ToF16, Params: []dtypes.DType{ptr, ptr, u32}, Fn: f32tof16})
	device.Register(device.Kernel{Name: MatMul, Params: []dtypes.DType{ptr, ptr, ptr, u32, u32, u32}, Fn: matmul})
}

func add(t *device.Thread, p device.Params) {
	a, b, c, n := p.Ptr(0), p.Ptr(1), p.Ptr(2), int(p.Uint32(3))
	i := t.Global()
	if i >= n {
		return
	}
	t.SetFloat32(c, i, t.Float32(a, i)+t.Float32(b, i))
}

func memcpy(t *device.Thread, p device.Params) {
	dst, src, n := p.Ptr(0), p.Ptr(1), int(p.Uint32(2))
	i := t.Global()
	if i >= n {
		return
	}
	t.SetFloat32(dst, i, t.Float32(src, i))
}

func rgba2gray(t *device.Thread, p device.Params) {
	rgba, gray := p.Ptr(0), p.Ptr(1)
	width, height := int(p.Int32(2)), int(p.Int32(3))
	x, y := t.GlobalX(), t.GlobalY()
	if x >= width || y >= height {
		return
	}
	i := y*width + x
	t.SetUint8(gray, i, Luma(t.RGBA(rgba, i)))
}

func saxpy(t *device.Thread, p device.Params) {
	x, y, a, n := p.Ptr(0), p.Ptr(1), p.Float32(2), int(p.Uint32(3))
	i := t.Global()
	if i >= n {
		return
	}
	t.SetFloat32(y, i, float32(a*t.Float32(x, i))+t.Float32(y, i))
}

func f32tof16(t *device.Thread, p device.Params) {
	dst, src, n := p.Ptr(0), p.Ptr(1), int(p.Uint32(2))
	i := t.Global()
	if i >= n {
		return
	}
	t.SetFloat16(dst, i, float16.Fromfloat32(t.Float32(src, i)))
}

func matmul(t *device.Thread, p device.Params) {
	a, b, c := p.Ptr(0), p.Ptr(1), p.Ptr(2)
	m, n, k := int(p.Uint32(3)), int(p.Uint32(4)), int(p.Uint32(5))
	col, row := t.GlobalX(), t.GlobalY()
	if row >= m || col >= n {
		return
	}
	var sum float32
	for kk := range k {
		sum += float32(t.Float32(a, row*k+kk) * t.Float32(b, kk*n+col))
	}
	t.SetFloat32(c, row*n+col, sum)
}

// Luma returns the gray level of a pixel, 0.299*R + 0.589*G + 0.114*B, truncated (not rounded).
// The operations are in float32, in this order, without fused multiply-adds. The weights add up to
// slightly more than 1, so the result is clamped to 255.
func Luma(p RGBA) uint8 {
	r := float32(0.299 * float32(p.R))
	g := float32(0.589 * float32(p.G))
	b := float32(0.114 * float32(p.B))
	return uint8(math32.Min(math32.Trunc(float32(r+g)+b), 255))
}
