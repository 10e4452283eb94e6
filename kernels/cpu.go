package kernels

import (
	"github.com/x448/float16"
	"gonum.org/v1/gonum/mat"
)

// AddCPU is the reference for the add kernel.
func AddCPU(a, b []float32) []float32 {
	c := make([]float32, len(a))
	for i := range c {
		c[i] = a[i] + b[i]
	}
	return c
}

// GrayCPU is the reference for the rgba2gray kernel.
func GrayCPU(pixels []RGBA) []uint8 {
	gray := make([]uint8, len(pixels))
	for i, p := range pixels {
		gray[i] = Luma(p)
	}
	return gray
}

// SaxpyCPU is the reference for the saxpy kernel. It returns a*x + y, without changing y.
func SaxpyCPU(a float32, x, y []float32) []float32 {
	out := make([]float32, len(y))
	for i := range out {
		out[i] = float32(a*x[i]) + y[i]
	}
	return out
}

// F32ToF16CPU is the reference for the f32tof16 kernel.
func F32ToF16CPU(src []float32) []float16.Float16 {
	dst := make([]float16.Float16, len(src))
	for i, v := range src {
		dst[i] = float16.Fromfloat32(v)
	}
	return dst
}

// MatMulCPU is the reference for the matmul kernel: a[m,k] x b[k,n], row-major, computed in float64
// with gonum. Results differ from the kernel's float32 accumulation by rounding only.
func MatMulCPU(a, b []float32, m, n, k int) []float64 {
	if m == 0 || n == 0 {
		return nil
	}
	if k == 0 {
		return make([]float64, m*n)
	}
	aMat := mat.NewDense(m, k, toFloat64(a))
	bMat := mat.NewDense(k, n, toFloat64(b))
	var c mat.Dense
	c.Mul(aMat, bMat)
	return c.RawMatrix().Data
}

func toFloat64(values []float32) []float64 {
	out := make([]float64, len(values))
	for i, v := range values {
		out[i] = float64(v)
	}
	return out
}
