package kernels_test

import (
	"math/rand/v2"
	"testing"

	"github.com/gomlx/gocudriver/driver"
	"github.com/gomlx/gocudriver/kernels"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/x448/float16"

	_ "github.com/gomlx/gocudriver/driver/emulator"
)

// setup creates a context on the emulator with the kernels loaded.
func setup(t *testing.T) (*driver.Context, *driver.Module) {
	drv, err := driver.Initialize("emulator")
	require.NoError(t, err)
	dev, err := drv.Device(0)
	require.NoError(t, err)
	ctx, err := dev.CreateContext()
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, ctx.Destroy()) })
	module, err := ctx.LoadModule(kernels.PTX)
	require.NoError(t, err)
	return ctx, module
}

func function(t *testing.T, module *driver.Module, name string) *driver.Function {
	fn, err := module.Function(name)
	require.NoError(t, err)
	return fn
}

func randomFloats(rng *rand.Rand, n int) []float32 {
	values := make([]float32, n)
	for ii := range values {
		values[ii] = rng.Float32()*200 - 100
	}
	return values
}

// toDevice copies host to a new device buffer with extra elements after it, set to sentinel, to detect
// out of bounds writes.
func toDevice[T float32 | uint8 | float16.Float16](t *testing.T, ctx *driver.Context, host []T, extra int, sentinel T) *driver.Buffer {
	padded := make([]T, len(host)+extra)
	copy(padded, host)
	for ii := len(host); ii < len(padded); ii++ {
		padded[ii] = sentinel
	}
	buf, err := driver.ToDevice(ctx, padded)
	require.NoError(t, err)
	t.Cleanup(func() { _ = buf.Free() })
	return buf
}

func TestAdd(t *testing.T) {
	ctx, module := setup(t)
	add := function(t, module, kernels.Add)
	rng := rand.New(rand.NewPCG(42, 0))
	const blockSize = 256
	const sentinel = float32(-12345)

	for _, n := range []int{1, 100, blockSize, blockSize + 1, 1000, 4 * blockSize} {
		a, b := randomFloats(rng, n), randomFloats(rng, n)
		aBuf, bBuf := toDevice(t, ctx, a, 0, 0), toDevice(t, ctx, b, 0, 0)
		// c has one more block of elements than n: they must not be touched.
		cBuf := toDevice(t, ctx, make([]float32, n), blockSize, sentinel)
		require.NoError(t, add.LaunchWith(driver.GridFor(n, blockSize), driver.X(blockSize),
			aBuf.Arg(), bBuf.Arg(), cBuf.Arg(), driver.Uint32(uint32(n))))
		c, err := driver.FromDevice[float32](cBuf)
		require.NoError(t, err)
		require.Equal(t, kernels.AddCPU(a, b), c[:n], "n=%d", n)
		for ii := n; ii < len(c); ii++ {
			require.Equal(t, sentinel, c[ii], "n=%d: element %d written out of bounds", n, ii)
		}
	}
	require.NoError(t, ctx.Err())
}

func TestMemcpy(t *testing.T) {
	ctx, module := setup(t)
	memcpy := function(t, module, kernels.Memcpy)
	rng := rand.New(rand.NewPCG(42, 1))
	const blockSize = 128
	const sentinel = float32(7)

	for _, tc := range []struct {
		name string
		n    int
	}{
		{"single element", 1},
		{"one full block", blockSize},
		{"full block plus one", blockSize + 1},
		{"partial last block", 777},
	} {
		t.Run(tc.name, func(t *testing.T) {
			n := tc.n
			src := randomFloats(rng, n)
			srcBuf := toDevice(t, ctx, src, 0, 0)
			dstBuf := toDevice(t, ctx, make([]float32, n), blockSize, sentinel)
			require.NoError(t, memcpy.LaunchWith(driver.GridFor(n, blockSize), driver.X(blockSize),
				dstBuf.Arg(), srcBuf.Arg(), driver.Uint32(uint32(n))))
			dst, err := driver.FromDevice[float32](dstBuf)
			require.NoError(t, err)
			assert.Equal(t, src, dst[:n])
			for _, v := range dst[n:] {
				require.Equal(t, sentinel, v)
			}
		})
	}
}

func TestLuma(t *testing.T) {
	assert.Equal(t, uint8(0), kernels.Luma(kernels.RGBA{}))
	assert.Equal(t, uint8(255), kernels.Luma(kernels.RGBA{R: 255, G: 255, B: 255, A: 255}))
	assert.Equal(t, uint8(76), kernels.Luma(kernels.RGBA{R: 255}))
	assert.Equal(t, uint8(150), kernels.Luma(kernels.RGBA{G: 255}))
	assert.Equal(t, uint8(29), kernels.Luma(kernels.RGBA{B: 255}))
	assert.Equal(t, uint8(226), kernels.Luma(kernels.RGBA{R: 255, G: 255}))
	assert.Equal(t, uint8(0), kernels.Luma(kernels.RGBA{R: 1, G: 1}))
	assert.Equal(t, uint8(1), kernels.Luma(kernels.RGBA{R: 1, G: 1, B: 1}))
	// Alpha is ignored.
	assert.Equal(t, kernels.Luma(kernels.RGBA{R: 10, G: 20, B: 30}), kernels.Luma(kernels.RGBA{R: 10, G: 20, B: 30, A: 99}))
}

func TestRGBA2Gray(t *testing.T) {
	ctx, module := setup(t)
	gray := function(t, module, kernels.RGBA2Gray)

	t.Run("3x3", func(t *testing.T) {
		pixels := []kernels.RGBA{
			{R: 255, G: 0, B: 0, A: 255}, {R: 0, G: 255, B: 0, A: 255}, {R: 0, G: 0, B: 255, A: 255},
			{R: 255, G: 255, B: 255, A: 255}, {R: 0, G: 0, B: 0, A: 255}, {R: 128, G: 128, B: 128, A: 255},
			{R: 10, G: 20, B: 30, A: 0}, {R: 200, G: 100, B: 50, A: 255}, {R: 1, G: 2, B: 3, A: 4},
		}
		rgbaBuf, err := driver.ToDevice(ctx, pixelBytes(pixels))
		require.NoError(t, err)
		defer func() { _ = rgbaBuf.Free() }()
		grayBuf := toDevice(t, ctx, make([]uint8, 9), 0, 0)
		block := driver.XY(16, 16)
		require.NoError(t, gray.LaunchWith(driver.Grid2DFor(3, 3, block), block,
			rgbaBuf.Arg(), grayBuf.Arg(), driver.Int32(3), driver.Int32(3)))
		got, err := driver.FromDevice[uint8](grayBuf)
		require.NoError(t, err)
		assert.Equal(t, kernels.GrayCPU(pixels), got)
		assert.Equal(t, []uint8{76, 150, 29, 255, 0, 128}, got[:6])
	})

	// Image sizes that are not multiples of the block: no writes past width*height.
	rng := rand.New(rand.NewPCG(42, 2))
	for _, size := range [][2]int{{1, 1}, {17, 5}, {33, 31}, {100, 3}} {
		width, height := size[0], size[1]
		pixels := make([]kernels.RGBA, width*height)
		for ii := range pixels {
			pixels[ii] = kernels.RGBA{R: uint8(rng.IntN(256)), G: uint8(rng.IntN(256)), B: uint8(rng.IntN(256)), A: 255}
		}
		rgbaBuf, err := driver.ToDevice(ctx, pixelBytes(pixels))
		require.NoError(t, err)
		grayBuf := toDevice(t, ctx, make([]uint8, width*height), 64, 0xEE)
		block := driver.XY(8, 8)
		require.NoError(t, gray.LaunchWith(driver.Grid2DFor(width, height, block), block,
			rgbaBuf.Arg(), grayBuf.Arg(), driver.Int32(int32(width)), driver.Int32(int32(height))))
		got, err := driver.FromDevice[uint8](grayBuf)
		require.NoError(t, err)
		require.Equal(t, kernels.GrayCPU(pixels), got[:width*height], "%dx%d", width, height)
		for _, v := range got[width*height:] {
			require.Equal(t, uint8(0xEE), v, "%dx%d: write out of bounds", width, height)
		}
		require.NoError(t, rgbaBuf.Free())
	}
}

func pixelBytes(pixels []kernels.RGBA) []uint8 {
	out := make([]uint8, 0, 4*len(pixels))
	for _, p := range pixels {
		out = append(out, p.R, p.G, p.B, p.A)
	}
	return out
}

func TestSaxpy(t *testing.T) {
	ctx, module := setup(t)
	saxpy := function(t, module, kernels.Saxpy)
	rng := rand.New(rand.NewPCG(42, 3))
	const n = 1500
	x, y := randomFloats(rng, n), randomFloats(rng, n)
	xBuf, yBuf := toDevice(t, ctx, x, 0, 0), toDevice(t, ctx, y, 0, 0)
	require.NoError(t, saxpy.LaunchWith(driver.GridFor(n, 512), driver.X(512),
		xBuf.Arg(), yBuf.Arg(), driver.Float32(2.5), driver.Uint32(n)))
	got, err := driver.FromDevice[float32](yBuf)
	require.NoError(t, err)
	assert.Equal(t, kernels.SaxpyCPU(2.5, x, y), got)
}

func TestF32ToF16(t *testing.T) {
	ctx, module := setup(t)
	convert := function(t, module, kernels.F32ToF16)
	src := []float32{0, 1, -2.5, 65504, 1e-8, 3.14159}
	srcBuf := toDevice(t, ctx, src, 0, 0)
	dstBuf := toDevice(t, ctx, make([]float16.Float16, len(src)), 0, 0)
	require.NoError(t, convert.LaunchWith(driver.GridFor(len(src), 32), driver.X(32),
		dstBuf.Arg(), srcBuf.Arg(), driver.Uint32(uint32(len(src)))))
	got, err := driver.FromDevice[float16.Float16](dstBuf)
	require.NoError(t, err)
	assert.Equal(t, kernels.F32ToF16CPU(src), got)
	assert.Equal(t, float32(-2.5), got[2].Float32())
}

func TestMatMul(t *testing.T) {
	ctx, module := setup(t)
	matmul := function(t, module, kernels.MatMul)
	rng := rand.New(rand.NewPCG(42, 4))
	const m, n, k = 19, 23, 31
	a, b := make([]float32, m*k), make([]float32, k*n)
	for _, values := range [][]float32{a, b} {
		for ii := range values {
			values[ii] = rng.Float32()*2 - 1
		}
	}
	aBuf, bBuf := toDevice(t, ctx, a, 0, 0), toDevice(t, ctx, b, 0, 0)
	cBuf := toDevice(t, ctx, make([]float32, m*n), 0, 0)
	block := driver.XY(16, 16)
	require.NoError(t, matmul.LaunchWith(driver.Grid2DFor(n, m, block), block,
		aBuf.Arg(), bBuf.Arg(), cBuf.Arg(), driver.Uint32(m), driver.Uint32(n), driver.Uint32(k)))
	got, err := driver.FromDevice[float32](cBuf)
	require.NoError(t, err)
	want := kernels.MatMulCPU(a, b, m, n, k)
	require.Len(t, got, len(want))
	for ii := range want {
		assert.InDelta(t, want[ii], float64(got[ii]), 1e-4, "element (%d, %d)", ii/n, ii%n)
	}
}

func TestMisuse(t *testing.T) {
	ctx, module := setup(t)
	add := function(t, module, kernels.Add)
	buf := toDevice(t, ctx, make([]float32, 4), 0, 0)

	// Argument count or sizes not matching the declared parameters are rejected at launch.
	err := add.LaunchWith(driver.X(1), driver.X(4), buf.Arg(), buf.Arg(), buf.Arg())
	require.Error(t, err)
	err = add.LaunchWith(driver.X(1), driver.X(4), buf.Arg(), buf.Arg(), buf.Arg(), driver.Float64(4))
	require.Error(t, err)
	require.NoError(t, ctx.Err())
}
