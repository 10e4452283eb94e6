package main

import (
	"fmt"
	"image"
	"image/draw"
	"image/png"
	"math"
	"math/rand/v2"
	"os"
	"time"

	"github.com/gomlx/gocudriver/driver"
	"github.com/gomlx/gocudriver/kernels"
	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
	"k8s.io/klog/v2"
)

func devicesCommand() *cli.Command {
	return &cli.Command{
		Name:  "devices",
		Usage: "list the devices of the backend and their properties",
		Action: func(c *cli.Context) error {
			drv, err := initDriver(c)
			if err != nil {
				return err
			}
			major, minor := drv.Version()
			fmt.Printf("%s driver %d.%d\n", drv.Name(), major, minor)
			devices, err := drv.Devices()
			if err != nil {
				return err
			}
			for _, dev := range devices {
				props, err := dev.Properties()
				if err != nil {
					return err
				}
				fmt.Printf("  #%d: %s\n", dev.Ordinal(), props)
			}
			return nil
		},
	}
}

// randomFloats returns n values uniformly distributed in [-1, 1).
func randomFloats(rng *rand.Rand, n int) []float32 {
	values := make([]float32, n)
	for i := range values {
		values[i] = 2*rng.Float32() - 1
	}
	return values
}

func seedFlag() cli.Flag {
	return &cli.Uint64Flag{Name: "seed", Value: 42, Usage: "seed of the random input values"}
}

func sizeFlag(value int) cli.Flag {
	return &cli.IntFlag{Name: "n", Value: value, Usage: "number of elements"}
}

// report prints the elapsed time and the number of mismatches, returning an error if there are any.
func report(name string, elapsed time.Duration, mismatches, total int) error {
	fmt.Printf("%s: %d elements in %s\n", name, total, elapsed)
	if mismatches > 0 {
		return errors.Errorf("%s: %d of %d results differ from the CPU reference", name, mismatches, total)
	}
	fmt.Printf("%s: results match the CPU reference\n", name)
	return nil
}

func addCommand(s *session) *cli.Command {
	return &cli.Command{
		Name:  "add",
		Usage: "add two random vectors: c[i] = a[i] + b[i]",
		Flags: []cli.Flag{sizeFlag(1 << 20), seedFlag()},
		Action: func(c *cli.Context) error {
			if err := s.open(c); err != nil {
				return err
			}
			n := c.Int("n")
			rng := rand.New(rand.NewPCG(c.Uint64("seed"), 0))
			a, b := randomFloats(rng, n), randomFloats(rng, n)
			add, err := s.function(kernels.Add)
			if err != nil {
				return err
			}
			aBuf, err := driver.ToDevice(s.ctx, a)
			if err != nil {
				return err
			}
			defer func() { _ = aBuf.Free() }()
			bBuf, err := driver.ToDevice(s.ctx, b)
			if err != nil {
				return err
			}
			defer func() { _ = bBuf.Free() }()
			cBuf, err := driver.AllocFor[float32](s.ctx, n)
			if err != nil {
				return err
			}
			defer func() { _ = cBuf.Free() }()

			start := time.Now()
			blockSize := s.blockSize()
			err = add.Launch(aBuf.Arg(), bBuf.Arg(), cBuf.Arg(), driver.Uint32(uint32(n))).
				Grid(driver.GridFor(n, blockSize)).Block(driver.X(blockSize)).Done()
			if err != nil {
				return err
			}
			got, err := driver.FromDevice[float32](cBuf)
			if err != nil {
				return err
			}
			elapsed := time.Since(start)
			want := kernels.AddCPU(a, b)
			mismatches := 0
			for i := range want {
				if got[i] != want[i] {
					klog.V(1).Infof("add: c[%d]=%g, wanted %g", i, got[i], want[i])
					mismatches++
				}
			}
			return report("add", elapsed, mismatches, n)
		},
	}
}

func memcpyCommand(s *session) *cli.Command {
	return &cli.Command{
		Name:  "memcpy",
		Usage: "copy a random vector with the memcpy kernel, and with a device to device copy",
		Flags: []cli.Flag{sizeFlag(1 << 20), seedFlag()},
		Action: func(c *cli.Context) error {
			if err := s.open(c); err != nil {
				return err
			}
			n := c.Int("n")
			rng := rand.New(rand.NewPCG(c.Uint64("seed"), 0))
			src := randomFloats(rng, n)
			memcpy, err := s.function(kernels.Memcpy)
			if err != nil {
				return err
			}
			srcBuf, err := driver.ToDevice(s.ctx, src)
			if err != nil {
				return err
			}
			defer func() { _ = srcBuf.Free() }()
			dstBuf, err := driver.AllocFor[float32](s.ctx, n)
			if err != nil {
				return err
			}
			defer func() { _ = dstBuf.Free() }()

			start := time.Now()
			blockSize := s.blockSize()
			err = memcpy.LaunchWith(driver.GridFor(n, blockSize), driver.X(blockSize),
				dstBuf.Arg(), srcBuf.Arg(), driver.Uint32(uint32(n)))
			if err != nil {
				return err
			}
			got, err := driver.FromDevice[float32](dstBuf)
			if err != nil {
				return err
			}
			if err := report("memcpy kernel", time.Since(start), countMismatches(src, got), n); err != nil {
				return err
			}

			start = time.Now()
			if err := dstBuf.Zero(); err != nil {
				return err
			}
			if err := s.ctx.CopyDtoD(dstBuf.Ptr(), srcBuf.Ptr(), srcBuf.Size()); err != nil {
				return err
			}
			if err := driver.ToHost(dstBuf, got); err != nil {
				return err
			}
			return report("memcpy device to device", time.Since(start), countMismatches(src, got), n)
		},
	}
}

func countMismatches[T comparable](want, got []T) int {
	mismatches := 0
	for i := range want {
		if got[i] != want[i] {
			mismatches++
		}
	}
	return mismatches
}

// loadImage reads a PNG (or any registered format) as non-premultiplied RGBA pixels.
func loadImage(path string) (*image.NRGBA, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open image %q", path)
	}
	defer func() { _ = f.Close() }()
	src, _, err := image.Decode(f)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to decode image %q", path)
	}
	bounds := src.Bounds()
	img := image.NewNRGBA(image.Rect(0, 0, bounds.Dx(), bounds.Dy()))
	draw.Draw(img, img.Bounds(), src, bounds.Min, draw.Src)
	return img, nil
}

// gradientImage generates a width x height test image.
func gradientImage(width, height int) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, width, height))
	for y := range height {
		for x := range width {
			i := img.PixOffset(x, y)
			img.Pix[i] = uint8(255 * x / max(width-1, 1))
			img.Pix[i+1] = uint8(255 * y / max(height-1, 1))
			img.Pix[i+2] = uint8((x + y) % 256)
			img.Pix[i+3] = 255
		}
	}
	return img
}

func rgba2grayCommand(s *session) *cli.Command {
	return &cli.Command{
		Name:  "rgba2gray",
		Usage: "convert an image to grayscale",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "input", Usage: "input image; if empty a generated gradient is used"},
			&cli.StringFlag{Name: "output", Usage: "output PNG file for the grayscale image"},
			&cli.IntFlag{Name: "width", Value: 1920, Usage: "width of the generated image"},
			&cli.IntFlag{Name: "height", Value: 1080, Usage: "height of the generated image"},
		},
		Action: func(c *cli.Context) error {
			if err := s.open(c); err != nil {
				return err
			}
			var img *image.NRGBA
			if path := c.String("input"); path != "" {
				var err error
				if img, err = loadImage(path); err != nil {
					return err
				}
			} else {
				img = gradientImage(c.Int("width"), c.Int("height"))
			}
			width, height := img.Rect.Dx(), img.Rect.Dy()
			if width > math.MaxInt32 || height > math.MaxInt32 {
				return errors.Errorf("image %dx%d too large", width, height)
			}
			rgba2gray, err := s.function(kernels.RGBA2Gray)
			if err != nil {
				return err
			}
			rgbaBuf, err := driver.ToDevice(s.ctx, img.Pix)
			if err != nil {
				return err
			}
			defer func() { _ = rgbaBuf.Free() }()
			grayBuf, err := driver.AllocFor[uint8](s.ctx, width*height)
			if err != nil {
				return err
			}
			defer func() { _ = grayBuf.Free() }()

			start := time.Now()
			block := s.block2D(32)
			err = rgba2gray.Launch(rgbaBuf.Arg(), grayBuf.Arg(), driver.Int32(int32(width)), driver.Int32(int32(height))).
				Grid(driver.Grid2DFor(width, height, block)).Block(block).Done()
			if err != nil {
				return err
			}
			gray := image.NewGray(image.Rect(0, 0, width, height))
			if err := driver.ToHost(grayBuf, gray.Pix); err != nil {
				return err
			}
			elapsed := time.Since(start)

			pixels := make([]kernels.RGBA, width*height)
			for i := range pixels {
				p := img.Pix[4*i : 4*i+4]
				pixels[i] = kernels.RGBA{R: p[0], G: p[1], B: p[2], A: p[3]}
			}
			if err := report("rgba2gray", elapsed, countMismatches(kernels.GrayCPU(pixels), gray.Pix), len(pixels)); err != nil {
				return err
			}
			if path := c.String("output"); path != "" {
				return writePNG(path, gray)
			}
			return nil
		},
	}
}

func writePNG(path string, img image.Image) error {
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "failed to create %q", path)
	}
	if err := png.Encode(f, img); err != nil {
		_ = f.Close()
		return errors.Wrapf(err, "failed to encode %q", path)
	}
	return errors.Wrapf(f.Close(), "failed to write %q", path)
}

func matmulCommand(s *session) *cli.Command {
	return &cli.Command{
		Name:  "matmul",
		Usage: "multiply two random matrices: c[m,n] = a[m,k] x b[k,n]",
		Flags: []cli.Flag{
			&cli.IntFlag{Name: "m", Value: 256, Usage: "rows of a and c"},
			&cli.IntFlag{Name: "n", Value: 256, Usage: "columns of b and c"},
			&cli.IntFlag{Name: "k", Value: 256, Usage: "columns of a and rows of b"},
			&cli.Float64Flag{Name: "tolerance", Value: 1e-3, Usage: "maximum absolute difference to the CPU result"},
			seedFlag(),
		},
		Action: func(c *cli.Context) error {
			if err := s.open(c); err != nil {
				return err
			}
			m, n, k := c.Int("m"), c.Int("n"), c.Int("k")
			rng := rand.New(rand.NewPCG(c.Uint64("seed"), 0))
			a, b := randomFloats(rng, m*k), randomFloats(rng, k*n)
			matmul, err := s.function(kernels.MatMul)
			if err != nil {
				return err
			}
			aBuf, err := driver.ToDevice(s.ctx, a)
			if err != nil {
				return err
			}
			defer func() { _ = aBuf.Free() }()
			bBuf, err := driver.ToDevice(s.ctx, b)
			if err != nil {
				return err
			}
			defer func() { _ = bBuf.Free() }()
			cBuf, err := driver.AllocFor[float32](s.ctx, m*n)
			if err != nil {
				return err
			}
			defer func() { _ = cBuf.Free() }()

			start := time.Now()
			block := s.block2D(16)
			err = matmul.Launch(aBuf.Arg(), bBuf.Arg(), cBuf.Arg()).
				Args(driver.Uint32(uint32(m)), driver.Uint32(uint32(n)), driver.Uint32(uint32(k))).
				Grid(driver.Grid2DFor(n, m, block)).Block(block).Done()
			if err != nil {
				return err
			}
			got, err := driver.FromDevice[float32](cBuf)
			if err != nil {
				return err
			}
			elapsed := time.Since(start)

			want := kernels.MatMulCPU(a, b, m, n, k)
			tolerance := c.Float64("tolerance")
			var maxDiff float64
			mismatches := 0
			for i, w := range want {
				diff := math.Abs(float64(got[i]) - w)
				maxDiff = max(maxDiff, diff)
				if diff > tolerance {
					mismatches++
				}
			}
			fmt.Printf("matmul: max difference %.3g\n", maxDiff)
			return report("matmul", elapsed, mismatches, len(want))
		},
	}
}
