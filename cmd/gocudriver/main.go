// gocudriver runs the example kernels on a driver backend and verifies their results against the CPU.
//
// Usage:
//
//	gocudriver [--backend=emulator|cuda] [--device=0] [--ptx=kernels.ptx] [-v=1] <command> [options]
//
// Commands: devices, add, memcpy, rgba2gray, matmul. Use "gocudriver help <command>" for its options.
package main

import (
	"flag"
	"fmt"
	"os"
	"strconv"

	"github.com/gomlx/gocudriver/driver"
	"github.com/gomlx/gocudriver/internal/config"
	"github.com/gomlx/gocudriver/kernels"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
	"github.com/urfave/cli/v2"
	"k8s.io/klog/v2"

	_ "github.com/gomlx/gocudriver/driver/cuda"
	_ "github.com/gomlx/gocudriver/driver/emulator"
)

// session is the state shared by the commands: it is set up by the app's Before hook.
type session struct {
	ctx      *driver.Context
	module   *driver.Module
	registry *prometheus.Registry
}

func main() {
	klog.InitFlags(nil)
	if err := newApp().Run(os.Args); err != nil {
		klog.Errorf("%+v", err)
		klog.Flush()
		os.Exit(1)
	}
	klog.Flush()
}

// newApp returns the command line application. klog flags must be registered before running it.
func newApp() *cli.App {
	s := &session{}
	app := cli.NewApp()
	app.Name = "gocudriver"
	app.Usage = "run the example GPU kernels and verify their results"
	app.Flags = []cli.Flag{
		&cli.StringFlag{
			Name:    "backend",
			Usage:   "driver backend: " + fmt.Sprint(driver.AvailableBackends()) + "; empty selects cuda if a GPU is present",
			EnvVars: []string{config.BackendEnv},
		},
		&cli.IntFlag{
			Name:  "device",
			Usage: "ordinal of the device to use",
		},
		&cli.StringFlag{
			Name:  "ptx",
			Usage: "module image (PTX text or fatbin bundle) with the kernels; defaults to the built-in PTX",
		},
		&cli.BoolFlag{
			Name:  "metrics",
			Usage: "print the driver metrics when the command finishes",
		},
		&cli.IntFlag{
			Name:    "verbosity",
			Aliases: []string{"v"},
			Usage:   "klog verbosity level",
		},
	}
	app.Before = func(c *cli.Context) error {
		if err := flag.Set("v", strconv.Itoa(c.Int("verbosity"))); err != nil {
			return errors.Wrap(err, "failed to set verbosity")
		}
		return nil
	}
	app.Commands = []*cli.Command{
		devicesCommand(),
		addCommand(s),
		memcpyCommand(s),
		rgba2grayCommand(s),
		matmulCommand(s),
	}
	app.After = func(c *cli.Context) error {
		return s.close(c.Bool("metrics"))
	}
	return app
}

// initDriver initializes the backend selected by the --backend flag.
func initDriver(c *cli.Context) (*driver.Driver, error) {
	if name := c.String("backend"); name != "" {
		return driver.Initialize(name)
	}
	return driver.Default()
}

// open creates the context and loads the kernels module for the commands that run kernels.
func (s *session) open(c *cli.Context) error {
	s.registry = prometheus.NewRegistry()
	if err := driver.RegisterMetrics(s.registry); err != nil {
		return err
	}
	drv, err := initDriver(c)
	if err != nil {
		return err
	}
	dev, err := drv.Device(c.Int("device"))
	if err != nil {
		return err
	}
	s.ctx, err = dev.CreateContext()
	if err != nil {
		return err
	}
	klog.V(1).Infof("using %s", s.ctx)
	if path := c.String("ptx"); path != "" {
		s.module, err = s.ctx.LoadModuleFile(path)
	} else {
		s.module, err = s.ctx.LoadModule(kernels.PTX)
	}
	return err
}

// blockSize returns the threads per block for the 1D kernels: the device's maximum.
func (s *session) blockSize() uint32 {
	return uint32(s.ctx.Properties().MaxThreadsPerBlock)
}

// block2D returns a side x side block, halving the side until it fits the device's limits.
func (s *session) block2D(side uint32) driver.Dim3 {
	props := s.ctx.Properties()
	for side > 1 && (int(side*side) > props.MaxThreadsPerBlock ||
		int(side) > props.MaxBlockDim[0] || int(side) > props.MaxBlockDim[1]) {
		side /= 2
	}
	return driver.XY(side, side)
}

// function returns the kernel with the given name from the loaded module.
func (s *session) function(name string) (*driver.Function, error) {
	return s.module.Function(name)
}

// close destroys the context, if one was created, and optionally prints the metrics.
func (s *session) close(printMetrics bool) error {
	if s.ctx == nil {
		return nil
	}
	err := s.ctx.Destroy()
	if printMetrics && s.registry != nil {
		families, gatherErr := s.registry.Gather()
		if gatherErr != nil {
			return errors.Wrap(gatherErr, "failed to gather metrics")
		}
		for _, family := range families {
			if _, printErr := expfmt.MetricFamilyToText(os.Stdout, family); printErr != nil {
				return errors.Wrap(printErr, "failed to print metrics")
			}
		}
	}
	return err
}
