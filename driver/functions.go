package driver

import (
	"fmt"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Function is a kernel entry point resolved from a Module.
type Function struct {
	module *Module
	name   string
	handle FunctionHandle
}

// Name of the entry point.
func (f *Function) Name() string { return f.name }

// Module that owns the function.
func (f *Function) Module() *Module { return f.module }

// Handle returns the native function handle.
func (f *Function) Handle() FunctionHandle { return f.handle }

// String implements fmt.Stringer.
func (f *Function) String() string {
	return fmt.Sprintf("kernel %q", f.name)
}

// Launch returns a LaunchConfig for the function with the given arguments. The arguments must match
// the kernel's declared parameters exactly, in types and order.
//
// Set the geometry and call LaunchConfig.Done to launch. Example:
//
//	err := add.Launch(a.Arg(), b.Arg(), c.Arg(), driver.Uint32(n)).
//		Grid(driver.GridFor(int(n), 256)).Block(driver.X(256)).Done()
func (f *Function) Launch(args ...Arg) *LaunchConfig {
	return &LaunchConfig{
		function: f,
		args:     args,
	}
}

// LaunchWith launches the function with the given geometry and arguments.
// It is equivalent to f.Launch(args...).Grid(grid).Block(block).Done().
func (f *Function) LaunchWith(grid, block Dim3, args ...Arg) error {
	return f.Launch(args...).Grid(grid).Block(block).Done()
}

func (f *Function) launch(grid, block Dim3, sharedMemBytes uint32, args []Arg) error {
	const op = "LaunchKernel"
	c := f.module.ctx
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := f.module.checkLocked(op); err != nil {
		return err
	}
	if err := validateLaunch(c.props, grid, block, sharedMemBytes); err != nil {
		return errors.WithMessagef(err, "launching %s", f)
	}
	params, err := PackArgs(args...)
	if err != nil {
		return errors.WithMessagef(err, "launching %s", f)
	}
	if err := c.statusLocked(op, c.backend().LaunchKernel(c.handle, f.handle, grid, block, sharedMemBytes, params)); err != nil {
		return errors.WithMessagef(err, "launching %s with grid=%s, block=%s", f, grid, block)
	}
	metricLaunches.WithLabelValues(c.backendName(), f.name).Inc()
	if klog.V(2).Enabled() {
		klog.Infof("launched %s grid=%s block=%s shared=%d args=%v", f, grid, block, sharedMemBytes, args)
	}
	return nil
}
