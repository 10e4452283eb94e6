package driver

import (
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Context is the execution scope on one device. It owns everything created under it: modules,
// functions and device memory. After Destroy, all of those are invalid, and using them returns
// ErrContextDestroyed.
//
// A Context is safe for concurrent use: operations are serialized by the context. Operations are
// not reentrant, and there is no notion of an implicit "current context": the context is always
// passed explicitly to the native layer.
//
// Once a launched kernel faults (ErrLaunchFailure), the context is faulted: every later operation
// returns the same error. The only remaining valid operation is Destroy.
type Context struct {
	driver *Driver
	device Device
	props  *Properties
	handle ContextHandle

	mu          sync.Mutex
	destroyed   bool
	fault       error
	allocations map[DevicePtr]int
	allocated   int64
	modules     []*Module
}

// CreateContext creates an execution context on the device.
// It fails with ErrDriver if the native layer can't create it (e.g. resource exhaustion).
func (dev Device) CreateContext() (*Context, error) {
	props, err := dev.Properties()
	if err != nil {
		return nil, errors.WithMessagef(err, "creating context on %s", dev)
	}
	handle, status := dev.driver.backend.CtxCreate(dev.ordinal)
	if !status.Ok() {
		kind := KindOf(status)
		if kind != ErrInvalidDevice {
			kind = ErrDriver
		}
		return nil, errors.WithStack(&Error{Op: "CtxCreate", Status: status, Kind: kind,
			Msg: fmt.Sprintf("creating context on %s (%s)", dev, props.Name)})
	}
	c := &Context{
		driver:      dev.driver,
		device:      dev,
		props:       props,
		handle:      handle,
		allocations: make(map[DevicePtr]int),
	}
	metricContextsAlive.WithLabelValues(c.backendName()).Inc()
	klog.V(1).Infof("created %s", c)
	return c, nil
}

// Device where the context was created.
func (c *Context) Device() Device { return c.device }

// Driver that owns the context.
func (c *Context) Driver() *Driver { return c.driver }

// Properties of the context's device.
func (c *Context) Properties() *Properties { return c.props }

// Handle returns the native context handle.
func (c *Context) Handle() ContextHandle { return c.handle }

// String implements fmt.Stringer.
func (c *Context) String() string {
	return fmt.Sprintf("context %#x on %s (%s, backend %q)", uintptr(c.handle), c.device, c.props.Name, c.driver.name)
}

func (c *Context) backend() Backend { return c.driver.backend }

func (c *Context) backendName() string { return c.driver.name }

// checkLocked returns an error if the context can no longer be used. It must be called with c.mu held.
func (c *Context) checkLocked(op string) error {
	if c.destroyed {
		return newError(op, StatusContextIsDestroyed, "%s used after Destroy", c)
	}
	if c.fault != nil {
		return c.fault
	}
	return nil
}

// statusLocked converts a native status to an error. Launch failures fault the context.
// It must be called with c.mu held.
func (c *Context) statusLocked(op string, status Status) error {
	err := toError(op, status)
	if err != nil && errors.Is(err, ErrLaunchFailure) {
		if c.fault == nil {
			c.fault = err
			klog.Errorf("%s faulted: %v", c, err)
		}
		metricLaunchFailures.WithLabelValues(c.backendName()).Inc()
	}
	return err
}

// Err returns the launch failure that faulted the context, or nil.
func (c *Context) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fault
}

// IsDestroyed returns whether Destroy has been called.
func (c *Context) IsDestroyed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.destroyed
}

// Synchronize blocks until all the work launched in the context has finished.
// Faults of previously launched kernels are reported here as ErrLaunchFailure.
func (c *Context) Synchronize() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.checkLocked("Synchronize"); err != nil {
		return err
	}
	start := time.Now()
	err := c.statusLocked("Synchronize", c.backend().CtxSynchronize(c.handle))
	metricSynchronizeSeconds.WithLabelValues(c.backendName()).Observe(time.Since(start).Seconds())
	return err
}

// Destroy the context, releasing all the native resources created under it: modules and device memory.
// It is idempotent: calling it again is a no-op.
func (c *Context) Destroy() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.destroyed {
		// Already destroyed, no-op.
		return nil
	}
	c.destroyed = true
	metricContextsAlive.WithLabelValues(c.backendName()).Dec()
	metricMemoryInUse.WithLabelValues(c.backendName()).Sub(float64(c.allocated))
	if len(c.allocations) > 0 {
		klog.V(1).Infof("destroying %s with %d allocations (%d bytes) not freed", c, len(c.allocations), c.allocated)
	}
	c.allocations = nil
	c.allocated = 0
	c.modules = nil
	err := toError("CtxDestroy", c.backend().CtxDestroy(c.handle))
	if err != nil {
		return errors.WithMessagef(err, "destroying %s", c)
	}
	klog.V(1).Infof("destroyed %s", c)
	return nil
}
