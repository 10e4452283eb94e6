package driver

import (
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Allocate reserves bytes of device memory in the context and returns its address.
//
// It fails with ErrInvalidValue if bytes is not positive, and ErrOutOfMemory if the device can't
// satisfy the request. The memory must be released with Deallocate, or it is released when the
// context is destroyed. See also Context.Alloc for a scoped Buffer.
func (c *Context) Allocate(bytes int) (DevicePtr, error) {
	const op = "Allocate"
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.checkLocked(op); err != nil {
		return NullPtr, err
	}
	if bytes <= 0 {
		return NullPtr, newError(op, StatusInvalidValue, "can't allocate %d bytes", bytes)
	}
	ptr, status := c.backend().MemAlloc(c.handle, uint64(bytes))
	if err := c.statusLocked(op, status); err != nil {
		return NullPtr, errors.WithMessagef(err, "allocating %d bytes on %s", bytes, c)
	}
	c.allocations[ptr] = bytes
	c.allocated += int64(bytes)
	metricAllocations.WithLabelValues(c.backendName()).Inc()
	metricMemoryInUse.WithLabelValues(c.backendName()).Add(float64(bytes))
	klog.V(2).Infof("Allocate(%d bytes) -> %#x", bytes, uintptr(ptr))
	return ptr, nil
}

// Deallocate releases memory returned by Allocate.
// It fails with ErrInvalidValue for the null pointer, for pointers not returned by Allocate in this
// context, and for pointers already released.
//
// It also works on a context faulted by a launch failure: the pointer is removed from the context, and
// the native memory is reclaimed at the latest by Destroy.
func (c *Context) Deallocate(ptr DevicePtr) error {
	const op = "Deallocate"
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.destroyed {
		return c.checkLocked(op)
	}
	if ptr == NullPtr {
		return newError(op, StatusInvalidValue, "null device pointer")
	}
	bytes, found := c.allocations[ptr]
	if !found {
		return newError(op, StatusInvalidValue, "device pointer %#x was not allocated in %s, or it was already freed", uintptr(ptr), c)
	}
	err := c.statusLocked(op, c.backend().MemFree(c.handle, ptr))
	if err != nil && !errors.Is(err, ErrLaunchFailure) {
		return errors.WithMessagef(err, "freeing %#x", uintptr(ptr))
	}
	if err != nil {
		klog.V(1).Infof("Deallocate(%#x) on faulted %s: %v", uintptr(ptr), c, err)
	}
	delete(c.allocations, ptr)
	c.allocated -= int64(bytes)
	metricMemoryInUse.WithLabelValues(c.backendName()).Sub(float64(bytes))
	klog.V(2).Infof("Deallocate(%#x, %d bytes)", uintptr(ptr), bytes)
	return nil
}

// Allocations returns the number of outstanding allocations and the total bytes allocated in the context.
func (c *Context) Allocations() (count int, bytes int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.allocations), c.allocated
}

// CopyHtoD copies len(src) bytes from the host to device address dst.
// It waits for previously launched work in the context.
func (c *Context) CopyHtoD(dst DevicePtr, src []byte) error {
	const op = "CopyHtoD"
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.checkLocked(op); err != nil {
		return err
	}
	if len(src) == 0 {
		return nil
	}
	if err := c.statusLocked(op, c.backend().MemcpyHtoD(c.handle, dst, src)); err != nil {
		return errors.WithMessagef(err, "copying %d bytes to device address %#x", len(src), uintptr(dst))
	}
	metricCopiedBytes.WithLabelValues(c.backendName(), HostToDevice.String()).Add(float64(len(src)))
	klog.V(2).Infof("CopyHtoD(%#x, %d bytes)", uintptr(dst), len(src))
	return nil
}

// CopyDtoH copies len(dst) bytes from device address src to the host.
// It waits for previously launched work in the context: faults of launched kernels are reported
// here as ErrLaunchFailure.
func (c *Context) CopyDtoH(dst []byte, src DevicePtr) error {
	const op = "CopyDtoH"
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.checkLocked(op); err != nil {
		return err
	}
	if len(dst) == 0 {
		return nil
	}
	if err := c.statusLocked(op, c.backend().MemcpyDtoH(c.handle, dst, src)); err != nil {
		return errors.WithMessagef(err, "copying %d bytes from device address %#x", len(dst), uintptr(src))
	}
	metricCopiedBytes.WithLabelValues(c.backendName(), DeviceToHost.String()).Add(float64(len(dst)))
	klog.V(2).Infof("CopyDtoH(%#x, %d bytes)", uintptr(src), len(dst))
	return nil
}

// CopyDtoD copies bytes between two device addresses of the context.
func (c *Context) CopyDtoD(dst, src DevicePtr, bytes int) error {
	const op = "CopyDtoD"
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.checkLocked(op); err != nil {
		return err
	}
	if bytes < 0 {
		return newError(op, StatusInvalidValue, "negative number of bytes %d", bytes)
	}
	if bytes == 0 {
		return nil
	}
	if err := c.statusLocked(op, c.backend().MemcpyDtoD(c.handle, dst, src, uint64(bytes))); err != nil {
		return errors.WithMessagef(err, "copying %d bytes from %#x to %#x", bytes, uintptr(src), uintptr(dst))
	}
	metricCopiedBytes.WithLabelValues(c.backendName(), DeviceToDevice.String()).Add(float64(bytes))
	klog.V(2).Infof("CopyDtoD(%#x, %#x, %d bytes)", uintptr(dst), uintptr(src), bytes)
	return nil
}

// Memset sets bytes of device memory starting at dst to value.
func (c *Context) Memset(dst DevicePtr, value byte, bytes int) error {
	const op = "Memset"
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.checkLocked(op); err != nil {
		return err
	}
	if bytes < 0 {
		return newError(op, StatusInvalidValue, "negative number of bytes %d", bytes)
	}
	if bytes == 0 {
		return nil
	}
	if err := c.statusLocked(op, c.backend().MemsetD8(c.handle, dst, value, uint64(bytes))); err != nil {
		return errors.WithMessagef(err, "setting %d bytes at %#x", bytes, uintptr(dst))
	}
	klog.V(2).Infof("Memset(%#x, %d, %d bytes)", uintptr(dst), value, bytes)
	return nil
}
