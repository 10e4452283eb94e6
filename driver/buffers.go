package driver

import (
	"runtime"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/gomlx/gocudriver/dtypes"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Buffer is a scoped device allocation: it carries the device address, its size and whether it is
// still valid. Free releases it exactly once; further calls are no-ops.
//
// A Buffer not freed explicitly is freed when garbage collected, but since device memory is scarce,
// prefer to call Free as soon as it is no longer needed.
type Buffer struct {
	wrapper *bufferWrapper
	size    int
	dtype   dtypes.DType
}

// bufferWrapper holds the part of the Buffer that requires clean up.
type bufferWrapper struct {
	mu  sync.Mutex
	ctx *Context
	ptr DevicePtr
}

func (w *bufferWrapper) free() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.ctx == nil {
		// Already freed, no-op.
		return nil
	}
	ctx := w.ctx
	w.ctx = nil
	buffersAlive.Add(-1)
	if ctx.IsDestroyed() {
		// Released with the context.
		return nil
	}
	return ctx.Deallocate(w.ptr)
}

var buffersAlive atomic.Int64

// BuffersAlive returns the number of Buffers allocated and not yet freed.
func BuffersAlive() int64 {
	return buffersAlive.Load()
}

// Alloc allocates a Buffer of the given size in bytes. See Allocate for the errors.
func (c *Context) Alloc(bytes int) (*Buffer, error) {
	return c.allocBuffer(bytes, dtypes.Uint8)
}

func (c *Context) allocBuffer(bytes int, dtype dtypes.DType) (*Buffer, error) {
	ptr, err := c.Allocate(bytes)
	if err != nil {
		return nil, err
	}
	b := &Buffer{
		wrapper: &bufferWrapper{ctx: c, ptr: ptr},
		size:    bytes,
		dtype:   dtype,
	}
	buffersAlive.Add(1)
	runtime.AddCleanup(b, func(wrapper *bufferWrapper) {
		err := wrapper.free()
		if err != nil && !errors.Is(err, ErrLaunchFailure) {
			klog.Errorf("driver.Buffer.Free failed: %v", err)
		}
	}, b.wrapper)
	return b, nil
}

// AllocFor allocates a Buffer for n elements of type T.
func AllocFor[T dtypes.Supported](ctx *Context, n int) (*Buffer, error) {
	dtype := dtypes.FromGenericsType[T]()
	return ctx.allocBuffer(dtype.SizeForElements(n), dtype)
}

// ToDevice allocates a Buffer with the size of host and copies host to it.
func ToDevice[T dtypes.Supported](ctx *Context, host []T) (*Buffer, error) {
	b, err := AllocFor[T](ctx, len(host))
	if err != nil {
		return nil, err
	}
	if err = b.CopyFromHost(bytesOf(host)); err != nil {
		_ = b.Free()
		return nil, err
	}
	return b, nil
}

// ToHost copies the contents of the buffer to dst. At most len(dst) elements are copied, and
// never more than the buffer holds.
func ToHost[T dtypes.Supported](b *Buffer, dst []T) error {
	elementSize := int(unsafe.Sizeof(*new(T)))
	n := min(len(dst), b.size/elementSize)
	return b.CopyToHost(bytesOf(dst[:n]))
}

// FromDevice returns a new slice with the contents of the buffer, interpreted as elements of type T.
func FromDevice[T dtypes.Supported](b *Buffer) ([]T, error) {
	elementSize := int(unsafe.Sizeof(*new(T)))
	dst := make([]T, b.size/elementSize)
	if err := ToHost(b, dst); err != nil {
		return nil, err
	}
	return dst, nil
}

// IsValid returns whether the buffer has not been freed.
func (b *Buffer) IsValid() bool {
	if b == nil || b.wrapper == nil {
		return false
	}
	b.wrapper.mu.Lock()
	defer b.wrapper.mu.Unlock()
	return b.wrapper.ctx != nil
}

// Free releases the device memory. It is idempotent: only the first call releases the memory.
// After it, Ptr returns NullPtr.
func (b *Buffer) Free() error {
	if b == nil || b.wrapper == nil {
		return nil
	}
	return b.wrapper.free()
}

// Ptr returns the device address of the buffer, or NullPtr if it has been freed.
func (b *Buffer) Ptr() DevicePtr {
	context, ptr := b.lock()
	if context == nil {
		return NullPtr
	}
	return ptr
}

// Arg returns the buffer's device address as a kernel argument.
func (b *Buffer) Arg() Arg {
	return Ptr(b.Ptr())
}

// Size of the buffer in bytes.
func (b *Buffer) Size() int { return b.size }

// DType of the elements the buffer was allocated for (Uint8 for Context.Alloc).
func (b *Buffer) DType() dtypes.DType { return b.dtype }

// Len returns the number of elements of DType the buffer holds.
func (b *Buffer) Len() int { return b.size / b.dtype.Size() }

// Context returns the context where the buffer was allocated, or nil if it has been freed.
func (b *Buffer) Context() *Context {
	context, _ := b.lock()
	return context
}

func (b *Buffer) lock() (*Context, DevicePtr) {
	b.wrapper.mu.Lock()
	defer b.wrapper.mu.Unlock()
	return b.wrapper.ctx, b.wrapper.ptr
}

func (b *Buffer) valid(op string) (*Context, DevicePtr, error) {
	context, ptr := b.lock()
	if context == nil {
		return nil, NullPtr, newError(op, StatusInvalidValue, "buffer used after Free")
	}
	return context, ptr, nil
}

// CopyFromHost copies src to the start of the buffer. It fails with ErrInvalidValue if src is
// larger than the buffer.
func (b *Buffer) CopyFromHost(src []byte) error {
	const op = "Buffer.CopyFromHost"
	context, ptr, err := b.valid(op)
	if err != nil {
		return err
	}
	if len(src) > b.size {
		return newError(op, StatusInvalidValue, "copying %d bytes to a buffer of %d bytes", len(src), b.size)
	}
	return context.CopyHtoD(ptr, src)
}

// CopyToHost copies the start of the buffer to dst. It fails with ErrInvalidValue if dst is
// larger than the buffer.
func (b *Buffer) CopyToHost(dst []byte) error {
	const op = "Buffer.CopyToHost"
	context, ptr, err := b.valid(op)
	if err != nil {
		return err
	}
	if len(dst) > b.size {
		return newError(op, StatusInvalidValue, "copying %d bytes from a buffer of %d bytes", len(dst), b.size)
	}
	return context.CopyDtoH(dst, ptr)
}

// Zero sets all the bytes of the buffer to 0.
func (b *Buffer) Zero() error {
	context, ptr, err := b.valid("Buffer.Zero")
	if err != nil {
		return err
	}
	return context.Memset(ptr, 0, b.size)
}
