package driver

import (
	"bytes"
	"os"
	"slices"
	"strings"

	"github.com/gomlx/gocudriver/fatbin"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Module is a kernel image loaded into a Context. Use Function to resolve its entry points.
type Module struct {
	ctx       *Context
	handle    ModuleHandle
	unloaded  bool
	functions map[string]*Function
}

// LoadModule loads a compiled kernel image into the context. The image is either PTX text (the
// backend JIT compiles it for the device) or a fatbin bundle, from which the image with the highest
// target not above the device's compute capability is used.
//
// It fails with ErrInvalidImage if the image is empty, malformed, or has no code for the device's
// architecture.
func (c *Context) LoadModule(image []byte) (*Module, error) {
	const op = "LoadModule"
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.checkLocked(op); err != nil {
		return nil, err
	}
	if len(bytes.TrimSpace(bytes.Trim(image, "\x00"))) == 0 {
		return nil, newError(op, StatusInvalidImage, "empty kernel image")
	}
	if fatbin.IsBundle(image) {
		bundle, err := fatbin.Decode(image)
		if err != nil {
			return nil, newError(op, StatusInvalidImage, "%v", err)
		}
		selected, found := bundle.Select(c.props.ComputeCapability())
		if !found {
			return nil, newError(op, StatusNoBinaryForGPU, "bundle has images for targets %v, none compatible with sm_%d of %s",
				bundle.Targets(), c.props.ComputeCapability(), c.device)
		}
		klog.V(1).Infof("LoadModule: selected %s image for sm_%d (device is sm_%d)", selected.Kind, selected.Target, c.props.ComputeCapability())
		image = selected.Data
	}
	handle, status := c.backend().ModuleLoadData(c.handle, image)
	if err := c.statusLocked(op, status); err != nil {
		return nil, errors.WithMessagef(err, "loading %d bytes kernel image on %s", len(image), c)
	}
	m := &Module{
		ctx:       c,
		handle:    handle,
		functions: make(map[string]*Function),
	}
	c.modules = append(c.modules, m)
	klog.V(1).Infof("loaded module %#x (%d bytes) on %s", uintptr(handle), len(image), c)
	return m, nil
}

// LoadModuleFile reads the kernel image from path and loads it with LoadModule.
func (c *Context) LoadModuleFile(path string) (*Module, error) {
	image, err := os.ReadFile(path)
	if err != nil {
		return nil, newError("LoadModuleFile", StatusFileNotFound, "%v", err)
	}
	m, err := c.LoadModule(image)
	if err != nil {
		return nil, errors.WithMessagef(err, "loading %q", path)
	}
	return m, nil
}

// Context that owns the module.
func (m *Module) Context() *Context { return m.ctx }

// Handle returns the native module handle.
func (m *Module) Handle() ModuleHandle { return m.handle }

// checkLocked returns an error if the module can no longer be used. It must be called with m.ctx.mu held.
func (m *Module) checkLocked(op string) error {
	if err := m.ctx.checkLocked(op); err != nil {
		return err
	}
	if m.unloaded {
		return newError(op, StatusInvalidValue, "module %#x used after Unload", uintptr(m.handle))
	}
	return nil
}

// Function resolves an entry point of the module by its exact (case-sensitive) name.
// It fails with ErrNotFound if the image has no such entry point.
func (m *Module) Function(name string) (*Function, error) {
	const op = "ModuleGetFunction"
	c := m.ctx
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := m.checkLocked(op); err != nil {
		return nil, err
	}
	if fn, found := m.functions[name]; found {
		return fn, nil
	}
	if name == "" || strings.IndexByte(name, 0) >= 0 {
		return nil, newError(op, StatusNotFound, "invalid entry point name %q", name)
	}
	handle, status := c.backend().ModuleGetFunction(c.handle, m.handle, name)
	if err := c.statusLocked(op, status); err != nil {
		return nil, errors.WithMessagef(err, "looking up entry point %q", name)
	}
	fn := &Function{module: m, name: name, handle: handle}
	m.functions[name] = fn
	klog.V(2).Infof("resolved function %q -> %#x", name, uintptr(handle))
	return fn, nil
}

// Functions returns the names of the functions resolved so far, sorted.
func (m *Module) Functions() []string {
	m.ctx.mu.Lock()
	defer m.ctx.mu.Unlock()
	names := make([]string, 0, len(m.functions))
	for name := range m.functions {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Unload releases the module. Functions resolved from it become invalid.
// It is idempotent, and a no-op if the context was already destroyed (which releases its modules).
func (m *Module) Unload() error {
	c := m.ctx
	c.mu.Lock()
	defer c.mu.Unlock()
	if m.unloaded || c.destroyed {
		// Already released, no-op.
		m.unloaded = true
		return nil
	}
	m.unloaded = true
	c.modules = slices.DeleteFunc(c.modules, func(other *Module) bool { return other == m })
	if err := toError("ModuleUnload", c.backend().ModuleUnload(c.handle, m.handle)); err != nil {
		return errors.WithMessagef(err, "unloading module %#x", uintptr(m.handle))
	}
	klog.V(1).Infof("unloaded module %#x", uintptr(m.handle))
	return nil
}
