// Package driver is a minimal host-side abstraction over a GPU compute driver: enumerate devices,
// create an execution context, load a compiled kernel image, allocate and transfer device memory and
// launch kernels with explicit grid/block geometry.
//
// The native layer is a Backend, selected by name: "cuda" (sub-package cuda, NVIDIA's libcuda loaded
// at runtime) or "emulator" (sub-package emulator, a software device running kernels on goroutines).
// Backends are linked in with a blank import, e.g.:
//
//	import _ "github.com/gomlx/gocudriver/driver/emulator"
//
// Typical use:
//
//	drv := must.M1(driver.Initialize("emulator"))
//	ctx := must.M1(must.M1(drv.Device(0)).CreateContext())
//	defer ctx.Destroy()
//	module := must.M1(ctx.LoadModule(kernels.PTX))
//	add := must.M1(module.Function("add"))
//	a, b := must.M1(driver.ToDevice(ctx, hostA)), must.M1(driver.ToDevice(ctx, hostB))
//	c := must.M1(driver.AllocFor[float32](ctx, n))
//	err := add.Launch(a.Arg(), b.Arg(), c.Arg(), driver.Uint32(uint32(n))).
//		Grid(driver.GridFor(n, 256)).Block(driver.X(256)).Done()
//	err = driver.ToHost(c, hostC)
//
// All errors are *Error values matching one of the Err* kinds with errors.Is.
package driver

import (
	"fmt"
	"slices"
	"sync"

	"github.com/gomlx/gocudriver/internal/config"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Driver is an initialized backend. It is the entry point to enumerate devices.
//
// Drivers are singletons per backend name: Initialize returns the same *Driver when called again
// with the same name.
type Driver struct {
	name    string
	backend Backend
	version int

	muProps    sync.Mutex
	properties map[int]*Properties
}

var (
	muRegistry         sync.Mutex
	registeredBackends = make(map[string]Backend)
	initializedDrivers = make(map[string]*Driver)
)

// RegisterBackend makes a backend available to Initialize under the given name.
// Registering a name twice replaces the previous backend, unless it was already initialized, in which case
// it returns an error.
func RegisterBackend(name string, backend Backend) error {
	muRegistry.Lock()
	defer muRegistry.Unlock()
	if _, found := initializedDrivers[name]; found {
		return errors.Errorf("backend %q already initialized, it can't be replaced", name)
	}
	registeredBackends[name] = backend
	klog.V(2).Infof("registered driver backend %q", name)
	return nil
}

// AvailableBackends returns the names of the registered backends, sorted.
func AvailableBackends() []string {
	muRegistry.Lock()
	defer muRegistry.Unlock()
	names := make([]string, 0, len(registeredBackends))
	for name := range registeredBackends {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Initialize brings up the named backend. It must be called before any other operation, and it is
// idempotent: subsequent calls with the same name return the same *Driver.
//
// It fails with ErrDriver if the backend is not registered or the native driver can't be initialized.
// Failures are not cached, so a later call retries.
func Initialize(name string) (*Driver, error) {
	muRegistry.Lock()
	defer muRegistry.Unlock()
	if drv, found := initializedDrivers[name]; found {
		return drv, nil
	}
	backend, found := registeredBackends[name]
	if !found {
		return nil, newError("Initialize", StatusNotInitialized,
			"backend %q not registered (registered backends: %v); did you forget to import its package?",
			name, sortedKeys(registeredBackends))
	}
	if err := toError("Initialize", backend.Init()); err != nil {
		return nil, errors.WithMessagef(err, "initializing backend %q", name)
	}
	version, status := backend.DriverVersion()
	if err := toError("DriverVersion", status); err != nil {
		return nil, errors.WithMessagef(err, "initializing backend %q", name)
	}
	drv := &Driver{
		name:       name,
		backend:    backend,
		version:    version,
		properties: make(map[int]*Properties),
	}
	initializedDrivers[name] = drv
	klog.V(1).Infof("initialized %s", drv)
	return drv, nil
}

// Default initializes the backend selected by the environment variable GOCUDRIVER_BACKEND.
// If it is not set, it uses "cuda" if registered and an NVIDIA GPU is present, otherwise "emulator".
func Default() (*Driver, error) {
	return Initialize(DefaultBackendName())
}

// DefaultBackendName returns the name of the backend Default would initialize.
func DefaultBackendName() string {
	if name := config.Backend(); name != "" {
		return name
	}
	muRegistry.Lock()
	_, hasCUDA := registeredBackends["cuda"]
	muRegistry.Unlock()
	if hasCUDA && HasNvidiaGPU() {
		return "cuda"
	}
	return "emulator"
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

// Name of the backend.
func (drv *Driver) Name() string {
	return drv.name
}

// Version returns the driver version reported by the backend, as major and minor numbers.
func (drv *Driver) Version() (major, minor int) {
	return drv.version / 1000, (drv.version % 1000) / 10
}

// Backend returns the native layer used by the driver.
func (drv *Driver) Backend() Backend {
	return drv.backend
}

// String implements fmt.Stringer.
func (drv *Driver) String() string {
	major, minor := drv.Version()
	return fmt.Sprintf("driver %q v%d.%d", drv.name, major, minor)
}
