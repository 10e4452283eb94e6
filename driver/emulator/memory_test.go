package emulator

import (
	"testing"

	"github.com/gomlx/gocudriver/device"
	"github.com/gomlx/gocudriver/driver"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestArena(t *testing.T) {
	a := newArena(4096)
	p0, status := a.alloc(100)
	require.Equal(t, driver.StatusSuccess, status)
	assert.Equal(t, driver.DevicePtr(baseAddress), p0)
	p1, status := a.alloc(256)
	require.Equal(t, driver.StatusSuccess, status)
	assert.Zero(t, uint64(p1)%alignment)
	assert.GreaterOrEqual(t, uint64(p1), uint64(p0)+100+alignment, "allocations must be separated by a gap")

	used, capacity := a.usage()
	assert.Equal(t, uint64(356), used)
	assert.Equal(t, uint64(4096), capacity)

	_, status = a.alloc(0)
	assert.Equal(t, driver.StatusInvalidValue, status)
	_, status = a.alloc(4096)
	assert.Equal(t, driver.StatusOutOfMemory, status)

	// Views.
	view, ok := a.bytes(p0.Offset(10), 90)
	require.True(t, ok)
	view[0] = 7
	view, ok = a.bytes(p0, 11)
	require.True(t, ok)
	assert.Equal(t, byte(7), view[10])
	_, ok = a.bytes(p0.Offset(10), 91)
	assert.False(t, ok, "range past the end of the allocation")
	_, ok = a.bytes(p0.Offset(100), 1)
	assert.False(t, ok, "address in the gap")
	_, ok = a.bytes(driver.DevicePtr(baseAddress-1), 1)
	assert.False(t, ok, "address before the first allocation")

	// Free must receive the base address.
	assert.Equal(t, driver.StatusInvalidValue, a.free(p0.Offset(4)))
	assert.Equal(t, driver.StatusSuccess, a.free(p0))
	assert.Equal(t, driver.StatusInvalidValue, a.free(p0), "double free")
	_, ok = a.bytes(p0, 1)
	assert.False(t, ok, "use after free")
	used, _ = a.usage()
	assert.Equal(t, uint64(256), used)

	a.releaseAll()
	used, _ = a.usage()
	assert.Zero(t, used)
	assert.Equal(t, driver.StatusInvalidValue, a.free(p1))
}

func TestMemoryView(t *testing.T) {
	a := newArena(1 << 20)
	p0, _ := a.alloc(16)
	view := a.snapshot()

	// Allocations after the snapshot are not visible to it.
	p1, _ := a.alloc(16)
	b := view.Bytes(device.Ptr(p0).Add(8), 8)
	assert.Len(t, b, 8)

	for _, tc := range []struct {
		name string
		ptr  device.Ptr
		n    int
	}{
		{"after snapshot", device.Ptr(p1), 4},
		{"out of bounds", device.Ptr(p0).Add(12), 8},
		{"null", 0, 4},
		{"negative size", device.Ptr(p0), -1},
	} {
		t.Run(tc.name, func(t *testing.T) {
			defer func() {
				r := recover()
				require.NotNil(t, r)
				fault, ok := r.(*device.Fault)
				require.True(t, ok, "expected *device.Fault, got %T", r)
				assert.True(t, errors.Is(fault, device.ErrIllegalAddress))
			}()
			view.Bytes(tc.ptr, tc.n)
		})
	}
}
