package emulator

import (
	"fmt"
	"slices"
	"sort"
	"sync"

	"github.com/gomlx/gocudriver/device"
	"github.com/gomlx/gocudriver/driver"
)

const (
	// baseAddress of the first allocation of every context.
	baseAddress = 0x7f00_0000_0000

	// alignment of every allocation. A gap of at least alignment bytes is left between allocations,
	// so accesses just past the end of an allocation fault.
	alignment = 256
)

type allocation struct {
	base uint64
	data []byte
}

func (a *allocation) end() uint64 { return a.base + uint64(len(a.data)) }

// arena is the device memory of one context.
type arena struct {
	mu       sync.RWMutex
	next     uint64
	capacity uint64
	used     uint64
	allocs   []*allocation // Sorted by base.
}

func newArena(capacity uint64) *arena {
	return &arena{next: baseAddress, capacity: capacity}
}

func alignUp(v, align uint64) uint64 {
	return (v + align - 1) / align * align
}

func (a *arena) alloc(size uint64) (driver.DevicePtr, driver.Status) {
	if size == 0 {
		return driver.NullPtr, driver.StatusInvalidValue
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.used+size > a.capacity || a.used+size < a.used {
		return driver.NullPtr, driver.StatusOutOfMemory
	}
	alloc := &allocation{base: a.next, data: make([]byte, size)}
	a.next = alignUp(alloc.end(), alignment) + alignment
	a.used += size
	a.allocs = append(a.allocs, alloc)
	return driver.DevicePtr(alloc.base), driver.StatusSuccess
}

// index returns the index of the allocation containing ptr, or -1. It must be called with a.mu held.
func (a *arena) index(ptr uint64) int {
	return findAllocation(a.allocs, ptr)
}

func findAllocation(allocs []*allocation, ptr uint64) int {
	// First allocation starting after ptr.
	idx := sort.Search(len(allocs), func(i int) bool { return allocs[i].base > ptr })
	if idx == 0 {
		return -1
	}
	if ptr >= allocs[idx-1].end() {
		return -1
	}
	return idx - 1
}

func (a *arena) free(ptr driver.DevicePtr) driver.Status {
	a.mu.Lock()
	defer a.mu.Unlock()
	idx := a.index(uint64(ptr))
	if idx < 0 || a.allocs[idx].base != uint64(ptr) {
		return driver.StatusInvalidValue
	}
	a.used -= uint64(len(a.allocs[idx].data))
	a.allocs = slices.Delete(a.allocs, idx, idx+1)
	return driver.StatusSuccess
}

// bytes returns the view of n bytes at ptr, or false if the range is not inside one allocation.
func (a *arena) bytes(ptr driver.DevicePtr, n uint64) ([]byte, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return viewBytes(a.allocs, uint64(ptr), n)
}

func viewBytes(allocs []*allocation, ptr, n uint64) ([]byte, bool) {
	idx := findAllocation(allocs, ptr)
	if idx < 0 {
		return nil, false
	}
	alloc := allocs[idx]
	offset := ptr - alloc.base
	if n > uint64(len(alloc.data))-offset {
		return nil, false
	}
	return alloc.data[offset : offset+n], true
}

func (a *arena) usage() (used, capacity uint64) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.used, a.capacity
}

func (a *arena) releaseAll() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.allocs = nil
	a.used = 0
}

// snapshot returns the device memory as seen by a kernel launch: the allocations alive when it starts.
func (a *arena) snapshot() *memoryView {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return &memoryView{allocs: slices.Clone(a.allocs)}
}

// memoryView implements device.Memory.
type memoryView struct {
	allocs []*allocation
}

// Bytes implements device.Memory.
func (v *memoryView) Bytes(ptr device.Ptr, n int) []byte {
	if n < 0 {
		panic(&device.Fault{Kind: device.IllegalAddress, Addr: ptr, Size: n, Msg: "negative size"})
	}
	b, ok := viewBytes(v.allocs, uint64(ptr), uint64(n))
	if !ok {
		panic(&device.Fault{Kind: device.IllegalAddress, Addr: ptr, Size: n,
			Msg: fmt.Sprintf("not inside any of the %d live allocations", len(v.allocs))})
	}
	return b
}
