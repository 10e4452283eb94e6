package emulator

import (
	"sync/atomic"
	"testing"

	"github.com/gomlx/gocudriver/device"
	"github.com/gomlx/gocudriver/driver"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecute(t *testing.T) {
	a := newArena(1 << 20)
	grid, block := driver.XYZ(7, 5, 3), driver.XY(4, 2)
	numBlocks := int(grid.Count())
	ptr, status := a.alloc(uint64(4 * numBlocks))
	require.Equal(t, driver.StatusSuccess, status)
	base := device.Ptr(ptr)

	t.Run("every block once", func(t *testing.T) {
		var threads atomic.Int64
		kernel := &device.Kernel{Name: "count", Fn: func(th *device.Thread, _ device.Params) {
			threads.Add(1)
			if th.ThreadIdx != (device.Dim3{}) {
				return
			}
			blockNum := th.BlockIdx.X + th.GridDim.X*(th.BlockIdx.Y+th.GridDim.Y*th.BlockIdx.Z)
			th.SetUint32(base, blockNum, th.Uint32(base, blockNum)+1)
		}}
		require.Equal(t, driver.StatusSuccess, execute(kernel, a.snapshot(), grid, block, device.Params{}))
		assert.Equal(t, int64(numBlocks)*int64(block.Count()), threads.Load())
		view, ok := a.bytes(ptr, uint64(4*numBlocks))
		require.True(t, ok)
		for blockNum := range numBlocks {
			assert.Equal(t, byte(1), view[4*blockNum], "block #%d", blockNum)
		}
	})

	t.Run("first fault", func(t *testing.T) {
		kernel := &device.Kernel{Name: "fault", Fn: func(th *device.Thread, _ device.Params) {
			if th.BlockIdx.Z == 2 {
				th.SetUint32(base, numBlocks, 0) // One past the end.
			}
		}}
		assert.Equal(t, driver.StatusIllegalAddress, execute(kernel, a.snapshot(), grid, block, device.Params{}))

		kernel = &device.Kernel{Name: "panic", Fn: func(th *device.Thread, _ device.Params) {
			if th.BlockIdx.X == 6 {
				panic("kernel bug")
			}
		}}
		assert.Equal(t, driver.StatusLaunchFailed, execute(kernel, a.snapshot(), grid, block, device.Params{}))
	})
}
