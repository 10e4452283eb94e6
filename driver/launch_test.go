package driver

import (
	"math"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGridFor(t *testing.T) {
	assert.Equal(t, X(4), GridFor(1000, 256))
	assert.Equal(t, X(4), GridFor(1024, 256))
	assert.Equal(t, X(5), GridFor(1025, 256))
	assert.Equal(t, X(1), GridFor(1, 256))
	assert.Equal(t, Dim3{}, GridFor(0, 256))
	assert.Equal(t, Dim3{}, GridFor(10, 0))

	assert.Equal(t, XY(2, 3), Grid2DFor(17, 17, XY(16, 8)))
	assert.Equal(t, XY(1, 1), Grid2DFor(3, 3, XY(16, 16)))
	assert.Equal(t, Dim3{}, Grid2DFor(0, 3, XY(16, 16)))

	// Block counts that don't fit in 32 bits can't be covered.
	assert.Equal(t, X(math.MaxUint32), GridFor(math.MaxUint32, 1))
	assert.Equal(t, X(math.MaxUint32), GridFor(2*math.MaxUint32, 2))
	assert.Equal(t, Dim3{}, GridFor(math.MaxUint32+1, 1))
	assert.Equal(t, Dim3{}, GridFor(5_000_000_000, 1))
	assert.Equal(t, Dim3{}, Grid2DFor(5_000_000_000, 1, XY(1, 1)))
	assert.Equal(t, Dim3{}, Grid2DFor(1, 5_000_000_000, XY(1, 1)))
	assert.Equal(t, uint64(24), XYZ(2, 3, 4).Count())
	assert.Equal(t, "(2, 3, 4)", XYZ(2, 3, 4).String())
}

func TestValidateLaunch(t *testing.T) {
	props := &Properties{
		Name:                    "test",
		MaxThreadsPerBlock:      1024,
		MaxBlockDim:             [3]int{1024, 1024, 64},
		MaxGridDim:              [3]int{2147483647, 65535, 65535},
		MaxSharedMemoryPerBlock: 48 * 1024,
	}
	require.NoError(t, validateLaunch(props, X(1), X(1), 0))
	require.NoError(t, validateLaunch(props, X(2147483647), X(1024), 48*1024))
	require.NoError(t, validateLaunch(props, XY(65535, 65535), XYZ(16, 16, 4), 0))

	err := validateLaunch(props, GridFor(5_000_000_000, 1), X(1), 0)
	assert.True(t, errors.Is(err, ErrInvalidValue), "grid overflowing 32 bits must be rejected, got %v", err)

	for _, tc := range []struct {
		name          string
		grid, block   Dim3
		sharedMemSize uint32
	}{
		{"zero grid", Dim3{}, X(1), 0},
		{"zero block axis", X(1), Dim3{X: 32, Y: 0, Z: 1}, 0},
		{"too many threads", X(1), XY(64, 32), 0},
		{"block z", X(1), XYZ(1, 1, 65), 0},
		{"grid y", XY(1, 65536), X(1), 0},
		{"shared memory", X(1), X(1), 48*1024 + 1},
	} {
		t.Run(tc.name, func(t *testing.T) {
			err := validateLaunch(props, tc.grid, tc.block, tc.sharedMemSize)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidValue), "got %v", err)
			assert.Equal(t, StatusInvalidValue, StatusOf(err))
		})
	}
}
