package track

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestScale(t *testing.T) {
	for _, tc := range []struct {
		ts, mult, div, want int64
	}{
		{0, 1_000_000, 0, 0},
		{5, 0, 1000, 0},
		{90000, 1_000_000, 90000, 1_000_000},
		{3, 1_000_000, 1000, 3000},
		{1024, 1_000_000, 48000, 21333},
		{-2000, 1_000_000, 1000, -2_000_000},
	} {
		require.Equal(t, tc.want, Scale(tc.ts, tc.mult, tc.div), "%d*%d/%d", tc.ts, tc.mult, tc.div)
	}
}

func TestScaleLargeUsesFloat(t *testing.T) {
	ts := int64(1) << 50
	got := Scale(ts, 1_000_000, 48000)
	want := float64(ts) * (1_000_000.0 / 48000.0)
	require.InDelta(t, want, float64(got), want*1e-9)
}

func TestBinarySearch(t *testing.T) {
	a := []int64{10, 20, 20, 30}

	require.Equal(t, -1, binarySearchFloor(a, 5, true, false))
	require.Equal(t, 0, binarySearchFloor(a, 5, true, true))
	require.Equal(t, 1, binarySearchFloor(a, 20, true, false))
	require.Equal(t, 0, binarySearchFloor(a, 20, false, false))
	require.Equal(t, 2, binarySearchFloor(a, 25, false, false))
	require.Equal(t, 3, binarySearchFloor(a, 99, true, false))

	require.Equal(t, 0, binarySearchCeil(a, 5, true, false))
	require.Equal(t, 2, binarySearchCeil(a, 20, true, false))
	require.Equal(t, 3, binarySearchCeil(a, 20, false, false))
	require.Equal(t, 4, binarySearchCeil(a, 30, false, false))
	require.Equal(t, 3, binarySearchCeil(a, 30, false, true))
}
