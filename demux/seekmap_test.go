package demux

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tetsuo/isodemux"
	"github.com/tetsuo/isodemux/internal/mp4test"
)

func TestParseSidx(t *testing.T) {
	l := mp4test.Leaf(t, mp4test.Sidx(90000, 9000, 16,
		mp4test.SidxRef{Size: 1000, Duration: 180000},
		mp4test.SidxRef{Size: 2000, Duration: 90000},
	))
	earliest, idx, err := parseSidx(l, 500)
	require.NoError(t, err)
	require.Equal(t, int64(100_000), earliest)
	require.Equal(t, []int{1000, 2000}, idx.Sizes)
	require.Equal(t, []int64{516, 1516}, idx.Offsets)
	require.Equal(t, []int64{100_000, 2_100_000}, idx.TimesUs)
	require.Equal(t, []int64{2_000_000, 1_000_000}, idx.DurationsUs)
	require.Equal(t, int64(3_100_000), idx.DurationUs())

	require.Equal(t, SeekPoint{TimeUs: 100_000, Position: 516}, idx.SeekPoints(0))
	require.Equal(t, SeekPoint{TimeUs: 100_000, Position: 516}, idx.SeekPoints(2_099_999))
	require.Equal(t, SeekPoint{TimeUs: 2_100_000, Position: 1516}, idx.SeekPoints(2_100_000))
	require.Equal(t, 1, idx.ChunkIndexOf(9_000_000))
}

func TestParseSidxHierarchical(t *testing.T) {
	raw := mp4test.Sidx(1000, 0, 0, mp4test.SidxRef{Size: 0x80000010, Duration: 1})
	_, _, err := parseSidx(mp4test.Leaf(t, raw), 0)
	require.ErrorIs(t, err, mp4.ErrUnsupported)
}

func TestParseSidxTruncated(t *testing.T) {
	raw := mp4test.Sidx(1000, 0, 0, mp4test.SidxRef{Size: 1, Duration: 1})
	raw = raw[:len(raw)-4]
	raw[3] -= 4
	_, _, err := parseSidx(mp4test.Leaf(t, raw), 0)
	require.ErrorIs(t, err, mp4.ErrMalformed)
}

func TestUnseekable(t *testing.T) {
	u := Unseekable{Duration: 7}
	require.False(t, u.Seekable())
	require.Equal(t, int64(7), u.DurationUs())
	require.Equal(t, SeekPoint{}, u.SeekPoints(100))
}
