package demux

import (
	"fmt"
	"sort"

	"github.com/tetsuo/isodemux"
	"github.com/tetsuo/isodemux/track"
)

// SeekPoint is a position from which reading can start to reach a time.
type SeekPoint struct {
	TimeUs   int64 `json:"timeUs"`
	Position int64 `json:"position"`
}

// SeekMap maps times to input positions.
type SeekMap interface {
	Seekable() bool
	// DurationUs is the stream duration, or track.DurationUnknown.
	DurationUs() int64
	SeekPoints(timeUs int64) SeekPoint
}

// Unseekable is a SeekMap whose only seek point is the start of the input.
type Unseekable struct {
	Duration int64
}

func (Unseekable) Seekable() bool      { return false }
func (u Unseekable) DurationUs() int64 { return u.Duration }

func (Unseekable) SeekPoints(int64) SeekPoint { return SeekPoint{} }

// ChunkIndex is a SeekMap built from a segment index (sidx) box.
type ChunkIndex struct {
	Sizes       []int   `json:"sizes"`
	Offsets     []int64 `json:"offsets"`
	DurationsUs []int64 `json:"durationsUs"`
	TimesUs     []int64 `json:"timesUs"`
}

func (c *ChunkIndex) Seekable() bool { return true }

func (c *ChunkIndex) DurationUs() int64 {
	n := len(c.TimesUs)
	if n == 0 {
		return 0
	}
	return c.TimesUs[n-1] + c.DurationsUs[n-1]
}

// ChunkIndexOf returns the index of the chunk containing timeUs, clamped to
// the first chunk.
func (c *ChunkIndex) ChunkIndexOf(timeUs int64) int {
	i := sort.Search(len(c.TimesUs), func(i int) bool { return c.TimesUs[i] > timeUs }) - 1
	return max(i, 0)
}

func (c *ChunkIndex) SeekPoints(timeUs int64) SeekPoint {
	if len(c.TimesUs) == 0 {
		return SeekPoint{}
	}
	i := c.ChunkIndexOf(timeUs)
	return SeekPoint{TimeUs: c.TimesUs[i], Position: c.Offsets[i]}
}

// parseSidx reads a sidx leaf ending at inputPosition. It returns the
// earliest presentation time and the chunk index.
func parseSidx(l *mp4.Leaf, inputPosition int64) (int64, *ChunkIndex, error) {
	data := l.Data()
	if len(data) < 8 {
		return 0, nil, fmt.Errorf("%w: sidx header", mp4.ErrMalformed)
	}
	timescale := int64(be.Uint32(data[4:8]))
	if timescale == 0 {
		return 0, nil, fmt.Errorf("%w: sidx zero timescale", mp4.ErrMalformed)
	}
	p := 8
	var earliest, firstOffset int64
	if l.Version() == 0 {
		if len(data) < p+8 {
			return 0, nil, fmt.Errorf("%w: sidx header", mp4.ErrMalformed)
		}
		earliest = int64(be.Uint32(data[p:]))
		firstOffset = int64(be.Uint32(data[p+4:]))
		p += 8
	} else {
		if len(data) < p+16 {
			return 0, nil, fmt.Errorf("%w: sidx header", mp4.ErrMalformed)
		}
		earliest = int64(be.Uint64(data[p:]))
		firstOffset = int64(be.Uint64(data[p+8:]))
		p += 16
	}
	if len(data) < p+4 {
		return 0, nil, fmt.Errorf("%w: sidx reference count", mp4.ErrMalformed)
	}
	count := int(be.Uint16(data[p+2:]))
	p += 4
	if len(data) < p+12*count {
		return 0, nil, fmt.Errorf("%w: sidx has %d references in %d bytes", mp4.ErrMalformed, count, len(data)-p)
	}

	earliestUs := track.Scale(earliest, 1_000_000, timescale)
	idx := &ChunkIndex{
		Sizes:       make([]int, count),
		Offsets:     make([]int64, count),
		DurationsUs: make([]int64, count),
		TimesUs:     make([]int64, count),
	}
	offset := inputPosition + firstOffset
	t := earliest
	timeUs := earliestUs
	for i := 0; i < count; i++ {
		ref := be.Uint32(data[p:])
		if ref&0x80000000 != 0 {
			return 0, nil, fmt.Errorf("%w: hierarchical sidx", mp4.ErrUnsupported)
		}
		duration := int64(be.Uint32(data[p+4:]))
		p += 12

		idx.Sizes[i] = int(ref & 0x7fffffff)
		idx.Offsets[i] = offset
		idx.TimesUs[i] = timeUs
		t += duration
		timeUs = track.Scale(t, 1_000_000, timescale)
		idx.DurationsUs[i] = timeUs - idx.TimesUs[i]
		offset += int64(idx.Sizes[i])
	}
	return earliestUs, idx, nil
}
