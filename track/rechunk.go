package track

// maxRechunkedSampleSize bounds the size of a sample produced by Rechunk.
const maxRechunkedSampleSize = 8 * 1024

// Rechunked is the sample layout produced by Rechunk. Timestamps are in the
// track timescale.
type Rechunked struct {
	Offsets     []int64
	Sizes       []int
	MaximumSize int
	Timestamps  []int64
	Flags       []SampleFlags
	Duration    int64
}

// Rechunk merges runs of fixed-size samples into larger samples of at most
// maxRechunkedSampleSize bytes, never crossing a chunk boundary. Every
// original sample lasts timestampDelta.
func Rechunk(fixedSampleSize int, chunkOffsets []int64, chunkSampleCounts []int, timestampDelta int64) Rechunked {
	maxSampleCount := max(1, maxRechunkedSampleSize/fixedSampleSize)

	total := 0
	for _, n := range chunkSampleCounts {
		total += (n + maxSampleCount - 1) / maxSampleCount
	}

	r := Rechunked{
		Offsets:    make([]int64, total),
		Sizes:      make([]int, total),
		Timestamps: make([]int64, total),
		Flags:      make([]SampleFlags, total),
	}
	original := 0
	k := 0
	for chunk, remaining := range chunkSampleCounts {
		offset := chunkOffsets[chunk]
		for remaining > 0 {
			n := min(maxSampleCount, remaining)
			r.Offsets[k] = offset
			r.Sizes[k] = fixedSampleSize * n
			r.MaximumSize = max(r.MaximumSize, r.Sizes[k])
			r.Timestamps[k] = timestampDelta * int64(original)
			r.Flags[k] = SampleSync
			offset += int64(r.Sizes[k])
			original += n
			remaining -= n
			k++
		}
	}
	r.Duration = timestampDelta * int64(original)
	return r
}
