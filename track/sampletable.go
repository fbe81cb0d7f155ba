package track

import (
	"fmt"
	"log/slog"

	"github.com/tetsuo/isodemux"
)

// SampleFlags are per-sample flag bits.
type SampleFlags uint8

const (
	// SampleSync marks a sample that can be decoded without earlier samples.
	SampleSync SampleFlags = 1 << iota
)

// SampleTable is the random-access sample index of one track of an
// unfragmented file. All slices have one element per sample.
type SampleTable struct {
	// Track is the track the table was built for. Its format carries any
	// encoder delay and padding derived while building.
	Track        *Track
	Offsets      []int64
	Sizes        []int
	MaximumSize  int
	TimestampsUs []int64
	Flags        []SampleFlags
	DurationUs   int64
}

// SampleCount returns the number of samples.
func (t *SampleTable) SampleCount() int { return len(t.Sizes) }

// IndexOfEarlierOrEqualSyncSample returns the index of the last sync sample
// at or before timeUs, or -1 if there is none.
func (t *SampleTable) IndexOfEarlierOrEqualSyncSample(timeUs int64) int {
	for i := binarySearchFloor(t.TimestampsUs, timeUs, true, false); i >= 0; i-- {
		if t.Flags[i]&SampleSync != 0 {
			return i
		}
	}
	return -1
}

// IndexOfLaterOrEqualSyncSample returns the index of the first sync sample
// at or after timeUs, or -1 if there is none.
func (t *SampleTable) IndexOfLaterOrEqualSyncSample(timeUs int64) int {
	for i := binarySearchCeil(t.TimestampsUs, timeUs, true, false); i < len(t.TimestampsUs); i++ {
		if t.Flags[i]&SampleSync != 0 {
			return i
		}
	}
	return -1
}

// chunkIterator walks chunks in order, yielding each chunk's file offset and
// sample count from stsc and a chunk offset box.
type chunkIterator struct {
	offsets mp4.ChunkOffsets
	stsc    mp4.StscIter

	remainingChanges int
	nextChange       int
	pending          mp4.StscEntry

	index      int
	offset     int64
	numSamples int
}

func newChunkIterator(stsc *mp4.Leaf, offsets mp4.ChunkOffsets) (*chunkIterator, error) {
	it := &chunkIterator{
		offsets: offsets,
		stsc:    mp4.NewStscIter(stsc.Data()),
		index:   -1,
	}
	it.remainingChanges = int(it.stsc.Count())
	first, ok := it.stsc.Next()
	if !ok {
		if offsets.Len() == 0 {
			return it, nil
		}
		return nil, fmt.Errorf("%w: empty stsc", mp4.ErrMalformed)
	}
	if first.FirstChunk != 1 {
		return nil, fmt.Errorf("%w: stsc first_chunk must be 1, got %d", mp4.ErrMalformed, first.FirstChunk)
	}
	it.pending = first
	return it, nil
}

func (it *chunkIterator) next() bool {
	it.index++
	if it.index >= it.offsets.Len() {
		return false
	}
	it.offset = it.offsets.At(it.index)
	if it.index == it.nextChange {
		it.numSamples = int(it.pending.SamplesPerChunk)
		it.remainingChanges--
		it.nextChange = -1
		if it.remainingChanges > 0 {
			if e, ok := it.stsc.Next(); ok {
				it.pending = e
				it.nextChange = int(e.FirstChunk) - 1
			}
		}
	}
	return true
}

// BuildSampleTable reconstructs the per-sample offsets, sizes, timestamps
// and flags of track t from its stbl container. gapless, if valid, is
// applied to the format and suppresses edit list processing.
func BuildSampleTable(t *Track, stbl *mp4.Container, gapless GaplessInfo, logger *slog.Logger) (*SampleTable, error) {
	if logger == nil {
		logger = slog.Default()
	}
	sizeLeaf := stbl.Leaf(mp4.TypeStsz)
	if sizeLeaf == nil {
		sizeLeaf = stbl.Leaf(mp4.TypeStz2)
	}
	if sizeLeaf == nil {
		return nil, fmt.Errorf("track %d: %w", t.ID, ErrNoSampleSize)
	}
	sizeBox, err := mp4.NewSampleSizeBox(sizeLeaf)
	if err != nil {
		return nil, fmt.Errorf("track %d: %w", t.ID, err)
	}

	if gapless.Valid() && t.Kind == TrackAudio {
		f := t.Format
		gapless.Apply(&f)
		t = t.WithFormat(f)
	}

	sampleCount := sizeBox.SampleCount()
	if sampleCount == 0 {
		return &SampleTable{Track: t}, nil
	}

	chunkLeaf := stbl.Leaf(mp4.TypeStco)
	if chunkLeaf == nil {
		chunkLeaf = stbl.Leaf(mp4.TypeCo64)
	}
	if chunkLeaf == nil {
		return nil, fmt.Errorf("track %d: %w", t.ID, ErrNoChunkOffsets)
	}
	chunkOffsets, err := mp4.NewChunkOffsets(chunkLeaf)
	if err != nil {
		return nil, fmt.Errorf("track %d: %w", t.ID, err)
	}

	stscLeaf := stbl.Leaf(mp4.TypeStsc)
	if stscLeaf == nil {
		return nil, fmt.Errorf("track %d: %w: stsc", t.ID, ErrMissingBox)
	}
	sttsLeaf := stbl.Leaf(mp4.TypeStts)
	if sttsLeaf == nil {
		return nil, fmt.Errorf("track %d: %w: stts", t.ID, ErrMissingBox)
	}
	chunks, err := newChunkIterator(stscLeaf, chunkOffsets)
	if err != nil {
		return nil, fmt.Errorf("track %d: %w", t.ID, err)
	}

	stts := mp4.NewSttsIter(sttsLeaf.Data())
	remainingDeltaChanges := int(stts.Count()) - 1
	first, _ := stts.Next()
	remainingAtDelta := int(first.Count)
	delta := int64(first.Delta)

	var ctts mp4.CttsIter
	cttsLeaf := stbl.Leaf(mp4.TypeCtts)
	remainingOffsetChanges := 0
	if cttsLeaf != nil {
		ctts = mp4.NewCttsIter(cttsLeaf.Data())
		remainingOffsetChanges = int(ctts.Count())
	}

	var stss mp4.Uint32Iter
	haveStss := false
	nextSync := -1
	remainingSync := 0
	if l := stbl.Leaf(mp4.TypeStss); l != nil {
		stss = mp4.NewUint32Iter(l.Data())
		remainingSync = int(stss.Count())
		if v, ok := stss.Next(); ok && remainingSync > 0 {
			haveStss = true
			nextSync = int(v) - 1
		} else {
			remainingSync = 0
		}
	}

	var (
		offsets    []int64
		sizes      []int
		timestamps []int64
		flags      []SampleFlags
		maxSize    int
		duration   int64
	)

	fixed := int(sizeBox.FixedSampleSize())
	rechunk := fixed != 0 &&
		t.Format.SampleMimeType == MimeAudioRaw &&
		remainingDeltaChanges == 0 &&
		remainingOffsetChanges == 0 &&
		remainingSync == 0

	if rechunk {
		n := chunkOffsets.Len()
		chunkOffsetValues := make([]int64, 0, n)
		chunkSampleCounts := make([]int, 0, n)
		for chunks.next() {
			chunkOffsetValues = append(chunkOffsetValues, chunks.offset)
			chunkSampleCounts = append(chunkSampleCounts, chunks.numSamples)
		}
		r := Rechunk(fixed, chunkOffsetValues, chunkSampleCounts, delta)
		offsets, sizes, timestamps, flags = r.Offsets, r.Sizes, r.Timestamps, r.Flags
		maxSize, duration = r.MaximumSize, r.Duration
	} else {
		offsets = make([]int64, sampleCount)
		sizes = make([]int, sampleCount)
		timestamps = make([]int64, sampleCount)
		flags = make([]SampleFlags, sampleCount)

		var (
			offset          int64
			inChunk         int
			timestamp       int64
			timestampOffset int64
			remainingAtOff  int
		)
		for i := 0; i < sampleCount; i++ {
			complete := true
			for inChunk == 0 {
				if !chunks.next() {
					complete = false
					break
				}
				offset = chunks.offset
				inChunk = chunks.numSamples
			}
			if !complete {
				logger.Warn("unexpected end of chunk data", "track", t.ID, "samples", i, "declared", sampleCount)
				sampleCount = i
				offsets, sizes = offsets[:i], sizes[:i]
				timestamps, flags = timestamps[:i], flags[:i]
				break
			}

			if cttsLeaf != nil {
				for remainingAtOff == 0 && remainingOffsetChanges > 0 {
					e, ok := ctts.Next()
					if !ok {
						remainingOffsetChanges = 0
						break
					}
					remainingAtOff = int(e.Count)
					timestampOffset = int64(e.Offset)
					remainingOffsetChanges--
				}
				remainingAtOff--
			}

			offsets[i] = offset
			sizes[i] = int(sizeBox.NextSampleSize())
			maxSize = max(maxSize, sizes[i])
			timestamps[i] = timestamp + timestampOffset

			if !haveStss {
				flags[i] = SampleSync
			}
			if i == nextSync {
				flags[i] = SampleSync
				remainingSync--
				if v, ok := stss.Next(); ok && remainingSync > 0 {
					nextSync = int(v) - 1
				}
			}

			timestamp += delta
			remainingAtDelta--
			if remainingAtDelta == 0 && remainingDeltaChanges > 0 {
				if e, ok := stts.Next(); ok {
					remainingAtDelta = int(e.Count)
					delta = int64(e.Delta)
				}
				remainingDeltaChanges--
			}

			offset += int64(sizes[i])
			inChunk--
		}
		duration = timestamp + timestampOffset

		// Trailing ctts entries are acceptable if they cover no samples.
		cttsComplete := true
		for remainingOffsetChanges > 0 {
			e, ok := ctts.Next()
			if !ok || e.Count != 0 {
				cttsComplete = false
				break
			}
			remainingOffsetChanges--
		}
		if remainingSync != 0 || remainingAtDelta != 0 || inChunk != 0 ||
			remainingDeltaChanges != 0 || remainingAtOff > 0 || !cttsComplete {
			logger.Warn("inconsistent stbl",
				"track", t.ID,
				"remainingSync", remainingSync,
				"remainingAtDelta", remainingAtDelta,
				"remainingInChunk", inChunk,
				"remainingDeltaChanges", remainingDeltaChanges,
				"remainingAtOffset", remainingAtOff,
				"cttsComplete", cttsComplete,
			)
		}
	}

	table := &SampleTable{
		Track:        t,
		Offsets:      offsets,
		Sizes:        sizes,
		MaximumSize:  maxSize,
		TimestampsUs: timestamps,
		Flags:        flags,
	}
	if err := applyEditList(table, duration, gapless.Valid()); err != nil {
		return nil, fmt.Errorf("track %d: %w", t.ID, err)
	}
	return table, nil
}
