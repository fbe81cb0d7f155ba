package track

import "math"

// maxGaplessTrimSamples is how many samples at either end of an audio track
// an edit may trim and still be expressed as encoder delay and padding.
const maxGaplessTrimSamples = 4

// applyEditList converts table timestamps from the track timescale to
// microseconds, applying the track's edit list. duration is the total media
// duration in the track timescale.
func applyEditList(table *SampleTable, duration int64, hasGapless bool) error {
	t := table.Track
	timescale := int64(t.Timescale)
	movieTimescale := int64(t.MovieTimescale)
	ts := table.TimestampsUs
	edits := t.EditList

	if edits == nil || len(edits.Durations) == 0 || hasGapless {
		ScaleAll(ts, 1_000_000, timescale)
		table.DurationUs = Scale(duration, 1_000_000, timescale)
		return nil
	}

	if len(edits.Durations) == 1 && t.Kind == TrackAudio && len(ts) >= 2 {
		start := edits.MediaTimes[0]
		end := start + Scale(edits.Durations[0], timescale, movieTimescale)
		if canApplyEditWithGaplessInfo(ts, duration, start, end) {
			sampleRate := int64(t.Format.SampleRate)
			delay := Scale(start-ts[0], sampleRate, timescale)
			padding := Scale(duration-end, sampleRate, timescale)
			if (delay != 0 || padding != 0) && delay <= math.MaxInt32 && padding <= math.MaxInt32 {
				f := t.Format
				f.EncoderDelay = int(delay)
				f.EncoderPadding = int(padding)
				table.Track = t.WithFormat(f)
				ScaleAll(ts, 1_000_000, timescale)
				table.DurationUs = Scale(edits.Durations[0], 1_000_000, movieTimescale)
				return nil
			}
		}
	}

	if len(edits.Durations) == 1 && edits.Durations[0] == 0 {
		// An empty single edit only shifts the timeline to its media time.
		start := edits.MediaTimes[0]
		for i, v := range ts {
			ts[i] = Scale(v-start, 1_000_000, timescale)
		}
		table.DurationUs = Scale(duration-start, 1_000_000, timescale)
		return nil
	}

	// Audio edits exclude the sample straddling the end boundary so that
	// consecutive edits do not render it twice.
	omitClipped := t.Kind == TrackAudio

	n := len(edits.Durations)
	starts := make([]int, n)
	ends := make([]int, n)
	edited := 0
	next := 0
	copyMetadata := false
	for i := 0; i < n; i++ {
		mediaTime := edits.MediaTimes[i]
		if mediaTime == -1 {
			continue
		}
		dur := Scale(edits.Durations[i], timescale, movieTimescale)
		starts[i] = binarySearchFloor(ts, mediaTime, true, true)
		ends[i] = binarySearchCeil(ts, mediaTime+dur, omitClipped, false)
		for starts[i] < ends[i] && table.Flags[starts[i]]&SampleSync == 0 {
			starts[i]++
		}
		edited += ends[i] - starts[i]
		copyMetadata = copyMetadata || next != starts[i]
		next = ends[i]
	}
	copyMetadata = copyMetadata || edited != len(ts)

	offsets, sizes, flags := table.Offsets, table.Sizes, table.Flags
	maxSize := table.MaximumSize
	if copyMetadata {
		offsets = make([]int64, edited)
		sizes = make([]int, edited)
		flags = make([]SampleFlags, edited)
		maxSize = 0
	}
	editedTs := make([]int64, edited)

	var pts int64
	k := 0
	for i := 0; i < n; i++ {
		mediaTime := edits.MediaTimes[i]
		if mediaTime != -1 {
			start, end := starts[i], ends[i]
			if copyMetadata {
				copy(offsets[k:], table.Offsets[start:end])
				copy(sizes[k:], table.Sizes[start:end])
				copy(flags[k:], table.Flags[start:end])
			}
			for j := start; j < end; j++ {
				ptsUs := Scale(pts, 1_000_000, movieTimescale)
				inSegmentUs := Scale(max(0, ts[j]-mediaTime), 1_000_000, timescale)
				editedTs[k] = ptsUs + inSegmentUs
				if copyMetadata {
					maxSize = max(maxSize, sizes[k])
				}
				k++
			}
		}
		pts += edits.Durations[i]
	}

	hasSync := false
	for _, f := range flags {
		if f&SampleSync != 0 {
			hasSync = true
			break
		}
	}
	if !hasSync {
		return ErrNoSyncSample
	}

	table.Offsets = offsets
	table.Sizes = sizes
	table.Flags = flags
	table.MaximumSize = maxSize
	table.TimestampsUs = editedTs
	table.DurationUs = Scale(pts, 1_000_000, movieTimescale)
	return nil
}

// canApplyEditWithGaplessInfo reports whether an edit spanning [start, end)
// trims no more than a few samples from each end of the track.
func canApplyEditWithGaplessInfo(ts []int64, duration, start, end int64) bool {
	last := len(ts) - 1
	latestDelay := min(maxGaplessTrimSamples, last)
	earliestPadding := min(max(len(ts)-maxGaplessTrimSamples, 0), last)
	return ts[0] <= start && start < ts[latestDelay] &&
		ts[earliestPadding] < end && end <= duration
}
