package demux

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tetsuo/isodemux"
	"github.com/tetsuo/isodemux/input"
	"github.com/tetsuo/isodemux/internal/mp4test"
	"github.com/tetsuo/isodemux/track"
)

// movieSamples is the mdat payload of movieFile: two length-prefixed H.264
// samples followed by two audio samples.
var movieSamples = [][]byte{
	{0, 0, 0, 2, 0x65, 0x88},
	{0, 0, 0, 2, 0x41, 0x9a},
	{0xa0, 0xa1, 0xa2, 0xa3},
	{0xb0, 0xb1, 0xb2, 0xb3},
}

func movieMoov(t *testing.T, base uint32) []byte {
	avc := mp4test.Stsd(mp4test.VisualEntry("avc1", 1920, 1080, mp4test.AvcC(mp4test.SPS, mp4test.PPS)))
	video := mp4test.Trak(
		mp4test.Tkhd(t, 1, 1000),
		nil,
		mp4test.Mdhd(t, 1000, 1000, "und"),
		mp4test.Hdlr(t, "vide"),
		avc,
		mp4test.Stts(t, mp4test.SttsEntry{Count: 2, Delta: 500}),
		mp4test.Stss(t, 1),
		mp4test.Stsc(t, mp4test.StscEntry{FirstChunk: 1, SamplesPerChunk: 2}),
		mp4test.Stsz(t, 0, 0, []uint32{6, 6}),
		mp4test.Stco(t, base),
	)
	audio := mp4test.Trak(
		mp4test.Tkhd(t, 2, 1000),
		nil,
		mp4test.Mdhd(t, 1000, 1000, "eng"),
		mp4test.Hdlr(t, "soun"),
		mp4test.Stsd(aacEntry()),
		mp4test.Stts(t, mp4test.SttsEntry{Count: 2, Delta: 500}),
		mp4test.Stsc(t, mp4test.StscEntry{FirstChunk: 1, SamplesPerChunk: 2}),
		mp4test.Stsz(t, 4, 2, nil),
		mp4test.Stco(t, base+12),
	)
	return mp4test.Container("moov", mp4test.Mvhd(t, 1000, 1000), video, audio)
}

func movieMdat() []byte {
	var p []byte
	for _, s := range movieSamples {
		p = append(p, s...)
	}
	return mp4test.Box("mdat", p)
}

// movieFile returns ftyp, moov and mdat, with the sample data at the end.
func movieFile(t *testing.T) (raw []byte, dataStart int64) {
	ftyp := mp4test.Ftyp(t, "isom", "isom", "avc1")
	start := len(ftyp) + len(movieMoov(t, 0)) + 8
	raw = append(append(ftyp, movieMoov(t, uint32(start))...), movieMdat()...)
	return raw, int64(start)
}

func TestReader(t *testing.T) {
	raw, dataStart := movieFile(t)
	ex, err := New(input.NewBuffer(raw), Config{})
	require.NoError(t, err)
	require.IsType(t, &Reader{}, ex)

	c := demuxAll(t, ex, raw)
	require.Len(t, c.Tracks, 2)

	video, audio := c.TrackByID(0), c.TrackByID(1)
	require.Equal(t, track.TrackVideo, video.Kind)
	require.Equal(t, track.TrackAudio, audio.Kind)

	vf := video.LastFormat()
	require.Equal(t, track.MimeVideoH264, vf.SampleMimeType)
	require.Equal(t, 6+maxInputSizePadding, vf.MaxInputSize)
	require.InDelta(t, 2.0, vf.FrameRate, 1e-9)
	require.Zero(t, audio.LastFormat().FrameRate)

	require.Equal(t, []int64{0, 500_000}, sampleTimes(video))
	require.Equal(t, FlagSync, video.Samples[0].Flags)
	require.Equal(t, SampleFlags(0), video.Samples[1].Flags)
	require.Equal(t, []byte{0, 0, 0, 1, 0x65, 0x88}, video.Samples[0].Data)
	require.Equal(t, []byte{0, 0, 0, 1, 0x41, 0x9a}, video.Samples[1].Data)

	require.Equal(t, []int64{0, 500_000}, sampleTimes(audio))
	require.Equal(t, movieSamples[3], audio.Samples[1].Data)

	sm := c.Seek
	require.True(t, sm.Seekable())
	require.Equal(t, int64(1_000_000), sm.DurationUs())
	require.Equal(t, SeekPoint{TimeUs: 0, Position: dataStart}, sm.SeekPoints(600_000))
}

func TestReaderMdatBeforeMoov(t *testing.T) {
	ftyp := mp4test.Ftyp(t, "isom", "isom")
	start := len(ftyp) + 8
	mdat := movieMdat()
	raw := append(append(ftyp, mdat...), movieMoov(t, uint32(start))...)

	// A reload distance below the mdat size makes the reader ask for a seek
	// over the mdat and back to the first sample.
	r := NewReader(Config{ReloadSeekDistance: 8})
	c := &Collector{}
	r.Init(c)
	in := input.NewBuffer(raw)

	res, pos, err := r.Read(in)
	require.NoError(t, err)
	require.Equal(t, ResultSeek, res)
	require.Equal(t, int64(start+len(mdat)-8), pos)
	require.NoError(t, in.Seek(pos))

	require.NoError(t, Run(context.Background(), r, in, nil))
	require.Len(t, c.TrackByID(0).Samples, 2)
	require.Len(t, c.TrackByID(1).Samples, 2)
}

func TestReaderSeek(t *testing.T) {
	raw, _ := movieFile(t)
	r := NewReader(Config{})
	c := &Collector{DiscardData: true}
	in := input.NewBuffer(raw)
	require.NoError(t, Run(context.Background(), r, in, c))

	tables := r.Tracks()
	require.Len(t, tables, 2)
	require.Equal(t, 2, tables[1].SampleCount())
	require.Equal(t, []track.SampleFlags{track.SampleSync, 0}, tables[0].Flags)

	p := r.SeekPoints(1_000_000)
	require.NoError(t, in.Seek(p.Position))
	r.Seek(p.Position, p.TimeUs)
	require.NoError(t, Run(context.Background(), r, in, nil))

	// Both tracks restart from the video sync sample.
	require.Len(t, c.TrackByID(0).Samples, 4)
	require.Len(t, c.TrackByID(1).Samples, 4)
	require.Nil(t, c.TrackByID(0).Samples[2].Data)
	require.Equal(t, int64(0), c.TrackByID(0).Samples[2].TimeUs)
}

func TestReaderSeekWithoutSyncSamples(t *testing.T) {
	ftyp := mp4test.Ftyp(t, "isom", "isom")
	moov := func(base uint32) []byte {
		return mp4test.Container("moov", mp4test.Mvhd(t, 1000, 1000), mp4test.Trak(
			mp4test.Tkhd(t, 1, 1000),
			nil,
			mp4test.Mdhd(t, 1000, 1000, "und"),
			mp4test.Hdlr(t, "vide"),
			mp4test.Stsd(mp4test.VisualEntry("avc1", 1920, 1080, mp4test.AvcC(mp4test.SPS, mp4test.PPS))),
			mp4test.Stts(t, mp4test.SttsEntry{Count: 2, Delta: 500}),
			// Names no sample in range.
			mp4test.Stss(t, 5),
			mp4test.Stsc(t, mp4test.StscEntry{FirstChunk: 1, SamplesPerChunk: 2}),
			mp4test.Stsz(t, 0, 0, []uint32{6, 6}),
			mp4test.Stco(t, base),
		))
	}
	start := len(ftyp) + len(moov(0)) + 8
	mdat := mp4test.Box("mdat", append(append([]byte{}, movieSamples[0]...), movieSamples[1]...))
	raw := append(append(ftyp, moov(uint32(start))...), mdat...)

	r := NewReader(Config{})
	c := &Collector{DiscardData: true}
	in := input.NewBuffer(raw)
	require.NoError(t, Run(context.Background(), r, in, c))
	require.Equal(t, SampleFlags(0), c.TrackByID(0).Samples[0].Flags)

	p := r.SeekPoints(500_000)
	require.Equal(t, SeekPoint{}, p)
	require.NoError(t, in.Seek(p.Position))
	r.Seek(p.Position, p.TimeUs)
	require.NoError(t, Run(context.Background(), r, in, nil))
	require.Len(t, c.TrackByID(0).Samples, 4)
}

func TestReaderTimestampAdjuster(t *testing.T) {
	raw, _ := movieFile(t)
	c := demuxAll(t, NewReader(Config{TimestampAdjuster: offsetAdjuster(10)}), raw)
	require.Equal(t, []int64{10, 500_010}, sampleTimes(c.TrackByID(1)))
}

type offsetAdjuster int64

func (o offsetAdjuster) AdjustSampleTimestamp(t int64) int64 { return t + int64(o) }

func TestReaderTruncated(t *testing.T) {
	raw, _ := movieFile(t)
	err := Run(context.Background(), NewReader(Config{}), input.NewBuffer(raw[:len(raw)-3]), &Collector{})
	require.Error(t, err)
}

func TestNewRejectsNonMP4(t *testing.T) {
	_, err := New(input.NewBuffer([]byte("not an mp4 file at all")), Config{})
	require.ErrorIs(t, err, ErrNotMP4)
}

func TestRunStreamingNeedsMoreData(t *testing.T) {
	raw, _ := movieFile(t)
	in := input.NewStream()
	in.Append(raw[:len(raw)/2])
	r := NewReader(Config{})
	c := &Collector{}
	err := Run(context.Background(), r, in, c)
	require.ErrorIs(t, err, mp4.ErrNeedMoreData)

	in.Append(raw[len(raw)/2:])
	in.Close()
	require.NoError(t, Run(context.Background(), r, in, nil))
	require.Len(t, c.TrackByID(1).Samples, 2)
}

func TestRunCanceled(t *testing.T) {
	raw, _ := movieFile(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Run(ctx, NewReader(Config{}), input.NewBuffer(raw), &Collector{})
	require.ErrorIs(t, err, context.Canceled)
}
