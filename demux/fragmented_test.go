package demux

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tetsuo/isodemux"
	"github.com/tetsuo/isodemux/input"
	"github.com/tetsuo/isodemux/internal/mp4test"
	"github.com/tetsuo/isodemux/track"
)

var testKID = [16]byte{0x10, 0x11, 0x12, 0x13, 0x14, 0x15, 0x16, 0x17, 0x18, 0x19, 0x1a, 0x1b, 0x1c, 0x1d, 0x1e, 0x1f}

func aacEntry() []byte {
	return mp4test.AudioEntry("mp4a", 2, 44100, mp4test.Esds(0x40, []byte{0x12, 0x10}))
}

func encryptedAACEntry() []byte {
	return mp4test.AudioEntry("enca", 2, 44100,
		mp4test.Esds(0x40, []byte{0x12, 0x10}),
		mp4test.Sinf("mp4a", track.SchemeCENC, mp4test.Tenc(8, testKID)),
	)
}

// fragTrak returns a trak with an empty sample table, as found in the moov
// of a fragmented file.
func fragTrak(t *testing.T, id, timescale uint32, handler string, entry []byte) []byte {
	return mp4test.Trak(
		mp4test.Tkhd(t, id, 0),
		nil,
		mp4test.Mdhd(t, timescale, 0, "und"),
		mp4test.Hdlr(t, handler),
		mp4test.Stsd(entry),
		mp4test.Stts(t),
		mp4test.Stsc(t),
		mp4test.Stsz(t, 0, 0, nil),
		mp4test.Stco(t),
	)
}

func fragMoov(t *testing.T, traks [][]byte, mvex ...[]byte) []byte {
	children := append([][]byte{mp4test.Mvhd(t, 1000, 0)}, traks...)
	children = append(children, mp4test.Container("mvex", mvex...))
	return mp4test.Container("moov", children...)
}

// trafSpec describes one traf of a fragment and the sample bytes it owns.
type trafSpec struct {
	trackID    uint32
	tfhdFlags  uint32
	tfhd       mp4test.TfhdFields
	decodeTime int64 // -1 omits tfdt
	trunFlags  uint32
	firstFlags uint32
	samples    []mp4test.TrunSample
	data       []byte
	extra      [][]byte
}

// fragment returns a moof followed by an mdat holding the data of every
// traf in order. Each trun points at its traf's data.
func fragment(seq uint32, trafs ...trafSpec) []byte {
	build := func(base int) []byte {
		boxes := [][]byte{mp4test.Mfhd(seq)}
		off := base
		for _, tr := range trafs {
			children := [][]byte{mp4test.Tfhd(tr.trackID, tr.tfhdFlags|mp4test.TfhdDefaultBaseIsMoof, tr.tfhd)}
			if tr.decodeTime >= 0 {
				children = append(children, mp4test.Tfdt(uint64(tr.decodeTime)))
			}
			children = append(children, mp4test.Trun(tr.trunFlags|mp4test.TrunDataOffset, int32(off), tr.firstFlags, tr.samples...))
			children = append(children, tr.extra...)
			boxes = append(boxes, mp4test.Container("traf", children...))
			off += len(tr.data)
		}
		return mp4test.Container("moof", boxes...)
	}
	moof := build(0)
	moof = build(len(moof) + 8)
	var data []byte
	for _, tr := range trafs {
		data = append(data, tr.data...)
	}
	return append(moof, mp4test.Box("mdat", data)...)
}

func fill(b byte, n int) []byte { return bytes.Repeat([]byte{b}, n) }

func sizes(n ...uint32) []mp4test.TrunSample {
	s := make([]mp4test.TrunSample, len(n))
	for i, v := range n {
		s[i].Size = v
	}
	return s
}

func fragFile(t *testing.T, moov []byte, fragments ...[]byte) []byte {
	raw := append(mp4test.Ftyp(t, "iso6", "iso6", "dash"), moov...)
	for _, f := range fragments {
		raw = append(raw, f...)
	}
	return raw
}

func demuxAll(t *testing.T, ex Extractor, data []byte) *Collector {
	t.Helper()
	c := &Collector{}
	require.NoError(t, Run(context.Background(), ex, input.NewBuffer(data), c))
	return c
}

func sampleTimes(tr *CollectedTrack) []int64 {
	var ts []int64
	for _, s := range tr.Samples {
		ts = append(ts, s.TimeUs)
	}
	return ts
}

func twoTrackFile(t *testing.T) []byte {
	moov := fragMoov(t,
		[][]byte{
			fragTrak(t, 1, 1024, "soun", aacEntry()),
			fragTrak(t, 2, 1024, "soun", aacEntry()),
		},
		mp4test.Trex(1, 512, 0, 0),
		mp4test.Trex(2, 512, 0, 0),
	)
	first := fragment(1,
		trafSpec{trackID: 1, trunFlags: mp4test.TrunSampleSize, samples: sizes(300, 400), data: append(fill(0xa1, 300), fill(0xa2, 400)...)},
		trafSpec{trackID: 2, trunFlags: mp4test.TrunSampleSize, samples: sizes(100), data: fill(0xb1, 100)},
	)
	second := fragment(2,
		trafSpec{trackID: 1, decodeTime: -1, trunFlags: mp4test.TrunSampleSize, samples: sizes(50), data: fill(0xa3, 50)},
		trafSpec{trackID: 2, decodeTime: -1, trunFlags: mp4test.TrunSampleSize, samples: sizes(60), data: fill(0xb2, 60)},
	)
	return fragFile(t, moov, first, second)
}

func TestNewOnPartialStream(t *testing.T) {
	raw := twoTrackFile(t)
	in := input.NewStream()
	in.Append(raw[:40])
	_, err := New(in, Config{})
	require.ErrorIs(t, err, mp4.ErrNeedMoreData)

	in.Append(raw[40:])
	in.Close()
	ex, err := New(in, Config{})
	require.NoError(t, err)
	require.IsType(t, &FragmentedReader{}, ex)

	c := &Collector{}
	require.NoError(t, Run(context.Background(), ex, in, c))
	require.Len(t, c.Tracks, 2)
	require.Len(t, c.TrackByID(0).Samples, 3)
}

func TestFragmentedTwoTracks(t *testing.T) {
	raw := twoTrackFile(t)
	ex, err := New(input.NewBuffer(raw), Config{})
	require.NoError(t, err)
	require.IsType(t, &FragmentedReader{}, ex)

	c := demuxAll(t, ex, raw)
	require.True(t, c.TracksDone)
	require.Len(t, c.Tracks, 2)
	require.NotNil(t, c.Seek)
	require.False(t, c.Seek.Seekable())

	a, b := c.TrackByID(0), c.TrackByID(1)
	require.Equal(t, track.MimeAudioAAC, a.LastFormat().SampleMimeType)
	require.Equal(t, "1", a.LastFormat().ID)
	require.Equal(t, "2", b.LastFormat().ID)

	require.Equal(t, []int64{0, 500_000, 1_000_000}, sampleTimes(a))
	require.Equal(t, []int64{0, 500_000}, sampleTimes(b))
	require.Equal(t, fill(0xa1, 300), a.Samples[0].Data)
	require.Equal(t, fill(0xa2, 400), a.Samples[1].Data)
	require.Equal(t, fill(0xa3, 50), a.Samples[2].Data)
	require.Equal(t, fill(0xb2, 60), b.Samples[1].Data)
	for _, s := range a.Samples {
		require.Equal(t, FlagSync, s.Flags)
	}
}

func TestFragmentedByteAtATime(t *testing.T) {
	raw := twoTrackFile(t)
	want := demuxAll(t, NewFragmentedReader(Config{}), raw)

	in := input.NewStream()
	r := NewFragmentedReader(Config{})
	c := &Collector{}
	r.Init(c)
	for i := 0; ; {
		res, _, err := r.Read(in)
		require.NoError(t, err)
		if res == ResultEndOfInput {
			break
		}
		if res == ResultNeedMoreData {
			if i == len(raw) {
				in.Close()
				continue
			}
			in.Append(raw[i : i+1])
			i++
		}
	}
	require.Len(t, c.Tracks, len(want.Tracks))
	for i, tr := range want.Tracks {
		require.Equal(t, tr.Samples, c.Tracks[i].Samples)
	}
}

func TestFragmentedSampleFlags(t *testing.T) {
	moov := fragMoov(t, [][]byte{fragTrak(t, 1, 1000, "soun", aacEntry())}, mp4test.Trex(1, 0, 0, 0))
	frag := fragment(1, trafSpec{
		trackID:    1,
		tfhdFlags:  mp4test.TfhdDefaultDuration | mp4test.TfhdDefaultSize | mp4test.TfhdDefaultFlags,
		tfhd:       mp4test.TfhdFields{Duration: 100, Size: 4, Flags: sampleIsNonSync},
		decodeTime: 1000,
		trunFlags:  mp4test.TrunFirstSampleFlags | mp4test.TrunCompositionOffset,
		samples:    []mp4test.TrunSample{{CompositionOffset: 200}, {CompositionOffset: -100}, {}},
		data:       fill(1, 12),
	})
	c := demuxAll(t, NewFragmentedReader(Config{}), fragFile(t, moov, frag))
	tr := c.TrackByID(0)
	require.Equal(t, []int64{1_200_000, 1_000_000, 1_200_000}, sampleTimes(tr))
	require.Equal(t, FlagSync, tr.Samples[0].Flags)
	require.Equal(t, SampleFlags(0), tr.Samples[1].Flags)
	require.Equal(t, SampleFlags(0), tr.Samples[2].Flags)
}

func TestFragmentedEveryVideoFrameIsSync(t *testing.T) {
	avc := mp4test.VisualEntry("avc1", 1920, 1080, mp4test.AvcC(mp4test.SPS, mp4test.PPS))
	moov := fragMoov(t, [][]byte{fragTrak(t, 1, 1000, "vide", avc)}, mp4test.Trex(1, 40, 0, 0))
	nal := []byte{0, 0, 0, 2, 0x41, 0x9a}
	frag := fragment(1, trafSpec{
		trackID:   1,
		trunFlags: mp4test.TrunSampleSize,
		samples:   sizes(6, 6),
		data:      append(append([]byte{}, nal...), nal...),
	})
	c := demuxAll(t, NewFragmentedReader(Config{EveryVideoFrameIsSync: true}), fragFile(t, moov, frag))
	tr := c.TrackByID(0)
	require.Len(t, tr.Samples, 2)
	require.Equal(t, FlagSync, tr.Samples[0].Flags)
	require.Equal(t, SampleFlags(0), tr.Samples[1].Flags)
	require.Equal(t, []byte{0, 0, 0, 1, 0x41, 0x9a}, tr.Samples[1].Data)
}

func TestFragmentedEncryptedSenc(t *testing.T) {
	moov := fragMoov(t, [][]byte{fragTrak(t, 1, 1000, "soun", encryptedAACEntry())}, mp4test.Trex(1, 100, 0, 0))
	iv1 := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	iv2 := []byte{9, 10, 11, 12, 13, 14, 15, 16}
	frag := fragment(1, trafSpec{
		trackID:   1,
		trunFlags: mp4test.TrunSampleSize,
		samples:   sizes(20, 30),
		data:      append(fill(0xc1, 20), fill(0xc2, 30)...),
		extra:     [][]byte{mp4test.Senc([][]byte{iv1, iv2}, [][][2]uint32{{{4, 16}}, {{10, 10}, {5, 5}}})},
	})
	c := demuxAll(t, NewFragmentedReader(Config{}), fragFile(t, moov, frag))
	tr := c.TrackByID(0)
	require.Len(t, tr.Samples, 2)

	s := tr.Samples[0]
	require.Equal(t, FlagSync|FlagEncrypted, s.Flags)
	want := append([]byte{0x88}, iv1...)
	want = append(want, 0, 1, 0, 4, 0, 0, 0, 16)
	want = append(want, fill(0xc1, 20)...)
	require.Equal(t, want, s.Data)
	require.Equal(t, len(want), s.Size)
	require.NotNil(t, s.Crypto)
	require.Equal(t, track.CryptoModeAESCTR, s.Crypto.Mode)
	require.Equal(t, testKID[:], s.Crypto.KeyID[:])
	require.Equal(t, iv1, s.Crypto.IV)
	require.Equal(t, []Subsample{{ClearBytes: 4, EncryptedBytes: 16}}, s.Crypto.Subsamples)

	s = tr.Samples[1]
	require.Equal(t, iv2, s.Crypto.IV)
	require.Equal(t, []Subsample{{10, 10}, {5, 5}}, s.Crypto.Subsamples)
	require.Equal(t, 1+8+2+12+30, s.Size)
}

func TestFragmentedEncryptedWholeSample(t *testing.T) {
	moov := fragMoov(t, [][]byte{fragTrak(t, 1, 1000, "soun", encryptedAACEntry())}, mp4test.Trex(1, 100, 0, 0))
	iv := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	frag := fragment(1, trafSpec{
		trackID:   1,
		trunFlags: mp4test.TrunSampleSize,
		samples:   sizes(16),
		data:      fill(0xc1, 16),
		extra:     [][]byte{mp4test.Senc([][]byte{iv}, nil)},
	})
	c := demuxAll(t, NewFragmentedReader(Config{}), fragFile(t, moov, frag))
	s := c.TrackByID(0).Samples[0]

	// No subsample table follows the IV.
	want := append([]byte{0x08}, iv...)
	want = append(want, fill(0xc1, 16)...)
	require.Equal(t, want, s.Data)
	require.Equal(t, iv, s.Crypto.IV)
	require.Empty(t, s.Crypto.Subsamples)
}

func TestFragmentedSaizWithoutEncryption(t *testing.T) {
	moov := fragMoov(t, [][]byte{fragTrak(t, 1, 1000, "soun", aacEntry())}, mp4test.Trex(1, 100, 0, 0))
	saiz := mp4test.FullBox("saiz", 0, 0, []byte{8, 0, 0, 0, 1})
	frag := fragment(1, trafSpec{trackID: 1, trunFlags: mp4test.TrunSampleSize, samples: sizes(4), data: fill(1, 4), extra: [][]byte{saiz}})
	err := Run(context.Background(), NewFragmentedReader(Config{}), input.NewBuffer(fragFile(t, moov, frag)), &Collector{})
	require.ErrorIs(t, err, mp4.ErrMalformed)
}

func TestFragmentedMissingMvex(t *testing.T) {
	moov := mp4test.Container("moov", mp4test.Mvhd(t, 1000, 0), fragTrak(t, 1, 1000, "soun", aacEntry()))
	err := Run(context.Background(), NewFragmentedReader(Config{}), input.NewBuffer(fragFile(t, moov)), &Collector{})
	require.ErrorIs(t, err, track.ErrMissingBox)
}

func TestFragmentedSeek(t *testing.T) {
	moov := fragMoov(t, [][]byte{fragTrak(t, 1, 1000, "soun", aacEntry())}, mp4test.Trex(1, 100, 0, 0))
	head := fragFile(t, moov)
	frag := fragment(1, trafSpec{
		trackID:   1,
		trunFlags: mp4test.TrunSampleSize | mp4test.TrunSampleFlags,
		samples: []mp4test.TrunSample{
			{Size: 2}, {Size: 2, Flags: sampleIsNonSync}, {Size: 2}, {Size: 2, Flags: sampleIsNonSync},
		},
		data: []byte{0, 0, 1, 1, 2, 2, 3, 3},
	})

	r := NewFragmentedReader(Config{})
	c := &Collector{}
	r.Init(c)
	in := input.NewStream()
	in.Append(head)
	res, _, err := r.Read(in)
	require.NoError(t, err)
	require.Equal(t, ResultNeedMoreData, res)
	require.True(t, c.TracksDone)

	pos := int64(len(head))
	require.NoError(t, in.Seek(pos))
	r.Seek(pos, 350_000)
	in.Append(frag)
	in.Close()
	require.NoError(t, Run(context.Background(), r, in, nil))

	tr := c.TrackByID(0)
	require.Equal(t, []int64{200_000, 300_000}, sampleTimes(tr))
	require.Equal(t, []byte{2, 2}, tr.Samples[0].Data)
}

func TestFragmentedSidxSeekMap(t *testing.T) {
	moov := fragMoov(t, [][]byte{fragTrak(t, 1, 1000, "soun", aacEntry())}, mp4test.Trex(1, 100, 0, 0))
	frag := fragment(1, trafSpec{trackID: 1, trunFlags: mp4test.TrunSampleSize, samples: sizes(4), data: fill(7, 4)})
	sidx := mp4test.Sidx(1000, 0, 0, mp4test.SidxRef{Size: uint32(len(frag)), Duration: 100})
	raw := fragFile(t, append(moov, sidx...), frag)

	c := demuxAll(t, NewFragmentedReader(Config{}), raw)
	idx, ok := c.Seek.(*ChunkIndex)
	require.True(t, ok)
	require.True(t, idx.Seekable())
	require.Equal(t, int64(100_000), idx.DurationUs())
	require.Equal(t, SeekPoint{TimeUs: 0, Position: int64(len(raw) - len(frag))}, idx.SeekPoints(50_000))
}

func TestFragmentedEmsg(t *testing.T) {
	moov := fragMoov(t, [][]byte{fragTrak(t, 1, 1000, "soun", aacEntry())}, mp4test.Trex(1, 100, 0, 0))
	abs := mp4test.Emsg(1000, 2000, 500, 7, "urn:abs", "1", []byte("x"))
	rel := mp4test.EmsgV0("urn:rel", "2", 1000, 250, 0, 8, nil)
	frag := fragment(1, trafSpec{trackID: 1, decodeTime: 3000, trunFlags: mp4test.TrunSampleSize, samples: sizes(4), data: fill(7, 4)})
	raw := fragFile(t, moov, abs, rel, frag)

	c := demuxAll(t, NewFragmentedReader(Config{EmsgTrack: true}), raw)
	require.Len(t, c.Tracks, 2)
	ev := c.TrackByID(emsgTrackID)
	require.Equal(t, track.TrackMetadata, ev.Kind)
	require.Equal(t, track.MimeEmsg, ev.LastFormat().SampleMimeType)
	require.Len(t, ev.Samples, 2)

	require.Equal(t, int64(2_000_000), ev.Samples[0].TimeUs)
	msg, err := DecodeEventMessage(ev.Samples[0].Data)
	require.NoError(t, err)
	require.Equal(t, EventMessage{SchemeIDURI: "urn:abs", Value: "1", DurationMs: 500, ID: 7, Data: []byte("x")}, msg)

	// No sidx preceded the relative message, so it is timed from the
	// next media sample.
	require.Equal(t, int64(3_250_000), ev.Samples[1].TimeUs)
	msg, err = DecodeEventMessage(ev.Samples[1].Data)
	require.NoError(t, err)
	require.Equal(t, "urn:rel", msg.SchemeIDURI)
	require.Equal(t, int64(8), msg.ID)
}

func TestFragmentedSideloadedTrack(t *testing.T) {
	sideloaded := &track.Track{
		ID:         1,
		Kind:       track.TrackAudio,
		Timescale:  1000,
		DurationUs: 5_000_000,
		Format:     track.Format{ID: "1", SampleMimeType: track.MimeAudioAAC},
	}
	frag := fragment(1, trafSpec{
		trackID:   9,
		tfhdFlags: mp4test.TfhdDefaultDuration,
		tfhd:      mp4test.TfhdFields{Duration: 20},
		trunFlags: mp4test.TrunSampleSize,
		samples:   sizes(3, 3),
		data:      fill(5, 6),
	})
	c := demuxAll(t, NewFragmentedReader(Config{SideloadedTrack: sideloaded}), frag)
	require.Len(t, c.Tracks, 1)
	tr := c.TrackByID(0)
	require.Equal(t, []int64{0, 20_000}, sampleTimes(tr))
	require.Equal(t, int64(5_000_000), c.Seek.DurationUs())
}
