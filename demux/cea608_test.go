package demux

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tetsuo/isodemux"
	"github.com/tetsuo/isodemux/input"
	"github.com/tetsuo/isodemux/track"
)

// captionSEI is an escaped H.264 SEI NAL unit carrying two cc_data
// triplets. The emulation prevention byte follows the first triplet.
var captionSEI = []byte{
	0x06,       // SEI
	0x04, 0x11, // user_data_registered_itu_t_t35, 17 bytes
	0xb5, 0x00, 0x31, 'G', 'A', '9', '4', 0x03,
	0x42, 0xff, // process_cc_data_flag, cc_count 2, em_data
	0xfc, 0x00, 0x00, 0x03, 0x01, 0x80, 0x80,
	0xff, // marker bits
	0x80, // rbsp trailing bits
}

var captionTriplets = []byte{0xfc, 0x00, 0x00, 0x01, 0x80, 0x80}

func TestConsumeSEI(t *testing.T) {
	out := &CollectedTrack{}
	consumeSEI(42, captionSEI, 1, out)
	require.Len(t, out.Samples, 1)
	require.Equal(t, int64(42), out.Samples[0].TimeUs)
	require.Equal(t, FlagSync, out.Samples[0].Flags)
	require.Equal(t, captionTriplets, out.Samples[0].Data)
}

func TestConsumeSEIIgnoresOtherPayloads(t *testing.T) {
	out := &CollectedTrack{}
	// A recovery point SEI.
	consumeSEI(0, []byte{0x06, 0x06, 0x01, 0xc4, 0x80}, 1, out)
	// A T.35 payload from another provider.
	other := append([]byte(nil), captionSEI...)
	other[5] = 0x32
	consumeSEI(0, other, 1, out)
	// A truncated payload.
	consumeSEI(0, captionSEI[:8], 1, out)
	require.Empty(t, out.Samples)
}

func TestSEINALHeaderSize(t *testing.T) {
	require.Equal(t, 1, seiNALHeaderSize(track.MimeVideoH264, 0x06))
	require.Equal(t, 0, seiNALHeaderSize(track.MimeVideoH264, 0x65))
	require.Equal(t, 0, seiNALHeaderSize(track.MimeAudioAAC, 0x06))
}

func TestSampleWriterForwardsCaptions(t *testing.T) {
	slice := []byte{0x65, 0x88, 0x84}
	var sample []byte
	sample = append(sample, 0, byte(len(captionSEI)))
	sample = append(sample, captionSEI...)
	sample = append(sample, 0, byte(len(slice)))
	sample = append(sample, slice...)

	video := &CollectedTrack{}
	captions := &CollectedTrack{}
	w := sampleWriter{out: video, nalLengthSize: 2, mime: track.MimeVideoH264, captions: captions}
	w.reset(len(sample), 0, 1000)

	// Feed the sample one byte at a time.
	in := input.NewStream()
	for _, b := range sample {
		err := w.write(in)
		require.ErrorIs(t, err, mp4.ErrNeedMoreData)
		in.Append([]byte{b})
	}
	require.NoError(t, w.write(in))
	video.SampleMetadata(SampleMeta{Size: w.written})

	want := append([]byte{0, 0, 0, 1}, captionSEI...)
	want = append(want, 0, 0, 0, 1)
	want = append(want, slice...)
	require.Equal(t, want, video.Samples[0].Data)
	require.Equal(t, len(sample)+4, w.written)

	require.Len(t, captions.Samples, 1)
	require.Equal(t, int64(1000), captions.Samples[0].TimeUs)
	require.Equal(t, captionTriplets, captions.Samples[0].Data)
}
