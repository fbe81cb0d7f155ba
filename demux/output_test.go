package demux

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tetsuo/isodemux/track"
)

func TestCollectorTracks(t *testing.T) {
	c := &Collector{}
	a := c.Track(3, track.TrackAudio)
	require.Same(t, a, c.Track(3, track.TrackAudio))
	require.Nil(t, c.TrackByID(4))
	require.False(t, c.TracksDone)
	c.EndTracks()
	require.True(t, c.TracksDone)

	ct := c.TrackByID(3)
	require.Nil(t, ct.LastFormat())
	a.Format(track.Format{ID: "a"})
	a.Format(track.Format{ID: "b"})
	require.Equal(t, "b", ct.LastFormat().ID)
	require.Len(t, ct.Formats, 2)
}

func TestCollectedTrackOffset(t *testing.T) {
	tr := &CollectedTrack{}
	// Two samples written before the first one's metadata is known.
	tr.SampleData([]byte("first"))
	tr.SampleData([]byte("second"))
	tr.SampleMetadata(SampleMeta{TimeUs: 1, Size: 5, Offset: 6})
	tr.SampleMetadata(SampleMeta{TimeUs: 2, Size: 6})
	tr.SampleData([]byte("x"))
	tr.SampleMetadata(SampleMeta{TimeUs: 3, Size: 1})

	require.Len(t, tr.Samples, 3)
	require.Equal(t, []byte("first"), tr.Samples[0].Data)
	require.Equal(t, []byte("second"), tr.Samples[1].Data)
	require.Equal(t, []byte("x"), tr.Samples[2].Data)
}

func TestCollectedTrackDiscardData(t *testing.T) {
	c := &Collector{DiscardData: true}
	tr := c.Track(0, track.TrackVideo)
	tr.SampleData([]byte{1, 2, 3})
	tr.SampleMetadata(SampleMeta{Size: 3})
	got := c.TrackByID(0).Samples
	require.Len(t, got, 1)
	require.Nil(t, got[0].Data)
	require.Equal(t, 3, got[0].Size)
}
