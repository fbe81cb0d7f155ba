package main

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tetsuo/isodemux/demux"
	"github.com/tetsuo/isodemux/input"
	"github.com/tetsuo/isodemux/internal/mp4test"
)

// testFile is a one-track H.264 file with two samples after the moov.
func testFile(t *testing.T) []byte {
	moov := func(base uint32) []byte {
		return mp4test.Container("moov",
			mp4test.Mvhd(t, 1000, 1000),
			mp4test.Trak(
				mp4test.Tkhd(t, 1, 1000),
				nil,
				mp4test.Mdhd(t, 1000, 1000, "und"),
				mp4test.Hdlr(t, "vide"),
				mp4test.Stsd(mp4test.VisualEntry("avc1", 640, 360, mp4test.AvcC(mp4test.SPS, mp4test.PPS))),
				mp4test.Stts(t, mp4test.SttsEntry{Count: 2, Delta: 500}),
				mp4test.Stss(t, 1),
				mp4test.Stsc(t, mp4test.StscEntry{FirstChunk: 1, SamplesPerChunk: 2}),
				mp4test.Stsz(t, 0, 0, []uint32{5, 5}),
				mp4test.Stco(t, base),
			),
		)
	}
	ftyp := mp4test.Ftyp(t, "isom", "isom", "avc1")
	start := len(ftyp) + len(moov(0)) + 8
	mdat := mp4test.Box("mdat", []byte{0, 0, 0, 1, 0x65, 0, 0, 0, 1, 0x41})
	return append(append(ftyp, moov(uint32(start))...), mdat...)
}

func TestRun(t *testing.T) {
	raw := testFile(t)
	r, err := run(context.Background(), input.NewBuffer(raw), demux.Config{}, true)
	require.NoError(t, err)
	require.Equal(t, "unfragmented", r.Kind)
	require.True(t, r.Seekable)
	require.Equal(t, int64(1_000_000), r.DurationUs)
	require.Len(t, r.Tracks, 1)
	require.Len(t, r.Tracks[0].Samples, 2)

	var buf bytes.Buffer
	printReport(&buf, r, FormatText, true)
	out := buf.String()
	require.Contains(t, out, "track 0 video video/avc")
	require.Contains(t, out, "#0 t=0.000000s size=5 sync")
	require.Contains(t, out, "#1 t=0.500000s size=5\n")

	buf.Reset()
	printReport(&buf, r, FormatJSON, false)
	var decoded map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	require.Equal(t, "unfragmented", decoded["kind"])
}

func TestRunWithoutSamples(t *testing.T) {
	r, err := run(context.Background(), input.NewBuffer(testFile(t)), demux.Config{}, false)
	require.NoError(t, err)
	require.Nil(t, r.Tracks[0].Samples)
}

func TestBuildTree(t *testing.T) {
	raw := testFile(t)
	nodes, err := buildTree(input.NewBuffer(raw))
	require.NoError(t, err)
	require.Len(t, nodes, 3)

	require.Equal(t, "ftyp", nodes[0].Type)
	require.Equal(t, "isom", nodes[0].Info["brand"])

	moov := nodes[1]
	require.Equal(t, "moov", moov.Type)
	require.Equal(t, []string{"mvhd", "trak"}, types(moov.Children))
	require.Equal(t, uint32(1000), moov.Children[0].Info["timescale"])

	mdat := nodes[2]
	require.Equal(t, "mdat", mdat.Type)
	require.NotNil(t, mdat.DataLength)
	require.Equal(t, int64(10), *mdat.DataLength)

	var buf bytes.Buffer
	printTree(&buf, nodes, FormatText)
	require.True(t, strings.HasPrefix(buf.String(), "[ftyp] @0"))
	require.Contains(t, buf.String(), "      [stsd]")
}

func TestBuildTreeTruncated(t *testing.T) {
	raw := testFile(t)
	in := input.NewStream()
	in.Append(raw[:len(raw)-4])
	_, err := buildTree(in)
	require.Error(t, err)
}

func types(nodes []*BoxNode) []string {
	var s []string
	for _, n := range nodes {
		s = append(s, n.Type)
	}
	return s
}
