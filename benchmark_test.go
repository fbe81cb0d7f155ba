package mp4_test

import (
	"context"
	"os"
	"testing"

	"github.com/tetsuo/isodemux"
	"github.com/tetsuo/isodemux/demux"
	"github.com/tetsuo/isodemux/input"
	"github.com/tetsuo/isodemux/internal/mp4test"
	"github.com/tetsuo/isodemux/track"
)

const benchFile = "video-media-samples/big-buck-bunny-480p-30sec.mp4"

func loadTestFile(b *testing.B) []byte {
	b.Helper()
	data, err := os.ReadFile(benchFile)
	if err != nil {
		b.Skipf("test file not available: %v", err)
	}
	return data
}

func BenchmarkBoxReader(b *testing.B) {
	data := loadTestFile(b)
	b.SetBytes(int64(len(data)))

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		br := mp4.NewBoxReader(nil)
		in := input.NewBuffer(data)
		for {
			ev, err := br.Next(in)
			if err != nil {
				b.Fatal(err)
			}
			if ev.Kind == mp4.EventEndOfInput {
				break
			}
		}
	}
}

func BenchmarkBuildSampleTables(b *testing.B) {
	data := loadTestFile(b)
	moov := mp4test.Tree(b, data, mp4.TypeMoov)
	mvhd := moov.Leaf(mp4.TypeMvhd)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		for _, trak := range moov.ContainersOf(mp4.TypeTrak) {
			t, err := track.Build(trak, mvhd, track.Options{Duration: track.DurationUnknown})
			if err != nil {
				b.Fatal(err)
			}
			if t == nil {
				continue
			}
			stbl := trak.Container(mp4.TypeMdia).Container(mp4.TypeMinf).Container(mp4.TypeStbl)
			if _, err := track.BuildSampleTable(t, stbl, track.GaplessInfo{}, nil); err != nil {
				b.Fatal(err)
			}
		}
	}
}

func BenchmarkDemux(b *testing.B) {
	data := loadTestFile(b)
	b.SetBytes(int64(len(data)))

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		in := input.NewBuffer(data)
		ex, err := demux.New(in, demux.Config{})
		if err != nil {
			b.Fatal(err)
		}
		if err := demux.Run(context.Background(), ex, in, &demux.Collector{DiscardData: true}); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkSampleSizeBox(b *testing.B) {
	sizes := make([]uint32, 10000)
	for i := range sizes {
		sizes[i] = uint32(1000 + i%500)
	}
	l := mp4test.Leaf(b, mp4test.Box("stsz", mp4.EncodeStsz(0, sizes)))

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		box, err := mp4.NewSampleSizeBox(l)
		if err != nil {
			b.Fatal(err)
		}
		for j, n := 0, box.SampleCount(); j < n; j++ {
			_ = box.NextSampleSize()
		}
	}
}
