package demux

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/tetsuo/isodemux"
	"github.com/tetsuo/isodemux/track"
)

// maxInputSizePadding is added to the largest sample size, leaving room
// for start codes longer than the length prefixes they replace.
const maxInputSizePadding = 30

var brandQuickTime = mp4.BoxType{'q', 't', ' ', ' '}

type readerTrack struct {
	table       *track.SampleTable
	out         TrackOutput
	sampleIndex int
	writer      sampleWriter
}

// Reader demuxes unfragmented MP4, whose moov indexes every sample. Once
// moov is read it is also the stream's SeekMap.
type Reader struct {
	cfg   Config
	log   *slog.Logger
	out   Output
	boxes *mp4.BoxReader

	quickTime  bool
	tracks     []*readerTrack
	haveTracks bool
	// primary is the index of the first video track, or -1.
	primary    int
	durationUs int64

	// current is the index of the track whose sample is being read, or -1.
	current int
	writing bool
	timeUs  int64
}

var _ SeekMap = (*Reader)(nil)

// NewReader returns a reader for unfragmented streams.
func NewReader(cfg Config) *Reader {
	return &Reader{
		cfg:        cfg,
		log:        cfg.logger(),
		boxes:      mp4.NewBoxReader(nil),
		primary:    -1,
		current:    -1,
		durationUs: track.DurationUnknown,
	}
}

func (r *Reader) Init(out Output) { r.out = out }

// Seek moves every track to its sync sample at or before timeUs, or the
// first one after it. Before moov is read, pos must be 0.
func (r *Reader) Seek(pos, timeUs int64) {
	r.current = -1
	r.writing = false
	if !r.haveTracks {
		if pos != 0 {
			r.log.Warn("seek before moov", "position", pos)
		}
		r.boxes.Reset()
		return
	}
	for _, t := range r.tracks {
		t.sampleIndex = syncSampleIndex(t.table, timeUs)
		if t.sampleIndex < 0 {
			t.sampleIndex = 0
		}
	}
}

// Read reads boxes until moov is complete, then outputs one sample per call.
func (r *Reader) Read(in mp4.Input) (Result, int64, error) {
	for !r.haveTracks {
		ev, err := r.boxes.Next(in)
		if err != nil {
			return ResultContinue, 0, err
		}
		switch ev.Kind {
		case mp4.EventNeedMoreData:
			return ResultNeedMoreData, 0, nil
		case mp4.EventEndOfInput:
			return ResultEndOfInput, 0, nil
		}
		if ev.Depth != 0 {
			continue
		}
		switch ev.Kind {
		case mp4.EventLeaf:
			if ev.Header.Type == mp4.TypeFtyp {
				ftyp, err := mp4.ParseFtyp(ev.Leaf.Data())
				if err != nil {
					return ResultContinue, 0, err
				}
				r.quickTime = ftyp.MajorBrand == brandQuickTime
			}
		case mp4.EventContainerClose:
			if ev.Header.Type == mp4.TypeMoov {
				if err := r.onMoov(ev.Container); err != nil {
					return ResultContinue, 0, err
				}
			}
		case mp4.EventOpaque:
			if n := ev.Header.PayloadSize(); n >= r.cfg.reloadSeekDistance() {
				r.boxes.Claim()
				return ResultSeek, ev.Header.End(), nil
			}
		}
	}
	return r.readSample(in)
}

func (r *Reader) onMoov(moov *mp4.Container) error {
	mvhd := moov.Leaf(mp4.TypeMvhd)
	gapless := track.ParseGapless(moov.Leaf(mp4.TypeUdta))
	opts := track.Options{
		Duration:        track.DurationUnknown,
		IgnoreEditLists: r.cfg.IgnoreEditLists,
		QuickTime:       r.quickTime,
		Logger:          r.log,
	}
	for _, trak := range moov.ContainersOf(mp4.TypeTrak) {
		t, err := track.Build(trak, mvhd, opts)
		if err != nil {
			return err
		}
		if t == nil {
			continue
		}
		stbl := trak.Container(mp4.TypeMdia).Container(mp4.TypeMinf).Container(mp4.TypeStbl)
		table, err := track.BuildSampleTable(t, stbl, gapless, r.log)
		if err != nil {
			return err
		}
		if table.SampleCount() == 0 {
			continue
		}

		t = table.Track
		durationUs := t.DurationUs
		if durationUs == track.DurationUnknown {
			durationUs = table.DurationUs
		}
		f := t.Format
		f.MaxInputSize = table.MaximumSize + maxInputSizePadding
		if t.Kind == track.TrackVideo && durationUs > 0 {
			f.FrameRate = float64(table.SampleCount()) / (float64(durationUs) / 1e6)
		}

		rt := &readerTrack{table: table, out: r.out.Track(len(r.tracks), t.Kind)}
		rt.writer = sampleWriter{out: rt.out, nalLengthSize: t.NALLengthSize, mime: f.SampleMimeType}
		rt.out.Format(f)
		if t.Kind == track.TrackVideo && r.primary < 0 {
			r.primary = len(r.tracks)
		}
		r.tracks = append(r.tracks, rt)
		r.durationUs = max(r.durationUs, durationUs)
	}
	r.haveTracks = true
	r.out.EndTracks()
	r.out.SeekMap(r)
	return nil
}

// nextTrack returns the index of the track whose next sample has the
// smallest offset, or -1 when every track is done.
func (r *Reader) nextTrack() int {
	next := -1
	var nextOffset int64
	for i, t := range r.tracks {
		if t.sampleIndex >= t.table.SampleCount() {
			continue
		}
		off := t.table.Offsets[t.sampleIndex]
		if next < 0 || off < nextOffset {
			next, nextOffset = i, off
		}
	}
	return next
}

func (r *Reader) readSample(in mp4.Input) (Result, int64, error) {
	if r.current < 0 {
		r.current = r.nextTrack()
		if r.current < 0 {
			return ResultEndOfInput, 0, nil
		}
	}
	t := r.tracks[r.current]
	i := t.sampleIndex
	if !r.writing {
		offset := t.table.Offsets[i]
		gap := offset - in.Position()
		if gap < 0 || gap >= r.cfg.reloadSeekDistance() {
			return ResultSeek, offset, nil
		}
		size := t.table.Sizes[i]
		if t.table.Track.Transformation == track.TransformCEA608 {
			offset += 8
			size -= 8
		}
		if err := skipTo(in, offset, "sample"); err != nil {
			if errors.Is(err, mp4.ErrNeedMoreData) {
				return ResultNeedMoreData, 0, nil
			}
			return ResultContinue, 0, err
		}
		r.timeUs = r.cfg.adjust(t.table.TimestampsUs[i])
		t.writer.reset(size, 0, r.timeUs)
		r.writing = true
	}
	if err := t.writer.write(in); err != nil {
		if errors.Is(err, mp4.ErrNeedMoreData) {
			return ResultNeedMoreData, 0, nil
		}
		return ResultContinue, 0, fmt.Errorf("track %d sample %d: %w", t.table.Track.ID, i, err)
	}
	var flags SampleFlags
	if t.table.Flags[i]&track.SampleSync != 0 {
		flags |= FlagSync
	}
	t.out.SampleMetadata(SampleMeta{TimeUs: r.timeUs, Flags: flags, Size: t.writer.written})
	t.sampleIndex++
	r.current = -1
	r.writing = false
	return ResultContinue, 0, nil
}

// Tracks returns the sample tables of the output tracks, in output order.
func (r *Reader) Tracks() []*track.SampleTable {
	out := make([]*track.SampleTable, len(r.tracks))
	for i, t := range r.tracks {
		out[i] = t.table
	}
	return out
}

func (r *Reader) Seekable() bool { return true }

func (r *Reader) DurationUs() int64 { return r.durationUs }

// SeekPoints returns the sync sample of the first video track at or before
// timeUs, or after it if there is none, with the smallest offset any track
// needs to resume from that time. If no track has a sync sample to resume
// from, the point is the start of the stream: Read skips or seeks from there
// to the first pending sample.
func (r *Reader) SeekPoints(timeUs int64) SeekPoint {
	if len(r.tracks) == 0 {
		return SeekPoint{}
	}
	p := SeekPoint{TimeUs: timeUs, Position: -1}
	if r.primary >= 0 {
		table := r.tracks[r.primary].table
		i := syncSampleIndex(table, timeUs)
		if i < 0 {
			return SeekPoint{}
		}
		p = SeekPoint{TimeUs: table.TimestampsUs[i], Position: table.Offsets[i]}
	}
	for j, t := range r.tracks {
		if j == r.primary {
			continue
		}
		if i := syncSampleIndex(t.table, p.TimeUs); i >= 0 {
			if off := t.table.Offsets[i]; p.Position < 0 || off < p.Position {
				p.Position = off
			}
		}
	}
	p.Position = max(p.Position, 0)
	return p
}

// syncSampleIndex returns the sync sample at or before timeUs, else the
// first one after it, else -1.
func syncSampleIndex(t *track.SampleTable, timeUs int64) int {
	if i := t.IndexOfEarlierOrEqualSyncSample(timeUs); i >= 0 {
		return i
	}
	return t.IndexOfLaterOrEqualSyncSample(timeUs)
}
