package demux

import (
	"cmp"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"

	"github.com/tetsuo/isodemux"
	"github.com/tetsuo/isodemux/track"
)

type fragState uint8

const (
	// stateReadingBoxes hands input to the BoxReader until an mdat starts.
	stateReadingBoxes fragState = iota
	// stateReadingEncryptionData reads auxiliary encryption data that
	// precedes the samples of the current mdat.
	stateReadingEncryptionData
	stateReadingSampleStart
	stateReadingSampleContinue
)

// errSampleDone ends a Read call after a sample was output.
var errSampleDone = errors.New("sample done")

// FragmentedReader demuxes fragmented MP4: a moov declaring the tracks,
// followed by moof and mdat pairs.
type FragmentedReader struct {
	cfg   Config
	log   *slog.Logger
	out   Output
	boxes *mp4.BoxReader
	state fragState

	// bundles is ordered by track id.
	bundles    []*trackBundle
	emsgOut    TrackOutput
	captionOut TrackOutput

	durationUs        int64
	haveSeekMap       bool
	pendingSeekTimeUs int64
	// earliestUs is the earliest presentation time of the last sidx.
	earliestUs int64

	pendingMeta      []pendingMetadata
	pendingMetaBytes int

	// endOfMdat is the end of the current mdat, or mp4.LengthUnknown.
	endOfMdat int64
	// current is the bundle whose sample is being read.
	current *trackBundle
	// sampleStart is where the current sample's data begins.
	sampleStart int64
	sampleTimeUs int64
	sampleCrypto *CryptoData
}

// NewFragmentedReader returns a reader for fragmented streams.
func NewFragmentedReader(cfg Config) *FragmentedReader {
	return &FragmentedReader{
		cfg:               cfg,
		log:               cfg.logger(),
		boxes:             mp4.NewBoxReader(nil),
		durationUs:        track.DurationUnknown,
		pendingSeekTimeUs: timeUnset,
		earliestUs:        timeUnset,
	}
}

// Init declares the event message and caption tracks if enabled, and the
// sideloaded track if one is configured.
func (r *FragmentedReader) Init(out Output) {
	r.out = out
	id := captionTrackIDBase
	if r.cfg.EmsgTrack {
		r.emsgOut = out.Track(id, track.TrackMetadata)
		r.emsgOut.Format(emsgFormat())
		id++
	}
	if r.cfg.CEA608Track {
		r.captionOut = out.Track(id, track.TrackText)
		r.captionOut.Format(captionFormat(id))
	}
	if t := r.cfg.SideloadedTrack; t != nil {
		b := r.newBundle(t, out.Track(0, t.Kind), defaultSampleValues{descriptionIndex: 1})
		r.bundles = append(r.bundles, b)
		r.durationUs = t.DurationUs
		out.EndTracks()
	}
}

func (r *FragmentedReader) newBundle(t *track.Track, out TrackOutput, d defaultSampleValues) *trackBundle {
	b := newTrackBundle(t, out, d)
	b.writer.captions = r.captionOut
	return b
}

// Seek restarts reading at pos, a moof or segment boundary. Samples before
// the last sync sample at or before timeUs in the next fragment are dropped.
func (r *FragmentedReader) Seek(pos, timeUs int64) {
	for _, b := range r.bundles {
		b.resetFragmentInfo()
	}
	r.pendingMeta = r.pendingMeta[:0]
	r.pendingMetaBytes = 0
	r.pendingSeekTimeUs = timeUs
	r.boxes.Reset()
	r.state = stateReadingBoxes
	r.current = nil
}

// Read makes progress until a sample is output or no progress can be made.
func (r *FragmentedReader) Read(in mp4.Input) (Result, int64, error) {
	for {
		var err error
		switch r.state {
		case stateReadingBoxes:
			var res Result
			res, err = r.readBox(in)
			if err == nil && res != ResultContinue {
				return res, 0, nil
			}
		case stateReadingEncryptionData:
			err = r.readEncryptionData(in)
		case stateReadingSampleStart:
			err = r.readSampleStart(in)
		case stateReadingSampleContinue:
			err = r.readSampleContinue(in)
		}
		switch {
		case err == nil:
		case errors.Is(err, errSampleDone):
			return ResultContinue, 0, nil
		case errors.Is(err, mp4.ErrNeedMoreData):
			return ResultNeedMoreData, 0, nil
		default:
			return ResultContinue, 0, err
		}
	}
}

func (r *FragmentedReader) readBox(in mp4.Input) (Result, error) {
	ev, err := r.boxes.Next(in)
	if err != nil {
		return ResultContinue, err
	}
	switch ev.Kind {
	case mp4.EventNeedMoreData:
		return ResultNeedMoreData, nil
	case mp4.EventEndOfInput:
		return ResultEndOfInput, nil
	}
	if ev.Depth != 0 {
		return ResultContinue, nil
	}

	switch ev.Kind {
	case mp4.EventContainerOpen:
		if ev.Header.Type == mp4.TypeMoof {
			r.outputSeekMapOnce()
			for _, b := range r.bundles {
				f := &b.fragment
				f.atomPosition = ev.Header.Position
				f.dataPosition = ev.Header.Position
				f.auxiliaryDataPosition = ev.Header.Position
			}
		}
	case mp4.EventContainerClose:
		switch ev.Header.Type {
		case mp4.TypeMoov:
			err = r.onMoov(ev.Container)
		case mp4.TypeMoof:
			err = r.onMoof(ev.Container)
		}
	case mp4.EventLeaf:
		switch ev.Header.Type {
		case mp4.TypeSidx:
			earliest, idx, err := parseSidx(ev.Leaf, ev.Header.End())
			if err != nil {
				return ResultContinue, err
			}
			r.earliestUs = earliest
			r.out.SeekMap(idx)
			r.haveSeekMap = true
		case mp4.TypeEmsg:
			err = r.onEmsg(ev.Leaf)
		}
	case mp4.EventOpaque:
		if ev.Header.Type == mp4.TypeMdat {
			r.outputSeekMapOnce()
			r.boxes.Claim()
			r.current = nil
			r.endOfMdat = ev.Header.End()
			r.state = stateReadingEncryptionData
		}
	}
	return ResultContinue, err
}

func (r *FragmentedReader) outputSeekMapOnce() {
	if !r.haveSeekMap {
		r.out.SeekMap(Unseekable{Duration: r.durationUs})
		r.haveSeekMap = true
	}
}

func (r *FragmentedReader) onMoov(moov *mp4.Container) error {
	if r.cfg.SideloadedTrack != nil {
		r.log.Debug("ignoring moov with a sideloaded track")
		return nil
	}
	mvex := moov.Container(mp4.TypeMvex)
	if mvex == nil {
		return fmt.Errorf("%w: mvex", track.ErrMissingBox)
	}
	defaults := map[uint32]defaultSampleValues{}
	for _, l := range mvex.LeavesOf(mp4.TypeTrex) {
		trex, err := mp4.ParseTrex(l)
		if err != nil {
			return err
		}
		defaults[trex.TrackID] = defaultSampleValues{
			descriptionIndex: trex.SampleDescriptionIndex,
			duration:         trex.SampleDuration,
			size:             trex.SampleSize,
			flags:            trex.SampleFlags,
		}
	}
	duration := track.DurationUnknown
	if mehd := mvex.Leaf(mp4.TypeMehd); mehd != nil {
		d, err := mp4.ParseMehd(mehd)
		if err != nil {
			return err
		}
		duration = int64(d)
	}

	opts := track.Options{
		Duration:        duration,
		DRMInitData:     track.ParsePssh(moov.LeavesOf(mp4.TypePssh)),
		IgnoreEditLists: r.cfg.IgnoreEditLists,
		Logger:          r.log,
	}
	mvhd := moov.Leaf(mp4.TypeMvhd)
	var tracks []*track.Track
	for _, trak := range moov.ContainersOf(mp4.TypeTrak) {
		t, err := track.Build(trak, mvhd, opts)
		if err != nil {
			return err
		}
		if t != nil {
			tracks = append(tracks, t)
		}
	}

	defaultsOf := func(id uint32) (defaultSampleValues, error) {
		if len(defaults) == 1 {
			for _, d := range defaults {
				return d, nil
			}
		}
		d, ok := defaults[id]
		if !ok {
			return d, fmt.Errorf("track %d: %w: trex", id, track.ErrMissingBox)
		}
		return d, nil
	}

	if len(r.bundles) == 0 {
		for i, t := range tracks {
			d, err := defaultsOf(t.ID)
			if err != nil {
				return err
			}
			r.bundles = append(r.bundles, r.newBundle(t, r.out.Track(i, t.Kind), d))
			r.durationUs = max(r.durationUs, t.DurationUs)
		}
		slices.SortStableFunc(r.bundles, func(a, b *trackBundle) int {
			return cmp.Compare(a.track.ID, b.track.ID)
		})
		r.out.EndTracks()
		return nil
	}

	if len(tracks) != len(r.bundles) {
		return fmt.Errorf("%w: moov declares %d tracks, previously %d", mp4.ErrMalformed, len(tracks), len(r.bundles))
	}
	for _, t := range tracks {
		var b *trackBundle
		for _, c := range r.bundles {
			if c.track.ID == t.ID {
				b = c
			}
		}
		if b == nil {
			return fmt.Errorf("%w: moov declares unknown track %d", mp4.ErrMalformed, t.ID)
		}
		d, err := defaultsOf(t.ID)
		if err != nil {
			return err
		}
		b.reset(t, d)
	}
	return nil
}

func (r *FragmentedReader) onMoof(moof *mp4.Container) error {
	for _, traf := range moof.ContainersOf(mp4.TypeTraf) {
		if err := parseTraf(traf, r.bundles, &r.cfg); err != nil {
			return err
		}
	}
	if r.cfg.SideloadedTrack == nil {
		if drm := track.ParsePssh(moof.LeavesOf(mp4.TypePssh)); drm != nil {
			for _, b := range r.bundles {
				b.updateDRMInitData(drm)
			}
		}
	}
	if r.pendingSeekTimeUs != timeUnset {
		for _, b := range r.bundles {
			b.seek(r.pendingSeekTimeUs)
		}
		r.pendingSeekTimeUs = timeUnset
	}
	return nil
}

func (r *FragmentedReader) onEmsg(l *mp4.Leaf) error {
	if r.emsgOut == nil {
		return nil
	}
	ev, ok, err := parseEmsg(l, r.earliestUs)
	if err != nil {
		return err
	}
	if !ok {
		r.log.Warn("skipping emsg with unsupported version", "version", l.Version())
		return nil
	}
	data := ev.msg.Encode()
	r.emsgOut.SampleData(data)
	switch {
	case ev.timeUs == timeUnset:
		r.pendingMeta = append(r.pendingMeta, pendingMetadata{timeUs: ev.deltaUs, relative: true, size: len(data)})
		r.pendingMetaBytes += len(data)
	case len(r.pendingMeta) > 0:
		r.pendingMeta = append(r.pendingMeta, pendingMetadata{timeUs: ev.timeUs, size: len(data)})
		r.pendingMetaBytes += len(data)
	default:
		r.emsgOut.SampleMetadata(SampleMeta{TimeUs: r.cfg.adjust(ev.timeUs), Flags: FlagSync, Size: len(data)})
	}
	return nil
}

// outputPendingMetadata times the event messages waiting for a media sample.
func (r *FragmentedReader) outputPendingMetadata(sampleTimeUs int64) {
	for _, p := range r.pendingMeta {
		r.pendingMetaBytes -= p.size
		t := r.cfg.adjust(p.timeUs)
		if p.relative {
			t = sampleTimeUs + p.timeUs
		}
		r.emsgOut.SampleMetadata(SampleMeta{TimeUs: t, Flags: FlagSync, Size: p.size, Offset: r.pendingMetaBytes})
	}
	r.pendingMeta = r.pendingMeta[:0]
}

func (r *FragmentedReader) readEncryptionData(in mp4.Input) error {
	var next *trackBundle
	for _, b := range r.bundles {
		f := &b.fragment
		if f.encryptionNeedsFill && (next == nil || f.auxiliaryDataPosition < next.fragment.auxiliaryDataPosition) {
			next = b
		}
	}
	if next == nil {
		r.state = stateReadingSampleStart
		return nil
	}
	if err := skipTo(in, next.fragment.auxiliaryDataPosition, "encryption data"); err != nil {
		return err
	}
	return next.fragment.fillEncryptionData(in)
}

// skipTo skips forward to pos. It fails if pos is behind the input.
func skipTo(in mp4.Input, pos int64, what string) error {
	gap := pos - in.Position()
	if gap < 0 {
		return fmt.Errorf("%w: %s at %d is %d bytes behind the input", mp4.ErrMalformed, what, pos, -gap)
	}
	rem, err := mp4.SkipFull(in, gap)
	if err != nil {
		return err
	}
	if rem > 0 {
		return mp4.ErrNeedMoreData
	}
	return nil
}

// nextBundle returns the bundle whose next sample has the smallest offset.
func (r *FragmentedReader) nextBundle() *trackBundle {
	var next *trackBundle
	for _, b := range r.bundles {
		if b.finished() {
			continue
		}
		if next == nil || b.currentSampleOffset() < next.currentSampleOffset() {
			next = b
		}
	}
	return next
}

func (r *FragmentedReader) readSampleStart(in mp4.Input) error {
	if r.current == nil {
		b := r.nextBundle()
		if b == nil {
			return r.finishMdat(in)
		}
		r.sampleStart = b.currentSampleOffset()
		if gap := r.sampleStart - in.Position(); gap < 0 {
			r.log.Warn("ignoring negative offset to sample data", "track", b.track.ID, "offset", gap)
			r.sampleStart = in.Position()
		}
		r.current = b
	}
	b := r.current
	size := b.currentSampleSize()

	if b.currentSampleIndex < b.firstSampleToOutputIndex {
		if err := skipTo(in, r.sampleStart+int64(size), "sample"); err != nil {
			return err
		}
		if err := b.skipEncryptionData(); err != nil {
			return err
		}
		r.advance(b)
		return nil
	}

	dataStart := r.sampleStart
	if b.track.Transformation == track.TransformCEA608 {
		dataStart += 8
		size -= 8
	}
	if err := skipTo(in, dataStart, "sample"); err != nil {
		return err
	}

	r.sampleTimeUs = r.cfg.adjust(b.fragment.presentationTimeUs(b.currentSampleIndex))
	prefix, crypto, err := b.outputEncryptionData()
	if err != nil {
		return err
	}
	r.sampleCrypto = crypto
	b.writer.reset(size, prefix, r.sampleTimeUs)
	r.state = stateReadingSampleContinue
	return nil
}

func (r *FragmentedReader) readSampleContinue(in mp4.Input) error {
	b := r.current
	if err := b.writer.write(in); err != nil {
		return err
	}
	b.out.SampleMetadata(SampleMeta{
		TimeUs: r.sampleTimeUs,
		Flags:  b.currentSampleFlags(),
		Size:   b.writer.written,
		Crypto: r.sampleCrypto,
	})
	if r.emsgOut != nil {
		r.outputPendingMetadata(r.sampleTimeUs)
	}
	r.sampleCrypto = nil
	r.advance(b)
	return errSampleDone
}

func (r *FragmentedReader) advance(b *trackBundle) {
	r.sampleStart += int64(b.currentSampleSize())
	if !b.next() {
		r.current = nil
	}
	r.state = stateReadingSampleStart
}

// finishMdat skips what is left of the mdat once every run is consumed.
func (r *FragmentedReader) finishMdat(in mp4.Input) error {
	if r.endOfMdat == mp4.LengthUnknown {
		if _, err := in.Skip(in.Available()); err != nil && err != io.EOF {
			return err
		}
		if l := in.Length(); l == mp4.LengthUnknown || in.Position() < l {
			return mp4.ErrNeedMoreData
		}
	} else if err := skipTo(in, r.endOfMdat, "mdat end"); err != nil {
		return err
	}
	r.state = stateReadingBoxes
	return nil
}
