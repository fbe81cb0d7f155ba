package track

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/tetsuo/isodemux"
)

// TrackKind distinguishes the media kinds a Track can carry.
type TrackKind int

const (
	TrackUnknown TrackKind = iota
	TrackVideo
	TrackAudio
	TrackText
	TrackMetadata
)

func (k TrackKind) String() string {
	switch k {
	case TrackVideo:
		return "video"
	case TrackAudio:
		return "audio"
	case TrackText:
		return "text"
	case TrackMetadata:
		return "metadata"
	}
	return "unknown"
}

// Transformation is a rewrite applied to every sample of a track before output.
type Transformation int

const (
	TransformNone Transformation = iota
	// TransformCEA608 strips the 8-byte box wrapper around c608 samples.
	TransformCEA608
)

// DurationUnknown marks a duration that the file does not declare.
const DurationUnknown int64 = -1

var (
	ErrNoSampleSize   = errors.New("no sample size box")
	ErrNoChunkOffsets = errors.New("no chunk offset box")
	ErrMissingBox     = errors.New("mandatory box missing")
	ErrNoSyncSample   = errors.New("edited sample sequence has no sync sample")
)

// EditList maps track media time to presentation time. Durations are in the
// movie timescale, MediaTimes in the track timescale; a media time of -1
// marks an empty edit.
type EditList struct {
	Durations  []int64
	MediaTimes []int64
}

// Track is the immutable description of one elementary stream.
type Track struct {
	ID             uint32
	Kind           TrackKind
	Timescale      uint32
	MovieTimescale uint32
	DurationUs     int64

	Format         Format
	Transformation Transformation
	// NALLengthSize is the width of NAL unit length prefixes, or 0 for
	// codecs whose samples are not length-delimited NAL units.
	NALLengthSize int
	EditList      *EditList

	// encryptionBoxes is indexed by sample description index minus one.
	encryptionBoxes []*TrackEncryptionBox
}

// EncryptionBox returns the encryption parameters of the 1-based sample
// description index, or nil if that description is not encrypted.
func (t *Track) EncryptionBox(sampleDescriptionIndex uint32) *TrackEncryptionBox {
	i := int(sampleDescriptionIndex) - 1
	if i < 0 || i >= len(t.encryptionBoxes) {
		return nil
	}
	return t.encryptionBoxes[i]
}

// WithFormat returns a copy of t with its format replaced.
func (t *Track) WithFormat(f Format) *Track {
	c := *t
	c.Format = f
	return &c
}

// FindTrack returns the track with the given ID, or nil.
func FindTrack(tracks []*Track, id uint32) *Track {
	for _, t := range tracks {
		if t.ID == id {
			return t
		}
	}
	return nil
}

var (
	htVide = [4]byte{'v', 'i', 'd', 'e'}
	htSoun = [4]byte{'s', 'o', 'u', 'n'}
	htText = [4]byte{'t', 'e', 'x', 't'}
	htSbtl = [4]byte{'s', 'b', 't', 'l'}
	htSubt = [4]byte{'s', 'u', 'b', 't'}
	htClcp = [4]byte{'c', 'l', 'c', 'p'}
	htMeta = [4]byte{'m', 'e', 't', 'a'}
)

func kindOfHandler(h mp4.BoxType) TrackKind {
	switch h {
	case htVide:
		return TrackVideo
	case htSoun:
		return TrackAudio
	case htText, htSbtl, htSubt, htClcp:
		return TrackText
	case htMeta:
		return TrackMetadata
	}
	return TrackUnknown
}

// Options carries what Build needs from outside the trak box.
type Options struct {
	// Duration is the container duration in the movie timescale, used when
	// tkhd does not declare one. DurationUnknown if not known.
	Duration        int64
	DRMInitData     *DRMInitData
	IgnoreEditLists bool
	// QuickTime selects QuickTime sound description layouts.
	QuickTime bool
	Logger    *slog.Logger
}

func (o Options) logger() *slog.Logger {
	if o.Logger != nil {
		return o.Logger
	}
	return slog.Default()
}

// Build interprets a trak container. It returns a nil Track without error
// when the handler kind is unsupported or no sample description could be
// understood.
func Build(trak *mp4.Container, mvhd *mp4.Leaf, opts Options) (*Track, error) {
	mdia := trak.Container(mp4.TypeMdia)
	if mdia == nil {
		return nil, fmt.Errorf("%w: mdia", ErrMissingBox)
	}
	hdlr := mdia.Leaf(mp4.TypeHdlr)
	if hdlr == nil {
		return nil, fmt.Errorf("%w: hdlr", ErrMissingBox)
	}
	handler, err := mp4.ParseHdlr(hdlr)
	if err != nil {
		return nil, err
	}
	kind := kindOfHandler(handler)
	if kind == TrackUnknown {
		return nil, nil
	}

	tkhdLeaf := trak.Leaf(mp4.TypeTkhd)
	if tkhdLeaf == nil {
		return nil, fmt.Errorf("%w: tkhd", ErrMissingBox)
	}
	tkhd, err := mp4.ParseTkhd(tkhdLeaf)
	if err != nil {
		return nil, err
	}
	if mvhd == nil {
		return nil, fmt.Errorf("track %d: %w: mvhd", tkhd.TrackID, ErrMissingBox)
	}
	movie, err := mp4.ParseMvhd(mvhd)
	if err != nil {
		return nil, err
	}
	if movie.Timescale == 0 {
		return nil, fmt.Errorf("track %d: %w: zero movie timescale", tkhd.TrackID, mp4.ErrMalformed)
	}

	duration := DurationUnknown
	if !tkhd.DurationUnknown {
		duration = int64(tkhd.Duration)
	} else if opts.Duration >= 0 {
		duration = opts.Duration
	}
	durationUs := DurationUnknown
	if duration >= 0 {
		durationUs = Scale(duration, 1_000_000, int64(movie.Timescale))
	}

	mdhdLeaf := mdia.Leaf(mp4.TypeMdhd)
	if mdhdLeaf == nil {
		return nil, fmt.Errorf("track %d: %w: mdhd", tkhd.TrackID, ErrMissingBox)
	}
	mdhd, err := mp4.ParseMdhd(mdhdLeaf)
	if err != nil {
		return nil, err
	}
	if mdhd.Timescale == 0 {
		return nil, fmt.Errorf("track %d: %w: zero media timescale", tkhd.TrackID, mp4.ErrMalformed)
	}

	minf := mdia.Container(mp4.TypeMinf)
	if minf == nil {
		return nil, fmt.Errorf("track %d: %w: minf", tkhd.TrackID, ErrMissingBox)
	}
	stbl := minf.Container(mp4.TypeStbl)
	if stbl == nil {
		return nil, fmt.Errorf("track %d: %w: stbl", tkhd.TrackID, ErrMissingBox)
	}
	stsd := stbl.Leaf(mp4.TypeStsd)
	if stsd == nil {
		return nil, fmt.Errorf("track %d: %w: stsd", tkhd.TrackID, ErrMissingBox)
	}

	sd, err := parseStsd(stsd.Data(), stsdParams{
		trackID:   tkhd.TrackID,
		rotation:  tkhd.Rotation(),
		language:  mdhd.Language,
		drm:       opts.DRMInitData,
		quickTime: opts.QuickTime,
		logger:    opts.logger(),
	})
	if err != nil {
		return nil, fmt.Errorf("track %d: %w", tkhd.TrackID, err)
	}
	if sd.format == nil {
		opts.logger().Debug("no supported sample description", "track", tkhd.TrackID)
		return nil, nil
	}

	var edits *EditList
	if !opts.IgnoreEditLists {
		if edts := trak.Container(mp4.TypeEdts); edts != nil {
			if elst := edts.Leaf(mp4.TypeElst); elst != nil {
				edits, err = parseElst(elst)
				if err != nil {
					return nil, fmt.Errorf("track %d: %w", tkhd.TrackID, err)
				}
			}
		}
	}

	return &Track{
		ID:              tkhd.TrackID,
		Kind:            kind,
		Timescale:       mdhd.Timescale,
		MovieTimescale:  movie.Timescale,
		DurationUs:      durationUs,
		Format:          *sd.format,
		Transformation:  sd.transformation,
		NALLengthSize:   sd.nalLengthSize,
		EditList:        edits,
		encryptionBoxes: sd.encryptionBoxes,
	}, nil
}

// parseElst reads an elst leaf, rejecting any entry whose rate is not 1.
func parseElst(l *mp4.Leaf) (*EditList, error) {
	it := mp4.NewElstIter(l.Data(), l.Version())
	n := int(it.Count())
	edits := &EditList{
		Durations:  make([]int64, 0, min(n, 1024)),
		MediaTimes: make([]int64, 0, min(n, 1024)),
	}
	for i := 0; i < n; i++ {
		e, ok := it.Next()
		if !ok {
			return nil, fmt.Errorf("%w: elst truncated at entry %d of %d", mp4.ErrMalformed, i, n)
		}
		if e.Rate != 1<<16 {
			return nil, fmt.Errorf("%w: dwell edit (rate %#x)", mp4.ErrUnsupported, e.Rate)
		}
		edits.Durations = append(edits.Durations, int64(e.Duration))
		edits.MediaTimes = append(edits.MediaTimes, e.MediaTime)
	}
	return edits, nil
}
