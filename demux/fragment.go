package demux

import (
	"bytes"
	"fmt"

	"github.com/google/uuid"

	"github.com/tetsuo/isodemux"
	"github.com/tetsuo/isodemux/track"
)

// piffSampleEncryption is the extended type of the PIFF sample encryption box.
var piffSampleEncryption = uuid.MustParse("a2394f52-5a9b-4f14-a244-6c427c648df4")

var typeSeig = mp4.BoxType{'s', 'e', 'i', 'g'}

// sampleIsNonSync is the sample_is_non_sync_sample bit of sample flags.
const sampleIsNonSync = 0x10000

// Senc flags.
const (
	sencOverrideTrackEncryptionBox = 0x1
	sencUseSubsampleEncryption     = 0x2
)

// defaultSampleValues is one level of the trex, tfhd and trun inheritance
// chain. The description index is 1-based.
type defaultSampleValues struct {
	descriptionIndex uint32
	duration         uint32
	size             uint32
	flags            uint32
}

// trackFragment is the per-track state of the current moof. It is reset at
// the start of each traf for its track and reused across fragments.
type trackFragment struct {
	header defaultSampleValues

	atomPosition          int64
	dataPosition          int64
	auxiliaryDataPosition int64

	trunCount        int
	sampleCount      int
	trunLength       []int
	trunDataPosition []int64

	sampleSize                []int
	sampleCompositionOffsetUs []int64
	sampleDecodeTimeUs        []int64
	sampleIsSync              []bool

	sampleHasSubsamples []bool
	// encryptionBox overrides the track's box for this fragment.
	encryptionBox *track.TrackEncryptionBox

	// encryptionData holds the per-sample IVs and subsample tables, read
	// from senc or from the input at auxiliaryDataPosition.
	encryptionData      []byte
	encryptionDataPos   int
	encryptionNeedsFill bool

	// nextFragmentDecodeTime is the decode time, in the track timescale,
	// following the last sample of this fragment.
	nextFragmentDecodeTime int64
}

func (f *trackFragment) reset() {
	f.trunCount = 0
	f.sampleCount = 0
	f.encryptionNeedsFill = false
	f.encryptionBox = nil
	f.encryptionData = f.encryptionData[:0]
	f.encryptionDataPos = 0
}

// initTables sizes the run and sample tables, reusing their storage.
func (f *trackFragment) initTables(trunCount, sampleCount int) {
	f.trunCount = trunCount
	f.sampleCount = sampleCount
	f.trunLength = resize(f.trunLength, trunCount)
	f.trunDataPosition = resize(f.trunDataPosition, trunCount)
	f.sampleSize = resize(f.sampleSize, sampleCount)
	f.sampleCompositionOffsetUs = resize(f.sampleCompositionOffsetUs, sampleCount)
	f.sampleDecodeTimeUs = resize(f.sampleDecodeTimeUs, sampleCount)
	f.sampleIsSync = resize(f.sampleIsSync, sampleCount)
	f.sampleHasSubsamples = resize(f.sampleHasSubsamples, sampleCount)
	clear(f.sampleHasSubsamples)
}

func resize[T any](s []T, n int) []T {
	if cap(s) < n {
		return make([]T, n)
	}
	return s[:n]
}

func (f *trackFragment) initEncryptionData(n int) {
	if cap(f.encryptionData) < n {
		f.encryptionData = make([]byte, n)
	}
	f.encryptionData = f.encryptionData[:n]
	f.encryptionDataPos = 0
	f.encryptionNeedsFill = true
}

// fillEncryptionData reads the auxiliary data from the input.
func (f *trackFragment) fillEncryptionData(in mp4.Input) error {
	if err := mp4.ReadFull(in, f.encryptionData); err != nil {
		return err
	}
	f.encryptionDataPos = 0
	f.encryptionNeedsFill = false
	return nil
}

func (f *trackFragment) presentationTimeUs(i int) int64 {
	return f.sampleDecodeTimeUs[i] + f.sampleCompositionOffsetUs[i]
}

// nextEncryptionBytes consumes n bytes of encryption data.
func (f *trackFragment) nextEncryptionBytes(n int) ([]byte, error) {
	if f.encryptionDataPos+n > len(f.encryptionData) {
		return nil, fmt.Errorf("%w: sample encryption data exhausted", mp4.ErrMalformed)
	}
	p := f.encryptionData[f.encryptionDataPos : f.encryptionDataPos+n]
	f.encryptionDataPos += n
	return p, nil
}

// trackBundle couples a track with its output and fragment state.
type trackBundle struct {
	track    *track.Track
	out      TrackOutput
	defaults defaultSampleValues
	fragment trackFragment

	currentSampleIndex       int
	currentSampleInTrackRun  int
	currentTrackRunIndex     int
	firstSampleToOutputIndex int
	currentlyInFragment      bool

	writer sampleWriter
}

func newTrackBundle(t *track.Track, out TrackOutput, defaults defaultSampleValues) *trackBundle {
	b := &trackBundle{out: out}
	b.reset(t, defaults)
	return b
}

// reset replaces the track, as when moov is read again, and outputs its format.
func (b *trackBundle) reset(t *track.Track, defaults defaultSampleValues) {
	b.track = t
	b.defaults = defaults
	b.writer = sampleWriter{out: b.out, nalLengthSize: t.NALLengthSize, mime: t.Format.SampleMimeType}
	b.out.Format(t.Format)
	b.resetFragmentInfo()
}

func (b *trackBundle) resetFragmentInfo() {
	b.fragment.reset()
	b.currentSampleIndex = 0
	b.currentTrackRunIndex = 0
	b.currentSampleInTrackRun = 0
	b.firstSampleToOutputIndex = 0
	b.currentlyInFragment = false
}

// updateDRMInitData outputs the format again with fragment pssh data.
func (b *trackBundle) updateDRMInitData(drm *track.DRMInitData) {
	scheme := ""
	if box := b.track.EncryptionBox(b.fragment.header.descriptionIndex); box != nil {
		scheme = box.SchemeType
	}
	f := b.track.Format
	f.DRMInitData = drm.WithSchemeType(scheme)
	b.out.Format(f)
}

// seek moves the first output sample to the last sync sample at or before timeUs.
func (b *trackBundle) seek(timeUs int64) {
	for i := b.currentSampleIndex; i < b.fragment.sampleCount && b.fragment.presentationTimeUs(i) <= timeUs; i++ {
		if b.fragment.sampleIsSync[i] {
			b.firstSampleToOutputIndex = i
		}
	}
}

func (b *trackBundle) finished() bool {
	return !b.currentlyInFragment || b.currentTrackRunIndex == b.fragment.trunCount
}

func (b *trackBundle) currentSampleOffset() int64 {
	return b.fragment.trunDataPosition[b.currentTrackRunIndex]
}

func (b *trackBundle) currentSampleSize() int {
	return b.fragment.sampleSize[b.currentSampleIndex]
}

func (b *trackBundle) currentSampleFlags() SampleFlags {
	var f SampleFlags
	if b.fragment.sampleIsSync[b.currentSampleIndex] {
		f |= FlagSync
	}
	if b.encryptionBoxIfEncrypted() != nil {
		f |= FlagEncrypted
	}
	return f
}

// next advances to the next sample and reports whether it is in the same run.
func (b *trackBundle) next() bool {
	b.currentSampleIndex++
	if !b.currentlyInFragment {
		return false
	}
	b.currentSampleInTrackRun++
	if b.currentSampleInTrackRun == b.fragment.trunLength[b.currentTrackRunIndex] {
		b.currentTrackRunIndex++
		b.currentSampleInTrackRun = 0
		return false
	}
	return true
}

func (b *trackBundle) encryptionBoxIfEncrypted() *track.TrackEncryptionBox {
	if !b.currentlyInFragment {
		return nil
	}
	box := b.fragment.encryptionBox
	if box == nil {
		box = b.track.EncryptionBox(b.fragment.header.descriptionIndex)
	}
	if box == nil || !box.IsEncrypted {
		return nil
	}
	return box
}

// outputEncryptionData writes the signal byte, the IV and, when present,
// the subsample table of the current sample. It returns the number of bytes
// written and the sample's crypto data.
func (b *trackBundle) outputEncryptionData() (int, *CryptoData, error) {
	box := b.encryptionBoxIfEncrypted()
	if box == nil {
		return 0, nil, nil
	}
	f := &b.fragment
	var iv []byte
	if box.PerSampleIVSize != 0 {
		p, err := f.nextEncryptionBytes(box.PerSampleIVSize)
		if err != nil {
			return 0, nil, err
		}
		iv = p
	} else {
		iv = box.ConstantIV
	}
	hasSubsamples := f.sampleHasSubsamples[b.currentSampleIndex]

	signal := byte(len(iv))
	if hasSubsamples {
		signal |= 0x80
	}
	b.out.SampleData([]byte{signal})
	b.out.SampleData(iv)

	crypto := &CryptoData{
		Mode:           box.Mode(),
		KeyID:          box.KeyID,
		CryptByteBlock: box.CryptByteBlock,
		SkipByteBlock:  box.SkipByteBlock,
		IV:             append([]byte(nil), iv...),
	}
	if !hasSubsamples {
		return 1 + len(iv), crypto, nil
	}

	countBytes, err := f.nextEncryptionBytes(2)
	if err != nil {
		return 0, nil, err
	}
	count := int(be.Uint16(countBytes))
	entries, err := f.nextEncryptionBytes(6 * count)
	if err != nil {
		return 0, nil, err
	}
	table := make([]byte, 2+6*count)
	copy(table, countBytes)
	copy(table[2:], entries)
	b.out.SampleData(table)

	crypto.Subsamples = make([]Subsample, count)
	for i := 0; i < count; i++ {
		e := table[2+6*i:]
		crypto.Subsamples[i] = Subsample{ClearBytes: int(be.Uint16(e)), EncryptedBytes: int(be.Uint32(e[2:]))}
	}
	return 1 + len(iv) + len(table), crypto, nil
}

// skipEncryptionData consumes the encryption data of a sample that is not output.
func (b *trackBundle) skipEncryptionData() error {
	box := b.encryptionBoxIfEncrypted()
	if box == nil {
		return nil
	}
	f := &b.fragment
	if box.PerSampleIVSize != 0 {
		if _, err := f.nextEncryptionBytes(box.PerSampleIVSize); err != nil {
			return err
		}
	}
	if f.sampleHasSubsamples[b.currentSampleIndex] {
		p, err := f.nextEncryptionBytes(2)
		if err != nil {
			return err
		}
		if _, err := f.nextEncryptionBytes(6 * int(be.Uint16(p))); err != nil {
			return err
		}
	}
	return nil
}

// parseTfhd resolves the bundle of a traf and sets its fragment header. It
// returns nil if the track is unknown.
func parseTfhd(l *mp4.Leaf, bundles []*trackBundle) (*trackBundle, error) {
	tfhd, err := mp4.ParseTfhd(l)
	if err != nil {
		return nil, err
	}
	b := findBundle(bundles, tfhd.TrackID)
	if b == nil {
		return nil, nil
	}
	f := &b.fragment
	if tfhd.Flags&mp4.TfhdBaseDataOffsetPresent != 0 {
		f.dataPosition = int64(tfhd.BaseDataOffset)
		f.auxiliaryDataPosition = int64(tfhd.BaseDataOffset)
	}
	d := b.defaults
	if tfhd.Flags&mp4.TfhdSampleDescriptionIndexPresent != 0 {
		d.descriptionIndex = tfhd.SampleDescriptionIndex
	}
	if tfhd.Flags&mp4.TfhdDefaultSampleDurationPresent != 0 {
		d.duration = tfhd.SampleDuration
	}
	if tfhd.Flags&mp4.TfhdDefaultSampleSizePresent != 0 {
		d.size = tfhd.SampleSize
	}
	if tfhd.Flags&mp4.TfhdDefaultSampleFlagsPresent != 0 {
		d.flags = tfhd.SampleFlags
	}
	f.header = d
	return b, nil
}

// findBundle returns the bundle of a track id. A single bundle matches any id.
func findBundle(bundles []*trackBundle, id uint32) *trackBundle {
	if len(bundles) == 1 {
		return bundles[0]
	}
	for _, b := range bundles {
		if b.track.ID == id {
			return b
		}
	}
	return nil
}

// parseTraf fills the fragment of the bundle that traf belongs to.
func parseTraf(traf *mp4.Container, bundles []*trackBundle, cfg *Config) error {
	tfhd := traf.Leaf(mp4.TypeTfhd)
	if tfhd == nil {
		return fmt.Errorf("%w: tfhd", track.ErrMissingBox)
	}
	b, err := parseTfhd(tfhd, bundles)
	if err != nil || b == nil {
		return err
	}
	f := &b.fragment
	decodeTime := f.nextFragmentDecodeTime
	b.resetFragmentInfo()
	b.currentlyInFragment = true

	if tfdt := traf.Leaf(mp4.TypeTfdt); tfdt != nil && !cfg.IgnoreTfdt {
		t, err := mp4.ParseTfdt(tfdt)
		if err != nil {
			return err
		}
		f.nextFragmentDecodeTime = int64(t)
	} else {
		f.nextFragmentDecodeTime = decodeTime
	}

	if err := parseTruns(traf, b, cfg); err != nil {
		return err
	}

	box := b.track.EncryptionBox(f.header.descriptionIndex)
	if saiz := traf.Leaf(mp4.TypeSaiz); saiz != nil {
		if box == nil {
			return fmt.Errorf("track %d: %w: saiz without sample encryption description", b.track.ID, mp4.ErrMalformed)
		}
		if err := parseSaiz(saiz, box, f); err != nil {
			return err
		}
	}
	if saio := traf.Leaf(mp4.TypeSaio); saio != nil {
		if err := parseSaio(saio, f); err != nil {
			return err
		}
	}
	if senc := traf.Leaf(mp4.TypeSenc); senc != nil {
		if err := parseSampleEncryption(senc.Flags(), senc.Data(), f); err != nil {
			return err
		}
	}
	scheme := ""
	if box != nil {
		scheme = box.SchemeType
	}
	if err := parseSampleGroups(traf, scheme, f); err != nil {
		return err
	}
	for _, l := range traf.LeavesOf(mp4.TypeUUID) {
		if err := parseUUID(l, f); err != nil {
			return err
		}
	}
	return nil
}

func parseTruns(traf *mp4.Container, b *trackBundle, cfg *Config) error {
	var truns []mp4.TrunIter
	total := 0
	for _, l := range traf.LeavesOf(mp4.TypeTrun) {
		it, err := mp4.NewTrunIter(l)
		if err != nil {
			return err
		}
		if it.Count() == 0 {
			continue
		}
		truns = append(truns, it)
		total += int(it.Count())
	}
	b.fragment.initTables(len(truns), total)

	start := 0
	for i := range truns {
		start = parseTrun(b, i, &truns[i], start, cfg)
	}
	return nil
}

// parseTrun fills the sample tables of run index from start and returns
// the index after its last sample.
func parseTrun(b *trackBundle, index int, it *mp4.TrunIter, start int, cfg *Config) int {
	t := b.track
	f := &b.fragment
	d := f.header

	f.trunLength[index] = int(it.Count())
	f.trunDataPosition[index] = f.dataPosition
	if it.Has(mp4.TrunDataOffsetPresent) {
		f.trunDataPosition[index] += int64(it.DataOffset())
	}
	firstFlagsPresent := it.Has(mp4.TrunFirstSampleFlagsPresent)

	timescale := int64(t.Timescale)
	var edtsOffsetUs int64
	if editListCoversTimeline(t) {
		edtsOffsetUs = track.Scale(t.EditList.MediaTimes[0], 1_000_000, timescale)
	}
	everyFrameSync := cfg.EveryVideoFrameIsSync && t.Kind == track.TrackVideo

	cumulative := f.nextFragmentDecodeTime
	end := start + f.trunLength[index]
	for i := start; i < end; i++ {
		e, _ := it.Next()
		duration := d.duration
		if it.Has(mp4.TrunSampleDurationPresent) {
			duration = e.Duration
		}
		size := d.size
		if it.Has(mp4.TrunSampleSizePresent) {
			size = e.Size
		}
		flags := d.flags
		switch {
		case it.Has(mp4.TrunSampleFlagsPresent):
			flags = e.Flags
		case i == 0 && firstFlagsPresent:
			flags = it.FirstSampleFlags()
		}
		f.sampleCompositionOffsetUs[i] = 0
		if it.Has(mp4.TrunCompositionOffsetPresent) {
			f.sampleCompositionOffsetUs[i] = int64(e.CompositionOffset) * 1_000_000 / timescale
		}
		f.sampleDecodeTimeUs[i] = track.Scale(cumulative, 1_000_000, timescale) - edtsOffsetUs
		f.sampleSize[i] = int(size)
		f.sampleIsSync[i] = flags&sampleIsNonSync == 0 && (!everyFrameSync || i == 0)
		cumulative += int64(duration)
	}
	f.nextFragmentDecodeTime = cumulative
	return end
}

// editListCoversTimeline reports whether a track's edit list is a single
// edit spanning the whole media, whose media time then offsets every
// fragment sample.
func editListCoversTimeline(t *track.Track) bool {
	el := t.EditList
	if el == nil || len(el.Durations) != 1 || len(el.MediaTimes) != 1 {
		return false
	}
	if el.Durations[0] == 0 {
		return true
	}
	endUs := track.Scale(el.Durations[0]+el.MediaTimes[0], 1_000_000, int64(t.MovieTimescale))
	return endUs >= t.DurationUs
}

func parseSaiz(l *mp4.Leaf, box *track.TrackEncryptionBox, f *trackFragment) error {
	data := l.Data()
	if l.Flags()&1 != 0 {
		if len(data) < 8 {
			return fmt.Errorf("%w: saiz aux info type", mp4.ErrMalformed)
		}
		data = data[8:]
	}
	if len(data) < 5 {
		return fmt.Errorf("%w: saiz header", mp4.ErrMalformed)
	}
	defaultSize := int(data[0])
	count := int(be.Uint32(data[1:5]))
	data = data[5:]
	if count > f.sampleCount {
		return fmt.Errorf("%w: saiz sample count %d exceeds fragment sample count %d", mp4.ErrMalformed, count, f.sampleCount)
	}
	total := 0
	if defaultSize == 0 {
		if len(data) < count {
			return fmt.Errorf("%w: saiz sample sizes truncated", mp4.ErrMalformed)
		}
		for i := 0; i < count; i++ {
			size := int(data[i])
			total += size
			f.sampleHasSubsamples[i] = size > box.PerSampleIVSize
		}
	} else {
		sub := defaultSize > box.PerSampleIVSize
		total = defaultSize * count
		for i := 0; i < count; i++ {
			f.sampleHasSubsamples[i] = sub
		}
	}
	clear(f.sampleHasSubsamples[count:f.sampleCount])
	if total > 0 {
		f.initEncryptionData(total)
	}
	return nil
}

func parseSaio(l *mp4.Leaf, f *trackFragment) error {
	data := l.Data()
	if l.Flags()&1 != 0 {
		if len(data) < 8 {
			return fmt.Errorf("%w: saio aux info type", mp4.ErrMalformed)
		}
		data = data[8:]
	}
	if len(data) < 4 {
		return fmt.Errorf("%w: saio header", mp4.ErrMalformed)
	}
	if n := be.Uint32(data); n != 1 {
		return fmt.Errorf("%w: saio entry count %d", mp4.ErrUnsupported, n)
	}
	data = data[4:]
	if l.Version() == 0 {
		if len(data) < 4 {
			return fmt.Errorf("%w: saio offset", mp4.ErrMalformed)
		}
		f.auxiliaryDataPosition += int64(be.Uint32(data))
		return nil
	}
	if len(data) < 8 {
		return fmt.Errorf("%w: saio offset", mp4.ErrMalformed)
	}
	f.auxiliaryDataPosition += int64(be.Uint64(data))
	return nil
}

// parseSampleEncryption reads the body of a senc box or PIFF uuid box.
func parseSampleEncryption(flags uint32, data []byte, f *trackFragment) error {
	if flags&sencOverrideTrackEncryptionBox != 0 {
		return fmt.Errorf("%w: senc overriding track encryption parameters", mp4.ErrUnsupported)
	}
	if len(data) < 4 {
		return fmt.Errorf("%w: senc sample count", mp4.ErrMalformed)
	}
	sub := flags&sencUseSubsampleEncryption != 0
	count := int(be.Uint32(data))
	if count == 0 {
		clear(f.sampleHasSubsamples[:f.sampleCount])
		return nil
	}
	if count != f.sampleCount {
		return fmt.Errorf("%w: senc sample count %d differs from fragment sample count %d", mp4.ErrMalformed, count, f.sampleCount)
	}
	for i := 0; i < count; i++ {
		f.sampleHasSubsamples[i] = sub
	}
	f.initEncryptionData(len(data) - 4)
	copy(f.encryptionData, data[4:])
	f.encryptionNeedsFill = false
	return nil
}

// parseUUID handles the PIFF sample encryption box and ignores other
// extended types. The payload starts with the 16-byte extended type.
func parseUUID(l *mp4.Leaf, f *trackFragment) error {
	p := l.Payload
	if len(p) < 16 || !bytes.Equal(p[:16], piffSampleEncryption[:]) {
		return nil
	}
	if len(p) < 20 {
		return fmt.Errorf("%w: PIFF sample encryption header", mp4.ErrMalformed)
	}
	return parseSampleEncryption(be.Uint32(p[16:20])&0x00ffffff, p[20:], f)
}

// parseSampleGroups resolves a seig sample group into a fragment encryption
// box. Other grouping types are ignored.
func parseSampleGroups(traf *mp4.Container, schemeType string, f *trackFragment) error {
	var sbgp, sgpd *mp4.Leaf
	for _, l := range traf.LeavesOf(mp4.TypeSbgp) {
		if d := l.Data(); len(d) >= 4 && mp4.BoxType(d[:4]) == typeSeig {
			sbgp = l
		}
	}
	for _, l := range traf.LeavesOf(mp4.TypeSgpd) {
		if d := l.Data(); len(d) >= 4 && mp4.BoxType(d[:4]) == typeSeig {
			sgpd = l
		}
	}
	if sbgp == nil || sgpd == nil {
		return nil
	}

	d := sbgp.Data()[4:]
	if sbgp.Version() == 1 {
		if len(d) < 4 {
			return fmt.Errorf("%w: sbgp header", mp4.ErrMalformed)
		}
		d = d[4:]
	}
	if len(d) < 4 {
		return fmt.Errorf("%w: sbgp entry count", mp4.ErrMalformed)
	}
	if n := be.Uint32(d); n != 1 {
		return fmt.Errorf("%w: sbgp entry count %d", mp4.ErrUnsupported, n)
	}

	d = sgpd.Data()[4:]
	switch v := sgpd.Version(); {
	case v == 1:
		if len(d) < 4 {
			return fmt.Errorf("%w: sgpd default length", mp4.ErrMalformed)
		}
		if be.Uint32(d) == 0 {
			return fmt.Errorf("%w: variable length sgpd description", mp4.ErrUnsupported)
		}
		d = d[4:]
	case v >= 2:
		if len(d) < 4 {
			return fmt.Errorf("%w: sgpd default description index", mp4.ErrMalformed)
		}
		d = d[4:]
	}
	if len(d) < 4 {
		return fmt.Errorf("%w: sgpd entry count", mp4.ErrMalformed)
	}
	if n := be.Uint32(d); n != 1 {
		return fmt.Errorf("%w: sgpd entry count %d", mp4.ErrUnsupported, n)
	}
	d = d[4:]

	if len(d) < 3 {
		return fmt.Errorf("%w: seig entry", mp4.ErrMalformed)
	}
	pattern := d[1]
	if d[2] != 1 {
		return nil
	}
	if len(d) < 20 {
		return fmt.Errorf("%w: seig entry", mp4.ErrMalformed)
	}
	box := &track.TrackEncryptionBox{
		IsEncrypted:     true,
		SchemeType:      schemeType,
		PerSampleIVSize: int(d[3]),
		CryptByteBlock:  int(pattern&0xf0) >> 4,
		SkipByteBlock:   int(pattern & 0x0f),
	}
	copy(box.KeyID[:], d[4:20])
	if box.PerSampleIVSize == 0 {
		if len(d) < 21 || len(d) < 21+int(d[20]) {
			return fmt.Errorf("%w: seig constant IV", mp4.ErrMalformed)
		}
		box.ConstantIV = append([]byte(nil), d[21:21+int(d[20])]...)
	}
	f.encryptionBox = box
	return nil
}
