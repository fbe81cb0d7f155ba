// Package mp4test builds ISO-BMFF fixtures for tests. Typed boxes are
// marshaled with github.com/abema/go-mp4; containers and ad hoc payloads are
// assembled by hand.
package mp4test

import (
	"bytes"
	"encoding/binary"
	"testing"

	gomp4 "github.com/abema/go-mp4"
	"github.com/stretchr/testify/require"

	"github.com/tetsuo/isodemux"
	"github.com/tetsuo/isodemux/input"
)

var be = binary.BigEndian

// Marshal returns box encoded with its 8-byte header.
func Marshal(tb testing.TB, box gomp4.IBox) []byte {
	tb.Helper()
	var buf bytes.Buffer
	_, err := gomp4.Marshal(&buf, box, gomp4.Context{})
	require.NoError(tb, err)
	t := box.GetType()
	return Box(string(t[:]), buf.Bytes())
}

// Box returns a box with the given type and payload.
func Box(typ string, payload []byte) []byte {
	out := make([]byte, 8, 8+len(payload))
	be.PutUint32(out, uint32(8+len(payload)))
	copy(out[4:8], typ)
	return append(out, payload...)
}

// FullBox returns a full box with the given version, flags and payload.
func FullBox(typ string, version uint8, flags uint32, payload []byte) []byte {
	vf := make([]byte, 4, 4+len(payload))
	be.PutUint32(vf, uint32(version)<<24|flags&0x00ffffff)
	return Box(typ, append(vf, payload...))
}

// Container returns a box whose payload is the concatenation of children.
func Container(typ string, children ...[]byte) []byte {
	return Box(typ, bytes.Join(children, nil))
}

// Leaf parses a single encoded box into a *mp4.Leaf.
func Leaf(tb testing.TB, raw []byte) *mp4.Leaf {
	tb.Helper()
	r := mp4.NewReader(raw)
	require.True(tb, r.Next(), "no box in %d bytes", len(raw))
	return r.Leaf()
}

// Tree reads raw with a BoxReader over a closed buffer and returns the
// first top-level container of type typ.
func Tree(tb testing.TB, raw []byte, typ mp4.BoxType) *mp4.Container {
	tb.Helper()
	in := input.NewBuffer(raw)
	br := mp4.NewBoxReader(nil)
	for {
		ev, err := br.Next(in)
		require.NoError(tb, err)
		switch ev.Kind {
		case mp4.EventEndOfInput:
			tb.Fatalf("no %s container", typ)
			return nil
		case mp4.EventNeedMoreData:
			tb.Fatalf("closed buffer asked for more data")
			return nil
		case mp4.EventContainerClose:
			if ev.Depth == 0 && ev.Container.Type == typ {
				return ev.Container
			}
		}
	}
}

// Ftyp returns an ftyp box.
func Ftyp(tb testing.TB, major string, compatible ...string) []byte {
	f := &gomp4.Ftyp{MajorBrand: brand(major)}
	for _, c := range compatible {
		f.CompatibleBrands = append(f.CompatibleBrands, gomp4.CompatibleBrandElem{CompatibleBrand: brand(c)})
	}
	return Marshal(tb, f)
}

func brand(s string) [4]byte {
	var b [4]byte
	copy(b[:], s)
	return b
}

// Mvhd returns a version 0 mvhd box.
func Mvhd(tb testing.TB, timescale, duration uint32) []byte {
	return Marshal(tb, &gomp4.Mvhd{
		Timescale:   timescale,
		DurationV0:  duration,
		Rate:        0x10000,
		Volume:      0x100,
		Matrix:      [9]int32{0x10000, 0, 0, 0, 0x10000, 0, 0, 0, 0x40000000},
		NextTrackID: 2,
	})
}

// Tkhd returns a version 0 tkhd box with an identity matrix.
func Tkhd(tb testing.TB, trackID, duration uint32) []byte {
	return Marshal(tb, &gomp4.Tkhd{
		FullBox:    gomp4.FullBox{Flags: [3]byte{0, 0, 3}},
		TrackID:    trackID,
		DurationV0: duration,
		Matrix:     [9]int32{0x10000, 0, 0, 0, 0x10000, 0, 0, 0, 0x40000000},
	})
}

// Mdhd returns a version 0 mdhd box.
func Mdhd(tb testing.TB, timescale, duration uint32, language string) []byte {
	return Marshal(tb, &gomp4.Mdhd{
		Timescale:  timescale,
		DurationV0: duration,
		Language:   packLanguage(language),
	})
}

// packLanguage returns the 5-bit fields of an ISO-639-2/T code.
func packLanguage(s string) [3]byte {
	var b [3]byte
	for i := 0; i < len(s) && i < 3; i++ {
		b[i] = s[i] - 0x60
	}
	return b
}

// Hdlr returns an hdlr box for the given handler type.
func Hdlr(tb testing.TB, handler string) []byte {
	return Marshal(tb, &gomp4.Hdlr{HandlerType: brand(handler), Name: handler})
}

// Stsz returns an stsz box. With fixed != 0, sizes must be nil and count
// gives the sample count.
func Stsz(tb testing.TB, fixed uint32, count int, sizes []uint32) []byte {
	if fixed == 0 {
		count = len(sizes)
	}
	return Marshal(tb, &gomp4.Stsz{SampleSize: fixed, SampleCount: uint32(count), EntrySize: sizes})
}

// Stco returns an stco box.
func Stco(tb testing.TB, offsets ...uint32) []byte {
	return Marshal(tb, &gomp4.Stco{EntryCount: uint32(len(offsets)), ChunkOffset: offsets})
}

// StscEntry is one sample-to-chunk run.
type StscEntry struct {
	FirstChunk, SamplesPerChunk uint32
}

// Stsc returns an stsc box with sample description index 1 throughout.
func Stsc(tb testing.TB, entries ...StscEntry) []byte {
	s := &gomp4.Stsc{EntryCount: uint32(len(entries))}
	for _, e := range entries {
		s.Entries = append(s.Entries, gomp4.StscEntry{
			FirstChunk:             e.FirstChunk,
			SamplesPerChunk:        e.SamplesPerChunk,
			SampleDescriptionIndex: 1,
		})
	}
	return Marshal(tb, s)
}

// SttsEntry is one time-to-sample run.
type SttsEntry struct {
	Count, Delta uint32
}

// Stts returns an stts box.
func Stts(tb testing.TB, entries ...SttsEntry) []byte {
	s := &gomp4.Stts{EntryCount: uint32(len(entries))}
	for _, e := range entries {
		s.Entries = append(s.Entries, gomp4.SttsEntry{SampleCount: e.Count, SampleDelta: e.Delta})
	}
	return Marshal(tb, s)
}

// Stss returns an stss box listing 1-based sync sample numbers.
func Stss(tb testing.TB, samples ...uint32) []byte {
	return Marshal(tb, &gomp4.Stss{EntryCount: uint32(len(samples)), SampleNumber: samples})
}

// CttsEntry is one composition offset run.
type CttsEntry struct {
	Count  uint32
	Offset int32
}

// Ctts returns a version 1 (signed) ctts box.
func Ctts(tb testing.TB, entries ...CttsEntry) []byte {
	c := &gomp4.Ctts{FullBox: gomp4.FullBox{Version: 1}, EntryCount: uint32(len(entries))}
	for _, e := range entries {
		c.Entries = append(c.Entries, gomp4.CttsEntry{SampleCount: e.Count, SampleOffsetV1: e.Offset})
	}
	return Marshal(tb, c)
}

// Edit is one edit list entry.
type Edit struct {
	Duration  uint32
	MediaTime int32
}

// Elst returns a version 0 elst box with rate 1.
func Elst(tb testing.TB, edits ...Edit) []byte {
	e := &gomp4.Elst{EntryCount: uint32(len(edits))}
	for _, ed := range edits {
		e.Entries = append(e.Entries, gomp4.ElstEntry{
			SegmentDurationV0: ed.Duration,
			MediaTimeV0:       ed.MediaTime,
			MediaRateInteger:  1,
		})
	}
	return Marshal(tb, e)
}

// Stsd wraps sample entries in an stsd box.
func Stsd(entries ...[]byte) []byte {
	payload := make([]byte, 4, 4+len(entries)*64)
	be.PutUint32(payload, uint32(len(entries)))
	return FullBox("stsd", 0, 0, append(payload, bytes.Join(entries, nil)...))
}

// VisualEntry returns a visual sample entry with the given children.
func VisualEntry(typ string, width, height uint16, children ...[]byte) []byte {
	p := make([]byte, 78)
	be.PutUint16(p[6:], 1) // data reference index
	be.PutUint16(p[24:], width)
	be.PutUint16(p[26:], height)
	be.PutUint32(p[28:], 0x00480000)
	be.PutUint32(p[32:], 0x00480000)
	be.PutUint16(p[40:], 1)
	be.PutUint16(p[74:], 0x18)
	be.PutUint16(p[76:], 0xffff)
	return Box(typ, append(p, bytes.Join(children, nil)...))
}

// AudioEntry returns a version 0 audio sample entry with the given children.
func AudioEntry(typ string, channels uint16, sampleRate uint32, children ...[]byte) []byte {
	p := make([]byte, 28)
	be.PutUint16(p[6:], 1)
	be.PutUint16(p[16:], channels)
	be.PutUint16(p[18:], 16)
	be.PutUint32(p[24:], sampleRate<<16)
	return Box(typ, append(p, bytes.Join(children, nil)...))
}

// AvcC returns an avcC box with one SPS and one PPS.
func AvcC(sps, pps []byte) []byte {
	p := []byte{1, sps[1], sps[2], sps[3], 0xff, 0xe1}
	p = be.AppendUint16(p, uint16(len(sps)))
	p = append(p, sps...)
	p = append(p, 1)
	p = be.AppendUint16(p, uint16(len(pps)))
	p = append(p, pps...)
	return Box("avcC", p)
}

// AvcCRecord returns an avcC box with the given profile, compatibility and
// level bytes and any number of SPS and PPS units.
func AvcCRecord(profile [3]byte, sps, pps [][]byte) []byte {
	p := []byte{1, profile[0], profile[1], profile[2], 0xff, 0xe0 | byte(len(sps))}
	for _, u := range sps {
		p = be.AppendUint16(p, uint16(len(u)))
		p = append(p, u...)
	}
	p = append(p, byte(len(pps)))
	for _, u := range pps {
		p = be.AppendUint16(p, uint16(len(u)))
		p = append(p, u...)
	}
	return Box("avcC", p)
}

// HvcCArray is one NAL unit array of an hvcC record.
type HvcCArray struct {
	NALType byte
	Units   [][]byte
}

// HvcC returns an hvcC box. profile is the byte holding profile space, tier
// and profile idc.
func HvcC(profile byte, compat uint32, constraints [6]byte, level byte, arrays ...HvcCArray) []byte {
	p := []byte{1, profile}
	p = be.AppendUint32(p, compat)
	p = append(p, constraints[:]...)
	p = append(p, level)
	p = append(p, 0xf0, 0x00, 0xfc, 0xfd, 0xf8, 0xf8, 0x00, 0x00, 0x0f, byte(len(arrays)))
	for _, a := range arrays {
		p = append(p, 0x80|a.NALType)
		p = be.AppendUint16(p, uint16(len(a.Units)))
		for _, u := range a.Units {
			p = be.AppendUint16(p, uint16(len(u)))
			p = append(p, u...)
		}
	}
	return Box("hvcC", p)
}

// Esds returns an esds box with the given object type and decoder specific info.
func Esds(oti byte, dsi []byte) []byte {
	dsiDesc := append([]byte{0x05, byte(len(dsi))}, dsi...)
	dcd := append([]byte{0x04, byte(13 + len(dsiDesc)), oti, 0x15, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0}, dsiDesc...)
	slc := []byte{0x06, 0x01, 0x02}
	es := append([]byte{0x03, byte(3 + len(dcd) + len(slc)), 0, 1, 0}, dcd...)
	es = append(es, slc...)
	return FullBox("esds", 0, 0, es)
}

// SPS is a 1920x1080 H.264 baseline sequence parameter set.
var SPS = []byte{
	0x67, 0x42, 0xc0, 0x28, 0xd9, 0x00, 0x78, 0x02,
	0x27, 0xe5, 0x84, 0x00, 0x00, 0x03, 0x00, 0x04,
	0x00, 0x00, 0x03, 0x00, 0xf0, 0x3c, 0x60, 0xc9,
	0x20,
}

// PPS is a picture parameter set matching SPS.
var PPS = []byte{0x68, 0xce, 0x3c, 0x80}

// Trak assembles a trak box from its parts. stbl children are given in order.
func Trak(tkhd, elst, mdhd, hdlr []byte, stbl ...[]byte) []byte {
	var edts []byte
	if elst != nil {
		edts = Container("edts", elst)
	}
	return Container("trak",
		tkhd,
		edts,
		Container("mdia",
			mdhd,
			hdlr,
			Container("minf", Container("stbl", stbl...)),
		),
	)
}

// Trex returns a trex box with sample description index 1.
func Trex(trackID, duration, size, flags uint32) []byte {
	p := be.AppendUint32(nil, trackID)
	p = be.AppendUint32(p, 1)
	p = be.AppendUint32(p, duration)
	p = be.AppendUint32(p, size)
	p = be.AppendUint32(p, flags)
	return FullBox("trex", 0, 0, p)
}

// Mehd returns a version 0 mehd box.
func Mehd(duration uint32) []byte {
	return FullBox("mehd", 0, 0, be.AppendUint32(nil, duration))
}

// Mfhd returns an mfhd box.
func Mfhd(seq uint32) []byte {
	return FullBox("mfhd", 0, 0, be.AppendUint32(nil, seq))
}

// Tfhd flags.
const (
	TfhdSampleDescriptionIndex = 0x02
	TfhdDefaultDuration        = 0x08
	TfhdDefaultSize            = 0x10
	TfhdDefaultFlags           = 0x20
	TfhdDefaultBaseIsMoof      = 0x20000
)

// TfhdFields are the optional tfhd fields written when their flag is set.
type TfhdFields struct {
	DescriptionIndex, Duration, Size, Flags uint32
}

// Tfhd returns a tfhd box without a base data offset.
func Tfhd(trackID, flags uint32, f TfhdFields) []byte {
	p := be.AppendUint32(nil, trackID)
	if flags&TfhdSampleDescriptionIndex != 0 {
		p = be.AppendUint32(p, f.DescriptionIndex)
	}
	if flags&TfhdDefaultDuration != 0 {
		p = be.AppendUint32(p, f.Duration)
	}
	if flags&TfhdDefaultSize != 0 {
		p = be.AppendUint32(p, f.Size)
	}
	if flags&TfhdDefaultFlags != 0 {
		p = be.AppendUint32(p, f.Flags)
	}
	return FullBox("tfhd", 0, flags, p)
}

// Tfdt returns a version 1 tfdt box.
func Tfdt(decodeTime uint64) []byte {
	return FullBox("tfdt", 1, 0, be.AppendUint64(nil, decodeTime))
}

// Trun flags.
const (
	TrunDataOffset        = 0x001
	TrunFirstSampleFlags  = 0x004
	TrunSampleDuration    = 0x100
	TrunSampleSize        = 0x200
	TrunSampleFlags       = 0x400
	TrunCompositionOffset = 0x800
)

// TrunSample is one trun entry. Only the fields selected by the trun flags
// are written.
type TrunSample struct {
	Duration, Size, Flags uint32
	CompositionOffset     int32
}

// Trun returns a version 1 trun box.
func Trun(flags uint32, dataOffset int32, firstFlags uint32, samples ...TrunSample) []byte {
	p := be.AppendUint32(nil, uint32(len(samples)))
	if flags&TrunDataOffset != 0 {
		p = be.AppendUint32(p, uint32(dataOffset))
	}
	if flags&TrunFirstSampleFlags != 0 {
		p = be.AppendUint32(p, firstFlags)
	}
	for _, s := range samples {
		if flags&TrunSampleDuration != 0 {
			p = be.AppendUint32(p, s.Duration)
		}
		if flags&TrunSampleSize != 0 {
			p = be.AppendUint32(p, s.Size)
		}
		if flags&TrunSampleFlags != 0 {
			p = be.AppendUint32(p, s.Flags)
		}
		if flags&TrunCompositionOffset != 0 {
			p = be.AppendUint32(p, uint32(s.CompositionOffset))
		}
	}
	return FullBox("trun", 1, flags, p)
}

// Senc returns a senc box holding the per-sample IVs and, when subsamples
// is non-nil, one subsample table per sample.
func Senc(ivs [][]byte, subsamples [][][2]uint32) []byte {
	var flags uint32
	if subsamples != nil {
		flags = 2
	}
	p := be.AppendUint32(nil, uint32(len(ivs)))
	for i, iv := range ivs {
		p = append(p, iv...)
		if subsamples == nil {
			continue
		}
		p = be.AppendUint16(p, uint16(len(subsamples[i])))
		for _, s := range subsamples[i] {
			p = be.AppendUint16(p, uint16(s[0]))
			p = be.AppendUint32(p, s[1])
		}
	}
	return FullBox("senc", 0, flags, p)
}

// Tenc returns a version 0 tenc box.
func Tenc(ivSize byte, kid [16]byte) []byte {
	p := []byte{0, 0, 1, ivSize}
	return FullBox("tenc", 0, 0, append(p, kid[:]...))
}

// Sinf returns a protection scheme box wrapping the original format.
func Sinf(format, scheme string, tenc []byte) []byte {
	schm := FullBox("schm", 0, 0, append([]byte(scheme), 0, 1, 0, 0))
	return Container("sinf",
		Box("frma", []byte(format)),
		schm,
		Container("schi", tenc),
	)
}

// Emsg returns a version 1 emsg box.
func Emsg(timescale uint32, presentationTime uint64, duration, id uint32, scheme, value string, data []byte) []byte {
	p := be.AppendUint32(nil, timescale)
	p = be.AppendUint64(p, presentationTime)
	p = be.AppendUint32(p, duration)
	p = be.AppendUint32(p, id)
	p = append(p, scheme...)
	p = append(p, 0)
	p = append(p, value...)
	p = append(p, 0)
	return FullBox("emsg", 1, 0, append(p, data...))
}

// EmsgV0 returns a version 0 emsg box whose time is relative to the
// segment start.
func EmsgV0(scheme, value string, timescale, delta, duration, id uint32, data []byte) []byte {
	p := append([]byte(scheme), 0)
	p = append(p, value...)
	p = append(p, 0)
	p = be.AppendUint32(p, timescale)
	p = be.AppendUint32(p, delta)
	p = be.AppendUint32(p, duration)
	p = be.AppendUint32(p, id)
	return FullBox("emsg", 0, 0, append(p, data...))
}

// SidxRef is one sidx reference.
type SidxRef struct {
	Size, Duration uint32
}

// Sidx returns a version 0 sidx box.
func Sidx(timescale, earliest, firstOffset uint32, refs ...SidxRef) []byte {
	p := be.AppendUint32(nil, 1)
	p = be.AppendUint32(p, timescale)
	p = be.AppendUint32(p, earliest)
	p = be.AppendUint32(p, firstOffset)
	p = be.AppendUint16(p, 0)
	p = be.AppendUint16(p, uint16(len(refs)))
	for _, r := range refs {
		p = be.AppendUint32(p, r.Size)
		p = be.AppendUint32(p, r.Duration)
		p = be.AppendUint32(p, 0x90000000)
	}
	return FullBox("sidx", 0, 0, p)
}
