package mp4

import "fmt"

func short(t BoxType, need, have int) error {
	return fmt.Errorf("%w: %s needs %d bytes, has %d", ErrMalformed, t, need, have)
}

// FtypInfo holds parsed fields from an ftyp box.
type FtypInfo struct {
	MajorBrand   BoxType
	MinorVersion uint32
	Compatible   []BoxType
}

// ParseFtyp parses ftyp (or styp) box data.
func ParseFtyp(data []byte) (FtypInfo, error) {
	if len(data) < 8 {
		return FtypInfo{}, short(TypeFtyp, 8, len(data))
	}
	f := FtypInfo{MinorVersion: be.Uint32(data[4:8])}
	copy(f.MajorBrand[:], data[0:4])
	for i := 8; i+4 <= len(data); i += 4 {
		var b BoxType
		copy(b[:], data[i:i+4])
		f.Compatible = append(f.Compatible, b)
	}
	return f, nil
}

// Mvhd holds the fields of a movie header used for timing.
type Mvhd struct {
	Timescale   uint32
	Duration    uint64
	NextTrackID uint32
}

// ParseMvhd extracts key fields from an mvhd leaf.
func ParseMvhd(l *Leaf) (Mvhd, error) {
	data := l.Data()
	var m Mvhd
	if l.Version() == 1 {
		// ctime(8)+mtime(8)+timescale(4)+duration(8)+rate(4)+volume(2)+reserved(10)+matrix(36)+predefined(24)+nextTrackId(4)
		if len(data) < 108 {
			return m, short(l.Type, 108, len(data))
		}
		m.Timescale = be.Uint32(data[16:20])
		m.Duration = be.Uint64(data[20:28])
		m.NextTrackID = be.Uint32(data[104:108])
	} else {
		if len(data) < 96 {
			return m, short(l.Type, 96, len(data))
		}
		m.Timescale = be.Uint32(data[8:12])
		m.Duration = uint64(be.Uint32(data[12:16]))
		m.NextTrackID = be.Uint32(data[92:96])
	}
	return m, nil
}

// Tkhd holds the fields of a track header.
type Tkhd struct {
	TrackID         uint32
	Duration        uint64
	DurationUnknown bool     // all bits set, or zero
	Matrix          [4]int32 // a, b, c, d of the 16.16 transform
	Width           uint32   // 16.16
	Height          uint32   // 16.16
}

// ParseTkhd extracts key fields from a tkhd leaf. A duration field of all
// 0xFF bytes, or literally zero, is reported as unknown.
func ParseTkhd(l *Leaf) (Tkhd, error) {
	data := l.Data()
	var t Tkhd
	var p int
	if l.Version() == 1 {
		// ctime(8)+mtime(8)+trackId(4)+reserved(4)+duration(8)
		if len(data) < 92 {
			return t, short(l.Type, 92, len(data))
		}
		t.TrackID = be.Uint32(data[16:20])
		t.Duration = be.Uint64(data[24:32])
		t.DurationUnknown = t.Duration == 0 || t.Duration == 1<<64-1
		p = 32
	} else {
		if len(data) < 80 {
			return t, short(l.Type, 80, len(data))
		}
		t.TrackID = be.Uint32(data[8:12])
		d := be.Uint32(data[16:20])
		t.Duration = uint64(d)
		t.DurationUnknown = d == 0 || d == uint32Max
		p = 20
	}
	// reserved(8)+layer(2)+altGroup(2)+volume(2)+reserved(2)
	p += 16
	t.Matrix[0] = int32(be.Uint32(data[p:]))
	t.Matrix[1] = int32(be.Uint32(data[p+4:]))
	t.Matrix[2] = int32(be.Uint32(data[p+12:]))
	t.Matrix[3] = int32(be.Uint32(data[p+16:]))
	p += 36
	t.Width = be.Uint32(data[p:])
	t.Height = be.Uint32(data[p+4:])
	return t, nil
}

// Rotation returns the clockwise rotation in degrees expressed by the
// transform matrix, or 0 if the matrix is not a plain rotation.
func (t Tkhd) Rotation() int {
	const one = 1 << 16
	switch t.Matrix {
	case [4]int32{0, one, -one, 0}:
		return 90
	case [4]int32{0, -one, one, 0}:
		return 270
	case [4]int32{-one, 0, 0, -one}:
		return 180
	}
	return 0
}

// Mdhd holds the fields of a media header.
type Mdhd struct {
	Timescale uint32
	Duration  uint64
	Language  string
}

// ParseMdhd extracts key fields from an mdhd leaf.
func ParseMdhd(l *Leaf) (Mdhd, error) {
	data := l.Data()
	var m Mdhd
	var lang uint16
	if l.Version() == 1 {
		if len(data) < 30 {
			return m, short(l.Type, 30, len(data))
		}
		m.Timescale = be.Uint32(data[16:20])
		m.Duration = be.Uint64(data[20:28])
		lang = be.Uint16(data[28:30])
	} else {
		if len(data) < 18 {
			return m, short(l.Type, 18, len(data))
		}
		m.Timescale = be.Uint32(data[8:12])
		m.Duration = uint64(be.Uint32(data[12:16]))
		lang = be.Uint16(data[16:18])
	}
	m.Language = DecodeLanguage(lang)
	return m, nil
}

// DecodeLanguage unpacks an ISO-639-2/T code stored as three 5-bit fields
// biased by 0x60. It returns "" for the zero value.
func DecodeLanguage(v uint16) string {
	if v&0x7fff == 0 {
		return ""
	}
	return string([]byte{
		byte((v>>10)&0x1f) + 0x60,
		byte((v>>5)&0x1f) + 0x60,
		byte(v&0x1f) + 0x60,
	})
}

// ParseHdlr returns the handler type of an hdlr leaf.
func ParseHdlr(l *Leaf) (BoxType, error) {
	data := l.Data()
	var t BoxType
	if len(data) < 8 {
		return t, short(l.Type, 8, len(data))
	}
	copy(t[:], data[4:8])
	return t, nil
}

// ParseMehd returns the fragment duration of an mehd leaf.
func ParseMehd(l *Leaf) (uint64, error) {
	data := l.Data()
	if l.Version() == 1 {
		if len(data) < 8 {
			return 0, short(l.Type, 8, len(data))
		}
		return be.Uint64(data[0:8]), nil
	}
	if len(data) < 4 {
		return 0, short(l.Type, 4, len(data))
	}
	return uint64(be.Uint32(data[0:4])), nil
}

// Trex holds the per-track fragment defaults declared in mvex.
type Trex struct {
	TrackID                uint32
	SampleDescriptionIndex uint32
	SampleDuration         uint32
	SampleSize             uint32
	SampleFlags            uint32
}

// ParseTrex parses a trex leaf.
func ParseTrex(l *Leaf) (Trex, error) {
	data := l.Data()
	if len(data) < 20 {
		return Trex{}, short(l.Type, 20, len(data))
	}
	return Trex{
		TrackID:                be.Uint32(data[0:4]),
		SampleDescriptionIndex: be.Uint32(data[4:8]),
		SampleDuration:         be.Uint32(data[8:12]),
		SampleSize:             be.Uint32(data[12:16]),
		SampleFlags:            be.Uint32(data[16:20]),
	}, nil
}

// Tfhd flags (Track Fragment Header Box).
const (
	TfhdBaseDataOffsetPresent         = 0x000001
	TfhdSampleDescriptionIndexPresent = 0x000002
	TfhdDefaultSampleDurationPresent  = 0x000008
	TfhdDefaultSampleSizePresent      = 0x000010
	TfhdDefaultSampleFlagsPresent     = 0x000020
	TfhdDurationIsEmpty               = 0x010000
	TfhdDefaultBaseIsMoof             = 0x020000
)

// Tfhd holds a parsed track fragment header. Only fields whose flag is set
// in Flags are meaningful.
type Tfhd struct {
	Flags                  uint32
	TrackID                uint32
	BaseDataOffset         uint64
	SampleDescriptionIndex uint32
	SampleDuration         uint32
	SampleSize             uint32
	SampleFlags            uint32
}

// ParseTfhd parses a tfhd leaf.
func ParseTfhd(l *Leaf) (Tfhd, error) {
	data := l.Data()
	t := Tfhd{Flags: l.Flags()}
	need := 4
	for _, f := range []struct {
		bit uint32
		n   int
	}{
		{TfhdBaseDataOffsetPresent, 8},
		{TfhdSampleDescriptionIndexPresent, 4},
		{TfhdDefaultSampleDurationPresent, 4},
		{TfhdDefaultSampleSizePresent, 4},
		{TfhdDefaultSampleFlagsPresent, 4},
	} {
		if t.Flags&f.bit != 0 {
			need += f.n
		}
	}
	if len(data) < need {
		return t, short(l.Type, need, len(data))
	}
	t.TrackID = be.Uint32(data)
	p := 4
	if t.Flags&TfhdBaseDataOffsetPresent != 0 {
		t.BaseDataOffset = be.Uint64(data[p:])
		p += 8
	}
	if t.Flags&TfhdSampleDescriptionIndexPresent != 0 {
		t.SampleDescriptionIndex = be.Uint32(data[p:])
		p += 4
	}
	if t.Flags&TfhdDefaultSampleDurationPresent != 0 {
		t.SampleDuration = be.Uint32(data[p:])
		p += 4
	}
	if t.Flags&TfhdDefaultSampleSizePresent != 0 {
		t.SampleSize = be.Uint32(data[p:])
		p += 4
	}
	if t.Flags&TfhdDefaultSampleFlagsPresent != 0 {
		t.SampleFlags = be.Uint32(data[p:])
	}
	return t, nil
}

// ParseTfdt returns the base media decode time of a tfdt leaf.
func ParseTfdt(l *Leaf) (uint64, error) {
	data := l.Data()
	if l.Version() == 1 {
		if len(data) < 8 {
			return 0, short(l.Type, 8, len(data))
		}
		return be.Uint64(data[0:8]), nil
	}
	if len(data) < 4 {
		return 0, short(l.Type, 4, len(data))
	}
	return uint64(be.Uint32(data[0:4])), nil
}

// ParseCString reads a NUL-terminated string starting at data[0] and
// returns it with the number of bytes consumed including the terminator.
func ParseCString(data []byte) (string, int) {
	s := readString(data, 0, len(data))
	n := len(s)
	if n < len(data) {
		n++
	}
	return s, n
}
