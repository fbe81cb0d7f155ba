package mp4

// TableIter walks a full box payload laid out as a 32-bit entry count
// followed by fixed-width entries. Next stops early, without error, if the
// payload is shorter than the count declares; callers that must detect
// truncation compare the number of entries seen against Count.
type TableIter[E any] struct {
	buf    []byte
	start  int
	count  uint32
	index  uint32
	width  int
	decode func([]byte) E
}

func newTableIter[E any](data []byte, width int, decode func([]byte) E) TableIter[E] {
	it := TableIter[E]{start: 4, width: width, decode: decode}
	if len(data) >= 4 {
		it.buf = data
		it.count = be.Uint32(data)
	}
	return it
}

// Count returns the declared number of entries.
func (it *TableIter[E]) Count() uint32 { return it.count }

// Next returns the next entry, or false when done or truncated.
func (it *TableIter[E]) Next() (E, bool) {
	var zero E
	if it.index >= it.count {
		return zero, false
	}
	off := it.start + int(it.index)*it.width
	if off+it.width > len(it.buf) {
		return zero, false
	}
	it.index++
	return it.decode(it.buf[off : off+it.width]), true
}

// SttsEntry is a run of samples sharing one decode delta.
type SttsEntry struct {
	Count uint32
	Delta uint32
}

type SttsIter = TableIter[SttsEntry]

func NewSttsIter(data []byte) SttsIter {
	return newTableIter(data, 8, func(b []byte) SttsEntry {
		return SttsEntry{Count: be.Uint32(b), Delta: be.Uint32(b[4:])}
	})
}

// CttsEntry is a run of samples sharing one composition offset. The offset
// is read as signed in both box versions; version 0 files with negative
// offsets exist in the wild.
type CttsEntry struct {
	Count  uint32
	Offset int32
}

type CttsIter = TableIter[CttsEntry]

func NewCttsIter(data []byte) CttsIter {
	return newTableIter(data, 8, func(b []byte) CttsEntry {
		return CttsEntry{Count: be.Uint32(b), Offset: int32(be.Uint32(b[4:]))}
	})
}

// StscEntry starts a run of chunks holding SamplesPerChunk samples each.
type StscEntry struct {
	FirstChunk       uint32
	SamplesPerChunk  uint32
	DescriptionIndex uint32
}

type StscIter = TableIter[StscEntry]

func NewStscIter(data []byte) StscIter {
	return newTableIter(data, 12, func(b []byte) StscEntry {
		return StscEntry{
			FirstChunk:       be.Uint32(b),
			SamplesPerChunk:  be.Uint32(b[4:]),
			DescriptionIndex: be.Uint32(b[8:]),
		}
	})
}

// ElstEntry is one edit. MediaTime -1 marks an empty edit. Rate is 16.16
// fixed point.
type ElstEntry struct {
	Duration  uint64
	MediaTime int64
	Rate      int32
}

type ElstIter = TableIter[ElstEntry]

// NewElstIter reads elst entries of the given box version.
func NewElstIter(data []byte, version uint8) ElstIter {
	if version == 1 {
		return newTableIter(data, 20, func(b []byte) ElstEntry {
			return ElstEntry{
				Duration:  be.Uint64(b),
				MediaTime: int64(be.Uint64(b[8:])),
				Rate:      int32(be.Uint32(b[16:])),
			}
		})
	}
	return newTableIter(data, 12, func(b []byte) ElstEntry {
		return ElstEntry{
			Duration:  uint64(be.Uint32(b)),
			MediaTime: int64(int32(be.Uint32(b[4:]))),
			Rate:      int32(be.Uint32(b[8:])),
		}
	})
}

// Uint32Iter reads a counted list of 32-bit values, such as stss sample
// numbers.
type Uint32Iter = TableIter[uint32]

func NewUint32Iter(data []byte) Uint32Iter {
	return newTableIter(data, 4, be.Uint32)
}

// Trun flags.
const (
	TrunDataOffsetPresent        = 0x000001
	TrunFirstSampleFlagsPresent  = 0x000004
	TrunSampleDurationPresent    = 0x000100
	TrunSampleSizePresent        = 0x000200
	TrunSampleFlagsPresent       = 0x000400
	TrunCompositionOffsetPresent = 0x000800
)

// TrunEntry is one sample of a track run. Fields the run omits are zero.
type TrunEntry struct {
	Duration          uint32
	Size              uint32
	Flags             uint32
	CompositionOffset int32
}

// TrunIter walks the samples of a trun box. Unlike the other tables its
// entry width depends on the box flags, so it is validated up front.
type TrunIter struct {
	TableIter[TrunEntry]
	flags            uint32
	dataOffset       int32
	firstSampleFlags uint32
}

// NewTrunIter checks that l holds every entry its flags and count declare.
func NewTrunIter(l *Leaf) (TrunIter, error) {
	data := l.Data()
	flags := l.Flags()
	if len(data) < 4 {
		return TrunIter{}, short(l.Type, 4, len(data))
	}
	it := TrunIter{flags: flags}
	head := 4
	if flags&TrunDataOffsetPresent != 0 {
		head += 4
	}
	if flags&TrunFirstSampleFlagsPresent != 0 {
		head += 4
	}
	if head > len(data) {
		return TrunIter{}, short(l.Type, head, len(data))
	}
	p := 4
	if flags&TrunDataOffsetPresent != 0 {
		it.dataOffset = int32(be.Uint32(data[p:]))
		p += 4
	}
	if flags&TrunFirstSampleFlagsPresent != 0 {
		it.firstSampleFlags = be.Uint32(data[p:])
	}

	width := 0
	for _, bit := range [...]uint32{
		TrunSampleDurationPresent,
		TrunSampleSizePresent,
		TrunSampleFlagsPresent,
		TrunCompositionOffsetPresent,
	} {
		if flags&bit != 0 {
			width += 4
		}
	}
	count := be.Uint32(data)
	if need := int64(head) + int64(count)*int64(width); need > int64(len(data)) {
		return TrunIter{}, short(l.Type, int(min(need, 1<<31-1)), len(data))
	}
	it.TableIter = TableIter[TrunEntry]{
		buf:    data,
		start:  head,
		count:  count,
		width:  width,
		decode: trunEntryDecoder(flags),
	}
	return it, nil
}

func trunEntryDecoder(flags uint32) func([]byte) TrunEntry {
	return func(b []byte) TrunEntry {
		var e TrunEntry
		if flags&TrunSampleDurationPresent != 0 {
			e.Duration, b = be.Uint32(b), b[4:]
		}
		if flags&TrunSampleSizePresent != 0 {
			e.Size, b = be.Uint32(b), b[4:]
		}
		if flags&TrunSampleFlagsPresent != 0 {
			e.Flags, b = be.Uint32(b), b[4:]
		}
		if flags&TrunCompositionOffsetPresent != 0 {
			e.CompositionOffset = int32(be.Uint32(b))
		}
		return e
	}
}

// Flags returns the trun flags.
func (it *TrunIter) Flags() uint32 { return it.flags }

// Has reports whether the given Trun* flag bit is set.
func (it *TrunIter) Has(bit uint32) bool { return it.flags&bit != 0 }

// DataOffset returns the run's data offset, relative to the base offset.
func (it *TrunIter) DataOffset() int32 { return it.dataOffset }

// FirstSampleFlags returns the first-sample flags override, if present.
func (it *TrunIter) FirstSampleFlags() uint32 { return it.firstSampleFlags }
