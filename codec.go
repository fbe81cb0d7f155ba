package mp4

import "fmt"

// SampleSizeBox yields per-sample sizes from either an stsz or an stz2 box.
type SampleSizeBox interface {
	// SampleCount is the number of samples described by the box.
	SampleCount() int
	// FixedSampleSize is the size shared by all samples, or 0 if sizes vary.
	FixedSampleSize() uint32
	// NextSampleSize returns the size of the next sample. Calling it more
	// than SampleCount times returns 0.
	NextSampleSize() uint32
}

// NewSampleSizeBox returns the decoder matching the leaf's type.
func NewSampleSizeBox(l *Leaf) (SampleSizeBox, error) {
	switch l.Type {
	case TypeStsz:
		return newStszSizes(l.Data())
	case TypeStz2:
		return newStz2Sizes(l.Data())
	}
	return nil, fmt.Errorf("%w: %s is not a sample size box", ErrMalformed, l.Type)
}

// stszSizes decodes stsz: one fixed size, or one 32-bit size per sample.
type stszSizes struct {
	data  []byte
	fixed uint32
	count int
	index int
}

func newStszSizes(data []byte) (*stszSizes, error) {
	if len(data) < 8 {
		return nil, short(TypeStsz, 8, len(data))
	}
	s := &stszSizes{
		data:  data[8:],
		fixed: be.Uint32(data[0:4]),
		count: int(be.Uint32(data[4:8])),
	}
	if s.fixed == 0 && int64(len(s.data)) < int64(s.count)*4 {
		return nil, short(TypeStsz, 8+s.count*4, len(data))
	}
	return s, nil
}

func (s *stszSizes) SampleCount() int        { return s.count }
func (s *stszSizes) FixedSampleSize() uint32 { return s.fixed }

func (s *stszSizes) NextSampleSize() uint32 {
	if s.index >= s.count {
		return 0
	}
	i := s.index
	s.index++
	if s.fixed != 0 {
		return s.fixed
	}
	return be.Uint32(s.data[i*4:])
}

// stz2Sizes decodes stz2: 4, 8 or 16 bit sizes, 4-bit fields packed two per
// byte with the first sample in the high nibble.
type stz2Sizes struct {
	data      []byte
	fieldSize int
	count     int
	index     int
}

func newStz2Sizes(data []byte) (*stz2Sizes, error) {
	if len(data) < 8 {
		return nil, short(TypeStz2, 8, len(data))
	}
	s := &stz2Sizes{
		data:      data[8:],
		fieldSize: int(data[3]),
		count:     int(be.Uint32(data[4:8])),
	}
	switch s.fieldSize {
	case 4, 8, 16:
	default:
		return nil, fmt.Errorf("%w: stz2 field size %d", ErrMalformed, s.fieldSize)
	}
	if need := (int64(s.count)*int64(s.fieldSize) + 7) / 8; int64(len(s.data)) < need {
		return nil, short(TypeStz2, 8+int(need), len(data))
	}
	return s, nil
}

func (s *stz2Sizes) SampleCount() int        { return s.count }
func (s *stz2Sizes) FixedSampleSize() uint32 { return 0 }

func (s *stz2Sizes) NextSampleSize() uint32 {
	if s.index >= s.count {
		return 0
	}
	i := s.index
	s.index++
	switch s.fieldSize {
	case 8:
		return uint32(s.data[i])
	case 16:
		return uint32(be.Uint16(s.data[i*2:]))
	}
	b := s.data[i/2]
	if i%2 == 0 {
		return uint32(b >> 4)
	}
	return uint32(b & 0x0f)
}

// EncodeStsz returns the payload (version and flags included) of an stsz
// box. If fixed is non-zero, sizes only contributes its length.
func EncodeStsz(fixed uint32, sizes []uint32) []byte {
	n := 12
	if fixed == 0 {
		n += 4 * len(sizes)
	}
	buf := make([]byte, n)
	be.PutUint32(buf[4:], fixed)
	be.PutUint32(buf[8:], uint32(len(sizes)))
	if fixed == 0 {
		for i, s := range sizes {
			be.PutUint32(buf[12+i*4:], s)
		}
	}
	return buf
}

// EncodeStz2 returns the payload (version and flags included) of an stz2
// box with the given field size.
func EncodeStz2(fieldSize int, sizes []uint32) ([]byte, error) {
	switch fieldSize {
	case 4, 8, 16:
	default:
		return nil, fmt.Errorf("%w: stz2 field size %d", ErrMalformed, fieldSize)
	}
	limit := uint32(1)<<fieldSize - 1
	buf := make([]byte, 12+(len(sizes)*fieldSize+7)/8)
	buf[7] = byte(fieldSize)
	be.PutUint32(buf[8:], uint32(len(sizes)))
	body := buf[12:]
	for i, s := range sizes {
		if s > limit {
			return nil, fmt.Errorf("%w: sample %d size %d exceeds %d-bit field", ErrMalformed, i, s, fieldSize)
		}
		switch fieldSize {
		case 4:
			if i%2 == 0 {
				body[i/2] |= byte(s) << 4
			} else {
				body[i/2] |= byte(s)
			}
		case 8:
			body[i] = byte(s)
		case 16:
			be.PutUint16(body[i*2:], uint16(s))
		}
	}
	return buf, nil
}

// ChunkOffsets gives random access to chunk offsets from either an stco or
// a co64 box.
type ChunkOffsets interface {
	Len() int
	At(i int) int64
}

// NewChunkOffsets returns the decoder matching the leaf's type.
func NewChunkOffsets(l *Leaf) (ChunkOffsets, error) {
	data := l.Data()
	if len(data) < 4 {
		return nil, short(l.Type, 4, len(data))
	}
	count := int64(be.Uint32(data))
	switch l.Type {
	case TypeStco:
		if int64(len(data)-4) < count*4 {
			return nil, short(l.Type, int(min(4+count*4, 1<<31-1)), len(data))
		}
		return stcoOffsets(data[4 : 4+count*4]), nil
	case TypeCo64:
		if int64(len(data)-4) < count*8 {
			return nil, short(l.Type, int(min(4+count*8, 1<<31-1)), len(data))
		}
		return co64Offsets(data[4 : 4+count*8]), nil
	}
	return nil, fmt.Errorf("%w: %s is not a chunk offset box", ErrMalformed, l.Type)
}

type stcoOffsets []byte

func (o stcoOffsets) Len() int       { return len(o) / 4 }
func (o stcoOffsets) At(i int) int64 { return int64(be.Uint32(o[i*4:])) }

type co64Offsets []byte

func (o co64Offsets) Len() int       { return len(o) / 8 }
func (o co64Offsets) At(i int) int64 { return int64(be.Uint64(o[i*8:])) }

// EncodeStco returns the payload (version and flags included) of an stco box.
func EncodeStco(offsets []uint32) []byte {
	buf := make([]byte, 8+4*len(offsets))
	be.PutUint32(buf[4:], uint32(len(offsets)))
	for i, o := range offsets {
		be.PutUint32(buf[8+i*4:], o)
	}
	return buf
}

// EncodeCo64 returns the payload (version and flags included) of a co64 box.
func EncodeCo64(offsets []uint64) []byte {
	buf := make([]byte, 8+8*len(offsets))
	be.PutUint32(buf[4:], uint32(len(offsets)))
	for i, o := range offsets {
		be.PutUint64(buf[8+i*8:], o)
	}
	return buf
}
