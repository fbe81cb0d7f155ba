package mp4

// Reader walks sibling boxes in a buffer that is already in memory, such as
// the children of an stsd entry or of a udta leaf. Nested boxes are walked
// by handing Data to a new Reader.
type Reader struct {
	buf  []byte
	next int

	typ     BoxType
	start   int
	payload int
	end     int
	version uint8
}

func NewReader(buf []byte) Reader {
	return Reader{buf: buf}
}

// Next moves to the following sibling. It returns false at the end of the
// buffer or when the next header is truncated or declares a size that does
// not fit.
func (r *Reader) Next() bool {
	rest := r.buf[r.next:]
	if len(rest) < 8 {
		return false
	}
	size := uint64(be.Uint32(rest))
	hdr := 8
	switch size {
	case 0:
		size = uint64(len(rest))
	case 1:
		if len(rest) < 16 {
			return false
		}
		size = be.Uint64(rest[8:])
		hdr = 16
	}
	if size < uint64(hdr) || size > uint64(len(rest)) {
		return false
	}

	typ := BoxType(rest[4:8])
	r.version = 0
	if IsFullBox(typ) {
		if size < uint64(hdr)+4 {
			return false
		}
		r.version = rest[hdr]
		hdr += 4
	}
	r.typ = typ
	r.start = r.next
	r.payload = r.next + hdr
	r.end = r.next + int(size)
	r.next = r.end
	return true
}

// Type returns the current box type.
func (r *Reader) Type() BoxType { return r.typ }

// Version returns the version of a full box, or 0.
func (r *Reader) Version() uint8 { return r.version }

// Data returns the current payload, after the version and flags of a full
// box. It aliases the buffer.
func (r *Reader) Data() []byte { return r.buf[r.payload:r.end] }

// RawBox returns the current box including its header.
func (r *Reader) RawBox() []byte { return r.buf[r.start:r.end] }

// Leaf returns the current box as a Leaf positioned relative to the buffer.
// A full box keeps its version and flags in the payload, as Leaf expects.
func (r *Reader) Leaf() *Leaf {
	payload := r.payload
	if IsFullBox(r.typ) {
		payload -= 4
	}
	return &Leaf{Type: r.typ, Position: int64(r.start), Payload: r.buf[payload:r.end]}
}

// FindChild returns the payload of the first box of type t in buf.
func FindChild(buf []byte, t BoxType) ([]byte, bool) {
	r := NewReader(buf)
	for r.Next() {
		if r.typ == t {
			return r.Data(), true
		}
	}
	return nil, false
}
