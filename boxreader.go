package mp4

import (
	"fmt"
	"io"
	"math"
)

// EventKind identifies what a call to BoxReader.Next produced.
type EventKind uint8

const (
	// EventNeedMoreData means no progress can be made until more input arrives.
	EventNeedMoreData EventKind = iota
	// EventEndOfInput means the input ended on a top-level box boundary.
	EventEndOfInput
	// EventContainerOpen is emitted after a container header is read.
	EventContainerOpen
	// EventContainerClose is emitted when the cursor reaches a container's end.
	// The container has already been attached to its parent, if any.
	EventContainerClose
	// EventLeaf is emitted once a leaf payload is fully buffered.
	EventLeaf
	// EventOpaque is emitted after the header of a box classified as skip.
	EventOpaque
)

func (k EventKind) String() string {
	switch k {
	case EventNeedMoreData:
		return "need-more-data"
	case EventEndOfInput:
		return "end-of-input"
	case EventContainerOpen:
		return "container-open"
	case EventContainerClose:
		return "container-close"
	case EventLeaf:
		return "leaf"
	case EventOpaque:
		return "opaque"
	}
	return fmt.Sprintf("event(%d)", k)
}

// Header describes a box header read from the input.
type Header struct {
	Type       BoxType
	Position   int64 // absolute position of the first header byte
	HeaderSize int   // 8, or 16 with a large size
	Size       int64 // total size including the header; 0 if unresolved
}

// Unbounded reports whether the box extends to an end of input that is not yet known.
func (h Header) Unbounded() bool { return h.Size == 0 }

// End returns the absolute end position, or LengthUnknown for unbounded boxes.
func (h Header) End() int64 {
	if h.Size == 0 {
		return LengthUnknown
	}
	return h.Position + h.Size
}

// PayloadSize returns the size of the box minus its header, or LengthUnknown.
func (h Header) PayloadSize() int64 {
	if h.Size == 0 {
		return LengthUnknown
	}
	return h.Size - int64(h.HeaderSize)
}

// Event is one unit of progress made by BoxReader.Next.
type Event struct {
	Kind      EventKind
	Header    Header
	Depth     int // number of open containers enclosing the box
	Leaf      *Leaf
	Container *Container
}

type boxReaderState uint8

const (
	stateHeader boxReaderState = iota
	stateLeafPayload
	stateSkipPayload
)

// BoxReader turns an Input into a stream of box events, one box at a time.
// All progress is held in the reader, so after EventNeedMoreData the caller
// simply calls Next again once more input is available.
type BoxReader struct {
	classify func(BoxType) Class

	state   boxReaderState
	cur     Header
	payload []byte
	filled  int
	skip    int64 // payload bytes still to skip; LengthUnknown for unbounded boxes

	stack []*Container
}

// NewBoxReader returns a reader using classify to decide how each box type
// is handled. A nil classify uses Classify.
func NewBoxReader(classify func(BoxType) Class) *BoxReader {
	if classify == nil {
		classify = Classify
	}
	return &BoxReader{classify: classify}
}

// Reset drops all open containers and any partially read box.
func (r *BoxReader) Reset() {
	r.state = stateHeader
	r.cur = Header{}
	r.payload = nil
	r.filled = 0
	r.skip = 0
	clear(r.stack)
	r.stack = r.stack[:0]
}

// Depth returns the number of currently open containers.
func (r *BoxReader) Depth() int { return len(r.stack) }

// Top returns the innermost open container, or nil.
func (r *BoxReader) Top() *Container {
	if len(r.stack) == 0 {
		return nil
	}
	return r.stack[len(r.stack)-1]
}

// Claim hands the payload of the box reported by the last EventOpaque to the
// caller. The caller must consume the payload up to the box end before
// calling Next again.
func (r *BoxReader) Claim() {
	if r.state == stateSkipPayload {
		r.state = stateHeader
		r.skip = 0
	}
}

// Next advances the reader by one event.
func (r *BoxReader) Next(in Input) (Event, error) {
	for {
		switch r.state {
		case stateLeafPayload:
			n, err := in.Read(r.payload[r.filled:])
			r.filled += n
			if err != nil && err != io.EOF {
				return Event{}, err
			}
			if r.filled < len(r.payload) {
				if atEnd(in) {
					return Event{}, fmt.Errorf("%s: %w", r.cur.Type, io.ErrUnexpectedEOF)
				}
				return Event{Kind: EventNeedMoreData}, nil
			}
			leaf := &Leaf{Type: r.cur.Type, Position: r.cur.Position, Payload: r.payload}
			r.payload = nil
			r.state = stateHeader
			if top := r.Top(); top != nil {
				top.add(leaf)
			}
			return Event{Kind: EventLeaf, Header: r.cur, Depth: len(r.stack), Leaf: leaf}, nil

		case stateSkipPayload:
			if r.skip == LengthUnknown {
				if _, err := in.Skip(in.Available()); err != nil && err != io.EOF {
					return Event{}, err
				}
				if !atEnd(in) {
					return Event{Kind: EventNeedMoreData}, nil
				}
				r.state = stateHeader
				continue
			}
			rem, err := SkipFull(in, r.skip)
			r.skip = rem
			if err != nil {
				return Event{}, fmt.Errorf("%s: %w", r.cur.Type, err)
			}
			if rem > 0 {
				return Event{Kind: EventNeedMoreData}, nil
			}
			r.state = stateHeader

		default:
			if top := r.Top(); top != nil && in.Position() >= top.End {
				r.stack = r.stack[:len(r.stack)-1]
				if parent := r.Top(); parent != nil {
					parent.add(top)
				}
				return Event{
					Kind:      EventContainerClose,
					Header:    Header{Type: top.Type, Position: top.Position, Size: top.End - top.Position},
					Depth:     len(r.stack),
					Container: top,
				}, nil
			}
			if len(r.stack) == 0 && atEnd(in) {
				return Event{Kind: EventEndOfInput}, nil
			}

			h, err := r.readHeader(in)
			if err == ErrNeedMoreData {
				return Event{Kind: EventNeedMoreData}, nil
			}
			if err != nil {
				return Event{}, err
			}
			r.cur = h

			switch r.classify(h.Type) {
			case ClassContainer:
				if h.Unbounded() {
					return Event{}, fmt.Errorf("%w: unbounded %s container", ErrUnsupported, h.Type)
				}
				c := &Container{Type: h.Type, Position: h.Position, End: h.End()}
				depth := len(r.stack)
				r.stack = append(r.stack, c)
				return Event{Kind: EventContainerOpen, Header: h, Depth: depth, Container: c}, nil

			case ClassLeaf:
				if h.Unbounded() {
					return Event{}, fmt.Errorf("%w: unbounded %s leaf", ErrUnsupported, h.Type)
				}
				if h.Size > math.MaxInt32 {
					return Event{}, fmt.Errorf("%w: %s of %d bytes", ErrTooLarge, h.Type, h.Size)
				}
				r.payload = make([]byte, h.PayloadSize())
				r.filled = 0
				r.state = stateLeafPayload

			default:
				r.skip = h.PayloadSize()
				r.state = stateSkipPayload
				return Event{Kind: EventOpaque, Header: h, Depth: len(r.stack)}, nil
			}
		}
	}
}

// readHeader consumes one box header, or nothing if the whole header is not
// yet available.
func (r *BoxReader) readHeader(in Input) (Header, error) {
	var buf [16]byte
	if err := PeekFull(in, buf[:8]); err != nil {
		return Header{}, err
	}
	h := Header{Position: in.Position(), HeaderSize: 8}
	copy(h.Type[:], buf[4:8])
	size := int64(be.Uint32(buf[:4]))

	switch size {
	case 1:
		if err := PeekFull(in, buf[:16]); err != nil {
			return Header{}, err
		}
		large := be.Uint64(buf[8:])
		if large > math.MaxInt64 {
			return Header{}, fmt.Errorf("%w: %s large size %d", ErrTooLarge, h.Type, large)
		}
		size = int64(large)
		h.HeaderSize = 16
	case 0:
		end := LengthUnknown
		if top := r.Top(); top != nil {
			end = top.End
		} else {
			end = in.Length()
		}
		if end != LengthUnknown {
			size = end - h.Position
			if size == 0 {
				size = -1 // forces the malformed check below
			}
		}
	}

	if size != 0 && size < int64(h.HeaderSize) {
		return Header{}, fmt.Errorf("%w: %s size %d smaller than header", ErrMalformed, h.Type, size)
	}
	if top := r.Top(); top != nil && size != 0 && size > top.End-h.Position {
		return Header{}, fmt.Errorf("%w: %s extends past %s end", ErrMalformed, h.Type, top.Type)
	}
	h.Size = size

	if _, err := in.Skip(int64(h.HeaderSize)); err != nil && err != io.EOF {
		return Header{}, err
	}
	return h, nil
}
