package mp4

import "io"

// LengthUnknown is returned by Input.Length when the total length is not known.
const LengthUnknown int64 = -1

// Input is a forward-only byte cursor over a stream that may still be
// arriving. None of its methods block: Read, Skip and Peek act on at most
// Available bytes and report how much they did.
type Input interface {
	// Read copies up to len(p) available bytes and consumes them. It returns
	// io.EOF only at the end of input with nothing read.
	Read(p []byte) (int, error)
	// Skip consumes up to n available bytes.
	Skip(n int64) (int64, error)
	// Peek copies up to len(p) available bytes without consuming them.
	Peek(p []byte) (int, error)
	// Available is the number of bytes that can be consumed right now.
	Available() int64
	// Position is the absolute offset of the next byte.
	Position() int64
	// Length is the total input length, or LengthUnknown.
	Length() int64
}

// atEnd reports whether in has been consumed up to a known length.
func atEnd(in Input) bool {
	l := in.Length()
	return l != LengthUnknown && in.Position() >= l
}

// ReadFull reads exactly len(p) bytes. If fewer are available it consumes
// nothing and returns ErrNeedMoreData, or io.ErrUnexpectedEOF if the input
// ends before len(p) bytes.
func ReadFull(in Input, p []byte) error {
	if err := require(in, int64(len(p))); err != nil {
		return err
	}
	n, err := in.Read(p)
	if err != nil && err != io.EOF {
		return err
	}
	if n < len(p) {
		return io.ErrUnexpectedEOF
	}
	return nil
}

// PeekFull peeks exactly len(p) bytes with the same failure modes as ReadFull.
func PeekFull(in Input, p []byte) error {
	if err := require(in, int64(len(p))); err != nil {
		return err
	}
	n, err := in.Peek(p)
	if err != nil && err != io.EOF {
		return err
	}
	if n < len(p) {
		return io.ErrUnexpectedEOF
	}
	return nil
}

// SkipFull skips as many of n bytes as are available and returns the
// remainder still to be skipped. A zero remainder means the skip completed.
func SkipFull(in Input, n int64) (int64, error) {
	if n <= 0 {
		return 0, nil
	}
	skipped, err := in.Skip(min(n, in.Available()))
	n -= skipped
	if err != nil && err != io.EOF {
		return n, err
	}
	if n > 0 && atEnd(in) {
		return n, io.ErrUnexpectedEOF
	}
	return n, nil
}

func require(in Input, n int64) error {
	if in.Available() >= n {
		return nil
	}
	if l := in.Length(); l != LengthUnknown && l-in.Position() < n {
		return io.ErrUnexpectedEOF
	}
	return ErrNeedMoreData
}
