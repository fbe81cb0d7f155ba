package input

import (
	"errors"
	"io"

	"github.com/tetsuo/isodemux"
)

var errNegativeSeek = errors.New("input: negative position")

// Buffer is an in-memory input that can grow while it is being read. Until
// Close is called its length is unknown and reads beyond the appended bytes
// report partial progress.
type Buffer struct {
	data   []byte
	pos    int64
	closed bool
}

// NewBuffer returns a closed Buffer holding data.
func NewBuffer(data []byte) *Buffer {
	return &Buffer{data: data, closed: true}
}

// NewStream returns an open Buffer with no data.
func NewStream() *Buffer {
	return &Buffer{}
}

// Append adds bytes to the end of an open buffer.
func (b *Buffer) Append(p []byte) {
	if b.closed {
		panic("input: append to closed buffer")
	}
	b.data = append(b.data, p...)
}

// Close marks the end of input, making the length known.
func (b *Buffer) Close() { b.closed = true }

func (b *Buffer) remaining() []byte {
	if b.pos >= int64(len(b.data)) {
		return nil
	}
	return b.data[b.pos:]
}

func (b *Buffer) Read(p []byte) (int, error) {
	n := copy(p, b.remaining())
	b.pos += int64(n)
	if n == 0 && len(p) > 0 && b.closed && b.pos >= int64(len(b.data)) {
		return 0, io.EOF
	}
	return n, nil
}

func (b *Buffer) Skip(n int64) (int64, error) {
	n = min(n, b.Available())
	b.pos += n
	return n, nil
}

func (b *Buffer) Peek(p []byte) (int, error) {
	return copy(p, b.remaining()), nil
}

func (b *Buffer) Available() int64 { return int64(len(b.remaining())) }

func (b *Buffer) Position() int64 { return b.pos }

func (b *Buffer) Length() int64 {
	if !b.closed {
		return mp4.LengthUnknown
	}
	return int64(len(b.data))
}

// Seek repositions the cursor. Positions beyond the appended data are
// allowed on open buffers; reads resume once that data arrives.
func (b *Buffer) Seek(pos int64) error {
	if pos < 0 {
		return errNegativeSeek
	}
	b.pos = pos
	return nil
}
