package input

import (
	"fmt"
	"io"
	"os"

	"github.com/sunfish-shogi/bufseekio"
)

const (
	fileBufferSize  = 128 * 1024
	fileHistorySize = 4
)

// File is an input over a seekable source of known size. Every byte up to
// the size counts as available.
type File struct {
	rs     *bufseekio.ReadSeeker
	closer io.Closer
	pos    int64
	size   int64
}

// NewFile wraps r, which is rewound to its start.
func NewFile(r io.ReadSeeker) (*File, error) {
	size, err := r.Seek(0, io.SeekEnd)
	if err != nil {
		return nil, fmt.Errorf("input: size: %w", err)
	}
	if _, err := r.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("input: rewind: %w", err)
	}
	return &File{
		rs:   bufseekio.NewReadSeeker(r, fileBufferSize, fileHistorySize),
		size: size,
	}, nil
}

// Open opens the named file as an input. Close releases it.
func Open(name string) (*File, error) {
	f, err := os.Open(name)
	if err != nil {
		return nil, err
	}
	in, err := NewFile(f)
	if err != nil {
		f.Close()
		return nil, err
	}
	in.closer = f
	return in, nil
}

// Close closes the underlying file if the input was created by Open.
func (f *File) Close() error {
	if f.closer == nil {
		return nil
	}
	return f.closer.Close()
}

func (f *File) Read(p []byte) (int, error) {
	if f.pos >= f.size {
		if len(p) == 0 {
			return 0, nil
		}
		return 0, io.EOF
	}
	p = p[:min(int64(len(p)), f.size-f.pos)]
	n, err := io.ReadFull(f.rs, p)
	f.pos += int64(n)
	if err == io.ErrUnexpectedEOF {
		// The source shrank underneath us.
		f.size = f.pos
		err = nil
	}
	return n, err
}

func (f *File) Skip(n int64) (int64, error) {
	n = min(n, f.Available())
	if n <= 0 {
		return 0, nil
	}
	if _, err := f.rs.Seek(f.pos+n, io.SeekStart); err != nil {
		return 0, err
	}
	f.pos += n
	return n, nil
}

func (f *File) Peek(p []byte) (int, error) {
	p = p[:min(int64(len(p)), f.Available())]
	if len(p) == 0 {
		return 0, nil
	}
	n, err := io.ReadFull(f.rs, p)
	if _, serr := f.rs.Seek(f.pos, io.SeekStart); serr != nil {
		return n, serr
	}
	if err == io.ErrUnexpectedEOF {
		err = nil
	}
	return n, err
}

func (f *File) Available() int64 { return max(f.size-f.pos, 0) }

func (f *File) Position() int64 { return f.pos }

func (f *File) Length() int64 { return f.size }

// Seek repositions the cursor.
func (f *File) Seek(pos int64) error {
	if pos < 0 {
		return errNegativeSeek
	}
	if _, err := f.rs.Seek(pos, io.SeekStart); err != nil {
		return err
	}
	f.pos = pos
	return nil
}
