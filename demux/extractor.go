// Package demux extracts track formats and samples from MP4 streams.
//
// A reader is driven by repeated calls to Read. Each call makes progress
// until one sample has been emitted or no progress can be made, and its
// Result tells the driver what to do next.
package demux

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/tetsuo/isodemux"
	"github.com/tetsuo/isodemux/input"
)

var be = binary.BigEndian

// ErrNotMP4 is returned by New when the input is not a recognized MP4 stream.
var ErrNotMP4 = errors.New("demux: not an MP4 stream")

// Result is the outcome of one Read call.
type Result uint8

const (
	// ResultContinue means Read should be called again.
	ResultContinue Result = iota
	// ResultSeek means the input must be repositioned to the returned
	// position before the next Read.
	ResultSeek
	// ResultNeedMoreData means the input has no more buffered bytes. Read
	// resumes where it stopped once more are available.
	ResultNeedMoreData
	// ResultEndOfInput means the stream is fully read.
	ResultEndOfInput
)

func (r Result) String() string {
	switch r {
	case ResultContinue:
		return "continue"
	case ResultSeek:
		return "seek"
	case ResultNeedMoreData:
		return "need more data"
	case ResultEndOfInput:
		return "end of input"
	}
	return fmt.Sprintf("result(%d)", r)
}

// Extractor is implemented by Reader and FragmentedReader.
type Extractor interface {
	// Init sets the output. It is called once before Read.
	Init(out Output)
	// Read makes progress on in. The position is only meaningful with
	// ResultSeek.
	Read(in mp4.Input) (Result, int64, error)
	// Seek prepares the reader for input repositioned to pos in order to
	// reach timeUs.
	Seek(pos, timeUs int64)
}

var (
	_ Extractor = (*Reader)(nil)
	_ Extractor = (*FragmentedReader)(nil)
)

// New sniffs in and returns the matching reader. The input position is
// unchanged. On a stream of unknown length that has not buffered enough to
// decide, New returns mp4.ErrNeedMoreData and can be called again once more
// data arrived.
func New(in mp4.Input, cfg Config) (Extractor, error) {
	kind, err := mp4.SniffKind(in)
	if err != nil {
		return nil, err
	}
	switch kind {
	case mp4.KindUnfragmented:
		return NewReader(cfg), nil
	case mp4.KindFragmented:
		return NewFragmentedReader(cfg), nil
	}
	return nil, ErrNotMP4
}

// Run initializes ex with out and reads in until the end of input, an error
// or cancellation of ctx. Seek results reposition in.
//
// If in runs dry, Run returns io.ErrUnexpectedEOF when the input length is
// known and mp4.ErrNeedMoreData otherwise, so a streaming caller can append
// data and call Run again with a nil out to resume.
func Run(ctx context.Context, ex Extractor, in input.Seeker, out Output) error {
	if out != nil {
		ex.Init(out)
	}
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		res, pos, err := ex.Read(in)
		if err != nil {
			return fmt.Errorf("demux at %d: %w", in.Position(), err)
		}
		switch res {
		case ResultEndOfInput:
			return nil
		case ResultSeek:
			if err := in.Seek(pos); err != nil {
				return fmt.Errorf("demux: seek to %d: %w", pos, err)
			}
		case ResultNeedMoreData:
			if in.Length() != mp4.LengthUnknown {
				return fmt.Errorf("demux at %d: %w", in.Position(), io.ErrUnexpectedEOF)
			}
			return mp4.ErrNeedMoreData
		}
	}
}
