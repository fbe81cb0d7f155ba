package demux

import (
	"fmt"
	"io"

	"github.com/tetsuo/isodemux"
)

var startCode = [4]byte{0, 0, 0, 1}

// sampleWriter copies one sample from the input to a TrackOutput. Samples
// of length-prefixed NAL codecs have each length prefix replaced by a
// 4-byte start code; the sample grows when the prefix is shorter than 4
// bytes. All progress is kept in the writer, so write can be called again
// after it reports that more data is needed.
type sampleWriter struct {
	out           TrackOutput
	nalLengthSize int
	mime          string

	// captions receives SEI NAL units when non-nil.
	captions TrackOutput
	timeUs   int64

	// remaining is the number of input bytes of the sample not yet consumed.
	remaining int
	// written is the number of bytes passed to out, the final sample size
	// once remaining reaches zero.
	written int
	// nalRemaining is the number of bytes left in the current NAL unit.
	nalRemaining int
	// seiHeader is the NAL header size of the current NAL unit if it is an
	// SEI unit forwarded to captions, else 0.
	seiHeader int

	scratch []byte
}

// reset starts a sample of size input bytes. written starts at prefix, the
// number of bytes already passed to out for this sample.
func (w *sampleWriter) reset(size, prefix int, timeUs int64) {
	w.remaining = size
	w.written = prefix
	w.nalRemaining = 0
	w.seiHeader = 0
	w.timeUs = timeUs
}

// write consumes as much of the sample as is available. It returns
// mp4.ErrNeedMoreData until the whole sample has been written.
func (w *sampleWriter) write(in mp4.Input) error {
	if w.nalLengthSize == 0 {
		return w.copyRaw(in)
	}
	for w.remaining > 0 {
		if w.nalRemaining == 0 {
			if err := w.readNALHeader(in); err != nil {
				return err
			}
			continue
		}
		if w.seiHeader > 0 {
			if err := w.forwardSEI(in); err != nil {
				return err
			}
			continue
		}
		n, err := w.copy(in, w.nalRemaining)
		w.nalRemaining -= n
		if err != nil {
			return err
		}
	}
	return nil
}

func (w *sampleWriter) copyRaw(in mp4.Input) error {
	for w.remaining > 0 {
		if _, err := w.copy(in, w.remaining); err != nil {
			return err
		}
	}
	return nil
}

// copy passes up to n available bytes to out.
func (w *sampleWriter) copy(in mp4.Input, n int) (int, error) {
	n = int(min(int64(n), in.Available()))
	if n == 0 {
		if l := in.Length(); l != mp4.LengthUnknown && in.Position() >= l {
			return 0, fmt.Errorf("sample: %w", io.ErrUnexpectedEOF)
		}
		return 0, mp4.ErrNeedMoreData
	}
	buf := w.buffer(min(n, 64*1024))
	n, err := in.Read(buf)
	if err != nil && err != io.EOF {
		return n, err
	}
	w.out.SampleData(buf[:n])
	w.remaining -= n
	w.written += n
	return n, nil
}

// readNALHeader reads a length prefix and the first NAL byte, and writes a
// start code followed by that byte.
func (w *sampleWriter) readNALHeader(in mp4.Input) error {
	hdr := w.nalLengthSize + 1
	if w.remaining < hdr {
		return fmt.Errorf("%w: %d bytes left in sample, need a %d-byte NAL header", mp4.ErrMalformed, w.remaining, hdr)
	}
	var buf [5]byte
	if err := mp4.ReadFull(in, buf[:hdr]); err != nil {
		return err
	}
	length := 0
	for _, b := range buf[:w.nalLengthSize] {
		length = length<<8 | int(b)
	}
	if length < 1 {
		return fmt.Errorf("%w: NAL unit length %d", mp4.ErrMalformed, length)
	}
	if length-1 > w.remaining-hdr {
		return fmt.Errorf("%w: NAL unit of %d bytes exceeds sample", mp4.ErrMalformed, length)
	}
	w.remaining -= hdr
	w.nalRemaining = length - 1

	w.out.SampleData(startCode[:])
	w.out.SampleData(buf[w.nalLengthSize:hdr])
	w.written += len(startCode) + 1

	w.seiHeader = 0
	if w.captions != nil {
		w.seiHeader = seiNALHeaderSize(w.mime, buf[w.nalLengthSize])
		if w.seiHeader > 0 {
			w.scratch = append(w.scratch[:0], buf[w.nalLengthSize])
		}
	}
	return nil
}

// forwardSEI buffers a whole SEI NAL unit, writes it to out and hands its
// caption data to the caption track.
func (w *sampleWriter) forwardSEI(in mp4.Input) error {
	n := w.nalRemaining
	start := len(w.scratch)
	w.scratch = append(w.scratch, make([]byte, n)...)
	if err := mp4.ReadFull(in, w.scratch[start:]); err != nil {
		w.scratch = w.scratch[:start]
		return err
	}
	w.out.SampleData(w.scratch[start:])
	w.remaining -= n
	w.written += n
	w.nalRemaining = 0
	consumeSEI(w.timeUs, w.scratch, w.seiHeader, w.captions)
	w.seiHeader = 0
	return nil
}

func (w *sampleWriter) buffer(n int) []byte {
	if cap(w.scratch) < n {
		w.scratch = make([]byte, n)
	}
	return w.scratch[:n]
}
