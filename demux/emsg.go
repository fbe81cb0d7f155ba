package demux

import (
	"bytes"
	"fmt"
	"math"
	"strconv"

	"github.com/tetsuo/isodemux"
	"github.com/tetsuo/isodemux/track"
)

// timeUnset marks a time that is not known yet.
const timeUnset = math.MinInt64 + 1

const emsgTrackID = captionTrackIDBase

// EventMessage is an in-band event carried by an emsg box.
type EventMessage struct {
	SchemeIDURI string `json:"schemeIdUri"`
	Value       string `json:"value"`
	DurationMs  int64  `json:"durationMs"`
	ID          int64  `json:"id"`
	Data        []byte `json:"data,omitempty"`
}

// Encode returns the sample form of e written to the emsg metadata track:
// the scheme and value as NUL-terminated strings, then the duration and id
// as 32-bit big endian integers, then the message data.
func (e EventMessage) Encode() []byte {
	buf := make([]byte, 0, len(e.SchemeIDURI)+len(e.Value)+10+len(e.Data))
	buf = append(buf, e.SchemeIDURI...)
	buf = append(buf, 0)
	buf = append(buf, e.Value...)
	buf = append(buf, 0)
	buf = be.AppendUint32(buf, uint32(e.DurationMs))
	buf = be.AppendUint32(buf, uint32(e.ID))
	return append(buf, e.Data...)
}

// DecodeEventMessage parses a sample of the emsg metadata track.
func DecodeEventMessage(p []byte) (EventMessage, error) {
	var e EventMessage
	i := bytes.IndexByte(p, 0)
	if i < 0 {
		return e, fmt.Errorf("%w: event message scheme", mp4.ErrMalformed)
	}
	e.SchemeIDURI = string(p[:i])
	p = p[i+1:]
	if i = bytes.IndexByte(p, 0); i < 0 {
		return e, fmt.Errorf("%w: event message value", mp4.ErrMalformed)
	}
	e.Value = string(p[:i])
	p = p[i+1:]
	if len(p) < 8 {
		return e, fmt.Errorf("%w: event message header", mp4.ErrMalformed)
	}
	e.DurationMs = int64(be.Uint32(p))
	e.ID = int64(be.Uint32(p[4:]))
	if len(p) > 8 {
		e.Data = append([]byte(nil), p[8:]...)
	}
	return e, nil
}

func emsgFormat() track.Format {
	return track.Format{
		ID:                    strconv.Itoa(emsgTrackID),
		SampleMimeType:        track.MimeEmsg,
		MaxInputSize:          track.NoValue,
		PixelWidthHeightRatio: 1,
	}
}

// emsgEvent is a parsed emsg box. If timeUs is timeUnset the event time is
// deltaUs after the next media sample.
type emsgEvent struct {
	msg     EventMessage
	timeUs  int64
	deltaUs int64
}

// parseEmsg reads an emsg leaf. earliestUs is the earliest presentation
// time of the last segment index, or timeUnset; version 0 times are
// relative to it. ok is false for unknown versions.
func parseEmsg(l *mp4.Leaf, earliestUs int64) (ev emsgEvent, ok bool, err error) {
	data := l.Data()
	ev.timeUs = timeUnset
	switch l.Version() {
	case 0:
		scheme, n := mp4.ParseCString(data)
		data = data[n:]
		value, n := mp4.ParseCString(data)
		data = data[n:]
		if len(data) < 16 {
			return ev, false, fmt.Errorf("%w: emsg v0 needs 16 bytes after strings, has %d", mp4.ErrMalformed, len(data))
		}
		timescale := int64(be.Uint32(data))
		if timescale == 0 {
			return ev, false, fmt.Errorf("%w: emsg zero timescale", mp4.ErrMalformed)
		}
		ev.deltaUs = track.Scale(int64(be.Uint32(data[4:])), 1_000_000, timescale)
		if earliestUs != timeUnset {
			ev.timeUs = earliestUs + ev.deltaUs
		}
		ev.msg = EventMessage{
			SchemeIDURI: scheme,
			Value:       value,
			DurationMs:  track.Scale(int64(be.Uint32(data[8:])), 1000, timescale),
			ID:          int64(be.Uint32(data[12:])),
		}
		data = data[16:]
	case 1:
		if len(data) < 20 {
			return ev, false, fmt.Errorf("%w: emsg v1 needs 20 bytes, has %d", mp4.ErrMalformed, len(data))
		}
		timescale := int64(be.Uint32(data))
		if timescale == 0 {
			return ev, false, fmt.Errorf("%w: emsg zero timescale", mp4.ErrMalformed)
		}
		t := be.Uint64(data[4:])
		if t > math.MaxInt64 {
			return ev, false, fmt.Errorf("%w: emsg presentation time %d", mp4.ErrMalformed, t)
		}
		ev.timeUs = track.Scale(int64(t), 1_000_000, timescale)
		ev.msg.DurationMs = track.Scale(int64(be.Uint32(data[12:])), 1000, timescale)
		ev.msg.ID = int64(be.Uint32(data[16:]))
		data = data[20:]
		var n int
		ev.msg.SchemeIDURI, n = mp4.ParseCString(data)
		data = data[n:]
		ev.msg.Value, n = mp4.ParseCString(data)
		data = data[n:]
	default:
		return ev, false, nil
	}
	if len(data) > 0 {
		ev.msg.Data = append([]byte(nil), data...)
	}
	return ev, true, nil
}

// pendingMetadata is an emsg sample whose data has been written but whose
// metadata waits for the next media sample.
type pendingMetadata struct {
	timeUs   int64
	relative bool
	size     int
}
