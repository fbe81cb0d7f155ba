package demux

import (
	"github.com/google/uuid"

	"github.com/tetsuo/isodemux/track"
)

// SampleFlags are the flag bits of an emitted sample.
type SampleFlags uint8

const (
	// FlagSync marks a sample decodable without earlier samples.
	FlagSync SampleFlags = 1 << iota
	// FlagEncrypted marks a sample whose data starts with an encryption
	// signal byte, an IV and optionally a subsample table.
	FlagEncrypted
)

// Subsample is one clear and encrypted byte range pair of an encrypted sample.
type Subsample struct {
	ClearBytes     int `json:"clear"`
	EncryptedBytes int `json:"encrypted"`
}

// CryptoData holds the decryption parameters of one sample.
type CryptoData struct {
	Mode           track.CryptoMode `json:"mode"`
	KeyID          uuid.UUID        `json:"keyId"`
	CryptByteBlock int              `json:"cryptByteBlock,omitempty"`
	SkipByteBlock  int              `json:"skipByteBlock,omitempty"`
	IV             []byte           `json:"iv"`
	// Subsamples is empty when the whole sample is encrypted.
	Subsamples []Subsample `json:"subsamples,omitempty"`
}

// SampleMeta describes a sample whose bytes were passed to SampleData.
type SampleMeta struct {
	TimeUs int64       `json:"timeUs"`
	Flags  SampleFlags `json:"flags"`
	// Size is the number of bytes written for the sample, including any
	// encryption prefix and rewritten NAL start codes.
	Size int `json:"size"`
	// Offset is the distance from the end of the sample's data to the end
	// of all data written so far to the track. It is nonzero only for
	// event messages whose time was resolved after later data was written.
	Offset int         `json:"offset"`
	Crypto *CryptoData `json:"crypto,omitempty"`
}

// TrackOutput receives the format and samples of one track.
type TrackOutput interface {
	Format(f track.Format)
	// SampleData appends bytes to the current sample. It may be called
	// several times per sample; p is only valid during the call.
	SampleData(p []byte)
	// SampleMetadata completes the current sample.
	SampleMetadata(m SampleMeta)
}

// Output receives the tracks and seek map of a stream.
type Output interface {
	// Track returns the output of track id. Calling it twice with the
	// same id returns the same output.
	Track(id int, kind track.TrackKind) TrackOutput
	// EndTracks is called once all tracks have been declared.
	EndTracks()
	SeekMap(m SeekMap)
}

// Sample is a complete sample recorded by Collector.
type Sample struct {
	SampleMeta
	Data []byte `json:"-"`
}

// CollectedTrack is everything a Collector received for one track.
type CollectedTrack struct {
	ID      int             `json:"id"`
	Kind    track.TrackKind `json:"kind"`
	Formats []track.Format  `json:"formats"`
	Samples []Sample        `json:"samples,omitempty"`

	// DiscardData keeps sample metadata but drops sample bytes.
	DiscardData bool `json:"-"`

	pending []byte
}

// LastFormat returns the most recent format, or nil if none was received.
func (t *CollectedTrack) LastFormat() *track.Format {
	if len(t.Formats) == 0 {
		return nil
	}
	return &t.Formats[len(t.Formats)-1]
}

// Format implements TrackOutput.
func (t *CollectedTrack) Format(f track.Format) {
	t.Formats = append(t.Formats, f)
}

// SampleData implements TrackOutput.
func (t *CollectedTrack) SampleData(p []byte) {
	if !t.DiscardData {
		t.pending = append(t.pending, p...)
	}
}

// SampleMetadata implements TrackOutput. The sample takes the bytes
// received since the previous sample.
func (t *CollectedTrack) SampleMetadata(m SampleMeta) {
	s := Sample{SampleMeta: m}
	if !t.DiscardData {
		end := len(t.pending) - m.Offset
		start := max(end-m.Size, 0)
		s.Data = append([]byte(nil), t.pending[start:end]...)
		t.pending = t.pending[end:]
	}
	t.Samples = append(t.Samples, s)
}

// Collector is an Output that keeps everything in memory.
type Collector struct {
	Tracks     []*CollectedTrack
	TracksDone bool
	Seek       SeekMap

	// DiscardData applies to tracks created after it is set.
	DiscardData bool
}

// Track implements Output.
func (c *Collector) Track(id int, kind track.TrackKind) TrackOutput {
	if t := c.TrackByID(id); t != nil {
		return t
	}
	t := &CollectedTrack{ID: id, Kind: kind, DiscardData: c.DiscardData}
	c.Tracks = append(c.Tracks, t)
	return t
}

// TrackByID returns the collected track with the given id, or nil.
func (c *Collector) TrackByID(id int) *CollectedTrack {
	for _, t := range c.Tracks {
		if t.ID == id {
			return t
		}
	}
	return nil
}

// EndTracks implements Output.
func (c *Collector) EndTracks() { c.TracksDone = true }

// SeekMap implements Output.
func (c *Collector) SeekMap(m SeekMap) { c.Seek = m }
