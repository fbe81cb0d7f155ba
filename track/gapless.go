package track

import (
	"regexp"
	"strconv"

	"github.com/tetsuo/isodemux"
)

// GaplessInfo holds the encoder delay and padding of an audio track, in samples.
type GaplessInfo struct {
	EncoderDelay   int
	EncoderPadding int
}

// Valid reports whether either field is set.
func (g GaplessInfo) Valid() bool {
	return g.EncoderDelay > 0 || g.EncoderPadding > 0
}

// Apply copies the delay and padding into an audio format.
func (g GaplessInfo) Apply(f *Format) {
	if g.Valid() {
		f.EncoderDelay = g.EncoderDelay
		f.EncoderPadding = g.EncoderPadding
	}
}

var iTunSMPB = regexp.MustCompile(`^ [0-9a-fA-F]{8} ([0-9a-fA-F]{8}) ([0-9a-fA-F]{8})`)

var (
	typeName     = mp4.BoxType{'n', 'a', 'm', 'e'}
	typeData     = mp4.BoxType{'d', 'a', 't', 'a'}
	typeFreeform = mp4.BoxType{'-', '-', '-', '-'}
)

// ParseGapless looks for an iTunSMPB comment in the payload of a udta
// leaf. It returns a zero GaplessInfo if there is none.
func ParseGapless(udta *mp4.Leaf) GaplessInfo {
	if udta == nil {
		return GaplessInfo{}
	}
	r := mp4.NewReader(udta.Payload)
	for r.Next() {
		if r.Type() != mp4.TypeMeta {
			continue
		}
		raw := r.RawBox()
		// QuickTime meta boxes are plain boxes; ISO ones are full boxes.
		children := raw[8:]
		if len(raw) < 16 || mp4.BoxType(raw[12:16]) != mp4.TypeHdlr {
			if len(raw) < 12 {
				return GaplessInfo{}
			}
			children = raw[12:]
		}
		ilst, ok := mp4.FindChild(children, mp4.TypeIlst)
		if !ok {
			return GaplessInfo{}
		}
		return parseIlst(ilst)
	}
	return GaplessInfo{}
}

func parseIlst(ilst []byte) GaplessInfo {
	r := mp4.NewReader(ilst)
	for r.Next() {
		if r.Type() != typeFreeform {
			continue
		}
		var name, value string
		fr := mp4.NewReader(r.Data())
		for fr.Next() {
			d := fr.Data()
			switch fr.Type() {
			case typeName:
				if len(d) >= 4 {
					name = string(d[4:])
				}
			case typeData:
				// Type indicator and locale precede the value.
				if len(d) >= 8 {
					value = string(d[8:])
				}
			}
		}
		if name != "iTunSMPB" {
			continue
		}
		if g, ok := gaplessFromComment(value); ok {
			return g
		}
	}
	return GaplessInfo{}
}

func gaplessFromComment(s string) (GaplessInfo, bool) {
	m := iTunSMPB.FindStringSubmatch(s)
	if m == nil {
		return GaplessInfo{}, false
	}
	delay, err := strconv.ParseInt(m[1], 16, 64)
	if err != nil {
		return GaplessInfo{}, false
	}
	padding, err := strconv.ParseInt(m[2], 16, 64)
	if err != nil {
		return GaplessInfo{}, false
	}
	if delay <= 0 && padding <= 0 {
		return GaplessInfo{}, false
	}
	return GaplessInfo{EncoderDelay: int(delay), EncoderPadding: int(padding)}, true
}
