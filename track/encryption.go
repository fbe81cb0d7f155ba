package track

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/tetsuo/isodemux"
)

// Common encryption scheme types.
const (
	SchemeCENC = "cenc"
	SchemeCBC1 = "cbc1"
	SchemeCENS = "cens"
	SchemeCBCS = "cbcs"
)

// CryptoMode is the cipher mode of an encryption scheme.
type CryptoMode int

const (
	CryptoModeUnencrypted CryptoMode = iota
	CryptoModeAESCTR
	CryptoModeAESCBC
)

func (m CryptoMode) String() string {
	switch m {
	case CryptoModeAESCTR:
		return "aes-ctr"
	case CryptoModeAESCBC:
		return "aes-cbc"
	}
	return "unencrypted"
}

// TrackEncryptionBox holds default common encryption parameters, from a
// tenc box or from a fragment's seig sample group.
type TrackEncryptionBox struct {
	IsEncrypted     bool
	SchemeType      string // empty when defined by a sample group
	PerSampleIVSize int    // 0, 8 or 16
	KeyID           uuid.UUID
	CryptByteBlock  int
	SkipByteBlock   int
	ConstantIV      []byte // set when PerSampleIVSize is 0
}

// Mode returns the cipher mode implied by the scheme type.
func (b *TrackEncryptionBox) Mode() CryptoMode {
	switch b.SchemeType {
	case SchemeCBC1, SchemeCBCS:
		return CryptoModeAESCBC
	}
	return CryptoModeAESCTR
}

func isCENCScheme(s string) bool {
	switch s {
	case SchemeCENC, SchemeCBC1, SchemeCENS, SchemeCBCS:
		return true
	}
	return false
}

// ParseTenc parses tenc box data (after version and flags).
func ParseTenc(version uint8, data []byte, schemeType string) (*TrackEncryptionBox, error) {
	if len(data) < 20 {
		return nil, fmt.Errorf("%w: tenc needs 20 bytes, has %d", mp4.ErrMalformed, len(data))
	}
	b := &TrackEncryptionBox{SchemeType: schemeType}
	if version != 0 {
		pattern := data[1]
		b.CryptByteBlock = int(pattern&0xf0) >> 4
		b.SkipByteBlock = int(pattern & 0x0f)
	}
	b.IsEncrypted = data[2] == 1
	b.PerSampleIVSize = int(data[3])
	copy(b.KeyID[:], data[4:20])
	if b.IsEncrypted && b.PerSampleIVSize == 0 {
		if len(data) < 21 {
			return nil, fmt.Errorf("%w: tenc constant IV size missing", mp4.ErrMalformed)
		}
		n := int(data[20])
		if len(data) < 21+n {
			return nil, fmt.Errorf("%w: tenc constant IV truncated", mp4.ErrMalformed)
		}
		b.ConstantIV = append([]byte(nil), data[21:21+n]...)
	}
	return b, nil
}

// parseSinf reads a protection scheme info box. It returns the original
// sample entry format and, for common encryption schemes, the default
// encryption parameters. ok is false if the scheme is not supported.
func parseSinf(data []byte) (format mp4.BoxType, box *TrackEncryptionBox, ok bool, err error) {
	var schemeType string
	var schi []byte
	haveFrma := false

	r := mp4.NewReader(data)
	for r.Next() {
		switch r.Type() {
		case mp4.TypeFrma:
			if d := r.Data(); len(d) >= 4 {
				copy(format[:], d[:4])
				haveFrma = true
			}
		case mp4.TypeSchm:
			if d := r.Data(); len(d) >= 4 {
				schemeType = string(d[:4])
			}
		case mp4.TypeSchi:
			schi = r.Data()
		}
	}

	if !isCENCScheme(schemeType) {
		return format, nil, false, nil
	}
	if !haveFrma {
		return format, nil, false, fmt.Errorf("%w: frma in sinf", ErrMissingBox)
	}
	tr := mp4.NewReader(schi)
	for tr.Next() {
		if tr.Type() == mp4.TypeTenc {
			box, err = ParseTenc(tr.Version(), tr.Data(), schemeType)
			if err != nil {
				return format, nil, false, err
			}
			return format, box, true, nil
		}
	}
	return format, nil, false, fmt.Errorf("%w: tenc in %s sinf", ErrMissingBox, schemeType)
}

// SchemeData is the initialization data of one DRM system.
type SchemeData struct {
	SystemID uuid.UUID `json:"systemId"`
	MimeType string    `json:"mimeType"`
	// Data is the complete pssh box, header included.
	Data []byte `json:"-"`
}

// DRMInitData collects the pssh boxes of a movie or fragment.
type DRMInitData struct {
	SchemeType string       `json:"schemeType,omitempty"`
	Schemes    []SchemeData `json:"schemes"`
}

// WithSchemeType returns a copy of d with the scheme type set.
func (d *DRMInitData) WithSchemeType(s string) *DRMInitData {
	if d == nil || d.SchemeType == s {
		return d
	}
	c := *d
	c.SchemeType = s
	return &c
}

// ParsePssh collects pssh leaves into DRM init data. It returns nil if there
// are none. Leaves too short to carry a system id are skipped.
func ParsePssh(leaves []*mp4.Leaf) *DRMInitData {
	var d *DRMInitData
	for _, l := range leaves {
		data := l.Data()
		if len(data) < 16 {
			continue
		}
		id, err := uuid.FromBytes(data[:16])
		if err != nil {
			continue
		}
		if d == nil {
			d = &DRMInitData{}
		}
		raw := make([]byte, 8+len(l.Payload))
		putBoxHeader(raw, mp4.TypePssh)
		copy(raw[8:], l.Payload)
		d.Schemes = append(d.Schemes, SchemeData{SystemID: id, MimeType: "video/mp4", Data: raw})
	}
	return d
}

func putBoxHeader(buf []byte, t mp4.BoxType) {
	be.PutUint32(buf, uint32(len(buf)))
	copy(buf[4:8], t[:])
}
