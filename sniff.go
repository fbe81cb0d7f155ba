package mp4

import "strings"

// sniffSearchLength is the default number of bytes peeked while sniffing.
const sniffSearchLength = 4 * 1024

// Kind classifies a sniffed stream.
type Kind uint8

const (
	KindNone Kind = iota
	KindUnfragmented
	KindFragmented
)

func (k Kind) String() string {
	switch k {
	case KindUnfragmented:
		return "unfragmented"
	case KindFragmented:
		return "fragmented"
	}
	return "none"
}

// compatibleBrands are the ftyp brands accepted by Sniff, in addition to any
// brand starting with "3gp".
var compatibleBrands = map[string]bool{
	"isom": true, "iso2": true, "iso3": true, "iso4": true, "iso5": true,
	"iso6": true, "iso8": true, "avc1": true, "hvc1": true, "hev1": true,
	"av01": true, "mp41": true, "mp42": true, "3g2a": true, "3g2b": true,
	"3gr6": true, "3gs6": true, "3ge6": true, "3gg6": true, "M4V ": true,
	"M4A ": true, "f4v ": true, "kddi": true, "M4VP": true, "qt  ": true,
	"MSNV": true, "dby1": true, "isml": true, "piff": true, "dash": true,
	"msdh": true, "msix": true, "cmfc": true,
}

// IsCompatibleBrand reports whether an ftyp brand is supported.
func IsCompatibleBrand(b BoxType) bool {
	s := b.String()
	return strings.HasPrefix(s, "3gp") || compatibleBrands[s]
}

// Sniff peeks at the start of in, without consuming it, and reports whether
// it is an ISO-BMFF stream of the requested kind.
func Sniff(in Input, fragmented bool) (bool, error) {
	k, err := SniffKind(in)
	if err != nil {
		return false, err
	}
	if fragmented {
		return k == KindFragmented, nil
	}
	return k == KindUnfragmented, nil
}

// SniffKind peeks at the start of in and classifies it. It requires an ftyp
// with a compatible brand; a moof or mvex marks the stream as fragmented.
// Boxes inside a top-level moov are walked too. If in has unknown length and
// runs out of buffered bytes before the search is decided, SniffKind returns
// ErrNeedMoreData.
func SniffKind(in Input) (Kind, error) {
	length := in.Length()
	toSearch := int64(sniffSearchLength)
	if length != LengthUnknown && length < toSearch {
		toSearch = length
	}
	truncated := func() (Kind, error) {
		if length == LengthUnknown {
			return KindNone, ErrNeedMoreData
		}
		return KindNone, nil
	}

	p := peeker{in: in}
	var searched int64
	goodFileType := false
	fragmented := false

	for searched < toSearch {
		hdr, ok := p.at(searched, 8)
		if !ok {
			if length == LengthUnknown {
				return KindNone, ErrNeedMoreData
			}
			break
		}
		headerSize := int64(8)
		size := int64(be.Uint32(hdr))
		var t BoxType
		copy(t[:], hdr[4:8])

		switch size {
		case 1:
			large, ok := p.at(searched+8, 8)
			if !ok {
				return truncated()
			}
			headerSize = 16
			size = int64(be.Uint64(large))
		case 0:
			if length != LengthUnknown {
				size = length - (in.Position() + searched)
			}
		}
		if size < headerSize {
			// A size below the header length is not a valid box.
			return KindNone, nil
		}
		searched += headerSize

		if t == TypeMoov {
			// Keep searching inside moov.
			toSearch += size
			if length != LengthUnknown && toSearch > length {
				toSearch = length
			}
			continue
		}
		if t == TypeMoof || t == TypeMvex {
			fragmented = true
			break
		}
		if searched+size-headerSize >= toSearch {
			break
		}

		dataSize := size - headerSize
		if t == TypeFtyp {
			if dataSize < 8 {
				return KindNone, nil
			}
			data, ok := p.at(searched, int(dataSize))
			if !ok {
				return truncated()
			}
			for i := 0; i+4 <= len(data); i += 4 {
				if i == 4 {
					continue // minor version
				}
				var b BoxType
				copy(b[:], data[i:i+4])
				if IsCompatibleBrand(b) {
					goodFileType = true
					break
				}
			}
			if !goodFileType {
				return KindNone, nil
			}
		}
		searched += dataSize
	}

	if !goodFileType {
		return KindNone, nil
	}
	if fragmented {
		return KindFragmented, nil
	}
	return KindUnfragmented, nil
}

// peeker serves peeks at offsets relative to the input position from one
// growing buffer.
type peeker struct {
	in  Input
	buf []byte
}

func (p *peeker) at(off int64, n int) ([]byte, bool) {
	end := off + int64(n)
	if end > int64(len(p.buf)) {
		if end > p.in.Available() {
			return nil, false
		}
		buf := make([]byte, end)
		if err := PeekFull(p.in, buf); err != nil {
			return nil, false
		}
		p.buf = buf
	}
	return p.buf[off:end], true
}
