package mp4

// MPEG-4 descriptor parsing for esds boxes.

const (
	tagESDescriptor            = 0x03
	tagDecoderConfigDescriptor = 0x04
	tagDecoderSpecificInfo     = 0x05
)

// DecoderConfig is the part of an esds box needed to identify a stream.
type DecoderConfig struct {
	ObjectTypeIndication byte
	DecoderSpecificInfo  []byte
}

type descriptor struct {
	tag    byte
	length int // total length including tag and size bytes
	body   []byte
}

func decodeDescriptor(buf []byte, start, end int) (descriptor, bool) {
	if start >= end {
		return descriptor{}, false
	}
	tag := buf[start]
	ptr := start + 1
	length := 0
	for i := 0; ptr < end && i < 4; i++ {
		lenByte := buf[ptr]
		ptr++
		length = (length << 7) | int(lenByte&0x7f)
		if lenByte&0x80 == 0 {
			break
		}
	}
	bodyEnd := min(ptr+length, end)
	return descriptor{
		tag:    tag,
		length: (ptr - start) + length,
		body:   buf[ptr:bodyEnd],
	}, true
}

func findDescriptor(buf []byte, tag byte) (descriptor, bool) {
	ptr := 0
	for ptr+2 <= len(buf) {
		d, ok := decodeDescriptor(buf, ptr, len(buf))
		if !ok || d.length <= 0 {
			break
		}
		if d.tag == tag {
			return d, true
		}
		ptr += d.length
	}
	return descriptor{}, false
}

// ParseEsds walks the ES, DecoderConfig and DecoderSpecificInfo descriptors of
// esds box data (after version and flags). It returns false if no decoder
// config descriptor is present.
func ParseEsds(data []byte) (DecoderConfig, bool) {
	es, ok := findDescriptor(data, tagESDescriptor)
	if !ok || len(es.body) < 3 {
		return DecoderConfig{}, false
	}
	body := es.body
	flags := body[2]
	ptr := 3
	if flags&0x80 != 0 {
		ptr += 2
	}
	if flags&0x40 != 0 {
		if ptr >= len(body) {
			return DecoderConfig{}, false
		}
		ptr += 1 + int(body[ptr])
	}
	if flags&0x20 != 0 {
		ptr += 2
	}
	if ptr >= len(body) {
		return DecoderConfig{}, false
	}

	dc, ok := findDescriptor(body[ptr:], tagDecoderConfigDescriptor)
	if !ok || len(dc.body) < 13 {
		return DecoderConfig{}, false
	}
	cfg := DecoderConfig{ObjectTypeIndication: dc.body[0]}
	if dsi, ok := findDescriptor(dc.body[13:], tagDecoderSpecificInfo); ok {
		cfg.DecoderSpecificInfo = dsi.body
	}
	return cfg, true
}
