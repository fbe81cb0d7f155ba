package track

import (
	"github.com/deepch/vdk/codec/aacparser"
	"github.com/deepch/vdk/codec/h264parser"
	"github.com/deepch/vdk/codec/h265parser"

	"github.com/tetsuo/isodemux"
)

const hexChars = "0123456789abcdef"

var annexBStartCode = []byte{0, 0, 0, 1}

// codecString builds RFC 6381 codec strings without going through fmt.
type codecString struct {
	buf [48]byte
	n   int
}

func (c *codecString) appendString(s string) {
	c.n += copy(c.buf[c.n:], s)
}

func (c *codecString) appendHex(b byte, pad bool) {
	if pad || b >= 16 {
		c.buf[c.n] = hexChars[b>>4]
		c.n++
	}
	c.buf[c.n] = hexChars[b&0x0f]
	c.n++
}

func (c *codecString) appendUpperHex(b byte) {
	const upper = "0123456789ABCDEF"
	c.buf[c.n] = upper[b>>4]
	c.buf[c.n+1] = upper[b&0x0f]
	c.n += 2
}

func (c *codecString) appendDecimal(v int, width int) {
	var tmp [10]byte
	i := len(tmp)
	for v > 0 || i == len(tmp) {
		i--
		tmp[i] = '0' + byte(v%10)
		v /= 10
	}
	for pad := width - (len(tmp) - i); pad > 0; pad-- {
		c.buf[c.n] = '0'
		c.n++
	}
	c.appendString(string(tmp[i:]))
}

func (c *codecString) String() string { return string(c.buf[:c.n]) }

// avcConfig is what a track needs from an avcC or hvcC box.
type avcConfig struct {
	nalLengthSize int
	initData      [][]byte
	codecs        string
	// width and height come from the first SPS, and are zero when the
	// record has none or it does not parse.
	width, height int
}

// nalArray reads count length-prefixed NAL units from data[off:] and returns
// the offset after the last one.
func nalArray(box string, data []byte, off, count int, units *[][]byte) (int, error) {
	for i := 0; i < count; i++ {
		if off+2 > len(data) {
			return 0, errShort(box, off+2, len(data))
		}
		n := int(be.Uint16(data[off:]))
		off += 2
		if off+n > len(data) {
			return 0, errShort(box, off+n, len(data))
		}
		*units = append(*units, data[off:off+n])
		off += n
	}
	return off, nil
}

// parseAvcC reads an AVCDecoderConfigurationRecord. SPS and PPS units are
// returned with Annex B start codes. Records without parameter sets are
// valid; avc3 streams carry them in-band.
func parseAvcC(entryType mp4.BoxType, data []byte) (avcConfig, error) {
	if len(data) < 6 {
		return avcConfig{}, errShort("avcC", 6, len(data))
	}
	var cs codecString
	cs.appendString(entryType.String())
	cs.appendString(".")
	cs.appendHex(data[1], true)
	cs.appendHex(data[2], true)
	cs.appendHex(data[3], true)

	var sps, pps [][]byte
	off, err := nalArray("avcC", data, 6, int(data[5]&0x1f), &sps)
	if err != nil {
		return avcConfig{}, err
	}
	if off < len(data) {
		if _, err := nalArray("avcC", data, off+1, int(data[off]), &pps); err != nil {
			return avcConfig{}, err
		}
	}

	cfg := avcConfig{
		nalLengthSize: int(data[4]&0x03) + 1,
		codecs:        cs.String(),
	}
	for _, u := range sps {
		cfg.initData = append(cfg.initData, withStartCode(u))
	}
	for _, u := range pps {
		cfg.initData = append(cfg.initData, withStartCode(u))
	}
	if len(sps) > 0 {
		if info, err := h264parser.ParseSPS(sps[0]); err == nil {
			cfg.width, cfg.height = int(info.Width), int(info.Height)
		}
	}
	return cfg, nil
}

const hevcNALTypeSPS = 33

// parseHvcC reads an HEVCDecoderConfigurationRecord. Parameter sets are
// returned in record order with Annex B start codes.
func parseHvcC(entryType mp4.BoxType, data []byte) (avcConfig, error) {
	if len(data) < 23 {
		return avcConfig{}, errShort("hvcC", 23, len(data))
	}
	// general_profile_space(2) tier(1) profile_idc(5), then 32 bits of
	// compatibility flags, 48 bits of constraint flags and general_level_idc.
	profileSpace := data[1] >> 6
	tier := (data[1] >> 5) & 1
	profileIdc := data[1] & 0x1f
	compat := be.Uint32(data[2:6])
	constraints := data[6:12]
	level := data[12]

	var cs codecString
	cs.appendString(entryType.String())
	cs.appendString(".")
	if profileSpace > 0 {
		cs.buf[cs.n] = 'A' + profileSpace - 1
		cs.n++
	}
	cs.appendDecimal(int(profileIdc), 0)
	cs.appendString(".")
	// Compatibility flags are written bit-reversed.
	var rev uint32
	for i := 0; i < 32; i++ {
		rev |= ((compat >> i) & 1) << (31 - i)
	}
	started := false
	for shift := 28; shift >= 0; shift -= 4 {
		nibble := byte(rev>>shift) & 0x0f
		if nibble != 0 || started || shift == 0 {
			cs.buf[cs.n] = hexChars[nibble]
			cs.n++
			started = true
		}
	}
	cs.appendString(".")
	if tier == 1 {
		cs.appendString("H")
	} else {
		cs.appendString("L")
	}
	cs.appendDecimal(int(level), 0)
	// Constraint bytes, up to the last non-zero one.
	last := len(constraints) - 1
	for last >= 0 && constraints[last] == 0 {
		last--
	}
	for _, b := range constraints[:last+1] {
		cs.appendString(".")
		cs.appendUpperHex(b)
	}

	cfg := avcConfig{
		nalLengthSize: int(data[21]&0x03) + 1,
		codecs:        cs.String(),
	}
	off := 23
	for i, numArrays := 0, int(data[22]); i < numArrays; i++ {
		if off+3 > len(data) {
			return avcConfig{}, errShort("hvcC", off+3, len(data))
		}
		nalType := data[off] & 0x3f
		count := int(be.Uint16(data[off+1:]))
		var units [][]byte
		var err error
		if off, err = nalArray("hvcC", data, off+3, count, &units); err != nil {
			return avcConfig{}, err
		}
		for _, u := range units {
			cfg.initData = append(cfg.initData, withStartCode(u))
			if nalType == hevcNALTypeSPS && cfg.width == 0 {
				if info, err := h265parser.ParseSPS(u); err == nil {
					cfg.width, cfg.height = int(info.Width), int(info.Height)
				}
			}
		}
	}
	return cfg, nil
}

func withStartCode(nal []byte) []byte {
	out := make([]byte, 0, len(annexBStartCode)+len(nal))
	out = append(out, annexBStartCode...)
	return append(out, nal...)
}

// vp9CodecString builds "vp09.PP.LL.DD" from vpcC box data (after version
// and flags).
func vp9CodecString(data []byte) string {
	if len(data) < 3 {
		return "vp09"
	}
	var cs codecString
	cs.appendString("vp09.")
	cs.appendDecimal(int(data[0]), 2)
	cs.appendString(".")
	cs.appendDecimal(int(data[1]), 2)
	cs.appendString(".")
	cs.appendDecimal(int(data[2]>>4), 2)
	return cs.String()
}

// esdsCodecString builds "mp4a.OTI[.AOT]" style codec strings.
func esdsCodecString(prefix string, oti byte, audioObjectType int) string {
	var cs codecString
	cs.appendString(prefix)
	cs.appendString(".")
	cs.appendHex(oti, false)
	if audioObjectType > 0 {
		cs.appendString(".")
		cs.appendDecimal(audioObjectType, 0)
	}
	return cs.String()
}

// mimeForObjectType maps an MPEG-4 objectTypeIndication to a sample MIME type.
func mimeForObjectType(oti byte) string {
	switch oti {
	case 0x20:
		return MimeVideoMP4V
	case 0x21:
		return MimeVideoH264
	case 0x23:
		return MimeVideoH265
	case 0x40, 0x66, 0x67, 0x68:
		return MimeAudioAAC
	case 0x69, 0x6b:
		return MimeAudioMPEG
	case 0xa5:
		return MimeAudioAC3
	case 0xa6:
		return MimeAudioEAC3
	case 0xa9, 0xac:
		return MimeAudioDTS
	case 0xaa, 0xab:
		return MimeAudioDTSHD
	case 0xad:
		return MimeAudioOpus
	}
	return ""
}

// aacConfig is what a track needs from an AudioSpecificConfig.
type aacConfig struct {
	objectType int
	sampleRate int
	channels   int
}

func parseAudioSpecificConfig(dsi []byte) (aacConfig, bool) {
	c, err := aacparser.ParseMPEG4AudioConfigBytes(dsi)
	if err != nil {
		return aacConfig{}, false
	}
	return aacConfig{
		objectType: int(c.ObjectType),
		sampleRate: c.SampleRate,
		channels:   c.ChannelLayout.Count(),
	}, true
}
