package demux

import (
	"strconv"

	"github.com/bluenviron/mediacommon/pkg/codecs/h264"
	codec "github.com/yapingcat/gomedia/go-codec"

	"github.com/tetsuo/isodemux/track"
)

// SEI payload constants for ATSC A/53 caption data.
const (
	seiPayloadUserDataT35   = 4
	t35CountryUSA           = 0xb5
	t35ProviderATSC         = 0x31
	t35ProviderDirecTV      = 0x2f
	atscUserIdentifierGA94  = 0x47413934
	atscUserDataTypeCCData  = 3
	ccDataProcessFlag       = 0x40
	ccDataCountMask         = 0x1f
	ccDataTripletSize       = 3
	captionTrackIDBase      = 100
	captionAccessibilityCC1 = 1
)

// seiNALHeaderSize returns the NAL header size of an SEI NAL unit of the
// given codec whose first byte is b, or 0 if it is not an SEI NAL unit.
func seiNALHeaderSize(mime string, b byte) int {
	switch mime {
	case track.MimeVideoH264:
		if codec.H264_NAL_TYPE(b&0x1f) == codec.H264_NAL_SEI {
			return 1
		}
	case track.MimeVideoH265:
		if codec.H265_NAL_TYPE((b>>1)&0x3f) == codec.H265_NAL_SEI {
			return 2
		}
	}
	return 0
}

// captionFormat is the format of the text track fed from SEI captions.
func captionFormat(id int) track.Format {
	return track.Format{
		ID:                    strconv.Itoa(id),
		SampleMimeType:        track.MimeTextCEA608,
		MaxInputSize:          track.NoValue,
		PixelWidthHeightRatio: 1,
		AccessibilityChannel:  captionAccessibilityCC1,
	}
}

// consumeSEI extracts closed caption triplets from an escaped SEI NAL unit
// and writes each cc_data block to out as one sync sample.
func consumeSEI(timeUs int64, nal []byte, headerSize int, out TrackOutput) {
	if len(nal) <= headerSize {
		return
	}
	rbsp := h264.EmulationPreventionRemove(nal)
	if len(rbsp) <= headerSize {
		return
	}
	buf := rbsp[headerSize:]
	for len(buf) > 1 {
		payloadType, n := readSEIValue(buf)
		buf = buf[n:]
		payloadSize, n := readSEIValue(buf)
		buf = buf[n:]
		if payloadSize < 0 || payloadSize > len(buf) {
			return
		}
		payload := buf[:payloadSize]
		buf = buf[payloadSize:]
		if payloadType == seiPayloadUserDataT35 && payloadSize >= 8 {
			consumeT35(timeUs, payload, out)
		}
	}
}

// readSEIValue reads an ff-extended SEI value. It returns -1 if the input
// ends inside the value.
func readSEIValue(buf []byte) (int, int) {
	v := 0
	for i, b := range buf {
		v += int(b)
		if b != 0xff {
			return v, i + 1
		}
	}
	return -1, len(buf)
}

func consumeT35(timeUs int64, p []byte, out TrackOutput) {
	country := p[0]
	provider := int(be.Uint16(p[1:3]))
	p = p[3:]
	userID := uint32(0)
	if provider == t35ProviderATSC {
		userID = be.Uint32(p)
		p = p[4:]
	}
	if len(p) < 1 {
		return
	}
	userDataType := p[0]
	p = p[1:]
	if provider == t35ProviderDirecTV {
		if len(p) < 1 {
			return
		}
		p = p[1:]
	}
	ok := country == t35CountryUSA &&
		(provider == t35ProviderATSC || provider == t35ProviderDirecTV) &&
		userDataType == atscUserDataTypeCCData
	if provider == t35ProviderATSC {
		ok = ok && userID == atscUserIdentifierGA94
	}
	if !ok || len(p) < 2 {
		return
	}
	if p[0]&ccDataProcessFlag == 0 {
		return
	}
	n := int(p[0]&ccDataCountMask) * ccDataTripletSize
	p = p[2:] // flags and em_data
	if n > len(p) {
		return
	}
	out.SampleData(p[:n])
	out.SampleMetadata(SampleMeta{TimeUs: timeUs, Flags: FlagSync, Size: n})
}
