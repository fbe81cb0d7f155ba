package track

import "strconv"

// MIME types of the sample formats produced by Build.
const (
	MimeVideoH264       = "video/avc"
	MimeVideoH265       = "video/hevc"
	MimeVideoVP8        = "video/x-vnd.on2.vp8"
	MimeVideoVP9        = "video/x-vnd.on2.vp9"
	MimeVideoH263       = "video/3gpp"
	MimeVideoMP4V       = "video/mp4v-es"
	MimeAudioAAC        = "audio/mp4a-latm"
	MimeAudioAC3        = "audio/ac3"
	MimeAudioEAC3       = "audio/eac3"
	MimeAudioDTS        = "audio/vnd.dts"
	MimeAudioDTSHD      = "audio/vnd.dts.hd"
	MimeAudioDTSExpress = "audio/vnd.dts.hd;profile=lbr"
	MimeAudioAMRNB      = "audio/3gpp"
	MimeAudioAMRWB      = "audio/amr-wb"
	MimeAudioRaw        = "audio/raw"
	MimeAudioALAC       = "audio/alac"
	MimeAudioMPEG       = "audio/mpeg"
	MimeAudioOpus       = "audio/opus"
	MimeTextTTML        = "application/ttml+xml"
	MimeTextTx3g        = "application/x-quicktime-tx3g"
	MimeTextMP4VTT      = "application/x-mp4-vtt"
	MimeTextMP4CEA608   = "application/x-mp4-cea-608"
	MimeTextCEA608      = "application/cea-608"
	MimeCameraMotion    = "application/x-camera-motion"
	MimeEmsg            = "application/x-emsg"
)

// PCMEncoding describes the sample layout of raw audio.
type PCMEncoding int

const (
	PCMNone PCMEncoding = iota
	PCM8Bit
	PCM16Bit
	PCM16BitBigEndian
	PCM24Bit
	PCM24BitBigEndian
	PCM32Bit
	PCM32BitBigEndian
	PCMFloat
)

// NoValue marks an integer Format field that does not apply or is unknown.
const NoValue = -1

// Format is the decode format of a track.
type Format struct {
	ID                 string   `json:"id,omitempty"`
	SampleMimeType     string   `json:"sampleMimeType"`
	Codecs             string   `json:"codecs,omitempty"`
	InitializationData [][]byte `json:"-"`
	MaxInputSize       int      `json:"maxInputSize"`
	Language           string   `json:"language,omitempty"`

	Width                 int     `json:"width,omitempty"`
	Height                int     `json:"height,omitempty"`
	Rotation              int     `json:"rotation,omitempty"`
	PixelWidthHeightRatio float64 `json:"pixelWidthHeightRatio,omitempty"`
	FrameRate             float64 `json:"frameRate,omitempty"`

	Channels       int         `json:"channels,omitempty"`
	SampleRate     int         `json:"sampleRate,omitempty"`
	PCMEncoding    PCMEncoding `json:"pcmEncoding,omitempty"`
	EncoderDelay   int         `json:"encoderDelay,omitempty"`
	EncoderPadding int         `json:"encoderPadding,omitempty"`

	// AccessibilityChannel is the caption channel of CEA-608 formats.
	AccessibilityChannel int `json:"accessibilityChannel,omitempty"`

	DRMInitData *DRMInitData `json:"drm,omitempty"`
}

func newFormat(id uint32, mime string) *Format {
	return &Format{
		ID:                    strconv.FormatUint(uint64(id), 10),
		SampleMimeType:        mime,
		MaxInputSize:          NoValue,
		PixelWidthHeightRatio: 1,
	}
}
