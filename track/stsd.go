package track

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"math"

	"github.com/tetsuo/isodemux"
)

var be = binary.BigEndian

func errShort(box string, need, have int) error {
	return fmt.Errorf("%w: %s needs %d bytes, has %d", mp4.ErrMalformed, box, need, have)
}

// Fixed header sizes of sample entries, counted from the end of the box header.
const (
	visualEntrySize    = 78
	audioEntrySize     = 28
	audioEntrySizeQTv1 = 44
	audioEntrySizeQTv2 = 64
	textEntrySizeTx3g  = 38
	plainEntrySize     = 8
)

type stsdParams struct {
	trackID   uint32
	rotation  int
	language  string
	drm       *DRMInitData
	quickTime bool
	logger    *slog.Logger
}

// stsdData is the interpretation of an stsd box. format is taken from the
// first entry that could be understood.
type stsdData struct {
	format          *Format
	transformation  Transformation
	nalLengthSize   int
	encryptionBoxes []*TrackEncryptionBox
}

type entryResult struct {
	format         *Format
	transformation Transformation
	nalLengthSize  int
}

// parseStsd walks the sample entries of stsd box data (after version and flags).
func parseStsd(data []byte, p stsdParams) (stsdData, error) {
	var out stsdData
	if len(data) < 4 {
		return out, errShort("stsd", 4, len(data))
	}
	count := int(be.Uint32(data))
	r := mp4.NewReader(data[4:])
	for i := 0; i < count; i++ {
		if !r.Next() {
			return out, fmt.Errorf("%w: stsd has %d of %d entries", mp4.ErrMalformed, i, count)
		}
		res, enc, err := parseEntry(r.Type(), r.Data(), p)
		if err != nil {
			return out, err
		}
		out.encryptionBoxes = append(out.encryptionBoxes, enc)
		if out.format == nil && res.format != nil {
			out.format = res.format
			out.transformation = res.transformation
			out.nalLengthSize = res.nalLengthSize
		}
	}
	return out, nil
}

func parseEntry(entryType mp4.BoxType, entry []byte, p stsdParams) (entryResult, *TrackEncryptionBox, error) {
	switch entryType {
	case mp4.TypeAvc1, mp4.TypeAvc3, mp4.TypeEncv, mp4.TypeMp4v,
		mp4.TypeHvc1, mp4.TypeHev1, mp4.TypeS263, mp4.TypeH263,
		mp4.TypeVp08, mp4.TypeVp09:
		return parseVideoEntry(entryType, entry, p)

	case mp4.TypeMp4a, mp4.TypeEnca, mp4.TypeAc3, mp4.TypeEc3,
		mp4.TypeDtsc, mp4.TypeDtse, mp4.TypeDtsh, mp4.TypeDtsl,
		mp4.TypeSamr, mp4.TypeSawb, mp4.TypeLpcm, mp4.TypeSowt,
		mp4.TypeTwos, mp4.TypeRaw, mp4.TypeMp3, mp4.TypeAlac, mp4.TypeOpus:
		return parseAudioEntry(entryType, entry, p)

	case mp4.TypeTTML, mp4.TypeTx3g, mp4.TypeWvtt, mp4.TypeStpp, mp4.TypeC608:
		return parseTextEntry(entryType, entry, p), nil, nil

	case mp4.TypeCamm:
		f := newFormat(p.trackID, MimeCameraMotion)
		return entryResult{format: f}, nil, nil
	}
	p.logger.Debug("skipping sample entry", "track", p.trackID, "type", entryType.String())
	return entryResult{}, nil, nil
}

// unwrapProtected resolves an encv or enca entry to its original format by
// reading the sinf child. Unprotected entries are returned unchanged.
func unwrapProtected(entryType mp4.BoxType, children []byte, p *stsdParams) (mp4.BoxType, *TrackEncryptionBox, error) {
	if entryType != mp4.TypeEncv && entryType != mp4.TypeEnca {
		return entryType, nil, nil
	}
	r := mp4.NewReader(children)
	for r.Next() {
		if r.Type() != mp4.TypeSinf {
			continue
		}
		format, box, ok, err := parseSinf(r.Data())
		if err != nil {
			return entryType, nil, err
		}
		if ok {
			p.drm = p.drm.WithSchemeType(box.SchemeType)
			return format, box, nil
		}
	}
	return entryType, nil, nil
}

func parseVideoEntry(entryType mp4.BoxType, entry []byte, p stsdParams) (entryResult, *TrackEncryptionBox, error) {
	if len(entry) < visualEntrySize {
		return entryResult{}, nil, errShort(entryType.String(), visualEntrySize, len(entry))
	}
	width := int(be.Uint16(entry[24:]))
	height := int(be.Uint16(entry[26:]))
	children := entry[visualEntrySize:]

	entryType, enc, err := unwrapProtected(entryType, children, &p)
	if err != nil {
		return entryResult{}, nil, err
	}

	var (
		mime          string
		codecs        string
		initData      [][]byte
		nalLengthSize int
		ratio         = 1.0
	)
	switch entryType {
	case mp4.TypeS263, mp4.TypeH263:
		mime = MimeVideoH263
	}

	r := mp4.NewReader(children)
	for r.Next() {
		switch r.Type() {
		case mp4.TypeAvcC:
			cfg, err := parseAvcC(entryType, r.Data())
			if err != nil {
				return entryResult{}, nil, fmt.Errorf("avcC: %w", err)
			}
			mime, codecs, initData, nalLengthSize = MimeVideoH264, cfg.codecs, cfg.initData, cfg.nalLengthSize
			if width == 0 || height == 0 {
				width, height = cfg.width, cfg.height
			}
		case mp4.TypeHvcC:
			cfg, err := parseHvcC(entryType, r.Data())
			if err != nil {
				return entryResult{}, nil, fmt.Errorf("hvcC: %w", err)
			}
			mime, codecs, initData, nalLengthSize = MimeVideoH265, cfg.codecs, cfg.initData, cfg.nalLengthSize
			if width == 0 || height == 0 {
				width, height = cfg.width, cfg.height
			}
		case mp4.TypeVpcC:
			if entryType == mp4.TypeVp08 {
				mime, codecs = MimeVideoVP8, "vp8"
			} else {
				mime = MimeVideoVP9
				// vpcC is a full box; skip version and flags.
				if d := r.Data(); len(d) >= 4 {
					codecs = vp9CodecString(d[4:])
				}
			}
		case mp4.TypeD263:
			mime = MimeVideoH263
		case mp4.TypeEsds:
			cfg, ok := mp4.ParseEsds(r.Data())
			if !ok {
				continue
			}
			mime = mimeForObjectType(cfg.ObjectTypeIndication)
			codecs = esdsCodecString("mp4v", cfg.ObjectTypeIndication, 0)
			if len(cfg.DecoderSpecificInfo) > 0 {
				initData = [][]byte{cfg.DecoderSpecificInfo}
			}
		case mp4.TypePasp:
			if d := r.Data(); len(d) >= 8 {
				h, v := be.Uint32(d), be.Uint32(d[4:])
				if v != 0 {
					ratio = float64(h) / float64(v)
				}
			}
		}
	}
	if mime == "" {
		return entryResult{}, enc, nil
	}

	f := newFormat(p.trackID, mime)
	f.Codecs = codecs
	f.Width, f.Height = width, height
	f.Rotation = p.rotation
	f.PixelWidthHeightRatio = ratio
	f.InitializationData = initData
	f.Language = p.language
	f.DRMInitData = p.drm
	return entryResult{format: f, nalLengthSize: nalLengthSize}, enc, nil
}

func parseAudioEntry(entryType mp4.BoxType, entry []byte, p stsdParams) (entryResult, *TrackEncryptionBox, error) {
	if len(entry) < audioEntrySize {
		return entryResult{}, nil, errShort(entryType.String(), audioEntrySize, len(entry))
	}
	version := 0
	if p.quickTime {
		version = int(be.Uint16(entry[8:]))
	}

	var (
		channels    int
		sampleRate  int
		pcm         = PCMNone
		childOffset int
	)
	switch version {
	case 0, 1:
		channels = int(be.Uint16(entry[16:]))
		sampleRate = int(be.Uint32(entry[24:]) >> 16)
		childOffset = audioEntrySize
		if version == 1 {
			childOffset = audioEntrySizeQTv1
		}
	case 2:
		if len(entry) < audioEntrySizeQTv2 {
			return entryResult{}, nil, errShort(entryType.String(), audioEntrySizeQTv2, len(entry))
		}
		// QuickTime sound description v2 carries a float64 sample rate and
		// an explicit channel count after the v0 fields.
		sampleRate = int(math.Round(math.Float64frombits(be.Uint64(entry[32:]))))
		channels = int(be.Uint32(entry[40:]))
		bits := int(be.Uint32(entry[48:]))
		flags := be.Uint32(entry[52:])
		pcm = lpcmEncoding(bits, flags)
		childOffset = audioEntrySizeQTv2
	default:
		p.logger.Warn("unsupported sound description version", "track", p.trackID, "version", version)
		return entryResult{}, nil, nil
	}
	if childOffset > len(entry) {
		return entryResult{}, nil, errShort(entryType.String(), childOffset, len(entry))
	}
	children := entry[childOffset:]

	entryType, enc, err := unwrapProtected(entryType, children, &p)
	if err != nil {
		return entryResult{}, nil, err
	}

	var mime, codecs string
	switch entryType {
	case mp4.TypeAc3:
		mime = MimeAudioAC3
	case mp4.TypeEc3:
		mime = MimeAudioEAC3
	case mp4.TypeDtsc:
		mime = MimeAudioDTS
	case mp4.TypeDtsh, mp4.TypeDtsl:
		mime = MimeAudioDTSHD
	case mp4.TypeDtse:
		mime = MimeAudioDTSExpress
	case mp4.TypeSamr:
		mime = MimeAudioAMRNB
		channels, sampleRate = 1, 8000
	case mp4.TypeSawb:
		mime = MimeAudioAMRWB
		channels, sampleRate = 1, 16000
	case mp4.TypeLpcm:
		mime = MimeAudioRaw
	case mp4.TypeSowt:
		mime, pcm = MimeAudioRaw, PCM16Bit
	case mp4.TypeTwos:
		mime, pcm = MimeAudioRaw, PCM16BitBigEndian
	case mp4.TypeRaw:
		mime, pcm = MimeAudioRaw, PCM8Bit
	case mp4.TypeMp3:
		mime = MimeAudioMPEG
	case mp4.TypeAlac:
		mime = MimeAudioALAC
	case mp4.TypeOpus:
		mime = MimeAudioOpus
	case mp4.TypeMp4a:
		mime = MimeAudioAAC
	}
	if mime == MimeAudioRaw && pcm == PCMNone {
		pcm = PCM16Bit
	}

	var initData [][]byte
	handleEsds := func(data []byte) {
		cfg, ok := mp4.ParseEsds(data)
		if !ok {
			return
		}
		if m := mimeForObjectType(cfg.ObjectTypeIndication); m != "" {
			mime = m
		}
		aot := 0
		if mime == MimeAudioAAC && len(cfg.DecoderSpecificInfo) > 0 {
			if asc, ok := parseAudioSpecificConfig(cfg.DecoderSpecificInfo); ok {
				aot = asc.objectType
				sampleRate, channels = asc.sampleRate, asc.channels
			}
		}
		codecs = esdsCodecString("mp4a", cfg.ObjectTypeIndication, aot)
		if len(cfg.DecoderSpecificInfo) > 0 && mime != MimeAudioMPEG {
			initData = [][]byte{cfg.DecoderSpecificInfo}
		}
	}

	r := mp4.NewReader(children)
	for r.Next() {
		switch r.Type() {
		case mp4.TypeEsds:
			handleEsds(r.Data())
		case mp4.TypeWave:
			if d, ok := mp4.FindChild(r.Data(), mp4.TypeEsds); ok {
				handleEsds(d)
			}
		case mp4.TypeDac3:
			if ch, rate, ok := parseDac3(r.Data()); ok {
				channels, sampleRate = ch, rate
			}
		case mp4.TypeDec3:
			if ch, rate, ok := parseDec3(r.Data()); ok {
				channels, sampleRate = ch, rate
			}
		case mp4.TypeAlac:
			// The magic cookie is a full box nested in the entry of the same type.
			d := r.Data()
			if len(d) >= 4 {
				cookie := d[4:]
				initData = [][]byte{cookie}
				if len(cookie) >= 24 {
					channels = int(cookie[9])
					sampleRate = int(be.Uint32(cookie[20:]))
				}
			}
		case mp4.TypeDOps:
			initData = [][]byte{r.Data()}
		}
	}
	if mime == "" {
		return entryResult{}, enc, nil
	}

	f := newFormat(p.trackID, mime)
	f.Codecs = codecs
	f.Channels = channels
	f.SampleRate = sampleRate
	f.PCMEncoding = pcm
	f.InitializationData = initData
	f.Language = p.language
	f.DRMInitData = p.drm
	return entryResult{format: f}, enc, nil
}

// lpcmEncoding maps QuickTime v2 LPCM format flags to a PCM encoding.
func lpcmEncoding(bits int, flags uint32) PCMEncoding {
	const (
		flagFloat     = 1 << 0
		flagBigEndian = 1 << 1
	)
	bigEndian := flags&flagBigEndian != 0
	if flags&flagFloat != 0 {
		if bits == 32 && !bigEndian {
			return PCMFloat
		}
		return PCMNone
	}
	switch bits {
	case 8:
		return PCM8Bit
	case 16:
		if bigEndian {
			return PCM16BitBigEndian
		}
		return PCM16Bit
	case 24:
		if bigEndian {
			return PCM24BitBigEndian
		}
		return PCM24Bit
	case 32:
		if bigEndian {
			return PCM32BitBigEndian
		}
		return PCM32Bit
	}
	return PCMNone
}

var ac3SampleRates = [3]int{48000, 44100, 32000}

// ac3Channels is indexed by acmod.
var ac3Channels = [8]int{2, 1, 2, 3, 3, 4, 4, 5}

// parseDac3 reads an AC3SpecificBox.
func parseDac3(d []byte) (channels, sampleRate int, ok bool) {
	if len(d) < 3 {
		return 0, 0, false
	}
	fscod := d[0] >> 6
	if int(fscod) >= len(ac3SampleRates) {
		return 0, 0, false
	}
	acmod := (d[1] >> 3) & 0x07
	lfeon := (d[1] >> 2) & 0x01
	channels = ac3Channels[acmod] + int(lfeon)
	return channels, ac3SampleRates[fscod], true
}

// parseDec3 reads the first independent substream of an EC3SpecificBox.
func parseDec3(d []byte) (channels, sampleRate int, ok bool) {
	if len(d) < 5 {
		return 0, 0, false
	}
	fscod := d[2] >> 6
	if int(fscod) >= len(ac3SampleRates) {
		return 0, 0, false
	}
	acmod := (d[3] >> 1) & 0x07
	lfeon := d[3] & 0x01
	channels = ac3Channels[acmod] + int(lfeon)
	// A dependent substream carrying the Lrs/Rrs pair makes it 7.1.
	if numDep := (d[4] >> 1) & 0x0f; numDep > 0 && len(d) >= 6 && d[5]&0x02 != 0 {
		channels += 2
	}
	return channels, ac3SampleRates[fscod], true
}

func parseTextEntry(entryType mp4.BoxType, entry []byte, p stsdParams) entryResult {
	var mime string
	var initData [][]byte
	transformation := TransformNone
	switch entryType {
	case mp4.TypeTTML, mp4.TypeStpp:
		mime = MimeTextTTML
	case mp4.TypeTx3g:
		mime = MimeTextTx3g
		if len(entry) > textEntrySizeTx3g {
			initData = [][]byte{entry[plainEntrySize:]}
		}
	case mp4.TypeWvtt:
		mime = MimeTextMP4VTT
	case mp4.TypeC608:
		mime = MimeTextMP4CEA608
		transformation = TransformCEA608
	}
	f := newFormat(p.trackID, mime)
	f.InitializationData = initData
	f.Language = p.language
	f.DRMInitData = p.drm
	return entryResult{format: f, transformation: transformation}
}
