// Package mp4 implements the ISO Base Media File Format (MP4) box grammar:
// box classification, a resumable streaming box reader, an in-buffer reader
// for already-buffered subtrees, and sample table iterators.
package mp4

import (
	"encoding/binary"
	"errors"
	"math"
)

var be = binary.BigEndian

const uint32Max = math.MaxUint32

var (
	ErrMalformed    = errors.New("malformed box")
	ErrTooLarge     = errors.New("box too large to buffer")
	ErrUnsupported  = errors.New("unsupported structure")
	ErrNeedMoreData = errors.New("need more data")
)

// BoxType is a 4-byte box type identifier.
type BoxType [4]byte

func (t BoxType) String() string {
	return string(t[:])
}

// newBoxType creates a BoxType from a 4-character string.
func newBoxType(s string) BoxType {
	var t BoxType
	copy(t[:], s)
	return t
}

// Uint32 returns the type as a big-endian integer.
func (t BoxType) Uint32() uint32 { return be.Uint32(t[:]) }

// Known box types.
var (
	TypeFtyp = newBoxType("ftyp")
	TypeStyp = newBoxType("styp")
	TypeMoov = newBoxType("moov")
	TypeMvhd = newBoxType("mvhd")
	TypeTrak = newBoxType("trak")
	TypeTkhd = newBoxType("tkhd")
	TypeEdts = newBoxType("edts")
	TypeElst = newBoxType("elst")
	TypeMdia = newBoxType("mdia")
	TypeMdhd = newBoxType("mdhd")
	TypeHdlr = newBoxType("hdlr")
	TypeMinf = newBoxType("minf")
	TypeStbl = newBoxType("stbl")
	TypeStsd = newBoxType("stsd")
	TypeStts = newBoxType("stts")
	TypeCtts = newBoxType("ctts")
	TypeStsc = newBoxType("stsc")
	TypeStsz = newBoxType("stsz")
	TypeStz2 = newBoxType("stz2")
	TypeStco = newBoxType("stco")
	TypeCo64 = newBoxType("co64")
	TypeStss = newBoxType("stss")
	TypeSbgp = newBoxType("sbgp")
	TypeSgpd = newBoxType("sgpd")
	TypeSaiz = newBoxType("saiz")
	TypeSaio = newBoxType("saio")
	TypeSenc = newBoxType("senc")
	TypeMvex = newBoxType("mvex")
	TypeMehd = newBoxType("mehd")
	TypeTrex = newBoxType("trex")
	TypeMoof = newBoxType("moof")
	TypeMfhd = newBoxType("mfhd")
	TypeTraf = newBoxType("traf")
	TypeTfhd = newBoxType("tfhd")
	TypeTfdt = newBoxType("tfdt")
	TypeTrun = newBoxType("trun")
	TypeSidx = newBoxType("sidx")
	TypeEmsg = newBoxType("emsg")
	TypePssh = newBoxType("pssh")
	TypeUUID = newBoxType("uuid")
	TypeMeta = newBoxType("meta")
	TypeUdta = newBoxType("udta")
	TypeIlst = newBoxType("ilst")
	TypeMdat = newBoxType("mdat")
	TypeFree = newBoxType("free")
	TypeSkip = newBoxType("skip")

	// Sample entries and their children.
	TypeAvc1 = newBoxType("avc1")
	TypeAvc3 = newBoxType("avc3")
	TypeAvcC = newBoxType("avcC")
	TypeHvc1 = newBoxType("hvc1")
	TypeHev1 = newBoxType("hev1")
	TypeHvcC = newBoxType("hvcC")
	TypeVp08 = newBoxType("vp08")
	TypeVp09 = newBoxType("vp09")
	TypeVpcC = newBoxType("vpcC")
	TypeS263 = newBoxType("s263")
	TypeH263 = newBoxType("H263")
	TypeMp4v = newBoxType("mp4v")
	TypeEncv = newBoxType("encv")
	TypePasp = newBoxType("pasp")
	TypeMp4a = newBoxType("mp4a")
	TypeEnca = newBoxType("enca")
	TypeEsds = newBoxType("esds")
	TypeWave = newBoxType("wave")
	TypeAc3  = newBoxType("ac-3")
	TypeDac3 = newBoxType("dac3")
	TypeEc3  = newBoxType("ec-3")
	TypeDec3 = newBoxType("dec3")
	TypeDtsc = newBoxType("dtsc")
	TypeDtse = newBoxType("dtse")
	TypeDtsh = newBoxType("dtsh")
	TypeDtsl = newBoxType("dtsl")
	TypeSamr = newBoxType("samr")
	TypeSawb = newBoxType("sawb")
	TypeRaw  = newBoxType("raw ")
	TypeTwos = newBoxType("twos")
	TypeSowt = newBoxType("sowt")
	TypeLpcm = newBoxType("lpcm")
	TypeAlac = newBoxType("alac")
	TypeMp3  = newBoxType(".mp3")
	TypeOpus = newBoxType("Opus")
	TypeDOps = newBoxType("dOps")
	TypeD263 = newBoxType("d263")
	TypeTTML = newBoxType("TTML")
	TypeTx3g = newBoxType("tx3g")
	TypeWvtt = newBoxType("wvtt")
	TypeStpp = newBoxType("stpp")
	TypeC608 = newBoxType("c608")
	TypeCamm = newBoxType("camm")
	TypeSinf = newBoxType("sinf")
	TypeFrma = newBoxType("frma")
	TypeSchm = newBoxType("schm")
	TypeSchi = newBoxType("schi")
	TypeTenc = newBoxType("tenc")
)

// Class says how the streaming BoxReader treats a box type.
type Class uint8

const (
	// ClassSkip boxes have their payload skipped (or claimed by the caller)
	// without buffering.
	ClassSkip Class = iota
	// ClassContainer boxes are descended into.
	ClassContainer
	// ClassLeaf boxes have their payload buffered in full.
	ClassLeaf
)

func (c Class) String() string {
	switch c {
	case ClassContainer:
		return "container"
	case ClassLeaf:
		return "leaf"
	}
	return "skip"
}

// classes is the grammar table used by Classify. Anything not listed is skipped.
var classes = map[BoxType]Class{
	TypeMoov: ClassContainer, TypeTrak: ClassContainer, TypeMdia: ClassContainer,
	TypeMinf: ClassContainer, TypeStbl: ClassContainer, TypeEdts: ClassContainer,
	TypeMvex: ClassContainer, TypeMoof: ClassContainer, TypeTraf: ClassContainer,

	TypeFtyp: ClassLeaf, TypeMvhd: ClassLeaf, TypeTkhd: ClassLeaf, TypeMdhd: ClassLeaf,
	TypeHdlr: ClassLeaf, TypeStsd: ClassLeaf, TypeStts: ClassLeaf, TypeStss: ClassLeaf,
	TypeCtts: ClassLeaf, TypeElst: ClassLeaf, TypeStsc: ClassLeaf, TypeStsz: ClassLeaf,
	TypeStz2: ClassLeaf, TypeStco: ClassLeaf, TypeCo64: ClassLeaf, TypeUdta: ClassLeaf,
	TypeMehd: ClassLeaf, TypeTrex: ClassLeaf, TypeTfhd: ClassLeaf, TypeTfdt: ClassLeaf,
	TypeTrun: ClassLeaf, TypeSidx: ClassLeaf, TypeEmsg: ClassLeaf, TypePssh: ClassLeaf,
	TypeSaiz: ClassLeaf, TypeSaio: ClassLeaf, TypeSenc: ClassLeaf, TypeUUID: ClassLeaf,
	TypeSbgp: ClassLeaf, TypeSgpd: ClassLeaf,
}

// Classify returns the default class of a box type.
func Classify(t BoxType) Class {
	return classes[t]
}

// IsFullBox returns true if the box type has version and flags fields.
func IsFullBox(t BoxType) bool {
	switch t {
	case TypeMvhd, TypeTkhd, TypeMdhd, TypeHdlr,
		TypeStsd, TypeStts, TypeCtts, TypeStsc, TypeStsz, TypeStz2,
		TypeStco, TypeCo64, TypeStss, TypeElst,
		TypeMeta, TypeEsds, TypeMehd, TypeTrex,
		TypeMfhd, TypeTfhd, TypeTfdt, TypeTrun,
		TypeSbgp, TypeSgpd, TypeSaiz, TypeSaio, TypeSenc,
		TypeSidx, TypeEmsg, TypePssh, TypeSchm, TypeTenc:
		return true
	}
	return false
}

// Box is either a *Leaf or a *Container.
type Box interface {
	BoxType() BoxType
	isBox()
}

// Leaf is a buffered box. Payload holds everything after the basic header,
// including the version and flags word of full boxes.
type Leaf struct {
	Type     BoxType
	Position int64 // absolute position of the box header
	Payload  []byte
}

func (l *Leaf) BoxType() BoxType { return l.Type }
func (*Leaf) isBox()             {}

// Version returns the version field for full boxes.
func (l *Leaf) Version() uint8 {
	if len(l.Payload) < 4 {
		return 0
	}
	return l.Payload[0]
}

// Flags returns the flags field for full boxes.
func (l *Leaf) Flags() uint32 {
	if len(l.Payload) < 4 {
		return 0
	}
	return be.Uint32(l.Payload) & 0x00ffffff
}

// Data returns the payload after the version and flags word of full boxes,
// or the whole payload otherwise.
func (l *Leaf) Data() []byte {
	if IsFullBox(l.Type) {
		if len(l.Payload) < 4 {
			return nil
		}
		return l.Payload[4:]
	}
	return l.Payload
}

// Container is a box whose children were read by the BoxReader.
type Container struct {
	Type       BoxType
	Position   int64 // absolute position of the box header
	End        int64 // absolute position one past the last byte
	Leaves     []*Leaf
	Containers []*Container
}

func (c *Container) BoxType() BoxType { return c.Type }
func (*Container) isBox()             {}

// Leaf returns the first child leaf of the given type, or nil.
func (c *Container) Leaf(t BoxType) *Leaf {
	for _, l := range c.Leaves {
		if l.Type == t {
			return l
		}
	}
	return nil
}

// Container returns the first child container of the given type, or nil.
func (c *Container) Container(t BoxType) *Container {
	for _, cc := range c.Containers {
		if cc.Type == t {
			return cc
		}
	}
	return nil
}

// LeavesOf returns all child leaves of the given type.
func (c *Container) LeavesOf(t BoxType) []*Leaf {
	var out []*Leaf
	for _, l := range c.Leaves {
		if l.Type == t {
			out = append(out, l)
		}
	}
	return out
}

// ContainersOf returns all child containers of the given type.
func (c *Container) ContainersOf(t BoxType) []*Container {
	var out []*Container
	for _, cc := range c.Containers {
		if cc.Type == t {
			out = append(out, cc)
		}
	}
	return out
}

func (c *Container) add(b Box) {
	switch b := b.(type) {
	case *Leaf:
		c.Leaves = append(c.Leaves, b)
	case *Container:
		c.Containers = append(c.Containers, b)
	}
}

func readString(buf []byte, offset, maxLen int) string {
	end := offset
	limit := min(offset+maxLen, len(buf))
	for end < limit && buf[end] != 0 {
		end++
	}
	return string(buf[offset:end])
}
