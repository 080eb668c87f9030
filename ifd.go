package wsitiff

import (
	"fmt"
	"strings"
)

// SubimageType classifies what an IFD represents within a slide pyramid.
type SubimageType int

const (
	SubimageUnknown SubimageType = iota
	SubimageLevel
	SubimageMacro
	SubimageLabel
)

func (s SubimageType) String() string {
	switch s {
	case SubimageLevel:
		return "Level"
	case SubimageMacro:
		return "Macro"
	case SubimageLabel:
		return "Label"
	default:
		return "Unknown"
	}
}

// subfile type bits (tag 254, NewSubfileType)
const (
	subfileReducedImage uint32 = 1 << 0
)

// Tag codes interpreted by the walker. Any tag not in this table is read,
// skipped, and otherwise ignored.
const (
	tagNewSubfileType    = 254
	tagImageWidth        = 256
	tagImageLength       = 257
	tagBitsPerSample     = 258
	tagCompression       = 259
	tagPhotometric       = 262
	tagImageDescription  = 270
	tagTileWidth         = 322
	tagTileLength        = 323
	tagTileOffsets       = 324
	tagTileByteCounts    = 325
	tagJPEGTables        = 347
	tagYCbCrSubsampling  = 530
	tagReferenceBlackWht = 532
)

// Ifd is a normalised, fully realised Image File Directory: one pyramid
// level, the macro overview, or the label image of a slide.
type Ifd struct {
	IfdIndex int

	ImageWidth, ImageHeight     uint32
	TileWidth, TileHeight       uint32
	WidthInTiles, HeightInTiles uint32
	TileCount                   uint64
	TileOffsets, TileByteCounts []uint64

	Compression                       uint16
	ColorSpace                        uint16 // PhotometricInterpretation; defaults to RGB (2)
	ChromaSubsampleH, ChromaSubsampleV uint16

	JpegTables       []byte
	ImageDescription string

	ReferenceBlackWhite []Rational

	SubimageType SubimageType
	SubfileType  uint32

	LevelMagnification float64
	UmPerPixelX         float64
	UmPerPixelY         float64
	TileSideUmX         float64
	TileSideUmY         float64
}

// photometricRGB is the default ColorSpace when PhotometricInterpretation is
// absent from the IFD, per spec invariant "every Ifd has color_space set".
const photometricRGB uint16 = 2

// newIfd returns an Ifd with its defaults applied.
func newIfd(index int) *Ifd {
	return &Ifd{IfdIndex: index, ColorSpace: photometricRGB}
}

// ceilDiv returns ceil(a/b), or 0 if b is 0.
func ceilDiv(a, b uint32) uint32 {
	if b == 0 {
		return 0
	}
	return (a + b - 1) / b
}

// applyTag dispatches one decoded Tag into ifd's fields. Tags outside the
// dispatch table in spec §4.3 are silently ignored. An unrecognised data
// type is never a hard error, even for a tag this IFD cares about: logf
// receives one formatted warning and the tag's value is simply left unset,
// per the "warnings are logged but do not fail the operation" rule.
func (td *tagDecoder) applyTag(ifd *Ifd, t Tag, logf func(string, ...interface{})) error {
	if t.UnknownType {
		if logf != nil {
			logf("ifd %d: tag %d has unrecognized data type %d, treating as opaque",
				ifd.IfdIndex, t.Code, t.DataType)
		}
		return td.afterTag(ifd)
	}

	switch t.Code {
	case tagNewSubfileType:
		v, err := t.inlineUint()
		if err != nil {
			return fmt.Errorf("NewSubfileType: %w", err)
		}
		ifd.SubfileType = uint32(v)

	case tagImageWidth:
		v, err := t.inlineUint()
		if err != nil {
			return fmt.Errorf("ImageWidth: %w", err)
		}
		ifd.ImageWidth = uint32(v)

	case tagImageLength:
		v, err := t.inlineUint()
		if err != nil {
			return fmt.Errorf("ImageLength: %w", err)
		}
		ifd.ImageHeight = uint32(v)

	case tagBitsPerSample:
		// Ignored per spec: must be 8 per sample, nothing to record.

	case tagCompression:
		v, err := t.inlineUint()
		if err != nil {
			return fmt.Errorf("Compression: %w", err)
		}
		ifd.Compression = uint16(v)

	case tagPhotometric:
		v, err := t.inlineUint()
		if err != nil {
			return fmt.Errorf("PhotometricInterpretation: %w", err)
		}
		ifd.ColorSpace = uint16(v)

	case tagImageDescription:
		b, err := td.readBytes(t)
		if err != nil {
			return fmt.Errorf("ImageDescription: %w", err)
		}
		ifd.ImageDescription = nulTerminatedString(b, t.Count)

	case tagTileWidth:
		v, err := t.inlineUint()
		if err != nil {
			return fmt.Errorf("TileWidth: %w", err)
		}
		ifd.TileWidth = uint32(v)

	case tagTileLength:
		v, err := t.inlineUint()
		if err != nil {
			return fmt.Errorf("TileLength: %w", err)
		}
		ifd.TileHeight = uint32(v)

	case tagTileOffsets:
		vals, err := td.readIntegers(t, true)
		if err != nil {
			return fmt.Errorf("TileOffsets: %w", err)
		}
		ifd.TileCount = t.Count
		ifd.TileOffsets = vals

	case tagTileByteCounts:
		vals, err := td.readIntegers(t, true)
		if err != nil {
			return fmt.Errorf("TileByteCounts: %w", err)
		}
		if ifd.TileOffsets != nil && uint64(len(vals)) != ifd.TileCount {
			return fmt.Errorf("TileByteCounts has %d entries, TileOffsets has %d: %w",
				len(vals), ifd.TileCount, ErrTileCountMismatch)
		}
		ifd.TileByteCounts = vals

	case tagJPEGTables:
		b, err := td.readBytes(t)
		if err != nil {
			return fmt.Errorf("JPEGTables: %w", err)
		}
		if int(t.Count) < len(b) {
			b = b[:t.Count]
		}
		ifd.JpegTables = b

	case tagYCbCrSubsampling:
		if t.HasOffset {
			return fmt.Errorf("YCbCrSubSampling: unexpected offset-stored value")
		}
		ifd.ChromaSubsampleH = uint16(t.Inline[0]) | uint16(t.Inline[1])<<8
		ifd.ChromaSubsampleV = uint16(t.Inline[2]) | uint16(t.Inline[3])<<8

	case tagReferenceBlackWht:
		rs, err := td.readRationals(t)
		if err != nil {
			return fmt.Errorf("ReferenceBlackWhite: %w", err)
		}
		ifd.ReferenceBlackWhite = rs

	default:
		// Not in the dispatch table: read, skipped, otherwise ignored.
	}

	return td.afterTag(ifd)
}

// afterTag recomputes the tile-grid dimensions that depend on whichever of
// ImageWidth/ImageHeight/TileWidth/TileHeight this tag just set (or left
// untouched, for an unrecognised data type). Called once per tag so a
// chain's tile grid is always fully up to date by the time the next tag or
// the classifier reads it.
func (td *tagDecoder) afterTag(ifd *Ifd) error {
	if ifd.TileWidth > 0 {
		ifd.WidthInTiles = ceilDiv(ifd.ImageWidth, ifd.TileWidth)
	}
	if ifd.TileHeight > 0 {
		ifd.HeightInTiles = ceilDiv(ifd.ImageHeight, ifd.TileHeight)
	}
	return nil
}

// nulTerminatedString trims an ASCII tag buffer to its declared element
// count, then drops a trailing NUL the file itself may have included, since
// readBytes already guarantees termination.
func nulTerminatedString(b []byte, count uint64) string {
	n := int(count)
	if n > len(b) {
		n = len(b)
	}
	s := b[:n]
	if i := indexByte(s, 0); i >= 0 {
		s = s[:i]
	}
	return string(s)
}

func indexByte(b []byte, c byte) int {
	for i, v := range b {
		if v == c {
			return i
		}
	}
	return -1
}

// classify assigns ifd.SubimageType once all of its tags have been applied.
// Classification is heuristic substring matching on free-form English
// description text, exactly as real slide scanners emit it; isFirstIfd
// matters only for the REDUCEDIMAGE fallback rule.
func classify(ifd *Ifd, isFirstIfd bool) {
	desc := ifd.ImageDescription
	switch {
	case strings.HasPrefix(desc, "Macro"):
		ifd.SubimageType = SubimageMacro
	case strings.HasPrefix(desc, "Label"):
		ifd.SubimageType = SubimageLabel
	case strings.HasPrefix(desc, "level"):
		ifd.SubimageType = SubimageLevel
	case ifd.SubimageType == SubimageUnknown && ifd.TileWidth > 0 &&
		(isFirstIfd || ifd.SubfileType&subfileReducedImage != 0):
		ifd.SubimageType = SubimageLevel
	}
}
