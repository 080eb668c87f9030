package wsitiff

import (
	"encoding/binary"
	"math"
)

// byteOrder is the wire format's fixed encoding: always little-endian,
// independent of the byte order of any TIFF file the Tiff was built from.
var byteOrder = binary.LittleEndian

// Block types for the length-framed wire format (spec §4.4/4.5). Values are
// part of the wire contract: never renumber an existing constant, only add
// new ones after blockTerminator.
const (
	blockHeaderAndMeta     uint32 = 1
	blockIfds              uint32 = 2
	blockImageDescription  uint32 = 3
	blockTileOffsets       uint32 = 4
	blockTileByteCounts    uint32 = 5
	blockJpegTables        uint32 = 6
	blockLZ4CompressedData uint32 = 7
	blockTerminator        uint32 = 8
)

// serialBlockSize is the on-wire size of one SerialBlock record: u32 type,
// u32 index, u64 length.
const serialBlockSize = 4 + 4 + 8

// serialBlock is the framing record prefixing every block of the wire
// format. It is never retained; decoded fields are copied out immediately.
type serialBlock struct {
	Type   uint32
	Index  uint32
	Length uint64
}

// referenceBlackWhiteCap bounds the embedded ReferenceBlackWhite array in
// serialIfd: TIFF 6.0 defines the tag as exactly 2 values per sample
// (black, white) for up to 3 samples, so 6 rationals covers every RGB file
// this package opens without needing a variable-length block of its own.
const referenceBlackWhiteCap = 6

// serialHeaderSize is the fixed on-wire size of a SerialHeader record.
const serialHeaderSize = 8 + 1 + 1 + 2 /*pad*/ + 4 + 4 + 4 + 4 + 4 + 4 + 4 + 8 + 8

// serialHeader carries the Tiff scalars: filesize, flags, offset width, the
// four role indices, level count, and mpp_x/mpp_y. Variable-length data
// (the Ifd sequence) lives in its own IFDS block.
type serialHeader struct {
	FileSize        int64
	BigEndian       bool
	BigTiff         bool
	OffsetWidth     uint32
	IfdCount        uint32
	MainImageIndex  int32
	MacroImageIndex int32
	LabelImageIndex int32
	LevelImageIndex int32
	LevelCount      int32
	MppX            float64
	MppY            float64
}

// serialIfdSize is the fixed on-wire size of one SerialIfd record.
const serialIfdSize = 4 + 4 + 4 + 4 + 4 + 4 + 4 + 8 + 2 + 2 + 2 + 2 + 4 + 4 +
	8 + 8 + 8 + 8 + 8 + 4 + 4 + 4 + referenceBlackWhiteCap*8

// serialIfd carries one Ifd's scalars and the lengths of its variable-length
// payloads (image_description, tile arrays, jpeg_tables); the payloads
// themselves are carried in the per-IFD payload blocks that follow the IFDS
// block, per spec §4.4.
type serialIfd struct {
	IfdIndex     int32
	ImageWidth   uint32
	ImageHeight  uint32
	TileWidth    uint32
	TileHeight   uint32
	WidthInTiles uint32
	HeightInTiles uint32
	TileCount    uint64

	Compression      uint16
	ColorSpace       uint16
	ChromaSubsampleH uint16
	ChromaSubsampleV uint16

	SubimageType int32
	SubfileType  uint32

	LevelMagnification float64
	UmPerPixelX        float64
	UmPerPixelY        float64
	TileSideUmX        float64
	TileSideUmY        float64

	ImageDescriptionLen uint32
	JpegTablesLen       uint32

	ReferenceBlackWhiteCount uint32
	ReferenceBlackWhite      [referenceBlackWhiteCap]Rational
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}

// encode writes b's fields into buf (little-endian, at the fixed offsets
// implied by serialBlockSize).
func (b serialBlock) encode(buf []byte) {
	byteOrder.PutUint32(buf[0:4], b.Type)
	byteOrder.PutUint32(buf[4:8], b.Index)
	byteOrder.PutUint64(buf[8:16], b.Length)
}

func decodeSerialBlock(buf []byte) serialBlock {
	return serialBlock{
		Type:   byteOrder.Uint32(buf[0:4]),
		Index:  byteOrder.Uint32(buf[4:8]),
		Length: byteOrder.Uint64(buf[8:16]),
	}
}

// encode writes h's fields into buf (little-endian, serialHeaderSize bytes).
func (h serialHeader) encode(buf []byte) {
	byteOrder.PutUint64(buf[0:8], uint64(h.FileSize))
	buf[8] = boolByte(h.BigEndian)
	buf[9] = boolByte(h.BigTiff)
	buf[10], buf[11] = 0, 0
	byteOrder.PutUint32(buf[12:16], h.OffsetWidth)
	byteOrder.PutUint32(buf[16:20], h.IfdCount)
	byteOrder.PutUint32(buf[20:24], uint32(h.MainImageIndex))
	byteOrder.PutUint32(buf[24:28], uint32(h.MacroImageIndex))
	byteOrder.PutUint32(buf[28:32], uint32(h.LabelImageIndex))
	byteOrder.PutUint32(buf[32:36], uint32(h.LevelImageIndex))
	byteOrder.PutUint32(buf[36:40], uint32(h.LevelCount))
	byteOrder.PutUint64(buf[40:48], math.Float64bits(h.MppX))
	byteOrder.PutUint64(buf[48:56], math.Float64bits(h.MppY))
}

func decodeSerialHeader(buf []byte) serialHeader {
	return serialHeader{
		FileSize:        int64(byteOrder.Uint64(buf[0:8])),
		BigEndian:       buf[8] != 0,
		BigTiff:         buf[9] != 0,
		OffsetWidth:     byteOrder.Uint32(buf[12:16]),
		IfdCount:        byteOrder.Uint32(buf[16:20]),
		MainImageIndex:  int32(byteOrder.Uint32(buf[20:24])),
		MacroImageIndex: int32(byteOrder.Uint32(buf[24:28])),
		LabelImageIndex: int32(byteOrder.Uint32(buf[28:32])),
		LevelImageIndex: int32(byteOrder.Uint32(buf[32:36])),
		LevelCount:      int32(byteOrder.Uint32(buf[36:40])),
		MppX:            math.Float64frombits(byteOrder.Uint64(buf[40:48])),
		MppY:            math.Float64frombits(byteOrder.Uint64(buf[48:56])),
	}
}

// encode writes s's fields into buf (little-endian, serialIfdSize bytes).
func (s serialIfd) encode(buf []byte) {
	byteOrder.PutUint32(buf[0:4], uint32(s.IfdIndex))
	byteOrder.PutUint32(buf[4:8], s.ImageWidth)
	byteOrder.PutUint32(buf[8:12], s.ImageHeight)
	byteOrder.PutUint32(buf[12:16], s.TileWidth)
	byteOrder.PutUint32(buf[16:20], s.TileHeight)
	byteOrder.PutUint32(buf[20:24], s.WidthInTiles)
	byteOrder.PutUint32(buf[24:28], s.HeightInTiles)
	byteOrder.PutUint64(buf[28:36], s.TileCount)
	byteOrder.PutUint16(buf[36:38], s.Compression)
	byteOrder.PutUint16(buf[38:40], s.ColorSpace)
	byteOrder.PutUint16(buf[40:42], s.ChromaSubsampleH)
	byteOrder.PutUint16(buf[42:44], s.ChromaSubsampleV)
	byteOrder.PutUint32(buf[44:48], uint32(s.SubimageType))
	byteOrder.PutUint32(buf[48:52], s.SubfileType)
	byteOrder.PutUint64(buf[52:60], math.Float64bits(s.LevelMagnification))
	byteOrder.PutUint64(buf[60:68], math.Float64bits(s.UmPerPixelX))
	byteOrder.PutUint64(buf[68:76], math.Float64bits(s.UmPerPixelY))
	byteOrder.PutUint64(buf[76:84], math.Float64bits(s.TileSideUmX))
	byteOrder.PutUint64(buf[84:92], math.Float64bits(s.TileSideUmY))
	byteOrder.PutUint32(buf[92:96], s.ImageDescriptionLen)
	byteOrder.PutUint32(buf[96:100], s.JpegTablesLen)
	byteOrder.PutUint32(buf[100:104], s.ReferenceBlackWhiteCount)
	off := 104
	for i := 0; i < referenceBlackWhiteCap; i++ {
		byteOrder.PutUint32(buf[off:off+4], s.ReferenceBlackWhite[i].Numerator)
		byteOrder.PutUint32(buf[off+4:off+8], s.ReferenceBlackWhite[i].Denominator)
		off += 8
	}
}

func decodeSerialIfd(buf []byte) serialIfd {
	s := serialIfd{
		IfdIndex:                 int32(byteOrder.Uint32(buf[0:4])),
		ImageWidth:               byteOrder.Uint32(buf[4:8]),
		ImageHeight:              byteOrder.Uint32(buf[8:12]),
		TileWidth:                byteOrder.Uint32(buf[12:16]),
		TileHeight:               byteOrder.Uint32(buf[16:20]),
		WidthInTiles:             byteOrder.Uint32(buf[20:24]),
		HeightInTiles:            byteOrder.Uint32(buf[24:28]),
		TileCount:                byteOrder.Uint64(buf[28:36]),
		Compression:              byteOrder.Uint16(buf[36:38]),
		ColorSpace:               byteOrder.Uint16(buf[38:40]),
		ChromaSubsampleH:         byteOrder.Uint16(buf[40:42]),
		ChromaSubsampleV:         byteOrder.Uint16(buf[42:44]),
		SubimageType:             int32(byteOrder.Uint32(buf[44:48])),
		SubfileType:              byteOrder.Uint32(buf[48:52]),
		LevelMagnification:       math.Float64frombits(byteOrder.Uint64(buf[52:60])),
		UmPerPixelX:              math.Float64frombits(byteOrder.Uint64(buf[60:68])),
		UmPerPixelY:              math.Float64frombits(byteOrder.Uint64(buf[68:76])),
		TileSideUmX:              math.Float64frombits(byteOrder.Uint64(buf[76:84])),
		TileSideUmY:              math.Float64frombits(byteOrder.Uint64(buf[84:92])),
		ImageDescriptionLen:      byteOrder.Uint32(buf[92:96]),
		JpegTablesLen:            byteOrder.Uint32(buf[96:100]),
		ReferenceBlackWhiteCount: byteOrder.Uint32(buf[100:104]),
	}
	off := 104
	for i := 0; i < referenceBlackWhiteCap; i++ {
		s.ReferenceBlackWhite[i] = Rational{
			Numerator:   byteOrder.Uint32(buf[off : off+4]),
			Denominator: byteOrder.Uint32(buf[off+4 : off+8]),
		}
		off += 8
	}
	return s
}
