package wsitiff

import (
	"bytes"
	"fmt"

	"github.com/pierrec/lz4/v4"
)

// httpHeaderTerminator is the marker the deserializer scans for to skip an
// optional leading HTTP header, per spec §4.5 step 1.
var httpHeaderTerminator = []byte("\r\n\r\n")

// Deserialize parses a buffer produced by Serialize (with or without its
// HTTP header, with or without its LZ4 envelope) back into a Tiff. The
// returned Tiff has no open file handle; Close on it only drops its tile
// arrays.
func Deserialize(data []byte) (*Tiff, error) {
	body := data
	if idx := bytes.Index(data, httpHeaderTerminator); idx >= 0 {
		body = data[idx+len(httpHeaderTerminator):]
	}

	r := &blockReader{buf: body}

	blk, err := r.readBlockHeader()
	if err != nil {
		return nil, err
	}
	if blk.Type == blockLZ4CompressedData {
		decompressed := make([]byte, blk.Index)
		n, err := lz4.UncompressBlock(r.remaining(), decompressed)
		if err != nil {
			return nil, fmt.Errorf("lz4 decompress: %w: %v", ErrDecompressionFailed, err)
		}
		if n != int(blk.Index) {
			return nil, fmt.Errorf("lz4 decompress: got %d bytes, expected %d: %w", n, blk.Index, ErrDecompressionFailed)
		}
		r = &blockReader{buf: decompressed}
		blk, err = r.readBlockHeader()
		if err != nil {
			return nil, err
		}
	}

	if blk.Type != blockHeaderAndMeta {
		return nil, fmt.Errorf("expected HEADER_AND_META, got block type %d: %w", blk.Type, ErrMalformedStream)
	}
	headerBytes, err := r.readPayload(blk.Length)
	if err != nil {
		return nil, err
	}
	if len(headerBytes) < serialHeaderSize {
		return nil, fmt.Errorf("header_and_meta block too short: %w", ErrMalformedStream)
	}
	header := decodeSerialHeader(headerBytes)

	blk, err = r.readBlockHeader()
	if err != nil {
		return nil, err
	}
	if blk.Type != blockIfds {
		return nil, fmt.Errorf("expected IFDS, got block type %d: %w", blk.Type, ErrMalformedStream)
	}
	wantLen := uint64(header.IfdCount) * serialIfdSize
	if blk.Length != wantLen {
		return nil, fmt.Errorf("ifds block length %d, want %d for %d ifds: %w", blk.Length, wantLen, header.IfdCount, ErrMalformedStream)
	}
	ifdsBytes, err := r.readPayload(blk.Length)
	if err != nil {
		return nil, err
	}

	ifds := make([]*Ifd, header.IfdCount)
	seen := make([]ifdBlocksSeen, header.IfdCount)
	for i := range ifds {
		s := decodeSerialIfd(ifdsBytes[i*serialIfdSize : (i+1)*serialIfdSize])
		ifds[i] = fromSerialIfd(s)
	}

	for {
		blk, err := r.readBlockHeader()
		if err != nil {
			return nil, err
		}
		if blk.Type == blockTerminator {
			break
		}

		if blk.Type == blockImageDescription || blk.Type == blockTileOffsets ||
			blk.Type == blockTileByteCounts || blk.Type == blockJpegTables {
			if blk.Index >= header.IfdCount {
				return nil, fmt.Errorf("block for ifd %d, only %d ifds: %w", blk.Index, header.IfdCount, ErrMalformedStream)
			}
		}

		switch blk.Type {
		case blockImageDescription:
			if seen[blk.Index].imageDescription {
				return nil, fmt.Errorf("ifd %d: %w", blk.Index, ErrDuplicateBlock)
			}
			seen[blk.Index].imageDescription = true
			b, err := r.readPayload(blk.Length)
			if err != nil {
				return nil, err
			}
			ifds[blk.Index].ImageDescription = string(b)

		case blockTileOffsets:
			if seen[blk.Index].tileOffsets {
				return nil, fmt.Errorf("ifd %d: %w", blk.Index, ErrDuplicateBlock)
			}
			seen[blk.Index].tileOffsets = true
			b, err := r.readPayload(blk.Length)
			if err != nil {
				return nil, err
			}
			ifds[blk.Index].TileOffsets = decodeUint64Array(b)

		case blockTileByteCounts:
			if seen[blk.Index].tileByteCounts {
				return nil, fmt.Errorf("ifd %d: %w", blk.Index, ErrDuplicateBlock)
			}
			seen[blk.Index].tileByteCounts = true
			b, err := r.readPayload(blk.Length)
			if err != nil {
				return nil, err
			}
			ifds[blk.Index].TileByteCounts = decodeUint64Array(b)

		case blockJpegTables:
			if seen[blk.Index].jpegTables {
				return nil, fmt.Errorf("ifd %d: %w", blk.Index, ErrDuplicateBlock)
			}
			seen[blk.Index].jpegTables = true
			b, err := r.readPayload(blk.Length)
			if err != nil {
				return nil, err
			}
			ifds[blk.Index].JpegTables = b

		default:
			// Unknown block type: skip its payload, per spec §4.5/§6
			// forward-compatibility requirement.
			if _, err := r.readPayload(blk.Length); err != nil {
				return nil, err
			}
		}
	}

	for _, ifd := range ifds {
		if len(ifd.TileOffsets) != len(ifd.TileByteCounts) {
			return nil, fmt.Errorf("ifd %d: %d tile offsets vs %d tile byte counts: %w",
				ifd.IfdIndex, len(ifd.TileOffsets), len(ifd.TileByteCounts), ErrTileCountMismatch)
		}
	}

	t := &Tiff{
		FileSize:        header.FileSize,
		BigEndian:       header.BigEndian,
		BigTiff:         header.BigTiff,
		OffsetWidth:     int(header.OffsetWidth),
		Ifds:            ifds,
		MainImageIndex:  int(header.MainImageIndex),
		MacroImageIndex: int(header.MacroImageIndex),
		LabelImageIndex: int(header.LabelImageIndex),
		LevelImageIndex: int(header.LevelImageIndex),
		LevelCount:      int(header.LevelCount),
		MppX:            header.MppX,
		MppY:            header.MppY,
	}
	return t, nil
}

// ifdBlocksSeen tracks which per-IFD payload-block kinds have already been
// consumed, per spec §3's "each IFD appears in exactly one of the
// payload-block groups per kind" invariant.
type ifdBlocksSeen struct {
	imageDescription bool
	tileOffsets      bool
	tileByteCounts   bool
	jpegTables       bool
}

// fromSerialIfd reconstructs an Ifd's scalar fields from its wire record;
// variable-length fields are filled in by the per-IFD payload blocks.
func fromSerialIfd(s serialIfd) *Ifd {
	ifd := &Ifd{
		IfdIndex:           int(s.IfdIndex),
		ImageWidth:         s.ImageWidth,
		ImageHeight:        s.ImageHeight,
		TileWidth:          s.TileWidth,
		TileHeight:         s.TileHeight,
		WidthInTiles:       s.WidthInTiles,
		HeightInTiles:      s.HeightInTiles,
		TileCount:          s.TileCount,
		Compression:        s.Compression,
		ColorSpace:         s.ColorSpace,
		ChromaSubsampleH:   s.ChromaSubsampleH,
		ChromaSubsampleV:   s.ChromaSubsampleV,
		SubimageType:       SubimageType(s.SubimageType),
		SubfileType:        s.SubfileType,
		LevelMagnification: s.LevelMagnification,
		UmPerPixelX:        s.UmPerPixelX,
		UmPerPixelY:        s.UmPerPixelY,
		TileSideUmX:        s.TileSideUmX,
		TileSideUmY:        s.TileSideUmY,
	}
	n := int(s.ReferenceBlackWhiteCount)
	if n > referenceBlackWhiteCap {
		n = referenceBlackWhiteCap
	}
	if n > 0 {
		ifd.ReferenceBlackWhite = append([]Rational(nil), s.ReferenceBlackWhite[:n]...)
	}
	return ifd
}

func decodeUint64Array(b []byte) []uint64 {
	n := len(b) / 8
	out := make([]uint64, n)
	for i := 0; i < n; i++ {
		out[i] = byteOrder.Uint64(b[i*8 : i*8+8])
	}
	return out
}

// blockReader walks a flat byte slice one SerialBlock at a time. It never
// seeks backwards: every block's payload must be fully consumed (or
// explicitly skipped) before the next header can be read.
type blockReader struct {
	buf []byte
	pos int
}

func (r *blockReader) readBlockHeader() (serialBlock, error) {
	if r.pos+serialBlockSize > len(r.buf) {
		return serialBlock{}, fmt.Errorf("read block header at %d: %w", r.pos, ErrMalformedStream)
	}
	blk := decodeSerialBlock(r.buf[r.pos : r.pos+serialBlockSize])
	r.pos += serialBlockSize
	return blk, nil
}

func (r *blockReader) readPayload(length uint64) ([]byte, error) {
	end := r.pos + int(length)
	if length > uint64(len(r.buf)) || end > len(r.buf) || end < r.pos {
		return nil, fmt.Errorf("read %d-byte payload at %d: %w", length, r.pos, ErrMalformedStream)
	}
	b := r.buf[r.pos:end]
	r.pos = end
	return b, nil
}

// remaining returns the bytes not yet consumed, used only to hand the LZ4
// envelope's compressed bytes to the decompressor.
func (r *blockReader) remaining() []byte {
	return r.buf[r.pos:]
}
