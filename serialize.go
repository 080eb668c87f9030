package wsitiff

import (
	"fmt"
	"log"

	"github.com/pierrec/lz4/v4"
	"github.com/valyala/bytebufferpool"
)

// contentLengthFieldWidth is the fixed width of the Content-Length decimal
// field in the HTTP header prefix, per spec §4.4/§9: wide enough that an
// LZ4-compressed rewrite never needs to change the header's length, only the
// digits within this field.
const contentLengthFieldWidth = 16

const httpHeaderPrefix = "HTTP/1.1 200 OK\r\nContent-Type: application/octet-stream\r\nContent-Length: "
const httpHeaderSuffix = "\r\n\r\n"

// SerializeOptions controls the Serializer's optional LZ4 envelope.
type SerializeOptions struct {
	// Compress wraps the payload in a single LZ4_COMPRESSED_DATA block when
	// true. Compression that turns out not to shrink the payload (or that
	// errors) falls back to the uncompressed payload, per spec §4.4.
	Compress bool

	// Logger receives non-fatal warnings, such as a ReferenceBlackWhite
	// array longer than the wire format can carry. Defaults to
	// log.Default() when nil.
	Logger *log.Logger
}

func (o SerializeOptions) logger() *log.Logger {
	if o.Logger != nil {
		return o.Logger
	}
	return log.Default()
}

// Serialize packs t into the block-framed wire format of spec §4.4: an HTTP
// response header with a fixed-width Content-Length field, followed by a
// HEADER_AND_META block, an IFDS block, four payload blocks per IFD, and a
// TERMINATOR block. Pixel data is never included.
func Serialize(t *Tiff, opts SerializeOptions) ([]byte, error) {
	payload := buildPayload(t, opts.logger())
	defer payload.release()

	body := payload.Bytes()
	if opts.Compress {
		if compressed, ok := compressPayload(body); ok {
			body = compressed
		}
	}

	out := make([]byte, 0, len(httpHeaderPrefix)+contentLengthFieldWidth+len(httpHeaderSuffix)+len(body))
	out = append(out, httpHeaderPrefix...)
	out = append(out, formatContentLength(len(body))...)
	out = append(out, httpHeaderSuffix...)
	out = append(out, body...)
	return out, nil
}

// formatContentLength renders n as a zero-padded decimal exactly
// contentLengthFieldWidth digits wide, per spec §9's in-place-rewrite
// invariant.
func formatContentLength(n int) string {
	return fmt.Sprintf("%0*d", contentLengthFieldWidth, n)
}

// buildPayload assembles the uncompressed block stream (everything after the
// HTTP header) into a pooled buffer the caller must release when done
// copying its bytes out.
func buildPayload(t *Tiff, logger *log.Logger) *pooledPayload {
	buf := payloadBuffer()
	p := &pooledPayload{buf: buf}

	header := serialHeader{
		FileSize:        t.FileSize,
		BigEndian:       t.BigEndian,
		BigTiff:         t.BigTiff,
		OffsetWidth:     uint32(t.OffsetWidth),
		IfdCount:        uint32(len(t.Ifds)),
		MainImageIndex:  int32(t.MainImageIndex),
		MacroImageIndex: int32(t.MacroImageIndex),
		LabelImageIndex: int32(t.LabelImageIndex),
		LevelImageIndex: int32(t.LevelImageIndex),
		LevelCount:      int32(t.LevelCount),
		MppX:            t.MppX,
		MppY:            t.MppY,
	}
	p.writeBlock(blockHeaderAndMeta, 0, serialHeaderSize, func(dst []byte) { header.encode(dst) })

	ifdsLen := uint64(len(t.Ifds)) * serialIfdSize
	p.writeBlock(blockIfds, 0, ifdsLen, func(dst []byte) {
		for i, ifd := range t.Ifds {
			toSerialIfd(ifd, logger).encode(dst[i*serialIfdSize : (i+1)*serialIfdSize])
		}
	})

	for i, ifd := range t.Ifds {
		desc := []byte(ifd.ImageDescription)
		p.writeBlock(blockImageDescription, uint32(i), uint64(len(desc)), func(dst []byte) { copy(dst, desc) })

		p.writeBlock(blockTileOffsets, uint32(i), uint64(len(ifd.TileOffsets))*8, func(dst []byte) {
			encodeUint64Array(dst, ifd.TileOffsets)
		})
		p.writeBlock(blockTileByteCounts, uint32(i), uint64(len(ifd.TileByteCounts))*8, func(dst []byte) {
			encodeUint64Array(dst, ifd.TileByteCounts)
		})
		p.writeBlock(blockJpegTables, uint32(i), uint64(len(ifd.JpegTables)), func(dst []byte) { copy(dst, ifd.JpegTables) })
	}

	p.writeBlock(blockTerminator, 0, 0, nil)
	return p
}

// toSerialIfd copies ifd's scalars and payload lengths into a serialIfd
// record; the payloads themselves go into their own blocks. A
// ReferenceBlackWhite array longer than referenceBlackWhiteCap (possible
// for a non-RGB, e.g. CMYK, source) is truncated and logged rather than
// silently dropped.
func toSerialIfd(ifd *Ifd, logger *log.Logger) serialIfd {
	s := serialIfd{
		IfdIndex:                 int32(ifd.IfdIndex),
		ImageWidth:               ifd.ImageWidth,
		ImageHeight:              ifd.ImageHeight,
		TileWidth:                ifd.TileWidth,
		TileHeight:               ifd.TileHeight,
		WidthInTiles:             ifd.WidthInTiles,
		HeightInTiles:            ifd.HeightInTiles,
		TileCount:                ifd.TileCount,
		Compression:              ifd.Compression,
		ColorSpace:               ifd.ColorSpace,
		ChromaSubsampleH:         ifd.ChromaSubsampleH,
		ChromaSubsampleV:         ifd.ChromaSubsampleV,
		SubimageType:             int32(ifd.SubimageType),
		SubfileType:              ifd.SubfileType,
		LevelMagnification:       ifd.LevelMagnification,
		UmPerPixelX:              ifd.UmPerPixelX,
		UmPerPixelY:              ifd.UmPerPixelY,
		TileSideUmX:              ifd.TileSideUmX,
		TileSideUmY:              ifd.TileSideUmY,
		ImageDescriptionLen:      uint32(len(ifd.ImageDescription)),
		JpegTablesLen:            uint32(len(ifd.JpegTables)),
		ReferenceBlackWhiteCount: uint32(len(ifd.ReferenceBlackWhite)),
	}
	if len(ifd.ReferenceBlackWhite) > referenceBlackWhiteCap && logger != nil {
		logger.Printf("ifd %d: ReferenceBlackWhite has %d entries, truncating to %d",
			ifd.IfdIndex, len(ifd.ReferenceBlackWhite), referenceBlackWhiteCap)
	}
	for i := 0; i < len(ifd.ReferenceBlackWhite) && i < referenceBlackWhiteCap; i++ {
		s.ReferenceBlackWhite[i] = ifd.ReferenceBlackWhite[i]
	}
	return s
}

func encodeUint64Array(dst []byte, vals []uint64) {
	for i, v := range vals {
		byteOrder.PutUint64(dst[i*8:i*8+8], v)
	}
}

// pooledPayload accumulates the block stream directly into a pooled
// bytebufferpool.ByteBuffer, writing each block's framing record followed by
// its payload via fill (nil for a payload-less block such as TERMINATOR).
type pooledPayload struct {
	buf *bytebufferpool.ByteBuffer
}

func (p *pooledPayload) writeBlock(blockType uint32, index uint32, length uint64, fill func([]byte)) {
	var header [serialBlockSize]byte
	serialBlock{Type: blockType, Index: index, Length: length}.encode(header[:])
	p.buf.Write(header[:])

	if length == 0 || fill == nil {
		return
	}
	payload := make([]byte, length)
	fill(payload)
	p.buf.Write(payload)
}

func (p *pooledPayload) Bytes() []byte { return p.buf.Bytes() }

// release returns the underlying buffer to the pool. Callers must be done
// reading Bytes() before calling this.
func (p *pooledPayload) release() { bytebufferpool.Put(p.buf) }

// compressPayload attempts the spec §4.4 LZ4 envelope: on success it returns
// a single LZ4_COMPRESSED_DATA block (index = uncompressed size, length =
// compressed size) followed by the compressed bytes. ok is false when
// compression errors or fails to shrink the payload, in which case the
// caller emits the uncompressed payload as-is.
func compressPayload(src []byte) (out []byte, ok bool) {
	bound := lz4.CompressBlockBound(len(src))
	compressed := make([]byte, bound)

	var c lz4.Compressor
	n, err := c.CompressBlock(src, compressed)
	if err != nil || n <= 0 || n >= len(src) {
		return nil, false
	}
	compressed = compressed[:n]

	out = make([]byte, 0, serialBlockSize+len(compressed))
	var header [serialBlockSize]byte
	serialBlock{Type: blockLZ4CompressedData, Index: uint32(len(src)), Length: uint64(n)}.encode(header[:])
	out = append(out, header[:]...)
	out = append(out, compressed...)
	return out, true
}
