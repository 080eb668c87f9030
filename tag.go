package wsitiff

import (
	"encoding/binary"
	"fmt"
)

// DataType is a TIFF field type code (TIFF 6.0 §2 plus the BigTIFF 8-byte
// additions from the BigTIFF proposal).
type DataType uint16

const (
	DTByte      DataType = 1
	DTAscii     DataType = 2
	DTShort     DataType = 3
	DTLong      DataType = 4
	DTRational  DataType = 5
	DTSByte     DataType = 6
	DTUndefined DataType = 7
	DTSShort    DataType = 8
	DTSLong     DataType = 9
	DTSRational DataType = 10
	DTFloat     DataType = 11
	DTDouble    DataType = 12
	DTIfd       DataType = 13
	DTLong8     DataType = 16
	DTSLong8    DataType = 17
	DTIfd8      DataType = 18
)

// fieldSize returns the on-disk size in bytes of one element of dt, or 0 for
// a data type this package doesn't recognise. A 0 result is tolerated by
// callers: the tag's value is treated as an opaque blob and a warning is
// logged, per spec.
func fieldSize(dt DataType) int {
	switch dt {
	case DTByte, DTAscii, DTUndefined, DTSByte:
		return 1
	case DTShort, DTSShort:
		return 2
	case DTLong, DTSLong, DTIfd, DTFloat:
		return 4
	case DTRational, DTSRational, DTDouble, DTLong8, DTSLong8, DTIfd8:
		return 8
	default:
		return 0
	}
}

// Rational is a TIFF RATIONAL/SRATIONAL component pair.
type Rational struct {
	Numerator   uint32
	Denominator uint32
}

// Tag is the normalised form of one 12-byte (classic) or 20-byte (BigTIFF)
// directory entry. It is ephemeral: it exists only while an Ifd is being
// built and is never retained afterwards.
//
// A tag's value is either inline (Inline[:] holds up to 8 bytes, normalised
// to little-endian regardless of the source file's byte order, per the
// "applied exactly once, at decode time" rule) or stored at an absolute
// file offset (HasOffset true, Offset valid).
type Tag struct {
	Code        uint16
	DataType    DataType
	Count       uint64
	Inline      [8]byte
	HasOffset   bool
	Offset      uint64
	UnknownType bool // DataType not in the field-size table
}

// inlineCapacity is 4 for classic TIFF, 8 for BigTIFF.
func inlineCapacity(bigTiff bool) int {
	if bigTiff {
		return 8
	}
	return 4
}

// decodeTag normalises a raw 12-byte (classic) or 20-byte (BigTIFF) tag
// record. order is the file's byte order; bigEndian must agree with it
// (order == binary.BigEndian) and is passed explicitly to keep the swap
// logic legible at the call site.
func decodeTag(raw []byte, order binary.ByteOrder, bigTiff, bigEndian bool) (Tag, error) {
	var t Tag
	t.Code = order.Uint16(raw[0:2])
	t.DataType = DataType(order.Uint16(raw[2:4]))

	var valueField []byte
	if bigTiff {
		if len(raw) < 20 {
			return Tag{}, fmt.Errorf("tag record too short for BigTIFF: %w", ErrEof)
		}
		t.Count = order.Uint64(raw[4:12])
		valueField = raw[12:20]
	} else {
		if len(raw) < 12 {
			return Tag{}, fmt.Errorf("tag record too short: %w", ErrEof)
		}
		t.Count = uint64(order.Uint32(raw[4:8]))
		valueField = raw[8:12]
	}

	fsize := fieldSize(t.DataType)
	t.UnknownType = fsize == 0
	cap := inlineCapacity(bigTiff)

	var dataSize uint64
	if !t.UnknownType {
		dataSize = uint64(fsize) * t.Count
	}

	if t.UnknownType || dataSize <= uint64(cap) {
		t.HasOffset = false
		copy(t.Inline[:cap], valueField)
		for i := cap; i < len(t.Inline); i++ {
			t.Inline[i] = 0
		}
		if !t.UnknownType {
			for i := int(dataSize); i < cap; i++ {
				t.Inline[i] = 0
			}
			normalizeInline(t.Inline[:cap], fsize, t.DataType, bigEndian)
		}
		return t, nil
	}

	t.HasOffset = true
	if bigTiff {
		t.Offset = order.Uint64(valueField)
	} else {
		t.Offset = uint64(order.Uint32(valueField))
	}
	return t, nil
}

// normalizeInline converts buf (the tag's raw inline value field, file byte
// order) to a canonical little-endian layout, swapping each fieldSize-wide
// component independently. Rational/SRational are two 4-byte components, not
// one 8-byte one, so they're swapped in 4-byte halves.
func normalizeInline(buf []byte, fsize int, dt DataType, bigEndian bool) {
	if !bigEndian || fsize <= 1 {
		return
	}
	compSize := fsize
	if dt == DTRational || dt == DTSRational {
		compSize = 4
	}
	for off := 0; off+compSize <= len(buf); off += compSize {
		reverseBytes(buf[off : off+compSize])
	}
}

func reverseBytes(b []byte) {
	for i, j := 0, len(b)-1; i < j; i, j = i+1, j-1 {
		b[i], b[j] = b[j], b[i]
	}
}

// inlineUint reads the tag's inline value as a single widened uint64,
// assuming it was already normalised to little-endian by decodeTag.
func (t *Tag) inlineUint() (uint64, error) {
	fsize := fieldSize(t.DataType)
	switch fsize {
	case 1:
		return uint64(t.Inline[0]), nil
	case 2:
		return uint64(binary.LittleEndian.Uint16(t.Inline[:2])), nil
	case 4:
		return uint64(binary.LittleEndian.Uint32(t.Inline[:4])), nil
	case 8:
		return binary.LittleEndian.Uint64(t.Inline[:8]), nil
	default:
		return 0, fmt.Errorf("tag %d: %w", t.Code, ErrBadFieldSize)
	}
}

// readIntegers widens a tag's value to a uniform []uint64, per spec §4.2:
// inline values yield a single-element slice; offset values are read from
// the file and zero-extended element by element. pooled requests that the
// returned slice come from tileArrayPool (the caller must arrange for it to
// be released via Ifd.release); it should be set only for TileOffsets and
// TileByteCounts, the two arrays large enough for pooling to matter.
func (td *tagDecoder) readIntegers(t Tag, pooled bool) ([]uint64, error) {
	if !t.HasOffset {
		v, err := t.inlineUint()
		if err != nil {
			return nil, err
		}
		return []uint64{v}, nil
	}

	fsize := fieldSize(t.DataType)
	if fsize == 0 {
		return nil, fmt.Errorf("tag %d: %w", t.Code, ErrBadFieldSize)
	}

	buf := getScratch(int(t.Count) * fsize)
	defer putScratch(buf)
	if err := td.r.readAt(int64(t.Offset), buf); err != nil {
		return nil, fmt.Errorf("tag %d integer array: %w", t.Code, err)
	}

	var out []uint64
	if pooled {
		out = getTileArray(int(t.Count))
	} else {
		out = make([]uint64, t.Count)
	}
	switch fsize {
	case 1:
		for i := range out {
			out[i] = uint64(buf[i])
		}
	case 2:
		for i := range out {
			out[i] = uint64(td.order.Uint16(buf[i*2 : i*2+2]))
		}
	case 4:
		for i := range out {
			out[i] = uint64(td.order.Uint32(buf[i*4 : i*4+4]))
		}
	case 8:
		for i := range out {
			out[i] = td.order.Uint64(buf[i*8 : i*8+8])
		}
	default:
		return nil, fmt.Errorf("tag %d: %w", t.Code, ErrBadFieldSize)
	}
	return out, nil
}

// readBytes realises a tag's payload (ASCII text or an opaque blob such as
// JPEGTables) into a freshly allocated, NUL-terminated buffer. The returned
// length is max(8, Count+1); the extra trailing byte guarantees
// NUL-termination without trusting the file's own termination.
func (td *tagDecoder) readBytes(t Tag) ([]byte, error) {
	size := int(t.Count) + 1
	if size < 8 {
		size = 8
	}
	out := make([]byte, size)

	if !t.HasOffset {
		n := int(t.Count)
		if n > len(t.Inline) {
			n = len(t.Inline)
		}
		copy(out, t.Inline[:n])
		return out, nil
	}

	payload := out
	if int(t.Count) < len(out) {
		payload = out[:t.Count]
	}
	if err := td.r.readAt(int64(t.Offset), payload); err != nil {
		return nil, fmt.Errorf("tag %d bytes: %w", t.Code, err)
	}
	return out, nil
}

// readRationals realises a RATIONAL/SRATIONAL array.
func (td *tagDecoder) readRationals(t Tag) ([]Rational, error) {
	if !t.HasOffset {
		if t.Count == 0 {
			return nil, nil
		}
		return []Rational{{
			Numerator:   binary.LittleEndian.Uint32(t.Inline[0:4]),
			Denominator: binary.LittleEndian.Uint32(t.Inline[4:8]),
		}}, nil
	}

	buf := getScratch(int(t.Count) * 8)
	defer putScratch(buf)
	if err := td.r.readAt(int64(t.Offset), buf); err != nil {
		return nil, fmt.Errorf("tag %d rationals: %w", t.Code, err)
	}
	out := make([]Rational, t.Count)
	for i := range out {
		out[i].Numerator = td.order.Uint32(buf[i*8 : i*8+4])
		out[i].Denominator = td.order.Uint32(buf[i*8+4 : i*8+8])
	}
	return out, nil
}

// tagDecoder binds the stateless decode helpers above to the reader and
// byte order of the file currently being walked.
type tagDecoder struct {
	r     *byteOrderReader
	order binary.ByteOrder
}
