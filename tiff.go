// Package wsitiff parses local or HTTP-remote TIFF/BigTIFF whole-slide
// images into an in-memory pyramid description, and serialises that
// description (without pixel data) to and from a compact, length-framed,
// optionally LZ4-compressed wire format suitable for sending to a remote
// viewer.
//
// Opening a slide never decodes pixel data: IfdWalker only records each
// tile's absolute byte offset and length so a caller can fetch individual
// tiles later. Writing TIFF files, decoding pixels, and non-tiled
// (stripped) pyramid levels are out of scope; see SPEC_FULL.md.
package wsitiff

import (
	"encoding/binary"
	"fmt"
	"io"
	"log"
	"os"
)

const (
	classicMagic = 0x002A
	bigTiffMagic = 0x002B

	rawTagSizeClassic = 12
	rawTagSizeBigTiff = 20

	baseMicronsPerPixel = 0.25
)

// Tiff is the top-level, read-only (after construction) description of a
// whole-slide image's directory chain. Its buffers are owned exclusively by
// this value; Close releases the underlying file handle, if any.
type Tiff struct {
	closer io.Closer
	r      *byteOrderReader
	order  binary.ByteOrder

	FileSize    int64
	BigEndian   bool
	BigTiff     bool
	OffsetWidth int

	Ifds []*Ifd

	MainImageIndex  int
	MacroImageIndex int
	LabelImageIndex int
	LevelImageIndex int
	LevelCount      int

	MppX, MppY float64
}

// OpenOptions configures a parse. The zero value is the common case: logged
// warnings go to log.Default().
type OpenOptions struct {
	// Logger receives non-fatal warnings (unrecognised tag data types,
	// tile-dimension mismatches across level IFDs). Defaults to
	// log.Default() when nil.
	Logger *log.Logger
}

func (o OpenOptions) logger() *log.Logger {
	if o.Logger != nil {
		return o.Logger
	}
	return log.Default()
}

// Open parses the local TIFF/BigTIFF file at path.
func Open(path string) (*Tiff, error) {
	return OpenWithOptions(path, OpenOptions{})
}

// OpenWithOptions is Open with explicit OpenOptions.
func OpenWithOptions(path string, opts OpenOptions) (*Tiff, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, ErrIo)
	}

	size, err := f.Seek(0, io.SeekEnd)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat %s: %w", path, ErrIo)
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		f.Close()
		return nil, fmt.Errorf("rewind %s: %w", path, ErrIo)
	}

	t, err := parse(f, f, size, opts)
	if err != nil {
		f.Close()
		return nil, err
	}
	return t, nil
}

// OpenReader parses src (already positioned at offset 0) as a TIFF/BigTIFF
// stream of the given total size. Useful for testing against in-memory
// fixtures; OpenRemote runs the same parse over an HTTP range reader.
func OpenReader(src io.ReadSeeker, size int64, opts OpenOptions) (*Tiff, error) {
	return parse(src, nil, size, opts)
}

// Close releases the underlying file handle, if this Tiff owns one, and
// returns any pooled tile-offset/tile-byte-count arrays to their pools.
func (t *Tiff) Close() error {
	for _, ifd := range t.Ifds {
		ifd.release()
	}
	if t.closer == nil {
		return nil
	}
	return t.closer.Close()
}

func parse(src io.ReadSeeker, closer io.Closer, size int64, opts OpenOptions) (*Tiff, error) {
	r := newByteOrderReader(src)

	var marker [4]byte
	if err := r.readExact(marker[:]); err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}

	var order binary.ByteOrder
	var bigEndian bool
	switch string(marker[0:2]) {
	case "II":
		order = binary.LittleEndian
		bigEndian = false
	case "MM":
		order = binary.BigEndian
		bigEndian = true
	default:
		return nil, fmt.Errorf("byte-order marker %q: %w", marker[0:2], ErrBadMagic)
	}

	formatMagic := order.Uint16(marker[2:4])

	t := &Tiff{
		closer:    closer,
		r:         r,
		order:     order,
		FileSize:  size,
		BigEndian: bigEndian,
	}

	var firstIfdOffset uint64
	switch formatMagic {
	case classicMagic:
		t.BigTiff = false
		t.OffsetWidth = 4
		off, err := r.readU32(order)
		if err != nil {
			return nil, fmt.Errorf("read first IFD offset: %w", err)
		}
		firstIfdOffset = uint64(off)

	case bigTiffMagic:
		t.BigTiff = true
		t.OffsetWidth = 8

		offsetSize, err := r.readU16(order)
		if err != nil {
			return nil, fmt.Errorf("read BigTIFF offset size: %w", err)
		}
		if offsetSize != 8 {
			return nil, fmt.Errorf("BigTIFF offset size %d: %w", offsetSize, ErrBadMagic)
		}
		reserved, err := r.readU16(order)
		if err != nil {
			return nil, fmt.Errorf("read BigTIFF reserved field: %w", err)
		}
		if reserved != 0 {
			return nil, fmt.Errorf("BigTIFF reserved field %d: %w", reserved, ErrBadMagic)
		}
		off, err := r.readU64(order)
		if err != nil {
			return nil, fmt.Errorf("read first IFD offset: %w", err)
		}
		firstIfdOffset = off

	default:
		return nil, fmt.Errorf("format magic 0x%04x: %w", formatMagic, ErrBadMagic)
	}

	td := &tagDecoder{r: r, order: order}
	logger := opts.logger()

	var ifds []*Ifd
	offset := firstIfdOffset
	for offset != 0 {
		ifd, next, err := walkOneIfd(td, order, t.BigTiff, bigEndian, offset, len(ifds), logger)
		if err != nil {
			for _, built := range ifds {
				built.release()
			}
			return nil, fmt.Errorf("ifd at offset %d: %w", offset, err)
		}
		classify(ifd, len(ifds) == 0)
		ifds = append(ifds, ifd)
		offset = next
	}

	t.Ifds = ifds
	postProcess(t, logger)

	return t, nil
}

// walkOneIfd reads and decodes a single IFD starting at offset, returning it
// along with the next IFD's offset (0 terminates the chain).
func walkOneIfd(td *tagDecoder, order binary.ByteOrder, bigTiff, bigEndian bool, offset uint64, index int, logger *log.Logger) (*Ifd, uint64, error) {
	if err := td.r.seek(int64(offset)); err != nil {
		return nil, 0, err
	}

	var tagCount uint64
	if bigTiff {
		n, err := td.r.readU64(order)
		if err != nil {
			return nil, 0, fmt.Errorf("read tag count: %w", err)
		}
		tagCount = n
	} else {
		n, err := td.r.readU16(order)
		if err != nil {
			return nil, 0, fmt.Errorf("read tag count: %w", err)
		}
		tagCount = uint64(n)
	}

	rawSize := rawTagSizeClassic
	if bigTiff {
		rawSize = rawTagSizeBigTiff
	}

	rawEntries := make([]byte, int(tagCount)*rawSize)
	if err := td.r.readExact(rawEntries); err != nil {
		return nil, 0, fmt.Errorf("read %d tag entries: %w", tagCount, err)
	}

	var nextOffset uint64
	if bigTiff {
		n, err := td.r.readU64(order)
		if err != nil {
			return nil, 0, fmt.Errorf("read next IFD offset: %w", err)
		}
		nextOffset = n
	} else {
		n, err := td.r.readU32(order)
		if err != nil {
			return nil, 0, fmt.Errorf("read next IFD offset: %w", err)
		}
		nextOffset = uint64(n)
	}

	ifd := newIfd(index)
	for i := 0; i < int(tagCount); i++ {
		raw := rawEntries[i*rawSize : (i+1)*rawSize]
		tag, err := decodeTag(raw, order, bigTiff, bigEndian)
		if err != nil {
			return nil, 0, fmt.Errorf("decode tag %d: %w", i, err)
		}
		if err := td.applyTag(ifd, tag, logger.Printf); err != nil {
			return nil, 0, err
		}
	}

	if ifd.TileOffsets != nil || ifd.TileByteCounts != nil {
		if len(ifd.TileOffsets) != len(ifd.TileByteCounts) {
			return nil, 0, fmt.Errorf("ifd %d: %d tile offsets vs %d tile byte counts: %w",
				index, len(ifd.TileOffsets), len(ifd.TileByteCounts), ErrTileCountMismatch)
		}
	}

	return ifd, nextOffset, nil
}

// postProcess assigns the Tiff's role indices, level count, and per-level
// µm/pixel figures once every IFD has been walked and classified.
func postProcess(t *Tiff, logger *log.Logger) {
	t.MainImageIndex = 0

	var firstTileWidth, firstTileHeight uint32
	levelIdx := 0
	for i, ifd := range t.Ifds {
		switch ifd.SubimageType {
		case SubimageMacro:
			t.MacroImageIndex = i
		case SubimageLabel:
			t.LabelImageIndex = i
		case SubimageLevel:
			if levelIdx == 0 {
				t.LevelImageIndex = i
				firstTileWidth, firstTileHeight = ifd.TileWidth, ifd.TileHeight
			} else if logger != nil && (ifd.TileWidth != firstTileWidth || ifd.TileHeight != firstTileHeight) {
				logger.Printf("ifd %d: tile size %dx%d differs from level 0's %dx%d",
					i, ifd.TileWidth, ifd.TileHeight, firstTileWidth, firstTileHeight)
			}

			mpp := baseMicronsPerPixel * pow2(levelIdx)
			if hint, ok := parseMppHint(ifd.ImageDescription); ok {
				mpp = hint
			}
			ifd.UmPerPixelX = mpp
			ifd.UmPerPixelY = mpp
			ifd.TileSideUmX = mpp * float64(ifd.TileWidth)
			ifd.TileSideUmY = mpp * float64(ifd.TileHeight)

			levelIdx++
		}
	}

	t.LevelCount = levelIdx
	if levelIdx > 0 {
		t.MppX = t.Ifds[t.LevelImageIndex].UmPerPixelX
		t.MppY = t.Ifds[t.LevelImageIndex].UmPerPixelY
	}
}

func pow2(n int) float64 {
	v := 1.0
	for i := 0; i < n; i++ {
		v *= 2
	}
	return v
}

// parseMppHint scans a free-form ImageDescription for an "MPP=" or "MPP = "
// field, as emitted by several scanner vendors' metadata strings. It never
// fails: an absent or unparsable hint simply yields ok=false, leaving the
// hard-coded doubling law of spec.md §4.3/§9 in force.
func parseMppHint(desc string) (float64, bool) {
	const key = "MPP"
	idx := indexOfFold(desc, key)
	if idx < 0 {
		return 0, false
	}
	rest := desc[idx+len(key):]
	i := 0
	for i < len(rest) && (rest[i] == ' ' || rest[i] == '=') {
		i++
	}
	rest = rest[i:]

	end := 0
	for end < len(rest) && isNumericRune(rest[end]) {
		end++
	}
	if end == 0 {
		return 0, false
	}
	var value float64
	if _, err := fmt.Sscanf(rest[:end], "%g", &value); err != nil || value <= 0 {
		return 0, false
	}
	return value, true
}

func isNumericRune(b byte) bool {
	return (b >= '0' && b <= '9') || b == '.'
}

func indexOfFold(s, substr string) int {
	for i := 0; i+len(substr) <= len(s); i++ {
		if equalFold(s[i:i+len(substr)], substr) {
			return i
		}
	}
	return -1
}

func equalFold(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := 0; i < len(a); i++ {
		ca, cb := a[i], b[i]
		if 'a' <= ca && ca <= 'z' {
			ca -= 'a' - 'A'
		}
		if 'a' <= cb && cb <= 'z' {
			cb -= 'a' - 'A'
		}
		if ca != cb {
			return false
		}
	}
	return true
}
