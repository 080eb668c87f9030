package wsitiff

import "errors"

// Sentinel errors returned by the parser and the wire codec. Callers should
// compare with errors.Is; errors returned from this package wrap one of
// these via fmt.Errorf("...: %w", err) so the original context survives.
// The one exception is an offset-stored YCbCrSubSampling value, which fails
// the parse with an error that wraps none of them.
var (
	// ErrIo is returned when the underlying reader failed for a reason other
	// than running out of data.
	ErrIo = errors.New("wsitiff: io error")

	// ErrEof is returned when a read ran past the end of the available data.
	ErrEof = errors.New("wsitiff: unexpected end of file")

	// ErrBadMagic is returned when the byte-order marker, format magic, or
	// BigTIFF offset-width/reserved fields don't match the TIFF 6.0 /
	// BigTIFF header layout.
	ErrBadMagic = errors.New("wsitiff: bad TIFF magic or header")

	// ErrBadFieldSize is returned when an integer-array tag has a field size
	// that can't be widened to uint64 (anything other than 1, 2, 4, or 8).
	ErrBadFieldSize = errors.New("wsitiff: unreadable tag field size")

	// ErrTileCountMismatch is returned when TileByteCounts and TileOffsets
	// disagree on element count for the same IFD.
	ErrTileCountMismatch = errors.New("wsitiff: tile offset/byte-count mismatch")

	// ErrMalformedStream is returned for any framing violation encountered
	// while deserialising a wire payload: wrong block order, truncated
	// block, bad ifd_count, etc.
	ErrMalformedStream = errors.New("wsitiff: malformed serialized stream")

	// ErrDuplicateBlock is returned when a per-IFD payload block (image
	// description, tile offsets, tile byte counts, jpeg tables) appears more
	// than once for the same IFD index.
	ErrDuplicateBlock = errors.New("wsitiff: duplicate payload block")

	// ErrDecompressionFailed is returned when the LZ4 envelope fails to
	// decompress, or decompresses to a size other than the one declared in
	// the block header.
	ErrDecompressionFailed = errors.New("wsitiff: lz4 decompression failed")
)
