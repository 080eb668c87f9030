package wsitiff

import (
	"bytes"
	"errors"
	"testing"
)

func sampleTiff() *Tiff {
	return &Tiff{
		FileSize:       123456,
		BigEndian:      false,
		BigTiff:        false,
		OffsetWidth:    4,
		MainImageIndex: 0,
		LevelCount:     1,
		MppX:           0.25,
		MppY:           0.25,
		Ifds: []*Ifd{
			{
				IfdIndex:         0,
				ImageWidth:       4096,
				ImageHeight:      4096,
				TileWidth:        512,
				TileHeight:       512,
				WidthInTiles:     8,
				HeightInTiles:    8,
				TileCount:        2,
				TileOffsets:      []uint64{1000, 2000},
				TileByteCounts:   []uint64{999, 888},
				Compression:      7,
				ColorSpace:       photometricRGB,
				ImageDescription: "level0",
				SubimageType:     SubimageLevel,
				UmPerPixelX:      0.25,
				UmPerPixelY:      0.25,
			},
			{
				IfdIndex:         1,
				ImageWidth:       2048,
				ImageHeight:      2048,
				TileWidth:        512,
				TileHeight:       512,
				TileCount:        1,
				TileOffsets:      []uint64{3000},
				TileByteCounts:   []uint64{777},
				ColorSpace:       photometricRGB,
				ImageDescription: "level1",
				SubimageType:     SubimageLevel,
				UmPerPixelX:      0.5,
				UmPerPixelY:      0.5,
			},
		},
	}
}

// TestSerializeSixBlocksBeforeTerminator serializes a Tiff with a single IFD
// and checks the exact block sequence: HEADER_AND_META, IFDS, then that
// IFD's IMAGE_DESCRIPTION/TILE_OFFSETS/TILE_BYTE_COUNTS/JPEG_TABLES (six
// block headers), followed by TERMINATOR. Each further IFD would add four
// payload blocks.
func TestSerializeSixBlocksBeforeTerminator(t *testing.T) {
	tf := sampleTiff()
	tf.Ifds = tf.Ifds[:1] // ifd_count=1: one IFD's four payload blocks

	out, err := Serialize(tf, SerializeOptions{})
	if err != nil {
		t.Fatalf("Serialize: %v", err)
	}

	idx := bytes.Index(out, httpHeaderTerminator)
	if idx < 0 {
		t.Fatal("no HTTP header terminator found")
	}
	body := out[idx+len(httpHeaderTerminator):]

	r := &blockReader{buf: body}
	var types []uint32
	for {
		blk, err := r.readBlockHeader()
		if err != nil {
			t.Fatalf("readBlockHeader: %v", err)
		}
		types = append(types, blk.Type)
		if blk.Type == blockTerminator {
			break
		}
		if _, err := r.readPayload(blk.Length); err != nil {
			t.Fatalf("readPayload: %v", err)
		}
	}

	want := []uint32{
		blockHeaderAndMeta, blockIfds,
		blockImageDescription, blockTileOffsets, blockTileByteCounts, blockJpegTables,
		blockTerminator,
	}
	if len(types) != len(want) {
		t.Fatalf("got %d block headers %v, want %d %v", len(types), types, len(want), want)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Errorf("block %d: got type %d, want %d", i, types[i], want[i])
		}
	}
}

// TestRoundTripPreservesIfdFields is scenario 4 of spec §8.
func TestRoundTripPreservesIfdFields(t *testing.T) {
	tf := sampleTiff()
	tf.LevelCount = 3
	tf.Ifds[0].UmPerPixelX = 0.25
	tf.Ifds = append(tf.Ifds, &Ifd{
		IfdIndex:     2,
		ImageWidth:   1024,
		ColorSpace:   photometricRGB,
		SubimageType: SubimageLevel,
		UmPerPixelX:  1.0,
		UmPerPixelY:  1.0,
	})

	out, err := Serialize(tf, SerializeOptions{})
	if err != nil {
		t.Fatalf("Serialize: %v", err)
	}
	got, err := Deserialize(out)
	if err != nil {
		t.Fatalf("Deserialize: %v", err)
	}

	if got.LevelCount != 3 {
		t.Errorf("LevelCount = %d, want 3", got.LevelCount)
	}
	if got.Ifds[2].UmPerPixelX != 1.0 {
		t.Errorf("level 2 UmPerPixelX = %v, want 1.0", got.Ifds[2].UmPerPixelX)
	}
	if got.MppX != tf.MppX {
		t.Errorf("MppX = %v, want %v", got.MppX, tf.MppX)
	}
	if len(got.Ifds) != len(tf.Ifds) {
		t.Fatalf("got %d ifds, want %d", len(got.Ifds), len(tf.Ifds))
	}
	if got.Ifds[0].ImageDescription != "level0" {
		t.Errorf("ImageDescription = %q, want level0", got.Ifds[0].ImageDescription)
	}
	if len(got.Ifds[0].TileOffsets) != 2 || got.Ifds[0].TileOffsets[1] != 2000 {
		t.Errorf("TileOffsets = %v, want [1000 2000]", got.Ifds[0].TileOffsets)
	}
}

func TestRoundTripWithLZ4Envelope(t *testing.T) {
	tf := sampleTiff()
	out, err := Serialize(tf, SerializeOptions{Compress: true})
	if err != nil {
		t.Fatalf("Serialize: %v", err)
	}
	got, err := Deserialize(out)
	if err != nil {
		t.Fatalf("Deserialize: %v", err)
	}
	if len(got.Ifds) != len(tf.Ifds) {
		t.Fatalf("got %d ifds, want %d", len(got.Ifds), len(tf.Ifds))
	}
	if got.Ifds[1].ImageDescription != "level1" {
		t.Errorf("ImageDescription = %q, want level1", got.Ifds[1].ImageDescription)
	}
}

// TestDeserializeLZ4SizeMismatch is scenario 5 of spec §8.
func TestDeserializeLZ4SizeMismatch(t *testing.T) {
	var blk [serialBlockSize]byte
	serialBlock{Type: blockLZ4CompressedData, Index: 1000, Length: 3}.encode(blk[:])
	stream := append(blk[:], []byte{0, 0, 0}...) // bogus compressed bytes, decompressed size won't be 1000

	_, err := Deserialize(stream)
	if !errors.Is(err, ErrDecompressionFailed) {
		t.Fatalf("got %v, want ErrDecompressionFailed", err)
	}
}

// TestDeserializeDuplicateTileOffsetsBlock is scenario 6 of spec §8.
func TestDeserializeDuplicateTileOffsetsBlock(t *testing.T) {
	tf := sampleTiff()
	tf.Ifds = tf.Ifds[:1]
	out, err := Serialize(tf, SerializeOptions{})
	if err != nil {
		t.Fatalf("Serialize: %v", err)
	}

	idx := bytes.Index(out, httpHeaderTerminator)
	body := out[idx+len(httpHeaderTerminator):]

	// Duplicate the IFD 0 TILE_OFFSETS block by splicing another copy of it
	// right before the TERMINATOR block.
	r := &blockReader{buf: body}
	var tileOffsetsBlock []byte
	var terminatorAt int
	for {
		start := r.pos
		blk, err := r.readBlockHeader()
		if err != nil {
			t.Fatalf("readBlockHeader: %v", err)
		}
		if blk.Type == blockTerminator {
			terminatorAt = start
			break
		}
		payload, err := r.readPayload(blk.Length)
		if err != nil {
			t.Fatalf("readPayload: %v", err)
		}
		if blk.Type == blockTileOffsets {
			tileOffsetsBlock = append([]byte{}, body[start:r.pos]...)
		}
		_ = payload
	}
	if tileOffsetsBlock == nil {
		t.Fatal("no TILE_OFFSETS block found to duplicate")
	}

	tampered := make([]byte, 0, len(body)+len(tileOffsetsBlock))
	tampered = append(tampered, body[:terminatorAt]...)
	tampered = append(tampered, tileOffsetsBlock...)
	tampered = append(tampered, body[terminatorAt:]...)

	_, err = Deserialize(tampered)
	if !errors.Is(err, ErrDuplicateBlock) {
		t.Fatalf("got %v, want ErrDuplicateBlock", err)
	}
}

func TestDeserializeUnknownBlockTypeIsSkipped(t *testing.T) {
	tf := sampleTiff()
	tf.Ifds = tf.Ifds[:1]
	out, err := Serialize(tf, SerializeOptions{})
	if err != nil {
		t.Fatalf("Serialize: %v", err)
	}
	idx := bytes.Index(out, httpHeaderTerminator)
	body := out[idx+len(httpHeaderTerminator):]

	r := &blockReader{buf: body}
	terminatorAt := -1
	for {
		start := r.pos
		blk, err := r.readBlockHeader()
		if err != nil {
			t.Fatalf("readBlockHeader: %v", err)
		}
		if blk.Type == blockTerminator {
			terminatorAt = start
			break
		}
		if _, err := r.readPayload(blk.Length); err != nil {
			t.Fatalf("readPayload: %v", err)
		}
	}

	var unknown [serialBlockSize]byte
	serialBlock{Type: 0xBEEF, Index: 0, Length: 4}.encode(unknown[:])
	unknown4 := append(unknown[:], []byte{1, 2, 3, 4}...)

	tampered := make([]byte, 0, len(body)+len(unknown4))
	tampered = append(tampered, body[:terminatorAt]...)
	tampered = append(tampered, unknown4...)
	tampered = append(tampered, body[terminatorAt:]...)

	got, err := Deserialize(tampered)
	if err != nil {
		t.Fatalf("Deserialize with unknown block type: %v", err)
	}
	if got.Ifds[0].ImageDescription != "level0" {
		t.Errorf("ImageDescription = %q, want level0", got.Ifds[0].ImageDescription)
	}
}

func TestDeserializeTruncatedStreamNeverPanics(t *testing.T) {
	tf := sampleTiff()
	out, err := Serialize(tf, SerializeOptions{})
	if err != nil {
		t.Fatalf("Serialize: %v", err)
	}
	for cut := len(out) - 1; cut > len(out)/2; cut -= 7 {
		_, err := Deserialize(out[:cut])
		if err == nil {
			continue
		}
		if !errors.Is(err, ErrMalformedStream) && !errors.Is(err, ErrEof) {
			t.Fatalf("truncated at %d: got %v, want ErrMalformedStream or ErrEof", cut, err)
		}
	}
}
