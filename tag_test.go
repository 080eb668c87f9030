package wsitiff

import (
	"bytes"
	"encoding/binary"
	"testing"
)

// classic 12-byte tag record: code, type, count, value/offset.
func classicTagRecord(order binary.ByteOrder, code uint16, dt DataType, count uint32, value []byte) []byte {
	var buf bytes.Buffer
	binary.Write(&buf, order, code)
	binary.Write(&buf, order, uint16(dt))
	binary.Write(&buf, order, count)
	field := make([]byte, 4)
	copy(field, value)
	buf.Write(field)
	return buf.Bytes()
}

func TestDecodeTagInlineShortLittleEndian(t *testing.T) {
	value := make([]byte, 4)
	binary.LittleEndian.PutUint16(value, 512)
	raw := classicTagRecord(binary.LittleEndian, 256, DTShort, 1, value)

	tag, err := decodeTag(raw, binary.LittleEndian, false, false)
	if err != nil {
		t.Fatalf("decodeTag: %v", err)
	}
	if tag.HasOffset {
		t.Fatal("expected inline value")
	}
	v, err := tag.inlineUint()
	if err != nil {
		t.Fatalf("inlineUint: %v", err)
	}
	if v != 512 {
		t.Errorf("got %d, want 512", v)
	}
}

func TestDecodeTagInlineShortBigEndianNormalizesToLittleEndian(t *testing.T) {
	value := make([]byte, 4)
	binary.BigEndian.PutUint16(value, 512)
	raw := classicTagRecord(binary.BigEndian, 256, DTShort, 1, value)

	tag, err := decodeTag(raw, binary.BigEndian, false, true)
	if err != nil {
		t.Fatalf("decodeTag: %v", err)
	}
	v, err := tag.inlineUint()
	if err != nil {
		t.Fatalf("inlineUint: %v", err)
	}
	if v != 512 {
		t.Errorf("got %d, want 512", v)
	}
	// inlineUint always reads little-endian; confirm the bytes were swapped.
	if binary.LittleEndian.Uint16(tag.Inline[:2]) != 512 {
		t.Errorf("inline buffer not normalised to little-endian: % x", tag.Inline[:2])
	}
}

func TestDecodeTagOffsetStoredValue(t *testing.T) {
	field := make([]byte, 4)
	binary.LittleEndian.PutUint32(field, 1000)
	raw := classicTagRecord(binary.LittleEndian, 324, DTLong, 50, field)

	tag, err := decodeTag(raw, binary.LittleEndian, false, false)
	if err != nil {
		t.Fatalf("decodeTag: %v", err)
	}
	if !tag.HasOffset {
		t.Fatal("expected offset-stored value (50 LONGs = 200 bytes > 4-byte inline capacity)")
	}
	if tag.Offset != 1000 {
		t.Errorf("got offset %d, want 1000", tag.Offset)
	}
}

func TestDecodeTagUnknownDataTypeIsOpaque(t *testing.T) {
	raw := classicTagRecord(binary.LittleEndian, 999, DataType(0xFFFF), 1, []byte{1, 2, 3, 4})
	tag, err := decodeTag(raw, binary.LittleEndian, false, false)
	if err != nil {
		t.Fatalf("decodeTag: %v", err)
	}
	if !tag.UnknownType {
		t.Error("expected UnknownType for an unrecognised data type")
	}
}

func TestReadIntegersOffsetByteArrayWidens(t *testing.T) {
	order := binary.LittleEndian
	payload := []byte{10, 20, 30}
	var buf bytes.Buffer
	buf.Write(payload)
	r := newByteOrderReader(bytes.NewReader(buf.Bytes()))
	td := &tagDecoder{r: r, order: order}

	tag := Tag{Code: 258, DataType: DTByte, Count: 3, HasOffset: true, Offset: 0}
	out, err := td.readIntegers(tag, false)
	if err != nil {
		t.Fatalf("readIntegers: %v", err)
	}
	want := []uint64{10, 20, 30}
	if len(out) != len(want) {
		t.Fatalf("got %d values, want %d", len(out), len(want))
	}
	for i := range want {
		if out[i] != want[i] {
			t.Errorf("out[%d] = %d, want %d", i, out[i], want[i])
		}
	}
}

func TestReadBytesAppendsNulTerminator(t *testing.T) {
	order := binary.LittleEndian
	r := newByteOrderReader(bytes.NewReader([]byte("hello")))
	td := &tagDecoder{r: r, order: order}

	tag := Tag{Code: 270, DataType: DTAscii, Count: 5, HasOffset: true, Offset: 0}
	out, err := td.readBytes(tag)
	if err != nil {
		t.Fatalf("readBytes: %v", err)
	}
	if len(out) < 6 {
		t.Fatalf("expected room for a trailing NUL, got %d bytes", len(out))
	}
	s := nulTerminatedString(out, tag.Count)
	if s != "hello" {
		t.Errorf("got %q, want hello", s)
	}
}
