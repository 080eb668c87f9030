package wsitiff

import (
	"io"
	"testing"

	"github.com/valyala/fasthttp"
)

// TestRangeReaderSeekWhence exercises Seek's three whence modes against a
// rangeReader with a known size, without making any network call.
func TestRangeReaderSeekWhence(t *testing.T) {
	rr := &rangeReader{
		url:    "https://example.invalid/slide.tif",
		client: &fasthttp.Client{},
		size:   1000,
	}

	pos, err := rr.Seek(100, io.SeekStart)
	if err != nil || pos != 100 {
		t.Fatalf("SeekStart: pos=%d err=%v", pos, err)
	}

	pos, err = rr.Seek(50, io.SeekCurrent)
	if err != nil || pos != 150 {
		t.Fatalf("SeekCurrent: pos=%d err=%v", pos, err)
	}

	pos, err = rr.Seek(-10, io.SeekEnd)
	if err != nil || pos != 990 {
		t.Fatalf("SeekEnd: pos=%d err=%v", pos, err)
	}
}

func TestRangeReaderSeekNegativeRejected(t *testing.T) {
	rr := &rangeReader{url: "https://example.invalid/slide.tif", client: &fasthttp.Client{}, size: 1000}
	if _, err := rr.Seek(-5, io.SeekStart); err == nil {
		t.Fatal("expected an error seeking to a negative position")
	}
}

func TestRangeReaderSeekPastBufferDiscardsIt(t *testing.T) {
	rr := &rangeReader{
		url:         "https://example.invalid/slide.tif",
		client:      &fasthttp.Client{},
		size:        1000,
		buffer:      []byte("cached"),
		bufferStart: 100,
		bufferEnd:   106,
	}
	if _, err := rr.Seek(500, io.SeekStart); err != nil {
		t.Fatalf("Seek: %v", err)
	}
	if rr.bufferStart != -1 || rr.bufferEnd != -1 {
		t.Error("seeking outside the read-ahead buffer should discard it")
	}
}
