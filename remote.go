package wsitiff

import (
	"fmt"
	"io"
	"sync"

	"github.com/valyala/fasthttp"
)

// Read-ahead sizing is tuned for the metadata-only access pattern this
// reader actually serves: OpenRemote/OpenRemoteWithOptions never stream
// pixel tiles, only the header and the IFD/tag chain. That chain is read in
// two very different ways. Walking one IFD's tag table is contiguous (12 or
// 20 bytes per entry, back to back), so a generous read-ahead turns the
// whole table into a single round trip. But resolving an offset-stored tag
// value (a tile-offset array, an ImageDescription, JPEGTables, the next
// IFD's own offset) jumps to an arbitrary, unrelated file position with no
// relationship to the bytes just read; fetching a large window there only
// pays for bytes the directory walk will never touch. sequentialReadAhead
// serves the first case, jumpReadAhead the second; Read tells them apart by
// comparing the new position against where the previous read ended.
const (
	sequentialReadAhead = 64 * 1024
	jumpReadAhead       = 4 * 1024
)

// rangeReader implements io.ReadSeeker over an HTTP(S) endpoint using byte
// range requests, so IfdWalker can parse a slide's directory chain (and a
// Serializer/Deserializer round trip's pixel-free payload) without
// downloading the file. Whole-slide images routinely run into the tens of
// gigabytes; only the directory and tile index need to be read to open one.
//
// rangeReader is itself an io.ReadSeeker, so it can back a byteOrderReader
// exactly like an *os.File does for the local-file Open path.
type rangeReader struct {
	url    string
	client *fasthttp.Client
	size   int64

	mu  sync.Mutex
	pos int64

	// lastReadEnd is the file position one past the last byte handed back
	// by Read, or -1 before the first Read. A subsequent Read starting
	// exactly there is a contiguous continuation of the tag table just
	// read; anything else is a jump to an offset-stored value or the next
	// IFD, and gets the smaller read-ahead.
	lastReadEnd int64

	buffer      []byte
	bufferStart int64
	bufferEnd   int64
}

// newRangeReader creates a rangeReader and issues a HEAD request to learn
// the remote object's size.
func newRangeReader(url string, client *fasthttp.Client) *rangeReader {
	rr := &rangeReader{
		url:         url,
		client:      client,
		bufferStart: -1,
		bufferEnd:   -1,
		lastReadEnd: -1,
	}
	rr.size = rr.fetchSize()
	return rr
}

func (rr *rangeReader) fetchSize() int64 {
	req := fasthttp.AcquireRequest()
	defer fasthttp.ReleaseRequest(req)
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(rr.url)
	req.Header.SetMethod("HEAD")

	if err := rr.client.Do(req, resp); err != nil {
		return -1
	}
	if n := resp.Header.ContentLength(); n > 0 {
		return int64(n)
	}
	return -1
}

// Read satisfies io.Reader, serving from the read-ahead buffer when
// possible and falling back to a fresh ranged GET otherwise.
func (rr *rangeReader) Read(p []byte) (int, error) {
	rr.mu.Lock()
	defer rr.mu.Unlock()

	if rr.size > 0 && rr.pos >= rr.size {
		return 0, io.EOF
	}

	sequential := rr.pos == rr.lastReadEnd
	defer func() { rr.lastReadEnd = rr.pos }()

	toRead := len(p)
	if rr.size > 0 && rr.pos+int64(toRead) > rr.size {
		toRead = int(rr.size - rr.pos)
	}

	if rr.buffer != nil && rr.pos >= rr.bufferStart && rr.pos < rr.bufferEnd {
		bufOffset := int(rr.pos - rr.bufferStart)
		available := int(rr.bufferEnd - rr.pos)

		if available >= toRead {
			n := copy(p[:toRead], rr.buffer[bufOffset:bufOffset+toRead])
			rr.pos += int64(n)
			return n, nil
		}

		n := copy(p[:available], rr.buffer[bufOffset:])
		rr.pos += int64(n)

		remaining := toRead - n
		nn, err := rr.readFromNetwork(p[n:n+remaining], remaining)
		return n + nn, err
	}

	return rr.readWithReadAhead(p, toRead, sequential)
}

func (rr *rangeReader) readWithReadAhead(p []byte, toRead int, sequential bool) (int, error) {
	readSize := jumpReadAhead
	if sequential {
		readSize = sequentialReadAhead
	}
	if readSize < toRead {
		readSize = toRead
	}
	if rr.size > 0 && rr.pos+int64(readSize) > rr.size {
		readSize = int(rr.size - rr.pos)
	}

	data, err := rr.fetchRange(rr.pos, rr.pos+int64(readSize)-1)
	if err != nil {
		return 0, err
	}

	if len(data) > toRead {
		if cap(rr.buffer) >= len(data) {
			rr.buffer = rr.buffer[:len(data)]
		} else {
			rr.buffer = make([]byte, len(data))
		}
		copy(rr.buffer, data)
		rr.bufferStart = rr.pos
		rr.bufferEnd = rr.pos + int64(len(data))
	}

	if len(data) < toRead {
		toRead = len(data)
	}
	if toRead == 0 {
		return 0, io.EOF
	}
	n := copy(p[:toRead], data[:toRead])
	rr.pos += int64(n)
	return n, nil
}

func (rr *rangeReader) readFromNetwork(p []byte, toRead int) (int, error) {
	data, err := rr.fetchRange(rr.pos, rr.pos+int64(toRead)-1)
	if err != nil {
		return 0, err
	}
	if len(data) < toRead {
		toRead = len(data)
	}
	n := copy(p[:toRead], data[:toRead])
	rr.pos += int64(n)
	return n, nil
}

func (rr *rangeReader) fetchRange(start, end int64) ([]byte, error) {
	if rr.size > 0 && end >= rr.size {
		end = rr.size - 1
	}

	req := fasthttp.AcquireRequest()
	defer fasthttp.ReleaseRequest(req)
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(rr.url)
	req.Header.SetMethod("GET")
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", start, end))

	if err := rr.client.Do(req, resp); err != nil {
		return nil, fmt.Errorf("range GET %s: %w", rr.url, err)
	}

	status := resp.StatusCode()
	if status != fasthttp.StatusPartialContent && status != fasthttp.StatusOK {
		return nil, fmt.Errorf("range GET %s: unexpected status %d", rr.url, status)
	}

	body := resp.Body()
	out := make([]byte, len(body))
	copy(out, body)
	return out, nil
}

// Seek satisfies io.Seeker. Seeking outside the read-ahead buffer discards
// it; the next Read re-fetches.
func (rr *rangeReader) Seek(offset int64, whence int) (int64, error) {
	rr.mu.Lock()
	defer rr.mu.Unlock()

	var newPos int64
	switch whence {
	case io.SeekStart:
		newPos = offset
	case io.SeekCurrent:
		newPos = rr.pos + offset
	case io.SeekEnd:
		if rr.size < 0 {
			return 0, fmt.Errorf("seek from end: remote size unknown")
		}
		newPos = rr.size + offset
	default:
		return 0, fmt.Errorf("invalid whence %d", whence)
	}
	if newPos < 0 {
		return 0, fmt.Errorf("negative seek position %d", newPos)
	}

	if rr.buffer != nil && (newPos < rr.bufferStart || newPos >= rr.bufferEnd) {
		rr.bufferStart, rr.bufferEnd = -1, -1
	}
	rr.pos = newPos
	return rr.pos, nil
}

// OpenRemote parses the TIFF/BigTIFF directory of the object at url over
// HTTP range requests, without downloading the file. client may be shared
// across calls; if nil, a default *fasthttp.Client is created and owned by
// the returned Tiff (Close releases nothing in that case, since a
// fasthttp.Client holds no per-request handle to close — callers sharing a
// client are responsible for its lifetime).
func OpenRemote(url string, client *fasthttp.Client) (*Tiff, error) {
	return OpenRemoteWithOptions(url, client, OpenOptions{})
}

// OpenRemoteWithOptions is OpenRemote with explicit OpenOptions.
func OpenRemoteWithOptions(url string, client *fasthttp.Client, opts OpenOptions) (*Tiff, error) {
	if client == nil {
		client = &fasthttp.Client{}
	}

	rr := newRangeReader(url, client)
	if rr.size <= 0 {
		return nil, fmt.Errorf("HEAD %s: %w", url, ErrIo)
	}

	return parse(rr, nil, rr.size, opts)
}
