package wsitiff

import (
	"encoding/binary"
	"fmt"
	"io"
	"sync"
)

// byteOrderReader wraps a seekable byte source and reads fixed-width
// unsigned integers under an explicit, caller-chosen byte order. It never
// relies on the host's endianness.
//
// readAt is the only operation that seeks and then restores the prior
// position; it does so under a mutex, so a byteOrderReader may be shared by
// callers that otherwise treat reads as sequentially consistent. seek moves
// the position for the caller's own walk and does not restore it. The
// readExact/readU* calls take no lock, so concurrent use of one instance is
// not safe.
type byteOrderReader struct {
	mu  sync.Mutex
	src io.ReadSeeker
}

func newByteOrderReader(src io.ReadSeeker) *byteOrderReader {
	return &byteOrderReader{src: src}
}

// readExact fills buf completely or returns ErrEof/ErrIo.
func (r *byteOrderReader) readExact(buf []byte) error {
	_, err := io.ReadFull(r.src, buf)
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		return fmt.Errorf("read %d bytes: %w", len(buf), ErrEof)
	}
	if err != nil {
		return fmt.Errorf("read %d bytes: %w", len(buf), ErrIo)
	}
	return nil
}

// position returns the reader's current offset.
func (r *byteOrderReader) position() (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.src.Seek(0, io.SeekCurrent)
}

// seek moves to an absolute offset.
func (r *byteOrderReader) seek(offset int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, err := r.src.Seek(offset, io.SeekStart)
	if err != nil {
		return fmt.Errorf("seek to %d: %w", offset, ErrIo)
	}
	return nil
}

// readAt seeks to offset, reads len(buf) bytes into buf, then restores the
// reader's prior position. It is the only primitive in this package that
// performs a seek outside of the caller's own forward-reading sequence.
func (r *byteOrderReader) readAt(offset int64, buf []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	prior, err := r.src.Seek(0, io.SeekCurrent)
	if err != nil {
		return fmt.Errorf("save position: %w", ErrIo)
	}
	if _, err := r.src.Seek(offset, io.SeekStart); err != nil {
		return fmt.Errorf("seek to %d: %w", offset, ErrIo)
	}

	_, readErr := io.ReadFull(r.src, buf)

	if _, err := r.src.Seek(prior, io.SeekStart); err != nil {
		return fmt.Errorf("restore position %d: %w", prior, ErrIo)
	}

	if readErr == io.EOF || readErr == io.ErrUnexpectedEOF {
		return fmt.Errorf("read %d bytes at %d: %w", len(buf), offset, ErrEof)
	}
	if readErr != nil {
		return fmt.Errorf("read %d bytes at %d: %w", len(buf), offset, ErrIo)
	}
	return nil
}

// readU16 reads a big/little-endian uint16 from the current position.
func (r *byteOrderReader) readU16(order binary.ByteOrder) (uint16, error) {
	var buf [2]byte
	if err := r.readExact(buf[:]); err != nil {
		return 0, err
	}
	return order.Uint16(buf[:]), nil
}

// readU32 reads a big/little-endian uint32 from the current position.
func (r *byteOrderReader) readU32(order binary.ByteOrder) (uint32, error) {
	var buf [4]byte
	if err := r.readExact(buf[:]); err != nil {
		return 0, err
	}
	return order.Uint32(buf[:]), nil
}

// readU64 reads a big/little-endian uint64 from the current position.
func (r *byteOrderReader) readU64(order binary.ByteOrder) (uint64, error) {
	var buf [8]byte
	if err := r.readExact(buf[:]); err != nil {
		return 0, err
	}
	return order.Uint64(buf[:]), nil
}
