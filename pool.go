package wsitiff

import (
	"sync"

	"github.com/valyala/bytebufferpool"
)

// Buffer pools for the hot paths on both sides of this package: widening a
// tile-offset/byte-count array while walking an IFD, and assembling a
// serialized payload. Pooling here mirrors the teacher's own pool.go
// discipline (size-tiered sync.Pool buckets plus a pooled buffer type for
// the final assembled byte stream).

// byteSlicePool pools raw scratch buffers used while reading an
// offset-stored tag's payload, before it is widened into its typed form and
// discarded.
type byteSlicePool struct {
	small  sync.Pool // up to 64KB - the common case for a single IFD's tags
	medium sync.Pool // up to 256KB
	large  sync.Pool // up to 1MB - tile arrays for a busy pyramid level
}

const (
	smallBufferSize  = 64 * 1024
	mediumBufferSize = 256 * 1024
	largeBufferSize  = 1024 * 1024
)

var scratchPool = &byteSlicePool{
	small:  sync.Pool{New: func() interface{} { b := make([]byte, smallBufferSize); return &b }},
	medium: sync.Pool{New: func() interface{} { b := make([]byte, mediumBufferSize); return &b }},
	large:  sync.Pool{New: func() interface{} { b := make([]byte, largeBufferSize); return &b }},
}

// getScratch returns a byte slice of at least size, owned by the caller
// until putScratch returns it.
func getScratch(size int) []byte {
	switch {
	case size <= smallBufferSize:
		p := scratchPool.small.Get().(*[]byte)
		return (*p)[:size]
	case size <= mediumBufferSize:
		p := scratchPool.medium.Get().(*[]byte)
		return (*p)[:size]
	case size <= largeBufferSize:
		p := scratchPool.large.Get().(*[]byte)
		return (*p)[:size]
	default:
		return make([]byte, size)
	}
}

func putScratch(buf []byte) {
	c := cap(buf)
	buf = buf[:c]
	switch c {
	case smallBufferSize:
		scratchPool.small.Put(&buf)
	case mediumBufferSize:
		scratchPool.medium.Put(&buf)
	case largeBufferSize:
		scratchPool.large.Put(&buf)
	}
	// Non-standard sizes (including the "default: make" case above) are left
	// for the garbage collector.
}

// uint64SlicePool pools the widened TileOffsets/TileByteCounts arrays
// themselves. Unlike scratch buffers, these escape into an Ifd and live for
// the lifetime of the owning Tiff; they are returned to the pool only by
// Ifd.release (called from Tiff.Close, and from the parse error path that
// discards a partially built Tiff per spec §5/§7).
type uint64SlicePool struct {
	tile4k  sync.Pool // up to 4096 tiles - a typical single pyramid level
	tile64k sync.Pool // up to 65536 tiles - a large level on a whole-slide scan
}

const (
	tile4kCount  = 4096
	tile64kCount = 65536
)

var tileArrayPool = &uint64SlicePool{
	tile4k:  sync.Pool{New: func() interface{} { b := make([]uint64, tile4kCount); return &b }},
	tile64k: sync.Pool{New: func() interface{} { b := make([]uint64, tile64kCount); return &b }},
}

func getTileArray(n int) []uint64 {
	switch {
	case n <= tile4kCount:
		p := tileArrayPool.tile4k.Get().(*[]uint64)
		return (*p)[:n]
	case n <= tile64kCount:
		p := tileArrayPool.tile64k.Get().(*[]uint64)
		return (*p)[:n]
	default:
		return make([]uint64, n)
	}
}

func putTileArray(buf []uint64) {
	c := cap(buf)
	buf = buf[:c]
	switch c {
	case tile4kCount:
		tileArrayPool.tile4k.Put(&buf)
	case tile64kCount:
		tileArrayPool.tile64k.Put(&buf)
	}
}

// release returns ifd's pool-backed tile arrays and clears them, so a
// reused Ifd value (or the garbage collector, for non-pooled sizes) doesn't
// hold a dangling reference into a pool slot someone else now owns.
func (ifd *Ifd) release() {
	if ifd == nil {
		return
	}
	if ifd.TileOffsets != nil {
		putTileArray(ifd.TileOffsets)
		ifd.TileOffsets = nil
	}
	if ifd.TileByteCounts != nil {
		putTileArray(ifd.TileByteCounts)
		ifd.TileByteCounts = nil
	}
}

// payloadBuffer returns a pooled bytebufferpool.ByteBuffer for assembling a
// Serializer's output. Call bytebufferpool.Put when the caller is done
// copying its bytes out (Serialize always returns a fresh []byte, so the
// pooled buffer is released before Serialize returns).
func payloadBuffer() *bytebufferpool.ByteBuffer {
	return bytebufferpool.Get()
}
