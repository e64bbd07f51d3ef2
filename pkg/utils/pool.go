package utils

import (
	"sync"
)

// Datagram buffers cover a UDP MTU with headroom; anything larger is
// allocated one-off and not pooled.
const defaultBufferSize = 2048

var bufferPool = sync.Pool{
	New: func() interface{} {
		return make([]byte, defaultBufferSize)
	},
}

// GetBuffer returns a byte slice of the requested length, reusing pooled
// storage when it fits.
func GetBuffer(length int) []byte {
	buf := bufferPool.Get().([]byte)
	if cap(buf) < length {
		return make([]byte, length)
	}
	return buf[:length]
}

// PutBuffer returns a slice to the pool. Undersized fragments and oversized
// one-offs are left for the GC so the pool stays uniform.
func PutBuffer(buf []byte) {
	if cap(buf) != defaultBufferSize {
		return
	}
	bufferPool.Put(buf[:cap(buf)])
}
