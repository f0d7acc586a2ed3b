// Package pool provides reusable byte buffers for copy and compare loops.
package pool

import "sync"

// FixedBufferPool hands out byte slices of one fixed size.
type FixedBufferPool struct {
	size int
	pool sync.Pool
}

// NewFixedBuffer returns a pool of size-byte buffers.
func NewFixedBuffer(size int) *FixedBufferPool {
	if size <= 0 {
		panic("buffer size must be positive")
	}
	return &FixedBufferPool{
		size: size,
		pool: sync.Pool{
			New: func() any {
				b := make([]byte, size)
				return &b
			},
		},
	}
}

// Size returns the length of the buffers handed out by Get.
func (fp *FixedBufferPool) Size() int { return fp.size }

// Get returns a buffer of exactly Size bytes.
func (fp *FixedBufferPool) Get() *[]byte {
	b := fp.pool.Get().(*[]byte)
	// A caller may have resliced it before Put.
	*b = (*b)[:fp.size]
	return b
}

// Put returns a buffer to the pool. Buffers of a foreign capacity are dropped.
func (fp *FixedBufferPool) Put(b *[]byte) {
	if b == nil || cap(*b) != fp.size {
		return
	}
	*b = (*b)[:fp.size]
	fp.pool.Put(b)
}
