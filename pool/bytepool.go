// File: pool/bytepool.go
// Author: momentics <momentics@gmail.com>

package pool

// BytePool hands out fixed-capacity buffers for connection receive and
// send units. Capacity is a configuration constant, not negotiated.
type BytePool struct {
	pool *SyncPool[[]byte]
	size int
}

func NewBytePool(size int) *BytePool {
	return &BytePool{
		pool: NewSyncPool(func() []byte { return make([]byte, size) }),
		size: size,
	}
}

// GetBuffer returns a buffer of the pool's fixed size.
func (b *BytePool) GetBuffer() []byte {
	return b.pool.Get()
}

// PutBuffer returns a buffer to the pool. Foreign-sized buffers are
// dropped rather than poisoning the pool.
func (b *BytePool) PutBuffer(buf []byte) {
	if cap(buf) != b.size {
		return
	}
	b.pool.Put(buf[:b.size])
}
